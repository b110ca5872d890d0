// Package session holds the node-local device session model and the session
// registry, the single source of truth for which device sessions are alive
// on this cluster node. The registry reconciles itself against the shared
// ownership record to detect and heal split state after failovers.
package session

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/c360/devlink/device"
	"github.com/c360/devlink/errors"
	"github.com/c360/devlink/network"
)

// Session is a live binding between a device identity and a transport
// connection on this node.
type Session interface {
	// ID returns the session id. Often equal to the device id; when it
	// differs the registry indexes the session under both.
	ID() string

	// DeviceID returns the device this session belongs to.
	DeviceID() string

	// Device returns the directory entry the session was created for.
	Device() *device.Device

	// Transport returns the transport type carrying this session.
	Transport() network.Type

	// ServerID returns the cluster node that owns this session.
	ServerID() string

	// ConnectTime returns when the session was established.
	ConnectTime() time.Time

	// LastActivity returns the time of the last KeepAlive refresh.
	LastActivity() time.Time

	// KeepAlive refreshes the last-activity timestamp.
	KeepAlive()

	// KeepAliveTimeout returns the idle deadline; zero or negative means
	// the session never expires from inactivity.
	KeepAliveTimeout() time.Duration

	// SetKeepAliveTimeout changes the idle deadline.
	SetKeepAliveTimeout(d time.Duration)

	// ClientAddr returns the peer address, or nil when unknown.
	ClientAddr() net.Addr

	// IsAlive reports whether the session should be considered live.
	IsAlive() bool

	// Close releases the session's transport resources. Idempotent.
	Close()

	// Send writes an encoded payload to the device.
	Send(ctx context.Context, payload []byte) error
}

// connSession is a Session bound directly to a physical connection.
type connSession struct {
	id        string
	dev       *device.Device
	conn      network.Connection
	transport network.Type
	serverID  string

	connectTime  time.Time
	lastActivity atomic.Int64 // unix nanos
	keepAlive    atomic.Int64 // timeout in nanos, <=0 never expires
	closed       atomic.Bool
}

// New creates a session for a device over the given connection. The session
// id is the connection id, matching how gateways look sessions up before a
// device identity is known.
func New(conn network.Connection, dev *device.Device, transport network.Type, serverID string) Session {
	s := &connSession{
		id:          conn.ID(),
		dev:         dev,
		conn:        conn,
		transport:   transport,
		serverID:    serverID,
		connectTime: time.Now(),
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

func (s *connSession) ID() string              { return s.id }
func (s *connSession) DeviceID() string        { return s.dev.ID }
func (s *connSession) Device() *device.Device  { return s.dev }
func (s *connSession) Transport() network.Type { return s.transport }
func (s *connSession) ServerID() string        { return s.serverID }
func (s *connSession) ConnectTime() time.Time  { return s.connectTime }

func (s *connSession) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *connSession) KeepAlive() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *connSession) KeepAliveTimeout() time.Duration {
	return time.Duration(s.keepAlive.Load())
}

func (s *connSession) SetKeepAliveTimeout(d time.Duration) {
	s.keepAlive.Store(int64(d))
}

func (s *connSession) ClientAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *connSession) IsAlive() bool {
	if s.closed.Load() || !s.conn.IsAlive() {
		return false
	}
	timeout := s.KeepAliveTimeout()
	if timeout <= 0 {
		return true
	}
	return time.Since(s.LastActivity()) <= timeout
}

func (s *connSession) Close() {
	if s.closed.CompareAndSwap(false, true) {
		_ = s.conn.Close()
	}
}

func (s *connSession) Send(ctx context.Context, payload []byte) error {
	if s.closed.Load() {
		return errors.ErrSessionClosed
	}
	return s.conn.Send(ctx, payload)
}
