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

// UnknownSession is the placeholder a gateway holds for a connection whose
// device identity has not been decoded yet. It is never registered. Any
// keep-alive timeout set on it is buffered and applied to the real session
// once the device comes online.
type UnknownSession struct {
	conn      network.Connection
	transport network.Type
	serverID  string

	connectTime  time.Time
	lastActivity atomic.Int64
	keepAlive    atomic.Int64
	hasKeepAlive atomic.Bool
	closed       atomic.Bool
}

// NewUnknown creates the pre-identification session for a connection.
func NewUnknown(conn network.Connection, transport network.Type, serverID string) *UnknownSession {
	s := &UnknownSession{
		conn:        conn,
		transport:   transport,
		serverID:    serverID,
		connectTime: time.Now(),
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

// Upgrade binds the now-identified device to the connection, carrying over
// any buffered keep-alive timeout.
func (s *UnknownSession) Upgrade(dev *device.Device) Session {
	real := New(s.conn, dev, s.transport, s.serverID)
	if s.hasKeepAlive.Load() {
		real.SetKeepAliveTimeout(time.Duration(s.keepAlive.Load()))
	}
	return real
}

func (s *UnknownSession) ID() string              { return s.conn.ID() }
func (s *UnknownSession) DeviceID() string        { return "" }
func (s *UnknownSession) Device() *device.Device  { return nil }
func (s *UnknownSession) Transport() network.Type { return s.transport }
func (s *UnknownSession) ServerID() string        { return s.serverID }
func (s *UnknownSession) ConnectTime() time.Time  { return s.connectTime }
func (s *UnknownSession) ClientAddr() net.Addr    { return s.conn.RemoteAddr() }

func (s *UnknownSession) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *UnknownSession) KeepAlive() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *UnknownSession) KeepAliveTimeout() time.Duration {
	return time.Duration(s.keepAlive.Load())
}

func (s *UnknownSession) SetKeepAliveTimeout(d time.Duration) {
	s.keepAlive.Store(int64(d))
	s.hasKeepAlive.Store(true)
}

func (s *UnknownSession) IsAlive() bool {
	return !s.closed.Load() && s.conn.IsAlive()
}

func (s *UnknownSession) Close() {
	if s.closed.CompareAndSwap(false, true) {
		_ = s.conn.Close()
	}
}

func (s *UnknownSession) Send(ctx context.Context, payload []byte) error {
	if s.closed.Load() {
		return errors.ErrSessionClosed
	}
	return s.conn.Send(ctx, payload)
}

var _ Session = (*UnknownSession)(nil)
