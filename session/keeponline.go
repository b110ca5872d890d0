package session

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/devlink/device"
	"github.com/c360/devlink/network"
)

// KeepOnlineSession keeps a device online across transport loss. Liveness is
// judged purely by keep-alive deadline, never by the underlying connection,
// so a disconnected device stays online until the deadline passes. A zero or
// negative timeout means the session never expires on its own.
type KeepOnlineSession struct {
	// id is fixed at wrap time so the registry index survives rebinds.
	id string

	mu       sync.RWMutex
	delegate Session

	lastActivity atomic.Int64
	keepAlive    atomic.Int64
	closed       atomic.Bool
}

// KeepOnline wraps a session so that connection loss no longer ends it.
// Wrapping a session that is already keep-online returns it unchanged after
// updating the timeout.
func KeepOnline(s Session, timeout time.Duration) *KeepOnlineSession {
	if ko, ok := s.(*KeepOnlineSession); ok {
		ko.SetKeepAliveTimeout(timeout)
		return ko
	}
	ko := &KeepOnlineSession{id: s.ID(), delegate: s}
	ko.lastActivity.Store(time.Now().UnixNano())
	ko.keepAlive.Store(int64(timeout))
	return ko
}

// Unwrap returns the underlying session.
func (s *KeepOnlineSession) Unwrap() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.delegate
}

// Rebind replaces the underlying session after a device reconnects, keeping
// the keep-online identity stable across connections. The replaced session
// is closed.
func (s *KeepOnlineSession) Rebind(inner Session) {
	s.mu.Lock()
	old := s.delegate
	s.delegate = inner
	s.mu.Unlock()
	if old != nil && old != inner {
		old.Close()
	}
	s.KeepAlive()
}

func (s *KeepOnlineSession) ID() string              { return s.id }
func (s *KeepOnlineSession) DeviceID() string        { return s.Unwrap().DeviceID() }
func (s *KeepOnlineSession) Device() *device.Device  { return s.Unwrap().Device() }
func (s *KeepOnlineSession) Transport() network.Type { return s.Unwrap().Transport() }
func (s *KeepOnlineSession) ServerID() string        { return s.Unwrap().ServerID() }
func (s *KeepOnlineSession) ConnectTime() time.Time  { return s.Unwrap().ConnectTime() }
func (s *KeepOnlineSession) ClientAddr() net.Addr    { return s.Unwrap().ClientAddr() }

func (s *KeepOnlineSession) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *KeepOnlineSession) KeepAlive() {
	s.lastActivity.Store(time.Now().UnixNano())
	s.Unwrap().KeepAlive()
}

func (s *KeepOnlineSession) KeepAliveTimeout() time.Duration {
	return time.Duration(s.keepAlive.Load())
}

func (s *KeepOnlineSession) SetKeepAliveTimeout(d time.Duration) {
	s.keepAlive.Store(int64(d))
}

func (s *KeepOnlineSession) IsAlive() bool {
	if s.closed.Load() {
		return false
	}
	timeout := s.KeepAliveTimeout()
	if timeout <= 0 {
		return true
	}
	return time.Since(s.LastActivity()) <= timeout
}

func (s *KeepOnlineSession) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.Unwrap().Close()
	}
}

func (s *KeepOnlineSession) Send(ctx context.Context, payload []byte) error {
	return s.Unwrap().Send(ctx, payload)
}

var _ Session = (*KeepOnlineSession)(nil)
