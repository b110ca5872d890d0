package session

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/c360/devlink/device"
	"github.com/c360/devlink/network"
)

// ChildSession represents a device reached through a gateway device's
// connection rather than its own. It holds a reference to the parent session
// but is tracked and evicted independently by the registry.
type ChildSession struct {
	dev    *device.Device
	parent Session

	connectTime  time.Time
	lastActivity atomic.Int64
	keepAlive    atomic.Int64
	closed       atomic.Bool
}

// NewChild binds a child device to its parent gateway session.
func NewChild(dev *device.Device, parent Session) *ChildSession {
	s := &ChildSession{
		dev:         dev,
		parent:      parent,
		connectTime: time.Now(),
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

// Parent returns the gateway session this child rides on.
func (s *ChildSession) Parent() Session { return s.parent }

func (s *ChildSession) ID() string              { return s.dev.ID }
func (s *ChildSession) DeviceID() string        { return s.dev.ID }
func (s *ChildSession) Device() *device.Device  { return s.dev }
func (s *ChildSession) Transport() network.Type { return s.parent.Transport() }
func (s *ChildSession) ServerID() string        { return s.parent.ServerID() }
func (s *ChildSession) ConnectTime() time.Time  { return s.connectTime }
func (s *ChildSession) ClientAddr() net.Addr    { return s.parent.ClientAddr() }

func (s *ChildSession) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *ChildSession) KeepAlive() {
	s.lastActivity.Store(time.Now().UnixNano())
	s.parent.KeepAlive()
}

func (s *ChildSession) KeepAliveTimeout() time.Duration {
	return time.Duration(s.keepAlive.Load())
}

func (s *ChildSession) SetKeepAliveTimeout(d time.Duration) {
	s.keepAlive.Store(int64(d))
}

func (s *ChildSession) IsAlive() bool {
	if s.closed.Load() || !s.parent.IsAlive() {
		return false
	}
	timeout := s.KeepAliveTimeout()
	if timeout <= 0 {
		return true
	}
	return time.Since(s.LastActivity()) <= timeout
}

// Close marks the child closed. The parent connection is left untouched
// since other children may still ride on it.
func (s *ChildSession) Close() {
	s.closed.Store(true)
}

func (s *ChildSession) Send(ctx context.Context, payload []byte) error {
	return s.parent.Send(ctx, payload)
}

var _ Session = (*ChildSession)(nil)
