// Package testutil provides in-memory fakes for the network layer so that
// session and gateway behavior can be tested without opening sockets.
package testutil

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/devlink/errors"
	"github.com/c360/devlink/network"
)

// FakeAddr is a net.Addr with fixed values.
type FakeAddr struct {
	Net  string
	Addr string
}

func (a FakeAddr) Network() string { return a.Net }
func (a FakeAddr) String() string  { return a.Addr }

// FakeConn is an in-memory network.Connection. Inbound frames are injected
// with Push; outbound payloads accumulate in Sent.
type FakeConn struct {
	ConnID string
	Remote net.Addr

	frames chan network.Frame
	closed atomic.Bool

	mu       sync.Mutex
	sent     [][]byte
	hooks    []func()
	hooksRun bool
}

var connSeq atomic.Int64

// NewFakeConn builds an open fake connection with a generated id.
func NewFakeConn() *FakeConn {
	n := connSeq.Add(1)
	return &FakeConn{
		ConnID: fmt.Sprintf("fake-conn-%d", n),
		Remote: FakeAddr{Net: "tcp", Addr: fmt.Sprintf("10.0.0.%d:5000", n%250+1)},
		frames: make(chan network.Frame, 64),
	}
}

// Push injects an inbound frame. Returns false once the connection closed.
func (c *FakeConn) Push(payload []byte) bool {
	if c.closed.Load() {
		return false
	}
	c.frames <- network.Frame{
		Payload:    payload,
		RemoteAddr: c.Remote,
		ReceivedAt: time.Now(),
	}
	return true
}

// Sent returns a copy of every payload written to the peer so far.
func (c *FakeConn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *FakeConn) ID() string                   { return c.ConnID }
func (c *FakeConn) RemoteAddr() net.Addr         { return c.Remote }
func (c *FakeConn) Frames() <-chan network.Frame { return c.frames }
func (c *FakeConn) IsAlive() bool                { return !c.closed.Load() }

func (c *FakeConn) Send(_ context.Context, payload []byte) error {
	if c.closed.Load() {
		return errors.ErrConnectionLost
	}
	c.mu.Lock()
	c.sent = append(c.sent, payload)
	c.mu.Unlock()
	return nil
}

func (c *FakeConn) OnDisconnect(fn func()) {
	c.mu.Lock()
	if c.hooksRun {
		c.mu.Unlock()
		fn()
		return
	}
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

func (c *FakeConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.frames)
	c.mu.Lock()
	hooks := c.hooks
	c.hooks = nil
	c.hooksRun = true
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return nil
}

var _ network.Connection = (*FakeConn)(nil)

// FakeServer is an in-memory network.Server. Tests hand connections to the
// gateway under test through Accept.
type FakeServer struct {
	ServerID   string
	ServerType network.Type
	Reloadable bool

	conns chan network.Connection
	alive atomic.Bool
}

// NewFakeServer builds a running fake server.
func NewFakeServer(id string) *FakeServer {
	s := &FakeServer{
		ServerID:   id,
		ServerType: network.TypeTCPServer,
		conns:      make(chan network.Connection, 16),
	}
	s.alive.Store(true)
	return s
}

// Accept delivers a connection to whoever consumes Connections.
func (s *FakeServer) Accept(c network.Connection) {
	s.conns <- c
}

func (s *FakeServer) ID() string                             { return s.ServerID }
func (s *FakeServer) Type() network.Type                     { return s.ServerType }
func (s *FakeServer) IsAlive() bool                          { return s.alive.Load() }
func (s *FakeServer) AutoReload() bool                       { return s.Reloadable }
func (s *FakeServer) Connections() <-chan network.Connection { return s.conns }

func (s *FakeServer) Shutdown() {
	if s.alive.CompareAndSwap(true, false) {
		close(s.conns)
	}
}

var _ network.Server = (*FakeServer)(nil)

// Kill marks the server dead without closing the connection channel, to
// exercise liveness sweeps.
func (s *FakeServer) Kill() {
	s.alive.Store(false)
}

// Eventually polls cond until it holds or the timeout passes.
func Eventually(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
