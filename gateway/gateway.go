// Package gateway implements the protocol gateway: it binds one network
// server, decodes inbound frames with a protocol codec, drives device
// session lifecycle in the session registry, and forwards decoded device
// messages downstream. Control messages (online, offline) act on sessions
// and are not forwarded.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/devlink/codec"
	"github.com/c360/devlink/device"
	"github.com/c360/devlink/errors"
	"github.com/c360/devlink/message"
	"github.com/c360/devlink/metric"
	"github.com/c360/devlink/network"
	"github.com/c360/devlink/session"
)

// State is the gateway lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Handler receives every non-control message a gateway decodes.
type Handler func(ctx context.Context, msg *message.Message) error

// DefaultUnknownTimeout is how long a connection may stay unidentified
// before the gateway drops it.
const DefaultUnknownTimeout = 2 * time.Minute

// Deps carries a gateway's dependencies.
type Deps struct {
	// ID names the gateway in logs and metrics.
	ID string

	// Server is the network server the gateway accepts connections from.
	Server network.Server

	// Codec decodes this gateway's protocol.
	Codec codec.Codec

	// Registry is the node's session registry.
	Registry *session.Registry

	// Directory resolves device identities decoded from frames.
	Directory device.Directory

	// Handler receives decoded non-control messages. Optional; without it
	// messages reach only OnMessage subscribers.
	Handler Handler

	// Metrics is optional.
	Metrics *metric.Metrics

	Logger *slog.Logger

	// MessageRate caps forwarded messages per second per connection.
	// Zero means unlimited.
	MessageRate float64

	// MessageBurst is the per-connection burst when MessageRate is set.
	MessageBurst int

	// UnknownTimeout overrides DefaultUnknownTimeout when positive.
	UnknownTimeout time.Duration
}

// Gateway accepts connections from one server and runs the per-connection
// decode pipeline. Startup resumes a paused gateway; Pause stops accepting
// and forwarding while keeping established sessions registered.
type Gateway struct {
	id        string
	server    network.Server
	codec     codec.Codec
	registry  *session.Registry
	directory device.Directory
	handler   Handler
	metrics   *metric.Metrics
	logger    *slog.Logger

	msgRate        float64
	msgBurst       int
	unknownTimeout time.Duration

	state atomic.Int32

	subMu     sync.RWMutex
	nextSubID int
	subs      map[int]chan *message.Message

	connMu sync.Mutex
	conns  map[string]network.Connection

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates deps and builds a stopped gateway.
func New(deps Deps) (*Gateway, error) {
	if deps.ID == "" {
		return nil, errors.Wrap(errors.ErrMissingConfig, "gateway", "New", "gateway id required")
	}
	if deps.Server == nil {
		return nil, errors.Wrap(errors.ErrMissingConfig, "gateway", "New", "network server required")
	}
	if deps.Codec == nil {
		return nil, errors.Wrap(errors.ErrMissingConfig, "gateway", "New", "codec required")
	}
	if deps.Registry == nil {
		return nil, errors.Wrap(errors.ErrMissingConfig, "gateway", "New", "session registry required")
	}
	if deps.Directory == nil {
		return nil, errors.Wrap(errors.ErrMissingConfig, "gateway", "New", "device directory required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.UnknownTimeout <= 0 {
		deps.UnknownTimeout = DefaultUnknownTimeout
	}
	if deps.MessageBurst <= 0 {
		deps.MessageBurst = 1
	}
	return &Gateway{
		id:             deps.ID,
		server:         deps.Server,
		codec:          deps.Codec,
		registry:       deps.Registry,
		directory:      deps.Directory,
		handler:        deps.Handler,
		metrics:        deps.Metrics,
		logger:         deps.Logger.With("component", "gateway", "gatewayId", deps.ID),
		msgRate:        deps.MessageRate,
		msgBurst:       deps.MessageBurst,
		unknownTimeout: deps.UnknownTimeout,
		subs:           make(map[int]chan *message.Message),
		conns:          make(map[string]network.Connection),
	}, nil
}

// ID returns the gateway id.
func (g *Gateway) ID() string { return g.id }

// State returns the current lifecycle state.
func (g *Gateway) State() State { return State(g.state.Load()) }

// IsAlive reports whether the gateway is running and its server is still
// usable. A paused gateway is not alive; Startup resumes it.
func (g *Gateway) IsAlive() bool {
	return g.State() == StateRunning && g.server.IsAlive()
}

// Startup starts the accept loop, or resumes a paused gateway. Calling it
// on a running gateway is a no-op.
func (g *Gateway) Startup(ctx context.Context) error {
	for {
		switch State(g.state.Load()) {
		case StateRunning, StateStarting:
			return nil
		case StatePaused:
			if g.state.CompareAndSwap(int32(StatePaused), int32(StateRunning)) {
				g.logger.Info("gateway resumed")
				return nil
			}
		case StateStopped:
			if !g.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
				continue
			}
			runCtx, cancel := context.WithCancel(context.Background())
			g.cancel = cancel
			g.wg.Add(1)
			go g.acceptLoop(runCtx)
			g.state.Store(int32(StateRunning))
			if g.metrics != nil {
				g.metrics.RecordComponentStatus("gateway_"+g.id, 1)
			}
			g.logger.Info("gateway started", "protocol", g.codec.Protocol(),
				"transport", g.server.Type(), "serverId", g.server.ID())
			return nil
		}
	}
}

// Pause stops accepting new connections and suspends message forwarding.
// Established sessions stay registered and keep their liveness.
func (g *Gateway) Pause() {
	if g.state.CompareAndSwap(int32(StateRunning), int32(StatePaused)) {
		g.logger.Info("gateway paused")
	}
}

// Shutdown stops the gateway and closes every connection it accepted.
// Session unregistration follows from the disconnect hooks.
func (g *Gateway) Shutdown() {
	prev := State(g.state.Swap(int32(StateStopped)))
	if prev == StateStopped {
		return
	}
	if g.cancel != nil {
		g.cancel()
	}

	g.connMu.Lock()
	conns := make([]network.Connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.conns = make(map[string]network.Connection)
	g.connMu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}

	g.wg.Wait()
	if g.metrics != nil {
		g.metrics.RecordComponentStatus("gateway_"+g.id, 0)
	}
	g.logger.Info("gateway stopped")
}

// OnMessage subscribes to decoded non-control messages. Delivery is
// best effort; a full subscriber channel drops the message.
func (g *Gateway) OnMessage(buffer int) (<-chan *message.Message, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan *message.Message, buffer)
	g.subMu.Lock()
	id := g.nextSubID
	g.nextSubID++
	g.subs[id] = ch
	g.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			g.subMu.Lock()
			delete(g.subs, id)
			g.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (g *Gateway) emit(msg *message.Message) {
	g.subMu.RLock()
	defer g.subMu.RUnlock()
	for _, ch := range g.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (g *Gateway) acceptLoop(ctx context.Context) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case conn, ok := <-g.server.Connections():
			if !ok {
				g.logger.Warn("server connection stream closed")
				return
			}
			if g.State() != StateRunning {
				// Paused gateways reject new connections outright.
				_ = conn.Close()
				continue
			}
			g.track(conn)
			g.wg.Add(1)
			go g.handleConnection(ctx, conn)
		}
	}
}

func (g *Gateway) track(conn network.Connection) {
	g.connMu.Lock()
	g.conns[conn.ID()] = conn
	g.connMu.Unlock()
	if g.metrics != nil {
		g.metrics.RecordConnectionOpened("gateway_" + g.id)
	}
	conn.OnDisconnect(func() {
		g.connMu.Lock()
		delete(g.conns, conn.ID())
		g.connMu.Unlock()
		if g.metrics != nil {
			g.metrics.RecordConnectionClosed("gateway_" + g.id)
		}
	})
}
