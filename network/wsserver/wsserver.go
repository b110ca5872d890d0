// Package wsserver provides the WebSocket listener transport. Every
// WebSocket message is one frame; text and binary messages are treated the
// same.
package wsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/devlink/errors"
	"github.com/c360/devlink/network"
)

const (
	defaultPath        = "/ws"
	defaultAcceptQueue = 128
	defaultFrameQueue  = 64
	writeTimeout       = 10 * time.Second
)

// Config is the provider-specific configuration document.
type Config struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Path           string `json:"path"`
	MaxMessageSize int64  `json:"maxMessageSize"`

	autoReload bool
}

// validate normalizes defaults. Port 0 binds an ephemeral port.
func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "wsserver", "validate",
			fmt.Sprintf("port %d out of range", c.Port))
	}
	if c.Path == "" {
		c.Path = defaultPath
	}
	return nil
}

// Provider creates WebSocket listener resources.
type Provider struct{}

// NewProvider returns the ws_server provider.
func NewProvider() *Provider { return &Provider{} }

func (p *Provider) Type() network.Type { return network.TypeWSServer }

func (p *Provider) ParseConfig(props *network.Properties) (any, error) {
	var cfg Config
	if len(props.Configuration) > 0 {
		if err := json.Unmarshal(props.Configuration, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "wsserver", "ParseConfig", "invalid configuration document")
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.autoReload = props.AutoReload
	return &cfg, nil
}

func (p *Provider) Create(id string, cfg any) (network.Resource, error) {
	c, ok := cfg.(*Config)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "wsserver", "Create", "unexpected config type")
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port)))
	if err != nil {
		return nil, errors.WrapTransient(err, "wsserver", "Create", "listen failed")
	}

	s := &Server{
		id:    id,
		cfg:   c,
		conns: make(chan network.Connection, defaultAcceptQueue),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Device connections come from embedded clients, not
			// browsers; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(c.Path, s.serveWS)
	s.httpServer = &http.Server{Handler: mux}
	s.addr = ln.Addr()
	s.alive.Store(true)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.alive.Store(false)
		}
	}()
	return s, nil
}

// Reload releases the old listener before binding the new one.
func (p *Provider) Reload(old network.Resource, id string, cfg any) (network.Resource, error) {
	if old != nil {
		old.Shutdown()
	}
	return p.Create(id, cfg)
}

var _ network.Provider = (*Provider)(nil)

// Server is a live WebSocket listener resource.
type Server struct {
	id         string
	cfg        *Config
	addr       net.Addr
	httpServer *http.Server
	upgrader   websocket.Upgrader
	alive      atomic.Bool
	closeOnce  sync.Once

	// connMu orders late serveWS deliveries against Shutdown closing the
	// channel; upgraded connections are hijacked, so Shutdown does not
	// await their handlers.
	connMu sync.Mutex
	conns  chan network.Connection
	closed bool
}

func (s *Server) ID() string                             { return s.id }
func (s *Server) Type() network.Type                     { return network.TypeWSServer }
func (s *Server) IsAlive() bool                          { return s.alive.Load() }
func (s *Server) AutoReload() bool                       { return s.cfg.autoReload }
func (s *Server) Connections() <-chan network.Connection { return s.conns }

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr { return s.addr }

func (s *Server) Shutdown() {
	s.closeOnce.Do(func() {
		s.alive.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
		s.connMu.Lock()
		s.closed = true
		close(s.conns)
		s.connMu.Unlock()
	})
}

// deliver enqueues an accepted connection, rejecting it once Shutdown has
// closed the channel or when the accept queue is full.
func (s *Server) deliver(conn network.Connection) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.conns <- conn:
		return true
	default:
		return false
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if !s.alive.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if s.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageSize)
	}
	conn := newConn(ws)
	if !s.deliver(conn) {
		_ = conn.Close()
	}
}

// wsConn adapts one upgraded socket to network.Connection.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	frames chan network.Frame

	writeMu sync.Mutex
	closed  atomic.Bool

	hookMu   sync.Mutex
	hooks    []func()
	hooksRun bool
}

func newConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		id:     uuid.NewString(),
		ws:     ws,
		frames: make(chan network.Frame, defaultFrameQueue),
	}
	go c.readLoop()
	return c
}

func (c *wsConn) ID() string                   { return c.id }
func (c *wsConn) RemoteAddr() net.Addr         { return c.ws.RemoteAddr() }
func (c *wsConn) Frames() <-chan network.Frame { return c.frames }
func (c *wsConn) IsAlive() bool                { return !c.closed.Load() }

func (c *wsConn) Send(ctx context.Context, payload []byte) error {
	if c.closed.Load() {
		return errors.ErrConnectionLost
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return errors.WrapTransient(err, "wsserver", "Send", "write failed")
	}
	return nil
}

func (c *wsConn) OnDisconnect(fn func()) {
	c.hookMu.Lock()
	if c.hooksRun {
		c.hookMu.Unlock()
		fn()
		return
	}
	c.hooks = append(c.hooks, fn)
	c.hookMu.Unlock()
}

func (c *wsConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.ws.Close()
	c.hookMu.Lock()
	hooks := c.hooks
	c.hooks = nil
	c.hooksRun = true
	c.hookMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return err
}

func (c *wsConn) readLoop() {
	defer func() {
		_ = c.Close()
		close(c.frames)
	}()
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		select {
		case c.frames <- network.Frame{
			Payload:    payload,
			RemoteAddr: c.ws.RemoteAddr(),
			ReceivedAt: time.Now(),
		}:
		default:
			return
		}
	}
}

var _ network.Connection = (*wsConn)(nil)
