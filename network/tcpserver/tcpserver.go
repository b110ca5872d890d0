// Package tcpserver provides the TCP listener transport. Inbound bytes are
// split into frames by a configurable framing mode before they reach the
// protocol codec: direct (one read, one frame), delimited, or
// length-prefixed (4-byte big-endian).
package tcpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/devlink/errors"
	"github.com/c360/devlink/network"
)

// Framing modes.
const (
	FramingDirect    = "direct"
	FramingDelimited = "delimited"
	FramingLength    = "length"
)

const (
	defaultMaxFrameSize = 1 << 20 // 1 MiB
	defaultAcceptQueue  = 128
	defaultFrameQueue   = 64
)

// Config is the provider-specific configuration document.
type Config struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Framing       string `json:"framing"`
	Delimiter     string `json:"delimiter"`
	MaxFrameSize  int    `json:"maxFrameSize"`
	ReadTimeoutMs int64  `json:"readTimeoutMs"`

	autoReload bool
}

func (c *Config) readTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

// Addr returns the host:port the listener binds.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// validate normalizes defaults. Port 0 binds an ephemeral port.
func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "tcpserver", "validate",
			fmt.Sprintf("port %d out of range", c.Port))
	}
	switch c.Framing {
	case "", FramingDirect, FramingLength:
	case FramingDelimited:
		if c.Delimiter == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "tcpserver", "validate",
				"delimited framing requires a delimiter")
		}
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "tcpserver", "validate",
			"unknown framing mode "+c.Framing)
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = defaultMaxFrameSize
	}
	if c.Framing == "" {
		c.Framing = FramingDirect
	}
	return nil
}

// Provider creates TCP listener resources.
type Provider struct{}

// NewProvider returns the tcp_server provider.
func NewProvider() *Provider { return &Provider{} }

func (p *Provider) Type() network.Type { return network.TypeTCPServer }

func (p *Provider) ParseConfig(props *network.Properties) (any, error) {
	var cfg Config
	if len(props.Configuration) > 0 {
		if err := json.Unmarshal(props.Configuration, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "tcpserver", "ParseConfig", "invalid configuration document")
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
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "tcpserver", "Create", "unexpected config type")
	}
	ln, err := net.Listen("tcp", c.Addr())
	if err != nil {
		return nil, errors.WrapTransient(err, "tcpserver", "Create", "listen failed")
	}
	s := &Server{
		id:       id,
		cfg:      c,
		listener: ln,
		conns:    make(chan network.Connection, defaultAcceptQueue),
	}
	s.alive.Store(true)
	go s.acceptLoop()
	return s, nil
}

// Reload releases the old listener before binding the new one; two
// listeners cannot share a port.
func (p *Provider) Reload(old network.Resource, id string, cfg any) (network.Resource, error) {
	if old != nil {
		old.Shutdown()
	}
	return p.Create(id, cfg)
}

var _ network.Provider = (*Provider)(nil)

// Server is a live TCP listener resource.
type Server struct {
	id       string
	cfg      *Config
	listener net.Listener
	conns    chan network.Connection
	alive    atomic.Bool
}

func (s *Server) ID() string                             { return s.id }
func (s *Server) Type() network.Type                     { return network.TypeTCPServer }
func (s *Server) IsAlive() bool                          { return s.alive.Load() }
func (s *Server) AutoReload() bool                       { return s.cfg.autoReload }
func (s *Server) Connections() <-chan network.Connection { return s.conns }

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

func (s *Server) Shutdown() {
	if s.alive.CompareAndSwap(true, false) {
		_ = s.listener.Close()
	}
}

func (s *Server) acceptLoop() {
	defer close(s.conns)
	for {
		raw, err := s.listener.Accept()
		if err != nil {
			s.alive.Store(false)
			return
		}
		conn := newConn(raw, s.cfg)
		select {
		case s.conns <- conn:
		default:
			// Nobody consuming; shed the connection instead of
			// blocking the accept loop.
			_ = conn.Close()
		}
	}
}

// tcpConn adapts one accepted socket to network.Connection.
type tcpConn struct {
	id     string
	raw    net.Conn
	cfg    *Config
	frames chan network.Frame

	closed atomic.Bool

	mu       sync.Mutex
	hooks    []func()
	hooksRun bool
}

func newConn(raw net.Conn, cfg *Config) *tcpConn {
	c := &tcpConn{
		id:     uuid.NewString(),
		raw:    raw,
		cfg:    cfg,
		frames: make(chan network.Frame, defaultFrameQueue),
	}
	go c.readLoop()
	return c
}

func (c *tcpConn) ID() string                   { return c.id }
func (c *tcpConn) RemoteAddr() net.Addr         { return c.raw.RemoteAddr() }
func (c *tcpConn) Frames() <-chan network.Frame { return c.frames }
func (c *tcpConn) IsAlive() bool                { return !c.closed.Load() }

func (c *tcpConn) Send(ctx context.Context, payload []byte) error {
	if c.closed.Load() {
		return errors.ErrConnectionLost
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.raw.SetWriteDeadline(deadline)
		defer c.raw.SetWriteDeadline(time.Time{})
	}
	out := payload
	switch c.cfg.Framing {
	case FramingDelimited:
		out = append(append([]byte{}, payload...), []byte(c.cfg.Delimiter)...)
	case FramingLength:
		out = make([]byte, 4+len(payload))
		binary.BigEndian.PutUint32(out, uint32(len(payload)))
		copy(out[4:], payload)
	}
	if _, err := c.raw.Write(out); err != nil {
		return errors.WrapTransient(err, "tcpserver", "Send", "write failed")
	}
	return nil
}

func (c *tcpConn) OnDisconnect(fn func()) {
	c.mu.Lock()
	if c.hooksRun {
		c.mu.Unlock()
		fn()
		return
	}
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

func (c *tcpConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.raw.Close()
	c.runHooks()
	return err
}

func (c *tcpConn) runHooks() {
	c.mu.Lock()
	hooks := c.hooks
	c.hooks = nil
	c.hooksRun = true
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (c *tcpConn) readLoop() {
	defer func() {
		_ = c.Close()
		close(c.frames)
	}()

	switch c.cfg.Framing {
	case FramingDelimited:
		c.readDelimited()
	case FramingLength:
		c.readLengthPrefixed()
	default:
		c.readDirect()
	}
}

func (c *tcpConn) deliver(payload []byte) bool {
	select {
	case c.frames <- network.Frame{
		Payload:    payload,
		RemoteAddr: c.raw.RemoteAddr(),
		ReceivedAt: time.Now(),
	}:
		return true
	default:
		// Consumer stalled past the queue; drop the connection rather
		// than buffer without bound.
		return false
	}
}

func (c *tcpConn) refreshDeadline() {
	if t := c.cfg.readTimeout(); t > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(t))
	}
}

func (c *tcpConn) readDirect() {
	buf := make([]byte, c.cfg.MaxFrameSize)
	for {
		c.refreshDeadline()
		n, err := c.raw.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if !c.deliver(payload) {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *tcpConn) readDelimited() {
	delim := []byte(c.cfg.Delimiter)
	r := bufio.NewReaderSize(c.raw, c.cfg.MaxFrameSize)
	var acc []byte
	for {
		c.refreshDeadline()
		chunk, err := r.ReadBytes(delim[len(delim)-1])
		acc = append(acc, chunk...)
		if bytes.HasSuffix(acc, delim) {
			payload := acc[:len(acc)-len(delim)]
			acc = nil
			if len(payload) > 0 && !c.deliver(payload) {
				return
			}
		}
		if len(acc) > c.cfg.MaxFrameSize {
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *tcpConn) readLengthPrefixed() {
	r := bufio.NewReader(c.raw)
	header := make([]byte, 4)
	for {
		c.refreshDeadline()
		if _, err := io.ReadFull(r, header); err != nil {
			return
		}
		size := binary.BigEndian.Uint32(header)
		if size == 0 || size > uint32(c.cfg.MaxFrameSize) {
			return
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return
		}
		if !c.deliver(payload) {
			return
		}
	}
}

var _ network.Connection = (*tcpConn)(nil)
