package gateway

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/devlink/codec"
	"github.com/c360/devlink/errors"
	"github.com/c360/devlink/message"
	"github.com/c360/devlink/network"
	"github.com/c360/devlink/session"
)

// connState is the per-connection pipeline state. A connection starts with
// a placeholder session and upgrades to a registered one when the device
// identifies itself through an online message (or any message carrying a
// device id).
type connState struct {
	conn    network.Connection
	limiter *rate.Limiter

	// mu guards the fields below; the disconnect hook and the
	// identification timer read them from other goroutines.
	mu      sync.Mutex
	current session.Session
	// registered closes once the ownership record for the current session
	// is written. The first non-control forward waits on it so the online
	// event is ordered before device traffic downstream.
	registered <-chan struct{}
	keepOnline bool
	identified bool
}

func (st *connState) session() session.Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.current
}

func (st *connState) isIdentified() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.identified
}

func (g *Gateway) handleConnection(ctx context.Context, conn network.Connection) {
	defer g.wg.Done()

	st := &connState{
		conn:    conn,
		current: session.NewUnknown(conn, g.server.Type(), g.registry.ServerID()),
	}
	if g.msgRate > 0 {
		st.limiter = rate.NewLimiter(rate.Limit(g.msgRate), g.msgBurst)
	}

	// Connections that never identify a device are dropped.
	identTimer := time.AfterFunc(g.unknownTimeout, func() {
		if !st.isIdentified() {
			g.logger.Warn("closing unidentified connection",
				"connId", conn.ID(), "remote", conn.RemoteAddr())
			_ = conn.Close()
		}
	})
	defer identTimer.Stop()

	conn.OnDisconnect(func() { g.onDisconnect(st) })

	g.logger.Debug("connection accepted",
		"connId", conn.ID(), "remote", conn.RemoteAddr())

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-conn.Frames():
			if !ok {
				return
			}
			g.handleFrame(ctx, st, frame, identTimer)
		}
	}
}

// onDisconnect unregisters the connection's session unless it is keep-online
// or another connection's session has already superseded it.
func (g *Gateway) onDisconnect(st *connState) {
	st.mu.Lock()
	s := st.current
	keepOnline := st.keepOnline
	st.mu.Unlock()
	if s == nil || s.DeviceID() == "" || keepOnline {
		return
	}
	if removed := g.registry.Unregister(s.ID()); removed != nil {
		g.logger.Info("session closed on disconnect",
			"deviceId", s.DeviceID(), "sessionId", s.ID())
	}
}

func (g *Gateway) handleFrame(ctx context.Context, st *connState, frame network.Frame, identTimer *time.Timer) {
	if g.State() != StateRunning {
		return
	}
	current := st.session()
	current.KeepAlive()

	msgs, err := g.codec.Decode(ctx, &codec.FrameContext{
		Frame:   frame,
		Session: current,
		Reply:   st.conn.Send,
	})
	if err != nil {
		g.logger.Warn("frame decode failed",
			"connId", st.conn.ID(), "remote", frame.RemoteAddr, "error", err)
		if g.metrics != nil {
			g.metrics.RecordError("gateway_"+g.id, "decode")
		}
		return
	}

	for _, msg := range msgs {
		if err := g.handleMessage(ctx, st, msg, identTimer); err != nil {
			g.logger.Warn("message handling failed",
				"deviceId", msg.DeviceID, "type", msg.Type, "error", err)
			if g.metrics != nil {
				g.metrics.RecordError("gateway_"+g.id, "handle")
			}
		}
	}
}

func (g *Gateway) handleMessage(ctx context.Context, st *connState, msg *message.Message, identTimer *time.Timer) error {
	if g.metrics != nil {
		g.metrics.RecordMessageReceived("gateway_"+g.id, string(msg.Type))
	}
	if addr := st.conn.RemoteAddr(); addr != nil {
		msg.SetHeaderIfAbsent(message.HeaderClientAddress, addr.String())
	}
	if d, ok := msg.KeepAliveTimeout(); ok {
		st.session().SetKeepAliveTimeout(d)
	}

	switch msg.Type {
	case message.TypeOnline:
		return g.deviceOnline(ctx, st, msg, identTimer)
	case message.TypeOffline:
		g.deviceOffline(st)
		return nil
	}

	// A data message on an unidentified connection brings the device
	// online implicitly.
	if !st.isIdentified() {
		if err := g.deviceOnline(ctx, st, msg, identTimer); err != nil {
			return err
		}
		if !st.isIdentified() {
			// Unknown device; the message is dropped with it.
			return nil
		}
	}
	return g.forward(ctx, st, msg)
}

// deviceOnline binds the decoded device identity to the connection and
// registers the session. Messages from devices absent from the directory
// are dropped without closing the connection.
func (g *Gateway) deviceOnline(ctx context.Context, st *connState, msg *message.Message, identTimer *time.Timer) error {
	if msg.DeviceID == "" {
		return nil
	}
	st.mu.Lock()
	current := st.current
	identified := st.identified
	st.mu.Unlock()
	if identified && current.DeviceID() == msg.DeviceID {
		current.KeepAlive()
		return nil
	}

	// A keep-online device reconnecting over a new connection keeps its
	// session identity; the session is rebound rather than superseded.
	if msg.KeepOnline() {
		if ko, ok := g.registry.GetSession(msg.DeviceID).(*session.KeepOnlineSession); ok {
			return g.deviceReconnected(st, ko, msg, identTimer)
		}
	}

	if g.registry.IsOverLimit(g.server.Type()) {
		g.logger.Warn("rejecting session, transport over limit",
			"deviceId", msg.DeviceID, "transport", g.server.Type())
		_ = st.conn.Close()
		return errors.ErrSessionLimitReached
	}

	dev, err := g.directory.Device(ctx, msg.DeviceID)
	if err != nil {
		if errors.Is(err, errors.ErrDeviceNotFound) {
			g.logger.Warn("dropping message from unknown device",
				"deviceId", msg.DeviceID, "remote", st.conn.RemoteAddr())
			return nil
		}
		return errors.WrapTransient(err, "gateway", "deviceOnline", "device lookup failed")
	}

	var s session.Session
	if u, ok := current.(*session.UnknownSession); ok {
		s = u.Upgrade(dev)
	} else {
		s = session.New(st.conn, dev, g.server.Type(), g.registry.ServerID())
	}
	if d, ok := msg.KeepAliveTimeout(); ok {
		s.SetKeepAliveTimeout(d)
	}
	keepOnline := msg.KeepOnline()
	if keepOnline {
		s = session.KeepOnline(s, s.KeepAliveTimeout())
	}

	_, registered := g.registry.Register(s)
	st.mu.Lock()
	st.current = s
	st.registered = registered
	st.identified = true
	st.keepOnline = keepOnline
	st.mu.Unlock()
	identTimer.Stop()

	g.logger.Info("device online",
		"deviceId", dev.ID, "sessionId", s.ID(),
		"keepOnline", keepOnline, "remote", st.conn.RemoteAddr())
	return nil
}

// deviceReconnected rebinds an existing keep-online session to this
// connection and re-registers it so the ownership record picks up the new
// client address. Counters are untouched; the session never went away.
func (g *Gateway) deviceReconnected(st *connState, ko *session.KeepOnlineSession, msg *message.Message, identTimer *time.Timer) error {
	inner := session.New(st.conn, ko.Device(), g.server.Type(), g.registry.ServerID())
	ko.Rebind(inner)
	if d, ok := msg.KeepAliveTimeout(); ok {
		ko.SetKeepAliveTimeout(d)
	}

	_, registered := g.registry.Register(ko)
	st.mu.Lock()
	st.current = ko
	st.registered = registered
	st.identified = true
	st.keepOnline = true
	st.mu.Unlock()
	identTimer.Stop()

	g.logger.Info("device reconnected",
		"deviceId", ko.DeviceID(), "sessionId", ko.ID(), "remote", st.conn.RemoteAddr())
	return nil
}

// deviceOffline removes the session and returns the connection to the
// unidentified state. The connection itself stays open; a later message may
// bring the device online again.
func (g *Gateway) deviceOffline(st *connState) {
	st.mu.Lock()
	if !st.identified {
		st.mu.Unlock()
		return
	}
	s := st.current
	st.current = session.NewUnknown(st.conn, g.server.Type(), g.registry.ServerID())
	st.registered = nil
	st.identified = false
	st.keepOnline = false
	st.mu.Unlock()

	g.registry.Unregister(s.ID())
	g.logger.Info("device offline", "deviceId", s.DeviceID(), "sessionId", s.ID())
}

// forward delivers a non-control message downstream. The first forward of a
// session waits for its registration to land so the online event precedes
// device traffic.
func (g *Gateway) forward(ctx context.Context, st *connState, msg *message.Message) error {
	st.mu.Lock()
	registered := st.registered
	st.registered = nil
	st.mu.Unlock()
	if registered != nil {
		select {
		case <-registered:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if st.limiter != nil {
		if err := st.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	g.emit(msg)
	if g.handler != nil {
		if err := g.handler(ctx, msg); err != nil {
			return errors.WrapTransient(err, "gateway", "forward", "downstream handler failed")
		}
	}
	if g.metrics != nil {
		g.metrics.RecordMessageSent("gateway_" + g.id)
	}
	return nil
}
