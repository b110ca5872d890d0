package gateway

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devlink/codec/jsonline"
	"github.com/c360/devlink/device"
	"github.com/c360/devlink/message"
	"github.com/c360/devlink/metric"
	"github.com/c360/devlink/network"
	"github.com/c360/devlink/ownership"
	"github.com/c360/devlink/session"
	"github.com/c360/devlink/testutil"
)

type capture struct {
	mu   sync.Mutex
	msgs []*message.Message
}

func (c *capture) handler(_ context.Context, msg *message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *capture) all() []*message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*message.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

type gatewayFixture struct {
	gateway  *Gateway
	server   *testutil.FakeServer
	registry *session.Registry
	sink     *capture
}

func newFixture(t *testing.T, opts ...func(*Deps)) *gatewayFixture {
	t.Helper()
	dir := device.NewMemoryDirectory()
	dir.AddDevice(&device.Device{ID: "dev-1", ProductID: "prod-1"})
	dir.AddDevice(&device.Device{ID: "dev-2", ProductID: "prod-1"})

	reg, err := session.NewRegistry(session.RegistryDeps{
		ServerID:  "node-a",
		Ownership: ownership.NewMemoryStore(),
		Directory: dir,
		Logger:    slog.Default(),
	})
	require.NoError(t, err)

	server := testutil.NewFakeServer("srv-1")
	sink := &capture{}
	deps := Deps{
		ID:        "gw-test",
		Server:    server,
		Codec:     jsonline.New(network.TypeTCPServer),
		Registry:  reg,
		Directory: dir,
		Handler:   sink.handler,
		Logger:    slog.Default(),
	}
	for _, o := range opts {
		o(&deps)
	}
	gw, err := New(deps)
	require.NoError(t, err)
	t.Cleanup(gw.Shutdown)
	return &gatewayFixture{gateway: gw, server: server, registry: reg, sink: sink}
}

func TestNewValidation(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestStartupIdempotentAndResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, StateStopped, f.gateway.State())
	require.NoError(t, f.gateway.Startup(ctx))
	assert.Equal(t, StateRunning, f.gateway.State())
	require.NoError(t, f.gateway.Startup(ctx), "startup on running gateway is a no-op")

	f.gateway.Pause()
	assert.Equal(t, StatePaused, f.gateway.State())
	assert.False(t, f.gateway.IsAlive(), "only a running gateway reports alive")

	require.NoError(t, f.gateway.Startup(ctx), "startup resumes from paused")
	assert.Equal(t, StateRunning, f.gateway.State())
	assert.True(t, f.gateway.IsAlive())
}

func TestOnlineRegistersSession(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gateway.Startup(context.Background()))

	conn := testutil.NewFakeConn()
	f.server.Accept(conn)
	conn.Push([]byte(`{"deviceId":"dev-1","type":"online"}`))

	ok := testutil.Eventually(func() bool {
		return f.registry.GetSession("dev-1") != nil
	}, 2*time.Second)
	require.True(t, ok, "online message must register a session")

	s := f.registry.GetSession("dev-1")
	assert.Equal(t, conn.ID(), s.ID())
	assert.Empty(t, f.sink.all(), "control messages are not forwarded downstream")
}

func TestImplicitOnlineAndForward(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gateway.Startup(context.Background()))

	conn := testutil.NewFakeConn()
	f.server.Accept(conn)
	conn.Push([]byte(`{"deviceId":"dev-1","payload":{"temp":20}}`))

	ok := testutil.Eventually(func() bool { return f.sink.count() == 1 }, 2*time.Second)
	require.True(t, ok, "data message forwarded downstream")
	require.NotNil(t, f.registry.GetSession("dev-1"), "first data message brings the device online")

	msg := f.sink.all()[0]
	assert.Equal(t, "dev-1", msg.DeviceID)
	assert.Equal(t, conn.Remote.String(), msg.ClientAddress(),
		"peer address stamped onto forwarded messages")
}

func TestOnlineOrderedBeforeFirstForward(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gateway.Startup(context.Background()))

	events, cancel := f.registry.OnRegister(4)
	defer cancel()

	conn := testutil.NewFakeConn()
	f.server.Accept(conn)
	conn.Push([]byte(`{"deviceId":"dev-1","type":"online"}` + "\n" +
		`{"deviceId":"dev-1","payload":{"v":1}}`))

	ok := testutil.Eventually(func() bool { return f.sink.count() == 1 }, 2*time.Second)
	require.True(t, ok)

	// The register event must already be observable.
	select {
	case got := <-events:
		assert.Equal(t, "dev-1", got.DeviceID())
	default:
		t.Fatal("register event must precede the first forwarded message")
	}
}

func TestUnknownDeviceDropped(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gateway.Startup(context.Background()))

	conn := testutil.NewFakeConn()
	f.server.Accept(conn)
	conn.Push([]byte(`{"deviceId":"ghost","payload":{"v":1}}`))
	conn.Push([]byte(`{"deviceId":"dev-1","payload":{"v":2}}`))

	ok := testutil.Eventually(func() bool { return f.sink.count() == 1 }, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, "dev-1", f.sink.all()[0].DeviceID,
		"unknown device dropped without closing the connection")
	assert.Nil(t, f.registry.GetSession("ghost"))
}

func TestOfflineUnregisters(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gateway.Startup(context.Background()))

	conn := testutil.NewFakeConn()
	f.server.Accept(conn)
	conn.Push([]byte(`{"deviceId":"dev-1","type":"online"}`))
	require.True(t, testutil.Eventually(func() bool {
		return f.registry.GetSession("dev-1") != nil
	}, 2*time.Second))

	conn.Push([]byte(`{"deviceId":"dev-1","type":"offline"}`))
	ok := testutil.Eventually(func() bool {
		return f.registry.GetSession("dev-1") == nil
	}, 2*time.Second)
	assert.True(t, ok)
	assert.True(t, conn.IsAlive(), "offline leaves the connection open")
}

func TestDisconnectUnregisters(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gateway.Startup(context.Background()))

	conn := testutil.NewFakeConn()
	f.server.Accept(conn)
	conn.Push([]byte(`{"deviceId":"dev-1","type":"online"}`))
	require.True(t, testutil.Eventually(func() bool {
		return f.registry.GetSession("dev-1") != nil
	}, 2*time.Second))

	require.NoError(t, conn.Close())
	ok := testutil.Eventually(func() bool {
		return len(f.registry.All()) == 0
	}, 2*time.Second)
	assert.True(t, ok, "transport loss unregisters a normal session")
}

func TestKeepOnlineSurvivesDisconnect(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gateway.Startup(context.Background()))

	conn := testutil.NewFakeConn()
	f.server.Accept(conn)
	conn.Push([]byte(`{"deviceId":"dev-1","type":"online","headers":{"keepOnline":true}}`))
	require.True(t, testutil.Eventually(func() bool {
		return f.registry.GetSession("dev-1") != nil
	}, 2*time.Second))

	require.NoError(t, conn.Close())
	time.Sleep(50 * time.Millisecond)
	assert.NotNil(t, f.registry.GetSession("dev-1"),
		"keep-online session outlives its connection")
	assert.True(t, f.registry.SessionIsAlive("dev-1"))
}

func TestKeepOnlineReconnectRebindsSession(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gateway.Startup(context.Background()))

	conn1 := testutil.NewFakeConn()
	f.server.Accept(conn1)
	conn1.Push([]byte(`{"deviceId":"dev-1","type":"online","headers":{"keepOnline":true}}`))
	require.True(t, testutil.Eventually(func() bool {
		return f.registry.GetSession("dev-1") != nil
	}, 2*time.Second))
	first := f.registry.GetSession("dev-1")
	require.NoError(t, conn1.Close())

	conn2 := testutil.NewFakeConn()
	f.server.Accept(conn2)
	conn2.Push([]byte(`{"deviceId":"dev-1","type":"online","headers":{"keepOnline":true}}`))
	require.True(t, testutil.Eventually(func() bool {
		s := f.registry.GetSession("dev-1")
		return s != nil && s.(*session.KeepOnlineSession).Unwrap().ClientAddr() == conn2.RemoteAddr()
	}, 2*time.Second))

	second := f.registry.GetSession("dev-1")
	assert.Same(t, first, second, "reconnect keeps the session identity")
	assert.Equal(t, int64(1), f.registry.CurrentSessions(network.TypeTCPServer),
		"a rebind is not a second session")

	require.NoError(t, second.Send(context.Background(), []byte("cmd")))
	assert.Len(t, conn2.Sent(), 1, "sends reach the new connection")
}

func TestKeepAliveTimeoutHeader(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gateway.Startup(context.Background()))

	conn := testutil.NewFakeConn()
	f.server.Accept(conn)
	conn.Push([]byte(`{"deviceId":"dev-1","type":"online","headers":{"keepAliveTimeoutMs":30000}}`))

	require.True(t, testutil.Eventually(func() bool {
		return f.registry.GetSession("dev-1") != nil
	}, 2*time.Second))
	s := f.registry.GetSession("dev-1")
	assert.Equal(t, 30*time.Second, s.KeepAliveTimeout())
}

func TestSessionLimitRejectsConnection(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gateway.Startup(context.Background()))
	f.registry.SetTransportLimit(network.TypeTCPServer, 1)

	conn1 := testutil.NewFakeConn()
	f.server.Accept(conn1)
	conn1.Push([]byte(`{"deviceId":"dev-1","type":"online"}`))
	require.True(t, testutil.Eventually(func() bool {
		return f.registry.GetSession("dev-1") != nil
	}, 2*time.Second))

	conn2 := testutil.NewFakeConn()
	f.server.Accept(conn2)
	conn2.Push([]byte(`{"deviceId":"dev-2","type":"online"}`))

	ok := testutil.Eventually(func() bool { return !conn2.IsAlive() }, 2*time.Second)
	assert.True(t, ok, "over-limit connection is closed")
	assert.Nil(t, f.registry.GetSession("dev-2"))
	assert.NotNil(t, f.registry.GetSession("dev-1"))
}

func TestPausedGatewayRejectsNewConnections(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gateway.Startup(context.Background()))
	f.gateway.Pause()

	conn := testutil.NewFakeConn()
	f.server.Accept(conn)
	ok := testutil.Eventually(func() bool { return !conn.IsAlive() }, 2*time.Second)
	assert.True(t, ok, "paused gateway closes new connections")
}

func TestOnMessageFanOut(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gateway.Startup(context.Background()))

	msgs, cancel := f.gateway.OnMessage(4)
	defer cancel()

	conn := testutil.NewFakeConn()
	f.server.Accept(conn)
	conn.Push([]byte(`{"deviceId":"dev-1","payload":{"v":1}}`))

	select {
	case got := <-msgs:
		assert.Equal(t, "dev-1", got.DeviceID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected fan-out delivery")
	}
}

func TestConnectionMetrics(t *testing.T) {
	m := metric.NewMetrics()
	f := newFixture(t, func(d *Deps) { d.Metrics = m })
	require.NoError(t, f.gateway.Startup(context.Background()))

	active := m.ConnectionsActive.WithLabelValues("gateway_gw-test")
	total := m.ConnectionsTotal.WithLabelValues("gateway_gw-test")

	conn := testutil.NewFakeConn()
	f.server.Accept(conn)
	ok := testutil.Eventually(func() bool {
		return promtest.ToFloat64(active) == 1
	}, 2*time.Second)
	assert.True(t, ok, "accepted connection raises the active gauge")
	assert.Equal(t, 1.0, promtest.ToFloat64(total))

	require.NoError(t, conn.Close())
	ok = testutil.Eventually(func() bool {
		return promtest.ToFloat64(active) == 0
	}, 2*time.Second)
	assert.True(t, ok, "disconnect lowers the active gauge")
	assert.Equal(t, 1.0, promtest.ToFloat64(total), "the total only ever grows")
}

func TestShutdownClosesConnections(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gateway.Startup(context.Background()))

	conn := testutil.NewFakeConn()
	f.server.Accept(conn)
	conn.Push([]byte(`{"deviceId":"dev-1","type":"online"}`))
	require.True(t, testutil.Eventually(func() bool {
		return f.registry.GetSession("dev-1") != nil
	}, 2*time.Second))

	f.gateway.Shutdown()
	assert.Equal(t, StateStopped, f.gateway.State())
	assert.False(t, conn.IsAlive())

	ok := testutil.Eventually(func() bool {
		return len(f.registry.All()) == 0
	}, 2*time.Second)
	assert.True(t, ok, "sessions unregistered through disconnect hooks")
}

func TestUnidentifiedConnectionTimedOut(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.UnknownTimeout = 30 * time.Millisecond
	})
	require.NoError(t, f.gateway.Startup(context.Background()))

	conn := testutil.NewFakeConn()
	f.server.Accept(conn)

	ok := testutil.Eventually(func() bool { return !conn.IsAlive() }, 2*time.Second)
	assert.True(t, ok, "connection that never identifies is dropped")
}

func TestMessageRateLimiting(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.MessageRate = 50
		d.MessageBurst = 1
	})
	require.NoError(t, f.gateway.Startup(context.Background()))

	conn := testutil.NewFakeConn()
	f.server.Accept(conn)
	conn.Push([]byte(`{"deviceId":"dev-1","type":"online"}`))
	for i := 0; i < 5; i++ {
		conn.Push([]byte(`{"deviceId":"dev-1","payload":{"v":1}}`))
	}

	start := time.Now()
	ok := testutil.Eventually(func() bool { return f.sink.count() == 5 }, 3*time.Second)
	require.True(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond,
		"forwarding paced by the per-connection limiter")
}
