package tcpserver

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devlink/errors"
	"github.com/c360/devlink/network"
)

func startServer(t *testing.T, configuration string) *Server {
	t.Helper()
	p := NewProvider()
	cfg, err := p.ParseConfig(&network.Properties{
		ID:            "test",
		Type:          network.TypeTCPServer,
		Enabled:       true,
		Configuration: json.RawMessage(configuration),
	})
	require.NoError(t, err)

	res, err := p.Create("test", cfg)
	require.NoError(t, err)
	s := res.(*Server)
	t.Cleanup(s.Shutdown)
	return s
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func acceptOne(t *testing.T, s *Server) network.Connection {
	t.Helper()
	select {
	case conn := <-s.Connections():
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func recvFrame(t *testing.T, conn network.Connection) network.Frame {
	t.Helper()
	select {
	case f, ok := <-conn.Frames():
		require.True(t, ok, "frame stream closed")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return network.Frame{}
	}
}

func TestParseConfigValidation(t *testing.T) {
	p := NewProvider()

	_, err := p.ParseConfig(&network.Properties{
		Configuration: json.RawMessage(`{"port":99999}`),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))

	_, err = p.ParseConfig(&network.Properties{
		Configuration: json.RawMessage(`{"port":1883,"framing":"delimited"}`),
	})
	assert.Error(t, err, "delimited framing without delimiter rejected")

	_, err = p.ParseConfig(&network.Properties{
		Configuration: json.RawMessage(`{"port":1883,"framing":"bogus"}`),
	})
	assert.Error(t, err)

	cfg, err := p.ParseConfig(&network.Properties{
		AutoReload:    true,
		Configuration: json.RawMessage(`{"host":"127.0.0.1","port":0}`),
	})
	require.NoError(t, err)
	assert.True(t, cfg.(*Config).autoReload, "auto-reload flag carried into config")
	assert.Equal(t, FramingDirect, cfg.(*Config).Framing)
}

func TestDirectFraming(t *testing.T) {
	s := startServer(t, `{"host":"127.0.0.1","port":0}`)
	client := dial(t, s)
	conn := acceptOne(t, s)

	_, err := client.Write([]byte("hello"))
	require.NoError(t, err)

	frame := recvFrame(t, conn)
	assert.Equal(t, []byte("hello"), frame.Payload)
	assert.NotNil(t, frame.RemoteAddr)
	assert.False(t, frame.ReceivedAt.IsZero())
}

func TestDelimitedFraming(t *testing.T) {
	s := startServer(t, `{"host":"127.0.0.1","port":0,"framing":"delimited","delimiter":"\n"}`)
	client := dial(t, s)
	conn := acceptOne(t, s)

	_, err := client.Write([]byte("one\ntwo\n"))
	require.NoError(t, err)

	assert.Equal(t, []byte("one"), recvFrame(t, conn).Payload)
	assert.Equal(t, []byte("two"), recvFrame(t, conn).Payload)
}

func TestLengthPrefixedFraming(t *testing.T) {
	s := startServer(t, `{"host":"127.0.0.1","port":0,"framing":"length"}`)
	client := dial(t, s)
	conn := acceptOne(t, s)

	payload := []byte("payload")
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	_, err := client.Write(append(header, payload...))
	require.NoError(t, err)

	assert.Equal(t, payload, recvFrame(t, conn).Payload)
}

func TestSendAppendsFramingOnWrite(t *testing.T) {
	s := startServer(t, `{"host":"127.0.0.1","port":0,"framing":"delimited","delimiter":"\n"}`)
	client := dial(t, s)
	conn := acceptOne(t, s)

	require.NoError(t, conn.Send(context.Background(), []byte("reply")))

	buf := make([]byte, 16)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "reply\n", string(buf[:n]))
}

func TestDisconnectHookRuns(t *testing.T) {
	s := startServer(t, `{"host":"127.0.0.1","port":0}`)
	client := dial(t, s)
	conn := acceptOne(t, s)

	fired := make(chan struct{})
	conn.OnDisconnect(func() { close(fired) })

	require.NoError(t, client.Close())
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect hook did not run")
	}
	assert.False(t, conn.IsAlive())

	// Hooks registered after termination run immediately.
	late := make(chan struct{})
	conn.OnDisconnect(func() { close(late) })
	select {
	case <-late:
	default:
		t.Fatal("late hook must run immediately")
	}
}

func TestSendOnClosedConnection(t *testing.T) {
	s := startServer(t, `{"host":"127.0.0.1","port":0}`)
	dial(t, s)
	conn := acceptOne(t, s)

	require.NoError(t, conn.Close())
	err := conn.Send(context.Background(), []byte("x"))
	assert.True(t, errors.Is(err, errors.ErrConnectionLost))
}

func TestShutdownClosesConnectionStream(t *testing.T) {
	s := startServer(t, `{"host":"127.0.0.1","port":0}`)
	assert.True(t, s.IsAlive())

	s.Shutdown()
	assert.False(t, s.IsAlive())

	select {
	case _, ok := <-s.Connections():
		assert.False(t, ok, "connection stream closed on shutdown")
	case <-time.After(2 * time.Second):
		t.Fatal("connection stream not closed")
	}

	s.Shutdown() // idempotent
}

func TestReloadRebindsListener(t *testing.T) {
	p := NewProvider()
	cfg, err := p.ParseConfig(&network.Properties{
		Configuration: json.RawMessage(`{"host":"127.0.0.1","port":0}`),
	})
	require.NoError(t, err)

	old, err := p.Create("test", cfg)
	require.NoError(t, err)

	// Rebinding the same fixed port only works when the old listener is
	// released first.
	port := old.(*Server).Addr().(*net.TCPAddr).Port
	fixed := &Config{Host: "127.0.0.1", Port: port, Framing: FramingDirect, MaxFrameSize: defaultMaxFrameSize}

	res, err := p.Reload(old, "test", fixed)
	require.NoError(t, err)
	t.Cleanup(res.Shutdown)

	assert.False(t, old.IsAlive())
	assert.True(t, res.IsAlive())
	assert.Equal(t, port, res.(*Server).Addr().(*net.TCPAddr).Port)
}
