package wsserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devlink/network"
)

func startServer(t *testing.T, configuration string) *Server {
	t.Helper()
	p := NewProvider()
	cfg, err := p.ParseConfig(&network.Properties{
		ID:            "test",
		Type:          network.TypeWSServer,
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

func dial(t *testing.T, s *Server, path string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr().String()+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func TestParseConfigDefaults(t *testing.T) {
	p := NewProvider()
	cfg, err := p.ParseConfig(&network.Properties{
		AutoReload:    true,
		Configuration: json.RawMessage(`{"host":"127.0.0.1","port":0}`),
	})
	require.NoError(t, err)
	c := cfg.(*Config)
	assert.Equal(t, defaultPath, c.Path)
	assert.True(t, c.autoReload)

	_, err = p.ParseConfig(&network.Properties{
		Configuration: json.RawMessage(`{"port":-1}`),
	})
	assert.Error(t, err)
}

func TestFrameRoundTrip(t *testing.T) {
	s := startServer(t, `{"host":"127.0.0.1","port":0}`)
	ws := dial(t, s, defaultPath)

	var conn network.Connection
	select {
	case conn = <-s.Connections():
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
	}

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"v":1}`)))
	select {
	case frame := <-conn.Frames():
		assert.Equal(t, []byte(`{"v":1}`), frame.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}

	require.NoError(t, conn.Send(context.Background(), []byte("reply")))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("reply"), data)
}

func TestDisconnectHook(t *testing.T) {
	s := startServer(t, `{"host":"127.0.0.1","port":0}`)
	ws := dial(t, s, defaultPath)

	var conn network.Connection
	select {
	case conn = <-s.Connections():
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
	}

	fired := make(chan struct{})
	conn.OnDisconnect(func() { close(fired) })

	require.NoError(t, ws.Close())
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect hook did not run")
	}
	assert.False(t, conn.IsAlive())
}

func TestShutdown(t *testing.T) {
	s := startServer(t, `{"host":"127.0.0.1","port":0}`)
	assert.True(t, s.IsAlive())

	s.Shutdown()
	assert.False(t, s.IsAlive())
	s.Shutdown() // idempotent

	_, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr().String()+defaultPath, nil)
	assert.Error(t, err, "listener released on shutdown")
}

func TestDeliverAfterShutdownRejects(t *testing.T) {
	s := startServer(t, `{"host":"127.0.0.1","port":0}`)
	ws := dial(t, s, defaultPath)
	var conn network.Connection
	select {
	case conn = <-s.Connections():
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
	}

	// An upgrade handler racing Shutdown must not panic on the closed
	// accept channel; its connection is simply rejected.
	s.Shutdown()
	assert.False(t, s.deliver(conn))
	_ = ws
}
