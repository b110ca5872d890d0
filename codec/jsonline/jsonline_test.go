package jsonline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devlink/codec"
	"github.com/c360/devlink/device"
	"github.com/c360/devlink/errors"
	"github.com/c360/devlink/message"
	"github.com/c360/devlink/network"
	"github.com/c360/devlink/session"
	"github.com/c360/devlink/testutil"
)

func frameContext(payload string) *codec.FrameContext {
	conn := testutil.NewFakeConn()
	return &codec.FrameContext{
		Frame:   network.Frame{Payload: []byte(payload), RemoteAddr: conn.Remote},
		Session: session.NewUnknown(conn, network.TypeTCPServer, "node-a"),
	}
}

func TestDecodeSingleDocument(t *testing.T) {
	c := New(network.TypeTCPServer)
	fc := frameContext(`{"deviceId":"dev-1","type":"online","headers":{"keepOnline":true}}`)

	msgs, err := c.Decode(context.Background(), fc)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "dev-1", msgs[0].DeviceID)
	assert.Equal(t, message.TypeOnline, msgs[0].Type)
	assert.True(t, msgs[0].KeepOnline())
	assert.NotEmpty(t, msgs[0].ID, "a message id is generated when absent")
}

func TestDecodeBatch(t *testing.T) {
	c := New(network.TypeTCPServer)
	fc := frameContext(
		`{"deviceId":"dev-1","type":"online"}` + "\n" +
			`{"deviceId":"dev-1","payload":{"temp":21.5}}` + "\n\n")

	msgs, err := c.Decode(context.Background(), fc)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, message.TypeOnline, msgs[0].Type)
	assert.Equal(t, message.TypeReport, msgs[1].Type, "missing type defaults to report")
	assert.JSONEq(t, `{"temp":21.5}`, string(msgs[1].Payload))
}

func TestDecodeInheritsSessionDevice(t *testing.T) {
	c := New(network.TypeTCPServer)
	conn := testutil.NewFakeConn()
	dev := &device.Device{ID: "dev-9", ProductID: "prod-1"}
	fc := &codec.FrameContext{
		Frame:   network.Frame{Payload: []byte(`{"payload":{"v":1}}`)},
		Session: session.New(conn, dev, network.TypeTCPServer, "node-a"),
	}

	msgs, err := c.Decode(context.Background(), fc)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "dev-9", msgs[0].DeviceID)
}

func TestDecodeDropsAnonymousDocuments(t *testing.T) {
	c := New(network.TypeTCPServer)
	fc := frameContext(`{"payload":{"v":1}}`)

	msgs, err := c.Decode(context.Background(), fc)
	require.NoError(t, err)
	assert.Empty(t, msgs, "no device id on the session and none in the document")
}

func TestDecodeMalformedLine(t *testing.T) {
	c := New(network.TypeTCPServer)
	fc := frameContext(`{"deviceId":"dev-1"` + "\n")

	_, err := c.Decode(context.Background(), fc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDecodeFailed))
	assert.True(t, errors.IsInvalid(err))
}

func TestEncodeRoundTrip(t *testing.T) {
	c := New(network.TypeTCPServer)
	msg := message.New("dev-1", message.TypeReply)
	msg.Payload = json.RawMessage(`{"ok":true}`)

	data, err := c.Encode(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), data[len(data)-1], "encoded as one line")

	var w map[string]any
	require.NoError(t, json.Unmarshal(data, &w))
	assert.Equal(t, "dev-1", w["deviceId"])
	assert.Equal(t, "reply", w["type"])
}

func TestRegistryLookup(t *testing.T) {
	r := codec.NewRegistry()
	c := New(network.TypeTCPServer)
	r.Register(c)

	got, err := r.Lookup(Protocol, network.TypeTCPServer)
	require.NoError(t, err)
	assert.Same(t, codec.Codec(c), got)

	_, err = r.Lookup(Protocol, network.TypeMQTTClient)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownProtocol))
}
