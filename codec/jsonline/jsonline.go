// Package jsonline implements the reference line-oriented JSON codec: each
// line of a frame is one JSON document describing a device message. It is
// the codec used by the examples and the integration tests; real protocol
// codecs plug in beside it.
package jsonline

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/c360/devlink/codec"
	"github.com/c360/devlink/errors"
	"github.com/c360/devlink/message"
	"github.com/c360/devlink/network"
)

// Protocol is the protocol name the codec registers under.
const Protocol = "jsonline"

// wire is the on-the-wire document shape.
type wire struct {
	MessageID string          `json:"messageId,omitempty"`
	DeviceID  string          `json:"deviceId,omitempty"`
	Type      string          `json:"type,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Headers   map[string]any  `json:"headers,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Codec decodes newline-separated JSON documents into device messages.
type Codec struct {
	transport network.Type
}

// New builds a jsonline codec for the given transport.
func New(transport network.Type) *Codec {
	return &Codec{transport: transport}
}

func (c *Codec) Protocol() string        { return Protocol }
func (c *Codec) Transport() network.Type { return c.transport }

// Decode splits the frame on newlines and parses each non-empty line. A
// document without a device id inherits the session's device when one is
// bound; without a type it defaults to a report. Lines that fail to parse
// abort the frame.
func (c *Codec) Decode(_ context.Context, fc *codec.FrameContext) ([]*message.Message, error) {
	var out []*message.Message
	for _, line := range bytes.Split(fc.Frame.Payload, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var w wire
		if err := json.Unmarshal(line, &w); err != nil {
			return nil, errors.WrapInvalid(errors.ErrDecodeFailed, "jsonline", "Decode", err.Error())
		}
		msg := c.toMessage(&w, fc)
		if msg != nil {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (c *Codec) toMessage(w *wire, fc *codec.FrameContext) *message.Message {
	deviceID := w.DeviceID
	if deviceID == "" && fc.Session != nil {
		deviceID = fc.Session.DeviceID()
	}
	if deviceID == "" {
		// Identity must come from somewhere on the first message.
		return nil
	}

	t := message.Type(w.Type)
	if t == "" {
		t = message.TypeReport
	}
	msg := message.New(deviceID, t)
	if w.MessageID != "" {
		msg.ID = w.MessageID
	} else {
		msg.ID = uuid.NewString()
	}
	if w.Timestamp > 0 {
		msg.Timestamp = time.UnixMilli(w.Timestamp)
	}
	for k, v := range w.Headers {
		msg.SetHeader(k, v)
	}
	msg.Payload = w.Payload
	return msg
}

// Encode renders a downstream message as one JSON line.
func (c *Codec) Encode(_ context.Context, msg *message.Message) ([]byte, error) {
	w := wire{
		MessageID: msg.ID,
		DeviceID:  msg.DeviceID,
		Type:      string(msg.Type),
		Timestamp: msg.Timestamp.UnixMilli(),
		Headers:   msg.Headers,
		Payload:   msg.Payload,
	}
	data, err := json.Marshal(&w)
	if err != nil {
		return nil, errors.WrapInvalid(err, "jsonline", "Encode", "marshal failed")
	}
	return append(data, '\n'), nil
}

var _ codec.Codec = (*Codec)(nil)
