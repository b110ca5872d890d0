// Package codec defines the protocol codec contract between raw transport
// frames and device messages, and the registry gateways resolve codecs from.
// A codec is selected by (protocol, transport): the same protocol may decode
// differently over TCP and MQTT.
package codec

import (
	"context"
	"sync"

	"github.com/c360/devlink/errors"
	"github.com/c360/devlink/message"
	"github.com/c360/devlink/network"
	"github.com/c360/devlink/session"
)

// FrameContext is everything a codec may consult while decoding one frame.
type FrameContext struct {
	// Frame is the raw inbound frame.
	Frame network.Frame

	// Session is the connection's current session. Before the device
	// identifies itself this is the gateway's placeholder session with an
	// empty device id.
	Session session.Session

	// Reply writes a payload straight back to the peer, bypassing the
	// downstream pipeline. Used for protocol-level acks.
	Reply func(ctx context.Context, payload []byte) error
}

// Codec translates between transport frames and device messages. Decode may
// return zero messages (frame consumed internally, e.g. a ping) or several
// (a batch report). Implementations must be safe for concurrent use; one
// codec instance serves every connection of its gateway.
type Codec interface {
	// Protocol returns the protocol name the codec implements.
	Protocol() string

	// Transport returns the transport type the codec decodes frames from.
	Transport() network.Type

	// Decode turns one frame into zero or more device messages.
	Decode(ctx context.Context, fc *FrameContext) ([]*message.Message, error)

	// Encode turns a downstream message into the payload sent to the
	// device.
	Encode(ctx context.Context, msg *message.Message) ([]byte, error)
}

// Registry resolves codecs by (protocol, transport).
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry builds an empty codec registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Codec)}
}

func key(protocol string, transport network.Type) string {
	return protocol + "/" + string(transport)
}

// Register installs a codec, replacing any previous codec for the same
// (protocol, transport) pair.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[key(c.Protocol(), c.Transport())] = c
}

// Lookup returns the codec for (protocol, transport), or
// errors.ErrUnknownProtocol.
func (r *Registry) Lookup(protocol string, transport network.Type) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[key(protocol, transport)]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrUnknownProtocol, "codec", "Lookup",
			"no codec for protocol "+protocol+" over "+string(transport))
	}
	return c, nil
}

// Protocols returns the registered (protocol, transport) keys.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.codecs))
	for k := range r.codecs {
		out = append(out, k)
	}
	return out
}
