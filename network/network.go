// Package network manages the lifecycle of network resources (listening and
// connecting sockets) keyed by transport type and resource id. Providers are
// registered per transport type and know how to create and reload a resource
// from configuration; the Manager owns every resource it creates and keeps
// them alive with a periodic liveness sweep.
package network

import (
	"context"
	"encoding/json"
	"net"
	"time"
)

// Type identifies a transport type handled by a registered provider.
type Type string

// Built-in transport types. Providers may introduce additional types.
const (
	TypeTCPServer  Type = "tcp_server"
	TypeWSServer   Type = "ws_server"
	TypeMQTTClient Type = "mqtt_client"
)

// Frame is the unit handed to protocol codecs: raw bytes plus the peer
// address they arrived from. The connectivity core defines no wire format
// beyond this container.
type Frame struct {
	Payload    []byte
	RemoteAddr net.Addr
	ReceivedAt time.Time
}

// Resource is a live network resource owned by the Manager.
type Resource interface {
	// ID returns the resource id unique within its transport type.
	ID() string

	// Type returns the transport type of the provider that created it.
	Type() Type

	// IsAlive reports whether the underlying transport handle is usable.
	IsAlive() bool

	// AutoReload reports whether the liveness sweep should recreate this
	// resource from configuration when it is found dead.
	AutoReload() bool

	// Shutdown releases the underlying transport handle. Idempotent.
	Shutdown()
}

// Server is a Resource that accepts inbound connections. Protocol gateways
// bind to exactly one Server.
type Server interface {
	Resource

	// Connections returns the stream of accepted connections. The channel
	// is closed when the server shuts down.
	Connections() <-chan Connection
}

// Connection is a single client connection accepted by a Server.
type Connection interface {
	// ID returns a node-unique connection id.
	ID() string

	// RemoteAddr returns the peer address.
	RemoteAddr() net.Addr

	// Frames returns the stream of inbound frames. The channel is closed
	// when the connection terminates.
	Frames() <-chan Frame

	// Send writes a payload to the peer.
	Send(ctx context.Context, payload []byte) error

	// OnDisconnect registers a hook invoked exactly once when the
	// connection terminates. A hook registered after termination runs
	// immediately.
	OnDisconnect(fn func())

	// IsAlive reports whether the connection is still open.
	IsAlive() bool

	// Close terminates the connection. Idempotent.
	Close() error
}

// Provider is the per-transport capability that creates live resources from
// configuration. Providers register with the Manager; late registration is
// supported.
type Provider interface {
	// Type returns the transport type this provider serves.
	Type() Type

	// ParseConfig validates the stored properties, including the
	// provider-specific Configuration document, and returns the value
	// passed to Create and Reload. Providers carry props.AutoReload into
	// the resources they build.
	ParseConfig(props *Properties) (any, error)

	// Create builds a live resource. cfg is a value produced by ParseConfig.
	Create(id string, cfg any) (Resource, error)

	// Reload replaces an existing resource with one built from cfg. The
	// provider decides whether the old handle must be released before the
	// new one can bind (e.g. a listener on the same port).
	Reload(old Resource, id string, cfg any) (Resource, error)
}

// Properties is the stored configuration for one (type, id) resource.
type Properties struct {
	ID            string          `json:"id" yaml:"id"`
	Type          Type            `json:"type" yaml:"type"`
	Name          string          `json:"name" yaml:"name"`
	Enabled       bool            `json:"enabled" yaml:"enabled"`
	AutoReload    bool            `json:"autoReload" yaml:"auto_reload"`
	Configuration json.RawMessage `json:"configuration" yaml:"-"`
}

// ConfigManager supplies resource configuration to the Manager. The storage
// behind it is external to the connectivity core.
type ConfigManager interface {
	// GetConfig returns the configuration for (t, id), or
	// errors.ErrConfigNotFound when none exists.
	GetConfig(ctx context.Context, t Type, id string) (*Properties, error)
}
