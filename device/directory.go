// Package device defines the device directory consumed by the connectivity
// core. The directory is external to the core: gateways look devices up
// before creating sessions, and the session registry records a child
// device's parent gateway in its configuration. Two implementations are
// provided, an in-process map and a cluster-shared JetStream KV bucket.
package device

import "context"

// ConfigParentGatewayID is the device configuration key naming the gateway
// device a child device is multiplexed behind.
const ConfigParentGatewayID = "parentGatewayId"

// Device is the directory's view of a physical device.
type Device struct {
	ID        string            `json:"id"`
	ProductID string            `json:"productId"`
	Name      string            `json:"name"`
	Configs   map[string]string `json:"configs,omitempty"`
}

// Config returns a configuration value, or "" when unset.
func (d *Device) Config(key string) string {
	if d.Configs == nil {
		return ""
	}
	return d.Configs[key]
}

// Product groups devices sharing a protocol and transport.
type Product struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Protocol  string `json:"protocol"`
	Transport string `json:"transport"`
}

// Directory resolves device and product identities.
type Directory interface {
	// Device returns the device with the given id, or
	// errors.ErrDeviceNotFound.
	Device(ctx context.Context, id string) (*Device, error)

	// Product returns the product with the given id, or
	// errors.ErrProductNotFound.
	Product(ctx context.Context, id string) (*Product, error)

	// SetDeviceConfig sets one configuration value on a device.
	SetDeviceConfig(ctx context.Context, deviceID, key, value string) error
}
