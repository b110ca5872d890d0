package device

import (
	"context"
	"sync"

	"github.com/c360/devlink/errors"
)

// MemoryDirectory is an in-process Directory used by tests and by the
// daemon when no shared directory is configured.
type MemoryDirectory struct {
	mu       sync.RWMutex
	devices  map[string]*Device
	products map[string]*Product
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		devices:  make(map[string]*Device),
		products: make(map[string]*Product),
	}
}

// AddDevice installs or replaces a device.
func (d *MemoryDirectory) AddDevice(dev *Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices[dev.ID] = dev
}

// AddProduct installs or replaces a product.
func (d *MemoryDirectory) AddProduct(p *Product) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.products[p.ID] = p
}

// Device implements Directory.
func (d *MemoryDirectory) Device(_ context.Context, id string) (*Device, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	dev, ok := d.devices[id]
	if !ok {
		return nil, errors.ErrDeviceNotFound
	}
	return dev, nil
}

// Product implements Directory.
func (d *MemoryDirectory) Product(_ context.Context, id string) (*Product, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.products[id]
	if !ok {
		return nil, errors.ErrProductNotFound
	}
	return p, nil
}

// SetDeviceConfig implements Directory.
func (d *MemoryDirectory) SetDeviceConfig(_ context.Context, deviceID, key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dev, ok := d.devices[deviceID]
	if !ok {
		return errors.ErrDeviceNotFound
	}
	if dev.Configs == nil {
		dev.Configs = make(map[string]string)
	}
	dev.Configs[key] = value
	return nil
}
