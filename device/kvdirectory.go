package device

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360/devlink/errors"
	"github.com/c360/devlink/natsclient"
)

// KVDirectory is a Directory backed by a JetStream KV bucket so every
// cluster node resolves the same device registry. Device keys are
// "device.<id>", product keys "product.<id>", values JSON-encoded.
type KVDirectory struct {
	store *natsclient.KVStore
}

// NewKVDirectory creates a directory over the given KV store.
func NewKVDirectory(store *natsclient.KVStore) *KVDirectory {
	return &KVDirectory{store: store}
}

// Device implements Directory.
func (d *KVDirectory) Device(ctx context.Context, id string) (*Device, error) {
	entry, err := d.store.Get(ctx, deviceKey(id))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.ErrDeviceNotFound
		}
		return nil, errors.WrapTransient(err, "KVDirectory", "Device", "kv read")
	}

	var dev Device
	if err := json.Unmarshal(entry.Value, &dev); err != nil {
		return nil, errors.WrapInvalid(err, "KVDirectory", "Device", "device decoding")
	}
	return &dev, nil
}

// Product implements Directory.
func (d *KVDirectory) Product(ctx context.Context, id string) (*Product, error) {
	entry, err := d.store.Get(ctx, productKey(id))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.ErrProductNotFound
		}
		return nil, errors.WrapTransient(err, "KVDirectory", "Product", "kv read")
	}

	var p Product
	if err := json.Unmarshal(entry.Value, &p); err != nil {
		return nil, errors.WrapInvalid(err, "KVDirectory", "Product", "product decoding")
	}
	return &p, nil
}

// PutDevice stores a device definition.
func (d *KVDirectory) PutDevice(ctx context.Context, dev *Device) error {
	data, err := json.Marshal(dev)
	if err != nil {
		return errors.WrapInvalid(err, "KVDirectory", "PutDevice", "device encoding")
	}
	if _, err := d.store.Put(ctx, deviceKey(dev.ID), data); err != nil {
		return errors.WrapTransient(err, "KVDirectory", "PutDevice", "kv write")
	}
	return nil
}

// SetDeviceConfig implements Directory with a CAS update so concurrent
// config writes on the same device don't clobber each other.
func (d *KVDirectory) SetDeviceConfig(ctx context.Context, deviceID, key, value string) error {
	err := d.store.UpdateWithRetry(ctx, deviceKey(deviceID), func(current []byte) ([]byte, error) {
		if len(current) == 0 {
			return nil, errors.ErrDeviceNotFound
		}
		var dev Device
		if err := json.Unmarshal(current, &dev); err != nil {
			return nil, err
		}
		if dev.Configs == nil {
			dev.Configs = make(map[string]string)
		}
		dev.Configs[key] = value
		return json.Marshal(&dev)
	})
	if err != nil {
		if errors.Is(err, errors.ErrDeviceNotFound) {
			return errors.ErrDeviceNotFound
		}
		return errors.WrapTransient(err, "KVDirectory", "SetDeviceConfig", "kv update")
	}
	return nil
}

func deviceKey(id string) string {
	return fmt.Sprintf("device.%s", id)
}

func productKey(id string) string {
	return fmt.Sprintf("product.%s", id)
}
