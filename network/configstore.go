package network

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/c360/devlink/errors"
	"github.com/c360/devlink/natsclient"
)

// MemoryConfigManager is a ConfigManager over an in-process map. The daemon
// seeds it from its configuration file; tests mutate it directly.
type MemoryConfigManager struct {
	mu      sync.RWMutex
	configs map[string]*Properties
}

// NewMemoryConfigManager creates an empty in-memory config manager.
func NewMemoryConfigManager() *MemoryConfigManager {
	return &MemoryConfigManager{configs: make(map[string]*Properties)}
}

// Set installs or replaces the configuration for (props.Type, props.ID).
func (m *MemoryConfigManager) Set(props *Properties) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[entryKey(props.Type, props.ID)] = props
}

// Delete removes the configuration for (t, id).
func (m *MemoryConfigManager) Delete(t Type, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.configs, entryKey(t, id))
}

// GetConfig implements ConfigManager.
func (m *MemoryConfigManager) GetConfig(_ context.Context, t Type, id string) (*Properties, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	props, ok := m.configs[entryKey(t, id)]
	if !ok {
		return nil, errors.ErrConfigNotFound
	}
	return props, nil
}

// KVConfigManager reads resource configuration from a cluster-shared
// JetStream KV bucket, so all nodes see one set of network definitions.
// Keys are "<type>.<id>", values are JSON-encoded Properties.
type KVConfigManager struct {
	store *natsclient.KVStore
}

// NewKVConfigManager creates a config manager over the given KV store.
func NewKVConfigManager(store *natsclient.KVStore) *KVConfigManager {
	return &KVConfigManager{store: store}
}

// GetConfig implements ConfigManager.
func (m *KVConfigManager) GetConfig(ctx context.Context, t Type, id string) (*Properties, error) {
	entry, err := m.store.Get(ctx, configKey(t, id))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.ErrConfigNotFound
		}
		return nil, errors.WrapTransient(err, "KVConfigManager", "GetConfig", "kv read")
	}

	var props Properties
	if err := json.Unmarshal(entry.Value, &props); err != nil {
		return nil, errors.WrapInvalid(err, "KVConfigManager", "GetConfig", "config decoding")
	}
	return &props, nil
}

// PutConfig stores the configuration for (props.Type, props.ID).
func (m *KVConfigManager) PutConfig(ctx context.Context, props *Properties) error {
	data, err := json.Marshal(props)
	if err != nil {
		return errors.WrapInvalid(err, "KVConfigManager", "PutConfig", "config encoding")
	}
	if _, err := m.store.Put(ctx, configKey(props.Type, props.ID), data); err != nil {
		return errors.WrapTransient(err, "KVConfigManager", "PutConfig", "kv write")
	}
	return nil
}

// DeleteConfig removes the configuration for (t, id).
func (m *KVConfigManager) DeleteConfig(ctx context.Context, t Type, id string) error {
	if err := m.store.Delete(ctx, configKey(t, id)); err != nil && !natsclient.IsKVNotFoundError(err) {
		return errors.WrapTransient(err, "KVConfigManager", "DeleteConfig", "kv delete")
	}
	return nil
}

// configKey builds the KV key for (t, id). KV keys cannot contain ':'.
func configKey(t Type, id string) string {
	return fmt.Sprintf("%s.%s", t, id)
}

// LayeredConfigManager consults managers in order and returns the first hit.
// The daemon layers its static file entries over the cluster KV bucket.
type LayeredConfigManager struct {
	layers []ConfigManager
}

// NewLayeredConfigManager builds a layered manager. Nil layers are skipped.
func NewLayeredConfigManager(layers ...ConfigManager) *LayeredConfigManager {
	m := &LayeredConfigManager{}
	for _, l := range layers {
		if l != nil {
			m.layers = append(m.layers, l)
		}
	}
	return m
}

// GetConfig implements ConfigManager. Only ErrConfigNotFound falls through
// to the next layer; other failures surface immediately.
func (m *LayeredConfigManager) GetConfig(ctx context.Context, t Type, id string) (*Properties, error) {
	for _, l := range m.layers {
		props, err := l.GetConfig(ctx, t, id)
		if err == nil {
			return props, nil
		}
		if !errors.Is(err, errors.ErrConfigNotFound) {
			return nil, err
		}
	}
	return nil, errors.ErrConfigNotFound
}
