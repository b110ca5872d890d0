package network

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/devlink/errors"
	"github.com/c360/devlink/metric"
)

// DefaultCheckInterval is how often the liveness sweep runs.
const DefaultCheckInterval = 10 * time.Second

// ManagerDeps holds runtime dependencies for the network manager.
type ManagerDeps struct {
	Config          ConfigManager
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
	CheckInterval   time.Duration
}

// Manager owns every live network resource on this node, keyed by
// (transport type, resource id). At most one live resource exists per key.
type Manager struct {
	config        ConfigManager
	checkInterval time.Duration
	logger        *slog.Logger

	providers sync.Map // Type -> Provider
	entries   sync.Map // "type:id" -> *entry

	running  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}
}

// entry serializes create/reload per key so concurrent GetNetwork calls for
// the same resource produce a single instance.
type entry struct {
	mu  sync.Mutex
	res Resource // nil until first successful create
}

// NewManager creates a network manager.
func NewManager(deps ManagerDeps) (*Manager, error) {
	if deps.Config == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "NewManager", "config manager validation")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "network-manager")
	}

	interval := deps.CheckInterval
	if interval <= 0 {
		interval = DefaultCheckInterval
	}

	return &Manager{
		config:        deps.Config,
		checkInterval: interval,
		logger:        logger,
	}, nil
}

// Register installs a provider for its transport type. Late registration is
// supported: resources for the type can be requested after startup and will
// be created on the next GetNetwork call or sweep pass.
func (m *Manager) Register(p Provider) {
	m.providers.Store(p.Type(), p)
	m.logger.Info("registered network provider", "type", string(p.Type()))
}

// Providers returns all registered providers.
func (m *Manager) Providers() []Provider {
	var out []Provider
	m.providers.Range(func(_, v any) bool {
		out = append(out, v.(Provider))
		return true
	})
	return out
}

// GetNetwork returns the cached live resource for (t, id), creating it from
// configuration when absent or dead. Configuration and capability failures
// surface to the caller; see errors.IsUnsupported.
func (m *Manager) GetNetwork(ctx context.Context, t Type, id string) (Resource, error) {
	e := m.entry(t, id)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.res != nil && e.res.IsAlive() {
		return e.res, nil
	}
	return m.createLocked(ctx, e, t, id)
}

// Reload shuts down the existing resource (if any) and recreates it from
// current configuration. Callers of GetNetwork never observe a half-replaced
// resource: the entry swap happens under the per-key lock.
func (m *Manager) Reload(ctx context.Context, t Type, id string) error {
	e := m.entry(t, id)

	e.mu.Lock()
	defer e.mu.Unlock()

	provider, cfg, err := m.resolve(ctx, t, id)
	if err != nil {
		return err
	}

	old := e.res
	var res Resource
	if old != nil {
		res, err = provider.Reload(old, id, cfg)
	} else {
		res, err = provider.Create(id, cfg)
	}
	if err != nil {
		e.res = nil
		if old != nil {
			old.Shutdown()
		}
		return errors.Wrap(err, "Manager", "Reload", fmt.Sprintf("recreate %s/%s", t, id))
	}

	e.res = res
	if old != nil && old != res {
		old.Shutdown()
	}
	m.logger.Info("reloaded network resource", "type", string(t), "id", id)
	return nil
}

// Shutdown stops the resource for (t, id) and removes it from the table.
func (m *Manager) Shutdown(t Type, id string) {
	key := entryKey(t, id)
	if v, ok := m.entries.Load(key); ok {
		e := v.(*entry)
		e.mu.Lock()
		if e.res != nil {
			e.res.Shutdown()
			e.res = nil
		}
		e.mu.Unlock()
		m.entries.Delete(key)
	}
}

// Start launches the background liveness sweep.
func (m *Manager) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return nil // already running, idempotent
	}

	m.shutdown = make(chan struct{})
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.shutdown:
				return
			case <-ticker.C:
				m.checkResources(ctx)
			}
		}
	}()

	return nil
}

// Stop halts the sweep and shuts down every owned resource.
func (m *Manager) Stop(timeout time.Duration) error {
	if !m.running.CompareAndSwap(true, false) {
		return nil
	}

	close(m.shutdown)
	select {
	case <-m.done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"Manager", "Stop", "sweep shutdown")
	}

	m.entries.Range(func(key, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if e.res != nil {
			e.res.Shutdown()
			e.res = nil
		}
		e.mu.Unlock()
		m.entries.Delete(key)
		return true
	})
	return nil
}

// checkResources recreates dead resources whose auto-reload flag is set.
// One resource's failure never aborts the sweep of the others.
func (m *Manager) checkResources(ctx context.Context) {
	m.entries.Range(func(_, v any) bool {
		e := v.(*entry)

		e.mu.Lock()
		res := e.res
		if res == nil || res.IsAlive() || !res.AutoReload() {
			e.mu.Unlock()
			return true
		}
		t, id := res.Type(), res.ID()
		if _, ok := m.providers.Load(t); !ok {
			e.mu.Unlock()
			return true
		}

		if _, err := m.createLocked(ctx, e, t, id); err != nil {
			m.logger.Warn("reload of dead network resource failed",
				"type", string(t), "id", id, "error", err)
		} else {
			m.logger.Info("reloaded dead network resource", "type", string(t), "id", id)
		}
		e.mu.Unlock()
		return true
	})
}

// createLocked creates the resource for (t, id) and installs it in e.
// Caller must hold e.mu.
func (m *Manager) createLocked(ctx context.Context, e *entry, t Type, id string) (Resource, error) {
	provider, cfg, err := m.resolve(ctx, t, id)
	if err != nil {
		return nil, err
	}

	old := e.res
	var res Resource
	if old != nil {
		// Dead resource still installed: let the provider replace it
		res, err = provider.Reload(old, id, cfg)
	} else {
		res, err = provider.Create(id, cfg)
	}
	if err != nil {
		e.res = nil
		return nil, errors.Wrap(err, "Manager", "createNetwork", fmt.Sprintf("create %s/%s", t, id))
	}

	e.res = res
	if old != nil && old != res {
		old.Shutdown()
	}
	return res, nil
}

// resolve looks up the provider and enabled configuration for (t, id).
func (m *Manager) resolve(ctx context.Context, t Type, id string) (Provider, any, error) {
	v, ok := m.providers.Load(t)
	if !ok {
		return nil, nil, errors.WrapInvalid(errors.ErrNoProvider,
			"Manager", "createNetwork", fmt.Sprintf("provider lookup for %s", t))
	}
	provider := v.(Provider)

	props, err := m.config.GetConfig(ctx, t, id)
	if err != nil {
		return nil, nil, errors.WrapInvalid(errors.ErrConfigNotFound,
			"Manager", "createNetwork", fmt.Sprintf("config lookup for %s/%s", t, id))
	}
	if !props.Enabled {
		return nil, nil, errors.WrapInvalid(errors.ErrConfigDisabled,
			"Manager", "createNetwork", fmt.Sprintf("config check for %s/%s", t, id))
	}

	cfg, err := provider.ParseConfig(props)
	if err != nil {
		return nil, nil, errors.WrapInvalid(err, "Manager", "createNetwork",
			fmt.Sprintf("config parsing for %s/%s", t, id))
	}
	return provider, cfg, nil
}

func (m *Manager) entry(t Type, id string) *entry {
	key := entryKey(t, id)
	if v, ok := m.entries.Load(key); ok {
		return v.(*entry)
	}
	v, _ := m.entries.LoadOrStore(key, &entry{})
	return v.(*entry)
}

func entryKey(t Type, id string) string {
	return string(t) + ":" + id
}
