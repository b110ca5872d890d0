package network

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devlink/errors"
)

const typeStub Type = "stub"

type stubResource struct {
	id         string
	alive      atomic.Bool
	autoReload bool
	shutdowns  atomic.Int64
}

func (r *stubResource) ID() string       { return r.id }
func (r *stubResource) Type() Type       { return typeStub }
func (r *stubResource) IsAlive() bool    { return r.alive.Load() }
func (r *stubResource) AutoReload() bool { return r.autoReload }
func (r *stubResource) Shutdown() {
	r.alive.Store(false)
	r.shutdowns.Add(1)
}

type stubConfig struct {
	AutoReload bool
	Fail       bool `json:"fail"`
}

type stubProvider struct {
	creates atomic.Int64
	reloads atomic.Int64
}

func (p *stubProvider) Type() Type { return typeStub }

func (p *stubProvider) ParseConfig(props *Properties) (any, error) {
	var cfg stubConfig
	if len(props.Configuration) > 0 {
		if err := json.Unmarshal(props.Configuration, &cfg); err != nil {
			return nil, err
		}
	}
	cfg.AutoReload = props.AutoReload
	return &cfg, nil
}

func (p *stubProvider) Create(id string, cfg any) (Resource, error) {
	c := cfg.(*stubConfig)
	if c.Fail {
		return nil, fmt.Errorf("create refused")
	}
	p.creates.Add(1)
	r := &stubResource{id: id, autoReload: c.AutoReload}
	r.alive.Store(true)
	return r, nil
}

func (p *stubProvider) Reload(old Resource, id string, cfg any) (Resource, error) {
	p.reloads.Add(1)
	if old != nil {
		old.Shutdown()
	}
	return p.Create(id, cfg)
}

func newManagerFixture(t *testing.T) (*Manager, *stubProvider, *MemoryConfigManager) {
	t.Helper()
	cm := NewMemoryConfigManager()
	m, err := NewManager(ManagerDeps{Config: cm})
	require.NoError(t, err)
	p := &stubProvider{}
	m.Register(p)
	return m, p, cm
}

func enabledProps(id string) *Properties {
	return &Properties{ID: id, Type: typeStub, Enabled: true}
}

func TestNewManagerRequiresConfig(t *testing.T) {
	_, err := NewManager(ManagerDeps{})
	assert.Error(t, err)
}

func TestGetNetworkCreatesOnce(t *testing.T) {
	m, p, cm := newManagerFixture(t)
	cm.Set(enabledProps("n1"))
	ctx := context.Background()

	r1, err := m.GetNetwork(ctx, typeStub, "n1")
	require.NoError(t, err)
	r2, err := m.GetNetwork(ctx, typeStub, "n1")
	require.NoError(t, err)

	assert.Same(t, r1, r2, "alive resource is cached")
	assert.Equal(t, int64(1), p.creates.Load())
}

func TestGetNetworkRecreatesDeadResource(t *testing.T) {
	m, p, cm := newManagerFixture(t)
	cm.Set(enabledProps("n1"))
	ctx := context.Background()

	r1, err := m.GetNetwork(ctx, typeStub, "n1")
	require.NoError(t, err)
	r1.(*stubResource).alive.Store(false)

	r2, err := m.GetNetwork(ctx, typeStub, "n1")
	require.NoError(t, err)
	assert.NotSame(t, r1, r2)
	assert.Equal(t, int64(1), p.reloads.Load(), "dead resource replaced through the provider")
}

func TestGetNetworkErrorTaxonomy(t *testing.T) {
	m, _, cm := newManagerFixture(t)
	ctx := context.Background()

	_, err := m.GetNetwork(ctx, Type("nobody"), "n1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoProvider))
	assert.True(t, errors.IsUnsupported(err))

	_, err = m.GetNetwork(ctx, typeStub, "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfigNotFound))
	assert.True(t, errors.IsUnsupported(err))

	cm.Set(&Properties{ID: "off", Type: typeStub, Enabled: false})
	_, err = m.GetNetwork(ctx, typeStub, "off")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfigDisabled))
	assert.True(t, errors.IsUnsupported(err))
}

func TestGetNetworkCreateFailureSurfaces(t *testing.T) {
	m, _, cm := newManagerFixture(t)
	props := enabledProps("boom")
	props.Configuration = json.RawMessage(`{"fail":true}`)
	cm.Set(props)

	_, err := m.GetNetwork(context.Background(), typeStub, "boom")
	assert.Error(t, err)
}

func TestReloadReplacesResource(t *testing.T) {
	m, p, cm := newManagerFixture(t)
	cm.Set(enabledProps("n1"))
	ctx := context.Background()

	r1, err := m.GetNetwork(ctx, typeStub, "n1")
	require.NoError(t, err)

	require.NoError(t, m.Reload(ctx, typeStub, "n1"))
	assert.False(t, r1.IsAlive(), "old resource shut down on reload")
	assert.Equal(t, int64(1), p.reloads.Load())

	r2, err := m.GetNetwork(ctx, typeStub, "n1")
	require.NoError(t, err)
	assert.NotSame(t, r1, r2)
	assert.True(t, r2.IsAlive())
}

func TestReloadWithoutExistingCreates(t *testing.T) {
	m, p, cm := newManagerFixture(t)
	cm.Set(enabledProps("n1"))

	require.NoError(t, m.Reload(context.Background(), typeStub, "n1"))
	assert.Equal(t, int64(1), p.creates.Load())
	assert.Equal(t, int64(0), p.reloads.Load())
}

func TestShutdownRemovesResource(t *testing.T) {
	m, p, cm := newManagerFixture(t)
	cm.Set(enabledProps("n1"))
	ctx := context.Background()

	r1, err := m.GetNetwork(ctx, typeStub, "n1")
	require.NoError(t, err)

	m.Shutdown(typeStub, "n1")
	assert.False(t, r1.IsAlive())

	_, err = m.GetNetwork(ctx, typeStub, "n1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.creates.Load(), "shutdown removed the entry entirely")
}

func TestSweepRecreatesAutoReloadResources(t *testing.T) {
	m, p, cm := newManagerFixture(t)
	props := enabledProps("n1")
	props.AutoReload = true
	cm.Set(props)
	ctx := context.Background()

	r1, err := m.GetNetwork(ctx, typeStub, "n1")
	require.NoError(t, err)
	r1.(*stubResource).alive.Store(false)

	m.checkResources(ctx)
	assert.Equal(t, int64(1), p.reloads.Load(), "sweep recreates dead auto-reload resources")

	r2, err := m.GetNetwork(ctx, typeStub, "n1")
	require.NoError(t, err)
	assert.True(t, r2.IsAlive())
	assert.NotSame(t, r1, r2)
}

func TestSweepSkipsNonAutoReload(t *testing.T) {
	m, p, cm := newManagerFixture(t)
	cm.Set(enabledProps("n1"))
	ctx := context.Background()

	r1, err := m.GetNetwork(ctx, typeStub, "n1")
	require.NoError(t, err)
	r1.(*stubResource).alive.Store(false)

	m.checkResources(ctx)
	assert.Equal(t, int64(0), p.reloads.Load(), "dead resource without auto-reload left alone")
}

func TestSweepIsolatesFailures(t *testing.T) {
	m, p, cm := newManagerFixture(t)

	good := enabledProps("good")
	good.AutoReload = true
	cm.Set(good)

	bad := enabledProps("bad")
	bad.AutoReload = true
	cm.Set(bad)

	ctx := context.Background()
	rGood, err := m.GetNetwork(ctx, typeStub, "good")
	require.NoError(t, err)
	rBad, err := m.GetNetwork(ctx, typeStub, "bad")
	require.NoError(t, err)

	rGood.(*stubResource).alive.Store(false)
	rBad.(*stubResource).alive.Store(false)
	// Poison bad's config so its recreate fails.
	bad.Configuration = json.RawMessage(`{"fail":true}`)
	cm.Set(bad)

	m.checkResources(ctx)

	r2, err := m.GetNetwork(ctx, typeStub, "good")
	require.NoError(t, err)
	assert.True(t, r2.IsAlive(), "one resource's failure must not stop the sweep")
	_ = p
}

func TestStartStopLifecycle(t *testing.T) {
	m, _, cm := newManagerFixture(t)
	cm.Set(enabledProps("n1"))
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Start(ctx), "start is idempotent")

	r1, err := m.GetNetwork(ctx, typeStub, "n1")
	require.NoError(t, err)

	require.NoError(t, m.Stop(time.Second))
	assert.False(t, r1.IsAlive(), "stop shuts down owned resources")
	require.NoError(t, m.Stop(time.Second), "stop is idempotent")
}
