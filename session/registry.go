package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/devlink/device"
	"github.com/c360/devlink/errors"
	"github.com/c360/devlink/metric"
	"github.com/c360/devlink/network"
	"github.com/c360/devlink/ownership"
	"github.com/c360/devlink/pkg/deferred"
)

const (
	// DefaultCheckInterval is how often the reconciliation sweep runs.
	DefaultCheckInterval = 30 * time.Second

	// DefaultInitialDelay is the grace period before the first sweep,
	// letting sessions re-establish after a node restart.
	DefaultInitialDelay = 10 * time.Second

	// DefaultSweepParallelism bounds concurrent per-session sweep checks.
	DefaultSweepParallelism = 8

	// ownershipWriteTimeout bounds the async ownership record updates
	// performed off the hot path.
	ownershipWriteTimeout = 5 * time.Second

	unregisterQueueSize = 1024
)

// RegistryDeps carries the registry's dependencies.
type RegistryDeps struct {
	// ServerID identifies this cluster node in ownership records.
	ServerID string

	// Ownership is the cluster-shared ownership record.
	Ownership ownership.Store

	// Directory resolves devices for child session registration.
	Directory device.Directory

	// Metrics receives session gauges and sweep timings. Optional.
	Metrics *metric.Metrics

	Logger *slog.Logger

	// CheckInterval overrides DefaultCheckInterval when positive.
	CheckInterval time.Duration

	// InitialDelay overrides DefaultInitialDelay when non-negative.
	InitialDelay time.Duration

	// SweepParallelism overrides DefaultSweepParallelism when positive.
	SweepParallelism int
}

// Registry tracks every session alive on this node. Sessions are indexed by
// device id and, when the two differ, by session id as well. A background
// sweep evicts dead sessions, heals ownership records that diverged from
// local state, and drains closes deferred during supersession.
type Registry struct {
	serverID  string
	ownership ownership.Store
	directory device.Directory
	metrics   *metric.Metrics
	logger    *slog.Logger

	checkInterval time.Duration
	initialDelay  time.Duration
	parallelism   int

	sessions sync.Map // device id and session id -> Session
	children sync.Map // parent device id -> *sync.Map of child id -> *ChildSession
	counters sync.Map // network.Type -> *atomic.Int64
	limits   sync.Map // network.Type -> int64

	closer       *deferred.Queue
	unregisterCh chan Session

	subMu          sync.RWMutex
	nextSubID      int
	registerSubs   map[int]chan Session
	unregisterSubs map[int]chan Session

	running  atomic.Bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewRegistry validates deps and builds a stopped registry.
func NewRegistry(deps RegistryDeps) (*Registry, error) {
	if deps.ServerID == "" {
		return nil, errors.Wrap(errors.ErrMissingConfig, "session", "NewRegistry", "server id required")
	}
	if deps.Ownership == nil {
		return nil, errors.Wrap(errors.ErrMissingConfig, "session", "NewRegistry", "ownership store required")
	}
	if deps.Directory == nil {
		return nil, errors.Wrap(errors.ErrMissingConfig, "session", "NewRegistry", "device directory required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.CheckInterval <= 0 {
		deps.CheckInterval = DefaultCheckInterval
	}
	if deps.InitialDelay < 0 {
		deps.InitialDelay = DefaultInitialDelay
	}
	if deps.InitialDelay == 0 {
		deps.InitialDelay = DefaultInitialDelay
	}
	if deps.SweepParallelism <= 0 {
		deps.SweepParallelism = DefaultSweepParallelism
	}
	return &Registry{
		serverID:       deps.ServerID,
		ownership:      deps.Ownership,
		directory:      deps.Directory,
		metrics:        deps.Metrics,
		logger:         deps.Logger.With("component", "session-registry"),
		checkInterval:  deps.CheckInterval,
		initialDelay:   deps.InitialDelay,
		parallelism:    deps.SweepParallelism,
		closer:         deferred.NewQueue(),
		unregisterCh:   make(chan Session, unregisterQueueSize),
		registerSubs:   make(map[int]chan Session),
		unregisterSubs: make(map[int]chan Session),
		shutdown:       make(chan struct{}),
	}, nil
}

// ServerID returns this node's cluster identity.
func (r *Registry) ServerID() string { return r.serverID }

// Register installs a session for its device, superseding any previous
// session for the same device on this node. The previous session is not
// closed inline; its close is deferred to the next sweep checkpoint so that
// in-flight sends finish. The returned channel closes once the ownership
// record has been written and register listeners notified; callers that need
// the online event ordered before downstream traffic wait on it.
func (r *Registry) Register(s Session) (prev Session, registered <-chan struct{}) {
	prevAny, _ := r.sessions.Swap(s.DeviceID(), s)
	if prevAny != nil {
		prev = prevAny.(Session)
	}
	if prev != nil && prev.ID() != prev.DeviceID() && prev.ID() != s.ID() {
		r.sessions.Delete(prev.ID())
	}
	if s.ID() != s.DeviceID() {
		r.sessions.Store(s.ID(), s)
	}

	if prev == nil {
		r.counter(s.Transport()).Add(1)
		r.reportCount(s.Transport())
	} else if prev != s {
		r.logger.Warn("session superseded",
			"deviceId", s.DeviceID(),
			"oldSessionId", prev.ID(),
			"newSessionId", s.ID())
		r.closer.Defer(prev.Close)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), ownershipWriteTimeout)
		defer cancel()
		r.claimOwnership(ctx, s)
		r.notify(r.registerSnapshot(), s)
	}()
	return prev, done
}

// Unregister removes the session known under id, which may be either a
// device id or a session id. The session's close and its ownership cleanup
// run asynchronously; the removed session is returned immediately, or nil
// when nothing was registered under id.
func (r *Registry) Unregister(id string) Session {
	v, ok := r.sessions.LoadAndDelete(id)
	if !ok {
		return nil
	}
	s := v.(Session)
	if s.ID() != s.DeviceID() {
		other := s.ID()
		if id == s.ID() {
			other = s.DeviceID()
		}
		r.sessions.Delete(other)
	}
	r.counter(s.Transport()).Add(-1)
	r.reportCount(s.Transport())
	r.closer.Defer(s.Close)
	r.enqueueUnregister(s)
	return s
}

// enqueueUnregister hands the session to the pipeline goroutine, or finishes
// in the background when the pipeline is not running or its queue is full.
func (r *Registry) enqueueUnregister(s Session) {
	if r.running.Load() {
		select {
		case r.unregisterCh <- s:
			return
		default:
		}
	}
	go r.processUnregister(s)
}

// processUnregister performs the slow half of unregistration: clearing the
// ownership record, notifying listeners, and tearing down child sessions.
func (r *Registry) processUnregister(s Session) {
	ctx, cancel := context.WithTimeout(context.Background(), ownershipWriteTimeout)
	defer cancel()

	if s.DeviceID() != "" {
		if err := r.ownership.ClearOwner(ctx, s.DeviceID()); err != nil {
			r.logger.Warn("failed to clear ownership record",
				"deviceId", s.DeviceID(), "error", err)
		}
	}
	r.notify(r.unregisterSnapshot(), s)

	childrenAny, ok := r.children.LoadAndDelete(s.DeviceID())
	if !ok {
		return
	}
	childMap := childrenAny.(*sync.Map)
	childMap.Range(func(_, v any) bool {
		child := v.(*ChildSession)
		if err := r.ownership.ClearOwner(ctx, child.DeviceID()); err != nil {
			r.logger.Warn("failed to clear child ownership record",
				"deviceId", child.DeviceID(), "error", err)
		}
		r.notify(r.unregisterSnapshot(), child)
		r.closer.Defer(child.Close)
		return true
	})
}

// GetSession returns the live session known under id, or nil. Dead sessions
// are hidden but left for the sweep to evict, so a lookup never mutates
// registry state beyond reading.
func (r *Registry) GetSession(id string) Session {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil
	}
	s := v.(Session)
	if !s.IsAlive() {
		return nil
	}
	return s
}

// GetChildSession returns the live child session, or nil.
func (r *Registry) GetChildSession(parentID, childID string) *ChildSession {
	childrenAny, ok := r.children.Load(parentID)
	if !ok {
		return nil
	}
	v, ok := childrenAny.(*sync.Map).Load(childID)
	if !ok {
		return nil
	}
	child := v.(*ChildSession)
	if !child.IsAlive() {
		return nil
	}
	return child
}

// RegisterChild attaches a child device to the parent's live session. When
// the parent has no live session or the child device is unknown, nothing is
// registered and (nil, nil) is returned; the caller treats this as a no-op.
// The child's parent gateway id is persisted in the device directory.
func (r *Registry) RegisterChild(ctx context.Context, parentID, childID string) (*ChildSession, error) {
	parent := r.GetSession(parentID)
	if parent == nil {
		r.logger.Warn("child registration ignored, parent session not alive",
			"parentId", parentID, "childId", childID)
		return nil, nil
	}
	dev, err := r.directory.Device(ctx, childID)
	if err != nil {
		if errors.Is(err, errors.ErrDeviceNotFound) {
			r.logger.Warn("child registration ignored, unknown device",
				"parentId", parentID, "childId", childID)
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "session", "RegisterChild", "device lookup failed")
	}

	child := NewChild(dev, parent)
	childrenAny, _ := r.children.LoadOrStore(parentID, &sync.Map{})
	childrenAny.(*sync.Map).Store(childID, child)

	if err := r.ownership.SetOwner(ctx, childID, ownership.Owner{
		ServerID:  r.serverID,
		SessionID: parent.ID(),
		Since:     time.Now(),
	}); err != nil {
		r.logger.Warn("failed to record child ownership",
			"deviceId", childID, "error", err)
	}
	if err := r.directory.SetDeviceConfig(ctx, childID, device.ConfigParentGatewayID, parentID); err != nil {
		r.logger.Warn("failed to record parent gateway on child device",
			"deviceId", childID, "error", err)
	}
	r.notify(r.registerSnapshot(), child)
	return child, nil
}

// UnregisterChild detaches a child device from its parent. Returns the
// removed child, or nil when none was registered.
func (r *Registry) UnregisterChild(ctx context.Context, parentID, childID string) *ChildSession {
	childrenAny, ok := r.children.Load(parentID)
	if !ok {
		return nil
	}
	v, ok := childrenAny.(*sync.Map).LoadAndDelete(childID)
	if !ok {
		return nil
	}
	child := v.(*ChildSession)
	child.Close()
	if err := r.ownership.ClearOwner(ctx, childID); err != nil {
		r.logger.Warn("failed to clear child ownership record",
			"deviceId", childID, "error", err)
	}
	r.notify(r.unregisterSnapshot(), child)
	return child
}

// SessionIsAlive reports whether the device has a live session on this
// node, either top-level or as a child of some gateway session.
func (r *Registry) SessionIsAlive(deviceID string) bool {
	if r.GetSession(deviceID) != nil {
		return true
	}
	alive := false
	r.children.Range(func(_, v any) bool {
		if c, ok := v.(*sync.Map).Load(deviceID); ok && c.(*ChildSession).IsAlive() {
			alive = true
			return false
		}
		return true
	})
	return alive
}

// All returns a snapshot of the top-level sessions, one entry per device.
func (r *Registry) All() []Session {
	var out []Session
	r.sessions.Range(func(k, v any) bool {
		s := v.(Session)
		if k.(string) == s.DeviceID() {
			out = append(out, s)
		}
		return true
	})
	return out
}

// SetTransportLimit caps concurrent sessions for a transport. A limit of
// zero or below removes the cap.
func (r *Registry) SetTransportLimit(t network.Type, limit int64) {
	if limit <= 0 {
		r.limits.Delete(t)
		return
	}
	r.limits.Store(t, limit)
}

// MaximumSessions returns the transport's limit, or -1 when uncapped.
func (r *Registry) MaximumSessions(t network.Type) int64 {
	if v, ok := r.limits.Load(t); ok {
		return v.(int64)
	}
	return -1
}

// CurrentSessions returns the number of top-level sessions on a transport.
func (r *Registry) CurrentSessions(t network.Type) int64 {
	return r.counter(t).Load()
}

// IsOverLimit reports whether the transport is at or above its cap.
func (r *Registry) IsOverLimit(t network.Type) bool {
	limit := r.MaximumSessions(t)
	return limit > 0 && r.counter(t).Load() >= limit
}

// OnRegister subscribes to session registrations. Events are delivered
// best-effort; a full subscriber channel drops the event rather than block
// the registry. The returned cancel func releases the subscription.
func (r *Registry) OnRegister(buffer int) (<-chan Session, func()) {
	return r.subscribe(r.registerSubs, buffer)
}

// OnUnregister subscribes to session removals with the same semantics as
// OnRegister.
func (r *Registry) OnUnregister(buffer int) (<-chan Session, func()) {
	return r.subscribe(r.unregisterSubs, buffer)
}

func (r *Registry) subscribe(subs map[int]chan Session, buffer int) (<-chan Session, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Session, buffer)
	r.subMu.Lock()
	id := r.nextSubID
	r.nextSubID++
	subs[id] = ch
	r.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(subs, id)
			r.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (r *Registry) registerSnapshot() []chan Session {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	out := make([]chan Session, 0, len(r.registerSubs))
	for _, ch := range r.registerSubs {
		out = append(out, ch)
	}
	return out
}

func (r *Registry) unregisterSnapshot() []chan Session {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	out := make([]chan Session, 0, len(r.unregisterSubs))
	for _, ch := range r.unregisterSubs {
		out = append(out, ch)
	}
	return out
}

func (r *Registry) notify(subs []chan Session, s Session) {
	for _, ch := range subs {
		select {
		case ch <- s:
		default:
			r.logger.Debug("session event dropped, subscriber not keeping up",
				"deviceId", s.DeviceID())
		}
	}
}

func (r *Registry) counter(t network.Type) *atomic.Int64 {
	if v, ok := r.counters.Load(t); ok {
		return v.(*atomic.Int64)
	}
	v, _ := r.counters.LoadOrStore(t, &atomic.Int64{})
	return v.(*atomic.Int64)
}

func (r *Registry) reportCount(t network.Type) {
	if r.metrics != nil {
		r.metrics.RecordSessionCount(string(t), r.counter(t).Load())
	}
}

// Start launches the unregister pipeline and the reconciliation sweep.
func (r *Registry) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.shutdown:
				return
			case s := <-r.unregisterCh:
				r.processUnregister(s)
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-r.shutdown:
			return
		case <-time.After(r.initialDelay):
		}
		ticker := time.NewTicker(r.checkInterval)
		defer ticker.Stop()
		r.checkSessions(ctx)
		for {
			select {
			case <-r.shutdown:
				return
			case <-ticker.C:
				r.checkSessions(ctx)
			}
		}
	}()

	r.logger.Info("session registry started",
		"serverId", r.serverID,
		"checkInterval", r.checkInterval)
	return nil
}

// checkSessions is one reconciliation pass. Liveness is judged against a
// snapshot taken at the start of the pass, so a session registered during
// the sweep is never evicted by it. Dead sessions are unregistered, live
// sessions whose ownership record is absent or points at another server are
// reclaimed for this node, and closes deferred since the last pass run at
// the end.
func (r *Registry) checkSessions(ctx context.Context) {
	start := time.Now()
	snapshot := r.All()

	var evicted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for _, s := range snapshot {
		s := s
		g.Go(func() error {
			if !s.IsAlive() {
				if r.evictExpired(s) {
					evicted.Add(1)
					r.logger.Info("evicted expired session",
						"deviceId", s.DeviceID(), "sessionId", s.ID())
				}
				return nil
			}
			owner, err := r.ownership.GetOwner(gctx, s.DeviceID())
			if err != nil {
				r.logger.Warn("ownership lookup failed during sweep",
					"deviceId", s.DeviceID(), "error", err)
				return nil
			}
			if owner == nil || owner.ServerID != r.serverID {
				r.logger.Warn("session state divergence detected, reclaiming",
					"deviceId", s.DeviceID(),
					"recordedServer", ownerServer(owner))
				r.claimOwnership(gctx, s)
				r.notify(r.registerSnapshot(), s)
			}
			return nil
		})
	}
	_ = g.Wait()

	r.counters.Range(func(k, v any) bool {
		if r.metrics != nil {
			r.metrics.RecordSessionCount(string(k.(network.Type)), v.(*atomic.Int64).Load())
		}
		return true
	})

	drained := r.closer.Drain(r.logger)
	if r.metrics != nil {
		r.metrics.RecordSweepDuration(time.Since(start))
		r.metrics.RecordSessionsEvicted(evicted.Load())
	}
	if n := evicted.Load(); n > 0 || drained > 0 {
		r.logger.Info("session sweep completed",
			"checked", len(snapshot),
			"evicted", n,
			"closesDrained", drained,
			"duration", time.Since(start))
	}
}

// evictExpired removes s only while it is still the session indexed for its
// device. A session superseded after the sweep snapshot was taken is left
// alone: Register already replaced the index entry and deferred its close,
// and the live replacement must not be torn down in its place.
func (r *Registry) evictExpired(s Session) bool {
	if !r.sessions.CompareAndDelete(s.DeviceID(), s) {
		return false
	}
	if s.ID() != s.DeviceID() {
		r.sessions.CompareAndDelete(s.ID(), s)
	}
	r.counter(s.Transport()).Add(-1)
	r.reportCount(s.Transport())
	r.closer.Defer(s.Close)
	r.enqueueUnregister(s)
	return true
}

func (r *Registry) claimOwnership(ctx context.Context, s Session) {
	addr := ""
	if a := s.ClientAddr(); a != nil {
		addr = a.String()
	}
	err := r.ownership.SetOwner(ctx, s.DeviceID(), ownership.Owner{
		ServerID:      r.serverID,
		SessionID:     s.ID(),
		ClientAddress: addr,
		Since:         time.Now(),
	})
	if err != nil {
		r.logger.Warn("failed to write ownership record",
			"deviceId", s.DeviceID(), "error", err)
	}
}

func ownerServer(o *ownership.Owner) string {
	if o == nil {
		return ""
	}
	return o.ServerID
}

// Shutdown unregisters every session. Ownership cleanup for each runs
// through the usual async pipeline.
func (r *Registry) Shutdown() {
	for _, s := range r.All() {
		r.Unregister(s.DeviceID())
	}
}

// Stop halts the sweep and the unregister pipeline, finishes any queued
// unregistrations synchronously, and runs all deferred closes.
func (r *Registry) Stop(timeout time.Duration) error {
	if !r.running.CompareAndSwap(true, false) {
		return nil
	}
	close(r.shutdown)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		r.logger.Warn("session registry stop timed out", "timeout", timeout)
	}

	for {
		select {
		case s := <-r.unregisterCh:
			r.processUnregister(s)
		default:
			r.closer.Drain(r.logger)
			r.logger.Info("session registry stopped")
			return nil
		}
	}
}
