// Package engine implements multi-device state synchronization over a shared
// remote tree store. Each device runs one Engine: it publishes presence
// heartbeats, listens to the change feed, batches outgoing writes, detects
// concurrent edits via checksums, and serializes exclusive operations
// through a leased lock table.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crewsync/server/internal/checksum"
	"github.com/crewsync/server/internal/coordination"
	"github.com/crewsync/server/internal/models"
	"github.com/crewsync/server/internal/observability"
	"github.com/crewsync/server/internal/remote"
)

// SyncOption adjusts a single SyncData call.
type SyncOption func(*syncOptions)

type syncOptions struct {
	priority models.Priority
}

// WithPriority sets the write's flush priority. High priority writes flush
// sooner and bypass batching.
func WithPriority(p models.Priority) SyncOption {
	return func(o *syncOptions) { o.priority = p }
}

// Engine is the per-device sync facade. Create one with New, start it with
// Connect, and always Close it so the final presence record goes out.
type Engine struct {
	cfg      Config
	deviceID string

	store    remote.Store
	state    *fieldState
	events   *eventLog
	presence *presenceTracker
	listener *listener
	queue    *syncQueue
	resolver *conflictResolver
	locks    *lockManager

	status atomic.Value // Status

	log *observability.Logger

	started   bool
	closeOnce sync.Once
	mu        sync.Mutex
}

// New assembles an engine over the given remote store and lock table.
func New(store remote.Store, locks coordination.Store, cfg Config) (*Engine, error) {
	cfg.applyDefaults()

	deviceID, err := EnsureDeviceID(cfg.IdentityPath)
	if err != nil {
		return nil, err
	}

	log := observability.GetLogger().WithField("device_id", deviceID)

	e := &Engine{
		cfg:      cfg,
		deviceID: deviceID,
		store:    store,
		state:    newFieldState(),
		events:   newEventLog(cfg.EventLogDepth),
		log:      log,
	}
	e.status.Store(StatusConnecting)

	e.presence = newPresenceTracker(store, deviceID, cfg, e.events, log)
	e.resolver = newConflictResolver(store, e.state, e.events, log)
	e.queue = newSyncQueue(store, e.state, e.resolver, cfg, e.events, log)
	e.listener = newListener(store, e.state, e.presence, cfg, e.setStatus, e.events, log)
	e.locks = newLockManager(locks, deviceID, cfg.LockTTL, cfg.LockSweepInterval,
		e.presence.displayName, e.events, log)

	return e, nil
}

// DeviceID returns this device's stable identifier.
func (e *Engine) DeviceID() string { return e.deviceID }

// Status returns the current connection status.
func (e *Engine) Status() Status {
	return e.status.Load().(Status)
}

func (e *Engine) setStatus(s Status) {
	e.status.Store(s)
}

// Connect publishes the first heartbeat and starts the background loops:
// feed listener, heartbeat, and lock sweep.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already connected")
	}
	e.started = true

	e.presence.publish(ctx)
	e.presence.run()
	e.listener.run()
	e.locks.run()

	e.log.Infof("sync engine connected as %s", e.cfg.DeviceName)
	return nil
}

// Close flushes pending writes, publishes a final inactive heartbeat, and
// stops every background loop. Safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		e.listener.shutdown()
		e.queue.shutdown(ctx)
		e.presence.shutdown()
		e.locks.shutdown()
		e.presence.leave(ctx)
		e.log.Info("sync engine closed")
	})
	return nil
}

// SyncData stages a write of field. The value is marshalled immediately so
// later mutation of the caller's data cannot change what syncs.
func (e *Engine) SyncData(ctx context.Context, field string, value interface{}, opts ...SyncOption) error {
	o := syncOptions{priority: models.PriorityNormal}
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", field, err)
	}
	return e.queue.enqueue(field, raw, o.priority)
}

// SyncMultipleFields stages several writes at normal priority. They land in
// the same flush batch when staged together.
func (e *Engine) SyncMultipleFields(ctx context.Context, values map[string]interface{}) error {
	for field, value := range values {
		if err := e.SyncData(ctx, field, value); err != nil {
			return err
		}
	}
	return nil
}

// Flush forces all staged writes out immediately.
func (e *Engine) Flush(ctx context.Context) {
	e.queue.flushNow(ctx)
}

// OnFieldChange registers a handler for remote changes to field and returns
// a handle for OffFieldChange.
func (e *Engine) OnFieldChange(field string, fn func(json.RawMessage)) int {
	return e.listener.register(field, fn)
}

// OffFieldChange removes a handler registered with OnFieldChange.
func (e *Engine) OffFieldChange(field string, id int) {
	e.listener.unregister(field, id)
}

// ActiveDevices lists devices with a fresh, active heartbeat, newest first.
func (e *Engine) ActiveDevices() []models.DeviceRecord {
	return e.presence.activeDevices()
}

// Events returns the recent sync event tail, oldest first.
func (e *Engine) Events() []models.SyncEvent {
	return e.events.list()
}

// OnSyncEvent registers an event callback and returns its remover.
func (e *Engine) OnSyncEvent(fn func(models.SyncEvent)) func() {
	return e.events.subscribe(fn)
}

// RegisterMergeFunc installs a merge hook for conflicting writes to field.
// Without one, conflicts resolve last-writer-wins: the remote value is kept
// when its server write time is newer than the local enqueue time, the local
// write otherwise.
func (e *Engine) RegisterMergeFunc(field string, fn MergeFunc) {
	e.resolver.register(field, fn)
}

// CheckDataIntegrity compares the last acknowledged checksum of every
// subscribed field against the remote store. The returned map reports, per
// field, whether local and remote agree. Fields with a write still in flight
// count as matching.
func (e *Engine) CheckDataIntegrity(ctx context.Context) (map[string]bool, error) {
	now := time.Now()
	result := make(map[string]bool)
	for _, field := range e.listener.subscribedFields() {
		raw, err := e.store.Get(ctx, field)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", field, err)
		}
		remoteSum, err := checksum.Sum(raw)
		if err != nil {
			return nil, remote.ErrMalformedPayload
		}

		if _, pending := e.state.pendingEchoSum(field, now); pending {
			result[field] = true
			continue
		}
		result[field] = e.state.lastGoodSum(field) == remoteSum
	}
	return result, nil
}

// CheckFieldIntegrity compares the local value of field against the remote
// store. On drift it delivers the remote value through the registered
// handlers so the caller converges, and reports false.
func (e *Engine) CheckFieldIntegrity(ctx context.Context, field string, value interface{}) (bool, error) {
	localSum, err := checksum.SumValue(value)
	if err != nil {
		return false, fmt.Errorf("failed to encode %s: %w", field, err)
	}

	raw, err := e.store.Get(ctx, field)
	if err != nil {
		return false, err
	}
	remoteSum, err := checksum.Sum(raw)
	if err != nil {
		return false, remote.ErrMalformedPayload
	}

	if localSum == remoteSum {
		return true, nil
	}

	// Ignore drift while our own write for this field is still in flight.
	if _, pending := e.state.pendingEchoSum(field, time.Now()); pending {
		return true, nil
	}

	e.events.append(models.NewSyncEvent(models.EventFullSync, field, "integrity drift, resyncing"))
	if raw != nil {
		e.listener.deliver(field, raw, remoteSum)
	}
	return false, nil
}

// ShouldAllowOperation claims the exclusive lock for key. A non-positive
// lease uses the configured lock TTL. When denied, the returned holder names
// the device currently working on it.
func (e *Engine) ShouldAllowOperation(ctx context.Context, key, opType string, lease time.Duration) (allowed bool, holder string, err error) {
	return e.locks.acquire(ctx, key, opType, lease)
}

// CompleteOperation releases the lock claimed by ShouldAllowOperation.
func (e *Engine) CompleteOperation(ctx context.Context, key string) error {
	return e.locks.release(ctx, key)
}

// SetVisibility tells the engine whether the app is in the foreground.
// Coming back to the foreground republishes presence and reconciles any
// state that drifted while hidden.
func (e *Engine) SetVisibility(ctx context.Context, visible bool) error {
	e.presence.setVisible(visible)
	if visible {
		return e.listener.reconcile(ctx)
	}
	return nil
}

// SetOnline reflects the host's network state. Coming back online flushes
// staged writes and reconciles against the remote store.
func (e *Engine) SetOnline(ctx context.Context, online bool) error {
	e.presence.setOnline(online)
	if online {
		e.queue.flushNow(ctx)
		return e.listener.reconcile(ctx)
	}
	return nil
}
