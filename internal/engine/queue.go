package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/crewsync/server/internal/checksum"
	"github.com/crewsync/server/internal/models"
	"github.com/crewsync/server/internal/observability"
	"github.com/crewsync/server/internal/remote"
)

type pendingWrite struct {
	field      string
	value      json.RawMessage
	sum        string
	priority   models.Priority
	deadline   time.Time
	enqueuedAt time.Time
	retries    int
}

// syncQueue coalesces outgoing writes per field and flushes them in batches.
// Rapid edits to the same field collapse into one write carrying the latest
// value; the earliest deadline across replacements is kept so a later
// low-priority edit cannot postpone an already due flush.
type syncQueue struct {
	store    remote.Store
	state    *fieldState
	resolver *conflictResolver
	cfg      Config

	mu      sync.Mutex
	pending map[string]*pendingWrite
	timer   *time.Timer
	closed  bool

	// flushMu serializes flushes so retries of one batch cannot interleave
	// with the next.
	flushMu sync.Mutex

	retrier *retrier
	events  *eventLog
	log     *observability.Logger
	wg      sync.WaitGroup
}

func newSyncQueue(store remote.Store, state *fieldState, resolver *conflictResolver, cfg Config, events *eventLog, log *observability.Logger) *syncQueue {
	return &syncQueue{
		store:    store,
		state:    state,
		resolver: resolver,
		cfg:      cfg,
		pending:  make(map[string]*pendingWrite),
		retrier:  newRetrier(cfg.BackoffBase, cfg.BackoffCap, cfg.FlushRetryLimit),
		events:   events,
		log:      log.WithField("component", "queue"),
	}
}

// enqueue stages a write for field. The value must already be encoded JSON.
func (q *syncQueue) enqueue(field string, value json.RawMessage, priority models.Priority) error {
	sum, err := checksum.Sum(value)
	if err != nil {
		return err
	}

	now := time.Now()
	deadline := now.Add(q.cfg.flushDelay(priority))

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}

	if prev, ok := q.pending[field]; ok {
		if prev.deadline.Before(deadline) {
			deadline = prev.deadline
		}
		if prev.priority > priority {
			priority = prev.priority
		}
	}
	q.pending[field] = &pendingWrite{
		field:      field,
		value:      value,
		sum:        sum,
		priority:   priority,
		deadline:   deadline,
		enqueuedAt: now,
	}
	q.scheduleLocked(now)
	return nil
}

// scheduleLocked (re)arms the flush timer for the earliest pending deadline.
func (q *syncQueue) scheduleLocked(now time.Time) {
	var earliest time.Time
	for _, w := range q.pending {
		if earliest.IsZero() || w.deadline.Before(earliest) {
			earliest = w.deadline
		}
	}
	if earliest.IsZero() {
		return
	}

	wait := earliest.Sub(now)
	if wait < 0 {
		wait = 0
	}
	// The waitgroup slot is reserved before the timer is armed; whoever
	// stops the timer first returns it, the fired callback otherwise.
	if q.timer != nil && q.timer.Stop() {
		q.wg.Done()
	}
	q.wg.Add(1)
	q.timer = time.AfterFunc(wait, func() {
		defer q.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		q.flush(ctx)
	})
}

// flush writes out everything pending. High priority writes go individually;
// the rest share one batched patch. A batch that exhausts its retries is
// dropped with per-field error events rather than blocking newer writes.
func (q *syncQueue) flush(ctx context.Context) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	if q.timer != nil {
		if q.timer.Stop() {
			q.wg.Done()
		}
		q.timer = nil
	}
	writes := make([]*pendingWrite, 0, len(q.pending))
	for _, w := range q.pending {
		writes = append(writes, w)
	}
	q.pending = make(map[string]*pendingWrite)
	q.mu.Unlock()

	if len(writes) == 0 {
		return
	}

	var batch []*pendingWrite
	for _, w := range writes {
		// Re-verify remote state right before sending.
		w.value, w.sum = q.resolver.resolve(ctx, w.field, w.value, w.sum, w.enqueuedAt)
		q.state.markEcho(w.field, w.sum, time.Now().Add(q.cfg.EchoGrace))

		if w.priority == models.PriorityHigh {
			q.sendPut(ctx, w)
		} else {
			batch = append(batch, w)
		}
	}
	if len(batch) > 0 {
		q.sendPatch(ctx, batch)
	}
}

func (q *syncQueue) sendPut(ctx context.Context, w *pendingWrite) {
	err := q.retrier.do(ctx, func() error {
		if err := q.store.Put(ctx, w.field, w.value); err != nil {
			w.retries++
			return err
		}
		return nil
	})
	if err != nil {
		q.dropWrite(w, err)
		return
	}
	q.settle(w)
}

func (q *syncQueue) sendPatch(ctx context.Context, batch []*pendingWrite) {
	values := make(map[string]json.RawMessage, len(batch))
	for _, w := range batch {
		values[w.field] = w.value
	}

	err := q.retrier.do(ctx, func() error {
		if err := q.store.Patch(ctx, values); err != nil {
			for _, w := range batch {
				w.retries++
			}
			return err
		}
		return nil
	})
	if err != nil {
		for _, w := range batch {
			q.dropWrite(w, err)
		}
		return
	}
	for _, w := range batch {
		q.settle(w)
	}
}

func (q *syncQueue) settle(w *pendingWrite) {
	q.state.setLastGood(w.field, w.sum)
	q.state.markEcho(w.field, w.sum, time.Now().Add(q.cfg.EchoGrace))
	q.events.append(models.NewSyncEvent(models.EventDataUpdate, w.field, "synced"))
}

func (q *syncQueue) dropWrite(w *pendingWrite, err error) {
	q.state.clearEcho(w.field)
	kind := "transient"
	if remote.IsPermanent(err) {
		kind = "permanent"
	}
	q.events.append(models.NewSyncEvent(models.EventError, w.field, "sync failed: "+err.Error()))
	q.log.Errorf("dropping %s write for %s after %d attempts (%s): %v", w.priority, w.field, w.retries, kind, err)
}

// flushNow forces a synchronous flush, used on shutdown and by tests.
func (q *syncQueue) flushNow(ctx context.Context) {
	q.flush(ctx)
}

func (q *syncQueue) shutdown(ctx context.Context) {
	q.mu.Lock()
	q.closed = true
	if q.timer != nil {
		if q.timer.Stop() {
			q.wg.Done()
		}
		q.timer = nil
	}
	q.mu.Unlock()

	q.flush(ctx)
	q.wg.Wait()
}
