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

// MergeFunc combines a local pending write with a conflicting remote value.
// Returning an error falls back to last-write-wins.
type MergeFunc func(local, remoteValue json.RawMessage) (json.RawMessage, error)

// conflictResolver decides what actually gets written when the remote store
// changed underneath a pending local write. The remote value is a conflict
// only when its checksum matches neither the last state this device
// acknowledged nor the outgoing write itself.
type conflictResolver struct {
	store remote.Store
	state *fieldState

	mu     sync.RWMutex
	merges map[string]MergeFunc

	events *eventLog
	log    *observability.Logger
}

func newConflictResolver(store remote.Store, state *fieldState, events *eventLog, log *observability.Logger) *conflictResolver {
	return &conflictResolver{
		store:  store,
		state:  state,
		merges: make(map[string]MergeFunc),
		events: events,
		log:    log.WithField("component", "conflicts"),
	}
}

func (r *conflictResolver) register(field string, fn MergeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merges[field] = fn
}

func (r *conflictResolver) mergeFor(field string) (MergeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.merges[field]
	return fn, ok
}

// resolve verifies the remote state of field right before a flush and
// returns the value to write plus its checksum. enqueuedAt is when the local
// write was staged; without a merge hook the more recent writer wins. A
// detected conflict emits exactly one conflict_resolution event.
func (r *conflictResolver) resolve(ctx context.Context, field string, outgoing json.RawMessage, outgoingSum string, enqueuedAt time.Time) (json.RawMessage, string) {
	remoteValue, err := r.store.Get(ctx, field)
	if err != nil {
		// Cannot verify; proceed and let the write settle it.
		r.log.Debugf("pre-flush read of %s failed: %v", field, err)
		return outgoing, outgoingSum
	}

	remoteSum, err := checksum.Sum(remoteValue)
	if err != nil {
		r.log.Warnf("remote value of %s is not valid JSON: %v", field, err)
		return outgoing, outgoingSum
	}
	if remoteSum == "" || remoteSum == r.state.lastGoodSum(field) || remoteSum == outgoingSum {
		return outgoing, outgoingSum
	}

	resolved, how := r.lastWriterWins(ctx, field, outgoing, remoteValue, enqueuedAt)
	if fn, ok := r.mergeFor(field); ok {
		merged, mergeErr := fn(outgoing, remoteValue)
		if mergeErr != nil {
			r.log.Warnf("merge hook for %s failed, falling back to %s: %v", field, how, mergeErr)
		} else {
			resolved = merged
			how = "merged"
		}
	}

	resolvedSum, err := checksum.Sum(resolved)
	if err != nil {
		// Merge hook produced invalid JSON; fall back to the local write.
		r.log.Warnf("merge result for %s is not valid JSON: %v", field, err)
		resolved, resolvedSum, how = outgoing, outgoingSum, "kept local write"
	}

	r.events.append(models.NewSyncEvent(models.EventConflictResolution, field,
		"concurrent edit detected, "+how))
	r.log.Infof("resolved conflict on %s (%s)", field, how)

	return resolved, resolvedSum
}

// lastWriterWins compares the remote write time against the local enqueue
// time. The local write wins ties and any case where the remote time is
// unknown.
func (r *conflictResolver) lastWriterWins(ctx context.Context, field string, outgoing, remoteValue json.RawMessage, enqueuedAt time.Time) (json.RawMessage, string) {
	modified, err := r.store.Modified(ctx, field)
	if err != nil {
		r.log.Debugf("remote write time of %s unavailable: %v", field, err)
		return outgoing, "kept local write"
	}
	if !modified.IsZero() && modified.After(enqueuedAt) {
		return remoteValue, "kept remote write"
	}
	return outgoing, "kept local write"
}
