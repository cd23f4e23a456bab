// Package coordination provides the shared lock table used to serialize
// exclusive operations across devices. The engine layers lease semantics on
// top; this package only persists and atomically claims lock rows.
package coordination

import (
	"context"
	"sync"
	"time"

	"github.com/crewsync/server/internal/models"
)

// Store is the lock table contract. Acquire must be atomic: of N concurrent
// callers for the same key, exactly one wins.
type Store interface {
	// List returns every lock row, expired ones included.
	List(ctx context.Context) ([]models.PendingLock, error)

	// Acquire claims key for the given owner. It returns false while any
	// unexpired lock row for key exists, the caller's own included: tabs of
	// one device share an owner id, so a second claim from the same owner is
	// a second concurrent caller, not a renewal. A lock whose lease has
	// lapsed is treated as free and may be claimed over.
	Acquire(ctx context.Context, lock models.PendingLock) (bool, error)

	// Release removes the lock for key if owned by ownerDeviceID.
	Release(ctx context.Context, key, ownerDeviceID string) error

	// DeleteExpired removes every lock whose lease lapsed before now and
	// returns the removed rows so the caller can report them.
	DeleteExpired(ctx context.Context, now time.Time) ([]models.PendingLock, error)
}

// MemoryTable is an in-process Store. It backs single-process deployments and
// tests; multi-process deployments use the SQLite-backed table instead.
type MemoryTable struct {
	mu    sync.Mutex
	locks map[string]models.PendingLock
}

func NewMemoryTable() *MemoryTable {
	return &MemoryTable{locks: make(map[string]models.PendingLock)}
}

func (t *MemoryTable) List(ctx context.Context) ([]models.PendingLock, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]models.PendingLock, 0, len(t.locks))
	for _, l := range t.locks {
		out = append(out, l)
	}
	return out, nil
}

func (t *MemoryTable) Acquire(ctx context.Context, lock models.PendingLock) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if held, ok := t.locks[lock.Key]; ok && !held.Expired(time.Now()) {
		return false, nil
	}
	t.locks[lock.Key] = lock
	return true, nil
}

func (t *MemoryTable) Release(ctx context.Context, key, ownerDeviceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if held, ok := t.locks[key]; ok && held.OwnerDeviceID == ownerDeviceID {
		delete(t.locks, key)
	}
	return nil
}

func (t *MemoryTable) DeleteExpired(ctx context.Context, now time.Time) ([]models.PendingLock, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []models.PendingLock
	for key, l := range t.locks {
		if l.Expired(now) {
			removed = append(removed, l)
			delete(t.locks, key)
		}
	}
	return removed, nil
}
