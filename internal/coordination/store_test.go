package coordination

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewsync/server/internal/models"
)

func newLock(key, owner string, ttl time.Duration) models.PendingLock {
	now := time.Now()
	return models.PendingLock{
		Key:           key,
		OwnerDeviceID: owner,
		OpType:        "edit",
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
}

// stores under test share one behavioral contract.
func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := OpenSQLiteTable(filepath.Join(t.TempDir(), "locks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryTable(),
		"sqlite": sqlite,
	}
}

func TestStore_AcquireRelease(t *testing.T) {
	ctx := context.Background()

	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := store.Acquire(ctx, newLock("task:42", "dev_a", time.Minute))
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = store.Acquire(ctx, newLock("task:42", "dev_b", time.Minute))
			require.NoError(t, err)
			assert.False(t, ok, "second owner must not claim a live lock")

			// tabs of one device share an owner id, so a second claim from
			// the same owner is refused too
			ok, err = store.Acquire(ctx, newLock("task:42", "dev_a", time.Minute))
			require.NoError(t, err)
			assert.False(t, ok, "a live lock blocks its own owner as well")

			// release by a non-owner is a no-op
			require.NoError(t, store.Release(ctx, "task:42", "dev_b"))
			locks, err := store.List(ctx)
			require.NoError(t, err)
			assert.Len(t, locks, 1)

			require.NoError(t, store.Release(ctx, "task:42", "dev_a"))
			locks, err = store.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, locks)
		})
	}
}

func TestStore_ExpiredLockIsReclaimable(t *testing.T) {
	ctx := context.Background()

	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := store.Acquire(ctx, newLock("shift:close", "dev_a", -time.Second))
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = store.Acquire(ctx, newLock("shift:close", "dev_b", time.Minute))
			require.NoError(t, err)
			assert.True(t, ok, "lapsed lease counts as free")
		})
	}
}

func TestStore_DeleteExpired(t *testing.T) {
	ctx := context.Background()

	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Acquire(ctx, newLock("a", "dev_a", -time.Second))
			require.NoError(t, err)
			_, err = store.Acquire(ctx, newLock("b", "dev_a", time.Minute))
			require.NoError(t, err)

			removed, err := store.DeleteExpired(ctx, time.Now())
			require.NoError(t, err)
			require.Len(t, removed, 1)
			assert.Equal(t, "a", removed[0].Key)

			locks, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, locks, 1)
			assert.Equal(t, "b", locks[0].Key)
		})
	}
}

func TestStore_ConcurrentAcquireExactlyOneWinner(t *testing.T) {
	ctx := context.Background()

	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			var wins atomic.Int32
			var wg sync.WaitGroup

			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					owner := "dev_" + string(rune('a'+i))
					ok, err := store.Acquire(ctx, newLock("register:1", owner, time.Minute))
					require.NoError(t, err)
					if ok {
						wins.Add(1)
					}
				}(i)
			}
			wg.Wait()

			assert.Equal(t, int32(1), wins.Load())
		})
	}
}
