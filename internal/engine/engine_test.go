package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewsync/server/internal/coordination"
	"github.com/crewsync/server/internal/models"
	"github.com/crewsync/server/internal/remote"
)

func testConfig() Config {
	return Config{
		DeviceName:           "Front Register",
		User:                 "dana",
		Platform:             "test",
		HeartbeatExcellent:   time.Hour,
		HeartbeatGood:        time.Hour,
		HeartbeatPoor:        time.Hour,
		StalenessWindow:      time.Minute,
		DeviceListLimit:      20,
		FlushDelayHigh:       5 * time.Millisecond,
		FlushDelayNormal:     20 * time.Millisecond,
		FlushDelayLow:        40 * time.Millisecond,
		FlushRetryLimit:      3,
		EchoGrace:            500 * time.Millisecond,
		InboundThrottle:      time.Millisecond,
		InboundThrottleSlack: time.Millisecond,
		BackoffBase:          time.Millisecond,
		BackoffCap:           5 * time.Millisecond,
		MaxRetries:           3,
		LockTTL:              time.Minute,
		LockSweepInterval:    time.Hour,
		EventLogDepth:        10,
	}
}

func newTestEngine(t *testing.T, store remote.Store, connect bool) *Engine {
	t.Helper()

	e, err := New(store, coordination.NewMemoryTable(), testConfig())
	require.NoError(t, err)

	if connect {
		require.NoError(t, e.Connect(context.Background()))
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngine_CoalescesRapidWrites(t *testing.T) {
	ctx := context.Background()
	store := remote.NewMemoryStore()
	e := newTestEngine(t, store, false)

	require.NoError(t, e.SyncData(ctx, models.FieldMood, map[string]string{"team": "tense"}))
	require.NoError(t, e.SyncData(ctx, models.FieldMood, map[string]string{"team": "calm"}))
	e.Flush(ctx)

	_, patches := store.WriteCounts()
	assert.Equal(t, 1, patches, "rapid edits to one field collapse into one write")

	got, err := store.Get(ctx, models.FieldMood)
	require.NoError(t, err)
	assert.JSONEq(t, `{"team":"calm"}`, string(got))
}

func TestEngine_HighPriorityWritesIndividually(t *testing.T) {
	ctx := context.Background()
	store := remote.NewMemoryStore()
	e := newTestEngine(t, store, false)

	require.NoError(t, e.SyncData(ctx, models.FieldTasks, []int{1, 2}, WithPriority(models.PriorityHigh)))
	require.NoError(t, e.SyncData(ctx, models.FieldMood, "ok"))
	e.Flush(ctx)

	puts, patches := store.WriteCounts()
	assert.Equal(t, 1, puts, "high priority field goes out on its own")
	assert.Equal(t, 1, patches, "the rest share one batch")
}

func TestEngine_SuppressesOwnEcho(t *testing.T) {
	ctx := context.Background()
	store := remote.NewMemoryStore()
	e := newTestEngine(t, store, true)

	var calls atomic.Int32
	var lastSeen atomic.Value
	e.OnFieldChange(models.FieldMood, func(raw json.RawMessage) {
		calls.Add(1)
		lastSeen.Store(string(raw))
	})

	require.NoError(t, e.SyncData(ctx, models.FieldMood, "heads down"))
	e.Flush(ctx)

	// Give the feed time to echo the write back.
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, calls.Load(), "own write must not come back as a change")

	require.NoError(t, store.Put(ctx, models.FieldMood, json.RawMessage(`"all hands"`)))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `"all hands"`, lastSeen.Load().(string))
}

func TestEngine_CoalescesInboundBursts(t *testing.T) {
	ctx := context.Background()
	store := remote.NewMemoryStore()

	cfg := testConfig()
	cfg.InboundThrottle = 200 * time.Millisecond
	cfg.InboundThrottleSlack = 200 * time.Millisecond
	e, err := New(store, coordination.NewMemoryTable(), cfg)
	require.NoError(t, err)
	require.NoError(t, e.Connect(ctx))
	t.Cleanup(func() { e.Close() })

	var calls atomic.Int32
	var last atomic.Value
	e.OnFieldChange(models.FieldTasks, func(raw json.RawMessage) {
		calls.Add(1)
		last.Store(string(raw))
	})

	require.Eventually(t, func() bool { return e.Status() == StatusConnected }, 2*time.Second, 5*time.Millisecond)

	for i := 1; i <= 4; i++ {
		require.NoError(t, store.Put(ctx, models.FieldTasks, json.RawMessage(fmt.Sprintf("[%d]", i))))
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "a burst collapses into one delivery")
	assert.JSONEq(t, `[4]`, last.Load().(string), "the delivery carries the latest value")
}

func TestEngine_ConflictUsesMergeHookOnce(t *testing.T) {
	ctx := context.Background()
	store := remote.NewMemoryStore()
	e := newTestEngine(t, store, false)

	var mergeCalls atomic.Int32
	e.RegisterMergeFunc(models.FieldTasks, func(local, remoteValue json.RawMessage) (json.RawMessage, error) {
		mergeCalls.Add(1)
		return json.RawMessage(`["merged"]`), nil
	})

	// Establish acknowledged state.
	require.NoError(t, e.SyncData(ctx, models.FieldTasks, []string{"open"}))
	e.Flush(ctx)

	// Another device edits while a local write is pending.
	require.NoError(t, store.Put(ctx, models.FieldTasks, json.RawMessage(`["other device"]`)))
	require.NoError(t, e.SyncData(ctx, models.FieldTasks, []string{"local edit"}))
	e.Flush(ctx)

	assert.Equal(t, int32(1), mergeCalls.Load())

	got, err := store.Get(ctx, models.FieldTasks)
	require.NoError(t, err)
	assert.JSONEq(t, `["merged"]`, string(got))

	var conflicts int
	for _, ev := range e.Events() {
		if ev.Type == models.EventConflictResolution {
			conflicts++
		}
	}
	assert.Equal(t, 1, conflicts)
}

func TestEngine_ConflictDefaultsToLocalWrite(t *testing.T) {
	ctx := context.Background()
	store := remote.NewMemoryStore()
	e := newTestEngine(t, store, false)

	require.NoError(t, e.SyncData(ctx, models.FieldInventory, map[string]int{"flour": 3}))
	e.Flush(ctx)

	require.NoError(t, store.Put(ctx, models.FieldInventory, json.RawMessage(`{"flour":9}`)))
	require.NoError(t, e.SyncData(ctx, models.FieldInventory, map[string]int{"flour": 5}))
	e.Flush(ctx)

	got, err := store.Get(ctx, models.FieldInventory)
	require.NoError(t, err)
	assert.JSONEq(t, `{"flour":5}`, string(got), "without a merge hook the pending local write wins")
}

func TestEngine_ConflictNewerRemoteWins(t *testing.T) {
	ctx := context.Background()
	store := remote.NewMemoryStore()
	e := newTestEngine(t, store, false)

	require.NoError(t, e.SyncData(ctx, models.FieldEmployees, []string{"ana"}))
	e.Flush(ctx)

	// The local edit is staged first; the remote edit lands after it, so
	// last-writer-wins picks the remote value.
	require.NoError(t, e.SyncData(ctx, models.FieldEmployees, []string{"ana", "bo"}))
	require.NoError(t, store.Put(ctx, models.FieldEmployees, json.RawMessage(`["remote"]`)))
	e.Flush(ctx)

	got, err := store.Get(ctx, models.FieldEmployees)
	require.NoError(t, err)
	assert.JSONEq(t, `["remote"]`, string(got))

	var conflicts int
	for _, ev := range e.Events() {
		if ev.Type == models.EventConflictResolution {
			conflicts++
		}
	}
	assert.Equal(t, 1, conflicts)
}

func TestEngine_CloseFlushesStagedWrites(t *testing.T) {
	ctx := context.Background()
	store := remote.NewMemoryStore()
	e := newTestEngine(t, store, false)

	for i := 0; i < 50; i++ {
		require.NoError(t, e.SyncData(ctx, models.FieldTasks, []int{i}))
	}
	require.NoError(t, e.Close())

	got, err := store.Get(ctx, models.FieldTasks)
	require.NoError(t, err)
	assert.JSONEq(t, `[49]`, string(got), "shutdown flushes the staged write")
}

func TestEngine_DropsWriteAfterRetryExhaustion(t *testing.T) {
	ctx := context.Background()
	store := remote.NewMemoryStore()
	e := newTestEngine(t, store, false)

	store.SetPatchError(remote.Transient("patch", errors.New("connection reset")))

	require.NoError(t, e.SyncData(ctx, models.FieldMood, "unsent"))
	e.Flush(ctx)

	_, patches := store.WriteCounts()
	assert.Equal(t, 3, patches, "transient failures retry up to the flush limit")

	var errEvents int
	for _, ev := range e.Events() {
		if ev.Type == models.EventError && ev.Field == models.FieldMood {
			errEvents++
		}
	}
	assert.Equal(t, 1, errEvents)

	// The queue must keep working after a dropped batch.
	store.SetPatchError(nil)
	require.NoError(t, e.SyncData(ctx, models.FieldMood, "sent"))
	e.Flush(ctx)

	got, err := store.Get(ctx, models.FieldMood)
	require.NoError(t, err)
	assert.JSONEq(t, `"sent"`, string(got))
}

func TestEngine_PermanentErrorFailsFast(t *testing.T) {
	ctx := context.Background()
	store := remote.NewMemoryStore()
	e := newTestEngine(t, store, false)

	store.SetPutError(remote.Permanent("put", 403, errors.New("forbidden")))

	require.NoError(t, e.SyncData(ctx, models.FieldTasks, []int{1}, WithPriority(models.PriorityHigh)))
	e.Flush(ctx)

	puts, _ := store.WriteCounts()
	assert.Equal(t, 1, puts, "permanent errors are not retried")
}

func TestEngine_CheckFieldIntegrity(t *testing.T) {
	ctx := context.Background()
	store := remote.NewMemoryStore()
	e := newTestEngine(t, store, false)

	var delivered atomic.Int32
	e.OnFieldChange(models.FieldEmployees, func(json.RawMessage) { delivered.Add(1) })

	require.NoError(t, store.Put(ctx, models.FieldEmployees, json.RawMessage(`["ana","bo"]`)))

	ok, err := e.CheckFieldIntegrity(ctx, models.FieldEmployees, []string{"ana", "bo"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, delivered.Load())

	ok, err = e.CheckFieldIntegrity(ctx, models.FieldEmployees, []string{"ana"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(1), delivered.Load(), "drift delivers the remote value")
}

func TestEngine_CheckDataIntegrityReportsPerField(t *testing.T) {
	ctx := context.Background()
	store := remote.NewMemoryStore()
	e := newTestEngine(t, store, false)

	e.OnFieldChange(models.FieldMood, func(json.RawMessage) {})
	e.OnFieldChange(models.FieldTasks, func(json.RawMessage) {})

	require.NoError(t, e.SyncData(ctx, models.FieldMood, "steady"))
	require.NoError(t, e.SyncData(ctx, models.FieldTasks, []int{1}))
	e.Flush(ctx)

	report, err := e.CheckDataIntegrity(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{models.FieldMood: true, models.FieldTasks: true}, report)

	// A remote edit we have not seen shows up as a mismatch once the echo
	// window for our own writes has passed.
	require.NoError(t, store.Put(ctx, models.FieldTasks, json.RawMessage(`[1,2]`)))
	require.Eventually(t, func() bool {
		report, err := e.CheckDataIntegrity(ctx)
		return err == nil && report[models.FieldMood] && !report[models.FieldTasks]
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngine_OperationLock(t *testing.T) {
	ctx := context.Background()
	store := remote.NewMemoryStore()
	locks := coordination.NewMemoryTable()

	cfg := testConfig()
	e1, err := New(store, locks, cfg)
	require.NoError(t, err)
	e2, err := New(store, locks, cfg)
	require.NoError(t, err)

	allowed, _, err := e1.ShouldAllowOperation(ctx, "shift:close", "edit", 0)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, holder, err := e2.ShouldAllowOperation(ctx, "shift:close", "edit", 0)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, e1.DeviceID(), holder)

	require.NoError(t, e1.CompleteOperation(ctx, "shift:close"))

	allowed, _, err = e2.ShouldAllowOperation(ctx, "shift:close", "edit", 0)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestEngine_OperationLockExcludesTabsOfOneDevice(t *testing.T) {
	ctx := context.Background()
	locks := coordination.NewMemoryTable()

	// Two engines with one identity file model two tabs of the same device.
	cfg := testConfig()
	cfg.IdentityPath = filepath.Join(t.TempDir(), "device_id")
	tab1, err := New(remote.NewMemoryStore(), locks, cfg)
	require.NoError(t, err)
	tab2, err := New(remote.NewMemoryStore(), locks, cfg)
	require.NoError(t, err)
	require.Equal(t, tab1.DeviceID(), tab2.DeviceID())

	allowed1, _, err := tab1.ShouldAllowOperation(ctx, "42", "TOGGLE_TASK", time.Minute)
	require.NoError(t, err)
	allowed2, _, err := tab2.ShouldAllowOperation(ctx, "42", "TOGGLE_TASK", time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed1 != allowed2, "exactly one tab may proceed")

	winner := tab1
	if allowed2 {
		winner = tab2
	}
	require.NoError(t, winner.CompleteOperation(ctx, "42"))

	allowed, _, err := tab2.ShouldAllowOperation(ctx, "42", "TOGGLE_TASK", time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed, "completing the operation frees the key")
}

func TestEngine_OperationLockLeaseExpires(t *testing.T) {
	ctx := context.Background()
	locks := coordination.NewMemoryTable()

	cfg := testConfig()
	e1, err := New(remote.NewMemoryStore(), locks, cfg)
	require.NoError(t, err)
	e2, err := New(remote.NewMemoryStore(), locks, cfg)
	require.NoError(t, err)

	allowed, _, err := e1.ShouldAllowOperation(ctx, "register:1", "count", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = e2.ShouldAllowOperation(ctx, "register:1", "count", time.Minute)
	require.NoError(t, err)
	require.False(t, allowed, "the lease blocks while live")

	time.Sleep(20 * time.Millisecond)

	allowed, _, err = e2.ShouldAllowOperation(ctx, "register:1", "count", time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed, "a lapsed lease does not block")
}

// failingStore always refuses feed subscriptions.
type failingStore struct {
	*remote.MemoryStore
}

func (s *failingStore) Subscribe(ctx context.Context) (remote.Subscription, error) {
	return nil, remote.Transient("subscribe", errors.New("no route to host"))
}

func TestEngine_StatusErrorAfterRetriesExhausted(t *testing.T) {
	store := &failingStore{MemoryStore: remote.NewMemoryStore()}
	e := newTestEngine(t, store, true)

	require.Eventually(t, func() bool { return e.Status() == StatusError }, 2*time.Second, 5*time.Millisecond)

	var sawError bool
	for _, ev := range e.Events() {
		if ev.Type == models.EventError {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestEngine_StatusConnectedAfterFirstSnapshot(t *testing.T) {
	store := remote.NewMemoryStore()
	e := newTestEngine(t, store, true)

	require.Eventually(t, func() bool { return e.Status() == StatusConnected }, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_EventLogKeepsBoundedTail(t *testing.T) {
	ctx := context.Background()
	store := remote.NewMemoryStore()
	e := newTestEngine(t, store, false)

	for i := 0; i < 25; i++ {
		require.NoError(t, e.SyncData(ctx, models.FieldMood, i))
		e.Flush(ctx)
	}

	events := e.Events()
	assert.Len(t, events, 10)
}
