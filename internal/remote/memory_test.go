package remote

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_GetPut(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	t.Run("get of missing path returns nil", func(t *testing.T) {
		data, err := store.Get(ctx, "tasks")
		require.NoError(t, err)
		assert.Nil(t, data)
	})

	t.Run("put then get round trips", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "tasks", json.RawMessage(`[{"id":1}]`)))

		data, err := store.Get(ctx, "tasks")
		require.NoError(t, err)
		assert.JSONEq(t, `[{"id":1}]`, string(data))
	})

	t.Run("branch read assembles children", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "presence/dev_a", json.RawMessage(`{"id":"dev_a"}`)))
		require.NoError(t, store.Put(ctx, "presence/dev_b", json.RawMessage(`{"id":"dev_b"}`)))

		data, err := store.Get(ctx, "presence")
		require.NoError(t, err)

		var devices map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(data, &devices))
		assert.Len(t, devices, 2)
		assert.Contains(t, devices, "dev_a")
		assert.Contains(t, devices, "dev_b")
	})

	t.Run("put to branch path replaces children", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "presence", json.RawMessage(`{}`)))

		data, err := store.Get(ctx, "presence/dev_a")
		require.NoError(t, err)
		assert.Nil(t, data)
	})
}

func TestMemoryStore_Patch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	before := store.Version()
	err := store.Patch(ctx, map[string]json.RawMessage{
		"tasks": json.RawMessage(`[]`),
		"mood":  json.RawMessage(`{"team":"good"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, before+1, store.Version(), "one patch is one version bump")

	mood, err := store.Get(ctx, "mood")
	require.NoError(t, err)
	assert.JSONEq(t, `{"team":"good"}`, string(mood))
}

func TestMemoryStore_Subscribe(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, "tasks", json.RawMessage(`[1]`)))

	sub, err := store.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	t.Run("emits current tree on open", func(t *testing.T) {
		snap := recvSnapshot(t, sub)
		assert.JSONEq(t, `[1]`, string(snap.Fields["tasks"]))
	})

	t.Run("re-emits full tree on every mutation", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "mood", json.RawMessage(`"busy"`)))

		snap := recvSnapshot(t, sub)
		assert.JSONEq(t, `[1]`, string(snap.Fields["tasks"]))
		assert.JSONEq(t, `"busy"`, string(snap.Fields["mood"]))
		assert.Equal(t, store.Version(), snap.Version)
	})

	t.Run("close ends the snapshot channel", func(t *testing.T) {
		require.NoError(t, sub.Close())
		for range sub.Snapshots() {
		}
		assert.NoError(t, sub.Err())
	})
}

func recvSnapshot(t *testing.T, sub Subscription) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.Snapshots():
		require.True(t, ok, "subscription closed unexpectedly")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}
