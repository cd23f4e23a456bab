package services

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewsync/server/internal/models"
	"github.com/crewsync/server/internal/repository"
)

func newTestTreeService(t *testing.T) *TreeService {
	t.Helper()
	db, err := repository.NewSQLiteDB(filepath.Join(t.TempDir(), "tree.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewTreeService(repository.NewTreeRepository(db), NewFeedHub(), nil)
}

func TestTreeService_GetLeafAndBranch(t *testing.T) {
	ctx := context.Background()
	svc := newTestTreeService(t)

	_, err := svc.Set(ctx, "tasks", json.RawMessage(`[{"id":1}]`))
	require.NoError(t, err)
	_, err = svc.Set(ctx, "presence/dev_a", json.RawMessage(`{"id":"dev_a"}`))
	require.NoError(t, err)
	_, err = svc.Set(ctx, "presence/dev_b", json.RawMessage(`{"id":"dev_b"}`))
	require.NoError(t, err)

	t.Run("leaf", func(t *testing.T) {
		value, err := svc.Get(ctx, "tasks")
		require.NoError(t, err)
		assert.JSONEq(t, `[{"id":1}]`, string(value))
	})

	t.Run("branch assembles children", func(t *testing.T) {
		value, err := svc.Get(ctx, "presence")
		require.NoError(t, err)
		assert.JSONEq(t, `{"dev_a":{"id":"dev_a"},"dev_b":{"id":"dev_b"}}`, string(value))
	})

	t.Run("nested branch", func(t *testing.T) {
		_, err := svc.Set(ctx, "store/menu/pizza", json.RawMessage(`{"price":12}`))
		require.NoError(t, err)
		_, err = svc.Set(ctx, "store/menu/pasta", json.RawMessage(`{"price":9}`))
		require.NoError(t, err)

		value, err := svc.Get(ctx, "store")
		require.NoError(t, err)
		assert.JSONEq(t, `{"menu":{"pizza":{"price":12},"pasta":{"price":9}}}`, string(value))
	})

	t.Run("missing path", func(t *testing.T) {
		value, err := svc.Get(ctx, "nothing")
		require.NoError(t, err)
		assert.Nil(t, value)
	})
}

func TestTreeService_SnapshotCoversWholeTree(t *testing.T) {
	ctx := context.Background()
	svc := newTestTreeService(t)

	_, err := svc.Set(ctx, "mood", json.RawMessage(`"calm"`))
	require.NoError(t, err)
	version, err := svc.SetMany(ctx, map[string]json.RawMessage{
		"tasks":          json.RawMessage(`[]`),
		"presence/dev_a": json.RawMessage(`{"id":"dev_a"}`),
	})
	require.NoError(t, err)

	msg, err := svc.Snapshot(ctx)
	require.NoError(t, err)

	assert.Equal(t, models.FeedTypeTree, msg.Type)
	assert.Equal(t, version, msg.Version)
	require.Len(t, msg.Fields, 3)
	assert.JSONEq(t, `"calm"`, string(msg.Fields["mood"]))
	assert.JSONEq(t, `{"dev_a":{"id":"dev_a"}}`, string(msg.Fields["presence"]))
}
