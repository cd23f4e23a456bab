package repository

import (
	"context"
	"encoding/json"
	"time"
)

// TreeRepo defines the interface for tree node persistence operations.
// Paths are slash separated; a write to a path replaces everything under it.
type TreeRepo interface {
	// GetNode returns the value stored exactly at path, nil when absent.
	GetNode(ctx context.Context, path string) (json.RawMessage, error)
	// GetSubtree returns all nodes at or under path, keyed by full path.
	GetSubtree(ctx context.Context, path string) (map[string]json.RawMessage, error)
	// GetAll returns every node in the tree.
	GetAll(ctx context.Context) (map[string]json.RawMessage, error)
	// SetNode writes value at path, removing any descendant nodes, and
	// returns the new tree version.
	SetNode(ctx context.Context, path string, value json.RawMessage) (int64, error)
	// SetNodes applies several writes in one transaction with a single
	// version bump.
	SetNodes(ctx context.Context, values map[string]json.RawMessage) (int64, error)
	// ModifiedAt returns the most recent updated_at among the nodes at or
	// under path, zero when the path holds nothing.
	ModifiedAt(ctx context.Context, path string) (time.Time, error)
	// Version returns the current tree version.
	Version(ctx context.Context) (int64, error)
}
