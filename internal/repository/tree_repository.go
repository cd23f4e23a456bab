package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// TreeRepository implements TreeRepo for PostgreSQL/SQLite
type TreeRepository struct {
	db *sql.DB
}

// NewTreeRepository creates a new TreeRepository
func NewTreeRepository(db *sql.DB) *TreeRepository {
	return &TreeRepository{db: db}
}

func (r *TreeRepository) GetNode(ctx context.Context, path string) (json.RawMessage, error) {
	var value string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM tree_nodes WHERE path = $1`, path).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(value), nil
}

func (r *TreeRepository) GetSubtree(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT path, value FROM tree_nodes WHERE path = $1 OR path LIKE $2`,
		path, path+"/%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanNodes(rows)
}

func (r *TreeRepository) GetAll(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT path, value FROM tree_nodes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanNodes(rows)
}

func scanNodes(rows *sql.Rows) (map[string]json.RawMessage, error) {
	nodes := make(map[string]json.RawMessage)
	for rows.Next() {
		var path, value string
		if err := rows.Scan(&path, &value); err != nil {
			return nil, err
		}
		nodes[path] = json.RawMessage(value)
	}
	return nodes, rows.Err()
}

func (r *TreeRepository) SetNode(ctx context.Context, path string, value json.RawMessage) (int64, error) {
	return r.SetNodes(ctx, map[string]json.RawMessage{path: value})
}

func (r *TreeRepository) SetNodes(ctx context.Context, values map[string]json.RawMessage) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for path, value := range values {
		// A write to a path owns everything under it.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM tree_nodes WHERE path LIKE $1`, path+"/%"); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tree_nodes (path, value, updated_at) VALUES ($1, $2, $3)
			 ON CONFLICT (path) DO UPDATE SET value = $2, updated_at = $3`,
			path, string(value), now); err != nil {
			return 0, err
		}
	}

	var version int64
	err = tx.QueryRowContext(ctx,
		`UPDATE tree_meta SET version = version + 1 WHERE id = 1 RETURNING version`).
		Scan(&version)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

func (r *TreeRepository) ModifiedAt(ctx context.Context, path string) (time.Time, error) {
	var ts time.Time
	err := r.db.QueryRowContext(ctx,
		`SELECT updated_at FROM tree_nodes WHERE path = $1 OR path LIKE $2
		 ORDER BY updated_at DESC LIMIT 1`, path, path+"/%").Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	return ts, err
}

func (r *TreeRepository) Version(ctx context.Context) (int64, error) {
	var version int64
	err := r.db.QueryRowContext(ctx,
		`SELECT version FROM tree_meta WHERE id = 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return version, err
}
