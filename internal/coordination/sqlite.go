package coordination

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/crewsync/server/internal/models"
)

const lockSchema = `
CREATE TABLE IF NOT EXISTS pending_locks (
    key TEXT PRIMARY KEY,
    owner_device_id TEXT NOT NULL,
    op_type TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
);
`

// SQLiteTable is a durable Store shared by processes on the same host. Rows
// survive restarts, so the expiry sweep also reclaims locks from crashed
// owners.
type SQLiteTable struct {
	db *sql.DB
}

// OpenSQLiteTable opens (creating if needed) the lock database at path.
func OpenSQLiteTable(path string) (*SQLiteTable, error) {
	// _txlock=immediate makes every transaction take the write lock up
	// front, so Acquire's check-then-claim serializes at BEGIN.
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open lock database: %w", err)
	}
	if _, err := db.Exec(lockSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create lock schema: %w", err)
	}
	return &SQLiteTable{db: db}, nil
}

func (t *SQLiteTable) Close() error {
	return t.db.Close()
}

func (t *SQLiteTable) List(ctx context.Context) ([]models.PendingLock, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT key, owner_device_id, op_type, created_at, expires_at FROM pending_locks`)
	if err != nil {
		return nil, fmt.Errorf("failed to list locks: %w", err)
	}
	defer rows.Close()

	var locks []models.PendingLock
	for rows.Next() {
		var l models.PendingLock
		var createdMs, expiresMs int64
		if err := rows.Scan(&l.Key, &l.OwnerDeviceID, &l.OpType, &createdMs, &expiresMs); err != nil {
			return nil, fmt.Errorf("failed to scan lock row: %w", err)
		}
		l.CreatedAt = time.UnixMilli(createdMs)
		l.ExpiresAt = time.UnixMilli(expiresMs)
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

// Acquire claims the key inside an immediate transaction so that concurrent
// claimants serialize at the database.
func (t *SQLiteTable) Acquire(ctx context.Context, lock models.PendingLock) (bool, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin lock transaction: %w", err)
	}
	defer tx.Rollback()

	var expiresMs int64
	err = tx.QueryRowContext(ctx,
		`SELECT expires_at FROM pending_locks WHERE key = ?`, lock.Key).
		Scan(&expiresMs)
	switch {
	case err == sql.ErrNoRows:
		// free
	case err != nil:
		return false, fmt.Errorf("failed to read lock row: %w", err)
	default:
		// Any live row blocks, own rows included: tabs of one device share
		// an owner id and must still exclude each other.
		if time.Now().Before(time.UnixMilli(expiresMs)) {
			return false, nil
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO pending_locks (key, owner_device_id, op_type, created_at, expires_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(key) DO UPDATE SET
             owner_device_id = excluded.owner_device_id,
             op_type = excluded.op_type,
             created_at = excluded.created_at,
             expires_at = excluded.expires_at`,
		lock.Key, lock.OwnerDeviceID, lock.OpType,
		lock.CreatedAt.UnixMilli(), lock.ExpiresAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to write lock row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit lock: %w", err)
	}
	return true, nil
}

func (t *SQLiteTable) Release(ctx context.Context, key, ownerDeviceID string) error {
	_, err := t.db.ExecContext(ctx,
		`DELETE FROM pending_locks WHERE key = ? AND owner_device_id = ?`, key, ownerDeviceID)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func (t *SQLiteTable) DeleteExpired(ctx context.Context, now time.Time) ([]models.PendingLock, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin sweep transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT key, owner_device_id, op_type, created_at, expires_at
         FROM pending_locks WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query expired locks: %w", err)
	}

	var removed []models.PendingLock
	for rows.Next() {
		var l models.PendingLock
		var createdMs, expiresMs int64
		if err := rows.Scan(&l.Key, &l.OwnerDeviceID, &l.OpType, &createdMs, &expiresMs); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan expired lock: %w", err)
		}
		l.CreatedAt = time.UnixMilli(createdMs)
		l.ExpiresAt = time.UnixMilli(expiresMs)
		removed = append(removed, l)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(removed) > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pending_locks WHERE expires_at <= ?`, now.UnixMilli()); err != nil {
			return nil, fmt.Errorf("failed to delete expired locks: %w", err)
		}
	}
	return removed, tx.Commit()
}
