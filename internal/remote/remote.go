// Package remote defines the contract the sync engine has with the shared
// remote store: a path-addressable JSON tree with subtree reads, overwrites,
// multi-key partial updates, and a push-based subscription that re-emits the
// full tree on every mutation.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Snapshot is one emission from the change feed: the full tree keyed by
// top-level path, plus the store's version counter at emission time.
type Snapshot struct {
	Version int64
	Fields  map[string]json.RawMessage
}

// Subscription is a live change feed handle. Snapshots() is closed when the
// stream ends; Err() then reports why.
type Subscription interface {
	Snapshots() <-chan Snapshot
	Err() error
	Close() error
}

// Store is the remote tree collaborator. Paths are slash-separated; a read
// of a branch path (for example "presence") assembles its children into one
// JSON object. Get returns (nil, nil) when the path holds nothing.
//
// Modified reports when the path (or anything under it) last changed, zero
// when unknown or absent. The conflict resolver compares it against the
// local write's enqueue time to pick the more recent writer.
type Store interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
	Put(ctx context.Context, path string, value json.RawMessage) error
	Patch(ctx context.Context, values map[string]json.RawMessage) error
	Modified(ctx context.Context, path string) (time.Time, error)
	Subscribe(ctx context.Context) (Subscription, error)
}

// ErrMalformedPayload marks an inbound document that could not be decoded.
// The listener skips the single bad update; it does not terminate.
var ErrMalformedPayload = errors.New("remote: malformed payload")

// TransientError wraps failures worth retrying with backoff: timeouts,
// connection resets, 5xx responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// PermanentError wraps rejections that retrying cannot fix (non-retryable
// 4xx). The affected write is dropped and surfaced as an error event.
type PermanentError struct {
	Op     string
	Status int
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(op string, status int, err error) error {
	return &PermanentError{Op: op, Status: status, Err: err}
}

// IsPermanent reports whether err is a non-retryable rejection.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
