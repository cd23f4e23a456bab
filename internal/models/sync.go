package models

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders pending writes. Higher priorities flush sooner and are
// sent individually instead of being batched.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// SyncEventType classifies entries in the diagnostic event log.
type SyncEventType string

const (
	EventDataUpdate         SyncEventType = "data_update"
	EventDeviceJoin         SyncEventType = "device_join"
	EventDeviceLeave        SyncEventType = "device_leave"
	EventConflictResolution SyncEventType = "conflict_resolution"
	EventError              SyncEventType = "error"
	EventFullSync           SyncEventType = "full_sync"
)

// SyncEvent is an append-only diagnostic record. The engine keeps only a
// bounded tail of these; they are for surfacing sync health, not auditing.
type SyncEvent struct {
	ID        string        `json:"id"`
	Type      SyncEventType `json:"type"`
	Field     string        `json:"field,omitempty"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewSyncEvent creates a timestamped event.
func NewSyncEvent(t SyncEventType, field, message string) SyncEvent {
	return SyncEvent{
		ID:        uuid.New().String(),
		Type:      t,
		Field:     field,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// PendingLock is one lease row in the coordination store. Invariant: at most
// one unexpired lock per key.
type PendingLock struct {
	Key           string    `json:"key"`
	OwnerDeviceID string    `json:"ownerDeviceId"`
	OpType        string    `json:"opType"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Expired reports whether the lease has lapsed.
func (l PendingLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
