package models

import (
	"encoding/json"
	"time"
)

// Well-known business field names. The engine treats field payloads as
// opaque; these exist so the agent and server agree on spelling.
const (
	FieldTasks     = "tasks"
	FieldMood      = "mood"
	FieldStore     = "store"
	FieldInventory = "inventory"
	FieldEmployees = "employees"
)

// PresencePrefix is the tree branch holding device records.
const PresencePrefix = "presence"

// PatchRequest is the body of a multi-key partial update.
type PatchRequest struct {
	Values map[string]json.RawMessage `json:"values" validate:"required,min=1,dive,required"`
}

// PatchResponse reports the tree version after a patch was applied.
type PatchResponse struct {
	Version int64 `json:"version"`
	Applied int   `json:"applied"`
}

// PutResponse reports the tree version after a single-path overwrite.
type PutResponse struct {
	Version int64 `json:"version"`
}

// FeedMessage is one websocket frame from the change feed. Every mutation
// re-emits the full tree with a monotonically increasing version.
type FeedMessage struct {
	Type    string                     `json:"type"`
	Version int64                      `json:"version"`
	Fields  map[string]json.RawMessage `json:"fields"`
}

// FeedTypeTree is the only frame type currently emitted.
const FeedTypeTree = "tree"

// HealthResponse is returned by health check
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}
