package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewDeviceID generates a device id of the form device_<ms>_<suffix>. The
// timestamp component makes ids roughly sortable by first-seen time when
// debugging presence records.
func NewDeviceID() string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("device_%d_%s", time.Now().UnixMilli(), suffix)
}

// EnsureDeviceID loads the persisted device id from path, generating and
// saving a new one if the file is missing or unreadable. An empty path means
// the caller wants an ephemeral id.
func EnsureDeviceID(path string) (string, error) {
	if path == "" {
		return NewDeviceID(), nil
	}

	if raw, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	}

	id := NewDeviceID()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create identity directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}
	return id, nil
}
