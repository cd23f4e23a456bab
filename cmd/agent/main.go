package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/crewsync/server/internal/coordination"
	"github.com/crewsync/server/internal/engine"
	"github.com/crewsync/server/internal/models"
	"github.com/crewsync/server/internal/observability"
	"github.com/crewsync/server/internal/remote"
)

// The agent is a headless sync client: it connects a device to a CrewSync
// server, mirrors the shared state tree, and prints what changes. It doubles
// as a wiring reference for embedding the engine in a real app.
func main() {
	godotenv.Load()

	baseURL := envOr("CREWSYNC_URL", "http://localhost:5000")
	apiKey := os.Getenv("CREWSYNC_API_KEY")
	stateDir := envOr("CREWSYNC_STATE_DIR", ".crewsync")

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		log.Fatalf("Failed to create state directory: %v", err)
	}

	locks, err := coordination.OpenSQLiteTable(filepath.Join(stateDir, "locks.db"))
	if err != nil {
		log.Fatalf("Failed to open lock table: %v", err)
	}
	defer locks.Close()

	cfg := engine.DefaultConfig()
	cfg.DeviceName = envOr("CREWSYNC_DEVICE_NAME", hostnameOr("agent"))
	cfg.User = envOr("CREWSYNC_USER", "agent")
	cfg.Platform = "agent"
	cfg.IdentityPath = filepath.Join(stateDir, "device_id")

	store := remote.NewHTTPStore(nil, baseURL, apiKey, "")

	eng, err := engine.New(store, locks, cfg)
	if err != nil {
		log.Fatalf("Failed to build sync engine: %v", err)
	}

	logger := observability.GetLogger().WithField("device_id", eng.DeviceID())

	fields := []string{
		models.FieldTasks,
		models.FieldMood,
		models.FieldStore,
		models.FieldInventory,
		models.FieldEmployees,
	}
	for _, field := range fields {
		field := field
		eng.OnFieldChange(field, func(raw json.RawMessage) {
			logger.Infof("%s changed: %s", field, compact(raw))
		})
	}

	stopEvents := eng.OnSyncEvent(func(ev models.SyncEvent) {
		logger.Infof("event %s %s %s", ev.Type, ev.Field, ev.Message)
	})
	defer stopEvents()

	ctx := context.Background()
	if err := eng.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	logger.Infof("connected to %s as %s", baseURL, cfg.DeviceName)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	eng.Close()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func hostnameOr(fallback string) string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return fallback
}

func compact(raw json.RawMessage) string {
	if len(raw) > 200 {
		return string(raw[:200]) + "..."
	}
	return string(raw)
}
