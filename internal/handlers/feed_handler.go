package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/crewsync/server/internal/observability"
	"github.com/crewsync/server/internal/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for now - can be restricted in production
		return true
	},
}

// FeedHandler handles change feed WebSocket connections
type FeedHandler struct {
	hub         *services.FeedHub
	treeService *services.TreeService
	metrics     *observability.SyncMetrics
}

// NewFeedHandler creates a new FeedHandler. metrics may be nil.
func NewFeedHandler(hub *services.FeedHub, treeService *services.TreeService, metrics *observability.SyncMetrics) *FeedHandler {
	return &FeedHandler{
		hub:         hub,
		treeService: treeService,
		metrics:     metrics,
	}
}

// HandleConnection upgrades HTTP to WebSocket and streams tree snapshots.
// The current tree goes out immediately so new subscribers reconcile without
// waiting for the next mutation.
func (h *FeedHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.treeService.Snapshot(r.Context())
	if err != nil {
		log.Printf("Error building initial feed snapshot: %v", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := h.hub.NewClient(uuid.New().String(), conn)
	h.hub.Register(client)

	if data, err := json.Marshal(snapshot); err == nil {
		client.Send <- data
	}

	if h.metrics != nil {
		h.metrics.RecordFeedClient(r.Context(), 1)
		defer h.metrics.RecordFeedClient(context.Background(), -1)
	}

	// Start the write pump in a goroutine
	go client.WritePump()

	// Run the read pump (blocks until connection closes)
	client.ReadPump()
}
