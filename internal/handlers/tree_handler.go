package handlers

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/crewsync/server/internal/models"
	"github.com/crewsync/server/internal/services"
)

// 1MB is plenty for any field payload; presence records are tiny.
const maxBodySize = 1 << 20

// TreeHandler handles state tree endpoints
type TreeHandler struct {
	treeService *services.TreeService
	validate    *validator.Validate
}

// NewTreeHandler creates a new TreeHandler
func NewTreeHandler(treeService *services.TreeService) *TreeHandler {
	return &TreeHandler{
		treeService: treeService,
		validate:    validator.New(),
	}
}

// GetNode reads a path from the state tree
// @Summary Read a tree path
// @Description Returns the value at the given path. Branch paths return their children as one object.
// @Tags tree
// @Produce json
// @Param path path string true "Tree path"
// @Success 200 {object} json.RawMessage
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/tree/{path} [get]
func (h *TreeHandler) GetNode(w http.ResponseWriter, r *http.Request) {
	path := treePath(r)
	if path == "" {
		writeError(w, http.StatusBadRequest, "path required")
		return
	}

	value, err := h.treeService.Get(r.Context(), path)
	if err != nil {
		log.Printf("Error reading tree path %s: %v", path, err)
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}
	if value == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if ts, err := h.treeService.ModifiedAt(r.Context(), path); err == nil && !ts.IsZero() {
		w.Header().Set("X-Updated-At", strconv.FormatInt(ts.UnixMilli(), 10))
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(value)
}

// PutNode overwrites a path in the state tree
// @Summary Overwrite a tree path
// @Description Replaces the value at the given path, including any children.
// @Tags tree
// @Accept json
// @Produce json
// @Param path path string true "Tree path"
// @Success 200 {object} models.PutResponse
// @Failure 400 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/tree/{path} [put]
func (h *TreeHandler) PutNode(w http.ResponseWriter, r *http.Request) {
	path := treePath(r)
	if path == "" {
		writeError(w, http.StatusBadRequest, "path required")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "body must be valid JSON")
		return
	}

	version, err := h.treeService.Set(r.Context(), path, body)
	if err != nil {
		log.Printf("Error writing tree path %s: %v", path, err)
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}

	writeJSON(w, http.StatusOK, models.PutResponse{Version: version})
}

// PatchTree applies a batch of writes in one transaction
// @Summary Patch several tree paths
// @Description Applies all given writes atomically with a single version bump and one feed broadcast.
// @Tags tree
// @Accept json
// @Produce json
// @Param request body models.PatchRequest true "Paths and values"
// @Success 200 {object} models.PatchResponse
// @Failure 400 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/tree [patch]
func (h *TreeHandler) PatchTree(w http.ResponseWriter, r *http.Request) {
	var req models.PatchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	version, err := h.treeService.SetMany(r.Context(), req.Values)
	if err != nil {
		log.Printf("Error patching tree: %v", err)
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}

	writeJSON(w, http.StatusOK, models.PatchResponse{Version: version, Applied: len(req.Values)})
}

// treePath extracts the wildcard tree path, undoing the per-segment
// percent-escaping clients apply. Slashes between segments stay intact.
func treePath(r *http.Request) string {
	raw := chi.URLParam(r, "*")
	if unescaped, err := url.PathUnescape(raw); err == nil {
		return unescaped
	}
	return raw
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{Error: msg})
}
