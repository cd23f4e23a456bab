package handlers

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewsync/server/internal/repository"
	"github.com/crewsync/server/internal/services"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	db, err := repository.NewSQLiteDB(filepath.Join(t.TempDir(), "tree.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	treeService := services.NewTreeService(repository.NewTreeRepository(db), services.NewFeedHub(), nil)
	treeHandler := NewTreeHandler(treeService)

	r := chi.NewRouter()
	r.Get("/api/tree/*", treeHandler.GetNode)
	r.Put("/api/tree/*", treeHandler.PutNode)
	r.Patch("/api/tree", treeHandler.PatchTree)
	return r
}

func doRequest(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestTreeHandler_PutAndGet(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPut, "/api/tree/tasks", `[{"id":1}]`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"version":1}`, rec.Body.String())

	rec = doRequest(t, router, http.MethodGet, "/api/tree/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id":1}]`, rec.Body.String())
}

func TestTreeHandler_GetMissingReturns404(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/api/tree/nothing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTreeHandler_GetBranchAssemblesChildren(t *testing.T) {
	router := newTestRouter(t)

	require.Equal(t, http.StatusOK,
		doRequest(t, router, http.MethodPut, "/api/tree/presence/dev_a", `{"id":"dev_a"}`).Code)
	require.Equal(t, http.StatusOK,
		doRequest(t, router, http.MethodPut, "/api/tree/presence/dev_b", `{"id":"dev_b"}`).Code)

	rec := doRequest(t, router, http.MethodGet, "/api/tree/presence", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"dev_a":{"id":"dev_a"},"dev_b":{"id":"dev_b"}}`, rec.Body.String())
}

func TestTreeHandler_PutRejectsInvalidJSON(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPut, "/api/tree/tasks", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTreeHandler_Patch(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPatch, "/api/tree", `{"values":{"mood"`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPatch, "/api/tree",
		`{"values":{"mood":{"team":"calm"},"tasks":[1,2]}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"version":1,"applied":2}`, rec.Body.String())

	rec = doRequest(t, router, http.MethodGet, "/api/tree/mood", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"team":"calm"}`, rec.Body.String())
}

func TestTreeHandler_PatchRejectsEmptyValues(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPatch, "/api/tree", `{"values":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPatch, "/api/tree", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
