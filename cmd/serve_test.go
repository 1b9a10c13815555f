package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rankgrid/internal/config"
	"github.com/sells-group/rankgrid/internal/engine"
	"github.com/sells-group/rankgrid/internal/match"
	"github.com/sells-group/rankgrid/internal/monitoring"
	"github.com/sells-group/rankgrid/internal/scan"
	"github.com/sells-group/rankgrid/internal/schedule"
	"github.com/sells-group/rankgrid/internal/store"
)

// testEnv wires a real environment over a throwaway SQLite database, with an
// empty engine registry.
func testEnv(t *testing.T) *scanEnv {
	t.Helper()

	cfg = &config.Config{}

	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	reg := engine.NewRegistry()
	matcher := match.New(st)
	orch := scan.NewOrchestrator(st, reg, matcher, nil)
	q := scan.NewQueue(reg, orch.HandleTask, reg.GroupRequestsToday)
	orch.SetQueue(q)

	env := &scanEnv{
		Store:        st,
		Registry:     reg,
		Matcher:      matcher,
		Orchestrator: orch,
		Queue:        q,
		Scheduler:    schedule.New(st, orch),
		Collector:    monitoring.NewCollector(st, reg, q),
	}
	t.Cleanup(env.Close)
	return env
}

func TestRouter_Health(t *testing.T) {
	r := newRouter(testEnv(t))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_Metrics(t *testing.T) {
	r := newRouter(testEnv(t))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRouter_CreateScan_InvalidBody(t *testing.T) {
	r := newRouter(testEnv(t))

	req := httptest.NewRequest(http.MethodPost, "/api/scans", bytes.NewReader([]byte("not json")))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid request body")
}

func TestRouter_CreateScan_UnknownEngine(t *testing.T) {
	r := newRouter(testEnv(t))

	body, _ := json.Marshal(scan.CreateScanRequest{
		ServiceAreaID: "area1",
		CategoryID:    "cat1",
		Keyword:       "plumber",
		EngineID:      "no_such_engine",
		GridSize:      3,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/scans", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_GetScan_NotFound(t *testing.T) {
	r := newRouter(testEnv(t))

	req := httptest.NewRequest(http.MethodGet, "/api/scans/does-not-exist", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouter_CancelScan_NotCancellable(t *testing.T) {
	r := newRouter(testEnv(t))

	req := httptest.NewRequest(http.MethodPost, "/api/scans/does-not-exist/cancel", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestRouter_Status(t *testing.T) {
	r := newRouter(testEnv(t))

	req := httptest.NewRequest(http.MethodGet, "/api/status?hours=12", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	var snap monitoring.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.InDelta(t, 12.0, snap.LookbackHours, 0.001)
	assert.Equal(t, 0, snap.QueueTotal)
}

func TestRouter_Status_BadHours(t *testing.T) {
	r := newRouter(testEnv(t))

	req := httptest.NewRequest(http.MethodGet, "/api/status?hours=nope", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

type stubEngine struct {
	id      string
	cleared bool
}

func (s *stubEngine) ID() string            { return s.id }
func (s *stubEngine) Config() engine.Config { return engine.Config{EngineID: s.id} }
func (s *stubEngine) Status() engine.Status { return engine.StatusHealthy }
func (s *stubEngine) CanMakeRequest() bool  { return true }
func (s *stubEngine) RequestsToday() int    { return 0 }
func (s *stubEngine) ClearBlock()           { s.cleared = true }
func (s *stubEngine) Search(_ context.Context, _ string, _ engine.Point, _, _ string) (*engine.SearchResult, error) {
	return &engine.SearchResult{}, nil
}

func TestRouter_ClearEngine(t *testing.T) {
	env := testEnv(t)
	eng := &stubEngine{id: "google_search"}
	env.Registry.Register(eng)
	r := newRouter(env)

	req := httptest.NewRequest(http.MethodPost, "/api/engines/google_search/clear", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, eng.cleared)
}

func TestRouter_ClearEngine_Unknown(t *testing.T) {
	r := newRouter(testEnv(t))

	req := httptest.NewRequest(http.MethodPost, "/api/engines/nope/clear", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouter_ReloadSchedules_Disabled(t *testing.T) {
	r := newRouter(testEnv(t))

	req := httptest.NewRequest(http.MethodPost, "/api/schedules/reload", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusConflict, rr.Code)
}
