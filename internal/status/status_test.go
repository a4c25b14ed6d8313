package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senextrader/lifecycle-engine/internal/orchestrator"
)

func sampleReport(success bool) orchestrator.RunReport {
	return orchestrator.RunReport{
		StartedAt:  time.Now().Add(-time.Minute),
		FinishedAt: time.Now(),
		Success:    success,
		Users: []orchestrator.UserRunReport{
			{User: "u1", TradingAccount: "a1", Success: success, Phases: map[string]orchestrator.PhaseResult{}},
		},
	}
}

func TestRecorder_RecordAndGet(t *testing.T) {
	r := NewRecorder(2)
	r.Record("run-1", sampleReport(true))

	got, ok := r.Get("run-1")
	require.True(t, ok)
	assert.True(t, got.Success)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRecorder_EvictsOldestBeyondCapacity(t *testing.T) {
	r := NewRecorder(2)
	r.Record("run-1", sampleReport(true))
	r.Record("run-2", sampleReport(true))
	r.Record("run-3", sampleReport(false))

	_, ok := r.Get("run-1")
	assert.False(t, ok, "oldest run should have been evicted")

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "run-3", list[0].ID, "List returns most recent first")
}

func TestServer_HealthzReportsLastRun(t *testing.T) {
	r := NewRecorder(5)
	r.Record("run-1", sampleReport(true))
	s := NewServer(0, r, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "last_run")
}

func TestServer_GetRunNotFound(t *testing.T) {
	r := NewRecorder(5)
	s := NewServer(0, r, nil)

	req := httptest.NewRequest(http.MethodGet, "/runs/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListRuns(t *testing.T) {
	r := NewRecorder(5)
	r.Record("run-1", sampleReport(true))
	r.Record("run-2", sampleReport(false))
	s := NewServer(0, r, nil)

	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var summaries []RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 2)
}

func TestServer_ShutdownWithoutStartIsNoOp(t *testing.T) {
	s := NewServer(0, NewRecorder(1), nil)
	err := s.Shutdown(context.Background())
	assert.NoError(t, err)
}
