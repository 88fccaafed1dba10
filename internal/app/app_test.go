package app

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsync/internal/config"
	"callsync/internal/logger"
	"callsync/internal/pipeline"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.DBPath = filepath.Join(dir, "db", "callsync.db")
	cfg.CallLogPath = filepath.Join(dir, "calls.jsonl")
	cfg.RecordingsDirs = []string{filepath.Join(dir, "recordings")}

	a, err := New(cfg, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNewWiresHandler(t *testing.T) {
	a := newTestApp(t)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ops/jobs/"+pipeline.JobSync+"/run", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestEveryPipelineJobIsRegistered(t *testing.T) {
	a := newTestApp(t)
	names := map[string]bool{}
	for _, js := range a.Runner().Stats().Jobs {
		names[js.Name] = true
	}
	for _, job := range []string{pipeline.JobSync, pipeline.JobUpload, pipeline.JobRematch} {
		assert.True(t, names[job], job)
	}
}
