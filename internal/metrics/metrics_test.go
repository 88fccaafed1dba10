package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.ObservePass("sync", "success", 2*time.Second)
	m.CallsPushed("new", 150)
	m.Recording("COMPLETED")
	m.ChunkUploaded()
	m.Rematched(3)
	m.QueueLength(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, `callsync_passes_total{job="sync",outcome="success"} 1`)
	assert.Contains(t, out, `callsync_calls_pushed_total{result="new"} 150`)
	assert.Contains(t, out, `callsync_recordings_total{status="COMPLETED"} 1`)
	assert.Contains(t, out, `callsync_recordings_rematched_total 3`)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObservePass("sync", "retry", time.Second)
	m.CallsPushed("new", 1)
	m.Recording("FAILED")
	m.ChunkUploaded()
	m.Rematched(1)
	m.QueueLength(1)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
