package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"callsync/internal/jobs"
	"callsync/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEnqueuer struct {
	mu       sync.Mutex
	names    []string
	policies []jobs.Policy
}

func (r *recordingEnqueuer) Enqueue(ctx context.Context, name string, policy jobs.Policy, params jobs.Params) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	r.policies = append(r.policies, policy)
	return "id", nil
}

func (r *recordingEnqueuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.names)
}

func TestBurstOfFilesEnqueuesOneRematch(t *testing.T) {
	dir := t.TempDir()
	enq := &recordingEnqueuer{}
	w := New([]string{dir, filepath.Join(dir, "missing")}, "rematch", 100*time.Millisecond, enq, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	for _, name := range []string{"a.m4a", "b.mp3", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	require.Eventually(t, func() bool { return enq.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 1, enq.count())
	assert.Equal(t, "rematch", enq.names[0])
	assert.Equal(t, jobs.PolicyKeep, enq.policies[0])
}

func TestNonAudioIgnored(t *testing.T) {
	dir := t.TempDir()
	enq := &recordingEnqueuer{}
	w := New([]string{dir}, "rematch", 50*time.Millisecond, enq, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("x"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, enq.count())
}

func TestBackfill(t *testing.T) {
	dir := t.TempDir()
	enq := &recordingEnqueuer{}
	w := New([]string{filepath.Join(dir, "none"), dir}, "rematch", 0, enq, logger.NewNop())

	require.NoError(t, w.Backfill(context.Background()))
	assert.Zero(t, enq.count())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "call.wav"), []byte("x"), 0o644))
	require.NoError(t, w.Backfill(context.Background()))
	assert.Equal(t, 1, enq.count())
}
