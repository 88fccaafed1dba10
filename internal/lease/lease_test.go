package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerIsExclusivePerName(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	_, release, err := m.Acquire(ctx, "sync", time.Minute)
	require.NoError(t, err)
	_, _, err = m.Acquire(ctx, "sync", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	_, releaseUpload, err := m.Acquire(ctx, "upload", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"sync", "upload"}, m.Held())

	release()
	release()
	releaseUpload()
	assert.Empty(t, m.Held())

	_, release, err = m.Acquire(ctx, "sync", time.Minute)
	require.NoError(t, err)
	release()
}

func TestLeaseContextEndsAtTTL(t *testing.T) {
	m := NewManager()
	leaseCtx, release, err := m.Acquire(context.Background(), "sync", 20*time.Millisecond)
	require.NoError(t, err)
	defer release()

	select {
	case <-leaseCtx.Done():
		assert.ErrorIs(t, leaseCtx.Err(), context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("lease context never expired")
	}
}

func TestNop(t *testing.T) {
	ctx := context.Background()
	got, release, err := Nop{}.Acquire(ctx, "x", time.Nanosecond)
	require.NoError(t, err)
	release()
	assert.NoError(t, got.Err())
}

type memBackend struct {
	mu      sync.Mutex
	holders map[string]string
	fail    error
}

func (b *memBackend) TryAcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return false, b.fail
	}
	if cur, ok := b.holders[name]; ok && cur != holder {
		return false, nil
	}
	b.holders[name] = holder
	return true, nil
}

func (b *memBackend) ReleaseLease(ctx context.Context, name, holder string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.holders[name] == holder {
		delete(b.holders, name)
	}
	return nil
}

func TestSharedManagersExcludeEachOther(t *testing.T) {
	backend := &memBackend{holders: map[string]string{}}
	server, cli := NewSharedManager(backend), NewSharedManager(backend)
	ctx := context.Background()

	_, release, err := server.Acquire(ctx, "recording-upload", time.Minute)
	require.NoError(t, err)

	_, _, err = cli.Acquire(ctx, "recording-upload", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)
	assert.Empty(t, cli.Held())

	release()

	_, releaseCLI, err := cli.Acquire(ctx, "recording-upload", time.Minute)
	require.NoError(t, err)
	releaseCLI()
	assert.Empty(t, backend.holders)
}

func TestSharedManagerBackendError(t *testing.T) {
	backend := &memBackend{holders: map[string]string{}, fail: errors.New("database is locked")}
	m := NewSharedManager(backend)

	_, _, err := m.Acquire(context.Background(), "metadata-sync", time.Minute)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrHeld)
	assert.Empty(t, m.Held())
}

func TestReleaseAfterPassContextCancelled(t *testing.T) {
	backend := &memBackend{holders: map[string]string{}}
	m := NewSharedManager(backend)
	ctx, cancel := context.WithCancel(context.Background())

	_, release, err := m.Acquire(ctx, "metadata-sync", time.Minute)
	require.NoError(t, err)
	cancel()
	release()
	assert.Empty(t, backend.holders)
}
