// Package lease provides named, time-bounded exclusive execution holds.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrHeld is returned when another holder owns the named lease.
var ErrHeld = errors.New("lease already held")

// Release ends a hold. Safe to call more than once.
type Release func()

// Leaser grants exclusive holds. The returned context is cancelled when the
// ttl elapses or the hold is released.
type Leaser interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (context.Context, Release, error)
}

// Backend records holds where every process sharing it can see them.
// Expired rows must be claimable by anyone.
type Backend interface {
	TryAcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

// Manager grants holds inside this process and, with a Backend, across
// processes sharing the backend.
type Manager struct {
	mu      sync.Mutex
	held    map[string]time.Time
	backend Backend
	holder  string
}

func NewManager() *Manager {
	return &Manager{held: map[string]time.Time{}}
}

// NewSharedManager returns a Manager whose holds also live in b, so a CLI
// pass and a running server on the same database exclude each other.
func NewSharedManager(b Backend) *Manager {
	m := NewManager()
	m.backend = b
	m.holder = uuid.NewString()
	return m
}

func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (context.Context, Release, error) {
	m.mu.Lock()
	if _, ok := m.held[name]; ok {
		m.mu.Unlock()
		return ctx, func() {}, ErrHeld
	}
	m.held[name] = time.Now().Add(ttl)
	m.mu.Unlock()

	if m.backend != nil {
		ok, err := m.backend.TryAcquireLease(ctx, name, m.holder, ttl)
		if err != nil || !ok {
			m.forget(name)
			if err != nil {
				return ctx, func() {}, fmt.Errorf("claim %s: %w", name, err)
			}
			return ctx, func() {}, ErrHeld
		}
	}

	leaseCtx, cancel := context.WithTimeout(ctx, ttl)
	var once sync.Once
	release := func() {
		once.Do(func() {
			cancel()
			if m.backend != nil {
				// the pass context may already be cancelled
				_ = m.backend.ReleaseLease(context.WithoutCancel(ctx), name, m.holder)
			}
			m.forget(name)
		})
	}
	return leaseCtx, release, nil
}

func (m *Manager) forget(name string) {
	m.mu.Lock()
	delete(m.held, name)
	m.mu.Unlock()
}

// Held lists the names currently leased by this process.
func (m *Manager) Held() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.held))
	for name := range m.held {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Nop grants every request without exclusivity or deadline.
type Nop struct{}

func (Nop) Acquire(ctx context.Context, _ string, _ time.Duration) (context.Context, Release, error) {
	return ctx, func() {}, nil
}
