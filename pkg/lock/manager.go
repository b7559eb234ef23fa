package lock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/concoursedb/concourse/pkg/errs"
	"github.com/concoursedb/concourse/pkg/metrics"
)

// tryAcquireUntil polls e's latch with TryLock/TryRLock until it
// succeeds or ctx is done. Polling (rather than a blocking Lock() in a
// goroutine) avoids leaving a goroutine permanently stuck trying to
// acquire a latch nobody will ever release on the caller's behalf once
// this function gives up.
func tryAcquireUntil(ctx context.Context, e *entry, write bool) bool {
	const pollInterval = 200 * time.Microsecond
	for {
		if write {
			if e.mu.TryLock() {
				return true
			}
		} else {
			if e.mu.TryRLock() {
				return true
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
		}
	}
}

// entry is one reference-counted reader/writer latch. Manager creates
// entries lazily and removes them once their ref count returns to zero,
// mirroring the teacher's sync.Pool acquire/release discipline
// (pkg/wal/pool.go AcquireEntry/ReleaseEntry) but for long-lived latches
// instead of pooled buffers.
type entry struct {
	mu   sync.RWMutex
	refs int
}

// Manager is the per-Engine lock dictionary described in §5.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewManager() *Manager {
	return &Manager{entries: make(map[string]*entry)}
}

// acquire returns the entry for id, creating it and bumping its ref
// count under the manager's own mutex so creation and the ref-count
// transition from zero are atomic (design note "Lock identity").
func (m *Manager) acquire(id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		e = &entry{}
		m.entries[id] = e
	}
	e.refs++
	metrics.LockTableSize.Set(float64(len(m.entries)))
	return e
}

// release drops the ref count for id and deletes the entry once no one
// else holds or is waiting on it.
func (m *Manager) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(m.entries, id)
	}
	metrics.LockTableSize.Set(float64(len(m.entries)))
}

// Unlocker releases every lock an AcquireAll call acquired, in reverse
// acquisition order.
type Unlocker func()

type grant struct {
	id    string
	e     *entry
	write bool
}

// AcquireAll locks every scope in scopes, sorted into the canonical order
// from §5 to avoid deadlock, and returns a function that releases them
// all. writeMask[i] selects write-lock vs. read-lock for scopes[i].
//
// ctx's deadline provides the "timeout-based breakaway" §5 allows: on
// expiry, whatever was already acquired is released and a RetryError is
// returned so the AtomicOperation layer can retry the whole operation.
func (m *Manager) AcquireAll(ctx context.Context, scopes []Scope, writeMask []bool) (Unlocker, error) {
	type pair struct {
		scope Scope
		write bool
	}
	pairs := make([]pair, len(scopes))
	for i, s := range scopes {
		pairs[i] = pair{s, writeMask[i]}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].scope.Less(pairs[j].scope) })

	granted := make([]grant, 0, len(pairs))
	release := func() {
		for i := len(granted) - 1; i >= 0; i-- {
			g := granted[i]
			if g.write {
				g.e.mu.Unlock()
			} else {
				g.e.mu.RUnlock()
			}
			m.release(g.id)
		}
	}

	timer := metrics.NewTimer(metrics.LockWaitDuration)
	defer timer.ObserveDuration()

	for _, p := range pairs {
		id := p.scope.id()
		e := m.acquire(id)

		if !tryAcquireUntil(ctx, e, p.write) {
			m.release(id)
			release()
			return nil, &errs.RetryError{Reason: "lock acquisition timed out"}
		}
		granted = append(granted, grant{id: id, e: e, write: p.write})
	}

	return Unlocker(release), nil
}

// Count reports the number of distinct scopes currently tracked, for
// tests and diagnostics.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
