// Package netlimit implements the connection-slot manager and shared
// network response cache: a per-host outbound concurrency limiter
// plugins wrap requests in, and a response cache keyed by
// digest(method|url|body) that plugins can read through with a ternary
// force/skip/auto bypass.
package netlimit

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/riftsec/auditcore/internal/logger"
)

// SlotManager enforces at most N concurrent outbound connections per host,
// across every audit sharing the manager. Acquisition is FIFO per host —
// golang.org/x/sync/semaphore.Weighted queues waiters in arrival order.
type SlotManager struct {
	mu       sync.Mutex
	perHost  int64
	hosts    map[string]*semaphore.Weighted
}

// NewSlotManager builds a manager allowing perHost concurrent connections
// to any single host. perHost <= 0 is treated as unlimited (no-op slots).
func NewSlotManager(perHost int) *SlotManager {
	return &SlotManager{
		perHost: int64(perHost),
		hosts:   make(map[string]*semaphore.Weighted),
	}
}

func (m *SlotManager) semFor(host string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	sem, ok := m.hosts[host]
	if !ok {
		sem = semaphore.NewWeighted(m.perHost)
		m.hosts[host] = sem
	}
	return sem
}

// Release is returned by Acquire; callers must defer it on every exit path
// (normal return, error, cancellation) to avoid starving other waiters.
type Release func()

// Acquire blocks until a connection slot for host is available, or ctx is
// done. When perHost <= 0 the manager was built unlimited and Acquire
// returns immediately with a no-op Release.
func (m *SlotManager) Acquire(ctx context.Context, host string) (Release, error) {
	if m.perHost <= 0 {
		return func() {}, nil
	}
	sem := m.semFor(host)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		sem.Release(1)
		logger.NetLimit().Debug().Str("host", host).Msg("netlimit: slot released")
	}, nil
}
