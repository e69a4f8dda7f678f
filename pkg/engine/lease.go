package engine

import (
	"context"
	"sync"
)

// MemoryLocker is a per-hostname lease table for a single process.
// Cross-process exclusion is provided by stores.FileLocker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker creates an empty lease table.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

// Acquire takes the lease for hostname or fails immediately with ErrSessionLocked.
func (l *MemoryLocker) Acquire(ctx context.Context, hostname string) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[hostname]; busy {
		return nil, NewSessionLockedError(hostname, "")
	}
	l.held[hostname] = struct{}{}
	return &memoryLease{locker: l, hostname: hostname}, nil
}

// Held reports whether hostname is currently leased.
func (l *MemoryLocker) Held(hostname string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[hostname]
	return ok
}

type memoryLease struct {
	locker   *MemoryLocker
	hostname string
	once     sync.Once
}

func (m *memoryLease) Release() error {
	m.once.Do(func() {
		m.locker.mu.Lock()
		delete(m.locker.held, m.hostname)
		m.locker.mu.Unlock()
	})
	return nil
}
