package sync

import (
	stdsync "sync"
	"time"
)

// Guard is a time-boxed uniqueness lock. A second Acquire for the same key
// while the first is unexpired fails instead of queueing, giving
// at-most-one-effective-run semantics per (principal, source, operation).
type Guard struct {
	mu    stdsync.Mutex
	locks map[string]time.Time
	now   func() time.Time
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{
		locks: make(map[string]time.Time),
		now:   time.Now,
	}
}

// Acquire takes the lock for key until ttl elapses or Release is called.
// Returns false while another holder's lock is unexpired.
func (g *Guard) Acquire(key string, ttl time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if expiry, held := g.locks[key]; held && now.Before(expiry) {
		return false
	}
	g.locks[key] = now.Add(ttl)
	return true
}

// Release frees the lock for key.
func (g *Guard) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.locks, key)
}

// Held reports whether key is currently locked.
func (g *Guard) Held(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	expiry, held := g.locks[key]
	return held && g.now().Before(expiry)
}
