package server

import (
	"sync"
	"time"
)

// Gate is the process-wide read/write lock. Every IPP operation holds it
// in read mode; exclusive maintenance such as database migrations or a
// forced printer refresh holds it in write mode.
type Gate struct {
	mu sync.RWMutex
}

const gatePoll = 5 * time.Millisecond

// TryRLock takes the read lock, giving up after wait.
func (g *Gate) TryRLock(wait time.Duration) bool {
	if g.mu.TryRLock() {
		return true
	}
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		time.Sleep(gatePoll)
		if g.mu.TryRLock() {
			return true
		}
	}
	return false
}

func (g *Gate) RUnlock() { g.mu.RUnlock() }

func (g *Gate) Lock() { g.mu.Lock() }

func (g *Gate) Unlock() { g.mu.Unlock() }

// Exclusive runs fn while holding the write lock.
func (g *Gate) Exclusive(fn func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn()
}
