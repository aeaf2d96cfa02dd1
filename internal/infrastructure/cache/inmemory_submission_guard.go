package cache

import (
	"context"
	"sync"
	"time"
)

// InMemorySubmissionGuard implements SubmissionGuard within one process.
// It does not protect against other worker processes.
type InMemorySubmissionGuard struct {
	mu        sync.Mutex
	entries   map[string]time.Time
	now       func() time.Time
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewInMemorySubmissionGuard creates a guard and starts its cleanup loop
func NewInMemorySubmissionGuard() *InMemorySubmissionGuard {
	g := &InMemorySubmissionGuard{
		entries:  make(map[string]time.Time),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	g.wg.Add(1)
	go g.cleanupLoop()
	return g
}

// Acquire takes key unless an unexpired marker exists
func (g *InMemorySubmissionGuard) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultGuardTTL
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if expiresAt, ok := g.entries[key]; ok && now.Before(expiresAt) {
		return false, nil
	}
	g.entries[key] = now.Add(ttl)
	return true, nil
}

// Release drops key
func (g *InMemorySubmissionGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, key)
	return nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (g *InMemorySubmissionGuard) Close() error {
	g.closeOnce.Do(func() {
		close(g.stopChan)
		g.wg.Wait()
	})
	return nil
}

// Size returns the number of markers held
func (g *InMemorySubmissionGuard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

func (g *InMemorySubmissionGuard) cleanupLoop() {
	defer g.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopChan:
			return
		case <-ticker.C:
			g.cleanup()
		}
	}
}

func (g *InMemorySubmissionGuard) cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for key, expiresAt := range g.entries {
		if !now.Before(expiresAt) {
			delete(g.entries, key)
		}
	}
}

var _ SubmissionGuard = (*InMemorySubmissionGuard)(nil)
