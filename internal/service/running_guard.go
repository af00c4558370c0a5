package service

import (
	"context"
	"sync"
)

// ExportedWorkerGuard is an exported alias so _test packages can test the guard.
type ExportedWorkerGuard = workerGuard

// ─────────────────────────────────────────────────────────────
// workerGuard: tracks execution workers for shutdown
// ─────────────────────────────────────────────────────────────

// workerGuard records which execution ids have a live worker so shutdown
// can wait for them, and refuses a second worker for the same id.
type workerGuard struct {
	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

// TryLock marks id as running. It returns false if a worker already runs it.
func (g *workerGuard) TryLock(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running == nil {
		g.running = make(map[string]struct{})
	}
	if _, ok := g.running[id]; ok {
		return false
	}
	g.running[id] = struct{}{}
	g.wg.Add(1)
	return true
}

// Unlock marks the worker for id as finished. Must follow a successful TryLock.
func (g *workerGuard) Unlock(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.running, id)
	g.wg.Done()
}

// Running returns how many workers are live.
func (g *workerGuard) Running() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.running)
}

// WaitAll blocks until every worker has finished or ctx ends.
func (g *workerGuard) WaitAll(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
