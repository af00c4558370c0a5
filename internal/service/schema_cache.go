package service

import (
	"maps"
	"sync"
	"sync/atomic"

	"querydesk/internal/domain"
)

// ─────────────────────────────────────────────────────────────
// SchemaCache: latest snapshot per connection
// ─────────────────────────────────────────────────────────────

type snapshotMap = map[string]*domain.SchemaSnapshot

// SchemaCache holds one immutable SchemaSnapshot per connection. Readers
// load the current map without locking; writers publish a new map.
type SchemaCache struct {
	current atomic.Pointer[snapshotMap]
	writeMu sync.Mutex
}

// NewSchemaCache returns an empty cache.
func NewSchemaCache() *SchemaCache {
	c := &SchemaCache{}
	empty := snapshotMap{}
	c.current.Store(&empty)
	return c
}

// Get returns the cached snapshot for connectionID.
func (c *SchemaCache) Get(connectionID string) (*domain.SchemaSnapshot, bool) {
	s, ok := (*c.current.Load())[connectionID]
	return s, ok
}

// Put replaces the snapshot for s.ConnectionID. s must not be modified
// afterwards.
func (c *SchemaCache) Put(s *domain.SchemaSnapshot) {
	c.swap(func(m snapshotMap) { m[s.ConnectionID] = s })
}

// Invalidate drops the snapshot for connectionID.
func (c *SchemaCache) Invalidate(connectionID string) {
	c.swap(func(m snapshotMap) { delete(m, connectionID) })
}

func (c *SchemaCache) swap(edit func(snapshotMap)) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	next := maps.Clone(*c.current.Load())
	edit(next)
	c.current.Store(&next)
}
