package storage

import "sync"

// CollectionCache is the process-wide bidirectional mapping between collection
// names and ids, shared by every session. The namespace only ever grows and a
// binding never changes, so entries are append-only and never invalidated.
// The cache performs no I/O; resolution on a miss is the session's job.
type CollectionCache struct {
	mu     sync.RWMutex
	byName map[string]int32
	byID   map[int32]string
}

// NewCollectionCache constructs an empty cache.
func NewCollectionCache() *CollectionCache {
	return &CollectionCache{
		byName: make(map[string]int32),
		byID:   make(map[int32]string),
	}
}

// GetID returns the cached id for a collection name.
func (c *CollectionCache) GetID(name string) (int32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byName[name]
	return id, ok
}

// GetName returns the cached name for a collection id.
func (c *CollectionCache) GetName(id int32) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.byID[id]
	return name, ok
}

// Put records an id/name binding. Concurrent puts of the same binding are
// no-ops; the first writer wins and later writers observe the same entry.
func (c *CollectionCache) Put(id int32, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[id]; ok {
		return
	}
	c.byID[id] = name
	c.byName[name] = id
}
