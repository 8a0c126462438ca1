package event

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Cache retains recently dispatched events so the executor can rebuild a
// run's context. Events are platform facts owned elsewhere; the engine
// only needs them for the short window between dispatch and execution.
type Cache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	ev      *Event
	expires time.Time
}

// NewCache creates a cache with the given retention window.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, entries: map[string]cacheEntry{}}
}

// Put stores the event and drops any expired entries.
func (c *Cache) Put(ev *Event) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, id)
		}
	}
	c.entries[ev.ID] = cacheEntry{ev: ev, expires: now.Add(c.ttl)}
}

// GetEvent returns the event, or an error when it is unknown or has
// aged out.
func (c *Cache) GetEvent(_ context.Context, id string) (*Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || time.Now().After(e.expires) {
		return nil, fmt.Errorf("event %s not found", id)
	}
	return e.ev, nil
}
