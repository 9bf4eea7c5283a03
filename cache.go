package main

import (
	"sync"
	"time"

	"subzz/internal/store"
)

// cachedCreator stores a creator's tier pricing as loaded from the store
type cachedCreator struct {
	creator   store.Creator
	cachedAt  time.Time
	expiresAt time.Time
}

// PriceCache caches creator tier prices for the payment initiation path
type PriceCache struct {
	mu         sync.RWMutex
	creators   map[string]*cachedCreator
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

// NewPriceCache creates a cache holding up to 1000 creators for ttl
func NewPriceCache(ttl time.Duration) *PriceCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &PriceCache{
		creators:   make(map[string]*cachedCreator),
		maxEntries: 1000,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Set stores a copy of the creator
func (c *PriceCache) Set(creator *store.Creator) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.creators[creator.ID]; !exists && len(c.creators) >= c.maxEntries {
		var oldestKey string
		var oldestTime time.Time
		for k, v := range c.creators {
			if oldestKey == "" || v.cachedAt.Before(oldestTime) {
				oldestKey, oldestTime = k, v.cachedAt
			}
		}
		delete(c.creators, oldestKey)
	}

	now := c.now()
	c.creators[creator.ID] = &cachedCreator{
		creator:   *creator,
		cachedAt:  now,
		expiresAt: now.Add(c.ttl),
	}
}

// Get returns a copy of the cached creator, or nil if absent or expired
func (c *PriceCache) Get(id string) *store.Creator {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, ok := c.creators[id]
	if !ok || c.now().After(cached.expiresAt) {
		return nil
	}
	creator := cached.creator
	return &creator
}

// Invalidate drops a creator from the cache
func (c *PriceCache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.creators, id)
}

// CleanupExpired removes expired creators from the cache
func (c *PriceCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	cleaned := 0
	for k, v := range c.creators {
		if now.After(v.expiresAt) {
			delete(c.creators, k)
			cleaned++
		}
	}
	return cleaned
}

// Len returns the current number of cached creators
func (c *PriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.creators)
}
