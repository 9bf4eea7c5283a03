package main

import (
	"fmt"
	"testing"
	"time"

	"subzz/internal/store"
)

func TestPriceCache_SetGet(t *testing.T) {
	cache := NewPriceCache(time.Minute)

	if c := cache.Get("alice"); c != nil {
		t.Error("Expected nil creator initially")
	}

	cache.Set(&store.Creator{ID: "alice", TierPrice: 1000, Currency: "ETB"})

	c := cache.Get("alice")
	if c == nil {
		t.Fatal("Expected creator to be cached")
	}
	if c.TierPrice != 1000 {
		t.Errorf("TierPrice = %v, want 1000", c.TierPrice)
	}

	// Callers get a copy.
	c.TierPrice = 1
	if again := cache.Get("alice"); again.TierPrice != 1000 {
		t.Errorf("cached TierPrice = %v after caller mutation, want 1000", again.TierPrice)
	}
}

func TestPriceCache_Expiry(t *testing.T) {
	now := time.Now()
	cache := NewPriceCache(time.Minute)
	cache.now = func() time.Time { return now }

	cache.Set(&store.Creator{ID: "alice", TierPrice: 1000})
	cache.Set(&store.Creator{ID: "bob", TierPrice: 500})

	now = now.Add(2 * time.Minute)
	if c := cache.Get("alice"); c != nil {
		t.Error("Expected expired creator to be a miss")
	}
	if n := cache.CleanupExpired(); n != 2 {
		t.Errorf("CleanupExpired() = %d, want 2", n)
	}
	if n := cache.Len(); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
}

func TestPriceCache_Eviction(t *testing.T) {
	now := time.Now()
	cache := NewPriceCache(time.Hour)
	cache.maxEntries = 3
	cache.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		now = now.Add(time.Second)
		cache.Set(&store.Creator{ID: fmt.Sprintf("c%d", i)})
	}

	if n := cache.Len(); n != 3 {
		t.Errorf("Len() = %d, want 3", n)
	}
	if c := cache.Get("c0"); c != nil {
		t.Error("Expected oldest creator to be evicted")
	}
	if c := cache.Get("c3"); c == nil {
		t.Error("Expected newest creator to be cached")
	}
}

func TestPriceCache_Invalidate(t *testing.T) {
	cache := NewPriceCache(time.Minute)
	cache.Set(&store.Creator{ID: "alice"})
	cache.Invalidate("alice")
	if c := cache.Get("alice"); c != nil {
		t.Error("Expected invalidated creator to be a miss")
	}
}
