// Package tracking keeps the in-memory event log for payment attempts.
//
// Entries are keyed by an opaque client-generated tracking id. Each entry
// carries its own lock so that concurrent events for different attempts
// never contend, and events for the same attempt are appended in arrival
// order without lost updates.
package tracking

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"
)

// Status is the payment attempt status derived from reported events.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusError   Status = "error"
)

// Terminal reports whether no further status transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusError
}

// Event types with status side effects.
const (
	EventChapaCallback = "chapa_callback"
	EventError         = "error"
)

// ErrNotFound is returned when no entry exists for a tracking id.
var ErrNotFound = errors.New("tracking not found")

// Event is a single client-reported event. Immutable once appended.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Entry is a snapshot of one payment attempt.
type Entry struct {
	TrackingID string    `json:"trackingId"`
	Status     Status    `json:"status"`
	Events     []Event   `json:"events"`
	LastUpdate time.Time `json:"lastUpdate"`
}

type entry struct {
	mu         sync.Mutex
	id         string
	status     Status
	events     []Event
	lastUpdate time.Time
	removed    bool
}

func (e *entry) snapshot() *Entry {
	events := make([]Event, len(e.events))
	copy(events, e.events)
	return &Entry{
		TrackingID: e.id,
		Status:     e.status,
		Events:     events,
		LastUpdate: e.lastUpdate,
	}
}

// Store is a concurrency-safe tracking store with TTL expiry and a size cap.
type Store struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets how long an entry survives without updates.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithMaxEntries caps the number of tracked attempts.
func WithMaxEntries(n int) Option {
	return func(s *Store) { s.maxEntries = n }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a store with a 30 minute TTL and 10000 entry cap unless overridden.
func NewStore(opts ...Option) *Store {
	s := &Store{
		entries:    make(map[string]*entry),
		ttl:        30 * time.Minute,
		maxEntries: 10000,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record appends an event to the entry for trackingID, creating it as pending
// if it does not exist yet, and applies the event's status side effect.
// A terminal status is never replaced. It returns the updated entry and the
// event that was appended.
func (s *Store) Record(trackingID, eventType string, data json.RawMessage) (*Entry, Event) {
	for {
		e := s.getOrCreate(trackingID)

		e.mu.Lock()
		if e.removed {
			// Swept or evicted between lookup and lock; retry on a fresh entry.
			e.mu.Unlock()
			continue
		}
		now := s.now()
		ev := Event{Type: eventType, Timestamp: now, Data: data}
		e.events = append(e.events, ev)
		if next, ok := nextStatus(eventType, data); ok && !e.status.Terminal() {
			e.status = next
		}
		e.lastUpdate = now
		snap := e.snapshot()
		e.mu.Unlock()
		return snap, ev
	}
}

// Get returns a snapshot of the entry for trackingID.
func (s *Store) Get(trackingID string) (*Entry, error) {
	s.mu.RLock()
	e, ok := s.entries[trackingID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, ErrNotFound
	}
	return e.snapshot(), nil
}

// Len returns the number of tracked attempts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Capacity returns the configured entry cap.
func (s *Store) Capacity() int {
	return s.maxEntries
}

// CleanupExpired removes entries not updated within the TTL and returns how many were removed.
func (s *Store) CleanupExpired() int {
	cutoff := s.now().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0
	for id, e := range s.entries {
		e.mu.Lock()
		if e.lastUpdate.Before(cutoff) {
			e.removed = true
			delete(s.entries, id)
			cleaned++
		}
		e.mu.Unlock()
	}
	return cleaned
}

func (s *Store) getOrCreate(trackingID string) *entry {
	s.mu.RLock()
	e, ok := s.entries[trackingID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[trackingID]; ok {
		return e
	}

	// Enforce max size by evicting the least recently updated entry
	if s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		var oldestID string
		var oldest *entry
		for id, candidate := range s.entries {
			candidate.mu.Lock()
			older := oldest == nil || candidate.lastUpdate.Before(oldest.lastUpdate)
			candidate.mu.Unlock()
			if older {
				oldestID = id
				oldest = candidate
			}
		}
		if oldest != nil {
			oldest.mu.Lock()
			oldest.removed = true
			oldest.mu.Unlock()
			delete(s.entries, oldestID)
		}
	}

	e = &entry{
		id:         trackingID,
		status:     StatusPending,
		lastUpdate: s.now(),
	}
	s.entries[trackingID] = e
	return e
}

// nextStatus returns the status implied by an event, if any.
func nextStatus(eventType string, data json.RawMessage) (Status, bool) {
	switch eventType {
	case EventChapaCallback:
		return callbackStatus(data), true
	case EventError:
		return StatusError, true
	}
	return "", false
}

// callbackStatus reads data.status from a checkout callback, defaulting to pending.
func callbackStatus(data json.RawMessage) Status {
	if len(data) == 0 {
		return StatusPending
	}
	var payload struct {
		Status interface{} `json:"status"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return StatusPending
	}
	return ParseStatus(payload.Status)
}

// ParseStatus normalises a status value reported by the checkout page.
func ParseStatus(v interface{}) Status {
	switch val := v.(type) {
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "success", "successful", "completed", "paid":
			return StatusSuccess
		case "failed", "failure", "cancelled", "canceled":
			return StatusFailed
		case "error":
			return StatusError
		}
	case float64:
		switch val {
		case 1:
			return StatusSuccess
		case 0:
			return StatusPending
		default:
			return StatusFailed
		}
	}
	return StatusPending
}
