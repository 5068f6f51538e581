package data

import (
	"context"
	"sort"
	"sync"
	"time"

	"transactive-network/internal/model"
)

// Reading is one telemetry measurement.
type Reading struct {
	Owner     string                `json:"owner"`
	Kind      model.MeasurementKind `json:"kind"`
	Value     float64               `json:"value"`
	Timestamp time.Time             `json:"timestamp"`
}

type readingKey struct {
	owner string
	kind  model.MeasurementKind
}

type entry struct {
	reading   Reading
	expiresAt time.Time
}

// Store holds the latest reading per owner and kind. Readings older than
// the TTL are treated as missing. A nil Store holds nothing.
type Store struct {
	mu    sync.RWMutex
	store map[readingKey]*entry
	ttl   time.Duration
	now   func() time.Time
}

// NewStore returns a Store whose readings expire after ttl. Zero ttl keeps
// readings forever.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		store: make(map[readingKey]*entry),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Set records r, replacing an older reading for the same owner and kind.
// Out-of-order readings are ignored.
func (s *Store) Set(r Reading) {
	if s == nil {
		return
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := readingKey{owner: r.Owner, kind: r.Kind}
	if cur, ok := s.store[k]; ok && r.Timestamp.Before(cur.reading.Timestamp) {
		return
	}
	e := &entry{reading: r}
	if s.ttl > 0 {
		e.expiresAt = r.Timestamp.Add(s.ttl)
	}
	s.store[k] = e
}

// Latest returns the current reading of kind for owner.
func (s *Store) Latest(owner string, kind model.MeasurementKind) (float64, time.Time, bool) {
	if s == nil {
		return 0, time.Time{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.store[readingKey{owner: owner, kind: kind}]
	if !ok || s.expired(e, s.now()) {
		return 0, time.Time{}, false
	}
	return e.reading.Value, e.reading.Timestamp, true
}

func (s *Store) expired(e *entry, now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Snapshot returns every current reading ordered by owner, then kind.
func (s *Store) Snapshot() []Reading {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	out := make([]Reading, 0, len(s.store))
	for _, e := range s.store {
		if !s.expired(e, now) {
			out = append(out, e.reading)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner < out[j].Owner
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Clear removes all readings.
func (s *Store) Clear() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = make(map[readingKey]*entry)
}

// Cleanup removes expired readings every interval until ctx ends.
func (s *Store) Cleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, e := range s.store {
		if s.expired(e, now) {
			delete(s.store, k)
			n++
		}
	}
	return n
}
