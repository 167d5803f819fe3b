// Package livestate keeps the latest decoded value of every signal.
package livestate

import (
	"sync"
	"time"
)

// Entry is the latest value of one signal and when it was written.
type Entry struct {
	Value     float64
	UpdatedAt time.Time
}

// Store maps qualified signal names to their latest value. One writer
// (the ingestion loop) and any number of readers may use it concurrently.
// Readers always get copies.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

func New() *Store {
	return &Store{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Update upserts a single value.
func (s *Store) Update(name string, value float64) {
	at := s.now()

	s.mu.Lock()
	s.entries[name] = Entry{Value: value, UpdatedAt: at}
	s.mu.Unlock()
}

// Publish upserts all values decoded from one frame.
func (s *Store) Publish(values map[string]float64, at time.Time) {
	if len(values) == 0 {
		return
	}

	s.mu.Lock()
	for name, v := range values {
		s.entries[name] = Entry{Value: v, UpdatedAt: at}
	}
	s.mu.Unlock()
}

// Snapshot returns a copy of every value.
func (s *Store) Snapshot() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]float64, len(s.entries))
	for name, e := range s.entries {
		out[name] = e.Value
	}

	return out
}

// SnapshotFiltered returns a copy restricted to names. Names that have
// never been written are omitted.
func (s *Store) SnapshotFiltered(names []string) map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]float64, len(names))
	for _, name := range names {
		if e, ok := s.entries[name]; ok {
			out[name] = e.Value
		}
	}

	return out
}

// Entries returns a copy of every entry including update times.
func (s *Store) Entries() map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Entry, len(s.entries))
	for name, e := range s.entries {
		out[name] = e
	}

	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Reset drops every entry.
func (s *Store) Reset() {
	s.mu.Lock()
	s.entries = make(map[string]Entry)
	s.mu.Unlock()
}
