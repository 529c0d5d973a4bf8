// Package dedup tracks which external notification ids have already been
// admitted into a classification batch, so independently polled sources never
// double-process the same event within the retention window.
package dedup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Store is an in-memory seen-id set with optional snapshot persistence.
// Admit is atomic with respect to concurrent callers.
type Store struct {
	mu   sync.Mutex
	seen map[string]time.Time // id -> first seen

	now func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Admit records the id and returns true if it has not been seen before.
// A second admit of the same id returns false and does not refresh the
// first-seen time.
func (s *Store) Admit(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = s.now()
	return true
}

// Seen reports whether the id has been admitted.
func (s *Store) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[id]
	return ok
}

// Len returns the number of tracked ids.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// EvictOlderThan drops entries first seen before now-maxAge and returns the
// count removed. An evicted id may be re-admitted if it resurfaces; upstream
// sources are expected not to reuse ids within the retention window.
func (s *Store) EvictOlderThan(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, firstSeen := range s.seen {
		if firstSeen.Before(cutoff) {
			delete(s.seen, id)
			removed++
		}
	}
	return removed
}

// snapshot is the on-disk format.
type snapshot struct {
	Seen map[string]time.Time `json:"seen"`
}

// Save writes the current id set to path atomically via temp file + rename.
func (s *Store) Save(path string) error {
	s.mu.Lock()
	snap := snapshot{Seen: make(map[string]time.Time, len(s.seen))}
	for id, at := range s.seen {
		snap.Seen[id] = at
	}
	s.mu.Unlock()

	content, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dedup snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dedup dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp snapshot: %w", err)
	}
	return nil
}

// Load replaces the id set from a snapshot file. A missing file leaves the
// store empty and is not an error.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read dedup snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal dedup snapshot: %w", err)
	}
	if snap.Seen == nil {
		snap.Seen = make(map[string]time.Time)
	}

	s.mu.Lock()
	s.seen = snap.Seen
	s.mu.Unlock()
	return nil
}
