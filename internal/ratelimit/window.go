package ratelimit

import (
	"sync"
	"time"
)

type window struct {
	mu    sync.Mutex
	hits  []time.Time
	first time.Time
	// span is the longest window the key was last checked against, used by
	// Sweep to decide staleness
	span time.Duration
}

// prune drops hits older than now-span. Hits are appended in time order so
// the retained slice is always a suffix.
func (w *window) prune(now time.Time, span time.Duration) {
	cutoff := now.Add(-span)
	i := 0
	for i < len(w.hits) && w.hits[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	if i == len(w.hits) {
		w.hits = w.hits[:0]
		return
	}
	w.hits = append(w.hits[:0], w.hits[i:]...)
}

// Store is a keyed sliding-window counter. Each key has its own lock so
// concurrent checks for one key are serialized while distinct keys proceed
// in parallel.
type Store struct {
	mu      sync.RWMutex
	windows map[string]*window
	now     func() time.Time
}

// NewStore creates an empty window store
func NewStore() *Store {
	return &Store{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

func (s *Store) windowFor(key string) *window {
	s.mu.RLock()
	w, ok := s.windows[key]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok = s.windows[key]; ok {
		return w
	}
	w = &window{first: s.now()}
	s.windows[key] = w
	return w
}

// Allow records a hit for key and returns true if fewer than max hits fall
// inside the trailing span. A rejected attempt is not recorded.
func (s *Store) Allow(key string, span time.Duration, max int) bool {
	w := s.windowFor(key)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := s.now()
	w.prune(now, span)
	if span > w.span {
		w.span = span
	}
	if len(w.hits) >= max {
		return false
	}
	if len(w.hits) == 0 {
		w.first = now
	}
	w.hits = append(w.hits, now)
	return true
}

// Count returns the number of hits for key inside the trailing span
func (s *Store) Count(key string, span time.Duration) int {
	s.mu.RLock()
	w, ok := s.windows[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := s.now().Add(-span)
	n := 0
	for i := len(w.hits) - 1; i >= 0 && !w.hits[i].Before(cutoff); i-- {
		n++
	}
	return n
}

// Len returns the number of tracked keys
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.windows)
}

// Sweep removes windows whose newest hit is older than the span they were
// last checked against and returns how many were removed
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.RLock()
	var stale []string
	for key, w := range s.windows {
		w.mu.Lock()
		if len(w.hits) == 0 || now.Sub(w.hits[len(w.hits)-1]) > w.span {
			stale = append(stale, key)
		}
		w.mu.Unlock()
	}
	s.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}

	removed := 0
	s.mu.Lock()
	for _, key := range stale {
		w, ok := s.windows[key]
		if !ok {
			continue
		}
		// Recheck under the map lock in case a hit landed since the scan
		w.mu.Lock()
		still := len(w.hits) == 0 || now.Sub(w.hits[len(w.hits)-1]) > w.span
		w.mu.Unlock()
		if still {
			delete(s.windows, key)
			removed++
		}
	}
	s.mu.Unlock()
	return removed
}
