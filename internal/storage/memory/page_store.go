// Package memory provides in-process storage implementations.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/webtomd/internal/cache"
	"github.com/JakeFAU/webtomd/internal/crawler"
)

// DefaultMaxEntries bounds a PageStore created without an explicit size.
const DefaultMaxEntries = 10000

type storedPage struct {
	entry cache.Entry
	seq   uint64
}

// PageStore is a bounded cache.Store. When full, expired entries are
// dropped first and then the oldest write.
type PageStore struct {
	mu         sync.RWMutex
	pages      map[string]storedPage
	maxEntries int
	seq        uint64
	clock      crawler.Clock
}

// NewPageStore constructs a PageStore holding at most maxEntries pages.
func NewPageStore(maxEntries int, clock crawler.Clock) *PageStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &PageStore{
		pages:      make(map[string]storedPage),
		maxEntries: maxEntries,
		clock:      clock,
	}
}

// Get returns the entry for key. Expired entries are reported as misses.
func (s *PageStore) Get(_ context.Context, key string) (cache.Entry, bool, error) {
	s.mu.RLock()
	stored, ok := s.pages[key]
	s.mu.RUnlock()
	if !ok {
		return cache.Entry{}, false, nil
	}
	if s.expired(stored.entry, s.now()) {
		s.mu.Lock()
		if cur, still := s.pages[key]; still && cur.seq == stored.seq {
			delete(s.pages, key)
		}
		s.mu.Unlock()
		return cache.Entry{}, false, nil
	}
	return stored.entry, true, nil
}

// Set writes entry under key, replacing any previous value.
func (s *PageStore) Set(_ context.Context, key string, entry cache.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pages[key]; !exists && len(s.pages) >= s.maxEntries {
		s.evictLocked()
	}
	s.seq++
	s.pages[key] = storedPage{entry: entry, seq: s.seq}
	return nil
}

// Len reports the number of stored entries, expired ones included.
func (s *PageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages)
}

func (s *PageStore) evictLocked() {
	now := s.now()
	for key, stored := range s.pages {
		if s.expired(stored.entry, now) {
			delete(s.pages, key)
		}
	}
	if len(s.pages) < s.maxEntries {
		return
	}
	var (
		oldestKey string
		oldestSeq uint64
		found     bool
	)
	for key, stored := range s.pages {
		if !found || stored.seq < oldestSeq {
			oldestKey, oldestSeq, found = key, stored.seq, true
		}
	}
	if found {
		delete(s.pages, oldestKey)
	}
}

func (s *PageStore) expired(entry cache.Entry, now time.Time) bool {
	return !entry.ExpiresAt.IsZero() && !now.Before(entry.ExpiresAt)
}

func (s *PageStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}
