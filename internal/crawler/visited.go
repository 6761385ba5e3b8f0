package crawler

import "sync"

// VisitedSet provides thread-safe visited URL tracking to prevent revisits.
// Keys are normalized before insertion.
type VisitedSet struct {
	seen sync.Map
}

// NewVisitedSet returns an empty set.
func NewVisitedSet() *VisitedSet {
	return &VisitedSet{}
}

// MarkIfNew stores the URL if it has not been seen before and returns true.
func (s *VisitedSet) MarkIfNew(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	key, err := NormalizeURL(rawURL)
	if err != nil {
		key = rawURL
	}
	_, loaded := s.seen.LoadOrStore(key, struct{}{})
	return !loaded
}
