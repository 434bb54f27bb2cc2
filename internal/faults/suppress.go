package faults

import (
	"sync"
	"time"
)

type suppressKey struct {
	code    Code
	session string
}

type suppressEntry struct {
	first time.Time
	count int
}

// suppressor drops a (code, session) pair once it has been seen more than
// limit times inside window. The window is fixed from the first sighting.
type suppressor struct {
	mu        sync.Mutex
	window    time.Duration
	limit     int
	seen      map[suppressKey]*suppressEntry
	lastPrune time.Time
}

func newSuppressor(window time.Duration, limit int) *suppressor {
	return &suppressor{
		window: window,
		limit:  limit,
		seen:   make(map[suppressKey]*suppressEntry),
	}
}

// allow records one sighting and reports whether it should be acted on.
func (s *suppressor) allow(code Code, session string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastPrune) > s.window {
		for k, e := range s.seen {
			if now.Sub(e.first) > s.window {
				delete(s.seen, k)
			}
		}
		s.lastPrune = now
	}

	k := suppressKey{code: code, session: session}
	e, ok := s.seen[k]
	if !ok || now.Sub(e.first) > s.window {
		s.seen[k] = &suppressEntry{first: now, count: 1}
		return true
	}
	e.count++
	return e.count <= s.limit
}

func (s *suppressor) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
