package session

import (
	"sync"
	"sync/atomic"
)

// SubscriptionSet is the set of resources one session follows.
type SubscriptionSet struct {
	mu        sync.RWMutex
	resources map[string]struct{}
}

func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{resources: make(map[string]struct{})}
}

// Add returns the resources that were not already present.
func (s *SubscriptionSet) Add(resources ...string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := make([]string, 0, len(resources))
	for _, r := range resources {
		if _, ok := s.resources[r]; !ok {
			s.resources[r] = struct{}{}
			added = append(added, r)
		}
	}
	return added
}

// Remove returns the resources that were present.
func (s *SubscriptionSet) Remove(resources ...string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := make([]string, 0, len(resources))
	for _, r := range resources {
		if _, ok := s.resources[r]; ok {
			delete(s.resources, r)
			removed = append(removed, r)
		}
	}
	return removed
}

func (s *SubscriptionSet) Has(resource string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.resources[resource]
	return ok
}

func (s *SubscriptionSet) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.resources)
}

func (s *SubscriptionSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.resources))
	for r := range s.resources {
		out = append(out, r)
	}
	return out
}

// SubscriptionIndex maps a resource to the sessions subscribed to it.
//
// Readers get an immutable snapshot slice through an atomic load, so
// stats fan-out never takes the write lock. Writers copy on write.
type SubscriptionIndex struct {
	mu          sync.RWMutex
	subscribers map[string]*atomic.Pointer[[]*Session]
}

func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{subscribers: make(map[string]*atomic.Pointer[[]*Session])}
}

func (idx *SubscriptionIndex) Add(s *Session, resources ...string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, r := range resources {
		ptr := idx.subscribers[r]
		if ptr == nil {
			ptr = &atomic.Pointer[[]*Session]{}
			idx.subscribers[r] = ptr
		}

		var cur []*Session
		if p := ptr.Load(); p != nil {
			cur = *p
		}
		dup := false
		for _, existing := range cur {
			if existing == s {
				dup = true
				break
			}
		}
		if dup {
			continue
		}

		next := make([]*Session, len(cur)+1)
		copy(next, cur)
		next[len(cur)] = s
		ptr.Store(&next)
	}
}

func (idx *SubscriptionIndex) Remove(s *Session, resources ...string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, r := range resources {
		ptr, ok := idx.subscribers[r]
		if !ok {
			continue
		}
		p := ptr.Load()
		if p == nil {
			continue
		}
		cur := *p
		for i, existing := range cur {
			if existing != s {
				continue
			}
			if len(cur) == 1 {
				delete(idx.subscribers, r)
				break
			}
			next := make([]*Session, 0, len(cur)-1)
			next = append(next, cur[:i]...)
			next = append(next, cur[i+1:]...)
			ptr.Store(&next)
			break
		}
	}
}

// Get returns the subscribers of resource. The slice must not be modified.
func (idx *SubscriptionIndex) Get(resource string) []*Session {
	idx.mu.RLock()
	ptr, ok := idx.subscribers[resource]
	idx.mu.RUnlock()
	if !ok {
		return nil
	}
	if p := ptr.Load(); p != nil {
		return *p
	}
	return nil
}

// Resources returns the number of resources with at least one subscriber.
func (idx *SubscriptionIndex) Resources() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.subscribers)
}
