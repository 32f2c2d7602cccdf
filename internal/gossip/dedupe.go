package gossip

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// seenCache remembers message ids for ttl, holding at most capacity of
// them; the oldest id is evicted first.
type seenCache struct {
	mu  sync.Mutex // makes the lookup and the insert in Seen one step
	lru *expirable.LRU[MessageID, struct{}]
}

func newSeenCache(capacity int, ttl time.Duration) *seenCache {
	return &seenCache{lru: expirable.NewLRU[MessageID, struct{}](capacity, nil, ttl)}
}

// Seen reports whether id is already known, recording it if not.
func (s *seenCache) Seen(id MessageID) bool {
	if id == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lru.Peek(id); ok {
		return true
	}
	s.lru.Add(id, struct{}{})
	return false
}

func (s *seenCache) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}
