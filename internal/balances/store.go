package balances

import (
	"sync"

	"github.com/vadiminshakov/cabinet/internal/domain"
)

// Store identifier-keyed balance store. A write fully replaces the previous entry.
type Store struct {
	mu    sync.RWMutex
	items map[string]domain.AccountBalance
	order []string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{items: make(map[string]domain.AccountBalance)}
}

// Put replaces the entry for b.Identifier.
func (s *Store) Put(b domain.AccountBalance) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[b.Identifier]; !ok {
		s.order = append(s.order, b.Identifier)
	}
	s.items[b.Identifier] = b
}

// Get returns the entry for id.
func (s *Store) Get(id string) (domain.AccountBalance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.items[id]
	return b, ok
}

// All returns every entry in first-insertion order.
func (s *Store) All() []domain.AccountBalance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AccountBalance, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.items[id])
	}

	return out
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Retain drops every entry whose identifier is not in ids and returns how many were dropped.
func (s *Store) Retain(ids []string) int {
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order := s.order[:0]
	dropped := 0
	for _, id := range s.order {
		if _, ok := keep[id]; !ok {
			delete(s.items, id)
			dropped++
			continue
		}
		order = append(order, id)
	}
	s.order = order

	return dropped
}
