package api

import (
	"sync"

	"github.com/vdavid/vmail/accountsync/internal/account"
)

// AccountSet is the set of running accounts served by the API, kept in registration order.
type AccountSet struct {
	mu    sync.RWMutex
	byID  map[string]*account.Account
	order []string
}

// NewAccountSet returns an empty set.
func NewAccountSet() *AccountSet {
	return &AccountSet{byID: make(map[string]*account.Account)}
}

// Add registers an account. A second account with the same id replaces the first.
func (s *AccountSet) Add(a *account.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[a.ID()]; !ok {
		s.order = append(s.order, a.ID())
	}
	s.byID[a.ID()] = a
}

// Get returns the account with the given id.
func (s *AccountSet) Get(id string) (*account.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	return a, ok
}

// All returns every account in registration order.
func (s *AccountSet) All() []*account.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*account.Account, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}
