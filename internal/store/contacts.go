package store

import (
	"sync"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
)

// ContactStore indexes contacts by inbox id and by every known address.
type ContactStore struct {
	mu        sync.RWMutex
	byInbox   map[types.InboxID]*types.Contact
	byAddress map[types.Address]types.InboxID
	subs      subscribers[types.Contact]
}

func NewContactStore() *ContactStore {
	return &ContactStore{
		byInbox:   make(map[types.InboxID]*types.Contact),
		byAddress: make(map[types.Address]types.InboxID),
	}
}

func (s *ContactStore) Get(id types.InboxID) *types.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byInbox[id].Clone()
}

func (s *ContactStore) GetByAddress(addr types.Address) *types.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byAddress[addr]
	if !ok {
		return nil
	}
	return s.byInbox[id].Clone()
}

// Put replaces the contact and re-indexes its addresses.
func (s *ContactStore) Put(c *types.Contact) {
	stored := c.Clone()
	s.mu.Lock()
	if prev, ok := s.byInbox[stored.InboxID]; ok {
		for _, a := range append(prev.Addresses, prev.PrimaryAddress) {
			if s.byAddress[a] == stored.InboxID {
				delete(s.byAddress, a)
			}
		}
	}
	s.byInbox[stored.InboxID] = stored
	for _, a := range append(stored.Addresses, stored.PrimaryAddress) {
		if !a.IsZero() {
			s.byAddress[a] = stored.InboxID
		}
	}
	s.mu.Unlock()
	s.subs.notify(Change[types.Contact]{Op: OpPut, Key: stored.InboxID.String(), Value: stored.Clone()})
}

func (s *ContactStore) Delete(id types.InboxID) {
	s.mu.Lock()
	prev, ok := s.byInbox[id]
	if ok {
		for _, a := range append(prev.Addresses, prev.PrimaryAddress) {
			if s.byAddress[a] == id {
				delete(s.byAddress, a)
			}
		}
		delete(s.byInbox, id)
	}
	s.mu.Unlock()
	if ok {
		s.subs.notify(Change[types.Contact]{Op: OpDelete, Key: id.String()})
	}
}

func (s *ContactStore) List() []*types.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Contact, 0, len(s.byInbox))
	for _, c := range s.byInbox {
		out = append(out, c.Clone())
	}
	return out
}

func (s *ContactStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byInbox)
}

func (s *ContactStore) Subscribe(fn func(Change[types.Contact])) (unsubscribe func()) {
	return s.subs.add(fn)
}

func (s *ContactStore) Reset() {
	s.mu.Lock()
	s.byInbox = make(map[types.InboxID]*types.Contact)
	s.byAddress = make(map[types.Address]types.InboxID)
	s.mu.Unlock()
	s.subs.notify(Change[types.Contact]{Op: OpReset})
}
