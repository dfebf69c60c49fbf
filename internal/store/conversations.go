package store

import (
	"sort"
	"sync"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
)

type ConversationStore struct {
	mu     sync.RWMutex
	byID   map[string]*types.Conversation
	active string
	subs   subscribers[types.Conversation]
}

func NewConversationStore() *ConversationStore {
	return &ConversationStore{byID: make(map[string]*types.Conversation)}
}

func (s *ConversationStore) Get(id string) *types.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id].Clone()
}

func (s *ConversationStore) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}

// List returns conversations by most recent activity.
func (s *ConversationStore) List() []*types.Conversation {
	s.mu.RLock()
	out := make([]*types.Conversation, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, c.Clone())
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DirectByPeerKey returns every DM whose normalized peer key equals key.
func (s *ConversationStore) DirectByPeerKey(key string) []*types.Conversation {
	if key == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Conversation
	for _, c := range s.byID {
		if !c.IsGroup() && c.PeerKey() == key {
			out = append(out, c.Clone())
		}
	}
	return out
}

func (s *ConversationStore) Put(c *types.Conversation) {
	stored := c.Clone()
	s.mu.Lock()
	s.byID[stored.ID] = stored
	s.mu.Unlock()
	s.subs.notify(Change[types.Conversation]{Op: OpPut, Key: stored.ID, Value: stored.Clone()})
}

// Update applies fn to the stored conversation. Returns the updated copy, or nil if absent.
func (s *ConversationStore) Update(id string, fn func(*types.Conversation)) *types.Conversation {
	s.mu.Lock()
	c, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	fn(c)
	out := c.Clone()
	s.mu.Unlock()
	s.subs.notify(Change[types.Conversation]{Op: OpPut, Key: id, Value: out.Clone()})
	return out
}

func (s *ConversationStore) Delete(id string) {
	s.mu.Lock()
	_, ok := s.byID[id]
	delete(s.byID, id)
	if s.active == id {
		s.active = ""
	}
	s.mu.Unlock()
	if ok {
		s.subs.notify(Change[types.Conversation]{Op: OpDelete, Key: id})
	}
}

// SetActive marks the conversation currently on screen; "" clears it.
func (s *ConversationStore) SetActive(id string) {
	s.mu.Lock()
	s.active = id
	s.mu.Unlock()
}

func (s *ConversationStore) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func (s *ConversationStore) Subscribe(fn func(Change[types.Conversation])) (unsubscribe func()) {
	return s.subs.add(fn)
}

func (s *ConversationStore) Reset() {
	s.mu.Lock()
	s.byID = make(map[string]*types.Conversation)
	s.active = ""
	s.mu.Unlock()
	s.subs.notify(Change[types.Conversation]{Op: OpReset})
}
