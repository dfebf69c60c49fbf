package store

import (
	"sync"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
)

// MessageStore keeps messages per conversation in append order.
type MessageStore struct {
	mu     sync.RWMutex
	byID   map[string]*types.Message
	byConv map[string][]string
	subs   subscribers[types.Message]
}

func NewMessageStore() *MessageStore {
	return &MessageStore{
		byID:   make(map[string]*types.Message),
		byConv: make(map[string][]string),
	}
}

func (s *MessageStore) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}

func (s *MessageStore) Get(id string) *types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id].Clone()
}

// Append adds msg at the end of its conversation. Returns false if the id is already present.
func (s *MessageStore) Append(msg *types.Message) bool {
	stored := msg.Clone()
	s.mu.Lock()
	if _, ok := s.byID[stored.ID]; ok {
		s.mu.Unlock()
		return false
	}
	s.byID[stored.ID] = stored
	s.byConv[stored.ConversationID] = append(s.byConv[stored.ConversationID], stored.ID)
	s.mu.Unlock()

	s.subs.notify(Change[types.Message]{Op: OpPut, Key: stored.ID, Value: stored.Clone()})
	return true
}

// List returns a conversation's messages in append order.
func (s *MessageStore) List(conversationID string) []*types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byConv[conversationID]
	out := make([]*types.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byID[id].Clone())
	}
	return out
}

// Update applies fn in place. Returns the updated copy, or nil if absent.
func (s *MessageStore) Update(id string, fn func(*types.Message)) *types.Message {
	s.mu.Lock()
	m, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	fn(m)
	out := m.Clone()
	s.mu.Unlock()
	s.subs.notify(Change[types.Message]{Op: OpPut, Key: id, Value: out.Clone()})
	return out
}

// Rekey replaces a placeholder id with the confirmed one, keeping the message's position.
func (s *MessageStore) Rekey(oldID, newID string) bool {
	s.mu.Lock()
	m, ok := s.byID[oldID]
	if !ok || oldID == newID {
		s.mu.Unlock()
		return false
	}
	if _, taken := s.byID[newID]; taken {
		// confirmed copy already arrived through the stream; drop the placeholder
		delete(s.byID, oldID)
		s.byConv[m.ConversationID] = removeID(s.byConv[m.ConversationID], oldID)
		s.mu.Unlock()
		s.subs.notify(Change[types.Message]{Op: OpDelete, Key: oldID})
		return true
	}
	delete(s.byID, oldID)
	m.ID = newID
	s.byID[newID] = m
	ids := s.byConv[m.ConversationID]
	for i, id := range ids {
		if id == oldID {
			ids[i] = newID
		}
	}
	out := m.Clone()
	s.mu.Unlock()

	s.subs.notify(Change[types.Message]{Op: OpDelete, Key: oldID})
	s.subs.notify(Change[types.Message]{Op: OpPut, Key: newID, Value: out})
	return true
}

// MoveConversation re-homes every message of one conversation at the end of another.
func (s *MessageStore) MoveConversation(fromID, toID string) int {
	s.mu.Lock()
	ids := s.byConv[fromID]
	delete(s.byConv, fromID)
	for _, id := range ids {
		s.byID[id].ConversationID = toID
	}
	s.byConv[toID] = append(s.byConv[toID], ids...)
	s.mu.Unlock()
	return len(ids)
}

func (s *MessageStore) DeleteConversation(conversationID string) {
	s.mu.Lock()
	for _, id := range s.byConv[conversationID] {
		delete(s.byID, id)
	}
	delete(s.byConv, conversationID)
	s.mu.Unlock()
	s.subs.notify(Change[types.Message]{Op: OpDelete, Key: conversationID})
}

func (s *MessageStore) Subscribe(fn func(Change[types.Message])) (unsubscribe func()) {
	return s.subs.add(fn)
}

func (s *MessageStore) Reset() {
	s.mu.Lock()
	s.byID = make(map[string]*types.Message)
	s.byConv = make(map[string][]string)
	s.mu.Unlock()
	s.subs.notify(Change[types.Message]{Op: OpReset})
}

func removeID(ids []string, drop string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}
