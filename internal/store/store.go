// Package store holds the in-memory reactive state of one application instance.
// Every getter returns a copy; writers publish a Change to subscribers after the
// mutation is visible.
package store

import (
	"sync"
)

type Op int

const (
	OpPut Op = iota + 1
	OpDelete
	OpReset
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpReset:
		return "reset"
	}
	return "unknown"
}

// Change describes one completed mutation. Value is nil for deletes and resets.
type Change[T any] struct {
	Op    Op
	Key   string
	Value *T
}

type subscribers[T any] struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(Change[T])
}

func (s *subscribers[T]) add(fn func(Change[T])) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(Change[T]))
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

// notify must be called without the owning store's lock held.
func (s *subscribers[T]) notify(c Change[T]) {
	s.mu.RLock()
	fns := make([]func(Change[T]), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(c)
	}
}

// Stores bundles the containers of one application instance.
type Stores struct {
	Conversations *ConversationStore
	Messages      *MessageStore
	Contacts      *ContactStore
	Auth          *AuthStore
}

func New() *Stores {
	return &Stores{
		Conversations: NewConversationStore(),
		Messages:      NewMessageStore(),
		Contacts:      NewContactStore(),
		Auth:          NewAuthStore(),
	}
}

// Reset clears every container (logout, inbox switch).
func (s *Stores) Reset() {
	s.Conversations.Reset()
	s.Messages.Reset()
	s.Contacts.Reset()
	s.Auth.Reset()
}
