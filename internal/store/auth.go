package store

import (
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
)

// AuthStore holds the active identity and the registration cooldown window.
type AuthStore struct {
	mu            sync.RWMutex
	identity      *types.Identity
	cooldownUntil time.Time
	subs          subscribers[types.Identity]
}

func NewAuthStore() *AuthStore {
	return &AuthStore{}
}

func (s *AuthStore) Identity() *types.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return nil
	}
	id := *s.identity
	return &id
}

// InboxID returns the active identity's inbox id ("" if none).
func (s *AuthStore) InboxID() types.InboxID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return ""
	}
	return s.identity.InboxID
}

func (s *AuthStore) SetIdentity(id *types.Identity) {
	var stored *types.Identity
	if id != nil {
		cp := *id
		stored = &cp
	}
	s.mu.Lock()
	s.identity = stored
	s.mu.Unlock()

	c := Change[types.Identity]{Op: OpDelete}
	if stored != nil {
		cp := *stored
		c = Change[types.Identity]{Op: OpPut, Key: stored.InboxID.String(), Value: &cp}
	}
	s.subs.notify(c)
}

// StartCooldown suppresses network lookups until now+d.
func (s *AuthStore) StartCooldown(d time.Duration) {
	s.mu.Lock()
	s.cooldownUntil = time.Now().Add(d)
	s.mu.Unlock()
}

func (s *AuthStore) ClearCooldown() {
	s.mu.Lock()
	s.cooldownUntil = time.Time{}
	s.mu.Unlock()
}

func (s *AuthStore) InCooldown(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Before(s.cooldownUntil)
}

func (s *AuthStore) Subscribe(fn func(Change[types.Identity])) (unsubscribe func()) {
	return s.subs.add(fn)
}

func (s *AuthStore) Reset() {
	s.mu.Lock()
	s.identity = nil
	s.cooldownUntil = time.Time{}
	s.mu.Unlock()
	s.subs.notify(Change[types.Identity]{Op: OpReset})
}
