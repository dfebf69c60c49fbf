package types

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrNotConnected      = errors.New("no active protocol session")
	ErrCooldown          = errors.New("identity is in registration cooldown")
	ErrLookupFailed      = errors.New("identifier lookup failed")
	ErrTimeout           = errors.New("network call timed out")
	ErrRegistration      = errors.New("identity registration failed")
	ErrInstallationLimit = errors.New("installation limit reached: revoke old installations for this inbox before connecting a new device")
	ErrSelfConversation  = errors.New("conversation peer is the active identity")
	ErrConversationGone  = errors.New("conversation was removed")
)
