// Package protocol defines the messaging-network client the node drives. The network
// itself (key exchange, MLS, transport encryption) is owned by the implementation.
package protocol

import (
	"context"
	"time"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
)

// ConnectOptions tune session establishment.
type ConnectOptions struct {
	// Register creates the inbox/installation on the network when missing.
	Register bool
	// Env selects the network environment (local, dev, production).
	Env string
}

// Session is what the network assigned to this device after connecting.
type Session struct {
	InboxID        types.InboxID
	InstallationID string
}

// RemoteConversation is a conversation as listed by the network, before local enrichment.
type RemoteConversation struct {
	ID             string
	Kind           types.ConversationKind
	PeerInboxID    types.InboxID
	Name           string
	AvatarURL      string
	MemberInboxIDs types.InboxIDs
	Admins         types.InboxIDs
	SuperAdmins    types.InboxIDs
	CreatedAt      time.Time
	LastMessageAt  time.Time
}

// HistoryCursor marks the last history message already read. Pages continue strictly after
// it in (SentAt, ID) order, so messages sharing a timestamp are never skipped.
type HistoryCursor struct {
	SentAt time.Time
	ID     string
}

// CursorAt returns the cursor positioned on msg.
func CursorAt(msg *types.Message) HistoryCursor {
	return HistoryCursor{SentAt: msg.SentAt, ID: msg.ID}
}

// Precedes reports whether msg comes after the cursor.
func (c HistoryCursor) Precedes(msg *types.Message) bool {
	if !c.SentAt.Equal(msg.SentAt) {
		return c.SentAt.Before(msg.SentAt)
	}
	return c.ID < msg.ID
}

// SentMessage is the network's acknowledgement of an outbound message.
type SentMessage struct {
	ID     string
	SentAt time.Time
}

// Client is the protocol network collaborator.
//
// Lookups return ("", nil) / (nil, nil) for legitimately unknown entities and an error
// only for transport or protocol failures.
type Client interface {
	Connect(ctx context.Context, signer Signer, opts ConnectOptions) (*Session, error)
	Disconnect(ctx context.Context) error
	Session() *Session

	FetchInboxProfile(ctx context.Context, id types.InboxID) (*types.Profile, error)
	ResolveInboxIDForAddress(ctx context.Context, addr types.Address) (types.InboxID, error)

	ListConversations(ctx context.Context) ([]*RemoteConversation, error)
	GetConversation(ctx context.Context, conversationID string) (*RemoteConversation, error)
	// ListMessages returns up to limit messages after the cursor, ordered by (SentAt, ID).
	ListMessages(ctx context.Context, conversationID string, after HistoryCursor, limit int) ([]*types.Message, error)
	CreateDM(ctx context.Context, peer types.InboxID) (*RemoteConversation, error)
	CreateGroup(ctx context.Context, name string, members types.InboxIDs) (*RemoteConversation, error)
	LeaveGroup(ctx context.Context, conversationID string) error
	Send(ctx context.Context, conversationID string, body string, attachment *types.Attachment) (*SentMessage, error)

	// Stream delivers live events until ctx is done or the session closes; the channel is then closed.
	Stream(ctx context.Context) (<-chan types.Event, error)
}
