package types

import (
	"strings"
	"time"
	"unicode/utf8"
)

// LocalIDPrefix marks ids generated locally before the network confirms the entity.
const LocalIDPrefix = "local-"

// IsLocalID reports whether id is an unconfirmed placeholder.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

// Identity is the local user's credential binding. Private key material lives in the vault.
type Identity struct {
	Address        Address   `json:"address" yaml:"address"`
	InboxID        InboxID   `json:"inbox_id" yaml:"inbox_id"`
	InstallationID string    `json:"installation_id,omitempty" yaml:"installation_id,omitempty"`
	DisplayName    string    `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	AvatarURL      string    `json:"avatar_url,omitempty" yaml:"avatar_url,omitempty"`
	HasPrivateKey  bool      `json:"has_private_key" yaml:"has_private_key"`
	CreatedAt      time.Time `json:"created_at" yaml:"created_at"`
}

type ConversationKind string

const (
	ConversationDM    ConversationKind = "dm"
	ConversationGroup ConversationKind = "group"
)

// Conversation is a direct thread or a group. PeerInboxID is the canonical peer key for DMs.
type Conversation struct {
	ID                 string           `json:"id"`
	Kind               ConversationKind `json:"kind"`
	PeerInboxID        InboxID          `json:"peer_inbox_id,omitempty"`
	PeerAddress        Address          `json:"peer_address,omitempty"`
	MemberAddresses    Addresses        `json:"member_addresses,omitempty"`
	MemberInboxIDs     InboxIDs         `json:"member_inbox_ids,omitempty"`
	Admins             InboxIDs         `json:"admins,omitempty"`
	SuperAdmins        InboxIDs         `json:"super_admins,omitempty"`
	Name               string           `json:"name,omitempty"`
	AvatarURL          string           `json:"avatar_url,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	LastMessageAt      time.Time        `json:"last_message_at"`
	LastMessagePreview string           `json:"last_message_preview,omitempty"`
	UnreadCount        int              `json:"unread_count"`
	Pinned             bool             `json:"pinned"`
	Archived           bool             `json:"archived"`
}

func (c *Conversation) IsGroup() bool { return c.Kind == ConversationGroup }

// PeerKey is the normalized dedup key of a DM: the inbox id when known, else the address.
func (c *Conversation) PeerKey() string {
	if c.IsGroup() {
		return ""
	}
	if !c.PeerInboxID.IsZero() {
		return "inbox:" + c.PeerInboxID.String()
	}
	if !c.PeerAddress.IsZero() {
		return "addr:" + c.PeerAddress.String()
	}
	return ""
}

func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.MemberAddresses = append(Addresses(nil), c.MemberAddresses...)
	out.MemberInboxIDs = append(InboxIDs(nil), c.MemberInboxIDs...)
	out.Admins = append(InboxIDs(nil), c.Admins...)
	out.SuperAdmins = append(InboxIDs(nil), c.SuperAdmins...)
	return &out
}

type MessageType string

const (
	MessageText       MessageType = "text"
	MessageSystem     MessageType = "system"
	MessageAttachment MessageType = "attachment"
)

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

// Rank orders delivery progress; failed sits outside the pending → sent → delivered chain.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	default:
		return 0
	}
}

type Reaction struct {
	SenderInboxID InboxID   `json:"sender_inbox_id"`
	Emoji         string    `json:"emoji"`
	At            time.Time `json:"at"`
}

type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Digest      string `json:"digest,omitempty"`
	Size        int64  `json:"size"`
	Data        []byte `json:"data,omitempty"`
}

type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderInboxID  InboxID       `json:"sender_inbox_id,omitempty"`
	SenderAddress  Address       `json:"sender_address,omitempty"`
	SentAt         time.Time     `json:"sent_at"`
	ReceivedAt     time.Time     `json:"received_at"`
	Type           MessageType   `json:"type"`
	Body           string        `json:"body"`
	Status         MessageStatus `json:"status"`
	Outgoing       bool          `json:"outgoing"`
	Reactions      []Reaction    `json:"reactions,omitempty"`
	ReplyTo        string        `json:"reply_to,omitempty"`
	Attachment     *Attachment   `json:"attachment,omitempty"`
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Reactions = append([]Reaction(nil), m.Reactions...)
	if m.Attachment != nil {
		a := *m.Attachment
		out.Attachment = &a
	}
	return &out
}

// Preview renders the conversation list preview, truncated to max runes.
func (m *Message) Preview(max int) string {
	body := m.Body
	if m.Type == MessageAttachment && body == "" && m.Attachment != nil {
		body = "📎 " + m.Attachment.Filename
	}
	body = strings.Join(strings.Fields(body), " ")
	if max <= 0 || utf8.RuneCountInString(body) <= max {
		return body
	}
	runes := []rune(body)
	return string(runes[:max])
}

type ContactSource string

const (
	SourceInbox  ContactSource = "inbox"
	SourceImport ContactSource = "import"
	SourceStatic ContactSource = "static"
	SourceLocal  ContactSource = "local"
)

// IsNetwork reports whether the data came from the protocol network.
func (s ContactSource) IsNetwork() bool { return s == SourceInbox }

// Contact is the resolved identity of a correspondent, one record per inbox id.
type Contact struct {
	InboxID         InboxID           `json:"inbox_id" yaml:"inbox_id"`
	PrimaryAddress  Address           `json:"primary_address,omitempty" yaml:"primary_address,omitempty"`
	Addresses       Addresses         `json:"addresses,omitempty" yaml:"addresses,omitempty"`
	PreferredName   string            `json:"preferred_name,omitempty" yaml:"preferred_name,omitempty"`
	PreferredAvatar string            `json:"preferred_avatar,omitempty" yaml:"preferred_avatar,omitempty"`
	Name            string            `json:"name,omitempty" yaml:"name,omitempty"`
	Avatar          string            `json:"avatar,omitempty" yaml:"avatar,omitempty"`
	LastSyncedAt    time.Time         `json:"last_synced_at" yaml:"last_synced_at"`
	Source          ContactSource     `json:"source" yaml:"source"`
	Metadata        map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

func (c *Contact) Clone() *Contact {
	if c == nil {
		return nil
	}
	out := *c
	out.Addresses = append(Addresses(nil), c.Addresses...)
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// DisplayName prefers network data, then the local fallback, then the address.
func (c *Contact) DisplayName() string {
	switch {
	case c.PreferredName != "":
		return c.PreferredName
	case c.Name != "":
		return c.Name
	case !c.PrimaryAddress.IsZero():
		return c.PrimaryAddress.Checksum()
	default:
		return c.InboxID.String()
	}
}

func (c *Contact) DisplayAvatar() string {
	if c.PreferredAvatar != "" {
		return c.PreferredAvatar
	}
	return c.Avatar
}

// HasAddress matches case-insensitively because addresses are normalized on construction.
func (c *Contact) HasAddress(a Address) bool {
	return c.PrimaryAddress == a || c.Addresses.Contains(a)
}

// ProfileUpdate carries partial contact fields; empty fields leave existing values untouched.
type ProfileUpdate struct {
	InboxID        InboxID           `yaml:"inbox_id"`
	DisplayName    string            `yaml:"display_name,omitempty"`
	AvatarURL      string            `yaml:"avatar_url,omitempty"`
	PrimaryAddress Address           `yaml:"primary_address,omitempty"`
	Addresses      Addresses         `yaml:"addresses,omitempty"`
	Source         ContactSource     `yaml:"source,omitempty"`
	Metadata       map[string]string `yaml:"metadata,omitempty"`
}

// Profile is what the network returns for an inbox.
type Profile struct {
	InboxID        InboxID
	DisplayName    string
	AvatarURL      string
	PrimaryAddress Address
	Addresses      Addresses
}

// AsUpdate converts a network profile into a network-sourced update.
func (p *Profile) AsUpdate() *ProfileUpdate {
	return &ProfileUpdate{
		InboxID:        p.InboxID,
		DisplayName:    p.DisplayName,
		AvatarURL:      p.AvatarURL,
		PrimaryAddress: p.PrimaryAddress,
		Addresses:      p.Addresses,
		Source:         SourceInbox,
	}
}
