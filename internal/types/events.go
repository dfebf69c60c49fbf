package types

import (
	"fmt"
	"time"
)

// EventKind is the closed set of events flowing from the network layer to the ingestion pipeline.
type EventKind int

const (
	MessageReceived EventKind = iota + 1
	SystemReceived
	ReadReceipt
)

// Wire names shared with the protocol gateway.
const (
	WireMessage     = "xmtp:message"
	WireSystem      = "xmtp:system"
	WireReadReceipt = "xmtp:read-receipt"
)

func (k EventKind) String() string {
	switch k {
	case MessageReceived:
		return WireMessage
	case SystemReceived:
		return WireSystem
	case ReadReceipt:
		return WireReadReceipt
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

func ParseEventKind(name string) (EventKind, error) {
	switch name {
	case WireMessage:
		return MessageReceived, nil
	case WireSystem:
		return SystemReceived, nil
	case WireReadReceipt:
		return ReadReceipt, nil
	}
	return 0, fmt.Errorf("unknown event kind %q", name)
}

// EventSource records where an event entered the pipeline.
type EventSource string

const (
	SourceLive     EventSource = "live"
	SourceBackfill EventSource = "backfill"
	SourceReplay   EventSource = "replay"
)

type SystemKind string

const (
	SystemMembersAdded   SystemKind = "members_added"
	SystemMembersRemoved SystemKind = "members_removed"
	SystemAdminsAdded    SystemKind = "admins_added"
	SystemAdminsRemoved  SystemKind = "admins_removed"
	SystemGroupRenamed   SystemKind = "group_renamed"
)

// SystemChange is a membership/metadata change in a group.
type SystemChange struct {
	ID        string     `json:"id"`
	Kind      SystemKind `json:"kind"`
	Initiator InboxID    `json:"initiator,omitempty"`
	InboxIDs  InboxIDs   `json:"inbox_ids,omitempty"`
	Addresses Addresses  `json:"addresses,omitempty"`
	GroupName string     `json:"group_name,omitempty"`
	SentAt    time.Time  `json:"sent_at"`
}

type MessagePayload struct {
	ConversationID string
	Message        *Message
}

type SystemPayload struct {
	ConversationID string
	System         *SystemChange
}

type ReadReceiptPayload struct {
	ConversationID string
	SenderInboxID  InboxID
	SentAt         time.Time
}

// Event carries exactly one payload matching Kind.
type Event struct {
	Kind        EventKind
	Source      EventSource
	Message     *MessagePayload
	System      *SystemPayload
	ReadReceipt *ReadReceiptPayload
}

func NewMessageEvent(source EventSource, conversationID string, msg *Message) Event {
	return Event{Kind: MessageReceived, Source: source, Message: &MessagePayload{ConversationID: conversationID, Message: msg}}
}

func NewSystemEvent(source EventSource, conversationID string, change *SystemChange) Event {
	return Event{Kind: SystemReceived, Source: source, System: &SystemPayload{ConversationID: conversationID, System: change}}
}

func NewReadReceiptEvent(source EventSource, conversationID string, sender InboxID, sentAt time.Time) Event {
	return Event{Kind: ReadReceipt, Source: source, ReadReceipt: &ReadReceiptPayload{ConversationID: conversationID, SenderInboxID: sender, SentAt: sentAt}}
}

// ConversationID returns the target conversation regardless of kind.
func (e Event) ConversationID() string {
	switch {
	case e.Message != nil:
		return e.Message.ConversationID
	case e.System != nil:
		return e.System.ConversationID
	case e.ReadReceipt != nil:
		return e.ReadReceipt.ConversationID
	}
	return ""
}
