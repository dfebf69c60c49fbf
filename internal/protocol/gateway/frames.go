package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
)

// FrameType names a gateway request, response or push.
type FrameType string

const (
	FrameConnect           FrameType = "connect"
	FrameDisconnect        FrameType = "disconnect"
	FrameSignRequest       FrameType = "sign.request"
	FrameSignResponse      FrameType = "sign.response"
	FrameProfileGet        FrameType = "profile.get"
	FrameInboxResolve      FrameType = "inbox.resolve"
	FrameConversationsList FrameType = "conversations.list"
	FrameConversationGet   FrameType = "conversation.get"
	FrameMessagesList      FrameType = "messages.list"
	FrameDMCreate          FrameType = "dm.create"
	FrameGroupCreate       FrameType = "group.create"
	FrameGroupLeave        FrameType = "group.leave"
	FrameMessageSend       FrameType = "message.send"
	FrameStreamSubscribe   FrameType = "stream.subscribe"

	FrameResult FrameType = "result"
	FrameError  FrameType = "error"
	FrameEvent  FrameType = "event"
)

// Error codes the gateway reports in FrameError payloads.
const (
	CodeNotFound          = "not_found"
	CodeInstallationLimit = "installation_limit"
	CodeRegistration      = "registration"
	CodeNotConnected      = "not_connected"
)

// Frame is one JSON text message on the gateway socket. Responses echo the request ID.
type Frame struct {
	ID        string          `json:"id,omitempty"`
	Type      FrameType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *FrameErr       `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type FrameErr struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *FrameErr) Error() string {
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

// NewFrame creates a frame with the given type and payload
func NewFrame(id string, frameType FrameType, payload any) (*Frame, error) {
	f := &Frame{ID: id, Type: frameType, Timestamp: time.Now().Unix()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		f.Payload = raw
	}
	return f, nil
}

type connectRequest struct {
	Address  string `json:"address"`
	Env      string `json:"env,omitempty"`
	Register bool   `json:"register"`
}

type connectResult struct {
	InboxID        string `json:"inbox_id"`
	InstallationID string `json:"installation_id"`
}

type signRequest struct {
	Text string `json:"text"`
}

type signResponse struct {
	Signature string `json:"signature"`
}

type inboxRequest struct {
	InboxID string `json:"inbox_id,omitempty"`
	Address string `json:"address,omitempty"`
}

type wireProfile struct {
	InboxID        string   `json:"inbox_id"`
	DisplayName    string   `json:"display_name,omitempty"`
	AvatarURL      string   `json:"avatar_url,omitempty"`
	PrimaryAddress string   `json:"primary_address,omitempty"`
	Addresses      []string `json:"addresses,omitempty"`
}

type wireConversation struct {
	ID            string   `json:"id"`
	Kind          string   `json:"kind"`
	PeerInboxID   string   `json:"peer_inbox_id,omitempty"`
	Name          string   `json:"name,omitempty"`
	AvatarURL     string   `json:"avatar_url,omitempty"`
	Members       []string `json:"members,omitempty"`
	Admins        []string `json:"admins,omitempty"`
	SuperAdmins   []string `json:"super_admins,omitempty"`
	CreatedAtNs   int64    `json:"created_at_ns"`
	LastMessageNs int64    `json:"last_message_ns,omitempty"`
}

type conversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

// listMessagesRequest pages history in (sent_at, id) order strictly after (after_ns, after_id).
type listMessagesRequest struct {
	ConversationID string `json:"conversation_id"`
	AfterNs        int64  `json:"after_ns,omitempty"`
	AfterID        string `json:"after_id,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

type wireAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

type wireMessage struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	SenderInboxID  string          `json:"sender_inbox_id"`
	SenderAddress  string          `json:"sender_address,omitempty"`
	SentAtNs       int64           `json:"sent_at_ns"`
	ContentType    string          `json:"content_type"`
	Body           string          `json:"body,omitempty"`
	ReplyTo        string          `json:"reply_to,omitempty"`
	Attachment     *wireAttachment `json:"attachment,omitempty"`
}

type sendRequest struct {
	ConversationID string          `json:"conversation_id"`
	Body           string          `json:"body,omitempty"`
	Attachment     *wireAttachment `json:"attachment,omitempty"`
}

type sendResult struct {
	ID       string `json:"id"`
	SentAtNs int64  `json:"sent_at_ns"`
}

type createGroupRequest struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

type wireSystem struct {
	ID        string   `json:"id"`
	Kind      string   `json:"kind"`
	Initiator string   `json:"initiator,omitempty"`
	InboxIDs  []string `json:"inbox_ids,omitempty"`
	Addresses []string `json:"addresses,omitempty"`
	GroupName string   `json:"group_name,omitempty"`
	SentAtNs  int64    `json:"sent_at_ns"`
}

type wireReadReceipt struct {
	SenderInboxID string `json:"sender_inbox_id,omitempty"`
	SentAtNs      int64  `json:"sent_at_ns,omitempty"`
}

// wireEvent is the payload of FrameEvent. Kind carries the xmtp:* wire name.
type wireEvent struct {
	Kind           string           `json:"kind"`
	ConversationID string           `json:"conversation_id"`
	Message        *wireMessage     `json:"message,omitempty"`
	System         *wireSystem      `json:"system,omitempty"`
	ReadReceipt    *wireReadReceipt `json:"read_receipt,omitempty"`
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func inboxIDs(raw []string) types.InboxIDs {
	var out types.InboxIDs
	for _, s := range raw {
		if id := types.NewInboxID(s); !id.IsZero() {
			out = out.Merge(id)
		}
	}
	return out
}

// addresses drops malformed entries instead of failing the whole frame.
func addresses(raw []string) types.Addresses {
	var out types.Addresses
	for _, s := range raw {
		if a, err := types.NewAddress(s); err == nil {
			out = out.Merge(a)
		}
	}
	return out
}

func optionalAddress(s string) types.Address {
	if s == "" {
		return ""
	}
	a, err := types.NewAddress(s)
	if err != nil {
		return ""
	}
	return a
}

func (p *wireProfile) toProfile() *types.Profile {
	return &types.Profile{
		InboxID:        types.NewInboxID(p.InboxID),
		DisplayName:    p.DisplayName,
		AvatarURL:      p.AvatarURL,
		PrimaryAddress: optionalAddress(p.PrimaryAddress),
		Addresses:      addresses(p.Addresses),
	}
}

func (m *wireMessage) toMessage() *types.Message {
	msg := &types.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderInboxID:  types.NewInboxID(m.SenderInboxID),
		SenderAddress:  optionalAddress(m.SenderAddress),
		SentAt:         fromNanos(m.SentAtNs),
		Type:           types.MessageText,
		Body:           m.Body,
		ReplyTo:        m.ReplyTo,
	}
	if m.Attachment != nil {
		msg.Type = types.MessageAttachment
		msg.Attachment = &types.Attachment{
			Filename:    m.Attachment.Filename,
			ContentType: m.Attachment.ContentType,
			Size:        int64(len(m.Attachment.Data)),
			Data:        m.Attachment.Data,
		}
	}
	return msg
}

func (s *wireSystem) toChange() *types.SystemChange {
	return &types.SystemChange{
		ID:        s.ID,
		Kind:      types.SystemKind(s.Kind),
		Initiator: types.NewInboxID(s.Initiator),
		InboxIDs:  inboxIDs(s.InboxIDs),
		Addresses: addresses(s.Addresses),
		GroupName: s.GroupName,
		SentAt:    fromNanos(s.SentAtNs),
	}
}

// toEvent maps a pushed event onto the typed bus event.
func (w *wireEvent) toEvent() (types.Event, error) {
	kind, err := types.ParseEventKind(w.Kind)
	if err != nil {
		return types.Event{}, err
	}
	switch kind {
	case types.MessageReceived:
		if w.Message == nil {
			return types.Event{}, fmt.Errorf("%s without message", w.Kind)
		}
		msg := w.Message.toMessage()
		if msg.ConversationID == "" {
			msg.ConversationID = w.ConversationID
		}
		return types.NewMessageEvent(types.SourceLive, w.ConversationID, msg), nil
	case types.SystemReceived:
		if w.System == nil {
			return types.Event{}, fmt.Errorf("%s without system payload", w.Kind)
		}
		return types.NewSystemEvent(types.SourceLive, w.ConversationID, w.System.toChange()), nil
	default:
		var sender types.InboxID
		var sentAt time.Time
		if w.ReadReceipt != nil {
			sender = types.NewInboxID(w.ReadReceipt.SenderInboxID)
			sentAt = fromNanos(w.ReadReceipt.SentAtNs)
		}
		return types.NewReadReceiptEvent(types.SourceLive, w.ConversationID, sender, sentAt), nil
	}
}
