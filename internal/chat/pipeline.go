package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/database"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/events"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/protocol"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

const pipelineCategory = "pipeline"

// Register subscribes the ingestion handlers to the bus. Every source (live stream,
// backfill, replay) publishes there, so these handlers are the only writers of
// conversation and message state besides explicit user actions.
func (m *Manager) Register(bus *events.Bus) (unsubscribe func()) {
	offs := []func(){
		bus.Subscribe(types.MessageReceived, m.HandleMessage),
		bus.Subscribe(types.SystemReceived, m.HandleSystem),
		bus.Subscribe(types.ReadReceipt, m.HandleReadReceipt),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// target describes where an event wants to land.
type target struct {
	conversationID string
	peer           types.InboxID
	peerAddress    types.Address
	group          bool
	source         types.EventSource
	contact        *types.Contact
	// remote is the network's description of a conversation not yet known locally.
	remote *protocol.RemoteConversation
}

// locate returns the conversation for t, creating it if needed. It refuses to create a DM
// with the active identity and to resurrect a removed conversation from backfill.
func (m *Manager) locate(t target) (*types.Conversation, error) {
	if conv := m.conversation(t.conversationID); conv != nil {
		return m.refreshDisplay(conv, t.contact), nil
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()

	// another handler may have created it while we waited
	if conv := m.conversation(t.conversationID); conv != nil {
		return m.refreshDisplay(conv, t.contact), nil
	}

	if !t.group {
		if t.peer.IsZero() && t.peerAddress.IsZero() {
			return nil, fmt.Errorf("unknown conversation %s without a peer", t.conversationID)
		}
		if m.isSelf(t.peer, t.peerAddress) {
			return nil, types.ErrSelfConversation
		}
	}

	tombstoned, err := m.db.IsTombstoned(t.conversationID)
	if err != nil {
		m.logger.Warn(err.Error(), pipelineCategory)
	}
	if tombstoned {
		if t.group || t.source != types.SourceLive {
			return nil, types.ErrConversationGone
		}
		// the peer wrote again after the user removed the DM
		if err := m.db.ClearTombstone(t.conversationID); err != nil {
			m.logger.Warn(err.Error(), pipelineCategory)
		}
		m.logger.Info(fmt.Sprintf("Restoring removed conversation %s on new message", utils.ShortID(t.conversationID)), pipelineCategory)
	}

	conv := &types.Conversation{
		ID:          t.conversationID,
		Kind:        types.ConversationDM,
		PeerInboxID: t.peer,
		PeerAddress: t.peerAddress,
		CreatedAt:   m.now(),
	}
	if t.group {
		conv.Kind = types.ConversationGroup
		conv.PeerInboxID, conv.PeerAddress = "", ""
	}
	if rc := t.remote; rc != nil {
		if !rc.CreatedAt.IsZero() {
			conv.CreatedAt = rc.CreatedAt
		}
		conv.Name, conv.AvatarURL = rc.Name, rc.AvatarURL
		if t.group {
			conv.MemberInboxIDs = types.InboxIDs{}.Merge(rc.MemberInboxIDs...)
			conv.Admins = types.InboxIDs{}.Merge(rc.Admins...)
			conv.SuperAdmins = types.InboxIDs{}.Merge(rc.SuperAdmins...)
		}
	}
	m.applyContact(conv, t.contact)

	m.stores.Conversations.Put(conv)
	m.persistConversation(conv)
	m.logger.Debug(fmt.Sprintf("Created %s conversation %s from %s event", conv.Kind, utils.ShortID(conv.ID), t.source), pipelineCategory)

	winner := m.Deduplicate(conv)
	if c := m.conversation(winner); c != nil {
		return c, nil
	}
	return conv, nil
}

// HandleMessage ingests one message event. Seeing the same id twice stores it once.
func (m *Manager) HandleMessage(ctx context.Context, ev types.Event) error {
	msg := ev.Message.Message.Clone()
	if msg.ID == "" {
		return fmt.Errorf("message without id")
	}
	if m.knownMessage(msg.ID) {
		return nil
	}

	outgoing := m.isSelf(msg.SenderInboxID, msg.SenderAddress)
	var contact *types.Contact
	if !outgoing {
		contact = m.contacts.ResolveSender(ctx, msg.SenderInboxID, msg.SenderAddress)
		if msg.SenderInboxID.IsZero() && contact != nil {
			msg.SenderInboxID = contact.InboxID
		}
		// resolution may reveal the sender is us under another address
		outgoing = m.isSelf(msg.SenderInboxID, msg.SenderAddress)
	}

	t := target{
		conversationID: ev.Message.ConversationID,
		source:         ev.Source,
		contact:        contact,
	}
	if m.conversation(t.conversationID) == nil {
		t.remote = m.lookupRemote(ctx, t.conversationID)
	}
	switch rc := t.remote; {
	case rc != nil && rc.Kind == types.ConversationGroup:
		t.group, t.contact = true, nil
	case rc != nil && !rc.PeerInboxID.IsZero():
		// the counterpart of the DM, which is not the sender for our own messages
		t.peer = rc.PeerInboxID
		if t.peer != msg.SenderInboxID {
			t.contact = m.contacts.GetContactByInboxID(t.peer)
		}
	default:
		// unknown to the network as well: a DM with the sender, never with ourselves
		t.peer, t.peerAddress = msg.SenderInboxID, msg.SenderAddress
	}
	conv, err := m.locate(t)
	switch {
	case errors.Is(err, types.ErrSelfConversation):
		m.logger.Debug(fmt.Sprintf("Suppressed self-addressed message %s", utils.ShortID(msg.ID)), pipelineCategory)
		return nil
	case errors.Is(err, types.ErrConversationGone):
		return nil
	case err != nil:
		return err
	}

	msg.ConversationID = conv.ID
	msg.Outgoing = outgoing
	if msg.Type == "" {
		msg.Type = types.MessageText
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = m.now()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = msg.ReceivedAt
	}
	switch {
	case !outgoing:
		msg.Status = types.StatusDelivered
	case msg.Status == "" || msg.Status == types.StatusPending:
		// our own message sent from another installation
		msg.Status = types.StatusSent
	}
	m.storeAttachment(msg)

	if !m.stores.Messages.Append(msg) {
		return nil
	}
	if _, err := m.db.InsertMessageIfAbsent(msg); err != nil {
		m.logger.Warn(fmt.Sprintf("Failed to persist message %s: %v", utils.ShortID(msg.ID), err), pipelineCategory)
	}

	countUnread := !outgoing && msg.Type != types.MessageSystem
	m.touchConversation(conv.ID, msg.SentAt, msg.Preview(m.cfg.PreviewMax), countUnread)
	return nil
}

// lookupRemote asks the network what an unknown conversation is. Failures are logged
// and yield nil, leaving the caller to its fallback.
func (m *Manager) lookupRemote(ctx context.Context, id string) *protocol.RemoteConversation {
	if types.IsLocalID(id) {
		return nil
	}
	rc, err := protocol.WithTimeout(ctx, m.cfg.Timeout, "conversation lookup",
		func(ctx context.Context) (*protocol.RemoteConversation, error) {
			return m.client.GetConversation(ctx, id)
		})
	if err != nil {
		m.logger.Debug(fmt.Sprintf("Lookup of conversation %s failed: %v", utils.ShortID(id), err), pipelineCategory)
		return nil
	}
	return rc
}

// knownMessage reports whether id is already stored, or is the confirmed id of one of our sends.
func (m *Manager) knownMessage(id string) bool {
	if m.stores.Messages.Has(id) {
		return true
	}
	local, err := m.db.LocalID(database.MappingMessage, id)
	if err != nil {
		m.logger.Debug(err.Error(), pipelineCategory)
	}
	if local != "" {
		return true
	}
	n, err := m.db.CountMessages(id)
	return err == nil && n > 0
}

// storeAttachment moves inline attachment bytes into content-addressed storage.
func (m *Manager) storeAttachment(msg *types.Message) {
	if msg.Attachment == nil || len(msg.Attachment.Data) == 0 {
		return
	}
	msg.Type = types.MessageAttachment
	if _, err := m.db.SaveAttachment(msg.Attachment); err != nil {
		m.logger.Warn(fmt.Sprintf("Failed to store attachment of %s: %v", utils.ShortID(msg.ID), err), pipelineCategory)
		return
	}
	msg.Attachment.Data = nil
}

// touchConversation moves the preview forward for newer messages and bumps the unread
// counter unless the conversation is on screen.
func (m *Manager) touchConversation(id string, at time.Time, preview string, countUnread bool) {
	active := m.stores.Conversations.Active() == id
	updated := m.stores.Conversations.Update(id, func(c *types.Conversation) {
		if !at.Before(c.LastMessageAt) {
			c.LastMessageAt = at
			c.LastMessagePreview = preview
		}
		if countUnread && !active {
			c.UnreadCount++
		}
	})
	if updated != nil {
		m.persistConversation(updated)
	}
}

// HandleSystem applies a group membership or metadata change and records it as a
// system message. It never affects unread counts.
func (m *Manager) HandleSystem(ctx context.Context, ev types.Event) error {
	change := ev.System.System
	t := target{
		conversationID: ev.System.ConversationID,
		group:          true,
		source:         ev.Source,
	}
	if m.conversation(t.conversationID) == nil {
		t.remote = m.lookupRemote(ctx, t.conversationID)
	}
	conv, err := m.locate(t)
	if errors.Is(err, types.ErrConversationGone) {
		return nil
	}
	if err != nil {
		return err
	}

	id := change.ID
	if id == "" {
		id = "system-" + utils.ShortHash(fmt.Sprintf("%s|%s|%d|%v", conv.ID, change.Kind, change.SentAt.UnixNano(), change.InboxIDs), 32)
	}
	if m.knownMessage(id) {
		return nil
	}

	updated := m.stores.Conversations.Update(conv.ID, func(c *types.Conversation) { applySystemChange(c, change) })
	if updated != nil {
		m.persistConversation(updated)
	}

	sentAt := change.SentAt
	if sentAt.IsZero() {
		sentAt = m.now()
	}
	msg := &types.Message{
		ID:             id,
		ConversationID: conv.ID,
		SenderInboxID:  change.Initiator,
		SentAt:         sentAt,
		ReceivedAt:     m.now(),
		Type:           types.MessageSystem,
		Body:           m.describeSystem(change),
		Status:         types.StatusDelivered,
	}
	if !m.stores.Messages.Append(msg) {
		return nil
	}
	if _, err := m.db.InsertMessageIfAbsent(msg); err != nil {
		m.logger.Warn(fmt.Sprintf("Failed to persist system message %s: %v", utils.ShortID(msg.ID), err), pipelineCategory)
	}
	m.touchConversation(conv.ID, msg.SentAt, msg.Preview(m.cfg.PreviewMax), false)
	return nil
}

func applySystemChange(c *types.Conversation, change *types.SystemChange) {
	switch change.Kind {
	case types.SystemMembersAdded:
		c.MemberInboxIDs = c.MemberInboxIDs.Merge(change.InboxIDs...)
		c.MemberAddresses = c.MemberAddresses.Merge(change.Addresses...)
	case types.SystemMembersRemoved:
		c.MemberInboxIDs = c.MemberInboxIDs.Remove(change.InboxIDs...)
		kept := types.Addresses{}
		for _, a := range c.MemberAddresses {
			if !types.Addresses(change.Addresses).Contains(a) {
				kept = append(kept, a)
			}
		}
		c.MemberAddresses = kept
		c.Admins = c.Admins.Remove(change.InboxIDs...)
		c.SuperAdmins = c.SuperAdmins.Remove(change.InboxIDs...)
	case types.SystemAdminsAdded:
		c.Admins = c.Admins.Merge(change.InboxIDs...)
	case types.SystemAdminsRemoved:
		c.Admins = c.Admins.Remove(change.InboxIDs...)
	case types.SystemGroupRenamed:
		if change.GroupName != "" {
			c.Name = change.GroupName
		}
	}
}

func (m *Manager) displayName(id types.InboxID) string {
	if id == m.self() {
		return "You"
	}
	if c := m.contacts.GetContactByInboxID(id); c != nil {
		return c.DisplayName()
	}
	return utils.ShortID(id.String())
}

func (m *Manager) describeSystem(change *types.SystemChange) string {
	who := "Someone"
	if !change.Initiator.IsZero() {
		who = m.displayName(change.Initiator)
	}
	names := make([]string, 0, len(change.InboxIDs))
	for _, id := range change.InboxIDs {
		names = append(names, m.displayName(id))
	}
	subjects := strings.Join(names, ", ")

	switch change.Kind {
	case types.SystemMembersAdded:
		return fmt.Sprintf("%s added %s", who, subjects)
	case types.SystemMembersRemoved:
		return fmt.Sprintf("%s removed %s", who, subjects)
	case types.SystemAdminsAdded:
		return fmt.Sprintf("%s made %s admin", who, subjects)
	case types.SystemAdminsRemoved:
		return fmt.Sprintf("%s removed admin rights from %s", who, subjects)
	case types.SystemGroupRenamed:
		return fmt.Sprintf("%s renamed the group to %q", who, change.GroupName)
	}
	return fmt.Sprintf("%s changed the group", who)
}

// HandleReadReceipt advances our own pending or sent messages at or before the receipt
// time to delivered. Delivered and failed messages are never touched.
func (m *Manager) HandleReadReceipt(ctx context.Context, ev types.Event) error {
	r := ev.ReadReceipt
	if m.isSelf(r.SenderInboxID, "") {
		return nil
	}
	convID := m.canonicalID(r.ConversationID)
	upTo := r.SentAt
	if upTo.IsZero() {
		upTo = m.now()
	}

	advanced := 0
	for _, msg := range m.stores.Messages.List(convID) {
		if !msg.Outgoing || !receiptApplies(msg.Status) || msg.SentAt.After(upTo) {
			continue
		}
		m.stores.Messages.Update(msg.ID, func(stored *types.Message) {
			if receiptApplies(stored.Status) {
				stored.Status = types.StatusDelivered
			}
		})
		advanced++
	}

	stored, err := m.db.ListOutgoingUpTo(convID, upTo)
	if err != nil {
		return fmt.Errorf("failed to read outgoing messages: %w", err)
	}
	for _, msg := range stored {
		if err := m.db.UpdateMessageStatus(msg.ID, types.StatusDelivered); err != nil {
			m.logger.Warn(err.Error(), pipelineCategory)
		}
	}
	if advanced > 0 {
		m.logger.Debug(fmt.Sprintf("Read receipt delivered %d messages in %s", advanced, utils.ShortID(convID)), pipelineCategory)
	}
	return nil
}

func receiptApplies(s types.MessageStatus) bool {
	return s == types.StatusPending || s == types.StatusSent
}

// IsKnownMessage reports whether a message id is already stored locally or is the
// network id of one of our own sends.
func (m *Manager) IsKnownMessage(id string) bool {
	return m.knownMessage(id)
}
