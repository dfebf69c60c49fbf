package chat

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/database"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/protocol"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

const senderCategory = "sender"

// Send shows the message immediately under a local id, then sends it. On success the
// local id is mapped to the network id; on failure the message is marked failed and
// can be retried with Retry.
func (m *Manager) Send(ctx context.Context, conversationID, body string, attachment *types.Attachment) (*types.Message, error) {
	conv := m.conversation(conversationID)
	if conv == nil {
		return nil, fmt.Errorf("%w: conversation %s", types.ErrNotFound, conversationID)
	}
	if body == "" && attachment == nil {
		return nil, fmt.Errorf("empty message")
	}
	me := m.stores.Auth.Identity()
	if me == nil {
		return nil, types.ErrNotConnected
	}

	msg := &types.Message{
		ID:             types.LocalIDPrefix + uuid.New().String(),
		ConversationID: conv.ID,
		SenderInboxID:  me.InboxID,
		SenderAddress:  me.Address,
		SentAt:         m.now(),
		Type:           types.MessageText,
		Body:           body,
		Status:         types.StatusPending,
		Outgoing:       true,
	}
	var payload *types.Attachment
	if attachment != nil {
		payload = &types.Attachment{}
		*payload = *attachment
		msg.Type = types.MessageAttachment
		msg.Attachment = &types.Attachment{Filename: attachment.Filename, ContentType: attachment.ContentType, Data: attachment.Data}
		if _, err := m.db.SaveAttachment(msg.Attachment); err != nil {
			return nil, err
		}
		msg.Attachment.Data = nil
		payload.Digest, payload.Size = msg.Attachment.Digest, msg.Attachment.Size
	}

	m.stores.Messages.Append(msg)
	if _, err := m.db.InsertMessageIfAbsent(msg); err != nil {
		m.stores.Messages.Update(msg.ID, func(stored *types.Message) { stored.Status = types.StatusFailed })
		return nil, fmt.Errorf("failed to store outgoing message: %w", err)
	}
	m.touchConversation(conv.ID, msg.SentAt, msg.Preview(m.cfg.PreviewMax), false)

	return m.deliver(ctx, msg.ID, payload)
}

// Retry re-sends a failed outgoing message under its existing local id.
func (m *Manager) Retry(ctx context.Context, messageID string) (*types.Message, error) {
	msg := m.stores.Messages.Get(messageID)
	if msg == nil {
		stored, err := m.db.GetMessage(messageID)
		if err != nil {
			return nil, err
		}
		msg = stored
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: message %s", types.ErrNotFound, messageID)
	}
	if !msg.Outgoing || msg.Status != types.StatusFailed {
		return nil, fmt.Errorf("message %s is not a failed outgoing message", messageID)
	}
	m.stores.Messages.Append(msg)

	var payload *types.Attachment
	if msg.Attachment != nil {
		stored, err := m.db.GetAttachment(msg.Attachment.Digest)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, fmt.Errorf("attachment %s of %s is gone", msg.Attachment.Digest, messageID)
		}
		payload = stored
	}
	m.setStatus(messageID, types.StatusPending)
	return m.deliver(ctx, messageID, payload)
}

func (m *Manager) deliver(ctx context.Context, localID string, attachment *types.Attachment) (*types.Message, error) {
	msg := m.stores.Messages.Get(localID)
	if msg == nil {
		return nil, fmt.Errorf("%w: message %s", types.ErrNotFound, localID)
	}
	conv := m.conversation(msg.ConversationID)
	if conv == nil {
		m.setStatus(localID, types.StatusFailed)
		return m.stores.Messages.Get(localID), types.ErrConversationGone
	}

	remoteConv, err := m.ensureRemote(ctx, conv)
	if err != nil {
		m.setStatus(localID, types.StatusFailed)
		return m.stores.Messages.Get(localID), err
	}

	sent, err := protocol.WithTimeout(ctx, m.cfg.Timeout, "message send", func(ctx context.Context) (*protocol.SentMessage, error) {
		return m.client.Send(ctx, remoteConv.ID, msg.Body, attachment)
	})
	if err != nil {
		m.setStatus(localID, types.StatusFailed)
		m.logger.Warn(fmt.Sprintf("Send of %s failed: %v", utils.ShortID(localID), err), senderCategory)
		return m.stores.Messages.Get(localID), fmt.Errorf("failed to send message: %w", err)
	}

	if err := m.db.SaveIDMapping(database.MappingMessage, localID, sent.ID); err != nil {
		m.logger.Warn(err.Error(), senderCategory)
	}
	m.setStatus(localID, types.StatusSent)
	m.stores.Messages.Rekey(localID, sent.ID)

	confirmed := m.stores.Messages.Get(sent.ID)
	if confirmed != nil {
		if err := m.db.SaveMessage(confirmed); err != nil {
			m.logger.Warn(err.Error(), senderCategory)
		} else if err := m.db.DeleteMessage(localID); err != nil {
			m.logger.Warn(err.Error(), senderCategory)
		}
	}
	m.logger.Debug(fmt.Sprintf("Sent %s as %s", utils.ShortID(localID), utils.ShortID(sent.ID)), senderCategory)
	return confirmed, nil
}

// ResolveMessageID returns the network id of a message sent under a local id.
func (m *Manager) ResolveMessageID(id string) string {
	if !types.IsLocalID(id) {
		return id
	}
	remote, err := m.db.RemoteID(id)
	if err != nil || remote == "" {
		return id
	}
	return remote
}

// setStatus never moves a delivered message backwards.
func (m *Manager) setStatus(id string, status types.MessageStatus) {
	updated := m.stores.Messages.Update(id, func(stored *types.Message) {
		if stored.Status != types.StatusDelivered {
			stored.Status = status
		}
	})
	if updated != nil && updated.Status != status {
		return
	}
	if err := m.db.UpdateMessageStatus(id, status); err != nil {
		m.logger.Warn(err.Error(), senderCategory)
	}
}
