package chat

import (
	"context"
	"fmt"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/protocol"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

const syncCategory = "conversation-sync"

// SyncConversations merges the network's conversation list into local state and
// returns how many conversations were applied. Removed conversations stay removed.
func (m *Manager) SyncConversations(ctx context.Context) (int, error) {
	remote, err := protocol.WithTimeout(ctx, m.cfg.Timeout, "conversation list", m.client.ListConversations)
	if err != nil {
		return 0, fmt.Errorf("failed to list conversations: %w", err)
	}
	tombstones, err := m.db.TombstonedIDs()
	if err != nil {
		m.logger.Warn(err.Error(), syncCategory)
		tombstones = map[string]bool{}
	}

	applied := 0
	for _, rc := range remote {
		conv, err := m.ApplyRemoteConversation(rc, tombstones)
		if err != nil {
			m.logger.Warn(fmt.Sprintf("Skipping conversation %s: %v", utils.ShortID(rc.ID), err), syncCategory)
			continue
		}
		if conv != nil {
			applied++
		}
	}
	m.logger.Info(fmt.Sprintf("Synced %d of %d conversations", applied, len(remote)), syncCategory)
	return applied, nil
}

// ApplyRemoteConversation merges one network conversation. It returns nil without error
// for tombstoned conversations and DMs with the active identity. A nil tombstones map
// means the caller already decided the conversation may exist.
func (m *Manager) ApplyRemoteConversation(rc *protocol.RemoteConversation, tombstones map[string]bool) (*types.Conversation, error) {
	if rc == nil || rc.ID == "" {
		return nil, fmt.Errorf("conversation without id")
	}
	if tombstones != nil && tombstones[rc.ID] {
		return nil, nil
	}
	group := rc.Kind == types.ConversationGroup
	if !group && m.isSelf(rc.PeerInboxID, "") {
		return nil, nil
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()

	id := m.canonicalID(rc.ID)
	conv := m.conversation(id)
	if conv == nil {
		conv = &types.Conversation{ID: rc.ID, Kind: rc.Kind, CreatedAt: rc.CreatedAt}
		if conv.CreatedAt.IsZero() {
			conv.CreatedAt = m.now()
		}
	}

	if id == rc.ID {
		// an alias target keeps its own metadata
		conv.Kind = rc.Kind
		if group {
			conv.Name = pick(rc.Name, conv.Name)
			conv.AvatarURL = pick(rc.AvatarURL, conv.AvatarURL)
			conv.MemberInboxIDs = types.InboxIDs{}.Merge(rc.MemberInboxIDs...)
			conv.Admins = types.InboxIDs{}.Merge(rc.Admins...)
			conv.SuperAdmins = types.InboxIDs{}.Merge(rc.SuperAdmins...)
		} else if !rc.PeerInboxID.IsZero() {
			conv.PeerInboxID = rc.PeerInboxID
		}
	}
	if rc.LastMessageAt.After(conv.LastMessageAt) {
		conv.LastMessageAt = rc.LastMessageAt
	}
	if !group {
		m.applyContact(conv, m.contacts.GetContactByInboxID(conv.PeerInboxID))
	}

	m.stores.Conversations.Put(conv)
	m.persistConversation(conv)

	winner := m.Deduplicate(conv)
	return m.conversation(winner), nil
}

// PeerInboxIDs lists the peers of every DM and the members of every group, for enrichment.
func (m *Manager) PeerInboxIDs() types.InboxIDs {
	var ids types.InboxIDs
	for _, c := range m.stores.Conversations.List() {
		if c.IsGroup() {
			ids = ids.Merge(c.MemberInboxIDs...)
		} else {
			ids = ids.Merge(c.PeerInboxID)
		}
	}
	return ids.Remove(m.self())
}

// ConversationIDs lists the network ids of every known conversation.
func (m *Manager) ConversationIDs() []string {
	var ids []string
	for _, c := range m.stores.Conversations.List() {
		if !types.IsLocalID(c.ID) {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

func pick(preferred, fallback string) string {
	if preferred != "" {
		return preferred
	}
	return fallback
}

// EnrichConversation force-refreshes the profiles behind a conversation, for when it is
// opened in the UI. Refresh failures are logged per peer.
func (m *Manager) EnrichConversation(ctx context.Context, id string) (*types.Conversation, error) {
	conv := m.conversation(id)
	if conv == nil {
		return nil, fmt.Errorf("conversation %s: %w", id, types.ErrNotFound)
	}

	peers := types.InboxIDs{conv.PeerInboxID}
	if conv.IsGroup() {
		peers = conv.MemberInboxIDs
	}
	for _, p := range peers.Remove(m.self()) {
		if p.IsZero() {
			continue
		}
		c, err := m.contacts.Refresh(ctx, p, 0)
		if err != nil {
			m.logger.Debug(fmt.Sprintf("Enrichment of %s failed: %v", utils.ShortID(p.String()), err), category)
			continue
		}
		if !conv.IsGroup() {
			conv = m.refreshDisplay(conv, c)
		}
	}
	return m.conversation(conv.ID), nil
}
