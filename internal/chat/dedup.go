package chat

import (
	"fmt"
	"sort"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/database"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

const dedupCategory = "dedup"

// Deduplicate collapses every other DM with the same peer into one survivor and returns
// the survivor's id. Groups and DMs without a peer are returned unchanged. Running it on
// clean state changes nothing.
func (m *Manager) Deduplicate(conv *types.Conversation) string {
	if conv == nil || conv.IsGroup() || conv.PeerKey() == "" {
		if conv == nil {
			return ""
		}
		return conv.ID
	}

	candidates := m.duplicatesOf(conv)
	if len(candidates) < 2 {
		return conv.ID
	}

	winner := pickWinner(candidates, conv.ID)
	if !m.stores.Conversations.Has(winner.ID) {
		m.stores.Conversations.Put(winner)
	}
	for _, c := range candidates {
		if c.ID != winner.ID {
			m.collapseInto(c, winner)
		}
	}
	m.logger.Info(fmt.Sprintf("Collapsed %d duplicate conversations with %s into %s",
		len(candidates)-1, utils.ShortID(conv.PeerKey()), utils.ShortID(winner.ID)), dedupCategory)
	return winner.ID
}

// duplicatesOf gathers every DM that shares conv's peer, from memory and storage.
func (m *Manager) duplicatesOf(conv *types.Conversation) []*types.Conversation {
	seen := map[string]*types.Conversation{conv.ID: conv}
	add := func(cs []*types.Conversation) {
		for _, c := range cs {
			if _, ok := seen[c.ID]; !ok {
				seen[c.ID] = c
			}
		}
	}

	add(m.stores.Conversations.DirectByPeerKey(conv.PeerKey()))
	if !conv.PeerInboxID.IsZero() && !conv.PeerAddress.IsZero() {
		// placeholders created before the peer's inbox id was known
		add(m.stores.Conversations.DirectByPeerKey("addr:" + conv.PeerAddress.String()))
	}
	if !conv.PeerInboxID.IsZero() {
		stored, err := m.db.ListDirectConversationsByPeer(conv.PeerInboxID)
		if err != nil {
			m.logger.Debug(fmt.Sprintf("Failed to list stored conversations for dedup: %v", err), dedupCategory)
		}
		add(stored)
	}

	out := make([]*types.Conversation, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}
	return out
}

// pickWinner prefers network-confirmed ids, then the most recent activity, then the
// conversation being processed. Ties fall back to the id so the choice is deterministic.
func pickWinner(candidates []*types.Conversation, processing string) *types.Conversation {
	sorted := append([]*types.Conversation(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if la, lb := types.IsLocalID(a.ID), types.IsLocalID(b.ID); la != lb {
			return !la
		}
		if !a.LastMessageAt.Equal(b.LastMessageAt) {
			return a.LastMessageAt.After(b.LastMessageAt)
		}
		if (a.ID == processing) != (b.ID == processing) {
			return a.ID == processing
		}
		return a.ID < b.ID
	})
	return sorted[0]
}

// collapseInto moves loser's messages and counters into winner and deletes loser.
// Storage failures are logged and swallowed.
func (m *Manager) collapseInto(loser, winner *types.Conversation) {
	moved := m.stores.Messages.MoveConversation(loser.ID, winner.ID)
	if _, err := m.db.ReassignConversationMessages(loser.ID, winner.ID); err != nil {
		m.logger.Warn(fmt.Sprintf("Failed to re-home messages of %s: %v", utils.ShortID(loser.ID), err), dedupCategory)
	}

	updated := m.stores.Conversations.Update(winner.ID, func(w *types.Conversation) {
		w.UnreadCount += loser.UnreadCount
		if loser.LastMessageAt.After(w.LastMessageAt) {
			w.LastMessageAt = loser.LastMessageAt
			w.LastMessagePreview = loser.LastMessagePreview
		}
		if w.PeerAddress.IsZero() {
			w.PeerAddress = loser.PeerAddress
		}
		w.Pinned = w.Pinned || loser.Pinned
	})
	if updated != nil {
		m.persistConversation(updated)
	}

	if m.stores.Conversations.Active() == loser.ID {
		m.stores.Conversations.SetActive(winner.ID)
	}
	m.stores.Conversations.Delete(loser.ID)
	if err := m.db.DeleteConversation(loser.ID); err != nil {
		m.logger.Warn(fmt.Sprintf("Failed to delete duplicate conversation %s: %v", utils.ShortID(loser.ID), err), dedupCategory)
	}

	m.rememberAlias(loser.ID, winner.ID)
	if err := m.db.SaveIDMapping(database.MappingAlias, loser.ID, winner.ID); err != nil {
		m.logger.Warn(err.Error(), dedupCategory)
	}
	m.logger.Debug(fmt.Sprintf("Moved %d messages from %s to %s", moved, utils.ShortID(loser.ID), utils.ShortID(winner.ID)), dedupCategory)
}
