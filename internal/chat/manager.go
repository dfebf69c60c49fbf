// Package chat owns conversation and message state: the ingestion pipeline that is
// its single writer, duplicate DM collapsing, outbound sends and conversation lifecycle.
package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/contacts"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/database"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/protocol"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/store"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

const category = "chat"

type Config struct {
	PreviewMax int
	Timeout    time.Duration
}

func ConfigFrom(cm *utils.ConfigManager) Config {
	return Config{
		PreviewMax: cm.GetConfigInt("preview_max_chars", 100, 10, 1000),
		Timeout:    cm.GetConfigDuration("network_call_timeout", 10*time.Second),
	}
}

// Manager manages chat conversations and messages of the active inbox
type Manager struct {
	db       *database.SQLiteManager
	stores   *store.Stores
	contacts *contacts.Reconciler
	client   protocol.Client
	cfg      Config
	logger   *utils.LogsManager
	now      func() time.Time

	// serializes locate-or-create so two events for a new peer cannot both create a DM
	createMu sync.Mutex

	aliasMu sync.RWMutex
	aliases map[string]string
}

// NewManager creates a new chat manager
func NewManager(db *database.SQLiteManager, stores *store.Stores, reconciler *contacts.Reconciler,
	client protocol.Client, cfg Config, logger *utils.LogsManager) *Manager {
	return &Manager{
		db:       db,
		stores:   stores,
		contacts: reconciler,
		client:   client,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		aliases:  make(map[string]string),
	}
}

// Load hydrates the conversation and message stores from storage.
func (m *Manager) Load() (int, error) {
	convs, err := m.db.ListConversations(0, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to load conversations: %w", err)
	}
	for _, conv := range convs {
		m.stores.Conversations.Put(conv)
		msgs, err := m.db.ListMessages(conv.ID, 0, 0)
		if err != nil {
			return 0, fmt.Errorf("failed to load messages of %s: %w", conv.ID, err)
		}
		for _, msg := range msgs {
			m.stores.Messages.Append(msg)
		}
	}
	return len(convs), nil
}

func (m *Manager) self() types.InboxID {
	return m.stores.Auth.InboxID()
}

func (m *Manager) isSelf(id types.InboxID, addr types.Address) bool {
	me := m.stores.Auth.Identity()
	if me == nil {
		return false
	}
	return (!id.IsZero() && id == me.InboxID) || (!addr.IsZero() && addr == me.Address)
}

// canonicalID follows placeholder and alias mappings to the conversation that holds the data now.
func (m *Manager) canonicalID(id string) string {
	for hops := 0; hops < 4; hops++ {
		if m.stores.Conversations.Has(id) {
			return id
		}
		m.aliasMu.RLock()
		next, ok := m.aliases[id]
		m.aliasMu.RUnlock()
		if !ok {
			remote, err := m.db.RemoteID(id)
			if err != nil {
				m.logger.Warn(err.Error(), category)
			}
			if remote == "" {
				return id
			}
			m.rememberAlias(id, remote)
			next = remote
		}
		id = next
	}
	return id
}

func (m *Manager) rememberAlias(from, to string) {
	m.aliasMu.Lock()
	m.aliases[from] = to
	m.aliasMu.Unlock()
}

// conversation returns the canonical conversation for id from memory or storage.
func (m *Manager) conversation(id string) *types.Conversation {
	id = m.canonicalID(id)
	if conv := m.stores.Conversations.Get(id); conv != nil {
		return conv
	}
	conv, err := m.db.GetConversation(id)
	if err != nil {
		m.logger.Warn(fmt.Sprintf("Failed to read conversation %s: %v", utils.ShortID(id), err), category)
		return nil
	}
	if conv != nil {
		m.stores.Conversations.Put(conv)
	}
	return conv
}

// GetConversation returns a conversation by any id it was ever known under.
func (m *Manager) GetConversation(id string) (*types.Conversation, error) {
	conv := m.conversation(id)
	if conv == nil {
		return nil, fmt.Errorf("%w: conversation %s", types.ErrNotFound, id)
	}
	return conv, nil
}

// ListConversations returns conversations by most recent activity
func (m *Manager) ListConversations() []*types.Conversation {
	return m.stores.Conversations.List()
}

// ListMessages returns a conversation's messages oldest first
func (m *Manager) ListMessages(conversationID string) []*types.Message {
	return m.stores.Messages.List(m.canonicalID(conversationID))
}

// SetActiveConversation marks the conversation on screen; it stops collecting unread counts.
func (m *Manager) SetActiveConversation(id string) error {
	if id == "" {
		m.stores.Conversations.SetActive("")
		return nil
	}
	conv, err := m.GetConversation(id)
	if err != nil {
		return err
	}
	m.stores.Conversations.SetActive(conv.ID)
	return m.MarkConversationRead(conv.ID)
}

// MarkConversationRead resets the unread counter in memory and storage
func (m *Manager) MarkConversationRead(id string) error {
	id = m.canonicalID(id)
	if m.stores.Conversations.Update(id, func(c *types.Conversation) { c.UnreadCount = 0 }) == nil {
		return fmt.Errorf("%w: conversation %s", types.ErrNotFound, id)
	}
	return m.db.ResetUnreadCount(id)
}

// StartConversation opens (or returns the existing) DM with a peer given as an address or inbox id.
// The conversation exists locally under a placeholder id until the network confirms it.
func (m *Manager) StartConversation(ctx context.Context, peer string) (*types.Conversation, error) {
	peerID, peerAddr, err := m.resolvePeer(ctx, peer)
	if err != nil {
		return nil, err
	}
	if m.isSelf(peerID, peerAddr) {
		return nil, types.ErrSelfConversation
	}

	if existing := m.stores.Conversations.DirectByPeerKey("inbox:" + peerID.String()); len(existing) > 0 {
		winner := m.Deduplicate(existing[0])
		return m.conversation(winner), nil
	}

	placeholder := &types.Conversation{
		ID:          types.LocalIDPrefix + uuid.New().String(),
		Kind:        types.ConversationDM,
		PeerInboxID: peerID,
		PeerAddress: peerAddr,
		CreatedAt:   m.now(),
	}
	m.applyContact(placeholder, m.contacts.GetContactByInboxID(peerID))
	m.stores.Conversations.Put(placeholder)
	if err := m.db.SaveConversation(placeholder); err != nil {
		m.stores.Conversations.Delete(placeholder.ID)
		return nil, err
	}

	confirmed, err := m.ensureRemote(ctx, placeholder)
	if err != nil {
		m.logger.Warn(fmt.Sprintf("Conversation with %s stays local for now: %v", utils.ShortID(peerID.String()), err), category)
		return placeholder, err
	}
	m.logger.Info(fmt.Sprintf("Started conversation %s with %s", utils.ShortID(confirmed.ID), utils.ShortID(peerID.String())), category)
	return confirmed, nil
}

// resolvePeer accepts a wallet address or an inbox id.
func (m *Manager) resolvePeer(ctx context.Context, peer string) (types.InboxID, types.Address, error) {
	peer = strings.TrimSpace(peer)
	if strings.HasPrefix(strings.ToLower(peer), "0x") {
		c, err := m.contacts.ResolveAddress(ctx, peer)
		if err != nil {
			return "", "", err
		}
		if c == nil {
			// the address belongs to the active identity
			return m.self(), types.MustAddress(peer), nil
		}
		return c.InboxID, c.PrimaryAddress, nil
	}
	id := types.NewInboxID(peer)
	if id.IsZero() {
		return "", "", fmt.Errorf("empty peer")
	}
	return id, "", nil
}

// ensureRemote returns the confirmed conversation for conv, creating it on the network
// when conv is still a local placeholder.
func (m *Manager) ensureRemote(ctx context.Context, conv *types.Conversation) (*types.Conversation, error) {
	if !types.IsLocalID(conv.ID) {
		return conv, nil
	}
	if remote, err := m.db.RemoteID(conv.ID); err == nil && remote != "" {
		if c := m.conversation(remote); c != nil {
			return c, nil
		}
	}

	var rc *protocol.RemoteConversation
	var err error
	if conv.IsGroup() {
		rc, err = protocol.WithTimeout(ctx, m.cfg.Timeout, "group creation", func(ctx context.Context) (*protocol.RemoteConversation, error) {
			return m.client.CreateGroup(ctx, conv.Name, conv.MemberInboxIDs.Remove(m.self()))
		})
	} else {
		rc, err = protocol.WithTimeout(ctx, m.cfg.Timeout, "conversation creation", func(ctx context.Context) (*protocol.RemoteConversation, error) {
			return m.client.CreateDM(ctx, conv.PeerInboxID)
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation on the network: %w", err)
	}

	if err := m.db.SaveIDMapping(database.MappingConversation, conv.ID, rc.ID); err != nil {
		m.logger.Warn(err.Error(), category)
	}
	m.rememberAlias(conv.ID, rc.ID)
	// an explicit start overrides an earlier removal
	if err := m.db.ClearTombstone(rc.ID); err != nil {
		m.logger.Warn(err.Error(), category)
	}

	confirmed, err := m.ApplyRemoteConversation(rc, nil)
	if err != nil {
		return nil, err
	}
	if confirmed == nil {
		return nil, fmt.Errorf("confirmed conversation %s was rejected", rc.ID)
	}
	if conv.IsGroup() && m.stores.Conversations.Has(conv.ID) {
		m.collapseInto(conv, confirmed)
	}
	return confirmed, nil
}

// CreateGroup creates a group with members given as addresses or inbox ids.
func (m *Manager) CreateGroup(ctx context.Context, name string, members []string) (*types.Conversation, error) {
	var ids types.InboxIDs
	for _, raw := range members {
		id, _, err := m.resolvePeer(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("cannot add member %s: %w", raw, err)
		}
		if id != m.self() {
			ids = ids.Merge(id)
		}
	}

	placeholder := &types.Conversation{
		ID:             types.LocalIDPrefix + uuid.New().String(),
		Kind:           types.ConversationGroup,
		Name:           name,
		MemberInboxIDs: ids.Merge(m.self()),
		SuperAdmins:    types.InboxIDs{}.Merge(m.self()),
		CreatedAt:      m.now(),
	}
	m.stores.Conversations.Put(placeholder)
	if err := m.db.SaveConversation(placeholder); err != nil {
		m.stores.Conversations.Delete(placeholder.ID)
		return nil, err
	}

	confirmed, err := m.ensureRemote(ctx, placeholder)
	if err != nil {
		return placeholder, err
	}
	m.logger.Info(fmt.Sprintf("Created group '%s' (%s) with %d members", name, utils.ShortID(confirmed.ID), len(ids)), category)
	return m.conversation(confirmed.ID), nil
}

// RemoveConversation deletes a conversation and its messages and keeps it from being
// resurrected by sync or backfill.
func (m *Manager) RemoveConversation(id string) error {
	return m.remove(id, "removed")
}

func (m *Manager) remove(id, reason string) error {
	conv := m.conversation(id)
	if conv == nil {
		return fmt.Errorf("%w: conversation %s", types.ErrNotFound, id)
	}
	if err := m.db.AddTombstone(conv.ID, conv.PeerInboxID, reason); err != nil {
		return err
	}
	m.stores.Conversations.Delete(conv.ID)
	m.stores.Messages.DeleteConversation(conv.ID)
	if err := m.db.DeleteConversation(conv.ID); err != nil {
		return err
	}
	m.logger.Info(fmt.Sprintf("Conversation %s %s", utils.ShortID(conv.ID), reason), category)
	return nil
}

// LeaveGroup leaves a group on the network and removes it locally
func (m *Manager) LeaveGroup(ctx context.Context, id string) error {
	conv := m.conversation(id)
	if conv == nil {
		return fmt.Errorf("%w: group %s", types.ErrNotFound, id)
	}
	if !conv.IsGroup() {
		return fmt.Errorf("conversation is not a group")
	}
	if !types.IsLocalID(conv.ID) {
		_, err := protocol.WithTimeout(ctx, m.cfg.Timeout, "leave group", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, m.client.LeaveGroup(ctx, conv.ID)
		})
		if err != nil {
			return fmt.Errorf("failed to leave group: %w", err)
		}
	}
	return m.remove(conv.ID, "left")
}

// applyContact copies the contact's display data onto a DM, reporting whether anything changed.
func (m *Manager) applyContact(conv *types.Conversation, c *types.Contact) bool {
	if conv.IsGroup() || c == nil {
		return false
	}
	changed := false
	if name := c.DisplayName(); name != "" && conv.Name != name {
		conv.Name = name
		changed = true
	}
	if avatar := c.DisplayAvatar(); avatar != "" && conv.AvatarURL != avatar {
		conv.AvatarURL = avatar
		changed = true
	}
	if conv.PeerAddress.IsZero() && !c.PrimaryAddress.IsZero() {
		conv.PeerAddress = c.PrimaryAddress
		changed = true
	}
	return changed
}

// refreshDisplay writes contact display data to a stored DM only when it differs.
func (m *Manager) refreshDisplay(conv *types.Conversation, c *types.Contact) *types.Conversation {
	probe := conv.Clone()
	if !m.applyContact(probe, c) {
		return conv
	}
	updated := m.stores.Conversations.Update(conv.ID, func(stored *types.Conversation) { m.applyContact(stored, c) })
	if updated == nil {
		return conv
	}
	m.persistConversation(updated)
	return updated
}

// persistConversation writes a conversation; failures are logged, memory stays authoritative.
func (m *Manager) persistConversation(conv *types.Conversation) {
	if err := m.db.SaveConversation(conv); err != nil {
		m.logger.Warn(fmt.Sprintf("Failed to persist conversation %s: %v", utils.ShortID(conv.ID), err), category)
	}
}
