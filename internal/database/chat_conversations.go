package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
)

const conversationColumns = `
	conversation_id, kind, peer_inbox_id, peer_address, member_addresses, member_inbox_ids,
	admins, super_admins, name, avatar_url, created_at, last_message_at, last_message_preview,
	unread_count, pinned, archived`

// InitChatConversationsTable creates the chat_conversations table
func (sqlm *SQLiteManager) InitChatConversationsTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS chat_conversations (
		conversation_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL CHECK(kind IN ('dm', 'group')),
		peer_inbox_id TEXT,
		peer_address TEXT,
		member_addresses TEXT,
		member_inbox_ids TEXT,
		admins TEXT,
		super_admins TEXT,
		name TEXT,
		avatar_url TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		last_message_at INTEGER DEFAULT 0,
		last_message_preview TEXT,
		unread_count INTEGER DEFAULT 0,
		pinned INTEGER DEFAULT 0,
		archived INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_last_message ON chat_conversations(last_message_at DESC);
	CREATE INDEX IF NOT EXISTS idx_conversations_peer ON chat_conversations(peer_inbox_id) WHERE peer_inbox_id IS NOT NULL;
	`
	_, err := sqlm.db.Exec(query)
	return err
}

// SaveConversation upserts a conversation by id.
func (sqlm *SQLiteManager) SaveConversation(conv *types.Conversation) error {
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}

	memberAddrs, err := encodeJSON(conv.MemberAddresses)
	if err != nil {
		return fmt.Errorf("failed to encode member addresses: %w", err)
	}
	memberIDs, err := encodeJSON(conv.MemberInboxIDs)
	if err != nil {
		return fmt.Errorf("failed to encode member inbox ids: %w", err)
	}
	admins, err := encodeJSON(conv.Admins)
	if err != nil {
		return fmt.Errorf("failed to encode admins: %w", err)
	}
	superAdmins, err := encodeJSON(conv.SuperAdmins)
	if err != nil {
		return fmt.Errorf("failed to encode super admins: %w", err)
	}

	_, err = sqlm.db.Exec(`
	INSERT INTO chat_conversations (`+conversationColumns+`, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(conversation_id) DO UPDATE SET
		kind = excluded.kind,
		peer_inbox_id = excluded.peer_inbox_id,
		peer_address = excluded.peer_address,
		member_addresses = excluded.member_addresses,
		member_inbox_ids = excluded.member_inbox_ids,
		admins = excluded.admins,
		super_admins = excluded.super_admins,
		name = excluded.name,
		avatar_url = excluded.avatar_url,
		last_message_at = excluded.last_message_at,
		last_message_preview = excluded.last_message_preview,
		unread_count = excluded.unread_count,
		pinned = excluded.pinned,
		archived = excluded.archived,
		updated_at = excluded.updated_at
	`,
		conv.ID,
		string(conv.Kind),
		nullString(conv.PeerInboxID.String()),
		nullString(conv.PeerAddress.String()),
		memberAddrs,
		memberIDs,
		admins,
		superAdmins,
		nullString(conv.Name),
		nullString(conv.AvatarURL),
		toMillis(conv.CreatedAt),
		toMillis(conv.LastMessageAt),
		nullString(conv.LastMessagePreview),
		conv.UnreadCount,
		boolToInt(conv.Pinned),
		boolToInt(conv.Archived),
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*types.Conversation, error) {
	var (
		conv                                      types.Conversation
		kind                                      string
		peerInboxID, peerAddress, name, avatarURL sql.NullString
		memberAddrs, memberIDs, admins, supers    sql.NullString
		preview                                   sql.NullString
		createdAt, lastMessageAt                  int64
		pinned, archived                          int
	)

	err := row.Scan(
		&conv.ID, &kind, &peerInboxID, &peerAddress, &memberAddrs, &memberIDs,
		&admins, &supers, &name, &avatarURL, &createdAt, &lastMessageAt, &preview,
		&conv.UnreadCount, &pinned, &archived,
	)
	if err != nil {
		return nil, err
	}

	conv.Kind = types.ConversationKind(kind)
	conv.PeerInboxID = types.InboxID(scanNullableString(peerInboxID))
	conv.PeerAddress = types.Address(scanNullableString(peerAddress))
	conv.Name = scanNullableString(name)
	conv.AvatarURL = scanNullableString(avatarURL)
	conv.LastMessagePreview = scanNullableString(preview)
	conv.CreatedAt = fromMillis(createdAt)
	conv.LastMessageAt = fromMillis(lastMessageAt)
	conv.Pinned = pinned == 1
	conv.Archived = archived == 1

	for _, col := range []struct {
		raw sql.NullString
		dst any
	}{
		{memberAddrs, &conv.MemberAddresses},
		{memberIDs, &conv.MemberInboxIDs},
		{admins, &conv.Admins},
		{supers, &conv.SuperAdmins},
	} {
		if err := decodeJSON(col.raw, col.dst); err != nil {
			return nil, fmt.Errorf("failed to decode conversation %s members: %w", conv.ID, err)
		}
	}

	return &conv, nil
}

// GetConversation retrieves a conversation by ID, or nil.
func (sqlm *SQLiteManager) GetConversation(conversationID string) (*types.Conversation, error) {
	return QueryRowSingle(sqlm.db,
		`SELECT `+conversationColumns+` FROM chat_conversations WHERE conversation_id = ?`,
		func(row *sql.Row) (*types.Conversation, error) { return scanConversation(row) },
		sqlm.logger, category, conversationID)
}

// ListDirectConversationsByPeer returns every DM stored for a peer (more than one means duplicates).
func (sqlm *SQLiteManager) ListDirectConversationsByPeer(peer types.InboxID) ([]*types.Conversation, error) {
	return QueryRows(sqlm.db,
		`SELECT `+conversationColumns+` FROM chat_conversations WHERE kind = 'dm' AND peer_inbox_id = ?
		 ORDER BY last_message_at DESC`,
		func(rows *sql.Rows) (*types.Conversation, error) { return scanConversation(rows) },
		sqlm.logger, category, peer.String())
}

// ListConversations lists conversations by most recent activity. limit <= 0 means all.
func (sqlm *SQLiteManager) ListConversations(limit, offset int) ([]*types.Conversation, error) {
	if limit <= 0 {
		limit = -1
	}
	return QueryRows(sqlm.db,
		`SELECT `+conversationColumns+` FROM chat_conversations
		 ORDER BY last_message_at DESC, created_at DESC
		 LIMIT ? OFFSET ?`,
		func(rows *sql.Rows) (*types.Conversation, error) { return scanConversation(rows) },
		sqlm.logger, category, limit, offset)
}

// ResetUnreadCount resets the unread count for a conversation to 0
func (sqlm *SQLiteManager) ResetUnreadCount(conversationID string) error {
	_, err := sqlm.db.Exec(`
	UPDATE chat_conversations SET unread_count = 0, updated_at = ? WHERE conversation_id = ?
	`, time.Now().UnixMilli(), conversationID)
	if err != nil {
		return fmt.Errorf("failed to reset unread count: %w", err)
	}
	return nil
}

// DeleteConversation deletes a conversation; its messages are cascade deleted.
func (sqlm *SQLiteManager) DeleteConversation(conversationID string) error {
	if _, err := sqlm.db.Exec(`DELETE FROM chat_conversations WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// CountConversations returns the number of stored conversations
func (sqlm *SQLiteManager) CountConversations() (int, error) {
	var n int
	if err := sqlm.db.QueryRow(`SELECT COUNT(*) FROM chat_conversations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count conversations: %w", err)
	}
	return n, nil
}
