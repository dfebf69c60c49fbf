package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
)

const messageColumns = `
	message_id, conversation_id, sender_inbox_id, sender_address, sent_at, received_at,
	type, body, status, outgoing, reactions, reply_to, attachment_digest, attachment_name,
	attachment_type, attachment_size`

// InitChatMessagesTable creates the chat_messages table
func (sqlm *SQLiteManager) InitChatMessagesTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS chat_messages (
		message_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		sender_inbox_id TEXT,
		sender_address TEXT,
		sent_at INTEGER NOT NULL,
		received_at INTEGER DEFAULT 0,
		type TEXT NOT NULL DEFAULT 'text' CHECK(type IN ('text', 'system', 'attachment')),
		body TEXT DEFAULT '',
		status TEXT DEFAULT 'pending' CHECK(status IN ('pending', 'sent', 'delivered', 'failed')),
		outgoing INTEGER DEFAULT 0,
		reactions TEXT,
		reply_to TEXT,
		attachment_digest TEXT,
		attachment_name TEXT,
		attachment_type TEXT,
		attachment_size INTEGER DEFAULT 0,
		FOREIGN KEY (conversation_id) REFERENCES chat_conversations(conversation_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON chat_messages(conversation_id, sent_at);
	CREATE INDEX IF NOT EXISTS idx_messages_status ON chat_messages(status, sent_at);
	`
	_, err := sqlm.db.Exec(query)
	return err
}

func messageArgs(msg *types.Message) ([]any, error) {
	reactions, err := encodeJSON(msg.Reactions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode reactions: %w", err)
	}

	var digest, name, ctype string
	var size int64
	if msg.Attachment != nil {
		digest, name, ctype, size = msg.Attachment.Digest, msg.Attachment.Filename, msg.Attachment.ContentType, msg.Attachment.Size
	}

	return []any{
		msg.ID,
		msg.ConversationID,
		nullString(msg.SenderInboxID.String()),
		nullString(msg.SenderAddress.String()),
		toMillis(msg.SentAt),
		toMillis(msg.ReceivedAt),
		string(msg.Type),
		msg.Body,
		string(msg.Status),
		boolToInt(msg.Outgoing),
		reactions,
		nullString(msg.ReplyTo),
		nullString(digest),
		nullString(name),
		nullString(ctype),
		size,
	}, nil
}

// InsertMessageIfAbsent stores msg unless a message with the same id exists.
// Returns false when the id was already present.
func (sqlm *SQLiteManager) InsertMessageIfAbsent(msg *types.Message) (bool, error) {
	args, err := messageArgs(msg)
	if err != nil {
		return false, err
	}
	affected, err := ExecWithAffectedRows(sqlm.db, `
	INSERT INTO chat_messages (`+messageColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(message_id) DO NOTHING
	`, args...)
	if err != nil {
		return false, fmt.Errorf("failed to store message: %w", err)
	}
	return affected > 0, nil
}

// SaveMessage upserts a message by id.
func (sqlm *SQLiteManager) SaveMessage(msg *types.Message) error {
	args, err := messageArgs(msg)
	if err != nil {
		return err
	}
	_, err = sqlm.db.Exec(`
	INSERT INTO chat_messages (`+messageColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(message_id) DO UPDATE SET
		conversation_id = excluded.conversation_id,
		body = excluded.body,
		status = excluded.status,
		reactions = excluded.reactions,
		received_at = excluded.received_at
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func scanMessage(row rowScanner) (*types.Message, error) {
	var (
		msg                                         types.Message
		senderInbox, senderAddr, reactions, replyTo sql.NullString
		digest, name, ctype                         sql.NullString
		sentAt, receivedAt, size                    int64
		mtype, status                               string
		outgoing                                    int
	)

	err := row.Scan(
		&msg.ID, &msg.ConversationID, &senderInbox, &senderAddr, &sentAt, &receivedAt,
		&mtype, &msg.Body, &status, &outgoing, &reactions, &replyTo, &digest, &name, &ctype, &size,
	)
	if err != nil {
		return nil, err
	}

	msg.SenderInboxID = types.InboxID(scanNullableString(senderInbox))
	msg.SenderAddress = types.Address(scanNullableString(senderAddr))
	msg.SentAt = fromMillis(sentAt)
	msg.ReceivedAt = fromMillis(receivedAt)
	msg.Type = types.MessageType(mtype)
	msg.Status = types.MessageStatus(status)
	msg.Outgoing = outgoing == 1
	msg.ReplyTo = scanNullableString(replyTo)
	if digest.Valid {
		msg.Attachment = &types.Attachment{
			Digest:      digest.String,
			Filename:    scanNullableString(name),
			ContentType: scanNullableString(ctype),
			Size:        size,
		}
	}
	if err := decodeJSON(reactions, &msg.Reactions); err != nil {
		return nil, fmt.Errorf("failed to decode reactions of %s: %w", msg.ID, err)
	}
	return &msg, nil
}

// GetMessage retrieves a message by ID, or nil.
func (sqlm *SQLiteManager) GetMessage(messageID string) (*types.Message, error) {
	return QueryRowSingle(sqlm.db,
		`SELECT `+messageColumns+` FROM chat_messages WHERE message_id = ?`,
		func(row *sql.Row) (*types.Message, error) { return scanMessage(row) },
		sqlm.logger, category, messageID)
}

// ListMessages returns a conversation's messages oldest first. limit <= 0 means all.
func (sqlm *SQLiteManager) ListMessages(conversationID string, limit, offset int) ([]*types.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	return QueryRows(sqlm.db,
		`SELECT `+messageColumns+` FROM chat_messages WHERE conversation_id = ?
		 ORDER BY sent_at ASC, rowid ASC LIMIT ? OFFSET ?`,
		func(rows *sql.Rows) (*types.Message, error) { return scanMessage(rows) },
		sqlm.logger, category, conversationID, limit, offset)
}

// ListOutgoingUpTo returns own messages in a conversation sent at or before t that are not yet delivered.
func (sqlm *SQLiteManager) ListOutgoingUpTo(conversationID string, t time.Time) ([]*types.Message, error) {
	return QueryRows(sqlm.db,
		`SELECT `+messageColumns+` FROM chat_messages
		 WHERE conversation_id = ? AND outgoing = 1 AND sent_at <= ? AND status IN ('pending', 'sent')
		 ORDER BY sent_at ASC`,
		func(rows *sql.Rows) (*types.Message, error) { return scanMessage(rows) },
		sqlm.logger, category, conversationID, toMillis(t))
}

// UpdateMessageStatus sets the delivery status of a message
func (sqlm *SQLiteManager) UpdateMessageStatus(messageID string, status types.MessageStatus) error {
	if _, err := sqlm.db.Exec(`UPDATE chat_messages SET status = ? WHERE message_id = ?`, string(status), messageID); err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}
	return nil
}

// ReassignConversationMessages moves every message of one conversation into another.
func (sqlm *SQLiteManager) ReassignConversationMessages(fromID, toID string) (int64, error) {
	n, err := ExecWithAffectedRows(sqlm.db,
		`UPDATE chat_messages SET conversation_id = ? WHERE conversation_id = ?`, toID, fromID)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign messages: %w", err)
	}
	return n, nil
}

// DeleteMessage deletes a message by ID
func (sqlm *SQLiteManager) DeleteMessage(messageID string) error {
	if _, err := sqlm.db.Exec(`DELETE FROM chat_messages WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// CountMessages returns the number of stored messages with the given id (0 or 1), or all when id is "".
func (sqlm *SQLiteManager) CountMessages(messageID string) (int, error) {
	var n int
	var err error
	if messageID == "" {
		err = sqlm.db.QueryRow(`SELECT COUNT(*) FROM chat_messages`).Scan(&n)
	} else {
		err = sqlm.db.QueryRow(`SELECT COUNT(*) FROM chat_messages WHERE message_id = ?`, messageID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// LatestMessageAt returns the newest sent_at across the namespace (zero if empty).
func (sqlm *SQLiteManager) LatestMessageAt() (time.Time, error) {
	var ms sql.NullInt64
	if err := sqlm.db.QueryRow(`SELECT MAX(sent_at) FROM chat_messages`).Scan(&ms); err != nil {
		return time.Time{}, fmt.Errorf("failed to read latest message time: %w", err)
	}
	if !ms.Valid {
		return time.Time{}, nil
	}
	return fromMillis(ms.Int64), nil
}
