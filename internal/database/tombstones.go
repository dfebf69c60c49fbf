package database

import (
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
)

// InitTombstonesTable creates the table of conversations removed by the user.
// Sync and backfill must not resurrect them.
func (sqlm *SQLiteManager) InitTombstonesTable() error {
	_, err := sqlm.db.Exec(`
	CREATE TABLE IF NOT EXISTS conversation_tombstones (
		conversation_id TEXT PRIMARY KEY,
		peer_inbox_id TEXT,
		reason TEXT,
		removed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tombstones_peer ON conversation_tombstones(peer_inbox_id) WHERE peer_inbox_id IS NOT NULL;
	`)
	return err
}

func (sqlm *SQLiteManager) AddTombstone(conversationID string, peer types.InboxID, reason string) error {
	_, err := sqlm.db.Exec(`
	INSERT INTO conversation_tombstones (conversation_id, peer_inbox_id, reason, removed_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(conversation_id) DO UPDATE SET reason = excluded.reason, removed_at = excluded.removed_at
	`, conversationID, nullString(peer.String()), nullString(reason), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to add tombstone: %w", err)
	}
	return nil
}

func (sqlm *SQLiteManager) IsTombstoned(conversationID string) (bool, error) {
	var n int
	if err := sqlm.db.QueryRow(`SELECT COUNT(*) FROM conversation_tombstones WHERE conversation_id = ?`, conversationID).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check tombstone: %w", err)
	}
	return n > 0, nil
}

// ClearTombstone forgets a removal, allowing the conversation to reappear.
func (sqlm *SQLiteManager) ClearTombstone(conversationID string) error {
	if _, err := sqlm.db.Exec(`DELETE FROM conversation_tombstones WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("failed to clear tombstone: %w", err)
	}
	return nil
}

// TombstonedIDs returns every removed conversation id.
func (sqlm *SQLiteManager) TombstonedIDs() (map[string]bool, error) {
	rows, err := sqlm.db.Query(`SELECT conversation_id FROM conversation_tombstones`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tombstones: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}
