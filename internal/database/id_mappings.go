package database

import (
	"database/sql"
	"errors"
	"fmt"
)

// Entity kinds that get placeholder ids before the network confirms them.
// MappingAlias redirects a collapsed duplicate conversation to the one that absorbed it.
const (
	MappingMessage      = "message"
	MappingConversation = "conversation"
	MappingAlias        = "alias"
)

// InitIDMappingsTable creates the local → confirmed id mapping table
func (sqlm *SQLiteManager) InitIDMappingsTable() error {
	_, err := sqlm.db.Exec(`
	CREATE TABLE IF NOT EXISTS id_mappings (
		local_id TEXT PRIMARY KEY,
		remote_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK(kind IN ('message', 'conversation', 'alias')),
		created_at INTEGER DEFAULT (strftime('%s', 'now'))
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_id_mappings_remote ON id_mappings(kind, remote_id) WHERE kind != 'alias';
	`)
	return err
}

func (sqlm *SQLiteManager) SaveIDMapping(kind, localID, remoteID string) error {
	_, err := sqlm.db.Exec(`
	INSERT INTO id_mappings (local_id, remote_id, kind) VALUES (?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET remote_id = excluded.remote_id
	`, localID, remoteID, kind)
	if err != nil {
		return fmt.Errorf("failed to save id mapping %s -> %s: %w", localID, remoteID, err)
	}
	return nil
}

// RemoteID returns the confirmed id for a placeholder or alias ("" when unmapped).
func (sqlm *SQLiteManager) RemoteID(localID string) (string, error) {
	return sqlm.lookupMapping(`SELECT remote_id FROM id_mappings WHERE local_id = ?`, localID)
}

// LocalID returns the placeholder a confirmed id was mapped from ("" when none).
func (sqlm *SQLiteManager) LocalID(kind, remoteID string) (string, error) {
	return sqlm.lookupMapping(`SELECT local_id FROM id_mappings WHERE kind = ? AND remote_id = ?`, kind, remoteID)
}

func (sqlm *SQLiteManager) lookupMapping(query string, args ...any) (string, error) {
	var id string
	err := sqlm.db.QueryRow(query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up id mapping: %w", err)
	}
	return id, nil
}
