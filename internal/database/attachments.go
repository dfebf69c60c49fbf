package database

import (
	"database/sql"
	"fmt"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

// InitAttachmentsTable creates the content-addressed attachment table
func (sqlm *SQLiteManager) InitAttachmentsTable() error {
	_, err := sqlm.db.Exec(`
	CREATE TABLE IF NOT EXISTS attachments (
		digest TEXT PRIMARY KEY,
		filename TEXT,
		content_type TEXT,
		size INTEGER NOT NULL,
		data BLOB NOT NULL,
		created_at INTEGER DEFAULT (strftime('%s', 'now'))
	);
	`)
	return err
}

// SaveAttachment stores the payload under its BLAKE3 digest and fills a.Digest.
// Identical payloads are stored once.
func (sqlm *SQLiteManager) SaveAttachment(a *types.Attachment) (string, error) {
	if len(a.Data) == 0 {
		return "", fmt.Errorf("attachment %q has no data", a.Filename)
	}
	digest := utils.HashBytes(a.Data)
	_, err := sqlm.db.Exec(`
	INSERT INTO attachments (digest, filename, content_type, size, data)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(digest) DO NOTHING
	`, digest, nullString(a.Filename), nullString(a.ContentType), len(a.Data), a.Data)
	if err != nil {
		return "", fmt.Errorf("failed to save attachment: %w", err)
	}
	a.Digest = digest
	a.Size = int64(len(a.Data))
	return digest, nil
}

// GetAttachment loads an attachment with its payload, or nil.
func (sqlm *SQLiteManager) GetAttachment(digest string) (*types.Attachment, error) {
	return QueryRowSingle(sqlm.db, `
	SELECT digest, filename, content_type, size, data FROM attachments WHERE digest = ?
	`, func(row *sql.Row) (*types.Attachment, error) {
		var a types.Attachment
		var name, ctype sql.NullString
		if err := row.Scan(&a.Digest, &name, &ctype, &a.Size, &a.Data); err != nil {
			return nil, err
		}
		a.Filename = scanNullableString(name)
		a.ContentType = scanNullableString(ctype)
		return &a, nil
	}, sqlm.logger, category, digest)
}
