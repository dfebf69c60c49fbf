package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
)

func (sqlm *SQLiteManager) InitIdentityTable() error {
	_, err := sqlm.db.Exec(`
	CREATE TABLE IF NOT EXISTS identity (
		inbox_id TEXT PRIMARY KEY,
		address TEXT NOT NULL,
		installation_id TEXT,
		display_name TEXT,
		avatar_url TEXT,
		has_private_key INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	`)
	return err
}

// SaveIdentity upserts the namespace's identity row.
func (sqlm *SQLiteManager) SaveIdentity(id *types.Identity) error {
	if id.CreatedAt.IsZero() {
		id.CreatedAt = time.Now()
	}
	_, err := sqlm.db.Exec(`
	INSERT INTO identity (inbox_id, address, installation_id, display_name, avatar_url, has_private_key, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(inbox_id) DO UPDATE SET
		address = excluded.address,
		installation_id = excluded.installation_id,
		display_name = excluded.display_name,
		avatar_url = excluded.avatar_url,
		has_private_key = excluded.has_private_key
	`,
		id.InboxID.String(),
		id.Address.String(),
		nullString(id.InstallationID),
		nullString(id.DisplayName),
		nullString(id.AvatarURL),
		boolToInt(id.HasPrivateKey),
		toMillis(id.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}
	return nil
}

// GetIdentity returns the identity stored in this namespace, or nil.
func (sqlm *SQLiteManager) GetIdentity() (*types.Identity, error) {
	return QueryRowSingle(sqlm.db, `
	SELECT inbox_id, address, installation_id, display_name, avatar_url, has_private_key, created_at
	FROM identity
	WHERE inbox_id = ?
	`, func(row *sql.Row) (*types.Identity, error) {
		var (
			inboxID, address                    string
			installationID, displayName, avatar sql.NullString
			hasKey                              int
			createdAt                           int64
		)
		if err := row.Scan(&inboxID, &address, &installationID, &displayName, &avatar, &hasKey, &createdAt); err != nil {
			return nil, err
		}
		return &types.Identity{
			InboxID:        types.InboxID(inboxID),
			Address:        types.Address(address),
			InstallationID: scanNullableString(installationID),
			DisplayName:    scanNullableString(displayName),
			AvatarURL:      scanNullableString(avatar),
			HasPrivateKey:  hasKey == 1,
			CreatedAt:      fromMillis(createdAt),
		}, nil
	}, sqlm.logger, category, sqlm.namespace.String())
}
