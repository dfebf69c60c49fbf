package database

import (
	"database/sql"
	"fmt"
	"time"
)

// VaultSecret is one sealed blob. The database never sees plaintext.
type VaultSecret struct {
	Name      string
	Version   int
	Salt      []byte
	Nonce     []byte
	Data      []byte
	CreatedAt time.Time
}

func (sqlm *SQLiteManager) InitVaultSecretsTable() error {
	_, err := sqlm.db.Exec(`
	CREATE TABLE IF NOT EXISTS vault_secrets (
		name TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		salt BLOB NOT NULL,
		nonce BLOB NOT NULL,
		data BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	`)
	return err
}

func (sqlm *SQLiteManager) SaveVaultSecret(s *VaultSecret) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	_, err := sqlm.db.Exec(`
	INSERT INTO vault_secrets (name, version, salt, nonce, data, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		version = excluded.version,
		salt = excluded.salt,
		nonce = excluded.nonce,
		data = excluded.data
	`, s.Name, s.Version, s.Salt, s.Nonce, s.Data, toMillis(s.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save vault secret %s: %w", s.Name, err)
	}
	return nil
}

// GetVaultSecret returns the sealed secret or nil.
func (sqlm *SQLiteManager) GetVaultSecret(name string) (*VaultSecret, error) {
	return QueryRowSingle(sqlm.db, `
	SELECT name, version, salt, nonce, data, created_at FROM vault_secrets WHERE name = ?
	`, func(row *sql.Row) (*VaultSecret, error) {
		var s VaultSecret
		var createdAt int64
		if err := row.Scan(&s.Name, &s.Version, &s.Salt, &s.Nonce, &s.Data, &createdAt); err != nil {
			return nil, err
		}
		s.CreatedAt = fromMillis(createdAt)
		return &s, nil
	}, sqlm.logger, category, name)
}

func (sqlm *SQLiteManager) DeleteVaultSecret(name string) error {
	if _, err := sqlm.db.Exec(`DELETE FROM vault_secrets WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete vault secret %s: %w", name, err)
	}
	return nil
}
