package database

import (
	"database/sql"
	"errors"
	"fmt"
)

const settingsTableSQL = `
	CREATE TABLE IF NOT EXISTS app_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);
`

// Namespace-scoped setting keys.
const (
	SettingHistorySyncedAt = "history_synced_at"
	SettingLastStreamAt    = "last_stream_at"
)

func (sqlm *SQLiteManager) InitAppSettingsTable() error {
	_, err := sqlm.db.Exec(settingsTableSQL)
	return err
}

func (sqlm *SQLiteManager) GetSetting(key string) (string, error) {
	return getSetting(sqlm.db, key)
}

func (sqlm *SQLiteManager) SetSetting(key, value string) error {
	return setSetting(sqlm.db, key, value)
}

func (sqlm *SQLiteManager) DeleteSetting(key string) error {
	return deleteSetting(sqlm.db, key)
}

// getSetting returns "" when the key is absent.
func getSetting(q querier, key string) (string, error) {
	var value string
	err := q.QueryRow("SELECT value FROM app_settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

func setSetting(q querier, key, value string) error {
	_, err := q.Exec(`
		INSERT INTO app_settings (key, value, updated_at)
		VALUES (?, ?, strftime('%s', 'now'))
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

func deleteSetting(q querier, key string) error {
	if _, err := q.Exec("DELETE FROM app_settings WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}
