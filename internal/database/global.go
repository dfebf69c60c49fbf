package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

// Global setting keys. They live outside every namespace so they survive a namespace swap.
const (
	SettingStorageNamespace = "storage_namespace"
	SettingForceInboxOnBoot = "force_inbox_on_boot"
)

// KnownInbox indexes the namespaces present on this device.
type KnownInbox struct {
	InboxID     types.InboxID
	Address     types.Address
	DisplayName string
	CreatedAt   time.Time
	LastOpened  time.Time
}

// GlobalDB holds device-wide state: the active namespace, the boot marker and the inbox index.
type GlobalDB struct {
	db     *sql.DB
	logger *utils.LogsManager
}

func OpenGlobal(dir string, logger *utils.LogsManager) (*GlobalDB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	db, err := openSQLite(filepath.Join(dir, "app.db"))
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(settingsTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create app_settings table: %w", err)
	}
	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS known_inboxes (
		inbox_id TEXT PRIMARY KEY,
		address TEXT NOT NULL,
		display_name TEXT,
		created_at INTEGER NOT NULL,
		last_opened INTEGER DEFAULT 0
	);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create known_inboxes table: %w", err)
	}

	return &GlobalDB{db: db, logger: logger}, nil
}

func (g *GlobalDB) GetSetting(key string) (string, error) { return getSetting(g.db, key) }

func (g *GlobalDB) SetSetting(key, value string) error { return setSetting(g.db, key, value) }

func (g *GlobalDB) DeleteSetting(key string) error { return deleteSetting(g.db, key) }

// StorageNamespace returns the namespace selected for persistent storage ("" if none yet).
func (g *GlobalDB) StorageNamespace() (types.InboxID, error) {
	v, err := g.GetSetting(SettingStorageNamespace)
	return types.InboxID(v), err
}

func (g *GlobalDB) SetStorageNamespace(id types.InboxID) error {
	return g.SetSetting(SettingStorageNamespace, id.String())
}

// RegisterInbox records (or refreshes) an inbox in the device index.
func (g *GlobalDB) RegisterInbox(id *types.Identity) error {
	_, err := g.db.Exec(`
	INSERT INTO known_inboxes (inbox_id, address, display_name, created_at, last_opened)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(inbox_id) DO UPDATE SET
		address = excluded.address,
		display_name = COALESCE(excluded.display_name, known_inboxes.display_name),
		last_opened = excluded.last_opened
	`, id.InboxID.String(), id.Address.String(), nullString(id.DisplayName), toMillis(id.CreatedAt), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to register inbox: %w", err)
	}
	return nil
}

func (g *GlobalDB) ListInboxes() ([]*KnownInbox, error) {
	return QueryRows(g.db, `
	SELECT inbox_id, address, display_name, created_at, last_opened
	FROM known_inboxes
	ORDER BY last_opened DESC
	`, func(rows *sql.Rows) (*KnownInbox, error) {
		var (
			ki                    KnownInbox
			inboxID, address      string
			displayName           sql.NullString
			createdAt, lastOpened int64
		)
		if err := rows.Scan(&inboxID, &address, &displayName, &createdAt, &lastOpened); err != nil {
			return nil, err
		}
		ki.InboxID = types.InboxID(inboxID)
		ki.Address = types.Address(address)
		ki.DisplayName = scanNullableString(displayName)
		ki.CreatedAt = fromMillis(createdAt)
		ki.LastOpened = fromMillis(lastOpened)
		return &ki, nil
	}, g.logger, category)
}

func (g *GlobalDB) HasInbox(id types.InboxID) (bool, error) {
	var n int
	if err := g.db.QueryRow(`SELECT COUNT(*) FROM known_inboxes WHERE inbox_id = ?`, id.String()).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to look up inbox: %w", err)
	}
	return n > 0, nil
}

func (g *GlobalDB) ForgetInbox(id types.InboxID) error {
	if _, err := g.db.Exec(`DELETE FROM known_inboxes WHERE inbox_id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to forget inbox: %w", err)
	}
	return nil
}

func (g *GlobalDB) Close() error {
	return g.db.Close()
}
