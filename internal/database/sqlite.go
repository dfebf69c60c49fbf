package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

const category = "database"

// SQLiteManager is the persistent store of one storage namespace (one inbox).
type SQLiteManager struct {
	namespace types.InboxID
	path      string
	db        *sql.DB
	logger    *utils.LogsManager

	closeOnce sync.Once
	closeErr  error
}

// NamespaceFileName maps an inbox id onto a filesystem-safe database file name.
func NamespaceFileName(namespace types.InboxID) string {
	return fmt.Sprintf("inbox-%s.db", utils.ShortHash(namespace.String(), 24))
}

// OpenNamespace opens (creating if needed) the database of one inbox under dir.
func OpenNamespace(dir string, namespace types.InboxID, logger *utils.LogsManager) (*SQLiteManager, error) {
	if namespace.IsZero() {
		return nil, fmt.Errorf("storage namespace is empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create namespace dir: %w", err)
	}

	path := filepath.Join(dir, NamespaceFileName(namespace))
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}

	sqlm := &SQLiteManager{
		namespace: namespace,
		path:      path,
		db:        db,
		logger:    logger,
	}

	if err := sqlm.initTables(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug(fmt.Sprintf("Opened namespace %s at %s", utils.ShortID(namespace.String()), path), category)
	return sqlm, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite",
		fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return db, nil
}

func (sqlm *SQLiteManager) initTables() error {
	inits := []struct {
		name string
		fn   func() error
	}{
		{"identity", sqlm.InitIdentityTable},
		{"app_settings", sqlm.InitAppSettingsTable},
		{"chat_conversations", sqlm.InitChatConversationsTable},
		{"chat_messages", sqlm.InitChatMessagesTable},
		{"contacts", sqlm.InitContactsTable},
		{"vault_secrets", sqlm.InitVaultSecretsTable},
		{"attachments", sqlm.InitAttachmentsTable},
		{"id_mappings", sqlm.InitIDMappingsTable},
		{"conversation_tombstones", sqlm.InitTombstonesTable},
	}
	for _, init := range inits {
		if err := init.fn(); err != nil {
			return fmt.Errorf("failed to initialize %s table: %w", init.name, err)
		}
	}
	return nil
}

// Namespace returns the inbox id this store is partitioned by.
func (sqlm *SQLiteManager) Namespace() types.InboxID {
	return sqlm.namespace
}

// Path returns the database file path
func (sqlm *SQLiteManager) Path() string {
	return sqlm.path
}

// GetDB returns the database connection for direct access if needed
func (sqlm *SQLiteManager) GetDB() *sql.DB {
	return sqlm.db
}

// HasLocalData reports whether this namespace already holds conversations or messages.
func (sqlm *SQLiteManager) HasLocalData() (bool, error) {
	var n int
	err := sqlm.db.QueryRow(`
		SELECT (SELECT COUNT(*) FROM chat_messages) + (SELECT COUNT(*) FROM chat_conversations)
	`).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count local data: %w", err)
	}
	return n > 0, nil
}

// Close is idempotent; later calls return the first result.
func (sqlm *SQLiteManager) Close() error {
	sqlm.closeOnce.Do(func() {
		if sqlm.db != nil {
			sqlm.closeErr = sqlm.db.Close()
		}
	})
	return sqlm.closeErr
}

// GetStats returns connection pool statistics
func (sqlm *SQLiteManager) GetStats() map[string]interface{} {
	dbStats := sqlm.db.Stats()
	return map[string]interface{}{
		"namespace":        sqlm.namespace.String(),
		"open_connections": dbStats.OpenConnections,
		"in_use":           dbStats.InUse,
		"idle":             dbStats.Idle,
	}
}
