package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/database"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

// openNamespace opens an existing namespace without creating one by accident.
func openNamespace(raw string) *database.SQLiteManager {
	id := types.NewInboxID(raw)
	dir := utils.GetAppPaths("").NamespaceDir()
	path := filepath.Join(dir, database.NamespaceFileName(id))
	if _, err := os.Stat(path); err != nil {
		fmt.Printf("No database for inbox %s at %s\n", id, path)
		os.Exit(1)
	}

	db, err := database.OpenNamespace(dir, id, utils.NewLogsManagerWithWriter(io.Discard, "error"))
	if err != nil {
		fmt.Printf("Failed to open database: %v\n", err)
		os.Exit(1)
	}
	return db
}

func RunInspectNamespace(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: go run ./scripts inspect-namespace <inbox_id>")
		os.Exit(1)
	}
	db := openNamespace(args[0])
	defer db.Close()

	fmt.Println("=== Namespace ===")
	fmt.Printf("Path: %s\n", db.Path())
	if ident, err := db.GetIdentity(); err == nil && ident != nil {
		fmt.Printf("Address: %s\n", ident.Address.Checksum())
		fmt.Printf("Inbox ID: %s\n", ident.InboxID)
		fmt.Printf("Installation: %s\n", ident.InstallationID)
		fmt.Printf("Private key in vault: %v\n", ident.HasPrivateKey)
	}
	fmt.Println()

	fmt.Println("=== Rows ===")
	tables := []string{"chat_conversations", "chat_messages", "contacts", "contact_addresses",
		"id_mappings", "conversation_tombstones", "attachments", "vault_secrets"}
	for _, table := range tables {
		var n int
		if err := db.GetDB().QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			fmt.Printf("%-24s error: %v\n", table, err)
			continue
		}
		fmt.Printf("%-24s %d\n", table, n)
	}
	fmt.Println()

	fmt.Println("=== Settings ===")
	for _, key := range []string{database.SettingHistorySyncedAt, database.SettingLastStreamAt} {
		v, _ := db.GetSetting(key)
		fmt.Printf("%s = %s\n", key, v)
	}

	tombstones, err := db.TombstonedIDs()
	if err == nil && len(tombstones) > 0 {
		ids := make([]string, 0, len(tombstones))
		for id := range tombstones {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		fmt.Println()
		fmt.Println("=== Tombstones ===")
		for _, id := range ids {
			fmt.Println(id)
		}
	}
}
