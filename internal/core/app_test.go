package core

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/database"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/inbox"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/protocol/protocoltest"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/session"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/vault"
)

func setupTestApp(t *testing.T, dir string, client *protocoltest.Client) *App {
	t.Helper()
	logger := utils.NewLogsManagerWithWriter(io.Discard, "error")
	cm := utils.NewConfigManagerFromMap(map[string]string{
		"enable_history_sync":       "true",
		"enrichment_sweep_interval": "1h",
	})
	paths := &utils.AppPaths{AppDir: dir, ConfigDir: dir, LogDir: dir, DataDir: filepath.Join(dir, "data")}
	global, err := database.OpenGlobal(paths.DataDir, logger)
	if err != nil {
		t.Fatalf("Failed to open global database: %v", err)
	}
	app := NewApp(cm, logger, paths, global, client, vault.Static("test-passphrase"))
	t.Cleanup(func() {
		app.Close(context.Background())
		global.Close()
	})
	return app
}

func TestCreateIdentityActivatesInbox(t *testing.T) {
	app := setupTestApp(t, t.TempDir(), protocoltest.New())
	ctx := context.Background()

	ident, err := app.CreateIdentity(ctx, "")
	if err != nil {
		t.Fatalf("Failed to create identity: %v", err)
	}
	if app.Active() != ident.InboxID {
		t.Fatalf("Expected %s active, got %s", ident.InboxID, app.Active())
	}
	ns, err := app.Current()
	if err != nil {
		t.Fatalf("Expected an open namespace: %v", err)
	}
	if ns.Session.State() != session.StateStreaming {
		t.Errorf("Expected streaming session, got %s", ns.Session.State())
	}
	if got := app.Stores().Auth.InboxID(); got != ident.InboxID {
		t.Errorf("Expected auth store bound to %s, got %s", ident.InboxID, got)
	}

	known, err := app.ListIdentities()
	if err != nil || len(known) != 1 || known[0].Address != ident.Address {
		t.Errorf("Expected one known inbox for %s, got (%v, %v)", ident.Address, known, err)
	}
}

func TestSwitchBetweenIdentities(t *testing.T) {
	app := setupTestApp(t, t.TempDir(), protocoltest.New())
	ctx := context.Background()

	first, err := app.CreateIdentity(ctx, "")
	if err != nil {
		t.Fatalf("Failed to create first identity: %v", err)
	}
	second, err := app.CreateIdentity(ctx, "")
	if err != nil {
		t.Fatalf("Failed to create second identity: %v", err)
	}
	if app.Active() != second.InboxID {
		t.Fatalf("Expected the new identity active, got %s", app.Active())
	}

	if err := app.Inbox().Switch(ctx, first.InboxID); err != nil {
		t.Fatalf("Failed to switch: %v", err)
	}
	if app.Active() != first.InboxID {
		t.Errorf("Expected %s active, got %s", first.InboxID, app.Active())
	}
	if got := app.Stores().Auth.InboxID(); got != first.InboxID {
		t.Errorf("Expected stores rebound to %s, got %s", first.InboxID, got)
	}
	if ns, _ := app.Global().StorageNamespace(); ns != first.InboxID {
		t.Errorf("Expected storage namespace %s, got %s", first.InboxID, ns)
	}
}

func TestRestoreOnNextBoot(t *testing.T) {
	dir := t.TempDir()
	client := protocoltest.New()
	app := setupTestApp(t, dir, client)
	ident, err := app.CreateIdentity(context.Background(), "")
	if err != nil {
		t.Fatalf("Failed to create identity: %v", err)
	}
	if v, _ := app.Global().GetSetting(database.SettingForceInboxOnBoot); v != ident.InboxID.String() {
		t.Errorf("Expected a pending boot marker for %s, got %q", ident.InboxID, v)
	}
	app.Close(context.Background())
	app.Global().Close()

	next := setupTestApp(t, dir, client)
	if err := next.Inbox().Restore(context.Background()); err != nil {
		t.Fatalf("Failed to restore: %v", err)
	}
	if next.Active() != ident.InboxID {
		t.Errorf("Expected %s restored, got %s", ident.InboxID, next.Active())
	}
	if v, _ := next.Global().GetSetting(database.SettingForceInboxOnBoot); v != "" {
		t.Errorf("Expected the marker consumed on boot, got %q", v)
	}
}

func TestBurnIdentity(t *testing.T) {
	dir := t.TempDir()
	app := setupTestApp(t, dir, protocoltest.New())
	ctx := context.Background()
	ident, err := app.CreateIdentity(ctx, "")
	if err != nil {
		t.Fatalf("Failed to create identity: %v", err)
	}

	if err := app.BurnIdentity(ctx, ident.InboxID); err != nil {
		t.Fatalf("Failed to burn: %v", err)
	}
	if app.Active() != "" {
		t.Errorf("Expected no active inbox, got %s", app.Active())
	}
	path := filepath.Join(dir, "data", "inboxes", database.NamespaceFileName(ident.InboxID))
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected namespace file removed, got %v", err)
	}
	if err := app.Inbox().Restore(ctx); !errors.Is(err, inbox.ErrNoInbox) {
		t.Errorf("Expected nothing to restore, got %v", err)
	}
	if err := app.BurnIdentity(ctx, ident.InboxID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for a burned inbox, got %v", err)
	}
}

func TestImportedKeyRoundTrip(t *testing.T) {
	app := setupTestApp(t, t.TempDir(), protocoltest.New())
	const hexKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

	ident, err := app.CreateIdentity(context.Background(), hexKey)
	if err != nil {
		t.Fatalf("Failed to import identity: %v", err)
	}
	if ident.Address.Checksum() != "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23" {
		t.Errorf("Unexpected address for the imported key: %s", ident.Address.Checksum())
	}

	key, err := app.ExportIdentityKey(ident.InboxID)
	if err != nil || key != hexKey {
		t.Errorf("Expected the imported key back, got (%q, %v)", key, err)
	}
}
