package contacts

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/database"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/identity"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/protocol/protocoltest"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/store"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/workers"
)

const (
	alice     = types.InboxID("inbox-alice")
	aliceAddr = types.Address("0x00000000000000000000000000000000000000a1")
)

type testEnv struct {
	rec    *Reconciler
	client *protocoltest.Client
	stores *store.Stores
	db     *database.SQLiteManager
}

func setupTestReconciler(t *testing.T) *testEnv {
	t.Helper()
	logger := utils.NewLogsManagerWithWriter(io.Discard, "error")
	db, err := database.OpenNamespace(t.TempDir(), "inbox-me", logger)
	if err != nil {
		t.Fatalf("Failed to open namespace: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	client := protocoltest.New()
	stores := store.New()
	stores.Auth.SetIdentity(&types.Identity{InboxID: "inbox-me"})
	resolver := identity.NewResolver(client, stores.Auth, stores.Contacts, identity.Config{
		PositiveTTL: time.Hour, NegativeTTL: time.Minute, Timeout: time.Second,
	}, logger)
	rec := NewReconciler(db, stores, resolver, client, Config{
		RefreshInterval:    30 * time.Minute,
		HotRefreshInterval: 5 * time.Minute,
		Timeout:            time.Second,
	}, logger)
	return &testEnv{rec: rec, client: client, stores: stores, db: db}
}

func TestUpsertKeepsKnownFields(t *testing.T) {
	env := setupTestReconciler(t)

	_, err := env.rec.UpsertContactProfile(&types.ProfileUpdate{
		InboxID: alice, DisplayName: "Alice", AvatarURL: "https://a/png", PrimaryAddress: aliceAddr, Source: types.SourceInbox,
	})
	if err != nil {
		t.Fatalf("Failed to upsert: %v", err)
	}
	c, err := env.rec.UpsertContactProfile(&types.ProfileUpdate{
		InboxID: alice, Metadata: map[string]string{"note": "x"}, Source: types.SourceInbox,
	})
	if err != nil {
		t.Fatalf("Failed to upsert: %v", err)
	}

	if c.PreferredName != "Alice" || c.PreferredAvatar != "https://a/png" {
		t.Errorf("Expected name and avatar to survive a partial update, got %+v", c)
	}
	if c.Metadata["note"] != "x" {
		t.Errorf("Expected metadata to be merged, got %v", c.Metadata)
	}
	if c.LastSyncedAt.IsZero() {
		t.Error("Expected network upsert to bump LastSyncedAt")
	}

	stored, err := env.db.GetContactByInboxID(alice)
	if err != nil || stored == nil || stored.PreferredName != "Alice" {
		t.Errorf("Expected persisted contact, got (%+v, %v)", stored, err)
	}
}

func TestLocalNameDoesNotOverrideNetworkName(t *testing.T) {
	env := setupTestReconciler(t)
	env.rec.UpsertContactProfile(&types.ProfileUpdate{InboxID: alice, DisplayName: "Alice", Source: types.SourceInbox})
	c, _ := env.rec.UpsertContactProfile(&types.ProfileUpdate{InboxID: alice, DisplayName: "Ally", Source: types.SourceImport})

	if c.DisplayName() != "Alice" {
		t.Errorf("Expected network name to win, got %s", c.DisplayName())
	}
	if c.Name != "Ally" {
		t.Errorf("Expected local name to be kept as fallback, got %q", c.Name)
	}
	if c.Source != types.SourceInbox {
		t.Errorf("Expected source to stay inbox, got %s", c.Source)
	}
}

func TestLookupByAnyAddress(t *testing.T) {
	env := setupTestReconciler(t)
	other := types.MustAddress("0x00000000000000000000000000000000000000B2")
	env.rec.UpsertContactProfile(&types.ProfileUpdate{InboxID: alice, PrimaryAddress: aliceAddr, Addresses: types.Addresses{other}})

	// a fresh store forces the storage path
	env.stores.Contacts.Reset()
	c := env.rec.GetContactByAddress(types.MustAddress("0x00000000000000000000000000000000000000b2"))
	if c == nil || c.InboxID != alice {
		t.Fatalf("Expected alice by secondary address, got %+v", c)
	}
	if env.stores.Contacts.Get(alice) == nil {
		t.Error("Expected storage hit to hydrate the contact store")
	}

	// an update keyed only by address merges into the same record
	c, _ = env.rec.UpsertContactProfile(&types.ProfileUpdate{PrimaryAddress: other, DisplayName: "A"})
	if c.InboxID != alice || env.stores.Contacts.Len() != 1 {
		t.Errorf("Expected a single alice record, got %+v (%d contacts)", c, env.stores.Contacts.Len())
	}
}

func TestStaticPlaceholderIsRekeyed(t *testing.T) {
	env := setupTestReconciler(t)
	c, _ := env.rec.UpsertContactProfile(&types.ProfileUpdate{PrimaryAddress: aliceAddr, DisplayName: "Alice?", Source: types.SourceStatic})
	if !c.InboxID.IsSynthetic() {
		t.Fatalf("Expected a synthetic inbox id, got %s", c.InboxID)
	}
	placeholder := c.InboxID

	c, _ = env.rec.UpsertContactProfile(&types.ProfileUpdate{InboxID: alice, PrimaryAddress: aliceAddr, Source: types.SourceInbox})
	if c.InboxID != alice || c.Name != "Alice?" {
		t.Errorf("Expected placeholder to be re-keyed with its fields, got %+v", c)
	}
	if env.rec.GetContactByInboxID(placeholder) != nil {
		t.Error("Expected the placeholder record to be gone")
	}
}

func TestAddressMovesBetweenRealInboxes(t *testing.T) {
	env := setupTestReconciler(t)
	extra := types.Address("0x00000000000000000000000000000000000000a2")
	env.rec.UpsertContactProfile(&types.ProfileUpdate{
		InboxID: alice, DisplayName: "Alice", PrimaryAddress: aliceAddr, Addresses: types.Addresses{extra}, Source: types.SourceInbox,
	})

	carol := types.InboxID("inbox-carol")
	c, err := env.rec.UpsertContactProfile(&types.ProfileUpdate{InboxID: carol, DisplayName: "Carol", PrimaryAddress: aliceAddr, Source: types.SourceInbox})
	if err != nil {
		t.Fatalf("Failed to upsert: %v", err)
	}
	if c.InboxID != carol || c.PreferredName != "Carol" {
		t.Errorf("Expected a separate record for carol, got %+v", c)
	}

	a := env.rec.GetContactByInboxID(alice)
	if a == nil || a.PreferredName != "Alice" {
		t.Fatalf("Expected alice to keep her own name, got %+v", a)
	}
	if a.HasAddress(aliceAddr) || a.PrimaryAddress != extra {
		t.Errorf("Expected alice to lose the moved address and keep %s, got %+v", extra, a)
	}
	if got := env.rec.GetContactByAddress(aliceAddr); got == nil || got.InboxID != carol {
		t.Errorf("Expected the address to resolve to carol, got %+v", got)
	}

	stored, err := env.db.GetContactByAddress(aliceAddr)
	if err != nil || stored == nil || stored.InboxID != carol {
		t.Errorf("Expected the stored address index to point at carol, got (%+v, %v)", stored, err)
	}
}

func TestHotPathFreshnessGating(t *testing.T) {
	env := setupTestReconciler(t)
	env.client.SetProfile(&types.Profile{InboxID: alice, DisplayName: "Alice", AvatarURL: "https://a/png"})

	// complete and fresh: no fetch
	env.rec.UpsertContactProfile(&types.ProfileUpdate{InboxID: alice, DisplayName: "Alice", AvatarURL: "https://a/png", Source: types.SourceInbox})
	env.rec.ResolveSender(context.Background(), alice, "")
	if env.client.ProfileCalls.Load() != 0 {
		t.Errorf("Expected no fetch for a fresh complete contact, got %d", env.client.ProfileCalls.Load())
	}

	// fresh but missing avatar: fetch regardless of age
	bob := types.InboxID("inbox-bob")
	env.client.SetProfile(&types.Profile{InboxID: bob, DisplayName: "Bob", AvatarURL: "https://b/png"})
	env.rec.UpsertContactProfile(&types.ProfileUpdate{InboxID: bob, DisplayName: "Bob", Source: types.SourceInbox})
	c := env.rec.ResolveSender(context.Background(), bob, "")
	if env.client.ProfileCalls.Load() != 1 {
		t.Errorf("Expected a fetch for a contact missing its avatar, got %d", env.client.ProfileCalls.Load())
	}
	if c == nil || c.PreferredAvatar != "https://b/png" {
		t.Errorf("Expected refreshed avatar, got %+v", c)
	}

	// complete but older than the hot interval: fetch
	env.rec.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	env.rec.ResolveSender(context.Background(), alice, "")
	if env.client.ProfileCalls.Load() != 2 {
		t.Errorf("Expected a fetch for a stale contact, got %d", env.client.ProfileCalls.Load())
	}
}

func TestResolveSenderSkipsSelf(t *testing.T) {
	env := setupTestReconciler(t)
	if c := env.rec.ResolveSender(context.Background(), "inbox-me", ""); c != nil {
		t.Errorf("Expected no contact for the active identity, got %+v", c)
	}
	if env.client.ProfileCalls.Load() != 0 {
		t.Error("Expected no profile fetch for the active identity")
	}
}

func TestResolveSenderByAddress(t *testing.T) {
	env := setupTestReconciler(t)
	env.client.Inboxes[aliceAddr] = alice
	env.client.SetProfile(&types.Profile{InboxID: alice, DisplayName: "Alice", AvatarURL: "https://a/png"})

	c := env.rec.ResolveSender(context.Background(), "", aliceAddr)
	if c == nil || c.InboxID != alice || !c.HasAddress(aliceAddr) {
		t.Errorf("Expected alice with her address, got %+v", c)
	}
}

func TestSweepRefreshesOnlyStale(t *testing.T) {
	env := setupTestReconciler(t)
	pool := workers.NewWorkerPool(context.Background(), 2, utils.NewLogsManagerWithWriter(io.Discard, "error"))
	pool.Start()
	t.Cleanup(pool.Stop)

	env.rec.UpsertContactProfile(&types.ProfileUpdate{InboxID: alice, DisplayName: "Alice", AvatarURL: "https://a/png", Source: types.SourceInbox})
	env.client.SetProfile(&types.Profile{InboxID: "inbox-carol", DisplayName: "Carol"})

	failed, err := env.rec.Sweep(context.Background(), pool, types.InboxIDs{"inbox-carol", "inbox-me"})
	if err != nil || failed != 0 {
		t.Fatalf("Unexpected sweep result (%d, %v)", failed, err)
	}
	if env.client.ProfileCalls.Load() != 1 {
		t.Errorf("Expected only the unknown peer to be fetched, got %d fetches", env.client.ProfileCalls.Load())
	}
	if c := env.rec.GetContactByInboxID("inbox-carol"); c == nil || c.PreferredName != "Carol" {
		t.Errorf("Expected carol to be enriched, got %+v", c)
	}
}

func TestImportExport(t *testing.T) {
	env := setupTestReconciler(t)
	in := `
contacts:
  - inbox_id: INBOX-ALICE
    display_name: Alice
    primary_address: "0x00000000000000000000000000000000000000A1"
    metadata:
      team: core
  - primary_address: "not-hex-but-fine"
    display_name: Legacy
  - primary_address: "0xzz"
`
	n, err := env.rec.Import(strings.NewReader(in))
	if n != 2 {
		t.Errorf("Expected 2 imported contacts, got %d", n)
	}
	if err == nil {
		t.Error("Expected the invalid entry to be reported")
	}

	c := env.rec.GetContactByAddress(aliceAddr)
	if c == nil || c.InboxID != alice || c.Name != "Alice" || c.Source != types.SourceImport {
		t.Errorf("Expected imported alice, got %+v", c)
	}

	var out bytes.Buffer
	if n, err := env.rec.Export(&out); err != nil || n != 2 {
		t.Fatalf("Unexpected export result (%d, %v)", n, err)
	}
	if !strings.Contains(out.String(), "inbox_id: inbox-alice") || !strings.Contains(out.String(), "team: core") {
		t.Errorf("Unexpected export:\n%s", out.String())
	}
}
