package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/contacts"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/database"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/events"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/identity"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/protocol"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/protocol/protocoltest"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/store"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

const (
	me   = types.InboxID("inbox-me")
	peer = types.InboxID("inbox-peer")
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type chatEnv struct {
	mgr    *Manager
	bus    *events.Bus
	client *protocoltest.Client
	stores *store.Stores
	db     *database.SQLiteManager
}

func setupTestChat(t *testing.T) *chatEnv {
	t.Helper()
	logger := utils.NewLogsManagerWithWriter(io.Discard, "error")
	db, err := database.OpenNamespace(t.TempDir(), me, logger)
	if err != nil {
		t.Fatalf("Failed to open namespace: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	client := protocoltest.New()
	stores := store.New()
	stores.Auth.SetIdentity(&types.Identity{
		InboxID: me,
		Address: types.MustAddress("0x00000000000000000000000000000000000000ee"),
	})
	resolver := identity.NewResolver(client, stores.Auth, stores.Contacts, identity.Config{
		PositiveTTL: time.Hour, NegativeTTL: time.Minute, Timeout: time.Second,
	}, logger)
	rec := contacts.NewReconciler(db, stores, resolver, client, contacts.Config{
		RefreshInterval: 30 * time.Minute, HotRefreshInterval: 5 * time.Minute, Timeout: time.Second,
	}, logger)

	mgr := NewManager(db, stores, rec, client, Config{PreviewMax: 100, Timeout: time.Second}, logger)
	bus := events.NewBus(logger)
	mgr.Register(bus)
	return &chatEnv{mgr: mgr, bus: bus, client: client, stores: stores, db: db}
}

func (e *chatEnv) receive(source types.EventSource, convID, id string, from types.InboxID, at time.Time, body string) {
	e.bus.Publish(context.Background(), types.NewMessageEvent(source, convID, &types.Message{
		ID:            id,
		SenderInboxID: from,
		SentAt:        at,
		Body:          body,
	}))
}

// connect opens a session on the scripted client that knows convs.
func (e *chatEnv) connect(t *testing.T, convs ...*protocol.RemoteConversation) {
	t.Helper()
	e.client.Conversations = convs
	if _, err := e.client.Connect(context.Background(), protocol.NewKeySigner(mustKey(t)), protocol.ConnectOptions{Register: true}); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
}

func TestOneConversationPerPeer(t *testing.T) {
	env := setupTestChat(t)

	env.receive(types.SourceBackfill, "conv-a", "m1", peer, base, "one")
	env.receive(types.SourceLive, "conv-b", "m2", peer, base.Add(time.Minute), "two")
	env.receive(types.SourceLive, "conv-a", "m3", peer, base.Add(2*time.Minute), "three")
	env.receive(types.SourceLive, "conv-b", "m4", peer, base.Add(3*time.Minute), "four")

	dms := env.stores.Conversations.DirectByPeerKey("inbox:" + peer.String())
	if len(dms) != 1 {
		t.Fatalf("Expected exactly one DM with the peer, got %d", len(dms))
	}
	winner := dms[0]
	if got := len(env.stores.Messages.List(winner.ID)); got != 4 {
		t.Errorf("Expected all 4 messages in the surviving DM, got %d", got)
	}
	if winner.UnreadCount != 4 {
		t.Errorf("Expected 4 unread, got %d", winner.UnreadCount)
	}

	stored, err := env.db.ListDirectConversationsByPeer(peer)
	if err != nil || len(stored) != 1 {
		t.Errorf("Expected one stored DM, got (%d, %v)", len(stored), err)
	}
	if n, _ := env.db.CountMessages(""); n != 4 {
		t.Errorf("Expected 4 stored messages, got %d", n)
	}
}

func TestSelfAddressedMessageCreatesNothing(t *testing.T) {
	env := setupTestChat(t)
	env.connect(t, &protocol.RemoteConversation{ID: "conv-note", Kind: types.ConversationDM, PeerInboxID: me})

	// unknown to the network, so the sender is the only peer candidate
	env.receive(types.SourceLive, "conv-self", "m1", me, base, "note to self")
	// known to the network as a DM with ourselves
	env.receive(types.SourceLive, "conv-note", "m2", peer, base, "echo")

	if env.stores.Conversations.Len() != 0 {
		t.Errorf("Expected no conversation, got %d", env.stores.Conversations.Len())
	}
	if n, _ := env.db.CountConversations(); n != 0 {
		t.Errorf("Expected no stored conversation, got %d", n)
	}
}

func TestGroupMessageInUnknownConversation(t *testing.T) {
	env := setupTestChat(t)
	env.connect(t,
		&protocol.RemoteConversation{ID: "dm-peer", Kind: types.ConversationDM, PeerInboxID: peer},
		&protocol.RemoteConversation{ID: "group-new", Kind: types.ConversationGroup, Name: "crew", MemberInboxIDs: types.InboxIDs{me, peer}},
	)

	env.receive(types.SourceLive, "dm-peer", "m1", peer, base, "hi")
	env.receive(types.SourceLive, "group-new", "g1", peer, base.Add(time.Minute), "welcome")

	group := env.stores.Conversations.Get("group-new")
	if group == nil || !group.IsGroup() {
		t.Fatalf("Expected group-new to be a group, got %+v", group)
	}
	if group.Name != "crew" || !group.MemberInboxIDs.Contains(peer) {
		t.Errorf("Expected the network's name and members, got %q %v", group.Name, group.MemberInboxIDs)
	}
	if got := len(env.stores.Messages.List("group-new")); got != 1 {
		t.Errorf("Expected 1 group message, got %d", got)
	}
	if got := len(env.stores.Messages.List("dm-peer")); got != 1 {
		t.Errorf("Expected the DM to keep only its own message, got %d", got)
	}
	if env.stores.Conversations.Len() != 2 {
		t.Errorf("Expected 2 conversations, got %d", env.stores.Conversations.Len())
	}
}

func TestOwnMessageFromAnotherInstallation(t *testing.T) {
	env := setupTestChat(t)
	env.connect(t, &protocol.RemoteConversation{ID: "dm-new", Kind: types.ConversationDM, PeerInboxID: peer})

	env.receive(types.SourceLive, "dm-new", "m1", me, base, "sent from my phone")

	conv := env.stores.Conversations.Get("dm-new")
	if conv == nil {
		t.Fatal("Expected the DM to be created")
	}
	if conv.PeerInboxID != peer {
		t.Errorf("Expected peer %s, got %s", peer, conv.PeerInboxID)
	}
	if conv.UnreadCount != 0 {
		t.Errorf("Expected own message not to count as unread, got %d", conv.UnreadCount)
	}
	msg := env.stores.Messages.Get("m1")
	if msg == nil || !msg.Outgoing || msg.Status != types.StatusSent {
		t.Errorf("Expected an outgoing sent message, got %+v", msg)
	}
}

func TestMessageIdempotence(t *testing.T) {
	env := setupTestChat(t)
	env.receive(types.SourceBackfill, "conv-a", "m1", peer, base, "hello")
	env.receive(types.SourceLive, "conv-a", "m1", peer, base, "hello")

	if got := len(env.stores.Messages.List("conv-a")); got != 1 {
		t.Errorf("Expected 1 message in memory, got %d", got)
	}
	if n, _ := env.db.CountMessages("m1"); n != 1 {
		t.Errorf("Expected 1 stored copy, got %d", n)
	}
	if conv := env.stores.Conversations.Get("conv-a"); conv.UnreadCount != 1 {
		t.Errorf("Expected the duplicate not to count as unread, got %d", conv.UnreadCount)
	}

	// a fresh process must recognize it from storage alone
	env.stores.Messages.Reset()
	env.receive(types.SourceLive, "conv-a", "m1", peer, base, "hello")
	if got := len(env.stores.Messages.List("conv-a")); got != 0 {
		t.Errorf("Expected the stored id to be skipped, got %d in memory", got)
	}
}

func TestReadReceiptIsMonotonic(t *testing.T) {
	env := setupTestChat(t)
	env.receive(types.SourceLive, "conv-a", "in-1", peer, base, "hi")

	outgoing := []*types.Message{
		{ID: "out-1", SenderInboxID: me, SentAt: base.Add(time.Minute), Status: types.StatusSent},
		{ID: "out-2", SenderInboxID: me, SentAt: base.Add(2 * time.Minute), Status: types.StatusDelivered},
		{ID: "out-3", SenderInboxID: me, SentAt: base.Add(10 * time.Minute), Status: types.StatusSent},
	}
	for _, m := range outgoing {
		env.bus.Publish(context.Background(), types.NewMessageEvent(types.SourceLive, "conv-a", m))
	}

	env.bus.Publish(context.Background(), types.NewReadReceiptEvent(types.SourceLive, "conv-a", peer, base.Add(5*time.Minute)))

	expect := map[string]types.MessageStatus{
		"out-1": types.StatusDelivered,
		"out-2": types.StatusDelivered,
		"out-3": types.StatusSent,
		"in-1":  types.StatusDelivered,
	}
	for id, want := range expect {
		if got := env.stores.Messages.Get(id).Status; got != want {
			t.Errorf("Expected %s to be %s in memory, got %s", id, want, got)
		}
		stored, _ := env.db.GetMessage(id)
		if stored == nil || stored.Status != want {
			t.Errorf("Expected %s to be %s in storage, got %+v", id, want, stored)
		}
	}

	// an older receipt afterwards changes nothing
	env.bus.Publish(context.Background(), types.NewReadReceiptEvent(types.SourceLive, "conv-a", peer, base))
	if got := env.stores.Messages.Get("out-1").Status; got != types.StatusDelivered {
		t.Errorf("Expected out-1 to stay delivered, got %s", got)
	}
}

func TestDedupOnCleanStateIsNoop(t *testing.T) {
	env := setupTestChat(t)
	env.receive(types.SourceLive, "conv-a", "m1", peer, base, "hi")
	env.receive(types.SourceLive, "conv-b", "m2", "inbox-other", base, "hey")

	for i := 0; i < 3; i++ {
		for _, c := range env.stores.Conversations.List() {
			if got := env.mgr.Deduplicate(c); got != c.ID {
				t.Errorf("Expected %s to survive, got %s", c.ID, got)
			}
		}
	}
	if env.stores.Conversations.Len() != 2 {
		t.Errorf("Expected 2 conversations, got %d", env.stores.Conversations.Len())
	}
}

func TestDedupPrefersConfirmedConversation(t *testing.T) {
	env := setupTestChat(t)
	local := &types.Conversation{ID: types.LocalIDPrefix + "x", Kind: types.ConversationDM, PeerInboxID: peer, LastMessageAt: base.Add(time.Hour), UnreadCount: 2}
	env.stores.Conversations.Put(local)
	env.db.SaveConversation(local)
	env.stores.Messages.Append(&types.Message{ID: "pending-1", ConversationID: local.ID, SentAt: base.Add(time.Hour), Type: types.MessageText, Status: types.StatusPending, Outgoing: true})

	confirmed := &types.Conversation{ID: "conv-confirmed", Kind: types.ConversationDM, PeerInboxID: peer, LastMessageAt: base}
	env.stores.Conversations.Put(confirmed)
	env.db.SaveConversation(confirmed)

	if got := env.mgr.Deduplicate(confirmed); got != "conv-confirmed" {
		t.Fatalf("Expected the confirmed conversation to win, got %s", got)
	}
	if env.stores.Conversations.Has(local.ID) {
		t.Error("Expected the placeholder to be removed")
	}
	winner := env.stores.Conversations.Get("conv-confirmed")
	if winner.UnreadCount != 2 || !winner.LastMessageAt.Equal(base.Add(time.Hour)) {
		t.Errorf("Expected counters to be merged, got %+v", winner)
	}
	if got := env.stores.Messages.Get("pending-1").ConversationID; got != "conv-confirmed" {
		t.Errorf("Expected the message to move, got %s", got)
	}
	if conv, err := env.mgr.GetConversation(local.ID); err != nil || conv.ID != "conv-confirmed" {
		t.Errorf("Expected the old id to resolve to the survivor, got (%v, %v)", conv, err)
	}
}

func TestUnreadAndPreview(t *testing.T) {
	env := setupTestChat(t)
	long := strings.Repeat("x", 150)
	env.receive(types.SourceLive, "conv-a", "m1", peer, base, long)

	conv := env.stores.Conversations.Get("conv-a")
	if len([]rune(conv.LastMessagePreview)) != 100 {
		t.Errorf("Expected a 100 character preview, got %d", len([]rune(conv.LastMessagePreview)))
	}
	if conv.UnreadCount != 1 {
		t.Errorf("Expected 1 unread, got %d", conv.UnreadCount)
	}

	if err := env.mgr.MarkConversationRead("conv-a"); err != nil {
		t.Fatalf("Failed to mark read: %v", err)
	}
	if stored, err := env.db.GetConversation("conv-a"); err != nil || stored == nil || stored.UnreadCount != 0 {
		t.Errorf("Expected the stored unread count to reset, got (%+v, %v)", stored, err)
	}

	if err := env.mgr.SetActiveConversation("conv-a"); err != nil {
		t.Fatalf("Failed to activate: %v", err)
	}
	env.receive(types.SourceLive, "conv-a", "m2", peer, base.Add(time.Minute), "seen")
	conv = env.stores.Conversations.Get("conv-a")
	if conv.UnreadCount != 0 {
		t.Errorf("Expected no unread on the active conversation, got %d", conv.UnreadCount)
	}

	// an older backfilled message leaves the preview alone
	env.receive(types.SourceBackfill, "conv-a", "m0", peer, base.Add(-time.Hour), "ancient")
	if conv = env.stores.Conversations.Get("conv-a"); conv.LastMessagePreview != "seen" {
		t.Errorf("Expected preview to stay on the newest message, got %q", conv.LastMessagePreview)
	}
}

func TestTombstones(t *testing.T) {
	env := setupTestChat(t)
	env.receive(types.SourceLive, "conv-a", "m1", peer, base, "hi")
	if err := env.mgr.RemoveConversation("conv-a"); err != nil {
		t.Fatalf("Failed to remove: %v", err)
	}

	env.receive(types.SourceBackfill, "conv-a", "m0", peer, base.Add(-time.Minute), "old")
	if env.stores.Conversations.Has("conv-a") {
		t.Fatal("Expected backfill not to resurrect a removed conversation")
	}

	env.client.Conversations = []*protocol.RemoteConversation{{ID: "conv-a", Kind: types.ConversationDM, PeerInboxID: peer}}
	env.client.Connect(context.Background(), protocol.NewKeySigner(mustKey(t)), protocol.ConnectOptions{Register: true})
	if n, err := env.mgr.SyncConversations(context.Background()); err != nil || n != 0 {
		t.Errorf("Expected sync to skip the removed conversation, got (%d, %v)", n, err)
	}

	env.receive(types.SourceLive, "conv-a", "m2", peer, base.Add(time.Minute), "again")
	if !env.stores.Conversations.Has("conv-a") {
		t.Error("Expected a live message to restore the conversation")
	}
	if gone, _ := env.db.IsTombstoned("conv-a"); gone {
		t.Error("Expected the tombstone to be cleared")
	}
}

func TestSendFailureAndRetry(t *testing.T) {
	env := setupTestChat(t)
	env.receive(types.SourceLive, "conv-a", "m1", peer, base, "hi")

	env.client.SendErr = errors.New("network down")
	msg, err := env.mgr.Send(context.Background(), "conv-a", "reply", nil)
	if err == nil {
		t.Fatal("Expected send to fail")
	}
	if msg == nil || msg.Status != types.StatusFailed || !types.IsLocalID(msg.ID) {
		t.Fatalf("Expected a failed local message, got %+v", msg)
	}

	env.client.SendErr = nil
	sent, err := env.mgr.Retry(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("Failed to retry: %v", err)
	}
	if sent.ID != "sent-1" || sent.Status != types.StatusSent {
		t.Errorf("Expected sent-1 with status sent, got %+v", sent)
	}
	if env.mgr.ResolveMessageID(msg.ID) != "sent-1" {
		t.Error("Expected the local id to map to the network id")
	}
	if env.stores.Messages.Has(msg.ID) {
		t.Error("Expected the placeholder id to be gone from memory")
	}

	// the echo from the stream is not a second copy
	env.receive(types.SourceLive, "conv-a", "sent-1", me, time.Now(), "reply")
	if got := len(env.stores.Messages.List("conv-a")); got != 2 {
		t.Errorf("Expected 2 messages, got %d", got)
	}
	if n, _ := env.db.CountMessages(""); n != 2 {
		t.Errorf("Expected 2 stored messages, got %d", n)
	}
}

func TestStartConversationConfirmsPlaceholder(t *testing.T) {
	env := setupTestChat(t)
	conv, err := env.mgr.StartConversation(context.Background(), "inbox-bob")
	if err != nil {
		t.Fatalf("Failed to start conversation: %v", err)
	}
	if types.IsLocalID(conv.ID) {
		t.Errorf("Expected a confirmed id, got %s", conv.ID)
	}
	if env.stores.Conversations.Len() != 1 {
		t.Errorf("Expected the placeholder to be collapsed, got %d conversations", env.stores.Conversations.Len())
	}

	again, err := env.mgr.StartConversation(context.Background(), "INBOX-BOB")
	if err != nil || again.ID != conv.ID {
		t.Errorf("Expected the existing DM, got (%v, %v)", again, err)
	}

	if _, err := env.mgr.StartConversation(context.Background(), me.String()); !errors.Is(err, types.ErrSelfConversation) {
		t.Errorf("Expected ErrSelfConversation, got %v", err)
	}
}

func TestSystemEventsUpdateGroup(t *testing.T) {
	env := setupTestChat(t)
	env.bus.Publish(context.Background(), types.NewSystemEvent(types.SourceLive, "group-1", &types.SystemChange{
		ID: "sys-1", Kind: types.SystemMembersAdded, Initiator: peer, InboxIDs: types.InboxIDs{"inbox-carol", me}, SentAt: base,
	}))
	env.bus.Publish(context.Background(), types.NewSystemEvent(types.SourceLive, "group-1", &types.SystemChange{
		ID: "sys-2", Kind: types.SystemGroupRenamed, Initiator: peer, GroupName: "Crew", SentAt: base.Add(time.Minute),
	}))
	env.bus.Publish(context.Background(), types.NewSystemEvent(types.SourceLive, "group-1", &types.SystemChange{
		ID: "sys-2", Kind: types.SystemGroupRenamed, Initiator: peer, GroupName: "Crew", SentAt: base.Add(time.Minute),
	}))

	conv := env.stores.Conversations.Get("group-1")
	if conv == nil || !conv.IsGroup() {
		t.Fatalf("Expected a group conversation, got %+v", conv)
	}
	if conv.Name != "Crew" || !conv.MemberInboxIDs.Contains("inbox-carol") {
		t.Errorf("Expected renamed group with carol, got %+v", conv)
	}
	if conv.UnreadCount != 0 {
		t.Errorf("Expected system events not to count as unread, got %d", conv.UnreadCount)
	}
	if !strings.Contains(conv.LastMessagePreview, "Crew") {
		t.Errorf("Expected the preview to describe the rename, got %q", conv.LastMessagePreview)
	}
	if got := len(env.stores.Messages.List("group-1")); got != 2 {
		t.Errorf("Expected 2 system messages, got %d", got)
	}
}

func TestSyncConversations(t *testing.T) {
	env := setupTestChat(t)
	env.client.Conversations = []*protocol.RemoteConversation{
		{ID: "dm-1", Kind: types.ConversationDM, PeerInboxID: peer, LastMessageAt: base},
		{ID: "dm-2", Kind: types.ConversationDM, PeerInboxID: peer, LastMessageAt: base.Add(time.Minute)},
		{ID: "dm-self", Kind: types.ConversationDM, PeerInboxID: me},
		{ID: "g-1", Kind: types.ConversationGroup, Name: "Team", MemberInboxIDs: types.InboxIDs{me, peer}},
	}
	env.client.Connect(context.Background(), protocol.NewKeySigner(mustKey(t)), protocol.ConnectOptions{Register: true})

	if _, err := env.mgr.SyncConversations(context.Background()); err != nil {
		t.Fatalf("Failed to sync: %v", err)
	}
	if env.stores.Conversations.Len() != 2 {
		t.Fatalf("Expected one DM and one group, got %d", env.stores.Conversations.Len())
	}
	if !env.stores.Conversations.Has("dm-2") {
		t.Error("Expected the most recently active DM to survive")
	}
	if ids := env.mgr.PeerInboxIDs(); len(ids) != 1 || ids[0] != peer {
		t.Errorf("Expected peers [%s], got %v", peer, ids)
	}
}

func TestEnrichConversationRefreshesName(t *testing.T) {
	env := setupTestChat(t)
	env.receive(types.SourceLive, "conv-a", "m1", peer, base, "hi")

	env.client.SetProfile(&types.Profile{InboxID: peer, DisplayName: "Alice"})
	conv, err := env.mgr.EnrichConversation(context.Background(), "conv-a")
	if err != nil {
		t.Fatalf("Failed to enrich: %v", err)
	}
	if conv.Name != "Alice" {
		t.Errorf("Expected name Alice after enrichment, got %q", conv.Name)
	}

	if _, err := env.mgr.EnrichConversation(context.Background(), "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
