package database

import (
	"io"
	"testing"
	"time"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

const testPeer = types.InboxID("peer-inbox-1")

func setupTestNamespace(t *testing.T) *SQLiteManager {
	t.Helper()
	logger := utils.NewLogsManagerWithWriter(io.Discard, "error")

	sqlm, err := OpenNamespace(t.TempDir(), types.InboxID("me-inbox"), logger)
	if err != nil {
		t.Fatalf("Failed to open namespace: %v", err)
	}
	t.Cleanup(func() { sqlm.Close() })
	return sqlm
}

func saveTestConversation(t *testing.T, sqlm *SQLiteManager, id string, peer types.InboxID, last time.Time) *types.Conversation {
	t.Helper()
	conv := &types.Conversation{
		ID:            id,
		Kind:          types.ConversationDM,
		PeerInboxID:   peer,
		LastMessageAt: last,
	}
	if err := sqlm.SaveConversation(conv); err != nil {
		t.Fatalf("Failed to save conversation: %v", err)
	}
	return conv
}

func TestNamespaceFileNameIsStable(t *testing.T) {
	a := NamespaceFileName("inbox-a")
	if a != NamespaceFileName("inbox-a") {
		t.Error("Expected identical file names for the same namespace")
	}
	if a == NamespaceFileName("inbox-b") {
		t.Error("Expected different file names for different namespaces")
	}
}

func TestConversationRoundTrip(t *testing.T) {
	sqlm := setupTestNamespace(t)

	conv := &types.Conversation{
		ID:              "conv-1",
		Kind:            types.ConversationGroup,
		Name:            "friends",
		MemberInboxIDs:  types.InboxIDs{"a", "b"},
		MemberAddresses: types.Addresses{"0xaa"},
		Admins:          types.InboxIDs{"a"},
		LastMessageAt:   time.UnixMilli(1700000000000),
		UnreadCount:     3,
		Pinned:          true,
	}
	if err := sqlm.SaveConversation(conv); err != nil {
		t.Fatalf("Failed to save conversation: %v", err)
	}

	got, err := sqlm.GetConversation("conv-1")
	if err != nil {
		t.Fatalf("Failed to get conversation: %v", err)
	}
	if got == nil {
		t.Fatal("Expected conversation, got nil")
	}
	if got.Name != "friends" || !got.Pinned || got.UnreadCount != 3 {
		t.Errorf("Unexpected conversation fields: %+v", got)
	}
	if len(got.MemberInboxIDs) != 2 || !got.Admins.Contains("a") {
		t.Errorf("Members not restored: %+v", got.MemberInboxIDs)
	}
	if !got.LastMessageAt.Equal(conv.LastMessageAt) {
		t.Errorf("Expected last message at %v, got %v", conv.LastMessageAt, got.LastMessageAt)
	}

	missing, err := sqlm.GetConversation("nope")
	if err != nil || missing != nil {
		t.Errorf("Expected (nil, nil) for a missing conversation, got (%v, %v)", missing, err)
	}
}

func TestInsertMessageIfAbsent(t *testing.T) {
	sqlm := setupTestNamespace(t)
	saveTestConversation(t, sqlm, "conv-1", testPeer, time.Now())

	msg := &types.Message{
		ID:             "msg-1",
		ConversationID: "conv-1",
		SenderInboxID:  testPeer,
		SentAt:         time.Now(),
		Type:           types.MessageText,
		Body:           "hello",
		Status:         types.StatusDelivered,
	}

	inserted, err := sqlm.InsertMessageIfAbsent(msg)
	if err != nil || !inserted {
		t.Fatalf("Expected first insert to succeed, got (%v, %v)", inserted, err)
	}
	inserted, err = sqlm.InsertMessageIfAbsent(msg)
	if err != nil {
		t.Fatalf("Second insert failed: %v", err)
	}
	if inserted {
		t.Error("Expected second insert of the same id to be ignored")
	}

	n, err := sqlm.CountMessages("msg-1")
	if err != nil {
		t.Fatalf("Failed to count messages: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected exactly 1 stored message, got %d", n)
	}
}

func TestReassignAndCascadeDelete(t *testing.T) {
	sqlm := setupTestNamespace(t)
	saveTestConversation(t, sqlm, "winner", testPeer, time.Now())
	saveTestConversation(t, sqlm, "loser", testPeer, time.Now().Add(-time.Hour))

	for i, id := range []string{"m1", "m2"} {
		msg := &types.Message{ID: id, ConversationID: "loser", SentAt: time.Now().Add(time.Duration(i) * time.Second), Type: types.MessageText, Status: types.StatusDelivered}
		if _, err := sqlm.InsertMessageIfAbsent(msg); err != nil {
			t.Fatalf("Failed to insert message: %v", err)
		}
	}

	dups, err := sqlm.ListDirectConversationsByPeer(testPeer)
	if err != nil {
		t.Fatalf("Failed to list conversations by peer: %v", err)
	}
	if len(dups) != 2 || dups[0].ID != "winner" {
		t.Fatalf("Expected 2 conversations ordered by activity, got %d", len(dups))
	}

	moved, err := sqlm.ReassignConversationMessages("loser", "winner")
	if err != nil || moved != 2 {
		t.Fatalf("Expected 2 messages moved, got (%d, %v)", moved, err)
	}
	if err := sqlm.DeleteConversation("loser"); err != nil {
		t.Fatalf("Failed to delete conversation: %v", err)
	}

	msgs, err := sqlm.ListMessages("winner", 0, 0)
	if err != nil {
		t.Fatalf("Failed to list messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m1" {
		t.Errorf("Expected re-homed messages in order, got %d", len(msgs))
	}

	if err := sqlm.DeleteConversation("winner"); err != nil {
		t.Fatalf("Failed to delete conversation: %v", err)
	}
	n, _ := sqlm.CountMessages("")
	if n != 0 {
		t.Errorf("Expected messages to be cascade deleted, %d left", n)
	}
}

func TestContactLookupByAddress(t *testing.T) {
	sqlm := setupTestNamespace(t)

	contact := &types.Contact{
		InboxID:        "inbox-x",
		PrimaryAddress: "0xabc",
		Addresses:      types.Addresses{"0xdef"},
		PreferredName:  "Xavier",
		Source:         types.SourceInbox,
		LastSyncedAt:   time.Now(),
		Metadata:       map[string]string{"ens": "x.eth"},
	}
	if err := sqlm.SaveContact(contact); err != nil {
		t.Fatalf("Failed to save contact: %v", err)
	}

	got, err := sqlm.GetContactByAddress("0xdef")
	if err != nil {
		t.Fatalf("Failed to get contact by address: %v", err)
	}
	if got == nil || got.InboxID != "inbox-x" {
		t.Fatalf("Expected contact inbox-x, got %+v", got)
	}
	if !got.HasAddress("0xabc") || !got.HasAddress("0xdef") {
		t.Errorf("Expected both addresses, got %v", got.Addresses)
	}
	if got.Metadata["ens"] != "x.eth" {
		t.Errorf("Expected metadata to round-trip, got %v", got.Metadata)
	}

	// address moves to another inbox
	other := &types.Contact{InboxID: "inbox-y", PrimaryAddress: "0xdef", Source: types.SourceInbox}
	if err := sqlm.SaveContact(other); err != nil {
		t.Fatalf("Failed to save contact: %v", err)
	}
	got, _ = sqlm.GetContactByAddress("0xdef")
	if got == nil || got.InboxID != "inbox-y" {
		t.Errorf("Expected address to belong to inbox-y, got %+v", got)
	}

	all, err := sqlm.ListContacts()
	if err != nil || len(all) != 2 {
		t.Errorf("Expected 2 contacts, got (%d, %v)", len(all), err)
	}
}

func TestTombstonesAndMappings(t *testing.T) {
	sqlm := setupTestNamespace(t)

	if err := sqlm.AddTombstone("conv-9", testPeer, "removed"); err != nil {
		t.Fatalf("Failed to add tombstone: %v", err)
	}
	ok, err := sqlm.IsTombstoned("conv-9")
	if err != nil || !ok {
		t.Fatalf("Expected conv-9 tombstoned, got (%v, %v)", ok, err)
	}
	if err := sqlm.ClearTombstone("conv-9"); err != nil {
		t.Fatalf("Failed to clear tombstone: %v", err)
	}
	if ok, _ := sqlm.IsTombstoned("conv-9"); ok {
		t.Error("Expected tombstone to be cleared")
	}

	if err := sqlm.SaveIDMapping(MappingMessage, "local-1", "remote-1"); err != nil {
		t.Fatalf("Failed to save mapping: %v", err)
	}
	if remote, _ := sqlm.RemoteID("local-1"); remote != "remote-1" {
		t.Errorf("Expected remote-1, got %q", remote)
	}
	if local, _ := sqlm.LocalID(MappingMessage, "remote-1"); local != "local-1" {
		t.Errorf("Expected local-1, got %q", local)
	}
	if remote, _ := sqlm.RemoteID("unknown"); remote != "" {
		t.Errorf("Expected empty mapping, got %q", remote)
	}
}

func TestAttachmentsAreContentAddressed(t *testing.T) {
	sqlm := setupTestNamespace(t)

	a := &types.Attachment{Filename: "a.txt", ContentType: "text/plain", Data: []byte("payload")}
	d1, err := sqlm.SaveAttachment(a)
	if err != nil {
		t.Fatalf("Failed to save attachment: %v", err)
	}
	d2, err := sqlm.SaveAttachment(&types.Attachment{Filename: "b.txt", Data: []byte("payload")})
	if err != nil {
		t.Fatalf("Failed to save attachment: %v", err)
	}
	if d1 != d2 {
		t.Errorf("Expected identical digests for identical payloads")
	}

	got, err := sqlm.GetAttachment(d1)
	if err != nil || got == nil {
		t.Fatalf("Failed to load attachment: (%v, %v)", got, err)
	}
	if string(got.Data) != "payload" || got.Filename != "a.txt" {
		t.Errorf("Unexpected attachment %+v", got)
	}
}

func TestHasLocalData(t *testing.T) {
	sqlm := setupTestNamespace(t)

	has, err := sqlm.HasLocalData()
	if err != nil || has {
		t.Fatalf("Expected empty namespace, got (%v, %v)", has, err)
	}
	saveTestConversation(t, sqlm, "conv-1", testPeer, time.Now())
	if has, _ := sqlm.HasLocalData(); !has {
		t.Error("Expected local data after saving a conversation")
	}
}

func TestGlobalBootMarker(t *testing.T) {
	logger := utils.NewLogsManagerWithWriter(io.Discard, "error")
	g, err := OpenGlobal(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("Failed to open global db: %v", err)
	}
	defer g.Close()

	if err := g.SetStorageNamespace("inbox-b"); err != nil {
		t.Fatalf("Failed to set namespace: %v", err)
	}
	ns, err := g.StorageNamespace()
	if err != nil || ns != "inbox-b" {
		t.Errorf("Expected namespace inbox-b, got (%q, %v)", ns, err)
	}

	if err := g.RegisterInbox(&types.Identity{InboxID: "inbox-b", Address: "0xbb", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Failed to register inbox: %v", err)
	}
	if ok, _ := g.HasInbox("inbox-b"); !ok {
		t.Error("Expected inbox-b to be known")
	}
	list, _ := g.ListInboxes()
	if len(list) != 1 {
		t.Errorf("Expected 1 known inbox, got %d", len(list))
	}
}
