package inbox

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/database"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

const (
	inboxA = types.InboxID("inbox-a")
	inboxB = types.InboxID("inbox-b")
)

type fakeRuntime struct {
	mu          sync.Mutex
	active      types.InboxID
	calls       []string
	shutdownErr error
	activateErr error
}

func (r *fakeRuntime) Active() types.InboxID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *fakeRuntime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "shutdown:"+r.active.String())
	r.active = ""
	return r.shutdownErr
}

func (r *fakeRuntime) Activate(ctx context.Context, id types.InboxID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "activate:"+id.String())
	if r.activateErr != nil {
		return r.activateErr
	}
	r.active = id
	return nil
}

// recordingSettings remembers every setting write.
type recordingSettings struct {
	*database.GlobalDB
	mu     sync.Mutex
	writes []string
}

func (s *recordingSettings) SetSetting(key, value string) error {
	s.mu.Lock()
	s.writes = append(s.writes, key+"="+value)
	s.mu.Unlock()
	return s.GlobalDB.SetSetting(key, value)
}

func (s *recordingSettings) SetStorageNamespace(id types.InboxID) error {
	return s.SetSetting(database.SettingStorageNamespace, id.String())
}

func setupTestCoordinator(t *testing.T) (*Coordinator, *fakeRuntime, *recordingSettings) {
	t.Helper()
	logger := utils.NewLogsManagerWithWriter(io.Discard, "error")
	global, err := database.OpenGlobal(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("Failed to open global database: %v", err)
	}
	t.Cleanup(func() { global.Close() })

	for _, id := range []types.InboxID{inboxA, inboxB} {
		err := global.RegisterInbox(&types.Identity{InboxID: id, Address: "0x" + types.Address(id), CreatedAt: time.Now()})
		if err != nil {
			t.Fatalf("Failed to register %s: %v", id, err)
		}
	}
	settings := &recordingSettings{GlobalDB: global}
	rt := &fakeRuntime{}
	return NewCoordinator(settings, rt, logger), rt, settings
}

func TestSwitchWritesMarkerAndActivatesTarget(t *testing.T) {
	coord, rt, settings := setupTestCoordinator(t)
	ctx := context.Background()
	if err := settings.SetStorageNamespace(inboxA); err != nil {
		t.Fatalf("Failed to seed namespace: %v", err)
	}
	if err := coord.Restore(ctx); err != nil {
		t.Fatalf("Failed to restore: %v", err)
	}

	var seen []State
	coord.OnState(func(s State, _ types.InboxID) { seen = append(seen, s) })
	settings.writes = nil

	if err := coord.Switch(ctx, inboxB); err != nil {
		t.Fatalf("Failed to switch: %v", err)
	}

	wantCalls := []string{"activate:inbox-a", "shutdown:inbox-a", "activate:inbox-b"}
	if len(rt.calls) != len(wantCalls) {
		t.Fatalf("Expected calls %v, got %v", wantCalls, rt.calls)
	}
	for i := range wantCalls {
		if rt.calls[i] != wantCalls[i] {
			t.Errorf("Expected call %d to be %s, got %s", i, wantCalls[i], rt.calls[i])
		}
	}

	marker := database.SettingForceInboxOnBoot + "=" + inboxB.String()
	found := false
	for _, w := range settings.writes {
		if w == marker {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected boot marker %s to be written, got %v", marker, settings.writes)
	}
	if v, _ := settings.GetSetting(database.SettingForceInboxOnBoot); v != inboxB.String() {
		t.Errorf("Expected the marker to stay pending until the next boot, got %q", v)
	}
	if ns, _ := settings.StorageNamespace(); ns != inboxB {
		t.Errorf("Expected namespace %s, got %s", inboxB, ns)
	}

	wantStates := []State{StateClosing, StateNamespaceSwap, StateRestoring, StateActive}
	if len(seen) != len(wantStates) {
		t.Fatalf("Expected states %v, got %v", wantStates, seen)
	}
	for i := range wantStates {
		if seen[i] != wantStates[i] {
			t.Errorf("Expected state %d to be %s, got %s", i, wantStates[i], seen[i])
		}
	}
}

func TestBootMarkerWinsOnce(t *testing.T) {
	coord, _, settings := setupTestCoordinator(t)
	settings.SetStorageNamespace(inboxA)
	settings.GlobalDB.SetSetting(database.SettingForceInboxOnBoot, inboxB.String())

	target, err := coord.BootTarget()
	if err != nil || target != inboxB {
		t.Fatalf("Expected marker target %s, got (%s, %v)", inboxB, target, err)
	}
	if v, _ := settings.GetSetting(database.SettingForceInboxOnBoot); v != "" {
		t.Errorf("Expected marker consumed, got %q", v)
	}

	target, err = coord.BootTarget()
	if err != nil || target != inboxB {
		t.Errorf("Expected namespace %s on the next boot, got (%s, %v)", inboxB, target, err)
	}
}

func TestNextBootConsumesSwitchMarker(t *testing.T) {
	coord, _, settings := setupTestCoordinator(t)
	ctx := context.Background()
	settings.SetStorageNamespace(inboxA)
	coord.Restore(ctx)
	if err := coord.Switch(ctx, inboxB); err != nil {
		t.Fatalf("Failed to switch: %v", err)
	}

	// a fresh process over the same settings
	rt := &fakeRuntime{}
	next := NewCoordinator(settings, rt, utils.NewLogsManagerWithWriter(io.Discard, "error"))
	if err := next.Restore(ctx); err != nil {
		t.Fatalf("Failed to restore: %v", err)
	}
	if rt.Active() != inboxB {
		t.Errorf("Expected %s active after boot, got %s", inboxB, rt.Active())
	}
	if v, _ := settings.GetSetting(database.SettingForceInboxOnBoot); v != "" {
		t.Errorf("Expected the boot to consume the marker, got %q", v)
	}
}

func TestSwitchSurvivesShutdownFailure(t *testing.T) {
	coord, rt, settings := setupTestCoordinator(t)
	settings.SetStorageNamespace(inboxA)
	coord.Restore(context.Background())
	rt.shutdownErr = errors.New("database is locked")

	if err := coord.Switch(context.Background(), inboxB); err != nil {
		t.Fatalf("Expected the switch to continue past a close failure, got %v", err)
	}
	if rt.Active() != inboxB || coord.State() != StateActive {
		t.Errorf("Expected %s active, got %s (%s)", inboxB, rt.Active(), coord.State())
	}
}

func TestSwitchToUnknownInbox(t *testing.T) {
	coord, rt, _ := setupTestCoordinator(t)
	err := coord.Switch(context.Background(), "inbox-nobody")
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if len(rt.calls) != 0 {
		t.Errorf("Expected no runtime calls, got %v", rt.calls)
	}
}

func TestRestoreWithoutInbox(t *testing.T) {
	coord, _, _ := setupTestCoordinator(t)
	if err := coord.Restore(context.Background()); !errors.Is(err, ErrNoInbox) {
		t.Errorf("Expected ErrNoInbox, got %v", err)
	}
}
