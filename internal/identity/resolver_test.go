package identity

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/protocol/protocoltest"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/store"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

const testAddr = types.Address("0x00000000000000000000000000000000000000aa")

func setupTestResolver(t *testing.T) (*Resolver, *protocoltest.Client, *store.Stores) {
	t.Helper()
	client := protocoltest.New()
	stores := store.New()
	r := NewResolver(client, stores.Auth, stores.Contacts, Config{
		PositiveTTL: time.Hour,
		NegativeTTL: time.Minute,
		Timeout:     time.Second,
	}, utils.NewLogsManagerWithWriter(io.Discard, "error"))
	return r, client, stores
}

func TestConcurrentLookupsShareOneCall(t *testing.T) {
	r, client, _ := setupTestResolver(t)
	client.Inboxes[testAddr] = "inbox-aa"
	gate := make(chan struct{})
	client.ResolveGate = gate

	const n = 16
	results := make([]types.InboxID, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// mixed case is normalized onto the same key
			raw := "0x00000000000000000000000000000000000000AA"
			if i%2 == 0 {
				raw = testAddr.String()
			}
			results[i], errs[i] = r.ResolveInboxIDForAddress(context.Background(), raw, Options{Context: "test"})
		}(i)
	}

	// let every caller reach the pending map before the lookup settles
	deadline := time.Now().Add(2 * time.Second)
	for client.ResolveCalls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := client.ResolveCallsFor(testAddr); got != 1 {
		t.Errorf("Expected exactly 1 network lookup, got %d", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil || results[i] != "inbox-aa" {
			t.Errorf("Caller %d got (%q, %v)", i, results[i], errs[i])
		}
	}
}

func TestNegativeResultTTL(t *testing.T) {
	r, client, _ := setupTestResolver(t)
	now := time.Now()
	r.now = func() time.Time { return now }

	id, err := r.Resolve(context.Background(), testAddr, Options{})
	if err != nil || id != "" {
		t.Fatalf("Expected not found, got (%q, %v)", id, err)
	}
	r.Resolve(context.Background(), testAddr, Options{})
	if got := client.ResolveCallsFor(testAddr); got != 1 {
		t.Errorf("Expected negative result to be cached, got %d lookups", got)
	}

	now = now.Add(time.Minute + time.Second)
	client.Inboxes[testAddr] = "inbox-aa"
	id, _ = r.Resolve(context.Background(), testAddr, Options{})
	if got := client.ResolveCallsFor(testAddr); got != 2 {
		t.Errorf("Expected a retry after the negative TTL, got %d lookups", got)
	}
	if id != "inbox-aa" {
		t.Errorf("Expected inbox-aa after retry, got %q", id)
	}
}

func TestCooldownShortCircuits(t *testing.T) {
	r, client, stores := setupTestResolver(t)
	client.Inboxes[testAddr] = "inbox-aa"
	stores.Auth.StartCooldown(time.Minute)

	id, err := r.Resolve(context.Background(), testAddr, Options{})
	if err != nil || id != "" {
		t.Errorf("Expected (\"\", nil) during cooldown, got (%q, %v)", id, err)
	}
	if client.ResolveCalls.Load() != 0 {
		t.Errorf("Expected no network lookup during cooldown, got %d", client.ResolveCalls.Load())
	}
}

func TestNetworkFailure(t *testing.T) {
	r, client, _ := setupTestResolver(t)
	client.ResolveErr = errors.New("unreachable")

	_, err := r.Resolve(context.Background(), testAddr, Options{})
	if !errors.Is(err, types.ErrLookupFailed) {
		t.Errorf("Expected ErrLookupFailed, got %v", err)
	}

	id, err := r.Resolve(context.Background(), testAddr, Options{AllowStaticFallback: true})
	if err != nil || !id.IsSynthetic() {
		t.Errorf("Expected a synthetic id, got (%q, %v)", id, err)
	}
	if id != types.SyntheticInboxID(testAddr) {
		t.Error("Expected the synthetic id to be deterministic")
	}
	// failures are not cached
	if got := client.ResolveCallsFor(testAddr); got != 2 {
		t.Errorf("Expected 2 lookups, got %d", got)
	}
}

func TestLocalContactAnswersFirst(t *testing.T) {
	r, client, stores := setupTestResolver(t)
	stores.Contacts.Put(&types.Contact{InboxID: "inbox-local", PrimaryAddress: testAddr})

	id, err := r.Resolve(context.Background(), testAddr, Options{})
	if err != nil || id != "inbox-local" {
		t.Errorf("Expected inbox-local, got (%q, %v)", id, err)
	}
	if client.ResolveCalls.Load() != 0 {
		t.Error("Expected no network lookup for a known contact")
	}
}

func TestInvalidAddress(t *testing.T) {
	r, _, _ := setupTestResolver(t)
	if _, err := r.ResolveInboxIDForAddress(context.Background(), "0xnothex", Options{}); err == nil {
		t.Error("Expected invalid hex address to fail")
	}
}
