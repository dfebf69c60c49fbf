package events

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

func setupTestBus() *Bus {
	return NewBus(utils.NewLogsManagerWithWriter(io.Discard, "error"))
}

func TestPublishRoutesByKind(t *testing.T) {
	bus := setupTestBus()

	var messages, receipts int
	bus.Subscribe(types.MessageReceived, func(ctx context.Context, ev types.Event) error {
		messages++
		return nil
	})
	bus.Subscribe(types.ReadReceipt, func(ctx context.Context, ev types.Event) error {
		receipts++
		return nil
	})

	ctx := context.Background()
	bus.Publish(ctx, types.NewMessageEvent(types.SourceLive, "c1", &types.Message{ID: "m1"}))
	bus.Publish(ctx, types.NewReadReceiptEvent(types.SourceLive, "c1", "", time.Now()))

	if messages != 1 || receipts != 1 {
		t.Errorf("Expected 1 message and 1 receipt, got %d and %d", messages, receipts)
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	bus := setupTestBus()

	var seen []string
	bus.Subscribe(types.MessageReceived, func(ctx context.Context, ev types.Event) error {
		seen = append(seen, ev.Message.Message.ID)
		return nil
	})

	for _, id := range []string{"a", "b", "c"} {
		bus.Publish(context.Background(), types.NewMessageEvent(types.SourceBackfill, "c1", &types.Message{ID: id}))
	}
	if len(seen) != 3 || seen[0] != "a" || seen[2] != "c" {
		t.Errorf("Unexpected delivery order %v", seen)
	}
}

func TestHandlerErrorDoesNotStopOthers(t *testing.T) {
	bus := setupTestBus()

	called := false
	bus.Subscribe(types.SystemReceived, func(ctx context.Context, ev types.Event) error {
		return errors.New("boom")
	})
	bus.Subscribe(types.SystemReceived, func(ctx context.Context, ev types.Event) error {
		called = true
		return nil
	})

	bus.Publish(context.Background(), types.NewSystemEvent(types.SourceLive, "g1", &types.SystemChange{ID: "s1"}))
	if !called {
		t.Error("Expected second handler to run after the first failed")
	}
}

func TestMalformedEventsAreDropped(t *testing.T) {
	bus := setupTestBus()

	called := false
	bus.Subscribe(types.MessageReceived, func(ctx context.Context, ev types.Event) error {
		called = true
		return nil
	})

	bus.Publish(context.Background(), types.Event{Kind: types.MessageReceived})
	bus.Publish(context.Background(), types.NewMessageEvent(types.SourceLive, "", &types.Message{ID: "m"}))
	if called {
		t.Error("Expected malformed events not to reach handlers")
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := setupTestBus()

	n := 0
	unsubscribe := bus.Subscribe(types.MessageReceived, func(ctx context.Context, ev types.Event) error {
		n++
		return nil
	})
	ev := types.NewMessageEvent(types.SourceLive, "c1", &types.Message{ID: "m"})
	bus.Publish(context.Background(), ev)
	unsubscribe()
	bus.Publish(context.Background(), ev)

	if n != 1 {
		t.Errorf("Expected 1 delivery, got %d", n)
	}
}
