package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

const category = "events"

// Handler consumes one event. Errors are logged by the bus and never reach the publisher.
type Handler func(ctx context.Context, ev types.Event) error

// Publisher is what event sources (live stream, backfill, replay) depend on.
type Publisher interface {
	Publish(ctx context.Context, ev types.Event)
}

// Bus is a typed in-process event bus. Publish delivers synchronously, in subscription
// order, so events from one source reach handlers in the order they were published.
type Bus struct {
	mu       sync.RWMutex
	next     int
	handlers map[types.EventKind][]subscription
	logger   *utils.LogsManager
}

type subscription struct {
	id int
	fn Handler
}

func NewBus(logger *utils.LogsManager) *Bus {
	return &Bus{
		handlers: make(map[types.EventKind][]subscription),
		logger:   logger,
	}
}

// Subscribe registers fn for one event kind.
func (b *Bus) Subscribe(kind types.EventKind, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	b.handlers[kind] = append(b.handlers[kind], subscription{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[kind]
		for i, s := range subs {
			if s.id == id {
				b.handlers[kind] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) Publish(ctx context.Context, ev types.Event) {
	if err := validate(ev); err != nil {
		b.logger.Warn(fmt.Sprintf("Dropping malformed %s event: %v", ev.Kind, err), category)
		return
	}

	b.mu.RLock()
	subs := append([]subscription(nil), b.handlers[ev.Kind]...)
	b.mu.RUnlock()

	if len(subs) == 0 {
		b.logger.Debug(fmt.Sprintf("No handler for %s event", ev.Kind), category)
		return
	}

	for _, s := range subs {
		if err := s.fn(ctx, ev); err != nil {
			b.logger.Warn(fmt.Sprintf("Handler failed for %s event in %s: %v",
				ev.Kind, utils.ShortID(ev.ConversationID()), err), category)
		}
	}
}

// Close drops every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	b.handlers = make(map[types.EventKind][]subscription)
	b.mu.Unlock()
}

func validate(ev types.Event) error {
	switch ev.Kind {
	case types.MessageReceived:
		if ev.Message == nil || ev.Message.Message == nil {
			return fmt.Errorf("missing message payload")
		}
	case types.SystemReceived:
		if ev.System == nil || ev.System.System == nil {
			return fmt.Errorf("missing system payload")
		}
	case types.ReadReceipt:
		if ev.ReadReceipt == nil {
			return fmt.Errorf("missing read receipt payload")
		}
	default:
		return fmt.Errorf("unknown kind %d", int(ev.Kind))
	}
	if ev.ConversationID() == "" {
		return fmt.Errorf("missing conversation id")
	}
	return nil
}
