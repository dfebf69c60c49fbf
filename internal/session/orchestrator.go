// Package session drives one identity's protocol session: connect, conversation sync,
// optional history backfill, then the live event stream.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/chat"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/database"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/events"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/protocol"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/store"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

const category = "session"

type State string

const (
	StateDisconnected         State = "disconnected"
	StateConnecting           State = "connecting"
	StateConnected            State = "connected"
	StateSyncingConversations State = "syncing-conversations"
	StateSyncingMessages      State = "syncing-messages"
	StateStreaming            State = "streaming"
	StateIdle                 State = "idle"
	StateError                State = "error"
)

// Percent is the coarse progress checkpoint reported for each state.
func (s State) Percent() int {
	switch s {
	case StateConnected:
		return 40
	case StateSyncingConversations:
		return 70
	case StateSyncingMessages:
		return 85
	case StateStreaming, StateIdle:
		return 100
	}
	return 0
}

type Progress struct {
	State   State
	Percent int
	Message string
	Err     error
}

type ConnectOptions struct {
	Register          bool
	EnableHistorySync bool
}

type Config struct {
	ConnectTimeout       time.Duration
	RegistrationCooldown time.Duration
	BackfillPageSize     int
	EnableHistorySync    bool
}

func ConfigFrom(cm *utils.ConfigManager) Config {
	return Config{
		ConnectTimeout:       cm.GetConfigDuration("connect_timeout", 30*time.Second),
		RegistrationCooldown: cm.GetConfigDuration("registration_cooldown", 5*time.Minute),
		BackfillPageSize:     cm.GetConfigInt("backfill_page_size", 100, 10, 1000),
		EnableHistorySync:    cm.GetConfigBool("enable_history_sync", true),
	}
}

// NamespaceMismatchError means the signer's inbox lives in another storage namespace.
// The caller switches namespace and connects again.
type NamespaceMismatchError struct {
	Namespace types.InboxID
	InboxID   types.InboxID
}

func (e *NamespaceMismatchError) Error() string {
	return fmt.Sprintf("session inbox %s does not match storage namespace %s", e.InboxID, e.Namespace)
}

// Orchestrator runs at most one session at a time against one storage namespace.
type Orchestrator struct {
	client protocol.Client
	db     *database.SQLiteManager
	stores *store.Stores
	chat   *chat.Manager
	bus    events.Publisher
	cfg    Config
	logger *utils.LogsManager
	now    func() time.Time

	// serializes Connect and Disconnect
	opMu sync.Mutex

	mu        sync.RWMutex
	state     State
	lastErr   error
	address   types.Address
	observers []func(Progress)

	streamCancel context.CancelFunc
	streamDone   chan struct{}
}

func NewOrchestrator(client protocol.Client, db *database.SQLiteManager, stores *store.Stores,
	chatManager *chat.Manager, bus events.Publisher, cfg Config, logger *utils.LogsManager) *Orchestrator {
	return &Orchestrator{
		client: client,
		db:     db,
		stores: stores,
		chat:   chatManager,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		state:  StateDisconnected,
	}
}

// OnProgress registers an observer; it is called synchronously on every state change.
func (o *Orchestrator) OnProgress(fn func(Progress)) {
	o.mu.Lock()
	o.observers = append(o.observers, fn)
	o.mu.Unlock()
}

func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// LastError returns the error that moved the session into StateError, if any.
func (o *Orchestrator) LastError() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastErr
}

func (o *Orchestrator) setState(s State, message string) {
	o.mu.Lock()
	o.state = s
	if s != StateError {
		o.lastErr = nil
	}
	observers := append([]func(Progress){}, o.observers...)
	o.mu.Unlock()

	o.logger.Debug(fmt.Sprintf("Session %s (%d%%) %s", s, s.Percent(), message), category)
	for _, fn := range observers {
		fn(Progress{State: s, Percent: s.Percent(), Message: message})
	}
}

func (o *Orchestrator) fail(err error) error {
	o.mu.Lock()
	o.state = StateError
	o.lastErr = err
	observers := append([]func(Progress){}, o.observers...)
	o.mu.Unlock()

	o.logger.Error(fmt.Sprintf("Session failed: %v", err), category)
	for _, fn := range observers {
		fn(Progress{State: StateError, Message: err.Error(), Err: err})
	}
	return err
}

func (o *Orchestrator) live() bool {
	switch o.State() {
	case StateDisconnected, StateConnecting, StateError:
		return false
	}
	return true
}

// Connect brings up the session for signer's identity. Connecting the identity that is
// already live is a no-op; a different live identity is disconnected first.
func (o *Orchestrator) Connect(ctx context.Context, signer protocol.Signer, opts ConnectOptions) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	addr := signer.Address()
	o.mu.RLock()
	current := o.address
	o.mu.RUnlock()
	if o.live() {
		if current == addr {
			return nil
		}
		o.logger.Info(fmt.Sprintf("Switching session from %s to %s", utils.ShortID(current.String()), utils.ShortID(addr.String())), category)
		o.disconnect(ctx)
	}

	o.setState(StateConnecting, addr.Checksum())
	if o.stores.Auth.InCooldown(o.now()) {
		return o.fail(types.ErrCooldown)
	}

	// decided before sync writes anything
	backfill, err := o.needsBackfill(opts)
	if err != nil {
		o.logger.Warn(err.Error(), category)
	}

	if opts.Register {
		o.logger.Info(fmt.Sprintf("Registering installation for %s", utils.ShortID(addr.String())), category)
	}
	session, err := protocol.WithTimeout(ctx, o.cfg.ConnectTimeout, "connect", func(ctx context.Context) (*protocol.Session, error) {
		return o.client.Connect(ctx, signer, protocol.ConnectOptions{Register: opts.Register})
	})
	if err != nil {
		err = protocol.Classify(err)
		o.cleanup(ctx)
		if protocol.IsRegistrationFailure(err) {
			o.stores.Auth.StartCooldown(o.cfg.RegistrationCooldown)
		}
		return o.fail(err)
	}
	if session.InboxID != o.db.Namespace() {
		o.cleanup(ctx)
		return o.fail(&NamespaceMismatchError{Namespace: o.db.Namespace(), InboxID: session.InboxID})
	}

	if err := o.bindIdentity(addr, session); err != nil {
		o.cleanup(ctx)
		return o.fail(err)
	}
	o.mu.Lock()
	o.address = addr
	o.mu.Unlock()
	o.setState(StateConnected, session.InboxID.String())

	o.setState(StateSyncingConversations, "")
	if n, err := o.chat.SyncConversations(ctx); err != nil {
		o.logger.Warn(fmt.Sprintf("Conversation sync failed: %v", err), category)
	} else {
		o.logger.Info(fmt.Sprintf("Conversation list synced (%d)", n), category)
	}

	if backfill {
		o.setState(StateSyncingMessages, "")
		n := o.backfill(ctx)
		if err := o.db.SetSetting(database.SettingHistorySyncedAt, strconv.FormatInt(o.now().UnixMilli(), 10)); err != nil {
			o.logger.Warn(err.Error(), category)
		}
		o.logger.Info(fmt.Sprintf("History backfill replayed %d messages", n), category)
	}

	if err := o.startStream(ctx); err != nil {
		o.cleanup(ctx)
		return o.fail(err)
	}
	o.setState(StateStreaming, "")
	return nil
}

// needsBackfill is true only for the first open of an inbox on this device.
func (o *Orchestrator) needsBackfill(opts ConnectOptions) (bool, error) {
	if !opts.EnableHistorySync {
		return false, nil
	}
	synced, err := o.db.GetSetting(database.SettingHistorySyncedAt)
	if err != nil {
		return false, err
	}
	if synced != "" {
		return false, nil
	}
	has, err := o.db.HasLocalData()
	if err != nil {
		return false, err
	}
	return !has, nil
}

func (o *Orchestrator) bindIdentity(addr types.Address, session *protocol.Session) error {
	ident, err := o.db.GetIdentity()
	if err != nil {
		return fmt.Errorf("failed to read identity: %w", err)
	}
	if ident == nil || ident.Address != addr {
		ident = &types.Identity{Address: addr, CreatedAt: o.now()}
	}
	ident.InboxID = session.InboxID
	ident.InstallationID = session.InstallationID
	if err := o.db.SaveIdentity(ident); err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}
	o.stores.Auth.SetIdentity(ident)
	o.stores.Auth.ClearCooldown()
	return nil
}

// cleanup closes a half-open session so no later call can reach it.
func (o *Orchestrator) cleanup(ctx context.Context) {
	if err := o.client.Disconnect(context.WithoutCancel(ctx)); err != nil {
		o.logger.Debug(fmt.Sprintf("Cleanup disconnect: %v", err), category)
	}
	o.mu.Lock()
	o.address = ""
	o.mu.Unlock()
}

// backfill replays network history of every known conversation through the pipeline.
// Failures affect only the conversation they happen in.
func (o *Orchestrator) backfill(ctx context.Context) int {
	tombstones, err := o.db.TombstonedIDs()
	if err != nil {
		o.logger.Warn(err.Error(), category)
		tombstones = map[string]bool{}
	}

	total := 0
	for _, convID := range o.chat.ConversationIDs() {
		if tombstones[convID] {
			continue
		}
		var cursor protocol.HistoryCursor
		for {
			page, err := o.client.ListMessages(ctx, convID, cursor, o.cfg.BackfillPageSize)
			if err != nil {
				o.logger.Warn(fmt.Sprintf("Backfill of %s stopped: %v", utils.ShortID(convID), err), category)
				break
			}
			next := cursor
			for _, msg := range page {
				o.bus.Publish(ctx, types.NewMessageEvent(types.SourceBackfill, convID, msg))
				if next.Precedes(msg) {
					next = protocol.CursorAt(msg)
				}
			}
			total += len(page)
			if len(page) < o.cfg.BackfillPageSize {
				break
			}
			if next == cursor {
				o.logger.Warn(fmt.Sprintf("Backfill of %s stopped: page did not move past %s", utils.ShortID(convID), cursor.ID), category)
				break
			}
			cursor = next
		}
	}
	return total
}

func (o *Orchestrator) startStream(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := o.client.Stream(streamCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open live stream: %w", err)
	}
	done := make(chan struct{})
	o.mu.Lock()
	o.streamCancel, o.streamDone = cancel, done
	o.mu.Unlock()

	go o.pump(streamCtx, stream, done)
	return nil
}

func (o *Orchestrator) pump(ctx context.Context, stream <-chan types.Event, done chan struct{}) {
	defer close(done)
	for ev := range stream {
		if o.isOwnEcho(ev) {
			continue
		}
		ev.Source = types.SourceLive
		o.bus.Publish(ctx, ev)
	}

	if err := o.db.SetSetting(database.SettingLastStreamAt, strconv.FormatInt(o.now().UnixMilli(), 10)); err != nil {
		o.logger.Debug(err.Error(), category)
	}
	if ctx.Err() == nil && o.State() == StateStreaming {
		o.logger.Warn("Live stream ended unexpectedly", category)
		o.setState(StateIdle, "stream closed")
	}
}

// isOwnEcho drops our own messages that are already shown locally.
func (o *Orchestrator) isOwnEcho(ev types.Event) bool {
	if ev.Kind != types.MessageReceived {
		return false
	}
	msg := ev.Message.Message
	if msg == nil || msg.SenderInboxID != o.stores.Auth.InboxID() {
		return false
	}
	return o.chat.IsKnownMessage(msg.ID)
}

// StopStream ends live streaming but keeps the session.
func (o *Orchestrator) StopStream() {
	o.mu.Lock()
	cancel, done := o.streamCancel, o.streamDone
	o.streamCancel, o.streamDone = nil, nil
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	if o.State() == StateStreaming {
		o.setState(StateIdle, "")
	}
}

// Disconnect stops streaming and closes the protocol session.
func (o *Orchestrator) Disconnect(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	return o.disconnect(ctx)
}

func (o *Orchestrator) disconnect(ctx context.Context) error {
	o.StopStream()
	err := o.client.Disconnect(ctx)
	if err != nil && !errors.Is(err, types.ErrNotConnected) {
		o.logger.Warn(fmt.Sprintf("Disconnect: %v", err), category)
	} else {
		err = nil
	}
	o.mu.Lock()
	o.address = ""
	o.mu.Unlock()
	o.setState(StateDisconnected, "")
	return err
}

// Wait blocks until the live stream ends or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) {
	o.mu.RLock()
	done := o.streamDone
	o.mu.RUnlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}
