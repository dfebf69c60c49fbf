// Package core wires the per-inbox components together and owns their lifecycle.
package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/chat"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/contacts"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/database"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/events"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/identity"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/inbox"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/protocol"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/session"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/store"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/vault"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/workers"
)

const category = "core"

// Namespace is everything bound to one open storage namespace.
type Namespace struct {
	ID       types.InboxID
	DB       *database.SQLiteManager
	Contacts *contacts.Reconciler
	Chat     *chat.Manager
	Session  *session.Orchestrator
	Vault    *vault.Vault
	Pool     *workers.WorkerPool

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	sweeps      sync.WaitGroup
}

// App is one application instance. Stores, bus and resolver live as long as the App and
// are reset on every namespace change; everything else is rebuilt per namespace.
type App struct {
	config     *utils.ConfigManager
	logger     *utils.LogsManager
	paths      *utils.AppPaths
	global     *database.GlobalDB
	client     protocol.Client
	passphrase vault.PassphraseFunc

	stores   *store.Stores
	bus      *events.Bus
	resolver *identity.Resolver
	inbox    *inbox.Coordinator

	mu sync.RWMutex
	ns *Namespace
}

func NewApp(config *utils.ConfigManager, logger *utils.LogsManager, paths *utils.AppPaths,
	global *database.GlobalDB, client protocol.Client, passphrase vault.PassphraseFunc) *App {
	stores := store.New()
	app := &App{
		config:     config,
		logger:     logger,
		paths:      paths,
		global:     global,
		client:     client,
		passphrase: passphrase,
		stores:     stores,
		bus:        events.NewBus(logger),
		resolver:   identity.NewResolver(client, stores.Auth, stores.Contacts, identity.ConfigFrom(config), logger),
	}
	app.inbox = inbox.NewCoordinator(global, app, logger)
	return app
}

func (a *App) Inbox() *inbox.Coordinator { return a.inbox }

func (a *App) Bus() *events.Bus { return a.bus }

func (a *App) Stores() *store.Stores { return a.stores }

func (a *App) Global() *database.GlobalDB { return a.global }

// Current returns the open namespace or inbox.ErrNoInbox.
func (a *App) Current() (*Namespace, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.ns == nil {
		return nil, inbox.ErrNoInbox
	}
	return a.ns, nil
}

// Active implements inbox.Runtime.
func (a *App) Active() types.InboxID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.ns == nil {
		return ""
	}
	return a.ns.ID
}

// Activate implements inbox.Runtime. Local failures (storage, identity, vault) abort; a
// failed network session leaves the namespace open offline with the session in its error
// state.
func (a *App) Activate(ctx context.Context, id types.InboxID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ns != nil {
		return fmt.Errorf("inbox %s is still open", a.ns.ID)
	}

	db, err := database.OpenNamespace(a.paths.NamespaceDir(), id, a.logger)
	if err != nil {
		return err
	}
	ident, err := db.GetIdentity()
	if err != nil || ident == nil {
		db.Close()
		if err == nil {
			err = fmt.Errorf("namespace %s holds no identity", id)
		}
		return err
	}
	a.stores.Auth.SetIdentity(ident)

	ns := a.build(db)
	if _, err := ns.Contacts.Load(); err != nil {
		a.teardown(ctx, ns)
		return fmt.Errorf("failed to load contacts: %w", err)
	}
	if _, err := ns.Chat.Load(); err != nil {
		a.teardown(ctx, ns)
		return fmt.Errorf("failed to load conversations: %w", err)
	}

	hexKey, err := ns.Vault.IdentityKey(ident.Address)
	if err != nil {
		a.teardown(ctx, ns)
		return fmt.Errorf("failed to unlock identity key: %w", err)
	}
	signer, err := protocol.NewKeySignerFromHex(hexKey)
	if err != nil {
		a.teardown(ctx, ns)
		return err
	}

	sessCfg := session.ConfigFrom(a.config)
	err = ns.Session.Connect(ctx, signer, session.ConnectOptions{Register: true, EnableHistorySync: sessCfg.EnableHistorySync})
	if err != nil {
		a.logger.Warn(fmt.Sprintf("Inbox %s opened offline: %v", utils.ShortID(id.String()), err), category)
	}

	if current := a.stores.Auth.Identity(); current != nil {
		ident = current
	}
	if err := a.global.RegisterInbox(ident); err != nil {
		a.logger.Warn(err.Error(), category)
	}

	a.startSweeps(ns)
	a.ns = ns
	a.logger.Info(fmt.Sprintf("Inbox %s active", utils.ShortID(id.String())), category)
	return nil
}

func (a *App) build(db *database.SQLiteManager) *Namespace {
	nsCtx, cancel := context.WithCancel(context.Background())
	pool := workers.NewWorkerPool(nsCtx, a.config.GetConfigInt("enrichment_workers", 4, 1, 64), a.logger)
	pool.Start()

	rec := contacts.NewReconciler(db, a.stores, a.resolver, a.client, contacts.ConfigFrom(a.config), a.logger)
	mgr := chat.NewManager(db, a.stores, rec, a.client, chat.ConfigFrom(a.config), a.logger)
	ns := &Namespace{
		ID:          db.Namespace(),
		DB:          db,
		Contacts:    rec,
		Chat:        mgr,
		Session:     session.NewOrchestrator(a.client, db, a.stores, mgr, a.bus, session.ConfigFrom(a.config), a.logger),
		Vault:       vault.New(db, a.passphrase, a.logger),
		Pool:        pool,
		ctx:         nsCtx,
		cancel:      cancel,
		unsubscribe: mgr.Register(a.bus),
	}
	return ns
}

func (a *App) startSweeps(ns *Namespace) {
	interval := a.config.GetConfigDuration("enrichment_sweep_interval", 30*time.Minute)
	ns.sweeps.Add(1)
	go func() {
		defer ns.sweeps.Done()
		ns.Contacts.RunSweeps(ns.ctx, ns.Pool, interval, ns.Chat.PeerInboxIDs)
	}()
}

// Shutdown implements inbox.Runtime.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	ns := a.ns
	a.ns = nil
	a.mu.Unlock()
	if ns == nil {
		return nil
	}
	return a.teardown(ctx, ns)
}

// teardown runs every step even when an earlier one fails.
func (a *App) teardown(ctx context.Context, ns *Namespace) error {
	var errs []error
	ns.cancel()
	if err := ns.Session.Disconnect(ctx); err != nil {
		errs = append(errs, fmt.Errorf("disconnect: %w", err))
	}
	ns.sweeps.Wait()
	ns.unsubscribe()
	ns.Pool.Stop()
	a.stores.Reset()
	a.resolver.Reset()
	if err := ns.DB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	a.logger.Info(fmt.Sprintf("Inbox %s closed", utils.ShortID(ns.ID.String())), category)
	return errors.Join(errs...)
}

// CreateIdentity registers a key with the network (a fresh one when hexKey is empty),
// stores it in the new inbox's vault and switches to that inbox.
func (a *App) CreateIdentity(ctx context.Context, hexKey string) (*types.Identity, error) {
	var (
		signer *protocol.KeySigner
		err    error
	)
	if hexKey == "" {
		signer, hexKey, err = protocol.GenerateKeySigner()
	} else {
		signer, err = protocol.NewKeySignerFromHex(hexKey)
	}
	if err != nil {
		return nil, err
	}

	// the probe connection needs the client to itself
	if err := a.inbox.Deactivate(ctx); err != nil {
		a.logger.Warn(fmt.Sprintf("Closing active inbox: %v", err), category)
	}

	timeout := a.config.GetConfigDuration("connect_timeout", 30*time.Second)
	sess, err := protocol.WithTimeout(ctx, timeout, "register", func(ctx context.Context) (*protocol.Session, error) {
		return a.client.Connect(ctx, signer, protocol.ConnectOptions{Register: true})
	})
	a.client.Disconnect(context.WithoutCancel(ctx))
	if err != nil {
		return nil, protocol.Classify(err)
	}

	ident := &types.Identity{
		Address:        signer.Address(),
		InboxID:        sess.InboxID,
		InstallationID: sess.InstallationID,
		HasPrivateKey:  true,
		CreatedAt:      time.Now(),
	}
	if err := a.seedNamespace(ident, hexKey); err != nil {
		return nil, err
	}
	if err := a.global.RegisterInbox(ident); err != nil {
		return nil, err
	}
	a.logger.Info(fmt.Sprintf("Created identity %s (inbox %s)", ident.Address.Checksum(), utils.ShortID(ident.InboxID.String())), category)

	if err := a.inbox.Switch(ctx, ident.InboxID); err != nil {
		return ident, err
	}
	return ident, nil
}

func (a *App) seedNamespace(ident *types.Identity, hexKey string) error {
	db, err := database.OpenNamespace(a.paths.NamespaceDir(), ident.InboxID, a.logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if existing, err := db.GetIdentity(); err != nil {
		return err
	} else if existing != nil && existing.CreatedAt.Before(ident.CreatedAt) {
		ident.CreatedAt = existing.CreatedAt
	}
	if err := db.SaveIdentity(ident); err != nil {
		return err
	}
	return vault.New(db, a.passphrase, a.logger).PutIdentityKey(ident.Address, hexKey)
}

// ListIdentities returns the inboxes known on this device.
func (a *App) ListIdentities() ([]*database.KnownInbox, error) {
	return a.global.ListInboxes()
}

// BurnIdentity deletes an inbox's namespace and forgets it. This cannot be undone.
func (a *App) BurnIdentity(ctx context.Context, id types.InboxID) error {
	known, err := a.global.HasInbox(id)
	if err != nil {
		return err
	}
	if !known {
		return fmt.Errorf("inbox %s: %w", id, types.ErrNotFound)
	}
	if a.Active() == id {
		if err := a.inbox.Deactivate(ctx); err != nil {
			a.logger.Warn(fmt.Sprintf("Closing inbox before burn: %v", err), category)
		}
	}

	path := filepath.Join(a.paths.NamespaceDir(), database.NamespaceFileName(id))
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	if err := a.global.ForgetInbox(id); err != nil {
		return err
	}
	for _, key := range []string{database.SettingStorageNamespace, database.SettingForceInboxOnBoot} {
		if v, _ := a.global.GetSetting(key); v == id.String() {
			if err := a.global.DeleteSetting(key); err != nil {
				a.logger.Warn(err.Error(), category)
			}
		}
	}
	a.logger.Info(fmt.Sprintf("Burned inbox %s", utils.ShortID(id.String())), category)
	return nil
}

// Close shuts the active inbox down.
func (a *App) Close(ctx context.Context) error {
	return a.inbox.Deactivate(ctx)
}

// ExportIdentityKey unseals the private key of an inbox's identity.
func (a *App) ExportIdentityKey(id types.InboxID) (string, error) {
	a.mu.RLock()
	ns := a.ns
	a.mu.RUnlock()

	var db *database.SQLiteManager
	if ns != nil && ns.ID == id {
		db = ns.DB
	} else {
		opened, err := database.OpenNamespace(a.paths.NamespaceDir(), id, a.logger)
		if err != nil {
			return "", err
		}
		defer opened.Close()
		db = opened
	}

	ident, err := db.GetIdentity()
	if err != nil {
		return "", err
	}
	if ident == nil || !ident.HasPrivateKey {
		return "", fmt.Errorf("inbox %s has no private key on this device: %w", id, types.ErrNotFound)
	}
	return vault.New(db, a.passphrase, a.logger).IdentityKey(ident.Address)
}
