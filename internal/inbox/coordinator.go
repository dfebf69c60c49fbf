// Package inbox moves the device between identities: it tears down one inbox's session and
// storage namespace and brings up another's.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/database"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

const category = "inbox"

// ErrNoInbox means there is nothing to restore on this device.
var ErrNoInbox = errors.New("no inbox selected on this device")

type State string

const (
	StateInactive      State = "inactive"
	StateActive        State = "active"
	StateClosing       State = "closing"
	StateNamespaceSwap State = "namespace-swap"
	StateRestoring     State = "restoring"
)

// Runtime is the per-inbox application the coordinator stops and starts.
type Runtime interface {
	// Active returns the namespace currently open, or "".
	Active() types.InboxID
	// Shutdown stops streaming, closes the protocol session and closes storage.
	Shutdown(ctx context.Context) error
	// Activate opens the namespace, restores its identity and runs the session.
	Activate(ctx context.Context, id types.InboxID) error
}

// Settings is the device-wide key/value store that outlives every namespace.
type Settings interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
	DeleteSetting(key string) error
	StorageNamespace() (types.InboxID, error)
	SetStorageNamespace(id types.InboxID) error
	HasInbox(id types.InboxID) (bool, error)
}

type Coordinator struct {
	settings Settings
	runtime  Runtime
	logger   *utils.LogsManager

	// one switch or restore at a time
	opMu sync.Mutex

	mu      sync.RWMutex
	state   State
	onState []func(State, types.InboxID)
}

func NewCoordinator(settings Settings, runtime Runtime, logger *utils.LogsManager) *Coordinator {
	return &Coordinator{settings: settings, runtime: runtime, logger: logger, state: StateInactive}
}

func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// OnState registers an observer of coordinator transitions.
func (c *Coordinator) OnState(fn func(State, types.InboxID)) {
	c.mu.Lock()
	c.onState = append(c.onState, fn)
	c.mu.Unlock()
}

func (c *Coordinator) setState(s State, id types.InboxID) {
	c.mu.Lock()
	c.state = s
	observers := append([]func(State, types.InboxID){}, c.onState...)
	c.mu.Unlock()
	c.logger.Debug(fmt.Sprintf("Inbox %s: %s", s, utils.ShortID(id.String())), category)
	for _, fn := range observers {
		fn(s, id)
	}
}

// Switch makes target the active inbox. Failures while closing the current inbox are
// logged and never stop the switch.
func (c *Coordinator) Switch(ctx context.Context, target types.InboxID) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if target.IsZero() {
		return fmt.Errorf("switch target is empty")
	}
	known, err := c.settings.HasInbox(target)
	if err != nil {
		return err
	}
	if !known {
		return fmt.Errorf("inbox %s: %w", target, types.ErrNotFound)
	}

	current := c.runtime.Active()
	if current == target && c.State() == StateActive {
		return nil
	}
	if !current.IsZero() {
		c.setState(StateClosing, current)
		if err := c.runtime.Shutdown(ctx); err != nil {
			c.logger.Warn(fmt.Sprintf("Closing inbox %s: %v", utils.ShortID(current.String()), err), category)
		}
	}

	c.setState(StateNamespaceSwap, target)
	if err := c.settings.SetStorageNamespace(target); err != nil {
		c.logger.Warn(fmt.Sprintf("Failed to persist storage namespace: %v", err), category)
	}
	if err := c.settings.SetSetting(database.SettingForceInboxOnBoot, target.String()); err != nil {
		c.logger.Warn(fmt.Sprintf("Failed to write boot marker: %v", err), category)
	}

	c.logger.Info(fmt.Sprintf("Switching inbox %s -> %s", utils.ShortID(current.String()), utils.ShortID(target.String())), category)
	// the marker stays pending for the next boot, which consumes it in Restore
	return c.activate(ctx, target)
}

// BootTarget decides which inbox to open: a pending boot marker wins and is consumed,
// otherwise the persisted storage namespace.
func (c *Coordinator) BootTarget() (types.InboxID, error) {
	marker, err := c.settings.GetSetting(database.SettingForceInboxOnBoot)
	if err != nil {
		c.logger.Warn(fmt.Sprintf("Failed to read boot marker: %v", err), category)
	}
	if marker != "" {
		if err := c.settings.DeleteSetting(database.SettingForceInboxOnBoot); err != nil {
			c.logger.Warn(fmt.Sprintf("Failed to consume boot marker: %v", err), category)
		}
		id := types.NewInboxID(marker)
		if err := c.settings.SetStorageNamespace(id); err != nil {
			c.logger.Warn(fmt.Sprintf("Failed to persist storage namespace: %v", err), category)
		}
		return id, nil
	}

	ns, err := c.settings.StorageNamespace()
	if err != nil {
		return "", err
	}
	if ns.IsZero() {
		return "", ErrNoInbox
	}
	return ns, nil
}

// Restore activates the inbox chosen by BootTarget.
func (c *Coordinator) Restore(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.restore(ctx)
}

func (c *Coordinator) restore(ctx context.Context) error {
	target, err := c.BootTarget()
	if err != nil {
		c.setState(StateInactive, "")
		return err
	}
	return c.activate(ctx, target)
}

func (c *Coordinator) activate(ctx context.Context, target types.InboxID) error {
	c.setState(StateRestoring, target)
	if err := c.runtime.Activate(ctx, target); err != nil {
		c.setState(StateInactive, target)
		return fmt.Errorf("failed to activate inbox %s: %w", target, err)
	}
	c.setState(StateActive, target)
	return nil
}

// Deactivate closes the active inbox without selecting another.
func (c *Coordinator) Deactivate(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	current := c.runtime.Active()
	if current.IsZero() {
		return nil
	}
	c.setState(StateClosing, current)
	err := c.runtime.Shutdown(ctx)
	c.setState(StateInactive, "")
	return err
}
