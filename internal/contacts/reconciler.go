// Package contacts keeps one contact record per inbox id, merged from network
// profiles, imports and local fallbacks.
package contacts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/database"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/identity"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/store"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

const category = "contacts"

// ProfileSource fetches network profiles. A nil profile means the inbox has none.
type ProfileSource interface {
	FetchInboxProfile(ctx context.Context, id types.InboxID) (*types.Profile, error)
}

type Config struct {
	// RefreshInterval gates passive background sweeps.
	RefreshInterval time.Duration
	// HotRefreshInterval gates refreshes triggered by an incoming message.
	HotRefreshInterval time.Duration
	Timeout            time.Duration
}

func ConfigFrom(cm *utils.ConfigManager) Config {
	return Config{
		RefreshInterval:    cm.GetConfigDuration("contact_refresh_interval", 30*time.Minute),
		HotRefreshInterval: cm.GetConfigDuration("contact_hot_refresh_interval", 5*time.Minute),
		Timeout:            cm.GetConfigDuration("network_call_timeout", 10*time.Second),
	}
}

type Reconciler struct {
	db       *database.SQLiteManager
	contacts *store.ContactStore
	auth     *store.AuthStore
	resolver *identity.Resolver
	profiles ProfileSource
	cfg      Config
	logger   *utils.LogsManager
	now      func() time.Time

	// upserts are read-merge-write; one at a time keeps merges from losing fields
	writeMu sync.Mutex

	fetchMu  sync.Mutex
	fetching map[types.InboxID]chan struct{}
}

func NewReconciler(db *database.SQLiteManager, stores *store.Stores, resolver *identity.Resolver,
	profiles ProfileSource, cfg Config, logger *utils.LogsManager) *Reconciler {
	return &Reconciler{
		db:       db,
		contacts: stores.Contacts,
		auth:     stores.Auth,
		resolver: resolver,
		profiles: profiles,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		fetching: make(map[types.InboxID]chan struct{}),
	}
}

// Load hydrates the contact store from storage.
func (r *Reconciler) Load() (int, error) {
	all, err := r.db.ListContacts()
	if err != nil {
		return 0, fmt.Errorf("failed to load contacts: %w", err)
	}
	for _, c := range all {
		r.contacts.Put(c)
	}
	return len(all), nil
}

// GetContactByInboxID checks memory first, then storage.
func (r *Reconciler) GetContactByInboxID(id types.InboxID) *types.Contact {
	if id.IsZero() {
		return nil
	}
	if c := r.contacts.Get(id); c != nil {
		return c
	}
	c, err := r.db.GetContactByInboxID(id)
	if err != nil {
		r.logger.Warn(fmt.Sprintf("Failed to read contact %s: %v", utils.ShortID(id.String()), err), category)
		return nil
	}
	if c != nil {
		r.contacts.Put(c)
	}
	return c
}

// GetContactByAddress finds the contact owning addr, in memory first, then storage.
func (r *Reconciler) GetContactByAddress(addr types.Address) *types.Contact {
	if addr.IsZero() {
		return nil
	}
	if c := r.contacts.GetByAddress(addr); c != nil {
		return c
	}
	c, err := r.db.GetContactByAddress(addr)
	if err != nil {
		r.logger.Warn(fmt.Sprintf("Failed to read contact by address %s: %v", utils.ShortID(addr.String()), err), category)
		return nil
	}
	if c != nil {
		r.contacts.Put(c)
	}
	return c
}

func (r *Reconciler) find(u *types.ProfileUpdate) *types.Contact {
	if c := r.GetContactByInboxID(u.InboxID); c != nil {
		return c
	}
	for _, a := range (types.Addresses{u.PrimaryAddress}).Merge(u.Addresses...) {
		if a.IsZero() {
			continue
		}
		if c := r.GetContactByAddress(a); c != nil {
			return c
		}
	}
	return nil
}

// UpsertContactProfile merges u into the existing record for its inbox id or any of
// its addresses. Empty fields never clear known values. The contact store is updated
// before storage, so readers see the merge even if the write fails.
func (r *Reconciler) UpsertContactProfile(u *types.ProfileUpdate) (*types.Contact, error) {
	if u == nil {
		return nil, fmt.Errorf("nil profile update")
	}
	if u.InboxID.IsZero() && u.PrimaryAddress.IsZero() && len(u.Addresses) == 0 {
		return nil, fmt.Errorf("profile update carries neither inbox id nor address")
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	existing := r.find(u)
	if existing != nil && !u.InboxID.IsZero() && existing.InboxID != u.InboxID && !existing.InboxID.IsSynthetic() {
		// found by address under another real inbox: the address moved, the records stay apart
		r.releaseAddresses(existing, u)
		existing = nil
	}
	merged := r.merge(existing, u)

	// a confirmed inbox id replaces a static placeholder found by address
	if existing != nil && existing.InboxID != merged.InboxID {
		r.logger.Info(fmt.Sprintf("Re-keying contact %s to %s",
			utils.ShortID(existing.InboxID.String()), utils.ShortID(merged.InboxID.String())), category)
		r.contacts.Delete(existing.InboxID)
		if err := r.db.DeleteContact(existing.InboxID); err != nil {
			r.logger.Warn(fmt.Sprintf("Failed to drop re-keyed contact: %v", err), category)
		}
	}

	r.contacts.Put(merged)
	if err := r.db.SaveContact(merged); err != nil {
		return merged, fmt.Errorf("failed to persist contact %s: %w", merged.InboxID, err)
	}
	return merged, nil
}

// releaseAddresses drops the addresses claimed by u from owner. An address belongs to
// at most one inbox.
func (r *Reconciler) releaseAddresses(owner *types.Contact, u *types.ProfileUpdate) {
	claimed := (types.Addresses{u.PrimaryAddress}).Merge(u.Addresses...)
	c := owner.Clone()
	var kept types.Addresses
	for _, a := range c.Addresses {
		if !claimed.Contains(a) {
			kept = append(kept, a)
		}
	}
	c.Addresses = kept
	if !c.PrimaryAddress.IsZero() && claimed.Contains(c.PrimaryAddress) {
		c.PrimaryAddress = ""
		if len(kept) > 0 {
			c.PrimaryAddress = kept[0]
		}
	}

	r.logger.Info(fmt.Sprintf("Moving addresses of %s to %s",
		utils.ShortID(owner.InboxID.String()), utils.ShortID(u.InboxID.String())), category)
	r.contacts.Put(c)
	if err := r.db.SaveContact(c); err != nil {
		r.logger.Warn(fmt.Sprintf("Failed to release addresses of %s: %v", utils.ShortID(c.InboxID.String()), err), category)
	}
}

func (r *Reconciler) merge(existing *types.Contact, u *types.ProfileUpdate) *types.Contact {
	var c *types.Contact
	if existing != nil {
		c = existing.Clone()
	} else {
		c = &types.Contact{Source: u.Source}
	}

	switch {
	case !u.InboxID.IsZero() && (c.InboxID.IsZero() || c.InboxID.IsSynthetic()):
		c.InboxID = u.InboxID
	case c.InboxID.IsZero():
		primary := u.PrimaryAddress
		if primary.IsZero() {
			primary = u.Addresses[0]
		}
		c.InboxID = types.SyntheticInboxID(primary)
	}

	network := u.Source.IsNetwork()
	if u.DisplayName != "" {
		if network {
			c.PreferredName = u.DisplayName
		} else {
			c.Name = u.DisplayName
		}
	}
	if u.AvatarURL != "" {
		if network {
			c.PreferredAvatar = u.AvatarURL
		} else {
			c.Avatar = u.AvatarURL
		}
	}

	if !u.PrimaryAddress.IsZero() {
		if !c.PrimaryAddress.IsZero() && c.PrimaryAddress != u.PrimaryAddress {
			c.Addresses = c.Addresses.Merge(c.PrimaryAddress)
		}
		c.PrimaryAddress = u.PrimaryAddress
	}
	c.Addresses = c.Addresses.Merge(u.Addresses...)
	if c.PrimaryAddress.IsZero() && len(c.Addresses) > 0 {
		c.PrimaryAddress = c.Addresses[0]
	}

	// network data outranks every other source; others never downgrade it
	if u.Source != "" && (network || !c.Source.IsNetwork()) {
		c.Source = u.Source
	}
	if c.Source == "" {
		c.Source = types.SourceLocal
	}
	if len(u.Metadata) > 0 {
		if c.Metadata == nil {
			c.Metadata = make(map[string]string, len(u.Metadata))
		}
		for k, v := range u.Metadata {
			c.Metadata[k] = v
		}
	}
	if network {
		c.LastSyncedAt = r.now()
	}
	return c
}

// ResolveAddress resolves raw to an inbox id, records the contact and refreshes its profile.
// It returns (nil, nil) when raw belongs to the active identity.
func (r *Reconciler) ResolveAddress(ctx context.Context, raw string) (*types.Contact, error) {
	addr, err := types.NewAddress(raw)
	if err != nil {
		return nil, err
	}
	id, err := r.resolver.Resolve(ctx, addr, identity.Options{Context: "contacts.resolve"})
	if err != nil {
		return nil, err
	}
	if id.IsZero() {
		return nil, fmt.Errorf("%w: no inbox registered for %s", types.ErrNotFound, addr)
	}
	if id == r.auth.InboxID() {
		// the active identity is never a contact
		return nil, nil
	}
	if _, err := r.UpsertContactProfile(&types.ProfileUpdate{InboxID: id, PrimaryAddress: addr}); err != nil {
		r.logger.Warn(err.Error(), category)
	}
	return r.Refresh(ctx, id, 0)
}
