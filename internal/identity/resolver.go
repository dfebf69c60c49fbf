// Package identity resolves wallet addresses to network inbox ids.
package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/protocol"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

const category = "resolver"

// Lookup is the network call the resolver guards.
type Lookup interface {
	ResolveInboxIDForAddress(ctx context.Context, addr types.Address) (types.InboxID, error)
}

// Cooldown reports whether network lookups are currently suppressed.
type Cooldown interface {
	InCooldown(now time.Time) bool
}

// LocalIndex answers from already-resolved contacts before going to the network.
type LocalIndex interface {
	GetByAddress(addr types.Address) *types.Contact
}

type Options struct {
	// Context tags the caller in logs.
	Context string
	// AllowStaticFallback returns a synthetic id instead of an error when the network fails.
	AllowStaticFallback bool
}

type Config struct {
	PositiveTTL time.Duration
	NegativeTTL time.Duration
	Timeout     time.Duration
}

func ConfigFrom(cm *utils.ConfigManager) Config {
	return Config{
		PositiveTTL: cm.GetConfigDuration("resolver_positive_ttl", time.Hour),
		NegativeTTL: cm.GetConfigDuration("resolver_negative_ttl", 2*time.Minute),
		Timeout:     cm.GetConfigDuration("network_call_timeout", 10*time.Second),
	}
}

type cacheEntry struct {
	inboxID types.InboxID
	expires time.Time
}

// inflight is one shared network lookup; done closes when id/err are final.
type inflight struct {
	done chan struct{}
	id   types.InboxID
	err  error
}

// Resolver maps addresses to inbox ids with at most one network lookup in flight per address.
type Resolver struct {
	lookup   Lookup
	cooldown Cooldown
	local    LocalIndex
	cfg      Config
	logger   *utils.LogsManager
	now      func() time.Time

	mu      sync.Mutex
	cache   map[types.Address]cacheEntry
	pending map[types.Address]*inflight
}

func NewResolver(lookup Lookup, cooldown Cooldown, local LocalIndex, cfg Config, logger *utils.LogsManager) *Resolver {
	return &Resolver{
		lookup:   lookup,
		cooldown: cooldown,
		local:    local,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		cache:    make(map[types.Address]cacheEntry),
		pending:  make(map[types.Address]*inflight),
	}
}

// ResolveInboxIDForAddress returns the inbox id registered for raw, or "" when the
// address is not registered or lookups are in cooldown. Network failures return an
// error wrapping types.ErrLookupFailed unless opts.AllowStaticFallback is set.
func (r *Resolver) ResolveInboxIDForAddress(ctx context.Context, raw string, opts Options) (types.InboxID, error) {
	addr, err := types.NewAddress(raw)
	if err != nil {
		return "", fmt.Errorf("cannot resolve %q: %w", raw, err)
	}
	return r.Resolve(ctx, addr, opts)
}

// Resolve is ResolveInboxIDForAddress for an already normalized address.
func (r *Resolver) Resolve(ctx context.Context, addr types.Address, opts Options) (types.InboxID, error) {
	now := r.now()
	if r.cooldown != nil && r.cooldown.InCooldown(now) {
		r.logger.Debug(fmt.Sprintf("Skipping lookup of %s during cooldown (%s)", utils.ShortID(addr.String()), opts.Context), category)
		return "", nil
	}

	if r.local != nil {
		if c := r.local.GetByAddress(addr); c != nil && !c.InboxID.IsSynthetic() {
			return c.InboxID, nil
		}
	}

	r.mu.Lock()
	if entry, ok := r.cache[addr]; ok {
		if now.Before(entry.expires) {
			r.mu.Unlock()
			return entry.inboxID, nil
		}
		delete(r.cache, addr)
	}
	call, joined := r.pending[addr]
	if !joined {
		call = &inflight{done: make(chan struct{})}
		r.pending[addr] = call
		go r.run(ctx, addr, call, opts.Context)
	}
	r.mu.Unlock()

	if joined {
		r.logger.Debug(fmt.Sprintf("Joining in-flight lookup of %s (%s)", utils.ShortID(addr.String()), opts.Context), category)
	}

	select {
	case <-call.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	if call.err != nil {
		if opts.AllowStaticFallback {
			synthetic := types.SyntheticInboxID(addr)
			r.logger.Debug(fmt.Sprintf("Using static fallback %s for %s: %v",
				utils.ShortID(synthetic.String()), utils.ShortID(addr.String()), call.err), category)
			return synthetic, nil
		}
		return "", fmt.Errorf("%w for %s: %v", types.ErrLookupFailed, addr, call.err)
	}
	return call.id, nil
}

// run performs the shared lookup; it is detached from the first caller's cancellation.
func (r *Resolver) run(ctx context.Context, addr types.Address, call *inflight, caller string) {
	id, err := protocol.WithTimeout(ctx, r.cfg.Timeout, "inbox id lookup", func(ctx context.Context) (types.InboxID, error) {
		return r.lookup.ResolveInboxIDForAddress(ctx, addr)
	})

	r.mu.Lock()
	switch {
	case err != nil:
		r.logger.Warn(fmt.Sprintf("Inbox lookup for %s failed (%s): %v", utils.ShortID(addr.String()), caller, err), category)
	case id.IsZero():
		r.cache[addr] = cacheEntry{expires: r.now().Add(r.cfg.NegativeTTL)}
	default:
		r.cache[addr] = cacheEntry{inboxID: id, expires: r.now().Add(r.cfg.PositiveTTL)}
	}
	call.id, call.err = id, err
	delete(r.pending, addr)
	r.mu.Unlock()

	close(call.done)
}

// Forget drops the cached result for addr (e.g. after the address registers).
func (r *Resolver) Forget(addr types.Address) {
	r.mu.Lock()
	delete(r.cache, addr)
	r.mu.Unlock()
}

// Reset clears the cache; in-flight lookups still settle.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.cache = make(map[types.Address]cacheEntry)
	r.mu.Unlock()
}
