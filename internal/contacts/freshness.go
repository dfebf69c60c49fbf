package contacts

import (
	"context"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/identity"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/protocol"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/workers"
)

// NeedsRefresh reports whether c must be re-fetched: a missing network name or avatar
// always forces a refresh, otherwise only data older than interval does.
func NeedsRefresh(c *types.Contact, interval time.Duration, now time.Time) bool {
	if c == nil || c.PreferredName == "" || c.PreferredAvatar == "" {
		return true
	}
	return now.Sub(c.LastSyncedAt) > interval
}

// Refresh fetches the network profile of id when NeedsRefresh says so and merges it.
// interval 0 forces the fetch. Concurrent refreshes of the same inbox share one fetch.
func (r *Reconciler) Refresh(ctx context.Context, id types.InboxID, interval time.Duration) (*types.Contact, error) {
	if id.IsZero() || id.IsSynthetic() {
		return r.GetContactByInboxID(id), nil
	}
	if id == r.auth.InboxID() {
		return nil, nil
	}

	current := r.GetContactByInboxID(id)
	if interval > 0 && !NeedsRefresh(current, interval, r.now()) {
		return current, nil
	}

	r.fetchMu.Lock()
	if wait, ok := r.fetching[id]; ok {
		r.fetchMu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return current, ctx.Err()
		}
		return r.GetContactByInboxID(id), nil
	}
	done := make(chan struct{})
	r.fetching[id] = done
	r.fetchMu.Unlock()

	defer func() {
		r.fetchMu.Lock()
		delete(r.fetching, id)
		r.fetchMu.Unlock()
		close(done)
	}()

	profile, err := protocol.WithTimeout(ctx, r.cfg.Timeout, "profile fetch", func(ctx context.Context) (*types.Profile, error) {
		return r.profiles.FetchInboxProfile(ctx, id)
	})
	if err != nil {
		return current, fmt.Errorf("failed to fetch profile of %s: %w", id, err)
	}

	update := &types.ProfileUpdate{InboxID: id, Source: types.SourceInbox}
	if profile != nil {
		update = profile.AsUpdate()
		update.InboxID = id
	}
	return r.UpsertContactProfile(update)
}

// ResolveSender is the per-message hot path: it attaches the best known contact for a
// sender, refreshing under the hot interval. Failures are logged and never returned.
func (r *Reconciler) ResolveSender(ctx context.Context, id types.InboxID, addr types.Address) *types.Contact {
	if id.IsZero() && !addr.IsZero() {
		resolved, err := r.resolver.Resolve(ctx, addr, identity.Options{Context: "pipeline.sender", AllowStaticFallback: true})
		if err != nil {
			r.logger.Debug(fmt.Sprintf("Sender lookup for %s failed: %v", utils.ShortID(addr.String()), err), category)
		}
		id = resolved
	}
	if id.IsZero() {
		return r.GetContactByAddress(addr)
	}
	if id == r.auth.InboxID() {
		return nil
	}

	if id.IsSynthetic() {
		c, err := r.UpsertContactProfile(&types.ProfileUpdate{InboxID: id, PrimaryAddress: addr, Source: types.SourceStatic})
		if err != nil {
			r.logger.Debug(err.Error(), category)
		}
		return c
	}

	if !addr.IsZero() {
		if c := r.GetContactByInboxID(id); c == nil || !c.HasAddress(addr) {
			if _, err := r.UpsertContactProfile(&types.ProfileUpdate{InboxID: id, Addresses: types.Addresses{addr}}); err != nil {
				r.logger.Debug(err.Error(), category)
			}
		}
	}

	c, err := r.Refresh(ctx, id, r.cfg.HotRefreshInterval)
	if err != nil {
		r.logger.Debug(fmt.Sprintf("Hot refresh of %s failed: %v", utils.ShortID(id.String()), err), category)
	}
	if c == nil {
		c = r.GetContactByInboxID(id)
	}
	return c
}

// Sweep refreshes every stale contact plus the given peers on the pool under the
// passive interval. It returns how many refreshes failed; failures are otherwise silent.
func (r *Reconciler) Sweep(ctx context.Context, pool *workers.WorkerPool, peers types.InboxIDs) (int, error) {
	ids := types.InboxIDs{}
	for _, c := range r.contacts.List() {
		ids = ids.Merge(c.InboxID)
	}
	ids = ids.Merge(peers...)

	now := r.now()
	var tasks []workers.Task
	for _, id := range ids {
		if id.IsSynthetic() || id == r.auth.InboxID() {
			continue
		}
		if !NeedsRefresh(r.contacts.Get(id), r.cfg.RefreshInterval, now) {
			continue
		}
		id := id
		tasks = append(tasks, func(ctx context.Context) error {
			_, err := r.Refresh(ctx, id, r.cfg.RefreshInterval)
			return err
		})
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	r.logger.Debug(fmt.Sprintf("Enrichment sweep over %d contacts", len(tasks)), category)
	return pool.RunAll(ctx, "enrichment", tasks)
}

// RunSweeps sweeps every interval until ctx ends.
func (r *Reconciler) RunSweeps(ctx context.Context, pool *workers.WorkerPool, interval time.Duration, peers func() types.InboxIDs) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if failed, err := r.Sweep(ctx, pool, peers()); err != nil {
				return
			} else if failed > 0 {
				r.logger.Debug(fmt.Sprintf("Enrichment sweep finished with %d failures", failed), category)
			}
		}
	}
}
