// Package blockregistry owns the blocklist and allowlist. It answers the
// hot-path question "is this address currently blocked?" from sharded
// in-memory maps, honoring allowlist precedence, and enforces expiry from a
// periodic sweep rather than on reads.
package blockregistry

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/netip"
	"sort"
	"sync"
	"time"

	"rampart/internal/domain"
	"rampart/internal/eventbus"
	"rampart/internal/logging"
	"rampart/internal/store"
)

const shardCount = 64

// sweepBatch bounds how many expired entries a single shard pass removes
// while holding the shard lock.
const sweepBatch = 256

// reasonDomainPolicy marks entries seeded from a policy's custom lists.
// They live only as long as the policy says so and are never persisted
// here; the policy document is their durable source.
const reasonDomainPolicy = "domain policy"

type Metrics interface {
	SetBlocklistSize(n int)
	SetAllowlistSize(n int)
}

type shard struct {
	mu     sync.RWMutex
	blocks map[string]domain.BlocklistEntry
	allows map[string]domain.AllowlistEntry
}

type Registry struct {
	log     *logging.Logger
	db      store.Store
	bus     *eventbus.Bus
	metrics Metrics
	now     func() time.Time

	shards [shardCount]*shard

	// Prefix entries are few and need linear containment checks, so they
	// live outside the shards.
	prefixMu      sync.RWMutex
	blockPrefixes map[string]domain.BlocklistEntry
	allowPrefixes map[string]domain.AllowlistEntry

	// Writes for one (scope, ip) key serialize here so the store write and
	// the map mutation always commit in the same order.
	muKeys sync.Mutex
	keyMu  map[string]*sync.Mutex
}

func New(log *logging.Logger, db store.Store, bus *eventbus.Bus, metrics Metrics) *Registry {
	r := &Registry{
		log:           log,
		db:            db,
		bus:           bus,
		metrics:       metrics,
		now:           time.Now,
		blockPrefixes: make(map[string]domain.BlocklistEntry),
		allowPrefixes: make(map[string]domain.AllowlistEntry),
		keyMu:         make(map[string]*sync.Mutex),
	}
	for i := range r.shards {
		r.shards[i] = &shard{
			blocks: make(map[string]domain.BlocklistEntry),
			allows: make(map[string]domain.AllowlistEntry),
		}
	}
	return r
}

func key(scope, ip string) string { return scope + "|" + ip }

func (r *Registry) lockFor(k string) *sync.Mutex {
	r.muKeys.Lock()
	defer r.muKeys.Unlock()
	m, ok := r.keyMu[k]
	if !ok {
		m = &sync.Mutex{}
		r.keyMu[k] = m
	}
	return m
}

func (r *Registry) shardFor(k string) *shard {
	h := fnv.New32a()
	h.Write([]byte(k))
	return r.shards[h.Sum32()%shardCount]
}

// Load hydrates the registry from the durable store.
func (r *Registry) Load(ctx context.Context) error {
	blocks, err := r.db.ListBlocks(ctx)
	if err != nil {
		return fmt.Errorf("load blocklist: %w", err)
	}
	allows, err := r.db.ListAllows(ctx)
	if err != nil {
		return fmt.Errorf("load allowlist: %w", err)
	}
	for _, e := range blocks {
		r.insertBlock(e)
	}
	for _, e := range allows {
		r.insertAllow(e)
	}
	r.log.Info("block registry loaded", "blocked", len(blocks), "allowed", len(allows))
	r.updateGauges()
	return nil
}

// IsBlocked answers for the global scope.
func (r *Registry) IsBlocked(ip string) bool { return r.IsBlockedForDomain("", ip) }

// IsBlockedForDomain checks the domain scope and the global scope. The
// allowlist is consulted first and short-circuits. Expiry is not evaluated
// here; the sweep is the only place entries are removed, which keeps this
// check cheap and consistent with emitted events.
func (r *Registry) IsBlockedForDomain(scope, ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	if r.isAllowed(scope, ip, addr) {
		return false
	}
	for _, sc := range scopesFor(scope) {
		k := key(sc, ip)
		sh := r.shardFor(k)
		sh.mu.RLock()
		_, ok := sh.blocks[k]
		sh.mu.RUnlock()
		if ok {
			return true
		}
	}
	r.prefixMu.RLock()
	defer r.prefixMu.RUnlock()
	for _, e := range r.blockPrefixes {
		if !scopeMatches(e.Domain, scope) {
			continue
		}
		if domain.MatchesIPOrCIDR(addr, e.IP) {
			return true
		}
	}
	return false
}

// IsAllowed reports allowlist membership (exact or containing prefix) in the
// global scope.
func (r *Registry) IsAllowed(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return r.isAllowed("", ip, addr)
}

func (r *Registry) isAllowed(scope, ip string, addr netip.Addr) bool {
	for _, sc := range scopesFor(scope) {
		k := key(sc, ip)
		sh := r.shardFor(k)
		sh.mu.RLock()
		_, ok := sh.allows[k]
		sh.mu.RUnlock()
		if ok {
			return true
		}
	}
	r.prefixMu.RLock()
	defer r.prefixMu.RUnlock()
	for _, e := range r.allowPrefixes {
		if !scopeMatches(e.Domain, scope) {
			continue
		}
		if domain.MatchesIPOrCIDR(addr, e.IP) {
			return true
		}
	}
	return false
}

func scopesFor(scope string) []string {
	if scope == "" {
		return []string{""}
	}
	return []string{"", scope}
}

func scopeMatches(entryScope, queryScope string) bool {
	return entryScope == "" || entryScope == queryScope
}

// Block upserts an entry. A non-zero expiry that already passed is rejected
// with ErrInvalidDuration. Re-adding an address replaces reason and expiry
// but keeps the original BlockedAt so list ordering stays stable.
func (r *Registry) Block(ctx context.Context, e domain.BlocklistEntry) (domain.BlocklistEntry, error) {
	if err := domain.ValidateIPOrCIDR(e.IP); err != nil {
		return domain.BlocklistEntry{}, &domain.ValidationError{Field: "ip", Reason: err.Error()}
	}
	if !e.Source.Valid() {
		e.Source = domain.SourceManual
	}
	now := r.now()
	if !e.ExpiresAt.IsZero() && !e.ExpiresAt.After(now) {
		return domain.BlocklistEntry{}, fmt.Errorf("expires_at %s: %w", e.ExpiresAt.Format(time.RFC3339), domain.ErrInvalidDuration)
	}
	if e.BlockedAt.IsZero() {
		e.BlockedAt = now
	}

	lock := r.lockFor(key(e.Domain, e.IP))
	lock.Lock()
	defer lock.Unlock()

	if prev, ok := r.lookupBlock(e.Domain, e.IP); ok {
		e.BlockedAt = prev.BlockedAt
	}
	if err := r.db.SaveBlock(ctx, e); err != nil {
		return domain.BlocklistEntry{}, mapStoreErr(err)
	}
	r.insertBlock(e)
	r.updateGauges()
	r.log.Info("ip blocked", "ip", e.IP, "reason", e.Reason, "source", e.Source, "scope", e.Domain)
	r.bus.Publish(eventbus.IPBlocked{Time: now, Entry: e})
	return e, nil
}

// Unblock removes an entry. Removing an address that is not present
// succeeds as a no-op and emits nothing.
func (r *Registry) Unblock(ctx context.Context, scope, ip string) (bool, error) {
	lock := r.lockFor(key(scope, ip))
	lock.Lock()
	defer lock.Unlock()

	if _, ok := r.lookupBlock(scope, ip); !ok {
		return false, nil
	}
	if err := r.db.DeleteBlock(ctx, scope, ip); err != nil {
		return false, mapStoreErr(err)
	}
	r.removeBlock(scope, ip)
	r.updateGauges()
	r.log.Info("ip unblocked", "ip", ip, "scope", scope)
	r.bus.Publish(eventbus.IPUnblocked{Time: r.now(), IP: ip, Domain: scope})
	return true, nil
}

// Allow upserts an allowlist entry. Allowlist entries never expire.
func (r *Registry) Allow(ctx context.Context, e domain.AllowlistEntry) (domain.AllowlistEntry, error) {
	if err := domain.ValidateIPOrCIDR(e.IP); err != nil {
		return domain.AllowlistEntry{}, &domain.ValidationError{Field: "ip", Reason: err.Error()}
	}
	if e.AddedAt.IsZero() {
		e.AddedAt = r.now()
	}

	lock := r.lockFor(key(e.Domain, e.IP))
	lock.Lock()
	defer lock.Unlock()

	if err := r.db.SaveAllow(ctx, e); err != nil {
		return domain.AllowlistEntry{}, mapStoreErr(err)
	}
	r.insertAllow(e)
	r.updateGauges()
	r.log.Info("ip allowlisted", "ip", e.IP, "reason", e.Reason, "scope", e.Domain)
	return e, nil
}

// Disallow removes an allowlist entry; absent entries are a no-op.
func (r *Registry) Disallow(ctx context.Context, scope, ip string) (bool, error) {
	lock := r.lockFor(key(scope, ip))
	lock.Lock()
	defer lock.Unlock()

	if !r.hasAllow(scope, ip) {
		return false, nil
	}
	if err := r.db.DeleteAllow(ctx, scope, ip); err != nil {
		return false, mapStoreErr(err)
	}
	r.removeAllow(scope, ip)
	r.updateGauges()
	r.log.Info("ip removed from allowlist", "ip", ip, "scope", scope)
	return true, nil
}

// ListBlocklist returns one page ordered by BlockedAt descending, ties
// broken by address, plus the total entry count.
func (r *Registry) ListBlocklist(page, perPage int) ([]domain.BlocklistEntry, int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}
	all := r.allBlocks()
	sort.Slice(all, func(i, j int) bool {
		if !all[i].BlockedAt.Equal(all[j].BlockedAt) {
			return all[i].BlockedAt.After(all[j].BlockedAt)
		}
		return all[i].IP < all[j].IP
	})
	total := len(all)
	start := (page - 1) * perPage
	if start >= total {
		return []domain.BlocklistEntry{}, total
	}
	end := start + perPage
	if end > total {
		end = total
	}
	return all[start:end], total
}

// ListAllowlist returns every allowlist entry, newest first.
func (r *Registry) ListAllowlist() []domain.AllowlistEntry {
	var out []domain.AllowlistEntry
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, e := range sh.allows {
			out = append(out, e)
		}
		sh.mu.RUnlock()
	}
	r.prefixMu.RLock()
	for _, e := range r.allowPrefixes {
		out = append(out, e)
	}
	r.prefixMu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.After(out[j].AddedAt)
		}
		return out[i].IP < out[j].IP
	})
	return out
}

// Counts returns current blocklist and allowlist cardinality.
func (r *Registry) Counts() (blocked, allowed int) {
	for _, sh := range r.shards {
		sh.mu.RLock()
		blocked += len(sh.blocks)
		allowed += len(sh.allows)
		sh.mu.RUnlock()
	}
	r.prefixMu.RLock()
	blocked += len(r.blockPrefixes)
	allowed += len(r.allowPrefixes)
	r.prefixMu.RUnlock()
	return blocked, allowed
}

// SyncDomainLists replaces the entries seeded from a policy's custom
// allow/block lists. Seeded entries are not written through to the store;
// the policy document is their durable source. Passing nil lists clears
// the domain's seeded entries.
func (r *Registry) SyncDomainLists(name string, allow, block []string) {
	if name == "" {
		return
	}
	now := r.now()
	r.dropSeeded(name)
	for _, ip := range allow {
		r.insertAllow(domain.AllowlistEntry{IP: ip, Reason: reasonDomainPolicy, Domain: name, AddedAt: now})
	}
	for _, ip := range block {
		r.insertBlock(domain.BlocklistEntry{
			IP:        ip,
			Reason:    reasonDomainPolicy,
			Source:    domain.SourceManual,
			Domain:    name,
			BlockedAt: now,
		})
	}
	r.updateGauges()
}

func (r *Registry) dropSeeded(name string) {
	for _, sh := range r.shards {
		sh.mu.Lock()
		for k, e := range sh.blocks {
			if e.Domain == name && e.Reason == reasonDomainPolicy {
				delete(sh.blocks, k)
			}
		}
		for k, e := range sh.allows {
			if e.Domain == name && e.Reason == reasonDomainPolicy {
				delete(sh.allows, k)
			}
		}
		sh.mu.Unlock()
	}
	r.prefixMu.Lock()
	for k, e := range r.blockPrefixes {
		if e.Domain == name && e.Reason == reasonDomainPolicy {
			delete(r.blockPrefixes, k)
		}
	}
	for k, e := range r.allowPrefixes {
		if e.Domain == name && e.Reason == reasonDomainPolicy {
			delete(r.allowPrefixes, k)
		}
	}
	r.prefixMu.Unlock()
}

// Sweep removes expired blocklist entries in bounded batches and emits one
// ip_unblocked per removal. Returns how many entries were removed.
func (r *Registry) Sweep(ctx context.Context) int {
	now := r.now()
	removed := 0
	for _, sh := range r.shards {
		for {
			candidates := make([]domain.BlocklistEntry, 0, sweepBatch)
			sh.mu.RLock()
			for _, e := range sh.blocks {
				if e.Expired(now) {
					candidates = append(candidates, e)
					if len(candidates) == sweepBatch {
						break
					}
				}
			}
			sh.mu.RUnlock()
			for _, e := range candidates {
				if r.expireEntry(ctx, e, now) {
					removed++
				}
			}
			if len(candidates) < sweepBatch {
				break
			}
		}
	}
	var prefixCandidates []domain.BlocklistEntry
	r.prefixMu.RLock()
	for _, e := range r.blockPrefixes {
		if e.Expired(now) {
			prefixCandidates = append(prefixCandidates, e)
		}
	}
	r.prefixMu.RUnlock()
	for _, e := range prefixCandidates {
		if r.expireEntry(ctx, e, now) {
			removed++
		}
	}

	if removed > 0 {
		r.log.Debug("expired blocks swept", "removed", removed)
		r.updateGauges()
	}
	return removed
}

// expireEntry re-checks the entry under its write lock before removing it:
// a concurrent Block may have replaced it with a fresh expiry since the
// candidate scan.
func (r *Registry) expireEntry(ctx context.Context, e domain.BlocklistEntry, now time.Time) bool {
	lock := r.lockFor(key(e.Domain, e.IP))
	lock.Lock()
	defer lock.Unlock()

	cur, ok := r.lookupBlock(e.Domain, e.IP)
	if !ok || !cur.Expired(now) {
		return false
	}
	r.removeBlock(e.Domain, e.IP)
	if cur.Reason != reasonDomainPolicy {
		if err := r.db.DeleteBlock(ctx, e.Domain, e.IP); err != nil {
			r.log.Warn("delete expired block", "ip", e.IP, "error", err)
		}
	}
	r.bus.Publish(eventbus.IPUnblocked{Time: r.now(), IP: e.IP, Domain: e.Domain, Expired: true})
	return true
}

// Run executes the sweep on a fixed interval until the context ends.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

func (r *Registry) insertBlock(e domain.BlocklistEntry) {
	if domain.IsCIDR(e.IP) {
		r.prefixMu.Lock()
		r.blockPrefixes[key(e.Domain, e.IP)] = e
		r.prefixMu.Unlock()
		return
	}
	k := key(e.Domain, e.IP)
	sh := r.shardFor(k)
	sh.mu.Lock()
	sh.blocks[k] = e
	sh.mu.Unlock()
}

func (r *Registry) removeBlock(scope, ip string) {
	if domain.IsCIDR(ip) {
		r.prefixMu.Lock()
		delete(r.blockPrefixes, key(scope, ip))
		r.prefixMu.Unlock()
		return
	}
	k := key(scope, ip)
	sh := r.shardFor(k)
	sh.mu.Lock()
	delete(sh.blocks, k)
	sh.mu.Unlock()
}

func (r *Registry) lookupBlock(scope, ip string) (domain.BlocklistEntry, bool) {
	if domain.IsCIDR(ip) {
		r.prefixMu.RLock()
		defer r.prefixMu.RUnlock()
		e, ok := r.blockPrefixes[key(scope, ip)]
		return e, ok
	}
	k := key(scope, ip)
	sh := r.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.blocks[k]
	return e, ok
}

func (r *Registry) insertAllow(e domain.AllowlistEntry) {
	if domain.IsCIDR(e.IP) {
		r.prefixMu.Lock()
		r.allowPrefixes[key(e.Domain, e.IP)] = e
		r.prefixMu.Unlock()
		return
	}
	k := key(e.Domain, e.IP)
	sh := r.shardFor(k)
	sh.mu.Lock()
	sh.allows[k] = e
	sh.mu.Unlock()
}

func (r *Registry) removeAllow(scope, ip string) {
	if domain.IsCIDR(ip) {
		r.prefixMu.Lock()
		delete(r.allowPrefixes, key(scope, ip))
		r.prefixMu.Unlock()
		return
	}
	k := key(scope, ip)
	sh := r.shardFor(k)
	sh.mu.Lock()
	delete(sh.allows, k)
	sh.mu.Unlock()
}

func (r *Registry) hasAllow(scope, ip string) bool {
	if domain.IsCIDR(ip) {
		r.prefixMu.RLock()
		defer r.prefixMu.RUnlock()
		_, ok := r.allowPrefixes[key(scope, ip)]
		return ok
	}
	k := key(scope, ip)
	sh := r.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.allows[k]
	return ok
}

func (r *Registry) allBlocks() []domain.BlocklistEntry {
	var out []domain.BlocklistEntry
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, e := range sh.blocks {
			out = append(out, e)
		}
		sh.mu.RUnlock()
	}
	r.prefixMu.RLock()
	for _, e := range r.blockPrefixes {
		out = append(out, e)
	}
	r.prefixMu.RUnlock()
	return out
}

func (r *Registry) updateGauges() {
	if r.metrics == nil {
		return
	}
	blocked, allowed := r.Counts()
	r.metrics.SetBlocklistSize(blocked)
	r.metrics.SetAllowlistSize(allowed)
}

func mapStoreErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrInternal, err)
}
