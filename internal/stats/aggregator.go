// Package stats aggregates traffic counters and the recent-attack ring and
// publishes the periodic heartbeat snapshot.
package stats

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rampart/internal/domain"
	"rampart/internal/eventbus"
	"rampart/internal/logging"
)

// ringSize bounds the recent-attack buffer; older events fall off.
const ringSize = 10_000

// ListCounts is the slice of the block registry the snapshot gauges read.
type ListCounts interface {
	Counts() (blocked, allowed int)
	IsBlocked(ip string) bool
}

// ActiveView reports attacks still inside their coalescing window.
type ActiveView interface {
	OpenCount() int
}

// SnapshotStore persists the monotonic counters across restarts.
type SnapshotStore interface {
	Save(ctx context.Context, counters map[string]int64) error
	Load(ctx context.Context) (map[string]int64, error)
}

type domainCounters struct {
	requests    int64
	blocked     int64
	rateLimited int64
	attacks     int64
	chIssued    int64
	chPassed    int64
}

type Aggregator struct {
	log       *logging.Logger
	bus       *eventbus.Bus
	registry  ListCounts
	snapshots SnapshotStore
	now       func() time.Time
	started   time.Time

	totalRequests    atomic.Int64
	totalBlocked     atomic.Int64
	totalRateLimited atomic.Int64
	totalAttacks     atomic.Int64
	challengesIssued atomic.Int64
	challengesPassed atomic.Int64
	challengesFailed atomic.Int64

	mu      sync.Mutex
	byType  map[domain.AttackType]int64
	domains map[string]*domainCounters

	// active is bound after the classifier exists.
	active atomic.Pointer[ActiveView]

	ringMu sync.Mutex
	ring   []domain.AttackEvent
	next   int
	filled bool
}

func New(log *logging.Logger, bus *eventbus.Bus, registry ListCounts, snapshots SnapshotStore) *Aggregator {
	a := &Aggregator{
		log:       log,
		bus:       bus,
		registry:  registry,
		snapshots: snapshots,
		now:       time.Now,
		byType:    make(map[domain.AttackType]int64),
		domains:   make(map[string]*domainCounters),
		ring:      make([]domain.AttackEvent, ringSize),
	}
	a.started = a.now()
	return a
}

// BindActiveView connects the open-attack gauge source. The classifier and
// the aggregator reference each other, so this runs after both exist.
func (a *Aggregator) BindActiveView(v ActiveView) { a.active.Store(&v) }

func (a *Aggregator) RecordRequest(name string) {
	a.totalRequests.Add(1)
	a.domainAdd(name, func(c *domainCounters) { c.requests++ })
}

func (a *Aggregator) RecordBlocked(name string) {
	a.totalBlocked.Add(1)
	a.domainAdd(name, func(c *domainCounters) { c.blocked++ })
}

func (a *Aggregator) RecordRateLimited(name string) {
	a.totalRateLimited.Add(1)
	a.domainAdd(name, func(c *domainCounters) { c.rateLimited++ })
}

func (a *Aggregator) RecordChallengeIssued(name string) {
	a.challengesIssued.Add(1)
	a.domainAdd(name, func(c *domainCounters) { c.chIssued++ })
}

func (a *Aggregator) RecordChallengePassed(name string) {
	a.challengesPassed.Add(1)
	a.domainAdd(name, func(c *domainCounters) { c.chPassed++ })
}

func (a *Aggregator) RecordChallengeFailed(string) {
	a.challengesFailed.Add(1)
}

// RecordAttack counts a newly opened attack and appends it to the ring.
func (a *Aggregator) RecordAttack(e domain.AttackEvent) {
	a.totalAttacks.Add(1)
	a.mu.Lock()
	a.byType[e.AttackType]++
	a.mu.Unlock()
	a.domainAdd(e.TargetDomain, func(c *domainCounters) { c.attacks++ })

	a.ringMu.Lock()
	a.ring[a.next] = e
	a.next++
	if a.next == ringSize {
		a.next = 0
		a.filled = true
	}
	a.ringMu.Unlock()
}

func (a *Aggregator) domainAdd(name string, fn func(*domainCounters)) {
	if name == "" {
		return
	}
	a.mu.Lock()
	c, ok := a.domains[name]
	if !ok {
		c = &domainCounters{}
		a.domains[name] = c
	}
	fn(c)
	a.mu.Unlock()
}

// Global assembles the current snapshot. Gauges are recomputed on read.
func (a *Aggregator) Global() domain.GlobalStats {
	now := a.now()
	blocked, allowed := a.registry.Counts()

	a.mu.Lock()
	byType := make(map[domain.AttackType]int64, len(a.byType))
	for t, n := range a.byType {
		byType[t] = n
	}
	a.mu.Unlock()

	var open int64
	if v := a.active.Load(); v != nil {
		open = int64((*v).OpenCount())
	}

	requests := a.totalRequests.Load()
	dropped := a.totalBlocked.Load()
	return domain.GlobalStats{
		TotalRequests:    requests,
		TotalBlocked:     dropped,
		TotalRateLimited: a.totalRateLimited.Load(),
		TotalAttacks:     a.totalAttacks.Load(),
		ChallengesIssued: a.challengesIssued.Load(),
		ChallengesPassed: a.challengesPassed.Load(),
		ChallengesFailed: a.challengesFailed.Load(),
		ActiveAttacks:    open,
		BlockedIPs:       int64(blocked),
		AllowedIPs:       int64(allowed),
		AttacksByType:    byType,
		DropRate:         domain.DropRate(dropped, requests),
		UptimeSecs:       int64(now.Sub(a.started).Seconds()),
		Timestamp:        now,
	}
}

// Domain returns the per-domain counter snapshot. Unknown domains report
// zeroes; the caller decides whether that is a 404.
func (a *Aggregator) Domain(name string) (domain.DomainStats, bool) {
	a.mu.Lock()
	c, ok := a.domains[name]
	var snap domainCounters
	if ok {
		snap = *c
	}
	a.mu.Unlock()
	return domain.DomainStats{
		Domain:           name,
		TotalRequests:    snap.requests,
		TotalBlocked:     snap.blocked,
		TotalRateLimited: snap.rateLimited,
		TotalAttacks:     snap.attacks,
		ChallengesIssued: snap.chIssued,
		ChallengesPassed: snap.chPassed,
		DropRate:         domain.DropRate(snap.blocked, snap.requests),
		Timestamp:        a.now(),
	}, ok
}

// RecentAttacks returns up to limit retained attacks, newest first.
func (a *Aggregator) RecentAttacks(limit int) []domain.AttackEvent {
	if limit <= 0 {
		limit = 50
	}
	a.ringMu.Lock()
	defer a.ringMu.Unlock()
	size := a.next
	if a.filled {
		size = ringSize
	}
	if limit > size {
		limit = size
	}
	out := make([]domain.AttackEvent, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (a.next - i + ringSize) % ringSize
		out = append(out, a.ring[idx])
	}
	return out
}

// TopAttackers ranks sources over the retained attack window by attack
// count, then by recency.
func (a *Aggregator) TopAttackers(limit int) []domain.TopAttacker {
	if limit <= 0 {
		limit = 10
	}
	a.ringMu.Lock()
	size := a.next
	if a.filled {
		size = ringSize
	}
	byIP := make(map[string]*domain.TopAttacker)
	typeCounts := make(map[string]map[domain.AttackType]int64)
	for i := 0; i < size; i++ {
		e := a.ring[i]
		t, ok := byIP[e.SourceIP]
		if !ok {
			t = &domain.TopAttacker{IP: e.SourceIP}
			byIP[e.SourceIP] = t
			typeCounts[e.SourceIP] = make(map[domain.AttackType]int64)
		}
		t.AttackCount++
		t.TotalPackets += e.PacketsPerSecond
		typeCounts[e.SourceIP][e.AttackType]++
		if e.Timestamp.After(t.LastAttack) {
			t.LastAttack = e.Timestamp
		}
	}
	a.ringMu.Unlock()

	out := make([]domain.TopAttacker, 0, len(byIP))
	for ip, t := range byIP {
		var best int64
		for at, n := range typeCounts[ip] {
			if n > best || (n == best && at < t.PrimaryAttackType) {
				best = n
				t.PrimaryAttackType = at
			}
		}
		t.Blocked = a.registry.IsBlocked(ip)
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AttackCount != out[j].AttackCount {
			return out[i].AttackCount > out[j].AttackCount
		}
		return out[i].LastAttack.After(out[j].LastAttack)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Run emits the heartbeat snapshot on a fixed interval and persists the
// counters alongside it, until the context ends.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := a.Global()
			a.bus.Publish(eventbus.StatsUpdate{Time: snap.Timestamp, Stats: snap})
			a.Flush(ctx)
		}
	}
}

// Restore reloads persisted counters. Missing snapshots are not an error.
func (a *Aggregator) Restore(ctx context.Context) error {
	if a.snapshots == nil {
		return nil
	}
	counters, err := a.snapshots.Load(ctx)
	if err != nil {
		return err
	}
	if len(counters) == 0 {
		return nil
	}
	a.totalRequests.Store(counters["total_requests"])
	a.totalBlocked.Store(counters["total_blocked"])
	a.totalRateLimited.Store(counters["total_rate_limited"])
	a.totalAttacks.Store(counters["total_attacks"])
	a.challengesIssued.Store(counters["challenges_issued"])
	a.challengesPassed.Store(counters["challenges_passed"])
	a.challengesFailed.Store(counters["challenges_failed"])
	a.mu.Lock()
	for k, v := range counters {
		if t, ok := strings.CutPrefix(k, "type:"); ok {
			a.byType[domain.AttackType(t)] = v
		}
	}
	a.mu.Unlock()
	a.log.Info("stats restored", "total_requests", counters["total_requests"], "total_attacks", counters["total_attacks"])
	return nil
}

// Flush persists the counters now. Called from the heartbeat and once more
// on shutdown.
func (a *Aggregator) Flush(ctx context.Context) {
	if a.snapshots == nil {
		return
	}
	counters := map[string]int64{
		"total_requests":     a.totalRequests.Load(),
		"total_blocked":      a.totalBlocked.Load(),
		"total_rate_limited": a.totalRateLimited.Load(),
		"total_attacks":      a.totalAttacks.Load(),
		"challenges_issued":  a.challengesIssued.Load(),
		"challenges_passed":  a.challengesPassed.Load(),
		"challenges_failed":  a.challengesFailed.Load(),
	}
	a.mu.Lock()
	for t, n := range a.byType {
		counters["type:"+string(t)] = n
	}
	a.mu.Unlock()
	if err := a.snapshots.Save(ctx, counters); err != nil {
		a.log.Warn("stats snapshot save failed", "error", err)
	}
}
