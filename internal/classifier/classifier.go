// Package classifier turns raw traffic signals from the kernel filter into
// attack events, scores them against the domain's policy and escalates to a
// block when the score or persistence warrants it.
package classifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"rampart/internal/domain"
	"rampart/internal/eventbus"
	"rampart/internal/logging"
)

// DefaultCoalesceWindow is how long signals for the same source, domain and
// type fold into one open attack instead of creating new events.
const DefaultCoalesceWindow = 5 * time.Second

const (
	// blockSeverity escalates immediately.
	blockSeverity = 80
	// sustainSeverity escalates after sustainCount consecutive signals
	// inside one window.
	sustainSeverity = 50
	sustainCount    = 3
)

// Signal is one raw observation from the data plane.
type Signal struct {
	Domain           string            `json:"domain,omitempty"`
	SourceIP         string            `json:"source_ip"`
	Type             domain.AttackType `json:"attack_type"`
	PacketsPerSecond int64             `json:"packets_per_second"`
}

// PolicyView is the read side of the policy store.
type PolicyView interface {
	Get(name string) (domain.Policy, error)
}

// Blocker is the slice of the block registry the classifier escalates
// through.
type Blocker interface {
	Block(ctx context.Context, e domain.BlocklistEntry) (domain.BlocklistEntry, error)
	IsAllowed(ip string) bool
}

// Recorder receives every newly opened attack for the stats ring.
type Recorder interface {
	RecordAttack(e domain.AttackEvent)
}

// Metrics is the slice of instrumentation the classifier feeds. Attack
// counters move only when a new attack opens, never on coalesced signals.
type Metrics interface {
	IncAttack(attackType string)
	SetActiveAttacks(n int)
}

// GeoResolver maps a source address to an ISO country code, best effort.
type GeoResolver interface {
	Country(ip string) string
}

type openAttack struct {
	event     domain.AttackEvent
	lastSeen  time.Time
	sustained int
}

type Classifier struct {
	log      *logging.Logger
	policies PolicyView
	registry Blocker
	stats    Recorder
	bus      *eventbus.Bus
	geo      GeoResolver
	metrics  Metrics
	window   time.Duration
	now      func() time.Time

	mu   sync.Mutex
	open map[string]*openAttack
}

func New(log *logging.Logger, policies PolicyView, registry Blocker, stats Recorder, bus *eventbus.Bus, geo GeoResolver, metrics Metrics, window time.Duration) *Classifier {
	if window <= 0 {
		window = DefaultCoalesceWindow
	}
	return &Classifier{
		log:      log,
		policies: policies,
		registry: registry,
		stats:    stats,
		bus:      bus,
		geo:      geo,
		metrics:  metrics,
		window:   window,
		now:      time.Now,
		open:     make(map[string]*openAttack),
	}
}

// Severity scores packet rate against the policy threshold on a 0-100 scale.
// Crossing the threshold lands at 50; twice the threshold saturates at 100.
func Severity(pps, threshold int64) int {
	if pps <= 0 || threshold <= 0 {
		return 0
	}
	s := pps * 50 / threshold
	if s > 100 {
		return 100
	}
	return int(s)
}

// Ingest classifies one signal. Signals for the same source, domain and type
// inside the coalescing window update the open attack; severity only ratchets
// up within a window. Escalation blocks the source for the policy's block
// duration and marks the attack mitigated. A signal for a domain whose
// protection is switched off is dropped: the zero event comes back and
// nothing is recorded or published.
func (c *Classifier) Ingest(ctx context.Context, sig Signal) (domain.AttackEvent, error) {
	if err := domain.ValidateIPOrCIDR(sig.SourceIP); err != nil || domain.IsCIDR(sig.SourceIP) {
		return domain.AttackEvent{}, &domain.ValidationError{Field: "source_ip", Reason: "must be a single address"}
	}
	if !sig.Type.Valid() {
		sig.Type = domain.AttackUnknown
	}
	if sig.PacketsPerSecond <= 0 {
		return domain.AttackEvent{}, &domain.ValidationError{Field: "packets_per_second", Reason: "must be positive"}
	}

	now := c.now()
	pol, autoBlock, drop := c.policyFor(sig.Domain, now)
	if drop {
		c.log.WithDomain(sig.Domain).Debug("signal dropped, protection disabled", "source_ip", sig.SourceIP)
		return domain.AttackEvent{}, nil
	}
	severity := Severity(sig.PacketsPerSecond, pol.ThresholdFor(sig.Type))

	c.mu.Lock()
	c.pruneLocked(now)
	k := sig.SourceIP + "|" + sig.Domain + "|" + string(sig.Type)
	oa, coalesced := c.open[k]
	if !coalesced {
		oa = &openAttack{event: domain.AttackEvent{
			ID:           uuid.NewString(),
			AttackType:   sig.Type,
			SourceIP:     sig.SourceIP,
			TargetDomain: sig.Domain,
			Country:      c.country(sig.SourceIP),
		}}
		c.open[k] = oa
	}
	oa.lastSeen = now
	oa.event.PacketsPerSecond = sig.PacketsPerSecond
	if severity > oa.event.Severity {
		oa.event.Severity = severity
	}
	oa.event.Timestamp = now
	if severity >= sustainSeverity {
		oa.sustained++
	} else {
		oa.sustained = 0
	}
	ev := oa.event
	sustained := oa.sustained
	alreadyMitigated := oa.event.Mitigated
	openCount := len(c.open)
	c.mu.Unlock()

	if !coalesced {
		c.stats.RecordAttack(ev)
		if c.metrics != nil {
			c.metrics.IncAttack(string(ev.AttackType))
		}
		c.log.WithDomain(sig.Domain).Info("attack detected",
			"id", ev.ID, "type", ev.AttackType, "source_ip", ev.SourceIP,
			"pps", ev.PacketsPerSecond, "severity", ev.Severity,
			"band", domain.SeverityBand(ev.Severity))
		c.bus.Publish(eventbus.AttackDetected{Time: now, Attack: ev})
	}
	if c.metrics != nil {
		c.metrics.SetActiveAttacks(openCount)
	}

	if alreadyMitigated || !autoBlock {
		return ev, nil
	}
	if ev.Severity < blockSeverity && sustained < sustainCount {
		return ev, nil
	}
	return c.escalate(ctx, k, ev, pol, now)
}

func (c *Classifier) escalate(ctx context.Context, key string, ev domain.AttackEvent, pol domain.Policy, now time.Time) (domain.AttackEvent, error) {
	// Allowlisted sources are still reported, never blocked.
	if c.registry.IsAllowed(ev.SourceIP) {
		return ev, nil
	}
	_, err := c.registry.Block(ctx, domain.BlocklistEntry{
		IP:        ev.SourceIP,
		Reason:    fmt.Sprintf("%s against %s, severity %d", ev.AttackType, targetName(ev.TargetDomain), ev.Severity),
		Source:    domain.SourceAuto,
		BlockedAt: now,
		ExpiresAt: now.Add(time.Duration(pol.BlockDurationSecs) * time.Second),
	})
	if err != nil {
		c.log.Error("auto-block failed", "source_ip", ev.SourceIP, "error", err)
		return ev, err
	}

	ev.Mitigated = true
	c.mu.Lock()
	if oa, ok := c.open[key]; ok {
		oa.event.Mitigated = true
	}
	c.mu.Unlock()

	c.log.WithDomain(ev.TargetDomain).Info("attack mitigated",
		"id", ev.ID, "source_ip", ev.SourceIP, "duration_secs", pol.BlockDurationSecs)
	c.bus.Publish(eventbus.AttackMitigated{Time: c.now(), Attack: ev})
	return ev, nil
}

// OpenCount reports attacks still inside their coalescing window.
func (c *Classifier) OpenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	return len(c.open)
}

func (c *Classifier) pruneLocked(now time.Time) {
	for k, oa := range c.open {
		if now.Sub(oa.lastSeen) > c.window {
			delete(c.open, k)
		}
	}
}

// policyFor resolves the scoring policy. A domain without a policy is scored
// against the defaults but never auto-blocked; a domain whose protection is
// switched off drops the signal entirely.
func (c *Classifier) policyFor(name string, now time.Time) (pol domain.Policy, autoBlock, drop bool) {
	if name == "" {
		return domain.DefaultPolicy("", now), true, false
	}
	pol, err := c.policies.Get(name)
	if err != nil {
		return domain.DefaultPolicy(name, now), false, false
	}
	if !pol.Enabled {
		return domain.Policy{}, false, true
	}
	return pol, true, false
}

func (c *Classifier) country(ip string) string {
	if c.geo == nil {
		return ""
	}
	return c.geo.Country(ip)
}

func targetName(d string) string {
	if d == "" {
		return "any domain"
	}
	return d
}
