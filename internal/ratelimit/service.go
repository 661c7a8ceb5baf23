// Package ratelimit admits or rejects requests against the domain's
// rate-limit policy using token buckets, and arms client challenges when a
// source keeps pushing past its budget.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rampart/internal/domain"
	"rampart/internal/eventbus"
	"rampart/internal/logging"
)

// idleTTL is how long an untouched bucket survives before eviction.
const idleTTL = 10 * time.Minute

const pruneEvery = time.Minute

// PolicyView is the read side of the policy store.
type PolicyView interface {
	Get(name string) (domain.Policy, error)
}

// AllowView answers allowlist membership; allowlisted sources bypass
// rate limiting entirely.
type AllowView interface {
	IsAllowed(ip string) bool
}

// Recorder receives per-decision counter updates.
type Recorder interface {
	RecordRequest(name string)
	RecordRateLimited(name string)
	RecordChallengeIssued(name string)
	RecordChallengePassed(name string)
	RecordChallengeFailed(name string)
}

// Decision is the verdict for one request.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"-"`
	Challenge  bool          `json:"challenge,omitempty"`
}

type bucket struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

type grant struct {
	expires time.Time
}

type Service struct {
	log      *logging.Logger
	policies PolicyView
	allow    AllowView
	stats    Recorder
	bus      *eventbus.Bus
	now      func() time.Time

	mu         sync.Mutex
	buckets    map[string]*bucket
	grants     map[string]grant
	lastPruned time.Time
}

func New(log *logging.Logger, policies PolicyView, allow AllowView, stats Recorder, bus *eventbus.Bus) *Service {
	return &Service{
		log:      log,
		policies: policies,
		allow:    allow,
		stats:    stats,
		bus:      bus,
		now:      time.Now,
		buckets:  make(map[string]*bucket),
		grants:   make(map[string]grant),
	}
}

// Check decides one request for a domain. Domains without a policy, with
// protection off or with rate limiting off are always admitted.
func (s *Service) Check(name, ip, route string) Decision {
	s.stats.RecordRequest(name)

	pol, err := s.policies.Get(name)
	if err != nil || !pol.Enabled || pol.RateLimit == nil || !pol.RateLimit.Enabled {
		return Decision{Allowed: true, Remaining: -1}
	}
	if ip != "" && s.allow.IsAllowed(ip) {
		return Decision{Allowed: true, Remaining: -1}
	}

	rl := *pol.RateLimit
	key := scopeKey(name, ip, route, rl.Scope)
	now := s.now()

	s.mu.Lock()
	s.pruneLocked(now)
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(limitFor(rl), burstFor(rl))}
		s.buckets[key] = b
	}
	b.lastUsed = now
	res := b.lim.ReserveN(now, 1)
	delay := res.DelayFrom(now)
	if delay > 0 {
		res.CancelAt(now)
	}
	remaining := int(b.lim.TokensAt(now))
	challenged := s.challengeLocked(pol, name, ip, now, delay > 0)
	s.mu.Unlock()

	if delay == 0 {
		return Decision{Allowed: true, Remaining: remaining}
	}

	s.stats.RecordRateLimited(name)
	s.log.WithDomain(name).Debug("rate limited", "ip", ip, "scope", rl.Scope, "retry_after", delay)
	s.bus.Publish(eventbus.RateLimited{
		Time:       now,
		Domain:     name,
		IP:         ip,
		Scope:      rl.Scope,
		RetryAfter: delay.Seconds(),
	})
	return Decision{Allowed: false, Remaining: 0, RetryAfter: delay, Challenge: challenged}
}

// challengeLocked decides whether this rejection should carry a challenge.
// A source holding a valid grant is never re-challenged.
func (s *Service) challengeLocked(pol domain.Policy, name, ip string, now time.Time, denied bool) bool {
	cm := pol.ChallengeMode
	if !denied || cm == nil || !cm.Enabled || ip == "" {
		return false
	}
	gk := grantKey(name, ip)
	if g, ok := s.grants[gk]; ok && g.expires.After(now) {
		return false
	}
	s.stats.RecordChallengeIssued(name)
	return true
}

// ChallengePassed records a solved challenge and grants the source a
// validity window during which it is not re-challenged.
func (s *Service) ChallengePassed(name, ip string) {
	pol, err := s.policies.Get(name)
	validity := int64(domain.DefaultChallengeValidity)
	if err == nil && pol.ChallengeMode != nil {
		validity = pol.ChallengeMode.ValiditySecs
	}
	now := s.now()
	s.mu.Lock()
	s.grants[grantKey(name, ip)] = grant{expires: now.Add(time.Duration(validity) * time.Second)}
	s.mu.Unlock()
	s.stats.RecordChallengePassed(name)
}

// ChallengeFailed records a failed challenge attempt.
func (s *Service) ChallengeFailed(name, ip string) {
	s.stats.RecordChallengeFailed(name)
}

// IsChallengeValid reports whether the source holds an unexpired grant.
func (s *Service) IsChallengeValid(name, ip string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[grantKey(name, ip)]
	return ok && g.expires.After(now)
}

func (s *Service) pruneLocked(now time.Time) {
	if now.Sub(s.lastPruned) < pruneEvery {
		return
	}
	s.lastPruned = now
	for k, b := range s.buckets {
		if now.Sub(b.lastUsed) > idleTTL {
			delete(s.buckets, k)
		}
	}
	for k, g := range s.grants {
		if !g.expires.After(now) {
			delete(s.grants, k)
		}
	}
}

func scopeKey(name, ip, route string, scope domain.RateLimitScope) string {
	switch scope {
	case domain.ScopePerRoute:
		return fmt.Sprintf("%s|route|%s", name, route)
	case domain.ScopeGlobal:
		return name + "|global"
	default:
		return fmt.Sprintf("%s|ip|%s", name, ip)
	}
}

func grantKey(name, ip string) string { return name + "|" + ip }

// limitFor converts the per-minute budget into a steady refill rate.
func limitFor(rl domain.RateLimitPolicy) rate.Limit {
	return rate.Limit(float64(rl.MaxRequestsPerMinute) / 60.0)
}

// burstFor sizes the bucket to the policy window's worth of budget plus any
// explicit burst allowance, never below one.
func burstFor(rl domain.RateLimitPolicy) int {
	b := rl.MaxRequestsPerMinute*rl.WindowDurationSecs/60 + rl.BurstAllowance
	if b < 1 {
		b = 1
	}
	return int(b)
}
