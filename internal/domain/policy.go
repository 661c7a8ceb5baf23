package domain

import "time"

// Validation bounds, matching what the kernel filter can actually enforce.
const (
	MinSynThreshold = 10
	MaxSynThreshold = 100_000

	MinUDPThreshold = 100
	MaxUDPThreshold = 1_000_000

	MinBlockDurationSecs = 10
	MaxBlockDurationSecs = 86_400

	MinRateLimitRPM = 1
	MaxRateLimitRPM = 100_000

	MinRateLimitWindowSecs = 1
	MaxRateLimitWindowSecs = 3_600

	MaxDomainLength = 253
)

// Defaults applied when a create request omits fields.
const (
	DefaultSynThreshold      = 100
	DefaultUDPThreshold      = 1_000
	DefaultBlockDurationSecs = 300
	DefaultRateLimitRPM      = 100
	DefaultRateLimitWindow   = 60
	DefaultChallengeTrigger  = 50
	DefaultChallengeValidity = 900
)

type RateLimitScope string

const (
	ScopePerIP    RateLimitScope = "per_ip"
	ScopePerRoute RateLimitScope = "per_route"
	ScopeGlobal   RateLimitScope = "global"
)

func (s RateLimitScope) Valid() bool {
	switch s {
	case ScopePerIP, ScopePerRoute, ScopeGlobal:
		return true
	}
	return false
}

type ChallengeType string

const (
	ChallengeInvisible   ChallengeType = "invisible"
	ChallengeManaged     ChallengeType = "managed"
	ChallengeInteractive ChallengeType = "interactive"
)

func (t ChallengeType) Valid() bool {
	switch t {
	case ChallengeInvisible, ChallengeManaged, ChallengeInteractive:
		return true
	}
	return false
}

// RateLimitPolicy bounds the request rate the HTTP firewall will admit for a
// domain before it starts returning 429s.
type RateLimitPolicy struct {
	Enabled              bool           `json:"enabled"`
	MaxRequestsPerMinute int64          `json:"max_requests_per_minute"`
	WindowDurationSecs   int64          `json:"window_duration_secs"`
	Scope                RateLimitScope `json:"scope"`
	BurstAllowance       int64          `json:"burst_allowance,omitempty"`
}

func (p RateLimitPolicy) Validate() error {
	if p.MaxRequestsPerMinute < MinRateLimitRPM || p.MaxRequestsPerMinute > MaxRateLimitRPM {
		return invalidf("rate_limit.max_requests_per_minute", "%d out of range [%d, %d]", p.MaxRequestsPerMinute, MinRateLimitRPM, MaxRateLimitRPM)
	}
	if p.WindowDurationSecs < MinRateLimitWindowSecs || p.WindowDurationSecs > MaxRateLimitWindowSecs {
		return invalidf("rate_limit.window_duration_secs", "%ds out of range [%d, %d]s", p.WindowDurationSecs, MinRateLimitWindowSecs, MaxRateLimitWindowSecs)
	}
	if !p.Scope.Valid() {
		return invalidf("rate_limit.scope", "unknown scope %q", p.Scope)
	}
	if p.BurstAllowance < 0 {
		return invalidf("rate_limit.burst_allowance", "cannot be negative")
	}
	return nil
}

// ChallengePolicy arms a client challenge once the request rate crosses the
// trigger threshold. Challenge execution belongs to the HTTP firewall; the
// control plane only owns the configuration and the validity window.
type ChallengePolicy struct {
	Enabled          bool          `json:"enabled"`
	TriggerThreshold int64         `json:"trigger_threshold"`
	ChallengeType    ChallengeType `json:"challenge_type"`
	ValiditySecs     int64         `json:"validity_secs"`
}

func (p ChallengePolicy) Validate() error {
	if p.TriggerThreshold <= 0 {
		return invalidf("challenge_mode.trigger_threshold", "must be positive")
	}
	if !p.ChallengeType.Valid() {
		return invalidf("challenge_mode.challenge_type", "unknown type %q", p.ChallengeType)
	}
	if p.ValiditySecs <= 0 {
		return invalidf("challenge_mode.validity_secs", "must be positive")
	}
	return nil
}

// Policy is the per-domain protection configuration. Keyed by domain,
// exclusively owned by the policy store.
type Policy struct {
	Domain            string           `json:"domain"`
	Enabled           bool             `json:"enabled"`
	SynThreshold      int64            `json:"syn_threshold"`
	UDPThreshold      int64            `json:"udp_threshold"`
	BlockDurationSecs int64            `json:"block_duration_secs"`
	RateLimit         *RateLimitPolicy `json:"rate_limit,omitempty"`
	ChallengeMode     *ChallengePolicy `json:"challenge_mode,omitempty"`
	Allowlist         []string         `json:"allowlist,omitempty"`
	Blocklist         []string         `json:"blocklist,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// DefaultPolicy returns the policy applied to a freshly onboarded domain.
func DefaultPolicy(name string, now time.Time) Policy {
	return Policy{
		Domain:            name,
		Enabled:           true,
		SynThreshold:      DefaultSynThreshold,
		UDPThreshold:      DefaultUDPThreshold,
		BlockDurationSecs: DefaultBlockDurationSecs,
		RateLimit: &RateLimitPolicy{
			Enabled:              true,
			MaxRequestsPerMinute: DefaultRateLimitRPM,
			WindowDurationSecs:   DefaultRateLimitWindow,
			Scope:                ScopePerIP,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (p Policy) Validate() error {
	if p.Domain == "" {
		return invalidf("domain", "cannot be empty")
	}
	if len(p.Domain) > MaxDomainLength {
		return invalidf("domain", "%d chars exceeds max %d", len(p.Domain), MaxDomainLength)
	}
	if p.SynThreshold < MinSynThreshold || p.SynThreshold > MaxSynThreshold {
		return invalidf("syn_threshold", "%d out of range [%d, %d]", p.SynThreshold, MinSynThreshold, MaxSynThreshold)
	}
	if p.UDPThreshold < MinUDPThreshold || p.UDPThreshold > MaxUDPThreshold {
		return invalidf("udp_threshold", "%d out of range [%d, %d]", p.UDPThreshold, MinUDPThreshold, MaxUDPThreshold)
	}
	// Zero would make threshold breaches permanent blocks; permanent blocks
	// are created explicitly through the registry, never by policy.
	if p.BlockDurationSecs < MinBlockDurationSecs || p.BlockDurationSecs > MaxBlockDurationSecs {
		return invalidf("block_duration_secs", "%ds out of range [%d, %d]s", p.BlockDurationSecs, MinBlockDurationSecs, MaxBlockDurationSecs)
	}
	if p.RateLimit != nil {
		if err := p.RateLimit.Validate(); err != nil {
			return err
		}
	}
	if p.ChallengeMode != nil {
		if err := p.ChallengeMode.Validate(); err != nil {
			return err
		}
	}
	for _, ip := range p.Allowlist {
		if err := ValidateIPOrCIDR(ip); err != nil {
			return invalidf("allowlist", "%v", err)
		}
	}
	for _, ip := range p.Blocklist {
		if err := ValidateIPOrCIDR(ip); err != nil {
			return invalidf("blocklist", "%v", err)
		}
	}
	return nil
}

// ThresholdFor selects the packets-per-second threshold used to score a
// signal of the given attack type. Request-layer attacks fall back to the
// rate-limit budget expressed per second, then to the SYN threshold.
func (p Policy) ThresholdFor(t AttackType) int64 {
	switch t {
	case AttackSynFlood:
		return p.SynThreshold
	case AttackUDPFlood:
		return p.UDPThreshold
	default:
		if p.RateLimit != nil && p.RateLimit.Enabled && p.RateLimit.WindowDurationSecs > 0 {
			if rps := p.RateLimit.MaxRequestsPerMinute / 60; rps > 0 {
				return rps
			}
			return 1
		}
		return p.SynThreshold
	}
}

// PolicyUpdate is a partial policy change. Nil fields are left untouched;
// last writer wins per field.
type PolicyUpdate struct {
	Enabled           *bool            `json:"enabled,omitempty"`
	SynThreshold      *int64           `json:"syn_threshold,omitempty"`
	UDPThreshold      *int64           `json:"udp_threshold,omitempty"`
	BlockDurationSecs *int64           `json:"block_duration_secs,omitempty"`
	RateLimit         *RateLimitPolicy `json:"rate_limit,omitempty"`
	ChallengeMode     *ChallengePolicy `json:"challenge_mode,omitempty"`
	Allowlist         *[]string        `json:"allowlist,omitempty"`
	Blocklist         *[]string        `json:"blocklist,omitempty"`
}

func (u PolicyUpdate) Empty() bool {
	return u.Enabled == nil && u.SynThreshold == nil && u.UDPThreshold == nil &&
		u.BlockDurationSecs == nil && u.RateLimit == nil && u.ChallengeMode == nil &&
		u.Allowlist == nil && u.Blocklist == nil
}

// Apply merges the update into a copy of p and bumps UpdatedAt.
func (u PolicyUpdate) Apply(p Policy, now time.Time) Policy {
	if u.Enabled != nil {
		p.Enabled = *u.Enabled
	}
	if u.SynThreshold != nil {
		p.SynThreshold = *u.SynThreshold
	}
	if u.UDPThreshold != nil {
		p.UDPThreshold = *u.UDPThreshold
	}
	if u.BlockDurationSecs != nil {
		p.BlockDurationSecs = *u.BlockDurationSecs
	}
	if u.RateLimit != nil {
		rl := *u.RateLimit
		p.RateLimit = &rl
	}
	if u.ChallengeMode != nil {
		cm := *u.ChallengeMode
		p.ChallengeMode = &cm
	}
	if u.Allowlist != nil {
		p.Allowlist = append([]string(nil), (*u.Allowlist)...)
	}
	if u.Blocklist != nil {
		p.Blocklist = append([]string(nil), (*u.Blocklist)...)
	}
	p.UpdatedAt = now
	return p
}
