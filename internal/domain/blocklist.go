package domain

import "time"

// BlockSource identifies which part of the pipeline asked for a block.
type BlockSource string

const (
	SourceManual       BlockSource = "manual"
	SourceKernelFilter BlockSource = "kernel_filter"
	SourceWAF          BlockSource = "waf"
	SourceRateLimiter  BlockSource = "rate_limiter"
	SourceThreatIntel  BlockSource = "threat_intel"
	SourceAuto         BlockSource = "auto"
)

func (s BlockSource) Valid() bool {
	switch s {
	case SourceManual, SourceKernelFilter, SourceWAF, SourceRateLimiter, SourceThreatIntel, SourceAuto:
		return true
	}
	return false
}

// BlocklistEntry is one blocked address or prefix. Domain is empty for the
// global scope. A zero ExpiresAt means the block is permanent.
type BlocklistEntry struct {
	IP        string      `json:"ip"`
	Reason    string      `json:"reason"`
	Source    BlockSource `json:"source"`
	Domain    string      `json:"domain,omitempty"`
	BlockedAt time.Time   `json:"blocked_at"`
	ExpiresAt time.Time   `json:"expires_at,omitempty"`
}

func (e BlocklistEntry) Permanent() bool { return e.ExpiresAt.IsZero() }

// Expired reports whether the expiry has passed. Permanent entries never
// expire.
func (e BlocklistEntry) Expired(now time.Time) bool {
	return !e.Permanent() && !e.ExpiresAt.After(now)
}

// AllowlistEntry is explicit trust for an address or prefix. Allowlist
// membership always overrides any block for the same address.
type AllowlistEntry struct {
	IP      string    `json:"ip"`
	Reason  string    `json:"reason"`
	Domain  string    `json:"domain,omitempty"`
	AddedAt time.Time `json:"added_at"`
}
