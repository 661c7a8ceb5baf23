package domain

import "time"

// AttackType classifies the traffic pattern reported by the kernel filter.
type AttackType string

const (
	AttackSynFlood  AttackType = "syn_flood"
	AttackUDPFlood  AttackType = "udp_flood"
	AttackHTTPFlood AttackType = "http_flood"
	AttackSlowloris AttackType = "slowloris"
	AttackUnknown   AttackType = "unknown"
)

func (t AttackType) Valid() bool {
	switch t {
	case AttackSynFlood, AttackUDPFlood, AttackHTTPFlood, AttackSlowloris, AttackUnknown:
		return true
	}
	return false
}

// AttackEvent is one classified attack. Signals for the same source, domain
// and type inside the coalescing window update the same event instead of
// creating a storm of new ones. Mitigated flips true once the registry
// confirms a corresponding block exists.
type AttackEvent struct {
	ID               string     `json:"id"`
	AttackType       AttackType `json:"attack_type"`
	SourceIP         string     `json:"source_ip"`
	TargetDomain     string     `json:"target_domain,omitempty"`
	PacketsPerSecond int64      `json:"packets_per_second"`
	Severity         int        `json:"severity"`
	Country          string     `json:"country,omitempty"`
	Mitigated        bool       `json:"mitigated"`
	Timestamp        time.Time  `json:"timestamp"`
}

// SeverityBand maps a 0-100 severity onto the display bands. Presentation
// only; blocking decisions never consult the band.
func SeverityBand(severity int) string {
	switch {
	case severity < 40:
		return "low"
	case severity < 60:
		return "medium"
	case severity < 80:
		return "high"
	default:
		return "critical"
	}
}
