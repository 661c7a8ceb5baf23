package domain

import "time"

// GlobalStats is a point-in-time snapshot. The total counters only ever
// increase; the gauges track current cardinality and are recomputed on read.
type GlobalStats struct {
	TotalRequests    int64 `json:"total_requests"`
	TotalBlocked     int64 `json:"total_blocked"`
	TotalRateLimited int64 `json:"total_rate_limited"`
	TotalAttacks     int64 `json:"total_attacks"`

	ChallengesIssued int64 `json:"challenges_issued"`
	ChallengesPassed int64 `json:"challenges_passed"`
	ChallengesFailed int64 `json:"challenges_failed"`

	ActiveAttacks int64 `json:"active_attacks"`
	BlockedIPs    int64 `json:"blocked_ips"`
	AllowedIPs    int64 `json:"allowed_ips"`

	AttacksByType map[AttackType]int64 `json:"attacks_by_type,omitempty"`

	DropRate   float64   `json:"drop_rate"`
	UptimeSecs int64     `json:"uptime_secs"`
	Timestamp  time.Time `json:"timestamp"`
}

// DomainStats is the per-domain counter set.
type DomainStats struct {
	Domain           string    `json:"domain"`
	TotalRequests    int64     `json:"total_requests"`
	TotalBlocked     int64     `json:"total_blocked"`
	TotalRateLimited int64     `json:"total_rate_limited"`
	TotalAttacks     int64     `json:"total_attacks"`
	ChallengesIssued int64     `json:"challenges_issued"`
	ChallengesPassed int64     `json:"challenges_passed"`
	DropRate         float64   `json:"drop_rate"`
	Timestamp        time.Time `json:"timestamp"`
}

// TopAttacker ranks a source IP by attack count over the retained window.
type TopAttacker struct {
	IP                string     `json:"ip"`
	AttackCount       int64      `json:"attack_count"`
	TotalPackets      int64      `json:"total_packets"`
	PrimaryAttackType AttackType `json:"primary_attack_type"`
	LastAttack        time.Time  `json:"last_attack"`
	Blocked           bool       `json:"blocked"`
}

// DropRate computes blocked/requests as a percentage, 0 when no requests.
func DropRate(blocked, requests int64) float64 {
	if requests <= 0 {
		return 0
	}
	return float64(blocked) / float64(requests) * 100
}
