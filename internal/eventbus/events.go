package eventbus

import (
	"encoding/json"
	"time"

	"rampart/internal/domain"
)

// Type discriminates the live-event union on the wire.
type Type string

const (
	TypeAttackDetected  Type = "attack_detected"
	TypeAttackMitigated Type = "attack_mitigated"
	TypeIPBlocked       Type = "ip_blocked"
	TypeIPUnblocked     Type = "ip_unblocked"
	TypeRateLimited     Type = "rate_limited"
	TypePolicyUpdated   Type = "policy_updated"
	TypeStatsUpdate     Type = "stats_update"

	// TypeEventsDropped is synthetic: it tells a subscriber that its own
	// queue overflowed and events were discarded for it.
	TypeEventsDropped Type = "events_dropped"
)

// Event is one state transition. Every variant carries the time the
// underlying state change was committed.
type Event interface {
	EventType() Type
	At() time.Time
}

type AttackDetected struct {
	Time   time.Time          `json:"-"`
	Attack domain.AttackEvent `json:"attack"`
}

func (AttackDetected) EventType() Type { return TypeAttackDetected }
func (e AttackDetected) At() time.Time { return e.Time }

type AttackMitigated struct {
	Time   time.Time          `json:"-"`
	Attack domain.AttackEvent `json:"attack"`
}

func (AttackMitigated) EventType() Type { return TypeAttackMitigated }
func (e AttackMitigated) At() time.Time { return e.Time }

type IPBlocked struct {
	Time  time.Time             `json:"-"`
	Entry domain.BlocklistEntry `json:"entry"`
}

func (IPBlocked) EventType() Type { return TypeIPBlocked }
func (e IPBlocked) At() time.Time { return e.Time }

type IPUnblocked struct {
	Time    time.Time `json:"-"`
	IP      string    `json:"ip"`
	Domain  string    `json:"domain,omitempty"`
	Expired bool      `json:"expired,omitempty"`
}

func (IPUnblocked) EventType() Type { return TypeIPUnblocked }
func (e IPUnblocked) At() time.Time { return e.Time }

type RateLimited struct {
	Time       time.Time             `json:"-"`
	Domain     string                `json:"domain"`
	IP         string                `json:"ip"`
	Scope      domain.RateLimitScope `json:"scope"`
	RetryAfter float64               `json:"retry_after_secs"`
}

func (RateLimited) EventType() Type { return TypeRateLimited }
func (e RateLimited) At() time.Time { return e.Time }

type PolicyUpdated struct {
	Time    time.Time `json:"-"`
	Domain  string    `json:"domain"`
	Deleted bool      `json:"deleted,omitempty"`
}

func (PolicyUpdated) EventType() Type { return TypePolicyUpdated }
func (e PolicyUpdated) At() time.Time { return e.Time }

type StatsUpdate struct {
	Time  time.Time          `json:"-"`
	Stats domain.GlobalStats `json:"stats"`
}

func (StatsUpdate) EventType() Type { return TypeStatsUpdate }
func (e StatsUpdate) At() time.Time { return e.Time }

type EventsDropped struct {
	Time  time.Time `json:"-"`
	Count int       `json:"count"`
}

func (EventsDropped) EventType() Type { return TypeEventsDropped }
func (e EventsDropped) At() time.Time { return e.Time }

type wireEvent struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Marshal renders an event in its wire shape:
// {"type": ..., "timestamp": ..., "data": {...}}.
func Marshal(e Event) ([]byte, error) {
	return json.Marshal(wireEvent{Type: e.EventType(), Timestamp: e.At(), Data: e})
}
