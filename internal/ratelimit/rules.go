// Package ratelimit admits or rejects inbound messages per session and
// message kind, and throttles handshakes per client address.
package ratelimit

import "time"

// Rule configures admission for one message kind.
type Rule struct {
	// Unlimited kinds are always admitted and keep no state.
	Unlimited bool

	// MaxMessages is the bucket capacity, refilled evenly across Window.
	MaxMessages int
	Window      time.Duration

	// BurstLimit extra admissions are allowed once the bucket is empty.
	// Using the last one starts Cooldown.
	BurstLimit int
	Cooldown   time.Duration
}

func (r Rule) refillPerSecond() float64 {
	secs := r.Window.Seconds()
	if secs <= 0 {
		return float64(r.MaxMessages)
	}
	return float64(r.MaxMessages) / secs
}

// Penalties escalate repeated violations of one rule.
type Penalties struct {
	WarnAt     int           // 3
	BlockAt    int           // 5
	ExtendedAt int           // 10
	Block      time.Duration // 5m
	Extended   time.Duration // 30m

	// Decay clears the violation count after this long without a new
	// violation.
	Decay time.Duration // 10m
}

func (p Penalties) withDefaults() Penalties {
	if p.WarnAt <= 0 {
		p.WarnAt = 3
	}
	if p.BlockAt <= 0 {
		p.BlockAt = 5
	}
	if p.ExtendedAt <= 0 {
		p.ExtendedAt = 10
	}
	if p.Block <= 0 {
		p.Block = 5 * time.Minute
	}
	if p.Extended <= 0 {
		p.Extended = 30 * time.Minute
	}
	if p.Decay <= 0 {
		p.Decay = 10 * time.Minute
	}
	return p
}

// Rule names that are not message kinds.
const (
	KindDefault  = "default"
	KindSecurity = "security"
	KindSystem   = "system"
)

// DefaultRules is the per-kind table used when none is configured. Keys
// are wire kind names plus the pseudo kinds above.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		KindDefault:  {MaxMessages: 60, Window: time.Minute, BurstLimit: 10, Cooldown: 10 * time.Second},
		KindSecurity: {MaxMessages: 3, Window: 5 * time.Minute},
		KindSystem:   {Unlimited: true},

		"ping":              {MaxMessages: 60, Window: time.Minute, BurstLimit: 10, Cooldown: 10 * time.Second},
		"pong":              {MaxMessages: 60, Window: time.Minute, BurstLimit: 10, Cooldown: 10 * time.Second},
		"auth":              {MaxMessages: 5, Window: time.Minute, BurstLimit: 2, Cooldown: time.Minute},
		"subscribe":         {MaxMessages: 30, Window: time.Minute, BurstLimit: 10, Cooldown: 30 * time.Second},
		"unsubscribe":       {MaxMessages: 30, Window: time.Minute, BurstLimit: 10, Cooldown: 30 * time.Second},
		"notification_read": {MaxMessages: 60, Window: time.Minute, BurstLimit: 20, Cooldown: 10 * time.Second},
		"typing_start":      {MaxMessages: 20, Window: 10 * time.Second, BurstLimit: 5, Cooldown: 5 * time.Second},
		"typing_stop":       {MaxMessages: 20, Window: 10 * time.Second, BurstLimit: 5, Cooldown: 5 * time.Second},
		"message_send":      {MaxMessages: 30, Window: time.Minute, BurstLimit: 10, Cooldown: 30 * time.Second},
		"message_read":      {MaxMessages: 100, Window: time.Minute, BurstLimit: 20, Cooldown: 10 * time.Second},
		"draft_sync":        {MaxMessages: 60, Window: time.Minute, BurstLimit: 20, Cooldown: 10 * time.Second},
		"presence_update":   {MaxMessages: 10, Window: time.Minute, BurstLimit: 3, Cooldown: 30 * time.Second},
		"upload_progress":   {MaxMessages: 120, Window: time.Minute, BurstLimit: 30, Cooldown: 5 * time.Second},
	}
}
