package ratelimit

import (
	"math"
	"time"
)

// State is the admission state of one (session, kind) pair.
type State struct {
	Tokens        float64   `json:"tokens"`
	LastRefill    time.Time `json:"lastRefill"`
	WindowStart   time.Time `json:"windowStart"`
	Count         int       `json:"count"`
	BurstUsed     int       `json:"burstUsed"`
	CooldownUntil time.Time `json:"cooldownUntil,omitempty"`
	Violations    int       `json:"violations"`
	LastViolation time.Time `json:"lastViolation,omitempty"`
	Blocked       bool      `json:"blocked"`
	BlockUntil    time.Time `json:"blockUntil,omitempty"`
	Extended      bool      `json:"extended,omitempty"`
}

func newState(rule Rule, now time.Time) *State {
	return &State{
		Tokens:      float64(rule.MaxMessages),
		LastRefill:  now,
		WindowStart: now,
	}
}

// Reason says why a decision came out the way it did.
type Reason int

const (
	ReasonAdmitted Reason = iota
	ReasonBurst
	ReasonBlocked
	ReasonCooldown
	ReasonExhausted
)

func (r Reason) String() string {
	switch r {
	case ReasonBurst:
		return "burst"
	case ReasonBlocked:
		return "blocked"
	case ReasonCooldown:
		return "cooldown"
	case ReasonExhausted:
		return "exhausted"
	default:
		return "admitted"
	}
}

// Escalation is the penalty a violation triggered, if any.
type Escalation int

const (
	EscalationNone Escalation = iota
	EscalationWarn
	EscalationBlock
	EscalationExtendedBlock
)

func (e Escalation) String() string {
	switch e {
	case EscalationWarn:
		return "warn"
	case EscalationBlock:
		return "block"
	case EscalationExtendedBlock:
		return "extended_block"
	default:
		return "none"
	}
}

// Decision is the result of one admission check.
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
	Remaining  int
	Violations int
	Escalation Escalation
}

// decide runs one admission check against st, mutating it.
//
// Order: active block, active cooldown, window reset, refill, token,
// burst, violation. Refill adds whole seconds only and carries the
// fractional remainder forward in LastRefill.
func decide(st *State, rule Rule, pen Penalties, now time.Time) Decision {
	if st.Blocked {
		if now.Before(st.BlockUntil) {
			return Decision{Reason: ReasonBlocked, RetryAfter: st.BlockUntil.Sub(now), Violations: st.Violations}
		}
		st.Blocked = false
		if st.Extended {
			st.Extended = false
			st.Violations = 0
		}
	}

	if !st.CooldownUntil.IsZero() {
		if now.Before(st.CooldownUntil) {
			return Decision{Reason: ReasonCooldown, RetryAfter: st.CooldownUntil.Sub(now), Violations: st.Violations}
		}
		st.CooldownUntil = time.Time{}
	}

	if st.Violations > 0 && now.Sub(st.LastViolation) > pen.Decay {
		st.Violations = 0
	}

	if rule.Window > 0 && now.Sub(st.WindowStart) >= rule.Window {
		st.WindowStart = now
		st.Count = 0
		st.BurstUsed = 0
	}

	capacity := float64(rule.MaxMessages)
	if elapsed := now.Sub(st.LastRefill); elapsed >= time.Second {
		secs := math.Floor(elapsed.Seconds())
		st.Tokens = math.Min(capacity, st.Tokens+secs*rule.refillPerSecond())
		st.LastRefill = st.LastRefill.Add(time.Duration(secs) * time.Second)
	}

	if st.Tokens >= 1 {
		st.Tokens--
		st.Count++
		return Decision{Allowed: true, Reason: ReasonAdmitted, Remaining: int(st.Tokens), Violations: st.Violations}
	}

	if st.BurstUsed < rule.BurstLimit {
		st.BurstUsed++
		st.Count++
		if st.BurstUsed == rule.BurstLimit && rule.Cooldown > 0 {
			st.CooldownUntil = now.Add(rule.Cooldown)
		}
		return Decision{Allowed: true, Reason: ReasonBurst, Violations: st.Violations}
	}

	st.Violations++
	st.LastViolation = now
	d := Decision{Reason: ReasonExhausted, RetryAfter: nextToken(st, rule, now), Violations: st.Violations}

	switch {
	case st.Violations >= pen.ExtendedAt:
		st.Blocked = true
		st.Extended = true
		st.BlockUntil = now.Add(pen.Extended)
		d.Escalation = EscalationExtendedBlock
		d.RetryAfter = pen.Extended
	case st.Violations == pen.BlockAt:
		st.Blocked = true
		st.BlockUntil = now.Add(pen.Block)
		d.Escalation = EscalationBlock
		d.RetryAfter = pen.Block
	case st.Violations == pen.WarnAt:
		d.Escalation = EscalationWarn
	}
	return d
}

// nextToken is the wait until the refill produces a whole token.
func nextToken(st *State, rule Rule, now time.Time) time.Duration {
	perSec := rule.refillPerSecond()
	if perSec <= 0 {
		return rule.Window
	}
	need := math.Ceil((1 - st.Tokens) / perSec)
	if need < 1 {
		need = 1
	}
	wait := st.LastRefill.Add(time.Duration(need) * time.Second).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// merge folds a mirrored state into a local one, keeping the stricter
// value of every field.
func merge(local, remote State, rule Rule) State {
	capacity := float64(rule.MaxMessages)
	out := local
	out.Tokens = math.Min(math.Min(local.Tokens, remote.Tokens), capacity)
	if out.Tokens < 0 {
		out.Tokens = 0
	}
	if remote.Violations > out.Violations {
		out.Violations = remote.Violations
		out.LastViolation = remote.LastViolation
	}
	if remote.BurstUsed > out.BurstUsed && !remote.WindowStart.Before(local.WindowStart.Add(-rule.Window)) {
		out.BurstUsed = remote.BurstUsed
	}
	if remote.CooldownUntil.After(out.CooldownUntil) {
		out.CooldownUntil = remote.CooldownUntil
	}
	if remote.Blocked && remote.BlockUntil.After(out.BlockUntil) {
		out.Blocked = true
		out.BlockUntil = remote.BlockUntil
		out.Extended = out.Extended || remote.Extended
	}
	return out
}
