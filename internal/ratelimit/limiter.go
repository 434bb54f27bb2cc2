package ratelimit

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/CavellTopDev/pitchey-app-sub004/internal/clock"
)

const limiterShards = 16

type limiterShard struct {
	mu       sync.Mutex
	sessions map[string]map[string]*State
}

// Config configures a Limiter.
type Config struct {
	// Rules by kind name. Kinds without a rule use the KindDefault rule.
	Rules     map[string]Rule
	Penalties Penalties
	Clock     clock.Clock
	Logger    zerolog.Logger

	// OnDecision sees every rejected decision and every escalation.
	OnDecision func(sessionID, kind string, d Decision)
}

// Limiter is the per-(session, kind) token bucket admission check.
// State lives in memory and is created on a session's first message of a
// kind.
type Limiter struct {
	rules      map[string]Rule
	fallback   Rule
	penalties  Penalties
	clock      clock.Clock
	logger     zerolog.Logger
	onDecision func(sessionID, kind string, d Decision)

	shards [limiterShards]limiterShard

	admitted   atomic.Int64
	rejected   atomic.Int64
	violations atomic.Int64
	blocks     atomic.Int64
}

func NewLimiter(cfg Config) *Limiter {
	rules := cfg.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	fallback, ok := rules[KindDefault]
	if !ok {
		fallback = DefaultRules()[KindDefault]
	}

	l := &Limiter{
		rules:      rules,
		fallback:   fallback,
		penalties:  cfg.Penalties.withDefaults(),
		clock:      clock.Or(cfg.Clock),
		logger:     cfg.Logger.With().Str("component", "rate_limiter").Logger(),
		onDecision: cfg.OnDecision,
	}
	for i := range l.shards {
		l.shards[i].sessions = make(map[string]map[string]*State)
	}
	return l
}

func (l *Limiter) shard(sessionID string) *limiterShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return &l.shards[h.Sum32()%limiterShards]
}

// Rule returns the rule applied to kind.
func (l *Limiter) Rule(kind string) Rule {
	if r, ok := l.rules[kind]; ok {
		return r
	}
	return l.fallback
}

// Kinds returns every kind with an explicit, limited rule.
func (l *Limiter) Kinds() []string {
	out := make([]string, 0, len(l.rules))
	for k, r := range l.rules {
		if !r.Unlimited {
			out = append(out, k)
		}
	}
	return out
}

// Allow consumes one admission for the session and kind.
func (l *Limiter) Allow(sessionID, kind string) Decision {
	rule := l.Rule(kind)
	if rule.Unlimited {
		return Decision{Allowed: true}
	}

	now := l.clock.Now()
	sh := l.shard(sessionID)
	sh.mu.Lock()
	kinds, ok := sh.sessions[sessionID]
	if !ok {
		kinds = make(map[string]*State)
		sh.sessions[sessionID] = kinds
	}
	st, ok := kinds[kind]
	if !ok {
		st = newState(rule, now)
		kinds[kind] = st
	}
	d := decide(st, rule, l.penalties, now)
	sh.mu.Unlock()

	if d.Allowed {
		l.admitted.Add(1)
		return d
	}

	l.rejected.Add(1)
	if d.Reason == ReasonExhausted {
		l.violations.Add(1)
	}

	switch d.Escalation {
	case EscalationWarn:
		l.logger.Warn().
			Str("session_id", sessionID).
			Str("kind", kind).
			Int("violations", d.Violations).
			Msg("Repeated rate limit violations")
	case EscalationBlock, EscalationExtendedBlock:
		l.blocks.Add(1)
		l.logger.Warn().
			Str("session_id", sessionID).
			Str("kind", kind).
			Int("violations", d.Violations).
			Str("escalation", d.Escalation.String()).
			Dur("block", d.RetryAfter).
			Msg("Session blocked for kind")
	}

	if l.onDecision != nil {
		l.onDecision(sessionID, kind, d)
	}
	return d
}

// State returns a copy of the state for the session and kind.
func (l *Limiter) State(sessionID, kind string) (State, bool) {
	sh := l.shard(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.sessions[sessionID][kind]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Snapshot copies every state held for a session.
func (l *Limiter) Snapshot(sessionID string) map[string]State {
	sh := l.shard(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	kinds := sh.sessions[sessionID]
	out := make(map[string]State, len(kinds))
	for k, st := range kinds {
		out[k] = *st
	}
	return out
}

// Restore merges mirrored states into the session, keeping the stricter
// value of each field.
func (l *Limiter) Restore(sessionID string, states map[string]State) {
	if len(states) == 0 {
		return
	}
	now := l.clock.Now()
	sh := l.shard(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	kinds, ok := sh.sessions[sessionID]
	if !ok {
		kinds = make(map[string]*State)
		sh.sessions[sessionID] = kinds
	}
	for kind, remote := range states {
		rule := l.Rule(kind)
		if rule.Unlimited {
			continue
		}
		local, ok := kinds[kind]
		if !ok {
			local = newState(rule, now)
			kinds[kind] = local
		}
		merged := merge(*local, remote, rule)
		*local = merged
	}
}

// Forget drops all state for a session.
func (l *Limiter) Forget(sessionID string) {
	sh := l.shard(sessionID)
	sh.mu.Lock()
	delete(sh.sessions, sessionID)
	sh.mu.Unlock()
}

// Stats are cumulative counters since start.
type Stats struct {
	Admitted   int64 `json:"admitted"`
	Rejected   int64 `json:"rejected"`
	Violations int64 `json:"violations"`
	Blocks     int64 `json:"blocks"`
	Tracked    int   `json:"trackedSessions"`
}

func (l *Limiter) Stats() Stats {
	tracked := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		tracked += len(sh.sessions)
		sh.mu.Unlock()
	}
	return Stats{
		Admitted:   l.admitted.Load(),
		Rejected:   l.rejected.Load(),
		Violations: l.violations.Load(),
		Blocks:     l.blocks.Load(),
		Tracked:    tracked,
	}
}
