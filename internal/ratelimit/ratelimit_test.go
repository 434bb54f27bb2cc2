package ratelimit

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CavellTopDev/pitchey-app-sub004/internal/clock"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/store"
)

var t0 = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestLimiter(clk clock.Clock, rules map[string]Rule) *Limiter {
	return NewLimiter(Config{Rules: rules, Clock: clk, Logger: zerolog.Nop()})
}

func TestBurstThenCooldown(t *testing.T) {
	clk := clock.NewManual(t0)
	l := newTestLimiter(clk, map[string]Rule{
		"chat": {MaxMessages: 10, Window: 60 * time.Second, BurstLimit: 3, Cooldown: 30 * time.Second},
	})

	for i := 1; i <= 10; i++ {
		d := l.Allow("s1", "chat")
		require.True(t, d.Allowed, "message %d", i)
		assert.Equal(t, ReasonAdmitted, d.Reason)
	}
	for i := 11; i <= 13; i++ {
		d := l.Allow("s1", "chat")
		require.True(t, d.Allowed, "message %d", i)
		assert.Equal(t, ReasonBurst, d.Reason)
	}

	d := l.Allow("s1", "chat")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonCooldown, d.Reason)
	assert.Equal(t, 30*time.Second, d.RetryAfter)

	st, ok := l.State("s1", "chat")
	require.True(t, ok)
	assert.Zero(t, st.Violations, "cooldown rejections are not violations")
}

func TestBlockAfterFiveViolations(t *testing.T) {
	clk := clock.NewManual(t0)
	l := newTestLimiter(clk, map[string]Rule{
		"chat": {MaxMessages: 1, Window: time.Minute},
	})

	require.True(t, l.Allow("s1", "chat").Allowed)

	var last Decision
	escalations := make([]Escalation, 0, 5)
	for i := 0; i < 5; i++ {
		last = l.Allow("s1", "chat")
		require.False(t, last.Allowed)
		escalations = append(escalations, last.Escalation)
	}
	assert.Equal(t, []Escalation{EscalationNone, EscalationNone, EscalationWarn, EscalationNone, EscalationBlock}, escalations)
	assert.Equal(t, 5*time.Minute, last.RetryAfter)

	st, _ := l.State("s1", "chat")
	assert.True(t, st.Blocked)
	assert.Equal(t, t0.Add(5*time.Minute), st.BlockUntil)

	clk.Advance(5*time.Minute - time.Second)
	d := l.Allow("s1", "chat")
	assert.Equal(t, ReasonBlocked, d.Reason)
	assert.Equal(t, time.Second, d.RetryAfter)

	clk.Advance(time.Second)
	require.True(t, l.Allow("s1", "chat").Allowed, "block lifts after exactly five minutes")

	d = l.Allow("s1", "chat")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonExhausted, d.Reason)
	assert.Equal(t, 6, d.Violations)
	assert.Equal(t, EscalationNone, d.Escalation, "sixth violation does not re-block")

	st, _ = l.State("s1", "chat")
	assert.False(t, st.Blocked)
}

func TestExtendedBlockAtTenViolations(t *testing.T) {
	clk := clock.NewManual(t0)
	l := newTestLimiter(clk, map[string]Rule{
		"chat": {MaxMessages: 1, Window: time.Minute},
	})

	l.Allow("s1", "chat")
	for i := 0; i < 5; i++ {
		l.Allow("s1", "chat")
	}
	clk.Advance(5 * time.Minute)
	l.Allow("s1", "chat")

	var d Decision
	for i := 6; i <= 10; i++ {
		d = l.Allow("s1", "chat")
		require.Equal(t, i, d.Violations)
	}
	assert.Equal(t, EscalationExtendedBlock, d.Escalation)
	assert.Equal(t, 30*time.Minute, d.RetryAfter)

	clk.Advance(30 * time.Minute)
	require.True(t, l.Allow("s1", "chat").Allowed)
	d = l.Allow("s1", "chat")
	assert.Equal(t, 1, d.Violations, "count restarts after an extended block")
}

func TestViolationsDecay(t *testing.T) {
	clk := clock.NewManual(t0)
	l := newTestLimiter(clk, map[string]Rule{
		"chat": {MaxMessages: 1, Window: time.Minute},
	})

	l.Allow("s1", "chat")
	l.Allow("s1", "chat")
	assert.Equal(t, 2, l.Allow("s1", "chat").Violations)

	clk.Advance(11 * time.Minute)
	require.True(t, l.Allow("s1", "chat").Allowed)
	assert.Equal(t, 1, l.Allow("s1", "chat").Violations)
}

func TestRefillUsesWholeSeconds(t *testing.T) {
	clk := clock.NewManual(t0)
	l := newTestLimiter(clk, map[string]Rule{
		"chat": {MaxMessages: 2, Window: 2 * time.Second},
	})

	l.Allow("s1", "chat")
	l.Allow("s1", "chat")

	clk.Advance(900 * time.Millisecond)
	assert.False(t, l.Allow("s1", "chat").Allowed)

	clk.Advance(100 * time.Millisecond)
	assert.True(t, l.Allow("s1", "chat").Allowed)
}

func TestTokensStayWithinCapacity(t *testing.T) {
	clk := clock.NewManual(t0)
	rule := Rule{MaxMessages: 10, Window: time.Minute, BurstLimit: 3, Cooldown: 5 * time.Second}
	l := newTestLimiter(clk, map[string]Rule{"chat": rule})

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		clk.Advance(time.Duration(rng.Intn(20000)) * time.Millisecond)
		for n := 1 + rng.Intn(6); n > 0; n-- {
			l.Allow("s1", "chat")
		}
		st, ok := l.State("s1", "chat")
		require.True(t, ok)
		require.GreaterOrEqual(t, st.Tokens, 0.0)
		require.LessOrEqual(t, st.Tokens, float64(rule.MaxMessages))
	}
}

func TestUnknownKindUsesDefault(t *testing.T) {
	l := newTestLimiter(clock.NewManual(t0), nil)
	assert.Equal(t, DefaultRules()[KindDefault], l.Rule("not_a_kind"))
	assert.True(t, l.Allow("s1", "not_a_kind").Allowed)
}

func TestUnlimitedKindKeepsNoState(t *testing.T) {
	l := newTestLimiter(clock.NewManual(t0), nil)

	for i := 0; i < 1000; i++ {
		require.True(t, l.Allow("s1", KindSystem).Allowed)
	}
	_, ok := l.State("s1", KindSystem)
	assert.False(t, ok)
	assert.Zero(t, l.Stats().Tracked)

	allocs := testing.AllocsPerRun(100, func() {
		l.Allow("s1", KindSystem)
	})
	assert.Zero(t, allocs)
}

func TestSessionsAreIndependent(t *testing.T) {
	l := newTestLimiter(clock.NewManual(t0), map[string]Rule{
		"chat": {MaxMessages: 1, Window: time.Minute},
	})
	require.True(t, l.Allow("s1", "chat").Allowed)
	require.False(t, l.Allow("s1", "chat").Allowed)
	require.True(t, l.Allow("s2", "chat").Allowed)

	l.Forget("s1")
	require.True(t, l.Allow("s1", "chat").Allowed)
}

func TestOnDecisionSeesRejections(t *testing.T) {
	var seen []Decision
	l := NewLimiter(Config{
		Rules:      map[string]Rule{"chat": {MaxMessages: 1, Window: time.Minute}},
		Clock:      clock.NewManual(t0),
		Logger:     zerolog.Nop(),
		OnDecision: func(_, _ string, d Decision) { seen = append(seen, d) },
	})
	l.Allow("s1", "chat")
	l.Allow("s1", "chat")
	require.Len(t, seen, 1)
	assert.Equal(t, ReasonExhausted, seen[0].Reason)

	stats := l.Stats()
	assert.EqualValues(t, 1, stats.Admitted)
	assert.EqualValues(t, 1, stats.Rejected)
	assert.EqualValues(t, 1, stats.Violations)
}

func TestRestoreKeepsStricterState(t *testing.T) {
	clk := clock.NewManual(t0)
	rules := map[string]Rule{"chat": {MaxMessages: 1, Window: time.Minute}}

	a := newTestLimiter(clk, rules)
	a.Allow("s1", "chat")
	for i := 0; i < 5; i++ {
		a.Allow("s1", "chat")
	}

	b := newTestLimiter(clk, rules)
	b.Restore("s2", a.Snapshot("s1"))

	d := b.Allow("s2", "chat")
	assert.Equal(t, ReasonBlocked, d.Reason)
	assert.Equal(t, 5*time.Minute, d.RetryAfter)
}

func TestMergeNeverRaisesTokens(t *testing.T) {
	rule := Rule{MaxMessages: 10, Window: time.Minute}
	local := State{Tokens: 3}
	remote := State{Tokens: 50, Violations: 4, LastViolation: t0}

	out := merge(local, remote, rule)
	assert.Equal(t, 3.0, out.Tokens)
	assert.Equal(t, 4, out.Violations)
	assert.Equal(t, t0, out.LastViolation)
}

func TestMirrorRoundTrip(t *testing.T) {
	clk := clock.NewManual(t0)
	kv := store.NewMemory(clk)
	m := NewMirror(kv, time.Minute, "i1", clk)
	ctx := context.Background()

	in := map[string]State{
		"chat":   {Tokens: 2, Violations: 3, LastViolation: t0, WindowStart: t0, LastRefill: t0},
		"typing": {Tokens: 5, WindowStart: t0, LastRefill: t0},
	}
	require.NoError(t, m.Save(ctx, "u1", in))

	out, err := m.Load(ctx, "u1", []string{"chat", "typing", "auth"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 3, out["chat"].Violations)
	assert.True(t, out["chat"].LastViolation.Equal(t0))
	assert.Equal(t, 5.0, out["typing"].Tokens)

	clk.Advance(2 * time.Minute)
	out, err = m.Load(ctx, "u1", []string{"chat"})
	require.NoError(t, err)
	assert.Empty(t, out, "mirrored state expires")
}

func TestConnectionLimiterPerAddr(t *testing.T) {
	clk := clock.NewManual(t0)
	var rejects []string
	c := NewConnectionLimiter(ConnectionLimiterConfig{
		AddrBurst: 2,
		AddrRate:  1,
		Clock:     clk,
		Logger:    zerolog.Nop(),
		OnReject:  func(scope string) { rejects = append(rejects, scope) },
	})

	assert.True(t, c.Allow("10.0.0.1"))
	assert.True(t, c.Allow("10.0.0.1"))
	assert.False(t, c.Allow("10.0.0.1"))
	assert.True(t, c.Allow("10.0.0.2"))
	assert.Equal(t, []string{"per_addr"}, rejects)

	clk.Advance(time.Second)
	assert.True(t, c.Allow("10.0.0.1"))
}

func TestConnectionLimiterGlobal(t *testing.T) {
	clk := clock.NewManual(t0)
	c := NewConnectionLimiter(ConnectionLimiterConfig{
		GlobalBurst: 3,
		GlobalRate:  1,
		Clock:       clk,
		Logger:      zerolog.Nop(),
	})
	for i, addr := range []string{"a", "b", "c"} {
		require.True(t, c.Allow(addr), "attempt %d", i)
	}
	assert.False(t, c.Allow("d"))
	assert.Equal(t, 3, c.Stats().TrackedAddrs)
}

func TestConnectionLimiterCleanup(t *testing.T) {
	clk := clock.NewManual(t0)
	c := NewConnectionLimiter(ConnectionLimiterConfig{AddrTTL: time.Minute, Clock: clk, Logger: zerolog.Nop()})
	c.Allow("a")
	clk.Advance(30 * time.Second)
	c.Allow("b")
	clk.Advance(31 * time.Second)

	assert.Equal(t, 1, c.Cleanup())
	assert.Equal(t, 1, c.Stats().TrackedAddrs)
}
