package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CavellTopDev/pitchey-app-sub004/internal/clock"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/protocol"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/store"
)

var t0 = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

type fakeDeliverer struct {
	mu     sync.Mutex
	failOn map[string]error
	got    map[string][]string
	before func(messageID string)
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{failOn: map[string]error{}, got: map[string][]string{}}
}

func (f *fakeDeliverer) Deliver(_ context.Context, userID string, data []byte) error {
	env, err := protocol.Parse(data)
	if err != nil {
		return err
	}
	if f.before != nil {
		f.before(env.MessageID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[userID]; err != nil {
		return err
	}
	f.got[userID] = append(f.got[userID], env.MessageID)
	return nil
}

func (f *fakeDeliverer) delivered(userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got[userID]...)
}

type fakePresence struct {
	mu     sync.Mutex
	online map[string]bool
}

func (p *fakePresence) Reachable(_ context.Context, userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

func (p *fakePresence) set(userID string, online bool) {
	p.mu.Lock()
	p.online[userID] = online
	p.mu.Unlock()
}

type fixture struct {
	clk *clock.Manual
	d   *fakeDeliverer
	p   *fakePresence
	q   *Queue
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		clk: clock.NewManual(t0),
		d:   newFakeDeliverer(),
		p:   &fakePresence{online: map[string]bool{}},
	}
	cfg.Clock = f.clk
	cfg.Logger = zerolog.Nop()
	f.q = New(cfg, f.d, f.p)
	return f
}

func envelope(id string) *protocol.Envelope {
	return &protocol.Envelope{Type: protocol.KindNotification, MessageID: id, Payload: []byte(`{"title":"hi"}`)}
}

func (f *fixture) enqueue(t *testing.T, user, id string, pri Priority, opts Options) Result {
	t.Helper()
	res, err := f.q.Enqueue(context.Background(), user, envelope(id), pri, opts)
	require.NoError(t, err)
	return res
}

func TestEnqueueDeliversToReachableUser(t *testing.T) {
	f := newFixture(Config{})
	f.p.set("u1", true)

	res := f.enqueue(t, "u1", "m1", PriorityNormal, Options{})
	assert.True(t, res.Delivered)
	assert.False(t, res.Queued)
	assert.Equal(t, []string{"m1"}, f.d.delivered("u1"))
	assert.Empty(t, f.q.Pending("u1"))
}

func TestEnqueueQueuesForOfflineUser(t *testing.T) {
	f := newFixture(Config{})
	res := f.enqueue(t, "u1", "m1", PriorityNormal, Options{})
	assert.True(t, res.Queued)
	assert.Empty(t, f.d.delivered("u1"))

	pending := f.q.Pending("u1")
	require.Len(t, pending, 1)
	assert.Equal(t, t0.Add(7*24*time.Hour), pending[0].ExpiresAt)
	assert.Equal(t, 3, pending[0].MaxAttempts)

	f.p.set("u1", true)
	r := f.q.Drain(context.Background(), "u1")
	assert.Equal(t, 1, r.Delivered)
	assert.Equal(t, []string{"m1"}, f.d.delivered("u1"))
	assert.Empty(t, f.q.Pending("u1"))
}

func TestEnqueueStampsMissingID(t *testing.T) {
	f := newFixture(Config{})
	env := &protocol.Envelope{Type: protocol.KindNotification}
	res, err := f.q.Enqueue(context.Background(), "u1", env, PriorityNormal, Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, res.MessageID)
	assert.Equal(t, res.MessageID, env.MessageID)
	assert.Equal(t, t0.UnixMilli(), env.Timestamp)

	_, err = f.q.Enqueue(context.Background(), "u1", envelope(res.MessageID), PriorityNormal, Options{})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()

	_, err := f.q.Enqueue(ctx, "u1", envelope("m1"), Priority(9), Options{})
	assert.ErrorIs(t, err, ErrInvalidPriority)

	_, err = f.q.Enqueue(ctx, "u1", envelope("m2"), PriorityNormal, Options{ExpiresAt: t0})
	assert.ErrorIs(t, err, ErrExpired)

	_, err = f.q.Enqueue(ctx, "", envelope("m3"), PriorityNormal, Options{})
	assert.Error(t, err)
}

func TestDrainOrder(t *testing.T) {
	f := newFixture(Config{})
	f.enqueue(t, "u1", "normal-1", PriorityNormal, Options{})
	f.clk.Advance(time.Millisecond)
	f.enqueue(t, "u1", "bulk", PriorityBulk, Options{})
	f.clk.Advance(time.Millisecond)
	f.enqueue(t, "u1", "critical", PriorityCritical, Options{})
	f.clk.Advance(time.Millisecond)
	f.enqueue(t, "u1", "normal-2", PriorityNormal, Options{})
	f.enqueue(t, "u1", "high", PriorityHigh, Options{})

	f.p.set("u1", true)
	f.q.Drain(context.Background(), "u1")
	assert.Equal(t, []string{"critical", "high", "normal-1", "normal-2", "bulk"}, f.d.delivered("u1"))
}

func TestDrainInBatches(t *testing.T) {
	f := newFixture(Config{BatchSize: 2})
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		f.enqueue(t, "u1", id, PriorityNormal, Options{})
	}
	r := f.q.Drain(context.Background(), "u1")
	assert.Equal(t, 5, r.Delivered)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, f.d.delivered("u1"))
}

func TestExpiredMessageIsNeverDelivered(t *testing.T) {
	f := newFixture(Config{})
	f.enqueue(t, "u1", "m1", PriorityCritical, Options{ExpiresAt: t0.Add(time.Minute)})

	f.clk.Advance(time.Minute)
	f.p.set("u1", true)
	r := f.q.Drain(context.Background(), "u1")

	assert.Equal(t, 1, r.Expired)
	assert.Zero(t, r.Delivered)
	assert.Empty(t, f.d.delivered("u1"))
	assert.Empty(t, f.q.Pending("u1"))
	assert.EqualValues(t, 1, f.q.Stats().Expired)
}

func TestRetriesThenFailsPermanently(t *testing.T) {
	f := newFixture(Config{})
	f.d.failOn["u1"] = errors.New("socket gone")
	ctx := context.Background()

	f.enqueue(t, "u1", "m1", PriorityNormal, Options{})

	r := f.q.Drain(ctx, "u1")
	assert.Equal(t, 1, r.Retried)
	p := f.q.Pending("u1")
	require.Len(t, p, 1)
	assert.Equal(t, 1, p[0].Attempts)
	assert.Equal(t, t0.Add(time.Second), p[0].ScheduledAt)

	assert.Zero(t, f.q.Drain(ctx, "u1").Total(), "not due during backoff")

	f.clk.Advance(time.Second)
	assert.Equal(t, 1, f.q.Drain(ctx, "u1").Retried)
	assert.Equal(t, f.clk.Now().Add(5*time.Second), f.q.Pending("u1")[0].ScheduledAt)

	f.clk.Advance(5 * time.Second)
	r = f.q.Drain(ctx, "u1")
	assert.Equal(t, 1, r.Failed)
	assert.Empty(t, f.q.Pending("u1"))

	failed := f.q.Failed("u1")
	require.Len(t, failed, 1)
	assert.Equal(t, StateFailed, failed[0].State)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Equal(t, "socket gone", failed[0].Reason)

	f.clk.Advance(time.Hour + time.Second)
	assert.Empty(t, f.q.Failed("u1"))
	assert.Equal(t, 1, f.q.Sweep(ctx).Pruned)
	assert.Zero(t, f.q.Stats().AuditHeld)
}

func TestImmediateFailureCountsAsAttempt(t *testing.T) {
	f := newFixture(Config{})
	f.p.set("u1", true)
	f.d.failOn["u1"] = errors.New("buffer full")

	res := f.enqueue(t, "u1", "m1", PriorityHigh, Options{})
	assert.True(t, res.Queued)
	p := f.q.Pending("u1")
	require.Len(t, p, 1)
	assert.Equal(t, 1, p[0].Attempts)

	f.p.set("u2", true)
	f.d.failOn["u2"] = errors.New("buffer full")
	res = f.enqueue(t, "u2", "m2", PriorityHigh, Options{MaxAttempts: 1})
	assert.True(t, res.Failed)
	assert.Len(t, f.q.Failed("u2"), 1)
}

func TestNewMessageWaitsBehindBackoff(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	f.p.set("u1", true)
	f.d.failOn["u1"] = errors.New("buffer full")
	f.enqueue(t, "u1", "m1", PriorityNormal, Options{})

	delete(f.d.failOn, "u1")
	res := f.enqueue(t, "u1", "m2", PriorityNormal, Options{})
	assert.True(t, res.Queued)
	assert.False(t, res.Delivered)
	assert.Empty(t, f.d.delivered("u1"))
	assert.Len(t, f.q.Pending("u1"), 2)

	f.clk.Advance(time.Second)
	assert.Equal(t, 2, f.q.RetryDue(ctx).Delivered)
	assert.Equal(t, []string{"m1", "m2"}, f.d.delivered("u1"))
}

func TestEnqueueBehindQueuedMessagesKeepsOrder(t *testing.T) {
	f := newFixture(Config{})
	f.enqueue(t, "u1", "m1", PriorityNormal, Options{})
	f.clk.Advance(time.Millisecond)

	f.p.set("u1", true)
	res := f.enqueue(t, "u1", "m2", PriorityNormal, Options{})
	assert.True(t, res.Delivered)
	assert.False(t, res.Queued)
	assert.Equal(t, []string{"m1", "m2"}, f.d.delivered("u1"))
	assert.Empty(t, f.q.Pending("u1"))
}

func TestFailedAttemptStopsDrain(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	f.enqueue(t, "u1", "m1", PriorityNormal, Options{})
	f.enqueue(t, "u1", "m2", PriorityNormal, Options{})

	f.d.failOn["u1"] = errors.New("socket gone")
	r := f.q.Drain(ctx, "u1")
	assert.Equal(t, 1, r.Retried)
	assert.Equal(t, 1, r.Total())

	p := f.q.Pending("u1")
	require.Len(t, p, 2)
	assert.Equal(t, "m1", p[0].ID)
	assert.Equal(t, 1, p[0].Attempts)
	assert.Zero(t, p[1].Attempts)
}

func TestBackoffTable(t *testing.T) {
	q := New(Config{Logger: zerolog.Nop()}, newFakeDeliverer(), nil)
	want := []time.Duration{time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, q.Backoff(i+1), "attempt %d", i+1)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	f.enqueue(t, "u1", "m1", PriorityNormal, Options{})
	f.enqueue(t, "u1", "m2", PriorityNormal, Options{})

	require.NoError(t, f.q.Cancel(ctx, "m1"))
	assert.ErrorIs(t, f.q.Cancel(ctx, "m1"), ErrNotFound)
	assert.ErrorIs(t, f.q.Cancel(ctx, "nope"), ErrNotFound)

	f.p.set("u1", true)
	f.q.Drain(ctx, "u1")
	assert.Equal(t, []string{"m2"}, f.d.delivered("u1"))
	assert.EqualValues(t, 1, f.q.Stats().Cancelled)
}

func TestCancelAfterClaimStopsDelivery(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	f.enqueue(t, "u1", "m1", PriorityHigh, Options{})
	f.enqueue(t, "u1", "m2", PriorityNormal, Options{})

	f.d.before = func(id string) {
		if id == "m1" {
			require.NoError(t, f.q.Cancel(ctx, "m2"))
		}
	}
	r := f.q.Drain(ctx, "u1")

	assert.Equal(t, []string{"m1"}, f.d.delivered("u1"))
	assert.Equal(t, 1, r.Delivered)
	assert.Equal(t, 1, r.Cancelled)
	assert.Empty(t, f.q.Pending("u1"))
}

func TestConcurrentDrainsNeverShareAMessage(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	f.enqueue(t, "u1", "m1", PriorityNormal, Options{})

	entered := make(chan struct{})
	release := make(chan struct{})
	f.d.before = func(string) {
		close(entered)
		<-release
	}

	done := make(chan DrainResult)
	go func() { done <- f.q.Drain(ctx, "u1") }()
	<-entered

	second := f.q.Drain(ctx, "u1")
	assert.Zero(t, second.Total())
	assert.Equal(t, 1, f.q.Stats().InFlight)

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Delivered)
	assert.Equal(t, []string{"m1"}, f.d.delivered("u1"))
}

func TestSweepRemovesExpired(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	f.d.failOn["u1"] = errors.New("down")
	f.enqueue(t, "u1", "m1", PriorityNormal, Options{ExpiresAt: t0.Add(time.Minute)})
	f.enqueue(t, "u1", "m2", PriorityNormal, Options{})
	f.q.Drain(ctx, "u1")

	f.clk.Advance(2 * time.Minute)
	res := f.q.Sweep(ctx)
	assert.Equal(t, 1, res.Expired)

	p := f.q.Pending("u1")
	require.Len(t, p, 1)
	assert.Equal(t, "m2", p[0].ID)
}

func TestScheduledMessageWaits(t *testing.T) {
	f := newFixture(Config{})
	ctx := context.Background()
	f.p.set("u1", true)

	res := f.enqueue(t, "u1", "m1", PriorityNormal, Options{ScheduledAt: t0.Add(10 * time.Second)})
	assert.True(t, res.Queued)
	assert.Zero(t, f.q.RetryDue(ctx).Total())

	f.clk.Advance(10 * time.Second)
	assert.Equal(t, 1, f.q.RetryDue(ctx).Delivered)
	assert.Equal(t, []string{"m1"}, f.d.delivered("u1"))
}

func TestRetryDueSkipsUnreachableUsers(t *testing.T) {
	f := newFixture(Config{})
	f.enqueue(t, "u1", "m1", PriorityNormal, Options{})
	assert.Zero(t, f.q.RetryDue(context.Background()).Total())
	assert.Len(t, f.q.Pending("u1"), 1)
}

func TestMirrorAndAdopt(t *testing.T) {
	clk := clock.NewManual(t0)
	kv := store.NewMemory(clk)
	ctx := context.Background()

	d1 := newFakeDeliverer()
	q1 := New(Config{Instance: "a", Clock: clk, Logger: zerolog.Nop(), KV: kv}, d1, &fakePresence{online: map[string]bool{}})
	_, err := q1.Enqueue(ctx, "u1", envelope("m1"), PriorityHigh, Options{})
	require.NoError(t, err)

	e, err := kv.Get(ctx, store.QueueKey("u1", "m1"))
	require.NoError(t, err)
	assert.Equal(t, "a", e.Instance)

	d2 := newFakeDeliverer()
	q2 := New(Config{Instance: "b", Clock: clk, Logger: zerolog.Nop(), KV: kv}, d2, nil)
	n, err := q2.Adopt(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = q2.Adopt(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n, "already held")

	p := q2.Pending("u1")
	require.Len(t, p, 1)
	assert.Equal(t, PriorityHigh, p[0].Priority)

	assert.Equal(t, 1, q2.Drain(ctx, "u1").Delivered)
	assert.Equal(t, []string{"m1"}, d2.delivered("u1"))

	_, err = kv.Get(ctx, store.QueueKey("u1", "m1"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStats(t *testing.T) {
	f := newFixture(Config{})
	f.enqueue(t, "u1", "a", PriorityCritical, Options{})
	f.enqueue(t, "u1", "b", PriorityLow, Options{})
	f.enqueue(t, "u2", "c", PriorityLow, Options{})

	s := f.q.Stats()
	assert.Equal(t, 3, s.Pending)
	assert.Equal(t, 2, s.Users)
	assert.Equal(t, 1, s.ByPriority["critical"])
	assert.Equal(t, 2, s.ByPriority["low"])
	assert.EqualValues(t, 3, s.Enqueued)
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("CRITICAL")
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, p)

	p, err = ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}
