package faults

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CavellTopDev/pitchey-app-sub004/internal/clock"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeReporter struct {
	mu   sync.Mutex
	recs []Record
}

func (f *fakeReporter) Report(_ context.Context, rec Record) {
	f.mu.Lock()
	f.recs = append(f.recs, rec)
	f.mu.Unlock()
}

func (f *fakeReporter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recs)
}

func newTestHandler(clk clock.Clock, rep Reporter) *Handler {
	return NewHandler(HandlerConfig{Clock: clk, Logger: zerolog.Nop(), Reporter: rep})
}

func TestCatalogIsComplete(t *testing.T) {
	for _, c := range Codes() {
		assert.NotEmpty(t, c.Name(), "code %d", c)
		assert.NotEmpty(t, c.DefaultMessage(), "code %d", c)
		assert.Equal(t, int(c)/1000, categoryDigit(c.Category()), "code %d is filed under %s", c, c.Category())
	}
}

func categoryDigit(c Category) int {
	return map[Category]int{
		CategoryConnection:     1,
		CategoryAuthentication: 2,
		CategoryMessage:        3,
		CategoryRateLimit:      4,
		CategoryDatastore:      5,
		CategoryCache:          6,
		CategorySecurity:       7,
		CategoryInternal:       8,
		CategoryNetwork:        9,
	}[c]
}

func TestClassify(t *testing.T) {
	var syntaxErr error = json.Unmarshal([]byte("{"), &struct{}{})

	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"deadline", context.DeadlineExceeded, CodeNetworkTimeout},
		{"wrapped deadline", fmt.Errorf("redis: %w", context.DeadlineExceeded), CodeNetworkTimeout},
		{"canceled", context.Canceled, CodeConnectionClosed},
		{"json", syntaxErr, CodeValidation},
		{"already classified", New(CodeSessionBlocked, ""), CodeSessionBlocked},
		{"wrapped classified", fmt.Errorf("ctx: %w", New(CodeInvalidToken, "")), CodeInvalidToken},
		{"unknown", errors.New("boom"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err).Code)
		})
	}
}

func TestCustomClassifierRunsFirst(t *testing.T) {
	notFound := errors.New("not found")
	h := newTestHandler(clock.NewManual(t0), nil)
	h.AddClassifier(func(err error) (Code, bool) {
		if errors.Is(err, notFound) {
			return CodeCacheMiss, true
		}
		return 0, false
	})

	e := h.Classify(fmt.Errorf("presence: %w", notFound))
	assert.Equal(t, CodeCacheMiss, e.Code)
	assert.ErrorIs(t, e, notFound)
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("call: %w", New(CodeCircuitOpen, "").WithDependency("cache"))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.NotErrorIs(t, New(CodeInternal, ""), ErrCircuitOpen)
}

func TestHandleSuppressesRepeatedErrors(t *testing.T) {
	clk := clock.NewManual(t0)
	rep := &fakeReporter{}
	h := newTestHandler(clk, rep)

	for i := 0; i < 12; i++ {
		h.Handle(context.Background(), New(CodeInternal, ""), Scope{SessionID: "s1"})
	}

	assert.Equal(t, 10, rep.count(), "11th and later sightings are dropped")
	assert.Len(t, h.Recent(0), 10)
	assert.EqualValues(t, 2, h.Stats().Suppressed)

	// Another session is counted separately.
	h.Handle(context.Background(), New(CodeInternal, ""), Scope{SessionID: "s2"})
	assert.Equal(t, 11, rep.count())

	// After the window lapses the pair is reported again.
	clk.Advance(5*time.Minute + time.Second)
	h.Handle(context.Background(), New(CodeInternal, ""), Scope{SessionID: "s1"})
	assert.Equal(t, 12, rep.count())
}

func TestHandleReportsOnlyHighSeverity(t *testing.T) {
	rep := &fakeReporter{}
	h := newTestHandler(clock.NewManual(t0), rep)

	h.Handle(context.Background(), New(CodeValidation, ""), Scope{SessionID: "s"})
	h.Handle(context.Background(), New(CodeRateLimited, ""), Scope{SessionID: "s"})
	assert.Equal(t, 0, rep.count())

	h.Handle(context.Background(), New(CodeDatastoreUnavailable, ""), Scope{SessionID: "s", UserID: "u"})
	require.Equal(t, 1, rep.count())
	assert.Equal(t, "u", rep.recs[0].UserID)
	assert.Equal(t, "s", rep.recs[0].SessionID)
}

func TestCriticalErrorTripsDependencyBreaker(t *testing.T) {
	h := newTestHandler(clock.NewManual(t0), nil)

	e := Wrap(CodeDatastoreUnavailable, errors.New("pool closed"), "")
	e.Severity = SeverityCritical
	h.Handle(context.Background(), e, Scope{Dependency: DepDatastore})

	assert.Equal(t, StateOpen, h.Breaker(DepDatastore).State())
	assert.Equal(t, StateClosed, h.Breaker(DepCache).State())
}

func TestHandleDoesNotMutateSentinel(t *testing.T) {
	h := newTestHandler(clock.NewManual(t0), nil)
	e := h.Handle(context.Background(), ErrCircuitOpen, Scope{SessionID: "s1"})
	assert.Equal(t, "s1", e.SessionID)
	assert.Empty(t, ErrCircuitOpen.SessionID)
}

func TestRecoveryRunsOncePerError(t *testing.T) {
	h := newTestHandler(clock.NewManual(t0), nil)

	calls := 0
	h.RegisterRecovery(CodeCacheUnavailable, "reconnect", func(context.Context, *Error) error {
		calls++
		return nil
	})

	e := h.Handle(context.Background(), New(CodeCacheUnavailable, ""), Scope{})
	require.NotNil(t, e.Recovery)
	assert.True(t, e.Recovery.Attempted)
	assert.True(t, e.Recovery.Succeeded)
	assert.Equal(t, "reconnect", e.Recovery.Action)

	h.Handle(context.Background(), e, Scope{})
	assert.Equal(t, 1, calls)
}

func TestRecoveryFailureIsRecorded(t *testing.T) {
	h := newTestHandler(clock.NewManual(t0), nil)
	b := h.Breaker(DepCache)
	h.RegisterRecovery(CodeCacheUnavailable, "reconnect", Reconnect(b, func(context.Context) error {
		return errors.New("dial tcp: refused")
	}))

	e := h.Handle(context.Background(), New(CodeCacheUnavailable, ""), Scope{})
	require.NotNil(t, e.Recovery)
	assert.True(t, e.Recovery.Attempted)
	assert.False(t, e.Recovery.Succeeded)
}

func TestWaitAndRetry(t *testing.T) {
	h := newTestHandler(clock.NewManual(t0), nil)

	retried := false
	e := New(CodeRateLimited, "").WithRetryAfter(time.Millisecond).WithRetry(func(context.Context) error {
		retried = true
		return nil
	})
	out := h.Handle(context.Background(), e, Scope{})
	assert.True(t, retried)
	assert.True(t, out.Recovery.Succeeded)

	// Without an attached operation nothing is attempted.
	out = h.Handle(context.Background(), New(CodeRateLimited, ""), Scope{SessionID: "other"})
	require.NotNil(t, out.Recovery)
	assert.False(t, out.Recovery.Attempted)
}

func TestReconnectAndRetryUsesScopeRetry(t *testing.T) {
	h := newTestHandler(clock.NewManual(t0), nil)
	b := h.Breaker(DepDatastore)
	h.RegisterRecovery(CodeDatastoreUnavailable, "reconnect_and_retry",
		ReconnectAndRetry(b, func(context.Context) error { return nil }, time.Second))

	retries := 0
	e := h.Handle(context.Background(), New(CodeDatastoreUnavailable, ""), Scope{
		Retry: func(context.Context) error {
			retries++
			return nil
		},
	})
	assert.Equal(t, 1, retries)
	require.NotNil(t, e.Recovery)
	assert.True(t, e.Recovery.Succeeded)

	// A dependency that does not answer is never retried.
	down := h.Breaker(DepCache)
	h.RegisterRecovery(CodeCacheUnavailable, "reconnect_and_retry",
		ReconnectAndRetry(down, func(context.Context) error { return errors.New("dial tcp: refused") }, time.Second))
	e = h.Handle(context.Background(), New(CodeCacheUnavailable, ""), Scope{
		Retry: func(context.Context) error {
			retries++
			return nil
		},
	})
	assert.Equal(t, 1, retries)
	assert.False(t, e.Recovery.Succeeded)
}

func TestClientPayloadHidesCause(t *testing.T) {
	e := Wrap(CodeDatastoreQuery, errors.New("pq: relation \"secret_table\" does not exist"), "").
		WithDependency(DepDatastore).
		WithRetryAfter(1500 * time.Millisecond)

	data, err := EncodeEnvelope(e, "m1", t0)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret_table")
	assert.NotContains(t, string(data), "pq:")

	var env struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "error", env.Type)
	assert.EqualValues(t, 5002, env.Payload["code"])
	assert.Equal(t, "datastore", env.Payload["category"])
	assert.Equal(t, "high", env.Payload["severity"])
	assert.Equal(t, true, env.Payload["recoverable"])
	assert.EqualValues(t, 1500, env.Payload["retryAfter"])
	assert.Equal(t, "m1", env.Payload["messageId"])
}

func TestRingReturnsNewestFirst(t *testing.T) {
	r := newRing(3)
	for i := 1; i <= 5; i++ {
		r.push(Record{Code: Code(i)})
	}
	got := r.last(0)
	require.Len(t, got, 3)
	assert.Equal(t, []Code{5, 4, 3}, []Code{got[0].Code, got[1].Code, got[2].Code})
	assert.Len(t, r.last(2), 2)
}
