package faults

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/CavellTopDev/pitchey-app-sub004/internal/clock"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/protocol"
)

// Scope is the context an error happened in.
type Scope struct {
	SessionID  string
	UserID     string
	Dependency string
	MessageID  string

	// Retry re-runs the failed operation. Retrying recoveries use it when
	// the error itself carries none.
	Retry func(context.Context) error
}

// Record is the server-side view of a handled error, including the cause
// text that never reaches clients.
type Record struct {
	Code       Code      `json:"code"`
	Name       string    `json:"name"`
	Category   Category  `json:"category"`
	Severity   Severity  `json:"severity"`
	Message    string    `json:"message"`
	Detail     string    `json:"detail,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	Dependency string    `json:"dependency,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Recovery   *Recovery `json:"recovery,omitempty"`
}

// Reporter receives errors of severity high and above.
type Reporter interface {
	Report(ctx context.Context, rec Record)
}

// HandlerConfig tunes the error handler. Zero values take defaults.
type HandlerConfig struct {
	SuppressWindow  time.Duration // 5m
	SuppressLimit   int           // 10
	RingSize        int           // 256
	RecoveryTimeout time.Duration // 5s
	MaxRetryWait    time.Duration // 5s

	Breaker  BreakerConfig
	Clock    clock.Clock
	Logger   zerolog.Logger
	Reporter Reporter

	// Observe sees every handled error that survives suppression.
	Observe func(Record)
}

// Handler is the single place errors are classified, logged, reported and
// turned into client envelopes.
type Handler struct {
	cfg    HandlerConfig
	clock  clock.Clock
	logger zerolog.Logger

	classifiers classifiers
	suppress    *suppressor
	ring        *ring

	recoveryMu sync.RWMutex
	recoveries map[Code]recoveryEntry

	breakersMu sync.Mutex
	breakers   map[string]*Breaker

	statsMu    sync.Mutex
	byCategory map[Category]int64
	total      atomic.Int64
	suppressed atomic.Int64
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.SuppressWindow <= 0 {
		cfg.SuppressWindow = 5 * time.Minute
	}
	if cfg.SuppressLimit <= 0 {
		cfg.SuppressLimit = 10
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = 256
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 5 * time.Second
	}
	if cfg.MaxRetryWait <= 0 {
		cfg.MaxRetryWait = 5 * time.Second
	}
	cfg.Clock = clock.Or(cfg.Clock)
	if cfg.Breaker.Clock == nil {
		cfg.Breaker.Clock = cfg.Clock
	}

	h := &Handler{
		cfg:        cfg,
		clock:      cfg.Clock,
		logger:     cfg.Logger.With().Str("component", "faults").Logger(),
		suppress:   newSuppressor(cfg.SuppressWindow, cfg.SuppressLimit),
		ring:       newRing(cfg.RingSize),
		recoveries: make(map[Code]recoveryEntry),
		breakers:   make(map[string]*Breaker),
		byCategory: make(map[Category]int64),
	}

	retry := WaitAndRetry(cfg.MaxRetryWait)
	h.RegisterRecovery(CodeRateLimited, "wait_and_retry", retry)
	h.RegisterRecovery(CodeAdmissionLimit, "wait_and_retry", retry)

	return h
}

// AddClassifier registers a rule that runs before the built-in ones.
func (h *Handler) AddClassifier(fn Classifier) { h.classifiers.add(fn) }

// RegisterRecovery binds a recovery action to a code, replacing any
// previous binding.
func (h *Handler) RegisterRecovery(code Code, name string, action RecoveryAction) {
	h.recoveryMu.Lock()
	h.recoveries[code] = recoveryEntry{name: name, action: action}
	h.recoveryMu.Unlock()
}

// Breaker returns the breaker for a dependency, creating it on first use.
func (h *Handler) Breaker(name string) *Breaker {
	h.breakersMu.Lock()
	defer h.breakersMu.Unlock()
	b, ok := h.breakers[name]
	if !ok {
		b = NewBreaker(name, h.cfg.Breaker)
		h.breakers[name] = b
	}
	return b
}

// Breakers returns a snapshot of every breaker created so far.
func (h *Handler) Breakers() []BreakerStats {
	h.breakersMu.Lock()
	list := make([]*Breaker, 0, len(h.breakers))
	for _, b := range h.breakers {
		list = append(list, b)
	}
	h.breakersMu.Unlock()

	out := make([]BreakerStats, 0, len(list))
	for _, b := range list {
		out = append(out, b.Stats())
	}
	return out
}

// Classify maps err into the taxonomy without logging or side effects.
func (h *Handler) Classify(err error) *Error {
	return h.classifiers.classify(err)
}

// Handle classifies err, applies suppression, logs, reports, trips the
// dependency breaker on critical errors and runs at most one recovery
// action. The returned error is a copy that is safe to turn into a client
// envelope. Handle returns nil for a nil err.
func (h *Handler) Handle(ctx context.Context, err error, scope Scope) *Error {
	if err == nil {
		return nil
	}

	classified := h.classifiers.classify(err)
	e := new(Error)
	*e = *classified
	if scope.SessionID != "" {
		e.SessionID = scope.SessionID
	}
	if scope.UserID != "" {
		e.UserID = scope.UserID
	}
	if scope.Dependency != "" && e.Dependency == "" {
		e.Dependency = scope.Dependency
	}
	if scope.Retry != nil && e.retry == nil {
		e.retry = scope.Retry
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = h.clock.Now()
	}

	h.total.Add(1)
	if !h.suppress.allow(e.Code, e.SessionID, e.Timestamp) {
		h.suppressed.Add(1)
		return e
	}

	h.statsMu.Lock()
	h.byCategory[e.Category]++
	h.statsMu.Unlock()

	if e.Severity == SeverityCritical && e.Dependency != "" {
		h.Breaker(e.Dependency).Trip()
	}

	h.recover(ctx, e)

	rec := h.record(e)
	h.log(rec)
	h.ring.push(rec)

	if e.Severity >= SeverityHigh && h.cfg.Reporter != nil {
		h.cfg.Reporter.Report(ctx, rec)
	}
	if h.cfg.Observe != nil {
		h.cfg.Observe(rec)
	}

	return e
}

func (h *Handler) recover(ctx context.Context, e *Error) {
	if e.Recovery != nil {
		return
	}

	h.recoveryMu.RLock()
	entry, ok := h.recoveries[e.Code]
	h.recoveryMu.RUnlock()
	if !ok {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, h.cfg.RecoveryTimeout)
	defer cancel()

	err := entry.action(rctx, e)
	outcome := &Recovery{Action: entry.name}
	switch {
	case errors.Is(err, errNotApplicable):
	case err != nil:
		outcome.Attempted = true
		outcome.Detail = err.Error()
	default:
		outcome.Attempted = true
		outcome.Succeeded = true
	}
	e.Recovery = outcome
}

func (h *Handler) record(e *Error) Record {
	rec := Record{
		Code:       e.Code,
		Name:       e.Code.Name(),
		Category:   e.Category,
		Severity:   e.Severity,
		Message:    e.Message,
		SessionID:  e.SessionID,
		UserID:     e.UserID,
		Dependency: e.Dependency,
		Timestamp:  e.Timestamp,
		Recovery:   e.Recovery,
	}
	if e.cause != nil {
		rec.Detail = e.cause.Error()
	}
	return rec
}

func (h *Handler) log(rec Record) {
	var event *zerolog.Event
	switch rec.Severity {
	case SeverityLow:
		event = h.logger.Debug()
	case SeverityMedium:
		event = h.logger.Warn()
	default:
		event = h.logger.Error()
	}

	event = event.
		Int("code", int(rec.Code)).
		Str("error_name", rec.Name).
		Str("category", string(rec.Category)).
		Str("severity", rec.Severity.String())
	if rec.Detail != "" {
		event = event.Str("detail", rec.Detail)
	}
	if rec.SessionID != "" {
		event = event.Str("session_id", rec.SessionID)
	}
	if rec.UserID != "" {
		event = event.Str("user_id", rec.UserID)
	}
	if rec.Dependency != "" {
		event = event.Str("dependency", rec.Dependency)
	}
	if rec.Recovery != nil {
		event = event.Str("recovery", rec.Recovery.Action).
			Bool("recovery_attempted", rec.Recovery.Attempted).
			Bool("recovery_succeeded", rec.Recovery.Succeeded)
	}
	event.Msg(rec.Message)
}

// Recent returns up to n handled errors, newest first.
func (h *Handler) Recent(n int) []Record { return h.ring.last(n) }

// HandlerStats summarises handled errors since start.
type HandlerStats struct {
	Total      int64              `json:"total"`
	Suppressed int64              `json:"suppressed"`
	ByCategory map[Category]int64 `json:"byCategory"`
}

func (h *Handler) Stats() HandlerStats {
	h.statsMu.Lock()
	byCat := make(map[Category]int64, len(h.byCategory))
	for k, v := range h.byCategory {
		byCat[k] = v
	}
	h.statsMu.Unlock()

	return HandlerStats{
		Total:      h.total.Load(),
		Suppressed: h.suppressed.Load(),
		ByCategory: byCat,
	}
}

// ClientPayload is the client-safe view of e: the public message, code,
// category and severity. Causes and dependency names are left out.
func ClientPayload(e *Error) protocol.ErrorPayload {
	p := protocol.ErrorPayload{
		Error:       e.Message,
		Code:        int(e.Code),
		Name:        e.Code.Name(),
		Category:    string(e.Category),
		Severity:    e.Severity.String(),
		Recoverable: e.Recoverable(),
	}
	if e.RetryAfter > 0 {
		p.RetryAfter = e.RetryAfter.Milliseconds()
		if p.RetryAfter == 0 {
			p.RetryAfter = 1
		}
	}
	return p
}

// EncodeEnvelope renders e as a stamped "error" envelope.
func EncodeEnvelope(e *Error, messageID string, now time.Time) ([]byte, error) {
	p := ClientPayload(e)
	p.MessageID = messageID
	return protocol.Encode(protocol.KindError, p, now)
}
