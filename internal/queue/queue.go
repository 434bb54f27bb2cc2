package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/CavellTopDev/pitchey-app-sub004/internal/clock"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/faults"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/monitoring"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/protocol"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/store"
)

var (
	ErrNotFound        = errors.New("queue: message not found")
	ErrDuplicate       = errors.New("queue: message id already queued")
	ErrExpired         = errors.New("queue: expiry is not in the future")
	ErrInvalidPriority = errors.New("queue: invalid priority")
)

// Deliverer hands an encoded envelope to every live session of a user.
type Deliverer interface {
	Deliver(ctx context.Context, userID string, data []byte) error
}

// Presence decides between immediate delivery and queuing.
type Presence interface {
	Reachable(ctx context.Context, userID string) bool
}

// Outcome names what happened to a message, for observers.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeQueued    Outcome = "queued"
	OutcomeRetried   Outcome = "retried"
	OutcomeFailed    Outcome = "failed"
	OutcomeExpired   Outcome = "expired"
	OutcomeCancelled Outcome = "cancelled"
)

// DefaultBackoff is the delay before the 1st, 2nd, 3rd and every later
// retry.
var DefaultBackoff = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second}

type Config struct {
	BatchSize     int           // 50
	MaxAttempts   int           // 3
	TTL           time.Duration // 7 days
	Backoff       []time.Duration
	AuditWindow   time.Duration // 1h, how long failed messages stay visible
	SweepInterval time.Duration // 1h
	RetryInterval time.Duration // 5s

	Instance string
	Clock    clock.Clock
	Logger   zerolog.Logger

	// KV mirrors pending messages so another instance can adopt them.
	KV      store.KV
	Breaker *faults.Breaker

	OnOutcome func(Outcome, Message)
	OnError   func(error)
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.TTL <= 0 {
		c.TTL = 7 * 24 * time.Hour
	}
	if len(c.Backoff) == 0 {
		c.Backoff = DefaultBackoff
	}
	if c.AuditWindow <= 0 {
		c.AuditWindow = time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
	if c.RetryInterval < time.Second {
		c.RetryInterval = 5 * time.Second
	}
	c.Clock = clock.Or(c.Clock)
	if c.Breaker == nil {
		c.Breaker = faults.NewBreaker(faults.DepCache, faults.BreakerConfig{Clock: c.Clock})
	}
	return c
}

const queueShards = 16

type userQueue struct {
	active []*Message // drain order
	failed []*Message // audit window
}

type shard struct {
	mu       sync.Mutex
	users    map[string]*userQueue
	inflight map[string]struct{}
}

// Queue is the per-user priority queue of undelivered messages.
type Queue struct {
	cfg      Config
	logger   zerolog.Logger
	deliver  Deliverer
	presence Presence

	shards [queueShards]shard
	ids    sync.Map // message id -> user id, pending only
	seq    atomic.Uint64

	enqueued  atomic.Int64
	delivered atomic.Int64
	retried   atomic.Int64
	failed    atomic.Int64
	expired   atomic.Int64
	cancelled atomic.Int64
}

// New returns a queue delivering through d. A nil presence makes every
// enqueue try immediate delivery first.
func New(cfg Config, d Deliverer, p Presence) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "message_queue").Logger(),
		deliver:  d,
		presence: p,
	}
	for i := range q.shards {
		q.shards[i].users = make(map[string]*userQueue)
		q.shards[i].inflight = make(map[string]struct{})
	}
	return q
}

func (q *Queue) shard(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &q.shards[h.Sum32()%queueShards]
}

// Backoff returns the delay scheduled after the given number of failed
// attempts.
func (q *Queue) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > len(q.cfg.Backoff) {
		attempts = len(q.cfg.Backoff)
	}
	return q.cfg.Backoff[attempts-1]
}

// Result reports what Enqueue did.
type Result struct {
	MessageID string
	Delivered bool
	Queued    bool
	Failed    bool
}

// Enqueue delivers env to the user now if they are reachable, and queues
// it otherwise or when that delivery fails. A user with messages still
// queued gets env behind them, so it never overtakes one that is backing
// off. The envelope is stamped with an id and timestamp if it has none;
// the id is the queue's message id.
func (q *Queue) Enqueue(ctx context.Context, userID string, env *protocol.Envelope, pri Priority, opts Options) (Result, error) {
	if userID == "" {
		return Result{}, errors.New("queue: empty user id")
	}
	if !pri.Valid() {
		return Result{}, fmt.Errorf("%w: %d", ErrInvalidPriority, int(pri))
	}

	now := q.cfg.Clock.Now()
	env.Stamp(now)
	if _, dup := q.ids.Load(env.MessageID); dup {
		return Result{MessageID: env.MessageID}, ErrDuplicate
	}
	data, err := env.Marshal()
	if err != nil {
		return Result{}, err
	}

	m := &Message{
		ID:          env.MessageID,
		UserID:      userID,
		Priority:    pri,
		MaxAttempts: q.cfg.MaxAttempts,
		CreatedAt:   now,
		ExpiresAt:   now.Add(q.cfg.TTL),
		State:       StatePending,
		Envelope:    data,
		seq:         q.seq.Add(1),
	}
	if opts.MaxAttempts > 0 {
		m.MaxAttempts = opts.MaxAttempts
	}
	if !opts.ExpiresAt.IsZero() {
		if !opts.ExpiresAt.After(now) {
			return Result{}, ErrExpired
		}
		m.ExpiresAt = opts.ExpiresAt
	}
	res := Result{MessageID: m.ID}
	q.enqueued.Add(1)

	behind := false
	if opts.ScheduledAt.After(now) {
		m.ScheduledAt = opts.ScheduledAt
	} else if q.hasActive(userID) {
		behind = true
	} else if q.presence == nil || q.presence.Reachable(ctx, userID) {
		err := q.deliver.Deliver(ctx, userID, data)
		if err == nil {
			m.State = StateDelivered
			q.delivered.Add(1)
			q.observe(OutcomeDelivered, m)
			res.Delivered = true
			return res, nil
		}
		m.Attempts = 1
		m.Reason = err.Error()
		if m.Attempts >= m.MaxAttempts {
			q.failNow(m, now)
			res.Failed = true
			return res, nil
		}
		m.ScheduledAt = now.Add(q.Backoff(m.Attempts))
	}

	cp := *m
	q.insert(m)
	q.mirror(ctx, &cp)
	q.observe(OutcomeQueued, &cp)
	res.Queued = true

	if behind && (q.presence == nil || q.presence.Reachable(ctx, userID)) {
		q.Drain(ctx, userID)
		if q.stateOf(m) == StateDelivered {
			res.Queued = false
			res.Delivered = true
		}
	}
	return res, nil
}

// hasActive reports whether the user has messages waiting.
func (q *Queue) hasActive(userID string) bool {
	sh := q.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	uq, ok := sh.users[userID]
	return ok && len(uq.active) > 0
}

func (q *Queue) stateOf(m *Message) State {
	sh := q.shard(m.UserID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return m.State
}

func (q *Queue) insert(m *Message) {
	sh := q.shard(m.UserID)
	sh.mu.Lock()
	uq, ok := sh.users[m.UserID]
	if !ok {
		uq = &userQueue{}
		sh.users[m.UserID] = uq
	}
	i := sort.Search(len(uq.active), func(i int) bool { return m.before(uq.active[i]) })
	uq.active = append(uq.active, nil)
	copy(uq.active[i+1:], uq.active[i:])
	uq.active[i] = m
	sh.mu.Unlock()
	q.ids.Store(m.ID, m.UserID)
}

// failNow records a message that failed permanently without ever being
// queued.
func (q *Queue) failNow(m *Message, now time.Time) {
	m.State = StateFailed
	m.FailedAt = now
	sh := q.shard(m.UserID)
	sh.mu.Lock()
	uq, ok := sh.users[m.UserID]
	if !ok {
		uq = &userQueue{}
		sh.users[m.UserID] = uq
	}
	uq.failed = append(uq.failed, m)
	sh.mu.Unlock()
	q.failed.Add(1)
	q.observe(OutcomeFailed, m)
}

// removeLocked takes m out of the active ordering. Caller holds sh.mu.
func (sh *shard) removeLocked(m *Message) {
	uq, ok := sh.users[m.UserID]
	if !ok {
		return
	}
	for i, x := range uq.active {
		if x == m {
			uq.active = append(uq.active[:i], uq.active[i+1:]...)
			break
		}
	}
	if len(uq.active) == 0 && len(uq.failed) == 0 {
		delete(sh.users, m.UserID)
	}
}

// DrainResult counts what one Drain did.
type DrainResult struct {
	Delivered int
	Retried   int
	Failed    int
	Expired   int
	Cancelled int
}

func (r DrainResult) Total() int {
	return r.Delivered + r.Retried + r.Failed + r.Expired + r.Cancelled
}

type terminal struct {
	outcome Outcome
	msg     *Message
}

// Drain attempts every due message of the user in priority order, in
// batches. Delivery stops at the first message that is backing off or
// being attempted by a concurrent Drain, and at the first failed attempt,
// so later messages never overtake it. A cancelled or expired message is
// never delivered, even when the tombstone lands after the batch was
// claimed.
func (q *Queue) Drain(ctx context.Context, userID string) DrainResult {
	var res DrainResult
	for ctx.Err() == nil {
		batch, dropped := q.claim(userID)
		for _, t := range dropped {
			res.count(t.outcome)
			q.finish(ctx, t)
		}
		stopped := false
		for _, m := range batch {
			if stopped || ctx.Err() != nil {
				q.release(m)
				continue
			}
			outcome := q.attempt(ctx, m)
			res.count(outcome)
			stopped = outcome == OutcomeRetried
		}
		if stopped || len(batch) < q.cfg.BatchSize {
			break
		}
	}
	return res
}

func (r *DrainResult) count(o Outcome) {
	switch o {
	case OutcomeDelivered:
		r.Delivered++
	case OutcomeRetried:
		r.Retried++
	case OutcomeFailed:
		r.Failed++
	case OutcomeExpired:
		r.Expired++
	case OutcomeCancelled:
		r.Cancelled++
	}
}

// claim marks up to BatchSize due messages in flight and drops expired
// and cancelled ones on the way.
func (q *Queue) claim(userID string) ([]*Message, []terminal) {
	now := q.cfg.Clock.Now()
	sh := q.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	uq, ok := sh.users[userID]
	if !ok {
		return nil, nil
	}

	var (
		batch   []*Message
		dropped []terminal
		keep    = uq.active[:0]
		blocked bool
	)
	for _, m := range uq.active {
		if _, busy := sh.inflight[m.ID]; busy {
			blocked = true
			keep = append(keep, m)
			continue
		}
		switch {
		case m.State == StateCancelled:
			dropped = append(dropped, terminal{OutcomeCancelled, m})
			continue
		case m.expired(now):
			m.State = StateExpired
			dropped = append(dropped, terminal{OutcomeExpired, m})
			continue
		}
		if m.Attempts > 0 && !m.due(now) {
			blocked = true
		}
		if !blocked && len(batch) < q.cfg.BatchSize && m.due(now) {
			sh.inflight[m.ID] = struct{}{}
			batch = append(batch, m)
		}
		keep = append(keep, m)
	}
	for i := len(keep); i < len(uq.active); i++ {
		uq.active[i] = nil
	}
	uq.active = keep
	if len(uq.active) == 0 && len(uq.failed) == 0 {
		delete(sh.users, userID)
	}
	return batch, dropped
}

func (q *Queue) release(m *Message) {
	sh := q.shard(m.UserID)
	sh.mu.Lock()
	delete(sh.inflight, m.ID)
	sh.mu.Unlock()
}

func (q *Queue) attempt(ctx context.Context, m *Message) Outcome {
	sh := q.shard(m.UserID)

	now := q.cfg.Clock.Now()
	sh.mu.Lock()
	switch {
	case m.State == StateCancelled:
		delete(sh.inflight, m.ID)
		sh.removeLocked(m)
		sh.mu.Unlock()
		q.finish(ctx, terminal{OutcomeCancelled, m})
		return OutcomeCancelled
	case m.expired(now):
		m.State = StateExpired
		delete(sh.inflight, m.ID)
		sh.removeLocked(m)
		sh.mu.Unlock()
		q.finish(ctx, terminal{OutcomeExpired, m})
		return OutcomeExpired
	}
	sh.mu.Unlock()

	err := q.deliver.Deliver(ctx, m.UserID, m.Envelope)

	now = q.cfg.Clock.Now()
	sh.mu.Lock()
	delete(sh.inflight, m.ID)
	if err == nil {
		m.State = StateDelivered
		sh.removeLocked(m)
		sh.mu.Unlock()
		q.finish(ctx, terminal{OutcomeDelivered, m})
		return OutcomeDelivered
	}

	m.Attempts++
	m.Reason = err.Error()
	if m.Attempts >= m.MaxAttempts {
		m.State = StateFailed
		m.FailedAt = now
		sh.removeLocked(m)
		uq, ok := sh.users[m.UserID]
		if !ok {
			uq = &userQueue{}
			sh.users[m.UserID] = uq
		}
		uq.failed = append(uq.failed, m)
		sh.mu.Unlock()
		q.logger.Warn().
			Str("message_id", m.ID).
			Str("user_id", m.UserID).
			Int("attempts", m.Attempts).
			Str("reason", m.Reason).
			Msg("Queued message permanently failed")
		q.finish(ctx, terminal{OutcomeFailed, m})
		return OutcomeFailed
	}
	m.ScheduledAt = now.Add(q.Backoff(m.Attempts))
	cp := *m
	sh.mu.Unlock()

	q.retried.Add(1)
	q.mirror(ctx, &cp)
	q.observe(OutcomeRetried, &cp)
	return OutcomeRetried
}

// finish settles a message that left the active ordering.
func (q *Queue) finish(ctx context.Context, t terminal) {
	q.ids.Delete(t.msg.ID)
	switch t.outcome {
	case OutcomeDelivered:
		q.delivered.Add(1)
	case OutcomeFailed:
		q.failed.Add(1)
	case OutcomeExpired:
		q.expired.Add(1)
	case OutcomeCancelled:
		q.cancelled.Add(1)
	}
	q.unmirror(ctx, t.msg)
	q.observe(t.outcome, t.msg)
}

// Cancel tombstones a pending message. A message claimed by a running
// Drain is dropped by that Drain before its delivery attempt.
func (q *Queue) Cancel(ctx context.Context, messageID string) error {
	v, ok := q.ids.Load(messageID)
	if !ok {
		return ErrNotFound
	}
	userID := v.(string)
	sh := q.shard(userID)

	sh.mu.Lock()
	var m *Message
	if uq, ok := sh.users[userID]; ok {
		for _, x := range uq.active {
			if x.ID == messageID {
				m = x
				break
			}
		}
	}
	if m == nil || m.State != StatePending {
		sh.mu.Unlock()
		return ErrNotFound
	}
	m.State = StateCancelled
	_, busy := sh.inflight[messageID]
	if !busy {
		sh.removeLocked(m)
	}
	sh.mu.Unlock()

	if !busy {
		q.finish(ctx, terminal{OutcomeCancelled, m})
	}
	return nil
}

// SweepResult counts what one Sweep removed.
type SweepResult struct {
	Expired int
	Pruned  int
}

// Sweep removes expired messages of every user, whatever their attempt
// count, and forgets failed messages older than the audit window.
func (q *Queue) Sweep(ctx context.Context) SweepResult {
	now := q.cfg.Clock.Now()
	var (
		res     SweepResult
		expired []*Message
	)
	for i := range q.shards {
		sh := &q.shards[i]
		sh.mu.Lock()
		for uid, uq := range sh.users {
			keep := uq.active[:0]
			for _, m := range uq.active {
				if _, busy := sh.inflight[m.ID]; !busy && m.expired(now) {
					m.State = StateExpired
					expired = append(expired, m)
					continue
				}
				keep = append(keep, m)
			}
			for j := len(keep); j < len(uq.active); j++ {
				uq.active[j] = nil
			}
			uq.active = keep

			failed := uq.failed[:0]
			for _, m := range uq.failed {
				if now.Sub(m.FailedAt) > q.cfg.AuditWindow {
					res.Pruned++
					continue
				}
				failed = append(failed, m)
			}
			for j := len(failed); j < len(uq.failed); j++ {
				uq.failed[j] = nil
			}
			uq.failed = failed

			if len(uq.active) == 0 && len(uq.failed) == 0 {
				delete(sh.users, uid)
			}
		}
		sh.mu.Unlock()
	}

	for _, m := range expired {
		q.finish(ctx, terminal{OutcomeExpired, m})
	}
	res.Expired = len(expired)
	if res.Expired > 0 || res.Pruned > 0 {
		q.logger.Info().Int("expired", res.Expired).Int("pruned", res.Pruned).Msg("Queue sweep")
	}
	return res
}

// RetryDue drains every user with a message due now whom presence reports
// reachable.
func (q *Queue) RetryDue(ctx context.Context) DrainResult {
	now := q.cfg.Clock.Now()
	var users []string
	for i := range q.shards {
		sh := &q.shards[i]
		sh.mu.Lock()
		for uid, uq := range sh.users {
			for _, m := range uq.active {
				if m.due(now) {
					users = append(users, uid)
					break
				}
			}
		}
		sh.mu.Unlock()
	}

	var total DrainResult
	for _, uid := range users {
		if q.presence != nil && !q.presence.Reachable(ctx, uid) {
			continue
		}
		r := q.Drain(ctx, uid)
		total.Delivered += r.Delivered
		total.Retried += r.Retried
		total.Failed += r.Failed
		total.Expired += r.Expired
		total.Cancelled += r.Cancelled
	}
	return total
}

// Pending returns copies of the user's active messages in drain order.
func (q *Queue) Pending(userID string) []Message {
	sh := q.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	uq, ok := sh.users[userID]
	if !ok {
		return nil
	}
	out := make([]Message, len(uq.active))
	for i, m := range uq.active {
		out[i] = *m
	}
	return out
}

// Failed returns copies of the user's permanently failed messages still
// inside the audit window.
func (q *Queue) Failed(userID string) []Message {
	now := q.cfg.Clock.Now()
	sh := q.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	uq, ok := sh.users[userID]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(uq.failed))
	for _, m := range uq.failed {
		if now.Sub(m.FailedAt) <= q.cfg.AuditWindow {
			out = append(out, *m)
		}
	}
	return out
}

type Stats struct {
	Pending    int            `json:"pending"`
	Users      int            `json:"users"`
	InFlight   int            `json:"inFlight"`
	AuditHeld  int            `json:"auditHeld"`
	ByPriority map[string]int `json:"byPriority"`
	Enqueued   int64          `json:"enqueued"`
	Delivered  int64          `json:"delivered"`
	Retried    int64          `json:"retried"`
	Failed     int64          `json:"failed"`
	Expired    int64          `json:"expired"`
	Cancelled  int64          `json:"cancelled"`
}

func (q *Queue) Stats() Stats {
	s := Stats{ByPriority: make(map[string]int, len(priorityNames))}
	for _, name := range priorityNames {
		s.ByPriority[name] = 0
	}
	for i := range q.shards {
		sh := &q.shards[i]
		sh.mu.Lock()
		s.Users += len(sh.users)
		s.InFlight += len(sh.inflight)
		for _, uq := range sh.users {
			s.Pending += len(uq.active)
			s.AuditHeld += len(uq.failed)
			for _, m := range uq.active {
				s.ByPriority[m.Priority.String()]++
			}
		}
		sh.mu.Unlock()
	}
	s.Enqueued = q.enqueued.Load()
	s.Delivered = q.delivered.Load()
	s.Retried = q.retried.Load()
	s.Failed = q.failed.Load()
	s.Expired = q.expired.Load()
	s.Cancelled = q.cancelled.Load()
	return s
}

func (q *Queue) observe(o Outcome, m *Message) {
	if q.cfg.OnOutcome != nil {
		q.cfg.OnOutcome(o, *m)
	}
}

func (q *Queue) fail(err error) {
	q.logger.Warn().Err(err).Msg("Queue mirror operation failed")
	if q.cfg.OnError != nil {
		q.cfg.OnError(err)
	}
}

// mirror writes a pending message to the shared store with a TTL that
// ends at its expiry.
func (q *Queue) mirror(ctx context.Context, m *Message) {
	if q.cfg.KV == nil {
		return
	}
	now := q.cfg.Clock.Now()
	ttl := m.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(m)
	if err != nil {
		q.fail(err)
		return
	}
	err = q.cfg.Breaker.Do(ctx, func(ctx context.Context) error {
		_, err := q.cfg.KV.Put(ctx, store.QueueKey(m.UserID, m.ID), store.Entry{
			Data:     data,
			Version:  now.UnixNano(),
			Instance: q.cfg.Instance,
		}, ttl)
		return err
	})
	if err != nil {
		q.fail(err)
	}
}

func (q *Queue) unmirror(ctx context.Context, m *Message) {
	if q.cfg.KV == nil {
		return
	}
	err := q.cfg.Breaker.Do(ctx, func(ctx context.Context) error {
		return q.cfg.KV.Delete(ctx, store.QueueKey(m.UserID, m.ID))
	})
	if err != nil {
		q.fail(err)
	}
}

// Adopt loads the user's mirrored messages that this instance does not
// hold, typically queued by another instance before the user reconnected
// here. Both instances may then attempt the same message; delivery is
// at least once.
func (q *Queue) Adopt(ctx context.Context, userID string) (int, error) {
	if q.cfg.KV == nil {
		return 0, nil
	}
	keys, err := faults.Call(ctx, q.cfg.Breaker, func(ctx context.Context) ([]string, error) {
		return q.cfg.KV.Scan(ctx, store.QueueUserPrefix(userID))
	})
	if err != nil || len(keys) == 0 {
		return 0, err
	}
	entries, err := faults.Call(ctx, q.cfg.Breaker, func(ctx context.Context) (map[string]store.Entry, error) {
		return q.cfg.KV.GetMany(ctx, keys)
	})
	if err != nil {
		return 0, err
	}

	now := q.cfg.Clock.Now()
	adopted := 0
	for _, e := range entries {
		var m Message
		if err := json.Unmarshal(e.Data, &m); err != nil {
			continue
		}
		if m.UserID != userID || m.State != StatePending || m.expired(now) {
			continue
		}
		if _, known := q.ids.Load(m.ID); known {
			continue
		}
		m.seq = q.seq.Add(1)
		q.insert(&m)
		adopted++
	}
	if adopted > 0 {
		q.logger.Info().Str("user_id", userID).Int("adopted", adopted).Msg("Adopted mirrored messages")
	}
	return adopted, nil
}

// Run starts the retry and sweep loops.
func (q *Queue) Run(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer monitoring.RecoverPanic(q.logger, "queueRetry", nil)
		ticker := time.NewTicker(q.cfg.RetryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				q.RetryDue(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		defer monitoring.RecoverPanic(q.logger, "queueSweep", nil)
		ticker := time.NewTicker(q.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				q.Sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}
