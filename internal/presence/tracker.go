package presence

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/CavellTopDev/pitchey-app-sub004/internal/clock"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/faults"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/monitoring"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/store"
)

// ErrNotConnected is returned when a status change is requested for a
// user without sessions on this instance.
var ErrNotConnected = errors.New("presence: user has no sessions")

const trackerShards = 16

// Config configures a Tracker. Zero durations take the defaults noted.
type Config struct {
	AwayAfter     time.Duration // 5m
	OfflineAfter  time.Duration // 15m
	TickInterval  time.Duration // 60s
	FlushInterval time.Duration // 30s

	// CacheTTL bounds how long a record learned from another instance is
	// served without going back to the store.
	CacheTTL time.Duration // 30s
	StoreTTL time.Duration // 24h

	Instance string
	Clock    clock.Clock
	Logger   zerolog.Logger

	KV      store.KV
	Bus     store.Bus
	Breaker *faults.Breaker

	// OnTransition sees every local transition as it happens.
	OnTransition func(Transition)
	// OnIdleOffline is called when the timeout ladder demotes a user that
	// still has sessions on this instance.
	OnIdleOffline func(userID string)
	// OnError receives store and bus failures. Lookups degrade instead of
	// returning them.
	OnError func(error)
}

func (c Config) withDefaults() Config {
	if c.AwayAfter <= 0 {
		c.AwayAfter = 5 * time.Minute
	}
	if c.OfflineAfter <= 0 {
		c.OfflineAfter = 15 * time.Minute
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 30 * time.Second
	}
	if c.StoreTTL <= 0 {
		c.StoreTTL = 24 * time.Hour
	}
	c.Clock = clock.Or(c.Clock)
	if c.Breaker == nil {
		c.Breaker = faults.NewBreaker(faults.DepCache, faults.BreakerConfig{Clock: c.Clock})
	}
	return c
}

type trackerShard struct {
	mu    sync.Mutex
	users map[string]*Record
}

type cached struct {
	rec     Record
	expires time.Time
}

// Tracker owns the presence of users connected to this instance and a
// short-lived cache of users seen through the store or bus.
type Tracker struct {
	cfg    Config
	logger zerolog.Logger
	shards [trackerShards]trackerShard

	pendingMu sync.Mutex
	pending   map[string]*Transition
	order     []string
	unsaved   map[string]Transition // published but not yet persisted

	cacheMu sync.Mutex
	cache   map[string]cached
}

func NewTracker(cfg Config) *Tracker {
	cfg = cfg.withDefaults()
	t := &Tracker{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "presence").Logger(),
		pending: make(map[string]*Transition),
		unsaved: make(map[string]Transition),
		cache:   make(map[string]cached),
	}
	for i := range t.shards {
		t.shards[i].users = make(map[string]*Record)
	}
	return t
}

func (t *Tracker) shard(userID string) *trackerShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &t.shards[h.Sum32()%trackerShards]
}

func (t *Tracker) change(rec *Record, from Status, now time.Time) *Transition {
	return &Transition{
		UserID:       rec.UserID,
		From:         from,
		To:           rec.Status,
		CustomStatus: rec.CustomStatus,
		LastSeen:     rec.LastSeen,
		At:           now,
		Instance:     t.cfg.Instance,
	}
}

// Connect counts a new session for the user and promotes them to online.
// Do-not-disturb is kept.
func (t *Tracker) Connect(userID string) Record {
	now := t.cfg.Clock.Now()
	sh := t.shard(userID)

	sh.mu.Lock()
	rec, ok := sh.users[userID]
	if !ok {
		rec = &Record{UserID: userID, Status: StatusOffline}
		sh.users[userID] = rec
	}
	rec.Sessions++
	rec.LastActivity = now
	rec.LastSeen = now
	from := rec.Status
	if from != StatusDND {
		rec.Status = StatusOnline
	}
	var tr *Transition
	if from != rec.Status {
		tr = t.change(rec, from, now)
	}
	out := *rec
	sh.mu.Unlock()

	t.emit(tr)
	return out
}

// Disconnect drops one session. The last one takes the user offline
// immediately.
func (t *Tracker) Disconnect(userID string) Record {
	now := t.cfg.Clock.Now()
	sh := t.shard(userID)

	sh.mu.Lock()
	rec, ok := sh.users[userID]
	if !ok || rec.Sessions == 0 {
		sh.mu.Unlock()
		return Record{UserID: userID, Status: StatusOffline}
	}
	rec.Sessions--
	rec.LastSeen = now
	var tr *Transition
	if rec.Sessions == 0 && rec.Status != StatusOffline {
		from := rec.Status
		rec.Status = StatusOffline
		tr = t.change(rec, from, now)
	}
	out := *rec
	sh.mu.Unlock()

	t.emit(tr)
	return out
}

// Activity records inbound activity and promotes an away user back to
// online.
func (t *Tracker) Activity(userID string) {
	now := t.cfg.Clock.Now()
	sh := t.shard(userID)

	sh.mu.Lock()
	rec, ok := sh.users[userID]
	if !ok || rec.Sessions == 0 {
		sh.mu.Unlock()
		return
	}
	rec.LastActivity = now
	rec.LastSeen = now
	var tr *Transition
	if rec.Status == StatusAway || rec.Status == StatusOffline {
		from := rec.Status
		rec.Status = StatusOnline
		tr = t.change(rec, from, now)
	}
	sh.mu.Unlock()

	t.emit(tr)
}

// SetStatus applies a user-chosen status and custom status text.
func (t *Tracker) SetStatus(userID string, status Status, custom string) (Record, error) {
	if status == StatusOffline || status == StatusUnknown {
		return Record{}, errors.New("presence: status cannot be set explicitly")
	}
	now := t.cfg.Clock.Now()
	sh := t.shard(userID)

	sh.mu.Lock()
	rec, ok := sh.users[userID]
	if !ok || rec.Sessions == 0 {
		sh.mu.Unlock()
		return Record{}, ErrNotConnected
	}
	from := rec.Status
	changed := from != status || rec.CustomStatus != custom
	rec.Status = status
	rec.CustomStatus = custom
	rec.LastActivity = now
	rec.LastSeen = now
	var tr *Transition
	if changed {
		tr = t.change(rec, from, now)
	}
	out := *rec
	sh.mu.Unlock()

	t.emit(tr)
	return out, nil
}

// Tick applies the timeout ladder once and returns the transitions made.
// Users still holding sessions after an idle demotion to offline are
// handed to OnIdleOffline. Offline records are dropped from memory once
// older than CacheTTL.
func (t *Tracker) Tick() []Transition {
	now := t.cfg.Clock.Now()
	var (
		out  []Transition
		idle []string
	)

	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		for id, rec := range sh.users {
			if rec.Sessions == 0 {
				if rec.Status == StatusOffline && now.Sub(rec.LastSeen) > t.cfg.CacheTTL {
					delete(sh.users, id)
				}
				continue
			}
			if rec.Status != StatusOnline && rec.Status != StatusAway {
				continue
			}
			since := now.Sub(rec.LastActivity)
			from := rec.Status
			switch {
			case since > t.cfg.OfflineAfter:
				rec.Status = StatusOffline
				idle = append(idle, id)
			case since > t.cfg.AwayAfter && from == StatusOnline:
				rec.Status = StatusAway
			default:
				continue
			}
			out = append(out, *t.change(rec, from, now))
		}
		sh.mu.Unlock()
	}

	for i := range out {
		t.emit(&out[i])
	}
	if t.cfg.OnIdleOffline != nil {
		for _, id := range idle {
			t.cfg.OnIdleOffline(id)
		}
	}
	return out
}

func (t *Tracker) emit(tr *Transition) {
	if tr == nil {
		return
	}
	t.pendingMu.Lock()
	if p, ok := t.pending[tr.UserID]; ok {
		from := p.From
		*p = *tr
		p.From = from
	} else {
		cp := *tr
		t.pending[tr.UserID] = &cp
		t.order = append(t.order, tr.UserID)
	}
	t.pendingMu.Unlock()

	if t.cfg.OnTransition != nil {
		t.cfg.OnTransition(*tr)
	}
}

// Pending returns the number of users with unpublished transitions.
func (t *Tracker) Pending() int {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	return len(t.pending)
}

// Flush persists the latest record of every user with pending transitions
// and publishes them as one batch. Transitions for the same user since the
// last flush are coalesced into one. Records that fail to persist are
// retried on the next flush without being published again.
func (t *Tracker) Flush(ctx context.Context) int {
	t.pendingMu.Lock()
	if len(t.pending) == 0 && len(t.unsaved) == 0 {
		t.pendingMu.Unlock()
		return 0
	}
	trs := make([]Transition, 0, len(t.order))
	for _, id := range t.order {
		trs = append(trs, *t.pending[id])
	}
	save := make([]Transition, 0, len(trs)+len(t.unsaved))
	save = append(save, trs...)
	for id, tr := range t.unsaved {
		if _, ok := t.pending[id]; !ok {
			save = append(save, tr)
		}
	}
	t.pending = make(map[string]*Transition)
	t.order = nil
	t.unsaved = make(map[string]Transition)
	t.pendingMu.Unlock()

	if t.cfg.KV != nil {
		t.persistAll(ctx, save)
	}

	if t.cfg.Bus != nil && len(trs) > 0 {
		data, err := json.Marshal(batch{Instance: t.cfg.Instance, Transitions: trs})
		if err == nil {
			err = t.cfg.Breaker.Do(ctx, func(ctx context.Context) error {
				return t.cfg.Bus.Publish(ctx, store.PresenceChannel, data)
			})
		}
		if err != nil {
			t.fail(err)
		}
	}
	return len(trs)
}

// persistAll writes the current record of each user in trs. Failures go
// back to unsaved unless a newer write for the user is already queued.
func (t *Tracker) persistAll(ctx context.Context, trs []Transition) {
	now := t.cfg.Clock.Now()
	var (
		failed   []Transition
		firstErr error
	)
	for _, tr := range trs {
		rec := t.local(tr.UserID)
		if rec.UserID == "" {
			rec = Record{UserID: tr.UserID, Status: tr.To, LastSeen: tr.LastSeen, CustomStatus: tr.CustomStatus}
		}
		if err := t.persist(ctx, rec, now); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			failed = append(failed, tr)
		}
	}
	if len(failed) == 0 {
		return
	}

	t.pendingMu.Lock()
	for _, tr := range failed {
		if _, ok := t.unsaved[tr.UserID]; !ok {
			t.unsaved[tr.UserID] = tr
		}
	}
	t.pendingMu.Unlock()

	t.logger.Warn().Int("failed", len(failed)).Int("total", len(trs)).Msg("Presence records not persisted, retrying next flush")
	t.fail(firstErr)
}

func (t *Tracker) persist(ctx context.Context, rec Record, now time.Time) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return t.cfg.Breaker.Do(ctx, func(ctx context.Context) error {
		_, err := t.cfg.KV.Put(ctx, store.PresenceKey(rec.UserID), store.Entry{
			Data:     data,
			Version:  now.UnixNano(),
			Instance: t.cfg.Instance,
		}, t.cfg.StoreTTL)
		return err
	})
}

func (t *Tracker) fail(err error) {
	t.logger.Warn().Err(err).Msg("Presence store operation failed")
	if t.cfg.OnError != nil {
		t.cfg.OnError(err)
	}
}

func (t *Tracker) local(userID string) Record {
	sh := t.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if rec, ok := sh.users[userID]; ok {
		return *rec
	}
	return Record{}
}

func (t *Tracker) cachedRecord(userID string, now time.Time) (Record, bool) {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()
	c, ok := t.cache[userID]
	if !ok {
		return Record{}, false
	}
	if !now.Before(c.expires) {
		delete(t.cache, userID)
		return Record{}, false
	}
	return c.rec, true
}

func (t *Tracker) remember(rec Record, now time.Time) {
	t.cacheMu.Lock()
	t.cache[rec.UserID] = cached{rec: rec, expires: now.Add(t.cfg.CacheTTL)}
	t.cacheMu.Unlock()
}

// Get returns a user's presence. Users connected here are answered from
// memory, others from the cache and then the shared store, whichever saw
// the user last. An unknown user is offline; an unreadable store yields
// StatusUnknown.
func (t *Tracker) Get(ctx context.Context, userID string) Record {
	local := t.local(userID)
	if local.Sessions > 0 {
		return local
	}
	now := t.cfg.Clock.Now()
	if rec, ok := t.cachedRecord(userID, now); ok {
		return newest(local, rec)
	}
	if t.cfg.KV == nil {
		return newest(local, Record{UserID: userID, Status: StatusOffline})
	}

	entry, err := faults.Call(ctx, t.cfg.Breaker, func(ctx context.Context) (store.Entry, error) {
		e, err := t.cfg.KV.Get(ctx, store.PresenceKey(userID))
		if errors.Is(err, store.ErrNotFound) {
			return store.Entry{}, nil
		}
		return e, err
	})
	if err != nil {
		t.fail(err)
		return Record{UserID: userID, Status: StatusUnknown}
	}

	rec := decode(userID, entry)
	t.remember(rec, now)
	return newest(local, rec)
}

// GetMany is Get for many users with one store round trip for all misses.
func (t *Tracker) GetMany(ctx context.Context, userIDs []string) map[string]Record {
	now := t.cfg.Clock.Now()
	out := make(map[string]Record, len(userIDs))
	locals := make(map[string]Record)
	var (
		missing []string
		keys    []string
	)
	for _, id := range userIDs {
		if _, dup := out[id]; dup {
			continue
		}
		local := t.local(id)
		if local.Sessions > 0 {
			out[id] = local
			continue
		}
		if rec, ok := t.cachedRecord(id, now); ok {
			out[id] = newest(local, rec)
			continue
		}
		out[id] = newest(local, Record{UserID: id, Status: StatusOffline})
		locals[id] = local
		missing = append(missing, id)
		keys = append(keys, store.PresenceKey(id))
	}
	if len(keys) == 0 || t.cfg.KV == nil {
		return out
	}

	entries, err := faults.Call(ctx, t.cfg.Breaker, func(ctx context.Context) (map[string]store.Entry, error) {
		return t.cfg.KV.GetMany(ctx, keys)
	})
	if err != nil {
		t.fail(err)
		for _, id := range missing {
			out[id] = Record{UserID: id, Status: StatusUnknown}
		}
		return out
	}
	for i, id := range missing {
		rec := decode(id, entries[keys[i]])
		t.remember(rec, now)
		out[id] = newest(locals[id], rec)
	}
	return out
}

// newest prefers the remote record only when it saw the user more
// recently than this instance did.
func newest(local, remote Record) Record {
	if local.UserID == "" || remote.LastSeen.After(local.LastSeen) {
		return remote
	}
	return local
}

func decode(userID string, e store.Entry) Record {
	rec := Record{UserID: userID, Status: StatusOffline}
	if len(e.Data) == 0 {
		return rec
	}
	if err := json.Unmarshal(e.Data, &rec); err != nil || rec.Status == "" {
		return Record{UserID: userID, Status: StatusOffline}
	}
	rec.UserID = userID
	return rec
}

// Subscribe listens for transition batches from every instance, this one
// included. Transitions published by other instances refresh the cache
// before fn sees them.
func (t *Tracker) Subscribe(ctx context.Context, fn func([]Transition)) (store.Subscription, error) {
	if t.cfg.Bus == nil {
		return nil, errors.New("presence: no bus configured")
	}
	return t.cfg.Bus.Subscribe(ctx, store.PresenceChannel, func(data []byte) {
		var b batch
		if err := json.Unmarshal(data, &b); err != nil {
			t.logger.Warn().Err(err).Msg("Dropping undecodable presence batch")
			return
		}
		if b.Instance != t.cfg.Instance {
			now := t.cfg.Clock.Now()
			for _, tr := range b.Transitions {
				t.remember(Record{
					UserID:       tr.UserID,
					Status:       tr.To,
					LastSeen:     tr.LastSeen,
					CustomStatus: tr.CustomStatus,
				}, now)
			}
		}
		if fn != nil {
			fn(b.Transitions)
		}
	})
}

// Distribution counts users connected here by status.
func (t *Tracker) Distribution() map[Status]int {
	out := map[Status]int{
		StatusOnline:  0,
		StatusAway:    0,
		StatusDND:     0,
		StatusOffline: 0,
	}
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		for _, rec := range sh.users {
			out[rec.Status]++
		}
		sh.mu.Unlock()
	}
	return out
}

// Run starts the tick and flush loops. A final flush runs when ctx ends.
func (t *Tracker) Run(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer monitoring.RecoverPanic(t.logger, "presenceTick", nil)
		ticker := time.NewTicker(t.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Tick()
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		defer monitoring.RecoverPanic(t.logger, "presenceFlush", nil)
		ticker := time.NewTicker(t.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Flush(ctx)
			case <-ctx.Done():
				final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				t.Flush(final)
				cancel()
				return
			}
		}
	}()
}

// Reachable reports whether messages for the user should be delivered now
// rather than queued. An unknown status counts as unreachable.
func (t *Tracker) Reachable(ctx context.Context, userID string) bool {
	return t.Get(ctx, userID).Status.Reachable()
}
