package session

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/CavellTopDev/pitchey-app-sub004/internal/clock"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/monitoring"
)

const shardCount = 32

type sessionShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

type userShard struct {
	mu    sync.RWMutex
	users map[string]map[string]*Session
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// Config tunes the registry sweeps. Zero values take the defaults.
type Config struct {
	IdleTimeout       time.Duration // 5m
	ReapInterval      time.Duration // 30s
	HeartbeatInterval time.Duration // 30s
	Clock             clock.Clock
	Logger            zerolog.Logger

	// Evict closes an idle session. The registry does not close sessions
	// itself so the owner can run its disconnect bookkeeping.
	Evict func(s *Session)
}

// Removal describes what a removal did to the user index.
type Removal struct {
	UserID        string
	Authenticated bool
	Remaining     int // sessions left for UserID
}

// Registry is the set of live sessions, indexed by id and, once
// authenticated, by user id. Both indexes are sharded so no single lock
// covers every session.
type Registry struct {
	cfg    Config
	clock  clock.Clock
	logger zerolog.Logger

	sessions [shardCount]sessionShard
	users    [shardCount]userShard
	subs     *SubscriptionIndex

	count     atomic.Int64
	userCount atomic.Int64
	total     atomic.Int64
	evicted   atomic.Int64
}

func NewRegistry(cfg Config) *Registry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	cfg.Clock = clock.Or(cfg.Clock)

	r := &Registry{
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger.With().Str("component", "registry").Logger(),
		subs:   NewSubscriptionIndex(),
	}
	for i := range r.sessions {
		r.sessions[i].sessions = make(map[string]*Session)
		r.users[i].users = make(map[string]map[string]*Session)
	}
	return r
}

// Register adds an unauthenticated session.
func (r *Registry) Register(s *Session) error {
	sh := &r.sessions[shardFor(s.id)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.sessions[s.id]; ok {
		return ErrDuplicate
	}
	sh.sessions[s.id] = s
	r.count.Add(1)
	r.total.Add(1)
	return nil
}

// Authenticate binds a registered session to a user and indexes it. It
// returns the number of sessions that user now has on this instance.
func (r *Registry) Authenticate(s *Session, userID, role string) (int, error) {
	if _, ok := r.Lookup(s.id); !ok {
		return 0, ErrNotFound
	}
	if err := s.authenticate(userID, role); err != nil {
		return 0, err
	}

	us := &r.users[shardFor(userID)]
	us.mu.Lock()
	set, ok := us.users[userID]
	if !ok {
		set = make(map[string]*Session)
		us.users[userID] = set
		r.userCount.Add(1)
	}
	set[s.id] = s
	n := len(set)
	us.mu.Unlock()

	// A concurrent Remove may have run between the lookup and indexing.
	if cur, ok := r.Lookup(s.id); !ok || cur != s {
		r.unindex(s.id, userID)
		return 0, ErrNotFound
	}
	return n, nil
}

func (r *Registry) unindex(sessionID, userID string) int {
	us := &r.users[shardFor(userID)]
	us.mu.Lock()
	defer us.mu.Unlock()
	set, ok := us.users[userID]
	if !ok {
		return 0
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(us.users, userID)
		r.userCount.Add(-1)
	}
	return len(set)
}

func (r *Registry) Lookup(id string) (*Session, bool) {
	sh := &r.sessions[shardFor(id)]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[id]
	return s, ok
}

// ByUser returns the authenticated sessions of a user. Unauthenticated
// sessions are never in the user index.
func (r *Registry) ByUser(userID string) []*Session {
	us := &r.users[shardFor(userID)]
	us.mu.RLock()
	defer us.mu.RUnlock()
	set := us.users[userID]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

func (r *Registry) UserSessions(userID string) int {
	us := &r.users[shardFor(userID)]
	us.mu.RLock()
	defer us.mu.RUnlock()
	return len(us.users[userID])
}

// Users returns every user with at least one session here.
func (r *Registry) Users() []string {
	out := make([]string, 0, r.userCount.Load())
	for i := range r.users {
		us := &r.users[i]
		us.mu.RLock()
		for id := range us.users {
			out = append(out, id)
		}
		us.mu.RUnlock()
	}
	return out
}

// Remove drops a session from every index. The second result is false
// when the session was not registered.
func (r *Registry) Remove(s *Session) (Removal, bool) {
	sh := &r.sessions[shardFor(s.id)]
	sh.mu.Lock()
	cur, ok := sh.sessions[s.id]
	if ok && cur == s {
		delete(sh.sessions, s.id)
	}
	sh.mu.Unlock()
	if !ok || cur != s {
		return Removal{}, false
	}
	r.count.Add(-1)

	if subs := s.subscriptions.List(); len(subs) > 0 {
		r.subs.Remove(s, subs...)
	}

	rem := Removal{UserID: s.UserID(), Authenticated: s.Authenticated()}
	if !rem.Authenticated {
		return rem, true
	}

	rem.Remaining = r.unindex(s.id, rem.UserID)
	return rem, true
}

func (r *Registry) Len() int       { return int(r.count.Load()) }
func (r *Registry) UserLen() int   { return int(r.userCount.Load()) }
func (r *Registry) Total() int64   { return r.total.Load() }
func (r *Registry) Evicted() int64 { return r.evicted.Load() }

// Each calls fn for every session, one shard at a time, until fn returns
// false. Sessions registered or removed during the walk may or may not be
// visited.
func (r *Registry) Each(fn func(*Session) bool) {
	for i := range r.sessions {
		sh := &r.sessions[i]
		sh.mu.RLock()
		batch := make([]*Session, 0, len(sh.sessions))
		for _, s := range sh.sessions {
			batch = append(batch, s)
		}
		sh.mu.RUnlock()

		for _, s := range batch {
			if !fn(s) {
				return
			}
		}
	}
}

// Subscribe adds resources to a session and the reverse index.
func (r *Registry) Subscribe(s *Session, resources ...string) []string {
	added := s.subscriptions.Add(resources...)
	if len(added) > 0 {
		r.subs.Add(s, added...)
	}
	return added
}

func (r *Registry) Unsubscribe(s *Session, resources ...string) []string {
	removed := s.subscriptions.Remove(resources...)
	if len(removed) > 0 {
		r.subs.Remove(s, removed...)
	}
	return removed
}

// Subscribers returns the sessions following resource.
func (r *Registry) Subscribers(resource string) []*Session {
	return r.subs.Get(resource)
}

func (r *Registry) Resources() int { return r.subs.Resources() }

// Reap evicts every session with no inbound frame for longer than the
// idle timeout and returns how many it evicted.
func (r *Registry) Reap() int {
	now := r.clock.Now()
	var idle []*Session
	r.Each(func(s *Session) bool {
		if now.Sub(s.LastActivity()) > r.cfg.IdleTimeout {
			idle = append(idle, s)
		}
		return true
	})

	for _, s := range idle {
		r.logger.Info().
			Str("session_id", s.id).
			Str("user_id", s.UserID()).
			Dur("idle", now.Sub(s.LastActivity())).
			Msg("Evicting idle session")
		if r.cfg.Evict != nil {
			r.cfg.Evict(s)
		} else {
			s.Close(CloseIdleTimeout, "idle timeout")
			r.Remove(s)
		}
	}
	r.evicted.Add(int64(len(idle)))
	return len(idle)
}

// Heartbeat asks every open session to ping its peer and returns how many
// pings were queued.
func (r *Registry) Heartbeat() int {
	n := 0
	r.Each(func(s *Session) bool {
		if !s.Closed() && s.RequestPing() {
			n++
		}
		return true
	})
	return n
}

// Run starts the reaper and heartbeat loops. Both stop when ctx ends.
func (r *Registry) Run(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer monitoring.RecoverPanic(r.logger, "sessionReaper", nil)
		ticker := time.NewTicker(r.cfg.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := r.Reap(); n > 0 {
					r.logger.Debug().Int("evicted", n).Msg("Reaper pass")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		defer monitoring.RecoverPanic(r.logger, "heartbeat", nil)
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Heartbeat()
			case <-ctx.Done():
				return
			}
		}
	}()
}
