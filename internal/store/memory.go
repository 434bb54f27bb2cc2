package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/CavellTopDev/pitchey-app-sub004/internal/clock"
)

type memEntry struct {
	Entry
	expires time.Time
}

// Memory is an in-process KV and Bus. It backs single-instance mode and
// tests. Bus delivery is synchronous on the publisher's goroutine.
type Memory struct {
	clock clock.Clock

	mu      sync.RWMutex
	data    map[string]memEntry
	subs    map[string]map[*memSub]struct{}
	closed  bool
	failing error
}

type memSub struct {
	m       *Memory
	channel string
	fn      func([]byte)
}

func NewMemory(clk clock.Clock) *Memory {
	return &Memory{
		clock: clock.Or(clk),
		data:  make(map[string]memEntry),
		subs:  make(map[string]map[*memSub]struct{}),
	}
}

// FailWith makes every subsequent call return err, until called with nil.
// Used to simulate an unavailable store.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.failing = err
	m.mu.Unlock()
}

func (m *Memory) check() error {
	if m.closed {
		return ErrClosed
	}
	return m.failing
}

func (m *Memory) live(key string, now time.Time) (memEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expires.IsZero() && !now.Before(e.expires) {
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) Get(_ context.Context, key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return Entry{}, err
	}
	e, ok := m.live(key, m.clock.Now())
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e.Entry, nil
}

func (m *Memory) GetMany(_ context.Context, keys []string) (map[string]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	now := m.clock.Now()
	out := make(map[string]Entry, len(keys))
	for _, k := range keys {
		if e, ok := m.live(k, now); ok {
			out[k] = e.Entry
		}
	}
	return out, nil
}

func (m *Memory) Put(_ context.Context, key string, e Entry, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	now := m.clock.Now()
	if e.Version > 0 {
		if cur, ok := m.live(key, now); ok && cur.Version >= e.Version {
			return false, nil
		}
	}
	me := memEntry{Entry: Entry{Data: append([]byte(nil), e.Data...), Version: e.Version, Instance: e.Instance}}
	if ttl > 0 {
		me.expires = now.Add(ttl)
	}
	m.data[key] = me
	return true, nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *Memory) Scan(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	now := m.clock.Now()
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			if _, ok := m.live(k, now); ok {
				out = append(out, k)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.check()
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	if err := m.check(); err != nil {
		m.mu.RUnlock()
		return err
	}
	subs := make([]*memSub, 0, len(m.subs[channel]))
	for s := range m.subs[channel] {
		subs = append(subs, s)
	}
	m.mu.RUnlock()

	for _, s := range subs {
		s.fn(append([]byte(nil), payload...))
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string, fn func([]byte)) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	s := &memSub{m: m, channel: channel, fn: fn}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memSub]struct{})
	}
	m.subs[channel][s] = struct{}{}
	return s, nil
}

func (s *memSub) Unsubscribe() error {
	s.m.mu.Lock()
	delete(s.m.subs[s.channel], s)
	s.m.mu.Unlock()
	return nil
}

// Len returns the number of live keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.clock.Now()
	n := 0
	for k := range m.data {
		if _, ok := m.live(k, now); ok {
			n++
		}
	}
	return n
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.subs = make(map[string]map[*memSub]struct{})
	m.mu.Unlock()
	return nil
}
