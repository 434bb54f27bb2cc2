package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/CavellTopDev/pitchey-app-sub004/internal/clock"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/store"
)

// Mirror copies rate-limit state to the shared store so a client that
// reconnects to another instance keeps its recent history. Entries are
// keyed by identity and kind and carry a version stamp from the writer's
// clock.
type Mirror struct {
	kv       store.KV
	ttl      time.Duration
	instance string
	clock    clock.Clock
}

// NewMirror returns a mirror writing entries that expire after ttl
// (default 10 minutes).
func NewMirror(kv store.KV, ttl time.Duration, instance string, clk clock.Clock) *Mirror {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Mirror{kv: kv, ttl: ttl, instance: instance, clock: clock.Or(clk)}
}

// Save writes the given states for identity.
func (m *Mirror) Save(ctx context.Context, identity string, states map[string]State) error {
	version := m.clock.Now().UnixNano()
	for kind, st := range states {
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("encode rate limit state %s: %w", kind, err)
		}
		if _, err := m.kv.Put(ctx, store.RateLimitKey(identity, kind),
			store.Entry{Data: data, Version: version, Instance: m.instance}, m.ttl); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the mirrored states of identity for the given kinds in one
// round trip.
func (m *Mirror) Load(ctx context.Context, identity string, kinds []string) (map[string]State, error) {
	keys := make([]string, len(kinds))
	byKey := make(map[string]string, len(kinds))
	for i, k := range kinds {
		keys[i] = store.RateLimitKey(identity, k)
		byKey[keys[i]] = k
	}

	entries, err := m.kv.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}

	out := make(map[string]State, len(entries))
	for key, e := range entries {
		var st State
		if err := json.Unmarshal(e.Data, &st); err != nil {
			continue
		}
		out[byKey[key]] = st
	}
	return out, nil
}
