// Package store is the shared key-value and publish/subscribe layer used
// for cross-instance coordination.
//
// Every value is stored with a version stamp and the id of the instance
// that wrote it. Versioned writes only land when their version is newer
// than the stored one, so concurrent instances updating the same presence
// or rate-limit blob resolve to the latest writer instead of whoever
// happened to write last.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrClosed   = errors.New("store: closed")
)

// Entry is one stored value.
type Entry struct {
	Data     []byte
	Version  int64
	Instance string
}

// KV is the shared ephemeral key-value store.
type KV interface {
	Get(ctx context.Context, key string) (Entry, error)

	// GetMany fetches all keys in one round trip. Missing keys are absent
	// from the result.
	GetMany(ctx context.Context, keys []string) (map[string]Entry, error)

	// Put stores e under key. When e.Version is positive the write only
	// happens if it is strictly newer than the stored version, and the
	// result reports whether it landed. A zero version always writes.
	Put(ctx context.Context, key string, e Entry, ttl time.Duration) (bool, error)

	Delete(ctx context.Context, keys ...string) error

	// Scan lists keys starting with prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Bus is the shared publish/subscribe channel.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe calls fn for every message on channel until the
	// subscription is closed. fn runs on the bus's delivery goroutine
	// and must not block.
	Subscribe(ctx context.Context, channel string, fn func([]byte)) (Subscription, error)

	Close() error
}

type Subscription interface {
	Unsubscribe() error
}

// Channels.
const (
	PresenceChannel  = "rt.presence"
	BroadcastChannel = "rt.broadcast"
)

const keyPrefix = "rt:"

func PresenceKey(userID string) string { return keyPrefix + "presence:" + userID }

// RateLimitKey is keyed by identity rather than session so a client that
// reconnects elsewhere keeps its history. Identity is the user id for
// authenticated sessions and the remote address otherwise.
func RateLimitKey(identity, kind string) string {
	return keyPrefix + "ratelimit:" + identity + ":" + kind
}

func QueueKey(userID, messageID string) string {
	return QueueUserPrefix(userID) + messageID
}

func QueueUserPrefix(userID string) string { return keyPrefix + "queue:" + userID + ":" }

func MetricsKey(instance string) string { return keyPrefix + "metrics:" + instance }
