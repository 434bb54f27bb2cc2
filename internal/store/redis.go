package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/CavellTopDev/pitchey-app-sub004/internal/monitoring"
)

// Hash fields of every stored value.
const (
	fieldData     = "d"
	fieldVersion  = "v"
	fieldInstance = "i"
)

// putScript writes the hash if ARGV[1] is zero or newer than the stored
// version and refreshes the TTL.
//
// KEYS[1] = key
// ARGV[1] = version, ARGV[2] = data, ARGV[3] = instance, ARGV[4] = ttl ms
// Returns 1 when written, 0 when a newer or equal version is stored.
var putScript = redis.NewScript(`
local version = tonumber(ARGV[1])
if version > 0 then
  local cur = redis.call("HGET", KEYS[1], "v")
  if cur and tonumber(cur) >= version then
    return 0
  end
end
redis.call("HSET", KEYS[1], "v", ARGV[1], "d", ARGV[2], "i", ARGV[3])
local ttl = tonumber(ARGV[4])
if ttl > 0 then
  redis.call("PEXPIRE", KEYS[1], ttl)
else
  redis.call("PERSIST", KEYS[1])
end
return 1
`)

// RedisConfig configures the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Redis implements KV and Bus on a single go-redis client.
type Redis struct {
	client *redis.Client
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[*redisSub]struct{}
}

// NewRedis connects and pings with a 3s timeout.
func NewRedis(cfg RedisConfig, logger zerolog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	return NewRedisFromClient(client, logger), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, logger zerolog.Logger) *Redis {
	return &Redis{
		client: client,
		logger: logger.With().Str("component", "redis_store").Logger(),
		subs:   make(map[*redisSub]struct{}),
	}
}

func decodeHash(m map[string]string) (Entry, bool) {
	data, ok := m[fieldData]
	if !ok {
		return Entry{}, false
	}
	v, _ := strconv.ParseInt(m[fieldVersion], 10, 64)
	return Entry{Data: []byte(data), Version: v, Instance: m[fieldInstance]}, true
}

func (r *Redis) Get(ctx context.Context, key string) (Entry, error) {
	m, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("redis hgetall %s: %w", key, err)
	}
	e, ok := decodeHash(m)
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (r *Redis) GetMany(ctx context.Context, keys []string) (map[string]Entry, error) {
	if len(keys) == 0 {
		return map[string]Entry{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.HGetAll(ctx, k)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis pipeline hgetall (%d keys): %w", len(keys), err)
	}

	out := make(map[string]Entry, len(keys))
	for i, cmd := range cmds {
		m, err := cmd.Result()
		if err != nil {
			continue
		}
		if e, ok := decodeHash(m); ok {
			out[keys[i]] = e
		}
	}
	return out, nil
}

func (r *Redis) Put(ctx context.Context, key string, e Entry, ttl time.Duration) (bool, error) {
	n, err := putScript.Run(ctx, r.client, []string{key},
		e.Version, e.Data, e.Instance, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis put %s: %w", key, err)
	}
	return n == 1, nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *Redis) Scan(ctx context.Context, prefix string) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, prefix+"*", 200).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s*: %w", prefix, err)
		}
		out = append(out, keys...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

type redisSub struct {
	r      *Redis
	ps     *redis.PubSub
	done   chan struct{}
	closed sync.Once
}

func (r *Redis) Subscribe(ctx context.Context, channel string, fn func([]byte)) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	s := &redisSub{r: r, ps: ps, done: make(chan struct{})}
	r.mu.Lock()
	r.subs[s] = struct{}{}
	r.mu.Unlock()

	go func() {
		defer monitoring.RecoverPanic(r.logger, "redisSubscriber", map[string]any{"channel": channel})
		defer close(s.done)
		for msg := range ps.Channel() {
			fn([]byte(msg.Payload))
		}
	}()

	return s, nil
}

func (s *redisSub) Unsubscribe() error {
	var err error
	s.closed.Do(func() {
		err = s.ps.Close()
		<-s.done
		s.r.mu.Lock()
		delete(s.r.subs, s)
		s.r.mu.Unlock()
	})
	return err
}

func (r *Redis) Close() error {
	r.mu.Lock()
	subs := make([]*redisSub, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return r.client.Close()
}
