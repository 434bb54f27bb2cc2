package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/CavellTopDev/pitchey-app-sub004/internal/clock"
)

// ConnectionLimiter throttles handshakes at two levels: per client
// address, and globally across all addresses. Both are token buckets.
type ConnectionLimiter struct {
	mu      sync.Mutex
	perAddr map[string]*addrEntry

	addrBurst int
	addrRate  float64
	addrTTL   time.Duration

	global      *rate.Limiter
	globalBurst int
	globalRate  float64

	clock    clock.Clock
	logger   zerolog.Logger
	onReject func(scope string)
}

type addrEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionLimiterConfig configures a ConnectionLimiter. Zero values take
// the defaults noted on each field.
type ConnectionLimiterConfig struct {
	AddrBurst int           // 10
	AddrRate  float64       // 1 per second
	AddrTTL   time.Duration // 5m

	GlobalBurst int     // 300
	GlobalRate  float64 // 50 per second

	Clock  clock.Clock
	Logger zerolog.Logger

	// OnReject is called with "global" or "per_addr".
	OnReject func(scope string)
}

func NewConnectionLimiter(cfg ConnectionLimiterConfig) *ConnectionLimiter {
	if cfg.AddrBurst == 0 {
		cfg.AddrBurst = 10
	}
	if cfg.AddrRate == 0 {
		cfg.AddrRate = 1
	}
	if cfg.AddrTTL == 0 {
		cfg.AddrTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50
	}

	return &ConnectionLimiter{
		perAddr:     make(map[string]*addrEntry),
		addrBurst:   cfg.AddrBurst,
		addrRate:    cfg.AddrRate,
		addrTTL:     cfg.AddrTTL,
		global:      rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		globalBurst: cfg.GlobalBurst,
		globalRate:  cfg.GlobalRate,
		clock:       clock.Or(cfg.Clock),
		logger:      cfg.Logger.With().Str("component", "connection_limiter").Logger(),
		onReject:    cfg.OnReject,
	}
}

// Allow reports whether a handshake from addr may proceed. The global
// bucket is checked first so a flood of distinct addresses is caught
// without growing the map.
func (c *ConnectionLimiter) Allow(addr string) bool {
	now := c.clock.Now()

	if !c.global.AllowN(now, 1) {
		c.logger.Debug().Str("addr", addr).Msg("Handshake rejected: global limit")
		c.reject("global")
		return false
	}

	c.mu.Lock()
	e, ok := c.perAddr[addr]
	if !ok {
		e = &addrEntry{limiter: rate.NewLimiter(rate.Limit(c.addrRate), c.addrBurst)}
		c.perAddr[addr] = e
	}
	e.lastAccess = now
	allowed := e.limiter.AllowN(now, 1)
	c.mu.Unlock()

	if !allowed {
		c.logger.Debug().Str("addr", addr).Msg("Handshake rejected: per-address limit")
		c.reject("per_addr")
	}
	return allowed
}

func (c *ConnectionLimiter) reject(scope string) {
	if c.onReject != nil {
		c.onReject(scope)
	}
}

// Cleanup drops addresses idle for longer than the TTL and returns how
// many were removed.
func (c *ConnectionLimiter) Cleanup() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for addr, e := range c.perAddr {
		if now.Sub(e.lastAccess) > c.addrTTL {
			delete(c.perAddr, addr)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug().Int("removed", removed).Int("remaining", len(c.perAddr)).Msg("Dropped idle address limiters")
	}
	return removed
}

// Run calls Cleanup every minute until ctx is done.
func (c *ConnectionLimiter) Run(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Cleanup()
		}
	}
}

type ConnectionStats struct {
	TrackedAddrs int     `json:"trackedAddrs"`
	AddrBurst    int     `json:"addrBurst"`
	AddrRate     float64 `json:"addrRate"`
	GlobalBurst  int     `json:"globalBurst"`
	GlobalRate   float64 `json:"globalRate"`
}

func (c *ConnectionLimiter) Stats() ConnectionStats {
	c.mu.Lock()
	n := len(c.perAddr)
	c.mu.Unlock()
	return ConnectionStats{
		TrackedAddrs: n,
		AddrBurst:    c.addrBurst,
		AddrRate:     c.addrRate,
		GlobalBurst:  c.globalBurst,
		GlobalRate:   c.globalRate,
	}
}
