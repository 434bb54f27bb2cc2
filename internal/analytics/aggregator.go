// Package analytics counts what the gateway does, keeps a rolling latency
// sample, raises advisory alerts and exports it all to Prometheus, the
// shared store and optionally Kafka. It observes other components and
// never changes them.
package analytics

import (
	"context"
	"encoding/json"
	"strconv"
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

// Sink receives snapshots and alerts for an external pipeline.
type Sink interface {
	PublishSnapshot(ctx context.Context, s Snapshot) error
	PublishAlert(ctx context.Context, a AlertEvent) error
}

type Config struct {
	Instance         string
	SnapshotInterval time.Duration // 60s
	SampleSize       int           // 1000 latency samples

	ErrorRateThreshold  float64       // 0.05
	LatencyThreshold    time.Duration // 3s average
	ConnectionThreshold int64         // 10000

	Clock   clock.Clock
	Logger  zerolog.Logger
	Metrics *Metrics
	Alerter monitoring.Alerter
	KV      store.KV
	Sink    Sink

	// Breaker guards the sink. StoreBreaker guards snapshot writes to KV.
	Breaker      *faults.Breaker
	StoreBreaker *faults.Breaker

	// Presence reports the current presence distribution, read at
	// snapshot time.
	Presence func() map[string]int
}

func (c Config) withDefaults() Config {
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = time.Minute
	}
	if c.ErrorRateThreshold <= 0 {
		c.ErrorRateThreshold = 0.05
	}
	if c.LatencyThreshold <= 0 {
		c.LatencyThreshold = 3 * time.Second
	}
	if c.ConnectionThreshold <= 0 {
		c.ConnectionThreshold = 10000
	}
	c.Clock = clock.Or(c.Clock)
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	if c.Breaker == nil {
		c.Breaker = faults.NewBreaker(faults.DepAnalytics, faults.BreakerConfig{Clock: c.Clock})
	}
	if c.StoreBreaker == nil {
		c.StoreBreaker = faults.NewBreaker(faults.DepCache, faults.BreakerConfig{Clock: c.Clock})
	}
	return c
}

// windowed is a counter with a running total and a per-snapshot window.
type windowed struct {
	total  atomic.Int64
	window atomic.Int64
}

func (w *windowed) add(n int64) {
	w.total.Add(n)
	w.window.Add(n)
}

func (w *windowed) take() int64 { return w.window.Swap(0) }

// Aggregator is safe for concurrent use. Recording methods are lock-free
// except for the keyed maps.
type Aggregator struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *Metrics
	latency *reservoir

	active  atomic.Int64
	opened  windowed
	closed  windowed
	recv    [protocol.KindCount]windowed
	sent    [protocol.KindCount]windowed
	bytesIn atomic.Int64
	limited windowed

	mu         sync.Mutex
	errors     map[string]int64 // category, current window
	errorTotal int64
	queue      map[string]int64 // outcome, current window
	lastSnap   time.Time

	lastMu  sync.RWMutex
	last    Snapshot
	started time.Time
}

func New(cfg Config) *Aggregator {
	cfg = cfg.withDefaults()
	now := cfg.Clock.Now()
	return &Aggregator{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "analytics").Logger(),
		metrics:  cfg.Metrics,
		latency:  newReservoir(cfg.SampleSize),
		errors:   make(map[string]int64),
		queue:    make(map[string]int64),
		lastSnap: now,
		started:  now,
	}
}

func (a *Aggregator) ConnectionOpened() {
	a.active.Add(1)
	a.opened.add(1)
	a.metrics.connectionsTotal.Inc()
	a.metrics.connectionsActive.Inc()
}

func (a *Aggregator) ConnectionClosed(code int, lifetime time.Duration) {
	a.active.Add(-1)
	a.closed.add(1)
	a.metrics.connectionsActive.Dec()
	a.metrics.disconnects.WithLabelValues(strconv.Itoa(code)).Inc()
	a.metrics.connectionLife.Observe(lifetime.Seconds())
}

// ActiveConnections is the number of open sessions seen by this
// aggregator.
func (a *Aggregator) ActiveConnections() int64 { return a.active.Load() }

func kindIndex(k protocol.Kind) int {
	if !k.Valid() {
		return int(protocol.KindUnknown)
	}
	return int(k)
}

func (a *Aggregator) MessageReceived(k protocol.Kind, bytes int) {
	a.recv[kindIndex(k)].add(1)
	a.bytesIn.Add(int64(bytes))
	a.metrics.messagesReceived.WithLabelValues(k.String()).Inc()
	a.metrics.bytesReceived.Add(float64(bytes))
}

func (a *Aggregator) MessageSent(k protocol.Kind, bytes int) {
	a.sent[kindIndex(k)].add(1)
	a.metrics.messagesSent.WithLabelValues(k.String()).Inc()
	a.metrics.bytesSent.Add(float64(bytes))
}

// Latency records the handling time of one inbound envelope.
func (a *Aggregator) Latency(d time.Duration) {
	a.latency.add(d)
	a.metrics.latency.Observe(d.Seconds())
}

// Error records a handled error. It matches faults.HandlerConfig.Observe.
func (a *Aggregator) Error(rec faults.Record) {
	cat := string(rec.Category)
	a.mu.Lock()
	a.errors[cat]++
	a.errorTotal++
	a.mu.Unlock()
	a.metrics.errors.WithLabelValues(cat, rec.Severity.String()).Inc()
}

func (a *Aggregator) RateLimited(kind, reason string) {
	a.limited.add(1)
	a.metrics.rateLimited.WithLabelValues(kind, reason).Inc()
}

func (a *Aggregator) HandshakeRejected(reason string) {
	a.metrics.handshakes.WithLabelValues(reason).Inc()
}

func (a *Aggregator) QueueOutcome(outcome string) {
	a.mu.Lock()
	a.queue[outcome]++
	a.mu.Unlock()
	a.metrics.queueOutcomes.WithLabelValues(outcome).Inc()
}

// BreakerChanged matches faults.BreakerConfig.OnStateChange.
func (a *Aggregator) BreakerChanged(name string, _, to faults.BreakerState) {
	a.metrics.breakers.WithLabelValues(name).Set(float64(to))
}

// AlertEvent is one advisory alert.
type AlertEvent struct {
	Name      string    `json:"name"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Instance  string    `json:"instance"`
	At        time.Time `json:"at"`
}

// Snapshot is what one snapshot pass observed. Window fields cover the
// time since the previous snapshot.
type Snapshot struct {
	Instance string        `json:"instance"`
	At       time.Time     `json:"at"`
	Window   time.Duration `json:"window"`
	Uptime   time.Duration `json:"uptime"`

	ConnectionsActive int64 `json:"connectionsActive"`
	ConnectionsTotal  int64 `json:"connectionsTotal"`
	Opened            int64 `json:"opened"`
	Closed            int64 `json:"closed"`

	MessagesReceived int64            `json:"messagesReceived"`
	MessagesSent     int64            `json:"messagesSent"`
	ReceivedByKind   map[string]int64 `json:"receivedByKind"`
	SentByKind       map[string]int64 `json:"sentByKind"`
	TotalReceived    int64            `json:"totalReceived"`
	TotalSent        int64            `json:"totalSent"`
	BytesReceived    int64            `json:"bytesReceived"`

	Errors           int64            `json:"errors"`
	ErrorsByCategory map[string]int64 `json:"errorsByCategory"`
	ErrorRate        float64          `json:"errorRate"`
	RateLimited      int64            `json:"rateLimited"`
	QueueOutcomes    map[string]int64 `json:"queueOutcomes"`

	Latency  LatencySummary `json:"latency"`
	Presence map[string]int `json:"presence,omitempty"`
	Alerts   []AlertEvent   `json:"alerts,omitempty"`
}

// Snapshot closes the current window: it reads and resets the window
// counters, evaluates alerts, stores the result under the instance's
// metrics key and hands it to the sink.
func (a *Aggregator) Snapshot(ctx context.Context) Snapshot {
	now := a.cfg.Clock.Now()

	s := Snapshot{
		Instance:          a.cfg.Instance,
		At:                now,
		Uptime:            now.Sub(a.started),
		ConnectionsActive: a.active.Load(),
		ConnectionsTotal:  a.opened.total.Load(),
		Opened:            a.opened.take(),
		Closed:            a.closed.take(),
		ReceivedByKind:    make(map[string]int64),
		SentByKind:        make(map[string]int64),
		BytesReceived:     a.bytesIn.Load(),
		RateLimited:       a.limited.take(),
		Latency:           a.latency.summary(),
	}
	for i := range a.recv {
		k := protocol.Kind(i).String()
		if n := a.recv[i].take(); n > 0 {
			s.ReceivedByKind[k] = n
			s.MessagesReceived += n
		}
		if n := a.sent[i].take(); n > 0 {
			s.SentByKind[k] = n
			s.MessagesSent += n
		}
		s.TotalReceived += a.recv[i].total.Load()
		s.TotalSent += a.sent[i].total.Load()
	}

	a.mu.Lock()
	s.Window = now.Sub(a.lastSnap)
	a.lastSnap = now
	s.ErrorsByCategory = a.errors
	s.QueueOutcomes = a.queue
	a.errors = make(map[string]int64)
	a.queue = make(map[string]int64)
	a.mu.Unlock()

	for _, n := range s.ErrorsByCategory {
		s.Errors += n
	}
	if s.MessagesReceived > 0 {
		s.ErrorRate = float64(s.Errors) / float64(s.MessagesReceived)
	}

	if a.cfg.Presence != nil {
		s.Presence = a.cfg.Presence()
		for status, n := range s.Presence {
			a.metrics.presence.WithLabelValues(status).Set(float64(n))
		}
	}

	s.Alerts = a.evaluate(s)

	a.lastMu.Lock()
	a.last = s
	a.lastMu.Unlock()

	a.publish(ctx, s)
	return s
}

// Last returns the most recent snapshot.
func (a *Aggregator) Last() Snapshot {
	a.lastMu.RLock()
	defer a.lastMu.RUnlock()
	return a.last
}

func (a *Aggregator) evaluate(s Snapshot) []AlertEvent {
	var out []AlertEvent
	raise := func(name string, level monitoring.AlertLevel, msg string, value, threshold float64) {
		ev := AlertEvent{
			Name:      name,
			Level:     level.String(),
			Message:   msg,
			Value:     value,
			Threshold: threshold,
			Instance:  a.cfg.Instance,
			At:        s.At,
		}
		out = append(out, ev)
		a.metrics.alerts.WithLabelValues(name).Inc()
		if a.cfg.Alerter != nil {
			a.cfg.Alerter.Alert(level, msg, map[string]any{
				"alert":     name,
				"value":     value,
				"threshold": threshold,
				"instance":  a.cfg.Instance,
			})
		}
	}

	if s.ErrorRate > a.cfg.ErrorRateThreshold {
		raise("error_rate", monitoring.AlertWarning, "Error rate above threshold",
			s.ErrorRate, a.cfg.ErrorRateThreshold)
	}
	if s.Latency.Count > 0 && s.Latency.Avg > a.cfg.LatencyThreshold {
		raise("latency", monitoring.AlertWarning, "Average latency above threshold",
			s.Latency.Avg.Seconds(), a.cfg.LatencyThreshold.Seconds())
	}
	if s.ConnectionsActive > a.cfg.ConnectionThreshold {
		raise("connections", monitoring.AlertError, "Connection count above capacity threshold",
			float64(s.ConnectionsActive), float64(a.cfg.ConnectionThreshold))
	}
	return out
}

func (a *Aggregator) publish(ctx context.Context, s Snapshot) {
	if a.cfg.KV != nil {
		data, err := json.Marshal(s)
		if err == nil {
			err = a.cfg.StoreBreaker.Do(ctx, func(ctx context.Context) error {
				_, err := a.cfg.KV.Put(ctx, store.MetricsKey(a.cfg.Instance), store.Entry{
					Data:     data,
					Version:  s.At.UnixNano(),
					Instance: a.cfg.Instance,
				}, 5*a.cfg.SnapshotInterval)
				return err
			})
		}
		if err != nil {
			a.logger.Warn().Err(err).Msg("Failed to store metrics snapshot")
		}
	}

	if a.cfg.Sink == nil {
		return
	}
	err := a.cfg.Breaker.Do(ctx, func(ctx context.Context) error {
		return a.cfg.Sink.PublishSnapshot(ctx, s)
	})
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to publish metrics snapshot")
	}
	for _, ev := range s.Alerts {
		err := a.cfg.Breaker.Do(ctx, func(ctx context.Context) error {
			return a.cfg.Sink.PublishAlert(ctx, ev)
		})
		if err != nil {
			a.logger.Warn().Err(err).Str("alert", ev.Name).Msg("Failed to publish alert")
		}
	}
}

// Cluster reads the latest snapshot of every instance from the store.
func (a *Aggregator) Cluster(ctx context.Context) (map[string]Snapshot, error) {
	if a.cfg.KV == nil {
		return map[string]Snapshot{a.cfg.Instance: a.Last()}, nil
	}
	keys, err := a.cfg.KV.Scan(ctx, store.MetricsKey(""))
	if err != nil {
		return nil, err
	}
	entries, err := a.cfg.KV.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Snapshot, len(entries))
	for _, e := range entries {
		var s Snapshot
		if json.Unmarshal(e.Data, &s) == nil {
			out[s.Instance] = s
		}
	}
	return out, nil
}

// Run snapshots every SnapshotInterval until ctx ends.
func (a *Aggregator) Run(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer monitoring.RecoverPanic(a.logger, "analyticsSnapshot", nil)
		ticker := time.NewTicker(a.cfg.SnapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.Snapshot(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}
