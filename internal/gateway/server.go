// Package gateway is the realtime entry point: it accepts WebSocket
// connections, authenticates them, routes inbound envelopes to per-kind
// handlers and exposes the outbound API used by the rest of the platform.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/CavellTopDev/pitchey-app-sub004/internal/analytics"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/audit"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/auth"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/clock"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/faults"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/monitoring"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/presence"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/protocol"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/queue"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/ratelimit"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/session"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/store"
)

// Config tunes the gateway. Component configs carry their own defaults;
// the gateway fills in clocks, loggers, stores and callbacks.
type Config struct {
	Addr               string
	Instance           string
	MaxConnections     int     // 10000
	MaxMessageBytes    int     // 65536
	SendBuffer         int     // 256
	CPURejectThreshold float64 // percent, 0 disables
	AsyncWorkers       int     // 8
	AsyncQueue         int     // 1024
	ShutdownTimeout    time.Duration
	WriteTimeout       time.Duration // 10s
	SystemInterval     time.Duration // 15s
	InternalToken      string

	Sessions    session.Config
	Presence    presence.Config
	Queue       queue.Config
	RateLimit   ratelimit.Config
	MirrorTTL   time.Duration
	Connections ratelimit.ConnectionLimiterConfig
	Analytics   analytics.Config
	Faults      faults.HandlerConfig
}

func (c Config) withDefaults() Config {
	if c.Instance == "" {
		c.Instance = "realtime"
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10000
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 << 10
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.AsyncWorkers <= 0 {
		c.AsyncWorkers = 8
	}
	if c.AsyncQueue <= 0 {
		c.AsyncQueue = 1024
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SystemInterval <= 0 {
		c.SystemInterval = 15 * time.Second
	}
	if c.Sessions.IdleTimeout <= 0 {
		c.Sessions.IdleTimeout = 5 * time.Minute
	}
	if c.Sessions.HeartbeatInterval <= 0 {
		c.Sessions.HeartbeatInterval = 30 * time.Second
	}
	return c
}

// Deps are the collaborators the gateway is built on. Only Verifier is
// required; the rest fall back to in-process implementations.
type Deps struct {
	Logger   zerolog.Logger
	Clock    clock.Clock
	Verifier auth.Verifier
	KV       store.KV
	Bus      store.Bus
	Audit    audit.Store
	Sink     analytics.Sink
	Alerter  monitoring.Alerter

	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	// Checks are extra health checks, keyed by component name.
	Checks map[string]func(context.Context) error
}

// Server wires the components together. Construct it with New.
type Server struct {
	cfg    Config
	deps   Deps
	clock  clock.Clock
	logger zerolog.Logger

	registry  *session.Registry
	presence  *presence.Tracker
	limiter   *ratelimit.Limiter
	mirror    *ratelimit.Mirror
	connLimit *ratelimit.ConnectionLimiter
	queue     *queue.Queue
	faults    *faults.Handler
	analytics *analytics.Aggregator
	metrics   *analytics.Metrics
	alerts    *monitoring.RecordingAlerter
	system    *monitoring.SystemSampler
	async     *asyncPool
	handlers  handlerTable

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup // background loops
	conns    sync.WaitGroup // connection pumps
	slots    atomic.Int64
	started  time.Time
	shutting atomic.Bool
	subs     []store.Subscription

	httpServer *http.Server
	listener   net.Listener
}

func New(cfg Config, deps Deps) (*Server, error) {
	cfg = cfg.withDefaults()
	if deps.Verifier == nil {
		return nil, errors.New("gateway: a token verifier is required")
	}
	deps.Clock = clock.Or(deps.Clock)
	if deps.KV == nil || deps.Bus == nil {
		mem := store.NewMemory(deps.Clock)
		if deps.KV == nil {
			deps.KV = mem
		}
		if deps.Bus == nil {
			deps.Bus = mem
		}
	}
	if deps.Audit == nil {
		deps.Audit = audit.Noop{}
	}
	if deps.Alerter == nil {
		deps.Alerter = monitoring.NewLogAlerter(deps.Logger)
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		clock:   deps.Clock,
		logger:  deps.Logger.With().Str("component", "gateway").Logger(),
		alerts:  monitoring.NewRecordingAlerter(50, deps.Alerter),
		system:  monitoring.NewSystemSampler(deps.Logger),
		started: deps.Clock.Now(),
	}
	s.metrics = analytics.NewMetrics(deps.Registerer)

	fcfg := cfg.Faults
	fcfg.Clock = s.clock
	fcfg.Logger = deps.Logger
	if fcfg.Reporter == nil {
		fcfg.Reporter = monitoring.NewErrorReporter(deps.Logger, s.alerts)
	}
	fcfg.Observe = func(rec faults.Record) { s.analytics.Error(rec) }
	fcfg.Breaker.OnStateChange = s.breakerChanged
	if fcfg.Breaker.Ignore == nil {
		fcfg.Breaker.Ignore = notFound
	}
	s.faults = faults.NewHandler(fcfg)
	s.faults.AddClassifier(classify)
	s.faults.RegisterRecovery(faults.CodeCacheUnavailable, "reconnect_and_retry",
		faults.ReconnectAndRetry(s.faults.Breaker(faults.DepCache), deps.KV.Ping, time.Second))
	s.faults.RegisterRecovery(faults.CodeDatastoreUnavailable, "reconnect_and_retry",
		faults.ReconnectAndRetry(s.faults.Breaker(faults.DepDatastore), deps.Audit.Ping, time.Second))

	acfg := cfg.Analytics
	acfg.Instance = cfg.Instance
	acfg.Clock = s.clock
	acfg.Logger = deps.Logger
	acfg.Metrics = s.metrics
	acfg.Alerter = s.alerts
	acfg.KV = deps.KV
	acfg.Sink = deps.Sink
	acfg.Breaker = s.faults.Breaker(faults.DepAnalytics)
	acfg.StoreBreaker = s.faults.Breaker(faults.DepCache)
	acfg.Presence = s.presenceDistribution
	s.analytics = analytics.New(acfg)

	rcfg := cfg.Sessions
	rcfg.Clock = s.clock
	rcfg.Logger = deps.Logger
	rcfg.Evict = func(sess *session.Session) { sess.Close(session.CloseIdleTimeout, "idle timeout") }
	s.registry = session.NewRegistry(rcfg)

	pcfg := cfg.Presence
	pcfg.Instance = cfg.Instance
	pcfg.Clock = s.clock
	pcfg.Logger = deps.Logger
	pcfg.KV = deps.KV
	pcfg.Bus = deps.Bus
	pcfg.Breaker = s.faults.Breaker(faults.DepCache)
	pcfg.OnTransition = s.fanPresence
	pcfg.OnIdleOffline = s.idleOffline
	pcfg.OnError = func(err error) { s.dependencyError(err, faults.DepCache) }
	s.presence = presence.NewTracker(pcfg)

	lcfg := cfg.RateLimit
	lcfg.Clock = s.clock
	lcfg.Logger = deps.Logger
	s.limiter = ratelimit.NewLimiter(lcfg)
	s.mirror = ratelimit.NewMirror(deps.KV, cfg.MirrorTTL, cfg.Instance, s.clock)

	ccfg := cfg.Connections
	ccfg.Clock = s.clock
	ccfg.Logger = deps.Logger
	ccfg.OnReject = func(scope string) { s.analytics.HandshakeRejected("rate_limited_" + scope) }
	s.connLimit = ratelimit.NewConnectionLimiter(ccfg)

	qcfg := cfg.Queue
	qcfg.Instance = cfg.Instance
	qcfg.Clock = s.clock
	qcfg.Logger = deps.Logger
	qcfg.KV = deps.KV
	qcfg.Breaker = s.faults.Breaker(faults.DepCache)
	qcfg.OnOutcome = func(o queue.Outcome, _ queue.Message) { s.analytics.QueueOutcome(string(o)) }
	qcfg.OnError = func(err error) { s.dependencyError(err, faults.DepCache) }
	s.queue = queue.New(qcfg, deliverer{s}, s.presence)

	s.async = newAsyncPool(cfg.AsyncWorkers, cfg.AsyncQueue, deps.Logger)

	handlers, err := s.buildHandlers()
	if err != nil {
		return nil, err
	}
	s.handlers = handlers

	s.logger.Info().
		Str("instance", cfg.Instance).
		Int("max_connections", cfg.MaxConnections).
		Int("async_workers", cfg.AsyncWorkers).
		Int("max_message_bytes", cfg.MaxMessageBytes).
		Msg("Gateway initialized")
	return s, nil
}

// Run starts the background loops and bus subscriptions. They stop when
// Shutdown is called or ctx ends.
func (s *Server) Run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.async.Start(s.ctx)

	presenceSub, err := s.presence.Subscribe(s.ctx, s.presenceBatch)
	if err != nil {
		return fmt.Errorf("subscribe presence: %w", err)
	}
	fanoutSub, err := s.deps.Bus.Subscribe(s.ctx, store.BroadcastChannel, s.fanoutReceived)
	if err != nil {
		_ = presenceSub.Unsubscribe()
		return fmt.Errorf("subscribe broadcast: %w", err)
	}
	s.subs = []store.Subscription{presenceSub, fanoutSub}

	s.registry.Run(s.ctx, &s.wg)
	s.presence.Run(s.ctx, &s.wg)
	s.queue.Run(s.ctx, &s.wg)
	s.analytics.Run(s.ctx, &s.wg)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer monitoring.RecoverPanic(s.logger, "connectionLimiterCleanup", nil)
		s.connLimit.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.system.Run(s.ctx, s.cfg.SystemInterval)
	}()
	return nil
}

// Handler serves every HTTP surface of the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.Handle("GET /metrics", s.metricsHandler())
	mux.HandleFunc("POST /internal/notify", s.internal(s.handleNotify))
	mux.HandleFunc("POST /internal/broadcast", s.internal(s.handleBroadcast))
	mux.HandleFunc("POST /internal/resources/{id}/stats", s.internal(s.handleResourceStats))
	mux.HandleFunc("GET /internal/presence", s.internal(s.handlePresence))
	mux.HandleFunc("DELETE /internal/queue/{id}", s.internal(s.handleCancel))
	mux.HandleFunc("GET /internal/errors", s.internal(s.handleErrors))
	return mux
}

// Start runs the background loops and serves HTTP on cfg.Addr.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	if err := s.Run(ctx); err != nil {
		listener.Close()
		return err
	}

	s.httpServer = &http.Server{
		Handler:        s.Handler(),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.logger.Info().Str("address", listener.Addr().String()).Msg("Server listening")
	return nil
}

// Addr is the listening address once Start has returned.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections, gives clients the shutdown
// timeout to leave, closes the rest with 1001 and stops every background
// loop.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.shutting.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info().Int("active_connections", s.registry.Len()).Msg("Initiating graceful shutdown")

	if s.httpServer != nil {
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := s.httpServer.Shutdown(hctx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP server shutdown")
		}
		cancel()
	}

	drain := time.NewTimer(s.cfg.ShutdownTimeout)
	check := time.NewTicker(100 * time.Millisecond)
	defer drain.Stop()
	defer check.Stop()
wait:
	for s.registry.Len() > 0 {
		select {
		case <-drain.C:
			break wait
		case <-ctx.Done():
			break wait
		case <-check.C:
		}
	}

	if remaining := s.registry.Len(); remaining > 0 {
		s.logger.Warn().Int("remaining_connections", remaining).Msg("Closing remaining connections")
		s.registry.Each(func(sess *session.Session) bool {
			sess.Close(session.CloseGoingAway, "server shutting down")
			return true
		})
	}
	waitGroup(&s.conns, 5*time.Second)

	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.async.Stop()

	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}

func waitGroup(wg *sync.WaitGroup, limit time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(limit):
		return false
	}
}

// Registry, Presence, Queue, Limiter, Faults and Analytics expose the
// components for collaborators that need more than the outbound API.
func (s *Server) Registry() *session.Registry      { return s.registry }
func (s *Server) Presence() *presence.Tracker      { return s.presence }
func (s *Server) Queue() *queue.Queue              { return s.queue }
func (s *Server) Limiter() *ratelimit.Limiter      { return s.limiter }
func (s *Server) Faults() *faults.Handler          { return s.faults }
func (s *Server) Analytics() *analytics.Aggregator { return s.analytics }

func (s *Server) breakerChanged(name string, from, to faults.BreakerState) {
	s.logger.Warn().
		Str("dependency", name).
		Stringer("from", from).
		Stringer("to", to).
		Msg("Circuit breaker state changed")
	if s.analytics != nil {
		s.analytics.BreakerChanged(name, from, to)
	}
	if to == faults.StateOpen {
		s.alerts.Alert(monitoring.AlertError, "Circuit breaker opened", map[string]any{
			"dependency": name,
		})
	}
}

// guarded runs op through the dependency's breaker. A failure is handed to
// the error handler with op attached, so the recovery registered for its
// code can run it once more.
func (s *Server) guarded(ctx context.Context, dependency string, op func(context.Context) error) error {
	b := s.faults.Breaker(dependency)
	err := b.Do(ctx, op)
	if err != nil && !notFound(err) {
		s.reportDependency(err, dependency, func(ctx context.Context) error {
			return b.Do(ctx, op)
		})
	}
	return err
}

// dependencyError records a failed store, bus or audit call.
func (s *Server) dependencyError(err error, dependency string) {
	s.reportDependency(err, dependency, nil)
}

// reportDependency charges errors the classifiers do not recognise to the
// dependency.
func (s *Server) reportDependency(err error, dependency string, retry func(context.Context) error) {
	if _, ok := faults.As(err); !ok && s.faults.Classify(err).Code == faults.CodeInternal {
		switch dependency {
		case faults.DepCache:
			err = faults.Wrap(faults.CodeCacheUnavailable, err, "")
		case faults.DepDatastore:
			err = faults.Wrap(faults.CodeDatastoreUnavailable, err, "")
		}
	}
	s.faults.Handle(context.Background(), err, faults.Scope{Dependency: dependency, Retry: retry})
}

// notFound results are answers, not dependency failures.
func notFound(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, audit.ErrNotFound)
}

func (s *Server) presenceDistribution() map[string]int {
	dist := s.presence.Distribution()
	out := make(map[string]int, len(dist))
	for status, n := range dist {
		out[string(status)] = n
	}
	return out
}

// classify maps errors from the other packages into the taxonomy.
func classify(err error) (faults.Code, bool) {
	switch {
	case errors.Is(err, protocol.ErrMalformed), errors.Is(err, protocol.ErrEmptyPayload),
		errors.Is(err, protocol.ErrMissingType):
		return faults.CodeValidation, true
	case errors.Is(err, auth.ErrExpiredToken):
		return faults.CodeTokenExpired, true
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrMissingToken):
		return faults.CodeInvalidToken, true
	case errors.Is(err, session.ErrUserChanged):
		return faults.CodeForbidden, true
	case errors.Is(err, session.ErrBufferFull):
		return faults.CodeSendBufferFull, true
	case errors.Is(err, session.ErrClosed):
		return faults.CodeConnectionClosed, true
	case errors.Is(err, store.ErrNotFound):
		return faults.CodeCacheMiss, true
	case errors.Is(err, store.ErrClosed):
		return faults.CodeCacheUnavailable, true
	case errors.Is(err, queue.ErrInvalidPriority), errors.Is(err, queue.ErrExpired),
		errors.Is(err, queue.ErrDuplicate), errors.Is(err, presence.ErrNotConnected):
		return faults.CodeValidation, true
	case errors.Is(err, errNoSession):
		return faults.CodeDeliveryFailed, true
	case errors.Is(err, audit.ErrNotFound):
		return faults.CodeDatastoreQuery, true
	}
	return 0, false
}
