package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/CavellTopDev/pitchey-app-sub004/internal/analytics"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/audit"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/auth"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/config"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/faults"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/gateway"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/monitoring"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/presence"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/queue"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/ratelimit"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/session"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/store"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(nil)
	if err != nil {
		bootLogger := monitoring.NewLogger(monitoring.LoggerConfig{})
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  monitoring.LogLevel(cfg.LogLevel),
		Format: monitoring.LogFormat(cfg.LogFormat),
	})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("GOMAXPROCS set via automaxprocs")
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, closeDeps, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect backends")
	}
	defer closeDeps()

	srv, err := gateway.New(serverConfig(cfg), deps)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create server")
	}
	if err := srv.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
}

func serverConfig(cfg *config.Config) gateway.Config {
	return gateway.Config{
		Addr:               cfg.Addr,
		Instance:           cfg.InstanceID,
		MaxConnections:     cfg.MaxConnections,
		MaxMessageBytes:    cfg.MaxMessageBytes,
		SendBuffer:         cfg.SendBuffer,
		CPURejectThreshold: cfg.CPURejectThreshold,
		AsyncWorkers:       cfg.AsyncWorkers,
		AsyncQueue:         cfg.AsyncQueue,
		ShutdownTimeout:    cfg.ShutdownTimeout,
		SystemInterval:     cfg.MetricsInterval,
		InternalToken:      cfg.InternalToken,

		Sessions: session.Config{
			IdleTimeout:       cfg.IdleTimeout,
			HeartbeatInterval: cfg.HeartbeatInterval,
			ReapInterval:      cfg.ReaperInterval,
		},
		Presence: presence.Config{
			AwayAfter:     cfg.AwayAfter,
			OfflineAfter:  cfg.OfflineAfter,
			TickInterval:  cfg.PresenceTick,
			FlushInterval: cfg.PresenceFlush,
			CacheTTL:      cfg.PresenceCacheTTL,
		},
		Queue: queue.Config{
			BatchSize:     cfg.QueueBatchSize,
			MaxAttempts:   cfg.QueueMaxAttempts,
			TTL:           cfg.QueueTTL,
			AuditWindow:   cfg.QueueAuditWindow,
			SweepInterval: cfg.QueueSweep,
			RetryInterval: cfg.QueueRetry,
		},
		MirrorTTL: cfg.RateLimitMirrorTTL,
		Connections: ratelimit.ConnectionLimiterConfig{
			AddrBurst:   cfg.ConnBurstPerAddr,
			AddrRate:    cfg.ConnRatePerAddr,
			GlobalBurst: cfg.ConnBurstGlobal,
			GlobalRate:  cfg.ConnRateGlobal,
		},
		Analytics: analytics.Config{
			SnapshotInterval:    cfg.AnalyticsSnapshot,
			ErrorRateThreshold:  cfg.AlertErrorRate,
			LatencyThreshold:    cfg.AlertLatency,
			ConnectionThreshold: cfg.AlertConnections,
		},
		Faults: faults.HandlerConfig{
			Breaker: faults.BreakerConfig{
				FailureThreshold: cfg.BreakerFailures,
				Window:           cfg.BreakerWindow,
				Cooldown:         cfg.BreakerCooldown,
			},
		},
	}
}

// buildDeps connects the configured backends. Empty addresses fall back
// to the in-process implementations, which only make sense for a single
// instance.
func buildDeps(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (gateway.Deps, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (gateway.Deps, func(), error) {
		closeAll()
		return gateway.Deps{}, nil, err
	}

	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{
		Secret: cfg.JWTSecret,
		Issuer: cfg.JWTIssuer,
		Leeway: 30 * time.Second,
	})
	if err != nil {
		return fail(err)
	}
	deps := gateway.Deps{Logger: logger, Verifier: verifier}

	if cfg.RedisAddr != "" {
		r, err := store.NewRedis(store.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = r.Close() })
		deps.KV = r
		if cfg.PubSubBackend == "redis" {
			deps.Bus = r
		}
	} else {
		logger.Warn().Msg("REDIS_ADDR not set, using in-process store (single instance only)")
		mem := store.NewMemory(nil)
		deps.KV = mem
		if cfg.PubSubBackend == "memory" {
			deps.Bus = mem
		}
	}

	if cfg.PubSubBackend == "nats" {
		bus, err := store.NewNATSBus(store.NATSConfig{URL: cfg.NATSURL, Name: cfg.InstanceID}, logger)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = bus.Close() })
		deps.Bus = bus
	}

	if cfg.DatabaseURL != "" {
		pg, err := audit.NewPostgres(ctx, audit.PostgresConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DatabaseConns,
			Migrate:  cfg.Environment != "production",
		})
		if err != nil {
			return fail(err)
		}
		closers = append(closers, pg.Close)
		deps.Audit = pg
	}

	if len(cfg.KafkaBrokers) > 0 {
		sink, err := analytics.NewKafkaSink(analytics.KafkaConfig{
			Brokers:  cfg.KafkaBrokers,
			Topic:    cfg.AnalyticsTopic,
			Instance: cfg.InstanceID,
			Logger:   logger,
		})
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() {
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sink.Close(fctx); err != nil {
				logger.Warn().Err(err).Msg("Analytics sink flush incomplete")
			}
		})
		deps.Sink = sink
	}

	if cfg.SlackWebhookURL != "" {
		deps.Alerter = monitoring.NewMultiAlerter(
			monitoring.NewLogAlerter(logger),
			monitoring.NewSlackAlerter(cfg.SlackWebhookURL, cfg.SlackChannel, "realtime-"+cfg.InstanceID),
		)
	}

	return deps, closeAll, nil
}
