// Command wsload opens many authenticated connections against a realtime
// instance and keeps them busy with pings, typing indicators and direct
// messages between pairs of synthetic users.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/CavellTopDev/pitchey-app-sub004/internal/monitoring"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/protocol"
)

type soakConfig struct {
	WSURL          string
	HealthURL      string
	Secret         string
	Connections    int
	RampRate       int // connections per second
	Duration       time.Duration
	PingInterval   time.Duration
	MessageEvery   time.Duration // 0 disables direct messages
	Resources      []string
	ReportInterval time.Duration
	DialTimeout    time.Duration
}

// counters are updated by every connection goroutine.
type counters struct {
	active   atomic.Int64
	created  atomic.Int64
	failed   atomic.Int64
	sent     atomic.Int64
	received atomic.Int64
	errors   atomic.Int64
	pongs    atomic.Int64
	rtt      atomic.Int64 // sum of ping round trips, microseconds

	mu       sync.Mutex
	byKind   map[string]int64
	dialErrs map[string]int64
	health   *healthView
}

func (c *counters) kind(k string) {
	c.mu.Lock()
	c.byKind[k]++
	c.mu.Unlock()
}

func (c *counters) dialError(err error) {
	c.failed.Add(1)
	c.mu.Lock()
	c.dialErrs[err.Error()]++
	c.mu.Unlock()
}

// healthView is the subset of /health the load run reports.
type healthView struct {
	Status     string `json:"status"`
	Instance   string `json:"instance"`
	Components map[string]struct {
		Up      bool   `json:"up"`
		Breaker string `json:"breaker"`
	} `json:"components"`
	Warnings []string `json:"warnings"`
	Errors   []string `json:"errors"`
}

type soakConn struct {
	id     int
	userID string
	peerID string
	cfg    *soakConfig
	stats  *counters
	logger zerolog.Logger

	ws      *websocket.Conn
	writeMu sync.Mutex
	pingAt  atomic.Int64 // unix micros of the outstanding ping

	closeOnce sync.Once
	cancel    context.CancelFunc
}

func main() {
	cfg := parseFlags()
	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:   monitoring.LogLevelInfo,
		Format:  monitoring.LogFormatPretty,
		Service: "wsload",
	})
	if cfg.Secret == "" {
		logger.Fatal().Msg("JWT_SECRET (or -secret) is required to sign load-test tokens")
	}

	stats := &counters{byKind: make(map[string]int64), dialErrs: make(map[string]int64)}

	logger.Info().
		Str("url", cfg.WSURL).
		Int("connections", cfg.Connections).
		Int("ramp_rate", cfg.RampRate).
		Dur("duration", cfg.Duration).
		Dur("ping_interval", cfg.PingInterval).
		Dur("message_every", cfg.MessageEvery).
		Strs("resources", cfg.Resources).
		Msg("Starting load run")

	if err := checkHealth(cfg, stats); err != nil {
		logger.Fatal().Err(err).Msg("Initial health check failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go every(ctx, 5*time.Second, func() {
		if err := checkHealth(cfg, stats); err != nil {
			logger.Warn().Err(err).Msg("Health check failed")
		}
	})
	go every(ctx, cfg.ReportInterval, func() { report(logger, cfg, stats) })

	conns := ramp(ctx, cfg, stats, logger)
	logger.Info().Int64("active", stats.active.Load()).Msg("Ramp-up complete, sustaining load")

	select {
	case <-time.After(cfg.Duration):
	case <-ctx.Done():
		logger.Warn().Msg("Interrupted")
	}

	for _, c := range conns {
		c.close(websocket.CloseNormalClosure)
	}
	report(logger, cfg, stats)
}

func parseFlags() *soakConfig {
	cfg := &soakConfig{}
	flag.StringVar(&cfg.WSURL, "url", getEnv("WS_URL", "ws://localhost:3002/ws"), "WebSocket endpoint")
	flag.StringVar(&cfg.HealthURL, "health", getEnv("HEALTH_URL", "http://localhost:3002/health"), "health endpoint")
	flag.StringVar(&cfg.Secret, "secret", os.Getenv("JWT_SECRET"), "HMAC secret used to sign load-test tokens")
	flag.IntVar(&cfg.Connections, "connections", 100, "connections to open")
	flag.IntVar(&cfg.RampRate, "ramp-rate", 20, "connections per second during ramp-up")
	flag.DurationVar(&cfg.Duration, "duration", 5*time.Minute, "how long to sustain load")
	flag.DurationVar(&cfg.PingInterval, "ping-interval", 15*time.Second, "application ping interval")
	flag.DurationVar(&cfg.MessageEvery, "message-every", 0, "direct message interval per connection, 0 disables")
	flag.DurationVar(&cfg.ReportInterval, "report-interval", 10*time.Second, "report interval")
	flag.DurationVar(&cfg.DialTimeout, "dial-timeout", 10*time.Second, "handshake timeout")
	resources := flag.String("resources", "", "comma-separated resources every connection subscribes to")
	flag.Parse()

	for _, r := range strings.Split(*resources, ",") {
		if r = strings.TrimSpace(r); r != "" {
			cfg.Resources = append(cfg.Resources, r)
		}
	}
	if cfg.RampRate < 1 {
		cfg.RampRate = 1
	}
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func every(ctx context.Context, d time.Duration, fn func()) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// ramp opens connections in batches of a tenth of the ramp rate every
// 100ms.
func ramp(ctx context.Context, cfg *soakConfig, stats *counters, logger zerolog.Logger) []*soakConn {
	batch := max(cfg.RampRate/10, 1)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var (
		mu    sync.Mutex
		conns []*soakConn
	)
	next := 0
	for next < cfg.Connections {
		select {
		case <-ctx.Done():
			return conns
		case <-ticker.C:
		}

		var wg sync.WaitGroup
		for i := 0; i < batch && next < cfg.Connections; i++ {
			id := next
			next++
			wg.Add(1)
			go func() {
				defer wg.Done()
				c := &soakConn{
					id:     id,
					userID: fmt.Sprintf("load-%d", id),
					peerID: fmt.Sprintf("load-%d", id^1),
					cfg:    cfg,
					stats:  stats,
					logger: logger.With().Int("conn", id).Logger(),
				}
				stats.created.Add(1)
				if err := c.connect(ctx); err != nil {
					stats.dialError(err)
					return
				}
				mu.Lock()
				conns = append(conns, c)
				mu.Unlock()
			}()
		}
		wg.Wait()
	}
	return conns
}

func (c *soakConn) token() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"userId": c.userID,
		"role":   "loadtest",
		"iat":    now.Unix(),
		"exp":    now.Add(c.cfg.Duration + time.Hour).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.cfg.Secret))
}

func (c *soakConn) connect(ctx context.Context) error {
	tok, err := c.token()
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	u, err := url.Parse(c.cfg.WSURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	q := u.Query()
	q.Set("token", tok)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.DialTimeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := &net.Dialer{Timeout: c.cfg.DialTimeout, KeepAlive: 30 * time.Second}
			return d.DialContext(ctx, network, addr)
		},
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial failed: HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("dial failed: %w", err)
	}
	c.ws = ws
	c.stats.active.Add(1)

	connCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if len(c.cfg.Resources) > 0 {
		c.send(protocol.KindSubscribe, protocol.SubscribePayload{Resources: c.cfg.Resources})
	}
	go c.readLoop()
	go c.writeLoop(connCtx)
	return nil
}

func (c *soakConn) send(kind protocol.Kind, payload any) bool {
	data, err := protocol.Encode(kind, payload, time.Now())
	if err != nil {
		c.logger.Error().Err(err).Msg("Encode failed")
		return false
	}
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Write failed, closing")
		c.close(websocket.CloseAbnormalClosure)
		return false
	}
	c.stats.sent.Add(1)
	return true
}

func (c *soakConn) readLoop() {
	defer c.close(websocket.CloseAbnormalClosure)
	readTimeout := 2*c.cfg.PingInterval + 30*time.Second
	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPingHandler(func(data string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("Connection closed unexpectedly")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		c.stats.received.Add(1)

		env, err := protocol.Parse(data)
		if err != nil {
			c.stats.errors.Add(1)
			continue
		}
		name := env.RawType
		c.stats.kind(name)
		switch env.Type {
		case protocol.KindPong:
			if at := c.pingAt.Swap(0); at > 0 {
				c.stats.pongs.Add(1)
				c.stats.rtt.Add(time.Now().UnixMicro() - at)
			}
		case protocol.KindError:
			c.stats.errors.Add(1)
			var p protocol.ErrorPayload
			if env.Decode(&p) == nil {
				c.logger.Debug().Int("code", p.Code).Str("name", p.Name).Msg("Server error envelope")
			}
		}
	}
}

func (c *soakConn) writeLoop(ctx context.Context) {
	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	var msgC <-chan time.Time
	if c.cfg.MessageEvery > 0 {
		t := time.NewTicker(c.cfg.MessageEvery)
		defer t.Stop()
		msgC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			c.pingAt.Store(time.Now().UnixMicro())
			if !c.send(protocol.KindPing, map[string]int{"conn": c.id}) {
				return
			}
		case <-msgC:
			if !c.send(protocol.KindTypingStart, protocol.TypingPayload{RecipientID: c.peerID}) {
				return
			}
			body, _ := json.Marshal(map[string]string{"text": "load " + time.Now().Format(time.RFC3339Nano)})
			if !c.send(protocol.KindMessageSend, protocol.MessageSendPayload{RecipientID: c.peerID, Body: body}) {
				return
			}
		}
	}
}

func (c *soakConn) close(code int) {
	c.closeOnce.Do(func() {
		c.stats.active.Add(-1)
		if c.cancel != nil {
			c.cancel()
		}
		if code != websocket.CloseAbnormalClosure {
			c.writeMu.Lock()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, "load run done"), time.Now().Add(time.Second))
			c.writeMu.Unlock()
		}
		_ = c.ws.Close()
	})
}

func checkHealth(cfg *soakConfig, stats *counters) error {
	client := http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(cfg.HealthURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var h healthView
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return fmt.Errorf("decode health: %w", err)
	}
	stats.mu.Lock()
	stats.health = &h
	stats.mu.Unlock()
	return nil
}

func report(logger zerolog.Logger, cfg *soakConfig, stats *counters) {
	stats.mu.Lock()
	kinds := zerolog.Dict()
	for k, n := range stats.byKind {
		kinds.Int64(k, n)
	}
	dialErrs := zerolog.Dict()
	for k, n := range stats.dialErrs {
		dialErrs.Int64(k, n)
	}
	health := stats.health
	stats.mu.Unlock()

	var avgRTT time.Duration
	if n := stats.pongs.Load(); n > 0 {
		avgRTT = time.Duration(stats.rtt.Load()/n) * time.Microsecond
	}

	ev := logger.Info().
		Int64("active", stats.active.Load()).
		Int("target", cfg.Connections).
		Int64("created", stats.created.Load()).
		Int64("failed", stats.failed.Load()).
		Int64("sent", stats.sent.Load()).
		Int64("received", stats.received.Load()).
		Int64("errors", stats.errors.Load()).
		Dur("avg_ping_rtt", avgRTT).
		Dict("by_kind", kinds).
		Dict("dial_errors", dialErrs)
	if health != nil {
		ev = ev.Str("server_status", health.Status).
			Str("server_instance", health.Instance).
			Strs("server_warnings", health.Warnings).
			Strs("server_errors", health.Errors)
	}
	ev.Msg("Load report")
}
