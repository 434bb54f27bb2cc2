package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CavellTopDev/pitchey-app-sub004/internal/analytics"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/faults"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/monitoring"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/protocol"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/queue"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/ratelimit"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/worker"
)

// Health rollup values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

const healthCheckTimeout = 2 * time.Second

// ComponentHealth is one line of the health report.
type ComponentHealth struct {
	Up       bool   `json:"up"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
	Breaker  string `json:"breaker,omitempty"`
}

type HealthStatus struct {
	Status     string                     `json:"status"`
	Instance   string                     `json:"instance"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
	Warnings   []string                   `json:"warnings,omitempty"`
	Errors     []string                   `json:"errors,omitempty"`
	Timestamp  int64                      `json:"timestamp"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

type connectedChecker interface {
	Connected() bool
}

// GetHealthStatus checks every component. A critical component down makes
// the instance unhealthy; anything else down, or an open breaker, makes
// it degraded.
func (s *Server) GetHealthStatus(ctx context.Context) HealthStatus {
	h := HealthStatus{
		Instance:   s.cfg.Instance,
		Uptime:     s.clock.Now().Sub(s.started).Round(time.Second).String(),
		Components: make(map[string]ComponentHealth),
		Timestamp:  s.clock.Now().UnixMilli(),
	}
	breakers := make(map[string]faults.BreakerStats)
	for _, b := range s.faults.Breakers() {
		breakers[b.Name] = b
	}

	check := func(name string, critical bool, dependency string, fn func(context.Context) error) {
		c := ComponentHealth{Up: true, Critical: critical}
		if fn != nil {
			pctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			if err := fn(pctx); err != nil {
				c.Up = false
				c.Detail = err.Error()
			}
			cancel()
		}
		if b, ok := breakers[dependency]; ok {
			c.Breaker = b.State.String()
		}
		h.Components[name] = c
	}

	h.Components["sessions"] = ComponentHealth{
		Up:       !s.shutting.Load(),
		Critical: true,
		Detail:   fmt.Sprintf("%d/%d connections", s.registry.Len(), s.cfg.MaxConnections),
	}
	check("cache", true, faults.DepCache, s.deps.KV.Ping)
	if c, ok := s.deps.Bus.(connectedChecker); ok {
		check("pubsub", true, "", func(context.Context) error {
			if !c.Connected() {
				return errors.New("not connected")
			}
			return nil
		})
	}
	check("datastore", false, faults.DepDatastore, s.deps.Audit.Ping)
	if p, ok := s.deps.Sink.(pinger); ok {
		check("analytics", false, faults.DepAnalytics, p.Ping)
	}
	for name, fn := range s.deps.Checks {
		check(name, false, "", fn)
	}

	names := make([]string, 0, len(h.Components))
	for name := range h.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	h.Status = StatusHealthy
	for _, name := range names {
		c := h.Components[name]
		switch {
		case !c.Up && c.Critical:
			h.Status = StatusUnhealthy
			h.Errors = append(h.Errors, fmt.Sprintf("%s is down: %s", name, c.Detail))
		case !c.Up:
			if h.Status == StatusHealthy {
				h.Status = StatusDegraded
			}
			h.Warnings = append(h.Warnings, fmt.Sprintf("%s is down: %s", name, c.Detail))
		case c.Breaker != "" && c.Breaker != faults.StateClosed.String():
			if h.Status == StatusHealthy {
				h.Status = StatusDegraded
			}
			h.Warnings = append(h.Warnings, fmt.Sprintf("%s circuit is %s", name, c.Breaker))
		}
	}

	sys := s.system.Last()
	if s.cfg.CPURejectThreshold > 0 && sys.CPUPercent > s.cfg.CPURejectThreshold {
		if h.Status == StatusHealthy {
			h.Status = StatusDegraded
		}
		h.Warnings = append(h.Warnings, fmt.Sprintf("CPU exceeds reject threshold (%.1f%% > %.1f%%)",
			sys.CPUPercent, s.cfg.CPURejectThreshold))
	}
	if pct := float64(s.registry.Len()) / float64(s.cfg.MaxConnections) * 100; pct > 90 {
		h.Warnings = append(h.Warnings, fmt.Sprintf("Server near capacity (%.1f%%)", pct))
	}
	return h
}

// ServerStats is the dashboard view of one instance.
type ServerStats struct {
	Instance    string                    `json:"instance"`
	Uptime      string                    `json:"uptime"`
	Connections ConnectionStats           `json:"connections"`
	Presence    map[string]int            `json:"presence"`
	Queue       queue.Stats               `json:"queue"`
	RateLimit   ratelimit.Stats           `json:"rateLimit"`
	Admission   ratelimit.ConnectionStats `json:"admission"`
	Errors      faults.HandlerStats       `json:"errors"`
	Breakers    []faults.BreakerStats     `json:"breakers"`
	Async       worker.Stats              `json:"async"`
	System      monitoring.SystemSnapshot `json:"system"`
	Analytics   analytics.Snapshot        `json:"analytics"`
	Alerts      []monitoring.Alert        `json:"alerts"`
}

type ConnectionStats struct {
	Active    int   `json:"active"`
	Users     int   `json:"users"`
	Max       int   `json:"max"`
	Total     int64 `json:"total"`
	Evicted   int64 `json:"evicted"`
	Resources int   `json:"subscribedResources"`
}

func (s *Server) GetServerStats() ServerStats {
	return ServerStats{
		Instance: s.cfg.Instance,
		Uptime:   s.clock.Now().Sub(s.started).Round(time.Second).String(),
		Connections: ConnectionStats{
			Active:    s.registry.Len(),
			Users:     s.registry.UserLen(),
			Max:       s.cfg.MaxConnections,
			Total:     s.registry.Total(),
			Evicted:   s.registry.Evicted(),
			Resources: s.registry.Resources(),
		},
		Presence:  s.presenceDistribution(),
		Queue:     s.queue.Stats(),
		RateLimit: s.limiter.Stats(),
		Admission: s.connLimit.Stats(),
		Errors:    s.faults.Stats(),
		Breakers:  s.faults.Breakers(),
		Async:     s.async.Stats(),
		System:    s.system.Last(),
		Analytics: s.analytics.Last(),
		Alerts:    s.alerts.Recent(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	h := s.GetHealthStatus(r.Context())
	code := http.StatusOK
	if h.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
		s.logger.Error().Strs("errors", h.Errors).Msg("Health check failed")
	}
	writeJSON(w, code, h)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeJSON(w, http.StatusOK, s.GetServerStats())
}

func (s *Server) metricsHandler() http.Handler {
	return promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})
}

// internal guards collaborator endpoints with the shared token when one
// is configured.
func (s *Server) internal(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.InternalToken != "" && r.Header.Get("X-Internal-Token") != s.cfg.InternalToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

type notifyRequest struct {
	UserID       string                       `json:"userId"`
	Priority     string                       `json:"priority,omitempty"`
	Notification protocol.NotificationPayload `json:"notification"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	pri := queue.PriorityNormal
	if req.Priority != "" {
		p, err := queue.ParsePriority(req.Priority)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		pri = p
	}
	res, err := s.NotifyUser(r.Context(), req.UserID, req.Notification, pri)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var a protocol.AnnouncementPayload
	if !s.decodeBody(w, r, &a) {
		return
	}
	res, err := s.BroadcastSystemAnnouncement(r.Context(), a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleResourceStats(w http.ResponseWriter, r *http.Request) {
	var stats json.RawMessage
	if !s.decodeBody(w, r, &stats) {
		return
	}
	n, err := s.UpdateResourceStats(r.Context(), r.PathValue("id"), stats)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"localSubscribers": n})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	var users []string
	for _, v := range r.URL.Query()["user"] {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				users = append(users, id)
			}
		}
	}
	if len(users) == 0 {
		s.writeError(w, r, faults.New(faults.CodeValidation, "at least one user is required"))
		return
	}
	if len(users) == 1 {
		writeJSON(w, http.StatusOK, s.GetPresence(r.Context(), users[0]))
		return
	}
	writeJSON(w, http.StatusOK, s.GetPresenceMany(r.Context(), users))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.CancelQueued(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleErrors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":  s.faults.Stats(),
		"recent": s.faults.Recent(50),
	})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxMessageBytes)))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, faults.Wrap(faults.CodeValidation, err, "invalid request body"))
		return false
	}
	return true
}

// writeError answers with the client-safe view of err and a status that
// matches its category.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	fe := s.faults.Handle(r.Context(), err, faults.Scope{})
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, queue.ErrNotFound):
		code = http.StatusNotFound
	case fe.Category == faults.CategoryMessage:
		code = http.StatusBadRequest
	case fe.Category == faults.CategoryRateLimit:
		code = http.StatusTooManyRequests
	case fe.Code == faults.CodeCircuitOpen, fe.Category == faults.CategoryCache, fe.Category == faults.CategoryDatastore:
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, faults.ClientPayload(fe))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
