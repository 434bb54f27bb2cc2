package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AlertLevel grades an alert.
type AlertLevel int

const (
	AlertInfo AlertLevel = iota
	AlertWarning
	AlertError
	AlertCritical
)

func (l AlertLevel) String() string {
	switch l {
	case AlertWarning:
		return "WARNING"
	case AlertError:
		return "ERROR"
	case AlertCritical:
		return "CRITICAL"
	default:
		return "INFO"
	}
}

// Alerter sends notifications to an external monitoring collaborator.
// Implementations must not block the caller for long; alerts are advisory.
type Alerter interface {
	Alert(level AlertLevel, message string, metadata map[string]any)
}

// MultiAlerter fans an alert out to several alerters.
type MultiAlerter struct {
	alerters []Alerter
}

func NewMultiAlerter(alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{alerters: alerters}
}

func (m *MultiAlerter) Alert(level AlertLevel, message string, metadata map[string]any) {
	for _, alerter := range m.alerters {
		go alerter.Alert(level, message, metadata)
	}
}

// SlackAlerter posts alerts to a Slack incoming webhook.
type SlackAlerter struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
}

func NewSlackAlerter(webhookURL, channel, username string) *SlackAlerter {
	return &SlackAlerter{
		webhookURL: webhookURL,
		channel:    channel,
		username:   username,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *SlackAlerter) Alert(level AlertLevel, message string, metadata map[string]any) {
	if s.webhookURL == "" {
		return
	}

	fields := make([]map[string]any, 0, len(metadata))
	for k, v := range metadata {
		fields = append(fields, map[string]any{
			"title": k,
			"value": fmt.Sprintf("%v", v),
			"short": true,
		})
	}

	payload := map[string]any{
		"username": s.username,
		"channel":  s.channel,
		"text":     fmt.Sprintf("*%s Alert*", level),
		"attachments": []map[string]any{
			{
				"color":     slackColor(level),
				"title":     message,
				"fields":    fields,
				"timestamp": time.Now().Unix(),
				"footer":    "realtime gateway",
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}

func slackColor(level AlertLevel) string {
	switch level {
	case AlertCritical, AlertError:
		return "danger"
	case AlertWarning:
		return "warning"
	default:
		return "good"
	}
}

// LogAlerter writes alerts to a zerolog logger. It is the default alerter
// when no webhook is configured.
type LogAlerter struct {
	logger zerolog.Logger
}

func NewLogAlerter(logger zerolog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.With().Str("component", "alerts").Logger()}
}

func (a *LogAlerter) Alert(level AlertLevel, message string, metadata map[string]any) {
	var event *zerolog.Event
	switch level {
	case AlertCritical, AlertError:
		event = a.logger.Error()
	case AlertWarning:
		event = a.logger.Warn()
	default:
		event = a.logger.Info()
	}
	event.Str("alert_level", level.String()).Fields(metadata).Msg(message)
}

// Alert is one recorded alert, kept by RecordingAlerter.
type Alert struct {
	Level    AlertLevel
	Message  string
	Metadata map[string]any
	At       time.Time
}

// RecordingAlerter keeps the most recent alerts in memory so /stats can
// show them.
type RecordingAlerter struct {
	mu     sync.Mutex
	limit  int
	alerts []Alert
	next   Alerter
}

// NewRecordingAlerter keeps up to limit alerts and forwards each to next
// when next is non-nil.
func NewRecordingAlerter(limit int, next Alerter) *RecordingAlerter {
	if limit <= 0 {
		limit = 50
	}
	return &RecordingAlerter{limit: limit, next: next}
}

func (r *RecordingAlerter) Alert(level AlertLevel, message string, metadata map[string]any) {
	r.mu.Lock()
	r.alerts = append(r.alerts, Alert{Level: level, Message: message, Metadata: metadata, At: time.Now()})
	if len(r.alerts) > r.limit {
		r.alerts = r.alerts[len(r.alerts)-r.limit:]
	}
	r.mu.Unlock()

	if r.next != nil {
		r.next.Alert(level, message, metadata)
	}
}

// Recent returns a copy of the retained alerts, oldest first.
func (r *RecordingAlerter) Recent() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}
