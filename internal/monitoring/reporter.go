package monitoring

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/CavellTopDev/pitchey-app-sub004/internal/faults"
)

// ErrorReporter forwards high-severity errors to the structured log stream
// used for error reporting, and critical ones to the alerter as well.
type ErrorReporter struct {
	logger  zerolog.Logger
	alerter Alerter
}

func NewErrorReporter(logger zerolog.Logger, alerter Alerter) *ErrorReporter {
	return &ErrorReporter{
		logger:  logger.With().Str("component", "error_reporter").Logger(),
		alerter: alerter,
	}
}

func (r *ErrorReporter) Report(_ context.Context, rec faults.Record) {
	event := r.logger.Error().
		Int("code", int(rec.Code)).
		Str("error_name", rec.Name).
		Str("category", string(rec.Category)).
		Str("severity", rec.Severity.String()).
		Time("occurred_at", rec.Timestamp)
	if rec.Detail != "" {
		event = event.Str("detail", rec.Detail)
	}
	if rec.SessionID != "" {
		event = event.Str("session_id", rec.SessionID)
	}
	if rec.UserID != "" {
		event = event.Str("user_id", rec.UserID)
	}
	if rec.Dependency != "" {
		event = event.Str("dependency", rec.Dependency)
	}
	event.Msg("Error reported")

	if rec.Severity >= faults.SeverityCritical && r.alerter != nil {
		r.alerter.Alert(AlertCritical, rec.Message, map[string]any{
			"code":       rec.Name,
			"category":   string(rec.Category),
			"session_id": rec.SessionID,
			"user_id":    rec.UserID,
			"dependency": rec.Dependency,
		})
	}
}
