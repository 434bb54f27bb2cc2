// Package queue holds messages for users who cannot be reached right now
// and retries them, in priority order, once they can.
package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Priority orders a user's queue. Lower values drain first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBulk
)

var priorityNames = [...]string{"critical", "high", "normal", "low", "bulk"}

func (p Priority) String() string {
	if p < PriorityCritical || p > PriorityBulk {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

func (p Priority) Valid() bool { return p >= PriorityCritical && p <= PriorityBulk }

// ParsePriority accepts a priority name, case-insensitively. An empty
// string is normal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("queue: unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("queue: invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// State is where a message is in its lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateDelivered State = "delivered"
	StateFailed    State = "failed"
	StateExpired   State = "expired"
	StateCancelled State = "cancelled"
)

// Message is one queued delivery.
type Message struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Priority    Priority        `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	CreatedAt   time.Time       `json:"createdAt"`
	ScheduledAt time.Time       `json:"scheduledAt,omitempty"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	FailedAt    time.Time       `json:"failedAt,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	State       State           `json:"state"`
	Envelope    json.RawMessage `json:"envelope"`

	seq uint64
}

func (m *Message) due(now time.Time) bool {
	return m.ScheduledAt.IsZero() || !now.Before(m.ScheduledAt)
}

func (m *Message) expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// before is the drain order: priority, then creation time, then arrival.
func (m *Message) before(o *Message) bool {
	if m.Priority != o.Priority {
		return m.Priority < o.Priority
	}
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.seq < o.seq
}

// Options tune one enqueue. Zero values take the queue defaults.
type Options struct {
	MaxAttempts int
	ExpiresAt   time.Time
	ScheduledAt time.Time
}
