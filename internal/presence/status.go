// Package presence derives a per-user online/away/offline status from
// session activity, and shares it with other instances through the
// shared store and bus.
package presence

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
	StatusDND     Status = "dnd"

	// StatusUnknown is reported when the shared store could not be read.
	StatusUnknown Status = "unknown"
)

// ParseStatus accepts the statuses a user may choose for themselves.
// Offline is derived from having no sessions and cannot be chosen.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusOnline, StatusAway, StatusDND:
		return Status(s), nil
	case "do_not_disturb", "do-not-disturb":
		return StatusDND, nil
	}
	return "", fmt.Errorf("presence: status %q cannot be set", s)
}

// Reachable reports whether messages for a user in this status are
// delivered immediately rather than queued.
func (s Status) Reachable() bool {
	return s == StatusOnline || s == StatusAway || s == StatusDND
}

// Record is the presence of one user.
type Record struct {
	UserID       string    `json:"userId"`
	Status       Status    `json:"status"`
	LastSeen     time.Time `json:"lastSeen"`
	LastActivity time.Time `json:"lastActivity"`
	Sessions     int       `json:"sessionCount"`
	CustomStatus string    `json:"customStatus,omitempty"`
}

// Transition is one status change, as published to other instances.
type Transition struct {
	UserID       string    `json:"userId"`
	From         Status    `json:"from"`
	To           Status    `json:"to"`
	CustomStatus string    `json:"customStatus,omitempty"`
	LastSeen     time.Time `json:"lastSeen"`
	At           time.Time `json:"at"`
	Instance     string    `json:"instance"`
}

// batch is the bus message carrying one flush worth of transitions.
type batch struct {
	Instance    string       `json:"instance"`
	Transitions []Transition `json:"transitions"`
}
