// Package audit keeps a trail of notifications and direct messages that
// passed through the gateway. It is never used for session state: a
// failing audit store degrades to lost history, not lost delivery.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("audit: record not found")

type Notification struct {
	ID        string
	UserID    string
	Type      string
	Title     string
	Message   string
	RelatedID string
	CreatedAt time.Time
}

// Message is one chat message. ID is assigned by the server; ClientID is the
// sender's own id for it.
type Message struct {
	ID             string
	ClientID       string
	SenderID       string
	RecipientID    string
	ConversationID string
	Body           json.RawMessage
	SentAt         time.Time
	ReadAt         *time.Time
}

type Store interface {
	RecordNotification(ctx context.Context, n Notification) error
	// MarkNotificationsRead returns how many of ids belonged to userID and
	// were still unread.
	MarkNotificationsRead(ctx context.Context, userID string, ids []string, at time.Time) (int64, error)
	RecordMessage(ctx context.Context, m Message) error
	// MarkMessageRead marks a message addressed to readerID as read and
	// returns it, so the caller can notify the sender.
	MarkMessageRead(ctx context.Context, messageID, readerID string, at time.Time) (Message, error)
	Ping(ctx context.Context) error
	Close()
}

// Noop discards everything. Lookups report ErrNotFound.
type Noop struct{}

func (Noop) RecordNotification(context.Context, Notification) error { return nil }

func (Noop) MarkNotificationsRead(context.Context, string, []string, time.Time) (int64, error) {
	return 0, nil
}

func (Noop) RecordMessage(context.Context, Message) error { return nil }

func (Noop) MarkMessageRead(context.Context, string, string, time.Time) (Message, error) {
	return Message{}, ErrNotFound
}

func (Noop) Ping(context.Context) error { return nil }
func (Noop) Close() {}

// Memory keeps records in process. It backs single-instance development
// and tests.
type Memory struct {
	mu            sync.Mutex
	notifications map[string]Notification
	unread        map[string]bool
	messages      map[string]Message
}

func NewMemory() *Memory {
	return &Memory{
		notifications: make(map[string]Notification),
		unread:        make(map[string]bool),
		messages:      make(map[string]Message),
	}
}

func (m *Memory) RecordNotification(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[n.ID] = n
	m.unread[n.ID] = true
	return nil
}

func (m *Memory) MarkNotificationsRead(_ context.Context, userID string, ids []string, _ time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		rec, ok := m.notifications[id]
		if ok && rec.UserID == userID && m.unread[id] {
			delete(m.unread, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) RecordMessage(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = msg
	return nil
}

func (m *Memory) MarkMessageRead(_ context.Context, messageID, readerID string, at time.Time) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok || msg.RecipientID != readerID {
		return Message{}, ErrNotFound
	}
	if msg.ReadAt == nil {
		t := at
		msg.ReadAt = &t
		m.messages[messageID] = msg
	}
	return msg, nil
}

// Messages returns the recorded messages sent by senderID.
func (m *Memory) Messages(senderID string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.messages {
		if msg.SenderID == senderID {
			out = append(out, msg)
		}
	}
	return out
}

// Unread returns the unread notifications recorded for userID.
func (m *Memory) Unread(userID string) []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Notification
	for id := range m.unread {
		if n := m.notifications[id]; n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() {}
