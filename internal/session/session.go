// Package session owns live connections and their per-connection state.
package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrClosed      = errors.New("session: closed")
	ErrBufferFull  = errors.New("session: outbound buffer full")
	ErrNotFound    = errors.New("session: not found")
	ErrDuplicate   = errors.New("session: duplicate id")
	ErrUserChanged = errors.New("session: already authenticated as another user")
)

// Standard and application close codes.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	ClosePolicyViolation = 1008
	CloseMessageTooBig   = 1009
	CloseInternalError   = 1011
	CloseIdleTimeout     = 4000
	ClosePresenceTimeout = 4001
	CloseSlowConsumer    = 4002
	CloseBlocked         = 4003
)

// Meta describes the client on the other end.
type Meta struct {
	UserAgent  string `json:"userAgent,omitempty"`
	RemoteAddr string `json:"remoteAddr,omitempty"`
}

// ControlOp is a frame the write pump emits outside the data stream.
type ControlOp int

const (
	ControlPing ControlOp = iota + 1
	ControlPong
)

type Control struct {
	Op      ControlOp
	Payload []byte
}

// CloseInfo records why a session ended.
type CloseInfo struct {
	Code   int
	Reason string
}

// Session is one live connection.
//
// The outbound buffer is the send channel: writers enqueue without
// blocking and the connection's write pump drains it in order, which
// gives per-connection FIFO delivery. A full buffer is reported to the
// caller rather than waited on.
type Session struct {
	id          string
	meta        Meta
	connectedAt time.Time

	mu            sync.RWMutex
	userID        string
	role          string
	authenticated bool
	presence      string
	closeInfo     CloseInfo

	lastActivity atomic.Int64 // unix nanos, any inbound frame
	sent         atomic.Int64
	received     atomic.Int64
	dropped      atomic.Int64

	send      chan []byte
	control   chan Control
	done      chan struct{}
	closeOnce sync.Once

	subscriptions *SubscriptionSet
}

// New creates an unauthenticated session with an outbound buffer of
// bufSize messages.
func New(id string, meta Meta, bufSize int, now time.Time) *Session {
	if bufSize <= 0 {
		bufSize = 256
	}
	s := &Session{
		id:            id,
		meta:          meta,
		connectedAt:   now,
		send:          make(chan []byte, bufSize),
		control:       make(chan Control, 4),
		done:          make(chan struct{}),
		subscriptions: NewSubscriptionSet(),
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

func (s *Session) ID() string             { return s.id }
func (s *Session) Meta() Meta             { return s.meta }
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Session) Role() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// Identity is the user id once authenticated and the remote address
// before that.
func (s *Session) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.authenticated {
		return s.userID
	}
	return s.meta.RemoteAddr
}

// authenticate marks the session as belonging to userID. It is only called
// through Registry.Authenticate so the user index stays in step.
func (s *Session) authenticate(userID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authenticated && s.userID != userID {
		return ErrUserChanged
	}
	s.userID = userID
	s.role = role
	s.authenticated = true
	return nil
}

func (s *Session) Presence() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.presence
}

func (s *Session) SetPresence(status string) {
	s.mu.Lock()
	s.presence = status
	s.mu.Unlock()
}

// Touch records inbound activity.
func (s *Session) Touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
	s.received.Add(1)
}

// MarkAlive records transport liveness, such as a pong, without counting
// a message.
func (s *Session) MarkAlive(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Send enqueues one encoded frame without blocking.
func (s *Session) Send(data []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	select {
	case s.send <- data:
		s.sent.Add(1)
		return nil
	case <-s.done:
		return ErrClosed
	default:
		s.dropped.Add(1)
		return ErrBufferFull
	}
}

// Outbound is drained by the write pump.
func (s *Session) Outbound() <-chan []byte { return s.send }

// Control carries ping and pong requests to the write pump.
func (s *Session) Control() <-chan Control { return s.control }

// RequestPing asks the write pump to send a ping. A ping already pending
// makes this a no-op.
func (s *Session) RequestPing() bool {
	select {
	case s.control <- Control{Op: ControlPing}:
		return true
	default:
		return false
	}
}

// RequestPong answers a client ping.
func (s *Session) RequestPong(payload []byte) bool {
	select {
	case s.control <- Control{Op: ControlPong, Payload: payload}:
		return true
	default:
		return false
	}
}

// Close marks the session closed. Only the first call takes effect and
// reports true.
func (s *Session) Close(code int, reason string) bool {
	closed := false
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeInfo = CloseInfo{Code: code, Reason: reason}
		s.mu.Unlock()
		close(s.done)
		closed = true
	})
	return closed
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) CloseInfo() CloseInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closeInfo
}

func (s *Session) Subscriptions() *SubscriptionSet { return s.subscriptions }

// Snapshot is a read-only view for stats endpoints.
type Snapshot struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId,omitempty"`
	Role          string    `json:"role,omitempty"`
	Authenticated bool      `json:"authenticated"`
	Presence      string    `json:"presence,omitempty"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	Sent          int64     `json:"sent"`
	Received      int64     `json:"received"`
	Dropped       int64     `json:"dropped"`
	Pending       int       `json:"pending"`
	Subscriptions int       `json:"subscriptions"`
	Meta          Meta      `json:"meta"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ID:            s.id,
		UserID:        s.userID,
		Role:          s.role,
		Authenticated: s.authenticated,
		Presence:      s.presence,
		ConnectedAt:   s.connectedAt,
		LastActivity:  time.Unix(0, s.lastActivity.Load()),
		Sent:          s.sent.Load(),
		Received:      s.received.Load(),
		Dropped:       s.dropped.Load(),
		Pending:       len(s.send),
		Subscriptions: s.subscriptions.Count(),
		Meta:          s.meta,
	}
}
