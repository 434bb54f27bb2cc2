package gateway

import (
	"context"
	"encoding/json"

	"github.com/CavellTopDev/pitchey-app-sub004/internal/faults"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/protocol"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/session"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/store"
)

// Bus targets. Every instance delivers a fanout message to its own
// matching sessions; the origin skips it because it delivered locally
// before publishing.
const (
	targetAll      = "all"
	targetUser     = "user"
	targetResource = "resource"
)

type fanoutMessage struct {
	Origin string          `json:"origin"`
	Target string          `json:"target"`
	Key    string          `json:"key,omitempty"`
	Kind   protocol.Kind   `json:"kind"`
	Data   json.RawMessage `json:"data"`
}

func (s *Server) publish(ctx context.Context, target, key string, kind protocol.Kind, data []byte) error {
	payload, err := json.Marshal(fanoutMessage{
		Origin: s.cfg.Instance,
		Target: target,
		Key:    key,
		Kind:   kind,
		Data:   data,
	})
	if err != nil {
		return err
	}
	return s.deps.Bus.Publish(ctx, store.BroadcastChannel, payload)
}

// publishAsync hands a publish to the async pool under key so the caller
// never waits on the bus.
func (s *Server) publishAsync(key, target, routeKey string, kind protocol.Kind, data []byte) {
	ok := s.async.Submit(key, func(ctx context.Context) {
		_ = s.guarded(ctx, faults.DepCache, func(ctx context.Context) error {
			return s.publish(ctx, target, routeKey, kind, data)
		})
	})
	if !ok {
		s.logger.Warn().Str("target", target).Stringer("kind", kind).Msg("Async pool full, fanout dropped")
	}
}

func (s *Server) fanoutReceived(payload []byte) {
	var m fanoutMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		s.logger.Warn().Err(err).Msg("Dropping undecodable fanout message")
		return
	}
	if m.Origin == s.cfg.Instance {
		return
	}
	switch m.Target {
	case targetUser:
		s.deliverUser(m.Key, m.Kind, m.Data)
	case targetResource:
		s.deliverResource(m.Key, m.Kind, m.Data)
	case targetAll:
		s.deliverAll(m.Kind, m.Data)
	default:
		s.logger.Warn().Str("target", m.Target).Msg("Dropping fanout message with unknown target")
	}
}

// deliverUser sends data to every local session of userID and returns
// how many accepted it.
func (s *Server) deliverUser(userID string, kind protocol.Kind, data []byte) int {
	n := 0
	for _, sess := range s.registry.ByUser(userID) {
		if s.sendRaw(sess, kind, data) {
			n++
		}
	}
	return n
}

func (s *Server) deliverResource(resource string, kind protocol.Kind, data []byte) int {
	n := 0
	for _, sess := range s.registry.Subscribers(resource) {
		if s.sendRaw(sess, kind, data) {
			n++
		}
	}
	return n
}

// deliverAll reaches authenticated sessions only.
func (s *Server) deliverAll(kind protocol.Kind, data []byte) int {
	n := 0
	s.registry.Each(func(sess *session.Session) bool {
		if sess.Authenticated() && s.sendRaw(sess, kind, data) {
			n++
		}
		return true
	})
	return n
}

// relay sends to a user's local sessions now and to their sessions on
// other instances through the bus.
func (s *Server) relay(from *session.Session, userID string, kind protocol.Kind, payload any) error {
	data, err := protocol.Encode(kind, payload, s.clock.Now())
	if err != nil {
		return err
	}
	s.deliverUser(userID, kind, data)
	s.publishAsync(from.ID(), targetUser, userID, kind, data)
	return nil
}

// deliverer is the queue's path to a user: local sessions first, then
// the bus when the user is reachable on another instance.
type deliverer struct{ s *Server }

func (d deliverer) Deliver(ctx context.Context, userID string, data []byte) error {
	s := d.s
	kind := protocol.KindUnknown
	if env, err := protocol.Parse(data); err == nil {
		kind = env.Type
	}

	local := s.deliverUser(userID, kind, data)
	pubErr := s.publish(ctx, targetUser, userID, kind, data)
	if local > 0 {
		return nil
	}
	if pubErr != nil {
		return pubErr
	}
	// Sessions elsewhere got it through the bus. Local sessions that
	// refused it make this a failed attempt so the queue retries.
	if len(s.registry.ByUser(userID)) == 0 && s.presence.Reachable(ctx, userID) {
		return nil
	}
	return errNoSession
}
