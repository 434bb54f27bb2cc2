package gateway

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/CavellTopDev/pitchey-app-sub004/internal/auth"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/faults"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/protocol"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/ratelimit"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/session"
)

// handlerFunc serves one inbound kind. A returned error is turned into an
// error envelope for the calling session only.
type handlerFunc func(ctx context.Context, sess *session.Session, env protocol.Envelope) error

type handlerTable [protocol.KindCount]handlerFunc

func (s *Server) buildHandlers() (handlerTable, error) {
	var t handlerTable
	t[protocol.KindPing] = s.handlePing
	t[protocol.KindPong] = s.handlePong
	t[protocol.KindAuth] = s.handleAuth
	t[protocol.KindSubscribe] = s.handleSubscribe
	t[protocol.KindUnsubscribe] = s.handleUnsubscribe
	t[protocol.KindNotificationRead] = s.handleNotificationRead
	t[protocol.KindPresenceUpdate] = s.handlePresenceUpdate
	t[protocol.KindTypingStart] = s.handleTyping
	t[protocol.KindTypingStop] = s.handleTyping
	t[protocol.KindMessageSend] = s.handleMessageSend
	t[protocol.KindMessageRead] = s.handleMessageRead
	t[protocol.KindDraftSync] = s.handleDraftSync
	t[protocol.KindUploadProgress] = s.handleUploadProgress

	for _, k := range protocol.Kinds() {
		if k.Inbound() && t[k] == nil {
			return t, fmt.Errorf("gateway: no handler for inbound kind %q", k)
		}
		if !k.Inbound() && t[k] != nil {
			return t, fmt.Errorf("gateway: handler registered for outbound kind %q", k)
		}
	}
	return t, nil
}

// Dispatch processes one inbound frame for sess. Failures are answered on
// sess and never escape to other sessions.
func (s *Server) Dispatch(ctx context.Context, sess *session.Session, raw []byte) {
	start := s.clock.Now()
	var env protocol.Envelope

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Str("session_id", sess.ID()).
				Stringer("kind", env.Type).
				Msg("Handler panic recovered")
			s.reject(sess, env.MessageID, faults.Newf(faults.CodePanic, "handler for %s panicked", env.Type))
		}
	}()

	env, err := protocol.Parse(raw)
	if err != nil {
		s.reject(sess, "", faults.Wrap(faults.CodeValidation, err, "Invalid JSON envelope"))
		return
	}
	sess.Touch(start)
	s.analytics.MessageReceived(env.Type, len(raw))

	if !env.Type.Inbound() {
		s.logger.Debug().
			Str("session_id", sess.ID()).
			Str("type", env.RawType).
			Stringer("kind", env.Type).
			Msg("Dropping envelope of unhandled kind")
		return
	}
	env.Stamp(start)

	if !env.Type.Anonymous() && !sess.Authenticated() {
		s.reject(sess, env.MessageID, faults.New(faults.CodeAuthRequired, ""))
		return
	}

	if d := s.limiter.Allow(sess.ID(), env.Type.String()); !d.Allowed {
		s.analytics.RateLimited(env.Type.String(), d.Reason.String())
		code := faults.CodeRateLimited
		if d.Reason == ratelimit.ReasonBlocked || d.Escalation >= ratelimit.EscalationBlock {
			code = faults.CodeSessionBlocked
		}
		s.reject(sess, env.MessageID, faults.Newf(code, "rate limit exceeded for %s", env.Type).
			WithRetryAfter(d.RetryAfter))
		return
	}

	if sess.Authenticated() && env.Type != protocol.KindPing && env.Type != protocol.KindPong {
		s.presence.Activity(sess.UserID())
	}

	if err := s.handlers[env.Type](ctx, sess, env); err != nil {
		s.reject(sess, env.MessageID, err)
	}
	s.analytics.Latency(s.clock.Now().Sub(start))
}

// reject classifies err and answers sess with the client-safe envelope.
func (s *Server) reject(sess *session.Session, messageID string, err error) {
	fe := s.faults.Handle(context.Background(), err, faults.Scope{
		SessionID: sess.ID(),
		UserID:    sess.UserID(),
		MessageID: messageID,
	})
	data, encErr := faults.EncodeEnvelope(fe, messageID, s.clock.Now())
	if encErr != nil {
		s.logger.Error().Err(encErr).Msg("Failed to encode error envelope")
		return
	}
	s.sendRaw(sess, protocol.KindError, data)
}

// sendKind encodes and sends one envelope to sess.
func (s *Server) sendKind(sess *session.Session, kind protocol.Kind, payload any) {
	data, err := protocol.Encode(kind, payload, s.clock.Now())
	if err != nil {
		s.logger.Error().Err(err).Stringer("kind", kind).Msg("Failed to encode envelope")
		return
	}
	s.sendRaw(sess, kind, data)
}

// sendRaw enqueues an encoded frame. A session whose buffer is full is
// closed as a slow consumer.
func (s *Server) sendRaw(sess *session.Session, kind protocol.Kind, data []byte) bool {
	err := sess.Send(data)
	switch {
	case err == nil:
		s.analytics.MessageSent(kind, len(data))
		return true
	case errors.Is(err, session.ErrBufferFull):
		s.logger.Warn().
			Str("session_id", sess.ID()).
			Str("user_id", sess.UserID()).
			Stringer("kind", kind).
			Msg("Send buffer full, closing slow consumer")
		sess.Close(session.CloseSlowConsumer, "send buffer full")
	}
	return false
}

// authenticate binds sess to the claimed user and starts the work that
// follows a login: presence, limiter history and the offline queue.
func (s *Server) authenticate(sess *session.Session, claims auth.Claims) error {
	wasAuthenticated := sess.Authenticated()
	anonymousIdentity := sess.Identity()
	if _, err := s.registry.Authenticate(sess, claims.UserID, claims.Role); err != nil {
		return err
	}
	if wasAuthenticated {
		return nil
	}

	rec := s.presence.Connect(claims.UserID)
	sess.SetPresence(string(rec.Status))

	userID := claims.UserID
	kinds := s.limiter.Kinds()
	s.async.Submit(sess.ID(), func(ctx context.Context) {
		s.loadLimits(ctx, sess, userID, kinds)
		if anonymousIdentity != userID {
			s.loadLimits(ctx, sess, anonymousIdentity, kinds)
		}
		if _, err := s.queue.Adopt(ctx, userID); err != nil {
			s.dependencyError(err, faults.DepCache)
		}
		s.queue.Drain(ctx, userID)
	})
	return nil
}

// restoreLimits loads the limiter history kept for an anonymous session's
// address.
func (s *Server) restoreLimits(sess *session.Session) {
	identity := sess.Identity()
	kinds := s.limiter.Kinds()
	s.async.Submit(sess.ID(), func(ctx context.Context) {
		s.loadLimits(ctx, sess, identity, kinds)
	})
}

func (s *Server) loadLimits(ctx context.Context, sess *session.Session, identity string, kinds []string) {
	if identity == "" {
		return
	}
	_ = s.guarded(ctx, faults.DepCache, func(ctx context.Context) error {
		states, err := s.mirror.Load(ctx, identity, kinds)
		if err != nil {
			return err
		}
		if len(states) > 0 && !sess.Closed() {
			s.limiter.Restore(sess.ID(), states)
		}
		return nil
	})
}
