package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CavellTopDev/pitchey-app-sub004/internal/audit"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/faults"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/presence"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/protocol"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/queue"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/session"
)

const (
	maxResourcesPerRequest = 50
	presenceResourcePrefix = "presence:"
)

func presenceResource(userID string) string { return presenceResourcePrefix + userID }

func (s *Server) handlePing(_ context.Context, sess *session.Session, env protocol.Envelope) error {
	s.sendKind(sess, protocol.KindPong, env.Payload)
	return nil
}

func (s *Server) handlePong(_ context.Context, sess *session.Session, _ protocol.Envelope) error {
	sess.MarkAlive(s.clock.Now())
	return nil
}

func (s *Server) handleAuth(ctx context.Context, sess *session.Session, env protocol.Envelope) error {
	var p protocol.AuthPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	claims, err := s.deps.Verifier.Verify(ctx, p.Token)
	if err != nil {
		return err
	}
	if err := s.authenticate(sess, claims); err != nil {
		return err
	}
	s.sendConnected(sess)
	return nil
}

func resourceList(env protocol.Envelope) ([]string, error) {
	var p protocol.SubscribePayload
	if err := env.Decode(&p); err != nil {
		return nil, err
	}
	if len(p.Resources) == 0 {
		return nil, faults.New(faults.CodeValidation, "resources must not be empty")
	}
	if len(p.Resources) > maxResourcesPerRequest {
		return nil, faults.Newf(faults.CodeValidation, "at most %d resources per request", maxResourcesPerRequest)
	}
	out := make([]string, 0, len(p.Resources))
	for _, r := range p.Resources {
		r = strings.TrimSpace(r)
		if r == "" {
			return nil, faults.New(faults.CodeValidation, "resource names must not be blank")
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Server) handleSubscribe(_ context.Context, sess *session.Session, env protocol.Envelope) error {
	resources, err := resourceList(env)
	if err != nil {
		return err
	}
	added := s.registry.Subscribe(sess, resources...)
	s.sendKind(sess, protocol.KindSubscribe, protocol.SubscribePayload{Resources: added})

	var users []string
	for _, r := range added {
		if uid, ok := strings.CutPrefix(r, presenceResourcePrefix); ok && uid != "" {
			users = append(users, uid)
		}
	}
	if len(users) > 0 {
		s.async.Submit(sess.ID(), func(ctx context.Context) {
			for uid, rec := range s.presence.GetMany(ctx, users) {
				s.sendKind(sess, protocol.KindPresenceChanged, presencePayload(uid, rec.Status, "", rec.CustomStatus, rec.LastSeen))
			}
		})
	}
	return nil
}

func (s *Server) handleUnsubscribe(_ context.Context, sess *session.Session, env protocol.Envelope) error {
	resources, err := resourceList(env)
	if err != nil {
		return err
	}
	removed := s.registry.Unsubscribe(sess, resources...)
	s.sendKind(sess, protocol.KindUnsubscribe, protocol.SubscribePayload{Resources: removed})
	return nil
}

func (s *Server) handleNotificationRead(_ context.Context, sess *session.Session, env protocol.Envelope) error {
	var p protocol.NotificationReadPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if len(p.NotificationIDs) == 0 {
		return faults.New(faults.CodeValidation, "notificationIds must not be empty")
	}

	userID := sess.UserID()
	at := s.clock.Now()
	s.async.Submit(sess.ID(), func(ctx context.Context) {
		_ = s.guarded(ctx, faults.DepDatastore, func(ctx context.Context) error {
			_, err := s.deps.Audit.MarkNotificationsRead(ctx, userID, p.NotificationIDs, at)
			return err
		})
	})
	return s.relayOthers(sess, protocol.KindNotificationRead, p)
}

func (s *Server) handlePresenceUpdate(_ context.Context, sess *session.Session, env protocol.Envelope) error {
	var p protocol.PresenceUpdatePayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	status, err := presence.ParseStatus(p.Status)
	if err != nil {
		return faults.Wrap(faults.CodeValidation, err, "invalid presence status")
	}
	rec, err := s.presence.SetStatus(sess.UserID(), status, p.CustomStatus)
	if err != nil {
		return err
	}
	sess.SetPresence(string(rec.Status))
	return nil
}

func (s *Server) handleTyping(_ context.Context, sess *session.Session, env protocol.Envelope) error {
	var p protocol.TypingPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if p.RecipientID == "" {
		return faults.New(faults.CodeRecipientAbsent, "")
	}
	if p.ConversationID == "" {
		p.ConversationID = env.ConversationID
	}
	p.SenderID = sess.UserID()
	return s.relay(sess, p.RecipientID, env.Type, p)
}

func (s *Server) handleMessageSend(_ context.Context, sess *session.Session, env protocol.Envelope) error {
	var p protocol.MessageSendPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if p.RecipientID == "" {
		return faults.New(faults.CodeRecipientAbsent, "")
	}
	if len(p.Body) == 0 {
		return faults.New(faults.CodeValidation, "message body must not be empty")
	}
	if p.ConversationID == "" {
		p.ConversationID = env.ConversationID
	}

	// Queue and audit ids are minted here so clients reusing their own ids
	// never collide with each other.
	now := s.clock.Now()
	sender := sess.UserID()
	messageID := uuid.NewString()
	received := protocol.MessageReceivedPayload{
		MessageID:       messageID,
		ClientMessageID: env.MessageID,
		SenderID:        sender,
		ConversationID:  p.ConversationID,
		Body:            p.Body,
		SentAt:          now.UnixMilli(),
	}
	out, err := protocol.New(protocol.KindMessageReceived, received)
	if err != nil {
		return err
	}
	out.MessageID = messageID
	out.ConversationID = p.ConversationID
	out.Stamp(now)

	clientID := env.MessageID
	s.async.Submit(sess.ID(), func(ctx context.Context) {
		if _, err := s.queue.Enqueue(ctx, p.RecipientID, &out, queue.PriorityHigh, queue.Options{}); err != nil {
			s.reject(sess, clientID, err)
			return
		}
		record := audit.Message{
			ID:             messageID,
			ClientID:       clientID,
			SenderID:       sender,
			RecipientID:    p.RecipientID,
			ConversationID: p.ConversationID,
			Body:           p.Body,
			SentAt:         now,
		}
		_ = s.guarded(ctx, faults.DepDatastore, func(ctx context.Context) error {
			return s.deps.Audit.RecordMessage(ctx, record)
		})
	})

	// The sender's other devices see the message in their conversation view.
	return s.relayOthers(sess, protocol.KindMessageReceived, received)
}

func (s *Server) handleMessageRead(_ context.Context, sess *session.Session, env protocol.Envelope) error {
	var p protocol.MessageReadPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if p.MessageID == "" {
		return faults.New(faults.CodeValidation, "messageId is required")
	}
	p.ReaderID = sess.UserID()
	at := s.clock.Now()

	s.async.Submit(sess.ID(), func(ctx context.Context) {
		msg, err := faults.Call(ctx, s.faults.Breaker(faults.DepDatastore), func(ctx context.Context) (audit.Message, error) {
			return s.deps.Audit.MarkMessageRead(ctx, p.MessageID, p.ReaderID, at)
		})
		switch {
		case err == nil:
			p.SenderID = msg.SenderID
			p.ClientMessageID = msg.ClientID
			if p.ConversationID == "" {
				p.ConversationID = msg.ConversationID
			}
		case errors.Is(err, audit.ErrNotFound):
		default:
			s.dependencyError(err, faults.DepDatastore)
		}
		if p.SenderID == "" || p.SenderID == p.ReaderID {
			return
		}
		if err := s.relay(sess, p.SenderID, protocol.KindMessageRead, p); err != nil {
			s.logger.Error().Err(err).Msg("Failed to relay read receipt")
		}
	})
	return nil
}

func (s *Server) handleDraftSync(_ context.Context, sess *session.Session, env protocol.Envelope) error {
	var p protocol.DraftPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if p.DraftID == "" {
		return faults.New(faults.CodeValidation, "draftId is required")
	}
	return s.relayOthers(sess, protocol.KindDraftUpdate, p)
}

func (s *Server) handleUploadProgress(_ context.Context, sess *session.Session, env protocol.Envelope) error {
	var p protocol.UploadProgressPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if p.UploadID == "" {
		return faults.New(faults.CodeValidation, "uploadId is required")
	}
	if p.Percent < 0 || p.Percent > 100 {
		return faults.Newf(faults.CodeValidation, "percent %.1f is outside 0-100", p.Percent)
	}
	return s.relay(sess, sess.UserID(), protocol.KindUploadProgress, p)
}

// relayOthers sends to every session of the caller's user except the
// caller.
func (s *Server) relayOthers(from *session.Session, kind protocol.Kind, payload any) error {
	data, err := protocol.Encode(kind, payload, s.clock.Now())
	if err != nil {
		return err
	}
	userID := from.UserID()
	for _, sess := range s.registry.ByUser(userID) {
		if sess != from {
			s.sendRaw(sess, kind, data)
		}
	}
	s.publishAsync(from.ID(), targetUser, userID, kind, data)
	return nil
}

func presencePayload(userID string, status, previous presence.Status, custom string, lastSeen time.Time) protocol.PresenceChangedPayload {
	p := protocol.PresenceChangedPayload{
		UserID:       userID,
		Status:       string(status),
		Previous:     string(previous),
		CustomStatus: custom,
	}
	if !lastSeen.IsZero() {
		p.LastSeen = lastSeen.UnixMilli()
	}
	return p
}

// presenceBatch handles flushed batches. Transitions made here were fanned
// out locally when they happened.
func (s *Server) presenceBatch(batch []presence.Transition) {
	for _, tr := range batch {
		if tr.Instance != s.cfg.Instance {
			s.fanPresence(tr)
		}
	}
}

// fanPresence tells watchers of the user about a transition. The user's
// own sessions only follow transitions made on this instance.
func (s *Server) fanPresence(tr presence.Transition) {
	data, err := protocol.Encode(protocol.KindPresenceChanged,
		presencePayload(tr.UserID, tr.To, tr.From, tr.CustomStatus, tr.LastSeen), s.clock.Now())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode presence change")
		return
	}
	if tr.Instance == s.cfg.Instance {
		for _, sess := range s.registry.ByUser(tr.UserID) {
			sess.SetPresence(string(tr.To))
			s.sendRaw(sess, protocol.KindPresenceChanged, data)
		}
	}
	s.deliverResource(presenceResource(tr.UserID), protocol.KindPresenceChanged, data)
}

// idleOffline closes the sessions of a user the timeout ladder took
// offline, so offline keeps meaning no sessions.
func (s *Server) idleOffline(userID string) {
	for _, sess := range s.registry.ByUser(userID) {
		sess.Close(session.ClosePresenceTimeout, "presence timeout")
	}
}
