package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/CavellTopDev/pitchey-app-sub004/internal/audit"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/faults"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/presence"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/protocol"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/queue"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/store"
)

// NotifyUser delivers a notification now when the user is reachable and
// queues it otherwise. The notification is also written to the audit
// trail.
func (s *Server) NotifyUser(ctx context.Context, userID string, n protocol.NotificationPayload, pri queue.Priority) (queue.Result, error) {
	if userID == "" {
		return queue.Result{}, faults.New(faults.CodeRecipientAbsent, "")
	}
	if n.Title == "" && n.Message == "" {
		return queue.Result{}, faults.New(faults.CodeValidation, "notification needs a title or message")
	}
	now := s.clock.Now()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt == 0 {
		n.CreatedAt = now.UnixMilli()
	}

	env, err := protocol.New(protocol.KindNotification, n)
	if err != nil {
		return queue.Result{}, err
	}
	env.MessageID = n.ID
	res, err := s.queue.Enqueue(ctx, userID, &env, pri, queue.Options{})
	if err != nil {
		return res, err
	}

	record := audit.Notification{
		ID:        n.ID,
		UserID:    userID,
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		RelatedID: n.RelatedID,
		CreatedAt: now,
	}
	s.async.Submit(userID, func(ctx context.Context) {
		_ = s.guarded(ctx, faults.DepDatastore, func(ctx context.Context) error {
			return s.deps.Audit.RecordNotification(ctx, record)
		})
	})
	return res, nil
}

// BroadcastResult counts where an announcement went.
type BroadcastResult struct {
	Local  int `json:"local"`
	Queued int `json:"queued"`
	Failed int `json:"failed"`
}

// BroadcastSystemAnnouncement reaches every authenticated session on every
// instance now and queues a copy for each known user who is not
// reachable. Known users are those with a presence record in the shared
// store.
func (s *Server) BroadcastSystemAnnouncement(ctx context.Context, a protocol.AnnouncementPayload) (BroadcastResult, error) {
	var res BroadcastResult
	if a.Title == "" && a.Message == "" {
		return res, faults.New(faults.CodeValidation, "announcement needs a title or message")
	}
	if a.Type == "" {
		a.Type = "info"
	}
	data, err := protocol.Encode(protocol.KindSystemAnnouncement, a, s.clock.Now())
	if err != nil {
		return res, err
	}

	res.Local = s.deliverAll(protocol.KindSystemAnnouncement, data)
	if err := s.publish(ctx, targetAll, "", protocol.KindSystemAnnouncement, data); err != nil {
		s.dependencyError(err, faults.DepCache)
	}

	users, err := s.knownUsers(ctx)
	if err != nil {
		s.dependencyError(err, faults.DepCache)
		return res, nil
	}
	for uid, rec := range s.presence.GetMany(ctx, users) {
		if rec.Status.Reachable() || rec.Status == presence.StatusUnknown {
			continue
		}
		env, err := protocol.New(protocol.KindSystemAnnouncement, a)
		if err != nil {
			return res, err
		}
		if _, err := s.queue.Enqueue(ctx, uid, &env, queue.PriorityHigh, queue.Options{}); err != nil {
			res.Failed++
			continue
		}
		res.Queued++
	}
	return res, nil
}

func (s *Server) knownUsers(ctx context.Context) ([]string, error) {
	prefix := store.PresenceKey("")
	keys, err := faults.Call(ctx, s.faults.Breaker(faults.DepCache), func(ctx context.Context) ([]string, error) {
		return s.deps.KV.Scan(ctx, prefix)
	})
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(keys))
	for _, k := range keys {
		if uid := strings.TrimPrefix(k, prefix); uid != "" {
			users = append(users, uid)
		}
	}
	return users, nil
}

// UpdateResourceStats pushes stats to the sessions subscribed to the
// resource, here and on other instances.
func (s *Server) UpdateResourceStats(ctx context.Context, resourceID string, stats json.RawMessage) (int, error) {
	if resourceID == "" {
		return 0, faults.New(faults.CodeValidation, "resource id is required")
	}
	if !json.Valid(stats) {
		return 0, faults.New(faults.CodeValidation, "stats must be valid JSON")
	}
	data, err := protocol.Encode(protocol.KindResourceStats, protocol.ResourceStatsPayload{
		ResourceID: resourceID,
		Stats:      stats,
	}, s.clock.Now())
	if err != nil {
		return 0, err
	}
	n := s.deliverResource(resourceID, protocol.KindResourceStats, data)
	if err := s.publish(ctx, targetResource, resourceID, protocol.KindResourceStats, data); err != nil {
		s.dependencyError(err, faults.DepCache)
	}
	return n, nil
}

func (s *Server) GetPresence(ctx context.Context, userID string) presence.Record {
	return s.presence.Get(ctx, userID)
}

// GetPresenceMany makes at most one store round trip for the users not
// known locally.
func (s *Server) GetPresenceMany(ctx context.Context, userIDs []string) map[string]presence.Record {
	return s.presence.GetMany(ctx, userIDs)
}

// CancelQueued tombstones a queued message.
func (s *Server) CancelQueued(ctx context.Context, messageID string) error {
	err := s.queue.Cancel(ctx, messageID)
	if errors.Is(err, queue.ErrNotFound) {
		return faults.Wrap(faults.CodeValidation, err, "no queued message with that id")
	}
	return err
}
