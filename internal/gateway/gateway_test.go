package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CavellTopDev/pitchey-app-sub004/internal/audit"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/auth"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/clock"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/faults"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/presence"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/protocol"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/queue"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/ratelimit"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/session"
	"github.com/CavellTopDev/pitchey-app-sub004/internal/store"
)

var t0 = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

// tokens maps opaque tokens to claims.
type tokens map[string]auth.Claims

func (v tokens) Verify(_ context.Context, token string) (auth.Claims, error) {
	if token == "" {
		return auth.Claims{}, auth.ErrMissingToken
	}
	c, ok := v[token]
	if !ok {
		return auth.Claims{}, auth.ErrInvalidToken
	}
	return c, nil
}

type harness struct {
	srv   *Server
	clk   *clock.Manual
	mem   *store.Memory
	audit *audit.Memory
}

func testConfig(instance string) Config {
	return Config{
		Instance:        instance,
		SendBuffer:      64,
		ShutdownTimeout: 50 * time.Millisecond,
	}
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	clk := clock.NewManual(t0)
	return newHarnessOn(t, "i1", clk, store.NewMemory(clk), mutate)
}

func newHarnessOn(t *testing.T, instance string, clk *clock.Manual, mem *store.Memory, mutate func(*Config)) *harness {
	t.Helper()
	return newHarnessWith(t, instance, clk, mem, nil, mutate)
}

// newHarnessWith lets wrap put a different audit store in front of the
// harness's in-memory one.
func newHarnessWith(t *testing.T, instance string, clk *clock.Manual, mem *store.Memory, wrap func(*audit.Memory) audit.Store, mutate func(*Config)) *harness {
	t.Helper()
	cfg := testConfig(instance)
	if mutate != nil {
		mutate(&cfg)
	}
	reg := prometheus.NewRegistry()
	h := &harness{clk: clk, mem: mem, audit: audit.NewMemory()}
	var auditStore audit.Store = h.audit
	if wrap != nil {
		auditStore = wrap(h.audit)
	}
	srv, err := New(cfg, Deps{
		Logger: zerolog.Nop(),
		Clock:  clk,
		Verifier: tokens{
			"tok-alice": {UserID: "alice", Role: "creator"},
			"tok-bob":   {UserID: "bob", Role: "investor"},
		},
		KV:         mem,
		Bus:        mem,
		Audit:      auditStore,
		Registerer: reg,
		Gatherer:   reg,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Run(context.Background()))
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	h.srv = srv
	return h
}

// connect registers a session and, for a non-empty userID, authenticates it.
func (h *harness) connect(t *testing.T, userID string) *session.Session {
	t.Helper()
	sess := session.New(uuid.NewString(), session.Meta{RemoteAddr: "10.0.0.1", UserAgent: "test"}, 64, h.clk.Now())
	require.NoError(t, h.srv.registry.Register(sess))
	h.srv.slots.Add(1)
	if userID != "" {
		require.NoError(t, h.srv.authenticate(sess, auth.Claims{UserID: userID, Role: "creator"}))
	}
	return sess
}

func (h *harness) send(t *testing.T, sess *session.Session, kind protocol.Kind, payload any) {
	t.Helper()
	h.sendWithID(t, sess, kind, "", payload)
}

func (h *harness) sendWithID(t *testing.T, sess *session.Session, kind protocol.Kind, messageID string, payload any) {
	t.Helper()
	env, err := protocol.New(kind, payload)
	require.NoError(t, err)
	env.MessageID = messageID
	data, err := env.Marshal()
	require.NoError(t, err)
	h.srv.Dispatch(context.Background(), sess, data)
}

// next returns the next envelope of kind sent to sess, skipping others.
func next(t *testing.T, sess *session.Session, kind protocol.Kind) protocol.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-sess.Outbound():
			env, err := protocol.Parse(data)
			require.NoError(t, err)
			if env.Type == kind {
				return env
			}
		case <-deadline:
			t.Fatalf("session %s got no %s envelope", sess.ID(), kind)
			return protocol.Envelope{}
		}
	}
}

func nextError(t *testing.T, sess *session.Session) protocol.ErrorPayload {
	t.Helper()
	var p protocol.ErrorPayload
	require.NoError(t, next(t, sess, protocol.KindError).Decode(&p))
	return p
}

// quiet asserts nothing is waiting for sess.
func quiet(t *testing.T, sess *session.Session) {
	t.Helper()
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, len(sess.Outbound()))
}

func TestEveryInboundKindHasAHandler(t *testing.T) {
	h := newHarness(t, nil)
	for _, k := range protocol.Kinds() {
		if k.Inbound() {
			assert.NotNil(t, h.srv.handlers[k], k.String())
		} else {
			assert.Nil(t, h.srv.handlers[k], k.String())
		}
	}
}

func TestRequiresVerifier(t *testing.T) {
	_, err := New(Config{}, Deps{Logger: zerolog.Nop()})
	require.Error(t, err)
}

func TestMalformedJSONKeepsSessionOpen(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.connect(t, "")

	h.srv.Dispatch(context.Background(), sess, []byte(`{"type": "ping",`))

	p := nextError(t, sess)
	assert.Equal(t, int(faults.CodeValidation), p.Code)
	assert.Equal(t, "VALIDATION_ERROR", p.Name)
	assert.Equal(t, "message_processing", p.Category)
	assert.True(t, p.Recoverable)
	assert.NotContains(t, p.Error, "unexpected end")
	assert.False(t, sess.Closed())
}

func TestUnknownKindIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.connect(t, "")

	h.srv.Dispatch(context.Background(), sess, []byte(`{"type":"mystery","payload":{}}`))
	h.srv.Dispatch(context.Background(), sess, []byte(`{"type":"connected","payload":{}}`))

	quiet(t, sess)
	assert.False(t, sess.Closed())
}

func TestPingIsStampedAndAnswered(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.connect(t, "")

	h.srv.Dispatch(context.Background(), sess, []byte(`{"type":"ping","payload":{"n":1}}`))

	pong := next(t, sess, protocol.KindPong)
	assert.NotEmpty(t, pong.MessageID)
	assert.Equal(t, t0.UnixMilli(), pong.Timestamp)
	assert.JSONEq(t, `{"n":1}`, string(pong.Payload))
}

func TestAnonymousSessionNeedsAuth(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.connect(t, "")

	h.send(t, sess, protocol.KindMessageSend, protocol.MessageSendPayload{RecipientID: "bob", Body: json.RawMessage(`"hi"`)})

	p := nextError(t, sess)
	assert.Equal(t, int(faults.CodeAuthRequired), p.Code)
	assert.Empty(t, h.srv.registry.ByUser("bob"))
}

func TestAuthMessageAuthenticates(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.connect(t, "")

	h.send(t, sess, protocol.KindAuth, protocol.AuthPayload{Token: "tok-alice"})

	var p protocol.ConnectedPayload
	require.NoError(t, next(t, sess, protocol.KindConnected).Decode(&p))
	assert.True(t, p.Authenticated)
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, sess.ID(), p.SessionID)
	assert.Len(t, h.srv.registry.ByUser("alice"), 1)
	assert.Equal(t, presence.StatusOnline, h.srv.GetPresence(context.Background(), "alice").Status)
}

func TestAuthMessageWithBadToken(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.connect(t, "")

	h.send(t, sess, protocol.KindAuth, protocol.AuthPayload{Token: "nope"})

	p := nextError(t, sess)
	assert.Equal(t, int(faults.CodeInvalidToken), p.Code)
	assert.False(t, sess.Authenticated())
}

func TestMessageSendReachesOnlineRecipient(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	h.sendWithID(t, alice, protocol.KindMessageSend, "m-1", protocol.MessageSendPayload{
		RecipientID:    "bob",
		ConversationID: "c1",
		Body:           json.RawMessage(`{"text":"hello"}`),
	})

	got := next(t, bob, protocol.KindMessageReceived)
	require.NotEmpty(t, got.MessageID)
	assert.NotEqual(t, "m-1", got.MessageID)
	var p protocol.MessageReceivedPayload
	require.NoError(t, got.Decode(&p))
	assert.Equal(t, got.MessageID, p.MessageID)
	assert.Equal(t, "m-1", p.ClientMessageID)
	assert.Equal(t, "alice", p.SenderID)
	assert.Equal(t, "c1", p.ConversationID)
	assert.JSONEq(t, `{"text":"hello"}`, string(p.Body))

	require.Eventually(t, func() bool { return len(h.audit.Messages("alice")) == 1 }, time.Second, 5*time.Millisecond)
	msg := h.audit.Messages("alice")[0]
	assert.Equal(t, "bob", msg.RecipientID)
	assert.Equal(t, got.MessageID, msg.ID)
	assert.Equal(t, "m-1", msg.ClientID)
}

func TestReusedClientMessageIDsDoNotCollide(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	for _, sess := range []*session.Session{alice, bob} {
		h.sendWithID(t, sess, protocol.KindMessageSend, "1", protocol.MessageSendPayload{
			RecipientID: "carol",
			Body:        json.RawMessage(`"hi carol"`),
		})
	}

	require.Eventually(t, func() bool { return len(h.srv.queue.Pending("carol")) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(h.audit.Messages("alice")) == 1 && len(h.audit.Messages("bob")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.NotEqual(t, h.audit.Messages("alice")[0].ID, h.audit.Messages("bob")[0].ID)
}

// flakyAudit fails the first failures message writes.
type flakyAudit struct {
	*audit.Memory
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyAudit) RecordMessage(ctx context.Context, msg audit.Message) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("insert rt_messages: connection reset")
	}
	return f.Memory.RecordMessage(ctx, msg)
}

func (f *flakyAudit) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestFailedAuditWriteIsRetried(t *testing.T) {
	clk := clock.NewManual(t0)
	flaky := &flakyAudit{failures: 1}
	h := newHarnessWith(t, "i1", clk, store.NewMemory(clk), func(m *audit.Memory) audit.Store {
		flaky.Memory = m
		return flaky
	}, nil)
	alice := h.connect(t, "alice")
	h.connect(t, "bob")

	h.send(t, alice, protocol.KindMessageSend, protocol.MessageSendPayload{
		RecipientID: "bob",
		Body:        json.RawMessage(`"second time lucky"`),
	})

	require.Eventually(t, func() bool { return len(h.audit.Messages("alice")) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, flaky.callCount())
	assert.Equal(t, faults.StateClosed, h.srv.faults.Breaker(faults.DepDatastore).State())
}

func TestLimiterMirrorRespectsCacheBreaker(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.RateLimit.Rules = map[string]ratelimit.Rule{
			ratelimit.KindDefault: {MaxMessages: 100, Window: time.Minute},
			"typing_start":        {MaxMessages: 5, Window: time.Minute},
		}
	})
	h.connect(t, "bob")
	alice := h.connect(t, "alice")
	h.send(t, alice, protocol.KindTypingStart, protocol.TypingPayload{RecipientID: "bob"})
	_, ok := h.srv.limiter.State(alice.ID(), "typing_start")
	require.True(t, ok)

	h.srv.faults.Breaker(faults.DepCache).Trip()
	h.srv.disconnect(alice)

	assert.Never(t, func() bool {
		_, err := h.mem.Get(context.Background(), store.RateLimitKey("alice", "typing_start"))
		return err == nil
	}, 100*time.Millisecond, 5*time.Millisecond)
}

func TestMessageSendNeedsRecipient(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "alice")

	h.send(t, alice, protocol.KindMessageSend, protocol.MessageSendPayload{Body: json.RawMessage(`"hi"`)})

	assert.Equal(t, int(faults.CodeRecipientAbsent), nextError(t, alice).Code)
}

func TestOfflineRecipientGetsQueuedMessageOnConnect(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "alice")

	h.send(t, alice, protocol.KindMessageSend, protocol.MessageSendPayload{
		RecipientID: "bob",
		Body:        json.RawMessage(`"are you there"`),
	})
	require.Eventually(t, func() bool { return len(h.srv.queue.Pending("bob")) == 1 }, time.Second, 5*time.Millisecond)

	bob := h.connect(t, "bob")
	got := next(t, bob, protocol.KindMessageReceived)
	var p protocol.MessageReceivedPayload
	require.NoError(t, got.Decode(&p))
	assert.Equal(t, "alice", p.SenderID)
	require.Eventually(t, func() bool { return len(h.srv.queue.Pending("bob")) == 0 }, time.Second, 5*time.Millisecond)
}

func TestReadReceiptGoesToSender(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	require.NoError(t, h.audit.RecordMessage(context.Background(), audit.Message{
		ID: "m-7", ClientID: "c-7", SenderID: "alice", RecipientID: "bob", ConversationID: "c9", SentAt: t0,
	}))
	h.send(t, bob, protocol.KindMessageRead, protocol.MessageReadPayload{MessageID: "m-7"})

	var p protocol.MessageReadPayload
	require.NoError(t, next(t, alice, protocol.KindMessageRead).Decode(&p))
	assert.Equal(t, "m-7", p.MessageID)
	assert.Equal(t, "c-7", p.ClientMessageID)
	assert.Equal(t, "bob", p.ReaderID)
	assert.Equal(t, "c9", p.ConversationID)
}

func TestTypingRelaysWithSender(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	h.send(t, alice, protocol.KindTypingStart, protocol.TypingPayload{RecipientID: "bob", SenderID: "mallory"})

	var p protocol.TypingPayload
	require.NoError(t, next(t, bob, protocol.KindTypingStart).Decode(&p))
	assert.Equal(t, "alice", p.SenderID)
}

func TestDraftSyncReachesOtherDevicesOnly(t *testing.T) {
	h := newHarness(t, nil)
	laptop := h.connect(t, "alice")
	phone := h.connect(t, "alice")

	h.send(t, laptop, protocol.KindDraftSync, protocol.DraftPayload{DraftID: "d1", Content: json.RawMessage(`"wip"`)})

	var p protocol.DraftPayload
	require.NoError(t, next(t, phone, protocol.KindDraftUpdate).Decode(&p))
	assert.Equal(t, "d1", p.DraftID)

	time.Sleep(20 * time.Millisecond)
	for len(laptop.Outbound()) > 0 {
		env, err := protocol.Parse(<-laptop.Outbound())
		require.NoError(t, err)
		assert.NotEqual(t, protocol.KindDraftUpdate, env.Type)
	}
}

func TestUploadProgressValidatesPercent(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "alice")

	h.send(t, alice, protocol.KindUploadProgress, protocol.UploadProgressPayload{UploadID: "u1", Percent: 140})
	assert.Equal(t, int(faults.CodeValidation), nextError(t, alice).Code)

	h.send(t, alice, protocol.KindUploadProgress, protocol.UploadProgressPayload{UploadID: "u1", Percent: 40})
	var p protocol.UploadProgressPayload
	require.NoError(t, next(t, alice, protocol.KindUploadProgress).Decode(&p))
	assert.Equal(t, 40.0, p.Percent)
}

func TestRateLimitedKindIsRejected(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.RateLimit.Rules = map[string]ratelimit.Rule{
			ratelimit.KindDefault: {MaxMessages: 100, Window: time.Minute},
			"typing_start":        {MaxMessages: 1, Window: time.Minute},
		}
	})
	alice := h.connect(t, "alice")
	h.connect(t, "bob")

	h.send(t, alice, protocol.KindTypingStart, protocol.TypingPayload{RecipientID: "bob"})
	h.send(t, alice, protocol.KindTypingStart, protocol.TypingPayload{RecipientID: "bob"})

	p := nextError(t, alice)
	assert.Equal(t, int(faults.CodeRateLimited), p.Code)
	assert.Positive(t, p.RetryAfter)
	assert.Equal(t, int64(1), h.srv.limiter.Stats().Rejected)
}

func TestPresenceSubscriptionSeesStatusChanges(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	h.send(t, bob, protocol.KindSubscribe, protocol.SubscribePayload{Resources: []string{"presence:alice"}})
	var ack protocol.SubscribePayload
	require.NoError(t, next(t, bob, protocol.KindSubscribe).Decode(&ack))
	assert.Equal(t, []string{"presence:alice"}, ack.Resources)

	var current protocol.PresenceChangedPayload
	require.NoError(t, next(t, bob, protocol.KindPresenceChanged).Decode(&current))
	assert.Equal(t, "alice", current.UserID)
	assert.Equal(t, "online", current.Status)

	h.send(t, alice, protocol.KindPresenceUpdate, protocol.PresenceUpdatePayload{Status: "dnd", CustomStatus: "focus"})

	var changed protocol.PresenceChangedPayload
	require.NoError(t, next(t, bob, protocol.KindPresenceChanged).Decode(&changed))
	assert.Equal(t, "dnd", changed.Status)
	assert.Equal(t, "online", changed.Previous)
	assert.Equal(t, "focus", changed.CustomStatus)
	assert.Equal(t, "dnd", alice.Presence())
}

func TestPresenceUpdateRejectsOffline(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "alice")

	h.send(t, alice, protocol.KindPresenceUpdate, protocol.PresenceUpdatePayload{Status: "offline"})

	assert.Equal(t, int(faults.CodeValidation), nextError(t, alice).Code)
}

func TestSubscribeValidation(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "alice")

	h.send(t, alice, protocol.KindSubscribe, protocol.SubscribePayload{})
	assert.Equal(t, int(faults.CodeValidation), nextError(t, alice).Code)

	h.send(t, alice, protocol.KindSubscribe, protocol.SubscribePayload{Resources: []string{" "}})
	assert.Equal(t, int(faults.CodeValidation), nextError(t, alice).Code)
}

func TestNotificationReadIsAuditedAndSynced(t *testing.T) {
	h := newHarness(t, nil)
	laptop := h.connect(t, "alice")
	phone := h.connect(t, "alice")

	res, err := h.srv.NotifyUser(context.Background(), "alice", protocol.NotificationPayload{
		Type: "nda_request", Title: "NDA", Message: "New NDA request",
	}, queue.PriorityNormal)
	require.NoError(t, err)
	assert.True(t, res.Delivered)
	next(t, laptop, protocol.KindNotification)
	next(t, phone, protocol.KindNotification)
	require.Eventually(t, func() bool { return len(h.audit.Unread("alice")) == 1 }, time.Second, 5*time.Millisecond)

	h.send(t, laptop, protocol.KindNotificationRead, protocol.NotificationReadPayload{NotificationIDs: []string{res.MessageID}})

	var p protocol.NotificationReadPayload
	require.NoError(t, next(t, phone, protocol.KindNotificationRead).Decode(&p))
	assert.Equal(t, []string{res.MessageID}, p.NotificationIDs)
	require.Eventually(t, func() bool { return len(h.audit.Unread("alice")) == 0 }, time.Second, 5*time.Millisecond)
}

func TestNotifyOfflineUserIsQueued(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.srv.NotifyUser(context.Background(), "carol", protocol.NotificationPayload{Title: "Hi"}, queue.PriorityCritical)
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.False(t, res.Delivered)

	pending := h.srv.queue.Pending("carol")
	require.Len(t, pending, 1)
	assert.Equal(t, queue.PriorityCritical, pending[0].Priority)
}

func TestNotifyValidates(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.srv.NotifyUser(context.Background(), "", protocol.NotificationPayload{Title: "x"}, queue.PriorityNormal)
	assert.Equal(t, faults.CodeRecipientAbsent, faults.CodeOf(err))
	_, err = h.srv.NotifyUser(context.Background(), "carol", protocol.NotificationPayload{}, queue.PriorityNormal)
	assert.Equal(t, faults.CodeValidation, faults.CodeOf(err))
}

func TestBroadcastQueuesForKnownOfflineUsers(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "alice")
	carol := h.connect(t, "carol")
	anon := h.connect(t, "")

	h.srv.disconnect(carol)
	h.srv.presence.Flush(context.Background())

	res, err := h.srv.BroadcastSystemAnnouncement(context.Background(), protocol.AnnouncementPayload{
		Title: "Maintenance", Message: "Back soon",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Local)
	assert.Equal(t, 1, res.Queued)

	var p protocol.AnnouncementPayload
	require.NoError(t, next(t, alice, protocol.KindSystemAnnouncement).Decode(&p))
	assert.Equal(t, "Maintenance", p.Title)
	assert.Equal(t, "info", p.Type)
	assert.Len(t, h.srv.queue.Pending("carol"), 1)
	quiet(t, anon)
}

func TestUpdateResourceStatsReachesSubscribersOnly(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	h.send(t, bob, protocol.KindSubscribe, protocol.SubscribePayload{Resources: []string{"pitch:42"}})
	next(t, bob, protocol.KindSubscribe)
	assert.True(t, bob.Subscriptions().Has("pitch:42"))

	n, err := h.srv.UpdateResourceStats(context.Background(), "pitch:42", json.RawMessage(`{"views":10}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var p protocol.ResourceStatsPayload
	require.NoError(t, next(t, bob, protocol.KindResourceStats).Decode(&p))
	assert.Equal(t, "pitch:42", p.ResourceID)
	assert.JSONEq(t, `{"views":10}`, string(p.Stats))

	time.Sleep(20 * time.Millisecond)
	for len(alice.Outbound()) > 0 {
		env, err := protocol.Parse(<-alice.Outbound())
		require.NoError(t, err)
		assert.NotEqual(t, protocol.KindResourceStats, env.Type)
	}

	_, err = h.srv.UpdateResourceStats(context.Background(), "pitch:42", json.RawMessage(`{bad`))
	assert.Equal(t, faults.CodeValidation, faults.CodeOf(err))
}

func TestLastDisconnectTakesUserOffline(t *testing.T) {
	h := newHarness(t, nil)
	phone := h.connect(t, "alice")
	laptop := h.connect(t, "alice")

	h.srv.disconnect(phone)
	assert.Equal(t, 1, h.srv.registry.UserSessions("alice"))
	assert.Equal(t, presence.StatusOnline, h.srv.GetPresence(context.Background(), "alice").Status)

	h.srv.disconnect(laptop)
	assert.Equal(t, presence.StatusOffline, h.srv.GetPresence(context.Background(), "alice").Status)
	assert.Zero(t, h.srv.registry.Len())
	assert.Empty(t, h.srv.registry.ByUser("alice"))

	// A second disconnect of the same session is a no-op.
	h.srv.disconnect(laptop)
	assert.Zero(t, h.srv.slots.Load())
}

func TestIdleOfflineClosesSessions(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.connect(t, "alice")

	h.clk.Advance(16 * time.Minute)
	h.srv.presence.Tick()

	assert.True(t, sess.Closed())
	assert.Equal(t, session.ClosePresenceTimeout, sess.CloseInfo().Code)
}

func TestSlowConsumerIsClosed(t *testing.T) {
	h := newHarness(t, nil)
	sess := session.New("slow", session.Meta{}, 1, h.clk.Now())
	require.NoError(t, h.srv.registry.Register(sess))

	h.srv.Dispatch(context.Background(), sess, []byte(`{"type":"ping"}`))
	h.srv.Dispatch(context.Background(), sess, []byte(`{"type":"ping"}`))

	assert.True(t, sess.Closed())
	assert.Equal(t, session.CloseSlowConsumer, sess.CloseInfo().Code)
}

func TestLimiterHistorySurvivesReconnect(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.RateLimit.Rules = map[string]ratelimit.Rule{
			ratelimit.KindDefault: {MaxMessages: 100, Window: time.Minute},
			"typing_start":        {MaxMessages: 1, Window: time.Minute},
		}
	})
	h.connect(t, "bob")
	first := h.connect(t, "alice")
	h.send(t, first, protocol.KindTypingStart, protocol.TypingPayload{RecipientID: "bob"})
	h.srv.disconnect(first)

	require.Eventually(t, func() bool {
		_, err := h.mem.Get(context.Background(), store.RateLimitKey("alice", "typing_start"))
		return err == nil
	}, time.Second, 5*time.Millisecond)

	second := h.connect(t, "alice")
	require.Eventually(t, func() bool {
		_, ok := h.srv.limiter.State(second.ID(), "typing_start")
		return ok
	}, time.Second, 5*time.Millisecond)

	h.send(t, second, protocol.KindTypingStart, protocol.TypingPayload{RecipientID: "bob"})
	assert.Equal(t, int(faults.CodeRateLimited), nextError(t, second).Code)
}

func TestCrossInstanceDelivery(t *testing.T) {
	clk := clock.NewManual(t0)
	mem := store.NewMemory(clk)
	a := newHarnessOn(t, "a", clk, mem, nil)
	b := newHarnessOn(t, "b", clk, mem, nil)

	alice := a.connect(t, "alice")
	bob := b.connect(t, "bob")

	a.send(t, alice, protocol.KindTypingStart, protocol.TypingPayload{RecipientID: "bob"})
	var p protocol.TypingPayload
	require.NoError(t, next(t, bob, protocol.KindTypingStart).Decode(&p))
	assert.Equal(t, "alice", p.SenderID)

	res, err := b.srv.BroadcastSystemAnnouncement(context.Background(), protocol.AnnouncementPayload{Title: "Hello all"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Local)
	next(t, alice, protocol.KindSystemAnnouncement)
	next(t, bob, protocol.KindSystemAnnouncement)
}

func TestHealthRollup(t *testing.T) {
	h := newHarness(t, nil)

	status := h.srv.GetHealthStatus(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.True(t, status.Components["cache"].Up)

	h.srv.faults.Breaker(faults.DepDatastore).Trip()
	status = h.srv.GetHealthStatus(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, "open", status.Components["datastore"].Breaker)

	h.mem.FailWith(errors.New("connection refused"))
	status = h.srv.GetHealthStatus(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.False(t, status.Components["cache"].Up)
	h.mem.FailWith(nil)
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	handler := h.srv.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.mem.FailWith(errors.New("down"))
	defer h.mem.FailWith(nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusUnhealthy, body.Status)
	assert.NotEmpty(t, body.Errors)
}

func TestInternalEndpointsNeedToken(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.InternalToken = "s3cret" })
	handler := h.srv.Handler()
	body := `{"userId":"carol","priority":"high","notification":{"type":"info","title":"Hi"}}`

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/notify", strings.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/internal/notify", strings.NewReader(body))
	req.Header.Set("X-Internal-Token", "s3cret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var res queue.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Queued)

	del := httptest.NewRequest(http.MethodDelete, "/internal/queue/"+res.MessageID, nil)
	del.Header.Set("X-Internal-Token", "s3cret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, del)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	del = httptest.NewRequest(http.MethodDelete, "/internal/queue/missing", nil)
	del.Header.Set("X-Internal-Token", "s3cret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, del)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPresenceEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "alice")
	handler := h.srv.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/internal/presence?user=alice,bob", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]presence.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, presence.StatusOnline, got["alice"].Status)
	assert.Equal(t, presence.StatusOffline, got["bob"].Status)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/internal/presence", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClassifyGatewayErrors(t *testing.T) {
	tests := []struct {
		err  error
		want faults.Code
	}{
		{auth.ErrExpiredToken, faults.CodeTokenExpired},
		{auth.ErrInvalidToken, faults.CodeInvalidToken},
		{session.ErrUserChanged, faults.CodeForbidden},
		{store.ErrClosed, faults.CodeCacheUnavailable},
		{protocol.ErrMalformed, faults.CodeValidation},
		{queue.ErrInvalidPriority, faults.CodeValidation},
		{errNoSession, faults.CodeDeliveryFailed},
	}
	for _, tt := range tests {
		code, ok := classify(tt.err)
		assert.True(t, ok, tt.err.Error())
		assert.Equal(t, tt.want, code, tt.err.Error())
	}
	_, ok := classify(errors.New("other"))
	assert.False(t, ok)
}
