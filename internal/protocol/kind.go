package protocol

import "fmt"

// Kind is the closed set of envelope types carried on the wire.
//
// The zero value, KindUnknown, is what any unrecognised "type" string
// decodes to. New kinds are added here and in kindNames; the gateway's
// handler table is indexed by Kind and refuses to start when an inbound
// kind has no handler.
type Kind uint8

const (
	KindUnknown Kind = iota

	// Connection lifecycle.
	KindConnected
	KindError
	KindPing
	KindPong
	KindAuth

	// Notifications and dashboard pushes.
	KindNotification
	KindNotificationRead
	KindDashboardUpdate
	KindMetricsUpdate
	KindResourceStats
	KindSubscribe
	KindUnsubscribe

	// Collaboration.
	KindDraftSync
	KindDraftUpdate
	KindPresenceUpdate
	KindPresenceChanged
	KindUploadProgress
	KindTypingStart
	KindTypingStop

	// Direct messages.
	KindMessageSend
	KindMessageReceived
	KindMessageRead

	KindSystemAnnouncement

	kindCount
)

// KindCount is the number of defined kinds including KindUnknown. It sizes
// per-kind tables.
const KindCount = int(kindCount)

var kindNames = [kindCount]string{
	KindUnknown:            "unknown",
	KindConnected:          "connected",
	KindError:              "error",
	KindPing:               "ping",
	KindPong:               "pong",
	KindAuth:               "auth",
	KindNotification:       "notification",
	KindNotificationRead:   "notification_read",
	KindDashboardUpdate:    "dashboard_update",
	KindMetricsUpdate:      "metrics_update",
	KindResourceStats:      "resource_stats",
	KindSubscribe:          "subscribe",
	KindUnsubscribe:        "unsubscribe",
	KindDraftSync:          "draft_sync",
	KindDraftUpdate:        "draft_update",
	KindPresenceUpdate:     "presence_update",
	KindPresenceChanged:    "presence_changed",
	KindUploadProgress:     "upload_progress",
	KindTypingStart:        "typing_start",
	KindTypingStop:         "typing_stop",
	KindMessageSend:        "message_send",
	KindMessageReceived:    "message_received",
	KindMessageRead:        "message_read",
	KindSystemAnnouncement: "system_announcement",
}

var kindByName = func() map[string]Kind {
	m := make(map[string]Kind, kindCount)
	for k, name := range kindNames {
		m[name] = Kind(k)
	}
	delete(m, kindNames[KindUnknown])
	return m
}()

// inbound marks the kinds a client may send.
var inbound = [kindCount]bool{
	KindPing:             true,
	KindPong:             true,
	KindAuth:             true,
	KindNotificationRead: true,
	KindSubscribe:        true,
	KindUnsubscribe:      true,
	KindDraftSync:        true,
	KindPresenceUpdate:   true,
	KindUploadProgress:   true,
	KindTypingStart:      true,
	KindTypingStop:       true,
	KindMessageSend:      true,
	KindMessageRead:      true,
}

// ParseKind maps a wire name to a Kind. Unrecognised names return
// KindUnknown and false.
func ParseKind(name string) (Kind, bool) {
	k, ok := kindByName[name]
	return k, ok
}

func (k Kind) String() string {
	if k >= kindCount {
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
	return kindNames[k]
}

// Valid reports whether k is a defined kind other than KindUnknown.
func (k Kind) Valid() bool { return k > KindUnknown && k < kindCount }

// Inbound reports whether clients are allowed to send k.
func (k Kind) Inbound() bool { return k < kindCount && inbound[k] }

// Anonymous reports whether an unauthenticated session may send k.
func (k Kind) Anonymous() bool {
	return k == KindPing || k == KindPong || k == KindAuth
}

// Kinds returns every defined kind except KindUnknown.
func Kinds() []Kind {
	out := make([]Kind, 0, kindCount-1)
	for k := KindUnknown + 1; k < kindCount; k++ {
		out = append(out, k)
	}
	return out
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("protocol: cannot encode %s", k)
	}
	return []byte(kindNames[k]), nil
}

// UnmarshalText never fails; unknown names become KindUnknown so the
// envelope can still be inspected and dropped.
func (k *Kind) UnmarshalText(text []byte) error {
	*k, _ = ParseKind(string(text))
	return nil
}
