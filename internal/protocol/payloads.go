package protocol

import "encoding/json"

// ConnectedPayload is sent once after a successful handshake.
type ConnectedPayload struct {
	SessionID     string `json:"sessionId"`
	UserID        string `json:"userId,omitempty"`
	Authenticated bool   `json:"authenticated"`
	ServerTime    int64  `json:"serverTime"`
	Instance      string `json:"instance,omitempty"`
}

// ErrorPayload is the client-safe body of every "error" envelope.
type ErrorPayload struct {
	Error       string `json:"error"`
	Code        int    `json:"code"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	Recoverable bool   `json:"recoverable"`
	RetryAfter  int64  `json:"retryAfter,omitempty"` // milliseconds
	MessageID   string `json:"messageId,omitempty"`
}

type AuthPayload struct {
	Token string `json:"token"`
}

type NotificationPayload struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	RelatedID string `json:"relatedId,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

type NotificationReadPayload struct {
	NotificationIDs []string `json:"notificationIds"`
}

type AnnouncementPayload struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

type SubscribePayload struct {
	Resources []string `json:"resources"`
}

type ResourceStatsPayload struct {
	ResourceID string          `json:"resourceId"`
	Stats      json.RawMessage `json:"stats"`
}

type PresenceUpdatePayload struct {
	Status       string `json:"status"`
	CustomStatus string `json:"customStatus,omitempty"`
}

type PresenceChangedPayload struct {
	UserID       string `json:"userId"`
	Status       string `json:"status"`
	Previous     string `json:"previous,omitempty"`
	CustomStatus string `json:"customStatus,omitempty"`
	LastSeen     int64  `json:"lastSeen,omitempty"`
}

type TypingPayload struct {
	RecipientID    string `json:"recipientId"`
	ConversationID string `json:"conversationId,omitempty"`
	SenderID       string `json:"senderId,omitempty"`
}

type MessageSendPayload struct {
	RecipientID    string          `json:"recipientId"`
	ConversationID string          `json:"conversationId,omitempty"`
	Body           json.RawMessage `json:"body"`
}

// MessageReceivedPayload carries the server-assigned MessageID. The
// sender's own id travels as ClientMessageID.
type MessageReceivedPayload struct {
	MessageID       string          `json:"messageId"`
	ClientMessageID string          `json:"clientMessageId,omitempty"`
	SenderID        string          `json:"senderId"`
	ConversationID  string          `json:"conversationId,omitempty"`
	Body            json.RawMessage `json:"body"`
	SentAt          int64           `json:"sentAt"`
}

type MessageReadPayload struct {
	MessageID       string `json:"messageId"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
	SenderID        string `json:"senderId"`
	ConversationID  string `json:"conversationId,omitempty"`
	ReaderID        string `json:"readerId,omitempty"`
}

type DraftPayload struct {
	DraftID string          `json:"draftId"`
	Field   string          `json:"field,omitempty"`
	Content json.RawMessage `json:"content"`
}

type UploadProgressPayload struct {
	UploadID string  `json:"uploadId"`
	FileName string  `json:"fileName,omitempty"`
	Percent  float64 `json:"percent"`
	Status   string  `json:"status,omitempty"`
}
