// Package protocol defines the JSON envelope exchanged with clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMalformed    = errors.New("protocol: malformed envelope")
	ErrMissingType  = errors.New("protocol: envelope has no type")
	ErrEmptyPayload = errors.New("protocol: envelope has no payload")
)

// Envelope is the frame shape for every message in either direction.
type Envelope struct {
	Type           Kind            `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	MessageID      string          `json:"messageId,omitempty"`
	Timestamp      int64           `json:"timestamp,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`

	// RawType is the "type" string as received. It is only interesting
	// when Type is KindUnknown.
	RawType string `json:"-"`
}

type wireEnvelope struct {
	Type           *string         `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	MessageID      string          `json:"messageId"`
	Timestamp      int64           `json:"timestamp"`
	UserID         string          `json:"userId"`
	ConversationID string          `json:"conversationId"`
}

// Parse decodes one inbound frame. Syntax errors and a missing type are
// reported as ErrMalformed. An unrecognised type is not an error: the
// envelope comes back with Type == KindUnknown and RawType set.
func Parse(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if w.Type == nil || *w.Type == "" {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, ErrMissingType)
	}

	kind, _ := ParseKind(*w.Type)
	payload := w.Payload
	if string(payload) == "null" {
		payload = nil
	}

	return Envelope{
		Type:           kind,
		Payload:        payload,
		MessageID:      w.MessageID,
		Timestamp:      w.Timestamp,
		UserID:         w.UserID,
		ConversationID: w.ConversationID,
		RawType:        *w.Type,
	}, nil
}

// New builds an envelope of the given kind with payload encoded as JSON.
func New(kind Kind, payload any) (Envelope, error) {
	env := Envelope{Type: kind}
	if payload == nil {
		return env, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		env.Payload = raw
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: encode %s payload: %w", kind, err)
	}
	env.Payload = b
	return env, nil
}

// Stamp fills in a server message id and an epoch-millisecond timestamp
// when either is absent.
func (e *Envelope) Stamp(now time.Time) {
	if e.MessageID == "" {
		e.MessageID = uuid.NewString()
	}
	if e.Timestamp == 0 {
		e.Timestamp = now.UnixMilli()
	}
}

// Marshal encodes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return ErrEmptyPayload
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %w", ErrMalformed, e.Type, err)
	}
	return nil
}

// Encode is New, Stamp and Marshal in one call.
func Encode(kind Kind, payload any, now time.Time) ([]byte, error) {
	env, err := New(kind, payload)
	if err != nil {
		return nil, err
	}
	env.Stamp(now)
	return env.Marshal()
}
