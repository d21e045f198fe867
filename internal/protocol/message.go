package protocol

import (
	"encoding/json"
	"time"
)

// Message is the wire envelope for the /stream push channel and for
// structured API errors.
type Message struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload"`
	Error   *ErrPayload     `json:"error,omitempty"`
}

type ErrPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventPayload is the body carried by every pushed supervisor event.
type EventPayload struct {
	Kind      string          `json:"kind"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	At        time.Time       `json:"at"`
}

func EventMessage(id, kind, sessionID string, payload any, at time.Time) Message {
	return Message{
		ID:   id,
		Type: "event",
		Op:   kind,
		Payload: MustRaw(EventPayload{
			Kind:      kind,
			SessionID: sessionID,
			Payload:   MustRaw(payload),
			At:        at,
		}),
	}
}

func MustRaw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
