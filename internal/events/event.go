package events

import (
	"context"
	"encoding/json"
	"time"
)

type Type string

const (
	// TypeSessionEnded is relayed from the media provider. It carries no status change.
	TypeSessionEnded  Type = "session_ended"
	TypeCallCompleted Type = "call_completed"
	TypeCallRemoved   Type = "call_removed"
)

// Event is a per-call notification fanned out to connected clients.
type Event struct {
	Type   Type      `json:"type"`
	CallID string    `json:"call_id"`
	At     time.Time `json:"at"`
}

// Terminal reports whether observers should treat the call as over.
func (e Event) Terminal() bool {
	switch e.Type {
	case TypeSessionEnded, TypeCallCompleted, TypeCallRemoved:
		return true
	default:
		return false
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Encode and Decode are the wire format shared by the broker and the websocket stream.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

func Decode(b []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(b, &e)
	return e, err
}
