package audit

import "time"

// Event is an immutable, append-only record of a call lifecycle transition.
//
// Invariants:
// - Events are never updated or deleted.
// - call_id and type are required.
// - Actor and IP capture are best-effort; lifecycle operations never fail on audit errors.
type Event struct {
	ID     string    `json:"id" db:"id"`
	Type   EventType `json:"type" db:"type"`
	CallID string    `json:"call_id" db:"call_id"`

	// ActorUserID is empty for provider-originated events.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	Message string `json:"message,omitempty" db:"message"`
	// Metadata is optional JSON.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCallCreated   EventType = "call_created"
	EventTypeCallCompleted EventType = "call_completed"
	EventTypeCallRemoved   EventType = "call_removed"
	EventTypeSessionEnded  EventType = "session_ended"
)
