package calls

import (
	"context"
	"time"
)

// Store is the durable record of calls and participants.
//
// Implementations must make SetStatus an atomic compare-and-set and
// InsertParticipant an upsert on (call_id, user_id); check-then-write is not enough.
type Store interface {
	// InsertCall stores a new call together with its host as the first participant.
	InsertCall(ctx context.Context, c Call) error
	GetCall(ctx context.Context, id string) (Call, error)
	// ListCallsForUser returns calls the user has joined, newest first.
	ListCallsForUser(ctx context.Context, userID string) ([]Call, error)
	// SetStatus moves a call from one status to another only if it is currently in from.
	// Only active -> completed is accepted.
	SetStatus(ctx context.Context, id string, from, to Status, at time.Time) error
	MarkProvisioned(ctx context.Context, id string) error
	// InsertParticipant admits a user to an active call in one guarded write and
	// reports whether a new row was created. It returns ErrCallEnded once the call
	// is completed, even for existing members, and ErrNotFound for unknown calls.
	InsertParticipant(ctx context.Context, p Participant) (bool, error)
	ListParticipants(ctx context.Context, callID string) ([]ParticipantView, error)
	// DeleteCall removes a completed call and all of its participants.
	DeleteCall(ctx context.Context, id string) error
	UpsertUser(ctx context.Context, u User) error
}

func validTransition(from, to Status) bool {
	return from == StatusActive && to == StatusCompleted
}
