package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It is append-only: there are no update or delete methods.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records lifecycle transitions for operators. Records are internal
// and are not exposed through the public API.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.CallID == "" || e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	if e.IPAddress == "" {
		e.IPAddress = ClientIPFromContext(ctx)
	}
	return s.repo.Append(ctx, e)
}

// Record is the shorthand used by the lifecycle service.
func (s *Service) Record(ctx context.Context, typ EventType, callID, actorUserID, message string) error {
	return s.Append(ctx, Event{
		Type:        typ,
		CallID:      callID,
		ActorUserID: actorUserID,
		Message:     message,
	})
}
