package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"meetai/internal/audit"
	"meetai/internal/events"
	"meetai/internal/metrics"
	"meetai/internal/provider"

	gonanoid "github.com/matoous/go-nanoid"
)

const (
	maxNameLength   = 200
	teardownTimeout = 10 * time.Second
	defaultTokenTTL = time.Hour
)

// Auditor records lifecycle transitions. Failures never fail the operation.
type Auditor interface {
	Record(ctx context.Context, typ audit.EventType, callID, actorUserID, message string) error
}

type Options struct {
	// TokenTTL bounds provider join credentials.
	TokenTTL time.Duration
	// RevealMissing makes complete/remove on unknown ids return ErrNotFound.
	// When false they return ErrForbidden, so non-participants cannot discover ids.
	RevealMissing bool
}

// Deps are the collaborators of Service. Events, Audit and Metrics are optional.
type Deps struct {
	Store   Store
	Bridge  provider.Bridge
	Events  events.Publisher
	Audit   Auditor
	Metrics *metrics.Lifecycle
	Logger  *slog.Logger
}

// Service enforces the call state machine and its authorization rules.
//
// Invariants:
// - status only moves active -> completed, through one guarded write
// - only the caller that wins that write ends the provider session
// - provider failures never roll back or block call store changes
type Service struct {
	store   Store
	bridge  provider.Bridge
	events  events.Publisher
	audit   Auditor
	metrics *metrics.Lifecycle
	log     *slog.Logger
	opts    Options

	// clock and newID are injectable for deterministic tests.
	clock func() time.Time
	newID func() (string, error)
}

func NewService(d Deps, opts Options) *Service {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = defaultTokenTTL
	}
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:   d.Store,
		bridge:  d.Bridge,
		events:  d.Events,
		audit:   d.Audit,
		metrics: d.Metrics,
		log:     log.With("component", "calls"),
		opts:    opts,
		clock:   time.Now,
		newID:   func() (string, error) { return gonanoid.Nanoid() },
	}
}

// Create allocates a call hosted by the requester. The host is its first participant.
// A provider failure leaves the call unprovisioned; Join and MintAccessToken retry it.
func (s *Service) Create(ctx context.Context, r Requester, name string) (Call, error) {
	if r.ID == "" {
		return Call{}, ErrInvalidArgument
	}
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > maxNameLength {
		return Call{}, fmt.Errorf("%w: name longer than %d characters", ErrInvalidArgument, maxNameLength)
	}

	id, err := s.newID()
	if err != nil {
		return Call{}, fmt.Errorf("allocate call id: %w", err)
	}
	c := Call{
		ID:        id,
		HostID:    r.ID,
		Status:    StatusActive,
		CreatedAt: s.clock().UTC(),
	}
	if name != "" {
		c.Name = &name
	}

	s.rememberUser(ctx, r)
	if err := s.store.InsertCall(ctx, c); err != nil {
		s.metrics.Op("create", metrics.OutcomeError)
		return Call{}, fmt.Errorf("insert call: %w", err)
	}

	c.Provisioned = s.provision(ctx, c) == nil

	s.record(ctx, audit.EventTypeCallCreated, c.ID, r.ID, "call created")
	s.metrics.Op("create", metrics.OutcomeOK)
	s.log.Info("call created", "call_id", c.ID, "host_id", r.ID, "provisioned", c.Provisioned)
	return c, nil
}

// Join admits the requester. Repeated and concurrent joins by the same user are no-ops.
func (s *Service) Join(ctx context.Context, r Requester, callID string) error {
	if r.ID == "" || callID == "" {
		return ErrInvalidArgument
	}

	c, err := s.store.GetCall(ctx, callID)
	if err != nil {
		s.metrics.Op("join", outcomeOf(err))
		return err
	}
	if c.IsCompleted() {
		s.metrics.Op("join", metrics.OutcomeRejected)
		return ErrCallEnded
	}

	s.rememberUser(ctx, r)
	inserted, err := s.store.InsertParticipant(ctx, Participant{CallID: callID, UserID: r.ID, JoinedAt: s.clock().UTC()})
	if err != nil {
		s.metrics.Op("join", outcomeOf(err))
		return err
	}
	if !c.Provisioned {
		// The join itself is settled; a provider failure or a completion racing
		// in after the insert does not undo it.
		_ = s.provision(ctx, c)
	}

	s.metrics.Op("join", metrics.OutcomeOK)
	if inserted {
		s.log.Info("participant joined", "call_id", callID, "user_id", r.ID)
	}
	return nil
}

// Complete ends the call. Exactly one of any number of concurrent callers
// succeeds; the rest get ErrAlreadyCompleted.
func (s *Service) Complete(ctx context.Context, requesterID, callID string) error {
	if requesterID == "" || callID == "" {
		return ErrInvalidArgument
	}

	c, err := s.store.GetCall(ctx, callID)
	if err != nil {
		s.metrics.Op("complete", outcomeOf(err))
		return s.hideMissing(err)
	}
	if c.HostID != requesterID {
		s.metrics.Op("complete", metrics.OutcomeRejected)
		return ErrForbidden
	}
	if c.IsCompleted() {
		s.metrics.Op("complete", metrics.OutcomeRejected)
		return ErrAlreadyCompleted
	}

	now := s.clock().UTC()
	if err := s.store.SetStatus(ctx, callID, StatusActive, StatusCompleted, now); err != nil {
		switch {
		case errors.Is(err, ErrStatusConflict):
			s.metrics.CompletionRace()
			s.metrics.Op("complete", metrics.OutcomeRejected)
			s.log.Info("completion lost to concurrent caller", "call_id", callID)
			return ErrAlreadyCompleted
		case errors.Is(err, ErrNotFound):
			s.metrics.Op("complete", metrics.OutcomeRejected)
			return s.hideMissing(err)
		default:
			s.metrics.Op("complete", metrics.OutcomeError)
			return fmt.Errorf("set status: %w", err)
		}
	}

	s.teardown(ctx, callID)
	s.publish(ctx, events.TypeCallCompleted, callID)
	s.record(ctx, audit.EventTypeCallCompleted, callID, requesterID, "call completed")
	s.metrics.Op("complete", metrics.OutcomeOK)
	s.log.Info("call completed", "call_id", callID, "host_id", requesterID)
	return nil
}

// Remove deletes a completed call and its participants. Active calls cannot be removed.
func (s *Service) Remove(ctx context.Context, requesterID, callID string) error {
	if requesterID == "" || callID == "" {
		return ErrInvalidArgument
	}

	c, err := s.store.GetCall(ctx, callID)
	if err != nil {
		s.metrics.Op("remove", outcomeOf(err))
		return s.hideMissing(err)
	}
	if c.HostID != requesterID {
		s.metrics.Op("remove", metrics.OutcomeRejected)
		return ErrForbidden
	}
	if !c.IsCompleted() {
		s.metrics.Op("remove", metrics.OutcomeRejected)
		return ErrNotCompleted
	}

	if err := s.store.DeleteCall(ctx, callID); err != nil {
		switch {
		case errors.Is(err, ErrStatusConflict):
			s.metrics.Op("remove", metrics.OutcomeRejected)
			return ErrNotCompleted
		case errors.Is(err, ErrNotFound):
			// A concurrent remove by the same host won.
			s.metrics.Op("remove", metrics.OutcomeRejected)
			return ErrNotFound
		default:
			s.metrics.Op("remove", metrics.OutcomeError)
			return fmt.Errorf("delete call: %w", err)
		}
	}

	s.publish(ctx, events.TypeCallRemoved, callID)
	s.record(ctx, audit.EventTypeCallRemoved, callID, requesterID, "call removed")
	s.metrics.Op("remove", metrics.OutcomeOK)
	s.log.Info("call removed", "call_id", callID, "host_id", requesterID)
	return nil
}

// GetByID reports ok=false for unknown ids instead of an error.
func (s *Service) GetByID(ctx context.Context, callID string) (Call, bool, error) {
	if callID == "" {
		return Call{}, false, nil
	}
	c, err := s.store.GetCall(ctx, callID)
	if errors.Is(err, ErrNotFound) {
		return Call{}, false, nil
	}
	if err != nil {
		return Call{}, false, err
	}
	return c, true, nil
}

// ListForUser returns the calls the requester has joined, newest first.
func (s *Service) ListForUser(ctx context.Context, requesterID string) ([]Call, error) {
	if requesterID == "" {
		return nil, ErrInvalidArgument
	}
	return s.store.ListCallsForUser(ctx, requesterID)
}

// ListParticipants returns an empty list for unknown calls.
func (s *Service) ListParticipants(ctx context.Context, callID string) ([]ParticipantView, error) {
	if callID == "" {
		return []ParticipantView{}, nil
	}
	return s.store.ListParticipants(ctx, callID)
}

// MintAccessToken returns a provider join credential for the requester.
// It never changes call or participant state.
func (s *Service) MintAccessToken(ctx context.Context, r Requester, callID string) (AccessToken, error) {
	if r.ID == "" || callID == "" {
		return AccessToken{}, ErrInvalidArgument
	}

	c, err := s.store.GetCall(ctx, callID)
	if err != nil {
		s.metrics.Op("token", outcomeOf(err))
		return AccessToken{}, err
	}
	if c.IsCompleted() {
		s.metrics.Op("token", metrics.OutcomeRejected)
		return AccessToken{}, ErrCallEnded
	}

	if !c.Provisioned {
		if err := s.provision(ctx, c); err != nil {
			if errors.Is(err, ErrCallEnded) {
				s.metrics.Op("token", metrics.OutcomeRejected)
				return AccessToken{}, ErrCallEnded
			}
			s.metrics.Op("token", metrics.OutcomeError)
			return AccessToken{}, fmt.Errorf("%w: session not provisioned: %w", ErrProviderUnavailable, err)
		}
	}

	s.rememberUser(ctx, r)
	pu := provider.User{ID: r.ID, Name: r.Name, Image: r.Image}.WithAvatarFallback()
	if err := s.bridge.RegisterUser(ctx, pu); err != nil {
		s.metrics.ProviderFailure("register")
		s.metrics.Op("token", metrics.OutcomeError)
		return AccessToken{}, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}

	issuedAt := s.clock().UTC()
	expiry := issuedAt.Add(s.opts.TokenTTL)
	tok, err := s.bridge.IssueToken(ctx, r.ID, callID, issuedAt, expiry)
	if err != nil {
		s.metrics.ProviderFailure("token")
		s.metrics.Op("token", metrics.OutcomeError)
		return AccessToken{}, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}

	s.metrics.Op("token", metrics.OutcomeOK)
	return AccessToken{Token: tok, ExpiresAt: expiry}, nil
}

// HandleSessionEnded relays a provider "session ended" notification to observers.
// Status is left alone: clients that see the event complete the call themselves.
func (s *Service) HandleSessionEnded(ctx context.Context, callID string) error {
	c, ok, err := s.GetByID(ctx, callID)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Info("session ended for unknown call", "call_id", callID)
		return nil
	}

	s.record(ctx, audit.EventTypeSessionEnded, callID, "", "provider session ended")
	if s.events == nil {
		return nil
	}
	if err := s.events.Publish(ctx, events.Event{Type: events.TypeSessionEnded, CallID: callID, At: s.clock().UTC()}); err != nil {
		return fmt.Errorf("publish session ended: %w", err)
	}
	s.log.Info("provider session ended", "call_id", callID, "status", c.Status)
	return nil
}

// provision creates the provider session for a call that has none yet.
// A completion can land while the session is being created, after its own
// teardown already ran; provision then ends the session it just opened and
// returns ErrCallEnded.
func (s *Service) provision(ctx context.Context, c Call) error {
	err := s.bridge.ProvisionSession(ctx, provider.SessionSpec{CallID: c.ID, HostID: c.HostID, Name: c.Name})
	if err != nil {
		s.metrics.ProviderFailure("provision")
		s.log.Warn("provider session provisioning failed", "call_id", c.ID, "err", err)
		return err
	}
	if err := s.store.MarkProvisioned(ctx, c.ID); err != nil {
		s.log.Warn("mark provisioned failed", "call_id", c.ID, "err", err)
	}

	cur, err := s.store.GetCall(ctx, c.ID)
	switch {
	case errors.Is(err, ErrNotFound), err == nil && cur.IsCompleted():
		s.log.Info("call ended during provisioning, closing session", "call_id", c.ID)
		s.teardown(ctx, c.ID)
		return ErrCallEnded
	case err != nil:
		s.log.Warn("status re-check after provisioning failed", "call_id", c.ID, "err", err)
	}
	return nil
}

// teardown runs detached from the request so a client disconnect right after
// the status change does not leave the provider session open.
func (s *Service) teardown(ctx context.Context, callID string) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := s.bridge.EndSession(tctx, callID); err != nil {
		s.metrics.ProviderFailure("end")
		s.log.Warn("provider session teardown failed", "call_id", callID, "err", err)
	}
}

func (s *Service) publish(ctx context.Context, typ events.Type, callID string) {
	if s.events == nil {
		return
	}
	e := events.Event{Type: typ, CallID: callID, At: s.clock().UTC()}
	if err := s.events.Publish(context.WithoutCancel(ctx), e); err != nil {
		s.log.Warn("event publish failed", "call_id", callID, "type", typ, "err", err)
	}
}

func (s *Service) record(ctx context.Context, typ audit.EventType, callID, actor, msg string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(context.WithoutCancel(ctx), typ, callID, actor, msg); err != nil {
		s.log.Warn("audit append failed", "call_id", callID, "type", typ, "err", err)
	}
}

func (s *Service) rememberUser(ctx context.Context, r Requester) {
	if r.Name == "" && r.Image == "" {
		return
	}
	if err := s.store.UpsertUser(ctx, r.user()); err != nil {
		s.log.Warn("user directory upsert failed", "user_id", r.ID, "err", err)
	}
}

func (s *Service) hideMissing(err error) error {
	if errors.Is(err, ErrNotFound) && !s.opts.RevealMissing {
		return ErrForbidden
	}
	return err
}

func outcomeOf(err error) string {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrCallEnded) {
		return metrics.OutcomeRejected
	}
	return metrics.OutcomeError
}
