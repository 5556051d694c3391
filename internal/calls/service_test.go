package calls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"meetai/internal/audit"
	"meetai/internal/events"
	"meetai/internal/metrics"
	"meetai/internal/provider"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc     *Service
	store   *MemoryStore
	bridge  *provider.MemoryBridge
	hub     *events.Hub
	audit   *audit.MemoryRepo
	metrics *metrics.Lifecycle
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	f := fixture{
		store:   NewMemoryStore(),
		bridge:  provider.NewMemoryBridge(),
		hub:     events.NewHub(nil),
		audit:   audit.NewMemoryRepo(),
		metrics: metrics.New(),
	}
	f.svc = NewService(Deps{
		Store:   f.store,
		Bridge:  f.bridge,
		Events:  f.hub,
		Audit:   audit.NewService(f.audit),
		Metrics: f.metrics,
	}, opts)

	var seq atomic.Int64
	f.svc.newID = func() (string, error) {
		return fmt.Sprintf("call-%d", seq.Add(1)), nil
	}
	base := time.Now().UTC().Truncate(time.Second)
	var tick atomic.Int64
	f.svc.clock = func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Second)
	}
	t.Cleanup(f.hub.Close)
	return f
}

func providerFailureSeries(t *testing.T, m *metrics.Lifecycle) int {
	t.Helper()
	n, err := testutil.GatherAndCount(m.Gatherer(), "meetai_provider_failures_total")
	require.NoError(t, err)
	return n
}

var (
	alice = Requester{ID: "u_alice", Name: "Alice Doe"}
	bob   = Requester{ID: "u_bob", Name: "Bob"}
	carol = Requester{ID: "u_carol"}
)

func TestCreate_HostIsFirstParticipant(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	c, err := f.svc.Create(ctx, alice, "  Standup ")
	require.NoError(t, err)
	require.NotNil(t, c.Name)
	assert.Equal(t, "Standup", *c.Name)
	assert.Equal(t, StatusActive, c.Status)
	assert.Equal(t, alice.ID, c.HostID)
	assert.Nil(t, c.EndedAt)
	assert.True(t, c.Provisioned)

	ps, err := f.svc.ListParticipants(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, alice.ID, ps[0].UserID)
	assert.Equal(t, "Alice Doe", ps[0].Name)

	s, ok := f.bridge.Session(c.ID)
	require.True(t, ok)
	assert.Equal(t, alice.ID, s.HostID)
	assert.Len(t, f.audit.OfType(audit.EventTypeCallCreated), 1)
}

func TestCreate_EmptyNameIsUntitled(t *testing.T) {
	f := newFixture(t, Options{})

	c, err := f.svc.Create(context.Background(), alice, "   ")
	require.NoError(t, err)
	assert.Nil(t, c.Name)
	assert.Equal(t, "Untitled Video Call", c.DisplayName())
}

func TestCreate_RejectsBadInput(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.Create(ctx, Requester{}, "x")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	long := make([]rune, maxNameLength+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = f.svc.Create(ctx, alice, string(long))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCreate_ProviderOutageIsNotFatal(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.bridge.FailOn(provider.OpProvision, errors.New("boom"))

	c, err := f.svc.Create(ctx, alice, "Retro")
	require.NoError(t, err)
	assert.False(t, c.Provisioned)
	_, ok := f.bridge.Session(c.ID)
	assert.False(t, ok)
	assert.Equal(t, 1, providerFailureSeries(t, f.metrics))

	// Token minting needs the session and reports the outage.
	_, err = f.svc.MintAccessToken(ctx, bob, c.ID)
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	f.bridge.FailOn(provider.OpProvision, nil)
	require.NoError(t, f.svc.Join(ctx, bob, c.ID))
	_, ok = f.bridge.Session(c.ID)
	assert.True(t, ok)

	got, err := f.store.GetCall(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Provisioned)
}

func TestJoin_IsIdempotentUnderConcurrency(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	c, err := f.svc.Create(ctx, alice, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.svc.Join(ctx, bob, c.ID)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Host rejoining is a no-op too.
	require.NoError(t, f.svc.Join(ctx, alice, c.ID))
	assert.Equal(t, 2, f.store.ParticipantCount(c.ID))
}

func TestJoin_Rejections(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.Join(ctx, bob, "missing"), ErrNotFound)

	c, err := f.svc.Create(ctx, alice, "")
	require.NoError(t, err)
	require.NoError(t, f.svc.Complete(ctx, alice.ID, c.ID))

	assert.ErrorIs(t, f.svc.Join(ctx, bob, c.ID), ErrCallEnded)
	assert.Equal(t, 1, f.store.ParticipantCount(c.ID))
}

// hookStore runs a callback around participant inserts so tests can land a
// completion at a chosen point inside Join.
type hookStore struct {
	*MemoryStore
	before func()
	after  func()
}

func (h hookStore) InsertParticipant(ctx context.Context, p Participant) (bool, error) {
	if h.before != nil {
		h.before()
	}
	ok, err := h.MemoryStore.InsertParticipant(ctx, p)
	if h.after != nil {
		h.after()
	}
	return ok, err
}

func newUnprovisionedCall(t *testing.T, f fixture) Call {
	t.Helper()
	f.bridge.FailOn(provider.OpProvision, errors.New("down"))
	c, err := f.svc.Create(context.Background(), alice, "")
	require.NoError(t, err)
	require.False(t, c.Provisioned)
	f.bridge.FailOn(provider.OpProvision, nil)
	return c
}

func TestJoin_CompletedBetweenReadAndInsert(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	c := newUnprovisionedCall(t, f)

	f.svc.store = hookStore{MemoryStore: f.store, before: func() {
		require.NoError(t, f.svc.Complete(ctx, alice.ID, c.ID))
	}}

	assert.ErrorIs(t, f.svc.Join(ctx, bob, c.ID), ErrCallEnded)
	assert.Equal(t, 1, f.store.ParticipantCount(c.ID))
	assert.Equal(t, 1, f.bridge.EndCount(c.ID))
	_, ok := f.bridge.Session(c.ID)
	assert.False(t, ok, "no session may be opened for an ended call")
}

func TestJoin_CompletedDuringLazyProvisioning(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	c := newUnprovisionedCall(t, f)

	f.svc.store = hookStore{MemoryStore: f.store, after: func() {
		require.NoError(t, f.svc.Complete(ctx, alice.ID, c.ID))
	}}

	// Bob was admitted before the completion, so the join stands.
	require.NoError(t, f.svc.Join(ctx, bob, c.ID))
	assert.Equal(t, 2, f.store.ParticipantCount(c.ID))

	got, err := f.store.GetCall(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.False(t, f.bridge.Live(c.ID), "session opened after teardown must be closed again")
}

func TestMemoryStore_InsertParticipantRefusesEndedCall(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.InsertCall(ctx, Call{ID: "c1", HostID: "h", Status: StatusActive, CreatedAt: now}))
	require.NoError(t, s.SetStatus(ctx, "c1", StatusActive, StatusCompleted, now))

	_, err := s.InsertParticipant(ctx, Participant{CallID: "c1", UserID: "u", JoinedAt: now})
	assert.ErrorIs(t, err, ErrCallEnded)
	_, err = s.InsertParticipant(ctx, Participant{CallID: "c1", UserID: "h", JoinedAt: now})
	assert.ErrorIs(t, err, ErrCallEnded, "existing members are refused too")
	_, err = s.InsertParticipant(ctx, Participant{CallID: "nope", UserID: "u", JoinedAt: now})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestComplete_ExactlyOneWinner(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	c, err := f.svc.Create(ctx, alice, "")
	require.NoError(t, err)

	sub, cancel := f.hub.Subscribe(c.ID)
	defer cancel()

	const n = 16
	var ok, already atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch err := f.svc.Complete(ctx, alice.ID, c.ID); {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrAlreadyCompleted):
				already.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, n-1, already.Load())
	assert.Equal(t, 1, f.bridge.EndCount(c.ID))
	assert.Len(t, f.audit.OfType(audit.EventTypeCallCompleted), 1)

	select {
	case e := <-sub:
		assert.Equal(t, events.TypeCallCompleted, e.Type)
	case <-time.After(time.Second):
		t.Fatal("expected call_completed event")
	}
	select {
	case e := <-sub:
		t.Fatalf("unexpected second event %v", e)
	default:
	}

	got, err := f.store.GetCall(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.EndedAt)
}

func TestComplete_HostOnly(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	c, err := f.svc.Create(ctx, alice, "")
	require.NoError(t, err)
	require.NoError(t, f.svc.Join(ctx, bob, c.ID))

	assert.ErrorIs(t, f.svc.Complete(ctx, bob.ID, c.ID), ErrForbidden)
	got, err := f.store.GetCall(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, 0, f.bridge.EndCount(c.ID))
}

func TestComplete_TeardownFailureStillCompletes(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	c, err := f.svc.Create(ctx, alice, "")
	require.NoError(t, err)
	f.bridge.FailOn(provider.OpEnd, errors.New("down"))

	require.NoError(t, f.svc.Complete(ctx, alice.ID, c.ID))
	got, err := f.store.GetCall(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 1, providerFailureSeries(t, f.metrics))
}

func TestMissingCall_ConcealedByDefault(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.Complete(ctx, alice.ID, "nope"), ErrForbidden)
	assert.ErrorIs(t, f.svc.Remove(ctx, alice.ID, "nope"), ErrForbidden)
	_, err := f.svc.MintAccessToken(ctx, alice, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, ok, err := f.svc.GetByID(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	ps, err := f.svc.ListParticipants(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, ps)
}

func TestMissingCall_RevealMissing(t *testing.T) {
	f := newFixture(t, Options{RevealMissing: true})
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.Complete(ctx, alice.ID, "nope"), ErrNotFound)
	assert.ErrorIs(t, f.svc.Remove(ctx, alice.ID, "nope"), ErrNotFound)
}

func TestRemove_RequiresCompleted(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	c, err := f.svc.Create(ctx, alice, "")
	require.NoError(t, err)
	require.NoError(t, f.svc.Join(ctx, bob, c.ID))

	assert.ErrorIs(t, f.svc.Remove(ctx, alice.ID, c.ID), ErrNotCompleted)
	_, ok, err := f.svc.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, f.svc.Complete(ctx, alice.ID, c.ID))
	assert.ErrorIs(t, f.svc.Remove(ctx, bob.ID, c.ID), ErrForbidden)
	require.NoError(t, f.svc.Remove(ctx, alice.ID, c.ID))

	_, ok, err = f.svc.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, f.store.ParticipantCount(c.ID))

	calls, err := f.svc.ListForUser(ctx, bob.ID)
	require.NoError(t, err)
	assert.Empty(t, calls)

	// Second remove sees the row gone.
	assert.ErrorIs(t, f.svc.Remove(ctx, alice.ID, c.ID), ErrForbidden)
	assert.Len(t, f.audit.OfType(audit.EventTypeCallRemoved), 1)
}

func TestListForUser_OnlyJoinedNewestFirst(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	first, err := f.svc.Create(ctx, alice, "first")
	require.NoError(t, err)
	second, err := f.svc.Create(ctx, alice, "second")
	require.NoError(t, err)
	other, err := f.svc.Create(ctx, carol, "other")
	require.NoError(t, err)

	calls, err := f.svc.ListForUser(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, second.ID, calls[0].ID)
	assert.Equal(t, first.ID, calls[1].ID)

	require.NoError(t, f.svc.Join(ctx, bob, other.ID))
	calls, err = f.svc.ListForUser(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, other.ID, calls[0].ID)
}

func TestMintAccessToken(t *testing.T) {
	f := newFixture(t, Options{TokenTTL: 30 * time.Minute})
	ctx := context.Background()
	c, err := f.svc.Create(ctx, alice, "")
	require.NoError(t, err)

	tok, err := f.svc.MintAccessToken(ctx, carol, c.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Token)

	u, ok := f.bridge.RegisteredUser(carol.ID)
	require.True(t, ok)
	assert.NotEmpty(t, u.Image, "avatar fallback applied")

	uid, cids, exp, err := f.bridge.Signer().ParseUserToken(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, carol.ID, uid)
	assert.Equal(t, []string{"default:" + c.ID}, cids)
	assert.WithinDuration(t, tok.ExpiresAt, exp, time.Second)

	// Minting does not admit the user.
	assert.Equal(t, 1, f.store.ParticipantCount(c.ID))

	require.NoError(t, f.svc.Complete(ctx, alice.ID, c.ID))
	_, err = f.svc.MintAccessToken(ctx, carol, c.ID)
	assert.ErrorIs(t, err, ErrCallEnded)
}

func TestMintAccessToken_UsesServiceClock(t *testing.T) {
	f := newFixture(t, Options{TokenTTL: 30 * time.Minute})
	ctx := context.Background()
	c, err := f.svc.Create(ctx, alice, "")
	require.NoError(t, err)

	// A service clock well behind wall time must not make the provider look down.
	skewed := time.Now().Add(-2 * time.Hour).UTC()
	f.svc.clock = func() time.Time { return skewed }

	tok, err := f.svc.MintAccessToken(ctx, bob, c.ID)
	require.NoError(t, err)
	assert.Equal(t, skewed.Add(30*time.Minute), tok.ExpiresAt)
	assert.Zero(t, providerFailureSeries(t, f.metrics))
}

func TestMintAccessToken_ProviderFailure(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	c, err := f.svc.Create(ctx, alice, "")
	require.NoError(t, err)

	f.bridge.FailOn(provider.OpToken, errors.New("signer down"))
	_, err = f.svc.MintAccessToken(ctx, alice, c.ID)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.ErrorIs(t, err, provider.ErrUnavailable)
}

func TestHandleSessionEnded_PublishesWithoutStatusChange(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	c, err := f.svc.Create(ctx, alice, "")
	require.NoError(t, err)

	sub, cancel := f.hub.Subscribe(c.ID)
	defer cancel()

	require.NoError(t, f.svc.HandleSessionEnded(ctx, c.ID))
	select {
	case e := <-sub:
		assert.Equal(t, events.TypeSessionEnded, e.Type)
	case <-time.After(time.Second):
		t.Fatal("expected session_ended event")
	}

	got, err := f.store.GetCall(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)

	require.NoError(t, f.svc.HandleSessionEnded(ctx, "unknown"))
}

// Host creates "Standup", a guest joins twice, the host completes it and
// the guest's late completion loses, then the host removes it.
func TestLifecycle_Standup(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	c, err := f.svc.Create(ctx, alice, "Standup")
	require.NoError(t, err)
	require.NoError(t, f.svc.Join(ctx, bob, c.ID))
	require.NoError(t, f.svc.Join(ctx, bob, c.ID))

	ps, err := f.svc.ListParticipants(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, alice.ID, ps[0].UserID)
	assert.Equal(t, bob.ID, ps[1].UserID)

	_, err = f.svc.MintAccessToken(ctx, bob, c.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.Complete(ctx, alice.ID, c.ID))
	assert.ErrorIs(t, f.svc.Complete(ctx, alice.ID, c.ID), ErrAlreadyCompleted)
	assert.ErrorIs(t, f.svc.Complete(ctx, bob.ID, c.ID), ErrForbidden)

	require.NoError(t, f.svc.Remove(ctx, alice.ID, c.ID))
	calls, err := f.svc.ListForUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, calls)
}
