package reconciler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"meetai/internal/calls"
	"meetai/internal/events"
	"meetai/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serviceAPI adapts an in-process calls.Service to API for one user.
type serviceAPI struct {
	svc       *calls.Service
	user      calls.Requester
	completes atomic.Int32
	joins     atomic.Int32
}

func (a *serviceAPI) GetCall(ctx context.Context, callID string) (calls.Call, bool, error) {
	return a.svc.GetByID(ctx, callID)
}

func (a *serviceAPI) Join(ctx context.Context, callID string) error {
	a.joins.Add(1)
	return a.svc.Join(ctx, a.user, callID)
}

func (a *serviceAPI) Complete(ctx context.Context, callID string) error {
	a.completes.Add(1)
	return a.svc.Complete(ctx, a.user.ID, callID)
}

func (a *serviceAPI) MintToken(ctx context.Context, callID string) (calls.AccessToken, error) {
	return a.svc.MintAccessToken(ctx, a.user, callID)
}

type hubSource struct{ hub *events.Hub }

func (s hubSource) Subscribe(ctx context.Context, callID string) (<-chan events.Event, error) {
	ch, cancel := s.hub.Subscribe(callID)
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, nil
}

type harness struct {
	svc  *calls.Service
	hub  *events.Hub
	call calls.Call
}

func newHarness(t *testing.T) harness {
	t.Helper()
	hub := events.NewHub(nil)
	t.Cleanup(hub.Close)
	svc := calls.NewService(calls.Deps{
		Store:  calls.NewMemoryStore(),
		Bridge: provider.NewMemoryBridge(),
		Events: hub,
	}, calls.Options{})
	c, err := svc.Create(context.Background(), calls.Requester{ID: "host"}, "Standup")
	require.NoError(t, err)
	return harness{svc: svc, hub: hub, call: c}
}

type endedRecorder struct {
	mu      sync.Mutex
	reasons []string
	done    chan struct{}
}

func newEndedRecorder() *endedRecorder {
	return &endedRecorder{done: make(chan struct{})}
}

func (r *endedRecorder) fn(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
	if len(r.reasons) == 1 {
		close(r.done)
	}
}

func (r *endedRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reasons)
}

func runAsync(t *testing.T, rec *Reconciler) <-chan error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	errc := make(chan error, 1)
	go func() { errc <- rec.Run(ctx) }()
	return errc
}

func waitRun(t *testing.T, errc <-chan error) {
	t.Helper()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}

func TestReconciler_PollObservesCompletion(t *testing.T) {
	h := newHarness(t)
	guest := &serviceAPI{svc: h.svc, user: calls.Requester{ID: "guest"}}
	ended := newEndedRecorder()

	rec, err := New(Config{API: guest, CallID: h.call.ID, UserID: "guest", PollInterval: 10 * time.Millisecond, OnEnded: ended.fn})
	require.NoError(t, err)
	errc := runAsync(t, rec)

	require.Eventually(t, func() bool { return guest.joins.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.svc.Complete(context.Background(), "host", h.call.ID))

	waitRun(t, errc)
	assert.Equal(t, ViewEnded, rec.View())
	assert.Equal(t, 1, ended.count())
	// The poll saw completed, so no completion attempt was needed.
	assert.EqualValues(t, 0, guest.completes.Load())

	assert.ErrorIs(t, rec.Join(context.Background()), ErrEnded)
	_, err = rec.Enter(context.Background())
	assert.ErrorIs(t, err, ErrEnded)
	assert.EqualValues(t, 1, guest.joins.Load())
}

func TestReconciler_SessionEndedEventCompletesOnce(t *testing.T) {
	h := newHarness(t)
	host := &serviceAPI{svc: h.svc, user: calls.Requester{ID: "host"}}
	ended := newEndedRecorder()

	// Long poll interval so only the event path can end the call.
	rec, err := New(Config{
		API: host, Events: hubSource{h.hub}, CallID: h.call.ID, UserID: "host",
		PollInterval: time.Hour, OnEnded: ended.fn,
	})
	require.NoError(t, err)
	errc := runAsync(t, rec)

	require.Eventually(t, func() bool { return h.hub.Subscribers(h.call.ID) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.svc.HandleSessionEnded(context.Background(), h.call.ID))

	waitRun(t, errc)
	assert.Equal(t, 1, ended.count())
	assert.EqualValues(t, 1, host.completes.Load())

	c, ok, err := h.svc.GetByID(context.Background(), h.call.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, calls.StatusCompleted, c.Status)
}

func TestReconciler_GuestToleratesForbiddenCompletion(t *testing.T) {
	h := newHarness(t)
	guest := &serviceAPI{svc: h.svc, user: calls.Requester{ID: "guest"}}
	ended := newEndedRecorder()

	rec, err := New(Config{
		API: guest, Events: hubSource{h.hub}, CallID: h.call.ID, UserID: "guest",
		PollInterval: time.Hour, OnEnded: ended.fn,
	})
	require.NoError(t, err)
	errc := runAsync(t, rec)

	require.Eventually(t, func() bool { return h.hub.Subscribers(h.call.ID) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.svc.HandleSessionEnded(context.Background(), h.call.ID))

	waitRun(t, errc)
	assert.Equal(t, ViewEnded, rec.View())
	assert.Equal(t, 1, ended.count())
	assert.EqualValues(t, 1, guest.completes.Load())
}

func TestReconciler_EventAndPollRaceFireOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		host := &serviceAPI{svc: h.svc, user: calls.Requester{ID: "host"}}
		ended := newEndedRecorder()

		rec, err := New(Config{
			API: host, Events: hubSource{h.hub}, CallID: h.call.ID, UserID: "host",
			PollInterval: time.Millisecond, OnEnded: ended.fn,
		})
		require.NoError(t, err)
		errc := runAsync(t, rec)

		require.Eventually(t, func() bool { return h.hub.Subscribers(h.call.ID) == 1 }, time.Second, time.Millisecond)
		go func() { _ = h.svc.HandleSessionEnded(context.Background(), h.call.ID) }()
		// The reconciler may complete first after seeing the event.
		if err := h.svc.Complete(context.Background(), "host", h.call.ID); err != nil {
			require.ErrorIs(t, err, calls.ErrAlreadyCompleted)
		}

		waitRun(t, errc)
		assert.Equal(t, 1, ended.count())
		assert.LessOrEqual(t, host.completes.Load(), int32(1))
	}
}

func TestReconciler_AlreadyCompletedOnLoad(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.Complete(context.Background(), "host", h.call.ID))
	guest := &serviceAPI{svc: h.svc, user: calls.Requester{ID: "guest"}}
	ended := newEndedRecorder()

	rec, err := New(Config{API: guest, CallID: h.call.ID, UserID: "guest", OnEnded: ended.fn})
	require.NoError(t, err)
	require.NoError(t, rec.Run(context.Background()))

	assert.Equal(t, ViewEnded, rec.View())
	assert.Equal(t, 1, ended.count())
	assert.EqualValues(t, 0, guest.joins.Load())
	assert.EqualValues(t, 0, guest.completes.Load())
	select {
	case <-rec.Joined():
		t.Fatal("joined must stay open when the call ended first")
	default:
	}
}

func TestReconciler_UnknownCall(t *testing.T) {
	h := newHarness(t)
	guest := &serviceAPI{svc: h.svc, user: calls.Requester{ID: "guest"}}

	rec, err := New(Config{API: guest, CallID: "nope", UserID: "guest"})
	require.NoError(t, err)
	assert.ErrorIs(t, rec.Run(context.Background()), calls.ErrNotFound)
	assert.False(t, rec.Ended())
}

func TestReconciler_EnterLeaveAndHostEnd(t *testing.T) {
	h := newHarness(t)
	host := &serviceAPI{svc: h.svc, user: calls.Requester{ID: "host"}}
	ended := newEndedRecorder()

	rec, err := New(Config{API: host, CallID: h.call.ID, UserID: "host", PollInterval: time.Hour, OnEnded: ended.fn})
	require.NoError(t, err)
	errc := runAsync(t, rec)
	select {
	case <-rec.Joined():
	case <-time.After(time.Second):
		t.Fatal("join was not signalled")
	}
	assert.EqualValues(t, 1, host.joins.Load())

	tok, err := rec.Enter(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Token)
	assert.Equal(t, ViewInCall, rec.View())

	rec.Leave()
	assert.Equal(t, ViewLobby, rec.View())

	require.NoError(t, rec.EndCall(context.Background()))
	waitRun(t, errc)
	assert.Equal(t, ViewEnded, rec.View())
	assert.Equal(t, 1, ended.count())
	assert.EqualValues(t, 1, host.completes.Load())
	assert.ErrorIs(t, rec.EndCall(context.Background()), ErrEnded)
}

func TestReconciler_GuestCannotEndCall(t *testing.T) {
	h := newHarness(t)
	guest := &serviceAPI{svc: h.svc, user: calls.Requester{ID: "guest"}}

	rec, err := New(Config{API: guest, CallID: h.call.ID, UserID: "guest", PollInterval: time.Hour})
	require.NoError(t, err)
	errc := runAsync(t, rec)
	require.Eventually(t, func() bool { return guest.joins.Load() == 1 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, rec.EndCall(context.Background()), calls.ErrForbidden)
	assert.EqualValues(t, 0, guest.completes.Load())
	assert.False(t, rec.Ended())

	require.NoError(t, h.svc.Complete(context.Background(), "host", h.call.ID))
	_, err = rec.Enter(context.Background())
	assert.ErrorIs(t, err, ErrEnded)
	waitRun(t, errc)
}
