package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"meetai/internal/calls"
	"meetai/internal/events"

	"github.com/tevino/abool"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollInterval = 2 * time.Second
	completeTimeout     = 10 * time.Second
)

// ErrEnded is returned by mutations attempted after the call reached the ended view.
var ErrEnded = errors.New("reconciler: call has ended")

// API is the lifecycle surface a client talks to, scoped to one signed-in user.
type API interface {
	GetCall(ctx context.Context, callID string) (calls.Call, bool, error)
	Join(ctx context.Context, callID string) error
	Complete(ctx context.Context, callID string) error
	MintToken(ctx context.Context, callID string) (calls.AccessToken, error)
}

// EventSource delivers pushed events for one call. The channel closes when the
// subscription ends; Subscribe must release everything when ctx is done.
type EventSource interface {
	Subscribe(ctx context.Context, callID string) (<-chan events.Event, error)
}

type View string

const (
	ViewLobby  View = "lobby"
	ViewInCall View = "in_call"
	ViewEnded  View = "ended"
)

type Config struct {
	API API
	// Events is optional; without it the reconciler relies on polling alone.
	Events       EventSource
	CallID       string
	UserID       string
	PollInterval time.Duration
	// OnEnded fires exactly once, when the view first becomes ended.
	OnEnded func(reason string)
	Logger  *slog.Logger
}

// Reconciler keeps one client's view of a call in line with the server.
//
// Two sources drive it: a poll of the call record and pushed events.
// Both funnel into markEnded, which runs once. After that no join or
// complete is issued for the call.
type Reconciler struct {
	cfg Config
	log *slog.Logger

	ended *abool.AtomicBool

	joined   chan struct{}
	joinOnce sync.Once

	mu     sync.Mutex
	view   View
	call   calls.Call
	token  calls.AccessToken
	cancel context.CancelFunc
}

func New(cfg Config) (*Reconciler, error) {
	if cfg.API == nil {
		return nil, errors.New("reconciler: api is required")
	}
	if cfg.CallID == "" || cfg.UserID == "" {
		return nil, errors.New("reconciler: call id and user id are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		cfg:   cfg,
		log:   log.With("component", "reconciler", "call_id", cfg.CallID, "user_id", cfg.UserID),
		ended:  abool.New(),
		joined: make(chan struct{}),
		view:   ViewLobby,
	}, nil
}

func (r *Reconciler) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

// Call returns the last call record observed.
func (r *Reconciler) Call() calls.Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.call
}

func (r *Reconciler) Ended() bool {
	return r.ended.IsSet()
}

// Joined is closed after the first successful join. It stays open if the
// call ends before the user was admitted.
func (r *Reconciler) Joined() <-chan struct{} {
	return r.joined
}

// Run loads the call, joins it and then watches it until it ends or ctx is
// cancelled. It returns nil once the call has ended.
func (r *Reconciler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	c, ok, err := r.cfg.API.GetCall(ctx, r.cfg.CallID)
	if err != nil {
		return err
	}
	if !ok {
		return calls.ErrNotFound
	}
	r.observe(c)
	if c.IsCompleted() {
		r.markEnded(ctx, "completed")
		return nil
	}

	if err := r.Join(ctx); err != nil {
		if errors.Is(err, ErrEnded) {
			return nil
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.poll(gctx) })
	if r.cfg.Events != nil {
		g.Go(func() error { return r.listen(gctx) })
	}
	err = g.Wait()
	if r.Ended() {
		return nil
	}
	if err == nil {
		err = ctx.Err()
	}
	return err
}

// Join is safe to call on every mount; the server treats repeats as no-ops.
func (r *Reconciler) Join(ctx context.Context) error {
	if r.Ended() {
		return ErrEnded
	}
	err := r.cfg.API.Join(ctx, r.cfg.CallID)
	switch {
	case err == nil:
		r.joinOnce.Do(func() { close(r.joined) })
		return nil
	case errors.Is(err, calls.ErrCallEnded):
		r.markEnded(ctx, "completed")
		return ErrEnded
	default:
		return err
	}
}

// Enter fetches a media token and moves from the lobby into the call.
func (r *Reconciler) Enter(ctx context.Context) (calls.AccessToken, error) {
	if r.Ended() {
		return calls.AccessToken{}, ErrEnded
	}
	tok, err := r.cfg.API.MintToken(ctx, r.cfg.CallID)
	if err != nil {
		if errors.Is(err, calls.ErrCallEnded) {
			r.markEnded(ctx, "completed")
			return calls.AccessToken{}, ErrEnded
		}
		return calls.AccessToken{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.view == ViewEnded {
		return calls.AccessToken{}, ErrEnded
	}
	r.token = tok
	r.view = ViewInCall
	return tok, nil
}

// Leave drops back to the lobby. The call keeps running for everyone else.
func (r *Reconciler) Leave() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.view == ViewInCall {
		r.view = ViewLobby
		r.token = calls.AccessToken{}
	}
}

// EndCall is the host's explicit end action.
func (r *Reconciler) EndCall(ctx context.Context) error {
	if r.Ended() {
		return ErrEnded
	}
	if r.Call().HostID != r.cfg.UserID {
		return calls.ErrForbidden
	}
	err := r.cfg.API.Complete(ctx, r.cfg.CallID)
	if err != nil && !errors.Is(err, calls.ErrAlreadyCompleted) {
		return err
	}
	r.setStatus(calls.StatusCompleted)
	r.markEnded(ctx, "ended_by_host")
	return nil
}

func (r *Reconciler) poll(ctx context.Context) error {
	t := time.NewTicker(r.cfg.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}

		c, ok, err := r.cfg.API.GetCall(ctx, r.cfg.CallID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn("poll failed", "err", err)
			continue
		}
		if !ok {
			r.markEnded(ctx, "removed")
			return nil
		}
		r.observe(c)
		if c.IsCompleted() {
			r.markEnded(ctx, "completed")
			return nil
		}
	}
}

func (r *Reconciler) listen(ctx context.Context) error {
	ch, err := r.cfg.Events.Subscribe(ctx, r.cfg.CallID)
	if err != nil {
		// Polling still converges; the stream only makes it faster.
		r.log.Warn("event subscription failed", "err", err)
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				if ctx.Err() == nil {
					r.log.Info("event stream closed, continuing with polling")
				}
				return nil
			}
			if e.CallID != r.cfg.CallID || !e.Terminal() {
				continue
			}
			switch e.Type {
			case events.TypeCallCompleted:
				r.setStatus(calls.StatusCompleted)
				r.markEnded(ctx, "completed")
			case events.TypeCallRemoved:
				r.setStatus(calls.StatusCompleted)
				r.markEnded(ctx, "removed")
			default:
				r.markEnded(ctx, string(e.Type))
			}
			return nil
		}
	}
}

// markEnded is the single terminal transition shared by every path.
// When the server may not know yet (a provider session-end signal), it tries to
// complete the call once; losing that race, or lacking the rights, is fine.
func (r *Reconciler) markEnded(ctx context.Context, reason string) {
	if !r.ended.SetToIf(false, true) {
		return
	}

	r.mu.Lock()
	cached := r.call
	r.view = ViewEnded
	r.token = calls.AccessToken{}
	cancel := r.cancel
	r.mu.Unlock()

	if !cached.IsCompleted() {
		cctx, ccancel := context.WithTimeout(context.WithoutCancel(ctx), completeTimeout)
		err := r.cfg.API.Complete(cctx, r.cfg.CallID)
		ccancel()
		switch {
		case err == nil:
			r.setStatus(calls.StatusCompleted)
		case errors.Is(err, calls.ErrAlreadyCompleted),
			errors.Is(err, calls.ErrForbidden),
			errors.Is(err, calls.ErrNotFound):
		default:
			r.log.Warn("best-effort completion failed", "err", err)
		}
	}

	r.log.Info("call ended", "reason", reason)
	if r.cfg.OnEnded != nil {
		r.cfg.OnEnded(reason)
	}
	if cancel != nil {
		cancel()
	}
}

func (r *Reconciler) observe(c calls.Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.call = c
}

func (r *Reconciler) setStatus(s calls.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.call.Status = s
}
