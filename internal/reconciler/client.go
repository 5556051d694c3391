package reconciler

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"meetai/internal/calls"
	"meetai/internal/events"

	"github.com/carlmjohnson/requests"
	"github.com/gorilla/websocket"
	"github.com/patrickmn/go-cache"
)

const defaultCallCacheTTL = time.Second

// HTTPClient is the API implementation that talks to the calls HTTP service.
// Call lookups are cached briefly and dropped on every mutation.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	calls   *cache.Cache
}

type ClientOptions struct {
	HTTPClient *http.Client
	// CacheTTL bounds how stale a cached call lookup may be.
	CacheTTL time.Duration
}

func NewHTTPClient(baseURL, token string, opts ClientOptions) *HTTPClient {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCallCacheTTL
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    opts.HTTPClient,
		calls:   cache.New(opts.CacheTTL, 10*opts.CacheTTL),
	}
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errorCodes = map[string]error{
	"not_found":            calls.ErrNotFound,
	"forbidden":            calls.ErrForbidden,
	"call_ended":           calls.ErrCallEnded,
	"already_completed":    calls.ErrAlreadyCompleted,
	"not_completed":        calls.ErrNotCompleted,
	"provider_unavailable": calls.ErrProviderUnavailable,
	"invalid_argument":     calls.ErrInvalidArgument,
}

func (c *HTTPClient) callURL(callID string, parts ...string) string {
	u := c.baseURL + "/v1/calls/" + url.PathEscape(callID)
	if len(parts) > 0 {
		u += "/" + strings.Join(parts, "/")
	}
	return u
}

func (c *HTTPClient) fetch(ctx context.Context, b *requests.Builder) error {
	var apiErr apiError
	err := b.
		Client(c.http).
		Bearer(c.token).
		AddValidator(requests.ValidatorHandler(requests.DefaultValidator, requests.ToJSON(&apiErr))).
		Fetch(ctx)
	if err == nil {
		return nil
	}
	if sentinel, ok := errorCodes[apiErr.Code]; ok {
		return fmt.Errorf("%w: %s", sentinel, apiErr.Error)
	}
	return err
}

func (c *HTTPClient) GetCall(ctx context.Context, callID string) (calls.Call, bool, error) {
	if v, ok := c.calls.Get(callID); ok {
		return v.(calls.Call), true, nil
	}

	var out *calls.Call
	if err := c.fetch(ctx, requests.URL(c.callURL(callID)).ToJSON(&out)); err != nil {
		return calls.Call{}, false, err
	}
	if out == nil {
		return calls.Call{}, false, nil
	}
	// Completed calls never change again, so they can outlive the normal TTL.
	ttl := cache.DefaultExpiration
	if out.IsCompleted() {
		ttl = cache.NoExpiration
	}
	c.calls.Set(callID, *out, ttl)
	return *out, true, nil
}

func (c *HTTPClient) Join(ctx context.Context, callID string) error {
	defer c.calls.Delete(callID)
	return c.fetch(ctx, requests.URL(c.callURL(callID, "join")).Post())
}

func (c *HTTPClient) Complete(ctx context.Context, callID string) error {
	defer c.calls.Delete(callID)
	return c.fetch(ctx, requests.URL(c.callURL(callID, "complete")).Post())
}

func (c *HTTPClient) MintToken(ctx context.Context, callID string) (calls.AccessToken, error) {
	var tok calls.AccessToken
	err := c.fetch(ctx, requests.URL(c.callURL(callID, "token")).Post().ToJSON(&tok))
	return tok, err
}

// WSEventSource subscribes to the service's per-call event stream.
type WSEventSource struct {
	BaseURL string
	Token   string
	Dialer  *websocket.Dialer
}

func (s WSEventSource) streamURL(callID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(s.BaseURL, "/") + "/v1/calls/" + url.PathEscape(callID) + "/events")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func (s WSEventSource) Subscribe(ctx context.Context, callID string) (<-chan events.Event, error) {
	target, err := s.streamURL(callID)
	if err != nil {
		return nil, err
	}
	d := s.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+s.Token)

	conn, resp, err := d.DialContext(ctx, target, h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial event stream: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial event stream: %w", err)
	}

	out := make(chan events.Event)
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		for {
			// Read errors surface only as a closed channel; callers fall back to polling.
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			e, err := events.Decode(data)
			if err != nil {
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
