package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newWebhookRouter(h WebhookHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/provider", h.Handle)
	return r
}

func postWebhook(r *gin.Engine, body, signature string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/provider", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestWebhook_CallEndedDispatchesCallID(t *testing.T) {
	var got []string
	r := newWebhookRouter(WebhookHandler{
		Secret: "secret",
		OnSessionEnded: func(ctx context.Context, callID string) error {
			got = append(got, callID)
			return nil
		},
	})

	body := `{"type":"call.ended","call_cid":"default:abc"}`
	w := postWebhook(r, body, Sign([]byte(body), "secret"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"abc"}, got)
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	called := false
	r := newWebhookRouter(WebhookHandler{
		Secret:         "secret",
		OnSessionEnded: func(context.Context, string) error { called = true; return nil },
	})

	body := `{"type":"call.ended","call_cid":"default:abc"}`
	w := postWebhook(r, body, Sign([]byte(body), "other"))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, called)
}

func TestWebhook_IgnoresOtherEvents(t *testing.T) {
	called := false
	r := newWebhookRouter(WebhookHandler{
		Secret:         "secret",
		OnSessionEnded: func(context.Context, string) error { called = true; return nil },
	})

	body := `{"type":"call.session_participant_joined","call_cid":"default:abc"}`
	w := postWebhook(r, body, Sign([]byte(body), "secret"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, called)
}

func TestWebhook_UnsignedRequiresOptIn(t *testing.T) {
	r := newWebhookRouter(WebhookHandler{OnSessionEnded: func(context.Context, string) error { return nil }})
	w := postWebhook(r, `{"type":"call.ended","call_cid":"default:abc"}`, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	r = newWebhookRouter(WebhookHandler{AllowUnsigned: true, OnSessionEnded: func(context.Context, string) error { return nil }})
	w = postWebhook(r, `{"type":"call.ended","call_cid":"default:abc"}`, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhook_DispatchFailureIs500(t *testing.T) {
	r := newWebhookRouter(WebhookHandler{
		AllowUnsigned:  true,
		OnSessionEnded: func(context.Context, string) error { return errors.New("redis down") },
	})
	w := postWebhook(r, `{"type":"call.ended","call_cid":"abc"}`, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
