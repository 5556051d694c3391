package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"meetai/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	signatureHeader = "X-Signature"
	maxWebhookBody  = 1 << 20

	EventCallEnded = "call.ended"
)

var ErrBadSignature = errors.New("webhook signature mismatch")

// WebhookEvent is the subset of provider webhook payloads we act on.
type WebhookEvent struct {
	Type      string    `json:"type"`
	CallCID   string    `json:"call_cid"`
	CreatedAt time.Time `json:"created_at"`
}

// CallID strips the call type prefix from the cid.
func (e WebhookEvent) CallID() string {
	if i := strings.IndexByte(e.CallCID, ':'); i >= 0 {
		return e.CallCID[i+1:]
	}
	return e.CallCID
}

// Sign returns the hex HMAC-SHA256 of body, as sent in the signature header.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(body []byte, signature, secret string) bool {
	want := Sign(body, secret)
	return hmac.Equal([]byte(want), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

// ParseWebhook reads and authenticates a webhook request. An empty secret skips verification.
func ParseWebhook(r *http.Request, secret string) (WebhookEvent, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("read body: %w", err)
	}
	if secret != "" && !VerifySignature(body, r.Header.Get(signatureHeader), secret) {
		return WebhookEvent{}, ErrBadSignature
	}
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return WebhookEvent{}, fmt.Errorf("decode body: %w", err)
	}
	return ev, nil
}

// WebhookHandler converts provider webhooks into lifecycle notifications.
// It never changes call status; it only tells observers the provider session ended.
type WebhookHandler struct {
	Secret string
	// AllowUnsigned accepts requests without verification when Secret is empty (local development).
	AllowUnsigned bool

	OnSessionEnded func(ctx context.Context, callID string) error
}

func (h WebhookHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Secret == "" && !h.AllowUnsigned {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "webhook secret not configured"})
		return
	}
	if h.OnSessionEnded == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "webhook handler not configured"})
		return
	}

	ev, err := ParseWebhook(c.Request, h.Secret)
	if err != nil {
		if errors.Is(err, ErrBadSignature) {
			log.Warn("provider webhook rejected", "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
		log.Warn("provider webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	if ev.Type != EventCallEnded {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	callID := ev.CallID()
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_cid required"})
		return
	}

	if err := h.OnSessionEnded(c.Request.Context(), callID); err != nil {
		log.Error("session ended dispatch failed", "call_id", callID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dispatch failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
