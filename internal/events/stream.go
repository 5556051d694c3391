package events

import (
	"context"
	"net/http"
	"time"

	"meetai/internal/auth"
	"meetai/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	defaultPingInterval = 25 * time.Second
	writeWait           = 10 * time.Second
)

// SlotLimiter caps concurrent streams per key.
type SlotLimiter interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// StreamObserver is notified when streams open and close.
type StreamObserver interface {
	StreamOpened()
	StreamClosed()
}

// StreamHandler serves a websocket that pushes a call's events to one client.
// The client sends nothing; reads only drain control frames and detect close.
type StreamHandler struct {
	Hub *Hub
	// Slots caps concurrent streams per user. Nil disables the cap.
	Slots        SlotLimiter
	PingInterval time.Duration
	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string
	Observer       StreamObserver
}

func (h StreamHandler) upgrader() websocket.Upgrader {
	allowed := map[string]bool{}
	for _, o := range h.AllowedOrigins {
		allowed[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			return allowed[r.Header.Get("Origin")]
		},
	}
}

func (h StreamHandler) Serve(c *gin.Context) {
	log := logger.FromGin(c)
	callID := c.Param("call_id")
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id required", "code": "invalid_argument"})
		return
	}
	if h.Hub == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event hub not configured"})
		return
	}

	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "code": "unauthenticated"})
		return
	}

	if h.Slots != nil {
		key := "meetai:streams:" + userID
		ok, err := h.Slots.Acquire(c.Request.Context(), key)
		switch {
		case err != nil:
			// Fail open: losing the cap is better than losing end-of-call notifications.
			log.Warn("stream slot acquire failed", "user_id", userID, "err", err)
		case !ok:
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many open event streams", "code": "rate_limited"})
			return
		default:
			defer func() {
				if err := h.Slots.Release(context.Background(), key); err != nil {
					log.Warn("stream slot release failed", "user_id", userID, "err", err)
				}
			}()
		}
	}

	up := h.upgrader()
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sub, cancel := h.Hub.Subscribe(callID)
	defer cancel()

	if h.Observer != nil {
		h.Observer.StreamOpened()
		defer h.Observer.StreamClosed()
	}

	ping := h.PingInterval
	if ping <= 0 {
		ping = defaultPingInterval
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * ping))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * ping))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("event stream read ended", "call_id", callID, "err", err)
				}
				return
			}
		}
	}()

	log.Debug("event stream opened", "call_id", callID, "user_id", userID)
	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case e, ok := <-sub:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				log.Debug("event stream write failed", "call_id", callID, "err", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
