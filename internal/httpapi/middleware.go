package httpapi

import (
	"fmt"
	"net/http"

	"meetai/internal/audit"
	"meetai/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// ClientIP makes the resolved client address available to audit records.
func ClientIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(audit.WithClientIP(c.Request.Context(), c.ClientIP()))
		c.Next()
	}
}

// NewLimiterStore returns a Redis-backed store shared by every instance, or a
// process-local one when rdb is nil.
func NewLimiterStore(rdb *redis.Client) (limiter.Store, error) {
	if rdb == nil {
		return memory.NewStore(), nil
	}
	return sredis.NewStoreWithOptions(rdb, limiter.StoreOptions{
		Prefix:   "meetai:ratelimit",
		MaxRetry: 3,
	})
}

// RateLimit throttles a route per authenticated user, falling back to client IP.
// name separates the buckets of different routes sharing one store.
// formatted uses the "<limit>-<period>" form, e.g. "30-M".
func RateLimit(store limiter.Store, name, formatted string) (gin.HandlerFunc, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, fmt.Errorf("rate limit %s: %w", name, err)
	}
	return mgin.NewMiddleware(
		limiter.New(store, rate),
		mgin.WithKeyGetter(func(c *gin.Context) string {
			if uid := c.GetString("user_id"); uid != "" {
				return name + ":user:" + uid
			}
			return name + ":ip:" + c.ClientIP()
		}),
		mgin.WithLimitReachedHandler(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests", "code": codeRateLimited})
		}),
		mgin.WithErrorHandler(func(c *gin.Context, err error) {
			// Fail open: a limiter outage must not take the API down.
			logger.FromGin(c).Warn("rate limiter unavailable", "err", err, "limit", name)
			c.Next()
		}),
	), nil
}
