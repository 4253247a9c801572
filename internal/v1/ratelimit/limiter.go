package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/watchroom-live/backend/internal/v1/logging"
	"github.com/watchroom-live/backend/internal/v1/metrics"
)

// ConnLimiter enforces the connection-rate limit per source IP at the
// WebSocket upgrade endpoint.
type ConnLimiter struct {
	ip    *limiter.Limiter
	store limiter.Store
}

// NewConnLimiter builds the ingress limiter from a formatted rate
// (e.g. "100-M"). With a nil Redis client it falls back to an in-memory
// store for single-instance and development runs.
func NewConnLimiter(formatted string, redisClient *redis.Client) (*ConnLimiter, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, fmt.Errorf("invalid connection rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:conn:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "Connection limiter using memory store (Redis unavailable)")
	}

	return &ConnLimiter{
		ip:    limiter.New(store, rate),
		store: store,
	}, nil
}

// Check reports whether a new connection from this request's source address
// is allowed. On denial it writes the 429 response itself and returns false.
// Store errors fail open.
func (cl *ConnLimiter) Check(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	lctx, err := cl.ip.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "Connection limiter store failed, failing open", zap.Error(err))
		return true
	}

	c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "reset": lctx.Reset})
		return false
	}

	return true
}
