// Package ratelimit implements the sliding-window limit on the room
// lifecycle endpoints using an in-memory limiter store.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/Mewski/obsidian-live-share/internal/v1/logging"
	"github.com/Mewski/obsidian-live-share/internal/v1/metrics"
)

// RateLimiter guards the /rooms prefix, keyed by source IP.
type RateLimiter struct {
	rooms *limiter.Limiter
}

// New parses a limiter-formatted rate ("30-M" = 30 per minute) and builds
// the limiter over an in-memory store. Single-node authority means no shared
// store is needed.
func New(roomsRate string) (*RateLimiter, error) {
	rate, err := limiter.NewRateFromFormatted(roomsRate)
	if err != nil {
		return nil, fmt.Errorf("invalid rooms rate: %w", err)
	}

	return &RateLimiter{
		rooms: limiter.New(memory.NewStore(), rate),
	}, nil
}

// RoomsMiddleware returns a Gin middleware enforcing the per-IP limit and
// emitting the standard X-RateLimit-* headers.
func (rl *RateLimiter) RoomsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		lctx, err := rl.rooms.Get(ctx, c.ClientIP())
		if err != nil {
			// Fail open: availability beats strictness for an in-memory store.
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitRejections.Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		c.Next()
	}
}
