package middlewares

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/costledger_backend/config"
	"github.com/redis/go-redis/v9"
)

// RateLimiter counts requests per program and client IP in fixed Redis
// windows. Without a Redis connection every request passes.
type RateLimiter struct {
	// Client overrides the global Redis client.
	Client *redis.Client
	Limit  int64
	Window time.Duration
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		client := rl.Client
		if client == nil {
			client = config.GetRedisDB()
		}
		if client == nil {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		key := rateLimitKey(c.GetHeader(HeaderProgramId), c.ClientIP())
		pipe := client.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, rl.Window)
		if _, err := pipe.Exec(ctx); err != nil {
			_ = c.AbortWithError(http.StatusInternalServerError, err)
			return
		}

		remaining := rl.Limit - incr.Val()
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.FormatInt(rl.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		if incr.Val() > rl.Limit {
			seconds := int(rl.Window.Seconds())
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", seconds),
			})
			return
		}
		c.Next()
	}
}

func rateLimitKey(programId, clientIP string) string {
	programId = strings.TrimSpace(programId)
	if programId == "" {
		programId = "-"
	}
	return "ratelimit:" + programId + ":" + clientIP
}
