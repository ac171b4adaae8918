package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/medrecords-api/pkg/httputil"
)

// IPRateLimiter allows limit requests per client IP in each fixed window.
type IPRateLimiter struct {
	mu      sync.Mutex
	windows *cache.Cache
	limit   int
	window  time.Duration
}

func NewIPRateLimiter(limit int, window time.Duration) *IPRateLimiter {
	return &IPRateLimiter{
		windows: cache.New(window, 2*window),
		limit:   limit,
		window:  window,
	}
}

// allow counts a hit for key and reports whether it is within the limit.
func (rl *IPRateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if err := rl.windows.Add(key, 1, rl.window); err == nil {
		return true
	}
	n, err := rl.windows.IncrementInt(key, 1)
	if err != nil {
		// expired between Add and Increment
		rl.windows.Set(key, 1, rl.window)
		return true
	}
	return n <= rl.limit
}

func (rl *IPRateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.allow(c.ClientIP()) {
			httputil.RespondWithStatus(c, http.StatusTooManyRequests, "too many requests, try again later")
			return
		}
		c.Next()
	}
}
