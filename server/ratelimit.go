package server

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/ratelimit"
)

// Per-client rate limiting

type RateLimiter struct {
	clients map[string]*ratelimit.Bucket
	mu      sync.RWMutex
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*ratelimit.Bucket),
	}
}

func (rl *RateLimiter) getBucket(clientIP string) *ratelimit.Bucket {
	rl.mu.RLock()
	bucket, exists := rl.clients[clientIP]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		if bucket, exists = rl.clients[clientIP]; !exists {
			// Create bucket: 10 tokens per second, max 500 tokens
			bucket = ratelimit.NewBucketWithRate(10, 500)
			rl.clients[clientIP] = bucket
		}
		rl.mu.Unlock()
	}

	return bucket
}

// Clean up old clients periodically
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(30 * time.Minute)
	go func() {
		for range ticker.C {
			rl.mu.Lock()
			// Remove clients with full buckets
			for ip, bucket := range rl.clients {
				if bucket.Available() == bucket.Capacity() {
					delete(rl.clients, ip)
				}
			}
			rl.mu.Unlock()
		}
	}()
}

var globalRateLimiter = NewRateLimiter()

func init() {
	globalRateLimiter.cleanup()
}

func getTokenCost(r *http.Request, metricsEndpoint string) int64 {
	path := r.URL.Path

	switch {
	case path == "/health" || path == metricsEndpoint:
		return 0 // Monitoring endpoints are free
	case r.Method == http.MethodPost && path == "/":
		return 25 // Uploads are expensive
	case strings.HasPrefix(path, "/packages/"):
		return 5 // Downloads
	case path == "/RPC2":
		return 10 // Searches
	case strings.HasPrefix(path, "/simple"):
		return 1 // Index pages are cheap, pip hits them constantly
	}

	return 5 // Default cost for other endpoints
}

// RateLimitHandler builds the per-client rate limiting middleware. The
// configured scrape endpoint is exempted from costs alongside /health.
func RateLimitHandler(metricsEndpoint string) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := r.RemoteAddr

			bucket := globalRateLimiter.getBucket(clientIP)

			tokenCost := getTokenCost(r, metricsEndpoint)

			w.Header().Set("X-RateLimit-Limit", "500")
			w.Header().Set("X-RateLimit-Rate", "10")

			if bucket.TakeAvailable(tokenCost) < tokenCost {
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", "60")
				http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(bucket.Available(), 10))

			h.ServeHTTP(w, r)
		})
	}
}
