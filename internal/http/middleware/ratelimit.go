package middleware

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter keeps a token bucket per client address. Buckets refill
// continuously at rate tokens per second, capped at burst. Idle buckets
// are swept during Allow, so the limiter runs no background goroutine.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     float64
	burst    float64

	staleAfter time.Duration
	lastSweep  time.Time
}

type visitor struct {
	tokens float64
	seen   time.Time
}

// NewRateLimiter builds a limiter allowing rate requests per second
// with the given burst per client address.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		visitors:   make(map[string]*visitor),
		rate:       rate,
		burst:      float64(burst),
		staleAfter: 10 * time.Minute,
		lastSweep:  time.Now(),
	}
}

// Allow consumes one token for addr. When the bucket is empty it
// returns false and the wait until the next token frees up.
func (rl *RateLimiter) Allow(addr string) (bool, time.Duration) {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) > rl.staleAfter {
		rl.sweepLocked(now)
	}

	v, ok := rl.visitors[addr]
	if !ok {
		v = &visitor{tokens: rl.burst, seen: now}
		rl.visitors[addr] = v
	}
	v.tokens = math.Min(rl.burst, v.tokens+now.Sub(v.seen).Seconds()*rl.rate)
	v.seen = now

	if v.tokens < 1 {
		wait := time.Duration((1 - v.tokens) / rl.rate * float64(time.Second))
		return false, wait
	}
	v.tokens--
	return true, 0
}

func (rl *RateLimiter) sweepLocked(now time.Time) {
	for addr, v := range rl.visitors {
		if now.Sub(v.seen) > rl.staleAfter {
			delete(rl.visitors, addr)
		}
	}
	rl.lastSweep = now
}

// RateLimit rejects clients exceeding the configured rate with 429 and
// a Retry-After hint. The client address comes from X-Real-Ip when
// chi's RealIP middleware ran, falling back to RemoteAddr.
func RateLimit(rate float64, burst int) func(http.Handler) http.Handler {
	limiter := NewRateLimiter(rate, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := r.RemoteAddr
			if xri := r.Header.Get("X-Real-Ip"); xri != "" {
				addr = xri
			}
			if ok, wait := limiter.Allow(addr); !ok {
				seconds := int(math.Ceil(wait.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{"code": "rate_limited", "message": "too many requests"},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
