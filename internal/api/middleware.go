package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DeviceRateLimiter is an in-process token-bucket backstop keyed by device,
// sitting in front of the persisted sliding window in the trust engine. It
// sheds abusive bursts before they cost a database round trip; the persisted
// window remains the authoritative limit.
type DeviceRateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	log      zerolog.Logger
}

func NewDeviceRateLimiter(perSecond float64, burst int, log zerolog.Logger) *DeviceRateLimiter {
	return &DeviceRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		log:      log.With().Str("component", "ratelimit").Logger(),
	}
}

func (rl *DeviceRateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Bounded reset instead of per-entry expiry bookkeeping.
	if len(rl.limiters) > 10000 {
		rl.limiters = make(map[string]*rate.Limiter)
	}

	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

// Middleware returns the mux middleware enforcing the bucket. The device key
// comes from the X-Device-ID header, falling back to the remote address.
func (rl *DeviceRateLimiter) Middleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-Device-ID")
			if key == "" {
				key = r.RemoteAddr
			}

			if !rl.limiter(key).Allow() {
				rl.log.Warn().Str("key", key).Str("path", r.URL.Path).Msg("burst limit exceeded")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(errorResponse{
					Error: "Too many requests",
					Code:  "rate_limited",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
