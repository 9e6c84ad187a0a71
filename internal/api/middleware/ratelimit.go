package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/wardrobe/internal/api/response"
	"github.com/kiranshivaraju/wardrobe/internal/cache"
)

const (
	defaultRequestsPerMinute = 120
	rateWindow               = time.Minute
)

// RateLimit counts requests per user in fixed one-minute Redis windows.
type RateLimit struct {
	cache          cache.Cache
	requestsPerMin int
}

// NewRateLimit creates a new RateLimit middleware.
func NewRateLimit(c cache.Cache, requestsPerMin int) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	return &RateLimit{cache: c, requestsPerMin: requestsPerMin}
}

// Limit applies rate limiting based on the user id set by Auth.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := GetUserID(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		count, err := rl.cache.IncrWithExpiry(r.Context(), cache.RateLimitKey(userID), rateWindow)
		if err != nil {
			// fail open
			slog.Warn("rate limit counter unavailable", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := max(rl.requestsPerMin-int(count), 0)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(rateWindow).Unix(), 10))

		if count > int64(rl.requestsPerMin) {
			w.Header().Set("Retry-After", strconv.Itoa(int(rateWindow.Seconds())))
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
