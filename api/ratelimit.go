package api

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"
)

const rateLimitWindow = 60 * time.Second

// rateLimit is a fixed-window limiter on the shared store: one INCR
// per request against a per-client window key, expiry set on the first
// hit. If the store is unreachable the request goes through — the
// limiter protects the backend, it must not become the outage.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := r.RemoteAddr
		if host, _, err := net.SplitHostPort(client); err == nil {
			client = host
		}
		window := time.Now().Unix() / int64(rateLimitWindow.Seconds())
		key := fmt.Sprintf("rate_limit:%s:%d", client, window)

		count, err := s.redis.Incr(r.Context(), key).Result()
		if err != nil {
			log.Printf("[api] rate limiter unavailable: %v", err)
			next.ServeHTTP(w, r)
			return
		}
		if count == 1 {
			if err := s.redis.Expire(r.Context(), key, rateLimitWindow).Err(); err != nil {
				log.Printf("[api] rate limiter expire: %v", err)
			}
		}

		limit := int64(s.cfg.RateLimit)
		remaining := limit - count
		if remaining < 0 {
			remaining = 0
		}
		reset := (window + 1) * int64(rateLimitWindow.Seconds())
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))

		if count > limit {
			writeError(w, "rate limit exceeded, try again later", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
