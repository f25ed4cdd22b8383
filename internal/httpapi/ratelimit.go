package httpapi

import (
	"net"
	"net/http"
	"strconv"

	"taskhub/internal/queue"
)

// rateLimit applies the per-client-IP window. It is independent of the
// per-user AI quota; a request may have to pass both.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || s.cfg.Rate.PerWindow <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		now := s.now()
		d, err := s.limiter.Allow(r.Context(), "ip:"+clientIP(r), s.cfg.Rate.PerWindow, s.cfg.Rate.Window, now)
		if err != nil {
			s.logger.Warn().Err(err).Msg("rate limiter unavailable, allowing request")
			next.ServeHTTP(w, r)
			return
		}
		setLimitHeaders(w, d)
		if !d.Allowed {
			s.metrics.Throttled.WithLabelValues("ip").Inc()
			writeThrottled(w, d.RetryAfter(now).Milliseconds(), "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// consumeQuota counts one AI call against the caller's daily quota. It
// writes the 429 itself and reports whether the handler may continue.
func (s *Server) consumeQuota(w http.ResponseWriter, r *http.Request, userID string) bool {
	if s.quota == nil {
		return true
	}
	now := s.now()
	d, err := s.quota.Consume(r.Context(), userID, now)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("quota store unavailable, allowing request")
		return true
	}
	if !d.Allowed {
		s.metrics.Throttled.WithLabelValues("ai_quota").Inc()
		writeThrottled(w, d.RetryAfter(now).Milliseconds(), "daily AI quota exhausted")
		return false
	}
	return true
}

func setLimitHeaders(w http.ResponseWriter, d queue.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining(), 10))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
