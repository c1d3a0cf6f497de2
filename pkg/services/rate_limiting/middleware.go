package rate_limiting

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/jgirmay/presenced/pkg/metrics"
)

// MiddlewareConfig configures rate limiting middleware behavior
type MiddlewareConfig struct {
	// ExtractKey identifies the client. Default: X-User-ID header, then client IP.
	ExtractKey func(r *http.Request) string

	// RateLimitedHandler writes the refusal. Default: 429 JSON.
	RateLimitedHandler func(http.ResponseWriter, *http.Request, Decision)

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// DefaultMiddlewareConfig returns default configuration
func DefaultMiddlewareConfig() MiddlewareConfig {
	return MiddlewareConfig{
		ExtractKey:         ClientKey,
		RateLimitedHandler: defaultRateLimitedHandler,
	}
}

// Middleware creates a rate limiting middleware for chi. Limiter errors let
// the request through.
func Middleware(limiter RateLimiter, cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.ExtractKey == nil {
		cfg.ExtractKey = ClientKey
	}
	if cfg.RateLimitedHandler == nil {
		cfg.RateLimitedHandler = defaultRateLimitedHandler
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := cfg.ExtractKey(r)
			decision, err := limiter.CheckLimit(r.Context(), key)
			if err != nil {
				cfg.Logger.Warn("rate limiter failed, allowing request", zap.String("key", key), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			setRateLimitHeaders(w, decision)
			if !decision.Allowed {
				cfg.Metrics.RateLimited(decision.Rule)
				cfg.Logger.Debug("request rate limited",
					zap.String("key", key),
					zap.String("rule", decision.Rule),
					zap.String("path", r.URL.Path))
				cfg.RateLimitedHandler(w, r, decision)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// setRateLimitHeaders sets X-RateLimit-* response headers
func setRateLimitHeaders(w http.ResponseWriter, decision Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetTime.Unix(), 10))

	if decision.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
	}
}

// defaultRateLimitedHandler sends a 429 response
func defaultRateLimitedHandler(w http.ResponseWriter, r *http.Request, decision Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":           "rate_limit_exceeded",
		"message":         decision.Reason,
		"code":            "RATE_LIMITED",
		"limit":           decision.Limit,
		"remaining":       decision.Remaining,
		"retry_after_sec": decision.RetryAfterSeconds,
		"reset_time":      decision.ResetTime.Unix(),
	})
}

// ClientKey identifies the caller by X-User-ID, falling back to its IP
func ClientKey(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return "user:" + id
	}
	return "ip:" + getClientIP(r)
}

// getClientIP extracts client IP from request
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ips := strings.Split(forwarded, ",")
		return strings.TrimSpace(ips[0])
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	if colon := strings.LastIndex(r.RemoteAddr, ":"); colon != -1 {
		return r.RemoteAddr[:colon]
	}
	return r.RemoteAddr
}
