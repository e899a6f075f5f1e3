package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Middleware wraps an HTTP handler with a per-IP rate limit. Requests over
// the limit receive 429 with a Retry-After header. Redis errors fail open.
func Middleware(l *Limiter, rule Rule, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		ip := remoteIP(r)
		allowed, _ := l.Allow(ctx, ip, rule)
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(l.RetryAfter(ctx, ip, rule)))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// remoteIP extracts the client IP from a request, dropping the port.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
