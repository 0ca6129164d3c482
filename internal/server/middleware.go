package server

import (
	"bufio"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/crossquery/internal/auth"
	"github.com/haasonsaas/crossquery/internal/observability"
	"github.com/haasonsaas/crossquery/internal/ratelimit"
	"github.com/haasonsaas/crossquery/pkg/models"
)

// requestIDMiddleware assigns every request an id, honouring one supplied
// by the caller, and echoes it on the response.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := observability.AddRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware records one log line and the request metrics per call.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		duration := time.Since(start)

		s.metrics.RecordHTTPRequest(r.Method, endpointLabel(r.URL.Path), strconv.Itoa(rw.status), duration.Seconds())
		s.logger.Debug(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration_ms", duration.Milliseconds(),
		)
	})
}

// rateLimitMiddleware rejects callers who exhausted a window. Keys are per
// principal when authenticated, per client IP otherwise. It runs inside the
// auth middleware so the principal is already on the context.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || s.excluded[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		key := s.limitKey(r)
		allowed, retry := s.limiter.Allow(key)
		if allowed {
			next.ServeHTTP(w, r)
			return
		}

		seconds := int(math.Ceil(retry.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		window := "minute"
		if retry > time.Minute {
			window = "hour"
		}
		s.metrics.RateLimited.WithLabelValues(window).Inc()
		s.logger.Warn(r.Context(), "rate limited",
			"path", r.URL.Path,
			"retry_after_seconds", seconds,
		)
		s.writeError(w, r, models.NewError(models.CodeRateLimited, "rate limit exceeded").
			WithDetail("retry_after_seconds", seconds))
	})
}

func (s *Server) limitKey(r *http.Request) string {
	if p, ok := auth.PrincipalFrom(r.Context()); ok && p.ID != models.AnonymousPrincipal {
		return ratelimit.CompositeKey("p", p.ID)
	}
	return ratelimit.CompositeKey("ip", s.clientIP(r))
}

// clientIP derives the caller address, honouring the first X-Forwarded-For
// hop only when the deployment trusts its proxy.
func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.TrustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if i := strings.IndexByte(xff, ','); i >= 0 {
				xff = xff[:i]
			}
			return strings.TrimSpace(xff)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var knownEndpoints = map[string]bool{
	"/api/query":        true,
	"/api/query/stream": true,
	"/api/query/ws":     true,
	"/api/detect":       true,
	"/api/suggest":      true,
	"/api/providers":    true,
	"/api/breakers":     true,
	"/healthz":          true,
	"/metrics":          true,
}

// endpointLabel collapses paths into a fixed label set so metric
// cardinality stays bounded no matter what callers probe.
func endpointLabel(path string) string {
	if knownEndpoints[path] {
		return path
	}
	if strings.HasPrefix(path, "/api/breakers/") {
		return "/api/breakers/{provider}/reset"
	}
	return "other"
}

// responseWriter captures the status code for logging. Flush and Hijack
// stay visible through the wrapper so streaming and websocket upgrades
// keep working.
type responseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *responseWriter) WriteHeader(status int) {
	if !w.written {
		w.status = status
		w.written = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}
