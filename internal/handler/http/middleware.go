package httphandler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type contextKey string

const (
	contextKeyRequestID contextKey = "request_id"
	headerRequestID                = "X-Request-Id"

	RouteHome     = "/"
	RouteGenerate = "/generate"
	RouteHealth   = "/health"
	RouteMetrics  = "/metrics"
	routeResource = "/{path...}"
)

type MiddlewareConfig struct {
	RateLimit float64
	RateBurst int
}

type Middleware struct {
	cfg     MiddlewareConfig
	limiter *rate.Limiter
	log     *slog.Logger
}

func NewMiddleware(cfg MiddlewareConfig, log *slog.Logger) *Middleware {
	return &Middleware{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		log:     log.With(slog.String("item", "Middleware")),
	}
}

// Wrap applies the middleware chain. Traversal attempts are rejected before routing,
// so the mux never redirects them to a cleaned path.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return m.metrics(
		m.requestID(
			m.panicRecovery(
				m.rateLimit(
					m.logging(
						m.pathGuard(next),
					),
				),
			),
		),
	)
}

func (m *Middleware) metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r)

		route := routeLabel(r.URL.Path)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.Status())).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (m *Middleware) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(headerRequestID)
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.NewString()
		}

		w.Header().Set(headerRequestID, requestID)

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyRequestID, requestID)))
	})
}

func (m *Middleware) panicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				panicRecoveries.Inc()
				m.log.Error("Panic recovered",
					slog.String("error", fmt.Sprintf("%v", err)),
					slog.Any("request_id", r.Context().Value(contextKeyRequestID)),
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
				)
				http.Error(w, "Internal server error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.limiter.Allow() {
			rateLimitRejects.Inc()
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := newResponseWriter(w)

		next.ServeHTTP(rw, r)

		m.log.Debug("Request completed",
			slog.Any("request_id", r.Context().Value(contextKeyRequestID)),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rw.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func (m *Middleware) pathGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsSafePath(r.URL.Path) {
			m.log.Warn("Path traversal rejected", slog.String("path", r.URL.Path),
				slog.Any("request_id", r.Context().Value(contextKeyRequestID)))
			http.NotFound(w, r)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func routeLabel(path string) string {
	switch path {
	case RouteHome, RouteGenerate, RouteHealth, RouteMetrics:
		return path
	}

	return routeResource
}
