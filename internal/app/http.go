package app

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cam3ron2/pr-leaderboard/internal/leaderboard"
	"github.com/cam3ron2/pr-leaderboard/internal/model"
	"github.com/cam3ron2/pr-leaderboard/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Routes are the handlers mounted by NewHTTPHandler. Nil auth handlers leave the login
// routes unmounted.
type Routes struct {
	Leaderboard http.Handler
	Metrics     http.Handler
	Health      http.Handler
	Login       http.Handler
	Callback    http.Handler
}

// NewHTTPHandler wires the read side, metrics, health and login endpoints on one router.
func NewHTTPHandler(routes Routes) http.Handler {
	router := chi.NewRouter()
	traceMode := telemetry.TraceMode()
	router.Method(http.MethodGet, "/leaderboard", wrapHTTPHandler(traceMode, "leaderboard", routes.Leaderboard))
	router.Handle("/metrics", wrapHTTPHandler(traceMode, "metrics", routes.Metrics))
	router.Handle("/livez", wrapHTTPHandler(traceMode, "livez", routes.Health))
	router.Handle("/readyz", wrapHTTPHandler(traceMode, "readyz", routes.Health))
	router.Handle("/healthz", wrapHTTPHandler(traceMode, "healthz", routes.Health))
	if routes.Login != nil && routes.Callback != nil {
		router.Method(http.MethodGet, "/auth/login", wrapHTTPHandler(traceMode, "auth.login", routes.Login))
		router.Method(http.MethodGet, "/auth/callback", wrapHTTPHandler(traceMode, "auth.callback", routes.Callback))
	}
	return router
}

// leaderboardResponse is the GET /leaderboard payload.
type leaderboardResponse struct {
	ComputedAt *time.Time               `json:"computed_at,omitempty"`
	Entries    []model.LeaderboardEntry `json:"entries"`
}

// newLeaderboardHandler serves the persisted board in display order with ranks.
func newLeaderboardHandler(reader LeaderboardReader, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entries, computedAt, err := reader.Leaderboard(r.Context())
		if err != nil {
			logger.Warn("leaderboard read failed", zap.Error(err))
			http.Error(w, "leaderboard unavailable", http.StatusServiceUnavailable)
			return
		}
		if entries == nil {
			entries = []model.LeaderboardEntry{}
		}
		leaderboard.SortForDisplay(entries)

		response := leaderboardResponse{Entries: entries}
		if !computedAt.IsZero() {
			stamp := computedAt.UTC()
			response.ComputedAt = &stamp
		}
		payload, err := json.Marshal(response)
		if err != nil {
			http.Error(w, "encode leaderboard", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		//nolint:gosec // Payload is server-generated JSON.
		if _, err := w.Write(payload); err != nil {
			return
		}
	})
}

func wrapHTTPHandler(traceMode, route string, handler http.Handler) http.Handler {
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	if strings.EqualFold(strings.TrimSpace(traceMode), "off") {
		return handler
	}

	operation := strings.TrimSpace(route)
	if operation == "" {
		operation = "handler"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer("pr-leaderboard/internal/app").Start(
			r.Context(),
			"http.server."+operation,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()

		recorder := &statusCapturingResponseWriter{
			ResponseWriter: w,
			status:         http.StatusOK,
		}
		handler.ServeHTTP(recorder, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", recorder.status))
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
			return
		}
		span.SetStatus(codes.Ok, "request completed")
	})
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
