// Package api provides the management HTTP API for chainhook subscriptions
// and their delivery logs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/xraph/chainhook"
	"github.com/xraph/chainhook/delivery"
	"github.com/xraph/chainhook/id"
	"github.com/xraph/chainhook/ledger"
	"github.com/xraph/chainhook/subscription"
)

// CallerHeader carries the address of the account making a destructive request.
const CallerHeader = "X-Caller-Address"

// maxPageSize caps list limits.
const maxPageSize = 200

// Replayer re-delivers a terminally failed delivery log.
type Replayer interface {
	Replay(ctx context.Context, logID id.ID) (*ledger.DeliveryLog, error)
}

// Handler is the root HTTP handler for the management API.
type Handler struct {
	subs     *subscription.Service
	ledger   *ledger.Ledger
	replayer Replayer
	logger   *slog.Logger
	mux      *http.ServeMux
}

// NewHandler creates a new management API handler.
func NewHandler(subs *subscription.Service, l *ledger.Ledger, replayer Replayer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		subs:     subs,
		ledger:   l,
		replayer: replayer,
		logger:   logger,
		mux:      http.NewServeMux(),
	}

	h.registerRoutes()
	return h
}

// ForHook builds a Handler over a Hook's services.
func ForHook(hook *chainhook.Hook, logger *slog.Logger) *Handler {
	return NewHandler(hook.Subscriptions(), hook.Ledger(), hook, logger)
}

func (h *Handler) registerRoutes() {
	// Subscriptions
	h.mux.HandleFunc("GET /subscriptions", h.listSubscriptions)
	h.mux.HandleFunc("GET /subscriptions/{id}", h.getSubscription)
	h.mux.HandleFunc("POST /subscriptions/{id}/activate", h.activateSubscription)
	h.mux.HandleFunc("POST /subscriptions/{id}/deactivate", h.deactivateSubscription)
	h.mux.HandleFunc("POST /subscriptions/{id}/rotate-secret", h.rotateSecret)
	h.mux.HandleFunc("DELETE /subscriptions/{id}", h.deleteSubscription)

	// Deliveries
	h.mux.HandleFunc("GET /subscriptions/{id}/deliveries", h.listDeliveries)
	h.mux.HandleFunc("POST /deliveries/{id}/replay", h.replayDelivery)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.withMiddleware(h.mux).ServeHTTP(w, r)
}

func (h *Handler) withMiddleware(next http.Handler) http.Handler {
	return h.panicRecovery(h.logging(next))
}

func (h *Handler) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		h.logger.InfoContext(r.Context(), "api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (h *Handler) panicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.ErrorContext(r.Context(), "panic recovered",
					"error", rec,
					"stack", string(debug.Stack()),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// JSON helpers.

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best effort
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps domain errors onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *subscription.ValidationError
	switch {
	case errors.Is(err, chainhook.ErrSubscriptionNotFound):
		writeError(w, http.StatusNotFound, "subscription not found")
	case errors.Is(err, chainhook.ErrDeliveryLogNotFound):
		writeError(w, http.StatusNotFound, "delivery log not found")
	case errors.Is(err, chainhook.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, chainhook.ErrNotTerminal), errors.Is(err, chainhook.ErrAlreadyDelivered),
		errors.Is(err, delivery.ErrNotReplayable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, delivery.ErrPermanent), errors.As(err, &verr):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case delivery.IsAborted(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "api request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// queryParam returns a query parameter value, or empty string if not present.
func queryParam(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// queryInt returns a non-negative query parameter, or defaultVal when it is
// absent or malformed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

func pageLimit(r *http.Request) int {
	return min(queryInt(r, "limit", 50), maxPageSize)
}
