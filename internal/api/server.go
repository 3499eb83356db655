// Package api exposes the engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tradeassist/order-engine/internal/engine"
	"github.com/tradeassist/order-engine/internal/events"
	"github.com/tradeassist/order-engine/internal/metrics"
	"github.com/tradeassist/order-engine/internal/order"
	"github.com/tradeassist/order-engine/internal/risk"
	"github.com/tradeassist/order-engine/internal/store"
)

// Server hosts the HTTP API.
type Server struct {
	coord  *engine.Coordinator
	store  store.Store
	hub    *events.Hub
	router chi.Router
}

// NewServer builds the router and wires all endpoints.
func NewServer(coord *engine.Coordinator, st store.Store, hub *events.Hub) *Server {
	s := &Server{coord: coord, store: st, hub: hub}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/orders", s.handleSubmitOrder)
		r.Get("/orders/{id}", s.handleGetOrder)
		r.Delete("/orders/{id}", s.handleCancelOrder)

		r.Route("/portfolios/{id}", func(r chi.Router) {
			r.Get("/orders", s.handleListOpenOrders)
			r.Get("/positions", s.handleListPositions)
			r.Get("/summary", s.handlePortfolioSummary)
		})

		r.Get("/ws", hub.HandleWS)
	})

	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "err", err)
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidIntent):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case store.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, order.ErrIllegalTransition):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		if reason, ok := risk.RejectionReason(err); ok {
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
				Error:  err.Error(),
				Reason: string(reason),
			})
			return
		}
		slog.Error("internal error", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
