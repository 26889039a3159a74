// Package httpapi serves the dashboard REST API and the websocket event
// feed.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kratikdebdocumentation-max/Duplicator/internal/domain"
	"github.com/kratikdebdocumentation-max/Duplicator/internal/event"
	"github.com/kratikdebdocumentation-max/Duplicator/internal/ledger"
	"github.com/kratikdebdocumentation-max/Duplicator/internal/orchestrator"
)

// Server exposes the orchestrator over HTTP.
type Server struct {
	orch   *orchestrator.Orchestrator
	events *event.Broadcaster
	log    *slog.Logger
}

// NewServer creates the API server.
func NewServer(orch *orchestrator.Orchestrator, events *event.Broadcaster, log *slog.Logger) *Server {
	return &Server{orch: orch, events: events, log: log.With("component", "httpapi")}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/orders", s.handleSubmitOrder)
	mux.HandleFunc("GET /api/orders", s.handleListOrders)
	mux.HandleFunc("GET /api/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("PATCH /api/orders/{id}", s.handleModifyOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", s.handleCancelOrder)
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/positions/summary", s.handlePositionsSummary)
	mux.HandleFunc("GET /api/brokers", s.handleBrokers)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ltp/{instrument}", s.handleLastPrice)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// Order handlers
// ---------------------------------------------------------------------------

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var intent domain.OrderIntent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	order, err := s.orch.Submit(r.Context(), intent)
	if err != nil {
		s.writeOrderError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, order)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	f := ledger.Filter{Instrument: r.URL.Query().Get("instrument")}
	if states := r.URL.Query().Get("state"); states != "" {
		for _, st := range strings.Split(states, ",") {
			f.States = append(f.States, domain.OrderState(strings.ToUpper(strings.TrimSpace(st))))
		}
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		f.Since = t
	}

	orders := s.orch.ListOrders(f)
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, orders)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.orch.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeOrderError(w, err)
		return
	}
	writeJSON(w, order)
}

func (s *Server) handleModifyOrder(w http.ResponseWriter, r *http.Request) {
	var changes domain.OrderChanges
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	order, err := s.orch.Modify(r.Context(), r.PathValue("id"), changes)
	if err != nil {
		s.writeOrderError(w, err)
		return
	}
	writeJSON(w, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.orch.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeOrderError(w, err)
		return
	}
	writeJSON(w, order)
}

func (s *Server) writeOrderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidIntent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrTerminal):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("order request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// ---------------------------------------------------------------------------
// Position and broker handlers
// ---------------------------------------------------------------------------

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.orch.ListPositions(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, positions)
}

func (s *Server) handlePositionsSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.orch.PositionsSummary(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if summary == nil {
		summary = []orchestrator.PositionSummary{}
	}
	writeJSON(w, summary)
}

func (s *Server) handleBrokers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.orch.BrokerStatuses())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	statuses := s.orch.BrokerStatuses()
	healthy := false
	for _, st := range statuses {
		if st.Enabled && st.ConnectionState == domain.ConnConnected {
			healthy = true
			break
		}
	}
	status := "ok"
	if !healthy {
		status = "degraded"
	}
	writeJSON(w, map[string]any{"status": status, "brokers": statuses})
}

func (s *Server) handleLastPrice(w http.ResponseWriter, r *http.Request) {
	instrument := r.PathValue("instrument")
	tick, ok := s.orch.LastPrice(instrument)
	if !ok {
		writeError(w, http.StatusNotFound, "no tick seen for "+instrument)
		return
	}
	writeJSON(w, tick)
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

// writeJSONStatus writes a JSON body with a non-200 status.
func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
