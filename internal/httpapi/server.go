// Package httpapi exposes the reconciliation engine over HTTP: trigger a
// run, inspect past runs, and read the broker's current book.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"tradesync/internal/broker"
	"tradesync/internal/domain"
	"tradesync/internal/replicate"
	"tradesync/internal/store"
)

// Server serves the tradesync HTTP API.
type Server struct {
	replicator *replicate.Replicator
	store      store.RunStore
	broker     broker.Broker
	defaults   replicate.Options
	log        *slog.Logger
}

// NewServer creates a new API server. The defaults seed every reconcile
// request; the request body overrides the flags it names.
func NewServer(
	rep *replicate.Replicator,
	st store.RunStore,
	b broker.Broker,
	defaults replicate.Options,
	log *slog.Logger,
) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{replicator: rep, store: st, broker: b, defaults: defaults, log: log}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/reconcile", s.handleReconcile)
	mux.HandleFunc("GET /api/v1/runs", s.handleRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}/orders", s.handleRunOrders)
	mux.HandleFunc("GET /api/v1/positions", s.handlePositions)
	mux.HandleFunc("GET /api/v1/orders", s.handleOrders)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

// ---------------------------------------------------------------------------
// Reconcile
// ---------------------------------------------------------------------------

// reconcileRequest carries per-invocation overrides. Pointer fields
// distinguish "absent" from "false" so the configured defaults survive.
type reconcileRequest struct {
	Label                string   `json:"label,omitempty"`
	DryRun               *bool    `json:"dry_run,omitempty"`
	Force                *bool    `json:"force,omitempty"`
	WorkingOrdersOnly    *bool    `json:"working_orders_only,omitempty"`
	ExcludeWorkingOrders *bool    `json:"exclude_working_orders,omitempty"`
	CloseUnknown         *bool    `json:"close_unknown,omitempty"`
	IgnoreErrors         *bool    `json:"ignore_errors,omitempty"`
	Markets              []string `json:"markets,omitempty"`
	Currency             string   `json:"currency,omitempty"`
}

type reconcileResponse struct {
	RunLabel string         `json:"label"`
	DryRun   bool           `json:"dry_run"`
	Posted   int            `json:"posted"`
	Orders   []postedOrder  `json:"orders"`
	Failures []orderFailure `json:"failures,omitempty"`
}

type postedOrder struct {
	Action    string `json:"action"`
	Quant     string `json:"quant"`
	OrderType string `json:"order_type"`
	Limit     string `json:"limit,omitempty"`
	Stop      string `json:"stop,omitempty"`
	TIF       string `json:"tif,omitempty"`
	OrderRef  string `json:"order_ref,omitempty"`
	AttachRef string `json:"attach_ref,omitempty"`
	Symbol    string `json:"symbol"`
	Market    string `json:"market"`
	Status    string `json:"status,omitempty"`
}

type orderFailure struct {
	Symbol string `json:"symbol"`
	Market string `json:"market"`
	Error  string `json:"error"`
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	opts := s.defaults
	if req.Label != "" {
		opts.Label = req.Label
	}
	if req.Currency != "" {
		opts.Currency = req.Currency
	}
	if req.Markets != nil {
		opts.Markets = req.Markets
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setBool(&opts.DryRun, req.DryRun)
	setBool(&opts.Force, req.Force)
	setBool(&opts.WorkingOrdersOnly, req.WorkingOrdersOnly)
	setBool(&opts.ExcludeWorkingOrders, req.ExcludeWorkingOrders)
	setBool(&opts.CloseUnknown, req.CloseUnknown)
	setBool(&opts.IgnoreErrors, req.IgnoreErrors)

	posted, err := s.replicator.Run(r.Context(), opts)
	if err != nil {
		var cfgErr *replicate.ConfigurationError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusBadRequest, cfgErr.Error())
			return
		}
		var subErr *replicate.SubmitError
		if errors.As(err, &subErr) {
			// Partial success: report what went out alongside what failed.
			resp := reconcileResult(opts, posted)
			for _, f := range subErr.Failures {
				resp.Failures = append(resp.Failures, orderFailure{
					Symbol: f.Contract.Symbol,
					Market: f.Contract.Market,
					Error:  f.Err.Error(),
				})
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(resp)
			return
		}
		s.log.Error("reconciliation failed", "label", opts.Label, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, reconcileResult(opts, posted))
}

func reconcileResult(opts replicate.Options, posted []*domain.Order) reconcileResponse {
	resp := reconcileResponse{RunLabel: opts.Label, DryRun: opts.DryRun, Posted: len(posted)}
	for _, o := range posted {
		resp.Orders = append(resp.Orders, orderJSON(o))
	}
	return resp
}

// ---------------------------------------------------------------------------
// Audit trail
// ---------------------------------------------------------------------------

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "run store not configured")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	runs, err := s.store.ListRuns(r.Context(), r.URL.Query().Get("label"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []store.RunSummary{}
	}
	writeJSON(w, runs)
}

func (s *Server) handleRunOrders(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "run store not configured")
		return
	}
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "run id required")
		return
	}
	orders, err := s.store.ListPostedOrders(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if orders == nil {
		orders = []store.PostedOrder{}
	}
	writeJSON(w, orders)
}

// ---------------------------------------------------------------------------
// Broker book
// ---------------------------------------------------------------------------

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	rows, err := s.broker.Positions(r.Context(), time.Now())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if rows == nil {
		rows = []domain.PositionRow{}
	}
	writeJSON(w, rows)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.broker.Orders(r.Context(), time.Now())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	out := make([]postedOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderJSON(o))
	}
	writeJSON(w, out)
}

func orderJSON(o *domain.Order) postedOrder {
	p := postedOrder{
		Action:    string(o.Action),
		Quant:     o.Quant.String(),
		OrderType: string(o.OrderType),
		TIF:       string(o.TIF),
		OrderRef:  o.OrderRef,
		AttachRef: o.AttachRef,
		Symbol:    o.Symbol,
		Market:    o.Market,
		Status:    string(o.Status),
	}
	if !o.Limit.IsZero() {
		p.Limit = o.Limit.String()
	}
	if !o.Stop.IsZero() {
		p.Stop = o.Stop.String()
	}
	return p
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
