// Package trade provides the admin HTTP handlers for the execution engine:
// inspecting and closing positions, pushing signals, reading the order
// ledger and toggling the kill switch.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/exec-engine/internal/engine"
	"github.com/atmx/exec-engine/internal/errs"
	"github.com/atmx/exec-engine/internal/execution"
	"github.com/atmx/exec-engine/internal/exposure"
	"github.com/atmx/exec-engine/internal/model"
	"github.com/atmx/exec-engine/internal/pair"
	"github.com/atmx/exec-engine/internal/store"
	"github.com/atmx/exec-engine/internal/strategy"
)

// Service exposes the engine over HTTP. Trading is serialized inside the
// engine, so handlers hold no locks of their own.
type Service struct {
	engine *engine.Engine
	orders store.Store
	kill   *execution.KillSwitch
	pairs  *pair.Parser
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new admin service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(eng *engine.Engine, st store.Store, pairs *pair.Parser, hub *WSHub) *Service {
	if pairs == nil {
		pairs = pair.NewParser(nil)
	}
	return &Service{
		engine: eng,
		orders: st,
		kill:   eng.Executor().KillSwitch(),
		pairs:  pairs,
		wsHub:  hub,
	}
}

// Routes mounts the handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/positions", s.ListPositions)
	r.Get("/positions/{symbol}", s.GetPosition)
	r.Delete("/positions/{symbol}", s.ClosePosition)
	r.Post("/positions/{symbol}/evaluate", s.EvaluatePosition)
	r.Post("/signals", s.SubmitSignal)
	r.Get("/orders", s.ListOrders)
	r.Get("/kill-switch", s.GetKillSwitch)
	r.Put("/kill-switch", s.SetKillSwitch)
}

// --- Request/Response types ---

// SignalRequest is the JSON body for POST /signals.
type SignalRequest struct {
	Symbol string                `json:"symbol"`
	Type   strategy.SignalType   `json:"type"`   // BUY, SELL or HOLD
	Action strategy.SignalAction `json:"action"` // ENTRY or EXIT; optional
	Score  decimal.Decimal       `json:"score"`
	Reason string                `json:"reason"`
	// Immediate executes now instead of queueing for the next cycle.
	Immediate bool `json:"immediate"`
}

// SignalResponse is returned from POST /signals.
type SignalResponse struct {
	Symbol   string          `json:"symbol"`
	Queued   bool            `json:"queued"`
	Pending  int             `json:"pending,omitempty"`
	Position *model.Position `json:"position,omitempty"`
}

// KillSwitchRequest is the JSON body for PUT /kill-switch.
type KillSwitchRequest struct {
	Engaged *bool `json:"engaged"`
}

// KillSwitchResponse reports the switch state.
type KillSwitchResponse struct {
	Engaged bool   `json:"engaged"`
	Mode    string `json:"mode"`
}

// EvaluateResponse is returned from POST /positions/{symbol}/evaluate.
type EvaluateResponse struct {
	Symbol   string                `json:"symbol"`
	Action   *model.PositionAction `json:"action"`
	Position *model.Position       `json:"position,omitempty"`
}

// --- HTTP Handlers ---

// ListPositions handles GET /api/v1/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	book := s.engine.Positions()
	positions := make([]model.Position, 0, len(book))
	for _, p := range book {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })

	writeJSON(w, http.StatusOK, positions)
}

// GetPosition handles GET /api/v1/positions/{symbol}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	symbol, ok := s.symbolParam(w, r)
	if !ok {
		return
	}
	pos, ok := s.engine.Position(symbol)
	if !ok {
		writeError(w, "no open position for "+symbol, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// ClosePosition handles DELETE /api/v1/positions/{symbol}
// Sells the whole position at market.
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	symbol, ok := s.symbolParam(w, r)
	if !ok {
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = engine.ReasonManualClose
	}
	if err := s.engine.ClosePosition(r.Context(), symbol, reason); err != nil {
		writeEngineError(w, err)
		return
	}
	slog.Info("position closed via api", "symbol", symbol, "reason", reason)
	writeJSON(w, http.StatusOK, map[string]string{"symbol": symbol, "status": model.StatusClosed})
}

// EvaluatePosition handles POST /api/v1/positions/{symbol}/evaluate
// Runs the lifecycle policy once outside the regular cycle.
func (s *Service) EvaluatePosition(w http.ResponseWriter, r *http.Request) {
	symbol, ok := s.symbolParam(w, r)
	if !ok {
		return
	}
	action, err := s.engine.EvaluatePosition(r.Context(), symbol)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	resp := EvaluateResponse{Symbol: symbol, Action: action}
	if pos, ok := s.engine.Position(symbol); ok {
		resp.Position = &pos
	}
	writeJSON(w, http.StatusOK, resp)
}

// SubmitSignal handles POST /api/v1/signals
// Queues the signal for the next cycle, or executes it when immediate.
func (s *Service) SubmitSignal(w http.ResponseWriter, r *http.Request) {
	var req SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	p, err := s.pairs.Parse(req.Symbol)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	sig := strategy.Signal{
		Type:      req.Type,
		Action:    req.Action,
		Score:     req.Score,
		Reason:    req.Reason,
		Timestamp: time.Now().UTC(),
	}
	if !sig.Valid() {
		writeError(w, "type/action must be BUY/ENTRY, SELL/EXIT or HOLD", http.StatusBadRequest)
		return
	}

	if req.Immediate {
		if err := s.engine.ProcessSignal(r.Context(), p.Symbol, sig); err != nil {
			writeEngineError(w, err)
			return
		}
		resp := SignalResponse{Symbol: p.Symbol}
		if pos, ok := s.engine.Position(p.Symbol); ok {
			resp.Position = &pos
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	inbox, ok := s.engine.Strategy().(strategy.Inbox)
	if !ok {
		writeError(w, "active strategy does not accept queued signals", http.StatusConflict)
		return
	}
	if err := inbox.Push(p.Symbol, sig); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	slog.Info("signal queued",
		"symbol", p.Symbol,
		"type", sig.Type,
		"action", sig.Action,
		"score", sig.Score.String(),
	)
	writeJSON(w, http.StatusAccepted, SignalResponse{
		Symbol:  p.Symbol,
		Queued:  true,
		Pending: inbox.Pending(p.Symbol),
	})
}

// ListOrders handles GET /api/v1/orders
// Returns the order ledger newest first, optionally filtered by ?symbol=
// and bounded by ?limit=.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol != "" {
		p, err := s.pairs.Parse(symbol)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		symbol = p.Symbol
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	orders, err := s.orders.ListOrders(r.Context(), symbol, limit)
	if err != nil {
		slog.Error("list orders failed", "err", err)
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.OrderResult{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetKillSwitch handles GET /api/v1/kill-switch
func (s *Service) GetKillSwitch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.killState())
}

// SetKillSwitch handles PUT /api/v1/kill-switch
func (s *Service) SetKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req KillSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Engaged == nil {
		writeError(w, "body must be {\"engaged\": true|false}", http.StatusBadRequest)
		return
	}
	s.kill.Set(*req.Engaged)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      "kill_switch",
			Engaged:   req.Engaged,
			Timestamp: time.Now().UTC(),
		})
	}
	writeJSON(w, http.StatusOK, s.killState())
}

func (s *Service) killState() KillSwitchResponse {
	return KillSwitchResponse{
		Engaged: s.kill.Engaged(),
		Mode:    s.engine.Executor().Config().Mode,
	}
}

func (s *Service) symbolParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	p, err := s.pairs.Parse(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return p.Symbol, true
}

// writeEngineError maps the engine's error taxonomy to a status code.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrNoPosition):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrKillSwitch),
		errors.Is(err, exposure.ErrMaxPositions),
		errors.Is(err, exposure.ErrSymbolWeightExceeded),
		errors.Is(err, exposure.ErrCorrelatedWeightExceeded),
		errors.Is(err, exposure.ErrNoEquity):
		status = http.StatusConflict
	case errs.IsValidation(err):
		status = http.StatusUnprocessableEntity
	case errs.IsOrder(err):
		status = http.StatusBadGateway
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
