package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/exec-engine/internal/engine"
	"github.com/atmx/exec-engine/internal/exchange"
	"github.com/atmx/exec-engine/internal/execution"
	"github.com/atmx/exec-engine/internal/model"
	"github.com/atmx/exec-engine/internal/store"
	"github.com/atmx/exec-engine/internal/strategy"
	"github.com/atmx/exec-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type staticMarket struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func (m *staticMarket) CurrentPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[symbol]
	if !ok {
		return decimal.Zero, errors.New("no price")
	}
	return p, nil
}

func (m *staticMarket) Klines(ctx context.Context, symbol, _ string, _ int) ([]model.Kline, error) {
	p, err := m.CurrentPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return []model.Kline{{Close: p, ATR: d(200)}}, nil
}

type testEnv struct {
	eng    *engine.Engine
	store  *store.MemoryStore
	router chi.Router
}

// newTestEnv wires a simulated venue, engine and chi router.
func newTestEnv(t *testing.T, mode string) *testEnv {
	t.Helper()
	mk := &staticMarket{prices: map[string]decimal.Decimal{"BTCUSDT": d(20000)}}
	venue := exchange.NewSimulated(exchange.DefaultSimulatedConfig(), mk, nil)
	ms := store.NewMemoryStore()

	ecfg := execution.DefaultConfig()
	ecfg.Mode = mode
	exec, err := execution.NewExecutor(ecfg, venue, mk, execution.NewKillSwitch(false),
		execution.WithSleep(func(context.Context, time.Duration) error { return nil }),
		execution.WithJournal(ms),
	)
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	cfg := engine.DefaultConfig()
	cfg.Symbols = []string{"BTCUSDT"}
	eng, err := engine.New(context.Background(), cfg, engine.Deps{
		Executor: exec,
		Market:   mk,
		Account:  venue,
		Strategy: strategy.NewManual(nil),
		Store:    ms,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	svc := trade.NewService(eng, ms, nil, nil)
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return &testEnv{eng: eng, store: ms, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func buySignal(immediate bool) trade.SignalRequest {
	return trade.SignalRequest{
		Symbol:    "BTCUSDT",
		Type:      strategy.SignalBuy,
		Action:    strategy.ActionEntry,
		Score:     d(1),
		Immediate: immediate,
	}
}

// --- Signal tests ---

func TestSubmitSignal_QueuedThenCycle(t *testing.T) {
	env := newTestEnv(t, execution.ModeSimulated)

	w := env.do(t, "POST", "/api/v1/signals", buySignal(false))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp trade.SignalResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Queued || resp.Pending != 1 {
		t.Errorf("response = %+v", resp)
	}

	if err := env.eng.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	w = env.do(t, "GET", "/api/v1/positions/BTCUSDT", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var pos model.Position
	json.Unmarshal(w.Body.Bytes(), &pos)
	if !pos.Qty.Equal(d(0.05)) {
		t.Errorf("qty = %s, want 0.05", pos.Qty)
	}
}

func TestSubmitSignal_Immediate(t *testing.T) {
	env := newTestEnv(t, execution.ModeSimulated)

	w := env.do(t, "POST", "/api/v1/signals", buySignal(true))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp trade.SignalResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Position == nil || resp.Position.Symbol != "BTCUSDT" {
		t.Fatalf("response should carry the new position: %s", w.Body.String())
	}

	// A second entry while the position is open is refused.
	w = env.do(t, "POST", "/api/v1/signals", buySignal(true))
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSubmitSignal_Validation(t *testing.T) {
	env := newTestEnv(t, execution.ModeSimulated)

	tests := []struct {
		name string
		body any
	}{
		{"malformed json", "{"},
		{"lower-case symbol", trade.SignalRequest{Symbol: "btcusdt", Type: strategy.SignalBuy}},
		{"unknown quote", trade.SignalRequest{Symbol: "BTCXYZ", Type: strategy.SignalBuy}},
		{"unknown type", trade.SignalRequest{Symbol: "BTCUSDT", Type: "SHORT"}},
		{"buy with exit action", trade.SignalRequest{Symbol: "BTCUSDT", Type: strategy.SignalBuy, Action: strategy.ActionExit}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/signals", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

// --- Position tests ---

func TestPositions_ListGetClose(t *testing.T) {
	env := newTestEnv(t, execution.ModeSimulated)

	w := env.do(t, "GET", "/api/v1/positions", nil)
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("empty list = %d %s", w.Code, w.Body.String())
	}
	if w := env.do(t, "GET", "/api/v1/positions/BTCUSDT", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing position: expected 404, got %d", w.Code)
	}

	env.do(t, "POST", "/api/v1/signals", buySignal(true))

	w = env.do(t, "GET", "/api/v1/positions", nil)
	var list []model.Position
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list) != 1 || list[0].Symbol != "BTCUSDT" {
		t.Fatalf("list = %s", w.Body.String())
	}

	w = env.do(t, "DELETE", "/api/v1/positions/BTCUSDT?reason=operator", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("close: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if _, ok := env.eng.Position("BTCUSDT"); ok {
		t.Error("position still open after DELETE")
	}
	if w := env.do(t, "DELETE", "/api/v1/positions/BTCUSDT", nil); w.Code != http.StatusNotFound {
		t.Errorf("second close: expected 404, got %d", w.Code)
	}

	orders, _ := env.store.ListOrders(context.Background(), "BTCUSDT", 0)
	if len(orders) != 2 || orders[0].Reason != "operator" {
		t.Errorf("ledger = %+v", orders)
	}
}

func TestEvaluatePosition_NoPosition(t *testing.T) {
	env := newTestEnv(t, execution.ModeSimulated)
	w := env.do(t, "POST", "/api/v1/positions/BTCUSDT/evaluate", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestEvaluatePosition_NoAction(t *testing.T) {
	env := newTestEnv(t, execution.ModeSimulated)
	env.do(t, "POST", "/api/v1/signals", buySignal(true))

	w := env.do(t, "POST", "/api/v1/positions/BTCUSDT/evaluate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp trade.EvaluateResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Action != nil || resp.Position == nil {
		t.Errorf("flat price should yield no action: %s", w.Body.String())
	}
}

// --- Ledger tests ---

func TestListOrders(t *testing.T) {
	env := newTestEnv(t, execution.ModeSimulated)
	env.do(t, "POST", "/api/v1/signals", buySignal(true))

	w := env.do(t, "GET", "/api/v1/orders?symbol=BTCUSDT&limit=10", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var orders []model.OrderResult
	json.Unmarshal(w.Body.Bytes(), &orders)
	if len(orders) != 1 || orders[0].Side != model.SideBuy || orders[0].ClientOrderID == "" {
		t.Errorf("orders = %s", w.Body.String())
	}

	if w := env.do(t, "GET", "/api/v1/orders?limit=-1", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/orders?symbol=nope", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad symbol: expected 400, got %d", w.Code)
	}
}

// --- Kill switch tests ---

func TestKillSwitch_BlocksLiveEntries(t *testing.T) {
	env := newTestEnv(t, execution.ModeLive)

	w := env.do(t, "GET", "/api/v1/kill-switch", nil)
	var state trade.KillSwitchResponse
	json.Unmarshal(w.Body.Bytes(), &state)
	if state.Engaged || state.Mode != execution.ModeLive {
		t.Fatalf("initial state = %+v", state)
	}

	if w := env.do(t, "PUT", "/api/v1/kill-switch", "{}"); w.Code != http.StatusBadRequest {
		t.Errorf("missing engaged: expected 400, got %d", w.Code)
	}

	w = env.do(t, "PUT", "/api/v1/kill-switch", map[string]bool{"engaged": true})
	json.Unmarshal(w.Body.Bytes(), &state)
	if w.Code != http.StatusOK || !state.Engaged {
		t.Fatalf("engage = %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, "POST", "/api/v1/signals", buySignal(true))
	if w.Code != http.StatusConflict {
		t.Errorf("entry with kill switch: expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if _, ok := env.eng.Position("BTCUSDT"); ok {
		t.Error("position opened despite kill switch")
	}

	env.do(t, "PUT", "/api/v1/kill-switch", map[string]bool{"engaged": false})
	w = env.do(t, "POST", "/api/v1/signals", buySignal(true))
	if w.Code != http.StatusOK {
		t.Errorf("entry after release: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

// --- WebSocket tests ---

func TestWSHub_BroadcastsEngineEvents(t *testing.T) {
	hub := trade.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.Clients() != 1 {
		t.Fatalf("clients = %d, want 1", hub.Clients())
	}

	hub.Notify(engine.Event{Type: engine.EventPositionClosed, Symbol: "BTCUSDT", Reason: "stop_loss"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg trade.WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != engine.EventPositionClosed || msg.Symbol != "BTCUSDT" || msg.Reason != "stop_loss" {
		t.Errorf("message = %s", data)
	}
}
