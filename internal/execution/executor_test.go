package execution_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/exec-engine/internal/errs"
	"github.com/atmx/exec-engine/internal/execution"
	"github.com/atmx/exec-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- fakes ---

type fakeBroker struct {
	mu sync.Mutex

	// create is called for every CreateOrder with the zero-based call index.
	create func(n int, in model.OrderIntent) (model.BrokerOrder, error)
	// get is called for every GetOrder with the zero-based call index.
	get func(n int) (model.BrokerOrder, error)
	// recent returns the recent orders given every intent submitted so far.
	recent func(intents []model.OrderIntent) []model.BrokerOrder

	quote    model.Quote
	quoteErr error
	filters  model.SymbolFilters

	intents     []model.OrderIntent
	getCalls    int
	recentCalls int
}

func (b *fakeBroker) CreateOrder(_ context.Context, in model.OrderIntent) (model.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.intents)
	b.intents = append(b.intents, in)
	return b.create(n, in)
}

func (b *fakeBroker) GetOrder(_ context.Context, _ string, _ int64, _ string) (model.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.getCalls
	b.getCalls++
	if b.get == nil {
		return model.BrokerOrder{}, errors.New("not scripted")
	}
	return b.get(n)
}

func (b *fakeBroker) RecentOrders(_ context.Context, _ string, _ int) ([]model.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recentCalls++
	if b.recent == nil {
		return nil, nil
	}
	return b.recent(b.intents), nil
}

func (b *fakeBroker) BookTicker(context.Context, string) (model.Quote, error) {
	return b.quote, b.quoteErr
}

func (b *fakeBroker) SymbolFilters(_ context.Context, symbol string) (model.SymbolFilters, error) {
	f := b.filters
	f.Symbol = symbol
	return f, nil
}

func (b *fakeBroker) creates() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.intents)
}

type fakeMarket struct {
	price    decimal.Decimal
	klines   []model.Kline
	klineErr error
}

func (m *fakeMarket) CurrentPrice(context.Context, string) (decimal.Decimal, error) {
	return m.price, nil
}

func (m *fakeMarket) Klines(context.Context, string, string, int) ([]model.Kline, error) {
	return m.klines, m.klineErr
}

type fakeJournal struct {
	rows []model.OrderResult
}

func (j *fakeJournal) RecordOrder(_ context.Context, r model.OrderResult) error {
	j.rows = append(j.rows, r)
	return nil
}

type fakeClock struct {
	t      time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	return nil
}

var errReset = &errs.NetworkError{Op: "create order", Err: errors.New("connection reset by peer")}

func filled(in model.OrderIntent, price, qty float64) model.BrokerOrder {
	return model.BrokerOrder{
		Symbol:        in.Symbol,
		OrderID:       42,
		ClientOrderID: in.ClientOrderID,
		Side:          in.Side,
		Status:        model.BrokerStatusFilled,
		ExecutedQty:   d(qty),
		Fills: []model.Fill{
			{Price: d(price), Qty: d(qty), Commission: d(0.0001), CommissionAsset: "BNB"},
		},
	}
}

type harness struct {
	broker  *fakeBroker
	market  *fakeMarket
	journal *fakeJournal
	clock   *fakeClock
	kill    *execution.KillSwitch
	exec    *execution.Executor
}

func newHarness(t *testing.T, mode string, mutate func(*execution.Config)) *harness {
	t.Helper()
	h := &harness{
		broker: &fakeBroker{
			create: func(_ int, in model.OrderIntent) (model.BrokerOrder, error) {
				return filled(in, 100, 0.5), nil
			},
			quote: model.Quote{Bid: d(100), Ask: d(100.01)},
			filters: model.SymbolFilters{
				StepSize:    d(0.001),
				MinQty:      d(0.01),
				MinNotional: d(10),
				TickSize:    d(0.01),
			},
		},
		market: &fakeMarket{
			price:  d(100),
			klines: []model.Kline{{Close: d(100), ATR: d(2)}},
		},
		journal: &fakeJournal{},
		clock:   &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		kill:    execution.NewKillSwitch(false),
	}
	cfg := execution.DefaultConfig()
	cfg.Mode = mode
	if mutate != nil {
		mutate(&cfg)
	}
	ex, err := execution.NewExecutor(cfg, h.broker, h.market, h.kill,
		execution.WithClock(h.clock.Now),
		execution.WithSleep(h.clock.Sleep),
		execution.WithJitter(func(time.Duration) time.Duration { return 0 }),
		execution.WithJournal(h.journal),
	)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	h.exec = ex
	return h
}

func openPosition(t *testing.T) model.Position {
	t.Helper()
	return model.NewPosition("BTCUSDT", model.PositionLeg{
		Timestamp: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Side:      model.SideBuy,
		Qty:       d(0.12345),
		Price:     d(100),
	}, d(95), d(110))
}

// --- construction ---

func TestNewExecutor_InvalidMode(t *testing.T) {
	cfg := execution.DefaultConfig()
	cfg.Mode = "PAPER"
	_, err := execution.NewExecutor(cfg, &fakeBroker{}, &fakeMarket{}, nil)
	if !errors.Is(err, errs.ErrInvalidMode) {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}
	if !errs.IsConfiguration(err) {
		t.Errorf("expected ConfigurationError, got %T", err)
	}
}

// --- buy ---

func TestPlaceBuy_KillSwitchBlocksLive(t *testing.T) {
	h := newHarness(t, execution.ModeLive, nil)
	h.kill.Set(true)

	pos, err := h.exec.PlaceBuy(context.Background(), execution.BuyRequest{Symbol: "BTCUSDT", Notional: d(100)})
	if pos != nil {
		t.Fatal("expected no position")
	}
	if !errors.Is(err, errs.ErrKillSwitch) {
		t.Fatalf("expected ErrKillSwitch, got %v", err)
	}
	if !errs.IsOrder(err) || !errs.IsConfiguration(err) {
		t.Errorf("expected OrderError wrapping ConfigurationError, got %v", err)
	}
	if n := h.broker.creates(); n != 0 {
		t.Errorf("CreateOrder called %d times, want 0", n)
	}
}

func TestPlaceBuy_KillSwitchIgnoredInSimulated(t *testing.T) {
	h := newHarness(t, execution.ModeSimulated, nil)
	h.kill.Set(true)

	if _, err := h.exec.PlaceBuy(context.Background(), execution.BuyRequest{Symbol: "BTCUSDT", Notional: d(100)}); err != nil {
		t.Fatalf("simulated mode should ignore the kill switch: %v", err)
	}
}

func TestPlaceBuy_SlippageRejected(t *testing.T) {
	h := newHarness(t, execution.ModeLive, func(c *execution.Config) { c.MaxSlippageBps = d(5) })
	h.broker.quote = model.Quote{Bid: d(100), Ask: d(101)}

	_, err := h.exec.PlaceBuy(context.Background(), execution.BuyRequest{Symbol: "BTCUSDT", Notional: d(100)})
	if !errs.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if n := h.broker.creates(); n != 0 {
		t.Errorf("CreateOrder called %d times, want 0", n)
	}
}

func TestPlaceBuy_SlippageSkippedInSimulated(t *testing.T) {
	h := newHarness(t, execution.ModeSimulated, func(c *execution.Config) { c.MaxSlippageBps = d(5) })
	h.broker.quote = model.Quote{Bid: d(100), Ask: d(101)}

	if _, err := h.exec.PlaceBuy(context.Background(), execution.BuyRequest{Symbol: "BTCUSDT", Notional: d(100)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPlaceBuy_QuoteFailureFailsOpen(t *testing.T) {
	h := newHarness(t, execution.ModeLive, nil)
	h.broker.quoteErr = errors.New("ticker unavailable")

	if _, err := h.exec.PlaceBuy(context.Background(), execution.BuyRequest{Symbol: "BTCUSDT", Notional: d(100)}); err != nil {
		t.Fatalf("missing quote should not block: %v", err)
	}
}

func TestPlaceBuy_BelowMinimum(t *testing.T) {
	h := newHarness(t, execution.ModeSimulated, nil)

	_, err := h.exec.PlaceBuy(context.Background(), execution.BuyRequest{Symbol: "BTCUSDT", Notional: d(5)})
	if !errs.IsValidation(err) || !errors.Is(err, errs.ErrBelowMinimum) {
		t.Fatalf("expected ValidationError(ErrBelowMinimum), got %v", err)
	}
	if n := h.broker.creates(); n != 0 {
		t.Errorf("CreateOrder called %d times, want 0", n)
	}
}

func TestPlaceBuy_NewPosition(t *testing.T) {
	h := newHarness(t, execution.ModeSimulated, nil)
	h.broker.create = func(_ int, in model.OrderIntent) (model.BrokerOrder, error) {
		return model.BrokerOrder{
			Symbol:        in.Symbol,
			OrderID:       7,
			ClientOrderID: in.ClientOrderID,
			Status:        model.BrokerStatusFilled,
			ExecutedQty:   d(0.03),
			Fills: []model.Fill{
				{Price: d(100), Qty: d(0.01)},
				{Price: d(102), Qty: d(0.02)},
			},
		}, nil
	}

	pos, err := h.exec.PlaceBuy(context.Background(), execution.BuyRequest{Symbol: "BTCUSDT", Notional: d(50)})
	if err != nil {
		t.Fatalf("place buy: %v", err)
	}
	if pos == nil {
		t.Fatal("expected a position")
	}
	if !pos.Qty.Equal(d(0.03)) {
		t.Errorf("qty = %s, want 0.03", pos.Qty)
	}
	if pos.EntryPrice.Sub(d(101.3333)).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("entry = %s, want ≈101.3333", pos.EntryPrice)
	}
	fillPrice := pos.Legs[0].Price
	// k_sl 1.5 * ATR 2 = 3; rr 2 → +6
	if !pos.StopPrice.Equal(fillPrice.Sub(d(3))) {
		t.Errorf("stop = %s, want %s", pos.StopPrice, fillPrice.Sub(d(3)))
	}
	if !pos.TakeProfit.Equal(fillPrice.Add(d(6))) {
		t.Errorf("take profit = %s, want %s", pos.TakeProfit, fillPrice.Add(d(6)))
	}
	if !pos.TrailingStopPrice.Equal(pos.StopPrice) {
		t.Errorf("trailing stop should start at the bracket stop")
	}
	if pos.Legs[0].OrderID != "7" || pos.Legs[0].Reason != model.ReasonEntry {
		t.Errorf("unexpected leg %+v", pos.Legs[0])
	}
	if len(h.journal.rows) != 1 || h.journal.rows[0].Status != model.ResultFilled {
		t.Errorf("expected one FILLED ledger row, got %+v", h.journal.rows)
	}
}

func TestPlaceBuy_FallbackBracket(t *testing.T) {
	h := newHarness(t, execution.ModeSimulated, nil)
	h.market.klineErr = errors.New("no data")

	pos, err := h.exec.PlaceBuy(context.Background(), execution.BuyRequest{Symbol: "BTCUSDT", Notional: d(50)})
	if err != nil {
		t.Fatalf("place buy: %v", err)
	}
	if !pos.StopPrice.Equal(d(95)) || !pos.TakeProfit.Equal(d(105)) {
		t.Errorf("fallback bracket = %s / %s, want 95 / 105", pos.StopPrice, pos.TakeProfit)
	}
}

func TestPlaceBuy_MergesIntoExisting(t *testing.T) {
	h := newHarness(t, execution.ModeSimulated, nil)
	existing := openPosition(t)

	pos, err := h.exec.PlaceBuy(context.Background(), execution.BuyRequest{
		Symbol:   "BTCUSDT",
		Notional: d(50),
		Existing: &existing,
		Reason:   model.ReasonPyramid,
	})
	if err != nil {
		t.Fatalf("place buy: %v", err)
	}
	if len(pos.Legs) != 2 || pos.Legs[1].Reason != model.ReasonPyramid {
		t.Fatalf("expected a merged pyramid leg, got %+v", pos.Legs)
	}
	if !pos.StopPrice.Equal(existing.StopPrice) {
		t.Errorf("merge should keep the original stop, got %s", pos.StopPrice)
	}
	if len(existing.Legs) != 1 {
		t.Error("existing position must not be mutated")
	}
	if !pos.Qty.Equal(d(0.62345)) {
		t.Errorf("qty = %s, want 0.62345", pos.Qty)
	}
}

func TestPlaceBuy_ReconcilesAfterTransportFailure(t *testing.T) {
	h := newHarness(t, execution.ModeLive, nil)
	h.broker.create = func(int, model.OrderIntent) (model.BrokerOrder, error) {
		return model.BrokerOrder{}, errReset
	}
	// The request reached the exchange and filled; only the response was lost.
	h.broker.recent = func(intents []model.OrderIntent) []model.BrokerOrder {
		return []model.BrokerOrder{
			{ClientOrderID: "someone-else", Status: model.BrokerStatusFilled},
			filled(intents[0], 100, 0.5),
		}
	}

	pos, err := h.exec.PlaceBuy(context.Background(), execution.BuyRequest{Symbol: "BTCUSDT", Notional: d(50)})
	if err != nil {
		t.Fatalf("place buy: %v", err)
	}
	if pos == nil || !pos.Qty.Equal(d(0.5)) {
		t.Fatalf("expected one 0.5 position, got %+v", pos)
	}
	if n := h.broker.creates(); n != 1 {
		t.Errorf("CreateOrder called %d times, want exactly 1", n)
	}
	if len(h.clock.sleeps) != 0 {
		t.Errorf("adopted order should not wait for a retry, slept %v", h.clock.sleeps)
	}
}

func TestPlaceBuy_RetriesWithSameKey(t *testing.T) {
	h := newHarness(t, execution.ModeSimulated, nil)
	h.broker.create = func(n int, in model.OrderIntent) (model.BrokerOrder, error) {
		if n < 2 {
			return model.BrokerOrder{}, errReset
		}
		return filled(in, 100, 0.5), nil
	}

	if _, err := h.exec.PlaceBuy(context.Background(), execution.BuyRequest{Symbol: "BTCUSDT", Notional: d(50)}); err != nil {
		t.Fatalf("place buy: %v", err)
	}
	if n := h.broker.creates(); n != 3 {
		t.Fatalf("CreateOrder called %d times, want 3", n)
	}
	key := h.broker.intents[0].ClientOrderID
	for i, in := range h.broker.intents {
		if in.ClientOrderID != key {
			t.Errorf("attempt %d used key %s, want %s", i, in.ClientOrderID, key)
		}
	}
	if h.broker.recentCalls != 2 {
		t.Errorf("expected a lookup after each failure, got %d", h.broker.recentCalls)
	}
	want := []time.Duration{500 * time.Millisecond, 750 * time.Millisecond}
	if len(h.clock.sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", h.clock.sleeps, want)
	}
	for i := range want {
		if h.clock.sleeps[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, h.clock.sleeps[i], want[i])
		}
	}
}

func TestPlaceBuy_RetriesExhausted(t *testing.T) {
	h := newHarness(t, execution.ModeSimulated, nil)
	h.broker.create = func(int, model.OrderIntent) (model.BrokerOrder, error) {
		return model.BrokerOrder{}, errReset
	}

	pos, err := h.exec.PlaceBuy(context.Background(), execution.BuyRequest{Symbol: "BTCUSDT", Notional: d(50)})
	if pos != nil {
		t.Fatal("expected no position")
	}
	if !errors.Is(err, errs.ErrNoResponse) || !errs.IsOrder(err) {
		t.Fatalf("expected OrderError(ErrNoResponse), got %v", err)
	}
	if n := h.broker.creates(); n != 4 {
		t.Errorf("CreateOrder called %d times, want 4", n)
	}
	if len(h.journal.rows) != 0 {
		t.Error("nothing should be recorded without a broker response")
	}
}

func TestPlaceBuy_RejectionNotRetried(t *testing.T) {
	h := newHarness(t, execution.ModeSimulated, nil)
	h.broker.create = func(int, model.OrderIntent) (model.BrokerOrder, error) {
		return model.BrokerOrder{}, errors.New("insufficient balance")
	}

	_, err := h.exec.PlaceBuy(context.Background(), execution.BuyRequest{Symbol: "BTCUSDT", Notional: d(50)})
	if !errs.IsOrder(err) {
		t.Fatalf("expected OrderError, got %v", err)
	}
	if n := h.broker.creates(); n != 1 {
		t.Errorf("CreateOrder called %d times, want 1", n)
	}
}

func TestPlaceBuy_PollsUntilFilled(t *testing.T) {
	h := newHarness(t, execution.ModeSimulated, nil)
	h.broker.create = func(_ int, in model.OrderIntent) (model.BrokerOrder, error) {
		return model.BrokerOrder{Symbol: in.Symbol, OrderID: 9, ClientOrderID: in.ClientOrderID, Status: model.BrokerStatusNew}, nil
	}
	h.broker.get = func(n int) (model.BrokerOrder, error) {
		if n == 0 {
			return model.BrokerOrder{OrderID: 9, Status: model.BrokerStatusPartiallyFilled, ExecutedQty: d(0.2), CumulativeQuoteQty: d(20)}, nil
		}
		return model.BrokerOrder{OrderID: 9, Status: model.BrokerStatusFilled, ExecutedQty: d(0.5), CumulativeQuoteQty: d(50.5)}, nil
	}

	pos, err := h.exec.PlaceBuy(context.Background(), execution.BuyRequest{Symbol: "BTCUSDT", Notional: d(50)})
	if err != nil {
		t.Fatalf("place buy: %v", err)
	}
	if h.broker.getCalls != 2 {
		t.Errorf("GetOrder called %d times, want 2", h.broker.getCalls)
	}
	if !pos.Qty.Equal(d(0.5)) || !pos.EntryPrice.Equal(d(101)) {
		t.Errorf("got qty=%s entry=%s, want 0.5 @ 101", pos.Qty, pos.EntryPrice)
	}
}

func TestPlaceBuy_TimeoutFinalLookupCatchesLateFill(t *testing.T) {
	h := newHarness(t, execution.ModeSimulated, func(c *execution.Config) {
		c.OrderTimeout = 2 * time.Second
	})
	h.broker.create = func(_ int, in model.OrderIntent) (model.BrokerOrder, error) {
		return model.BrokerOrder{Symbol: in.Symbol, OrderID: 9, ClientOrderID: in.ClientOrderID, Status: model.BrokerStatusNew}, nil
	}
	h.broker.get = func(int) (model.BrokerOrder, error) {
		return model.BrokerOrder{OrderID: 9, Status: model.BrokerStatusNew}, nil
	}
	h.broker.recent = func(intents []model.OrderIntent) []model.BrokerOrder {
		return []model.BrokerOrder{filled(intents[0], 100, 0.5)}
	}

	pos, err := h.exec.PlaceBuy(context.Background(), execution.BuyRequest{Symbol: "BTCUSDT", Notional: d(50)})
	if err != nil {
		t.Fatalf("a late fill found by the final lookup is a success: %v", err)
	}
	if !pos.Qty.Equal(d(0.5)) {
		t.Errorf("qty = %s, want 0.5", pos.Qty)
	}
	if h.broker.getCalls != 4 {
		t.Errorf("GetOrder called %d times, want 4 (2s / 500ms)", h.broker.getCalls)
	}
	if h.broker.recentCalls != 1 {
		t.Errorf("expected one final lookup, got %d", h.broker.recentCalls)
	}
	if h.journal.rows[0].Status != model.ResultFilled {
		t.Errorf("status = %s, want FILLED", h.journal.rows[0].Status)
	}
}

func TestPlaceBuy_TimeoutPartialAccepted(t *testing.T) {
	h := newHarness(t, execution.ModeSimulated, func(c *execution.Config) {
		c.OrderTimeout = time.Second
	})
	h.broker.create = func(_ int, in model.OrderIntent) (model.BrokerOrder, error) {
		return model.BrokerOrder{Symbol: in.Symbol, OrderID: 9, ClientOrderID: in.ClientOrderID, Status: model.BrokerStatusNew}, nil
	}
	h.broker.get = func(int) (model.BrokerOrder, error) {
		return model.BrokerOrder{OrderID: 9, Status: model.BrokerStatusPartiallyFilled, ExecutedQty: d(0.2), CumulativeQuoteQty: d(20)}, nil
	}

	pos, err := h.exec.PlaceBuy(context.Background(), execution.BuyRequest{Symbol: "BTCUSDT", Notional: d(50)})
	if err != nil {
		t.Fatalf("partial fill is a valid outcome: %v", err)
	}
	if !pos.Qty.Equal(d(0.2)) {
		t.Errorf("qty = %s, want 0.2", pos.Qty)
	}
	if h.journal.rows[0].Status != model.ResultPartial {
		t.Errorf("status = %s, want PARTIAL", h.journal.rows[0].Status)
	}
}

func TestPlaceBuy_ZeroFill(t *testing.T) {
	h := newHarness(t, execution.ModeSimulated, nil)
	h.broker.create = func(_ int, in model.OrderIntent) (model.BrokerOrder, error) {
		return model.BrokerOrder{Symbol: in.Symbol, OrderID: 9, ClientOrderID: in.ClientOrderID, Status: model.BrokerStatusExpired}, nil
	}

	pos, err := h.exec.PlaceBuy(context.Background(), execution.BuyRequest{Symbol: "BTCUSDT", Notional: d(50)})
	if pos != nil {
		t.Fatal("zero fill must not create a position")
	}
	if !errors.Is(err, errs.ErrZeroFill) || !errs.IsOrder(err) {
		t.Fatalf("expected OrderError(ErrZeroFill), got %v", err)
	}
	if len(h.journal.rows) != 1 || h.journal.rows[0].Status != model.ResultRejected {
		t.Errorf("expected the outcome in the ledger as REJECTED, got %+v", h.journal.rows)
	}
}

// --- sell ---

func TestPlaceSell_ValidationBeforeNetwork(t *testing.T) {
	tests := []struct {
		name    string
		partial bool
		qty     float64
		price   float64
	}{
		{"below lot minimum after rounding", true, 0.0099, 100},
		{"below min notional", true, 0.05, 100},
		{"exceeds held quantity", true, 1, 100},
		{"full sell below min notional", false, 0, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, execution.ModeLive, nil)
			h.market.price = d(tt.price)
			pos := openPosition(t)
			if !tt.partial {
				pos = model.NewPosition("BTCUSDT", model.PositionLeg{Timestamp: h.clock.t, Side: model.SideBuy, Qty: d(0.1), Price: d(100)}, d(95), d(110))
			}

			_, err := h.exec.PlaceSell(context.Background(), execution.SellRequest{
				Symbol:   "BTCUSDT",
				Position: pos,
				Partial:  tt.partial,
				Qty:      d(tt.qty),
			})
			if !errs.IsValidation(err) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if n := h.broker.creates(); n != 0 {
				t.Errorf("CreateOrder called %d times, want 0", n)
			}
		})
	}
}

func TestPlaceSell_NoPosition(t *testing.T) {
	h := newHarness(t, execution.ModeSimulated, nil)

	_, err := h.exec.PlaceSell(context.Background(), execution.SellRequest{Symbol: "BTCUSDT", Position: model.Position{Symbol: "BTCUSDT"}})
	if !errors.Is(err, errs.ErrNoPosition) {
		t.Fatalf("expected ErrNoPosition, got %v", err)
	}
}

func TestPlaceSell_FullRoundsDownAndCloses(t *testing.T) {
	h := newHarness(t, execution.ModeSimulated, nil)
	h.broker.create = func(_ int, in model.OrderIntent) (model.BrokerOrder, error) {
		return filled(in, 105, in.Quantity.InexactFloat64()), nil
	}

	pos, err := h.exec.PlaceSell(context.Background(), execution.SellRequest{Symbol: "BTCUSDT", Position: openPosition(t)})
	if err != nil {
		t.Fatalf("place sell: %v", err)
	}
	if pos != nil {
		t.Errorf("full sell should remove the position, got %+v", pos)
	}
	if got := h.broker.intents[0].Quantity; !got.Equal(d(0.123)) {
		t.Errorf("sent qty %s, want 0.123 (rounded down to step)", got)
	}
	if h.broker.intents[0].Reason != model.ReasonExit {
		t.Errorf("reason = %s, want exit", h.broker.intents[0].Reason)
	}
}

func TestPlaceSell_FullPartiallyFilledKeepsRemainder(t *testing.T) {
	h := newHarness(t, execution.ModeSimulated, nil)
	h.broker.create = func(_ int, in model.OrderIntent) (model.BrokerOrder, error) {
		o := filled(in, 104, 0.05)
		o.Status = model.BrokerStatusExpired
		return o, nil
	}

	pos, err := h.exec.PlaceSell(context.Background(), execution.SellRequest{
		Symbol:   "BTCUSDT",
		Position: openPosition(t),
		Reason:   "stop_loss",
	})
	if err != nil {
		t.Fatalf("place sell: %v", err)
	}
	if pos == nil {
		t.Fatal("unsold units must stay on the book")
	}
	if !pos.Qty.Equal(d(0.07345)) {
		t.Errorf("qty = %s, want 0.07345", pos.Qty)
	}
	if pos.Status != model.StatusActive {
		t.Errorf("status = %s, want active", pos.Status)
	}
	if len(pos.PartialExits) != 1 || pos.PartialExits[0].Reason != "stop_loss" || !pos.PartialExits[0].Price.Equal(d(104)) {
		t.Errorf("exit legs = %+v", pos.PartialExits)
	}
	if len(h.journal.rows) != 1 {
		t.Errorf("journal rows = %d, want 1", len(h.journal.rows))
	}
}

func TestPlaceSell_Partial(t *testing.T) {
	h := newHarness(t, execution.ModeSimulated, nil)
	h.broker.create = func(_ int, in model.OrderIntent) (model.BrokerOrder, error) {
		return filled(in, 106, in.Quantity.InexactFloat64()), nil
	}
	orig := openPosition(t)

	pos, err := h.exec.PlaceSell(context.Background(), execution.SellRequest{
		Symbol:   "BTCUSDT",
		Position: orig,
		Partial:  true,
		Qty:      d(0.1),
		Reason:   "partial_exit_level_1",
	})
	if err != nil {
		t.Fatalf("place sell: %v", err)
	}
	if pos == nil {
		t.Fatal("partial sell should keep the position")
	}
	if !pos.Qty.Equal(d(0.02345)) {
		t.Errorf("qty = %s, want 0.02345", pos.Qty)
	}
	if !pos.HasPartialExit("partial_exit_level_1") {
		t.Error("partial exit leg not recorded")
	}
	if !pos.EntryPrice.Equal(d(100)) {
		t.Errorf("partial exit must not move the entry price, got %s", pos.EntryPrice)
	}
	if len(orig.PartialExits) != 0 {
		t.Error("input position must not be mutated")
	}
}

func TestPlaceSell_KillSwitch(t *testing.T) {
	h := newHarness(t, execution.ModeLive, nil)
	h.kill.Set(true)

	_, err := h.exec.PlaceSell(context.Background(), execution.SellRequest{Symbol: "BTCUSDT", Position: openPosition(t)})
	if !errors.Is(err, errs.ErrKillSwitch) {
		t.Fatalf("expected ErrKillSwitch, got %v", err)
	}
}

func TestPoll_KillSwitchStopsPolling(t *testing.T) {
	h := newHarness(t, execution.ModeLive, nil)
	h.broker.create = func(_ int, in model.OrderIntent) (model.BrokerOrder, error) {
		return model.BrokerOrder{Symbol: in.Symbol, OrderID: 9, ClientOrderID: in.ClientOrderID, Status: model.BrokerStatusNew}, nil
	}
	h.broker.get = func(int) (model.BrokerOrder, error) {
		h.kill.Set(true)
		return model.BrokerOrder{OrderID: 9, Status: model.BrokerStatusPartiallyFilled, ExecutedQty: d(0.2), CumulativeQuoteQty: d(20)}, nil
	}

	pos, err := h.exec.PlaceBuy(context.Background(), execution.BuyRequest{Symbol: "BTCUSDT", Notional: d(50)})
	if err != nil {
		t.Fatalf("best-known partial fill should be kept: %v", err)
	}
	if h.broker.getCalls != 1 {
		t.Errorf("GetOrder called %d times, want 1", h.broker.getCalls)
	}
	if !pos.Qty.Equal(d(0.2)) {
		t.Errorf("qty = %s, want 0.2", pos.Qty)
	}
}
