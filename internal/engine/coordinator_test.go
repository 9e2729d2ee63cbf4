package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engerrors "github.com/deep-research/execution-engine/internal/errors"
	"github.com/deep-research/execution-engine/internal/exchange"
	"github.com/deep-research/execution-engine/internal/risk"
	"github.com/deep-research/execution-engine/internal/store"
	"github.com/deep-research/execution-engine/pkg/types"
)

// fakeVenue implements the connector contract plus both optional
// capabilities, with programmable failures.
type fakeVenue struct {
	mu          sync.Mutex
	seq         int
	placeCalls  []exchange.OrderRequest
	placeErr    error
	avgPrice    float64
	book        *types.Orderbook
	bookErr     error
	equity      float64
	validateErr error
	validations int
}

func (f *fakeVenue) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeCalls = append(f.placeCalls, req)
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	f.seq++
	return &exchange.OrderResult{
		OrderID:  fmt.Sprintf("ord-%d", f.seq),
		Status:   exchange.OrderStatusFilled,
		AvgPrice: f.avgPrice,
	}, nil
}

func (f *fakeVenue) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }

func (f *fakeVenue) GetOrderbook(ctx context.Context, symbol string, depth int) (*types.Orderbook, error) {
	if f.bookErr != nil {
		return nil, f.bookErr
	}
	if f.book != nil {
		return f.book, nil
	}
	return &types.Orderbook{
		Symbol: symbol,
		Bids:   []types.PriceLevel{{Price: 99.9, Quantity: 10}},
		Asks:   []types.PriceLevel{{Price: 100.1, Quantity: 10}},
	}, nil
}

func (f *fakeVenue) GetAccount(ctx context.Context) (*exchange.AccountBalances, error) {
	if f.equity <= 0 {
		return nil, errors.New("balances unavailable")
	}
	return &exchange.AccountBalances{Equity: f.equity}, nil
}

func (f *fakeVenue) ValidateAPIKey(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validations++
	return f.validateErr
}

func (f *fakeVenue) placeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placeCalls)
}

func modePtr(m types.ExecutionMode) *types.ExecutionMode { return &m }
func f64Ptr(v float64) *float64                          { return &v }
func bPtr(v bool) *bool                                  { return &v }

// newTestCoordinator seeds a file store with an enabled account in the given
// mode and a 1000 equity snapshot, then builds a coordinator over it.
func newTestCoordinator(t *testing.T, mode types.ExecutionMode, update *types.ConfigUpdate) (*Coordinator, *store.FileStore) {
	t.Helper()

	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	base := &types.ConfigUpdate{
		Enabled:        bPtr(true),
		Mode:           modePtr(mode),
		EquitySnapshot: f64Ptr(1000),
	}
	cfg, err := st.SaveConfig(context.Background(), "acct-1", base)
	require.NoError(t, err)
	if update != nil {
		cfg, err = st.SaveConfig(context.Background(), "acct-1", update)
		require.NoError(t, err)
	}

	return NewCoordinator(cfg, st, nil, nil, nil), st
}

func signal(requestID, symbol string) *types.TradeSignal {
	return &types.TradeSignal{
		RequestID:  requestID,
		Symbol:     symbol,
		Direction:  types.DirectionBuy,
		EntryPrice: 100,
		Accuracy:   0.9,
		Timestamp:  time.Now(),
	}
}

func rejectionReason(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	rej, ok := engerrors.AsRiskRejection(err)
	require.True(t, ok, "expected a risk rejection, got %v", err)
	return rej.Reason
}

func auditTypes(t *testing.T, st *store.FileStore) []string {
	t.Helper()
	events, err := st.ReadAudit("acct-1", 0)
	require.NoError(t, err)
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.EventType)
	}
	return out
}

func TestExecute_SimulationFillsWithoutVenue(t *testing.T) {
	// No connector and no factory: a simulated trade must never need one.
	c, st := newTestCoordinator(t, types.ModeSimulation, nil)

	exec, err := c.Execute(context.Background(), signal("req-1", "BTCUSDT"))
	require.NoError(t, err)

	assert.Equal(t, types.StatusFilled, exec.Status)
	assert.InDelta(t, 100.0, exec.FillPrice, 1e-9)
	assert.Equal(t, types.ModeSimulation, exec.Mode)
	// quantity = floor((1000*1%)/(100*1.5%)*100)/100 = 6.66
	assert.InDelta(t, 6.66, exec.Quantity, 1e-9)
	assert.Len(t, c.ActiveTrades(), 1)

	assert.Contains(t, auditTypes(t, st), store.EventTradeExecuted)
}

func TestExecute_DuplicateRequestRejected(t *testing.T) {
	c, st := newTestCoordinator(t, types.ModeSimulation, nil)

	_, err := c.Execute(context.Background(), signal("req-1", "BTCUSDT"))
	require.NoError(t, err)

	// Same request ID, different symbol: still a replay.
	_, err = c.Execute(context.Background(), signal("req-1", "ETHUSDT"))
	assert.Equal(t, risk.ReasonDuplicate, rejectionReason(t, err))
	assert.Len(t, c.ActiveTrades(), 1)
	assert.Contains(t, auditTypes(t, st), store.EventTradeRejected)
}

func TestExecute_MaxConcurrentTrades(t *testing.T) {
	c, _ := newTestCoordinator(t, types.ModeSimulation, &types.ConfigUpdate{
		MaxConcurrentTrades: func() *int { v := 2; return &v }(),
	})
	ctx := context.Background()

	_, err := c.Execute(ctx, signal("req-1", "BTCUSDT"))
	require.NoError(t, err)
	_, err = c.Execute(ctx, signal("req-2", "ETHUSDT"))
	require.NoError(t, err)

	_, err = c.Execute(ctx, signal("req-3", "SOLUSDT"))
	assert.Equal(t, risk.ReasonMaxConcurrent, rejectionReason(t, err))
}

func TestExecute_OnePositionPerSymbol(t *testing.T) {
	c, _ := newTestCoordinator(t, types.ModeSimulation, nil)
	ctx := context.Background()

	_, err := c.Execute(ctx, signal("req-1", "BTCUSDT"))
	require.NoError(t, err)

	_, err = c.Execute(ctx, signal("req-2", "BTCUSDT"))
	assert.Equal(t, risk.ReasonPositionExists, rejectionReason(t, err))
}

func TestExecute_ManualModeCancelsWithError(t *testing.T) {
	c, st := newTestCoordinator(t, types.ModeManual, nil)

	exec, err := c.Execute(context.Background(), signal("req-1", "BTCUSDT"))
	require.Error(t, err)
	require.NotNil(t, exec)

	assert.Equal(t, types.StatusCancelled, exec.Status)
	assert.Empty(t, c.ActiveTrades())
	assert.Contains(t, auditTypes(t, st), store.EventTradeRejected)

	// The held request still consumes its ID.
	_, err = c.Execute(context.Background(), signal("req-1", "BTCUSDT"))
	assert.Equal(t, risk.ReasonDuplicate, rejectionReason(t, err))
}

func TestExecute_AutoPlacesMarketOrder(t *testing.T) {
	venue := &fakeVenue{avgPrice: 100.05, equity: 2000}
	c, st := newTestCoordinator(t, types.ModeAuto, nil)
	c.SetConnector(venue)

	exec, err := c.Execute(context.Background(), signal("req-1", "BTCUSDT"))
	require.NoError(t, err)

	assert.Equal(t, types.StatusFilled, exec.Status)
	assert.Equal(t, "ord-1", exec.OrderID)
	assert.InDelta(t, 100.05, exec.FillPrice, 1e-9)
	// Live equity 2000 doubles the simulated quantity: 13.33.
	assert.InDelta(t, 13.33, exec.Quantity, 1e-9)

	require.Equal(t, 1, venue.placeCount())
	req := venue.placeCalls[0]
	assert.Equal(t, exchange.OrderTypeMarket, req.Type)
	assert.Equal(t, exchange.OrderSideBuy, req.Side)

	// The fetched equity was persisted as the new snapshot.
	cfg, err := st.LoadConfig(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.InDelta(t, 2000.0, cfg.EquitySnapshot, 1e-9)
}

func TestExecute_AutoFallsBackToSnapshotEquity(t *testing.T) {
	venue := &fakeVenue{avgPrice: 100} // equity unset: GetAccount fails
	c, _ := newTestCoordinator(t, types.ModeAuto, nil)
	c.SetConnector(venue)

	exec, err := c.Execute(context.Background(), signal("req-1", "BTCUSDT"))
	require.NoError(t, err)
	assert.InDelta(t, 6.66, exec.Quantity, 1e-9)
}

func TestExecute_AutoRejectsEmptyOrderbook(t *testing.T) {
	venue := &fakeVenue{equity: 1000, book: &types.Orderbook{Symbol: "BTCUSDT"}}
	c, st := newTestCoordinator(t, types.ModeAuto, nil)
	c.SetConnector(venue)

	exec, err := c.Execute(context.Background(), signal("req-1", "BTCUSDT"))
	require.Error(t, err)
	assert.Equal(t, engerrors.CategoryLiquidity, engerrors.CategoryOf(err))
	assert.Equal(t, types.StatusRejected, exec.Status)
	assert.Equal(t, 0, venue.placeCount())
	assert.Contains(t, auditTypes(t, st), store.EventTradeRejected)
}

func TestExecute_AutoRejectsBelowMinNotional(t *testing.T) {
	venue := &fakeVenue{equity: 1000}
	c, _ := newTestCoordinator(t, types.ModeAuto, &types.ConfigUpdate{
		MinNotional: f64Ptr(5000),
	})
	c.SetConnector(venue)

	_, err := c.Execute(context.Background(), signal("req-1", "BTCUSDT"))
	require.Error(t, err)
	assert.Equal(t, engerrors.CategorySizing, engerrors.CategoryOf(err))
	assert.Equal(t, 0, venue.placeCount())
}

func TestExecute_AutoOrderFailureRejects(t *testing.T) {
	venue := &fakeVenue{equity: 1000, placeErr: errors.New("venue down")}
	c, st := newTestCoordinator(t, types.ModeAuto, nil)
	c.SetConnector(venue)

	exec, err := c.Execute(context.Background(), signal("req-1", "BTCUSDT"))
	require.Error(t, err)
	assert.Equal(t, engerrors.CategoryExecution, engerrors.CategoryOf(err))
	assert.Equal(t, types.StatusRejected, exec.Status)
	assert.Empty(t, c.ActiveTrades())
	assert.Contains(t, auditTypes(t, st), store.EventTradeRejected)
}

func TestExecute_TransientVenueFailureKeepsRequestRetryable(t *testing.T) {
	venue := &fakeVenue{equity: 1000, bookErr: errors.New("venue timeout")}
	c, _ := newTestCoordinator(t, types.ModeAuto, nil)
	c.SetConnector(venue)
	ctx := context.Background()

	_, err := c.Execute(ctx, signal("req-1", "BTCUSDT"))
	require.Error(t, err)
	assert.Equal(t, engerrors.CategoryLiquidity, engerrors.CategoryOf(err))

	// The venue recovers; the same request ID must go through, not bounce
	// as a duplicate.
	venue.bookErr = nil
	exec, err := c.Execute(ctx, signal("req-1", "BTCUSDT"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, exec.Status)
}

func TestExecute_PlacedOrderFailureConsumesRequestID(t *testing.T) {
	venue := &fakeVenue{equity: 1000, placeErr: errors.New("venue down")}
	c, _ := newTestCoordinator(t, types.ModeAuto, nil)
	c.SetConnector(venue)
	ctx := context.Background()

	_, err := c.Execute(ctx, signal("req-1", "BTCUSDT"))
	require.Error(t, err)

	// The order reached the venue before failing, so replaying the ID is
	// rejected even though the venue is healthy again.
	venue.placeErr = nil
	_, err = c.Execute(ctx, signal("req-1", "BTCUSDT"))
	assert.Equal(t, risk.ReasonDuplicate, rejectionReason(t, err))
}

func TestExecute_ConcurrentSignalsRespectLimits(t *testing.T) {
	c, _ := newTestCoordinator(t, types.ModeSimulation, &types.ConfigUpdate{
		MaxConcurrentTrades: func() *int { v := 3; return &v }(),
	})
	ctx := context.Background()

	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT", "ADAUSDT", "DOGEUSDT"}
	const perSymbol = 4

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fills []*types.TradeExecution
	)
	for i := 0; i < len(symbols)*perSymbol; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			exec, err := c.Execute(ctx, signal(fmt.Sprintf("req-%d", i), symbols[i%len(symbols)]))
			if err == nil {
				mu.Lock()
				fills = append(fills, exec)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	// The concurrency cap holds under racing signals, and every winner is a
	// distinct symbol.
	active := c.ActiveTrades()
	assert.LessOrEqual(t, len(active), 3)
	assert.Equal(t, len(active), len(fills))

	seen := make(map[string]bool)
	for _, exec := range fills {
		assert.Equal(t, types.StatusFilled, exec.Status)
		assert.False(t, seen[exec.Symbol], "two fills for %s", exec.Symbol)
		seen[exec.Symbol] = true
	}
}

func TestExecute_ZeroEquityRejectsSizing(t *testing.T) {
	c, _ := newTestCoordinator(t, types.ModeSimulation, &types.ConfigUpdate{
		EquitySnapshot: f64Ptr(0),
	})

	_, err := c.Execute(context.Background(), signal("req-1", "BTCUSDT"))
	require.Error(t, err)
	assert.Equal(t, engerrors.CategorySizing, engerrors.CategoryOf(err))
}

func TestExecute_CircuitBreakerBlocks(t *testing.T) {
	c, st := newTestCoordinator(t, types.ModeSimulation, nil)
	c.Tracker().TripBreaker()

	_, err := c.Execute(context.Background(), signal("req-1", "BTCUSDT"))
	assert.Equal(t, risk.ReasonCircuitBreaker, rejectionReason(t, err))
	assert.Contains(t, auditTypes(t, st), store.EventTradeRejected)
}

func TestCloseTrade_SimulationRealizesPnL(t *testing.T) {
	c, st := newTestCoordinator(t, types.ModeSimulation, nil)
	ctx := context.Background()

	exec, err := c.Execute(ctx, signal("req-1", "BTCUSDT"))
	require.NoError(t, err)

	closed, err := c.CloseTrade(ctx, exec.TradeID, 102)
	require.NoError(t, err)

	// (102 - 100) * 6.66 = 13.32 profit.
	assert.InDelta(t, 13.32, closed.PnL, 1e-9)
	assert.InDelta(t, 102.0, closed.ExitPrice, 1e-9)
	assert.Empty(t, c.ActiveTrades())
	assert.Len(t, c.ClosedTrades(), 1)
	assert.InDelta(t, 13.32, c.Tracker().DailyPnL(), 1e-9)
	assert.Contains(t, auditTypes(t, st), store.EventTradeClosed)

	// The symbol is free again.
	_, err = c.Execute(ctx, signal("req-2", "BTCUSDT"))
	assert.NoError(t, err)
}

func TestCloseTrade_LossTripsBreakerOnNextSignal(t *testing.T) {
	c, st := newTestCoordinator(t, types.ModeSimulation, nil)
	ctx := context.Background()

	exec, err := c.Execute(ctx, signal("req-1", "BTCUSDT"))
	require.NoError(t, err)

	// Default limit is 5% of 1000 = 50. Losing 8 per unit on 6.66 units
	// realizes -53.28.
	_, err = c.CloseTrade(ctx, exec.TradeID, 92)
	require.NoError(t, err)

	_, err = c.Execute(ctx, signal("req-2", "ETHUSDT"))
	assert.Equal(t, risk.ReasonDailyLoss, rejectionReason(t, err))
	assert.True(t, c.Tracker().Tripped())
	assert.Contains(t, auditTypes(t, st), store.EventCircuitBreaker)

	// And everything after that hits the breaker guard.
	_, err = c.Execute(ctx, signal("req-3", "SOLUSDT"))
	assert.Equal(t, risk.ReasonCircuitBreaker, rejectionReason(t, err))
}

func TestCloseTrade_UnknownTrade(t *testing.T) {
	c, _ := newTestCoordinator(t, types.ModeSimulation, nil)

	_, err := c.CloseTrade(context.Background(), "missing", 100)
	assert.Error(t, err)
}

func TestResetBreaker_AuditsAndClears(t *testing.T) {
	c, st := newTestCoordinator(t, types.ModeSimulation, nil)
	c.Tracker().TripBreaker()

	c.ResetBreaker(context.Background())

	assert.False(t, c.Tracker().Tripped())
	assert.Contains(t, auditTypes(t, st), store.EventBreakerReset)
}

func TestExecute_RolloverClearsBreakerAcrossMidnight(t *testing.T) {
	c, _ := newTestCoordinator(t, types.ModeSimulation, nil)
	ctx := context.Background()

	before := time.Date(2025, 6, 1, 23, 50, 0, 0, time.UTC)
	c.Tracker().SetClock(func() time.Time { return before })

	exec, err := c.Execute(ctx, signal("req-1", "BTCUSDT"))
	require.NoError(t, err)
	_, err = c.CloseTrade(ctx, exec.TradeID, 92)
	require.NoError(t, err)

	_, err = c.Execute(ctx, signal("req-2", "ETHUSDT"))
	assert.Equal(t, risk.ReasonDailyLoss, rejectionReason(t, err))
	require.True(t, c.Tracker().Tripped())

	// Twenty minutes later it is a new calendar day: counters reset and the
	// breaker clears before the guards run.
	after := time.Date(2025, 6, 2, 0, 10, 0, 0, time.UTC)
	c.Tracker().SetClock(func() time.Time { return after })

	_, err = c.Execute(ctx, signal("req-3", "ETHUSDT"))
	assert.NoError(t, err)
	assert.False(t, c.Tracker().Tripped())
}

func TestExecute_ValidatesAPIKeyOnce(t *testing.T) {
	venue := &fakeVenue{equity: 1000}
	c, _ := newTestCoordinator(t, types.ModeAuto, nil)

	// Wire through the factory path so validation is not pre-marked.
	c.factory = func(ctx context.Context, accountID string) (exchange.Connector, error) {
		return venue, nil
	}
	ctx := context.Background()

	_, err := c.Execute(ctx, signal("req-1", "BTCUSDT"))
	require.NoError(t, err)
	_, err = c.Execute(ctx, signal("req-2", "ETHUSDT"))
	require.NoError(t, err)

	assert.Equal(t, 1, venue.validations)
}

func TestExecute_InvalidAPIKeyRejects(t *testing.T) {
	venue := &fakeVenue{equity: 1000, validateErr: errors.New("invalid key")}
	c, _ := newTestCoordinator(t, types.ModeAuto, nil)
	c.factory = func(ctx context.Context, accountID string) (exchange.Connector, error) {
		return venue, nil
	}

	exec, err := c.Execute(context.Background(), signal("req-1", "BTCUSDT"))
	require.Error(t, err)
	assert.Equal(t, engerrors.CategoryConnector, engerrors.CategoryOf(err))
	assert.Equal(t, types.StatusRejected, exec.Status)
	assert.Equal(t, 0, venue.placeCount())
}

func TestExecute_SignalStopLossOverridesConfiguredPct(t *testing.T) {
	c, _ := newTestCoordinator(t, types.ModeSimulation, nil)

	sig := signal("req-1", "BTCUSDT")
	sig.StopLoss = 98 // 2% stop distance instead of the configured 1.5%

	exec, err := c.Execute(context.Background(), sig)
	require.NoError(t, err)
	// riskAmount 10 / stopDistance 2 = 5.00
	assert.InDelta(t, 5.0, exec.Quantity, 1e-9)
	assert.InDelta(t, 98.0, exec.StopLoss, 1e-9)
}
