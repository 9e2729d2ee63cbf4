package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	engerrors "github.com/deep-research/execution-engine/internal/errors"
	"github.com/deep-research/execution-engine/internal/exchange"
	"github.com/deep-research/execution-engine/internal/logger"
	"github.com/deep-research/execution-engine/internal/maker"
	"github.com/deep-research/execution-engine/internal/monitoring"
	"github.com/deep-research/execution-engine/internal/notifications"
	"github.com/deep-research/execution-engine/internal/risk"
	"github.com/deep-research/execution-engine/internal/sizing"
	"github.com/deep-research/execution-engine/internal/stats"
	"github.com/deep-research/execution-engine/internal/store"
	"github.com/deep-research/execution-engine/pkg/types"
)

// ConnectorFactory builds a trading-venue connector for an account. The
// coordinator calls it lazily on the first operation that needs the venue.
type ConnectorFactory func(ctx context.Context, accountID string) (exchange.Connector, error)

// auditTimeout bounds best-effort persistence calls issued outside the
// caller's context.
const auditTimeout = 5 * time.Second

// orderbookDepth is the snapshot depth requested for pre-trade checks.
const orderbookDepth = 5

// Coordinator serializes all execution activity for one account behind a
// single mutex: signal execution, closes, config updates and breaker resets
// never interleave. Config is reloaded from the store on every signal so
// operator changes take effect on the next trade.
type Coordinator struct {
	mu sync.Mutex

	accountID string
	store     store.Store
	factory   ConnectorFactory
	log       *logger.Logger
	notifier  notifications.Notifier

	connector exchange.Connector
	validated bool

	evaluator *risk.Evaluator
	tracker   *stats.Tracker
	quoter    *maker.QuoteManager

	active  map[string]*types.TradeExecution // FILLED trades by symbol
	history map[string]*types.TradeExecution // execution records by request ID
	closed  []*types.TradeExecution

	now func() time.Time
}

// NewCoordinator creates a coordinator seeded from a persisted config. The
// stats tracker starts from the stored counters so restarts do not reopen a
// tripped breaker or forget the day's losses.
func NewCoordinator(cfg *types.AccountConfig, st store.Store, factory ConnectorFactory, log *logger.Logger, notifier notifications.Notifier) *Coordinator {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if notifier == nil {
		notifier = notifications.NopNotifier{}
	}

	c := &Coordinator{
		accountID: cfg.AccountID,
		store:     st,
		factory:   factory,
		log:       log,
		notifier:  notifier,
		tracker:   stats.NewTracker(cfg.Stats, cfg.LastRun),
		active:    make(map[string]*types.TradeExecution),
		history:   make(map[string]*types.TradeExecution),
		now:       time.Now,
	}
	c.evaluator = &risk.Evaluator{OnBreakerTrip: c.onBreakerTrip}
	return c
}

// SetClock overrides the coordinator's clock for tests.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// SetConnector injects a connector directly, bypassing the factory. Tests
// use this to substitute a fake venue.
func (c *Coordinator) SetConnector(conn exchange.Connector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connector = conn
	c.validated = true
}

// Tracker exposes the account's stats tracker.
func (c *Coordinator) Tracker() *stats.Tracker {
	return c.tracker
}

// Execute runs one signal through the full pipeline: dedupe, config reload,
// day rollover, risk guards, sizing, then mode-dependent placement. Exactly
// one audit event is written per outcome.
func (c *Coordinator) Execute(ctx context.Context, signal *types.TradeSignal) (*types.TradeExecution, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if signal == nil || signal.Symbol == "" || signal.EntryPrice <= 0 {
		return nil, engerrors.New(engerrors.CategoryRisk, "coordinator", "execute", "signal is missing symbol or entry price")
	}

	// Replayed request IDs are rejected without re-running the pipeline.
	if signal.RequestID != "" {
		if _, seen := c.history[signal.RequestID]; seen {
			c.rejectLocked(signal, risk.ReasonDuplicate)
			return nil, engerrors.NewRiskRejection(risk.ReasonDuplicate)
		}
	}

	cfg, err := c.store.LoadConfig(ctx, c.accountID)
	if err != nil {
		c.log.LogError("config load failed, falling back to defaults", err)
		monitoring.RecordError(string(engerrors.CategoryConfig))
		cfg = types.DefaultAccountConfig(c.accountID)
	}

	if c.tracker.Rollover() {
		c.log.Info("Daily rollover: counters reset, circuit breaker cleared")
		monitoring.SetCircuitBreaker(c.accountID, false)
		monitoring.SetDailyPnL(c.accountID, 0)
		c.persistStatsLocked(cfg.EquitySnapshot)
	}

	in := risk.Input{Config: cfg, Tracker: c.tracker, ActiveTrades: c.active}
	if err := c.evaluator.Check(in, signal); err != nil {
		if rej, ok := engerrors.AsRiskRejection(err); ok {
			c.rejectLocked(signal, rej.Reason)
		}
		return nil, err
	}

	equity := c.resolveEquityLocked(ctx, cfg)

	stopPct := cfg.StopLossPct
	if signal.StopLoss > 0 {
		stopPct = math.Abs(signal.EntryPrice-signal.StopLoss) / signal.EntryPrice * 100
	}

	qty, err := sizing.Quantity(equity, signal.EntryPrice, stopPct, cfg.PerTradeRiskPct)
	if err != nil {
		c.rejectLocked(signal, err.Error())
		return nil, engerrors.NewSizingError("coordinator", err.Error())
	}

	exec := c.newExecutionLocked(signal, cfg, qty)

	switch cfg.Mode {
	case types.ModeSimulation:
		// Simulated fills resolve at the signal price, venue untouched.
		exec.Status = types.StatusFilled
		exec.FillPrice = signal.EntryPrice

	case types.ModeManual:
		exec.Status = types.StatusCancelled
		c.recordOutcomeLocked(exec)
		c.auditLocked(store.EventTradeRejected, map[string]interface{}{
			"requestId": signal.RequestID,
			"symbol":    signal.Symbol,
			"reason":    "manual mode requires operator approval",
		})
		c.log.Trade("Signal %s for %s held: manual mode requires operator approval", signal.RequestID, signal.Symbol)
		return exec, engerrors.New(engerrors.CategoryRisk, "coordinator", "execute", "manual mode requires operator approval")

	case types.ModeAuto:
		if err := c.executeLiveLocked(ctx, cfg, signal, exec); err != nil {
			return exec, err
		}

	default:
		return nil, engerrors.New(engerrors.CategoryConfig, "coordinator", "execute", fmt.Sprintf("unknown execution mode %q", cfg.Mode))
	}

	c.active[exec.Symbol] = exec
	c.recordOutcomeLocked(exec)
	c.tracker.RecordExecution()
	c.persistStatsLocked(equity)

	c.auditLocked(store.EventTradeExecuted, map[string]interface{}{
		"tradeId":   exec.TradeID,
		"requestId": exec.RequestID,
		"symbol":    exec.Symbol,
		"side":      string(exec.Side),
		"qty":       exec.Quantity,
		"price":     exec.FillPrice,
		"mode":      string(exec.Mode),
	})
	c.log.Trade("Executed %s %s %.4f @ %.4f [%s]", exec.Side, exec.Symbol, exec.Quantity, exec.FillPrice, exec.Mode)
	return exec, nil
}

// executeLiveLocked runs the AUTO-mode path: connector init, liquidity and
// notional checks, then a market order on the venue.
func (c *Coordinator) executeLiveLocked(ctx context.Context, cfg *types.AccountConfig, signal *types.TradeSignal, exec *types.TradeExecution) error {
	// Failures before an order reaches the venue leave the request ID
	// unconsumed, so the caller may retry the same signal.
	if err := c.ensureConnectorLocked(ctx); err != nil {
		exec.Status = types.StatusRejected
		c.recordTransientRejectLocked(exec)
		c.rejectLocked(signal, "connector unavailable")
		return err
	}

	book, err := c.connector.GetOrderbook(ctx, signal.Symbol, orderbookDepth)
	if err != nil {
		exec.Status = types.StatusRejected
		c.recordTransientRejectLocked(exec)
		c.rejectLocked(signal, "orderbook unavailable")
		return engerrors.Wrap(err, engerrors.CategoryLiquidity, "coordinator", "orderbook")
	}
	if _, ok := book.MidPrice(); !ok {
		exec.Status = types.StatusRejected
		c.recordTransientRejectLocked(exec)
		c.rejectLocked(signal, "orderbook is empty")
		return engerrors.NewLiquidityError("coordinator", fmt.Sprintf("empty orderbook for %s", signal.Symbol))
	}

	if notional := exec.Quantity * signal.EntryPrice; notional < cfg.MinNotional {
		exec.Status = types.StatusRejected
		c.recordTransientRejectLocked(exec)
		c.rejectLocked(signal, "below minimum notional")
		return engerrors.NewSizingError("coordinator",
			fmt.Sprintf("notional %.2f below minimum %.2f", notional, cfg.MinNotional))
	}

	result, err := c.connector.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:        signal.Symbol,
		Side:          exchange.SideForDirection(signal.Direction),
		Type:          exchange.OrderTypeMarket,
		Quantity:      exec.Quantity,
		ClientOrderID: exec.TradeID,
	})
	if err != nil {
		exec.Status = types.StatusRejected
		c.recordOutcomeLocked(exec)
		c.rejectLocked(signal, "order placement failed")
		monitoring.RecordError(string(engerrors.CategoryExecution))
		return engerrors.NewExecutionError("coordinator", err)
	}

	exec.OrderID = result.OrderID
	exec.Status = types.StatusFilled
	exec.FillPrice = result.AvgPrice
	if exec.FillPrice <= 0 {
		exec.FillPrice = signal.EntryPrice
	}
	return nil
}

// CloseTrade exits an open position. AUTO trades close with an opposite-side
// market order; simulated trades settle at the provided mark price. Realized
// PnL feeds the stats tracker, where it can trip the daily-loss guard on the
// next signal.
func (c *Coordinator) CloseTrade(ctx context.Context, tradeID string, markPrice float64) (*types.TradeExecution, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var exec *types.TradeExecution
	for _, t := range c.active {
		if t.TradeID == tradeID {
			exec = t
			break
		}
	}
	if exec == nil {
		return nil, engerrors.New(engerrors.CategoryExecution, "coordinator", "close", fmt.Sprintf("no open trade %s", tradeID))
	}

	exitPrice := markPrice
	if exec.Mode == types.ModeAuto {
		if err := c.ensureConnectorLocked(ctx); err != nil {
			return nil, err
		}
		result, err := c.connector.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:   exec.Symbol,
			Side:     exchange.SideForDirection(exec.Side).Opposite(),
			Type:     exchange.OrderTypeMarket,
			Quantity: exec.Quantity,
		})
		if err != nil {
			monitoring.RecordError(string(engerrors.CategoryExecution))
			return nil, engerrors.NewExecutionError("coordinator", err)
		}
		if result.AvgPrice > 0 {
			exitPrice = result.AvgPrice
		}
	}
	if exitPrice <= 0 {
		return nil, engerrors.New(engerrors.CategoryExecution, "coordinator", "close", "no exit price available")
	}

	entry := exec.FillPrice
	if entry <= 0 {
		entry = exec.EntryPrice
	}
	pnl := (exitPrice - entry) * exec.Quantity
	if exec.Side == types.DirectionSell {
		pnl = -pnl
	}

	exec.ExitPrice = exitPrice
	exec.PnL = pnl
	exec.ClosedAt = c.now()
	delete(c.active, exec.Symbol)
	c.closed = append(c.closed, exec)

	c.tracker.RecordClose(pnl)
	monitoring.SetDailyPnL(c.accountID, c.tracker.DailyPnL())
	c.persistStatsLocked(0)

	c.auditLocked(store.EventTradeClosed, map[string]interface{}{
		"tradeId":   exec.TradeID,
		"symbol":    exec.Symbol,
		"exitPrice": exitPrice,
		"pnl":       pnl,
	})
	c.log.Trade("Closed %s %s @ %.4f, PnL %.4f", exec.Side, exec.Symbol, exitPrice, pnl)
	return exec, nil
}

// UpdateConfig applies a partial config update and audits the change.
func (c *Coordinator) UpdateConfig(ctx context.Context, update *types.ConfigUpdate) (*types.AccountConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg, err := c.store.SaveConfig(ctx, c.accountID, update)
	if err != nil {
		monitoring.RecordError(string(engerrors.CategoryPersistence))
		return nil, engerrors.NewPersistenceError("coordinator", err)
	}
	c.auditLocked(store.EventConfigUpdated, map[string]interface{}{
		"mode":    string(cfg.Mode),
		"enabled": cfg.Enabled,
	})
	c.log.Info("Config updated: mode=%s enabled=%v", cfg.Mode, cfg.Enabled)
	return cfg, nil
}

// ResetBreaker is the privileged manual recovery for a tripped circuit
// breaker. The daily counters are left alone; if the loss still breaches the
// limit the next signal re-trips immediately.
func (c *Coordinator) ResetBreaker(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tracker.ResetCircuitBreaker()
	monitoring.SetCircuitBreaker(c.accountID, false)
	c.persistStatsLocked(0)
	c.auditLocked(store.EventBreakerReset, nil)
	c.log.Risk("Circuit breaker manually reset")

	if err := c.notifier.SendAlert(notifications.LevelSuccess,
		fmt.Sprintf("Circuit breaker reset for account %s", c.accountID)); err != nil {
		c.log.LogError("breaker reset alert failed", err)
	}
}

// MakerTick drives the passive quoting loop for one symbol with a fresh
// orderbook snapshot. The quote manager is created on first use from the
// stored maker parameters.
func (c *Coordinator) MakerTick(ctx context.Context, symbol string, confidence float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnectorLocked(ctx); err != nil {
		return err
	}
	if c.quoter == nil {
		cfg, err := c.store.LoadConfig(ctx, c.accountID)
		if err != nil {
			return engerrors.NewPersistenceError("coordinator", err)
		}
		if !cfg.Maker.Enabled {
			return nil
		}
		c.quoter = maker.NewQuoteManager(c.accountID, c.connector, cfg.Maker, c.store, c.log)
	}

	book, err := c.connector.GetOrderbook(ctx, symbol, orderbookDepth)
	if err != nil {
		return engerrors.Wrap(err, engerrors.CategoryLiquidity, "coordinator", "orderbook")
	}
	return c.quoter.OnTick(ctx, symbol, book, confidence)
}

// OnFill forwards a venue execution report to the quote manager.
func (c *Coordinator) OnFill(fill exchange.FillEvent) {
	c.mu.Lock()
	q := c.quoter
	c.mu.Unlock()
	if q != nil {
		q.OnFill(fill)
	}
}

// ActiveTrades returns a snapshot of the open positions.
func (c *Coordinator) ActiveTrades() []*types.TradeExecution {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*types.TradeExecution, 0, len(c.active))
	for _, t := range c.active {
		out = append(out, t)
	}
	return out
}

// ClosedTrades returns a snapshot of the completed trades, oldest first.
func (c *Coordinator) ClosedTrades() []*types.TradeExecution {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.TradeExecution(nil), c.closed...)
}

// Shutdown retires resting quotes and closes the account logger.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	q := c.quoter
	c.mu.Unlock()

	if q != nil {
		q.Shutdown(ctx)
	}
	_ = c.log.Close()
}

// ensureConnectorLocked lazily builds the venue connector and validates the
// credentials once when the venue supports it.
func (c *Coordinator) ensureConnectorLocked(ctx context.Context) error {
	if c.connector == nil {
		if c.factory == nil {
			return engerrors.New(engerrors.CategoryConnector, "coordinator", "init connector", "no connector factory configured")
		}
		conn, err := c.factory(ctx, c.accountID)
		if err != nil {
			monitoring.RecordError(string(engerrors.CategoryConnector))
			return engerrors.NewConnectorInitError("coordinator", err)
		}
		c.connector = conn
	}

	if !c.validated {
		if validator, ok := c.connector.(exchange.KeyValidator); ok {
			if err := validator.ValidateAPIKey(ctx); err != nil {
				monitoring.RecordError(string(engerrors.CategoryConnector))
				return engerrors.NewConnectorInitError("coordinator", err)
			}
		}
		c.validated = true
	}
	return nil
}

// resolveEquityLocked fetches live equity when the venue exposes balances in
// AUTO mode, persisting the snapshot for the next run. Everything else uses
// the stored snapshot.
func (c *Coordinator) resolveEquityLocked(ctx context.Context, cfg *types.AccountConfig) float64 {
	if cfg.Mode != types.ModeAuto {
		return cfg.EquitySnapshot
	}
	if err := c.ensureConnectorLocked(ctx); err != nil {
		c.log.LogError("connector init failed, using equity snapshot", err)
		return cfg.EquitySnapshot
	}
	reader, ok := c.connector.(exchange.AccountReader)
	if !ok {
		return cfg.EquitySnapshot
	}

	account, err := reader.GetAccount(ctx)
	if err != nil || account.Equity <= 0 {
		c.log.Warning("Live equity unavailable, using snapshot %.2f", cfg.EquitySnapshot)
		return cfg.EquitySnapshot
	}

	cfg.EquitySnapshot = account.Equity
	if _, err := c.store.SaveConfig(ctx, c.accountID, &types.ConfigUpdate{EquitySnapshot: &account.Equity}); err != nil {
		c.log.LogError("equity snapshot persist failed", err)
		monitoring.RecordError(string(engerrors.CategoryPersistence))
	}
	return account.Equity
}

// newExecutionLocked builds the execution record for an accepted signal.
// Missing stop and target prices are derived from the configured percentages.
func (c *Coordinator) newExecutionLocked(signal *types.TradeSignal, cfg *types.AccountConfig, qty float64) *types.TradeExecution {
	stop := signal.StopLoss
	target := signal.TakeProfit
	if signal.Direction == types.DirectionBuy {
		if stop <= 0 {
			stop = signal.EntryPrice * (1 - cfg.StopLossPct/100)
		}
		if target <= 0 {
			target = signal.EntryPrice * (1 + cfg.TakeProfitPct/100)
		}
	} else {
		if stop <= 0 {
			stop = signal.EntryPrice * (1 + cfg.StopLossPct/100)
		}
		if target <= 0 {
			target = signal.EntryPrice * (1 - cfg.TakeProfitPct/100)
		}
	}

	return &types.TradeExecution{
		TradeID:    uuid.NewString(),
		RequestID:  signal.RequestID,
		Symbol:     signal.Symbol,
		Side:       signal.Direction,
		Quantity:   qty,
		EntryPrice: signal.EntryPrice,
		StopLoss:   stop,
		TakeProfit: target,
		Status:     types.StatusPending,
		Mode:       cfg.Mode,
		Timestamp:  c.now(),
	}
}

// recordOutcomeLocked stores the execution in the request history for replay
// detection and bumps the outcome metric. Only outcomes that reached the venue
// or settled locally go through here.
func (c *Coordinator) recordOutcomeLocked(exec *types.TradeExecution) {
	if exec.RequestID != "" {
		c.history[exec.RequestID] = exec
	}
	monitoring.RecordExecution(c.accountID, string(exec.Mode), string(exec.Status))
}

// recordTransientRejectLocked bumps the outcome metric without consuming the
// request ID. Used for pre-placement failures that stay retryable.
func (c *Coordinator) recordTransientRejectLocked(exec *types.TradeExecution) {
	monitoring.RecordExecution(c.accountID, string(exec.Mode), string(exec.Status))
}

// rejectLocked audits and counts one rejection.
func (c *Coordinator) rejectLocked(signal *types.TradeSignal, reason string) {
	monitoring.RecordRejection(c.accountID, reason)
	c.log.Risk("Rejected signal %s for %s: %s", signal.RequestID, signal.Symbol, reason)
	c.auditLocked(store.EventTradeRejected, map[string]interface{}{
		"requestId": signal.RequestID,
		"symbol":    signal.Symbol,
		"reason":    reason,
	})
}

// onBreakerTrip runs inside the guard evaluation when the daily-loss limit
// trips the breaker.
func (c *Coordinator) onBreakerTrip(dailyPnL, threshold float64) {
	monitoring.SetCircuitBreaker(c.accountID, true)
	c.log.Risk("CIRCUIT BREAKER TRIPPED: daily PnL %.2f breached limit %.2f", dailyPnL, threshold)
	c.auditLocked(store.EventCircuitBreaker, map[string]interface{}{
		"dailyPnl":  dailyPnL,
		"threshold": threshold,
	})
	if err := c.notifier.SendAlert(notifications.LevelError,
		fmt.Sprintf("Circuit breaker tripped for account %s: daily PnL %.2f (limit %.2f)", c.accountID, dailyPnL, threshold)); err != nil {
		c.log.LogError("breaker alert failed", err)
	}
}

// persistStatsLocked writes the tracker snapshot back to the store,
// best-effort. A non-zero equity also refreshes the snapshot.
func (c *Coordinator) persistStatsLocked(equity float64) {
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()

	snapshot := c.tracker.Snapshot()
	update := &types.ConfigUpdate{Stats: &snapshot}
	if equity > 0 {
		update.EquitySnapshot = &equity
	}
	if _, err := c.store.SaveConfig(ctx, c.accountID, update); err != nil {
		c.log.LogError("stats persist failed", err)
		monitoring.RecordError(string(engerrors.CategoryPersistence))
	}
}

// auditLocked appends one audit event, best-effort.
func (c *Coordinator) auditLocked(eventType string, payload map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := c.store.AppendAudit(ctx, c.accountID, eventType, payload); err != nil {
		c.log.LogError("audit append failed", err)
		monitoring.RecordError(string(engerrors.CategoryPersistence))
	}
}
