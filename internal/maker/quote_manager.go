package maker

import (
	"context"
	"fmt"
	"sync"
	"time"

	engerrors "github.com/deep-research/execution-engine/internal/errors"
	"github.com/deep-research/execution-engine/internal/exchange"
	"github.com/deep-research/execution-engine/internal/logger"
	"github.com/deep-research/execution-engine/internal/monitoring"
	"github.com/deep-research/execution-engine/internal/store"
	"github.com/deep-research/execution-engine/pkg/types"
)

// skewRatio is the inventory fraction of maxPosition beyond which quoting
// becomes one-sided to work the inventory back toward neutral.
const skewRatio = 0.3

// cancelTimeout bounds exchange cancel calls issued from timers and shutdown.
const cancelTimeout = 5 * time.Second

// Quote is one resting post-only order the manager is tracking.
type Quote struct {
	OrderID  string
	Symbol   string
	Side     exchange.OrderSide
	Price    float64
	Quantity float64
	RefMid   float64 // top-of-book midpoint at placement
	PlacedAt time.Time

	timer *time.Timer
}

// QuoteManager places and retires passive quotes for one account. All state
// transitions happen under one mutex, including timer-driven expiry, so a
// quote is cancelled at most once no matter which path gets there first.
type QuoteManager struct {
	mu sync.Mutex

	accountID string
	connector exchange.Connector
	cfg       types.MakerConfig
	store     store.Store
	log       *logger.Logger

	inventory map[string]float64 // signed base quantity per symbol
	pending   map[string]*Quote  // keyed by order ID
	closed    bool
	now       func() time.Time
}

// NewQuoteManager wires a manager for one account.
func NewQuoteManager(accountID string, connector exchange.Connector, cfg types.MakerConfig, st store.Store, log *logger.Logger) *QuoteManager {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &QuoteManager{
		accountID: accountID,
		connector: connector,
		cfg:       cfg,
		store:     st,
		log:       log,
		inventory: make(map[string]float64),
		pending:   make(map[string]*Quote),
		now:       time.Now,
	}
}

// SetClock overrides the manager's clock for tests.
func (m *QuoteManager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Inventory returns the signed position for a symbol.
func (m *QuoteManager) Inventory(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inventory[symbol]
}

// PendingCount returns the number of resting quotes.
func (m *QuoteManager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// OnTick reconciles resting quotes against a fresh orderbook snapshot. It
// first cancels quotes whose reference price has moved adversely, then places
// whichever sides the inventory skew allows. Quoting is skipped entirely when
// model confidence is below the floor or the spread is too tight to earn.
func (m *QuoteManager) OnTick(ctx context.Context, symbol string, book *types.Orderbook, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || !m.cfg.Enabled {
		return nil
	}

	mid, ok := book.MidPrice()
	if !ok {
		return engerrors.NewLiquidityError("maker", fmt.Sprintf("empty orderbook for %s", symbol))
	}
	// Stale quotes are pulled on every tick, including low-confidence and
	// tight-spread ticks that will not requote below.
	if err := m.cancelAdverseLocked(ctx, symbol, mid); err != nil {
		return err
	}

	if confidence < m.cfg.MinConfidence {
		return nil
	}
	spread, _ := book.SpreadPct()
	if spread < m.cfg.MinSpreadPct {
		return nil
	}

	bestBid, _ := book.BestBid()
	bestAsk, _ := book.BestAsk()

	inv := m.inventory[symbol]
	wantBid := inv < skewRatio*m.cfg.MaxPosition
	wantAsk := inv > -skewRatio*m.cfg.MaxPosition

	if wantBid && !m.hasQuoteLocked(symbol, exchange.OrderSideBuy) {
		price := bestBid.Price * (1 - m.cfg.AdversePct/200)
		if err := m.placeLocked(ctx, symbol, exchange.OrderSideBuy, price, mid); err != nil {
			return err
		}
	}
	if wantAsk && !m.hasQuoteLocked(symbol, exchange.OrderSideSell) {
		price := bestAsk.Price * (1 + m.cfg.AdversePct/200)
		if err := m.placeLocked(ctx, symbol, exchange.OrderSideSell, price, mid); err != nil {
			return err
		}
	}
	return nil
}

func (m *QuoteManager) hasQuoteLocked(symbol string, side exchange.OrderSide) bool {
	for _, q := range m.pending {
		if q.Symbol == symbol && q.Side == side {
			return true
		}
	}
	return false
}

func (m *QuoteManager) placeLocked(ctx context.Context, symbol string, side exchange.OrderSide, price, refMid float64) error {
	result, err := m.connector.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:   symbol,
		Side:     side,
		Type:     exchange.OrderTypeLimit,
		Quantity: m.cfg.QuoteSize,
		Price:    price,
		PostOnly: true,
	})
	if err != nil {
		m.log.LogError("maker quote placement failed", err)
		return engerrors.NewExecutionError("maker", err)
	}

	q := &Quote{
		OrderID:  result.OrderID,
		Symbol:   symbol,
		Side:     side,
		Price:    price,
		Quantity: m.cfg.QuoteSize,
		RefMid:   refMid,
		PlacedAt: m.now(),
	}
	q.timer = time.AfterFunc(m.cfg.CancelAfter(), func() { m.expire(q.OrderID) })
	m.pending[q.OrderID] = q

	monitoring.RecordMakerQuote(m.accountID, string(side))
	m.log.Maker("Placed %s quote %s %s %.8f @ %.4f", side, q.OrderID, symbol, q.Quantity, price)
	m.auditLocked(store.EventMakerQuote, map[string]interface{}{
		"orderId": q.OrderID,
		"symbol":  symbol,
		"side":    string(side),
		"price":   price,
		"qty":     q.Quantity,
	})
	return nil
}

// cancelAdverseLocked retires quotes whose midpoint has moved against them by
// more than adversePct since placement. A bid is adverse when the market has
// dropped below its reference mid, an ask when the market has risen above it.
func (m *QuoteManager) cancelAdverseLocked(ctx context.Context, symbol string, mid float64) error {
	for id, q := range m.pending {
		if q.Symbol != symbol {
			continue
		}
		adverse := false
		switch q.Side {
		case exchange.OrderSideBuy:
			adverse = mid < q.RefMid*(1-m.cfg.AdversePct/100)
		case exchange.OrderSideSell:
			adverse = mid > q.RefMid*(1+m.cfg.AdversePct/100)
		}
		if !adverse {
			continue
		}
		if err := m.cancelLocked(ctx, id, "adverse"); err != nil {
			return err
		}
	}
	return nil
}

// expire is the timer callback for the forced-cancellation window. The quote
// may already be gone when it fires; membership is re-checked under the lock.
func (m *QuoteManager) expire(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if _, live := m.pending[orderID]; !live {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if err := m.cancelLocked(ctx, orderID, "expiry"); err != nil {
		m.log.LogError("maker quote expiry cancel failed", err)
	}
}

// cancelLocked cancels one resting quote on the exchange and drops it from
// the pending set. Callers must hold the mutex.
func (m *QuoteManager) cancelLocked(ctx context.Context, orderID, cause string) error {
	q, live := m.pending[orderID]
	if !live {
		return nil
	}
	if err := m.connector.CancelOrder(ctx, q.Symbol, orderID); err != nil {
		return engerrors.NewExecutionError("maker", err)
	}
	q.timer.Stop()
	delete(m.pending, orderID)

	monitoring.RecordMakerCancel(m.accountID, cause)
	m.log.Maker("Cancelled quote %s (%s)", orderID, cause)
	m.auditLocked(store.EventMakerCancel, map[string]interface{}{
		"orderId": orderID,
		"symbol":  q.Symbol,
		"side":    string(q.Side),
		"cause":   cause,
	})
	return nil
}

// OnFill updates signed inventory from an execution report and retires the
// quote once it is fully filled. Partial fills keep the quote resting.
func (m *QuoteManager) OnFill(fill exchange.FillEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, live := m.pending[fill.OrderID]
	if !live {
		return
	}

	m.inventory[q.Symbol] += fill.Side.SignedQuantity(fill.Quantity)
	monitoring.SetMakerInventory(m.accountID, q.Symbol, m.inventory[q.Symbol])

	if fill.Filled {
		q.timer.Stop()
		delete(m.pending, fill.OrderID)
	}

	m.log.Maker("Fill %s %s %.8f @ %.4f (inventory %.8f)",
		fill.Side, q.Symbol, fill.Quantity, fill.Price, m.inventory[q.Symbol])
	m.auditLocked(store.EventMakerFill, map[string]interface{}{
		"orderId":   fill.OrderID,
		"symbol":    q.Symbol,
		"side":      string(fill.Side),
		"qty":       fill.Quantity,
		"price":     fill.Price,
		"inventory": m.inventory[q.Symbol],
	})
}

// Shutdown cancels every resting quote and stops accepting work. Cancel
// failures are logged and skipped so one bad order does not strand the rest.
func (m *QuoteManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true

	for id := range m.pending {
		if err := m.cancelLocked(ctx, id, "shutdown"); err != nil {
			m.log.LogError("maker shutdown cancel failed", err)
			// Drop it locally anyway; the order may already be gone upstream.
			if q, live := m.pending[id]; live {
				q.timer.Stop()
				delete(m.pending, id)
			}
		}
	}
}

// auditLocked records a maker audit event best-effort.
func (m *QuoteManager) auditLocked(eventType string, payload map[string]interface{}) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if err := m.store.AppendAudit(ctx, m.accountID, eventType, payload); err != nil {
		m.log.LogError("audit append failed", err)
	}
}
