package types

import "time"

// SignalDirection is the direction requested by a trade signal.
type SignalDirection string

const (
	DirectionBuy  SignalDirection = "BUY"
	DirectionSell SignalDirection = "SELL"
)

// ExecutionMode controls how the coordinator acts on signals.
type ExecutionMode string

const (
	ModeAuto       ExecutionMode = "AUTO"
	ModeManual     ExecutionMode = "MANUAL"
	ModeSimulation ExecutionMode = "SIMULATION"
)

// ExecutionStatus is the lifecycle state of a trade execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "PENDING"
	StatusFilled    ExecutionStatus = "FILLED"
	StatusCancelled ExecutionStatus = "CANCELLED"
	StatusRejected  ExecutionStatus = "REJECTED"
)

// TradeSignal is a single trade recommendation produced by the signal service.
// Signals are consumed once per execution attempt, keyed by RequestID.
type TradeSignal struct {
	RequestID  string          `json:"requestId"`
	Symbol     string          `json:"symbol"`
	Direction  SignalDirection `json:"direction"`
	EntryPrice float64         `json:"entryPrice"`
	Accuracy   float64         `json:"accuracy"` // model confidence in [0,1]
	StopLoss   float64         `json:"stopLoss"`
	TakeProfit float64         `json:"takeProfit"`
	Reasoning  string          `json:"reasoning,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// TradeExecution is the audit record of one execution attempt. It is created
// when the coordinator accepts a signal and mutated as the order resolves.
type TradeExecution struct {
	TradeID    string          `json:"tradeId"`
	RequestID  string          `json:"requestId"`
	Symbol     string          `json:"symbol"`
	Side       SignalDirection `json:"side"`
	Quantity   float64         `json:"quantity"`
	EntryPrice float64         `json:"entryPrice"`
	StopLoss   float64         `json:"stopLoss"`
	TakeProfit float64         `json:"takeProfit"`
	Status     ExecutionStatus `json:"status"`
	OrderID    string          `json:"orderId,omitempty"`
	FillPrice  float64         `json:"fillPrice,omitempty"`
	ExitPrice  float64         `json:"exitPrice,omitempty"`
	PnL        float64         `json:"pnl"`
	Mode       ExecutionMode   `json:"mode"`
	Timestamp  time.Time       `json:"timestamp"`
	ClosedAt   time.Time       `json:"closedAt,omitempty"`
}

// PriceLevel is a single orderbook level.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// Orderbook is a depth snapshot. Bids are sorted best-first (descending),
// asks best-first (ascending).
type Orderbook struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// BestBid returns the top bid level, if present.
func (b *Orderbook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level, if present.
func (b *Orderbook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// MidPrice returns the top-of-book midpoint. The second return value is
// false when either side of the book is empty.
func (b *Orderbook) MidPrice() (float64, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

// SpreadPct returns the top-of-book spread as a percentage of the midpoint.
func (b *Orderbook) SpreadPct() (float64, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	mid := (bid.Price + ask.Price) / 2
	if mid <= 0 {
		return 0, false
	}
	return (ask.Price - bid.Price) / mid * 100, true
}

// AccountStats tracks cumulative and daily trading performance per account.
// Daily counters roll over on calendar-date change, which also clears the
// circuit breaker.
type AccountStats struct {
	TotalTrades    int     `json:"totalTrades"`
	WinningTrades  int     `json:"winningTrades"`
	LosingTrades   int     `json:"losingTrades"`
	DailyTrades    int     `json:"dailyTrades"`
	TotalPnL       float64 `json:"totalPnl"`
	DailyPnL       float64 `json:"dailyPnl"`
	CircuitBreaker bool    `json:"circuitBreaker"`
}

// MakerConfig holds per-account market-making parameters.
type MakerConfig struct {
	Enabled       bool    `json:"enabled"`
	QuoteSize     float64 `json:"quoteSize"`
	MaxPosition   float64 `json:"maxPosition"`
	AdversePct    float64 `json:"adversePct"`
	MinSpreadPct  float64 `json:"minSpreadPct"`
	MinConfidence float64 `json:"minConfidence"`
	CancelMs      int     `json:"cancelMs"`
}

// CancelAfter returns the forced-cancellation window for resting quotes.
func (m MakerConfig) CancelAfter() time.Duration {
	return time.Duration(m.CancelMs) * time.Millisecond
}

// AccountConfig is the persisted per-account risk and execution configuration.
type AccountConfig struct {
	AccountID           string        `json:"accountId"`
	Enabled             bool          `json:"enabled"`
	Mode                ExecutionMode `json:"mode"`
	ManualOverride      bool          `json:"manualOverride"`
	PerTradeRiskPct     float64       `json:"perTradeRiskPct"`
	MaxConcurrentTrades int           `json:"maxConcurrentTrades"`
	MaxDailyLossPct     float64       `json:"maxDailyLossPct"`
	StopLossPct         float64       `json:"stopLossPct"`
	TakeProfitPct       float64       `json:"takeProfitPct"`
	TrailingStop        bool          `json:"trailingStop"`
	TrailingStopPct     float64       `json:"trailingStopPct"`
	MinNotional         float64       `json:"minNotional"`
	Maker               MakerConfig   `json:"maker"`
	Stats               AccountStats  `json:"stats"`
	EquitySnapshot      float64       `json:"equitySnapshot"`
	LastRun             time.Time     `json:"lastRun"`
	UpdatedAt           time.Time     `json:"updatedAt"`
}

// DefaultAccountConfig returns the configuration created on first read for an
// unknown account. New accounts start in SIMULATION so nothing reaches an
// exchange until an operator switches the mode explicitly.
func DefaultAccountConfig(accountID string) *AccountConfig {
	return &AccountConfig{
		AccountID:           accountID,
		Enabled:             true,
		Mode:                ModeSimulation,
		ManualOverride:      false,
		PerTradeRiskPct:     1.0,
		MaxConcurrentTrades: 3,
		MaxDailyLossPct:     5.0,
		StopLossPct:         1.5,
		TakeProfitPct:       3.0,
		TrailingStop:        false,
		TrailingStopPct:     1.0,
		MinNotional:         10.0,
		Maker: MakerConfig{
			Enabled:       false,
			QuoteSize:     0.01,
			MaxPosition:   1.0,
			AdversePct:    0.5,
			MinSpreadPct:  0.02,
			MinConfidence: 0.85,
			CancelMs:      5000,
		},
	}
}

// ConfigUpdate is a partial account configuration. Nil fields are left
// untouched by SaveConfig; set fields replace the stored value.
type ConfigUpdate struct {
	Enabled             *bool          `json:"enabled,omitempty"`
	Mode                *ExecutionMode `json:"mode,omitempty"`
	ManualOverride      *bool          `json:"manualOverride,omitempty"`
	PerTradeRiskPct     *float64       `json:"perTradeRiskPct,omitempty"`
	MaxConcurrentTrades *int           `json:"maxConcurrentTrades,omitempty"`
	MaxDailyLossPct     *float64       `json:"maxDailyLossPct,omitempty"`
	StopLossPct         *float64       `json:"stopLossPct,omitempty"`
	TakeProfitPct       *float64       `json:"takeProfitPct,omitempty"`
	TrailingStop        *bool          `json:"trailingStop,omitempty"`
	TrailingStopPct     *float64       `json:"trailingStopPct,omitempty"`
	MinNotional         *float64       `json:"minNotional,omitempty"`
	Maker               *MakerConfig   `json:"maker,omitempty"`
	Stats               *AccountStats  `json:"stats,omitempty"`
	EquitySnapshot      *float64       `json:"equitySnapshot,omitempty"`
}

// Apply merges the update into the config field by field.
func (u *ConfigUpdate) Apply(cfg *AccountConfig) {
	if u.Enabled != nil {
		cfg.Enabled = *u.Enabled
	}
	if u.Mode != nil {
		cfg.Mode = *u.Mode
	}
	if u.ManualOverride != nil {
		cfg.ManualOverride = *u.ManualOverride
	}
	if u.PerTradeRiskPct != nil {
		cfg.PerTradeRiskPct = *u.PerTradeRiskPct
	}
	if u.MaxConcurrentTrades != nil {
		cfg.MaxConcurrentTrades = *u.MaxConcurrentTrades
	}
	if u.MaxDailyLossPct != nil {
		cfg.MaxDailyLossPct = *u.MaxDailyLossPct
	}
	if u.StopLossPct != nil {
		cfg.StopLossPct = *u.StopLossPct
	}
	if u.TakeProfitPct != nil {
		cfg.TakeProfitPct = *u.TakeProfitPct
	}
	if u.TrailingStop != nil {
		cfg.TrailingStop = *u.TrailingStop
	}
	if u.TrailingStopPct != nil {
		cfg.TrailingStopPct = *u.TrailingStopPct
	}
	if u.MinNotional != nil {
		cfg.MinNotional = *u.MinNotional
	}
	if u.Maker != nil {
		cfg.Maker = *u.Maker
	}
	if u.Stats != nil {
		cfg.Stats = *u.Stats
	}
	if u.EquitySnapshot != nil {
		cfg.EquitySnapshot = *u.EquitySnapshot
	}
}
