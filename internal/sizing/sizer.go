package sizing

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Sizing failure reasons. The coordinator rejects the trade on any of these
// before touching the connector.
var (
	ErrNoEquity       = errors.New("equity must be positive")
	ErrNoEntryPrice   = errors.New("entry price must be positive")
	ErrNoRiskBudget   = errors.New("per-trade risk percent must be positive")
	ErrNoStopDistance = errors.New("stop-loss distance is zero")
	ErrZeroQuantity   = errors.New("computed quantity rounds to zero")
)

// Quantity converts account equity and risk parameters into an order
// quantity:
//
//	riskAmount   = equity * perTradeRiskPct / 100
//	stopDistance = entryPrice * stopLossPct / 100
//	quantity     = floor(riskAmount / stopDistance * 100) / 100
//
// The result is truncated to 2 decimals, rounding down so the position never
// risks more than the budget. A zero stop distance is an error, never a
// division: callers must reject the trade.
func Quantity(equity, entryPrice, stopLossPct, perTradeRiskPct float64) (float64, error) {
	if equity <= 0 {
		return 0, ErrNoEquity
	}
	if entryPrice <= 0 {
		return 0, ErrNoEntryPrice
	}
	if perTradeRiskPct <= 0 {
		return 0, ErrNoRiskBudget
	}

	riskAmount := decimal.NewFromFloat(equity).
		Mul(decimal.NewFromFloat(perTradeRiskPct)).
		Div(decimal.NewFromInt(100))
	stopDistance := decimal.NewFromFloat(entryPrice).
		Mul(decimal.NewFromFloat(stopLossPct)).
		Div(decimal.NewFromInt(100))

	if stopDistance.LessThanOrEqual(decimal.Zero) {
		return 0, ErrNoStopDistance
	}

	qty := riskAmount.Div(stopDistance).RoundFloor(2)
	if qty.LessThanOrEqual(decimal.Zero) {
		return 0, ErrZeroQuantity
	}

	return qty.InexactFloat64(), nil
}
