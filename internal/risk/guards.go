package risk

import (
	engerrors "github.com/deep-research/execution-engine/internal/errors"
	"github.com/deep-research/execution-engine/internal/stats"
	"github.com/deep-research/execution-engine/pkg/types"
)

// Guard rejection reasons, reported to the caller and recorded in audit
// events.
const (
	ReasonCircuitBreaker = "circuit breaker"
	ReasonManualOverride = "manual override active"
	ReasonDisabled       = "trading disabled"
	ReasonMaxConcurrent  = "max concurrent trades reached"
	ReasonDailyLoss      = "daily loss limit breached"
	ReasonPositionExists = "position already open for symbol"
	ReasonDuplicate      = "duplicate request"
)

// Input is the account state a guard evaluation runs against. ActiveTrades
// holds only FILLED executions, keyed by symbol.
type Input struct {
	Config       *types.AccountConfig
	Tracker      *stats.Tracker
	ActiveTrades map[string]*types.TradeExecution
}

// Evaluator decides whether a signal may execute. Guards run in strict
// order; the first failure wins. The daily-loss guard is the only one with a
// side effect: it trips the circuit breaker and invokes OnBreakerTrip before
// rejecting, so the caller can audit and alert.
type Evaluator struct {
	OnBreakerTrip func(dailyPnL, threshold float64)
}

// Check returns nil when the signal may execute, or a RiskRejection carrying
// the failing guard's reason.
func (e *Evaluator) Check(in Input, signal *types.TradeSignal) error {
	cfg := in.Config
	tracker := in.Tracker

	// 1. Circuit breaker blocks everything until reset or day rollover.
	if tracker.Tripped() {
		return engerrors.NewRiskRejection(ReasonCircuitBreaker)
	}

	// 2. Manual override parks the account regardless of mode.
	if cfg.ManualOverride {
		return engerrors.NewRiskRejection(ReasonManualOverride)
	}

	// 3. Account-level kill switch.
	if !cfg.Enabled {
		return engerrors.NewRiskRejection(ReasonDisabled)
	}

	// 4. Concurrency cap over FILLED trades.
	if len(in.ActiveTrades) >= cfg.MaxConcurrentTrades {
		return engerrors.NewRiskRejection(ReasonMaxConcurrent)
	}

	// 5. Daily loss limit. Trips the breaker as a side effect; every
	// subsequent signal is then rejected by guard 1.
	if breached, threshold := tracker.DailyLossBreached(cfg.EquitySnapshot, cfg.MaxDailyLossPct); breached {
		tracker.TripBreaker()
		if e.OnBreakerTrip != nil {
			e.OnBreakerTrip(tracker.DailyPnL(), threshold)
		}
		return engerrors.NewRiskRejection(ReasonDailyLoss)
	}

	// 6. One FILLED position per symbol.
	if _, open := in.ActiveTrades[signal.Symbol]; open {
		return engerrors.NewRiskRejection(ReasonPositionExists)
	}

	return nil
}
