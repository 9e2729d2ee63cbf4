package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Execution metrics
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exec_engine_executions_total",
			Help: "Total number of trade executions by outcome",
		},
		[]string{"account", "mode", "status"},
	)

	rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exec_engine_rejections_total",
			Help: "Total number of risk-guard rejections",
		},
		[]string{"account", "reason"},
	)

	circuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "exec_engine_circuit_breaker",
			Help: "Circuit breaker state per account (1 = tripped)",
		},
		[]string{"account"},
	)

	dailyPnL = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "exec_engine_daily_pnl",
			Help: "Daily realized PnL per account",
		},
		[]string{"account"},
	)

	// Market-making metrics
	makerQuotesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exec_engine_maker_quotes_total",
			Help: "Total number of resting quotes placed",
		},
		[]string{"account", "side"},
	)

	makerCancelsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exec_engine_maker_cancels_total",
			Help: "Total number of quote cancellations by cause",
		},
		[]string{"account", "cause"},
	)

	makerInventory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "exec_engine_maker_inventory",
			Help: "Net signed maker inventory per account and symbol",
		},
		[]string{"account", "symbol"},
	)

	// Error metrics
	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exec_engine_errors_total",
			Help: "Total number of errors by category",
		},
		[]string{"category"},
	)
)

func init() {
	prometheus.MustRegister(executionsTotal)
	prometheus.MustRegister(rejectionsTotal)
	prometheus.MustRegister(circuitBreakerState)
	prometheus.MustRegister(dailyPnL)
	prometheus.MustRegister(makerQuotesTotal)
	prometheus.MustRegister(makerCancelsTotal)
	prometheus.MustRegister(makerInventory)
	prometheus.MustRegister(errorsTotal)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordExecution records a trade execution outcome.
func RecordExecution(account, mode, status string) {
	executionsTotal.WithLabelValues(account, mode, status).Inc()
}

// RecordRejection records a risk-guard rejection.
func RecordRejection(account, reason string) {
	rejectionsTotal.WithLabelValues(account, reason).Inc()
}

// SetCircuitBreaker updates the circuit breaker gauge.
func SetCircuitBreaker(account string, tripped bool) {
	v := 0.0
	if tripped {
		v = 1.0
	}
	circuitBreakerState.WithLabelValues(account).Set(v)
}

// SetDailyPnL updates the daily PnL gauge.
func SetDailyPnL(account string, pnl float64) {
	dailyPnL.WithLabelValues(account).Set(pnl)
}

// RecordMakerQuote records a placed resting quote.
func RecordMakerQuote(account, side string) {
	makerQuotesTotal.WithLabelValues(account, side).Inc()
}

// RecordMakerCancel records a quote cancellation (timer, adverse, shutdown).
func RecordMakerCancel(account, cause string) {
	makerCancelsTotal.WithLabelValues(account, cause).Inc()
}

// SetMakerInventory updates the net inventory gauge.
func SetMakerInventory(account, symbol string, inventory float64) {
	makerInventory.WithLabelValues(account, symbol).Set(inventory)
}

// RecordError records an error metric by category.
func RecordError(category string) {
	errorsTotal.WithLabelValues(category).Inc()
}
