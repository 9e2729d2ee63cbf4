package engine

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/deep-research/execution-engine/pkg/types"
)

// EngineStatus is an operator-facing snapshot of one account's engine.
type EngineStatus struct {
	AccountID      string
	Mode           types.ExecutionMode
	Enabled        bool
	ManualOverride bool
	CircuitBreaker bool
	OpenTrades     int
	DailyTrades    int
	DailyPnL       float64
	TotalPnL       float64
	Equity         float64
	LastRun        time.Time
}

// Status assembles a snapshot from the persisted config and the live
// tracker. Config load failures fall back to defaults so a status request
// never fails outright.
func (c *Coordinator) Status(ctx context.Context) EngineStatus {
	cfg, err := c.store.LoadConfig(ctx, c.accountID)
	if err != nil {
		cfg = types.DefaultAccountConfig(c.accountID)
	}

	c.mu.Lock()
	open := len(c.active)
	c.mu.Unlock()

	snapshot := c.tracker.Snapshot()
	return EngineStatus{
		AccountID:      c.accountID,
		Mode:           cfg.Mode,
		Enabled:        cfg.Enabled,
		ManualOverride: cfg.ManualOverride,
		CircuitBreaker: snapshot.CircuitBreaker,
		OpenTrades:     open,
		DailyTrades:    snapshot.DailyTrades,
		DailyPnL:       snapshot.DailyPnL,
		TotalPnL:       snapshot.TotalPnL,
		Equity:         cfg.EquitySnapshot,
		LastRun:        c.tracker.LastRun(),
	}
}

// RenderStatusTable writes an operator status table for a set of engines.
func RenderStatusTable(w io.Writer, statuses []EngineStatus) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("EXECUTION ENGINES")
	t.SetStyle(table.StyleRounded)

	t.AppendHeader(table.Row{"Account", "Mode", "Enabled", "Breaker", "Open", "Daily Trades", "Daily PnL", "Total PnL", "Equity"})
	for _, s := range statuses {
		breaker := "closed"
		if s.CircuitBreaker {
			breaker = "TRIPPED"
		}
		t.AppendRow(table.Row{
			s.AccountID,
			string(s.Mode),
			s.Enabled,
			breaker,
			s.OpenTrades,
			s.DailyTrades,
			fmt.Sprintf("%.2f", s.DailyPnL),
			fmt.Sprintf("%.2f", s.TotalPnL),
			fmt.Sprintf("%.2f", s.Equity),
		})
	}

	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 12, Align: text.AlignLeft},
		{Number: 7, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
		{Number: 9, Align: text.AlignRight},
	})

	t.Render()
}
