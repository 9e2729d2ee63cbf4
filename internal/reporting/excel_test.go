package reporting

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/deep-research/execution-engine/pkg/types"
)

func TestWriteTradeHistory_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "acct-1.xlsx")

	opened := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	trades := []*types.TradeExecution{
		{
			TradeID:    "trade-1",
			Symbol:     "BTCUSDT",
			Side:       types.DirectionBuy,
			Mode:       types.ModeAuto,
			Status:     types.StatusFilled,
			Quantity:   6.66,
			EntryPrice: 100,
			ExitPrice:  102,
			PnL:        13.32,
			Timestamp:  opened,
			ClosedAt:   opened.Add(2 * time.Hour),
		},
		{
			TradeID:    "trade-2",
			Symbol:     "ETHUSDT",
			Side:       types.DirectionSell,
			Mode:       types.ModeSimulation,
			Status:     types.StatusFilled,
			Quantity:   1.5,
			EntryPrice: 50,
			ExitPrice:  51,
			PnL:        -1.5,
			Timestamp:  opened,
			ClosedAt:   opened.Add(time.Hour),
		},
		{
			TradeID:    "trade-3",
			Symbol:     "SOLUSDT",
			Side:       types.DirectionBuy,
			Mode:       types.ModeAuto,
			Status:     types.StatusFilled,
			Quantity:   10,
			EntryPrice: 20,
			Timestamp:  opened,
		},
	}

	r := NewExcelReporter()
	require.NoError(t, r.WriteTradeHistory("acct-1", trades, path))

	fx, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer fx.Close()

	symbol, err := fx.GetCellValue("Trades", "B2")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", symbol)

	side, err := fx.GetCellValue("Trades", "C3")
	require.NoError(t, err)
	assert.Equal(t, "SELL", side)

	rows, err := fx.GetRows("Trades")
	require.NoError(t, err)
	assert.Len(t, rows, 4) // header + 3 trades

	account, err := fx.GetCellValue("Summary", "B1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", account)

	openCount, err := fx.GetCellValue("Summary", "B3")
	require.NoError(t, err)
	assert.Equal(t, "1", openCount)

	wins, err := fx.GetCellValue("Summary", "B4")
	require.NoError(t, err)
	assert.Equal(t, "1", wins)
}

func TestWriteTradeHistory_EmptyHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.xlsx")

	r := NewExcelReporter()
	require.NoError(t, r.WriteTradeHistory("acct-1", nil, path))

	fx, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer fx.Close()

	header, err := fx.GetCellValue("Trades", "A1")
	require.NoError(t, err)
	assert.Equal(t, "Trade ID", header)
}
