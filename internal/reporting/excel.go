package reporting

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/deep-research/execution-engine/pkg/types"
)

// ExcelReporter exports trade history to an Excel workbook.
type ExcelReporter struct{}

// NewExcelReporter creates a new Excel reporter.
func NewExcelReporter() *ExcelReporter {
	return &ExcelReporter{}
}

// excelStyles holds the style IDs used across the workbook.
type excelStyles struct {
	Header   int
	Currency int
	LossPnL  int
	GainPnL  int
}

// WriteTradeHistory writes closed and open trades for one account to an
// Excel file, one row per execution plus a summary sheet.
func (r *ExcelReporter) WriteTradeHistory(accountID string, trades []*types.TradeExecution, path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	fx := excelize.NewFile()
	defer fx.Close()

	const tradesSheet = "Trades"
	const summarySheet = "Summary"

	fx.SetSheetName(fx.GetSheetName(0), tradesSheet)
	fx.NewSheet(summarySheet)

	styles, err := r.createStyles(fx)
	if err != nil {
		return err
	}

	if err := r.writeTradesSheet(fx, tradesSheet, trades, styles); err != nil {
		return err
	}
	if err := r.writeSummarySheet(fx, summarySheet, accountID, trades, styles); err != nil {
		return err
	}

	return fx.SaveAs(path)
}

func (r *ExcelReporter) createStyles(fx *excelize.File) (excelStyles, error) {
	var styles excelStyles
	var err error

	styles.Header, err = fx.NewStyle(&excelize.Style{
		Font: &excelize.Font{
			Bold:   true,
			Size:   11,
			Color:  "FFFFFF",
			Family: "Calibri",
		},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"2F4F4F"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		return styles, err
	}

	styles.Currency, err = fx.NewStyle(&excelize.Style{
		NumFmt:    7,
		Alignment: &excelize.Alignment{Horizontal: "right"},
	})
	if err != nil {
		return styles, err
	}

	styles.LossPnL, err = fx.NewStyle(&excelize.Style{
		NumFmt:    7,
		Font:      &excelize.Font{Color: "FF0000"},
		Alignment: &excelize.Alignment{Horizontal: "right"},
	})
	if err != nil {
		return styles, err
	}

	styles.GainPnL, err = fx.NewStyle(&excelize.Style{
		NumFmt:    7,
		Font:      &excelize.Font{Color: "008000"},
		Alignment: &excelize.Alignment{Horizontal: "right"},
	})
	return styles, err
}

func (r *ExcelReporter) writeTradesSheet(fx *excelize.File, sheet string, trades []*types.TradeExecution, styles excelStyles) error {
	fx.SetColWidth(sheet, "A", "A", 38) // Trade ID
	fx.SetColWidth(sheet, "B", "B", 12) // Symbol
	fx.SetColWidth(sheet, "C", "C", 8)  // Side
	fx.SetColWidth(sheet, "D", "D", 12) // Mode
	fx.SetColWidth(sheet, "E", "E", 12) // Status
	fx.SetColWidth(sheet, "F", "H", 12) // Quantity, Entry, Exit
	fx.SetColWidth(sheet, "I", "I", 14) // PnL
	fx.SetColWidth(sheet, "J", "K", 20) // Opened, Closed

	headers := []string{
		"Trade ID", "Symbol", "Side", "Mode", "Status",
		"Quantity", "Entry Price", "Exit Price", "PnL", "Opened", "Closed",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		fx.SetCellValue(sheet, cell, h)
		fx.SetCellStyle(sheet, cell, cell, styles.Header)
	}

	for i, t := range trades {
		row := i + 2
		closedAt := ""
		if !t.ClosedAt.IsZero() {
			closedAt = t.ClosedAt.Format(time.RFC3339)
		}

		values := []interface{}{
			t.TradeID,
			t.Symbol,
			string(t.Side),
			string(t.Mode),
			string(t.Status),
			t.Quantity,
			t.EntryPrice,
			t.ExitPrice,
			t.PnL,
			t.Timestamp.Format(time.RFC3339),
			closedAt,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			fx.SetCellValue(sheet, cell, v)
		}

		pnlCell, _ := excelize.CoordinatesToCellName(9, row)
		style := styles.GainPnL
		if t.PnL < 0 {
			style = styles.LossPnL
		}
		fx.SetCellStyle(sheet, pnlCell, pnlCell, style)
	}
	return nil
}

func (r *ExcelReporter) writeSummarySheet(fx *excelize.File, sheet, accountID string, trades []*types.TradeExecution, styles excelStyles) error {
	fx.SetColWidth(sheet, "A", "A", 22)
	fx.SetColWidth(sheet, "B", "B", 18)

	var totalPnL float64
	var wins, losses, open int
	for _, t := range trades {
		totalPnL += t.PnL
		switch {
		case t.ClosedAt.IsZero():
			open++
		case t.PnL >= 0:
			wins++
		default:
			losses++
		}
	}

	winRate := 0.0
	if wins+losses > 0 {
		winRate = float64(wins) / float64(wins+losses) * 100
	}

	rows := []struct {
		label string
		value interface{}
	}{
		{"Account", accountID},
		{"Total Trades", len(trades)},
		{"Open Trades", open},
		{"Winning Trades", wins},
		{"Losing Trades", losses},
		{"Win Rate %", winRate},
		{"Total PnL", totalPnL},
		{"Exported At", time.Now().Format(time.RFC3339)},
	}

	for i, row := range rows {
		labelCell, _ := excelize.CoordinatesToCellName(1, i+1)
		valueCell, _ := excelize.CoordinatesToCellName(2, i+1)
		fx.SetCellValue(sheet, labelCell, row.label)
		fx.SetCellStyle(sheet, labelCell, labelCell, styles.Header)
		fx.SetCellValue(sheet, valueCell, row.value)
		if row.label == "Total PnL" {
			fx.SetCellStyle(sheet, valueCell, valueCell, styles.Currency)
		}
	}
	return nil
}
