package export

import (
	"fmt"
	"time"

	"invest-instruments/internal/models"

	"github.com/xuri/excelize/v2"
)

const sheetName = "Potentials"

var header = []string{"UID", "SecID", "Ticker", "Computed At", "Prev Close", "Consensus", "Potential Rel", "Potential Abs"}

// WritePotentials renders potential rows into an Excel workbook, one row
// per record, rel values formatted as percentages.
func WritePotentials(path string, rows []models.SharePotential) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	for col, title := range header {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		if err := f.SetCellValue(sheetName, cell, title); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
	}

	percentStyle, err := f.NewStyle(&excelize.Style{NumFmt: 10}) // 0.00%
	if err != nil {
		return fmt.Errorf("failed to create style: %w", err)
	}

	for i, row := range rows {
		r := i + 2
		values := []interface{}{
			row.UID,
			row.SecID,
			row.Ticker,
			row.ComputedAt.UTC().Format(time.RFC3339),
			deref(row.PrevClose),
			deref(row.ConsensusPrice),
			deref(row.PotentialRel),
			deref(row.PotentialAbs),
		}
		for col, v := range values {
			if v == nil {
				continue
			}
			cell, _ := excelize.CoordinatesToCellName(col+1, r)
			if err := f.SetCellValue(sheetName, cell, v); err != nil {
				return fmt.Errorf("failed to write row %d: %w", r, err)
			}
		}
		relCell, _ := excelize.CoordinatesToCellName(7, r)
		_ = f.SetCellStyle(sheetName, relCell, relCell, percentStyle)
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook %s: %w", path, err)
	}
	return nil
}

func deref(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
