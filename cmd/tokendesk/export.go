package main

import (
	"fmt"
	"strings"

	"github.com/brojonat/tokendesk/client"
	"github.com/urfave/cli/v2"
	"github.com/xuri/excelize/v2"
)

const historySheet = "History"

func historyExportCommand() *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "Export history to a spreadsheet",
		ArgsUsage: "[owner]",
		Flags: append(historyFlags(),
			&cli.StringFlag{
				Name:     "xlsx",
				Usage:    "Output .xlsx file path",
				Required: true,
			},
		),
		Action: func(c *cli.Context) error {
			path := c.String("xlsx")
			if !strings.HasSuffix(strings.ToLower(path), ".xlsx") {
				return fmt.Errorf("output file must end in .xlsx")
			}
			history, err := fetchHistory(c)
			if err != nil {
				return err
			}
			f, err := historyWorkbook(history)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := f.SaveAs(path); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
			fmt.Fprintf(c.App.Writer, "✓ Exported %d records to %s\n", len(history.Records), path)
			return nil
		},
	}
}

var historyColumns = []interface{}{"Signature", "Slot", "Time", "Status", "Type", "Details", "Mint", "Decimals Guessed"}

// historyWorkbook lays out one row per record under a header row.
func historyWorkbook(h *client.History) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", historySheet); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.SetSheetRow(historySheet, "A1", &historyColumns); err != nil {
		f.Close()
		return nil, err
	}

	for i, r := range h.Records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			f.Close()
			return nil, err
		}
		timestamp, mint := "", ""
		if r.Timestamp != nil {
			timestamp = r.Timestamp.UTC().Format("2006-01-02 15:04:05")
		}
		if r.Mint != nil {
			mint = *r.Mint
		}
		row := []interface{}{r.Signature, r.Slot, timestamp, r.Status, r.Type, r.Details, mint, r.DecimalsGuessed}
		if err := f.SetSheetRow(historySheet, cell, &row); err != nil {
			f.Close()
			return nil, err
		}
	}
	if err := f.SetColWidth(historySheet, "A", "A", 90); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
