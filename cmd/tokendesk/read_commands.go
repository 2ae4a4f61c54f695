package main

import (
	"fmt"
	"io"

	"github.com/brojonat/tokendesk/client"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

func holdingsCommand() *cli.Command {
	return &cli.Command{
		Name:      "holdings",
		Usage:     "Show SOL and token balances",
		ArgsUsage: "[owner]",
		Description: `Without an owner the connected wallet's cached balances are shown.
Any other owner is read live from the chain.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "refresh", Aliases: []string{"r"}, Usage: "Re-read balances before showing them"},
		},
		Action: func(c *cli.Context) error {
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			h, err := cl.Holdings(c.Context, client.HoldingsOptions{
				Owner:   c.Args().First(),
				Refresh: c.Bool("refresh"),
			})
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, h)
			}
			writeHoldings(c.App.Writer, h)
			return nil
		},
	}
}

func writeHoldings(w io.Writer, h *client.Holdings) {
	fmt.Fprintf(w, "Owner: %s\n", h.Owner)
	fmt.Fprintf(w, "SOL:   %s\n", h.SOLBalance.String())
	if h.Warning != "" {
		fmt.Fprintf(w, "⚠ %s\n", h.Warning)
	}
	fmt.Fprintln(w)

	if len(h.Holdings) == 0 {
		fmt.Fprintln(w, "No token holdings")
	} else {
		tw := newTable(w)
		fmt.Fprintln(tw, "MINT\tSYMBOL\tBALANCE\tDECIMALS\tTOKEN ACCOUNT")
		for _, holding := range h.Holdings {
			decimals := fmt.Sprintf("%d", holding.Decimals)
			if holding.DecimalsFallback {
				decimals += "?"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				holding.Mint, holding.Symbol, holding.Balance.String(), decimals, holding.TokenAccount)
		}
		tw.Flush()
	}
	if h.Skipped > 0 {
		fmt.Fprintf(w, "\n%d unreadable token accounts skipped\n", h.Skipped)
	}
}

// historyFlags are shared by history and history export.
func historyFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "source", Usage: "live (chain) or archive (stored records)", Value: "live"},
		&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Maximum records to return"},
		&cli.BoolFlag{Name: "refresh", Aliases: []string{"r"}, Usage: "Re-read history before showing it"},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Show reconstructed transaction history",
		ArgsUsage: "[owner]",
		Flags: append(historyFlags(),
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter each record must satisfy (can be repeated)",
			},
			&cli.BoolFlag{Name: "yaml", Usage: "Output records as YAML"},
		),
		Subcommands: []*cli.Command{
			historyExportCommand(),
		},
		Action: func(c *cli.Context) error {
			filters, err := compileFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}
			history, err := fetchHistory(c)
			if err != nil {
				return err
			}
			records, err := filterRecords(history.Records, filters)
			if err != nil {
				return err
			}
			history.Records = records

			switch {
			case c.Bool("json"):
				return outputJSON(c.App.Writer, history)
			case c.Bool("yaml"):
				return outputYAML(c.App.Writer, history)
			}
			writeHistory(c.App.Writer, history)
			return nil
		},
	}
}

func fetchHistory(c *cli.Context) (*client.History, error) {
	cl, err := newClient(c)
	if err != nil {
		return nil, err
	}
	return cl.History(c.Context, client.HistoryOptions{
		Owner:   c.Args().First(),
		Source:  c.String("source"),
		Limit:   c.Int("limit"),
		Refresh: c.Bool("refresh"),
	})
}

func writeHistory(w io.Writer, h *client.History) {
	fmt.Fprintf(w, "Owner: %s (%s)\n\n", h.Owner, h.Source)
	if len(h.Records) == 0 {
		fmt.Fprintln(w, "No transactions")
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "SIGNATURE\tTIME\tSTATUS\tTYPE\tDETAILS")
	for _, r := range h.Records {
		details := r.Details
		if r.DecimalsGuessed {
			details += " (decimals guessed)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", shortSig(r.Signature), formatTime(r.Timestamp), r.Status, r.Type, details)
	}
	tw.Flush()
}

// compileFilters parses and compiles jq filter expressions.
func compileFilters(exprs []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, len(exprs))
	for i, expr := range exprs {
		query, err := gojq.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
		}
		codes[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
		}
	}
	return codes, nil
}

// filterRecords keeps the records every filter evaluates truthy on.
// Filters see each record in its JSON form.
func filterRecords(records []client.Record, filters []*gojq.Code) ([]client.Record, error) {
	if len(filters) == 0 {
		return records, nil
	}
	kept := make([]client.Record, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		var doc interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		if matchesAll(doc, filters) {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

func matchesAll(doc interface{}, filters []*gojq.Code) bool {
	for _, code := range filters {
		iter := code.Run(doc)
		v, ok := iter.Next()
		if !ok {
			return false
		}
		if _, isErr := v.(error); isErr {
			return false
		}
		if !isTruthy(v) {
			return false
		}
	}
	return true
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func outputYAML(w io.Writer, v interface{}) error {
	// Round-trip through JSON so YAML keys follow the API field names.
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

func notificationsCommand() *cli.Command {
	return &cli.Command{
		Name:  "notifications",
		Usage: "List active notifications",
		Subcommands: []*cli.Command{
			{
				Name:      "dismiss",
				Usage:     "Dismiss a notification",
				ArgsUsage: "<id>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("notification id is required")
					}
					cl, err := newClient(c)
					if err != nil {
						return err
					}
					if err := cl.DismissNotification(c.Context, c.Args().First()); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "✓ Dismissed %s\n", c.Args().First())
					return nil
				},
			},
		},
		Action: func(c *cli.Context) error {
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			notifications, err := cl.Notifications(c.Context)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, notifications)
			}
			if len(notifications) == 0 {
				fmt.Fprintln(c.App.Writer, "No active notifications")
				return nil
			}
			tw := newTable(c.App.Writer)
			fmt.Fprintln(tw, "ID\tTYPE\tMESSAGE\tEXPIRES")
			for _, n := range notifications {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", n.ID, n.Type, n.Message, formatTime(&n.ExpiresAt))
			}
			return tw.Flush()
		},
	}
}

func operationsCommand() *cli.Command {
	return &cli.Command{
		Name:  "operations",
		Usage: "List journaled token writes",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "wallet", Usage: "Only operations signed by this wallet"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Maximum operations to return", Value: 20},
		},
		Action: func(c *cli.Context) error {
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			ops, err := cl.Operations(c.Context, c.String("wallet"), c.Int("limit"))
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, ops)
			}
			if len(ops) == 0 {
				fmt.Fprintln(c.App.Writer, "No operations")
				return nil
			}
			tw := newTable(c.App.Writer)
			fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tMINT\tAMOUNT\tCREATED")
			for _, op := range ops {
				mint, amount := "", ""
				if op.Mint != nil {
					mint = *op.Mint
				}
				if op.Amount != nil {
					amount = op.Amount.String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", op.ID, op.Kind, op.Status, mint, amount, formatTime(&op.CreatedAt))
			}
			return tw.Flush()
		},
	}
}
