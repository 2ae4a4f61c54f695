package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/brojonat/tokendesk/client"
	"github.com/urfave/cli/v2"
)

func tokenCommands() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Token write commands (signed by the server's wallet)",
		Subcommands: []*cli.Command{
			tokenCreateCommand(),
			tokenMintCommand(),
			tokenSendCommand(),
		},
	}
}

func tokenCreateCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Create a new token mint",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Usage: "Token name"},
			&cli.StringFlag{Name: "symbol", Usage: "Token symbol"},
			&cli.UintFlag{Name: "decimals", Usage: "Decimal places (0-9)", Value: 9},
		},
		Action: func(c *cli.Context) error {
			decimals := c.Uint("decimals")
			if decimals > 9 {
				return fmt.Errorf("decimals must be between 0 and 9")
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			result, err := cl.CreateToken(c.Context, c.String("name"), c.String("symbol"), uint8(decimals))
			return printWrite(c, result, err)
		},
	}
}

func tokenMintCommand() *cli.Command {
	return &cli.Command{
		Name:      "mint",
		Usage:     "Mint tokens of a mint the wallet controls",
		ArgsUsage: "<mint> <amount>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "to", Usage: "Destination owner (defaults to the connected wallet)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("mint and amount are required")
			}
			amount, err := parseAmount(c.Args().Get(1))
			if err != nil {
				return err
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			result, err := cl.MintToken(c.Context, c.Args().Get(0), amount, c.String("to"))
			return printWrite(c, result, err)
		},
	}
}

func tokenSendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send tokens to another wallet",
		ArgsUsage: "<mint> <amount> <receiver>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 3 {
				return fmt.Errorf("mint, amount and receiver are required")
			}
			amount, err := parseAmount(c.Args().Get(1))
			if err != nil {
				return err
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			result, err := cl.SendToken(c.Context, c.Args().Get(0), amount, c.Args().Get(2))
			return printWrite(c, result, err)
		},
	}
}

// printWrite reports a write outcome. A failed write that still carries an
// operation prints its unit reports before returning the error.
func printWrite(c *cli.Context, result *client.WriteResult, err error) error {
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Operation != nil {
			if c.Bool("json") {
				_ = outputJSON(c.App.Writer, apiErr.Operation)
			} else {
				writeUnits(c.App.Writer, apiErr.Operation)
			}
		}
		return err
	}

	if c.Bool("json") {
		return outputJSON(c.App.Writer, result)
	}

	w := c.App.Writer
	if result.Message != "" {
		fmt.Fprintf(w, "✓ %s\n", result.Message)
	} else {
		fmt.Fprintf(w, "✓ %s confirmed\n", result.Intent)
	}
	if result.Mint != "" {
		fmt.Fprintf(w, "  Mint: %s\n", result.Mint)
	}
	if result.OperationID != "" {
		fmt.Fprintf(w, "  Operation: %s\n", result.OperationID)
	}
	writeUnits(w, result)
	return nil
}

func writeUnits(w io.Writer, result *client.WriteResult) {
	if len(result.Units) == 0 {
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "UNIT\tSTATUS\tSIGNATURE\tERROR")
	for _, u := range result.Units {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", u.Label, u.Status, u.Signature, u.Error)
	}
	tw.Flush()
}
