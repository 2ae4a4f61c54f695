package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

func watchCommands() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Scheduled wallet snapshot commands",
		Subcommands: []*cli.Command{
			watchAddCommand(),
			watchRemoveCommand(),
			watchListCommand(),
			watchSnapshotCommand(),
		},
	}
}

func networkFlag() cli.Flag {
	return &cli.StringFlag{Name: "network", Usage: "Solana network (defaults to the server's)"}
}

func watchAddCommand() *cli.Command {
	return &cli.Command{
		Name:      "add",
		Usage:     "Start snapshotting a wallet on a schedule",
		ArgsUsage: "<address>",
		Flags: []cli.Flag{
			networkFlag(),
			&cli.DurationFlag{Name: "interval", Usage: "Snapshot interval (1m to 24h, defaults to the server's)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("wallet address is required")
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			watched, err := cl.Watch(c.Context, c.Args().First(), c.String("network"), c.Duration("interval"))
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, watched)
			}
			fmt.Fprintf(c.App.Writer, "✓ Watching %s on %s every %s\n", watched.Address, watched.Network, watched.SnapshotInterval)
			return nil
		},
	}
}

func watchRemoveCommand() *cli.Command {
	return &cli.Command{
		Name:      "remove",
		Aliases:   []string{"rm"},
		Usage:     "Stop snapshotting a wallet",
		ArgsUsage: "<address>",
		Flags:     []cli.Flag{networkFlag()},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("wallet address is required")
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			if err := cl.Unwatch(c.Context, c.Args().First(), c.String("network")); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "✓ Stopped watching %s\n", c.Args().First())
			return nil
		},
	}
}

func watchListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List watched wallets",
		Action: func(c *cli.Context) error {
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			wallets, err := cl.ListWatched(c.Context)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, wallets)
			}
			if len(wallets) == 0 {
				fmt.Fprintln(c.App.Writer, "No watched wallets")
				return nil
			}
			tw := newTable(c.App.Writer)
			fmt.Fprintln(tw, "ADDRESS\tNETWORK\tINTERVAL\tLAST SNAPSHOT\tCREATED")
			for _, w := range wallets {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", w.Address, w.Network, w.SnapshotInterval, formatTime(w.LastSnapshotAt), formatTime(&w.CreatedAt))
			}
			return tw.Flush()
		},
	}
}

func watchSnapshotCommand() *cli.Command {
	return &cli.Command{
		Name:      "snapshot",
		Usage:     "Show the latest stored snapshot of a watched wallet",
		ArgsUsage: "<address>",
		Flags:     []cli.Flag{networkFlag()},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("wallet address is required")
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			snap, err := cl.LatestSnapshot(c.Context, c.Args().First(), c.String("network"))
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, snap)
			}
			w := c.App.Writer
			fmt.Fprintf(w, "Wallet: %s (%s)\n", snap.Wallet, snap.Network)
			fmt.Fprintf(w, "Taken:  %s\n", formatTime(&snap.TakenAt))
			fmt.Fprintf(w, "SOL:    %s\n\n", snap.SOLBalance.String())
			if len(snap.Holdings) == 0 {
				fmt.Fprintln(w, "No token holdings")
				return nil
			}
			tw := newTable(w)
			fmt.Fprintln(tw, "MINT\tBALANCE\tDECIMALS")
			for _, h := range snap.Holdings {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", h.Mint, h.Balance.String(), h.Decimals)
			}
			return tw.Flush()
		},
	}
}
