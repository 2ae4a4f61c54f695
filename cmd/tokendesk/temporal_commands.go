package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/brojonat/tokendesk/service/db"
	"github.com/brojonat/tokendesk/service/temporal"
	"github.com/urfave/cli/v2"
)

func taskQueueFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "task-queue",
		Usage:   "Task queue for created schedules",
		EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
		Value:   "tokendesk-snapshots",
	}
}

func listSchedulesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-schedules",
		Usage:   "List wallet snapshot schedules",
		Aliases: []string{"ls"},
		Action: func(c *cli.Context) error {
			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			ids, err := temporalClient.ListWalletSchedules(c.Context)
			if err != nil {
				return err
			}
			sort.Strings(ids)

			if c.Bool("json") {
				return outputJSON(c.App.Writer, ids)
			}
			tw := newTable(c.App.Writer)
			fmt.Fprintln(tw, "SCHEDULE ID\tNETWORK\tADDRESS")
			for _, id := range ids {
				address, network, _ := temporal.ParseScheduleID(id)
				fmt.Fprintf(tw, "%s\t%s\t%s\n", id, network, address)
			}
			tw.Flush()

			fmt.Fprintf(c.App.ErrWriter, "\nTotal: %d schedules\n", len(ids))
			return nil
		},
	}
}

// scheduleDrift is the difference between watched wallets and schedules.
type scheduleDrift struct {
	Missing  []*db.WatchedWallet
	Orphaned []string
}

func (d scheduleDrift) empty() bool {
	return len(d.Missing) == 0 && len(d.Orphaned) == 0
}

// diffSchedules finds watched wallets without a schedule and schedules
// without a watched wallet.
func diffSchedules(wallets []*db.WatchedWallet, scheduleIDs []string) scheduleDrift {
	type key struct{ address, network string }

	scheduled := make(map[key]bool, len(scheduleIDs))
	for _, id := range scheduleIDs {
		if address, network, ok := temporal.ParseScheduleID(id); ok {
			scheduled[key{address, network}] = true
		}
	}
	watched := make(map[key]bool, len(wallets))
	for _, w := range wallets {
		watched[key{w.Address, w.Network}] = true
	}

	var drift scheduleDrift
	for _, w := range wallets {
		if !scheduled[key{w.Address, w.Network}] {
			drift.Missing = append(drift.Missing, w)
		}
	}
	for _, id := range scheduleIDs {
		address, network, ok := temporal.ParseScheduleID(id)
		if !ok || !watched[key{address, network}] {
			drift.Orphaned = append(drift.Orphaned, id)
		}
	}
	sort.Strings(drift.Orphaned)
	return drift
}

func reconcileCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Check for inconsistencies between watched wallets and Temporal schedules",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "fix",
				Usage: "Automatically fix inconsistencies (creates missing schedules, deletes orphaned ones)",
			},
			taskQueueFlag(),
			&cli.IntFlag{
				Name:    "history-limit",
				Usage:   "History records read by created schedules (0 uses the worker default)",
				EnvVars: []string{"HISTORY_LIMIT"},
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			return runReconcile(c.Context, c.App.Writer, store, temporalClient, c.Bool("fix"))
		},
	}
}

type watchLister interface {
	ListWatchedWallets(ctx context.Context) ([]*db.WatchedWallet, error)
}

// runReconcile reports schedule drift and, with fix set, repairs it.
func runReconcile(ctx context.Context, w io.Writer, store watchLister, schedules temporal.Reconciler, fix bool) error {
	wallets, err := store.ListWatchedWallets(ctx)
	if err != nil {
		return fmt.Errorf("failed to list watched wallets: %w", err)
	}
	ids, err := schedules.ListWalletSchedules(ctx)
	if err != nil {
		return err
	}

	drift := diffSchedules(wallets, ids)
	writeDrift(w, len(wallets), len(ids), drift)

	if drift.empty() {
		return nil
	}
	if !fix {
		fmt.Fprintf(w, "\nTo fix these issues, run: tokendesk temporal reconcile --fix\n")
		return nil
	}

	fmt.Fprintf(w, "\nFixing inconsistencies...\n")
	fixDrift(ctx, w, schedules, drift)
	fmt.Fprintf(w, "\nReconciliation complete!\n")
	return nil
}

func writeDrift(w io.Writer, walletCount, scheduleCount int, drift scheduleDrift) {
	fmt.Fprintf(w, "Reconciliation Report:\n")
	fmt.Fprintf(w, "  Watched wallets: %d\n", walletCount)
	fmt.Fprintf(w, "  Schedules in Temporal: %d\n\n", scheduleCount)

	if len(drift.Missing) > 0 {
		fmt.Fprintf(w, "⚠ Wallets missing schedules (%d):\n", len(drift.Missing))
		for _, wallet := range drift.Missing {
			fmt.Fprintf(w, "  - %s:%s (every %s)\n", wallet.Address, wallet.Network, wallet.SnapshotInterval)
		}
	} else {
		fmt.Fprintf(w, "✓ All watched wallets have schedules\n")
	}

	if len(drift.Orphaned) > 0 {
		fmt.Fprintf(w, "\n⚠ Orphaned schedules (%d):\n", len(drift.Orphaned))
		for _, id := range drift.Orphaned {
			fmt.Fprintf(w, "  - %s\n", id)
		}
	} else {
		fmt.Fprintf(w, "✓ No orphaned schedules\n")
	}
}

// fixDrift creates or deletes schedules, reporting each failure and
// carrying on.
func fixDrift(ctx context.Context, w io.Writer, scheduler temporal.Scheduler, drift scheduleDrift) {
	for _, wallet := range drift.Missing {
		if err := scheduler.UpsertWalletSchedule(ctx, wallet.Address, wallet.Network, wallet.SnapshotInterval); err != nil {
			fmt.Fprintf(w, "  ✗ Failed to create schedule for %s: %v\n", wallet.Address, err)
			continue
		}
		fmt.Fprintf(w, "  ✓ Created schedule for %s on %s\n", wallet.Address, wallet.Network)
	}
	for _, id := range drift.Orphaned {
		address, network, ok := temporal.ParseScheduleID(id)
		if !ok {
			fmt.Fprintf(w, "  ✗ Skipped unrecognized schedule %s\n", id)
			continue
		}
		if err := scheduler.DeleteWalletSchedule(ctx, address, network); err != nil {
			fmt.Fprintf(w, "  ✗ Failed to delete schedule %s: %v\n", id, err)
			continue
		}
		fmt.Fprintf(w, "  ✓ Deleted orphaned schedule %s\n", id)
	}
}

// getStore opens the database named by --database-url.
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
	defer cancel()
	pool, err := db.Connect(ctx, dbURL)
	if err != nil {
		return nil, nil, err
	}
	return db.NewStore(pool, nil), pool.Close, nil
}

// getTemporalClient connects to Temporal using the global flags.
func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	return temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("task-queue"),
		c.Int("history-limit"),
		newLogger(c),
	)
}
