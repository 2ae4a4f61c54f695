package temporal

import (
	"context"
	"strings"
	"time"
)

// Scheduler manages Temporal schedules for watched wallets.
// Each wallet gets its own schedule that triggers the SnapshotWalletWorkflow.
type Scheduler interface {
	// UpsertWalletSchedule creates the schedule for a wallet or updates its interval.
	UpsertWalletSchedule(ctx context.Context, address, network string, interval time.Duration) error

	// DeleteWalletSchedule deletes the schedule for a wallet.
	DeleteWalletSchedule(ctx context.Context, address, network string) error
}

// ScheduleLister enumerates existing wallet schedules.
type ScheduleLister interface {
	ListWalletSchedules(ctx context.Context) ([]string, error)
}

// Reconciler can both inspect and repair wallet schedules.
type Reconciler interface {
	Scheduler
	ScheduleLister
}

// scheduleID returns the Temporal schedule ID for a watched wallet.
func scheduleID(address, network string) string {
	return scheduleIDPrefix + network + "-" + address
}

const scheduleIDPrefix = "snapshot-wallet-"

// ParseScheduleID splits a wallet schedule ID into address and network.
// ok is false for IDs not created by this package.
func ParseScheduleID(id string) (address, network string, ok bool) {
	rest, found := strings.CutPrefix(id, scheduleIDPrefix)
	if !found {
		return "", "", false
	}
	network, address, found = strings.Cut(rest, "-")
	if !found || network == "" || address == "" {
		return "", "", false
	}
	return address, network, true
}
