package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// SnapshotWalletWorkflow records the holdings and recent history of a
// watched wallet. It is triggered by a Temporal schedule per wallet.
//
// Steps:
//  1. FetchHoldings reads SOL and token balances (fatal on error)
//  2. FetchHistory reconstructs recent transactions (skipped on error)
//  3. ArchiveSnapshot persists both (fatal on error)
//  4. PublishSnapshot announces the snapshot on NATS (logged on error)
func SnapshotWalletWorkflow(ctx workflow.Context, input SnapshotWalletInput) (*SnapshotWalletResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("SnapshotWalletWorkflow started", "address", input.Address, "network", input.Network)

	startedAt := workflow.Now(ctx)
	result := &SnapshotWalletResult{
		Address: input.Address,
		Network: input.Network,
		TakenAt: startedAt.UTC(),
	}
	fail := func(step string, err error) (*SnapshotWalletResult, error) {
		msg := fmt.Sprintf("%s: %v", step, err)
		result.Error = &msg
		return result, fmt.Errorf("%s: %w", step, err)
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 120 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})

	var holdings *FetchHoldingsResult
	err := workflow.ExecuteActivity(ctx, a.FetchHoldings, FetchHoldingsInput{
		Address: input.Address,
		Network: input.Network,
	}).Get(ctx, &holdings)
	if err != nil {
		logger.Error("failed to fetch holdings", "address", input.Address, "error", err)
		return fail("failed to fetch holdings", err)
	}
	result.HoldingCount = len(holdings.Holdings)

	var history *FetchHistoryResult
	err = workflow.ExecuteActivity(ctx, a.FetchHistory, FetchHistoryInput{
		Address: input.Address,
		Network: input.Network,
		Limit:   input.HistoryLimit,
	}).Get(ctx, &history)
	if err != nil {
		// A snapshot without history is still worth keeping.
		logger.Warn("failed to fetch history, archiving holdings only", "address", input.Address, "error", err)
		history = &FetchHistoryResult{}
	}
	result.RecordCount = len(history.Records)

	var archived *ArchiveSnapshotResult
	err = workflow.ExecuteActivity(ctx, a.ArchiveSnapshot, ArchiveSnapshotInput{
		Address:     input.Address,
		Network:     input.Network,
		TakenAt:     result.TakenAt,
		SOLLamports: holdings.SOLLamports,
		Holdings:    holdings.Holdings,
		Records:     history.Records,
	}).Get(ctx, &archived)
	if err != nil {
		logger.Error("failed to archive snapshot", "address", input.Address, "error", err)
		return fail("failed to archive snapshot", err)
	}
	result.SnapshotID = archived.SnapshotID
	result.RecordsWritten = archived.RecordsWritten

	err = workflow.ExecuteActivity(ctx, a.PublishSnapshot, PublishSnapshotInput{
		Address:     input.Address,
		Network:     input.Network,
		SnapshotID:  archived.SnapshotID,
		TakenAt:     result.TakenAt,
		SOLLamports: holdings.SOLLamports,
		Holdings:    holdings.Holdings,
		RecordCount: result.RecordCount,
		StartedAt:   startedAt,
	}).Get(ctx, nil)
	if err != nil {
		logger.Warn("failed to publish snapshot", "address", input.Address, "error", err)
	}

	logger.Info("SnapshotWalletWorkflow completed",
		"address", input.Address,
		"snapshot_id", result.SnapshotID,
		"holdings", result.HoldingCount,
		"records", result.RecordCount,
	)

	return result, nil
}
