package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	sdklog "go.temporal.io/sdk/log"
)

var _ Reconciler = (*Client)(nil)

// Client manages wallet snapshot schedules on a Temporal cluster.
type Client struct {
	sdk          client.Client
	taskQueue    string
	historyLimit int
	logger       *slog.Logger
}

// NewClient dials Temporal. historyLimit is passed to every scheduled
// snapshot run.
func NewClient(host, namespace, taskQueue string, historyLimit int, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("temporal_host", host, "namespace", namespace)

	sdk, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    sdklog.NewStructuredLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}
	logger.Info("connected to temporal", "task_queue", taskQueue)

	return &Client{
		sdk:          sdk,
		taskQueue:    taskQueue,
		historyLimit: historyLimit,
		logger:       logger,
	}, nil
}

// snapshotAction is the workflow each schedule tick starts.
func (c *Client) snapshotAction(address, network string) *client.ScheduleWorkflowAction {
	return &client.ScheduleWorkflowAction{
		ID:        "snapshot-" + network + "-" + address,
		Workflow:  SnapshotWalletWorkflow,
		TaskQueue: c.taskQueue,
		Args: []interface{}{SnapshotWalletInput{
			Address:      address,
			Network:      network,
			HistoryLimit: c.historyLimit,
		}},
	}
}

func everySpec(interval time.Duration) client.ScheduleSpec {
	return client.ScheduleSpec{Intervals: []client.ScheduleIntervalSpec{{Every: interval}}}
}

// UpsertWalletSchedule creates the snapshot schedule of a wallet, or changes
// its interval when the schedule already exists.
func (c *Client) UpsertWalletSchedule(ctx context.Context, address, network string, interval time.Duration) error {
	id := scheduleID(address, network)
	log := c.logger.With("schedule_id", id, "interval", interval)
	handle := c.sdk.ScheduleClient().GetHandle(ctx, id)

	_, err := handle.Describe(ctx)
	var notFound *serviceerror.NotFound
	switch {
	case errors.As(err, &notFound):
		_, err = c.sdk.ScheduleClient().Create(ctx, client.ScheduleOptions{
			ID:     id,
			Spec:   everySpec(interval),
			Action: c.snapshotAction(address, network),
			// Overlapping runs of the same wallet would race on the snapshot time.
			Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
			Memo: map[string]interface{}{
				"wallet_address": address,
				"network":        network,
				"created_by":     "tokendesk",
			},
		})
		if err != nil {
			log.Error("failed to create schedule", "error", err)
			return fmt.Errorf("failed to create schedule %q: %w", id, err)
		}
		log.Info("wallet schedule created")
		return nil
	case err != nil:
		return fmt.Errorf("failed to describe schedule %q: %w", id, err)
	}

	err = handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(input client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			schedule := input.Description.Schedule
			spec := everySpec(interval)
			schedule.Spec = &spec
			schedule.Action = c.snapshotAction(address, network)
			return &client.ScheduleUpdate{Schedule: &schedule}, nil
		},
	})
	if err != nil {
		log.Error("failed to update schedule", "error", err)
		return fmt.Errorf("failed to update schedule %q: %w", id, err)
	}
	log.Info("wallet schedule updated")
	return nil
}

// DeleteWalletSchedule removes the snapshot schedule of a wallet.
func (c *Client) DeleteWalletSchedule(ctx context.Context, address, network string) error {
	id := scheduleID(address, network)
	if err := c.sdk.ScheduleClient().GetHandle(ctx, id).Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule", "schedule_id", id, "error", err)
		return fmt.Errorf("failed to delete schedule %q: %w", id, err)
	}
	c.logger.Info("wallet schedule deleted", "schedule_id", id)
	return nil
}

// ListWalletSchedules returns the IDs of every wallet snapshot schedule.
func (c *Client) ListWalletSchedules(ctx context.Context) ([]string, error) {
	iter, err := c.sdk.ScheduleClient().List(ctx, client.ScheduleListOptions{PageSize: 1000})
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}

	var ids []string
	for iter.HasNext() {
		entry, err := iter.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to iterate schedules: %w", err)
		}
		if _, _, ok := ParseScheduleID(entry.ID); ok {
			ids = append(ids, entry.ID)
		}
	}
	return ids, nil
}

// Close closes the Temporal connection.
func (c *Client) Close() {
	c.sdk.Close()
}
