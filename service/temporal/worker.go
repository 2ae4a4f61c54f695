package temporal

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/brojonat/tokendesk/service/metrics"
	natspkg "github.com/brojonat/tokendesk/service/nats"
	"github.com/samber/lo"
	"go.temporal.io/sdk/client"
	sdklog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"
)

const defaultWorkerConcurrency = 10

// WorkerConfig wires the snapshot worker.
type WorkerConfig struct {
	TemporalHost      string
	TemporalNamespace string
	TaskQueue         string

	// Concurrency bounds both activity and workflow task slots. Zero means 10.
	Concurrency int

	Store     StoreInterface
	Ledgers   map[string]Ledger // keyed by network
	Publisher natspkg.Publisher // optional
	Metrics   *metrics.Metrics  // optional
	Logger    *slog.Logger
}

// Worker runs SnapshotWalletWorkflow and its activities.
type Worker struct {
	client   client.Client
	worker   worker.Worker
	logger   *slog.Logger
	stop     chan interface{}
	stopOnce sync.Once
}

// NewWorker dials Temporal and registers the snapshot workflow on the task queue.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if len(config.Ledgers) == 0 {
		return nil, fmt.Errorf("at least one ledger is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "temporal_worker")

	concurrency := config.Concurrency
	if concurrency <= 0 {
		concurrency = defaultWorkerConcurrency
	}

	networks := lo.Keys(config.Ledgers)
	sort.Strings(networks)
	logger.Info("creating temporal worker",
		"host", config.TemporalHost,
		"namespace", config.TemporalNamespace,
		"task_queue", config.TaskQueue,
		"networks", networks,
	)

	c, err := client.Dial(client.Options{
		HostPort:  config.TemporalHost,
		Namespace: config.TemporalNamespace,
		Logger:    sdklog.NewStructuredLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal: %w", err)
	}

	w := worker.New(c, config.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     concurrency,
		MaxConcurrentWorkflowTaskExecutionSize: concurrency,
	})
	w.RegisterWorkflow(SnapshotWalletWorkflow)
	// Methods register under their own names, which the workflow calls.
	w.RegisterActivity(NewActivities(config.Store, config.Ledgers, config.Publisher, config.Metrics, logger))

	logger.Info("registered snapshot workflow and activities", "concurrency", concurrency)
	return &Worker{client: c, worker: w, logger: logger, stop: make(chan interface{})}, nil
}

// Start runs the worker until Stop is called, then closes the Temporal
// connection.
func (w *Worker) Start() error {
	defer w.client.Close()
	w.logger.Info("starting temporal worker")
	if err := w.worker.Run(w.stop); err != nil {
		w.logger.Error("worker stopped with error", "error", err)
		return fmt.Errorf("worker stopped with error: %w", err)
	}
	w.logger.Info("worker stopped gracefully")
	return nil
}

// Stop asks a running Start to return. It is safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}
