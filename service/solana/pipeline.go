package solana

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/tokendesk/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// UnitStatus is the lifecycle state of one submitted unit.
type UnitStatus string

const (
	UnitBuilt     UnitStatus = "built"
	UnitStamped   UnitStatus = "stamped"
	UnitSigned    UnitStatus = "signed"
	UnitSubmitted UnitStatus = "submitted"
	UnitConfirmed UnitStatus = "confirmed"
	UnitFailed    UnitStatus = "failed"
)

// UnitReport is the outcome of one unit of a plan.
type UnitReport struct {
	Label     string
	Status    UnitStatus
	Signature solana.Signature
	Err       error
}

// Receipt is the outcome of executing a plan. Units after a failure are
// never submitted and do not appear in Units.
type Receipt struct {
	Intent Intent
	Mint   solana.PublicKey
	Units  []UnitReport
}

// Committed returns the signatures of all confirmed units.
func (r *Receipt) Committed() []solana.Signature {
	var sigs []solana.Signature
	for _, u := range r.Units {
		if u.Status == UnitConfirmed {
			sigs = append(sigs, u.Signature)
		}
	}
	return sigs
}

// LastSignature returns the signature of the final confirmed unit.
func (r *Receipt) LastSignature() solana.Signature {
	sigs := r.Committed()
	if len(sigs) == 0 {
		return solana.Signature{}
	}
	return sigs[len(sigs)-1]
}

// PipelineConfig tunes confirmation waiting.
type PipelineConfig struct {
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// Pipeline stamps, signs, submits and confirms plan units one at a time.
type Pipeline struct {
	client  *Client
	cfg     PipelineConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewPipeline creates a Pipeline. Zero config values get defaults of 60s
// timeout and 500ms polling.
func NewPipeline(client *Client, cfg PipelineConfig, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Pipeline{client: client, cfg: cfg, logger: logger, metrics: m}
}

// Execute submits plan units in order, waiting for each to confirm before
// building the next. The first failure aborts the plan; confirmed units stay
// committed. The returned receipt is non-nil even on error.
func (p *Pipeline) Execute(ctx context.Context, plan *Plan, signer Signer) (*Receipt, error) {
	receipt := &Receipt{Intent: plan.Intent, Mint: plan.Mint}
	if signer == nil {
		return receipt, preconditionFailed(string(plan.Intent), ErrWalletNotConnected)
	}

	for i, unit := range plan.Units {
		report, err := p.runUnit(ctx, unit, signer)
		receipt.Units = append(receipt.Units, report)
		if err != nil {
			p.logger.WarnContext(ctx, "plan aborted",
				"intent", plan.Intent,
				"unit", unit.Label,
				"position", i+1,
				"total", len(plan.Units),
				"committed", len(receipt.Committed()),
				"error", err,
			)
			return receipt, err
		}
	}

	p.logger.InfoContext(ctx, "plan committed",
		"intent", plan.Intent,
		"mint", plan.Mint.String(),
		"units", len(plan.Units),
	)
	return receipt, nil
}

func (p *Pipeline) runUnit(ctx context.Context, unit Unit, signer Signer) (UnitReport, error) {
	report := UnitReport{Label: unit.Label, Status: UnitBuilt}
	p.transition(unit.Label, UnitBuilt)

	fail := func(err error) (UnitReport, error) {
		report.Status = UnitFailed
		report.Err = err
		p.transition(unit.Label, UnitFailed)
		return report, err
	}

	blockhash, err := p.client.LatestBlockhash(ctx)
	if err != nil {
		return fail(err)
	}
	tx, err := solana.NewTransaction(unit.Instructions, blockhash, solana.TransactionPayer(signer.PublicKey()))
	if err != nil {
		return fail(fmt.Errorf("failed to assemble transaction %s: %w", unit.Label, err))
	}
	report.Status = UnitStamped
	p.transition(unit.Label, UnitStamped)

	if err := signer.SignTransaction(ctx, tx); err != nil {
		return fail(preconditionFailed("sign "+unit.Label, err))
	}
	if len(unit.CoSigners) > 0 {
		if err := coSign(tx, unit.CoSigners...); err != nil {
			return fail(preconditionFailed("co-sign "+unit.Label, err))
		}
	}
	// An unfilled slot fails verification, so nothing incomplete is sent.
	if err := tx.VerifySignatures(); err != nil {
		return fail(preconditionFailed("sign "+unit.Label, err))
	}
	report.Status = UnitSigned
	p.transition(unit.Label, UnitSigned)

	sig, err := p.client.SendTransaction(ctx, tx)
	if err != nil {
		return fail(err)
	}
	report.Signature = sig
	report.Status = UnitSubmitted
	p.transition(unit.Label, UnitSubmitted)

	p.logger.DebugContext(ctx, "unit submitted", "unit", unit.Label, "signature", sig.String())

	if err := p.awaitConfirmation(ctx, unit.Label, sig); err != nil {
		return fail(err)
	}
	report.Status = UnitConfirmed
	p.transition(unit.Label, UnitConfirmed)
	return report, nil
}

// awaitConfirmation polls the signature status until it reaches confirmed or
// finalized, the ledger reports an execution error, or the timeout elapses.
// Status lookup errors are treated as transient. The caller's cancellation
// is ignored here since the transaction is already on its way to the ledger.
func (p *Pipeline) awaitConfirmation(ctx context.Context, label string, sig solana.Signature) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := p.client.SignatureStatus(ctx, sig)
		switch {
		case err != nil && ctx.Err() == nil:
			p.logger.DebugContext(ctx, "signature status lookup failed, retrying",
				"unit", label,
				"signature", sig.String(),
				"error", err,
			)
		case status != nil && status.Err != nil:
			p.recordWait(label, "failed", start)
			return &OpError{
				Kind:      KindSubmissionFailed,
				Op:        "confirm " + label,
				Err:       fmt.Errorf("transaction %s failed: %v", sig, status.Err),
				LedgerErr: status.Err,
			}
		case status != nil && isConfirmed(status.ConfirmationStatus):
			p.recordWait(label, "confirmed", start)
			return nil
		}

		select {
		case <-ctx.Done():
			p.recordWait(label, "timeout", start)
			return &OpError{
				Kind: KindConfirmationTimeout,
				Op:   "confirm " + label,
				Err:  fmt.Errorf("%w: %s after %s", ErrConfirmationTimeout, sig, p.cfg.ConfirmTimeout),
			}
		case <-ticker.C:
		}
	}
}

func isConfirmed(status rpc.ConfirmationStatusType) bool {
	return status == rpc.ConfirmationStatusConfirmed || status == rpc.ConfirmationStatusFinalized
}

func (p *Pipeline) transition(label string, status UnitStatus) {
	if p.metrics != nil {
		p.metrics.RecordUnitTransition(label, string(status))
	}
}

func (p *Pipeline) recordWait(label, outcome string, start time.Time) {
	if p.metrics != nil {
		p.metrics.RecordConfirmationWait(label, outcome, time.Since(start).Seconds())
	}
}
