package solana

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// Kind classifies failures surfaced by ledger operations.
type Kind string

const (
	// KindLookupFailed is an RPC or network failure while reading ledger state.
	KindLookupFailed Kind = "lookup_failed"
	// KindAccountAbsent means a queried account does not exist.
	KindAccountAbsent Kind = "account_absent"
	// KindPreconditionFailed means the intent cannot be satisfied with current state.
	KindPreconditionFailed Kind = "precondition_failed"
	// KindSubmissionFailed means the ledger rejected the transaction or its execution errored.
	KindSubmissionFailed Kind = "submission_failed"
	// KindConfirmationTimeout means the ledger did not confirm in time.
	KindConfirmationTimeout Kind = "confirmation_timeout"
	// KindOperationInProgress means another write holds the operation slot.
	KindOperationInProgress Kind = "operation_in_progress"
)

var (
	// ErrNoSourceAccount is returned when sending from a wallet with no token account for the mint.
	ErrNoSourceAccount = errors.New("You don't have a token account for this token. Please mint some tokens first.")

	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be greater than zero")

	// ErrAmountBelowUnit is returned when an amount truncates to zero raw units.
	ErrAmountBelowUnit = errors.New("amount is smaller than the token's smallest unit")

	// ErrAmountOverflow is returned when an amount does not fit in 64 raw bits.
	ErrAmountOverflow = errors.New("amount exceeds the maximum token supply")

	// ErrOperationInProgress is returned when a write is attempted while another is in flight.
	ErrOperationInProgress = errors.New("another operation is already in progress")

	// ErrWalletNotConnected is returned for writes without a connected wallet.
	ErrWalletNotConnected = errors.New("wallet not connected")

	// ErrConfirmationTimeout is wrapped by KindConfirmationTimeout errors.
	ErrConfirmationTimeout = errors.New("transaction was not confirmed in time")
)

// OpError is a classified failure of a ledger operation.
type OpError struct {
	Kind Kind
	Op   string
	Err  error
	// LedgerErr carries the ledger's error payload for failed executions.
	LedgerErr interface{}
}

func (e *OpError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first OpError in err's chain, or "" if none.
func KindOf(err error) Kind {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	return ""
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// UserMessage returns the message to show a user for err, without operation prefixes.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Err.Error()
	}
	return err.Error()
}

func lookupFailed(op string, err error) error {
	return &OpError{Kind: KindLookupFailed, Op: op, Err: err}
}

func preconditionFailed(op string, err error) error {
	return &OpError{Kind: KindPreconditionFailed, Op: op, Err: err}
}

func submissionFailed(op string, err error) error {
	return &OpError{Kind: KindSubmissionFailed, Op: op, Err: describeRPCError(err)}
}

// describeRPCError flattens JSON-RPC errors into a readable message, keeping preflight logs.
func describeRPCError(err error) error {
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return err
	}
	msg := rpcErr.Message
	if data, ok := rpcErr.Data.(map[string]interface{}); ok {
		if logs, ok := data["logs"].([]interface{}); ok && len(logs) > 0 {
			lines := make([]string, 0, len(logs))
			for _, l := range logs {
				lines = append(lines, fmt.Sprint(l))
			}
			msg += " [" + strings.Join(lines, "; ") + "]"
		}
	}
	return &rpcFailure{msg: fmt.Sprintf("rpc error %d: %s", rpcErr.Code, msg), err: err}
}

type rpcFailure struct {
	msg string
	err error
}

func (e *rpcFailure) Error() string { return e.msg }
func (e *rpcFailure) Unwrap() error { return e.err }

func isRateLimited(err error) bool {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == 429 {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "429")
}
