package solana

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

// RecordStatus is the execution outcome of a historical transaction.
type RecordStatus string

const (
	StatusSuccess RecordStatus = "Success"
	StatusFailed  RecordStatus = "Failed"
)

// TransactionRecord is a display projection of one historical transaction.
// Records are immutable once built; a refresh replaces the whole list.
type TransactionRecord struct {
	Signature solana.Signature
	Slot      uint64
	Timestamp time.Time
	Status    RecordStatus
	Type      string
	Details   string
	Mint      *solana.PublicKey
	// DecimalsGuessed is set when amounts in Details were scaled with the
	// fixed fallback exponent.
	DecimalsGuessed bool
}

// RecordResult is the outcome for one signature. Exactly one of Record or Err is set.
type RecordResult struct {
	Signature solana.Signature
	Record    *TransactionRecord
	Err       error
}
