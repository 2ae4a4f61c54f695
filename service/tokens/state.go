package tokens

import (
	"time"

	"github.com/brojonat/tokendesk/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// InFlight describes the write currently holding the gate.
type InFlight struct {
	Intent    solana.Intent
	StartedAt time.Time
}

// State is a read-only copy of what the desk currently shows.
type State struct {
	Connected         bool
	Wallet            solanago.PublicKey
	SOLBalance        decimal.Decimal
	Holdings          []solana.Holding
	Records           []solana.TransactionRecord
	BalancesUpdatedAt time.Time
	HistoryUpdatedAt  time.Time
	InFlight          *InFlight
}

func (s State) clone() State {
	out := s
	out.Holdings = append([]solana.Holding{}, s.Holdings...)
	out.Records = make([]solana.TransactionRecord, len(s.Records))
	for i, r := range s.Records {
		if r.Mint != nil {
			mint := *r.Mint
			r.Mint = &mint
		}
		out.Records[i] = r
	}
	if s.InFlight != nil {
		inFlight := *s.InFlight
		out.InFlight = &inFlight
	}
	return out
}

// Balances is the result of one balance refresh.
type Balances struct {
	Owner     solanago.PublicKey
	Lamports  uint64
	SOL       decimal.Decimal
	Holdings  []solana.Holding
	Skipped   int
	UpdatedAt time.Time
}
