package server

import (
	"time"

	"github.com/brojonat/tokendesk/service/db"
	"github.com/brojonat/tokendesk/service/solana"
	"github.com/brojonat/tokendesk/service/tokens"
	"github.com/samber/lo"
)

type errorResponse struct {
	Error     string         `json:"error"`
	Kind      string         `json:"kind,omitempty"`
	Operation *writeResponse `json:"operation,omitempty"`
}

// writeResponse is the JSON response format for a token write.
type writeResponse struct {
	OperationID string         `json:"operation_id,omitempty"`
	Intent      string         `json:"intent"`
	Mint        string         `json:"mint,omitempty"`
	Message     string         `json:"message,omitempty"`
	Units       []unitResponse `json:"units"`
	Committed   []string       `json:"committed"`
}

type unitResponse struct {
	Label     string `json:"label"`
	Status    string `json:"status"`
	Signature string `json:"signature,omitempty"`
	Error     string `json:"error,omitempty"`
}

func resultToResponse(r *tokens.Result) writeResponse {
	resp := writeResponse{
		OperationID: r.OperationID,
		Intent:      string(r.Intent),
		Message:     r.Message,
		Units:       []unitResponse{},
		Committed:   []string{},
	}
	if !r.Mint.IsZero() {
		resp.Mint = r.Mint.String()
	}
	if r.Receipt != nil {
		resp.Units = lo.Map(r.Receipt.Units, func(u solana.UnitReport, _ int) unitResponse {
			out := unitResponse{Label: u.Label, Status: string(u.Status)}
			if !u.Signature.IsZero() {
				out.Signature = u.Signature.String()
			}
			if u.Err != nil {
				out.Error = solana.UserMessage(u.Err)
			}
			return out
		})
		for _, sig := range r.Receipt.Committed() {
			resp.Committed = append(resp.Committed, sig.String())
		}
	}
	return resp
}

type walletResponse struct {
	Connected         bool              `json:"connected"`
	Address           string            `json:"address,omitempty"`
	Network           string            `json:"network"`
	SOLBalance        string            `json:"sol_balance"`
	HoldingCount      int               `json:"holding_count"`
	RecordCount       int               `json:"record_count"`
	BalancesUpdatedAt *time.Time        `json:"balances_updated_at,omitempty"`
	HistoryUpdatedAt  *time.Time        `json:"history_updated_at,omitempty"`
	InFlight          *inFlightResponse `json:"in_flight,omitempty"`
}

type inFlightResponse struct {
	Intent    string    `json:"intent"`
	StartedAt time.Time `json:"started_at"`
}

func stateToWalletResponse(s tokens.State, network string) walletResponse {
	resp := walletResponse{
		Connected:         s.Connected,
		Network:           network,
		SOLBalance:        s.SOLBalance.String(),
		HoldingCount:      len(s.Holdings),
		RecordCount:       len(s.Records),
		BalancesUpdatedAt: timePtr(s.BalancesUpdatedAt),
		HistoryUpdatedAt:  timePtr(s.HistoryUpdatedAt),
	}
	if s.Connected {
		resp.Address = s.Wallet.String()
	}
	if s.InFlight != nil {
		resp.InFlight = &inFlightResponse{Intent: string(s.InFlight.Intent), StartedAt: s.InFlight.StartedAt}
	}
	return resp
}

type holdingsResponse struct {
	Owner      string            `json:"owner"`
	SOLBalance string            `json:"sol_balance"`
	Holdings   []holdingResponse `json:"holdings"`
	Skipped    int               `json:"skipped"`
	Warning    string            `json:"warning,omitempty"`
	UpdatedAt  *time.Time        `json:"updated_at,omitempty"`
}

type holdingResponse struct {
	Mint             string `json:"mint"`
	TokenAccount     string `json:"token_account"`
	RawAmount        uint64 `json:"raw_amount"`
	Decimals         uint8  `json:"decimals"`
	Balance          string `json:"balance"`
	DecimalsFallback bool   `json:"decimals_fallback,omitempty"`
	Name             string `json:"name,omitempty"`
	Symbol           string `json:"symbol,omitempty"`
}

func holdingToResponse(h solana.Holding, _ int) holdingResponse {
	return holdingResponse{
		Mint:             h.Mint.String(),
		TokenAccount:     h.TokenAccount.String(),
		RawAmount:        h.RawAmount,
		Decimals:         h.Decimals,
		Balance:          h.Balance.String(),
		DecimalsFallback: h.DecimalsFallback,
		Name:             h.Name,
		Symbol:           h.Symbol,
	}
}

type historyResponse struct {
	Owner     string           `json:"owner"`
	Source    string           `json:"source"`
	Records   []recordResponse `json:"records"`
	UpdatedAt *time.Time       `json:"updated_at,omitempty"`
}

// recordResponse is the JSON response format for a transaction record.
type recordResponse struct {
	Signature       string     `json:"signature"`
	Slot            uint64     `json:"slot"`
	Timestamp       *time.Time `json:"timestamp,omitempty"`
	Status          string     `json:"status"`
	Type            string     `json:"type"`
	Details         string     `json:"details"`
	Mint            *string    `json:"mint,omitempty"`
	DecimalsGuessed bool       `json:"decimals_guessed,omitempty"`
}

func recordToResponse(r solana.TransactionRecord, _ int) recordResponse {
	resp := recordResponse{
		Signature:       r.Signature.String(),
		Slot:            r.Slot,
		Timestamp:       timePtr(r.Timestamp),
		Status:          string(r.Status),
		Type:            r.Type,
		Details:         r.Details,
		DecimalsGuessed: r.DecimalsGuessed,
	}
	if r.Mint != nil {
		resp.Mint = lo.ToPtr(r.Mint.String())
	}
	return resp
}

func archivedToResponse(r *db.TransactionRecord, _ int) recordResponse {
	return recordResponse{
		Signature:       r.Signature,
		Slot:            uint64(r.Slot),
		Timestamp:       r.BlockTime,
		Status:          r.Status,
		Type:            r.Type,
		Details:         r.Details,
		Mint:            r.Mint,
		DecimalsGuessed: r.DecimalsGuessed,
	}
}

// operationResponse is the JSON response format for a journaled operation.
type operationResponse struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Wallet      string     `json:"wallet"`
	Network     string     `json:"network"`
	Mint        *string    `json:"mint,omitempty"`
	Amount      *string    `json:"amount,omitempty"`
	Label       *string    `json:"label,omitempty"`
	Status      string     `json:"status"`
	Signatures  []string   `json:"signatures"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func operationToResponse(o *db.Operation, _ int) operationResponse {
	resp := operationResponse{
		ID:          o.ID,
		Kind:        o.Kind,
		Wallet:      o.Wallet,
		Network:     o.Network,
		Mint:        o.Mint,
		Label:       o.Label,
		Status:      o.Status,
		Signatures:  o.Signatures,
		Error:       o.Error,
		CreatedAt:   o.CreatedAt,
		CompletedAt: o.CompletedAt,
	}
	if o.Amount != nil {
		resp.Amount = lo.ToPtr(o.Amount.String())
	}
	if resp.Signatures == nil {
		resp.Signatures = []string{}
	}
	return resp
}

// watchResponse is the JSON response format for a watched wallet.
type watchResponse struct {
	Address          string     `json:"address"`
	Network          string     `json:"network"`
	SnapshotInterval string     `json:"snapshot_interval"`
	LastSnapshotAt   *time.Time `json:"last_snapshot_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func watchToResponse(w *db.WatchedWallet, _ int) watchResponse {
	return watchResponse{
		Address:          w.Address,
		Network:          w.Network,
		SnapshotInterval: w.SnapshotInterval.String(),
		LastSnapshotAt:   w.LastSnapshotAt,
		CreatedAt:        w.CreatedAt,
		UpdatedAt:        w.UpdatedAt,
	}
}

type snapshotResponse struct {
	ID         int64                     `json:"id"`
	Wallet     string                    `json:"wallet"`
	Network    string                    `json:"network"`
	TakenAt    time.Time                 `json:"taken_at"`
	SOLBalance string                    `json:"sol_balance"`
	Holdings   []snapshotHoldingResponse `json:"holdings"`
}

type snapshotHoldingResponse struct {
	Mint             string `json:"mint"`
	TokenAccount     string `json:"token_account"`
	RawAmount        uint64 `json:"raw_amount"`
	Decimals         uint8  `json:"decimals"`
	Balance          string `json:"balance"`
	DecimalsFallback bool   `json:"decimals_fallback,omitempty"`
}

func snapshotToResponse(s *db.HoldingSnapshot) snapshotResponse {
	return snapshotResponse{
		ID:         s.ID,
		Wallet:     s.Wallet,
		Network:    s.Network,
		TakenAt:    s.TakenAt,
		SOLBalance: solana.LamportsToSOL(s.SOLLamports).String(),
		Holdings: lo.Map(s.Holdings, func(h db.SnapshotHolding, _ int) snapshotHoldingResponse {
			return snapshotHoldingResponse{
				Mint:             h.Mint,
				TokenAccount:     h.TokenAccount,
				RawAmount:        h.RawAmount,
				Decimals:         h.Decimals,
				Balance:          solana.ScaleAmount(h.RawAmount, h.Decimals).String(),
				DecimalsFallback: h.DecimalsFallback,
			}
		}),
	}
}
