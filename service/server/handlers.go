package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/tokendesk/service/db"
	"github.com/brojonat/tokendesk/service/solana"
	"github.com/brojonat/tokendesk/service/tokens"
	solanago "github.com/gagliardetto/solana-go"
	jsoniter "github.com/json-iterator/go"
	"github.com/samber/lo"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxAddressLength   = 100     // Solana addresses are 44 chars, give buffer
	defaultListLimit   = 50
	maxListLimit       = 1000
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// Store is the persistence the HTTP API reads from. *db.Store satisfies it.
type Store interface {
	Ping(ctx context.Context) error
	ListOperations(ctx context.Context, wallet, network string, limit int32) ([]*db.Operation, error)
	ListTransactionRecords(ctx context.Context, wallet, network string, limit int32) ([]*db.TransactionRecord, error)
	LatestHoldingSnapshot(ctx context.Context, wallet, network string) (*db.HoldingSnapshot, error)
	UpsertWatchedWallet(ctx context.Context, params db.UpsertWatchedWalletParams) (*db.WatchedWallet, error)
	GetWatchedWallet(ctx context.Context, address, network string) (*db.WatchedWallet, error)
	ListWatchedWallets(ctx context.Context) ([]*db.WatchedWallet, error)
	DeleteWatchedWallet(ctx context.Context, address, network string) error
}

// handleCreateToken returns a handler that creates a new mint owned by the
// connected wallet.
// POST /api/v1/tokens
func handleCreateToken(desk *tokens.Desk, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name     string `json:"name"`
			Symbol   string `json:"symbol"`
			Decimals *int   `json:"decimals"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}
		if req.Decimals == nil {
			writeError(w, "decimals is required", http.StatusBadRequest)
			return
		}
		if *req.Decimals < 0 || *req.Decimals > tokens.MaxDecimals {
			writeError(w, tokens.ErrInvalidDecimals.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Name) > 64 || len(req.Symbol) > 16 {
			writeError(w, "name or symbol too long", http.StatusBadRequest)
			return
		}

		result, err := desk.CreateToken(r.Context(), tokens.CreateTokenRequest{
			Name:     strings.TrimSpace(req.Name),
			Symbol:   strings.TrimSpace(req.Symbol),
			Decimals: uint8(*req.Decimals),
		})
		if err != nil {
			writeDeskError(w, r, result, err, logger)
			return
		}
		writeJSON(w, resultToResponse(result), http.StatusCreated)
	})
}

// handleMintToken returns a handler that mints tokens of an existing mint.
// POST /api/v1/tokens/{mint}/mint
func handleMintToken(desk *tokens.Desk, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mint, ok := pathKey(w, r, "mint")
		if !ok {
			return
		}

		var req struct {
			Amount      string `json:"amount"`
			Destination string `json:"destination"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}

		amount, err := solana.ParseAmount(req.Amount)
		if err != nil {
			writeError(w, fmt.Sprintf("invalid amount: %v", err), http.StatusBadRequest)
			return
		}

		var dest solanago.PublicKey
		if req.Destination != "" {
			if dest, err = parseKey(req.Destination); err != nil {
				writeError(w, "invalid destination: "+err.Error(), http.StatusBadRequest)
				return
			}
		}

		result, err := desk.MintToken(r.Context(), tokens.MintTokenRequest{
			Mint:        mint,
			Amount:      amount,
			Destination: dest,
		})
		if err != nil {
			writeDeskError(w, r, result, err, logger)
			return
		}
		writeJSON(w, resultToResponse(result), http.StatusOK)
	})
}

// handleSendToken returns a handler that transfers tokens to a receiver.
// POST /api/v1/tokens/{mint}/send
func handleSendToken(desk *tokens.Desk, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mint, ok := pathKey(w, r, "mint")
		if !ok {
			return
		}

		var req struct {
			Amount   string `json:"amount"`
			Receiver string `json:"receiver"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}

		receiver, err := parseKey(req.Receiver)
		if err != nil {
			writeError(w, "invalid receiver: "+err.Error(), http.StatusBadRequest)
			return
		}
		amount, err := solana.ParseAmount(req.Amount)
		if err != nil {
			writeError(w, fmt.Sprintf("invalid amount: %v", err), http.StatusBadRequest)
			return
		}

		result, err := desk.SendToken(r.Context(), tokens.SendTokenRequest{
			Mint:     mint,
			Receiver: receiver,
			Amount:   amount,
		})
		if err != nil {
			writeDeskError(w, r, result, err, logger)
			return
		}
		writeJSON(w, resultToResponse(result), http.StatusOK)
	})
}

// handleGetWallet returns the connection state of the desk.
// GET /api/v1/wallet
func handleGetWallet(desk *tokens.Desk) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, stateToWalletResponse(desk.Snapshot(), desk.Network()), http.StatusOK)
	})
}

// handleListHoldings returns a handler that lists token holdings.
// GET /api/v1/holdings?owner={address}&refresh={bool}
// Without owner the connected wallet is used; its cached holdings are
// returned unless refresh is set.
func handleListHoldings(desk *tokens.Desk, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, self, ok := ownerParam(w, r, desk)
		if !ok {
			return
		}

		if self && r.URL.Query().Get("refresh") != "true" {
			state := desk.Snapshot()
			writeJSON(w, holdingsResponse{
				Owner:      owner.String(),
				SOLBalance: state.SOLBalance.String(),
				Holdings:   lo.Map(state.Holdings, holdingToResponse),
				UpdatedAt:  timePtr(state.BalancesUpdatedAt),
			}, http.StatusOK)
			return
		}

		balances, err := desk.RefreshBalances(r.Context(), owner)
		if joinedCount(err) > 1 {
			logger.ErrorContext(r.Context(), "failed to list holdings", "owner", owner.String(), "error", err)
			writeDeskError(w, r, nil, err, logger)
			return
		}
		resp := holdingsResponse{
			Owner:      owner.String(),
			SOLBalance: balances.SOL.String(),
			Holdings:   lo.Map(balances.Holdings, holdingToResponse),
			Skipped:    balances.Skipped,
			UpdatedAt:  timePtr(balances.UpdatedAt),
		}
		if err != nil {
			// Partial result: one of the two reads failed.
			resp.Warning = solana.UserMessage(err)
		}
		writeJSON(w, resp, http.StatusOK)
	})
}

// handleListHistory returns a handler that lists recent transactions.
// GET /api/v1/history?owner={address}&source={live|archive}&limit={n}
func handleListHistory(desk *tokens.Desk, store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, self, ok := ownerParam(w, r, desk)
		if !ok {
			return
		}
		limit, ok := limitParam(w, r)
		if !ok {
			return
		}

		switch source := r.URL.Query().Get("source"); source {
		case "archive":
			rows, err := store.ListTransactionRecords(r.Context(), owner.String(), desk.Network(), limit)
			if err != nil {
				logger.ErrorContext(r.Context(), "failed to list archived records", "owner", owner.String(), "error", err)
				writeError(w, "internal server error", http.StatusInternalServerError)
				return
			}
			writeJSON(w, historyResponse{
				Owner:   owner.String(),
				Source:  "archive",
				Records: lo.Map(rows, archivedToResponse),
			}, http.StatusOK)

		case "", "live":
			var records []solana.TransactionRecord
			var updatedAt time.Time
			if self && r.URL.Query().Get("refresh") != "true" {
				state := desk.Snapshot()
				records, updatedAt = state.Records, state.HistoryUpdatedAt
			} else {
				var err error
				if records, err = desk.RefreshHistory(r.Context(), owner); err != nil {
					writeDeskError(w, r, nil, err, logger)
					return
				}
				updatedAt = time.Now().UTC()
			}
			if len(records) > int(limit) {
				records = records[:limit]
			}
			writeJSON(w, historyResponse{
				Owner:     owner.String(),
				Source:    "live",
				Records:   lo.Map(records, recordToResponse),
				UpdatedAt: timePtr(updatedAt),
			}, http.StatusOK)

		default:
			writeError(w, fmt.Sprintf("invalid source %q: must be 'live' or 'archive'", source), http.StatusBadRequest)
		}
	})
}

// handleListNotifications returns the active notifications.
// GET /api/v1/notifications
func handleListNotifications(desk *tokens.Desk) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"notifications": desk.Notifications(),
		}, http.StatusOK)
	})
}

// handleDismissNotification removes an active notification.
// DELETE /api/v1/notifications/{id}
func handleDismissNotification(desk *tokens.Desk) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !desk.Notifier().Dismiss(r.PathValue("id")) {
			writeError(w, "notification not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleListOperations returns the journaled writes of a wallet.
// GET /api/v1/operations?wallet={address}&limit={n}
func handleListOperations(desk *tokens.Desk, store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var wallet string
		if q := r.URL.Query().Get("wallet"); q != "" {
			if err := validateAddress(q); err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			wallet = q
		} else {
			state := desk.Snapshot()
			if !state.Connected {
				writeError(w, "wallet query parameter is required when no wallet is connected", http.StatusBadRequest)
				return
			}
			wallet = state.Wallet.String()
		}
		limit, ok := limitParam(w, r)
		if !ok {
			return
		}

		ops, err := store.ListOperations(r.Context(), wallet, desk.Network(), limit)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list operations", "wallet", wallet, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]interface{}{
			"operations": lo.Map(ops, operationToResponse),
			"count":      len(ops),
		}, http.StatusOK)
	})
}

// statusForKind maps an error kind to the HTTP status returned to callers.
func statusForKind(kind solana.Kind) int {
	switch kind {
	case solana.KindOperationInProgress:
		return http.StatusConflict
	case solana.KindPreconditionFailed, solana.KindAccountAbsent:
		return http.StatusUnprocessableEntity
	case solana.KindLookupFailed, solana.KindSubmissionFailed:
		return http.StatusBadGateway
	case solana.KindConfirmationTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeDeskError writes a failed desk call. A partially executed write
// carries its result so callers see which units committed.
func writeDeskError(w http.ResponseWriter, r *http.Request, result *tokens.Result, err error, logger *slog.Logger) {
	kind := solana.KindOf(err)
	status := statusForKind(kind)
	if errors.Is(err, solana.ErrWalletNotConnected) {
		status = http.StatusUnauthorized
	}

	logger.DebugContext(r.Context(), "desk call failed", "kind", kind, "status", status, "error", err)

	body := errorResponse{
		Error: solana.UserMessage(err),
		Kind:  string(kind),
	}
	if result != nil {
		resp := resultToResponse(result)
		body.Operation = &resp
	}
	writeJSON(w, body, status)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}, logger *slog.Logger) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
			return false
		}
		logger.Debug("failed to read request", "error", err)
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		logger.Debug("failed to decode request", "error", err)
		writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func pathKey(w http.ResponseWriter, r *http.Request, name string) (solanago.PublicKey, bool) {
	key, err := parseKey(r.PathValue(name))
	if err != nil {
		writeError(w, fmt.Sprintf("invalid %s: %v", name, err), http.StatusBadRequest)
		return solanago.PublicKey{}, false
	}
	return key, true
}

// ownerParam resolves ?owner= or falls back to the connected wallet. self
// reports whether the connected wallet was used.
func ownerParam(w http.ResponseWriter, r *http.Request, desk *tokens.Desk) (owner solanago.PublicKey, self bool, ok bool) {
	state := desk.Snapshot()
	if q := r.URL.Query().Get("owner"); q != "" {
		key, err := parseKey(q)
		if err != nil {
			writeError(w, "invalid owner: "+err.Error(), http.StatusBadRequest)
			return solanago.PublicKey{}, false, false
		}
		return key, state.Connected && state.Wallet.Equals(key), true
	}
	if !state.Connected {
		writeError(w, "owner query parameter is required when no wallet is connected", http.StatusBadRequest)
		return solanago.PublicKey{}, false, false
	}
	return state.Wallet, true, true
}

func limitParam(w http.ResponseWriter, r *http.Request) (int32, bool) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		writeError(w, "invalid limit parameter: must be an integer", http.StatusBadRequest)
		return 0, false
	}
	if n < 1 || n > maxListLimit {
		writeError(w, fmt.Sprintf("limit must be between 1 and %d", maxListLimit), http.StatusBadRequest)
		return 0, false
	}
	return int32(n), true
}

func parseKey(s string) (solanago.PublicKey, error) {
	if err := validateAddress(s); err != nil {
		return solanago.PublicKey{}, err
	}
	key, err := solanago.PublicKeyFromBase58(s)
	if err != nil {
		return solanago.PublicKey{}, errorf("invalid address: %v", err)
	}
	return key, nil
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, errorResponse{Error: message}, statusCode)
}

// validateAddress validates a wallet or mint address for security and format.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}

	if !validAddressRegex.MatchString(address) {
		return errorf("invalid address format: must contain only valid base58 characters")
	}

	return nil
}

// validateNetwork accepts an empty network (meaning the desk's own) or a
// known network name.
func validateNetwork(network string) error {
	if network == "" {
		return nil
	}
	if !lo.Contains([]string{"mainnet", "devnet", "testnet", "localnet"}, network) {
		return errorf("invalid network %q", network)
	}
	return nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}

// joinedCount reports how many errors err carries when built by errors.Join.
func joinedCount(err error) int {
	if err == nil {
		return 0
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return len(j.Unwrap())
	}
	return 1
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
