package solana

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// AccountState is the existence of an account on the ledger.
type AccountState int

const (
	AccountAbsent AccountState = iota
	AccountPresent
)

func (s AccountState) String() string {
	if s == AccountPresent {
		return "present"
	}
	return "absent"
}

// ResolveAssociatedAccount derives the associated token account of owner for mint.
// The derivation is pure: the same pair always yields the same address.
func ResolveAssociatedAccount(mint, owner solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive associated account for %s/%s: %w", mint, owner, err)
	}
	return addr, nil
}

// AccountExists reads addr from the ledger. A not-found result is AccountAbsent
// with a nil error; any other failure is a KindLookupFailed error.
func (c *Client) AccountExists(ctx context.Context, addr solana.PublicKey) (AccountState, error) {
	_, err := c.getAccount(ctx, addr)
	if errors.Is(err, rpc.ErrNotFound) {
		return AccountAbsent, nil
	}
	if err != nil {
		return AccountAbsent, lookupFailed("get account "+addr.String(), err)
	}
	return AccountPresent, nil
}
