package solana

import (
	"context"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

// MintAccountSize is the byte size of the token program's mint layout.
const MintAccountSize = 82

// TokenAccountSize is the byte size of the token program's account layout.
const TokenAccountSize = 165

// MintInfo is the decoded state of a mint account.
type MintInfo struct {
	Address         solana.PublicKey
	Decimals        uint8
	Supply          uint64
	MintAuthority   *solana.PublicKey
	FreezeAuthority *solana.PublicKey
}

// GetMint fetches and decodes a mint account. Decimals are refetched on every
// call; nothing is cached across operations.
func (c *Client) GetMint(ctx context.Context, mint solana.PublicKey) (*MintInfo, error) {
	acct, err := c.getAccount(ctx, mint)
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, &OpError{Kind: KindAccountAbsent, Op: "get mint " + mint.String(), Err: fmt.Errorf("mint %s does not exist", mint)}
	}
	if err != nil {
		return nil, lookupFailed("get mint "+mint.String(), err)
	}

	decoded, err := decodeMint(acct.Data)
	if err != nil {
		return nil, lookupFailed("decode mint "+mint.String(), err)
	}

	return &MintInfo{
		Address:         mint,
		Decimals:        decoded.Decimals,
		Supply:          decoded.Supply,
		MintAuthority:   decoded.MintAuthority,
		FreezeAuthority: decoded.FreezeAuthority,
	}, nil
}

func decodeMint(data []byte) (*token.Mint, error) {
	if len(data) < MintAccountSize {
		return nil, fmt.Errorf("mint data too short: %d bytes", len(data))
	}
	var mint token.Mint
	if err := bin.NewBinDecoder(data).Decode(&mint); err != nil {
		return nil, fmt.Errorf("failed to decode mint: %w", err)
	}
	if !mint.IsInitialized {
		return nil, fmt.Errorf("mint is not initialized")
	}
	return &mint, nil
}

func decodeTokenAccount(data []byte) (*token.Account, error) {
	if len(data) < TokenAccountSize {
		return nil, fmt.Errorf("token account data too short: %d bytes", len(data))
	}
	var acct token.Account
	if err := bin.NewBinDecoder(data).Decode(&acct); err != nil {
		return nil, fmt.Errorf("failed to decode token account: %w", err)
	}
	return &acct, nil
}
