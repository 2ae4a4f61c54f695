package solana

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/shopspring/decimal"
)

// Intent names a user write operation.
type Intent string

const (
	IntentCreateMint Intent = "create_mint"
	IntentMintTo     Intent = "mint_to"
	IntentTransfer   Intent = "transfer"
)

// Unit labels.
const (
	UnitCreateMintAccount       = "create_mint_account"
	UnitInitializeMint          = "initialize_mint"
	UnitCreateAssociatedAccount = "create_associated_account"
	UnitMintTo                  = "mint_to"
	UnitTransfer                = "transfer"
)

// Unit is one transaction in a plan. Units are submitted strictly in order.
type Unit struct {
	Label        string
	Instructions []solana.Instruction
	// CoSigners sign locally in addition to the wallet.
	CoSigners []solana.PrivateKey
}

// Plan is the ordered list of transaction units that realizes one intent.
type Plan struct {
	Intent    Intent
	Mint      solana.PublicKey
	Decimals  uint8
	RawAmount uint64
	Amount    decimal.Decimal
	// Target is the associated account credited by MintTo or Transfer.
	Target solana.PublicKey
	Units  []Unit
}

// Builder assembles plans against current ledger state.
type Builder struct {
	client *Client
	logger *slog.Logger
}

// NewBuilder creates a Builder that reads ledger state through client.
func NewBuilder(client *Client, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{client: client, logger: logger}
}

// CreateMintParams contains parameters for creating a mint.
type CreateMintParams struct {
	Decimals      uint8
	MintAuthority solana.PublicKey
	Payer         solana.PublicKey
	// MintKey is the new mint's keypair; generated when nil.
	MintKey solana.PrivateKey
}

// CreateMint builds two units: allocate a rent-exempt, token-program-owned
// account of MintAccountSize bytes, then initialize it as a mint. The second
// unit depends on the first being confirmed.
func (b *Builder) CreateMint(ctx context.Context, params CreateMintParams) (*Plan, error) {
	mintKey := params.MintKey
	if mintKey == nil {
		var err error
		mintKey, err = solana.NewRandomPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate mint keypair: %w", err)
		}
	}
	mint := mintKey.PublicKey()

	lamports, err := b.client.MinimumBalanceForRentExemption(ctx, MintAccountSize)
	if err != nil {
		return nil, err
	}

	createIx, err := system.NewCreateAccountInstruction(
		lamports,
		MintAccountSize,
		solana.TokenProgramID,
		params.Payer,
		mint,
	).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build create account instruction: %w", err)
	}

	initIx, err := token.NewInitializeMintInstruction(
		params.Decimals,
		params.MintAuthority,
		params.MintAuthority,
		mint,
		solana.SysVarRentPubkey,
	).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build initialize mint instruction: %w", err)
	}

	b.logger.DebugContext(ctx, "built create mint plan",
		"mint", mint.String(),
		"decimals", params.Decimals,
		"rent_lamports", lamports,
	)

	return &Plan{
		Intent:   IntentCreateMint,
		Mint:     mint,
		Decimals: params.Decimals,
		Units: []Unit{
			{Label: UnitCreateMintAccount, Instructions: []solana.Instruction{createIx}, CoSigners: []solana.PrivateKey{mintKey}},
			{Label: UnitInitializeMint, Instructions: []solana.Instruction{initIx}},
		},
	}, nil
}

// MintToParams contains parameters for minting supply.
type MintToParams struct {
	Mint        solana.PublicKey
	Destination solana.PublicKey // owner wallet, not the token account
	Authority   solana.PublicKey
	Payer       solana.PublicKey
	Amount      decimal.Decimal
}

// MintTo builds a mint-to plan, prepending an associated-account creation
// unit when the destination has no account for the mint.
func (b *Builder) MintTo(ctx context.Context, params MintToParams) (*Plan, error) {
	if !params.Amount.IsPositive() {
		return nil, preconditionFailed("mint", ErrInvalidAmount)
	}

	mintInfo, err := b.client.GetMint(ctx, params.Mint)
	if err != nil {
		return nil, err
	}
	raw, err := ToRawAmount(params.Amount, mintInfo.Decimals)
	if err != nil {
		return nil, err
	}

	dest, units, err := b.ensureAssociatedAccount(ctx, params.Mint, params.Destination, params.Payer)
	if err != nil {
		return nil, err
	}

	mintIx, err := token.NewMintToInstruction(raw, params.Mint, dest, params.Authority, nil).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build mint instruction: %w", err)
	}
	units = append(units, Unit{Label: UnitMintTo, Instructions: []solana.Instruction{mintIx}})

	b.logger.DebugContext(ctx, "built mint plan",
		"mint", params.Mint.String(),
		"destination", dest.String(),
		"raw_amount", raw,
		"units", len(units),
	)

	return &Plan{
		Intent:    IntentMintTo,
		Mint:      params.Mint,
		Decimals:  mintInfo.Decimals,
		RawAmount: raw,
		Amount:    params.Amount,
		Target:    dest,
		Units:     units,
	}, nil
}

// TransferParams contains parameters for sending tokens.
type TransferParams struct {
	Mint     solana.PublicKey
	Sender   solana.PublicKey // owner wallet; also pays fees
	Receiver solana.PublicKey // owner wallet, not the token account
	Amount   decimal.Decimal
}

// Transfer builds a transfer plan. The sender's associated account must
// already exist; the receiver's is created first when absent.
func (b *Builder) Transfer(ctx context.Context, params TransferParams) (*Plan, error) {
	if !params.Amount.IsPositive() {
		return nil, preconditionFailed("send", ErrInvalidAmount)
	}

	source, err := ResolveAssociatedAccount(params.Mint, params.Sender)
	if err != nil {
		return nil, err
	}
	state, err := b.client.AccountExists(ctx, source)
	if err != nil {
		return nil, err
	}
	if state == AccountAbsent {
		return nil, preconditionFailed("send", ErrNoSourceAccount)
	}

	mintInfo, err := b.client.GetMint(ctx, params.Mint)
	if err != nil {
		return nil, err
	}
	raw, err := ToRawAmount(params.Amount, mintInfo.Decimals)
	if err != nil {
		return nil, err
	}

	dest, units, err := b.ensureAssociatedAccount(ctx, params.Mint, params.Receiver, params.Sender)
	if err != nil {
		return nil, err
	}

	transferIx, err := token.NewTransferInstruction(raw, source, dest, params.Sender, nil).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build transfer instruction: %w", err)
	}
	units = append(units, Unit{Label: UnitTransfer, Instructions: []solana.Instruction{transferIx}})

	b.logger.DebugContext(ctx, "built transfer plan",
		"mint", params.Mint.String(),
		"source", source.String(),
		"destination", dest.String(),
		"raw_amount", raw,
		"units", len(units),
	)

	return &Plan{
		Intent:    IntentTransfer,
		Mint:      params.Mint,
		Decimals:  mintInfo.Decimals,
		RawAmount: raw,
		Amount:    params.Amount,
		Target:    dest,
		Units:     units,
	}, nil
}

// ensureAssociatedAccount resolves owner's account for mint and returns a
// creation unit when it is absent.
func (b *Builder) ensureAssociatedAccount(ctx context.Context, mint, owner, payer solana.PublicKey) (solana.PublicKey, []Unit, error) {
	addr, err := ResolveAssociatedAccount(mint, owner)
	if err != nil {
		return solana.PublicKey{}, nil, err
	}
	state, err := b.client.AccountExists(ctx, addr)
	if err != nil {
		return solana.PublicKey{}, nil, err
	}
	if state == AccountPresent {
		return addr, nil, nil
	}

	createIx, err := associatedtokenaccount.NewCreateInstruction(payer, owner, mint).ValidateAndBuild()
	if err != nil {
		return solana.PublicKey{}, nil, fmt.Errorf("failed to build associated account instruction: %w", err)
	}
	b.logger.DebugContext(ctx, "associated account absent, prepending creation",
		"owner", owner.String(),
		"mint", mint.String(),
		"account", addr.String(),
	)
	return addr, []Unit{{Label: UnitCreateAssociatedAccount, Instructions: []solana.Instruction{createIx}}}, nil
}
