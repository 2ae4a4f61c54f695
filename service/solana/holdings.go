package solana

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Holding is one token account of an owner with its human-scaled balance.
type Holding struct {
	Mint         solana.PublicKey
	TokenAccount solana.PublicKey
	RawAmount    uint64
	Decimals     uint8
	Balance      decimal.Decimal
	// DecimalsFallback is set when the mint could not be read and zero
	// decimals were assumed.
	DecimalsFallback bool
	Name             string
	Symbol           string
}

// HoldingResult is the outcome for one token account. Exactly one of
// Holding or Err is set.
type HoldingResult struct {
	TokenAccount solana.PublicKey
	Holding      *Holding
	Err          error
}

// ListTokenAccounts returns every account owned by owner under the token program.
func (c *Client) ListTokenAccounts(ctx context.Context, owner solana.PublicKey) ([]*AccountData, error) {
	var accounts []*AccountData
	err := c.call(ctx, "GetTokenAccountsByOwner", func(ctx context.Context) error {
		var err error
		accounts, err = c.rpc.GetTokenAccountsByOwner(ctx, owner, solana.TokenProgramID, c.opts.Commitment)
		return err
	})
	if err != nil {
		return nil, lookupFailed("list token accounts of "+owner.String(), err)
	}
	return accounts, nil
}

// ListHoldings reads all token accounts of owner and scales their balances.
// A failure to list accounts aborts; a failure on one account is reported in
// its result and does not affect the others. Mint decimals are fetched once
// per distinct mint in this call.
func (c *Client) ListHoldings(ctx context.Context, owner solana.PublicKey) ([]HoldingResult, error) {
	accounts, err := c.ListTokenAccounts(ctx, owner)
	if err != nil {
		return nil, err
	}
	results := make([]HoldingResult, len(accounts))
	if len(accounts) == 0 {
		return results, nil
	}

	var mints []solana.PublicKey
	for i, acct := range accounts {
		results[i].TokenAccount = acct.Address
		decoded, err := decodeTokenAccount(acct.Data)
		if err != nil {
			c.logger.WarnContext(ctx, "skipping undecodable token account",
				"account", acct.Address.String(),
				"error", err,
			)
			results[i].Err = lookupFailed("decode token account "+acct.Address.String(), err)
			continue
		}
		results[i].Holding = &Holding{
			Mint:         decoded.Mint,
			TokenAccount: acct.Address,
			RawAmount:    decoded.Amount,
		}
		mints = append(mints, decoded.Mint)
	}

	decimals, labels := c.lookupMints(ctx, lo.Uniq(mints))

	for i := range results {
		h := results[i].Holding
		if h == nil {
			continue
		}
		d, ok := decimals[h.Mint]
		h.Decimals = d
		h.DecimalsFallback = !ok
		h.Balance = ScaleAmount(h.RawAmount, d)
		if label := labels[h.Mint]; label != nil {
			h.Name = label.Name
			h.Symbol = label.Symbol
		}
	}

	if c.metrics != nil {
		failed := lo.CountBy(results, func(r HoldingResult) bool { return r.Err != nil })
		c.metrics.RecordHoldingItems("ok", len(results)-failed)
		c.metrics.RecordHoldingItems("failed", failed)
	}
	return results, nil
}

// lookupMints fetches decimals (and labels when enabled) for each mint with
// bounded concurrency. Mints that fail are absent from the decimals map.
func (c *Client) lookupMints(ctx context.Context, mints []solana.PublicKey) (map[solana.PublicKey]uint8, map[solana.PublicKey]*TokenLabel) {
	var mu sync.Mutex
	decimals := make(map[solana.PublicKey]uint8, len(mints))
	labels := make(map[solana.PublicKey]*TokenLabel)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for _, mint := range mints {
		g.Go(func() error {
			info, err := c.GetMint(gctx, mint)
			if err != nil {
				c.logger.WarnContext(gctx, "mint lookup failed, assuming zero decimals",
					"mint", mint.String(),
					"error", err,
				)
			}

			var label *TokenLabel
			if c.opts.MetadataLookup {
				label, err = c.TokenLabel(gctx, mint)
				if err != nil {
					c.logger.DebugContext(gctx, "metadata lookup failed", slog.String("mint", mint.String()), "error", err)
				}
			}

			mu.Lock()
			defer mu.Unlock()
			if info != nil {
				decimals[mint] = info.Decimals
			}
			if label != nil {
				labels[mint] = label
			}
			return nil
		})
	}
	_ = g.Wait()
	return decimals, labels
}

// Holdings returns the successful entries of results.
func Holdings(results []HoldingResult) []*Holding {
	return lo.FilterMap(results, func(r HoldingResult, _ int) (*Holding, bool) {
		return r.Holding, r.Holding != nil
	})
}
