package solana

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// DefaultHistoryLimit is the number of signatures fetched when no limit is given.
const DefaultHistoryLimit = 20

// maxHistoryLimit is the RPC's cap on getSignaturesForAddress.
const maxHistoryLimit = 1000

// ListRecent reconstructs the most recent transactions referencing owner,
// newest first. A failure to list signatures aborts; a failure to fetch or
// decode one body is reported in that signature's result only.
func (c *Client) ListRecent(ctx context.Context, owner solana.PublicKey, limit int) ([]RecordResult, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	sigs, err := c.signaturesFor(ctx, owner, limit)
	if err != nil {
		return nil, err
	}
	results := make([]RecordResult, len(sigs))
	if len(sigs) == 0 {
		return results, nil
	}

	mints := newMintDecimalsCache(c)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i, sig := range sigs {
		results[i].Signature = sig.Signature
		g.Go(func() error {
			record, err := c.reconstruct(gctx, sig, mints)
			if err != nil {
				c.logger.WarnContext(gctx, "dropping history record",
					"signature", sig.Signature.String(),
					"error", err,
				)
				results[i].Err = err
				return nil
			}
			results[i].Record = record
			return nil
		})
	}
	_ = g.Wait()

	sortResults(results)

	if c.metrics != nil {
		failed := lo.CountBy(results, func(r RecordResult) bool { return r.Err != nil })
		c.metrics.RecordHistoryItems("ok", len(results)-failed)
		c.metrics.RecordHistoryItems("failed", failed)
	}
	return results, nil
}

func (c *Client) signaturesFor(ctx context.Context, owner solana.PublicKey, limit int) ([]*rpc.TransactionSignature, error) {
	var sigs []*rpc.TransactionSignature
	err := c.call(ctx, "GetSignaturesForAddress", func(ctx context.Context) error {
		var err error
		sigs, err = c.rpc.GetSignaturesForAddress(ctx, owner, &rpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Commitment: rpc.CommitmentConfirmed,
		})
		return err
	})
	if err != nil {
		return nil, lookupFailed("list signatures of "+owner.String(), err)
	}
	if c.metrics != nil {
		c.metrics.RecordRPCSignaturesPerCall(c.opts.Endpoint, float64(len(sigs)))
	}
	return sigs, nil
}

// reconstruct fetches one body and projects it into a record.
func (c *Client) reconstruct(ctx context.Context, sig *rpc.TransactionSignature, mints *mintDecimalsCache) (*TransactionRecord, error) {
	var result *rpc.GetTransactionResult
	maxVersion := uint64(0)
	err := c.call(ctx, "GetTransaction", func(ctx context.Context) error {
		var err error
		result, err = c.rpc.GetTransaction(ctx, sig.Signature, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     rpc.CommitmentConfirmed,
			MaxSupportedTransactionVersion: &maxVersion,
		})
		return err
	})
	if err != nil {
		return nil, lookupFailed("get transaction "+sig.Signature.String(), err)
	}
	if result == nil || result.Transaction == nil {
		return nil, &OpError{Kind: KindAccountAbsent, Op: "get transaction " + sig.Signature.String(), Err: fmt.Errorf("transaction body unavailable")}
	}

	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, lookupFailed("decode transaction "+sig.Signature.String(), err)
	}

	return buildRecord(ctx, sig, result, tx, mints), nil
}

func buildRecord(ctx context.Context, sig *rpc.TransactionSignature, result *rpc.GetTransactionResult, tx *solana.Transaction, mints *mintDecimalsCache) *TransactionRecord {
	memo := ""
	if sig.Memo != nil {
		memo = *sig.Memo
	}
	c := classify(tx, memo)

	byIndex, byMint := tokenBalances(result.Meta)
	if c.action != nil && c.Mint == nil {
		if entry, ok := byIndex[c.action.AmountIndex]; ok {
			mint := entry.Mint
			c.Mint = &mint
		}
	}

	guessed := c.formatDetails(func(a *tokenAction) (uint8, bool) {
		if entry, ok := byIndex[a.AmountIndex]; ok {
			return entry.Decimals, true
		}
		if a.Mint != nil {
			if d, ok := byMint[*a.Mint]; ok {
				return d, true
			}
			if mints != nil {
				return mints.get(ctx, *a.Mint)
			}
		}
		return 0, false
	})

	record := &TransactionRecord{
		Signature:       sig.Signature,
		Slot:            sig.Slot,
		Status:          StatusSuccess,
		Type:            c.Type,
		Details:         c.Details,
		Mint:            c.Mint,
		DecimalsGuessed: guessed,
	}
	if sig.Err != nil {
		record.Status = StatusFailed
	}
	switch {
	case sig.BlockTime != nil:
		record.Timestamp = sig.BlockTime.Time()
	case result.BlockTime != nil:
		record.Timestamp = result.BlockTime.Time()
	}
	return record
}

// sortResults orders records newest first; failed results go last in
// signature list order.
func sortResults(results []RecordResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i].Record, results[j].Record
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.Timestamp.After(b.Timestamp)
	})
}

// Records returns the successful entries of results, preserving order.
func Records(results []RecordResult) []*TransactionRecord {
	return lo.FilterMap(results, func(r RecordResult, _ int) (*TransactionRecord, bool) {
		return r.Record, r.Record != nil
	})
}

// mintDecimalsCache memoizes mint decimals for the duration of one history call.
type mintDecimalsCache struct {
	client *Client
	mu     sync.Mutex
	known  map[solana.PublicKey]*uint8
}

func newMintDecimalsCache(c *Client) *mintDecimalsCache {
	return &mintDecimalsCache{client: c, known: make(map[solana.PublicKey]*uint8)}
}

func (m *mintDecimalsCache) get(ctx context.Context, mint solana.PublicKey) (uint8, bool) {
	m.mu.Lock()
	if d, ok := m.known[mint]; ok {
		m.mu.Unlock()
		if d == nil {
			return 0, false
		}
		return *d, true
	}
	m.mu.Unlock()

	info, err := m.client.GetMint(ctx, mint)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.known[mint] = nil
		return 0, false
	}
	d := info.Decimals
	m.known[mint] = &d
	return d, true
}

