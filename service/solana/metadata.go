package solana

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	bin "github.com/gagliardetto/binary"
	tokenmetadata "github.com/gagliardetto/metaplex-go/clients/token-metadata"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	gocache "github.com/patrickmn/go-cache"
)

// TokenMetadataProgramID is the Metaplex token metadata program.
var TokenMetadataProgramID = solana.MustPublicKeyFromBase58("metaqbxxUerdq28cj1RbAWkYQm3ybzjb6a8bETuLpjq")

// TokenLabel is the display name and symbol registered for a mint.
type TokenLabel struct {
	Name   string
	Symbol string
}

// metadataCache remembers labels, including misses, since they rarely change.
type metadataCache struct {
	cache *gocache.Cache
}

func newMetadataCache() *metadataCache {
	return &metadataCache{cache: gocache.New(10*time.Minute, 20*time.Minute)}
}

// MetadataAddress derives the metadata account of a mint.
func MetadataAddress(mint solana.PublicKey) (solana.PublicKey, error) {
	pda, _, err := solana.FindProgramAddress(
		[][]byte{
			[]byte("metadata"),
			TokenMetadataProgramID.Bytes(),
			mint.Bytes(),
		},
		TokenMetadataProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive metadata address: %w", err)
	}
	return pda, nil
}

// TokenLabel returns the registered name and symbol of mint. A mint without
// metadata yields a nil label and nil error.
func (c *Client) TokenLabel(ctx context.Context, mint solana.PublicKey) (*TokenLabel, error) {
	key := mint.String()
	if v, ok := c.labels.cache.Get(key); ok {
		return v.(*TokenLabel), nil
	}

	pda, err := MetadataAddress(mint)
	if err != nil {
		return nil, err
	}
	acct, err := c.getAccount(ctx, pda)
	if errors.Is(err, rpc.ErrNotFound) {
		c.labels.cache.SetDefault(key, (*TokenLabel)(nil))
		return nil, nil
	}
	if err != nil {
		return nil, lookupFailed("get metadata "+key, err)
	}
	if !acct.Owner.Equals(TokenMetadataProgramID) {
		c.labels.cache.SetDefault(key, (*TokenLabel)(nil))
		return nil, nil
	}

	label, err := decodeTokenLabel(acct.Data)
	if err != nil {
		return nil, lookupFailed("decode metadata "+key, err)
	}
	c.labels.cache.SetDefault(key, label)
	return label, nil
}

func decodeTokenLabel(data []byte) (*TokenLabel, error) {
	var meta tokenmetadata.Metadata
	if err := bin.NewBorshDecoder(data).Decode(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return &TokenLabel{
		Name:   strings.TrimRight(meta.Data.Name, "\x00"),
		Symbol: strings.TrimRight(meta.Data.Symbol, "\x00"),
	}, nil
}
