package solana

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/tyler-smith/go-bip39"
)

// Signer is the wallet that authorizes transactions. It signs its own slot of
// a stamped transaction and leaves other signer slots untouched.
type Signer interface {
	PublicKey() solana.PublicKey
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
}

// LocalWallet is a Signer backed by an in-memory ed25519 key.
type LocalWallet struct {
	key solana.PrivateKey
}

// NewLocalWallet wraps a private key as a Signer.
func NewLocalWallet(key solana.PrivateKey) *LocalWallet {
	return &LocalWallet{key: key}
}

// LoadKeypairFile reads a solana-keygen JSON keypair file.
func LoadKeypairFile(path string) (*LocalWallet, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load keypair %s: %w", path, err)
	}
	return NewLocalWallet(key), nil
}

// WalletFromMnemonic derives a wallet from a BIP-39 mnemonic the way
// solana-keygen does without a derivation path: the first 32 seed bytes are
// the ed25519 seed.
func WalletFromMnemonic(mnemonic, passphrase string) (*LocalWallet, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}
	key := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
	return NewLocalWallet(solana.PrivateKey(key)), nil
}

func (w *LocalWallet) PublicKey() solana.PublicKey {
	return w.key.PublicKey()
}

func (w *LocalWallet) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	return coSign(tx, w.key)
}

// coSign adds the signatures of keys to tx. Every key must be a required
// signer; slots owned by other signers are left as they are.
func coSign(tx *solana.Transaction, keys ...solana.PrivateKey) error {
	for _, key := range keys {
		if !tx.IsSigner(key.PublicKey()) {
			return fmt.Errorf("%s is not a required signer of this transaction", key.PublicKey())
		}
	}
	if _, err := tx.PartialSign(keyGetter(keys)); err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	return nil
}

func keyGetter(keys []solana.PrivateKey) func(solana.PublicKey) *solana.PrivateKey {
	return func(pub solana.PublicKey) *solana.PrivateKey {
		for i := range keys {
			if keys[i].PublicKey().Equals(pub) {
				return &keys[i]
			}
		}
		return nil
	}
}
