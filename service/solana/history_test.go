package solana

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signedTx builds a transaction paid and signed by payer plus extra signers.
func signedTx(t *testing.T, payer solana.PrivateKey, extra []solana.PrivateKey, ixs ...solana.Instruction) *solana.Transaction {
	t.Helper()
	tx, err := solana.NewTransaction(ixs, solana.Hash{3}, solana.TransactionPayer(payer.PublicKey()))
	require.NoError(t, err)
	require.NoError(t, coSign(tx, append([]solana.PrivateKey{payer}, extra...)...))
	return tx
}

func accountIndex(t *testing.T, tx *solana.Transaction, key solana.PublicKey) int {
	t.Helper()
	for i, k := range tx.Message.AccountKeys {
		if k.Equals(key) {
			return i
		}
	}
	t.Fatalf("%s not in transaction", key)
	return -1
}

func tokenBalanceMeta(index int, mint solana.PublicKey, decimals uint8) string {
	return fmt.Sprintf(`{"err":null,"fee":5000,"preBalances":[],"postBalances":[],"preTokenBalances":[],`+
		`"postTokenBalances":[{"accountIndex":%d,"mint":%q,"uiTokenAmount":{"amount":"250","decimals":%d,"uiAmount":2.5,"uiAmountString":"2.5"}}]}`,
		index, mint.String(), decimals)
}

func sigAt(sig solana.Signature, slot uint64, at time.Time) *rpc.TransactionSignature {
	bt := solana.UnixTimeSeconds(at.Unix())
	return &rpc.TransactionSignature{Signature: sig, Slot: slot, BlockTime: &bt}
}

type historyFixture struct {
	mock  *mockRPCClient
	owner solana.PrivateKey
	mint  solana.PrivateKey
	base  time.Time
}

func newHistoryFixture(t *testing.T) *historyFixture {
	return &historyFixture{
		mock:  newMockRPC(),
		owner: newKey(t),
		mint:  newKey(t),
		base:  time.Unix(1_700_000_000, 0),
	}
}

// add registers tx under a signature list entry offset seconds after base.
func (f *historyFixture) add(t *testing.T, tx *solana.Transaction, offset int, meta string) *rpc.TransactionSignature {
	t.Helper()
	sig := tx.Signatures[0]
	entry := sigAt(sig, uint64(100+offset), f.base.Add(time.Duration(offset)*time.Second))
	f.mock.signatures = append(f.mock.signatures, entry)
	f.mock.transactions[sig] = transactionResult(t, tx, entry.BlockTime.Time().Unix(), meta)
	return entry
}

func TestListRecent_ClassifiesAndSorts(t *testing.T) {
	f := newHistoryFixture(t)
	owner, mint := f.owner.PublicKey(), f.mint.PublicKey()
	dest, err := ResolveAssociatedAccount(mint, owner)
	require.NoError(t, err)
	receiver := newKey(t).PublicKey()

	createIx, err := system.NewCreateAccountInstruction(1461600, MintAccountSize, solana.TokenProgramID, owner, mint).ValidateAndBuild()
	require.NoError(t, err)
	initIx, err := token.NewInitializeMintInstruction(2, owner, owner, mint, solana.SysVarRentPubkey).ValidateAndBuild()
	require.NoError(t, err)
	createTx := signedTx(t, f.owner, []solana.PrivateKey{f.mint}, createIx, initIx)

	mintIx, err := token.NewMintToInstruction(250, mint, dest, owner, nil).ValidateAndBuild()
	require.NoError(t, err)
	mintTx := signedTx(t, f.owner, nil, mintIx)

	transferIx, err := token.NewTransferInstruction(1_500_000_000, dest, receiver, owner, nil).ValidateAndBuild()
	require.NoError(t, err)
	transferTx := signedTx(t, f.owner, nil, transferIx)

	// signature list returned oldest first to exercise sorting
	f.add(t, createTx, 0, "")
	f.add(t, mintTx, 10, tokenBalanceMeta(accountIndex(t, mintTx, dest), mint, 2))
	f.add(t, transferTx, 20, "")

	c := newTestClient(f.mock)
	results, err := c.ListRecent(context.Background(), owner, 0)
	require.NoError(t, err)
	records := Records(results)
	require.Len(t, records, 3)

	transfer := records[0]
	assert.Equal(t, TypeTransfer, transfer.Type)
	assert.Equal(t, fmt.Sprintf("Transferred 1.5 tokens from %s to %s", dest, receiver), transfer.Details)
	assert.True(t, transfer.DecimalsGuessed, "no balances and no mint reference")
	assert.Equal(t, StatusSuccess, transfer.Status)

	minted := records[1]
	assert.Equal(t, TypeMintTo, minted.Type)
	assert.Equal(t, fmt.Sprintf("Minted 2.5 tokens to %s", dest), minted.Details)
	assert.False(t, minted.DecimalsGuessed)
	require.NotNil(t, minted.Mint)
	assert.Equal(t, mint, *minted.Mint)

	created := records[2]
	assert.Equal(t, TypeInitializeMint, created.Type, "token instruction wins over account creation")
	assert.Equal(t, "Created token mint: "+mint.String(), created.Details)

	for i := 1; i < len(records); i++ {
		assert.True(t, records[i-1].Timestamp.After(records[i].Timestamp))
	}
}

func TestListRecent_DropsUnavailableBodies(t *testing.T) {
	f := newHistoryFixture(t)
	owner := f.owner.PublicKey()

	okTx := signedTx(t, f.owner, nil, system.NewTransferInstruction(1, owner, newKey(t).PublicKey()).Build())
	f.add(t, okTx, 5, "")

	missing := solana.Signature{1}
	broken := solana.Signature{2}
	f.mock.signatures = append(f.mock.signatures,
		sigAt(missing, 1, f.base.Add(time.Minute)),
		sigAt(broken, 2, f.base.Add(2*time.Minute)),
	)
	f.mock.txErrs[broken] = errors.New("connection reset")

	c := newTestClient(f.mock)
	results, err := c.ListRecent(context.Background(), owner, 20)
	require.NoError(t, err)
	require.Len(t, results, 3)

	records := Records(results)
	require.Len(t, records, 1)
	assert.Equal(t, okTx.Signatures[0], records[0].Signature)
	assert.Equal(t, "transfer", records[0].Type)

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			assert.Nil(t, r.Record)
			assert.Contains(t, []solana.Signature{missing, broken}, r.Signature)
		}
	}
	assert.Equal(t, 2, failed)
	assert.NotNil(t, results[0].Record, "successful records sort ahead of failures")
}

func TestListRecent_SignatureListFailureAborts(t *testing.T) {
	mock := newMockRPC()
	mock.signaturesErr = errors.New("too many requests")
	c := newTestClient(mock)

	_, err := c.ListRecent(context.Background(), newKey(t).PublicKey(), 20)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindLookupFailed))
}

func TestListRecent_StatusAndMemo(t *testing.T) {
	f := newHistoryFixture(t)
	owner := f.owner.PublicKey()

	memoIx := solana.NewInstruction(MemoProgramIDSPL, solana.AccountMetaSlice{}, []byte("coffee money"))
	memoTx := signedTx(t, f.owner, nil, memoIx)
	f.add(t, memoTx, 0, "")

	failedTx := signedTx(t, f.owner, nil, solana.NewInstruction(MemoProgramIDSPL, solana.AccountMetaSlice{}, []byte("x")))
	entry := f.add(t, failedTx, 1, "")
	entry.Err = map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}
	labelled := "[7] from the signature list"
	entry.Memo = &labelled

	c := newTestClient(f.mock)
	results, err := c.ListRecent(context.Background(), owner, 20)
	require.NoError(t, err)
	records := Records(results)
	require.Len(t, records, 2)

	assert.Equal(t, StatusFailed, records[0].Status)
	assert.Equal(t, TypeUnknown, records[0].Type)
	assert.Equal(t, labelled, records[0].Details)

	assert.Equal(t, StatusSuccess, records[1].Status)
	assert.Equal(t, TypeUnknown, records[1].Type)
	assert.Equal(t, "coffee money", records[1].Details)
}

func TestListRecent_MintLookupResolvesDecimals(t *testing.T) {
	f := newHistoryFixture(t)
	owner, mint := f.owner.PublicKey(), f.mint.PublicKey()
	f.mock.setAccount(mint, solana.TokenProgramID, mintData(owner, 0, 3))
	dest := newKey(t).PublicKey()

	mintIx, err := token.NewMintToInstruction(4_200, mint, dest, owner, nil).ValidateAndBuild()
	require.NoError(t, err)
	f.add(t, signedTx(t, f.owner, nil, mintIx), 0, "")

	c := newTestClient(f.mock)
	results, err := c.ListRecent(context.Background(), owner, 20)
	require.NoError(t, err)
	records := Records(results)
	require.Len(t, records, 1)
	assert.Equal(t, fmt.Sprintf("Minted 4.2 tokens to %s", dest), records[0].Details)
	assert.False(t, records[0].DecimalsGuessed)
}

func TestClassify_AssociatedAccountCreation(t *testing.T) {
	payer := newKey(t)
	wallet := newKey(t).PublicKey()
	mint := newKey(t).PublicKey()
	ata, err := ResolveAssociatedAccount(mint, wallet)
	require.NoError(t, err)

	tx := signedTx(t, payer, nil, associatedCreate(t, payer.PublicKey(), wallet, mint))
	c := classify(tx, "")
	assert.Equal(t, TypeCreateAssociated, c.Type)
	assert.Equal(t, "Created account "+ata.String(), c.Details)
}

func TestParseTokenInstruction_Rejects(t *testing.T) {
	_, err := parseTokenInstruction(nil, nil, nil)
	assert.Error(t, err)

	_, err = parseTokenInstruction([]byte{99}, nil, nil)
	assert.ErrorContains(t, err, "unknown token instruction type")

	_, err = parseTokenInstruction([]byte{7, 1, 2}, []uint16{0, 1, 2}, make([]solana.PublicKey, 3))
	assert.ErrorContains(t, err, "too short")
}

func associatedCreate(t *testing.T, payer, wallet, mint solana.PublicKey) solana.Instruction {
	t.Helper()
	ix, err := associatedtokenaccount.NewCreateInstruction(payer, wallet, mint).ValidateAndBuild()
	require.NoError(t, err)
	return ix
}
