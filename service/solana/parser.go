package solana

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

// Well-known program IDs not exported by solana-go under a stable name.
var (
	// Token2022ProgramID is the Token Extensions program.
	Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")

	// MemoProgramIDSPL is the SPL Memo program.
	MemoProgramIDSPL = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

	// MemoProgramIDLegacy is the legacy memo program (v1).
	MemoProgramIDLegacy = solana.MustPublicKeyFromBase58("Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo")
)

// Record types that carry a synthesized detail string.
const (
	TypeUnknown          = "Unknown"
	TypeInitializeMint   = "initializeMint"
	TypeInitializeMint2  = "initializeMint2"
	TypeMintTo           = "mintTo"
	TypeMintToChecked    = "mintToChecked"
	TypeTransfer         = "transfer"
	TypeTransferChecked  = "transferChecked"
	TypeCreateAccount    = "createAccount"
	TypeCreateAssociated = "create"
)

// tokenInstructionTypes maps token program instruction tags to their names.
var tokenInstructionTypes = map[uint8]string{
	0:  TypeInitializeMint,
	1:  "initializeAccount",
	2:  "initializeMultisig",
	3:  TypeTransfer,
	4:  "approve",
	5:  "revoke",
	6:  "setAuthority",
	7:  TypeMintTo,
	8:  "burn",
	9:  "closeAccount",
	10: "freezeAccount",
	11: "thawAccount",
	12: TypeTransferChecked,
	13: "approveChecked",
	14: TypeMintToChecked,
	15: "burnChecked",
	16: "initializeAccount2",
	17: "syncNative",
	18: "initializeAccount3",
	19: "initializeMultisig2",
	20: TypeInitializeMint2,
	22: "initializeImmutableOwner",
}

// systemInstructionTypes maps system program instruction tags (u32) to their names.
var systemInstructionTypes = map[uint32]string{
	0: TypeCreateAccount,
	1: "assign",
	2: "transfer",
	3: "createAccountWithSeed",
	8: "allocate",
}

// HistoryDecimals is the divisor exponent used when a mint's decimals cannot be resolved.
const HistoryDecimals = 9

// tokenAction is a decoded token program instruction.
type tokenAction struct {
	Type        string
	Amount      uint64
	Decimals    *uint8 // carried by checked variants and initializeMint
	Mint        *solana.PublicKey
	Source      *solana.PublicKey
	Destination *solana.PublicKey
	// AmountIndex is the account index whose token balance entry reveals the mint.
	AmountIndex int
}

// classification is the type and detail of one transaction body.
type classification struct {
	Type    string
	Details string
	Mint    *solana.PublicKey
	// pending amount formatting, resolved once decimals are known
	action *tokenAction
}

// decimalsSource resolves decimals for an amount-bearing action.
type decimalsSource func(action *tokenAction) (uint8, bool)

// classify scans every instruction. A token program instruction with a known
// type takes precedence over any other parsed instruction; within a tier the
// last instruction wins. Details default to memo.
func classify(tx *solana.Transaction, memo string) classification {
	keys := tx.Message.AccountKeys
	c := classification{Type: TypeUnknown, Details: memo}

	var token *tokenAction
	var other *classification

	for _, ix := range tx.Message.Instructions {
		if int(ix.ProgramIDIndex) >= len(keys) {
			continue
		}
		programID := keys[ix.ProgramIDIndex]
		accounts := ix.Accounts

		switch {
		case programID.Equals(solana.TokenProgramID) || programID.Equals(Token2022ProgramID):
			if action, err := parseTokenInstruction(ix.Data, accounts, keys); err == nil {
				token = action
			}
		case programID.Equals(solana.SystemProgramID):
			if typ, ok := parseSystemInstructionType(ix.Data); ok {
				other = &classification{Type: typ}
				if typ == TypeCreateAccount {
					if acct := accountAt(accounts, 1, keys); acct != nil {
						other.Details = fmt.Sprintf("Created account %s", acct)
					}
				}
			}
		case programID.Equals(solana.SPLAssociatedTokenAccountProgramID):
			typ := TypeCreateAssociated
			if len(ix.Data) > 0 && ix.Data[0] == 1 {
				typ = "createIdempotent"
			} else if len(ix.Data) > 0 && ix.Data[0] != 0 {
				continue
			}
			other = &classification{Type: typ}
			if acct := accountAt(accounts, 1, keys); acct != nil {
				other.Details = fmt.Sprintf("Created account %s", acct)
			}
			other.Mint = accountAt(accounts, 3, keys)
		case programID.Equals(MemoProgramIDSPL) || programID.Equals(MemoProgramIDLegacy):
			if c.Details == "" {
				c.Details = parseMemo(ix.Data)
			}
		}
	}

	switch {
	case token != nil:
		c.Type = token.Type
		c.Mint = token.Mint
		c.action = token
		if token.Type == TypeInitializeMint || token.Type == TypeInitializeMint2 {
			c.Details = fmt.Sprintf("Created token mint: %s", token.Mint)
		}
	case other != nil:
		c.Type = other.Type
		c.Mint = other.Mint
		if other.Details != "" {
			c.Details = other.Details
		}
	}
	return c
}

// formatDetails renders amount-bearing token actions with resolved decimals.
// It reports whether the fixed fallback exponent was used.
func (c *classification) formatDetails(resolve decimalsSource) (guessed bool) {
	a := c.action
	if a == nil {
		return false
	}
	switch a.Type {
	case TypeMintTo, TypeMintToChecked, TypeTransfer, TypeTransferChecked:
	default:
		return false
	}

	decimals, ok := uint8(0), false
	if a.Decimals != nil {
		decimals, ok = *a.Decimals, true
	} else if resolve != nil {
		decimals, ok = resolve(a)
	}
	if !ok {
		decimals, guessed = HistoryDecimals, true
	}
	amount := formatAmount(ScaleAmount(a.Amount, decimals))

	if a.Type == TypeMintTo || a.Type == TypeMintToChecked {
		c.Details = fmt.Sprintf("Minted %s tokens to %s", amount, a.Destination)
	} else {
		c.Details = fmt.Sprintf("Transferred %s tokens from %s to %s", amount, a.Source, a.Destination)
	}
	return guessed
}

func formatAmount(d decimal.Decimal) string {
	return d.String()
}

// parseTokenInstruction decodes the tag and, for mint and transfer
// variants, the amount and account roles of a token program instruction.
func parseTokenInstruction(data []byte, accounts []uint16, keys []solana.PublicKey) (*tokenAction, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty instruction data")
	}
	tag := data[0]
	typ, ok := tokenInstructionTypes[tag]
	if !ok {
		return nil, fmt.Errorf("unknown token instruction type: %d", tag)
	}
	action := &tokenAction{Type: typ, AmountIndex: -1}

	switch typ {
	case TypeInitializeMint, TypeInitializeMint2:
		// [0] tag, [1] decimals, [2..34] mint authority; accounts: [mint, (rent)]
		if len(data) < 2 {
			return nil, fmt.Errorf("initializeMint instruction data too short")
		}
		d := data[1]
		action.Decimals = &d
		action.Mint = accountAt(accounts, 0, keys)
		if action.Mint == nil {
			return nil, fmt.Errorf("initializeMint missing mint account")
		}

	case TypeMintTo, TypeMintToChecked:
		// accounts: [mint, destination, authority]
		amount, decimals, err := readAmount(data, typ == TypeMintToChecked)
		if err != nil {
			return nil, err
		}
		action.Amount, action.Decimals = amount, decimals
		action.Mint = accountAt(accounts, 0, keys)
		action.Destination = accountAt(accounts, 1, keys)
		if action.Mint == nil || action.Destination == nil {
			return nil, fmt.Errorf("%s missing accounts", typ)
		}
		action.AmountIndex = int(accounts[1])

	case TypeTransfer:
		// accounts: [source, destination, authority]
		amount, _, err := readAmount(data, false)
		if err != nil {
			return nil, err
		}
		action.Amount = amount
		action.Source = accountAt(accounts, 0, keys)
		action.Destination = accountAt(accounts, 1, keys)
		if action.Source == nil || action.Destination == nil {
			return nil, fmt.Errorf("transfer missing accounts")
		}
		action.AmountIndex = int(accounts[0])

	case TypeTransferChecked:
		// accounts: [source, mint, destination, authority]
		amount, decimals, err := readAmount(data, true)
		if err != nil {
			return nil, err
		}
		action.Amount, action.Decimals = amount, decimals
		action.Source = accountAt(accounts, 0, keys)
		action.Mint = accountAt(accounts, 1, keys)
		action.Destination = accountAt(accounts, 2, keys)
		if action.Source == nil || action.Mint == nil || action.Destination == nil {
			return nil, fmt.Errorf("transferChecked missing accounts")
		}
		action.AmountIndex = int(accounts[0])
	}
	return action, nil
}

// readAmount reads the u64 amount at [1..9] and, for checked variants, the decimals byte at [9].
func readAmount(data []byte, checked bool) (uint64, *uint8, error) {
	want := 9
	if checked {
		want = 10
	}
	if len(data) < want {
		return 0, nil, fmt.Errorf("instruction data too short: %d bytes", len(data))
	}
	amount := binary.LittleEndian.Uint64(data[1:9])
	if !checked {
		return amount, nil, nil
	}
	d := data[9]
	return amount, &d, nil
}

func parseSystemInstructionType(data []byte) (string, bool) {
	if len(data) < 4 {
		return "", false
	}
	typ, ok := systemInstructionTypes[binary.LittleEndian.Uint32(data[0:4])]
	return typ, ok
}

func accountAt(accounts []uint16, pos int, keys []solana.PublicKey) *solana.PublicKey {
	if pos >= len(accounts) || int(accounts[pos]) >= len(keys) {
		return nil
	}
	key := keys[accounts[pos]]
	return &key
}

// parseMemo extracts memo text from a memo program instruction.
func parseMemo(data []byte) string {
	if !utf8.Valid(data) {
		return ""
	}
	return string(data)
}

// balanceEntry is the mint and decimals of one token balance in a body.
type balanceEntry struct {
	Mint     solana.PublicKey
	Decimals uint8
}

// tokenBalances indexes the body's token balance entries by account index
// and by mint.
func tokenBalances(meta *rpc.TransactionMeta) (byIndex map[int]balanceEntry, byMint map[solana.PublicKey]uint8) {
	byIndex = make(map[int]balanceEntry)
	byMint = make(map[solana.PublicKey]uint8)
	if meta == nil {
		return byIndex, byMint
	}
	for _, balances := range [][]rpc.TokenBalance{meta.PreTokenBalances, meta.PostTokenBalances} {
		for _, b := range balances {
			if b.UiTokenAmount == nil {
				continue
			}
			byIndex[int(b.AccountIndex)] = balanceEntry{Mint: b.Mint, Decimals: b.UiTokenAmount.Decimals}
			byMint[b.Mint] = b.UiTokenAmount.Decimals
		}
	}
	return byIndex, byMint
}
