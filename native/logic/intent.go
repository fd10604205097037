package logic

import (
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
	"lukechampine.com/blake3"

	ledgererr "shardledger/core/errors"
	"shardledger/core/types"
)

// IntentKind tags an Intent variant.
type IntentKind string

const (
	KindMint     IntentKind = "mint"
	KindBurn     IntentKind = "burn"
	KindTransfer IntentKind = "transfer"
	KindApprove  IntentKind = "approve"
	KindPermit   IntentKind = "permit"
)

// Intent is the closed set of high-level operations the orchestrator runs.
// Only the variants declared in this package satisfy it.
type Intent interface {
	Kind() IntentKind
	Validate() error
	isIntent()
}

// Mint credits Amount of Token to To. Minting an NFT collection id issues the
// next serial of that collection.
type Mint struct {
	Token  types.TokenID `json:"token"`
	To     types.Account `json:"to"`
	Amount *uint256.Int  `json:"amount"`
}

type Burn struct {
	Token  types.TokenID `json:"token"`
	From   types.Account `json:"from"`
	Amount *uint256.Int  `json:"amount"`
}

type Transfer struct {
	Token  types.TokenID `json:"token"`
	From   types.Account `json:"from"`
	To     types.Account `json:"to"`
	Amount *uint256.Int  `json:"amount"`
}

// Approve sets the allowance Operator may spend from Owner's Token balance.
// A zero amount revokes it.
type Approve struct {
	Token    types.TokenID `json:"token"`
	Owner    types.Account `json:"owner"`
	Operator types.Account `json:"operator"`
	Amount   *uint256.Int  `json:"amount"`
}

// Permit is an Approve authorized by Owner's signature instead of by the
// submitting caller.
type Permit struct {
	Token     types.TokenID `json:"token"`
	Owner     types.Account `json:"owner"`
	Operator  types.Account `json:"operator"`
	Amount    *uint256.Int  `json:"amount"`
	Nonce     uint64        `json:"nonce"`
	Signature []byte        `json:"signature"`
	PublicKey []byte        `json:"publicKey"`
}

func (Mint) Kind() IntentKind     { return KindMint }
func (Burn) Kind() IntentKind     { return KindBurn }
func (Transfer) Kind() IntentKind { return KindTransfer }
func (Approve) Kind() IntentKind  { return KindApprove }
func (Permit) Kind() IntentKind   { return KindPermit }

func (Mint) isIntent()     {}
func (Burn) isIntent()     {}
func (Transfer) isIntent() {}
func (Approve) isIntent()  {}
func (Permit) isIntent()   {}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ledgererr.ErrMalformedIntent, fmt.Sprintf(format, args...))
}

func validateToken(token types.TokenID) error {
	if err := token.Validate(); err != nil {
		return malformed("token %s: %v", token, err)
	}
	return nil
}

// validateMovement checks amounts for balance-moving intents. NFT items move
// one unit at a time and collection ids never hold balances.
func validateMovement(token types.TokenID, amount *uint256.Int) error {
	if err := validateToken(token); err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return malformed("amount must be positive")
	}
	if token.IsNFT() {
		if token.IsCollection() {
			return malformed("token %s is a collection, not an item", token)
		}
		if !amount.IsUint64() || amount.Uint64() != 1 {
			return malformed("nft amount must be 1")
		}
	}
	return nil
}

func (m Mint) Validate() error {
	if m.To.IsZero() {
		return malformed("mint requires a recipient")
	}
	if err := validateToken(m.Token); err != nil {
		return err
	}
	if m.Token.IsNFT() {
		if !m.Token.IsCollection() {
			return malformed("nft mints target a collection id; serials are assigned")
		}
		if m.Amount == nil || !m.Amount.IsUint64() || m.Amount.Uint64() != 1 {
			return malformed("nft amount must be 1")
		}
		return nil
	}
	if m.Amount == nil || m.Amount.IsZero() {
		return malformed("amount must be positive")
	}
	return nil
}

func (b Burn) Validate() error {
	if b.From.IsZero() {
		return malformed("burn requires a source account")
	}
	return validateMovement(b.Token, b.Amount)
}

func (t Transfer) Validate() error {
	if t.From.IsZero() || t.To.IsZero() {
		return malformed("transfer requires source and destination")
	}
	return validateMovement(t.Token, t.Amount)
}

func (a Approve) Validate() error {
	if a.Owner.IsZero() || a.Operator.IsZero() {
		return malformed("approve requires owner and operator")
	}
	if a.Owner == a.Operator {
		return malformed("owner cannot approve itself")
	}
	if a.Amount == nil {
		return malformed("approve requires an amount")
	}
	return validateToken(a.Token)
}

func (p Permit) Validate() error {
	if err := (Approve{Token: p.Token, Owner: p.Owner, Operator: p.Operator, Amount: p.Amount}).Validate(); err != nil {
		return err
	}
	if len(p.Signature) == 0 || len(p.PublicKey) == 0 {
		return malformed("permit requires signature and public key")
	}
	return nil
}

// TokenOf returns the token an intent operates on.
func TokenOf(intent Intent) types.TokenID {
	switch v := intent.(type) {
	case Mint:
		return v.Token
	case Burn:
		return v.Token
	case Transfer:
		return v.Token
	case Approve:
		return v.Token
	case Permit:
		return v.Token
	default:
		return 0
	}
}

type envelope struct {
	Kind    IntentKind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeIntent serializes an intent with its kind tag.
func EncodeIntent(intent Intent) ([]byte, error) {
	if intent == nil {
		return nil, malformed("nil intent")
	}
	payload, err := json.Marshal(intent)
	if err != nil {
		return nil, fmt.Errorf("encode %s intent: %w", intent.Kind(), err)
	}
	return json.Marshal(envelope{Kind: intent.Kind(), Payload: payload})
}

// DecodeIntent parses the output of EncodeIntent.
func DecodeIntent(raw []byte) (Intent, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, malformed("decode envelope: %v", err)
	}
	var (
		intent Intent
		err    error
	)
	switch env.Kind {
	case KindMint:
		var v Mint
		err = json.Unmarshal(env.Payload, &v)
		intent = v
	case KindBurn:
		var v Burn
		err = json.Unmarshal(env.Payload, &v)
		intent = v
	case KindTransfer:
		var v Transfer
		err = json.Unmarshal(env.Payload, &v)
		intent = v
	case KindApprove:
		var v Approve
		err = json.Unmarshal(env.Payload, &v)
		intent = v
	case KindPermit:
		var v Permit
		err = json.Unmarshal(env.Payload, &v)
		intent = v
	default:
		return nil, malformed("unknown intent kind %q", env.Kind)
	}
	if err != nil {
		return nil, malformed("decode %s payload: %v", env.Kind, err)
	}
	return intent, nil
}

// DigestIntent hashes the canonical encoding of intent.
func DigestIntent(intent Intent) (types.Fingerprint, error) {
	raw, err := EncodeIntent(intent)
	if err != nil {
		return types.Fingerprint{}, err
	}
	return types.Fingerprint(blake3.Sum256(raw)), nil
}
