package shard

import (
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
	"lukechampine.com/blake3"

	ledgererr "shardledger/core/errors"
	"shardledger/core/types"
)

// Op names a shard mutation primitive.
type Op string

const (
	OpIncrease       Op = "increase"
	OpDecrease       Op = "decrease"
	OpTransfer       Op = "transfer"
	OpApprove        Op = "approve"
	OpIncrementNonce Op = "increment_permit_nonce"
	OpDecrementNonce Op = "decrement_permit_nonce"
)

// Action is the payload of one shard mutation.
//
// Account is the account whose balance, allowance or nonce is touched. Caller
// is the authority behind a debit or approval: the owner or an approved
// operator. Operator names the approved spender for OpApprove and, on
// OpIncrease, the spender whose consumed allowance is credited back.
type Action struct {
	Op       Op            `json:"op"`
	Token    types.TokenID `json:"token"`
	Caller   types.Account `json:"caller"`
	Account  types.Account `json:"account"`
	To       types.Account `json:"to"`
	Operator types.Account `json:"operator"`
	Amount   *uint256.Int  `json:"amount,omitempty"`
	Nonce    uint64        `json:"nonce,omitempty"`
}

func Increase(token types.TokenID, account types.Account, amount *uint256.Int) Action {
	return Action{Op: OpIncrease, Token: token, Account: account, Amount: amount}
}

// Refund is an increase that also restores the allowance spender consumed.
func Refund(token types.TokenID, account, spender types.Account, amount *uint256.Int) Action {
	return Action{Op: OpIncrease, Token: token, Account: account, Operator: spender, Amount: amount}
}

func Decrease(caller types.Account, token types.TokenID, account types.Account, amount *uint256.Int) Action {
	return Action{Op: OpDecrease, Token: token, Caller: caller, Account: account, Amount: amount}
}

func Transfer(caller types.Account, token types.TokenID, from, to types.Account, amount *uint256.Int) Action {
	return Action{Op: OpTransfer, Token: token, Caller: caller, Account: from, To: to, Amount: amount}
}

func Approve(owner types.Account, token types.TokenID, operator types.Account, amount *uint256.Int) Action {
	return Action{Op: OpApprove, Token: token, Caller: owner, Account: owner, Operator: operator, Amount: amount}
}

func IncrementNonce(account types.Account, expected uint64) Action {
	return Action{Op: OpIncrementNonce, Account: account, Nonce: expected}
}

// DecrementNonce undoes IncrementNonce(account, expected).
func DecrementNonce(account types.Account, expected uint64) Action {
	return Action{Op: OpDecrementNonce, Account: account, Nonce: expected}
}

// Validate checks the payload shape. It does not consult shard state.
func (a Action) Validate() error {
	switch a.Op {
	case OpIncrease, OpDecrease, OpTransfer:
		if a.Amount == nil {
			return fmt.Errorf("%w: %s requires an amount", ledgererr.ErrMalformedIntent, a.Op)
		}
		if err := a.Token.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ledgererr.ErrMalformedIntent, err)
		}
	case OpApprove:
		if a.Amount == nil {
			return fmt.Errorf("%w: approve requires an amount", ledgererr.ErrMalformedIntent)
		}
		if a.Operator.IsZero() {
			return fmt.Errorf("%w: approve requires an operator", ledgererr.ErrMalformedIntent)
		}
	case OpIncrementNonce, OpDecrementNonce:
	default:
		return fmt.Errorf("%w: unknown shard op %q", ledgererr.ErrMalformedIntent, a.Op)
	}
	if a.Account.IsZero() {
		return fmt.Errorf("%w: %s requires an account", ledgererr.ErrMalformedIntent, a.Op)
	}
	if (a.Op == OpDecrease || a.Op == OpTransfer || a.Op == OpApprove) && a.Caller.IsZero() {
		return fmt.Errorf("%w: %s requires a caller", ledgererr.ErrMalformedIntent, a.Op)
	}
	if a.Op == OpTransfer && a.To.IsZero() {
		return fmt.Errorf("%w: transfer requires a destination", ledgererr.ErrMalformedIntent)
	}
	return nil
}

func (a Action) digest() [32]byte {
	raw, err := json.Marshal(a)
	if err != nil {
		panic(err)
	}
	return blake3.Sum256(raw)
}
