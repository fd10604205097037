package events

import (
	"strconv"
	"time"

	"github.com/holiman/uint256"

	"shardledger/core/types"
)

const (
	TypeMinted             = "ledger.minted"
	TypeBurned             = "ledger.burned"
	TypeTransferred        = "ledger.transferred"
	TypeApproved           = "ledger.approved"
	TypePermitted          = "ledger.permitted"
	TypeTxFinalized        = "ledger.tx.finalized"
	TypeCompensationFailed = "ledger.compensation.failed"
)

type Minted struct {
	Token  types.TokenID
	To     types.Account
	Amount *uint256.Int
}

func (Minted) EventType() string { return TypeMinted }

func (e Minted) Event() *types.Event {
	return &types.Event{Type: TypeMinted, Attributes: map[string]string{
		"token":  e.Token.String(),
		"to":     e.To.String(),
		"amount": formatAmount(e.Amount),
	}}
}

type Burned struct {
	Token  types.TokenID
	From   types.Account
	Amount *uint256.Int
}

func (Burned) EventType() string { return TypeBurned }

func (e Burned) Event() *types.Event {
	return &types.Event{Type: TypeBurned, Attributes: map[string]string{
		"token":  e.Token.String(),
		"from":   e.From.String(),
		"amount": formatAmount(e.Amount),
	}}
}

type Transferred struct {
	Token    types.TokenID
	Operator types.Account
	From     types.Account
	To       types.Account
	Amount   *uint256.Int
}

func (Transferred) EventType() string { return TypeTransferred }

func (e Transferred) Event() *types.Event {
	attrs := map[string]string{
		"token":  e.Token.String(),
		"from":   e.From.String(),
		"to":     e.To.String(),
		"amount": formatAmount(e.Amount),
	}
	if e.Operator != e.From {
		attrs["operator"] = e.Operator.String()
	}
	return &types.Event{Type: TypeTransferred, Attributes: attrs}
}

type Approved struct {
	Token    types.TokenID
	Owner    types.Account
	Operator types.Account
	Amount   *uint256.Int
}

func (Approved) EventType() string { return TypeApproved }

func (e Approved) Event() *types.Event {
	return &types.Event{Type: TypeApproved, Attributes: map[string]string{
		"token":    e.Token.String(),
		"owner":    e.Owner.String(),
		"operator": e.Operator.String(),
		"amount":   formatAmount(e.Amount),
	}}
}

type Permitted struct {
	Token    types.TokenID
	Owner    types.Account
	Operator types.Account
	Amount   *uint256.Int
	Nonce    uint64
}

func (Permitted) EventType() string { return TypePermitted }

func (e Permitted) Event() *types.Event {
	return &types.Event{Type: TypePermitted, Attributes: map[string]string{
		"token":    e.Token.String(),
		"owner":    e.Owner.String(),
		"operator": e.Operator.String(),
		"amount":   formatAmount(e.Amount),
		"nonce":    strconv.FormatUint(e.Nonce, 10),
	}}
}

// TxFinalized is emitted once per transaction record reaching a terminal
// status.
type TxFinalized struct {
	Fingerprint  types.Fingerprint
	Caller       types.Account
	Intent       string
	Token        types.TokenID
	Status       string
	Code         string
	Instructions int
	At           time.Time
}

func (TxFinalized) EventType() string { return TypeTxFinalized }

func (e TxFinalized) Event() *types.Event {
	attrs := map[string]string{
		"fingerprint":  e.Fingerprint.String(),
		"caller":       e.Caller.String(),
		"intent":       e.Intent,
		"token":        e.Token.String(),
		"status":       e.Status,
		"instructions": strconv.Itoa(e.Instructions),
	}
	if e.Code != "" {
		attrs["code"] = e.Code
	}
	return &types.Event{Type: TypeTxFinalized, Attributes: attrs}
}

type CompensationFailed struct {
	Fingerprint types.Fingerprint
	Shard       types.Account
	Instruction int
	Reason      string
}

func (CompensationFailed) EventType() string { return TypeCompensationFailed }

func (e CompensationFailed) Event() *types.Event {
	return &types.Event{Type: TypeCompensationFailed, Attributes: map[string]string{
		"fingerprint": e.Fingerprint.String(),
		"shard":       e.Shard.String(),
		"instruction": strconv.Itoa(e.Instruction),
		"reason":      e.Reason,
	}}
}

func formatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
