package logic

import (
	"context"
	"fmt"

	ledgererr "shardledger/core/errors"
	"shardledger/core/types"
	"shardledger/native/shard"
)

// plan resolves shards and builds the instructions for intent. It returns
// the token the record acts on, which for NFT mints is the newly issued item.
func (o *Orchestrator) plan(ctx context.Context, caller types.Account, intent Intent) (types.TokenID, []Instruction, error) {
	switch v := intent.(type) {
	case Mint:
		return o.planMint(ctx, v)
	case Burn:
		addr, err := o.resolver.Resolve(ctx, v.Token, v.From)
		if err != nil {
			return 0, nil, err
		}
		refund := shard.Refund(v.Token, v.From, spender(caller, v.From), v.Amount)
		return v.Token, []Instruction{
			instruction(0, addr, shard.Decrease(caller, v.Token, v.From, v.Amount), &refund),
		}, nil
	case Transfer:
		return o.planTransfer(ctx, caller, v)
	case Approve:
		addr, err := o.resolver.Resolve(ctx, v.Token, v.Owner)
		if err != nil {
			return 0, nil, err
		}
		return v.Token, []Instruction{
			instruction(0, addr, shard.Approve(v.Owner, v.Token, v.Operator, v.Amount), nil),
		}, nil
	case Permit:
		addr, err := o.resolver.Resolve(ctx, v.Token, v.Owner)
		if err != nil {
			return 0, nil, err
		}
		undo := shard.DecrementNonce(v.Owner, v.Nonce)
		return v.Token, []Instruction{
			instruction(0, addr, shard.IncrementNonce(v.Owner, v.Nonce), &undo),
			instruction(1, addr, shard.Approve(v.Owner, v.Token, v.Operator, v.Amount), nil),
		}, nil
	default:
		return 0, nil, malformed("unsupported intent %T", intent)
	}
}

func (o *Orchestrator) planMint(ctx context.Context, m Mint) (types.TokenID, []Instruction, error) {
	token := m.Token
	if token.IsCollection() {
		// resolve before reserving so an unknown collection burns no serial
		if _, err := o.resolver.group(token); err != nil {
			return 0, nil, err
		}
		serial, err := o.store.NextSerial(ctx, token.Collection())
		if err != nil {
			if ledgererr.KindOf(err) == ledgererr.KindBusiness {
				return 0, nil, fmt.Errorf("collection %d exhausted: %w", token.Collection(), err)
			}
			return 0, nil, fmt.Errorf("%w: reserve serial: %v", ledgererr.ErrUnavailable, err)
		}
		token = token.WithSerial(serial)
	}
	addr, err := o.resolver.Resolve(ctx, token, m.To)
	if err != nil {
		return 0, nil, err
	}
	return token, []Instruction{
		instruction(0, addr, shard.Increase(token, m.To, m.Amount), nil),
	}, nil
}

// planTransfer uses a single shard-local transfer when both accounts live on
// the same shard; otherwise it debits the source with a refund as
// compensation, then credits the destination.
func (o *Orchestrator) planTransfer(ctx context.Context, caller types.Account, t Transfer) (types.TokenID, []Instruction, error) {
	src, err := o.resolver.Resolve(ctx, t.Token, t.From)
	if err != nil {
		return 0, nil, err
	}
	dst, err := o.resolver.Resolve(ctx, t.Token, t.To)
	if err != nil {
		return 0, nil, err
	}
	if src == dst {
		return t.Token, []Instruction{
			instruction(0, src, shard.Transfer(caller, t.Token, t.From, t.To, t.Amount), nil),
		}, nil
	}
	refund := shard.Refund(t.Token, t.From, spender(caller, t.From), t.Amount)
	return t.Token, []Instruction{
		instruction(0, src, shard.Decrease(caller, t.Token, t.From, t.Amount), &refund),
		instruction(1, dst, shard.Increase(t.Token, t.To, t.Amount), nil),
	}, nil
}

// spender is the account whose allowance a debit consumed, if any.
func spender(caller, owner types.Account) types.Account {
	if caller == owner {
		return types.Account{}
	}
	return caller
}

func instruction(index int, addr types.Account, action shard.Action, compensation *shard.Action) Instruction {
	return Instruction{
		Index:        index,
		State:        StateScheduledRun,
		Shard:        addr,
		Action:       action,
		Compensation: compensation,
	}
}
