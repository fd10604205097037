package logic

import (
	"context"
	"errors"
	"testing"

	"github.com/holiman/uint256"

	ledgererr "shardledger/core/errors"
	"shardledger/core/events"
	"shardledger/core/types"
	"shardledger/native/shard"
)

var (
	alice = account(0x00, 1) // slot 0
	bob   = account(0x10, 2) // slot 1
	carol = account(0x20, 3) // slot 0
	dave  = account(0x30, 4) // slot 1
)

func TestCrossShardTransferAndResend(t *testing.T) {
	h := newHarness(t, twoShardGroups())
	ctx := context.Background()
	h.mint(fingerprint(1), alice, 50)
	if h.shardOf(token, alice) == h.shardOf(token, bob) {
		t.Fatalf("test accounts must live on different shards")
	}

	tx := Transfer{Token: token, From: alice, To: bob, Amount: uint256.NewInt(50)}
	first, err := h.orch.Submit(ctx, fingerprint(2), alice, tx)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if first.Status != StatusSuccess {
		t.Fatalf("expected success, got %s", first.Status)
	}
	rec := h.record(fingerprint(2))
	if len(rec.Instructions) != 2 {
		t.Fatalf("expected decrease and increase instructions, got %d", len(rec.Instructions))
	}
	for _, in := range rec.Instructions {
		if in.State != StateFinished {
			t.Fatalf("instruction %d not finished: %s", in.Index, in.State)
		}
	}
	if rec.Instructions[0].Compensation == nil || rec.Instructions[1].Compensation != nil {
		t.Fatalf("only the debit carries a compensation")
	}

	src, dst := h.shardOf(token, alice), h.shardOf(token, bob)
	decreases, increases := h.client.callCount(src, shard.OpDecrease), h.client.callCount(dst, shard.OpIncrease)

	second, err := h.orch.Submit(ctx, fingerprint(2), alice, tx)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if second != first {
		t.Fatalf("resend reply differs: %+v vs %+v", second, first)
	}
	if h.client.callCount(src, shard.OpDecrease) != decreases || h.client.callCount(dst, shard.OpIncrease) != increases {
		t.Fatalf("resend of a finished transaction reached a shard")
	}
	if h.balance(token, alice) != 0 || h.balance(token, bob) != 50 {
		t.Fatalf("unexpected balances alice=%d bob=%d", h.balance(token, alice), h.balance(token, bob))
	}
}

func TestSameShardTransferUsesSingleInstruction(t *testing.T) {
	h := newHarness(t, twoShardGroups())
	h.mint(fingerprint(1), alice, 10)
	if _, err := h.orch.Submit(context.Background(), fingerprint(2), alice, Transfer{Token: token, From: alice, To: carol, Amount: uint256.NewInt(4)}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	rec := h.record(fingerprint(2))
	if len(rec.Instructions) != 1 || rec.Instructions[0].Action.Op != shard.OpTransfer {
		t.Fatalf("expected one transfer instruction, got %+v", rec.Instructions)
	}
	if h.balance(token, alice) != 6 || h.balance(token, carol) != 4 {
		t.Fatalf("unexpected balances")
	}
}

func TestConservationAcrossOperations(t *testing.T) {
	h := newHarness(t, twoShardGroups())
	ctx := context.Background()
	accounts := []types.Account{alice, bob, carol, dave}
	var n byte
	next := func() types.Fingerprint { n++; return fingerprint(n) }

	for _, acct := range accounts {
		h.mint(next(), acct, 100)
	}
	ops := []Intent{
		Transfer{Token: token, From: alice, To: bob, Amount: uint256.NewInt(30)},
		Transfer{Token: token, From: bob, To: carol, Amount: uint256.NewInt(130)},
		Burn{Token: token, From: carol, Amount: uint256.NewInt(45)},
		Transfer{Token: token, From: dave, To: alice, Amount: uint256.NewInt(500)}, // fails
		Burn{Token: token, From: alice, Amount: uint256.NewInt(1000)},               // fails
		Transfer{Token: token, From: carol, To: dave, Amount: uint256.NewInt(85)},
	}
	callers := []types.Account{alice, bob, carol, dave, alice, carol}
	for i, op := range ops {
		_, _ = h.orch.Submit(ctx, next(), callers[i], op)
	}

	supply, err := h.orch.TotalSupply(ctx, token)
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if supply.Uint64() != 400-45 {
		t.Fatalf("expected supply 355, got %s", supply)
	}
	if sum := h.sumBalances(token); !sum.Eq(supply) {
		t.Fatalf("sum of balances %s != supply %s", sum, supply)
	}
}

func TestAtomicRollbackOnDestinationFailure(t *testing.T) {
	h := newHarness(t, twoShardGroups())
	ctx := context.Background()
	h.mint(fingerprint(1), alice, 100)
	h.mint(fingerprint(2), bob, 5)
	h.client.failNext(h.shardOf(token, bob), shard.OpIncrease, ledgererr.ErrOverflow)

	out, err := h.orch.Submit(ctx, fingerprint(3), alice, Transfer{Token: token, From: alice, To: bob, Amount: uint256.NewInt(60)})
	if !errors.Is(err, ledgererr.ErrOverflow) {
		t.Fatalf("expected typed business error, got %v", err)
	}
	if out.Status != StatusFailure || out.Code != ledgererr.ErrOverflow.Code {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if h.balance(token, alice) != 100 || h.balance(token, bob) != 5 {
		t.Fatalf("rollback incomplete: alice=%d bob=%d", h.balance(token, alice), h.balance(token, bob))
	}
	rec := h.record(fingerprint(3))
	if rec.Status != StatusFailure || rec.Stuck {
		t.Fatalf("expected clean failure, got %+v", rec)
	}
	if h.client.callCount(h.shardOf(token, alice), shard.OpIncrease) != 2 {
		t.Fatalf("expected the source shard to receive mint plus refund")
	}
}

func TestOperatorRollbackRestoresAllowance(t *testing.T) {
	h := newHarness(t, twoShardGroups())
	ctx := context.Background()
	h.mint(fingerprint(1), alice, 100)
	if _, err := h.orch.Submit(ctx, fingerprint(2), alice, Approve{Token: token, Owner: alice, Operator: carol, Amount: uint256.NewInt(70)}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	h.client.failNext(h.shardOf(token, bob), shard.OpIncrease, ledgererr.ErrOverflow)
	_, err := h.orch.Submit(ctx, fingerprint(3), carol, Transfer{Token: token, From: alice, To: bob, Amount: uint256.NewInt(70)})
	if !errors.Is(err, ledgererr.ErrOverflow) {
		t.Fatalf("expected failure, got %v", err)
	}
	if h.allowance(alice, carol) != 70 || h.balance(token, alice) != 100 {
		t.Fatalf("operator spend not restored: allowance=%d balance=%d", h.allowance(alice, carol), h.balance(token, alice))
	}

	if _, err := h.orch.Submit(ctx, fingerprint(4), carol, Transfer{Token: token, From: alice, To: bob, Amount: uint256.NewInt(70)}); err != nil {
		t.Fatalf("operator transfer: %v", err)
	}
	if h.allowance(alice, carol) != 0 || h.balance(token, bob) != 70 {
		t.Fatalf("operator transfer did not consume allowance")
	}
	_, err = h.orch.Submit(ctx, fingerprint(5), carol, Transfer{Token: token, From: alice, To: bob, Amount: uint256.NewInt(1)})
	if !errors.Is(err, ledgererr.ErrInsufficientAllowance) {
		t.Fatalf("expected insufficient allowance, got %v", err)
	}
}

func TestResumeAfterTransientFailure(t *testing.T) {
	h := newHarness(t, twoShardGroups())
	ctx := context.Background()
	h.mint(fingerprint(1), alice, 100)
	src, dst := h.shardOf(token, alice), h.shardOf(token, bob)
	h.client.failNext(dst, shard.OpIncrease, ledgererr.ErrUnavailable)

	tx := Transfer{Token: token, From: alice, To: bob, Amount: uint256.NewInt(40)}
	out, err := h.orch.Submit(ctx, fingerprint(2), alice, tx)
	if !errors.Is(err, ledgererr.ErrUnavailable) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if out.Status != StatusInProgress {
		t.Fatalf("expected in-progress outcome, got %s", out.Status)
	}
	rec := h.record(fingerprint(2))
	if rec.Instructions[0].State != StateScheduledAbort || rec.Instructions[1].State != StateScheduledRun {
		t.Fatalf("unexpected persisted states %s/%s", rec.Instructions[0].State, rec.Instructions[1].State)
	}
	// the debit is visible before the credit lands
	if h.balance(token, alice) != 60 || h.balance(token, bob) != 0 {
		t.Fatalf("unexpected intermediate balances")
	}

	out, err = h.orch.Submit(ctx, fingerprint(2), alice, tx)
	if err != nil || out.Status != StatusSuccess {
		t.Fatalf("resume: %+v %v", out, err)
	}
	if h.client.callCount(src, shard.OpDecrease) != 1 {
		t.Fatalf("resume repeated the finished debit")
	}
	if h.balance(token, alice) != 60 || h.balance(token, bob) != 40 {
		t.Fatalf("unexpected final balances")
	}
}

func TestReentrantSubmitDuringAwait(t *testing.T) {
	h := newHarness(t, twoShardGroups())
	ctx := context.Background()
	h.mint(fingerprint(1), alice, 100)
	dst := h.shardOf(token, bob)
	tx1 := Transfer{Token: token, From: alice, To: bob, Amount: uint256.NewInt(30)}

	var (
		fired       bool
		dupErr      error
		otherOut    Outcome
		otherErr    error
		seenStates  []InstructionState
		aliceDuring uint64
	)
	h.client.setHook(func(ctx context.Context, addr types.Account, action shard.Action) {
		if fired || addr != dst || action.Op != shard.OpIncrease || action.Account != bob {
			return
		}
		fired = true
		// another message for the same actor is processed while tx1 awaits
		_, dupErr = h.orch.Submit(ctx, fingerprint(2), alice, tx1)
		rec, err := h.orch.Record(ctx, fingerprint(2))
		if err == nil {
			for _, in := range rec.Instructions {
				seenStates = append(seenStates, in.State)
			}
		}
		otherOut, otherErr = h.orch.Submit(ctx, fingerprint(3), alice, Transfer{Token: token, From: alice, To: carol, Amount: uint256.NewInt(70)})
		aliceDuring = h.balance(token, alice)
	})

	out, err := h.orch.Submit(ctx, fingerprint(2), alice, tx1)
	if err != nil || out.Status != StatusSuccess {
		t.Fatalf("tx1: %+v %v", out, err)
	}
	if !fired {
		t.Fatalf("hook never ran")
	}
	if !errors.Is(dupErr, ledgererr.ErrTransactionInProgress) {
		t.Fatalf("expected in-progress rejection for the racing duplicate, got %v", dupErr)
	}
	if len(seenStates) != 2 || seenStates[0] != StateScheduledAbort || seenStates[1] != StateScheduledRun {
		t.Fatalf("record was not persisted before the suspended call: %v", seenStates)
	}
	if otherErr != nil || otherOut.Status != StatusSuccess {
		t.Fatalf("interleaved transfer: %+v %v", otherOut, otherErr)
	}
	if aliceDuring != 0 {
		t.Fatalf("interleaved transfer should have seen tx1's debit, alice=%d", aliceDuring)
	}
	if h.balance(token, bob) != 30 || h.balance(token, carol) != 70 {
		t.Fatalf("unexpected final balances bob=%d carol=%d", h.balance(token, bob), h.balance(token, carol))
	}
	if sum := h.sumBalances(token); sum.Uint64() != 100 {
		t.Fatalf("conservation violated: %s", sum)
	}
}

func TestCompensationFailureIsFatal(t *testing.T) {
	h := newHarness(t, twoShardGroups())
	ctx := context.Background()
	h.mint(fingerprint(1), alice, 100)
	src, dst := h.shardOf(token, alice), h.shardOf(token, bob)
	h.client.failNext(dst, shard.OpIncrease, ledgererr.ErrOverflow)
	h.client.failNext(src, shard.OpIncrease, ledgererr.ErrOverflow)

	tx := Transfer{Token: token, From: alice, To: bob, Amount: uint256.NewInt(10)}
	_, err := h.orch.Submit(ctx, fingerprint(2), alice, tx)
	if !errors.Is(err, ledgererr.ErrCompensationFailed) {
		t.Fatalf("expected fatal compensation error, got %v", err)
	}
	if ledgererr.KindOf(err) != ledgererr.KindFatal {
		t.Fatalf("compensation failure must classify as fatal")
	}
	rec := h.record(fingerprint(2))
	if !rec.Stuck || rec.Status != StatusInProgress {
		t.Fatalf("expected stuck in-progress record, got %+v", rec)
	}
	if _, err := h.orch.Submit(ctx, fingerprint(2), alice, tx); !errors.Is(err, ledgererr.ErrCompensationFailed) {
		t.Fatalf("retry of stuck record must not proceed, got %v", err)
	}
	pending, err := h.orch.Pending(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected stuck record to be pending: %v %d", err, len(pending))
	}
	var reported bool
	for _, evt := range h.events.Events() {
		if evt.EventType() == events.TypeCompensationFailed {
			reported = true
		}
	}
	if !reported {
		t.Fatalf("compensation failure was not reported")
	}
}

func TestMismatchedResubmission(t *testing.T) {
	h := newHarness(t, twoShardGroups())
	ctx := context.Background()
	h.mint(fingerprint(1), alice, 100)
	if _, err := h.orch.Submit(ctx, fingerprint(2), alice, Burn{Token: token, From: alice, Amount: uint256.NewInt(1)}); err != nil {
		t.Fatalf("burn: %v", err)
	}
	_, err := h.orch.Submit(ctx, fingerprint(2), alice, Burn{Token: token, From: alice, Amount: uint256.NewInt(2)})
	if !errors.Is(err, ledgererr.ErrMismatchedAction) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if h.balance(token, alice) != 99 {
		t.Fatalf("mismatched resubmission mutated state")
	}
}

func TestCallerErrorsLeaveNoRecord(t *testing.T) {
	h := newHarness(t, []Group{{Name: "only", Tokens: []types.TokenID{1}, Partitions: 1}})
	ctx := context.Background()
	_, err := h.orch.Submit(ctx, fingerprint(1), alice, Mint{Token: token, To: alice, Amount: uint256.NewInt(1)})
	if !errors.Is(err, ledgererr.ErrUnknownToken) {
		t.Fatalf("expected unknown token, got %v", err)
	}
	_, err = h.orch.Submit(ctx, fingerprint(2), alice, Mint{Token: 1, To: alice, Amount: uint256.NewInt(0)})
	if !errors.Is(err, ledgererr.ErrMalformedIntent) {
		t.Fatalf("expected malformed intent, got %v", err)
	}
	_, err = h.orch.Submit(ctx, fingerprint(3), bob, Approve{Token: 1, Owner: alice, Operator: carol, Amount: uint256.NewInt(5)})
	if !errors.Is(err, ledgererr.ErrNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}
	for _, n := range []byte{1, 2, 3} {
		if _, err := h.orch.Record(ctx, fingerprint(n)); !errors.Is(err, ledgererr.ErrTransactionNotFound) {
			t.Fatalf("caller error left a record for fingerprint %d", n)
		}
	}
}

func TestMinterAllowList(t *testing.T) {
	h := newHarness(t, twoShardGroups())
	h.orch.SetMinters([]types.Account{dave})
	_, err := h.orch.Submit(context.Background(), fingerprint(1), alice, Mint{Token: token, To: alice, Amount: uint256.NewInt(1)})
	if !errors.Is(err, ledgererr.ErrUnauthorized) {
		t.Fatalf("expected unauthorized mint, got %v", err)
	}
	if _, err := h.orch.Submit(context.Background(), fingerprint(2), dave, Mint{Token: token, To: alice, Amount: uint256.NewInt(1)}); err != nil {
		t.Fatalf("allowed minter: %v", err)
	}
}

func TestClearLifecycle(t *testing.T) {
	h := newHarness(t, twoShardGroups())
	ctx := context.Background()
	h.mint(fingerprint(1), alice, 10)
	h.client.failNext(h.shardOf(token, bob), shard.OpIncrease, ledgererr.ErrUnavailable)
	tx := Transfer{Token: token, From: alice, To: bob, Amount: uint256.NewInt(1)}
	_, _ = h.orch.Submit(ctx, fingerprint(2), alice, tx)

	if err := h.orch.Clear(ctx, fingerprint(2)); !errors.Is(err, ledgererr.ErrTransactionInProgress) {
		t.Fatalf("expected in-progress rejection, got %v", err)
	}
	if _, err := h.orch.Submit(ctx, fingerprint(2), alice, tx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := h.orch.Clear(ctx, fingerprint(2)); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := h.orch.Clear(ctx, fingerprint(2)); !errors.Is(err, ledgererr.ErrTransactionNotFound) {
		t.Fatalf("expected not found after clear, got %v", err)
	}
}

func TestNFTSerialsAreMonotonic(t *testing.T) {
	h := newHarness(t, twoShardGroups())
	ctx := context.Background()
	collection, _ := types.CollectionID(3)
	mint := func(fp types.Fingerprint, to types.Account) types.TokenID {
		out, err := h.orch.Submit(ctx, fp, to, Mint{Token: collection, To: to, Amount: uint256.NewInt(1)})
		if err != nil {
			t.Fatalf("mint nft: %v", err)
		}
		return out.Token
	}
	first := mint(fingerprint(1), alice)
	second := mint(fingerprint(2), bob)
	if first.Serial() != 1 || second.Serial() != 2 || first.Collection() != 3 {
		t.Fatalf("unexpected serials %d/%d", first.Serial(), second.Serial())
	}
	if h.balance(first, alice) != 1 {
		t.Fatalf("nft not credited")
	}

	if _, err := h.orch.Submit(ctx, fingerprint(3), alice, Burn{Token: first, From: alice, Amount: uint256.NewInt(1)}); err != nil {
		t.Fatalf("burn nft: %v", err)
	}
	supply, _ := h.orch.TotalSupply(ctx, first)
	if !supply.IsZero() {
		t.Fatalf("burned item still has supply %s", supply)
	}
	if third := mint(fingerprint(4), alice); third.Serial() != 3 {
		t.Fatalf("serial reused: %d", third.Serial())
	}
	// resending a mint returns the originally issued item
	if again := mint(fingerprint(2), bob); again != second {
		t.Fatalf("resent mint issued %s, want %s", again, second)
	}
}

func TestConcurrentMintsCannotOverflowSupply(t *testing.T) {
	h := newHarness(t, twoShardGroups())
	ctx := context.Background()
	large := new(uint256.Int).Sub(new(uint256.Int).SetAllOne(), uint256.NewInt(5))

	var (
		fired     bool
		nestedErr error
	)
	h.client.setHook(func(ctx context.Context, _ types.Account, action shard.Action) {
		if fired || action.Op != shard.OpIncrease {
			return
		}
		fired = true
		// the first mint has not finalized, so supply still reads zero
		_, nestedErr = h.orch.Submit(ctx, fingerprint(2), alice, Mint{Token: token, To: bob, Amount: uint256.NewInt(10)})
	})

	out, err := h.orch.Submit(ctx, fingerprint(1), alice, Mint{Token: token, To: alice, Amount: large})
	if err != nil || out.Status != StatusSuccess {
		t.Fatalf("large mint: %+v %v", out, err)
	}
	if !errors.Is(nestedErr, ledgererr.ErrOverflow) {
		t.Fatalf("expected the racing mint to be refused, got %v", nestedErr)
	}
	supply, err := h.orch.TotalSupply(ctx, token)
	if err != nil || !supply.Eq(large) {
		t.Fatalf("unexpected supply %s (%v)", supply, err)
	}
	if h.balance(token, bob) != 0 {
		t.Fatalf("refused mint reached a shard")
	}

	// once finalized, the reservation is gone and small mints still fit
	if _, err := h.orch.Submit(ctx, fingerprint(3), alice, Mint{Token: token, To: bob, Amount: uint256.NewInt(5)}); err != nil {
		t.Fatalf("mint within remaining supply: %v", err)
	}
}
