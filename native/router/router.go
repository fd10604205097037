// Package router is the public entry point of the ledger. It turns a
// caller's sequence number into a transaction fingerprint, serializes each
// caller's requests through the idempotency guard and forwards intents to
// the orchestrator. It holds no ledger state.
package router

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"
	"lukechampine.com/blake3"

	ledgererr "shardledger/core/errors"
	"shardledger/core/events"
	"shardledger/core/types"
	"shardledger/crypto"
	"shardledger/native/logic"
	"shardledger/native/txguard"
)

// DefaultFanout bounds concurrent shard reads issued by BalancesOf.
const DefaultFanout = 8

// Request carries the client-chosen sequence number and whether this is a
// first attempt or a retry of a request whose previous attempt was parked.
type Request struct {
	Kind     txguard.Kind
	Sequence uint64
}

// Receipt is returned for every forwarded request. Event is set only when
// the transaction succeeded.
type Receipt struct {
	Fingerprint types.Fingerprint `json:"fingerprint"`
	Sequence    uint64            `json:"sequence"`
	Outcome     logic.Outcome     `json:"outcome"`
	Event       *types.Event      `json:"event,omitempty"`
}

type Router struct {
	orch     *logic.Orchestrator
	guards   *txguard.Manager
	verifier crypto.Verifier
	emitter  events.Emitter
	logger   *slog.Logger
	fanout   int
}

func New(orch *logic.Orchestrator, guards *txguard.Manager, verifier crypto.Verifier, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if verifier == nil {
		verifier = crypto.Secp256k1Verifier{}
	}
	if guards == nil {
		guards = txguard.NewManager(txguard.DefaultCapacity)
	}
	return &Router{
		orch:     orch,
		guards:   guards,
		verifier: verifier,
		emitter:  events.NoopEmitter{},
		logger:   logger.With("component", "router"),
		fanout:   DefaultFanout,
	}
}

// SetEmitter configures where façade events are published.
func (r *Router) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	r.emitter = emitter
}

// SetFanout bounds concurrent shard reads; n <= 0 removes the bound.
func (r *Router) SetFanout(n int) { r.fanout = n }

func (r *Router) Guards() *txguard.Manager { return r.guards }

func (r *Router) Mint(ctx context.Context, caller types.Account, req Request, m logic.Mint) (Receipt, error) {
	return r.Submit(ctx, caller, req, m)
}

func (r *Router) Burn(ctx context.Context, caller types.Account, req Request, b logic.Burn) (Receipt, error) {
	return r.Submit(ctx, caller, req, b)
}

func (r *Router) Transfer(ctx context.Context, caller types.Account, req Request, t logic.Transfer) (Receipt, error) {
	return r.Submit(ctx, caller, req, t)
}

func (r *Router) Approve(ctx context.Context, caller types.Account, req Request, a logic.Approve) (Receipt, error) {
	return r.Submit(ctx, caller, req, a)
}

// Permit forwards a signed approval on behalf of its owner. The permit
// nonce stands in for the sequence number, so req.Sequence is ignored and
// the guard slot belongs to the owner rather than the relaying caller.
func (r *Router) Permit(ctx context.Context, caller types.Account, req Request, p logic.Permit) (Receipt, error) {
	return r.Submit(ctx, caller, req, p)
}

// Submit forwards intent under the fingerprint derived from caller and
// req.Sequence.
//
// The caller's guard is parked when the outcome is not yet known, so the
// client can Retry; any final answer releases it.
func (r *Router) Submit(ctx context.Context, caller types.Account, req Request, intent logic.Intent) (Receipt, error) {
	if intent == nil {
		return Receipt{}, fmt.Errorf("%w: nil intent", ledgererr.ErrMalformedIntent)
	}
	if err := intent.Validate(); err != nil {
		return Receipt{}, err
	}

	identity, seq := caller, req.Sequence
	fp := types.DeriveFingerprint(caller, req.Sequence)
	if p, ok := intent.(logic.Permit); ok {
		if err := r.verifyPermit(ctx, p); err != nil {
			return Receipt{}, err
		}
		identity, seq = p.Owner, p.Nonce
		fp = types.PermitFingerprint(p.Owner, p.Token, p.Nonce)
	}
	receipt := Receipt{Fingerprint: fp, Sequence: seq}

	digest, err := checkedDigest(intent, seq)
	if err != nil {
		return receipt, err
	}
	guard, err := r.guards.Acquire(req.Kind, identity, digest)
	if err != nil {
		r.logger.Debug("guard rejected request", "caller", identity.String(), "sequence", seq, "kind", req.Kind, "error", err)
		return receipt, err
	}

	outcome, err := r.orch.Submit(ctx, fp, caller, intent)
	receipt.Outcome = outcome
	if unresolved(outcome, err) {
		guard.Park()
	} else {
		guard.Release()
	}
	if err != nil {
		return receipt, err
	}
	if evt := facadeEvent(caller, outcome, intent); evt != nil {
		r.emitter.Emit(evt)
		receipt.Event = evt.Event()
	}
	return receipt, nil
}

// unresolved reports whether the transaction may still change outcome.
func unresolved(outcome logic.Outcome, err error) bool {
	if ledgererr.KindOf(err) == ledgererr.KindFatal {
		return false
	}
	if outcome.Status == logic.StatusInProgress {
		return true
	}
	switch ledgererr.KindOf(err) {
	case ledgererr.KindTransient, ledgererr.KindContention:
		return true
	}
	return false
}

func (r *Router) verifyPermit(ctx context.Context, p logic.Permit) error {
	signer, err := crypto.AccountFromPublicKey(p.PublicKey)
	if err != nil || signer != p.Owner {
		return ledgererr.ErrBadSignature
	}
	msg := crypto.PermitMessage{Owner: p.Owner, Operator: p.Operator, Token: p.Token, Amount: p.Amount, Nonce: p.Nonce}
	ok, err := r.verifier.Verify(ctx, p.Signature, msg.Digest(), p.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: verify permit: %v", ledgererr.ErrUnavailable, err)
	}
	if !ok {
		return ledgererr.ErrBadSignature
	}
	return nil
}

// checkedDigest binds an intent to the sequence it was sent under. A retry
// presenting a different digest is a different request.
func checkedDigest(intent logic.Intent, seq uint64) (types.Fingerprint, error) {
	digest, err := logic.DigestIntent(intent)
	if err != nil {
		return types.Fingerprint{}, err
	}
	h := blake3.New(32, nil)
	h.Write(digest[:])
	h.Write(binary.BigEndian.AppendUint64(nil, seq))
	var out types.Fingerprint
	copy(out[:], h.Sum(nil))
	return out, nil
}

type eventer interface {
	events.Event
	Event() *types.Event
}

func facadeEvent(caller types.Account, outcome logic.Outcome, intent logic.Intent) eventer {
	if outcome.Status != logic.StatusSuccess {
		return nil
	}
	switch v := intent.(type) {
	case logic.Mint:
		return events.Minted{Token: outcome.Token, To: v.To, Amount: v.Amount}
	case logic.Burn:
		return events.Burned{Token: v.Token, From: v.From, Amount: v.Amount}
	case logic.Transfer:
		return events.Transferred{Token: v.Token, Operator: caller, From: v.From, To: v.To, Amount: v.Amount}
	case logic.Approve:
		return events.Approved{Token: v.Token, Owner: v.Owner, Operator: v.Operator, Amount: v.Amount}
	case logic.Permit:
		return events.Permitted{Token: v.Token, Owner: v.Owner, Operator: v.Operator, Amount: v.Amount, Nonce: v.Nonce}
	}
	return nil
}

// Clear drops the finished record of caller's sequence.
func (r *Router) Clear(ctx context.Context, caller types.Account, seq uint64) error {
	return r.orch.Clear(ctx, types.DeriveFingerprint(caller, seq))
}

// Transaction returns the record of caller's sequence.
func (r *Router) Transaction(ctx context.Context, caller types.Account, seq uint64) (*logic.Record, error) {
	return r.orch.Record(ctx, types.DeriveFingerprint(caller, seq))
}

// PermitTransaction returns the record of owner's permit for token under
// nonce, whichever relayer submitted it.
func (r *Router) PermitTransaction(ctx context.Context, owner types.Account, token types.TokenID, nonce uint64) (*logic.Record, error) {
	return r.orch.Record(ctx, types.PermitFingerprint(owner, token, nonce))
}

// ClearPermit drops the finished record of owner's permit for token under
// nonce. Only the owner holds that record; relayers cannot clear it.
func (r *Router) ClearPermit(ctx context.Context, owner types.Account, token types.TokenID, nonce uint64) error {
	return r.orch.Clear(ctx, types.PermitFingerprint(owner, token, nonce))
}

// Pending lists transactions that have not reached a final status.
func (r *Router) Pending(ctx context.Context) ([]*logic.Record, error) {
	return r.orch.Pending(ctx)
}

func (r *Router) BalanceOf(ctx context.Context, token types.TokenID, account types.Account) (*uint256.Int, error) {
	return r.orch.Balance(ctx, token, account)
}

// BalancesOf reads several balances of token concurrently. Results are in
// the order of accounts.
func (r *Router) BalancesOf(ctx context.Context, token types.TokenID, accounts []types.Account) ([]*uint256.Int, error) {
	out := make([]*uint256.Int, len(accounts))
	g, gctx := errgroup.WithContext(ctx)
	if r.fanout > 0 {
		g.SetLimit(r.fanout)
	}
	for i, acct := range accounts {
		g.Go(func() error {
			bal, err := r.orch.Balance(gctx, token, acct)
			if err != nil {
				return fmt.Errorf("balance of %s: %w", acct, err)
			}
			out[i] = bal
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Router) AllowanceOf(ctx context.Context, token types.TokenID, owner, operator types.Account) (*uint256.Int, error) {
	return r.orch.Allowance(ctx, token, owner, operator)
}

func (r *Router) PermitNonceOf(ctx context.Context, token types.TokenID, account types.Account) (uint64, error) {
	return r.orch.PermitNonce(ctx, token, account)
}

func (r *Router) TotalSupply(ctx context.Context, token types.TokenID) (*uint256.Int, error) {
	return r.orch.TotalSupply(ctx, token)
}
