package logic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	ledgererr "shardledger/core/errors"
	"shardledger/core/events"
	"shardledger/core/types"
	"shardledger/crypto"
	"shardledger/native/shard"
	"shardledger/observability/metrics"
)

const tracerName = "shardledger/native/logic"

// Orchestrator turns intents into shard instructions and drives them to a
// terminal outcome. It owns transaction records; shards own balances.
type Orchestrator struct {
	addr     types.Account
	store    Store
	resolver *Resolver
	shards   shard.Client
	verifier crypto.Verifier
	emitter  events.Emitter
	logger   *slog.Logger
	tracer   trace.Tracer
	nowFn    func() time.Time
	// resumeWindow bounds how long after its last write an in-progress
	// record may still be resumed; zero disables the bound.
	resumeWindow time.Duration

	mu      sync.Mutex
	minters map[types.Account]struct{}
	driving map[types.Fingerprint]struct{}

	// supplyMu orders supply reservations against finalizing writes.
	supplyMu sync.Mutex
	reserved map[types.Fingerprint]SupplyDelta
}

// New wires an orchestrator. addr is the identity shards accept mutations
// from; shards must be a client sending as addr.
func New(addr types.Account, store Store, resolver *Resolver, shards shard.Client, verifier crypto.Verifier, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if verifier == nil {
		verifier = crypto.Secp256k1Verifier{}
	}
	return &Orchestrator{
		addr:     addr,
		store:    store,
		resolver: resolver,
		shards:   shards,
		verifier: verifier,
		emitter:  events.NoopEmitter{},
		logger:   logger.With("component", "logic"),
		tracer:   otel.Tracer(tracerName),
		nowFn:    time.Now,
		minters:  make(map[types.Account]struct{}),
		driving:  make(map[types.Fingerprint]struct{}),
		reserved: make(map[types.Fingerprint]SupplyDelta),
	}
}

// SetEmitter configures the event emitter used for finalization events.
func (o *Orchestrator) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	o.emitter = emitter
}

// SetNowFunc overrides the clock used for record timestamps.
func (o *Orchestrator) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	o.nowFn = now
}

// SetResumeWindow refuses to resume a transaction whose unconfirmed step
// may have been forgotten by its shard. window must not exceed the shards'
// applied-set retention.
func (o *Orchestrator) SetResumeWindow(window time.Duration) {
	o.resumeWindow = window
}

// SetMinters restricts minting to the given accounts. An empty list lets
// any caller mint.
func (o *Orchestrator) SetMinters(minters []types.Account) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.minters = make(map[types.Account]struct{}, len(minters))
	for _, m := range minters {
		o.minters[m] = struct{}{}
	}
}

func (o *Orchestrator) Address() types.Account { return o.addr }

// begin marks fp as being driven. A second submission of the same
// fingerprint while the first is suspended on a shard call is turned away
// instead of driving the saga twice.
func (o *Orchestrator) begin(fp types.Fingerprint) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.driving[fp]; busy {
		return false
	}
	o.driving[fp] = struct{}{}
	return true
}

func (o *Orchestrator) end(fp types.Fingerprint) {
	o.mu.Lock()
	delete(o.driving, fp)
	o.mu.Unlock()
}

// Submit runs intent under fingerprint fp.
//
// The first submission validates, plans and persists a record before any
// shard is called. Later submissions of a terminal record return the stored
// outcome without calling shards; submissions of an in-progress record
// resume the saga from its persisted instruction states.
func (o *Orchestrator) Submit(ctx context.Context, fp types.Fingerprint, caller types.Account, intent Intent) (Outcome, error) {
	if intent == nil {
		return Outcome{Fingerprint: fp}, malformed("nil intent")
	}
	kind := intent.Kind()
	started := o.nowFn()
	ctx, span := o.tracer.Start(ctx, "logic.submit", trace.WithAttributes(
		attribute.String("ledger.intent", string(kind)),
		attribute.String("ledger.fingerprint", fp.String()),
	))
	defer span.End()
	defer func() { metrics.Ledger().ObserveSubmit(string(kind), o.nowFn().Sub(started)) }()

	outcome, err := o.submit(ctx, fp, caller, intent)
	span.SetAttributes(attribute.String("ledger.status", string(outcome.Status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return outcome, err
}

func (o *Orchestrator) submit(ctx context.Context, fp types.Fingerprint, caller types.Account, intent Intent) (Outcome, error) {
	if !o.begin(fp) {
		return Outcome{Fingerprint: fp, Kind: intent.Kind(), Status: StatusInProgress}, ledgererr.ErrTransactionInProgress
	}
	defer o.end(fp)

	digest, err := DigestIntent(intent)
	if err != nil {
		return Outcome{Fingerprint: fp, Kind: intent.Kind()}, err
	}

	rec, err := o.store.Get(ctx, fp)
	switch {
	case errors.Is(err, ledgererr.ErrTransactionNotFound):
		rec, err = o.open(ctx, fp, caller, intent, digest, 0)
		if err != nil {
			return Outcome{Fingerprint: fp, Kind: intent.Kind()}, err
		}
	case err != nil:
		return Outcome{Fingerprint: fp, Kind: intent.Kind()}, fmt.Errorf("%w: load record: %v", ledgererr.ErrUnavailable, err)
	case rec.Kind == KindPermit && intent.Kind() == KindPermit && rec.Status == StatusFailure:
		// A failed permit left no shard state behind. Its fingerprint is
		// fixed by (owner, token, nonce), so the owner could never use the
		// nonce again if the failure were kept.
		o.logger.Info("reopening failed permit", "fingerprint", fp.String(), "code", rec.Code, "attempt", rec.Attempt+1)
		rec, err = o.open(ctx, fp, caller, intent, digest, rec.Attempt+1)
		if err != nil {
			return Outcome{Fingerprint: fp, Kind: intent.Kind()}, err
		}
	default:
		if rec.Digest != digest || (rec.Kind != KindPermit && rec.Caller != caller) {
			return Outcome{Fingerprint: fp, Kind: intent.Kind()}, ledgererr.ErrMismatchedAction
		}
		if rec.Status.Terminal() {
			o.logger.Debug("returning stored outcome", "fingerprint", fp.String(), "status", rec.Status)
			return rec.outcome(), outcomeErr(rec)
		}
		if rec.Stuck {
			return rec.outcome(), stuckErr(rec)
		}
		if index, ok := o.expired(rec); ok {
			return o.stuck(ctx, rec, index, ledgererr.ErrResumeExpired,
				fmt.Errorf("unconfirmed step last written %s ago", o.nowFn().Sub(rec.UpdatedAt).Round(time.Second)))
		}
		o.logger.Info("resuming transaction", "fingerprint", fp.String(), "kind", rec.Kind)
	}
	return o.drive(ctx, rec, intent)
}

// open validates and plans a new transaction and persists its record.
// Rejections here leave no trace.
func (o *Orchestrator) open(ctx context.Context, fp types.Fingerprint, caller types.Account, intent Intent, digest types.Fingerprint, attempt uint32) (*Record, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	if err := o.authorize(caller, intent); err != nil {
		return nil, err
	}
	token, instructions, err := o.plan(ctx, caller, intent)
	if err != nil {
		return nil, err
	}
	if m, ok := intent.(Mint); ok {
		if err := o.reserveSupply(ctx, fp, token, m.Amount); err != nil {
			return nil, err
		}
	}
	opened := false
	defer func() {
		if !opened {
			o.releaseSupply(fp)
		}
	}()
	raw, err := EncodeIntent(intent)
	if err != nil {
		return nil, err
	}
	now := o.nowFn().UTC()
	rec := &Record{
		Fingerprint:  fp,
		Caller:       caller,
		Kind:         intent.Kind(),
		Intent:       raw,
		Digest:       digest,
		Token:        token,
		Status:       StatusInProgress,
		Instructions: instructions,
		Attempt:      attempt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: persist record: %v", ledgererr.ErrUnavailable, err)
	}
	opened = true
	o.logger.Debug("transaction opened", "fingerprint", fp.String(), "kind", rec.Kind, "instructions", len(instructions))
	return rec, nil
}

// reserveSupply counts an opened mint against its token's supply until the
// mint is finalized, so concurrent mints cannot overflow it together.
func (o *Orchestrator) reserveSupply(ctx context.Context, fp types.Fingerprint, token types.TokenID, amount *uint256.Int) error {
	o.supplyMu.Lock()
	defer o.supplyMu.Unlock()
	supply, err := o.store.Supply(ctx, token)
	if err != nil {
		return fmt.Errorf("%w: read supply: %v", ledgererr.ErrUnavailable, err)
	}
	total := new(uint256.Int).Set(supply)
	for _, r := range o.reserved {
		if r.Token != token {
			continue
		}
		if _, overflow := total.AddOverflow(total, r.Amount); overflow {
			return ledgererr.ErrOverflow
		}
	}
	if _, overflow := total.AddOverflow(total, amount); overflow {
		return ledgererr.ErrOverflow
	}
	o.reserved[fp] = SupplyDelta{Token: token, Amount: amount}
	return nil
}

func (o *Orchestrator) releaseSupply(fp types.Fingerprint) {
	o.supplyMu.Lock()
	delete(o.reserved, fp)
	o.supplyMu.Unlock()
}

func (o *Orchestrator) authorize(caller types.Account, intent Intent) error {
	switch v := intent.(type) {
	case Mint:
		o.mu.Lock()
		_, allowed := o.minters[caller]
		open := len(o.minters) == 0
		o.mu.Unlock()
		if !open && !allowed {
			return fmt.Errorf("%w: %s may not mint", ledgererr.ErrUnauthorized, caller)
		}
	case Approve:
		if caller != v.Owner {
			return ledgererr.ErrNotOwner
		}
	case Burn, Transfer, Permit:
		// shards enforce ownership or allowance; permits carry their own authority
	default:
		return malformed("unsupported intent %T", intent)
	}
	return nil
}

// expired reports whether rec has a step that may already have reached its
// shard and whose applied-set entry may since have been pruned. A re-send
// of such a step could apply it twice.
func (o *Orchestrator) expired(rec *Record) (int, bool) {
	if o.resumeWindow <= 0 || o.nowFn().Sub(rec.UpdatedAt) < o.resumeWindow {
		return 0, false
	}
	for i, in := range rec.Instructions {
		if rec.aborting() && in.State == StateScheduledAbort {
			return i, true
		}
		if !rec.aborting() && in.State == StateScheduledRun {
			return i, true
		}
	}
	return 0, false
}

func (o *Orchestrator) persist(ctx context.Context, rec *Record, deltas ...SupplyDelta) error {
	rec.UpdatedAt = o.nowFn().UTC()
	if err := o.store.Put(ctx, rec, deltas...); err != nil {
		return fmt.Errorf("%w: persist record: %v", ledgererr.ErrUnavailable, err)
	}
	return nil
}

// drive advances rec until it is terminal or a transient error suspends it.
func (o *Orchestrator) drive(ctx context.Context, rec *Record, intent Intent) (Outcome, error) {
	if permit, ok := intent.(Permit); ok && !rec.Verified && !rec.aborting() {
		if err := o.verifyPermit(ctx, permit); err != nil {
			if !ledgererr.IsBusiness(err) {
				return rec.outcome(), err
			}
			rec.Code = ledgererr.CodeOf(err)
			if err := o.persist(ctx, rec); err != nil {
				return rec.outcome(), err
			}
		} else {
			rec.Verified = true
			if err := o.persist(ctx, rec); err != nil {
				return rec.outcome(), err
			}
		}
	}

	if !rec.aborting() {
		for i := range rec.Instructions {
			in := &rec.Instructions[i]
			if in.State != StateScheduledRun {
				continue
			}
			err := o.call(ctx, rec, i, false)
			if err == nil {
				in.State = StateScheduledAbort
				if err := o.persist(ctx, rec); err != nil {
					return rec.outcome(), err
				}
				continue
			}
			if !ledgererr.IsBusiness(err) {
				o.logger.Warn("instruction suspended", "fingerprint", rec.Fingerprint.String(), "instruction", i, "error", err)
				return rec.outcome(), err
			}
			in.State = StateRunWithError
			in.Code = ledgererr.CodeOf(err)
			rec.Code = in.Code
			if err := o.persist(ctx, rec); err != nil {
				return rec.outcome(), err
			}
			o.logger.Info("instruction failed, aborting", "fingerprint", rec.Fingerprint.String(), "instruction", i, "code", in.Code)
			break
		}
	}

	if rec.aborting() {
		return o.abort(ctx, rec)
	}
	return o.succeed(ctx, rec, intent)
}

// abort compensates every instruction that already ran, newest first, and
// finalizes the record as failed.
func (o *Orchestrator) abort(ctx context.Context, rec *Record) (Outcome, error) {
	for i := len(rec.Instructions) - 1; i >= 0; i-- {
		in := &rec.Instructions[i]
		switch in.State {
		case StateScheduledRun:
			in.State = StateFinished
		case StateScheduledAbort:
			if in.Compensation == nil {
				return o.stuck(ctx, rec, i, ledgererr.ErrCompensationFailed, errors.New("no compensating action defined"))
			}
			err := o.call(ctx, rec, i, true)
			if err != nil {
				if ledgererr.IsTransient(err) || ledgererr.KindOf(err) == ledgererr.KindUnknown {
					metrics.Ledger().RecordCompensation("suspended")
					return rec.outcome(), err
				}
				metrics.Ledger().RecordCompensation("failed")
				return o.stuck(ctx, rec, i, ledgererr.ErrCompensationFailed, err)
			}
			metrics.Ledger().RecordCompensation("ok")
			in.State = StateFinished
			if err := o.persist(ctx, rec); err != nil {
				return rec.outcome(), err
			}
		}
	}
	for i := range rec.Instructions {
		rec.Instructions[i].State = StateFinished
	}
	rec.Status = StatusFailure
	if err := o.persist(ctx, rec); err != nil {
		return rec.outcome(), err
	}
	o.finalized(rec)
	return rec.outcome(), outcomeErr(rec)
}

// stuck parks rec for an operator. sentinel is what this and every later
// submission of rec reports.
func (o *Orchestrator) stuck(ctx context.Context, rec *Record, index int, sentinel *ledgererr.Error, cause error) (Outcome, error) {
	o.releaseSupply(rec.Fingerprint)
	rec.Stuck = true
	rec.StuckCode = sentinel.Code
	if err := o.persist(ctx, rec); err != nil {
		o.logger.Error("failed to persist stuck transaction", "fingerprint", rec.Fingerprint.String(), "error", err)
	}
	in := rec.Instructions[index]
	o.logger.Error("transaction stuck, manual intervention required",
		"fingerprint", rec.Fingerprint.String(),
		"code", sentinel.Code,
		"instruction", index,
		"shard", in.Shard.String(),
		"error", cause,
	)
	o.emitter.Emit(events.CompensationFailed{
		Fingerprint: rec.Fingerprint,
		Shard:       in.Shard,
		Instruction: index,
		Reason:      cause.Error(),
	})
	metrics.Ledger().RecordTransaction(string(rec.Kind), "stuck")
	return rec.outcome(), fmt.Errorf("%w: %v", sentinel, cause)
}

func stuckErr(rec *Record) error {
	if sentinel := ledgererr.FromCode(rec.StuckCode); sentinel != nil {
		return sentinel
	}
	return ledgererr.ErrCompensationFailed
}

// succeed finalizes rec together with its supply change.
func (o *Orchestrator) succeed(ctx context.Context, rec *Record, intent Intent) (Outcome, error) {
	for i := range rec.Instructions {
		rec.Instructions[i].State = StateFinished
	}
	rec.Status = StatusSuccess
	rec.UpdatedAt = o.nowFn().UTC()

	o.supplyMu.Lock()
	err := o.store.Put(ctx, rec, supplyDeltas(rec, intent)...)
	if err == nil {
		delete(o.reserved, rec.Fingerprint)
	}
	o.supplyMu.Unlock()

	if err != nil {
		rec.Status = StatusInProgress
		if errors.Is(err, ledgererr.ErrOverflow) {
			// the shards already hold the change the supply cannot record
			return o.stuck(ctx, rec, len(rec.Instructions)-1, ledgererr.ErrSupplyOverflow, err)
		}
		return rec.outcome(), fmt.Errorf("%w: persist record: %v", ledgererr.ErrUnavailable, err)
	}
	o.finalized(rec)
	return rec.outcome(), nil
}

func supplyDeltas(rec *Record, intent Intent) []SupplyDelta {
	switch v := intent.(type) {
	case Mint:
		return []SupplyDelta{{Token: rec.Token, Amount: v.Amount}}
	case Burn:
		return []SupplyDelta{{Token: rec.Token, Amount: v.Amount, Decrease: true}}
	default:
		return nil
	}
}

func (o *Orchestrator) finalized(rec *Record) {
	o.releaseSupply(rec.Fingerprint)
	metrics.Ledger().RecordTransaction(string(rec.Kind), string(rec.Status))
	o.logger.Info("transaction finalized",
		"fingerprint", rec.Fingerprint.String(),
		"kind", rec.Kind,
		"status", rec.Status,
		"code", rec.Code,
	)
	o.emitter.Emit(events.TxFinalized{
		Fingerprint:  rec.Fingerprint,
		Caller:       rec.Caller,
		Intent:       string(rec.Kind),
		Token:        rec.Token,
		Status:       string(rec.Status),
		Code:         rec.Code,
		Instructions: len(rec.Instructions),
		At:           rec.UpdatedAt,
	})
}

// call sends the primary or compensating action of instruction index.
func (o *Orchestrator) call(ctx context.Context, rec *Record, index int, compensation bool) error {
	in := rec.Instructions[index]
	action := in.Action
	phase := "run"
	if compensation {
		action = *in.Compensation
		phase = "compensate"
	}
	ctx, span := o.tracer.Start(ctx, "logic.shard."+string(action.Op), trace.WithAttributes(
		attribute.String("ledger.shard", in.Shard.String()),
		attribute.String("ledger.phase", phase),
		attribute.Int("ledger.instruction", index),
	))
	defer span.End()

	err := o.shards.Execute(ctx, in.Shard, types.StepFingerprint(rec.stepBase(), index, compensation), action)
	result := "ok"
	if err != nil {
		result = ledgererr.KindOf(err).String()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.Ledger().RecordInstruction(string(action.Op), phase, result)
	o.logger.Debug("instruction step", "fingerprint", rec.Fingerprint.String(), "instruction", index, "op", action.Op, "phase", phase, "result", result)
	return err
}

func (o *Orchestrator) verifyPermit(ctx context.Context, p Permit) error {
	signer, err := crypto.AccountFromPublicKey(p.PublicKey)
	if err != nil || signer != p.Owner {
		return ledgererr.ErrBadSignature
	}
	msg := crypto.PermitMessage{Owner: p.Owner, Operator: p.Operator, Token: p.Token, Amount: p.Amount, Nonce: p.Nonce}
	ctx, span := o.tracer.Start(ctx, "logic.verify_permit")
	defer span.End()
	ok, err := o.verifier.Verify(ctx, p.Signature, msg.Digest(), p.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: verify permit: %v", ledgererr.ErrUnavailable, err)
	}
	if !ok {
		return ledgererr.ErrBadSignature
	}
	return nil
}

// outcomeErr maps a terminal record to the error the caller sees.
func outcomeErr(rec *Record) error {
	if rec.Status != StatusFailure {
		return nil
	}
	if sentinel := ledgererr.FromCode(rec.Code); sentinel != nil {
		return sentinel
	}
	return fmt.Errorf("ledger: transaction failed: %s", rec.Code)
}

// Clear removes a terminal record.
func (o *Orchestrator) Clear(ctx context.Context, fp types.Fingerprint) error {
	if !o.begin(fp) {
		return ledgererr.ErrTransactionInProgress
	}
	defer o.end(fp)
	rec, err := o.store.Get(ctx, fp)
	if err != nil {
		return err
	}
	if !rec.Status.Terminal() {
		return ledgererr.ErrTransactionInProgress
	}
	if err := o.store.Delete(ctx, fp); err != nil {
		return fmt.Errorf("%w: delete record: %v", ledgererr.ErrUnavailable, err)
	}
	o.logger.Debug("transaction cleared", "fingerprint", fp.String())
	return nil
}

// Record returns the stored record of fp.
func (o *Orchestrator) Record(ctx context.Context, fp types.Fingerprint) (*Record, error) {
	return o.store.Get(ctx, fp)
}

// Pending lists records that are not terminal, including stuck ones.
func (o *Orchestrator) Pending(ctx context.Context) ([]*Record, error) {
	var out []*Record
	err := o.store.Scan(ctx, func(rec *Record) bool {
		if !rec.Status.Terminal() {
			out = append(out, rec)
		}
		return true
	})
	return out, err
}

// PruneHorizon moves cutoff back to the creation of the oldest resumable
// record, so shards keep the applied-set entries a resume depends on.
// Stuck records are left to an operator and do not hold pruning back.
func (o *Orchestrator) PruneHorizon(ctx context.Context, cutoff time.Time) (time.Time, error) {
	pending, err := o.Pending(ctx)
	if err != nil {
		return time.Time{}, err
	}
	for _, rec := range pending {
		if !rec.Stuck && rec.CreatedAt.Before(cutoff) {
			cutoff = rec.CreatedAt
		}
	}
	return cutoff, nil
}

// Balance reads account's balance of token from its shard.
func (o *Orchestrator) Balance(ctx context.Context, token types.TokenID, account types.Account) (*uint256.Int, error) {
	addr, err := o.resolver.Resolve(ctx, token, account)
	if err != nil {
		return nil, err
	}
	return o.shards.Balance(ctx, addr, token, account)
}

// Allowance reads what operator may spend from owner's token balance.
func (o *Orchestrator) Allowance(ctx context.Context, token types.TokenID, owner, operator types.Account) (*uint256.Int, error) {
	addr, err := o.resolver.Resolve(ctx, token, owner)
	if err != nil {
		return nil, err
	}
	return o.shards.Allowance(ctx, addr, token, owner, operator)
}

// PermitNonce reads the next permit nonce of account for token's shard.
func (o *Orchestrator) PermitNonce(ctx context.Context, token types.TokenID, account types.Account) (uint64, error) {
	addr, err := o.resolver.Resolve(ctx, token, account)
	if err != nil {
		return 0, err
	}
	return o.shards.PermitNonce(ctx, addr, account)
}

// TotalSupply returns minted minus burned for token.
func (o *Orchestrator) TotalSupply(ctx context.Context, token types.TokenID) (*uint256.Int, error) {
	if _, err := o.resolver.group(token); err != nil {
		return nil, err
	}
	return o.store.Supply(ctx, token)
}

// Resolver exposes the shard routing table.
func (o *Orchestrator) Resolver() *Resolver { return o.resolver }
