package shard

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"

	ledgererr "shardledger/core/errors"
	"shardledger/core/types"
	"shardledger/observability/metrics"
	"shardledger/storage"
)

const (
	balancePrefix   = "bal:"
	allowancePrefix = "alw:"
	noncePrefix     = "nonce:"
	appliedPrefix   = "applied:"
	observedPrefix  = "observed:"
)

// Outcome is the recorded result of an applied fingerprint.
type Outcome struct {
	Op        Op        `json:"op"`
	Code      string    `json:"code,omitempty"`
	Digest    []byte    `json:"digest"`
	AppliedAt time.Time `json:"appliedAt"`
}

// Err rebuilds the error the original application returned.
func (o Outcome) Err() error {
	if o.Code == "" {
		return nil
	}
	if sentinel := ledgererr.FromCode(o.Code); sentinel != nil {
		return sentinel
	}
	return fmt.Errorf("shard: recorded failure %q", o.Code)
}

// Holding is one non-zero balance.
type Holding struct {
	Account types.Account `json:"account"`
	Amount  *uint256.Int  `json:"amount"`
}

// Shard owns a partition of balances, allowances and permit nonces. Every
// mutation is gated to the configured logic account and deduplicated by
// fingerprint.
type Shard struct {
	mu     sync.RWMutex
	addr   types.Account
	logic  types.Account
	db     storage.Database
	logger *slog.Logger
	nowFn  func() time.Time
}

// New wraps db as the shard at addr accepting mutations from logic only.
func New(addr, logic types.Account, db storage.Database, logger *slog.Logger) *Shard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Shard{
		addr:   addr,
		logic:  logic,
		db:     db,
		logger: logger.With("component", "shard", "shard", addr.String()),
		nowFn:  time.Now,
	}
}

// SetNowFunc overrides the clock used for applied-set timestamps.
func (s *Shard) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.mu.Lock()
	s.nowFn = now
	s.mu.Unlock()
}

func (s *Shard) Address() types.Account { return s.addr }

func (s *Shard) Logic() types.Account { return s.logic }

// Close releases the backing store.
func (s *Shard) Close() error { return s.db.Close() }

// Execute applies action once per fingerprint. A replayed fingerprint returns
// the outcome recorded on first application without touching state, whether
// that outcome was success or a business failure.
func (s *Shard) Execute(ctx context.Context, sender types.Account, fp types.Fingerprint, action Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sender != s.logic {
		metrics.Ledger().RecordMutation(string(action.Op), "unauthorized")
		return ledgererr.ErrUnauthorized
	}
	if err := action.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	digest := action.digest()
	if prior, ok, err := s.outcome(fp); err != nil {
		return err
	} else if ok {
		if string(prior.Digest) != string(digest[:]) {
			return fmt.Errorf("%w: fingerprint %s reused for a different action", ledgererr.ErrMismatchedAction, fp)
		}
		metrics.Ledger().RecordMutation(string(action.Op), "replayed")
		s.logger.Debug("shard replayed fingerprint", "fingerprint", fp.String(), "op", action.Op)
		return prior.Err()
	}

	batch := storage.NewBatch()
	applyErr := s.apply(batch, action)
	if applyErr != nil {
		if !ledgererr.IsBusiness(applyErr) {
			return applyErr
		}
		batch.Reset()
	}

	now := s.nowFn().UTC()
	outcome := Outcome{Op: action.Op, Code: ledgererr.CodeOf(applyErr), Digest: digest[:], AppliedAt: now}
	raw, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	batch.Put(appliedKey(fp), raw)
	batch.Put(observedKey(now.UnixNano(), fp), nil)
	if err := s.db.Write(batch); err != nil {
		return fmt.Errorf("%w: persist mutation: %v", ledgererr.ErrUnavailable, err)
	}

	result := "ok"
	if applyErr != nil {
		result = outcome.Code
	}
	metrics.Ledger().RecordMutation(string(action.Op), result)
	s.logger.Debug("shard applied action", "fingerprint", fp.String(), "op", action.Op, "result", result)
	return applyErr
}

func (s *Shard) apply(batch *storage.Batch, a Action) error {
	switch a.Op {
	case OpIncrease:
		if err := s.credit(batch, a.Token, a.Account, a.Amount); err != nil {
			return err
		}
		if !a.Operator.IsZero() && a.Operator != a.Account {
			return s.restoreAllowance(batch, a.Token, a.Account, a.Operator, a.Amount)
		}
		return nil
	case OpDecrease:
		if err := s.authorizeSpend(batch, a.Caller, a.Token, a.Account, a.Amount); err != nil {
			return err
		}
		return s.debit(batch, a.Token, a.Account, a.Amount)
	case OpTransfer:
		if err := s.authorizeSpend(batch, a.Caller, a.Token, a.Account, a.Amount); err != nil {
			return err
		}
		if a.Account == a.To {
			bal, err := s.balance(a.Token, a.Account)
			if err != nil {
				return err
			}
			if bal.Lt(a.Amount) {
				return ledgererr.ErrInsufficientBalance
			}
			return nil
		}
		if err := s.debit(batch, a.Token, a.Account, a.Amount); err != nil {
			return err
		}
		return s.credit(batch, a.Token, a.To, a.Amount)
	case OpApprove:
		if a.Caller != a.Account {
			return ledgererr.ErrNotOwner
		}
		key := allowanceKey(a.Token, a.Account, a.Operator)
		if a.Amount.IsZero() {
			batch.Delete(key)
		} else {
			batch.Put(key, types.EncodeAmount(a.Amount))
		}
		return nil
	case OpIncrementNonce:
		stored, err := s.nonce(a.Account)
		if err != nil {
			return err
		}
		if stored != a.Nonce {
			return ledgererr.ErrBadNonce
		}
		if stored == ^uint64(0) {
			return ledgererr.ErrOverflow
		}
		batch.Put(nonceKey(a.Account), encodeUint64(stored+1))
		return nil
	case OpDecrementNonce:
		stored, err := s.nonce(a.Account)
		if err != nil {
			return err
		}
		if a.Nonce == ^uint64(0) || stored != a.Nonce+1 {
			return ledgererr.ErrBadNonce
		}
		batch.Put(nonceKey(a.Account), encodeUint64(a.Nonce))
		return nil
	default:
		return ledgererr.ErrMalformedIntent
	}
}

// authorizeSpend checks that caller may move amount out of owner's balance
// and stages the allowance decrement. Unlimited allowances are not consumed.
func (s *Shard) authorizeSpend(batch *storage.Batch, caller types.Account, token types.TokenID, owner types.Account, amount *uint256.Int) error {
	if caller == owner {
		return nil
	}
	allowance, err := s.allowance(token, owner, caller)
	if err != nil {
		return err
	}
	if types.IsUnlimited(allowance) {
		return nil
	}
	if allowance.Lt(amount) {
		return ledgererr.ErrInsufficientAllowance
	}
	remaining := new(uint256.Int).Sub(allowance, amount)
	key := allowanceKey(token, owner, caller)
	if remaining.IsZero() {
		batch.Delete(key)
	} else {
		batch.Put(key, types.EncodeAmount(remaining))
	}
	return nil
}

func (s *Shard) restoreAllowance(batch *storage.Batch, token types.TokenID, owner, spender types.Account, amount *uint256.Int) error {
	allowance, err := s.allowance(token, owner, spender)
	if err != nil {
		return err
	}
	if types.IsUnlimited(allowance) {
		return nil
	}
	restored, overflow := new(uint256.Int).AddOverflow(allowance, amount)
	if overflow {
		return ledgererr.ErrOverflow
	}
	batch.Put(allowanceKey(token, owner, spender), types.EncodeAmount(restored))
	return nil
}

func (s *Shard) debit(batch *storage.Batch, token types.TokenID, account types.Account, amount *uint256.Int) error {
	bal, err := s.balance(token, account)
	if err != nil {
		return err
	}
	if bal.Lt(amount) {
		return ledgererr.ErrInsufficientBalance
	}
	next := new(uint256.Int).Sub(bal, amount)
	key := balanceKey(token, account)
	if next.IsZero() {
		batch.Delete(key)
	} else {
		batch.Put(key, types.EncodeAmount(next))
	}
	return nil
}

func (s *Shard) credit(batch *storage.Batch, token types.TokenID, account types.Account, amount *uint256.Int) error {
	bal, err := s.balance(token, account)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(bal, amount)
	if overflow {
		return ledgererr.ErrOverflow
	}
	if next.IsZero() {
		return nil
	}
	batch.Put(balanceKey(token, account), types.EncodeAmount(next))
	return nil
}

// Named wrappers over Execute.

func (s *Shard) Increase(ctx context.Context, sender types.Account, fp types.Fingerprint, token types.TokenID, account types.Account, amount *uint256.Int) error {
	return s.Execute(ctx, sender, fp, Increase(token, account, amount))
}

func (s *Shard) Decrease(ctx context.Context, sender types.Account, fp types.Fingerprint, caller types.Account, token types.TokenID, account types.Account, amount *uint256.Int) error {
	return s.Execute(ctx, sender, fp, Decrease(caller, token, account, amount))
}

func (s *Shard) Transfer(ctx context.Context, sender types.Account, fp types.Fingerprint, caller types.Account, token types.TokenID, from, to types.Account, amount *uint256.Int) error {
	return s.Execute(ctx, sender, fp, Transfer(caller, token, from, to, amount))
}

func (s *Shard) Approve(ctx context.Context, sender types.Account, fp types.Fingerprint, owner types.Account, token types.TokenID, operator types.Account, amount *uint256.Int) error {
	return s.Execute(ctx, sender, fp, Approve(owner, token, operator, amount))
}

func (s *Shard) IncrementPermitNonce(ctx context.Context, sender types.Account, fp types.Fingerprint, account types.Account, expected uint64) error {
	return s.Execute(ctx, sender, fp, IncrementNonce(account, expected))
}

func (s *Shard) DecrementPermitNonce(ctx context.Context, sender types.Account, fp types.Fingerprint, account types.Account, expected uint64) error {
	return s.Execute(ctx, sender, fp, DecrementNonce(account, expected))
}

// Reads. Any caller may read.

func (s *Shard) Balance(token types.TokenID, account types.Account) (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance(token, account)
}

func (s *Shard) Allowance(token types.TokenID, owner, operator types.Account) (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allowance(token, owner, operator)
}

func (s *Shard) PermitNonce(account types.Account) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nonce(account)
}

// Balances lists every non-zero balance of token held on this shard,
// ordered by account.
func (s *Shard) Balances(token types.TokenID) ([]Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := balanceTokenPrefix(token)
	out := make([]Holding, 0)
	var decodeErr error
	err := s.db.Iterate(prefix, func(key, value []byte) bool {
		acct, err := types.AccountFromBytes(key[len(prefix):])
		if err != nil {
			decodeErr = err
			return false
		}
		amount, err := types.DecodeAmount(value)
		if err != nil {
			decodeErr = err
			return false
		}
		out = append(out, Holding{Account: acct, Amount: amount})
		return true
	})
	if err == nil {
		err = decodeErr
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account.Compare(out[j].Account) < 0 })
	return out, nil
}

// Applied returns the recorded outcome of fp.
func (s *Shard) Applied(fp types.Fingerprint) (Outcome, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outcome(fp)
}

// Prune forgets applied fingerprints recorded before cutoff and returns how
// many were removed. A pruned fingerprint would be applied again if replayed,
// so the retention window must exceed the longest client retry horizon.
func (s *Shard) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoffKey := string(observedKey(cutoff.UTC().UnixNano(), types.Fingerprint{}))
	batch := storage.NewBatch()
	removed := 0
	var ctxErr error
	err := s.db.Iterate([]byte(observedPrefix), func(key, _ []byte) bool {
		if ctxErr = ctx.Err(); ctxErr != nil {
			return false
		}
		if string(key) >= cutoffKey {
			return false
		}
		fp, ok := parseObservedKey(key)
		if !ok {
			return true
		}
		batch.Delete(key)
		batch.Delete(appliedKey(fp))
		removed++
		return true
	})
	if err == nil {
		err = ctxErr
	}
	if err != nil {
		return 0, err
	}
	if batch.Len() > 0 {
		if err := s.db.Write(batch); err != nil {
			return 0, fmt.Errorf("prune applied set: %w", err)
		}
	}
	metrics.Ledger().RecordPruned(removed)
	if removed > 0 {
		s.logger.Info("shard pruned applied set", "removed", removed, "cutoff", cutoff.UTC())
	}
	return removed, nil
}

func (s *Shard) balance(token types.TokenID, account types.Account) (*uint256.Int, error) {
	return s.amount(balanceKey(token, account))
}

func (s *Shard) allowance(token types.TokenID, owner, operator types.Account) (*uint256.Int, error) {
	return s.amount(allowanceKey(token, owner, operator))
}

func (s *Shard) amount(key []byte) (*uint256.Int, error) {
	raw, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %q: %v", ledgererr.ErrUnavailable, key[:4], err)
	}
	return types.DecodeAmount(raw)
}

func (s *Shard) nonce(account types.Account) (uint64, error) {
	raw, err := s.db.Get(nonceKey(account))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read nonce: %v", ledgererr.ErrUnavailable, err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("corrupt nonce for %s", account)
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (s *Shard) outcome(fp types.Fingerprint) (Outcome, bool, error) {
	raw, err := s.db.Get(appliedKey(fp))
	if errors.Is(err, storage.ErrNotFound) {
		return Outcome{}, false, nil
	}
	if err != nil {
		return Outcome{}, false, fmt.Errorf("%w: read applied set: %v", ledgererr.ErrUnavailable, err)
	}
	var out Outcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return Outcome{}, false, fmt.Errorf("decode outcome: %w", err)
	}
	return out, true, nil
}
