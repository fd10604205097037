package errors

import (
	"context"
	stderrors "errors"
)

// Kind classifies a ledger error by how a client should react to it.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindCaller errors are rejected before any state is touched.
	KindCaller
	// KindBusiness errors finalize a transaction as failed.
	KindBusiness
	// KindTransient errors leave the transaction in progress; retry with the
	// same fingerprint resumes it.
	KindTransient
	// KindContention means another request from the same caller is in flight.
	KindContention
	// KindFatal requires manual intervention.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindCaller:
		return "caller"
	case KindBusiness:
		return "business"
	case KindTransient:
		return "transient"
	case KindContention:
		return "contention"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a typed ledger error. Two errors match under errors.Is when their
// codes are equal, so sentinels survive a round trip through a transport.
type Error struct {
	Kind Kind
	Code string
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Is(target error) bool {
	var other *Error
	if !stderrors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

var (
	ErrUnauthorized          = newError(KindCaller, "unauthorized", "ledger: unauthorized caller")
	ErrMalformedIntent       = newError(KindCaller, "malformed_intent", "ledger: malformed intent")
	ErrUnknownToken          = newError(KindCaller, "unknown_token", "ledger: unknown token")
	ErrUnknownShard          = newError(KindCaller, "unknown_shard", "ledger: unknown shard")
	ErrTransactionNotFound   = newError(KindCaller, "transaction_not_found", "ledger: transaction not found")
	ErrMismatchedAction      = newError(KindCaller, "mismatched_action", "ledger: retry does not match the original request")
	ErrTransactionInProgress = newError(KindContention, "transaction_in_progress", "ledger: transaction still in progress")
	ErrNotOwner              = newError(KindCaller, "not_owner", "ledger: caller does not own the account")

	ErrInsufficientBalance   = newError(KindBusiness, "insufficient_balance", "ledger: insufficient balance")
	ErrInsufficientAllowance = newError(KindBusiness, "insufficient_allowance", "ledger: insufficient allowance")
	ErrBadNonce              = newError(KindBusiness, "bad_nonce", "ledger: permit nonce mismatch")
	ErrBadSignature          = newError(KindBusiness, "bad_signature", "ledger: permit signature invalid")
	ErrOverflow              = newError(KindBusiness, "overflow", "ledger: amount overflow")

	ErrUnavailable = newError(KindTransient, "shard_unavailable", "ledger: shard unavailable")

	ErrGuardBusy     = newError(KindContention, "guard_busy", "ledger: another request from this caller is in flight")
	ErrGuardCapacity = newError(KindContention, "guard_capacity", "ledger: in-flight request capacity exhausted")

	ErrCompensationFailed = newError(KindFatal, "compensation_failed", "ledger: compensation failed, manual intervention required")
	ErrResumeExpired      = newError(KindFatal, "resume_expired", "ledger: transaction outlived the shard replay window, manual intervention required")
	ErrSupplyOverflow     = newError(KindFatal, "supply_overflow", "ledger: total supply cannot record the mint, manual intervention required")
)

var registry = map[string]*Error{}

func init() {
	for _, err := range []*Error{
		ErrUnauthorized, ErrMalformedIntent, ErrUnknownToken, ErrUnknownShard,
		ErrTransactionNotFound, ErrMismatchedAction, ErrTransactionInProgress, ErrNotOwner,
		ErrInsufficientBalance, ErrInsufficientAllowance, ErrBadNonce, ErrBadSignature, ErrOverflow,
		ErrUnavailable, ErrGuardBusy, ErrGuardCapacity, ErrCompensationFailed, ErrResumeExpired, ErrSupplyOverflow,
	} {
		registry[err.Code] = err
	}
}

// FromCode returns the sentinel registered for code, or nil.
func FromCode(code string) *Error {
	return registry[code]
}

// KindOf classifies err. Context cancellation and deadlines are transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.Kind
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindUnknown
}

// CodeOf returns the code of the first typed error in err's chain.
func CodeOf(err error) string {
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.Code
	}
	return ""
}

// IsBusiness reports whether err should finalize a transaction as failed.
func IsBusiness(err error) bool { return KindOf(err) == KindBusiness }

// IsTransient reports whether err leaves a transaction resumable.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }
