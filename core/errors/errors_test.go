package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
)

func TestSentinelsMatchByCode(t *testing.T) {
	wrapped := fmt.Errorf("shard call: %w", ErrInsufficientBalance)
	if !stderrors.Is(wrapped, ErrInsufficientBalance) {
		t.Fatalf("expected wrapped sentinel to match")
	}
	rebuilt := &Error{Kind: KindBusiness, Code: "insufficient_balance", Msg: "remote said no"}
	if !stderrors.Is(rebuilt, ErrInsufficientBalance) {
		t.Fatalf("expected code equality to match")
	}
	if stderrors.Is(rebuilt, ErrInsufficientAllowance) {
		t.Fatalf("different codes must not match")
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{fmt.Errorf("x: %w", ErrUnauthorized), KindCaller},
		{ErrBadNonce, KindBusiness},
		{ErrUnavailable, KindTransient},
		{context.DeadlineExceeded, KindTransient},
		{ErrGuardBusy, KindContention},
		{ErrCompensationFailed, KindFatal},
		{stderrors.New("plain"), KindUnknown},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("KindOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestFromCode(t *testing.T) {
	if FromCode("bad_signature") != ErrBadSignature {
		t.Fatalf("expected registry lookup to return sentinel")
	}
	if FromCode("nope") != nil {
		t.Fatalf("unknown code must return nil")
	}
	if CodeOf(fmt.Errorf("wrap: %w", ErrOverflow)) != "overflow" {
		t.Fatalf("unexpected code")
	}
}
