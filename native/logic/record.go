package logic

import (
	"encoding/json"
	"time"

	"shardledger/core/types"
	"shardledger/native/shard"
)

// Status is the lifecycle of a transaction record.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusFailure    Status = "failure"
)

func (s Status) Terminal() bool { return s == StatusSuccess || s == StatusFailure }

// InstructionState is the saga state of one instruction.
type InstructionState string

const (
	// StateScheduledRun: the primary action has not been confirmed.
	StateScheduledRun InstructionState = "scheduled_run"
	// StateScheduledAbort: the primary action succeeded; compensation is
	// possible and may still be required.
	StateScheduledAbort InstructionState = "scheduled_abort"
	// StateRunWithError: the primary action failed with a business error.
	StateRunWithError InstructionState = "run_with_error"
	StateFinished     InstructionState = "finished"
)

// Instruction is one shard-level step of a transaction.
type Instruction struct {
	Index        int              `json:"index"`
	State        InstructionState `json:"state"`
	Shard        types.Account    `json:"shard"`
	Action       shard.Action     `json:"action"`
	Compensation *shard.Action    `json:"compensation,omitempty"`
	Code         string           `json:"code,omitempty"`
}

// Record is the persisted state of a transaction. It is written back before
// every shard call so a retry or a concurrent reader sees where the saga
// stands.
type Record struct {
	Fingerprint  types.Fingerprint `json:"fingerprint"`
	Caller       types.Account     `json:"caller"`
	Kind         IntentKind        `json:"kind"`
	Intent       json.RawMessage   `json:"intent"`
	Digest       types.Fingerprint `json:"digest"`
	Token        types.TokenID     `json:"token"`
	Status       Status            `json:"status"`
	Instructions []Instruction     `json:"instructions"`
	// Verified is set once a permit signature has been checked.
	Verified bool `json:"verified,omitempty"`
	// Code holds the error code that sent the saga into its abort phase.
	Code string `json:"code,omitempty"`
	// Stuck marks a saga whose compensation failed.
	Stuck bool `json:"stuck,omitempty"`
	// StuckCode is the error code a stuck saga keeps reporting.
	StuckCode string `json:"stuckCode,omitempty"`
	// Attempt counts how often a failed permit was submitted afresh under
	// the same fingerprint.
	Attempt   uint32    `json:"attempt,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// stepBase is the fingerprint instruction steps of this attempt derive from.
func (r *Record) stepBase() types.Fingerprint {
	return types.AttemptFingerprint(r.Fingerprint, r.Attempt)
}

// aborting reports whether the saga has entered its compensation phase.
func (r *Record) aborting() bool { return r.Code != "" }

// Outcome is the reply to a submission.
type Outcome struct {
	Fingerprint types.Fingerprint `json:"fingerprint"`
	Kind        IntentKind        `json:"kind"`
	Status      Status            `json:"status"`
	// Token is the token acted on; for NFT mints, the issued item id.
	Token types.TokenID `json:"token"`
	Code  string        `json:"code,omitempty"`
}

func (r *Record) outcome() Outcome {
	return Outcome{Fingerprint: r.Fingerprint, Kind: r.Kind, Status: r.Status, Token: r.Token, Code: r.Code}
}

func cloneRecord(r *Record) (*Record, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var out Record
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
