package types

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"lukechampine.com/blake3"
)

// Fingerprint identifies one logical attempt at a ledger operation.
type Fingerprint [32]byte

const (
	fingerprintDomain = "shardledger/tx/v1"
	permitDomain      = "shardledger/permit/v1"
	stepDomain        = "shardledger/step/v1"
	attemptDomain     = "shardledger/attempt/v1"
)

// DeriveFingerprint binds a caller-chosen sequence number to the caller.
func DeriveFingerprint(caller Account, sequence uint64) Fingerprint {
	h := blake3.New(32, nil)
	h.Write([]byte(fingerprintDomain))
	h.Write(caller[:])
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], sequence)
	h.Write(seq[:])
	return sum(h)
}

// PermitFingerprint identifies a delegated operation by the signer's identity
// and the nonce the permit consumes, so any relayer submitting the same
// permit lands on the same transaction record.
func PermitFingerprint(owner Account, token TokenID, nonce uint64) Fingerprint {
	h := blake3.New(32, nil)
	h.Write([]byte(permitDomain))
	h.Write(owner[:])
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(token))
	binary.BigEndian.PutUint64(buf[8:], nonce)
	h.Write(buf[:])
	return sum(h)
}

// StepFingerprint derives the shard-level fingerprint of one instruction
// step. Primary and compensating actions of the same instruction get
// distinct fingerprints.
func StepFingerprint(tx Fingerprint, index int, compensation bool) Fingerprint {
	h := blake3.New(32, nil)
	h.Write([]byte(stepDomain))
	h.Write(tx[:])
	var buf [9]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(index))
	if compensation {
		buf[8] = 1
	}
	h.Write(buf[:])
	return sum(h)
}

// AttemptFingerprint derives the base of a later attempt at tx, so the
// steps of a resubmitted transaction do not collide with those already in a
// shard's applied set. Attempt zero is tx itself.
func AttemptFingerprint(tx Fingerprint, attempt uint32) Fingerprint {
	if attempt == 0 {
		return tx
	}
	h := blake3.New(32, nil)
	h.Write([]byte(attemptDomain))
	h.Write(tx[:])
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], attempt)
	h.Write(buf[:])
	return sum(h)
}

func sum(h *blake3.Hasher) Fingerprint {
	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

func (f Fingerprint) IsZero() bool { return f == Fingerprint{} }

func (f Fingerprint) String() string { return "0x" + hex.EncodeToString(f[:]) }

// ParseFingerprint decodes a hex fingerprint with or without the 0x prefix.
func ParseFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fp, fmt.Errorf("invalid fingerprint: %w", err)
	}
	if len(raw) != len(fp) {
		return fp, errors.New("fingerprint must be 32 bytes")
	}
	copy(fp[:], raw)
	return fp, nil
}

func (f Fingerprint) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Fingerprint) UnmarshalText(text []byte) error {
	parsed, err := ParseFingerprint(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
