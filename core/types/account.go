package types

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
)

// AccountPrefix is the human-readable part used when rendering accounts.
const AccountPrefix = "acct"

// AccountLength is the byte length of an Account.
const AccountLength = 20

var errAccountLength = errors.New("account must be 20 bytes long")

// Account identifies an actor on the ledger. Equality and ordering are the
// only structure callers may rely on; the leading nibble is used for shard
// partitioning.
type Account [AccountLength]byte

// AccountFromBytes copies b into an Account.
func AccountFromBytes(b []byte) (Account, error) {
	var a Account
	if len(b) != AccountLength {
		return a, errAccountLength
	}
	copy(a[:], b)
	return a, nil
}

// MustAccount is like AccountFromBytes but panics on malformed input.
func MustAccount(b []byte) Account {
	a, err := AccountFromBytes(b)
	if err != nil {
		panic(err)
	}
	return a
}

// ParseAccount decodes a bech32 account using AccountPrefix or a 0x-prefixed
// hex string.
func ParseAccount(s string) (Account, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Account{}, errors.New("empty account")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		raw, err := hex.DecodeString(s[2:])
		if err != nil {
			return Account{}, fmt.Errorf("invalid hex account: %w", err)
		}
		return AccountFromBytes(raw)
	}
	prefix, decoded, err := bech32.Decode(s)
	if err != nil {
		return Account{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if prefix != AccountPrefix {
		return Account{}, fmt.Errorf("unexpected account prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Account{}, fmt.Errorf("error converting bits: %w", err)
	}
	return AccountFromBytes(conv)
}

func (a Account) String() string {
	conv, err := bech32.ConvertBits(a[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(AccountPrefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Hex renders the account as a 0x-prefixed hex string.
func (a Account) Hex() string { return "0x" + hex.EncodeToString(a[:]) }

func (a Account) Bytes() []byte { return append([]byte(nil), a[:]...) }

func (a Account) IsZero() bool { return a == Account{} }

// Compare orders accounts bytewise.
func (a Account) Compare(b Account) int { return bytes.Compare(a[:], b[:]) }

// Partition returns the first hex nibble of the account, in [0, 16).
func (a Account) Partition() uint8 { return a[0] >> 4 }

func (a Account) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Account) UnmarshalText(text []byte) error {
	parsed, err := ParseAccount(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
