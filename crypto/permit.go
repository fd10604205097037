package crypto

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"shardledger/core/types"
)

const permitDomain = "shardledger/permit/v1"

// PermitMessage is the canonical payload an owner signs to let an operator
// spend up to Amount of Token on their behalf.
type PermitMessage struct {
	Owner    types.Account
	Operator types.Account
	Token    types.TokenID
	Amount   *uint256.Int
	Nonce    uint64
}

// Digest returns the keccak256 hash that is signed and verified.
func (m PermitMessage) Digest() []byte {
	buf := make([]byte, 0, len(permitDomain)+20+20+8+32+8)
	buf = append(buf, permitDomain...)
	buf = append(buf, m.Owner[:]...)
	buf = append(buf, m.Operator[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.Token))
	buf = append(buf, types.EncodeAmount(m.Amount)...)
	buf = binary.BigEndian.AppendUint64(buf, m.Nonce)
	return crypto.Keccak256(buf)
}

// SignPermit produces a 65-byte [R || S || V] signature over msg.
func SignPermit(key *PrivateKey, msg PermitMessage) ([]byte, error) {
	if key == nil {
		return nil, errNilKey
	}
	return crypto.Sign(msg.Digest(), key.PrivateKey)
}

// Verifier checks a signature over message against publicKey. It reports
// false for a well-formed but invalid signature and an error only when the
// check itself could not be performed.
type Verifier interface {
	Verify(ctx context.Context, signature, message, publicKey []byte) (bool, error)
}

// Secp256k1Verifier verifies signatures in-process.
type Secp256k1Verifier struct{}

var errSignatureLength = errors.New("crypto: signature must be 64 or 65 bytes")

func (Secp256k1Verifier) Verify(ctx context.Context, signature, message, publicKey []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if len(signature) != 64 && len(signature) != 65 {
		return false, nil
	}
	if _, err := ParsePublicKey(publicKey); err != nil {
		return false, nil
	}
	return crypto.VerifySignature(publicKey, message, signature[:64]), nil
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, signature, message, publicKey []byte) (bool, error)

func (f VerifierFunc) Verify(ctx context.Context, signature, message, publicKey []byte) (bool, error) {
	return f(ctx, signature, message, publicKey)
}
