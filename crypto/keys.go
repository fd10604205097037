package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"shardledger/core/types"
)

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Account returns the ledger account controlled by the key.
func (k *PrivateKey) Account() types.Account {
	return k.PubKey().Account()
}

func (k *PublicKey) Account() types.Account {
	return types.MustAccount(crypto.PubkeyToAddress(*k.PublicKey).Bytes())
}

// Bytes returns the 33-byte compressed encoding of the key.
func (k *PublicKey) Bytes() []byte {
	return crypto.CompressPubkey(k.PublicKey)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// ParsePublicKey accepts a 33-byte compressed or 65-byte uncompressed
// secp256k1 public key.
func ParsePublicKey(b []byte) (*PublicKey, error) {
	switch len(b) {
	case 33:
		pub, err := crypto.DecompressPubkey(b)
		if err != nil {
			return nil, fmt.Errorf("crypto: decompress public key: %w", err)
		}
		return &PublicKey{pub}, nil
	case 65:
		pub, err := crypto.UnmarshalPubkey(b)
		if err != nil {
			return nil, fmt.Errorf("crypto: unmarshal public key: %w", err)
		}
		return &PublicKey{pub}, nil
	default:
		return nil, errors.New("crypto: public key must be 33 or 65 bytes")
	}
}

// AccountFromPublicKey derives the account controlled by an encoded public key.
func AccountFromPublicKey(b []byte) (types.Account, error) {
	pub, err := ParsePublicKey(b)
	if err != nil {
		return types.Account{}, err
	}
	return pub.Account(), nil
}
