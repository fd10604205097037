package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"shardledger/core/types"
)

// Keystore files use the v3 JSON layout. Their address field is the hex form
// of the ledger account, so the account can be read without the passphrase.

var (
	errNilKey        = errors.New("crypto: nil private key")
	errEmptyKeystore = errors.New("crypto: empty keystore path")

	// ErrKeystoreAccount means the decrypted key does not control the
	// account recorded in its keystore file.
	ErrKeystoreAccount = errors.New("crypto: keystore account does not match its key")
)

// Scrypt cost of new keystore files.
var (
	keystoreScryptN = keystore.StandardScryptN
	keystoreScryptP = keystore.StandardScryptP
)

type keystoreHeader struct {
	Address string `json:"address"`
}

// SaveToKeystore encrypts key into the keystore file at path and returns
// the account it controls. The parent directory is created 0700 and the
// file is replaced atomically with mode 0600.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) (types.Account, error) {
	if key == nil {
		return types.Account{}, errNilKey
	}
	if path == "" {
		return types.Account{}, errEmptyKeystore
	}
	account := key.Account()
	encrypted, err := keystore.EncryptKey(&keystore.Key{
		Id:         uuid.New(),
		Address:    common.Address(account),
		PrivateKey: key.PrivateKey,
	}, passphrase, keystoreScryptN, keystoreScryptP)
	if err != nil {
		return types.Account{}, fmt.Errorf("crypto: encrypt key: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return types.Account{}, err
	}
	staged, err := os.CreateTemp(dir, ".keystore-*")
	if err != nil {
		return types.Account{}, err
	}
	defer os.Remove(staged.Name())
	if err := staged.Chmod(0o600); err != nil {
		staged.Close()
		return types.Account{}, err
	}
	if _, err := staged.Write(encrypted); err != nil {
		staged.Close()
		return types.Account{}, err
	}
	if err := staged.Sync(); err != nil {
		staged.Close()
		return types.Account{}, err
	}
	if err := staged.Close(); err != nil {
		return types.Account{}, err
	}
	if err := os.Rename(staged.Name(), path); err != nil {
		return types.Account{}, err
	}
	return account, nil
}

// KeystoreAccount reads the account recorded in a keystore file without
// decrypting it.
func KeystoreAccount(path string) (types.Account, error) {
	_, account, err := readKeystore(path)
	return account, err
}

// LoadFromKeystore decrypts a keystore file and checks that the key controls
// the account the file records.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	raw, account, err := readKeystore(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(raw, passphrase)
	if err != nil {
		return nil, err
	}
	key := &PrivateKey{PrivateKey: decrypted.PrivateKey}
	if key.Account() != account {
		return nil, fmt.Errorf("%w: file records %s", ErrKeystoreAccount, account)
	}
	return key, nil
}

func readKeystore(path string) ([]byte, types.Account, error) {
	if path == "" {
		return nil, types.Account{}, errEmptyKeystore
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, types.Account{}, err
	}
	var header keystoreHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, types.Account{}, fmt.Errorf("crypto: decode keystore: %w", err)
	}
	account, err := types.ParseAccount("0x" + header.Address)
	if err != nil {
		return nil, types.Account{}, fmt.Errorf("crypto: keystore address: %w", err)
	}
	return raw, account, nil
}
