package shard

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"shardledger/core/types"
)

func balanceTokenPrefix(token types.TokenID) []byte {
	key := make([]byte, 0, len(balancePrefix)+8)
	key = append(key, balancePrefix...)
	return binary.BigEndian.AppendUint64(key, uint64(token))
}

func balanceKey(token types.TokenID, account types.Account) []byte {
	return append(balanceTokenPrefix(token), account[:]...)
}

func allowanceKey(token types.TokenID, owner, operator types.Account) []byte {
	key := make([]byte, 0, len(allowancePrefix)+8+2*types.AccountLength)
	key = append(key, allowancePrefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(token))
	key = append(key, owner[:]...)
	return append(key, operator[:]...)
}

func nonceKey(account types.Account) []byte {
	return append([]byte(noncePrefix), account[:]...)
}

func appliedKey(fp types.Fingerprint) []byte {
	return append([]byte(appliedPrefix), fp[:]...)
}

// observedKey orders applied fingerprints by the time they were recorded.
func observedKey(nanos int64, fp types.Fingerprint) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", observedPrefix, nanos, hex.EncodeToString(fp[:])))
}

func parseObservedKey(key []byte) (types.Fingerprint, bool) {
	parts := strings.SplitN(string(key), ":", 3)
	if len(parts) != 3 {
		return types.Fingerprint{}, false
	}
	fp, err := types.ParseFingerprint(parts[2])
	if err != nil {
		return types.Fingerprint{}, false
	}
	return fp, true
}

func encodeUint64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}
