package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// TokenID identifies a token class.
//
// Bit 63 marks non-fungible ids. For those, bits 32..62 carry the collection
// and the low 32 bits the per-collection serial. Serial zero denotes the
// collection itself and is never issued to an item.
type TokenID uint64

const (
	NFTBit TokenID = 1 << 63

	collectionShift = 32
	collectionMask  = TokenID(1<<31-1) << collectionShift
	serialMask      = TokenID(1<<32 - 1)

	// MaxCollection is the largest collection id encodable in a TokenID.
	MaxCollection = uint32(1<<31 - 1)
	// MaxSerial is the largest serial a collection can issue.
	MaxSerial = uint32(1<<32 - 1)
)

var (
	errZeroCollection     = errors.New("collection id must be non-zero")
	errCollectionTooLarge = errors.New("collection id exceeds 31 bits")
)

// CollectionID returns the base id of an NFT collection.
func CollectionID(collection uint32) (TokenID, error) {
	if collection == 0 {
		return 0, errZeroCollection
	}
	if collection > MaxCollection {
		return 0, errCollectionTooLarge
	}
	return NFTBit | TokenID(collection)<<collectionShift, nil
}

// NFTItem returns the id of item serial within collection.
func NFTItem(collection, serial uint32) (TokenID, error) {
	base, err := CollectionID(collection)
	if err != nil {
		return 0, err
	}
	return base | TokenID(serial), nil
}

func (t TokenID) IsNFT() bool { return t&NFTBit != 0 }

// Collection returns the collection id, or zero for fungible tokens.
func (t TokenID) Collection() uint32 {
	if !t.IsNFT() {
		return 0
	}
	return uint32((t & collectionMask) >> collectionShift)
}

// Serial returns the per-collection serial, or zero for fungible tokens.
func (t TokenID) Serial() uint32 {
	if !t.IsNFT() {
		return 0
	}
	return uint32(t & serialMask)
}

// IsCollection reports whether t names an NFT collection rather than an item.
func (t TokenID) IsCollection() bool { return t.IsNFT() && t.Serial() == 0 }

// WithSerial returns the item id for serial in t's collection.
func (t TokenID) WithSerial(serial uint32) TokenID {
	return (t &^ serialMask) | TokenID(serial)
}

// Validate rejects NFT ids without a collection.
func (t TokenID) Validate() error {
	if t.IsNFT() && t.Collection() == 0 {
		return errZeroCollection
	}
	return nil
}

func (t TokenID) String() string { return strconv.FormatUint(uint64(t), 10) }

// ParseTokenID accepts a decimal or 0x-prefixed hexadecimal id.
func ParseTokenID(s string) (TokenID, error) {
	s = strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid token id: %w", err)
	}
	id := TokenID(v)
	if err := id.Validate(); err != nil {
		return 0, err
	}
	return id, nil
}

func (t TokenID) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TokenID) UnmarshalText(text []byte) error {
	id, err := ParseTokenID(string(text))
	if err != nil {
		return err
	}
	*t = id
	return nil
}
