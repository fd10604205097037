package types

import (
	"testing"
)

func TestTokenIDLayout(t *testing.T) {
	base, err := CollectionID(7)
	if err != nil {
		t.Fatalf("collection: %v", err)
	}
	if !base.IsNFT() || !base.IsCollection() {
		t.Fatalf("expected collection base to be an nft collection")
	}
	item := base.WithSerial(42)
	if item.Collection() != 7 || item.Serial() != 42 {
		t.Fatalf("unexpected layout: collection=%d serial=%d", item.Collection(), item.Serial())
	}
	if item.IsCollection() {
		t.Fatalf("item must not report as collection")
	}
	if TokenID(7).IsNFT() || TokenID(7).Collection() != 0 {
		t.Fatalf("fungible id misclassified")
	}
	if _, err := CollectionID(0); err == nil {
		t.Fatalf("expected zero collection to be rejected")
	}
	if _, err := CollectionID(MaxCollection + 1); err == nil {
		t.Fatalf("expected oversized collection to be rejected")
	}
	if err := NFTBit.Validate(); err == nil {
		t.Fatalf("expected bare nft bit to be invalid")
	}
}

func TestTokenIDText(t *testing.T) {
	item, err := NFTItem(3, 9)
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	text, _ := item.MarshalText()
	var decoded TokenID
	if err := decoded.UnmarshalText(text); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded != item {
		t.Fatalf("expected %s, got %s", item, decoded)
	}
	if parsed, err := ParseTokenID("0x10"); err != nil || parsed != 16 {
		t.Fatalf("hex parse: %v %d", err, parsed)
	}
}

func TestAccountEncoding(t *testing.T) {
	raw := make([]byte, AccountLength)
	raw[0] = 0xa3
	raw[19] = 0x01
	acct := MustAccount(raw)
	if acct.Partition() != 0xa {
		t.Fatalf("expected partition 10, got %d", acct.Partition())
	}
	parsed, err := ParseAccount(acct.String())
	if err != nil {
		t.Fatalf("parse bech32: %v", err)
	}
	if parsed != acct {
		t.Fatalf("bech32 round trip mismatch")
	}
	fromHex, err := ParseAccount(acct.Hex())
	if err != nil || fromHex != acct {
		t.Fatalf("hex round trip mismatch: %v", err)
	}
	if _, err := AccountFromBytes(raw[:5]); err == nil {
		t.Fatalf("expected short account to be rejected")
	}
}

func TestFingerprintDerivation(t *testing.T) {
	a := MustAccount(make([]byte, AccountLength))
	b := a
	b[19] = 1

	if DeriveFingerprint(a, 1) != DeriveFingerprint(a, 1) {
		t.Fatalf("derivation must be deterministic")
	}
	if DeriveFingerprint(a, 1) == DeriveFingerprint(a, 2) {
		t.Fatalf("sequence must affect fingerprint")
	}
	if DeriveFingerprint(a, 1) == DeriveFingerprint(b, 1) {
		t.Fatalf("caller must affect fingerprint")
	}
	tx := DeriveFingerprint(a, 1)
	if StepFingerprint(tx, 0, false) == StepFingerprint(tx, 0, true) {
		t.Fatalf("compensation step must differ from primary step")
	}
	if PermitFingerprint(a, 5, 0) == PermitFingerprint(a, 5, 1) {
		t.Fatalf("permit nonce must affect fingerprint")
	}
	parsed, err := ParseFingerprint(tx.String())
	if err != nil || parsed != tx {
		t.Fatalf("fingerprint parse: %v", err)
	}
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount("1000")
	if err != nil || v.Uint64() != 1000 {
		t.Fatalf("parse amount: %v", err)
	}
	max, err := ParseAmount("max")
	if err != nil || !IsUnlimited(max) {
		t.Fatalf("expected unlimited sentinel: %v", err)
	}
	if _, err := ParseAmount("-1"); err == nil {
		t.Fatalf("expected negative amount to fail")
	}
	decoded, err := DecodeAmount(EncodeAmount(v))
	if err != nil || !decoded.Eq(v) {
		t.Fatalf("amount encoding mismatch: %v", err)
	}
}
