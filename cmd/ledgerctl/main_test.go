package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/holiman/uint256"

	"shardledger/config"
	"shardledger/core/types"
	"shardledger/crypto"
	"shardledger/gateway/middleware"
)

func TestBuildPermitVerifies(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var operator types.Account
	operator[0] = 0x42
	body, err := buildPermit(key, operator, 9, uint256.NewInt(25), 3)
	if err != nil {
		t.Fatalf("build permit: %v", err)
	}
	p := body.Intent
	if p.Owner != key.Account() || p.Nonce != 3 {
		t.Fatalf("unexpected permit: %+v", p)
	}
	msg := crypto.PermitMessage{Owner: p.Owner, Operator: p.Operator, Token: p.Token, Amount: p.Amount, Nonce: p.Nonce}
	ok, err := crypto.Secp256k1Verifier{}.Verify(context.Background(), p.Signature, msg.Digest(), p.PublicKey)
	if err != nil || !ok {
		t.Fatalf("signature does not verify: ok=%v err=%v", ok, err)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"intent"`) {
		t.Fatalf("body missing intent: %s", raw)
	}
}

func TestIssueTokenVerifiesAgainstConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Enabled = true
	cfg.Auth.HMACSecret = "shared"
	cfg.Auth.Audience = "ledgerd"

	var caller types.Account
	caller[19] = 7
	token, err := issueToken(cfg, caller.Hex(), "", []string{middleware.ScopeAdmin})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	auth := middleware.NewAuthenticator(middleware.AuthConfig{Enabled: true, HMACSecret: "shared", Audience: "ledgerd"}, nil)
	got, scopes, err := auth.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != caller || len(scopes) != 1 || scopes[0] != middleware.ScopeAdmin {
		t.Fatalf("unexpected claims: %s %v", got, scopes)
	}

	cfg.Auth.HMACSecret = ""
	if _, err := issueToken(cfg, caller.Hex(), "", nil); err == nil {
		t.Fatalf("expected error without secret")
	}
}

func TestKeygenAndAccount(t *testing.T) {
	t.Setenv(defaultPassEnv, "test-passphrase")
	path := filepath.Join(t.TempDir(), "owner.keystore")

	var generated bytes.Buffer
	if err := runKeygen([]string{"-keystore", path}, &generated); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if err := runKeygen([]string{"-keystore", path}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected refusal to overwrite keystore")
	}

	var shown bytes.Buffer
	if err := runAccount([]string{"-keystore", path, "-verify"}, &shown); err != nil {
		t.Fatalf("account: %v", err)
	}
	first := strings.SplitN(shown.String(), "\n", 2)[0]
	if first != strings.TrimSpace(generated.String()) {
		t.Fatalf("account mismatch: %q vs %q", first, generated.String())
	}

	t.Setenv(defaultPassEnv, "")
	var plain bytes.Buffer
	if err := runAccount([]string{"-keystore", path}, &plain); err != nil {
		t.Fatalf("account without passphrase: %v", err)
	}
	if plain.String() != shown.String() {
		t.Fatalf("unverified account differs: %q vs %q", plain.String(), shown.String())
	}
}
