package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"shardledger/core/events"
	"shardledger/core/types"
	"shardledger/crypto"
	"shardledger/gateway/middleware"
	"shardledger/gateway/respond"
	"shardledger/native/logic"
	"shardledger/native/router"
	"shardledger/native/shard"
	"shardledger/services/ledgerd/stream"
	"shardledger/storage/journal"
)

const (
	token  types.TokenID = 5
	secret               = "api-secret"
)

func account(lead, tag byte) types.Account {
	var a types.Account
	a[0] = lead
	a[19] = tag
	return a
}

var (
	logicAddr = account(0xee, 0)
	alice     = account(0x00, 1)
	bob       = account(0x10, 2)
	admin     = account(0x20, 3)
)

type testServer struct {
	url  string
	auth *middleware.Authenticator
	hub  *stream.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	pool := shard.NewPool(logicAddr, "", nil)
	t.Cleanup(func() { _ = pool.Close() })
	resolver, err := logic.NewResolver([]logic.Group{{Name: "default", Default: true, Partitions: 2}}, pool)
	require.NoError(t, err)
	orch := logic.New(logicAddr, logic.NewMemStore(), resolver, pool.Client(logicAddr), crypto.Secp256k1Verifier{}, nil)

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	hub := stream.NewHub(8, nil)
	orch.SetEmitter(events.Fanout{j, hub})

	rt := router.New(orch, nil, crypto.Secp256k1Verifier{}, nil)
	rt.SetEmitter(hub)
	auth := middleware.NewAuthenticator(middleware.AuthConfig{Enabled: true, HMACSecret: secret, Audience: "ledgerd"}, nil)
	srv, err := New(Config{Router: rt, Journal: j, Stream: hub, Auth: auth})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{url: ts.URL, auth: auth, hub: hub}
}

func (s *testServer) do(t *testing.T, method, path string, caller types.Account, body any, out any, scopes ...string) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.url+path, reader)
	require.NoError(t, err)
	if !caller.IsZero() {
		tok, err := s.auth.Issue(caller, "", scopes...)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func submitBody(seq uint64, intent any) map[string]any {
	return map[string]any{"sequence": seq, "intent": intent}
}

func TestMintTransferAndRead(t *testing.T) {
	s := newTestServer(t)

	var minted router.Receipt
	status := s.do(t, http.MethodPost, "/v1/mint", alice,
		submitBody(1, logic.Mint{Token: token, To: alice, Amount: uint256.NewInt(100)}), &minted)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, logic.StatusSuccess, minted.Outcome.Status)
	require.Equal(t, types.DeriveFingerprint(alice, 1), minted.Fingerprint)
	require.NotNil(t, minted.Event)

	var moved router.Receipt
	status = s.do(t, http.MethodPost, "/v1/transfer", alice,
		submitBody(2, logic.Transfer{Token: token, From: alice, To: bob, Amount: uint256.NewInt(30)}), &moved)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, logic.StatusSuccess, moved.Outcome.Status)

	var resent router.Receipt
	status = s.do(t, http.MethodPost, "/v1/transfer", alice,
		submitBody(2, logic.Transfer{Token: token, From: alice, To: bob, Amount: uint256.NewInt(30)}), &resent)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, moved.Fingerprint, resent.Fingerprint)

	var bal amountReply
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/balances/5/"+bob.String(), alice, nil, &bal))
	require.Equal(t, uint64(30), bal.Amount.Uint64())

	var batch []holdingReply
	path := "/v1/balances/5?account=" + alice.String() + "&account=" + bob.String()
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, path, alice, nil, &batch))
	require.Len(t, batch, 2)
	require.Equal(t, uint64(70), batch[0].Amount.Uint64())
	require.Equal(t, bob, batch[1].Account)

	var supply amountReply
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/supply/5", alice, nil, &supply))
	require.Equal(t, uint64(100), supply.Amount.Uint64())
}

func TestBusinessFailureReturnsReceipt(t *testing.T) {
	s := newTestServer(t)

	var reply struct {
		respond.ErrorBody
		Receipt router.Receipt `json:"receipt"`
	}
	status := s.do(t, http.MethodPost, "/v1/transfer", alice,
		submitBody(1, logic.Transfer{Token: token, From: alice, To: bob, Amount: uint256.NewInt(1)}), &reply)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, "insufficient_balance", reply.Code)
	require.Equal(t, logic.StatusFailure, reply.Receipt.Outcome.Status)

	var rec logic.Record
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/tx/1", alice, nil, &rec))
	require.Equal(t, logic.StatusFailure, rec.Status)

	require.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/v1/tx/1", alice, nil, nil))
	var missing respond.ErrorBody
	require.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/v1/tx/1", alice, nil, &missing))
	require.Equal(t, "transaction_not_found", missing.Code)
}

func TestPermitRecordRoutes(t *testing.T) {
	s := newTestServer(t)
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	owner := key.Account()
	msg := crypto.PermitMessage{Owner: owner, Operator: bob, Token: token, Amount: uint256.NewInt(4), Nonce: 1}
	sig, err := crypto.SignPermit(key, msg)
	require.NoError(t, err)
	permit := logic.Permit{Token: token, Owner: owner, Operator: bob, Amount: msg.Amount, Nonce: 1, Signature: sig, PublicKey: key.PubKey().Bytes()}

	var reply respond.ErrorBody
	require.Equal(t, http.StatusUnprocessableEntity, s.do(t, http.MethodPost, "/v1/permit", alice, submitBody(1, permit), &reply))
	require.Equal(t, "bad_nonce", reply.Code)

	var rec logic.Record
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/permits/5/1", owner, nil, &rec))
	require.Equal(t, logic.StatusFailure, rec.Status)
	require.Equal(t, types.PermitFingerprint(owner, token, 1), rec.Fingerprint)

	var missing respond.ErrorBody
	require.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/v1/permits/5/1", alice, nil, &missing))
	require.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/v1/permits/5/first", owner, nil, &missing))

	require.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/v1/permits/5/1", owner, nil, nil))
	require.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/v1/permits/5/1", owner, nil, &missing))
	require.Equal(t, "transaction_not_found", missing.Code)
}

func TestRequestValidation(t *testing.T) {
	s := newTestServer(t)

	require.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/v1/supply/5", types.Account{}, nil, nil))

	var body respond.ErrorBody
	status := s.do(t, http.MethodPost, "/v1/mint", alice, map[string]any{"sequence": 1, "kind": "later", "intent": map[string]any{}}, &body)
	require.Equal(t, http.StatusBadRequest, status)

	status = s.do(t, http.MethodPost, "/v1/mint", alice, map[string]any{"sequence": 1}, &body)
	require.Equal(t, http.StatusBadRequest, status)

	status = s.do(t, http.MethodPost, "/v1/mint", alice,
		submitBody(1, logic.Mint{Token: token, To: alice, Amount: uint256.NewInt(0)}), &body)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "malformed_intent", body.Code)

	require.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/v1/balances/5/nobody", alice, nil, &body))
	require.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/v1/tx/abc", alice, nil, &body))
}

func TestAdminRoutesRequireScope(t *testing.T) {
	s := newTestServer(t)
	status := s.do(t, http.MethodPost, "/v1/mint", alice,
		submitBody(1, logic.Mint{Token: token, To: alice, Amount: uint256.NewInt(10)}), nil)
	require.Equal(t, http.StatusOK, status)

	require.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/v1/journal", alice, nil, nil))

	var entries []journal.Entry
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/journal?caller="+alice.String(), admin, nil, &entries, middleware.ScopeAdmin))
	require.Len(t, entries, 1)
	require.Equal(t, "success", entries[0].Status)

	var pending []logic.Record
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/admin/pending", admin, nil, &pending, middleware.ScopeAdmin))
	require.Empty(t, pending)

	var guards struct {
		Capacity int `json:"capacity"`
	}
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/admin/guards", admin, nil, &guards, middleware.ScopeAdmin))
	require.Positive(t, guards.Capacity)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	resp, err := http.Get(s.url + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	s := newTestServer(t)
	tok, err := s.auth.Issue(alice, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(s.url, "http") + "/v1/events?type=" + events.TypeMinted
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + tok}},
	})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return s.hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	status := s.do(t, http.MethodPost, "/v1/mint", alice,
		submitBody(1, logic.Mint{Token: token, To: bob, Amount: uint256.NewInt(12)}), nil)
	require.Equal(t, http.StatusOK, status)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var evt types.Event
	require.NoError(t, json.Unmarshal(data, &evt))
	require.Equal(t, events.TypeMinted, evt.Type)
	require.Equal(t, "12", evt.Attributes["amount"])
	require.Equal(t, bob.String(), evt.Attributes["to"])
}
