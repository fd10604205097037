package shardrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	ledgererr "shardledger/core/errors"
	"shardledger/core/types"
	"shardledger/gateway/middleware"
	"shardledger/gateway/respond"
	"shardledger/native/shard"
)

// Client implements shard.Client over HTTP. Shards without an endpoint are
// served by the fallback client, typically the in-process pool.
type Client struct {
	sender    types.Account
	endpoints map[types.Account]string
	auth      *middleware.Authenticator
	fallback  shard.Client
	http      *http.Client
}

// NewClient sends as sender. auth signs a token per request with the shard
// address as audience; a nil auth asserts the sender in a header instead,
// which only an auth-disabled shard accepts.
func NewClient(sender types.Account, endpoints map[types.Account]string, auth *middleware.Authenticator, fallback shard.Client) *Client {
	cleaned := make(map[types.Account]string, len(endpoints))
	for addr, endpoint := range endpoints {
		cleaned[addr] = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	}
	return &Client{
		sender:    sender,
		endpoints: cleaned,
		auth:      auth,
		fallback:  fallback,
		http: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// SetHTTPClient replaces the underlying HTTP client.
func (c *Client) SetHTTPClient(h *http.Client) {
	if h != nil {
		c.http = h
	}
}

func (c *Client) Execute(ctx context.Context, addr types.Account, fp types.Fingerprint, action shard.Action) error {
	base, ok := c.endpoints[addr]
	if !ok {
		if c.fallback == nil {
			return ledgererr.ErrUnknownShard
		}
		return c.fallback.Execute(ctx, addr, fp, action)
	}
	payload, err := json.Marshal(ExecuteRequest{Fingerprint: fp, Action: action})
	if err != nil {
		return fmt.Errorf("encode execute request: %w", err)
	}
	return c.do(ctx, addr, http.MethodPost, base+"/shard/v1/execute", payload, nil)
}

func (c *Client) Balance(ctx context.Context, addr types.Account, token types.TokenID, account types.Account) (*uint256.Int, error) {
	base, ok := c.endpoints[addr]
	if !ok {
		if c.fallback == nil {
			return nil, ledgererr.ErrUnknownShard
		}
		return c.fallback.Balance(ctx, addr, token, account)
	}
	q := url.Values{"token": {token.String()}, "account": {account.String()}}
	return c.amount(ctx, addr, base+"/shard/v1/balance?"+q.Encode())
}

func (c *Client) Allowance(ctx context.Context, addr types.Account, token types.TokenID, owner, operator types.Account) (*uint256.Int, error) {
	base, ok := c.endpoints[addr]
	if !ok {
		if c.fallback == nil {
			return nil, ledgererr.ErrUnknownShard
		}
		return c.fallback.Allowance(ctx, addr, token, owner, operator)
	}
	q := url.Values{"token": {token.String()}, "owner": {owner.String()}, "operator": {operator.String()}}
	return c.amount(ctx, addr, base+"/shard/v1/allowance?"+q.Encode())
}

func (c *Client) PermitNonce(ctx context.Context, addr types.Account, account types.Account) (uint64, error) {
	base, ok := c.endpoints[addr]
	if !ok {
		if c.fallback == nil {
			return 0, ledgererr.ErrUnknownShard
		}
		return c.fallback.PermitNonce(ctx, addr, account)
	}
	var reply nonceReply
	q := url.Values{"account": {account.String()}}
	if err := c.do(ctx, addr, http.MethodGet, base+"/shard/v1/nonce?"+q.Encode(), nil, &reply); err != nil {
		return 0, err
	}
	return reply.Nonce, nil
}

func (c *Client) amount(ctx context.Context, addr types.Account, target string) (*uint256.Int, error) {
	var reply amountReply
	if err := c.do(ctx, addr, http.MethodGet, target, nil, &reply); err != nil {
		return nil, err
	}
	amount, err := uint256.FromDecimal(reply.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: decode amount %q: %v", ledgererr.ErrUnavailable, reply.Amount, err)
	}
	return amount, nil
}

// do performs one request. Transport failures and server errors without a
// ledger code are reported as ErrUnavailable so the saga suspends.
func (c *Client) do(ctx context.Context, addr types.Account, method, target string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.auth != nil {
		token, err := c.auth.Issue(c.sender, addr.String())
		if err != nil {
			return fmt.Errorf("sign shard token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.Header.Set("X-Ledger-Caller", c.sender.String())
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", ledgererr.ErrUnavailable, method, addr, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBody))
	if err != nil {
		return fmt.Errorf("%w: read reply: %v", ledgererr.ErrUnavailable, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return respond.Decode(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode reply: %v", ledgererr.ErrUnavailable, err)
	}
	return nil
}

var _ shard.Client = (*Client)(nil)
