package logic

import (
	"context"
	"sync"
	"testing"

	"github.com/holiman/uint256"

	ledgererr "shardledger/core/errors"
	"shardledger/core/events"
	"shardledger/core/types"
	"shardledger/native/shard"
)

const token types.TokenID = 7

var logicAddr = account(0xee, 0)

// account builds an account whose partition is the high nibble of lead.
func account(lead, tag byte) types.Account {
	var a types.Account
	a[0] = lead
	a[19] = tag
	return a
}

func fingerprint(n byte) types.Fingerprint {
	var f types.Fingerprint
	f[0] = 0xf0
	f[31] = n
	return f
}

type stepKey struct {
	shard types.Account
	op    shard.Op
}

// faultClient wraps a shard client with injectable failures and a hook that
// runs while a call is suspended, before it reaches the shard.
type faultClient struct {
	shard.Client

	mu       sync.Mutex
	failures map[stepKey][]error
	lost     map[stepKey]int
	calls    map[stepKey]int
	hook     func(ctx context.Context, addr types.Account, action shard.Action)
}

func newFaultClient(inner shard.Client) *faultClient {
	return &faultClient{
		Client:   inner,
		failures: make(map[stepKey][]error),
		lost:     make(map[stepKey]int),
		calls:    make(map[stepKey]int),
	}
}

// failNext queues errs for the next calls of op on addr.
func (f *faultClient) failNext(addr types.Account, op shard.Op, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepKey{addr, op}
	f.failures[key] = append(f.failures[key], errs...)
}

// loseReplyNext lets the next call of op on addr reach the shard but reports
// it as unavailable, as if the reply never arrived.
func (f *faultClient) loseReplyNext(addr types.Account, op shard.Op) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost[stepKey{addr, op}]++
}

func (f *faultClient) setHook(hook func(ctx context.Context, addr types.Account, action shard.Action)) {
	f.mu.Lock()
	f.hook = hook
	f.mu.Unlock()
}

func (f *faultClient) callCount(addr types.Account, op shard.Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[stepKey{addr, op}]
}

func (f *faultClient) Execute(ctx context.Context, addr types.Account, fp types.Fingerprint, action shard.Action) error {
	f.mu.Lock()
	key := stepKey{addr, action.Op}
	f.calls[key]++
	hook := f.hook
	var injected error
	if queue := f.failures[key]; len(queue) > 0 {
		injected = queue[0]
		f.failures[key] = queue[1:]
	}
	lose := f.lost[key] > 0
	if lose {
		f.lost[key]--
	}
	f.mu.Unlock()

	if hook != nil {
		hook(ctx, addr, action)
	}
	if injected != nil {
		return injected
	}
	if err := f.Client.Execute(ctx, addr, fp, action); err != nil || !lose {
		return err
	}
	return ledgererr.ErrUnavailable
}

type harness struct {
	t        *testing.T
	pool     *shard.Pool
	client   *faultClient
	store    Store
	resolver *Resolver
	orch     *Orchestrator
	events   *events.Recorder
}

// twoShardGroups serves token from two partitions so accounts with an even
// leading nibble and those with an odd one land on different shards.
func twoShardGroups() []Group {
	return []Group{
		{Name: "fungible", Default: true, Partitions: 2},
		{Name: "nft", Collections: []uint32{3}, Partitions: 1},
	}
}

func newHarness(t *testing.T, groups []Group) *harness {
	t.Helper()
	return newHarnessWithStore(t, groups, NewMemStore(), shard.NewPool(logicAddr, "", nil))
}

func newHarnessWithStore(t *testing.T, groups []Group, store Store, pool *shard.Pool) *harness {
	t.Helper()
	resolver, err := NewResolver(groups, pool)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	client := newFaultClient(pool.Client(logicAddr))
	orch := New(logicAddr, store, resolver, client, nil, nil)
	recorder := &events.Recorder{}
	orch.SetEmitter(recorder)
	return &harness{t: t, pool: pool, client: client, store: store, resolver: resolver, orch: orch, events: recorder}
}

func (h *harness) shardOf(tok types.TokenID, acct types.Account) types.Account {
	h.t.Helper()
	addr, err := h.resolver.Resolve(context.Background(), tok, acct)
	if err != nil {
		h.t.Fatalf("resolve: %v", err)
	}
	return addr
}

func (h *harness) mint(fp types.Fingerprint, to types.Account, amount uint64) Outcome {
	h.t.Helper()
	out, err := h.orch.Submit(context.Background(), fp, to, Mint{Token: token, To: to, Amount: uint256.NewInt(amount)})
	if err != nil {
		h.t.Fatalf("mint: %v", err)
	}
	return out
}

func (h *harness) balance(tok types.TokenID, acct types.Account) uint64 {
	h.t.Helper()
	bal, err := h.orch.Balance(context.Background(), tok, acct)
	if err != nil {
		h.t.Fatalf("balance: %v", err)
	}
	return bal.Uint64()
}

func (h *harness) allowance(owner, operator types.Account) uint64 {
	h.t.Helper()
	v, err := h.orch.Allowance(context.Background(), token, owner, operator)
	if err != nil {
		h.t.Fatalf("allowance: %v", err)
	}
	return v.Uint64()
}

// sumBalances adds every holding of tok across all opened shards.
func (h *harness) sumBalances(tok types.TokenID) *uint256.Int {
	h.t.Helper()
	total := new(uint256.Int)
	for _, s := range h.pool.Shards() {
		holdings, err := s.Balances(tok)
		if err != nil {
			h.t.Fatalf("holdings: %v", err)
		}
		for _, hld := range holdings {
			total.Add(total, hld.Amount)
		}
	}
	return total
}

func (h *harness) record(fp types.Fingerprint) *Record {
	h.t.Helper()
	rec, err := h.orch.Record(context.Background(), fp)
	if err != nil {
		h.t.Fatalf("record: %v", err)
	}
	return rec
}
