package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"lukechampine.com/blake3"

	ledgererr "shardledger/core/errors"
	"shardledger/core/types"
	"shardledger/storage"
)

const addressDomain = "shardledger/shard/v1"

// DeriveAddress returns the deterministic address of the shard serving
// partition within group.
func DeriveAddress(group string, partition uint8) types.Account {
	h := blake3.New(32, nil)
	h.Write([]byte(addressDomain))
	h.Write([]byte(group))
	h.Write([]byte{0, partition})
	return types.MustAccount(h.Sum(nil)[:types.AccountLength])
}

// Client reaches shards by address on behalf of a fixed sender.
type Client interface {
	Execute(ctx context.Context, shard types.Account, fp types.Fingerprint, action Action) error
	Balance(ctx context.Context, shard types.Account, token types.TokenID, account types.Account) (*uint256.Int, error)
	Allowance(ctx context.Context, shard types.Account, token types.TokenID, owner, operator types.Account) (*uint256.Int, error)
	PermitNonce(ctx context.Context, shard types.Account, account types.Account) (uint64, error)
}

// Pool hosts shards in-process. With a data directory each shard gets its
// own LevelDB under it; without one shards are kept in memory.
type Pool struct {
	mu      sync.Mutex
	logic   types.Account
	dataDir string
	logger  *slog.Logger
	shards  map[types.Account]*Shard
}

func NewPool(logic types.Account, dataDir string, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		logic:   logic,
		dataDir: dataDir,
		logger:  logger,
		shards:  make(map[types.Account]*Shard),
	}
}

// Open returns the shard at addr, creating its store on first use.
func (p *Pool) Open(addr types.Account) (*Shard, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.shards[addr]; ok {
		return s, nil
	}
	db, err := p.openDB(addr)
	if err != nil {
		return nil, fmt.Errorf("open shard %s: %w", addr, err)
	}
	s := New(addr, p.logic, db, p.logger)
	p.shards[addr] = s
	p.logger.Info("shard opened", "shard", addr.String(), "persistent", p.dataDir != "")
	return s, nil
}

func (p *Pool) openDB(addr types.Account) (storage.Database, error) {
	if p.dataDir == "" {
		return storage.NewMemDB(), nil
	}
	if err := os.MkdirAll(p.dataDir, 0o755); err != nil {
		return nil, err
	}
	return storage.NewLevelDB(filepath.Join(p.dataDir, addr.Hex()))
}

// Provision opens the shard for partition of group and returns its address.
func (p *Pool) Provision(_ context.Context, group string, partition uint8) (types.Account, error) {
	addr := DeriveAddress(group, partition)
	if _, err := p.Open(addr); err != nil {
		return types.Account{}, err
	}
	return addr, nil
}

// Get returns an already opened shard.
func (p *Pool) Get(addr types.Account) (*Shard, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.shards[addr]
	return s, ok
}

// Shards returns the opened shards ordered by address.
func (p *Pool) Shards() []*Shard {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Shard, 0, len(p.shards))
	for _, s := range p.shards {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].addr.Compare(out[j].addr) < 0 })
	return out
}

// PruneAll prunes the applied set of every opened shard.
func (p *Pool) PruneAll(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0
	for _, s := range p.Shards() {
		n, err := s.Prune(ctx, cutoff)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for addr, s := range p.shards {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close shard %s: %w", addr, err))
		}
		delete(p.shards, addr)
	}
	return errors.Join(errs...)
}

// Client returns a Client that calls pooled shards as sender.
func (p *Pool) Client(sender types.Account) *LocalClient {
	return &LocalClient{pool: p, sender: sender}
}

// LocalClient is the in-process Client.
type LocalClient struct {
	pool   *Pool
	sender types.Account
}

func (c *LocalClient) lookup(addr types.Account) (*Shard, error) {
	s, ok := c.pool.Get(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledgererr.ErrUnknownShard, addr)
	}
	return s, nil
}

func (c *LocalClient) Execute(ctx context.Context, addr types.Account, fp types.Fingerprint, action Action) error {
	s, err := c.lookup(addr)
	if err != nil {
		return err
	}
	return s.Execute(ctx, c.sender, fp, action)
}

func (c *LocalClient) Balance(_ context.Context, addr types.Account, token types.TokenID, account types.Account) (*uint256.Int, error) {
	s, err := c.lookup(addr)
	if err != nil {
		return nil, err
	}
	return s.Balance(token, account)
}

func (c *LocalClient) Allowance(_ context.Context, addr types.Account, token types.TokenID, owner, operator types.Account) (*uint256.Int, error) {
	s, err := c.lookup(addr)
	if err != nil {
		return nil, err
	}
	return s.Allowance(token, owner, operator)
}

func (c *LocalClient) PermitNonce(_ context.Context, addr types.Account, account types.Account) (uint64, error) {
	s, err := c.lookup(addr)
	if err != nil {
		return 0, err
	}
	return s.PermitNonce(account)
}
