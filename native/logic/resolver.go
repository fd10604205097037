package logic

import (
	"context"
	"fmt"
	"sync"

	ledgererr "shardledger/core/errors"
	"shardledger/core/types"
)

// MaxPartitions is the number of distinct account partitions.
const MaxPartitions = 16

// Group is a namespace of tokens served by a set of shards. Accounts are
// spread across the group's partitions by their leading nibble.
type Group struct {
	Name string
	// Default groups serve fungible tokens not listed by any group.
	Default     bool
	Tokens      []types.TokenID
	Collections []uint32
	// Partitions is the number of shard slots; zero means one per static
	// shard, or one when none are configured.
	Partitions int
	// Shards pins slots to existing shards. Missing or zero entries are
	// provisioned on first use.
	Shards []types.Account
}

// Provisioner opens a new shard for a group partition and returns its
// address.
type Provisioner interface {
	Provision(ctx context.Context, group string, partition uint8) (types.Account, error)
}

type groupState struct {
	name  string
	slots []types.Account
}

// Resolver maps (token, account) to the shard owning that balance.
type Resolver struct {
	mu           sync.Mutex
	groups       []*groupState
	byToken      map[types.TokenID]*groupState
	byCollection map[uint32]*groupState
	fallback     *groupState
	provisioner  Provisioner
}

// NewResolver validates groups. provisioner may be nil when every slot is
// pinned.
func NewResolver(groups []Group, provisioner Provisioner) (*Resolver, error) {
	r := &Resolver{
		byToken:      make(map[types.TokenID]*groupState),
		byCollection: make(map[uint32]*groupState),
		provisioner:  provisioner,
	}
	names := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		if g.Name == "" {
			return nil, fmt.Errorf("shard group name required")
		}
		if _, dup := names[g.Name]; dup {
			return nil, fmt.Errorf("duplicate shard group %q", g.Name)
		}
		names[g.Name] = struct{}{}

		partitions := g.Partitions
		if partitions == 0 {
			partitions = len(g.Shards)
		}
		if partitions == 0 {
			partitions = 1
		}
		if partitions > MaxPartitions || len(g.Shards) > partitions {
			return nil, fmt.Errorf("shard group %q: partitions must cover its shards and not exceed %d", g.Name, MaxPartitions)
		}
		state := &groupState{name: g.Name, slots: make([]types.Account, partitions)}
		copy(state.slots, g.Shards)
		for i, slot := range state.slots {
			if slot.IsZero() && provisioner == nil {
				return nil, fmt.Errorf("shard group %q: slot %d has no shard and no provisioner is configured", g.Name, i)
			}
		}
		r.groups = append(r.groups, state)

		if g.Default {
			if r.fallback != nil {
				return nil, fmt.Errorf("shard groups %q and %q are both default", r.fallback.name, g.Name)
			}
			r.fallback = state
		}
		for _, token := range g.Tokens {
			if token.IsNFT() {
				return nil, fmt.Errorf("shard group %q: token %s is non-fungible; list its collection instead", g.Name, token)
			}
			if other, dup := r.byToken[token]; dup {
				return nil, fmt.Errorf("token %s served by both %q and %q", token, other.name, g.Name)
			}
			r.byToken[token] = state
		}
		for _, collection := range g.Collections {
			if _, err := types.CollectionID(collection); err != nil {
				return nil, fmt.Errorf("shard group %q: %w", g.Name, err)
			}
			if other, dup := r.byCollection[collection]; dup {
				return nil, fmt.Errorf("collection %d served by both %q and %q", collection, other.name, g.Name)
			}
			r.byCollection[collection] = state
		}
	}
	return r, nil
}

func (r *Resolver) group(token types.TokenID) (*groupState, error) {
	if token.IsNFT() {
		if g, ok := r.byCollection[token.Collection()]; ok {
			return g, nil
		}
		return nil, fmt.Errorf("%w: collection %d", ledgererr.ErrUnknownToken, token.Collection())
	}
	if g, ok := r.byToken[token]; ok {
		return g, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ledgererr.ErrUnknownToken, token)
}

// Resolve returns the shard owning account's balance of token, provisioning
// it when its slot is empty. Provisioning is idempotent, so a resolver built
// after a restart finds the shards its predecessor opened.
func (r *Resolver) Resolve(ctx context.Context, token types.TokenID, account types.Account) (types.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, err := r.group(token)
	if err != nil {
		return types.Account{}, err
	}
	slot := int(account.Partition()) % len(g.slots)
	if addr := g.slots[slot]; !addr.IsZero() {
		return addr, nil
	}
	if r.provisioner == nil {
		return types.Account{}, fmt.Errorf("%w: group %q slot %d", ledgererr.ErrUnknownShard, g.name, slot)
	}
	addr, err := r.provisioner.Provision(ctx, g.name, uint8(slot))
	if err != nil {
		return types.Account{}, fmt.Errorf("%w: provision %q slot %d: %v", ledgererr.ErrUnavailable, g.name, slot, err)
	}
	g.slots[slot] = addr
	return addr, nil
}

// Shards returns the known shards of the group serving token.
func (r *Resolver) Shards(token types.TokenID) ([]types.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, err := r.group(token)
	if err != nil {
		return nil, err
	}
	out := make([]types.Account, 0, len(g.slots))
	seen := make(map[types.Account]struct{}, len(g.slots))
	for _, addr := range g.slots {
		if addr.IsZero() {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out, nil
}
