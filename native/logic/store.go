package logic

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/holiman/uint256"

	ledgererr "shardledger/core/errors"
	"shardledger/core/types"
)

// SupplyDelta adjusts a token's total supply when a record is finalized.
type SupplyDelta struct {
	Token    types.TokenID
	Amount   *uint256.Int
	Decrease bool
}

// Store persists transaction records, NFT serial counters and total supply.
// Put with deltas must apply the record and the supply changes atomically.
type Store interface {
	Get(ctx context.Context, fp types.Fingerprint) (*Record, error)
	Put(ctx context.Context, rec *Record, deltas ...SupplyDelta) error
	Delete(ctx context.Context, fp types.Fingerprint) error
	// NextSerial reserves the next serial of collection. Serials start at 1
	// and are never handed out twice.
	NextSerial(ctx context.Context, collection uint32) (uint32, error)
	Supply(ctx context.Context, token types.TokenID) (*uint256.Int, error)
	// Scan visits stored records in fingerprint order until fn returns false.
	Scan(ctx context.Context, fn func(*Record) bool) error
	Close() error
}

// applyDelta fails with ErrOverflow rather than leave the supply wrong.
func applyDelta(current *uint256.Int, d SupplyDelta) (*uint256.Int, error) {
	if d.Decrease {
		next, underflow := new(uint256.Int).SubOverflow(current, d.Amount)
		if underflow {
			return nil, fmt.Errorf("%w: supply of %s below burn of %s", ledgererr.ErrOverflow, d.Token, d.Amount)
		}
		return next, nil
	}
	next, overflow := new(uint256.Int).AddOverflow(current, d.Amount)
	if overflow {
		return nil, fmt.Errorf("%w: supply of %s", ledgererr.ErrOverflow, d.Token)
	}
	return next, nil
}

// MemStore keeps records in memory. Records are deep-copied on the way in
// and out so callers never share state with the store.
type MemStore struct {
	mu      sync.Mutex
	records map[types.Fingerprint]*Record
	serials map[uint32]uint32
	supply  map[types.TokenID]*uint256.Int
}

func NewMemStore() *MemStore {
	return &MemStore{
		records: make(map[types.Fingerprint]*Record),
		serials: make(map[uint32]uint32),
		supply:  make(map[types.TokenID]*uint256.Int),
	}
}

func (s *MemStore) Get(_ context.Context, fp types.Fingerprint) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[fp]
	if !ok {
		return nil, ledgererr.ErrTransactionNotFound
	}
	return cloneRecord(rec)
}

func (s *MemStore) Put(_ context.Context, rec *Record, deltas ...SupplyDelta) error {
	stored, err := cloneRecord(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[types.TokenID]*uint256.Int, len(deltas))
	for _, d := range deltas {
		current, ok := next[d.Token]
		if !ok {
			current = types.AmountOrZero(s.supply[d.Token])
		}
		updated, err := applyDelta(current, d)
		if err != nil {
			return err
		}
		next[d.Token] = updated
	}
	for token, v := range next {
		s.supply[token] = v
	}
	s.records[rec.Fingerprint] = stored
	return nil
}

func (s *MemStore) Delete(_ context.Context, fp types.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, fp)
	return nil
}

func (s *MemStore) NextSerial(_ context.Context, collection uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.serials[collection]
	if current == types.MaxSerial {
		return 0, ledgererr.ErrOverflow
	}
	s.serials[collection] = current + 1
	return current + 1, nil
}

func (s *MemStore) Supply(_ context.Context, token types.TokenID) (*uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.AmountOrZero(s.supply[token]), nil
}

func (s *MemStore) Scan(ctx context.Context, fn func(*Record) bool) error {
	s.mu.Lock()
	snapshot := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		copied, err := cloneRecord(rec)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		snapshot = append(snapshot, copied)
	}
	s.mu.Unlock()
	sort.Slice(snapshot, func(i, j int) bool {
		return bytes.Compare(snapshot[i].Fingerprint[:], snapshot[j].Fingerprint[:]) < 0
	})
	for _, rec := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(rec) {
			return nil
		}
	}
	return nil
}

func (s *MemStore) Close() error { return nil }
