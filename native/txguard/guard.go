package txguard

import (
	"sync"
	"time"

	"github.com/google/btree"

	ledgererr "shardledger/core/errors"
	"shardledger/core/types"
	"shardledger/observability/metrics"
)

// DefaultCapacity bounds the number of entries a Manager holds.
const DefaultCapacity = 1 << 16

// Kind selects how Acquire treats an existing entry for the caller.
type Kind uint8

const (
	// New starts a fresh attempt and allocates a sequence id.
	New Kind = iota
	// Retry resumes the caller's parked attempt.
	Retry
)

func (k Kind) String() string {
	if k == Retry {
		return "retry"
	}
	return "new"
}

// Entry is a snapshot of one guard entry.
type Entry struct {
	Caller   types.Account     `json:"caller"`
	Seq      uint32            `json:"seq"`
	Digest   types.Fingerprint `json:"digest"`
	IssuedAt time.Time         `json:"issuedAt"`
	// Live is true while a handler holds the guard.
	Live bool `json:"live"`
}

type entry struct {
	caller   types.Account
	seq      uint32
	digest   types.Fingerprint
	issuedAt time.Time
	live     bool
}

func lessSeq(a, b *entry) bool { return a.seq < b.seq }

// Manager is a bounded cache mapping each caller to at most one in-flight
// operation. Entries are indexed by caller and by sequence id; the sequence
// index drives eviction once capacity is reached.
type Manager struct {
	mu       sync.Mutex
	capacity int
	counter  uint32
	byCaller map[types.Account]*entry
	bySeq    *btree.BTreeG[*entry]
	now      func() time.Time
}

type Option func(*Manager)

// WithClock overrides the time source used for IssuedAt.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithCounter seeds the sequence counter.
func WithCounter(start uint32) Option {
	return func(m *Manager) { m.counter = start }
}

// NewManager builds a Manager. A non-positive capacity selects
// DefaultCapacity.
func NewManager(capacity int, opts ...Option) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	m := &Manager{
		capacity: capacity,
		byCaller: make(map[types.Account]*entry),
		bySeq:    btree.NewG[*entry](32, lessSeq),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire reserves the caller's slot.
//
// New fails with ErrGuardBusy while the caller holds a live guard and
// replaces a parked one. Retry fails with ErrTransactionNotFound when the
// caller has no entry, ErrMismatchedAction when digest differs from the
// stored one, and ErrGuardBusy when the entry is live.
func (m *Manager) Acquire(kind Kind, caller types.Account, digest types.Fingerprint) (*Guard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.byCaller[caller]
	switch kind {
	case Retry:
		if existing == nil {
			m.record("not_found")
			return nil, ledgererr.ErrTransactionNotFound
		}
		if existing.digest != digest {
			m.record("mismatched")
			return nil, ledgererr.ErrMismatchedAction
		}
		if existing.live {
			m.record("busy")
			return nil, ledgererr.ErrGuardBusy
		}
		existing.live = true
		m.record("retried")
		return &Guard{m: m, caller: caller, seq: existing.seq}, nil
	case New:
	default:
		return nil, ledgererr.ErrMalformedIntent
	}

	if existing != nil {
		if existing.live {
			m.record("busy")
			return nil, ledgererr.ErrGuardBusy
		}
		m.remove(existing)
	}

	seq := m.counter
	if collided, ok := m.bySeq.Get(&entry{seq: seq}); ok {
		if collided.live {
			m.record("capacity")
			return nil, ledgererr.ErrGuardCapacity
		}
		m.remove(collided)
		m.record("evicted")
	}
	if len(m.byCaller) >= m.capacity {
		victim := m.oldestParked(seq)
		if victim == nil {
			m.record("capacity")
			return nil, ledgererr.ErrGuardCapacity
		}
		m.remove(victim)
		m.record("evicted")
	}
	m.counter++

	e := &entry{caller: caller, seq: seq, digest: digest, issuedAt: m.now(), live: true}
	m.byCaller[caller] = e
	m.bySeq.ReplaceOrInsert(e)
	m.record("acquired")
	return &Guard{m: m, caller: caller, seq: seq}, nil
}

// oldestParked scans forward from pivot and wraps to the smallest sequence
// id, returning the first entry not held by a handler. Entries issued before
// the counter last wrapped sit at or above pivot, so they are visited first.
func (m *Manager) oldestParked(pivot uint32) *entry {
	var victim *entry
	visit := func(e *entry) bool {
		if e.live {
			return true
		}
		victim = e
		return false
	}
	m.bySeq.AscendGreaterOrEqual(&entry{seq: pivot}, visit)
	if victim == nil {
		m.bySeq.AscendLessThan(&entry{seq: pivot}, visit)
	}
	return victim
}

func (m *Manager) remove(e *entry) {
	m.bySeq.Delete(e)
	if current := m.byCaller[e.caller]; current == e {
		delete(m.byCaller, e.caller)
	}
}

func (m *Manager) record(event string) {
	metrics.Ledger().RecordGuard(event, len(m.byCaller))
}

// Len returns the number of entries held.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byCaller)
}

// Capacity returns the configured bound.
func (m *Manager) Capacity() int { return m.capacity }

// Lookup returns the caller's entry.
func (m *Manager) Lookup(caller types.Account) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byCaller[caller]
	if !ok {
		return Entry{}, false
	}
	return e.snapshot(), true
}

// Entries returns all entries ordered by sequence id.
func (m *Manager) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, m.bySeq.Len())
	m.bySeq.Ascend(func(e *entry) bool {
		out = append(out, e.snapshot())
		return true
	})
	return out
}

func (e *entry) snapshot() Entry {
	return Entry{Caller: e.caller, Seq: e.seq, Digest: e.digest, IssuedAt: e.issuedAt, Live: e.live}
}

// Guard is a scope-bound reservation returned by Acquire. Exactly one of
// Release or Park takes effect; later calls are no-ops.
type Guard struct {
	m      *Manager
	caller types.Account
	seq    uint32
	once   sync.Once
}

func (g *Guard) Seq() uint32 { return g.seq }

func (g *Guard) Caller() types.Account { return g.caller }

// Release removes the entry. An entry that was evicted and replaced in the
// meantime is left untouched.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.m.mu.Lock()
		defer g.m.mu.Unlock()
		if e := g.m.byCaller[g.caller]; e != nil && e.seq == g.seq {
			g.m.remove(e)
			g.m.record("released")
		}
	})
}

// Park ends the handler's hold but keeps the entry so the caller can Retry.
func (g *Guard) Park() {
	g.once.Do(func() {
		g.m.mu.Lock()
		defer g.m.mu.Unlock()
		if e := g.m.byCaller[g.caller]; e != nil && e.seq == g.seq {
			e.live = false
			g.m.record("parked")
		}
	})
}
