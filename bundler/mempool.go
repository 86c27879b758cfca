package bundler

import (
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/t402-io/gasless-ops/internal/cperr"
	"github.com/t402-io/gasless-ops/types"
)

// mempool is the engine-owned pending/sent/mined/failed store (section
// 3, section 5 "mempool is owned by the engine exclusively"). All
// access is through its methods, which take the mutex.
type mempool struct {
	mu      sync.Mutex
	entries map[common.Hash]*types.MempoolEntry
}

func newMempool() *mempool {
	return &mempool{entries: make(map[common.Hash]*types.MempoolEntry)}
}

// admit inserts a PENDING entry, idempotently: re-admitting a known
// hash returns the existing entry rather than resetting its state
// (section 8 invariant: mempool count is monotone non-decreasing).
func (m *mempool) admit(hash common.Hash, intent types.Intent, packed types.PackedIntent) *types.MempoolEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[hash]; ok {
		return existing
	}
	entry := &types.MempoolEntry{
		Intent:     intent,
		Packed:     packed,
		IntentHash: hash,
		ReceivedAt: now(),
		State:      types.StatePending,
	}
	m.entries[hash] = entry
	return entry
}

// oldestPending returns up to n PENDING entries ordered by reception
// time ascending (section 4.1.3 "oldest N ... sorted by reception
// time").
func (m *mempool) oldestPending(n int) []*types.MempoolEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []*types.MempoolEntry
	for _, e := range m.entries {
		if e.State == types.StatePending {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].ReceivedAt.Before(pending[j].ReceivedAt)
	})
	if len(pending) > n {
		pending = pending[:n]
	}
	return pending
}

// transition moves an entry's state, enforcing the DAG invariant
// (section 8): no back-edges, PENDING -> SENT -> {MINED,FAILED}.
func (m *mempool) transition(hash common.Hash, next types.MempoolState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[hash]
	if !ok {
		return cperr.NotFoundf("intent %s not in mempool", hash)
	}
	if !entry.State.CanTransitionTo(next) {
		return cperr.Internalf(nil, "illegal mempool transition %s -> %s for %s", entry.State, next, hash)
	}
	entry.State = next
	return nil
}

func (m *mempool) setSubmissionTx(hash common.Hash, tx common.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[hash]; ok {
		entry.SubmissionTx = &tx
	}
}

func (m *mempool) setReceipt(hash common.Hash, receipt *types.IntentReceipt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[hash]; ok {
		entry.Receipt = receipt
	}
}

func (m *mempool) get(hash common.Hash) (*types.MempoolEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[hash]
	return entry, ok
}

func (m *mempool) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// now is a seam so tests can pin reception-time ordering without
// sleeping.
var now = time.Now
