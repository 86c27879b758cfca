package bundler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/t402-io/gasless-ops/types"
)

// maxBundleSize caps N in "select the oldest N PENDING entries"
// (section 4.1.3): N = max(1, min(mempoolSizeTrigger, 25)).
const maxBundleSize = 25

func bundleSize(mempoolSizeTrigger int) int {
	n := mempoolSizeTrigger
	if n > maxBundleSize {
		n = maxBundleSize
	}
	if n < 1 {
		n = 1
	}
	return n
}

// scheduler runs the single-threaded bundling loop: a wall-clock
// interval timer and a mempool-size threshold both feed the same
// re-entrancy-guarded attempt function (section 4.1.3, section 5
// "at most one bundling attempt in flight").
type scheduler struct {
	engine   *Engine
	interval time.Duration
	sizeTrig int
	inFlight int32
}

func newScheduler(e *Engine, interval time.Duration, sizeTrigger int) *scheduler {
	return &scheduler{engine: e, interval: interval, sizeTrig: sizeTrigger}
}

// run owns the interval timer; it exits when ctx is cancelled. Timers
// are cleared before return (section 5 Cancellation: "pending timers
// are cleared before close").
func (s *scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.attempt(ctx)
		}
	}
}

// notifySize is called after every admission; if the mempool has
// reached the size trigger it fires an attempt immediately, same as
// the interval timer (section 4.1.3 "two triggers").
func (s *scheduler) notifySize(ctx context.Context) {
	if s.engine.pool.size() >= s.sizeTrig {
		s.attempt(ctx)
	}
}

// attempt runs one bundling pass if none is already in flight;
// concurrent triggers during a flight are no-ops (section 5).
func (s *scheduler) attempt(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&s.inFlight, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&s.inFlight, 0)

	entries := s.engine.pool.oldestPending(bundleSize(s.sizeTrig))
	if len(entries) == 0 {
		return
	}
	s.engine.submitBundle(ctx, entries)
}

// beneficiary resolves the bundle's beneficiary address: the
// configured value, or the wallet's own address when configured as
// the zero address (section 4.1.3 "to satisfy the contract's
// non-zero requirement").
func beneficiary(configured, own common.Address) common.Address {
	if configured == (common.Address{}) {
		return own
	}
	return configured
}

// hasDelegation reports whether any pooled entry carries a delegation
// authorization. The result is recorded in the "bundle attempt" log
// event only; the submission goes through the same SendBundle call
// either way, and no delegation-aware transaction type is built.
func hasDelegation(entries []*types.MempoolEntry) bool {
	for _, e := range entries {
		if e.Intent.DelegationAuthorization != nil {
			return true
		}
	}
	return false
}

func packedBundle(entries []*types.MempoolEntry) []types.PackedIntent {
	packed := make([]types.PackedIntent, len(entries))
	for i, e := range entries {
		packed[i] = e.Packed
	}
	return packed
}
