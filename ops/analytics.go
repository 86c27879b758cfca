package ops

import (
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/t402-io/gasless-ops/types"
)

// bigIntAccumulator sums a stream of possibly-nil *big.Int values,
// used by the summary/per-sender derived queries (section 4.2.5).
type bigIntAccumulator struct {
	total big.Int
}

func (a *bigIntAccumulator) addBig(v *big.Int) {
	if v == nil {
		return
	}
	a.total.Add(&a.total, v)
}

func (a *bigIntAccumulator) String() string {
	return a.total.String()
}

// defaultSummaryCap bounds the IntentSummary store (section 4.2.5
// "when size exceeds a cap, drop oldest by (ts, blockNumber)").
const defaultSummaryCap = 100_000

// Analytics is the IntentSummary store fed by the two ingestion paths
// (section 4.2.5).
type Analytics struct {
	mu        sync.Mutex
	summaries map[string]*types.IntentSummary
	cap       int
}

func NewAnalytics(cap int) *Analytics {
	if cap <= 0 {
		cap = defaultSummaryCap
	}
	return &Analytics{summaries: make(map[string]*types.IntentSummary), cap: cap}
}

// IngestEntryPoint merges an IntentOutcome event, creating the summary
// if it doesn't exist yet (section 4.2.5).
func (a *Analytics) IngestEntryPoint(ev types.IntentOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := ev.IntentHash.Hex()
	summary, ok := a.summaries[key]
	if !ok {
		summary = &types.IntentSummary{}
		a.summaries[key] = summary
	}
	summary.MergeEntryPoint(ev)
	a.evictLocked()
}

// IngestPaymaster merges a PaymasterPostOp event (section 4.2.5).
func (a *Analytics) IngestPaymaster(ev types.PaymasterPostOp) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := ev.IntentHash.Hex()
	summary, isNew := a.summaries[key]
	if !isNew {
		summary = &types.IntentSummary{}
		a.summaries[key] = summary
	}
	summary.MergePaymaster(ev, !isNew)
	a.evictLocked()
}

func (a *Analytics) evictLocked() {
	if len(a.summaries) <= a.cap {
		return
	}
	type keyed struct {
		key       string
		timestamp uint64
		block     uint64
	}
	all := make([]keyed, 0, len(a.summaries))
	for k, s := range a.summaries {
		all = append(all, keyed{key: k, timestamp: s.Timestamp, block: s.BlockNumber})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].timestamp != all[j].timestamp {
			return all[i].timestamp < all[j].timestamp
		}
		return all[i].block < all[j].block
	})
	overflow := len(all) - a.cap
	for i := 0; i < overflow; i++ {
		delete(a.summaries, all[i].key)
	}
}

// Summary aggregates totals across all tracked intents (section
// 4.2.5 derived query).
type Summary struct {
	Total         int
	Success       int
	Failure       int
	UniqueSenders int
	TotalGasCost  string
	TotalFee      string
}

func (a *Analytics) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	totalGas := new(bigIntAccumulator)
	totalFee := new(bigIntAccumulator)
	senders := make(map[string]struct{})

	out := Summary{}
	for _, s := range a.summaries {
		out.Total++
		if s.Success {
			out.Success++
		} else {
			out.Failure++
		}
		if s.Sender != (common.Address{}) {
			senders[s.Sender.Hex()] = struct{}{}
		}
		totalGas.addBig(s.ActualGasCost)
		totalFee.addBig(s.FeeAmount)
	}
	out.UniqueSenders = len(senders)
	out.TotalGasCost = totalGas.String()
	out.TotalFee = totalFee.String()
	return out
}

// PerSenderMetrics aggregates count/success/failure/gas/fee by sender
// (section 4.2.5 derived query).
type PerSenderMetrics struct {
	Sender        string
	Count         int
	Success       int
	Failure       int
	LastOpMs      uint64
	TotalGasCost  string
	TotalFee      string
}

func (a *Analytics) PerSender() []PerSenderMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	bySender := make(map[string]*PerSenderMetrics)
	gasAcc := make(map[string]*bigIntAccumulator)
	feeAcc := make(map[string]*bigIntAccumulator)

	for _, s := range a.summaries {
		key := s.Sender.Hex()
		m, ok := bySender[key]
		if !ok {
			m = &PerSenderMetrics{Sender: key}
			bySender[key] = m
			gasAcc[key] = new(bigIntAccumulator)
			feeAcc[key] = new(bigIntAccumulator)
		}
		m.Count++
		if s.Success {
			m.Success++
		} else {
			m.Failure++
		}
		if s.Timestamp > m.LastOpMs {
			m.LastOpMs = s.Timestamp
		}
		gasAcc[key].addBig(s.ActualGasCost)
		feeAcc[key].addBig(s.FeeAmount)
	}

	out := make([]PerSenderMetrics, 0, len(bySender))
	for key, m := range bySender {
		m.TotalGasCost = gasAcc[key].String()
		m.TotalFee = feeAcc[key].String()
		out = append(out, *m)
	}
	return out
}

// FailureReasons groups failures by revertReason string (section
// 4.2.5).
func (a *Analytics) FailureReasons() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]int)
	for _, s := range a.summaries {
		if s.Success || s.RevertReason == "" {
			continue
		}
		out[s.RevertReason]++
	}
	return out
}

// List returns summaries filtered by sender/success, capped at limit
// (0 means unlimited), for the /userops route (section 6).
func (a *Analytics) List(limit int, sender string, success *bool) []types.IntentSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []types.IntentSummary
	for _, s := range a.summaries {
		if sender != "" && s.Sender.Hex() != sender {
			continue
		}
		if success != nil && s.Success != *success {
			continue
		}
		out = append(out, *s)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
