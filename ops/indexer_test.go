package ops

import (
	"context"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/t402-io/gasless-ops/types"
)

// rangeIndexerAdapter is a minimal chain.Adapter fake that records the
// [from, to] window of every GetLogsFrom call, used to assert the
// indexer never rescans already-checkpointed blocks.
type rangeIndexerAdapter struct {
	chainID     int64
	latestBlock uint64
	calls       [][2]uint64
}

func (a *rangeIndexerAdapter) ChainID(ctx context.Context) (int64, error)     { return a.chainID, nil }
func (a *rangeIndexerAdapter) LatestBlock(ctx context.Context) (uint64, error) { return a.latestBlock, nil }
func (a *rangeIndexerAdapter) BlockTimestamp(ctx context.Context, n uint64) (uint64, error) {
	return n, nil
}
func (a *rangeIndexerAdapter) TxSender(ctx context.Context, h common.Hash) (common.Address, error) {
	return common.Address{}, nil
}
func (a *rangeIndexerAdapter) SimulateValidation(ctx context.Context, ep common.Address, p types.PackedIntent) (types.ValidationData, error) {
	return types.ValidationData{}, nil
}
func (a *rangeIndexerAdapter) HashIntent(ctx context.Context, ep common.Address, p types.PackedIntent) (common.Hash, error) {
	return common.Hash{}, nil
}
func (a *rangeIndexerAdapter) SendBundle(ctx context.Context, ep common.Address, bundle []types.PackedIntent, beneficiary common.Address) (common.Hash, error) {
	return common.Hash{}, nil
}
func (a *rangeIndexerAdapter) GetReceipt(ctx context.Context, txHash common.Hash) (*types.TxReceipt, error) {
	return nil, nil
}

func (a *rangeIndexerAdapter) GetLogsFrom(ctx context.Context, entryPoint, paymaster common.Address, from, to uint64) ([]types.IntentOutcome, []types.PaymasterPostOp, error) {
	a.calls = append(a.calls, [2]uint64{from, to})
	outcomes := []types.IntentOutcome{{
		IntentHash:  common.Hash{},
		BlockNumber: from,
		TxHash:      common.Hash{},
		Success:     true,
	}}
	return outcomes, nil, nil
}

func (a *rangeIndexerAdapter) GetRawLogs(ctx context.Context, entryPoint common.Address, from, to uint64) ([]types.Log, error) {
	return nil, nil
}

func (a *rangeIndexerAdapter) PaymasterDeposit(ctx context.Context, entryPoint, paymaster common.Address) (interface{}, error) {
	return nil, nil
}

// S5: a persisted checkpoint at block 150 must make a fresh Indexer
// rescan only [151, head] and adopt the on-disk checkpoint rather than
// rederiving one from lookbackBlocks.
func TestIndexerRehydratesCheckpointAndScansForwardOnly(t *testing.T) {
	dir := t.TempDir()
	entryPoint := common.HexToAddress("0xE1")
	paymaster := common.HexToAddress("0xPA")

	cp := types.IndexerCheckpoint{
		ChainID:            7,
		EntryPoint:         entryPoint,
		Paymaster:          paymaster,
		LastProcessedBlock: 150,
		UpdatedAt:          time.Unix(0, 0),
	}
	statePath := filepath.Join(dir, "chain", "indexer_state.json")
	if err := os.MkdirAll(filepath.Dir(statePath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		t.Fatalf("marshal checkpoint: %v", err)
	}
	if err := os.WriteFile(statePath, raw, 0o644); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}

	// Pre-existing NDJSON event files for blocks 100-150, as a prior
	// run would have written them, so a fresh Indexer can rehydrate
	// its in-memory analytics before resuming the forward scan.
	eventsDir := filepath.Join(dir, "chain", "entrypoint_intents")
	if err := os.MkdirAll(eventsDir, 0o755); err != nil {
		t.Fatalf("mkdir events: %v", err)
	}
	const day = uint64(1_700_000_000)
	var lines []byte
	for bn := uint64(100); bn <= 150; bn++ {
		ev := types.IntentOutcome{
			IntentHash:  common.BigToHash(new(big.Int).SetUint64(bn)),
			BlockNumber: bn,
			Success:     true,
			Timestamp:   day,
		}
		raw, err := json.Marshal(ev)
		if err != nil {
			t.Fatalf("marshal event: %v", err)
		}
		lines = append(lines, raw...)
		lines = append(lines, '\n')
	}
	eventsPath := filepath.Join(eventsDir, time.Unix(int64(day), 0).UTC().Format("2006-01-02")+".ndjson")
	if err := os.WriteFile(eventsPath, lines, 0o644); err != nil {
		t.Fatalf("write events: %v", err)
	}

	adapter := &rangeIndexerAdapter{chainID: 7, latestBlock: 160}
	analytics := NewAnalytics(0)
	ix := NewIndexer(IndexerConfig{
		EntryPoint:     entryPoint,
		Paymaster:      paymaster,
		DataDir:        dir,
		LookbackBlocks: 100,
		TickInterval:   time.Second,
	}, adapter, analytics, zap.NewNop())

	ctx := context.Background()
	if err := ix.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := ix.Checkpoint().LastProcessedBlock; got != 150 {
		t.Fatalf("expected rehydrated checkpoint at 150, got %d", got)
	}
	if got := analytics.Summary().Total; got != 51 {
		t.Fatalf("expected 51 events (blocks 100-150) rehydrated from NDJSON, got %d", got)
	}

	if err := ix.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}

	if len(adapter.calls) != 1 {
		t.Fatalf("expected exactly one GetLogsFrom call, got %d: %v", len(adapter.calls), adapter.calls)
	}
	if adapter.calls[0] != [2]uint64{151, 160} {
		t.Fatalf("expected scan range [151,160], got %v", adapter.calls[0])
	}

	if got := ix.Checkpoint().LastProcessedBlock; got != 160 {
		t.Fatalf("expected checkpoint advanced to 160, got %d", got)
	}

	persisted, err := ix.loadCheckpoint()
	if err != nil {
		t.Fatalf("reload persisted checkpoint: %v", err)
	}
	if persisted.LastProcessedBlock != 160 {
		t.Fatalf("expected persisted checkpoint at 160, got %d", persisted.LastProcessedBlock)
	}

	if got := analytics.Summary().Total; got != 52 {
		t.Fatalf("expected rehydrated events plus the newly scanned window's event, got %d", got)
	}
}

// A fresh indexer with no persisted checkpoint initializes
// lastProcessedBlock = head - lookbackBlocks (section 4.2.2 step 1).
func TestIndexerInitializesFromLookbackWhenNoCheckpoint(t *testing.T) {
	dir := t.TempDir()
	entryPoint := common.HexToAddress("0xE1")
	paymaster := common.HexToAddress("0xPA")

	adapter := &rangeIndexerAdapter{chainID: 7, latestBlock: 500}
	ix := NewIndexer(IndexerConfig{
		EntryPoint:     entryPoint,
		Paymaster:      paymaster,
		DataDir:        dir,
		LookbackBlocks: 50,
		TickInterval:   time.Second,
	}, adapter, NewAnalytics(0), zap.NewNop())

	if err := ix.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := ix.Checkpoint().LastProcessedBlock; got != 450 {
		t.Fatalf("expected lookback-derived checkpoint at 450, got %d", got)
	}
}

// A checkpoint persisted for a different entryPoint/chainId must not
// be adopted (section 4.2.2 step 1 "if matching {chainId,
// entry-point, paymaster}").
func TestIndexerIgnoresMismatchedCheckpoint(t *testing.T) {
	dir := t.TempDir()
	entryPoint := common.HexToAddress("0xE1")
	paymaster := common.HexToAddress("0xPA")

	cp := types.IndexerCheckpoint{
		ChainID:            999,
		EntryPoint:         common.HexToAddress("0xOTHER"),
		Paymaster:          paymaster,
		LastProcessedBlock: 150,
	}
	statePath := filepath.Join(dir, "chain", "indexer_state.json")
	if err := os.MkdirAll(filepath.Dir(statePath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	raw, _ := json.Marshal(cp)
	if err := os.WriteFile(statePath, raw, 0o644); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}

	adapter := &rangeIndexerAdapter{chainID: 7, latestBlock: 500}
	ix := NewIndexer(IndexerConfig{
		EntryPoint:     entryPoint,
		Paymaster:      paymaster,
		DataDir:        dir,
		LookbackBlocks: 50,
		TickInterval:   time.Second,
	}, adapter, NewAnalytics(0), zap.NewNop())

	if err := ix.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := ix.Checkpoint().LastProcessedBlock; got != 450 {
		t.Fatalf("expected mismatched checkpoint to be discarded in favor of lookback, got %d", got)
	}
}
