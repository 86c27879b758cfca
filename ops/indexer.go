package ops

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	"github.com/t402-io/gasless-ops/chain"
	"github.com/t402-io/gasless-ops/internal/cperr"
	"github.com/t402-io/gasless-ops/types"
)

// entryPointEventsDir and paymasterEventsDir hold the indexer's
// day-rotating NDJSON event log, one file per UTC day, mirroring the
// log hub's persistence pattern (section 4.2.2 "events are also
// appended to day-rotating NDJSON files for rehydration").
const (
	entryPointEventsDir = "entrypoint_intents"
	paymasterEventsDir  = "paymaster_postops"
)

// defaultMaxBlockRange bounds a single getLogs window (section
// 4.2.2 "walk forward in windows of <= maxBlockRange").
const defaultMaxBlockRange = 2000

// IndexerConfig configures one Indexer instance (section 4.2.2).
type IndexerConfig struct {
	EntryPoint     common.Address
	Paymaster      common.Address
	DataDir        string
	LookbackBlocks uint64
	MaxBlockRange  uint64
	TickInterval   time.Duration
}

// Indexer is the chain indexer: checkpointed forward scan over
// EntryPoint and paymaster logs, merging into Analytics and persisting
// each batch to day-rotating NDJSON before the checkpoint advances
// (section 4.2.2). Grounded on the teacher's
// test/integration/evm_test.go ethclient usage for log filtering and
// on facilitator_hooks.go's "enrich then emit" hook-context shape.
type Indexer struct {
	cfg       IndexerConfig
	adapter   chain.Adapter
	analytics *Analytics
	logger    *zap.Logger

	checkpoint types.IndexerCheckpoint
}

// NewIndexer wires an Indexer. Call Start to load (or initialize) its
// checkpoint and begin ticking.
func NewIndexer(cfg IndexerConfig, adapter chain.Adapter, analytics *Analytics, logger *zap.Logger) *Indexer {
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = defaultMaxBlockRange
	}
	return &Indexer{cfg: cfg, adapter: adapter, analytics: analytics, logger: logger}
}

func (ix *Indexer) checkpointPath() string {
	return filepath.Join(ix.cfg.DataDir, "chain", "indexer_state.json")
}

func (ix *Indexer) eventDir(sub string) string {
	return filepath.Join(ix.cfg.DataDir, "chain", sub)
}

func (ix *Indexer) eventPath(sub string, timestamp uint64) string {
	day := time.Unix(int64(timestamp), 0).UTC().Format("2006-01-02")
	return filepath.Join(ix.eventDir(sub), day+".ndjson")
}

// appendEvent appends one event to its day file under sub, creating
// directories as needed (section 4.2.2 NDJSON persistence).
func (ix *Indexer) appendEvent(sub string, timestamp uint64, event interface{}) error {
	path := ix.eventPath(sub, timestamp)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = f.Write(append(raw, '\n'))
	return err
}

// rehydrateFromDisk replays every persisted NDJSON day file into
// Analytics, in day order, so a restarted hub recovers events the
// checkpoint alone can't reproduce (section 4.2.2 "on restart, the
// hub rehydrates its in-memory analytics from the NDJSON event files
// before resuming the forward scan").
func (ix *Indexer) rehydrateFromDisk() error {
	if err := rehydrateDir(ix.eventDir(entryPointEventsDir), func(line []byte) error {
		var ev types.IntentOutcome
		if err := json.Unmarshal(line, &ev); err != nil {
			return err
		}
		ix.analytics.IngestEntryPoint(ev)
		return nil
	}); err != nil {
		return err
	}
	return rehydrateDir(ix.eventDir(paymasterEventsDir), func(line []byte) error {
		var ev types.PaymasterPostOp
		if err := json.Unmarshal(line, &ev); err != nil {
			return err
		}
		ix.analytics.IngestPaymaster(ev)
		return nil
	})
}

// rehydrateDir reads every *.ndjson file under dir in ascending
// filename (day) order and applies decode to each line.
func rehydrateDir(dir string, decode func([]byte) error) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if err := decode(scanner.Bytes()); err != nil {
				continue
			}
		}
		scanErr := scanner.Err()
		f.Close()
		if scanErr != nil {
			return scanErr
		}
	}
	return nil
}

// Start loads the persisted checkpoint if it matches {chainId,
// entryPoint, paymaster}, or initializes lastProcessedBlock = head -
// lookbackBlocks (section 4.2.2 step 1).
func (ix *Indexer) Start(ctx context.Context) error {
	if err := ix.rehydrateFromDisk(); err != nil {
		return cperr.Internalf(err, "rehydrate analytics from disk")
	}

	chainID, err := ix.adapter.ChainID(ctx)
	if err != nil {
		return cperr.Transientf(err, "fetch chain id")
	}

	if cp, err := ix.loadCheckpoint(); err == nil && cp.Matches(chainID, ix.cfg.EntryPoint, ix.cfg.Paymaster) {
		ix.checkpoint = cp
		return nil
	}

	head, err := ix.adapter.LatestBlock(ctx)
	if err != nil {
		return cperr.Transientf(err, "fetch latest block")
	}
	start := uint64(0)
	if head > ix.cfg.LookbackBlocks {
		start = head - ix.cfg.LookbackBlocks
	}
	ix.checkpoint = types.IndexerCheckpoint{
		ChainID: chainID, EntryPoint: ix.cfg.EntryPoint, Paymaster: ix.cfg.Paymaster,
		LastProcessedBlock: start, UpdatedAt: time.Now(),
	}
	return nil
}

func (ix *Indexer) loadCheckpoint() (types.IndexerCheckpoint, error) {
	raw, err := os.ReadFile(ix.checkpointPath())
	if err != nil {
		return types.IndexerCheckpoint{}, err
	}
	var cp types.IndexerCheckpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return types.IndexerCheckpoint{}, err
	}
	return cp, nil
}

func (ix *Indexer) persistCheckpoint() error {
	path := ix.checkpointPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(ix.checkpoint, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// Run ticks on cfg.TickInterval, calling SyncOnce each time, until ctx
// is cancelled. Transient errors are logged at WARN and the scan
// retries next tick without advancing the checkpoint (section 4.3).
func (ix *Indexer) Run(ctx context.Context) {
	ticker := time.NewTicker(ix.cfg.TickInterval)
	defer ticker.Stop()
	limiter := ratelimit.New(5)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Take()
			if err := ix.SyncOnce(ctx); err != nil {
				ix.logger.Warn("indexer sync failed, retrying next tick", zap.Error(err))
			}
		}
	}
}

// SyncOnce walks forward from the checkpoint to head in windows of at
// most MaxBlockRange, ingesting both event variants per window and
// persisting before each checkpoint advance (section 4.2.2 steps
// 2-4).
func (ix *Indexer) SyncOnce(ctx context.Context) error {
	head, err := ix.adapter.LatestBlock(ctx)
	if err != nil {
		return cperr.Transientf(err, "fetch head")
	}

	from := ix.checkpoint.LastProcessedBlock + 1
	if ix.checkpoint.LastProcessedBlock == 0 {
		from = 0
	}
	if from > head {
		return nil
	}

	for from <= head {
		to := from + ix.cfg.MaxBlockRange - 1
		if to > head {
			to = head
		}

		outcomes, postOps, err := ix.adapter.GetLogsFrom(ctx, ix.cfg.EntryPoint, ix.cfg.Paymaster, from, to)
		if err != nil {
			return cperr.Transientf(err, "getLogs [%d,%d]", from, to)
		}

		if err := ix.ingestWindow(outcomes, postOps); err != nil {
			return err
		}

		ix.checkpoint.LastProcessedBlock = to
		ix.checkpoint.UpdatedAt = time.Now()
		if err := ix.persistCheckpoint(); err != nil {
			ix.logger.Warn("checkpoint persist failed", zap.Error(err))
		}

		from = to + 1
	}
	return nil
}

// ingestWindow applies events in strict block-then-logIndex order
// (section 3 ordering guarantee, section 8 determinism invariant).
func (ix *Indexer) ingestWindow(outcomes []types.IntentOutcome, postOps []types.PaymasterPostOp) error {
	events := mergeEventsByOrder(outcomes, postOps)
	for _, e := range events {
		switch ev := e.(type) {
		case types.IntentOutcome:
			if err := ix.appendEvent(entryPointEventsDir, ev.Timestamp, ev); err != nil {
				return cperr.Internalf(err, "persist entrypoint event")
			}
			ix.analytics.IngestEntryPoint(ev)
		case types.PaymasterPostOp:
			if err := ix.appendEvent(paymasterEventsDir, ev.Timestamp, ev); err != nil {
				return cperr.Internalf(err, "persist paymaster event")
			}
			ix.analytics.IngestPaymaster(ev)
		}
	}
	return nil
}

// mergeEventsByOrder interleaves the two event slices by (blockNumber,
// logIndex) ascending.
func mergeEventsByOrder(outcomes []types.IntentOutcome, postOps []types.PaymasterPostOp) []interface{} {
	out := make([]interface{}, 0, len(outcomes)+len(postOps))
	i, j := 0, 0
	for i < len(outcomes) && j < len(postOps) {
		a, b := outcomes[i], postOps[j]
		if a.BlockNumber < b.BlockNumber || (a.BlockNumber == b.BlockNumber && a.LogIndex <= b.LogIndex) {
			out = append(out, a)
			i++
		} else {
			out = append(out, b)
			j++
		}
	}
	for ; i < len(outcomes); i++ {
		out = append(out, outcomes[i])
	}
	for ; j < len(postOps); j++ {
		out = append(out, postOps[j])
	}
	return out
}

// Checkpoint returns the indexer's current checkpoint, for tests.
func (ix *Indexer) Checkpoint() types.IndexerCheckpoint {
	return ix.checkpoint
}
