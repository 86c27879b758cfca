// Package bundler implements the ERC-4337 bundler engine: admission,
// packing, scheduling, submission, and receipt decoding for a single
// EntryPoint deployment (spec section 4.1), wired as one cooperative
// single-threaded Engine per the mutex-guarded-struct concurrency
// model (design notes section 9 option b).
package bundler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/t402-io/gasless-ops/chain"
	"github.com/t402-io/gasless-ops/internal/cperr"
	"github.com/t402-io/gasless-ops/types"
)

// LogSink receives the engine's structured observability events
// (section 4.1.6), typically the operations hub's log-ingest HTTP
// endpoint. Nil-safe: a nil sink just means local-stdout-only logging.
type LogSink interface {
	Emit(ctx context.Context, event types.LogEvent)
}

// Config is everything an Engine needs beyond the chain adapter and
// logger: the admission policy, scheduling knobs, and submission
// parameters (sections 4.1.1 and 4.1.3).
type Config struct {
	ServiceName         string
	EntryPoint          common.Address
	Paymaster           common.Address
	ChainID             int64
	Policy              types.Policy
	BundleInterval      time.Duration
	MempoolSizeTrigger  int
	Beneficiary         common.Address
	OwnWallet           common.Address
	BundleGasLimit      uint64
	ReceiptPollInterval time.Duration
	ReceiptPollTimeout  time.Duration
}

// Engine is the bundler's single cooperative event loop: bundling
// timer, JSON-RPC handlers, and the in-flight bundle awaiter share it
// (section 5).
type Engine struct {
	cfg       Config
	adapter   chain.Adapter
	pool      *mempool
	sched     *scheduler
	logger    *zap.Logger
	sink      LogSink
	startedAt time.Time
	startBlock uint64
}

// NewEngine wires the mempool, scheduler, and adapter into one Engine.
// sink may be nil.
func NewEngine(cfg Config, adapter chain.Adapter, logger *zap.Logger, sink LogSink) *Engine {
	e := &Engine{
		cfg:     cfg,
		adapter: adapter,
		pool:    newMempool(),
		logger:  logger.With(zap.String("service", cfg.ServiceName)),
		sink:    sink,
	}
	e.sched = newScheduler(e, cfg.BundleInterval, bundleSize(cfg.MempoolSizeTrigger))
	return e
}

// Start records the engine's startup block (the late-lookup
// reconstruction anchor, section 4.1.4) and launches the bundling
// timer. It blocks until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	head, err := e.adapter.LatestBlock(ctx)
	if err != nil {
		return cperr.Transientf(err, "fetch starting block")
	}
	e.startBlock = head
	e.startedAt = time.Now()

	e.emit(ctx, types.LogEvent{Level: types.SeverityInfo, Message: "bundler engine started", ChainID: e.cfg.ChainID})
	e.sched.run(ctx)
	return nil
}

// SendIntent implements sendIntent(intent, entryPoint): runs the
// admission policy, packs and hashes, admits to the mempool, triggers
// the size-based scheduler check, and applies the latency knob
// (section 4.1.1, section 4.1).
func (e *Engine) SendIntent(ctx context.Context, entryPoint common.Address, intent *types.Intent) (common.Hash, error) {
	if entryPoint != e.cfg.EntryPoint {
		return common.Hash{}, cperr.Validationf("unsupported entryPoint %s", entryPoint)
	}
	if err := intent.Validate(); err != nil {
		return common.Hash{}, cperr.Validationf("invalid intent: %v", err)
	}
	if err := checkFees(intent, e.cfg.Policy); err != nil {
		e.emitReject(ctx, intent, err)
		return common.Hash{}, err
	}
	if rollInjectedFailure(e.cfg.Policy) {
		err := cperr.Internalf(nil, "injected admission failure")
		e.emitReject(ctx, intent, err)
		return common.Hash{}, err
	}

	packed, hash, err := packAndHash(ctx, e.adapter, entryPoint, intent)
	if err != nil {
		return common.Hash{}, cperr.Internalf(err, "hash intent")
	}

	if e.cfg.Policy.Strict {
		if _, err := simulate(ctx, e.adapter, entryPoint, packed, e.cfg.Policy); err != nil {
			e.emitReject(ctx, intent, err)
			return common.Hash{}, err
		}
	}

	entry := e.pool.admit(hash, *intent, packed)
	e.emit(ctx, types.LogEvent{
		Level: types.SeverityInfo, Message: "intent accepted",
		IntentHash: hash.Hex(), Sender: entry.Intent.Sender.Hex(), ChainID: e.cfg.ChainID,
	})

	delayAcceptance(ctx, e.cfg.Policy)
	e.sched.notifySize(ctx)

	return hash, nil
}

func (e *Engine) emitReject(ctx context.Context, intent *types.Intent, cause error) {
	e.emit(ctx, types.LogEvent{
		Level: types.SeverityWarn, Message: "intent rejected",
		Sender: intent.Sender.Hex(), ChainID: e.cfg.ChainID,
		Meta: map[string]interface{}{"policy": e.cfg.Policy, "reason": cause.Error()},
	})
}

// EstimateIntentGas implements estimateIntentGas: never mutates the
// mempool (section 4.1).
func (e *Engine) EstimateIntentGas(ctx context.Context, entryPoint common.Address, intent *types.Intent) (types.EstimateResult, error) {
	packed := chain.Pack(intent)
	vd, err := e.adapter.SimulateValidation(ctx, entryPoint, packed)
	if err != nil {
		return types.EstimateResult{}, err
	}
	result := types.EstimateResult{
		CallGasLimit:  intent.CallGasLimit,
		VerifyGasLimit: intent.VerificationGasLimit,
		PreVerifyGas:  intent.PreVerificationGas,
	}
	if vd.ValidAfter != 0 {
		va := vd.ValidAfter
		result.ValidAfter = &va
	}
	if vd.ValidUntil != 0 {
		vu := vd.ValidUntil
		result.ValidUntil = &vu
	}
	return result, nil
}

// GetIntentReceipt implements getIntentReceipt: returns the cached
// receipt if the engine mined it, otherwise falls back to a late
// lookup from the engine's start block (section 4.1, section 4.1.4).
func (e *Engine) GetIntentReceipt(ctx context.Context, hash common.Hash) (*types.IntentReceipt, error) {
	if entry, ok := e.pool.get(hash); ok && entry.Receipt != nil {
		return entry.Receipt, nil
	}
	return lateLookup(ctx, e.adapter, e.cfg.EntryPoint, e.cfg.Paymaster, hash, e.startBlock)
}

// GetIntentByHash implements getIntentByHash.
func (e *Engine) GetIntentByHash(ctx context.Context, hash common.Hash) (*types.IntentLocation, error) {
	entry, ok := e.pool.get(hash)
	if !ok {
		return nil, nil
	}
	loc := &types.IntentLocation{Intent: entry.Intent, EntryPoint: e.cfg.EntryPoint}
	if entry.SubmissionTx != nil {
		loc.TxHash = entry.SubmissionTx
	}
	if entry.Receipt != nil {
		bn := entry.Receipt.TxReceipt.BlockNumber
		loc.BlockNumber = &bn
	}
	return loc, nil
}

// submitBundle sends one submission transaction for entries (section
// 4.1.3), transitions their state, and decodes outcomes on inclusion.
func (e *Engine) submitBundle(ctx context.Context, entries []*types.MempoolEntry) {
	hashes := make([]common.Hash, len(entries))
	for i, entry := range entries {
		hashes[i] = entry.IntentHash
	}

	e.emit(ctx, types.LogEvent{
		Level: types.SeverityInfo, Message: "bundle attempt", ChainID: e.cfg.ChainID,
		Meta: map[string]interface{}{"count": len(entries), "delegationAware": hasDelegation(entries)},
	})

	ben := beneficiary(e.cfg.Beneficiary, e.cfg.OwnWallet)
	txHash, err := e.adapter.SendBundle(ctx, e.cfg.EntryPoint, packedBundle(entries), ben)
	if err != nil {
		// The entries were part of this attempt: move them to SENT so
		// the DAG allows failAll's SENT -> FAILED transition.
		for _, h := range hashes {
			_ = e.pool.transition(h, types.StateSent)
		}
		e.failAll(ctx, entries, err)
		return
	}

	for _, h := range hashes {
		_ = e.pool.transition(h, types.StateSent)
		e.pool.setSubmissionTx(h, txHash)
	}
	e.emit(ctx, types.LogEvent{Level: types.SeverityInfo, Message: "bundle submitted", TxHash: txHash.Hex(), ChainID: e.cfg.ChainID})

	e.awaitInclusion(ctx, entries, txHash)
}

func (e *Engine) failAll(ctx context.Context, entries []*types.MempoolEntry, cause error) {
	for _, entry := range entries {
		_ = e.pool.transition(entry.IntentHash, types.StateFailed)
		e.emit(ctx, types.LogEvent{
			Level: types.SeverityError, Message: "bundle submission failed",
			IntentHash: entry.IntentHash.Hex(), Sender: entry.Intent.Sender.Hex(), ChainID: e.cfg.ChainID,
			Meta: map[string]interface{}{"error": formatSubmissionError(ctx, e.adapter, common.Hash{}, 0, cause)},
		})
	}
}

// awaitInclusion polls for the submission receipt, then decodes each
// pooled entry's per-intent outcome and log window (section 4.1.3,
// section 4.1.4). Section 5 Cancellation: the await is not cancelled
// by engine stop, only by ctx cancellation at the process level.
func (e *Engine) awaitInclusion(ctx context.Context, entries []*types.MempoolEntry, txHash common.Hash) {
	interval := e.cfg.ReceiptPollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	timeout := e.cfg.ReceiptPollTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	deadline := time.Now().Add(timeout)
	var txReceipt *types.TxReceipt
	for time.Now().Before(deadline) {
		r, err := e.adapter.GetReceipt(ctx, txHash)
		if err == nil && r != nil {
			txReceipt = r
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
	if txReceipt == nil {
		e.failAll(ctx, entries, cperr.Transientf(nil, "timed out waiting for bundle receipt %s", txHash))
		return
	}

	outcomes, _, err := e.adapter.GetLogsFrom(ctx, e.cfg.EntryPoint, e.cfg.Paymaster, txReceipt.BlockNumber, txReceipt.BlockNumber)
	if err != nil {
		e.failAll(ctx, entries, err)
		return
	}

	rawLogs, err := e.adapter.GetRawLogs(ctx, e.cfg.EntryPoint, txReceipt.BlockNumber, txReceipt.BlockNumber)
	if err != nil {
		e.failAll(ctx, entries, err)
		return
	}

	windows := sliceLogWindows(logsForTx(rawLogs, txHash))
	byHash := make(map[common.Hash]types.IntentOutcome, len(outcomes))
	for _, o := range outcomes {
		byHash[o.IntentHash] = o
	}

	for _, entry := range entries {
		outcome, ok := byHash[entry.IntentHash]
		if !ok {
			e.failAll(ctx, []*types.MempoolEntry{entry}, cperr.Internalf(nil, "no IntentOutcome decoded for %s", entry.IntentHash))
			continue
		}
		receipt := buildReceipt(outcome, windows[entry.IntentHash], *txReceipt)
		e.pool.setReceipt(entry.IntentHash, receipt)
		_ = e.pool.transition(entry.IntentHash, types.StateMined)
		e.emit(ctx, types.LogEvent{
			Level: pickSeverity(outcome.Success), Message: "intent mined",
			IntentHash: entry.IntentHash.Hex(), Sender: outcome.Sender.Hex(), TxHash: txHash.Hex(), ChainID: e.cfg.ChainID,
		})
	}
}

func pickSeverity(success bool) types.Severity {
	if success {
		return types.SeverityInfo
	}
	return types.SeverityWarn
}

func (e *Engine) emit(ctx context.Context, event types.LogEvent) {
	event.Service = e.cfg.ServiceName
	event.Timestamp = float64(time.Now().UnixMilli())

	switch event.Level {
	case types.SeverityError:
		e.logger.Error(event.Message, zap.String("intentHash", event.IntentHash), zap.String("txHash", event.TxHash))
	case types.SeverityWarn:
		e.logger.Warn(event.Message, zap.String("intentHash", event.IntentHash), zap.String("txHash", event.TxHash))
	default:
		e.logger.Info(event.Message, zap.String("intentHash", event.IntentHash), zap.String("txHash", event.TxHash))
	}

	if e.sink != nil {
		e.sink.Emit(ctx, event)
	}
}

// inFlight reports whether a bundling attempt is currently running,
// reading the scheduler's re-entrancy guard (section 5).
func (e *Engine) inFlight() bool {
	return atomic.LoadInt32(&e.sched.inFlight) == 1
}
