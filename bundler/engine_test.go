package bundler

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/t402-io/gasless-ops/chain"
	"github.com/t402-io/gasless-ops/types"
)

// fakeAdapter is a minimal in-memory chain.Adapter used across the
// bundler tests (design notes section 9: ABI decoding kept behind a
// narrow adapter so alternate chain backends can be substituted in
// tests).
type fakeAdapter struct {
	mu sync.Mutex

	chainID     int64
	latestBlock uint64
	validUntil  uint64

	sendBundleErr error
	sentBundles   [][]types.PackedIntent

	receiptsByTx map[common.Hash]*types.TxReceipt
	outcomesByTx map[common.Hash][]types.IntentOutcome
	rawLogsByTx  map[common.Hash][]types.Log
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		chainID:      1337,
		latestBlock:  100,
		receiptsByTx: make(map[common.Hash]*types.TxReceipt),
		outcomesByTx: make(map[common.Hash][]types.IntentOutcome),
		rawLogsByTx:  make(map[common.Hash][]types.Log),
	}
}

func (f *fakeAdapter) ChainID(ctx context.Context) (int64, error) { return f.chainID, nil }
func (f *fakeAdapter) LatestBlock(ctx context.Context) (uint64, error) { return f.latestBlock, nil }
func (f *fakeAdapter) BlockTimestamp(ctx context.Context, n uint64) (uint64, error) { return uint64(time.Now().Unix()), nil }
func (f *fakeAdapter) TxSender(ctx context.Context, h common.Hash) (common.Address, error) {
	return common.Address{}, nil
}

func (f *fakeAdapter) SimulateValidation(ctx context.Context, entryPoint common.Address, packed types.PackedIntent) (types.ValidationData, error) {
	return types.ValidationData{ValidUntil: f.validUntil}, nil
}

func (f *fakeAdapter) HashIntent(ctx context.Context, entryPoint common.Address, packed types.PackedIntent) (common.Hash, error) {
	h := common.BigToHash(new(big.Int).SetBytes(append(packed.Sender.Bytes(), packed.Nonce.Bytes()...)))
	return h, nil
}

func (f *fakeAdapter) SendBundle(ctx context.Context, entryPoint common.Address, bundle []types.PackedIntent, beneficiary common.Address) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendBundleErr != nil {
		return common.Hash{}, f.sendBundleErr
	}
	f.sentBundles = append(f.sentBundles, bundle)
	txHash := common.BigToHash(big.NewInt(int64(len(f.sentBundles))))

	outcomes := make([]types.IntentOutcome, len(bundle))
	var logIndex uint
	var rawLogs []types.Log
	for i, p := range bundle {
		hash, _ := f.HashIntent(ctx, entryPoint, p)
		outcomes[i] = types.IntentOutcome{
			IntentHash:    hash,
			Sender:        p.Sender,
			Nonce:         p.Nonce,
			Success:       true,
			ActualGasCost: big.NewInt(21000),
			ActualGasUsed: big.NewInt(21000),
			BlockNumber:   f.latestBlock + 1,
			TxHash:        txHash,
			LogIndex:      uint(i),
		}

		rawLogs = append(rawLogs, types.Log{
			Topics: []common.Hash{chain.BeforeExecutionEventSig},
			Index:  logIndex,
			TxHash: txHash,
		})
		logIndex++

		// Each intent in the bundle gets a distinguishable number of
		// intermediate logs (descending by position) so S4 can assert
		// windows aren't merged across intents.
		for n := 0; n < len(bundle)-i; n++ {
			rawLogs = append(rawLogs, types.Log{
				Address: p.Sender,
				Data:    []byte{byte(i), byte(n)},
				Index:   logIndex,
				TxHash:  txHash,
			})
			logIndex++
		}

		rawLogs = append(rawLogs, types.Log{
			Topics: []common.Hash{chain.IntentOutcomeEventSig, hash},
			Index:  logIndex,
			TxHash: txHash,
		})
		logIndex++
	}
	f.outcomesByTx[txHash] = outcomes
	f.rawLogsByTx[txHash] = rawLogs
	f.receiptsByTx[txHash] = &types.TxReceipt{TransactionHash: txHash, BlockNumber: f.latestBlock + 1, Status: 1}
	return txHash, nil
}

func (f *fakeAdapter) GetReceipt(ctx context.Context, txHash common.Hash) (*types.TxReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receiptsByTx[txHash], nil
}

func (f *fakeAdapter) GetLogsFrom(ctx context.Context, entryPoint, paymaster common.Address, from, to uint64) ([]types.IntentOutcome, []types.PaymasterPostOp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.IntentOutcome
	for _, outcomes := range f.outcomesByTx {
		for _, o := range outcomes {
			if o.BlockNumber >= from && o.BlockNumber <= to {
				out = append(out, o)
			}
		}
	}
	return out, nil, nil
}

func (f *fakeAdapter) GetRawLogs(ctx context.Context, entryPoint common.Address, from, to uint64) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Log
	for txHash, logs := range f.rawLogsByTx {
		receipt := f.receiptsByTx[txHash]
		if receipt == nil || receipt.BlockNumber < from || receipt.BlockNumber > to {
			continue
		}
		out = append(out, logs...)
	}
	return out, nil
}

func (f *fakeAdapter) PaymasterDeposit(ctx context.Context, entryPoint, paymaster common.Address) (interface{}, error) {
	return big.NewInt(0), nil
}

func testIntent(sender common.Address, nonce int64) *types.Intent {
	return &types.Intent{
		Sender:                sender,
		Nonce:                 big.NewInt(nonce),
		CallData:              []byte{0x01},
		CallGasLimit:          big.NewInt(100000),
		VerificationGasLimit:  big.NewInt(150000),
		PreVerificationGas:    big.NewInt(50000),
		MaxFeePerGas:          big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas:  big.NewInt(2_000_000_000),
		Signature:             []byte{0x02},
	}
}

func testEngineWithTrigger(t *testing.T, policy types.Policy, adapter *fakeAdapter, sizeTrigger int) *Engine {
	t.Helper()
	cfg := Config{
		ServiceName:         "test-bundler",
		EntryPoint:          common.HexToAddress("0xE0"),
		ChainID:             adapter.chainID,
		Policy:              policy,
		BundleInterval:      time.Hour,
		MempoolSizeTrigger:  sizeTrigger,
		ReceiptPollInterval: time.Millisecond,
		ReceiptPollTimeout:  time.Second,
	}
	e := NewEngine(cfg, adapter, zap.NewNop(), nil)
	e.startBlock = adapter.latestBlock
	return e
}

func testEngine(t *testing.T, policy types.Policy, adapter *fakeAdapter) *Engine {
	t.Helper()
	return testEngineWithTrigger(t, policy, adapter, 1)
}

// S1: happy path admission + bundle.
func TestSendIntentHappyPathBundles(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.validUntil = uint64(time.Now().Add(time.Hour).Unix())
	e := testEngine(t, types.Policy{MinPriorityFeeGwei: 0, MinMaxFeeGwei: 0}, adapter)

	sender := common.HexToAddress("0xAAA000000000000000000000000000000000A1")
	intent := testIntent(sender, 0)

	ctx := context.Background()
	hash, err := e.SendIntent(ctx, e.cfg.EntryPoint, intent)
	if err != nil {
		t.Fatalf("SendIntent: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		receipt, err := e.GetIntentReceipt(ctx, hash)
		if err != nil {
			t.Fatalf("GetIntentReceipt: %v", err)
		}
		if receipt != nil {
			if !receipt.Success || receipt.Sender != sender {
				t.Fatalf("unexpected receipt: %+v", receipt)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for receipt")
}

// S2: fee-floor rejection.
func TestSendIntentRejectsBelowFeeFloor(t *testing.T) {
	adapter := newFakeAdapter()
	policy := types.Policy{MinPriorityFeeGwei: 1, MinMaxFeeGwei: 1}
	e := testEngine(t, policy, adapter)

	intent := testIntent(common.HexToAddress("0xB0B"), 0)
	intent.MaxPriorityFeePerGas = big.NewInt(500_000_000) // 0.5 gwei

	before := e.pool.size()
	_, err := e.SendIntent(context.Background(), e.cfg.EntryPoint, intent)
	if err == nil {
		t.Fatal("expected fee floor rejection")
	}
	if e.pool.size() != before {
		t.Fatalf("mempool size changed on rejection: before=%d after=%d", before, e.pool.size())
	}
}

// S3: validity-window rejection.
func TestSendIntentRejectsShortValidityWindow(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.validUntil = uint64(time.Now().Add(30 * time.Second).Unix())
	policy := types.Policy{Strict: true, MinValidUntilSeconds: 60}
	e := testEngine(t, policy, adapter)

	intent := testIntent(common.HexToAddress("0xC0C"), 0)
	_, err := e.SendIntent(context.Background(), e.cfg.EntryPoint, intent)
	if err == nil {
		t.Fatal("expected validity window rejection")
	}
}

// S4: bundle decode — two intents bundled together each get their own
// outcome receipt.
func TestSubmitBundleDecodesEachIntent(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.validUntil = uint64(time.Now().Add(time.Hour).Unix())
	e := testEngineWithTrigger(t, types.Policy{}, adapter, 10)

	ctx := context.Background()
	h1, err := e.SendIntent(ctx, e.cfg.EntryPoint, testIntent(common.HexToAddress("0xD1"), 0))
	if err != nil {
		t.Fatalf("SendIntent 1: %v", err)
	}
	h2, err := e.SendIntent(ctx, e.cfg.EntryPoint, testIntent(common.HexToAddress("0xD2"), 0))
	if err != nil {
		t.Fatalf("SendIntent 2: %v", err)
	}

	entries := e.pool.oldestPending(10)
	if len(entries) > 0 {
		e.submitBundle(ctx, entries)
	}

	wantLogCount := map[common.Hash]int{h1: 2, h2: 1}
	for _, h := range []common.Hash{h1, h2} {
		receipt, err := e.GetIntentReceipt(ctx, h)
		if err != nil {
			t.Fatalf("GetIntentReceipt(%s): %v", h, err)
		}
		if receipt == nil {
			t.Fatalf("missing receipt for %s", h)
		}
		if got := len(receipt.Logs); got != wantLogCount[h] {
			t.Fatalf("intent %s: expected %d intermediate logs, got %d (%+v)", h, wantLogCount[h], got, receipt.Logs)
		}
		for _, lg := range receipt.Logs {
			if len(lg.Topics) != 0 {
				t.Fatalf("intent %s: window log leaked a marker topic: %+v", h, lg)
			}
		}
	}

	first, err := e.GetIntentReceipt(ctx, h1)
	if err != nil {
		t.Fatalf("GetIntentReceipt(%s): %v", h1, err)
	}
	second, err := e.GetIntentReceipt(ctx, h2)
	if err != nil {
		t.Fatalf("GetIntentReceipt(%s): %v", h2, err)
	}
	if first.Logs[0].Data[0] == second.Logs[0].Data[0] {
		t.Fatalf("expected distinct log windows per intent, got overlapping data %+v / %+v", first.Logs, second.Logs)
	}
}
