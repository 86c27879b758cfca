package bundler

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/t402-io/gasless-ops/chain"
	"github.com/t402-io/gasless-ops/types"
)

// sliceLogWindows partitions a transaction receipt's full log array
// into per-intent windows (section 4.1.4): each BeforeExecution marker
// discards the logs collected so far, each IntentOutcome log closes a
// window, and logs between consecutive IntentOutcome logs belong to the
// intent whose IntentOutcome follows them. Returns a map from
// intentHash (topic1 of the IntentOutcome log) to its log slice.
func sliceLogWindows(logs []types.Log) map[common.Hash][]types.Log {
	windows := make(map[common.Hash][]types.Log)
	var current []types.Log

	for _, lg := range logs {
		if len(lg.Topics) == 0 {
			current = append(current, lg)
			continue
		}
		switch lg.Topics[0] {
		case chain.BeforeExecutionEventSig:
			current = nil
		case chain.IntentOutcomeEventSig:
			if len(lg.Topics) > 1 {
				windows[lg.Topics[1]] = current
			}
			current = nil
		default:
			current = append(current, lg)
		}
	}
	return windows
}

// logsForTx filters a block's raw log array down to the ones emitted
// by txHash, preserving their original order (section 4.1.4).
func logsForTx(logs []types.Log, txHash common.Hash) []types.Log {
	out := make([]types.Log, 0, len(logs))
	for _, lg := range logs {
		if lg.TxHash == txHash {
			out = append(out, lg)
		}
	}
	return out
}

// buildReceipt decodes one intent's outcome plus its log window into
// the wire IntentReceipt shape (section 4.1 getIntentReceipt).
func buildReceipt(outcome types.IntentOutcome, logs []types.Log, txReceipt types.TxReceipt) *types.IntentReceipt {
	var paymaster *common.Address
	if outcome.Paymaster != (common.Address{}) {
		p := outcome.Paymaster
		paymaster = &p
	}
	receipt := &types.IntentReceipt{
		IntentHash:    outcome.IntentHash,
		Sender:        outcome.Sender,
		Paymaster:     paymaster,
		Nonce:         outcome.Nonce.String(),
		Success:       outcome.Success,
		ActualGasCost: outcome.ActualGasCost.String(),
		ActualGasUsed: outcome.ActualGasUsed.String(),
		RevertReason:  outcome.RevertReason,
		Logs:          logs,
		TxReceipt:     txReceipt,
	}
	return receipt
}

// lateLookup reconstructs a receipt for an intent the engine has no
// cached record of, by scanning the entry-point's logs from a
// remembered start block (section 4.1.4 "late lookups").
func lateLookup(ctx context.Context, adapter chain.Adapter, entryPoint, paymaster common.Address, intentHash common.Hash, startBlock uint64) (*types.IntentReceipt, error) {
	head, err := adapter.LatestBlock(ctx)
	if err != nil {
		return nil, err
	}

	outcomes, _, err := adapter.GetLogsFrom(ctx, entryPoint, paymaster, startBlock, head)
	if err != nil {
		return nil, err
	}

	for _, outcome := range outcomes {
		if outcome.IntentHash != intentHash {
			continue
		}
		txReceipt, err := adapter.GetReceipt(ctx, outcome.TxHash)
		if err != nil || txReceipt == nil {
			return nil, err
		}
		rawLogs, err := adapter.GetRawLogs(ctx, entryPoint, outcome.BlockNumber, outcome.BlockNumber)
		if err != nil {
			return nil, err
		}
		windows := sliceLogWindows(logsForTx(rawLogs, outcome.TxHash))
		return buildReceipt(outcome, windows[intentHash], *txReceipt), nil
	}
	return nil, nil
}
