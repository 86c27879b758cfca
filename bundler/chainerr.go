package bundler

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/t402-io/gasless-ops/chain"
	"github.com/t402-io/gasless-ops/internal/cperr"
)

// reexecutor is an optional capability a chain.Adapter may implement:
// best-effort re-execution of a failed submission as a view call at
// the receipt's block, to recover revert data the node didn't surface
// directly (section 4.1.5). Adapters that don't implement it simply
// skip the fallback.
type reexecutor interface {
	CallAtBlock(ctx context.Context, txHash common.Hash, blockNumber uint64) ([]byte, error)
}

// formatSubmissionError normalizes a bundle-submission failure to a
// decoded string for observability (section 4.1.5): recognized
// contract-custom errors and standard revert payloads are decoded;
// when the adapter returned no revert data, a best-effort re-execution
// is attempted under a 3-second cap.
func formatSubmissionError(ctx context.Context, adapter chain.Adapter, txHash common.Hash, blockNumber uint64, submitErr error) string {
	var revertData []byte
	if rd, ok := asRevertData(submitErr); ok {
		revertData = rd
	} else if re, ok := adapter.(reexecutor); ok {
		revertData = bestEffortReexecute(ctx, re, txHash, blockNumber)
	}

	if len(revertData) == 0 {
		return submitErr.Error()
	}
	decoded := chain.DecodeRevert(revertData)
	return decoded.Error()
}

// asRevertData recovers revert bytes from an error that exposes a
// RevertData() method (*cperr.Error has none); errors without it fall
// through to re-execution.
func asRevertData(err error) ([]byte, bool) {
	type revertCarrier interface {
		RevertData() []byte
	}
	if rc, ok := err.(revertCarrier); ok {
		return rc.RevertData(), true
	}
	return nil, false
}

func bestEffortReexecute(ctx context.Context, re reexecutor, txHash common.Hash, blockNumber uint64) []byte {
	callCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	data, err := re.CallAtBlock(callCtx, txHash, blockNumber)
	if err != nil {
		return nil
	}
	return data
}

// wrapChainRevert surfaces a decoded revert string as a cperr.Error of
// kind ChainRevert (section 7). Nothing in the package calls it.
func wrapChainRevert(decoded string) error {
	return cperr.ChainRevertf("%s", decoded)
}
