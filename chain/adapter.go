package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/t402-io/gasless-ops/types"
)

// Adapter is the narrow boundary the bundler engine and the operations
// hub indexer use to reach the chain. A real deployment wires
// EthAdapter (ethclient-backed); tests substitute an in-memory fake
// satisfying the same interface, per design notes section 9's
// preference for substitutable seams over package-level globals.
type Adapter interface {
	// ChainID returns the chain this adapter is wired to.
	ChainID(ctx context.Context) (int64, error)

	// SimulateValidation runs EntryPoint.simulateValidation as an
	// eth_call against the packed intent and returns the decoded
	// ValidationResult, or a *cperr.Error of kind SimulationFailed /
	// ChainRevert when the EntryPoint reverts (section 4.1.1).
	SimulateValidation(ctx context.Context, entryPoint common.Address, packed types.PackedIntent) (types.ValidationData, error)

	// HashIntent computes the EntryPoint.getUserOpHash digest used as
	// the mempool key and bundler receipt lookup key (section 3).
	HashIntent(ctx context.Context, entryPoint common.Address, packed types.PackedIntent) (common.Hash, error)

	// SendBundle submits one or more packed intents to the EntryPoint
	// via handleOps and returns the submitting transaction hash
	// (section 4.1.2 submission step).
	SendBundle(ctx context.Context, entryPoint common.Address, bundle []types.PackedIntent, beneficiary common.Address) (common.Hash, error)

	// GetReceipt returns the mined transaction receipt for txHash, or
	// (nil, nil) when the transaction is not yet mined (section 4.1.3
	// polling loop).
	GetReceipt(ctx context.Context, txHash common.Hash) (*types.TxReceipt, error)

	// GetLogsFrom scans EntryPoint and paymaster logs in [fromBlock,
	// toBlock] and returns them in block-then-logIndex order
	// (section 4.2.2 windowed scan, section 3 ordering guarantee).
	GetLogsFrom(ctx context.Context, entryPoint, paymaster common.Address, fromBlock, toBlock uint64) ([]types.IntentOutcome, []types.PaymasterPostOp, error)

	// GetRawLogs returns every EntryPoint log in [fromBlock, toBlock]
	// unfiltered by event type, so a caller can reconstruct a
	// submission transaction's per-intent log window from the
	// BeforeExecution/UserOperationEvent markers (section 4.1.4). Unlike
	// GetLogsFrom, this does not narrow Topics to the two recognized
	// event signatures.
	GetRawLogs(ctx context.Context, entryPoint common.Address, fromBlock, toBlock uint64) ([]types.Log, error)

	// PaymasterDeposit returns the paymaster's current EntryPoint
	// deposit balance for the /paymaster/status route (section 6). The
	// returned value may be any of the numeric shapes ToDecimalString
	// accepts: callers must coerce it rather than assume *big.Int.
	PaymasterDeposit(ctx context.Context, entryPoint, paymaster common.Address) (interface{}, error)

	// BlockTimestamp returns the timestamp of the given block, used to
	// stamp ingested chain events (section 3).
	BlockTimestamp(ctx context.Context, blockNumber uint64) (uint64, error)

	// TxSender recovers the EOA that submitted txHash (section 4.1.3).
	// Neither the engine nor the indexer calls it.
	TxSender(ctx context.Context, txHash common.Hash) (common.Address, error)

	// LatestBlock returns the chain's current block number, the upper
	// bound for a scan window (section 4.2.2).
	LatestBlock(ctx context.Context) (uint64, error)
}

// GasPrices is the fee suggestion an adapter can offer the bundler
// engine when an intent omits explicit fee fields (section 4.1.2).
type GasPrices struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}
