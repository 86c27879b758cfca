package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PostOpMode is the paymaster post-operation outcome (section 3).
type PostOpMode string

const (
	PostOpSucceeded     PostOpMode = "SUCCEEDED"
	PostOpReverted      PostOpMode = "REVERTED"
	PostOpPostOpReverted PostOpMode = "POST_OP_REVERTED"
	PostOpUnknown       PostOpMode = "UNKNOWN"
)

// IntentOutcome is the decoded EntryPoint IntentOutcome event, one of
// the two ChainEvent variants (section 3).
type IntentOutcome struct {
	IntentHash    common.Hash    `json:"intentHash"`
	Sender        common.Address `json:"sender"`
	Paymaster     common.Address `json:"paymaster"`
	Nonce         *big.Int       `json:"nonce"`
	Success       bool           `json:"success"`
	ActualGasCost *big.Int       `json:"actualGasCost"`
	ActualGasUsed *big.Int       `json:"actualGasUsed"`
	BlockNumber   uint64         `json:"blockNumber"`
	TxHash        common.Hash    `json:"txHash"`
	LogIndex      uint           `json:"logIndex"`
	Bundler       common.Address `json:"bundler"`
	Timestamp     uint64         `json:"timestamp"`
	ChainID       int64          `json:"chainId"`
	RevertReason  string         `json:"revertReason,omitempty"`
}

// PaymasterPostOp is the decoded Paymaster PostOp event, the other
// ChainEvent variant (section 3).
type PaymasterPostOp struct {
	Sender                common.Address `json:"sender"`
	IntentHash            common.Hash    `json:"intentHash"`
	Mode                  PostOpMode     `json:"mode"`
	ActualGasCost         *big.Int       `json:"actualGasCost"`
	ActualUserOpFeePerGas *big.Int       `json:"actualUserOpFeePerGas"`
	FeeAmount             *big.Int       `json:"feeAmount"`
	BlockNumber           uint64         `json:"blockNumber"`
	TxHash                common.Hash    `json:"txHash"`
	LogIndex              uint           `json:"logIndex"`
	Timestamp             uint64         `json:"timestamp"`
	ChainID               int64          `json:"chainId"`
}

// IntentSummary is the merged, derived record keyed by intentHash
// (section 3), written through by both ingestion paths via the same
// merge function (section 4.2.5).
type IntentSummary struct {
	IntentHash    common.Hash     `json:"intentHash"`
	Sender        common.Address  `json:"sender,omitempty"`
	Paymaster     common.Address  `json:"paymaster,omitempty"`
	Nonce         *big.Int        `json:"nonce,omitempty"`
	Success       bool            `json:"success"`
	ActualGasCost *big.Int        `json:"actualGasCost,omitempty"`
	ActualGasUsed *big.Int        `json:"actualGasUsed,omitempty"`
	FeeAmount     *big.Int        `json:"feeAmount,omitempty"`
	PostOpMode    PostOpMode      `json:"postOpMode,omitempty"`
	RevertReason  string          `json:"revertReason,omitempty"`
	BlockNumber   uint64          `json:"blockNumber,omitempty"`
	TxHash        common.Hash     `json:"txHash,omitempty"`
	Timestamp     uint64          `json:"timestamp,omitempty"`

	seenTxBlocks map[string]struct{} `json:"-"`
}

// dedupeKey identifies a {txHash, blockNumber} pair for idempotent
// merges (section 3, section 4.2.2 ordering guarantee).
func dedupeKey(tx common.Hash, block uint64) string {
	return tx.Hex() + ":" + big.NewInt(int64(block)).String()
}

// Seen reports whether this {tx, block} pair has already been merged
// into the summary, and records it if not.
func (s *IntentSummary) Seen(tx common.Hash, block uint64) bool {
	if s.seenTxBlocks == nil {
		s.seenTxBlocks = make(map[string]struct{})
	}
	key := dedupeKey(tx, block)
	if _, ok := s.seenTxBlocks[key]; ok {
		return true
	}
	s.seenTxBlocks[key] = struct{}{}
	return false
}

// MergeEntryPoint applies an IntentOutcome ingestion: sets
// sender/paymaster/nonce/success/gas costs, preserves any
// previously-set feeAmount/postOpMode (section 4.2.5).
func (s *IntentSummary) MergeEntryPoint(ev IntentOutcome) {
	if s.Seen(ev.TxHash, ev.BlockNumber) {
		return
	}
	s.IntentHash = ev.IntentHash
	s.Sender = ev.Sender
	s.Paymaster = ev.Paymaster
	s.Nonce = ev.Nonce
	s.Success = ev.Success
	s.ActualGasCost = ev.ActualGasCost
	s.ActualGasUsed = ev.ActualGasUsed
	s.RevertReason = ev.RevertReason
	s.BlockNumber = ev.BlockNumber
	s.TxHash = ev.TxHash
	s.Timestamp = ev.Timestamp
}

// MergePaymaster applies a PaymasterPostOp ingestion: sets
// feeAmount/postOpMode; when no prior record exists (fresh summary)
// derives success from the post-op mode (section 4.2.5). Post-op merges
// are deduplicated under their own key, apart from entry-point merges
// of the same {tx, block}.
func (s *IntentSummary) MergePaymaster(ev PaymasterPostOp, isNew bool) {
	if s.seenTxBlocks == nil {
		s.seenTxBlocks = make(map[string]struct{})
	}
	key := "postop:" + dedupeKey(ev.TxHash, ev.BlockNumber)
	if _, ok := s.seenTxBlocks[key]; ok && !isNew {
		return
	}
	s.seenTxBlocks[key] = struct{}{}
	s.IntentHash = ev.IntentHash
	s.FeeAmount = ev.FeeAmount
	s.PostOpMode = ev.Mode
	if isNew {
		s.Success = ev.Mode == PostOpSucceeded
		s.BlockNumber = ev.BlockNumber
		s.TxHash = ev.TxHash
		s.Timestamp = ev.Timestamp
	}
}
