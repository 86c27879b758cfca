package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MempoolState is the lifecycle state of a MempoolEntry (section 3).
type MempoolState string

const (
	StatePending MempoolState = "PENDING"
	StateSent    MempoolState = "SENT"
	StateMined   MempoolState = "MINED"
	StateFailed  MempoolState = "FAILED"
)

// CanTransitionTo reports whether the DAG PENDING -> SENT -> {MINED,FAILED}
// allows moving from s to next (section 8 invariant: no back-edges).
func (s MempoolState) CanTransitionTo(next MempoolState) bool {
	switch s {
	case StatePending:
		return next == StateSent
	case StateSent:
		return next == StateMined || next == StateFailed
	default:
		return false
	}
}

// MempoolEntry is one admitted intent tracked by the engine (section 3).
type MempoolEntry struct {
	Intent       Intent
	Packed       PackedIntent
	IntentHash   common.Hash
	ReceivedAt   time.Time
	State        MempoolState
	SubmissionTx *common.Hash
	Receipt      *IntentReceipt
}

// IntentReceipt is the decoded outcome of a mined (or failed) intent,
// returned by getIntentReceipt (section 4.1).
type IntentReceipt struct {
	IntentHash    common.Hash    `json:"intentHash"`
	Sender        common.Address `json:"sender"`
	Paymaster     *common.Address `json:"paymaster,omitempty"`
	Nonce         string         `json:"nonce"`
	Success       bool           `json:"success"`
	ActualGasCost string         `json:"actualGasCost"`
	ActualGasUsed string         `json:"actualGasUsed"`
	RevertReason  string         `json:"revertReason,omitempty"`
	Logs          []Log          `json:"logs"`
	TxReceipt     TxReceipt      `json:"txReceipt"`
}

// Log is a minimal EVM log entry, used for the filtered per-intent log
// window (section 4.1.4).
type Log struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    []byte         `json:"data"`
	Index   uint           `json:"logIndex"`
	TxHash  common.Hash    `json:"transactionHash,omitempty"`
}

// TxReceipt is the underlying transaction receipt referenced from an
// IntentReceipt.
type TxReceipt struct {
	TransactionHash common.Hash `json:"transactionHash"`
	BlockNumber     uint64      `json:"blockNumber"`
	BlockHash       common.Hash `json:"blockHash"`
	Status          uint64      `json:"status"`
}

// IntentLocation is returned by getIntentByHash alongside the unpacked
// intent: where (if anywhere) it ended up.
type IntentLocation struct {
	Intent     Intent      `json:"intent"`
	EntryPoint common.Address `json:"entryPoint"`
	TxHash     *common.Hash `json:"transactionHash,omitempty"`
	BlockNumber *uint64     `json:"blockNumber,omitempty"`
}
