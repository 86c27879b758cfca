package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// IndexerCheckpoint is the persisted scan position of the chain
// indexer (section 3). Monotonic in block number; persisted atomically
// after each scan window.
type IndexerCheckpoint struct {
	ChainID            int64          `json:"chainId"`
	EntryPoint         common.Address `json:"entryPoint"`
	Paymaster          common.Address `json:"paymaster"`
	LastProcessedBlock uint64         `json:"lastProcessedBlock"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// Matches reports whether this checkpoint was recorded for the same
// {chainId, entryPoint, paymaster} triple (section 4.2.2 step 1).
func (c IndexerCheckpoint) Matches(chainID int64, entryPoint, paymaster common.Address) bool {
	return c.ChainID == chainID && c.EntryPoint == entryPoint && c.Paymaster == paymaster
}
