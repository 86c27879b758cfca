package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Deployments is the configured set of on-chain addresses a bundler or
// operations hub instance is wired against (section 6 "GET
// /deployments and GET /paymaster/status read from a small
// chain.Deployments config value rather than a live discovery call").
type Deployments struct {
	ChainID    int64          `json:"chainId"`
	EntryPoint common.Address `json:"entryPoint"`
	Paymaster  common.Address `json:"paymaster"`
	Router     common.Address `json:"router,omitempty"`
}

// BundlerMethods contains the standard ERC-4337 bundler JSON-RPC
// method names (section 6), adapted unchanged from the teacher's
// mechanisms/evm/erc4337/constants.go.
var BundlerMethods = struct {
	SendUserOperation        string
	EstimateUserOperationGas string
	GetUserOperationByHash   string
	GetUserOperationReceipt  string
	SupportedEntryPoints     string
	ChainID                  string
}{
	SendUserOperation:        "eth_sendUserOperation",
	EstimateUserOperationGas: "eth_estimateUserOperationGas",
	GetUserOperationByHash:   "eth_getUserOperationByHash",
	GetUserOperationReceipt:  "eth_getUserOperationReceipt",
	SupportedEntryPoints:     "eth_supportedEntryPoints",
	ChainID:                  "eth_chainId",
}

// DefaultGasLimits are fallback gas limit values. Gas estimation does
// not consult them: it returns the limits carried by the intent.
var DefaultGasLimits = struct {
	VerificationGasLimit          *big.Int
	CallGasLimit                  *big.Int
	PreVerificationGas            *big.Int
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
}{
	VerificationGasLimit:          big.NewInt(150000),
	CallGasLimit:                  big.NewInt(100000),
	PreVerificationGas:            big.NewInt(50000),
	PaymasterVerificationGasLimit: big.NewInt(50000),
	PaymasterPostOpGasLimit:       big.NewInt(50000),
}

// SupportedChains lists known EVM chain IDs. Neither the bundler
// engine's admission check nor the indexer consults this list.
// Dropped from the teacher's original list: no testnet/L2 pair that
// this deployment does not operate against.
var SupportedChains = []int64{
	1,        // Ethereum Mainnet
	11155111, // Ethereum Sepolia
	8453,     // Base
	84532,    // Base Sepolia
	10,       // Optimism
	42161,    // Arbitrum One
}

// IsSupportedChain reports whether chainID is in SupportedChains.
func IsSupportedChain(chainID int64) bool {
	for _, id := range SupportedChains {
		if id == chainID {
			return true
		}
	}
	return false
}
