// Package types holds the wire and domain entities shared by the
// bundler engine and operations hub: intents, mempool entries, bundler
// registry records, log events, chain events and their derived
// summaries. Each entity family lives in its own file, mirroring the
// teacher's types/v1.go, types/v2.go, types/raw.go split.
package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Intent is a user-signed off-chain message submitted to a bundler, in
// its unpacked wire form (section 3 "Intent").
type Intent struct {
	Sender common.Address `json:"sender" validate:"required"`
	Nonce  *big.Int       `json:"nonce" validate:"required"`

	// FactoryData: factory address + init data for counterfactual
	// deployment. Both or neither must be set (section 4.1.2).
	Factory     *common.Address `json:"factory,omitempty"`
	FactoryData []byte          `json:"factoryData,omitempty"`

	CallData []byte `json:"callData"`

	CallGasLimit       *big.Int `json:"callGasLimit" validate:"required"`
	VerificationGasLimit *big.Int `json:"verificationGasLimit" validate:"required"`
	PreVerificationGas *big.Int `json:"preVerificationGas" validate:"required"`

	MaxFeePerGas         *big.Int `json:"maxFeePerGas" validate:"required"`
	MaxPriorityFeePerGas *big.Int `json:"maxPriorityFeePerGas" validate:"required"`

	// Paymaster block. With a paymaster address both gas limits are
	// required and data is optional; without one, data is rejected
	// (section 4.1.2).
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *big.Int        `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *big.Int        `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 []byte          `json:"paymasterData,omitempty"`

	Signature []byte `json:"signature"`

	// DelegationAuthorization, when present, marks this intent as
	// requiring an EIP-7702-style delegation-aware submission
	// transaction (section 4.1.3, section 9).
	DelegationAuthorization *DelegationAuthorization `json:"delegationAuthorization,omitempty"`
}

// DelegationAuthorization is an EOA's permission for its address to
// temporarily execute contract code during a single transaction.
type DelegationAuthorization struct {
	ChainID common.Hash    `json:"chainId"`
	Address common.Address `json:"address"`
	Nonce   *big.Int       `json:"nonce"`
	YParity uint8          `json:"yParity"`
	R       *big.Int       `json:"r"`
	S       *big.Int       `json:"s"`
}

// HasFactory reports whether this intent carries init code.
func (i *Intent) HasFactory() bool {
	return i.Factory != nil && len(i.FactoryData) > 0
}

// HasPaymaster reports whether this intent carries a paymaster block.
func (i *Intent) HasPaymaster() bool {
	return i.Paymaster != nil && *i.Paymaster != (common.Address{})
}

// Validate enforces the struct-level "required" tags plus the
// factory/paymaster pairing invariant from section 4.1.2, failing fast
// before any packing is attempted (mirrors the teacher's
// ValidatePaymentPayload / ValidatePaymentRequirements in utils.go).
func (i *Intent) Validate() error {
	if err := validate.Struct(i); err != nil {
		return err
	}
	if (i.Factory != nil) != (len(i.FactoryData) > 0) {
		return errPairing("factory", "factoryData")
	}
	if i.HasPaymaster() {
		if i.PaymasterVerificationGasLimit == nil || i.PaymasterPostOpGasLimit == nil {
			return errPairing("paymaster", "paymaster gas limits")
		}
	} else if len(i.PaymasterData) > 0 {
		return errPairing("paymaster", "paymasterData")
	}
	return nil
}

func errPairing(a, b string) error {
	return &pairingError{a: a, b: b}
}

type pairingError struct{ a, b string }

func (e *pairingError) Error() string {
	return e.a + " and " + e.b + " must be present together"
}

// PackedIntent is the on-chain tuple form (section 4.1.2): gas fields
// bit-packed into bytes32, factory/paymaster blobs concatenated.
type PackedIntent struct {
	Sender             common.Address `json:"sender"`
	Nonce              *big.Int       `json:"nonce"`
	InitCode           []byte         `json:"initCode"`
	CallData           []byte         `json:"callData"`
	AccountGasLimits   [32]byte       `json:"accountGasLimits"`
	PreVerificationGas *big.Int       `json:"preVerificationGas"`
	GasFees            [32]byte       `json:"gasFees"`
	PaymasterAndData   []byte         `json:"paymasterAndData"`
	Signature          []byte         `json:"signature"`
}

// EstimateResult is the response shape for estimateIntentGas (section 4.1).
type EstimateResult struct {
	CallGasLimit       *big.Int `json:"callGasLimit"`
	VerifyGasLimit     *big.Int `json:"verifyGasLimit"`
	PreVerifyGas       *big.Int `json:"preVerifyGas"`
	ValidAfter         *uint64  `json:"validAfter,omitempty"`
	ValidUntil         *uint64  `json:"validUntil,omitempty"`
}

// ValidationData is the parsed result of unpacking a
// simulateValidation's packed validationData word (section 4.1.1).
type ValidationData struct {
	Aggregator common.Address
	ValidAfter uint64
	ValidUntil uint64
}
