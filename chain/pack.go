// Package chain is the narrow adapter boundary between the control
// plane and the on-chain EntryPoint/paymaster contracts: bit-packing,
// ABI decoding, and a small interface (Adapter) so alternate chain
// backends can be substituted in tests (design notes section 9).
//
// The packing helpers here are adapted from the teacher's
// mechanisms/evm/erc4337/constants.go, generalized from UserOperation
// to this repo's types.Intent/types.PackedIntent.
package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/t402-io/gasless-ops/types"
)

// Canonical v0.7 EntryPoint address, same deployment the teacher
// defaults to in mechanisms/evm/erc4337/types.go.
const EntryPointV07Address = "0x0000000071727De22E5E9d8BAf0edAc6f37da032"

// PackAccountGasLimits packs verification and call gas limits into one
// bytes32: high128(verify) || low128(call) (section 4.1.2).
func PackAccountGasLimits(verificationGasLimit, callGasLimit *big.Int) [32]byte {
	var result [32]byte
	vb := verificationGasLimit.Bytes()
	copy(result[16-len(vb):16], vb)
	cb := callGasLimit.Bytes()
	copy(result[32-len(cb):32], cb)
	return result
}

// UnpackAccountGasLimits is the inverse of PackAccountGasLimits.
func UnpackAccountGasLimits(packed [32]byte) (verificationGasLimit, callGasLimit *big.Int) {
	verificationGasLimit = new(big.Int).SetBytes(packed[:16])
	callGasLimit = new(big.Int).SetBytes(packed[16:])
	return
}

// PackGasFees packs max priority fee and max fee per gas into one
// bytes32: high128(maxPriority) || low128(maxFee) (section 4.1.2).
func PackGasFees(maxPriorityFeePerGas, maxFeePerGas *big.Int) [32]byte {
	var result [32]byte
	pb := maxPriorityFeePerGas.Bytes()
	copy(result[16-len(pb):16], pb)
	mb := maxFeePerGas.Bytes()
	copy(result[32-len(mb):32], mb)
	return result
}

// UnpackGasFees is the inverse of PackGasFees.
func UnpackGasFees(packed [32]byte) (maxPriorityFeePerGas, maxFeePerGas *big.Int) {
	maxPriorityFeePerGas = new(big.Int).SetBytes(packed[:16])
	maxFeePerGas = new(big.Int).SetBytes(packed[16:])
	return
}

// pad16 left-pads a gas limit to 16 bytes for paymasterAndData packing.
func pad16(n *big.Int) []byte {
	b := n.Bytes()
	out := make([]byte, 16)
	copy(out[16-len(b):], b)
	return out
}

// PackInitCode concatenates factory || factoryData, or returns empty
// when the intent carries no factory (section 4.1.2).
func PackInitCode(i *types.Intent) []byte {
	if !i.HasFactory() {
		return nil
	}
	out := make([]byte, 0, common.AddressLength+len(i.FactoryData))
	out = append(out, i.Factory.Bytes()...)
	out = append(out, i.FactoryData...)
	return out
}

// PackPaymasterAndData concatenates paymaster || pad16(verifGas) ||
// pad16(postOpGas) || data, or returns empty when the paymaster is the
// zero address (section 4.1.2).
func PackPaymasterAndData(i *types.Intent) []byte {
	if !i.HasPaymaster() {
		return nil
	}
	out := make([]byte, 0, common.AddressLength+32+len(i.PaymasterData))
	out = append(out, i.Paymaster.Bytes()...)
	out = append(out, pad16(i.PaymasterVerificationGasLimit)...)
	out = append(out, pad16(i.PaymasterPostOpGasLimit)...)
	out = append(out, i.PaymasterData...)
	return out
}

// Pack builds the on-chain tuple form of an intent (section 4.1.2).
// Callers must have already run Intent.Validate() to enforce the
// factory/paymaster pairing invariant.
func Pack(i *types.Intent) types.PackedIntent {
	return types.PackedIntent{
		Sender:             i.Sender,
		Nonce:              i.Nonce,
		InitCode:           PackInitCode(i),
		CallData:           i.CallData,
		AccountGasLimits:   PackAccountGasLimits(i.VerificationGasLimit, i.CallGasLimit),
		PreVerificationGas: i.PreVerificationGas,
		GasFees:            PackGasFees(i.MaxPriorityFeePerGas, i.MaxFeePerGas),
		PaymasterAndData:   PackPaymasterAndData(i),
		Signature:          i.Signature,
	}
}

// UnpackValidationData splits a simulateValidation packed validationData
// word into {aggregator, validAfter, validUntil} (section 4.1.1):
// bits 0-159 aggregator, 160-207 validUntil, 208-255 validAfter.
func UnpackValidationData(validationData *big.Int) types.ValidationData {
	mask160 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 160), big.NewInt(1))
	aggregatorInt := new(big.Int).And(validationData, mask160)

	mask48 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 48), big.NewInt(1))
	validUntil := new(big.Int).And(new(big.Int).Rsh(validationData, 160), mask48)
	validAfter := new(big.Int).And(new(big.Int).Rsh(validationData, 208), mask48)

	return types.ValidationData{
		Aggregator: common.BigToAddress(aggregatorInt),
		ValidUntil: validUntil.Uint64(),
		ValidAfter: validAfter.Uint64(),
	}
}
