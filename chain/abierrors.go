package chain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/t402-io/gasless-ops/internal/cperr"
)

// EntryPoint custom errors this adapter knows how to decode. Selectors
// are the first 4 bytes of keccak256(signature), same defensive
// revert-decoding approach the teacher used for Safe/paymaster reverts
// before falling back to a raw hex dump.
var (
	failedOpABI, _           = abi.NewType("tuple", "", []abi.ArgumentMarshaling{{Name: "opIndex", Type: "uint256"}, {Name: "reason", Type: "string"}})
	failedOpWithRevertABI, _ = abi.NewType("tuple", "", []abi.ArgumentMarshaling{{Name: "opIndex", Type: "uint256"}, {Name: "reason", Type: "string"}, {Name: "inner", Type: "bytes"}})

	failedOpArgs           = abi.Arguments{{Type: failedOpABI}}
	failedOpWithRevertArgs = abi.Arguments{{Type: failedOpWithRevertABI}}
)

const (
	selectorFailedOp           = "220266b6" // FailedOp(uint256,string)
	selectorFailedOpWithRevert = "65c8fd4d" // FailedOpWithRevert(uint256,string,bytes)
	selectorError              = "08c379a0" // Error(string)
	selectorPanic               = "4e487b71" // Panic(uint256)
)

// DecodeRevert turns raw eth_call / simulateValidation revert data
// into a *cperr.Error carrying a human-readable reason, falling back
// to a hex dump when the selector is unrecognized (section 4.1.1,
// section 8 ChainRevert surfacing).
func DecodeRevert(data []byte) error {
	if len(data) < 4 {
		return cperr.ChainRevertf("revert with no data")
	}

	selector := hexutil.Encode(data[:4])[2:]
	payload := data[4:]

	switch selector {
	case selectorFailedOp:
		vals, err := failedOpArgs.Unpack(payload)
		if err != nil || len(vals) == 0 {
			break
		}
		tuple := vals[0].(struct {
			OpIndex *big.Int `json:"opIndex"`
			Reason  string   `json:"reason"`
		})
		return cperr.ChainRevertf("FailedOp(opIndex=%s, reason=%q)", tuple.OpIndex, tuple.Reason)

	case selectorFailedOpWithRevert:
		vals, err := failedOpWithRevertArgs.Unpack(payload)
		if err != nil || len(vals) == 0 {
			break
		}
		tuple := vals[0].(struct {
			OpIndex *big.Int `json:"opIndex"`
			Reason  string   `json:"reason"`
			Inner   []byte   `json:"inner"`
		})
		inner := describeInner(tuple.Inner)
		return cperr.ChainRevertf("FailedOpWithRevert(opIndex=%s, reason=%q, inner=%s)", tuple.OpIndex, tuple.Reason, inner)

	case selectorError:
		reason, err := abi.UnpackRevert(data)
		if err == nil {
			return cperr.ChainRevertf("revert: %s", reason)
		}

	case selectorPanic:
		if len(payload) >= 32 {
			code := new(big.Int).SetBytes(payload[:32])
			return cperr.ChainRevertf("panic(0x%x)", code)
		}
	}

	return cperr.ChainRevertf("unrecognized revert, selector=0x%s data=0x%x", selector, payload)
}

// describeInner best-effort re-decodes a nested revert (the paymaster
// or account's own revert data wrapped by FailedOpWithRevert) the same
// way, falling back to a hex dump rather than erroring out — this is a
// diagnostic string, not a value the caller branches on.
func describeInner(inner []byte) string {
	if len(inner) == 0 {
		return "<empty>"
	}
	if err := DecodeRevert(inner); err != nil {
		var ce *cperr.Error
		if errors.As(err, &ce) {
			return ce.Reason
		}
		return err.Error()
	}
	return strings.TrimSpace(fmt.Sprintf("0x%x", inner))
}

// DecodeValidationData is the chain-package-facing wrapper over
// UnpackValidationData that also rejects the sentinel "always invalid"
// value EntryPoint returns for a failed time-range check (section
// 4.1.1 admission step).
func DecodeValidationData(validationData *big.Int) (uint64, uint64, error) {
	vd := UnpackValidationData(validationData)
	if vd.ValidUntil != 0 && vd.ValidUntil < vd.ValidAfter {
		return 0, 0, cperr.SimulationFailedf(nil, "invalid time range: validUntil %d before validAfter %d", vd.ValidUntil, vd.ValidAfter)
	}
	return vd.ValidAfter, vd.ValidUntil, nil
}

// blockNumberBytes turns a topic word into a uint64 block-local index
// when a contract emits it packed rather than as a log field. The
// ethadapter log decoding path does not call it.
func blockNumberBytes(b []byte) uint64 {
	if len(b) < 8 {
		padded := make([]byte, 8)
		copy(padded[8-len(b):], b)
		b = padded
	}
	return binary.BigEndian.Uint64(b[len(b)-8:])
}
