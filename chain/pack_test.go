package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/t402-io/gasless-ops/types"
)

func TestPackUnpackAccountGasLimitsRoundTrip(t *testing.T) {
	verify := big.NewInt(150000)
	call := big.NewInt(100000)

	packed := PackAccountGasLimits(verify, call)
	gotVerify, gotCall := UnpackAccountGasLimits(packed)

	if gotVerify.Cmp(verify) != 0 {
		t.Errorf("verificationGasLimit round trip: got %s want %s", gotVerify, verify)
	}
	if gotCall.Cmp(call) != 0 {
		t.Errorf("callGasLimit round trip: got %s want %s", gotCall, call)
	}
}

func TestPackUnpackGasFeesRoundTrip(t *testing.T) {
	priority := big.NewInt(2_000_000_000)
	max := big.NewInt(5_000_000_000)

	packed := PackGasFees(priority, max)
	gotPriority, gotMax := UnpackGasFees(packed)

	if gotPriority.Cmp(priority) != 0 {
		t.Errorf("maxPriorityFeePerGas round trip: got %s want %s", gotPriority, priority)
	}
	if gotMax.Cmp(max) != 0 {
		t.Errorf("maxFeePerGas round trip: got %s want %s", gotMax, max)
	}
}

func TestPackInitCodeEmptyWithoutFactory(t *testing.T) {
	i := &types.Intent{}
	if got := PackInitCode(i); got != nil {
		t.Errorf("expected nil initCode without a factory, got %x", got)
	}
}

func TestPackInitCodeConcatenatesFactoryAndData(t *testing.T) {
	factory := common.HexToAddress("0xF00D")
	i := &types.Intent{Factory: &factory, FactoryData: []byte{0xAB, 0xCD}}

	got := PackInitCode(i)
	want := append(append([]byte{}, factory.Bytes()...), 0xAB, 0xCD)
	if string(got) != string(want) {
		t.Errorf("initCode = %x, want %x", got, want)
	}
}

func TestPackPaymasterAndDataEmptyWithoutPaymaster(t *testing.T) {
	i := &types.Intent{}
	if got := PackPaymasterAndData(i); got != nil {
		t.Errorf("expected nil paymasterAndData without a paymaster, got %x", got)
	}
}

func TestUnpackValidationDataSplitsFields(t *testing.T) {
	aggregator := common.HexToAddress("0x1234")
	validUntil := uint64(1_700_000_000)
	validAfter := uint64(1_699_999_000)

	packed := new(big.Int).SetBytes(aggregator.Bytes())
	packed.Or(packed, new(big.Int).Lsh(big.NewInt(int64(validUntil)), 160))
	packed.Or(packed, new(big.Int).Lsh(big.NewInt(int64(validAfter)), 208))

	vd := UnpackValidationData(packed)
	if vd.Aggregator != aggregator {
		t.Errorf("aggregator = %s, want %s", vd.Aggregator, aggregator)
	}
	if vd.ValidUntil != validUntil {
		t.Errorf("validUntil = %d, want %d", vd.ValidUntil, validUntil)
	}
	if vd.ValidAfter != validAfter {
		t.Errorf("validAfter = %d, want %d", vd.ValidAfter, validAfter)
	}
}
