package bundler

import (
	"context"
	"math/big"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/t402-io/gasless-ops/chain"
	"github.com/t402-io/gasless-ops/internal/cperr"
	"github.com/t402-io/gasless-ops/types"
)

var gweiToWei = big.NewInt(1_000_000_000)

func gweiFloorToWei(gwei float64) *big.Int {
	scaled := new(big.Float).Mul(big.NewFloat(gwei), new(big.Float).SetInt(gweiToWei))
	wei, _ := scaled.Int(nil)
	return wei
}

// checkFees enforces the numeric floors (section 4.1.1): reject if
// maxPriorityFeePerGas < minPriorityFloor or maxFeePerGas < minMaxFloor.
func checkFees(intent *types.Intent, policy types.Policy) error {
	minPriority := gweiFloorToWei(policy.MinPriorityFeeGwei)
	if intent.MaxPriorityFeePerGas.Cmp(minPriority) < 0 {
		return cperr.Validationf("maxPriorityFeePerGas below floor: priority fee %s wei under configured minimum", intent.MaxPriorityFeePerGas)
	}
	minMax := gweiFloorToWei(policy.MinMaxFeeGwei)
	if intent.MaxFeePerGas.Cmp(minMax) < 0 {
		return cperr.Validationf("maxFeePerGas below floor: max fee %s wei under configured minimum", intent.MaxFeePerGas)
	}
	return nil
}

// rollInjectedFailure samples a uniform [0,1) value and reports
// whether it falls below the configured failure rate (section 4.1.1
// injected failure knob).
func rollInjectedFailure(policy types.Policy) bool {
	if policy.FailureRate <= 0 {
		return false
	}
	return rand.Float64() < policy.FailureRate
}

// simulate calls the chain adapter's simulateValidation and rejects
// when the earliest validUntil across account/paymaster is sooner than
// now + minValidUntilSeconds (section 4.1.1 strict mode).
func simulate(ctx context.Context, adapter chain.Adapter, entryPoint common.Address, packed types.PackedIntent, policy types.Policy) (types.ValidationData, error) {
	vd, err := adapter.SimulateValidation(ctx, entryPoint, packed)
	if err != nil {
		return types.ValidationData{}, err
	}

	if vd.ValidUntil != 0 {
		deadline := uint64(time.Now().Unix()) + policy.MinValidUntilSeconds
		if vd.ValidUntil < deadline {
			return vd, cperr.Validationf("intent expires too soon: validUntil %d is before required %d", vd.ValidUntil, deadline)
		}
	}
	return vd, nil
}

// delayAcceptance sleeps the configured latency knob after acceptance,
// before attempting a bundle (section 4.1.1).
func delayAcceptance(ctx context.Context, policy types.Policy) {
	if policy.DelayMs <= 0 {
		return
	}
	select {
	case <-time.After(time.Duration(policy.DelayMs) * time.Millisecond):
	case <-ctx.Done():
	}
}
