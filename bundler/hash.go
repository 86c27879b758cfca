package bundler

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/t402-io/gasless-ops/chain"
	"github.com/t402-io/gasless-ops/types"
)

// packAndHash is the pure-function half of section 4.1.2: the
// intentHash is derived from the packed tuple of non-signature fields,
// so two intents with identical non-signature fields collide to the
// same hash (section 8 invariant).
func packAndHash(ctx context.Context, adapter chain.Adapter, entryPoint common.Address, intent *types.Intent) (types.PackedIntent, common.Hash, error) {
	packed := chain.Pack(intent)
	hash, err := adapter.HashIntent(ctx, entryPoint, packed)
	if err != nil {
		return packed, common.Hash{}, err
	}
	return packed, hash, nil
}
