package bundler

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/t402-io/gasless-ops/internal/cperr"
	"github.com/t402-io/gasless-ops/jsonrpc"
	"github.com/t402-io/gasless-ops/types"
)

// clientVersion is the opaque string returned by the clientVersion
// RPC method (section 4.1) and polled by the operations hub's health
// probe (section 4.2.1).
const clientVersion = "gasless-ops-bundler/1"

// intentParams is the wire shape for sendIntent/estimateIntentGas:
// [intent, entryPoint] positional params, matching the teacher's
// packUserOp RPC call shape generalized to the unpacked intent
// (section 4.1.2 "unpacked intent schema on the wire").
type intentParams struct {
	Intent     types.Intent   `json:"intent"`
	EntryPoint common.Address `json:"entryPoint"`
}

func decodeIntentParams(raw json.RawMessage) (intentParams, error) {
	var tuple [2]json.RawMessage
	if err := json.Unmarshal(raw, &tuple); err != nil {
		return intentParams{}, cperr.Validationf("malformed params: %v", err)
	}
	var p intentParams
	if err := json.Unmarshal(tuple[0], &p.Intent); err != nil {
		return intentParams{}, cperr.Validationf("malformed intent: %v", err)
	}
	if err := json.Unmarshal(tuple[1], &p.EntryPoint); err != nil {
		return intentParams{}, cperr.Validationf("malformed entryPoint: %v", err)
	}
	return p, nil
}

func hashParam(raw json.RawMessage) (common.Hash, error) {
	var tuple [1]string
	if err := json.Unmarshal(raw, &tuple); err != nil {
		return common.Hash{}, cperr.Validationf("malformed params: %v", err)
	}
	return common.HexToHash(tuple[0]), nil
}

// RegisterRPC wires the bundler's JSON-RPC surface (section 6) onto an
// existing jsonrpc.Server, grounded on the method shapes of
// other_examples' stackup-bundler/pkg/client Client.
func (e *Engine) RegisterRPC(srv *jsonrpc.Server) {
	srv.Register("eth_supportedEntryPoints", func(c *gin.Context, _ json.RawMessage) (interface{}, error) {
		return []common.Address{e.cfg.EntryPoint}, nil
	})

	srv.Register("web3_clientVersion", func(c *gin.Context, _ json.RawMessage) (interface{}, error) {
		return clientVersion, nil
	})

	srv.Register("eth_sendUserOperation", func(c *gin.Context, raw json.RawMessage) (interface{}, error) {
		p, err := decodeIntentParams(raw)
		if err != nil {
			return nil, err
		}
		hash, err := e.SendIntent(c.Request.Context(), p.EntryPoint, &p.Intent)
		if err != nil {
			return nil, err
		}
		return hash, nil
	})

	srv.Register("eth_estimateUserOperationGas", func(c *gin.Context, raw json.RawMessage) (interface{}, error) {
		p, err := decodeIntentParams(raw)
		if err != nil {
			return nil, err
		}
		return e.EstimateIntentGas(c.Request.Context(), p.EntryPoint, &p.Intent)
	})

	srv.Register("eth_getUserOperationReceipt", func(c *gin.Context, raw json.RawMessage) (interface{}, error) {
		hash, err := hashParam(raw)
		if err != nil {
			return nil, err
		}
		return e.GetIntentReceipt(c.Request.Context(), hash)
	})

	srv.Register("eth_getUserOperationByHash", func(c *gin.Context, raw json.RawMessage) (interface{}, error) {
		hash, err := hashParam(raw)
		if err != nil {
			return nil, err
		}
		return e.GetIntentByHash(c.Request.Context(), hash)
	})

	srv.Register("eth_chainId", func(c *gin.Context, _ json.RawMessage) (interface{}, error) {
		return e.cfg.ChainID, nil
	})
}

// ClassifyError maps a cperr.Error kind to its JSON-RPC error code
// (section 7), falling back to -32603 for anything that isn't a
// *cperr.Error.
func ClassifyError(err error) int {
	if ce, ok := cperr.As(err); ok {
		return ce.Kind.JSONRPCCode()
	}
	return -32603
}
