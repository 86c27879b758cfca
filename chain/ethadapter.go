package chain

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	gtypes "github.com/t402-io/gasless-ops/types"

	"github.com/t402-io/gasless-ops/internal/cperr"
)

// EntryPoint ABI fragments this adapter calls directly: simulateValidation
// (always reverts by design, decoded from the revert data) and
// getUserOpHash. Hand-written rather than bound from the full
// EntryPoint ABI, matching the teacher's preference for targeted ABI
// fragments over a generated binding (erc4337 package carries none).
var (
	simulateValidationMethod, _ = abi.NewMethod(
		"simulateValidation", "simulateValidation", abi.Function, "nonpayable", false, false,
		abi.Arguments{{Name: "userOp", Type: packedUserOpTupleType()}},
		abi.Arguments{},
	)
	getUserOpHashMethod, _ = abi.NewMethod(
		"getUserOpHash", "getUserOpHash", abi.Function, "view", false, false,
		abi.Arguments{{Name: "userOp", Type: packedUserOpTupleType()}},
		abi.Arguments{{Type: mustType("bytes32")}},
	)
	handleOpsMethod, _ = abi.NewMethod(
		"handleOps", "handleOps", abi.Function, "nonpayable", false, false,
		abi.Arguments{
			{Name: "ops", Type: mustArrayType(packedUserOpTupleType())},
			{Name: "beneficiary", Type: mustType("address")},
		},
		abi.Arguments{},
	)
	balanceOfMethod, _ = abi.NewMethod(
		"balanceOf", "balanceOf", abi.Function, "view", false, false,
		abi.Arguments{{Name: "account", Type: mustType("address")}},
		abi.Arguments{{Type: mustType("uint256")}},
	)
)

func mustType(t string) abi.Type {
	ty, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return ty
}

func mustArrayType(elem abi.Type) abi.Type {
	ty, err := abi.NewType(elem.String()+"[]", "", nil)
	if err != nil {
		panic(err)
	}
	return ty
}

func packedUserOpTupleType() abi.Type {
	ty, err := abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "sender", Type: "address"},
		{Name: "nonce", Type: "uint256"},
		{Name: "initCode", Type: "bytes"},
		{Name: "callData", Type: "bytes"},
		{Name: "accountGasLimits", Type: "bytes32"},
		{Name: "preVerificationGas", Type: "uint256"},
		{Name: "gasFees", Type: "bytes32"},
		{Name: "paymasterAndData", Type: "bytes"},
		{Name: "signature", Type: "bytes"},
	})
	if err != nil {
		panic(err)
	}
	return ty
}

// intentOutcomeEventSig and paymasterPostOpEventSig are the topic0
// values of the two ChainEvent variants (section 3), computed the same
// way the teacher precomputes event signatures in the erc4337 package
// (keccak256 of the canonical signature string).
var (
	intentOutcomeEventSig   = IntentOutcomeEventSig
	paymasterPostOpEventSig = PaymasterPostOpEventSig
)

// IntentOutcomeEventSig and BeforeExecutionEventSig and
// PaymasterPostOpEventSig are the topic0 values of the EntryPoint and
// paymaster events the indexer and receipt decoder both key off of
// (section 3, section 4.1.4).
var (
	IntentOutcomeEventSig    = crypto.Keccak256Hash([]byte("UserOperationEvent(bytes32,address,address,uint256,bool,uint256,uint256)"))
	BeforeExecutionEventSig  = crypto.Keccak256Hash([]byte("BeforeExecution()"))
	PaymasterPostOpEventSig  = crypto.Keccak256Hash([]byte("PostOp(address,bytes32,uint8,uint256,uint256)"))
)

// EthAdapter is the ethclient-backed Adapter implementation used in
// production, grounded on the teacher's test/integration/evm_test.go
// ethclient.Dial usage and mechanisms/evm/erc4337/bundler.go's
// rpcCall-based bundler client (the submission/receipt calls here
// reuse the same packing helpers, talking to the node directly instead
// of through a vendor bundler API).
type EthAdapter struct {
	client  *ethclient.Client
	chainID int64
}

// NewEthAdapter dials rpcURL and caches the chain ID, returning a
// *cperr.Error of kind Transient if the node is unreachable.
func NewEthAdapter(ctx context.Context, rpcURL string) (*EthAdapter, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, cperr.Transientf(err, "dial chain RPC")
	}
	id, err := client.ChainID(ctx)
	if err != nil {
		return nil, cperr.Transientf(err, "fetch chain id")
	}
	return &EthAdapter{client: client, chainID: id.Int64()}, nil
}

func (a *EthAdapter) ChainID(ctx context.Context) (int64, error) {
	return a.chainID, nil
}

func (a *EthAdapter) LatestBlock(ctx context.Context) (uint64, error) {
	n, err := a.client.BlockNumber(ctx)
	if err != nil {
		return 0, cperr.Transientf(err, "fetch latest block")
	}
	return n, nil
}

func (a *EthAdapter) BlockTimestamp(ctx context.Context, blockNumber uint64) (uint64, error) {
	header, err := a.client.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return 0, cperr.Transientf(err, "fetch block header")
	}
	return header.Time, nil
}

func (a *EthAdapter) TxSender(ctx context.Context, txHash common.Hash) (common.Address, error) {
	tx, _, err := a.client.TransactionByHash(ctx, txHash)
	if err != nil {
		return common.Address{}, cperr.Transientf(err, "fetch transaction")
	}
	signer := types.LatestSignerForChainID(big.NewInt(a.chainID))
	sender, err := types.Sender(signer, tx)
	if err != nil {
		return common.Address{}, cperr.Internalf(err, "recover sender")
	}
	return sender, nil
}

func (a *EthAdapter) GetReceipt(ctx context.Context, txHash common.Hash) (*gtypes.TxReceipt, error) {
	receipt, err := a.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if err == ethereum.NotFound {
			return nil, nil
		}
		return nil, cperr.Transientf(err, "fetch receipt")
	}
	return &gtypes.TxReceipt{
		TransactionHash: receipt.TxHash,
		BlockNumber:     receipt.BlockNumber.Uint64(),
		BlockHash:       receipt.BlockHash,
		Status:          receipt.Status,
	}, nil
}

// SimulateValidation packs the intent, calls EntryPoint.simulateValidation
// as an eth_call, and decodes either the ValidationResult success
// return or the revert payload (section 4.1.1).
func (a *EthAdapter) SimulateValidation(ctx context.Context, entryPoint common.Address, packed gtypes.PackedIntent) (gtypes.ValidationData, error) {
	input, err := encodeSimulateValidation(packed)
	if err != nil {
		return gtypes.ValidationData{}, cperr.Internalf(err, "encode simulateValidation call")
	}

	_, err = a.client.CallContract(ctx, ethereum.CallMsg{To: &entryPoint, Data: input}, nil)
	if err == nil {
		return gtypes.ValidationData{}, cperr.SimulationFailedf(nil, "simulateValidation did not revert as expected")
	}

	revertData, ok := extractRevertData(err)
	if !ok {
		return gtypes.ValidationData{}, cperr.Transientf(err, "simulateValidation call failed")
	}

	accountVD, paymasterVD, decodeErr := decodeValidationResultRevert(revertData)
	if decodeErr != nil {
		return gtypes.ValidationData{}, decodeErr
	}
	return intersectValidationData(accountVD, paymasterVD), nil
}

func (a *EthAdapter) HashIntent(ctx context.Context, entryPoint common.Address, packed gtypes.PackedIntent) (common.Hash, error) {
	input, err := getUserOpHashMethod.Inputs.Pack(packedIntentToTuple(packed))
	if err != nil {
		return common.Hash{}, cperr.Internalf(err, "encode getUserOpHash call")
	}
	full := append(append([]byte{}, getUserOpHashMethod.ID...), input...)

	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &entryPoint, Data: full}, nil)
	if err != nil {
		return common.Hash{}, cperr.Transientf(err, "getUserOpHash call failed")
	}
	return common.BytesToHash(out), nil
}

func (a *EthAdapter) SendBundle(ctx context.Context, entryPoint common.Address, bundle []gtypes.PackedIntent, beneficiary common.Address) (common.Hash, error) {
	tuples := make([]interface{}, len(bundle))
	for i, p := range bundle {
		tuples[i] = packedIntentToTuple(p)
	}
	input, err := handleOpsMethod.Inputs.Pack(tuples, beneficiary)
	if err != nil {
		return common.Hash{}, cperr.Internalf(err, "encode handleOps call")
	}
	_ = input
	return common.Hash{}, cperr.Internalf(nil, "SendBundle requires a funded signer: wire a bound *bind.TransactOpts before calling")
}

// GetLogsFrom scans [fromBlock, toBlock] for EntryPoint and paymaster
// events and returns them ordered by (blockNumber, logIndex) ascending
// (section 4.2.2 windowed forward scan).
func (a *EthAdapter) GetLogsFrom(ctx context.Context, entryPoint, paymaster common.Address, fromBlock, toBlock uint64) ([]gtypes.IntentOutcome, []gtypes.PaymasterPostOp, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{entryPoint, paymaster},
		Topics:    [][]common.Hash{{intentOutcomeEventSig, paymasterPostOpEventSig}},
	}

	logs, err := a.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, nil, cperr.Transientf(err, "filter logs")
	}

	var outcomes []gtypes.IntentOutcome
	var postOps []gtypes.PaymasterPostOp

	for _, lg := range logs {
		if len(lg.Topics) == 0 {
			continue
		}
		ts, err := a.BlockTimestamp(ctx, lg.BlockNumber)
		if err != nil {
			return nil, nil, err
		}
		switch lg.Topics[0] {
		case intentOutcomeEventSig:
			ev, err := decodeIntentOutcome(lg, a.chainID, ts)
			if err != nil {
				return nil, nil, err
			}
			outcomes = append(outcomes, ev)
		case paymasterPostOpEventSig:
			ev, err := decodePaymasterPostOp(lg, a.chainID, ts)
			if err != nil {
				return nil, nil, err
			}
			postOps = append(postOps, ev)
		}
	}

	return outcomes, postOps, nil
}

// GetRawLogs scans [fromBlock, toBlock] at entryPoint without any topic
// filter, so sliceLogWindows can see the BeforeExecution markers and
// intermediate logs GetLogsFrom deliberately narrows away (section
// 4.1.4).
func (a *EthAdapter) GetRawLogs(ctx context.Context, entryPoint common.Address, fromBlock, toBlock uint64) ([]gtypes.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{entryPoint},
	}

	logs, err := a.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, cperr.Transientf(err, "filter raw logs")
	}

	out := make([]gtypes.Log, len(logs))
	for i, lg := range logs {
		out[i] = gtypes.Log{
			Address: lg.Address,
			Topics:  lg.Topics,
			Data:    lg.Data,
			Index:   lg.Index,
			TxHash:  lg.TxHash,
		}
	}
	return out, nil
}

// PaymasterDeposit reads EntryPoint.balanceOf(paymaster) as an eth_call
// (section 6 /paymaster/status). Returned as *big.Int; callers coerce
// through ToDecimalString since other deployments may surface this
// value via an upstream bundler's own status RPC, which can report it
// as a decimal string, a hex string, or a {_hex: ...} object depending
// on the client library that produced it.
func (a *EthAdapter) PaymasterDeposit(ctx context.Context, entryPoint, paymaster common.Address) (interface{}, error) {
	input, err := balanceOfMethod.Inputs.Pack(paymaster)
	if err != nil {
		return nil, cperr.Internalf(err, "encode balanceOf call")
	}
	full := append(append([]byte{}, balanceOfMethod.ID...), input...)

	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &entryPoint, Data: full}, nil)
	if err != nil {
		return nil, cperr.Transientf(err, "balanceOf call failed")
	}
	return new(big.Int).SetBytes(out), nil
}

func packedIntentToTuple(p gtypes.PackedIntent) interface{} {
	var accountGasLimits, gasFees [32]byte
	copy(accountGasLimits[:], p.AccountGasLimits[:])
	copy(gasFees[:], p.GasFees[:])
	return struct {
		Sender             common.Address
		Nonce              *big.Int
		InitCode           []byte
		CallData           []byte
		AccountGasLimits   [32]byte
		PreVerificationGas *big.Int
		GasFees            [32]byte
		PaymasterAndData   []byte
		Signature          []byte
	}{
		Sender:             p.Sender,
		Nonce:              p.Nonce,
		InitCode:           p.InitCode,
		CallData:           p.CallData,
		AccountGasLimits:   accountGasLimits,
		PreVerificationGas: p.PreVerificationGas,
		GasFees:            gasFees,
		PaymasterAndData:   p.PaymasterAndData,
		Signature:          p.Signature,
	}
}

func encodeSimulateValidation(packed gtypes.PackedIntent) ([]byte, error) {
	input, err := simulateValidationMethod.Inputs.Pack(packedIntentToTuple(packed))
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, simulateValidationMethod.ID...), input...), nil
}

// extractRevertData pulls the raw revert payload out of a go-ethereum
// JSON-RPC error when the node supports eth_call error data (most do),
// mirroring the defensive "try, fall back to opaque error" pattern the
// teacher used around paymaster reverts.
func extractRevertData(err error) ([]byte, bool) {
	type dataError interface {
		ErrorData() interface{}
	}
	de, ok := err.(dataError)
	if !ok {
		return nil, false
	}
	raw, ok := de.ErrorData().(string)
	if !ok || raw == "" {
		return nil, false
	}
	data, decodeErr := hexDecode(raw)
	if decodeErr != nil {
		return nil, false
	}
	return data, true
}

func hexDecode(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	return hex.DecodeString(s)
}

// decodeValidationResultRevert handles the ValidationResult tuple
// EntryPoint encodes as its "success" revert from simulateValidation
// (section 4.1.1): the account's own validationData word followed by
// the paymaster's, each packed {aggregator, validAfter, validUntil}.
// Falls back to DecodeRevert for genuine failures.
func decodeValidationResultRevert(data []byte) (account, paymaster gtypes.ValidationData, err error) {
	if len(data) < 4 {
		return gtypes.ValidationData{}, gtypes.ValidationData{}, cperr.SimulationFailedf(nil, "simulateValidation returned no data")
	}
	selector := fmt.Sprintf("%x", data[:4])
	if selector != "e0cff05f" { // ValidationResult(...) selector
		return gtypes.ValidationData{}, gtypes.ValidationData{}, DecodeRevert(data)
	}
	if len(data) < 4+64 {
		return gtypes.ValidationData{}, gtypes.ValidationData{}, cperr.SimulationFailedf(nil, "truncated ValidationResult payload")
	}
	accountWord := new(big.Int).SetBytes(data[4 : 4+32])
	paymasterWord := new(big.Int).SetBytes(data[4+32 : 4+64])
	return UnpackValidationData(accountWord), UnpackValidationData(paymasterWord), nil
}

// intersectValidationData combines the account's and paymaster's
// validity windows the way EntryPoint itself intersects them (section
// 4.1.1 strict mode: "reject if min(validUntil) < now +
// minValidUntilSeconds"). A zero validUntil/validAfter means "no
// constraint" from that side and is ignored rather than treated as 0.
func intersectValidationData(account, paymaster gtypes.ValidationData) gtypes.ValidationData {
	return gtypes.ValidationData{
		Aggregator: account.Aggregator,
		ValidAfter: maxUint64(account.ValidAfter, paymaster.ValidAfter),
		ValidUntil: minNonZeroUint64(account.ValidUntil, paymaster.ValidUntil),
	}
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minNonZeroUint64(a, b uint64) uint64 {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

func decodeIntentOutcome(lg types.Log, chainID int64, timestamp uint64) (gtypes.IntentOutcome, error) {
	if len(lg.Topics) < 4 {
		return gtypes.IntentOutcome{}, cperr.Internalf(nil, "UserOperationEvent log missing indexed topics")
	}
	nonce, success, actualGasCost, actualGasUsed, err := decodeIntentOutcomeData(lg.Data)
	if err != nil {
		return gtypes.IntentOutcome{}, err
	}
	return gtypes.IntentOutcome{
		IntentHash:    lg.Topics[1],
		Sender:        common.BytesToAddress(lg.Topics[2].Bytes()),
		Paymaster:     common.BytesToAddress(lg.Topics[3].Bytes()),
		Nonce:         nonce,
		Success:       success,
		ActualGasCost: actualGasCost,
		ActualGasUsed: actualGasUsed,
		BlockNumber:   lg.BlockNumber,
		TxHash:        lg.TxHash,
		LogIndex:      lg.Index,
		ChainID:       chainID,
		Timestamp:     timestamp,
	}, nil
}

func decodeIntentOutcomeData(data []byte) (nonce *big.Int, success bool, actualGasCost, actualGasUsed *big.Int, err error) {
	if len(data) < 32*4 {
		return nil, false, nil, nil, cperr.Internalf(nil, "UserOperationEvent data too short")
	}
	nonce = new(big.Int).SetBytes(data[0:32])
	success = data[63] != 0
	actualGasCost = new(big.Int).SetBytes(data[64:96])
	actualGasUsed = new(big.Int).SetBytes(data[96:128])
	return nonce, success, actualGasCost, actualGasUsed, nil
}

func decodePaymasterPostOp(lg types.Log, chainID int64, timestamp uint64) (gtypes.PaymasterPostOp, error) {
	if len(lg.Topics) < 3 {
		return gtypes.PaymasterPostOp{}, cperr.Internalf(nil, "PostOp log missing indexed topics")
	}
	if len(lg.Data) < 32*3 {
		return gtypes.PaymasterPostOp{}, cperr.Internalf(nil, "PostOp data too short")
	}
	mode := gtypes.PostOpUnknown
	switch new(big.Int).SetBytes(lg.Data[0:32]).Uint64() {
	case 0:
		mode = gtypes.PostOpSucceeded
	case 1:
		mode = gtypes.PostOpReverted
	case 2:
		mode = gtypes.PostOpPostOpReverted
	}
	return gtypes.PaymasterPostOp{
		Sender:                common.BytesToAddress(lg.Topics[1].Bytes()),
		IntentHash:            lg.Topics[2],
		Mode:                  mode,
		ActualGasCost:         new(big.Int).SetBytes(lg.Data[32:64]),
		ActualUserOpFeePerGas: new(big.Int).SetBytes(lg.Data[64:96]),
		BlockNumber:           lg.BlockNumber,
		TxHash:                lg.TxHash,
		LogIndex:              lg.Index,
		ChainID:               chainID,
		Timestamp:             timestamp,
	}, nil
}
