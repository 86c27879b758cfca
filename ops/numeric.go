package ops

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/t402-io/gasless-ops/internal/cperr"
)

// bigIntConvertible is implemented by any value exposing a ToBigInt
// conversion, the "toBigInt()" shape from design notes section 9
// ("never call a method that exists on only one shape" — this is the
// one shape-test every numeric input funnels through).
type bigIntConvertible interface {
	ToBigInt() *big.Int
}

// hexObject is the {_hex: "0x.."} shape some RPC libraries return
// (design notes section 9, scenario S6).
type hexObject struct {
	Hex string `json:"_hex"`
}

// ToDecimalString coerces any of the four numeric shapes a paymaster
// status field may arrive as — native bigint-like integer, decimal
// string, hex-object, or a value exposing ToBigInt() — into a decimal
// string, never branching on a method only one shape has (design
// notes section 9 "numeric type zoo").
func ToDecimalString(v interface{}) (string, error) {
	switch n := v.(type) {
	case nil:
		return "0", nil
	case bigIntConvertible:
		return n.ToBigInt().String(), nil
	case *big.Int:
		return n.String(), nil
	case big.Int:
		return n.String(), nil
	case int64:
		return fmt.Sprintf("%d", n), nil
	case float64:
		// JSON numbers decode to float64; large on-chain values must
		// travel as strings or hex objects instead, but small test
		// fixtures and gas-limit-sized values are common enough to
		// support directly.
		return strings.TrimSuffix(fmt.Sprintf("%.0f", n), ".0"), nil
	case string:
		return decodeNumericString(n)
	case map[string]interface{}:
		if hex, ok := v.(map[string]interface{})["_hex"].(string); ok {
			return decodeNumericString(hex)
		}
		return "", cperr.Internalf(nil, "unrecognized numeric object shape: %v", n)
	case json.RawMessage:
		return decodeRawNumeric(n)
	default:
		return "", cperr.Internalf(nil, "unrecognized numeric shape %T", v)
	}
}

func decodeNumericString(s string) (string, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, ok := new(big.Int).SetString(s[2:], 16)
		if !ok {
			return "", cperr.Internalf(nil, "malformed hex numeric string %q", s)
		}
		return n.String(), nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return "", cperr.Internalf(nil, "malformed decimal numeric string %q", s)
	}
	return n.String(), nil
}

func decodeRawNumeric(raw json.RawMessage) (string, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return decodeNumericString(asString)
	}
	var asObj hexObject
	if err := json.Unmarshal(raw, &asObj); err == nil && asObj.Hex != "" {
		return decodeNumericString(asObj.Hex)
	}
	var asFloat float64
	if err := json.Unmarshal(raw, &asFloat); err == nil {
		return strings.TrimSuffix(fmt.Sprintf("%.0f", asFloat), ".0"), nil
	}
	return "", cperr.Internalf(nil, "unrecognized raw numeric payload: %s", raw)
}
