// Package config decodes and validates the on-disk JSON configuration
// for both deployable binaries (cmd/bundlerd, cmd/opshubd), grounded
// on the teacher's extensions/bazaar discovery-extension "validate
// info against a schema" pattern: a JSON Schema catches malformed
// documents before go-playground/validator checks field-level
// constraints.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"

	"github.com/t402-io/gasless-ops/types"
)

var validate = validator.New()

// bundlerConfigSchema mirrors the field set of BundlerFile below. Kept
// deliberately loose (types only, no range constraints — those live in
// the validator struct tags) since its only job is to reject
// structurally malformed documents before JSON decoding error messages
// get confusing.
const bundlerConfigSchema = `{
  "type": "object",
  "required": ["serviceName", "entryPoint", "chainId", "rpcUrl"],
  "properties": {
    "serviceName": {"type": "string"},
    "port": {"type": "integer"},
    "entryPoint": {"type": "string"},
    "paymaster": {"type": "string"},
    "chainId": {"type": "integer"},
    "rpcUrl": {"type": "string"},
    "beneficiary": {"type": "string"},
    "ownWallet": {"type": "string"},
    "bundleIntervalMs": {"type": "integer"},
    "mempoolSizeTrigger": {"type": "integer"},
    "bundleGasLimit": {"type": "integer"},
    "receiptPollIntervalMs": {"type": "integer"},
    "receiptPollTimeoutMs": {"type": "integer"},
    "policy": {"type": "object"}
  }
}`

// BundlerFile is the on-disk shape the supervisor writes under
// bundlers/<id>/bundler.config.json (spec section 6 on-disk layout)
// and cmd/bundlerd reads at startup.
type BundlerFile struct {
	ServiceName string `json:"serviceName" validate:"required"`
	EntryPoint  string `json:"entryPoint" validate:"required"`
	Paymaster   string `json:"paymaster"`
	ChainID     int64  `json:"chainId" validate:"required"`
	RPCURL      string `json:"rpcUrl" validate:"required,url"`

	Beneficiary string `json:"beneficiary"`
	OwnWallet   string `json:"ownWallet"`

	BundleIntervalMs       int `json:"bundleIntervalMs" validate:"gte=0"`
	MempoolSizeTrigger     int `json:"mempoolSizeTrigger" validate:"gte=0"`
	BundleGasLimit         int `json:"bundleGasLimit" validate:"gte=0"`
	ReceiptPollIntervalMs  int `json:"receiptPollIntervalMs" validate:"gte=0"`
	ReceiptPollTimeoutMs   int `json:"receiptPollTimeoutMs" validate:"gte=0"`

	Policy types.Policy `json:"policy"`

	Port int `json:"port"`
}

// LoadBundlerFile reads, schema-validates, decodes, and field-validates
// a bundler config file, applying BUNDLER_* environment overrides
// (section 2 "ambient stack" configuration conventions).
func LoadBundlerFile(path string) (BundlerFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return BundlerFile{}, fmt.Errorf("read bundler config %s: %w", path, err)
	}

	schemaLoader := gojsonschema.NewStringLoader(bundlerConfigSchema)
	docLoader := gojsonschema.NewBytesLoader(raw)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return BundlerFile{}, fmt.Errorf("validate bundler config schema: %w", err)
	}
	if !result.Valid() {
		return BundlerFile{}, fmt.Errorf("bundler config %s failed schema validation: %v", path, result.Errors())
	}

	var cfg BundlerFile
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return BundlerFile{}, fmt.Errorf("decode bundler config %s: %w", path, err)
	}

	applyBundlerEnvOverrides(&cfg)

	if err := validate.Struct(cfg); err != nil {
		return BundlerFile{}, fmt.Errorf("invalid bundler config %s: %w", path, err)
	}
	return cfg, nil
}

func applyBundlerEnvOverrides(cfg *BundlerFile) {
	if v := os.Getenv("BUNDLER_RPC_URL"); v != "" {
		cfg.RPCURL = v
	}
	if v := os.Getenv("BUNDLER_CHAIN_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ChainID = n
		}
	}
	if v := os.Getenv("BUNDLER_OWN_WALLET"); v != "" {
		cfg.OwnWallet = v
	}
	if v := os.Getenv("BUNDLER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
}

// EntryPointAddress and PaymasterAddress parse the string address
// fields.
func (c BundlerFile) EntryPointAddress() common.Address {
	return common.HexToAddress(c.EntryPoint)
}

func (c BundlerFile) PaymasterAddress() common.Address {
	return common.HexToAddress(c.Paymaster)
}

func (c BundlerFile) BeneficiaryAddress() common.Address {
	return common.HexToAddress(c.Beneficiary)
}

func (c BundlerFile) OwnWalletAddress() common.Address {
	return common.HexToAddress(c.OwnWallet)
}
