package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xeipuuv/gojsonschema"

	"github.com/t402-io/gasless-ops/chain"
)

const hubConfigSchema = `{
  "type": "object",
  "required": ["dataDir", "entryPoint", "chainRpcUrl"],
  "properties": {
    "dataDir": {"type": "string"},
    "entryPoint": {"type": "string"},
    "paymaster": {"type": "string"},
    "chainId": {"type": "integer"},
    "chainRpcUrl": {"type": "string"},
    "adminToken": {"type": "string"},
    "httpPort": {"type": "integer"},
    "portRangeLow": {"type": "integer"},
    "portRangeHigh": {"type": "integer"},
    "indexerLookbackBlocks": {"type": "integer"},
    "indexerMaxBlockRange": {"type": "integer"},
    "indexerTickSeconds": {"type": "integer"}
  }
}`

// HubFile is the on-disk shape for the operations hub's own config
// file (distinct from the per-bundler files it writes under
// bundlers/<id>/), read by cmd/opshubd at startup.
type HubFile struct {
	DataDir     string `json:"dataDir" validate:"required"`
	EntryPoint  string `json:"entryPoint" validate:"required"`
	Paymaster   string `json:"paymaster"`
	ChainID     int64  `json:"chainId"`
	ChainRPCURL string `json:"chainRpcUrl" validate:"required,url"`
	AdminToken  string `json:"adminToken" validate:"required"`
	HTTPPort    int    `json:"httpPort" validate:"gte=0"`

	PortRangeLow  int `json:"portRangeLow" validate:"gte=0"`
	PortRangeHigh int `json:"portRangeHigh" validate:"gte=0"`

	IndexerLookbackBlocks int `json:"indexerLookbackBlocks" validate:"gte=0"`
	IndexerMaxBlockRange  int `json:"indexerMaxBlockRange" validate:"gte=0"`
	IndexerTickSeconds    int `json:"indexerTickSeconds" validate:"gte=0"`
}

// LoadHubFile reads, schema-validates, decodes, and field-validates
// the operations hub config file, applying HUB_* environment
// overrides.
func LoadHubFile(path string) (HubFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return HubFile{}, fmt.Errorf("read hub config %s: %w", path, err)
	}

	schemaLoader := gojsonschema.NewStringLoader(hubConfigSchema)
	docLoader := gojsonschema.NewBytesLoader(raw)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return HubFile{}, fmt.Errorf("validate hub config schema: %w", err)
	}
	if !result.Valid() {
		return HubFile{}, fmt.Errorf("hub config %s failed schema validation: %v", path, result.Errors())
	}

	var cfg HubFile
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return HubFile{}, fmt.Errorf("decode hub config %s: %w", path, err)
	}

	applyHubEnvOverrides(&cfg)

	if cfg.PortRangeLow == 0 {
		cfg.PortRangeLow = 20000
	}
	if cfg.PortRangeHigh == 0 {
		cfg.PortRangeHigh = 21000
	}
	if cfg.IndexerLookbackBlocks == 0 {
		cfg.IndexerLookbackBlocks = 5000
	}
	if cfg.IndexerTickSeconds == 0 {
		cfg.IndexerTickSeconds = 15
	}

	if err := validate.Struct(cfg); err != nil {
		return HubFile{}, fmt.Errorf("invalid hub config %s: %w", path, err)
	}
	return cfg, nil
}

func applyHubEnvOverrides(cfg *HubFile) {
	if v := os.Getenv("HUB_CHAIN_RPC_URL"); v != "" {
		cfg.ChainRPCURL = v
	}
	if v := os.Getenv("HUB_ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
	}
	if v := os.Getenv("HUB_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("HUB_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = n
		}
	}
}

// Deployments converts the parsed config into a chain.Deployments
// value for the /deployments and /paymaster/status routes.
func (c HubFile) Deployments() chain.Deployments {
	return chain.Deployments{
		ChainID:    c.ChainID,
		EntryPoint: common.HexToAddress(c.EntryPoint),
		Paymaster:  common.HexToAddress(c.Paymaster),
	}
}
