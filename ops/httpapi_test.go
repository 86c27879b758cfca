package ops

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/t402-io/gasless-ops/chain"
	"github.com/t402-io/gasless-ops/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// statusAdapter is a minimal chain.Adapter fake that only exercises
// PaymasterDeposit, returning whatever numeric shape the test sets
// (design notes section 9 "numeric type zoo", scenario S6).
type statusAdapter struct {
	deposit    interface{}
	depositErr error
}

func (a *statusAdapter) ChainID(ctx context.Context) (int64, error)      { return 0, nil }
func (a *statusAdapter) LatestBlock(ctx context.Context) (uint64, error) { return 0, nil }
func (a *statusAdapter) BlockTimestamp(ctx context.Context, n uint64) (uint64, error) {
	return 0, nil
}
func (a *statusAdapter) TxSender(ctx context.Context, h common.Hash) (common.Address, error) {
	return common.Address{}, nil
}
func (a *statusAdapter) SimulateValidation(ctx context.Context, ep common.Address, p types.PackedIntent) (types.ValidationData, error) {
	return types.ValidationData{}, nil
}
func (a *statusAdapter) HashIntent(ctx context.Context, ep common.Address, p types.PackedIntent) (common.Hash, error) {
	return common.Hash{}, nil
}
func (a *statusAdapter) SendBundle(ctx context.Context, ep common.Address, bundle []types.PackedIntent, beneficiary common.Address) (common.Hash, error) {
	return common.Hash{}, nil
}
func (a *statusAdapter) GetReceipt(ctx context.Context, txHash common.Hash) (*types.TxReceipt, error) {
	return nil, nil
}
func (a *statusAdapter) GetLogsFrom(ctx context.Context, entryPoint, paymaster common.Address, from, to uint64) ([]types.IntentOutcome, []types.PaymasterPostOp, error) {
	return nil, nil, nil
}
func (a *statusAdapter) GetRawLogs(ctx context.Context, entryPoint common.Address, from, to uint64) ([]types.Log, error) {
	return nil, nil
}
func (a *statusAdapter) PaymasterDeposit(ctx context.Context, entryPoint, paymaster common.Address) (interface{}, error) {
	return a.deposit, a.depositErr
}

func testAPIConfig(t *testing.T, adapter chain.Adapter) APIConfig {
	t.Helper()
	return APIConfig{
		Registry:    NewRegistry(),
		Telemetry:   NewTelemetry(),
		Analytics:   NewAnalytics(0),
		LogStore:    NewLogStore(t.TempDir()),
		Adapter:     adapter,
		Deployments: chain.Deployments{ChainID: 1337, EntryPoint: common.HexToAddress("0xE0"), Paymaster: common.HexToAddress("0xPA")},
		AdminToken:  "test-token",
	}
}

func doPaymasterStatus(t *testing.T, cfg APIConfig) map[string]interface{} {
	t.Helper()
	router := NewRouter(cfg)

	req := httptest.NewRequest(http.MethodGet, "/paymaster/status", nil)
	req.Header.Set("Authorization", "Bearer "+cfg.AdminToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

// S6: /paymaster/status must coerce whichever numeric shape the
// upstream adapter reports a deposit as into a plain decimal string.
func TestPaymasterStatusCoercesDepositAcrossNumericShapes(t *testing.T) {
	cases := []struct {
		name    string
		deposit interface{}
		want    string
	}{
		{"bigint", big.NewInt(123456789), "123456789"},
		{"decimal string", "987654321", "987654321"},
		{"hex string", "0x1a", "26"},
		{"hex object", map[string]interface{}{"_hex": "0x2a"}, "42"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			adapter := &statusAdapter{deposit: tc.deposit}
			cfg := testAPIConfig(t, adapter)
			body := doPaymasterStatus(t, cfg)

			got, ok := body["deposit"].(string)
			if !ok {
				t.Fatalf("expected deposit field to be a string, got %T (%v)", body["deposit"], body["deposit"])
			}
			if got != tc.want {
				t.Fatalf("expected deposit %q, got %q", tc.want, got)
			}
		})
	}
}

func TestPaymasterStatusRejectsUnauthenticated(t *testing.T) {
	cfg := testAPIConfig(t, &statusAdapter{deposit: big.NewInt(0)})
	router := NewRouter(cfg)

	req := httptest.NewRequest(http.MethodGet, "/paymaster/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
