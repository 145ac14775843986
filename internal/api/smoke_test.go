// Package api_test runs HTTP-level smoke tests using net/http/httptest.
// These tests do NOT require a PostgreSQL database — they verify:
//   - Gin router routing and middleware wiring
//   - JWT auth middleware (401 without token, 403 without staff claim)
//   - Callback endpoint acknowledgement contract
//   - Response format consistency (success/error envelope)
//   - CORS preflight handling
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/kasoko/settlement/internal/api"
	"github.com/kasoko/settlement/internal/config"
	"github.com/kasoko/settlement/internal/domain"
	"github.com/kasoko/settlement/internal/mpesa"
	"github.com/kasoko/settlement/internal/service"
)

// ── Test helpers ──────────────────────────────────────────────────────────────

const testSecret = "test-access-secret-abcdefghijklmnop"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCfg() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Env:  "development",
			Port: "8080",
		},
		JWT: config.JWTConfig{
			AccessSecret: testSecret,
			AccessTTL:    15 * time.Minute,
		},
	}
}

// fakeSettler satisfies handler.Settler without a database.
type fakeSettler struct {
	resolved []uuid.UUID
}

func (f *fakeSettler) ResolveAndSettle(_ context.Context, marketID uuid.UUID, outcome domain.Outcome) (*service.SettlementSummary, error) {
	if !outcome.IsValid() {
		return nil, domain.ErrInvalidOutcome
	}
	f.resolved = append(f.resolved, marketID)
	return &service.SettlementSummary{MarketID: marketID, Status: "settled", Outcome: string(outcome)}, nil
}

func (f *fakeSettler) Settle(_ context.Context, marketID uuid.UUID) (*service.SettlementSummary, error) {
	return &service.SettlementSummary{MarketID: marketID, Status: "settled"}, nil
}

func (f *fakeSettler) SettlementStatus(_ context.Context, marketID uuid.UUID) (*service.MarketSettlementStatus, error) {
	return nil, domain.ErrMarketNotFound
}

// fakeRetrier satisfies handler.PayoutRetrier.
type fakeRetrier struct{}

func (fakeRetrier) RetryOne(_ context.Context, _ uuid.UUID) error { return nil }
func (fakeRetrier) RetryFailed(_ context.Context) (int, error)    { return 3, nil }

// fakeReconciler records the results it was handed.
type fakeReconciler struct {
	results []*mpesa.B2CResult
}

func (f *fakeReconciler) HandleResult(_ context.Context, res *mpesa.B2CResult) error {
	f.results = append(f.results, res)
	return nil
}

func buildTestRouter(t *testing.T) (http.Handler, *fakeSettler, *fakeReconciler) {
	t.Helper()
	settler := &fakeSettler{}
	reconciler := &fakeReconciler{}

	r := api.SetupRouter(api.RouterDeps{
		Settler:    settler,
		Payouts:    fakeRetrier{},
		Reconciler: reconciler,
		MarketRepo: nil,
		TxRepo:     nil,
		Hub:        nil,
		Cfg:        testCfg(),
		Logger:     testLogger(),
	})
	return r, settler, reconciler
}

func signToken(t *testing.T, isStaff bool) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":      uuid.New().String(),
		"is_staff": isStaff,
		"exp":      time.Now().Add(time.Hour).Unix(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&m); err != nil {
		t.Fatalf("response is not valid JSON: %v — body: %s", err, rr.Body.String())
	}
	return m
}

// ── /health ───────────────────────────────────────────────────────────────────

func TestHealthEndpoint(t *testing.T) {
	h, _, _ := buildTestRouter(t)
	rr := do(t, h, http.MethodGet, "/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", rr.Code)
	}
}

// ── Admin auth middleware ─────────────────────────────────────────────────────

func TestAdminResolve_NoToken_Returns401(t *testing.T) {
	h, _, _ := buildTestRouter(t)
	marketID := uuid.New()
	rr := do(t, h, http.MethodPost, "/api/v1/admin/markets/"+marketID.String()+"/resolve",
		`{"outcome":"Yes"}`, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("resolve without token = %d, want 401", rr.Code)
	}
}

func TestAdminResolve_InvalidToken_Returns401(t *testing.T) {
	h, _, _ := buildTestRouter(t)
	rr := do(t, h, http.MethodPost, "/api/v1/admin/markets/"+uuid.New().String()+"/resolve",
		`{"outcome":"Yes"}`, map[string]string{"Authorization": "Bearer not.a.valid.jwt"})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("resolve with bad JWT = %d, want 401", rr.Code)
	}
}

func TestAdminResolve_NonStaffToken_Returns403(t *testing.T) {
	h, _, _ := buildTestRouter(t)
	rr := do(t, h, http.MethodPost, "/api/v1/admin/markets/"+uuid.New().String()+"/resolve",
		`{"outcome":"Yes"}`, map[string]string{"Authorization": "Bearer " + signToken(t, false)})
	if rr.Code != http.StatusForbidden {
		t.Errorf("resolve with non-staff JWT = %d, want 403", rr.Code)
	}
}

func TestAdminRetryFailed_NoToken_Returns401(t *testing.T) {
	h, _, _ := buildTestRouter(t)
	rr := do(t, h, http.MethodPost, "/api/v1/admin/payouts/retry-failed", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("retry-failed without token = %d, want 401", rr.Code)
	}
}

// ── Admin happy paths (staff token, fake services) ────────────────────────────

func TestAdminResolve_StaffToken_Succeeds(t *testing.T) {
	h, settler, _ := buildTestRouter(t)
	marketID := uuid.New()
	rr := do(t, h, http.MethodPost, "/api/v1/admin/markets/"+marketID.String()+"/resolve",
		`{"outcome":"Yes"}`, map[string]string{"Authorization": "Bearer " + signToken(t, true)})
	if rr.Code != http.StatusOK {
		t.Fatalf("resolve = %d, want 200 — body: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["success"] != true {
		t.Errorf("response.success = %v, want true", body["success"])
	}
	if len(settler.resolved) != 1 || settler.resolved[0] != marketID {
		t.Errorf("settler saw %v, want [%s]", settler.resolved, marketID)
	}
}

func TestAdminResolve_InvalidOutcome_Returns400(t *testing.T) {
	h, _, _ := buildTestRouter(t)
	rr := do(t, h, http.MethodPost, "/api/v1/admin/markets/"+uuid.New().String()+"/resolve",
		`{"outcome":"Maybe"}`, map[string]string{"Authorization": "Bearer " + signToken(t, true)})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("resolve with bad outcome = %d, want 400", rr.Code)
	}
}

func TestAdminResolve_BadMarketID_Returns400(t *testing.T) {
	h, _, _ := buildTestRouter(t)
	rr := do(t, h, http.MethodPost, "/api/v1/admin/markets/not-a-uuid/resolve",
		`{"outcome":"Yes"}`, map[string]string{"Authorization": "Bearer " + signToken(t, true)})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("resolve with bad market id = %d, want 400", rr.Code)
	}
}

func TestAdminSettlementStatus_NotFound_Returns404(t *testing.T) {
	h, _, _ := buildTestRouter(t)
	rr := do(t, h, http.MethodGet,
		"/api/v1/admin/markets/"+uuid.New().String()+"/settlement-status", "",
		map[string]string{"Authorization": "Bearer " + signToken(t, true)})
	if rr.Code != http.StatusNotFound {
		t.Errorf("settlement-status for unknown market = %d, want 404", rr.Code)
	}
}

func TestAdminRetryFailed_StaffToken_Succeeds(t *testing.T) {
	h, _, _ := buildTestRouter(t)
	rr := do(t, h, http.MethodPost, "/api/v1/admin/payouts/retry-failed", "",
		map[string]string{"Authorization": "Bearer " + signToken(t, true)})
	if rr.Code != http.StatusOK {
		t.Fatalf("retry-failed = %d, want 200", rr.Code)
	}
	body := decodeBody(t, rr)
	data, _ := body["data"].(map[string]interface{})
	if data["requeued"] != float64(3) {
		t.Errorf("requeued = %v, want 3", data["requeued"])
	}
}

// ── Callback endpoint ─────────────────────────────────────────────────────────

func TestCallback_IsPublicAndAcks(t *testing.T) {
	h, _, reconciler := buildTestRouter(t)
	payload := `{
		"Result": {
			"ResultCode": 0,
			"ResultDesc": "Processed",
			"OriginatorConversationID": "KASOKO-m-b-1",
			"ConversationID": "AG_1",
			"TransactionID": "QK1"
		}
	}`
	rr := do(t, h, http.MethodPost, "/api/v1/payments/b2c-callback", payload, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("callback = %d, want 200", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["ResultCode"] != float64(0) {
		t.Errorf("ack ResultCode = %v, want 0", body["ResultCode"])
	}
	if len(reconciler.results) != 1 {
		t.Fatalf("reconciler saw %d results, want 1", len(reconciler.results))
	}
	if got := reconciler.results[0].OriginatorConversationID; got != "KASOKO-m-b-1" {
		t.Errorf("originator = %q", got)
	}
}

func TestCallback_GarbageBody_Returns400(t *testing.T) {
	h, _, reconciler := buildTestRouter(t)
	rr := do(t, h, http.MethodPost, "/api/v1/payments/b2c-callback", "not json", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("garbage callback = %d, want 400", rr.Code)
	}
	if len(reconciler.results) != 0 {
		t.Error("reconciler must not see unparseable callbacks")
	}
}

// ── Error envelope format ─────────────────────────────────────────────────────

func TestErrorEnvelope_HasRequiredFields(t *testing.T) {
	h, _, _ := buildTestRouter(t)
	rr := do(t, h, http.MethodPost, "/api/v1/admin/markets/not-a-uuid/resolve",
		`{"outcome":"Yes"}`, map[string]string{"Authorization": "Bearer " + signToken(t, true)})
	body := decodeBody(t, rr)

	for _, field := range []string{"success", "error", "code"} {
		if _, ok := body[field]; !ok {
			t.Errorf("error envelope missing field %q, got: %v", field, body)
		}
	}
	if body["success"] != false {
		t.Errorf("error envelope.success = %v, want false", body["success"])
	}
}

// ── CORS headers ──────────────────────────────────────────────────────────────

func TestCORSOptionsRequest(t *testing.T) {
	h, _, _ := buildTestRouter(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/admin/payouts/retry-failed", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent && rr.Code != http.StatusOK {
		t.Errorf("OPTIONS = %d, want 204 or 200", rr.Code)
	}
	allow := rr.Header().Get("Access-Control-Allow-Methods")
	if !strings.Contains(allow, "POST") {
		t.Errorf("Access-Control-Allow-Methods missing POST, got %q", allow)
	}
}

func TestCORSAllowOrigin_Dev(t *testing.T) {
	h, _, _ := buildTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("Dev CORS origin = %q, want *", origin)
	}
}
