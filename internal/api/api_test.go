package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/septivank/prepaid-vending-worker/internal/apperr"
	"github.com/septivank/prepaid-vending-worker/internal/ledger"
	"github.com/septivank/prepaid-vending-worker/internal/metrics"
	"github.com/septivank/prepaid-vending-worker/internal/service"
	"github.com/septivank/prepaid-vending-worker/internal/validator"
	"github.com/septivank/prepaid-vending-worker/internal/vendor"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSecret   = "test-jwt-secret"
	testCallback = "cb-secret"
)

type fakePurchaser struct {
	lastPurchase service.PurchaseRequest
	purchaseFn   func(req service.PurchaseRequest) (*ledger.PurchaseAttempt, error)
	retryFn      func(id uuid.UUID) (*ledger.PurchaseAttempt, error)
}

func (f *fakePurchaser) Purchase(_ context.Context, req service.PurchaseRequest) (*ledger.PurchaseAttempt, error) {
	f.lastPurchase = req
	return f.purchaseFn(req)
}

func (f *fakePurchaser) RetryVend(_ context.Context, id uuid.UUID) (*ledger.PurchaseAttempt, error) {
	return f.retryFn(id)
}

func (f *fakePurchaser) ResolveAmbiguous(_ context.Context, id uuid.UUID, res service.Resolution) (*ledger.PurchaseAttempt, error) {
	return &ledger.PurchaseAttempt{ID: id, State: ledger.StateVendFailed}, nil
}

func (f *fakePurchaser) GenerateMaintenanceToken(_ context.Context, req service.MaintenanceRequest) (vendor.MaintenanceToken, error) {
	if _, err := vendor.ParseSubClass(req.SubClass); err != nil {
		return vendor.MaintenanceToken{}, err
	}
	return vendor.MaintenanceToken{Token: "4444-5555", VendorTransactionID: "MT-7"}, nil
}

type fakeVendorAuth struct {
	loginErr error
}

func (f *fakeVendorAuth) RequestChallenge(context.Context) (vendor.Challenge, error) {
	return vendor.Challenge{ID: "ch-1", ImagePayload: []byte("png"), CreatedAt: time.Now()}, nil
}

func (f *fakeVendorAuth) Login(_ context.Context, challengeID, code string) (vendor.VendorCredential, error) {
	if f.loginErr != nil {
		return vendor.VendorCredential{}, f.loginErr
	}
	return vendor.VendorCredential{Token: "secret"}, nil
}

func (f *fakeVendorAuth) Session() vendor.Session {
	return vendor.Session{State: vendor.StateAuthenticated}
}

type fakeMeters struct{}

func (fakeMeters) CheckMeter(_ context.Context, meter string) (vendor.MeterValidationResult, error) {
	return vendor.MeterValidationResult{Exists: meter == "0128244428552", MeterNo: meter}, nil
}

type fakeRegions struct{}

func (fakeRegions) Regions(context.Context) ([]vendor.Region, error) {
	return nil, apperr.New(apperr.KindUpstreamUnavailable, "vendor.regions", "vendor unreachable")
}

type testServer struct {
	app       *fiber.App
	purchases *fakePurchaser
	store     *ledger.MemoryStore
	auth      *fakeVendorAuth
	settled   [][]byte
	metrics   *metrics.Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		purchases: &fakePurchaser{},
		store:     ledger.NewMemoryStore(),
		auth:      &fakeVendorAuth{},
		metrics:   metrics.New(),
	}
	ts.app = New(Config{
		JWTSecret:      testSecret,
		CallbackSecret: testCallback,
		BodyLimitBytes: 1 << 20,
	}, Deps{
		Purchases:  ts.purchases,
		Attempts:   ts.store,
		Meters:     fakeMeters{},
		Regions:    fakeRegions{},
		Challenges: ts.auth,
		Vendor:     ts.auth,
		Settlements: func(_ context.Context, body []byte) error {
			if !json.Valid(body) {
				return apperr.Invalid("payment.parse_settlement", "malformed settlement")
			}
			ts.settled = append(ts.settled, append([]byte(nil), body...))
			return nil
		},
		Validator: validator.NewValidator(decimal.NewFromInt(10), decimal.NewFromInt(150000)),
		Metrics:   ts.metrics,
		Logger:    zap.NewNop(),
	})
	return ts
}

func token(t *testing.T, role, tenantID string) string {
	t.Helper()
	tok, err := SignToken([]byte(testSecret), "user-1", role, tenantID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (ts *testServer) do(t *testing.T, method, path, bearer string, body any) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := ts.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return resp.StatusCode, out
}

func confirmedAttempt(state ledger.State, vend ledger.VendStatus) *ledger.PurchaseAttempt {
	a := ledger.NewAttempt("0128244428552", "tenant-1", "255712345678", decimal.NewFromInt(100), time.Now())
	a.PaymentStatus = ledger.PaymentConfirmed
	a.State = state
	a.VendStatus = vend
	return a
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	status, _ := ts.do(t, http.MethodPost, "/api/purchases", "", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = ts.do(t, http.MethodPost, "/api/purchases", "not-a-jwt", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, status)

	forged, err := SignToken([]byte("other"), "user-1", RoleOperator, "", time.Hour)
	require.NoError(t, err)
	status, _ = ts.do(t, http.MethodGet, "/api/vendor/session", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestOperatorRoutesRejectTenants(t *testing.T) {
	ts := newTestServer(t)
	tenant := token(t, RoleTenant, "tenant-1")

	for _, path := range []string{"/api/vendor/challenge", "/api/vendor/login", "/api/maintenance-tokens"} {
		status, _ := ts.do(t, http.MethodPost, path, tenant, map[string]any{})
		assert.Equal(t, http.StatusForbidden, status, path)
	}
}

func TestCreatePurchase(t *testing.T) {
	ts := newTestServer(t)
	ts.purchases.purchaseFn = func(req service.PurchaseRequest) (*ledger.PurchaseAttempt, error) {
		a := confirmedAttempt(ledger.StateVended, ledger.VendVended)
		a.Token = "1234-5678"
		return a, nil
	}

	status, body := ts.do(t, http.MethodPost, "/api/purchases", token(t, RoleTenant, "tenant-1"), map[string]any{
		"meter_number": "0128244428552",
		"tenant_id":    "someone-else",
		"gross_amount": "100",
		"phone_number": "255712345678",
	})

	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "1234-5678", body["token"])
	assert.Equal(t, "tenant-1", ts.purchases.lastPurchase.TenantID)
	assert.True(t, ts.purchases.lastPurchase.GrossAmount.Equal(decimal.NewFromInt(100)))
}

func TestPurchaseErrorMapping(t *testing.T) {
	v := validator.NewValidator(decimal.NewFromInt(10), decimal.NewFromInt(150000))

	tests := []struct {
		name        string
		err         error
		attempt     *ledger.PurchaseAttempt
		wantStatus  int
		wantAttempt bool
	}{
		{
			name:       "validation",
			err:        v.Struct("service.purchase", service.PurchaseRequest{}),
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "amount out of range",
			err:        v.Amount("service.purchase", decimal.NewFromInt(5)),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:        "charge rejected",
			err:         apperr.New(apperr.KindChargeRejected, "payment", "insufficient balance"),
			attempt:     &ledger.PurchaseAttempt{ID: uuid.New(), State: ledger.StatePaymentFailed, PaymentStatus: ledger.PaymentFailed},
			wantStatus:  http.StatusPaymentRequired,
			wantAttempt: true,
		},
		{
			name:        "payment timed out",
			err:         apperr.New(apperr.KindPaymentTimedOut, "payment", "no settlement"),
			attempt:     &ledger.PurchaseAttempt{ID: uuid.New(), State: ledger.StatePaymentFailed, PaymentStatus: ledger.PaymentFailed},
			wantStatus:  http.StatusPaymentRequired,
			wantAttempt: true,
		},
		{
			name:        "vend rejected",
			err:         apperr.New(apperr.KindVendRejected, "vendor.vend", "meter blocked"),
			attempt:     confirmedAttempt(ledger.StateVendFailed, ledger.VendFailed),
			wantStatus:  http.StatusAccepted,
			wantAttempt: true,
		},
		{
			name:        "ambiguous",
			err:         apperr.New(apperr.KindAmbiguousVendOutcome, "vendor.vend", "HTTP 502"),
			attempt:     confirmedAttempt(ledger.StateVendFailed, ledger.VendFailed),
			wantStatus:  http.StatusAccepted,
			wantAttempt: true,
		},
		{
			name:        "vendor login needed after payment",
			err:         apperr.New(apperr.KindAuthenticationRequired, "vendor", "login required"),
			attempt:     confirmedAttempt(ledger.StateVendFailed, ledger.VendFailed),
			wantStatus:  http.StatusAccepted,
			wantAttempt: true,
		},
		{
			name:       "vendor unreachable before payment",
			err:        apperr.New(apperr.KindUpstreamUnavailable, "vendor.check_meter", "timeout"),
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "unclassified",
			err:        assert.AnError,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.purchases.purchaseFn = func(service.PurchaseRequest) (*ledger.PurchaseAttempt, error) {
				return tt.attempt, tt.err
			}

			status, body := ts.do(t, http.MethodPost, "/api/purchases", token(t, RoleOperator, ""), map[string]any{
				"meter_number": "0128244428552",
				"tenant_id":    "tenant-1",
				"gross_amount": 100,
				"phone_number": "255712345678",
			})
			assert.Equal(t, tt.wantStatus, status)
			_, hasAttempt := body["attempt"]
			assert.Equal(t, tt.wantAttempt, hasAttempt)
			if status == http.StatusInternalServerError {
				assert.Equal(t, "internal server error", body["message"])
			}
		})
	}
}

func TestGetPurchaseScopedToTenant(t *testing.T) {
	ts := newTestServer(t)
	a := confirmedAttempt(ledger.StateVended, ledger.VendVended)
	require.NoError(t, ts.store.Insert(context.Background(), a))

	status, body := ts.do(t, http.MethodGet, "/api/purchases/"+a.ID.String(), token(t, RoleTenant, "tenant-1"), nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, a.ID.String(), body["id"])

	status, _ = ts.do(t, http.MethodGet, "/api/purchases/"+a.ID.String(), token(t, RoleTenant, "tenant-2"), nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = ts.do(t, http.MethodGet, "/api/purchases/"+uuid.NewString(), token(t, RoleOperator, ""), nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = ts.do(t, http.MethodGet, "/api/purchases/not-a-uuid", token(t, RoleOperator, ""), nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRetryVendIllegalStateIsBadRequest(t *testing.T) {
	ts := newTestServer(t)
	a := confirmedAttempt(ledger.StateVended, ledger.VendVended)
	ts.purchases.retryFn = func(uuid.UUID) (*ledger.PurchaseAttempt, error) {
		return a, apperr.Invalid("service.retry_vend", "attempt is vended; only failed vends can be retried")
	}

	status, body := ts.do(t, http.MethodPost, "/api/purchases/"+a.ID.String()+"/retry", token(t, RoleOperator, ""), nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, string(apperr.KindInvalidInput), body["kind"])
}

func TestMeterLookup(t *testing.T) {
	ts := newTestServer(t)
	tenant := token(t, RoleTenant, "tenant-1")

	status, body := ts.do(t, http.MethodGet, "/api/meters/0128244428552", tenant, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["exists"])

	status, _ = ts.do(t, http.MethodGet, "/api/meters/12ab", tenant, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestRegionsUpstreamUnavailable(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.do(t, http.MethodGet, "/api/regions", token(t, RoleTenant, "tenant-1"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "vendor unreachable", body["message"])
}

func TestMaintenanceToken(t *testing.T) {
	ts := newTestServer(t)
	op := token(t, RoleOperator, "")

	status, body := ts.do(t, http.MethodPost, "/api/maintenance-tokens", op, map[string]any{
		"meter_number": "0128244428552",
		"sub_class":    "clear_tamper",
	})
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "4444-5555", body["token"])

	status, _ = ts.do(t, http.MethodPost, "/api/maintenance-tokens", op, map[string]any{
		"meter_number": "0128244428552",
		"sub_class":    "self_destruct",
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = ts.do(t, http.MethodGet, "/api/maintenance-tokens/sub-classes", op, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, body["sub_classes"], len(vendor.SubClasses()))
}

func TestVendorLogin(t *testing.T) {
	ts := newTestServer(t)
	op := token(t, RoleOperator, "")

	status, body := ts.do(t, http.MethodPost, "/api/vendor/challenge", op, nil)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "ch-1", body["id"])

	status, _ = ts.do(t, http.MethodPost, "/api/vendor/login", op, map[string]any{"challenge_id": "ch-1"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, body = ts.do(t, http.MethodPost, "/api/vendor/login", op, map[string]any{"challenge_id": "ch-1", "code": "a1b2"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(vendor.StateAuthenticated), body["state"])
	_, leaked := body["token"]
	assert.False(t, leaked)

	ts.auth.loginErr = apperr.New(apperr.KindAuthenticationRejected, "vendor.login", "wrong code")
	status, _ = ts.do(t, http.MethodPost, "/api/vendor/login", op, map[string]any{"challenge_id": "ch-2", "code": "zzzz"})
	assert.Equal(t, http.StatusConflict, status)
}

func TestPaymentCallback(t *testing.T) {
	ts := newTestServer(t)
	payload := []byte(`{"reference":"MP-1","status":"confirmed"}`)

	send := func(secret string, body []byte) int {
		req := httptest.NewRequest(http.MethodPost, "/api/payments/callback", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if secret != "" {
			req.Header.Set(callbackHeader, secret)
		}
		resp, err := ts.app.Test(req, -1)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusForbidden, send("", payload))
	assert.Equal(t, http.StatusForbidden, send("wrong", payload))
	assert.Empty(t, ts.settled)

	assert.Equal(t, http.StatusAccepted, send(testCallback, payload))
	require.Len(t, ts.settled, 1)
	assert.JSONEq(t, string(payload), string(ts.settled[0]))

	assert.Equal(t, http.StatusBadRequest, send(testCallback, []byte("{")))
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	ts.metrics.AnomalyFlagged()
	resp, err := ts.app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "vending_purchase_anomalies_total 1")
}
