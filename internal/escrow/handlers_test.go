package escrow

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/address"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/units"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := newFixture(t)
	handler := NewHandler(f.svc)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)

	// X-Caller stands in for the auth middleware.
	authGroup := v1.Group("")
	authGroup.Use(func(c *gin.Context) {
		if addr := c.GetHeader("X-Caller"); addr != "" {
			c.Set(auth.ContextKeyCaller, addr)
		}
		c.Next()
	})
	handler.RegisterProtectedRoutes(authGroup)
	handler.RegisterAdminRoutes(authGroup)

	return r, f
}

func doJSON(r http.Handler, method, path string, caller address.Address, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if !caller.IsZero() {
		req.Header.Set("X-Caller", caller.String())
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type txResponse struct {
	Transaction Transaction `json:"transaction"`
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHandler_CreateAndGet(t *testing.T) {
	router, f := setupTestRouter(t)

	w := doJSON(router, http.MethodPost, "/v1/escrow", alice, gin.H{
		"recipient": bob.String(),
		"amount":    "10.5",
		"deadline":  epoch.Add(48 * time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	created := decode[txResponse](t, w).Transaction
	assert.Equal(t, uint64(10_500_000), created.Amount)
	assert.Equal(t, StateAwaitingDelivery, created.State)
	assert.Equal(t, bob, created.Recipient)

	w = doJSON(router, http.MethodGet, "/v1/escrow/0", address.Zero, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[txResponse](t, w).Transaction
	assert.Equal(t, created.ID, got.ID)
	assert.Contains(t, w.Body.String(), `"state":"awaiting_delivery"`)
	assert.Contains(t, w.Body.String(), alice.String(), "addresses render in base58")

	w = doJSON(router, http.MethodGet, "/v1/escrow/count", address.Zero, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count":1}`, w.Body.String())

	assert.Equal(t, 10_500_000, int(f.balance(custody)))
}

func TestHandler_CreateWithDeadlineHours(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(router, http.MethodPost, "/v1/escrow", alice, gin.H{
		"recipient":     bob.Hex(),
		"amount":        "10",
		"deadlineHours": 24,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, epoch.Add(24*time.Hour), decode[txResponse](t, w).Transaction.Deadline)
}

func TestHandler_CallerFromAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	mgr := auth.NewManager(auth.NewMemoryStore())
	rawKey, _, err := mgr.GenerateKey(f.ctx, alice, "alice")
	require.NoError(t, err)

	r := gin.New()
	r.Use(auth.Middleware(mgr))
	NewHandler(f.svc).RegisterProtectedRoutes(r.Group("/v1"))

	body := bytes.NewBufferString(`{"recipient":"` + bob.String() + `","amount":"10","deadlineHours":1}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/escrow", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, alice, decode[txResponse](t, w).Transaction.Sender)
}

func TestHandler_CreateValidation(t *testing.T) {
	router, _ := setupTestRouter(t)

	tests := []struct {
		name   string
		caller address.Address
		body   any
		want   int
		code   string
	}{
		{"no auth", address.Zero, gin.H{"recipient": bob.String(), "amount": "10"}, http.StatusUnauthorized, "unauthorized"},
		{"missing fields", alice, gin.H{"amount": "10"}, http.StatusBadRequest, "invalid_request"},
		{"bad address", alice, gin.H{"recipient": "nope", "amount": "10"}, http.StatusBadRequest, "validation_error"},
		{"bad amount", alice, gin.H{"recipient": bob.String(), "amount": "1.2.3"}, http.StatusBadRequest, "validation_error"},
		{"too precise", alice, gin.H{"recipient": bob.String(), "amount": "10.0000001"}, http.StatusBadRequest, "validation_error"},
		{"amount equals fee", alice, gin.H{"recipient": bob.String(), "amount": "5", "deadlineHours": 1}, http.StatusBadRequest, "invalid_amount"},
		{"no deadline", alice, gin.H{"recipient": bob.String(), "amount": "10"}, http.StatusBadRequest, "invalid_deadline"},
		{"self escrow", alice, gin.H{"recipient": alice.String(), "amount": "10", "deadlineHours": 1}, http.StatusBadRequest, "invalid_address"},
		{"deadline hours overflow", alice, gin.H{"recipient": bob.String(), "amount": "10", "deadlineHours": maxDeadlineHours + 1}, http.StatusBadRequest, "invalid_deadline"},
		{"deadline hours far overflow", alice, gin.H{"recipient": bob.String(), "amount": "10", "deadlineHours": int64(1e18)}, http.StatusBadRequest, "invalid_deadline"},
		{"unfunded sender", carol, gin.H{"recipient": bob.String(), "amount": "10", "deadlineHours": 1}, http.StatusBadGateway, "transfer_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(router, http.MethodPost, "/v1/escrow", tt.caller, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode[map[string]any](t, w)["error"])
		})
	}
}

func TestHandler_Lifecycle(t *testing.T) {
	router, f := setupTestRouter(t)
	tx := f.create(20 * units.One)
	base := "/v1/escrow/" + strconv.FormatUint(tx.ID, 10)

	w := doJSON(router, http.MethodPost, base+"/confirm", alice, nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "sender cannot confirm")

	w = doJSON(router, http.MethodPost, base+"/refund", alice, nil)
	assert.Equal(t, http.StatusConflict, w.Code, "deadline not passed")
	assert.Equal(t, "deadline_not_passed", decode[map[string]any](t, w)["error"])

	w = doJSON(router, http.MethodPost, base+"/dispute", bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StateDisputed, decode[txResponse](t, w).Transaction.State)

	w = doJSON(router, http.MethodPost, base+"/resolve", arbiter, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code, "ruling is required")

	w = doJSON(router, http.MethodPost, base+"/resolve", arbiter, gin.H{"releaseToRecipient": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StateRefunded, decode[txResponse](t, w).Transaction.State)

	w = doJSON(router, http.MethodPost, base+"/approve", alice, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(router, http.MethodGet, base+"/events", address.Zero, nil)
	require.Equal(t, http.StatusOK, w.Code)
	events := decode[struct {
		Events []Event `json:"events"`
		Count  int     `json:"count"`
	}](t, w)
	assert.Equal(t, 4, events.Count)
	assert.Equal(t, EventTransactionRefunded, events.Events[3].Type)
}

func TestHandler_IncompletePayout(t *testing.T) {
	router, f := setupTestRouter(t)
	tx := f.create(20 * units.One)
	base := "/v1/escrow/" + strconv.FormatUint(tx.ID, 10)
	f.gw.setHook(func(to address.Address, _ uint64) error {
		if to == bob {
			return errors.New("rpc unavailable")
		}
		return nil
	})

	w := doJSON(router, http.MethodPost, base+"/confirm", bob, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "reconciliation_required", decode[map[string]any](t, w)["error"])

	w = doJSON(router, http.MethodPost, base+"/confirm", bob, nil)
	assert.Equal(t, http.StatusConflict, w.Code, "already terminal")
}

func TestHandler_NotFoundAndBadID(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(router, http.MethodGet, "/v1/escrow/42", address.Zero, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(router, http.MethodGet, "/v1/escrow/-1", address.Zero, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodPost, "/v1/escrow/42/confirm", bob, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ListByPartyAndClaimable(t *testing.T) {
	router, f := setupTestRouter(t)
	f.create(10 * units.One)
	f.create(11 * units.One)

	w := doJSON(router, http.MethodGet, "/v1/parties/"+bob.String()+"/escrows?limit=1", address.Zero, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode[map[string]any](t, w)["count"])

	w = doJSON(router, http.MethodGet, "/v1/parties/not-an-address/escrows", address.Zero, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodGet, "/v1/escrow/claimable", address.Zero, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode[map[string]any](t, w)["count"])

	f.clock.Advance(49 * time.Hour)
	w = doJSON(router, http.MethodGet, "/v1/escrow/claimable", address.Zero, nil)
	assert.Equal(t, float64(2), decode[map[string]any](t, w)["count"])

	w = doJSON(router, http.MethodGet, "/v1/escrow/0/refund-eligibility", address.Zero, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"claimable":true`)
}

func TestHandler_SettingsAndCustody(t *testing.T) {
	router, f := setupTestRouter(t)
	f.create(10 * units.One)

	w := doJSON(router, http.MethodGet, "/v1/escrow/settings", address.Zero, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "5.000000", body["feeFormatted"])
	assert.Equal(t, custody.String(), body["custody"])
	assert.Equal(t, "explicit", body["deadlineMode"])

	w = doJSON(router, http.MethodGet, "/v1/escrow/custody/balance", address.Zero, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "10.000000", decode[map[string]any](t, w)["formatted"])
}

func TestHandler_Admin(t *testing.T) {
	router, f := setupTestRouter(t)

	w := doJSON(router, http.MethodPut, "/v1/admin/escrow/fee", alice, gin.H{"fee": "7"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(router, http.MethodPut, "/v1/admin/escrow/fee", owner, gin.H{"fee": "51"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "out_of_bounds", decode[map[string]any](t, w)["error"])

	w = doJSON(router, http.MethodPut, "/v1/admin/escrow/fee", owner, gin.H{"fee": "7.5"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, uint64(7_500_000), f.svc.Settings().Fee)

	w = doJSON(router, http.MethodPut, "/v1/admin/escrow/arbitrator", owner, gin.H{"address": carol.Hex()})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, carol, f.svc.Settings().Arbitrator)

	w = doJSON(router, http.MethodPut, "/v1/admin/escrow/platform-wallet", owner, gin.H{"address": "bogus"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodPut, "/v1/admin/escrow/token", owner, gin.H{"address": carol.String()})
	assert.Equal(t, http.StatusConflict, w.Code, "no resolver configured")

	tx := f.create(10 * units.One)
	f.clock.Set(tx.Deadline.Add(DefaultEmergencyGrace + time.Second))
	w = doJSON(router, http.MethodPost, "/v1/admin/escrow/0/emergency-withdraw", owner, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[txResponse](t, w).Transaction.Emergency)

	w = doJSON(router, http.MethodPost, "/v1/admin/escrow/emergency-withdraw-all", owner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode[map[string]any](t, w)["swept"])

	w = doJSON(router, http.MethodPut, "/v1/admin/escrow/owner", owner, gin.H{"address": bob.String()})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, bob, f.svc.Settings().Owner)
}
