package routes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowledger/core"
	"escrowledger/gateway/middleware"
	"escrowledger/services/audit"
	"escrowledger/services/notify"
	"escrowledger/storage"
)

const testSecret = "router-secret"

type testAPI struct {
	handler http.Handler
	svc     *core.Service
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	regions, err := storage.OpenRegions(storage.NewMemDB(), storage.LedgerRegions)
	require.NoError(t, err)
	auditLog, err := audit.Open(regions, nil)
	require.NoError(t, err)
	center, err := notify.Open(regions, nil, nil)
	require.NoError(t, err)
	svc, err := core.NewService(regions, core.Options{
		FeeBps:    100,
		MinAmount: 1,
		Treasury:  "treasury",
		Admins:    core.NewStaticAdmins("admin"),
		Notifier:  center,
		Auditor:   auditLog,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	handler := New(Config{
		Service:       svc,
		Notifications: center,
		Audit:         auditLog,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{HMACSecret: testSecret}, nil),
		Observability: middleware.NewObservability(false, nil),
	})
	return &testAPI{handler: handler, svc: svc}
}

func (a *testAPI) do(t *testing.T, caller, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		token, err := middleware.IssueToken(testSecret, "", "", caller, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	a.handler.ServeHTTP(res, req)
	return res
}

func decode(t *testing.T, res *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out), res.Body.String())
	return out
}

func TestHealthIsPublic(t *testing.T) {
	api := newTestAPI(t)
	res := api.do(t, "", http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "ok", decode(t, res)["status"])

	res = api.do(t, "", http.MethodGet, "/v1/balance", nil)
	require.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestEscrowFlowOverHTTP(t *testing.T) {
	api := newTestAPI(t)

	res := api.do(t, "alice", http.MethodPost, "/v1/deposits", map[string]any{"amount": 10_000, "reference": "card"})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	res = api.do(t, "alice", http.MethodPost, "/v1/transactions", map[string]any{
		"kind":        map[string]any{"type": "escrow"},
		"to":          "bob",
		"amount":      5_000,
		"description": "Web design job",
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	created := decode(t, res)
	id := uint64(created["id"].(float64))
	require.EqualValues(t, 50, created["fee"])

	path := fmt.Sprintf("/v1/transactions/%d", id)
	res = api.do(t, "alice", http.MethodPost, path+"/complete", nil)
	require.Equal(t, http.StatusConflict, res.Code)
	require.Equal(t, "INVALID_STATE", decode(t, res)["code"])

	for _, step := range []struct{ caller, action string }{
		{"bob", "accept"},
		{"bob", "submit"},
		{"alice", "complete"},
	} {
		res = api.do(t, step.caller, http.MethodPost, path+"/"+step.action, nil)
		require.Equal(t, http.StatusOK, res.Code, "%s: %s", step.action, res.Body.String())
	}

	res = api.do(t, "carol", http.MethodGet, path, nil)
	require.Equal(t, http.StatusForbidden, res.Code)

	res = api.do(t, "bob", http.MethodGet, "/v1/balance", nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.EqualValues(t, 5_000, decode(t, res)["available"])

	res = api.do(t, "alice", http.MethodGet, "/v1/transactions?status=completed", nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Len(t, decode(t, res)["transactions"], 1)

	res = api.do(t, "bob", http.MethodGet, "/v1/notifications", nil)
	require.Equal(t, http.StatusOK, res.Code)
	notes := decode(t, res)["notifications"].([]any)
	require.NotEmpty(t, notes)
	noteID := uint64(notes[0].(map[string]any)["id"].(float64))

	res = api.do(t, "alice", http.MethodPost, fmt.Sprintf("/v1/notifications/%d/read", noteID), nil)
	require.Equal(t, http.StatusForbidden, res.Code)
	res = api.do(t, "bob", http.MethodPost, fmt.Sprintf("/v1/notifications/%d/read", noteID), nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, true, decode(t, res)["read"])
}

func TestErrorMapping(t *testing.T) {
	api := newTestAPI(t)

	res := api.do(t, "alice", http.MethodPost, "/v1/withdrawals", map[string]any{"amount": 10})
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
	body := decode(t, res)
	require.Equal(t, "INSUFFICIENT_FUNDS", body["code"])
	require.EqualValues(t, 10, body["required"])

	res = api.do(t, "alice", http.MethodGet, "/v1/transactions/999", nil)
	require.Equal(t, http.StatusNotFound, res.Code)

	res = api.do(t, "alice", http.MethodGet, "/v1/transactions/abc", nil)
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = api.do(t, "alice", http.MethodPost, "/v1/transactions", map[string]any{"to": "bob", "amount": 0, "description": "x"})
	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Equal(t, "VALIDATION_ERROR", decode(t, res)["code"])

	res = api.do(t, "alice", http.MethodGet, "/v1/balance?account=bob", nil)
	require.Equal(t, http.StatusForbidden, res.Code)
}

func TestAdminEndpoints(t *testing.T) {
	api := newTestAPI(t)

	res := api.do(t, "alice", http.MethodPost, "/v1/admin/pause", map[string]any{"reason": "maintenance"})
	require.Equal(t, http.StatusForbidden, res.Code)

	res = api.do(t, "admin", http.MethodPost, "/v1/admin/pause", map[string]any{"reason": "maintenance"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = api.do(t, "alice", http.MethodPost, "/v1/deposits", map[string]any{"amount": 100})
	require.Equal(t, http.StatusServiceUnavailable, res.Code)
	body := decode(t, res)
	require.Equal(t, "SYSTEM_PAUSED", body["code"])
	require.Equal(t, true, body["retryable"])

	res = api.do(t, "admin", http.MethodPost, "/v1/admin/resume", nil)
	require.Equal(t, http.StatusOK, res.Code)

	res = api.do(t, "admin", http.MethodPost, "/v1/admin/fee", map[string]any{"feeBps": 250})
	require.Equal(t, http.StatusOK, res.Code)
	require.EqualValues(t, 250, decode(t, res)["feeBps"])

	res = api.do(t, "admin", http.MethodPost, "/v1/admin/fee", map[string]any{"feeBps": 20_000})
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = api.do(t, "admin", http.MethodGet, "/v1/admin/stats", nil)
	require.Equal(t, http.StatusOK, res.Code)
	stats := decode(t, res)
	balances, ok := stats["balances"].(map[string]any)
	require.True(t, ok, res.Body.String())
	for _, key := range []string{"accounts", "totalAvailable", "totalLocked", "totalPendingIncoming", "totalPendingOutgoing", "totalVolume"} {
		require.Contains(t, balances, key)
	}
	require.NotContains(t, balances, "TotalAvailable")

	res = api.do(t, "admin", http.MethodGet, "/v1/admin/audit?limit=10", nil)
	require.Equal(t, http.StatusOK, res.Code)
	audit := decode(t, res)
	require.Equal(t, true, audit["intact"])
	require.Len(t, audit["records"], 3)

	res = api.do(t, "alice", http.MethodGet, "/v1/admin/audit", nil)
	require.Equal(t, http.StatusForbidden, res.Code)
}
