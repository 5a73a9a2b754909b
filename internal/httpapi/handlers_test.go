package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dukaanpos/backend/internal/domain"
	"dukaanpos/backend/internal/receipt"
	"dukaanpos/backend/internal/report"
	"dukaanpos/backend/internal/service"
	"dukaanpos/backend/internal/store/memory"
)

const (
	testSecret   = "0123456789abcdef0123456789abcdef"
	testUsername = "operator"
	testPassword = "zx9!Km2pQ"
)

type testAPI struct {
	api     *API
	handler http.Handler
	token   string
	csrf    string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	repo := memory.New(domain.BalanceClampZero)
	renderer := receipt.New("Zeeshan Mobile Accessories", "03296971255")
	svc := service.New(repo, renderer, nil)
	reports := report.NewEngine(repo, nil, 0, domain.BalanceClampZero, nil)
	auth, err := NewAuthManager(testSecret, time.Hour, testUsername, testPassword)
	require.NoError(t, err)

	api := New(svc, reports, auth, "http://127.0.0.1:3000", nil)
	ta := &testAPI{api: api, handler: api.Handler()}
	ta.csrf = api.generateCSRFToken()

	resp, err := auth.Login(domain.LoginRequest{Username: testUsername, Password: testPassword})
	require.NoError(t, err)
	ta.token = resp.AccessToken
	return ta
}

func (ta *testAPI) do(t *testing.T, method string, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var payload *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewBuffer(raw)
	} else {
		payload = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, payload)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ta.token != "" {
		req.Header.Set("Authorization", "Bearer "+ta.token)
	}
	req.Header.Set("X-CSRF-Token", ta.csrf)

	rec := httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest))
}

func TestHealth(t *testing.T) {
	ta := newTestAPI(t)
	rec := ta.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok":true`)
}

func TestLogin(t *testing.T) {
	ta := newTestAPI(t)
	ta.token = ""

	rec := ta.do(t, http.MethodPost, "/api/v1/auth/login", domain.LoginRequest{Username: testUsername, Password: testPassword})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp domain.LoginResponse
	decodeBody(t, rec, &resp)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.ExpiresAt)

	rec = ta.do(t, http.MethodPost, "/api/v1/auth/login", domain.LoginRequest{Username: testUsername, Password: "wrong-pass"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginRateLimited(t *testing.T) {
	ta := newTestAPI(t)
	ta.token = ""

	bad := domain.LoginRequest{Username: testUsername, Password: "wrong-pass"}
	for range 5 {
		rec := ta.do(t, http.MethodPost, "/api/v1/auth/login", bad)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := ta.do(t, http.MethodPost, "/api/v1/auth/login", bad)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRequireAuth(t *testing.T) {
	ta := newTestAPI(t)

	ta.token = ""
	rec := ta.do(t, http.MethodGet, "/api/v1/customers", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	ta.token = "not-a-token"
	rec = ta.do(t, http.MethodGet, "/api/v1/customers", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCSRFRequiredForMutations(t *testing.T) {
	ta := newTestAPI(t)
	ta.csrf = ""

	rec := ta.do(t, http.MethodPost, "/api/v1/customers", domain.CustomerCreateRequest{Name: "Ali"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Reads are exempt.
	rec = ta.do(t, http.MethodGet, "/api/v1/customers", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCSRFTokenEndpoint(t *testing.T) {
	ta := newTestAPI(t)
	rec := ta.do(t, http.MethodGet, "/api/v1/auth/csrf-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Token string `json:"csrf_token"`
	}
	decodeBody(t, rec, &resp)
	assert.True(t, ta.api.validateCSRFToken(resp.Token))
}

func TestCustomerEndpoints(t *testing.T) {
	ta := newTestAPI(t)

	rec := ta.do(t, http.MethodPost, "/api/v1/customers", domain.CustomerCreateRequest{Name: "Ali", Phone: "0300-1234567"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ta.do(t, http.MethodPost, "/api/v1/customers", domain.CustomerCreateRequest{Name: "Ali"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ta.do(t, http.MethodPost, "/api/v1/customers", domain.CustomerCreateRequest{Name: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ta.do(t, http.MethodGet, "/api/v1/customers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list domain.CustomerListResponse
	decodeBody(t, rec, &list)
	// Ali plus the seeded walk-in customer.
	assert.Len(t, list.Customers, 2)

	rec = ta.do(t, http.MethodGet, "/api/v1/customers/Ali", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ta.do(t, http.MethodGet, "/api/v1/customers/Ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCartToInvoiceFlow(t *testing.T) {
	ta := newTestAPI(t)

	rec := ta.do(t, http.MethodPost, "/api/v1/customers", domain.CustomerCreateRequest{Name: "Ali"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ta.do(t, http.MethodPost, "/api/v1/carts", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var opened struct {
		Cart domain.Cart `json:"cart"`
	}
	decodeBody(t, rec, &opened)
	cartID := opened.Cart.ID
	require.NotEmpty(t, cartID)

	rec = ta.do(t, http.MethodPost, fmt.Sprintf("/api/v1/carts/%s/items", cartID), domain.LineItemRequest{Description: "Charger", Qty: 1, UnitPriceCents: 30000})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ta.do(t, http.MethodPost, fmt.Sprintf("/api/v1/carts/%s/customer", cartID), domain.SelectCustomerRequest{CustomerName: "Ali"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ta.do(t, http.MethodPost, fmt.Sprintf("/api/v1/carts/%s/finalize", cartID), domain.FinalizeRequest{AmountPaidCents: 20000})
	require.Equal(t, http.StatusCreated, rec.Code)

	var finalized struct {
		Invoice domain.Invoice `json:"invoice"`
	}
	decodeBody(t, rec, &finalized)
	assert.Equal(t, "ZMA-000001", finalized.Invoice.ID)
	assert.Equal(t, int64(10000), finalized.Invoice.NewBalanceCents)

	// The cart is gone after a successful finalize.
	rec = ta.do(t, http.MethodGet, "/api/v1/carts/"+cartID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ta.do(t, http.MethodPost, "/api/v1/payments", domain.PaymentRequest{CustomerName: "Ali", AmountCents: 10000})
	require.Equal(t, http.StatusCreated, rec.Code)
	decodeBody(t, rec, &finalized)
	assert.Equal(t, "PAY-000002", finalized.Invoice.ID)
	assert.Equal(t, int64(0), finalized.Invoice.NewBalanceCents)

	rec = ta.do(t, http.MethodGet, "/api/v1/invoices/ZMA-000001", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ta.do(t, http.MethodGet, "/api/v1/invoices/ZMA-000001/receipt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var doc domain.ReceiptDocument
	decodeBody(t, rec, &doc)
	assert.Contains(t, doc.PreviewText, "ZMA-000001")

	rec = ta.do(t, http.MethodGet, "/api/v1/customers/Ali/invoices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history domain.InvoiceListResponse
	decodeBody(t, rec, &history)
	assert.Len(t, history.Invoices, 2)
}

func TestPaymentOverBalanceRejected(t *testing.T) {
	ta := newTestAPI(t)

	rec := ta.do(t, http.MethodPost, "/api/v1/customers", domain.CustomerCreateRequest{Name: "Ali"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ta.do(t, http.MethodPost, "/api/v1/payments", domain.PaymentRequest{CustomerName: "Ali", AmountCents: 5000})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReportEndpoints(t *testing.T) {
	ta := newTestAPI(t)

	rec := ta.do(t, http.MethodPost, "/api/v1/carts", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var opened struct {
		Cart domain.Cart `json:"cart"`
	}
	decodeBody(t, rec, &opened)

	rec = ta.do(t, http.MethodPost, "/api/v1/carts/"+opened.Cart.ID+"/items", domain.LineItemRequest{Description: "Cable", Qty: 3, UnitPriceCents: 1999})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ta.do(t, http.MethodPost, "/api/v1/carts/"+opened.Cart.ID+"/finalize", domain.FinalizeRequest{AmountPaidCents: 5997})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ta.do(t, http.MethodGet, "/api/v1/reports/totals?period=today", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var totals domain.PeriodTotals
	decodeBody(t, rec, &totals)
	assert.Equal(t, int64(1), totals.Invoices)
	assert.Equal(t, int64(5997), totals.SalesCents)

	rec = ta.do(t, http.MethodGet, "/api/v1/reports/totals?period=fortnight", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ta.do(t, http.MethodGet, "/api/v1/reports/outstanding", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ta.do(t, http.MethodGet, "/api/v1/reports/items", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var items domain.MonthlyItemSummaryResponse
	decodeBody(t, rec, &items)
	require.Len(t, items.Items, 1)
	assert.Equal(t, "Cable", items.Items[0].Description)

	rec = ta.do(t, http.MethodGet, "/api/v1/invoices?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var invoices domain.InvoiceListResponse
	decodeBody(t, rec, &invoices)
	assert.Len(t, invoices.Invoices, 1)
}

func TestExportEndpoints(t *testing.T) {
	ta := newTestAPI(t)

	rec := ta.do(t, http.MethodGet, "/api/v1/export/invoices.csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "invoices.csv")

	rec = ta.do(t, http.MethodGet, "/api/v1/export/ledger.csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "customer_name,phone,balance_cents")
}

func TestAuditLogEndpoint(t *testing.T) {
	ta := newTestAPI(t)

	rec := ta.do(t, http.MethodPost, "/api/v1/customers", domain.CustomerCreateRequest{Name: "Ali"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ta.do(t, http.MethodGet, "/api/v1/audit-logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var logs domain.AuditLogListResponse
	decodeBody(t, rec, &logs)
	require.Len(t, logs.Entries, 1)
	assert.Equal(t, "customer_create", logs.Entries[0].Action)

	rec = ta.do(t, http.MethodGet, "/api/v1/audit-logs?date=not-a-date", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownFieldRejected(t *testing.T) {
	ta := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/customers", bytes.NewBufferString(`{"name":"Ali","surprise":true}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+ta.token)
	req.Header.Set("X-CSRF-Token", ta.csrf)

	rec := httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	ta := newTestAPI(t)

	rec := ta.do(t, http.MethodDelete, "/api/v1/customers", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = ta.do(t, http.MethodPost, "/healthz", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	ta := newTestAPI(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/customers", nil)
	rec := httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://127.0.0.1:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}
