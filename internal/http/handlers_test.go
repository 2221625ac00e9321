package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/ticketing-checkout/internal/adapters/memstore"
	"github.com/robertarktes/ticketing-checkout/internal/adapters/qrcode"
	"github.com/robertarktes/ticketing-checkout/internal/checkout"
	"github.com/robertarktes/ticketing-checkout/internal/domain"
	api "github.com/robertarktes/ticketing-checkout/internal/http"
	"github.com/robertarktes/ticketing-checkout/internal/inventory"
	"github.com/robertarktes/ticketing-checkout/internal/observability"
	"github.com/robertarktes/ticketing-checkout/internal/payment"
	"github.com/robertarktes/ticketing-checkout/internal/pricing"
	"github.com/robertarktes/ticketing-checkout/internal/tickets"
	"github.com/robertarktes/ticketing-checkout/internal/wallet"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

const webhookSecret = "whsec-test"

var (
	asOperator = http.Header{api.HeaderOperator: {"box-office"}}
	asGateway  = http.Header{api.HeaderWebhookSecret: {webhookSecret}}
)

type server struct {
	*httptest.Server
	ga domain.TicketType
}

func newServer(t *testing.T, ready map[string]api.Pinger) server {
	t.Helper()
	store := memstore.New()
	audit := memstore.NewAuditLog()
	logger := observability.NewNopLogger()

	ga := domain.TicketType{ID: uuid.New(), Name: "GA", Cost: dec("25"), Total: 4}
	store.PutTicketType(ga)

	alloc := inventory.NewAllocator(store, 10*time.Minute, logger)
	issuer := tickets.NewService(store, audit, logger)
	catalog := pricing.NewCatalog(store, decimal.Zero, decimal.Zero)
	h := api.NewHandlers(
		checkout.NewOrchestrator(store, alloc, catalog, pricing.NewEngine(domain.DefaultScale), domain.DefaultScale, logger),
		payment.NewReconciler(store, alloc, issuer, audit, logger),
		issuer,
		wallet.NewLedger(store, audit, logger, domain.DefaultScale),
		qrcode.NewRenderer(128),
		ready,
		logger,
	)
	srv := httptest.NewServer(api.SetupRouter(h, logger, api.RouterOptions{WebhookSecret: webhookSecret}))
	t.Cleanup(srv.Close)
	return server{Server: srv, ga: ga}
}

func (s server) do(t *testing.T, method, path string, user uuid.UUID, body interface{}, extra ...http.Header) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != uuid.Nil {
		req.Header.Set(api.HeaderUserID, user.String())
	}
	for _, h := range extra {
		for k, vs := range h {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

type errorBody struct {
	Code string `json:"code"`
}

type purchaseBody struct {
	ID      uuid.UUID `json:"id"`
	Status  string    `json:"status"`
	Total   decimal.Decimal
	Tickets []struct {
		ID      uuid.UUID `json:"id"`
		QRToken string    `json:"qr_token"`
		Status  string    `json:"status"`
	} `json:"tickets"`
	Payments []struct {
		ID     uuid.UUID `json:"id"`
		Status string    `json:"status"`
	} `json:"payments"`
}

type checkoutBody struct {
	Purchase purchaseBody `json:"purchase"`
	Payment  struct {
		Method    string          `json:"method"`
		PaymentID uuid.UUID       `json:"payment_id"`
		Amount    decimal.Decimal `json:"amount"`
	} `json:"payment"`
}

func (s server) checkout(t *testing.T, user uuid.UUID, method domain.PaymentMethod, qty int) checkoutBody {
	t.Helper()
	cart := map[string]interface{}{
		"lines":  []map[string]interface{}{{"kind": "TICKET", "ticket_type_id": s.ga.ID, "quantity": qty}},
		"method": method,
	}
	if user == uuid.Nil {
		cart["guest_email"] = "guest@example.com"
	}
	resp := s.do(t, http.MethodPost, "/v1/checkout", user, cart)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out checkoutBody
	decodeBody(t, resp, &out)
	return out
}

func TestGatewayCheckoutThroughWebhook(t *testing.T) {
	s := newServer(t, nil)
	user := uuid.New()

	co := s.checkout(t, user, domain.MethodGateway, 2)
	assert.Equal(t, "PENDING", co.Purchase.Status)
	assert.Equal(t, "GATEWAY", co.Payment.Method)
	assert.True(t, dec("50").Equal(co.Payment.Amount))

	event := map[string]interface{}{
		"external_tx_id": "tx-42",
		"payment_ref":    co.Payment.PaymentID,
		"amount":         "50.00",
		"outcome":        "APPROVED",
	}
	resp := s.do(t, http.MethodPost, "/v1/payments/webhook", uuid.Nil, event, asGateway)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var settled struct {
		Settlement     string `json:"settlement"`
		PurchaseStatus string `json:"purchase_status"`
	}
	decodeBody(t, resp, &settled)
	assert.Equal(t, "APPLIED", settled.Settlement)
	assert.Equal(t, "COMPLETED", settled.PurchaseStatus)

	resp = s.do(t, http.MethodPost, "/v1/payments/webhook", uuid.Nil, event, asGateway)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &settled)
	assert.Equal(t, "DUPLICATE", settled.Settlement)

	resp = s.do(t, http.MethodGet, "/v1/purchases/"+co.Purchase.ID.String(), user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p purchaseBody
	decodeBody(t, resp, &p)
	assert.Equal(t, "COMPLETED", p.Status)
	require.Len(t, p.Tickets, 2)
	require.Len(t, p.Payments, 1)
	assert.Equal(t, "APPROVED", p.Payments[0].Status)

	// Someone else's purchase does not exist for them.
	resp = s.do(t, http.MethodGet, "/v1/purchases/"+co.Purchase.ID.String(), uuid.New(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/v1/tickets/"+p.Tickets[0].QRToken+"/qr.png", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
}

func TestGateScan(t *testing.T) {
	s := newServer(t, nil)
	co := s.checkout(t, uuid.Nil, domain.MethodGateway, 1)
	resp := s.do(t, http.MethodPost, "/v1/payments/webhook", uuid.Nil, map[string]interface{}{
		"external_tx_id": "tx-7",
		"payment_ref":    co.Payment.PaymentID,
		"amount":         "25",
		"outcome":        "APPROVED",
	}, asGateway)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/v1/purchases/"+co.Purchase.ID.String(), uuid.Nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p purchaseBody
	decodeBody(t, resp, &p)
	require.Len(t, p.Tickets, 1)
	token := p.Tickets[0].QRToken

	type scan struct {
		Outcome  string     `json:"outcome"`
		RecordID *uuid.UUID `json:"record_id"`
	}
	validate := func() scan {
		resp := s.do(t, http.MethodPost, "/v1/qr/validate", uuid.Nil, map[string]string{"token": token, "validator_id": "gate-1"}, asOperator)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out scan
		decodeBody(t, resp, &out)
		return out
	}

	first := validate()
	assert.Equal(t, "ACCEPTED", first.Outcome)
	require.NotNil(t, first.RecordID)
	assert.Equal(t, "ALREADY_USED", validate().Outcome)

	resp = s.do(t, http.MethodPost, "/v1/validations/"+first.RecordID.String()+"/revert", uuid.Nil, nil, asOperator)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = s.do(t, http.MethodPost, "/v1/validations/"+first.RecordID.String()+"/revert", uuid.Nil, nil, asOperator)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	assert.Equal(t, "ACCEPTED", validate().Outcome)

	resp = s.do(t, http.MethodPost, "/v1/qr/validate", uuid.Nil, map[string]string{"token": "nope"}, asOperator)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var unknown scan
	decodeBody(t, resp, &unknown)
	assert.Equal(t, "NOT_FOUND", unknown.Outcome)
}

func TestWalletPurchase(t *testing.T) {
	s := newServer(t, nil)
	user := uuid.New()
	walletPath := "/v1/wallets/" + user.String()

	resp := s.do(t, http.MethodPost, walletPath, user, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = s.do(t, http.MethodPost, walletPath, uuid.New(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(t, http.MethodPost, walletPath+"/credit", uuid.Nil, map[string]string{"amount": "30"}, asOperator)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	co := s.checkout(t, user, domain.MethodWallet, 2)
	debit := "/v1/purchases/" + co.Purchase.ID.String() + "/wallet-debit"
	resp = s.do(t, http.MethodPost, debit, user, map[string]string{"amount": "50"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var e errorBody
	decodeBody(t, resp, &e)
	assert.Equal(t, string(domain.CodeInsufficientBalance), e.Code)

	resp = s.do(t, http.MethodPost, walletPath+"/credit", uuid.Nil, map[string]string{"amount": "20"}, asOperator)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = s.do(t, http.MethodPost, debit, user, map[string]string{"amount": "50"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, http.MethodGet, walletPath, user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var w struct {
		Balance    decimal.Decimal `json:"balance"`
		Consistent *bool           `json:"consistent"`
		Movements  []struct {
			Amount decimal.Decimal `json:"amount"`
		} `json:"movements"`
	}
	decodeBody(t, resp, &w)
	assert.True(t, w.Balance.IsZero(), w.Balance.String())
	require.NotNil(t, w.Consistent)
	assert.True(t, *w.Consistent)
	assert.Len(t, w.Movements, 3)
}

func TestErrorMapping(t *testing.T) {
	s := newServer(t, nil)
	user := uuid.New()

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{
			name:   "unknown field",
			method: http.MethodPost,
			path:   "/v1/checkout",
			body:   map[string]interface{}{"lines": []interface{}{}, "bogus": 1},
			status: http.StatusBadRequest,
			code:   "INVALID_REQUEST",
		},
		{
			name:   "empty cart",
			method: http.MethodPost,
			path:   "/v1/checkout",
			body:   map[string]interface{}{"lines": []interface{}{}, "method": "GATEWAY"},
			status: http.StatusBadRequest,
			code:   string(domain.CodeEmptyCart),
		},
		{
			name:   "bad id",
			method: http.MethodGet,
			path:   "/v1/purchases/not-a-uuid",
			status: http.StatusBadRequest,
			code:   "INVALID_REQUEST",
		},
		{
			name:   "missing purchase",
			method: http.MethodGet,
			path:   "/v1/purchases/" + uuid.NewString(),
			status: http.StatusNotFound,
			code:   string(domain.CodePurchaseNotFound),
		},
		{
			name:   "over stock",
			method: http.MethodPost,
			path:   "/v1/checkout",
			body: map[string]interface{}{
				"lines":  []map[string]interface{}{{"kind": "TICKET", "ticket_type_id": s.ga.ID, "quantity": 5}},
				"method": "GATEWAY",
			},
			status: http.StatusConflict,
			code:   string(domain.CodeOutOfStock),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, tt.method, tt.path, user, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			var e errorBody
			decodeBody(t, resp, &e)
			assert.Equal(t, tt.code, e.Code)
		})
	}

	t.Run("invalid user header", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, s.URL+"/v1/purchases/"+uuid.NewString(), nil)
		require.NoError(t, err)
		req.Header.Set(api.HeaderUserID, "root")
		resp, err := s.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestCancelReleasesStock(t *testing.T) {
	s := newServer(t, nil)
	user := uuid.New()
	co := s.checkout(t, user, domain.MethodGateway, 4)

	resp := s.do(t, http.MethodPost, "/v1/purchases/"+co.Purchase.ID.String()+"/cancel", user, map[string]string{"reason": "changed mind"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p purchaseBody
	decodeBody(t, resp, &p)
	assert.Equal(t, "CANCELLED", p.Status)

	s.checkout(t, user, domain.MethodGateway, 4)
}

func TestReadiness(t *testing.T) {
	healthy := newServer(t, map[string]api.Pinger{
		"store": api.PingFunc(func(context.Context) error { return nil }),
	})
	resp := healthy.do(t, http.MethodGet, "/v1/readyz", uuid.Nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	broken := newServer(t, map[string]api.Pinger{
		"redis": api.PingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})
	resp = broken.do(t, http.MethodGet, "/v1/readyz", uuid.Nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = broken.do(t, http.MethodGet, "/v1/healthz", uuid.Nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOperatorRoutes(t *testing.T) {
	s := newServer(t, nil)
	user := uuid.New()
	co := s.checkout(t, user, domain.MethodGateway, 2)
	resp := s.do(t, http.MethodPost, "/v1/payments/webhook", uuid.Nil, map[string]interface{}{
		"external_tx_id": "tx-op",
		"payment_ref":    co.Payment.PaymentID,
		"amount":         "50",
		"outcome":        "APPROVED",
	}, asGateway)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/v1/purchases/"+co.Purchase.ID.String(), user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p purchaseBody
	decodeBody(t, resp, &p)
	require.Len(t, p.Tickets, 2)

	walletPath := "/v1/wallets/" + user.String()
	resp = s.do(t, http.MethodPost, walletPath, user, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	refund := map[string]interface{}{"amount": "10", "target": "GATEWAY"}
	tests := []struct {
		name string
		path string
		body interface{}
	}{
		{name: "self credit", path: walletPath + "/credit", body: map[string]string{"amount": "1000"}},
		{name: "refund", path: "/v1/purchases/" + co.Purchase.ID.String() + "/refunds", body: refund},
		{name: "void", path: "/v1/tickets/" + p.Tickets[0].ID.String() + "/void"},
		{name: "revert", path: "/v1/validations/" + uuid.NewString() + "/revert"},
		{name: "gate scan", path: "/v1/qr/validate", body: map[string]string{"token": p.Tickets[0].QRToken}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, http.MethodPost, tt.path, user, tt.body)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
			var e errorBody
			decodeBody(t, resp, &e)
			assert.Equal(t, "FORBIDDEN", e.Code)
		})
	}

	resp = s.do(t, http.MethodGet, walletPath, user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var w struct {
		Balance decimal.Decimal `json:"balance"`
	}
	decodeBody(t, resp, &w)
	assert.True(t, w.Balance.IsZero(), w.Balance.String())

	resp = s.do(t, http.MethodPost, "/v1/purchases/"+co.Purchase.ID.String()+"/refunds", uuid.Nil, refund, asOperator)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = s.do(t, http.MethodPost, "/v1/tickets/"+p.Tickets[0].ID.String()+"/void", uuid.Nil, nil, asOperator)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var voided struct {
		Status string `json:"status"`
	}
	decodeBody(t, resp, &voided)
	assert.Equal(t, "VOIDED", voided.Status)
}

func TestWebhookAuth(t *testing.T) {
	s := newServer(t, nil)
	co := s.checkout(t, uuid.Nil, domain.MethodGateway, 1)
	event := map[string]interface{}{
		"external_tx_id": "tx-auth",
		"payment_ref":    co.Payment.PaymentID,
		"amount":         "25",
		"outcome":        "APPROVED",
	}

	tests := []struct {
		name   string
		header http.Header
		status int
	}{
		{name: "missing secret", header: http.Header{}, status: http.StatusUnauthorized},
		{name: "wrong secret", header: http.Header{api.HeaderWebhookSecret: {"guess"}}, status: http.StatusUnauthorized},
		{name: "right secret", header: asGateway, status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, http.MethodPost, "/v1/payments/webhook", uuid.Nil, event, tt.header)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	resp := s.do(t, http.MethodGet, "/v1/purchases/"+co.Purchase.ID.String(), uuid.Nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p purchaseBody
	decodeBody(t, resp, &p)
	assert.Equal(t, "COMPLETED", p.Status)
}
