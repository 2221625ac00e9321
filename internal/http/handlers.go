package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/robertarktes/ticketing-checkout/internal/adapters/qrcode"
	"github.com/robertarktes/ticketing-checkout/internal/checkout"
	"github.com/robertarktes/ticketing-checkout/internal/domain"
	"github.com/robertarktes/ticketing-checkout/internal/observability"
	"github.com/robertarktes/ticketing-checkout/internal/payment"
	"github.com/robertarktes/ticketing-checkout/internal/tickets"
	"github.com/robertarktes/ticketing-checkout/internal/wallet"
)

const maxBodyBytes = 1 << 20

var errBadRequest = errors.Mark(errors.New("INVALID_REQUEST"), domain.ErrValidation)

// Pinger is a dependency checked by /v1/readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a plain function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Handlers struct {
	checkout *checkout.Orchestrator
	payments *payment.Reconciler
	tickets  *tickets.Service
	wallets  *wallet.Ledger
	qr       *qrcode.Renderer
	ready    map[string]Pinger
	logger   observability.Logger
}

func NewHandlers(orch *checkout.Orchestrator, payments *payment.Reconciler, tix *tickets.Service, wallets *wallet.Ledger, qr *qrcode.Renderer, ready map[string]Pinger, logger observability.Logger) *Handlers {
	return &Handlers{
		checkout: orch,
		payments: payments,
		tickets:  tix,
		wallets:  wallets,
		qr:       qr,
		ready:    ready,
		logger:   logger,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.CodeOf(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest):
		code, status = "INVALID_REQUEST", http.StatusBadRequest
	case errors.Is(err, domain.ErrDuplicate):
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrStateConflict):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		loggerFrom(r.Context(), h.logger).WithError(err).
			WithField("path", r.URL.Path).
			Error("request failed")
		writeJSON(w, status, errorView{Code: domain.CodeInternal, Message: "internal error"})
		return
	}
	writeJSON(w, status, errorView{Code: code, Message: strings.ToLower(strings.ReplaceAll(string(code), "_", " "))})
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Mark(errors.Wrap(err, "decode body"), errBadRequest)
	}
	return nil
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, errors.Mark(errors.Wrapf(err, "parse %s", name), errBadRequest)
	}
	return id, nil
}

// ownedPurchase loads a purchase the caller may act on. Registered purchases
// are invisible to other users; guest purchases are reachable by id alone.
func (h *Handlers) ownedPurchase(r *http.Request) (domain.Purchase, error) {
	id, err := pathID(r, "id")
	if err != nil {
		return domain.Purchase{}, err
	}
	p, err := h.payments.Purchase(r.Context(), id)
	if err != nil {
		return domain.Purchase{}, err
	}
	if p.Owner.Registered() && p.Owner.UserID != userFrom(r.Context()) {
		return domain.Purchase{}, domain.ErrPurchaseNotFound
	}
	return p, nil
}

func (h *Handlers) Checkout(w http.ResponseWriter, r *http.Request) {
	var cart checkout.Cart
	if err := decode(r, &cart); err != nil {
		h.writeError(w, r, err)
		return
	}
	cart.UserID = userFrom(r.Context())

	res, err := h.checkout.Checkout(r.Context(), cart)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, checkoutView{Purchase: newPurchaseView(res.Purchase), Payment: res.Payment})
}

func (h *Handlers) GetPurchase(w http.ResponseWriter, r *http.Request) {
	p, err := h.ownedPurchase(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	view := newPurchaseView(p)

	payments, err := h.payments.Payments(ctx, p.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	for _, pay := range payments {
		view.Payments = append(view.Payments, newPaymentView(pay))
	}
	refunds, err := h.payments.Refunds(ctx, p.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	for _, rf := range refunds {
		view.Refunds = append(view.Refunds, newRefundView(rf))
	}
	issued, err := h.tickets.ForPurchase(ctx, p.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	for _, t := range issued {
		view.Tickets = append(view.Tickets, newTicketView(t))
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handlers) CancelPurchase(w http.ResponseWriter, r *http.Request) {
	p, err := h.ownedPurchase(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	p, err = h.payments.Cancel(r.Context(), p.ID, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPurchaseView(p))
}

func (h *Handlers) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.ownedPurchase(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	pay, err := h.payments.InitiateGatewayPayment(r.Context(), p.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPaymentView(pay))
}

func (h *Handlers) WalletDebit(w http.ResponseWriter, r *http.Request) {
	p, err := h.ownedPurchase(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.payments.RecordWalletDebit(r.Context(), p.ID, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSettlementView(res))
}

func (h *Handlers) Refund(w http.ResponseWriter, r *http.Request) {
	purchaseID, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		PaymentID uuid.UUID           `json:"payment_id"`
		Amount    decimal.Decimal     `json:"amount"`
		Target    domain.RefundTarget `json:"target"`
		Reason    string              `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	rf, err := h.payments.Refund(r.Context(), payment.RefundRequest{
		PurchaseID: purchaseID,
		PaymentID:  req.PaymentID,
		Amount:     req.Amount,
		Target:     req.Target,
		Reason:     req.Reason,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newRefundView(rf))
}

// PaymentWebhook takes gateway notifications. Replays answer 200 like the
// first delivery so the gateway stops retrying.
func (h *Handlers) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var ev payment.GatewayEvent
	if err := decode(r, &ev); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.payments.RecordGatewayEvent(r.Context(), ev)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSettlementView(res))
}

func newSettlementView(res payment.Result) settlementView {
	return settlementView{
		Settlement:     res.Settlement,
		PurchaseID:     res.Purchase.ID,
		PurchaseStatus: res.Purchase.Status,
		PaymentID:      res.Payment.ID,
		PaymentStatus:  res.Payment.Status,
	}
}

func (h *Handlers) ValidateQR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		ValidatorID string `json:"validator_id"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		h.writeError(w, r, errors.Mark(errors.New("token is required"), errBadRequest))
		return
	}
	if req.ValidatorID == "" {
		req.ValidatorID = operatorFrom(r.Context())
	}
	scan, err := h.tickets.Validate(r.Context(), req.Token, req.ValidatorID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	view := scanView{Outcome: scan.Outcome}
	if scan.Record != nil {
		view.TicketID = optionalID(scan.Ticket.ID)
		view.RecordID = optionalID(scan.Record.ID)
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handlers) RevertValidation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, err := h.tickets.Revert(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newValidationView(rec))
}

func (h *Handlers) VoidTicket(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	t, err := h.tickets.Void(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTicketView(t))
}

func (h *Handlers) TicketQR(w http.ResponseWriter, r *http.Request) {
	t, err := h.tickets.ByToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	png, err := h.qr.PNG(t.QRToken)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// ownWallet rejects access to a wallet other than the caller's.
func ownWallet(r *http.Request) (uuid.UUID, error) {
	id, err := pathID(r, "id")
	if err != nil {
		return uuid.Nil, err
	}
	if id != userFrom(r.Context()) {
		return uuid.Nil, domain.ErrWalletNotFound
	}
	return id, nil
}

func (h *Handlers) OpenWallet(w http.ResponseWriter, r *http.Request) {
	id, err := ownWallet(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	wal, err := h.wallets.Open(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, walletView{ID: wal.ID, Balance: wal.Balance, Version: wal.Version})
}

func (h *Handlers) GetWallet(w http.ResponseWriter, r *http.Request) {
	id, err := ownWallet(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	movements, err := h.wallets.Movements(ctx, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	balance, err := h.wallets.Balance(ctx, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	consistent, err := h.wallets.Verify(ctx, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	view := walletView{ID: id, Balance: balance, Consistent: &consistent}
	for _, m := range movements {
		view.Movements = append(view.Movements, newMovementView(m))
		view.Version = m.Seq
	}
	writeJSON(w, http.StatusOK, view)
}

type movementRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// CreditWallet is an operator top-up of any wallet.
func (h *Handlers) CreditWallet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.move(w, r, id, h.wallets.Credit)
}

func (h *Handlers) DebitWallet(w http.ResponseWriter, r *http.Request) {
	id, err := ownWallet(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.move(w, r, id, h.wallets.Debit)
}

func (h *Handlers) move(w http.ResponseWriter, r *http.Request, walletID uuid.UUID, apply func(context.Context, uuid.UUID, decimal.Decimal, domain.Reference) (domain.WalletMovement, error)) {
	var req movementRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	m, err := apply(r.Context(), walletID, req.Amount, domain.ManualReference())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newMovementView(m))
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, p := range h.ready {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		loggerFrom(r.Context(), h.logger).WithField("failed", failed).Warn("not ready")
		writeJSON(w, http.StatusServiceUnavailable, failed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ready"))
}
