package payment_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/ticketing-checkout/internal/adapters/memstore"
	"github.com/robertarktes/ticketing-checkout/internal/checkout"
	"github.com/robertarktes/ticketing-checkout/internal/domain"
	"github.com/robertarktes/ticketing-checkout/internal/inventory"
	"github.com/robertarktes/ticketing-checkout/internal/observability"
	"github.com/robertarktes/ticketing-checkout/internal/payment"
	"github.com/robertarktes/ticketing-checkout/internal/pricing"
	"github.com/robertarktes/ticketing-checkout/internal/tickets"
	"github.com/robertarktes/ticketing-checkout/internal/wallet"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	store   *memstore.Store
	orch    *checkout.Orchestrator
	rec     *payment.Reconciler
	tickets *tickets.Service
	ledger  *wallet.Ledger
	ga      domain.TicketType
}

func newHarness(t *testing.T) harness {
	t.Helper()
	store := memstore.New()
	audit := memstore.NewAuditLog()
	logger := observability.NewNopLogger()

	ga := domain.TicketType{ID: uuid.New(), Name: "GA", Cost: dec("25"), Total: 4}
	store.PutTicketType(ga)

	alloc := inventory.NewAllocator(store, 10*time.Minute, logger)
	issuer := tickets.NewService(store, audit, logger)
	catalog := pricing.NewCatalog(store, decimal.Zero, decimal.Zero)
	return harness{
		store:   store,
		orch:    checkout.NewOrchestrator(store, alloc, catalog, pricing.NewEngine(domain.DefaultScale), domain.DefaultScale, logger),
		rec:     payment.NewReconciler(store, alloc, issuer, audit, logger),
		tickets: issuer,
		ledger:  wallet.NewLedger(store, audit, logger, domain.DefaultScale),
		ga:      ga,
	}
}

// buy checks out two GA tickets, 50.00 in total.
func (h harness) buy(t *testing.T, user uuid.UUID, method domain.PaymentMethod) checkout.Result {
	t.Helper()
	res, err := h.orch.Checkout(context.Background(), checkout.Cart{
		UserID: user,
		Lines:  []checkout.CartLine{{Kind: domain.LineTicket, TicketTypeID: h.ga.ID, Quantity: 2}},
		Method: method,
	})
	require.NoError(t, err)
	return res
}

func (h harness) stock(t *testing.T) domain.TicketType {
	t.Helper()
	tt, err := h.store.GetTicketType(context.Background(), h.ga.ID)
	require.NoError(t, err)
	return tt
}

func (h harness) ticketsOf(t *testing.T, purchaseID uuid.UUID) []domain.IssuedTicket {
	t.Helper()
	out, err := h.tickets.ForPurchase(context.Background(), purchaseID)
	require.NoError(t, err)
	return out
}

func approved(ext string, ref uuid.UUID, amount string) payment.GatewayEvent {
	return payment.GatewayEvent{ExternalTxID: ext, PaymentRef: ref, Amount: dec(amount), Outcome: payment.OutcomeApproved}
}

func TestRecordGatewayEvent_DuplicateDeliveriesApplyOnce(t *testing.T) {
	h := newHarness(t)
	res := h.buy(t, uuid.New(), domain.MethodGateway)
	ev := approved("tx-1", res.Payment.PaymentID, "50.00")

	const deliveries = 8
	settlements := make(chan domain.Settlement, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := h.rec.RecordGatewayEvent(context.Background(), ev)
			assert.NoError(t, err)
			settlements <- r.Settlement
		}()
	}
	wg.Wait()
	close(settlements)

	counts := map[domain.Settlement]int{}
	for s := range settlements {
		counts[s]++
	}
	assert.Equal(t, 1, counts[domain.SettlementApplied])
	assert.Equal(t, deliveries-1, counts[domain.SettlementDuplicate])

	p, err := h.rec.Purchase(context.Background(), res.Purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PurchaseCompleted, p.Status)
	assert.Equal(t, res.Payment.PaymentID, p.PaymentID)

	assert.Len(t, h.ticketsOf(t, p.ID), 2)
	assert.Len(t, h.store.EventsOfType(domain.EventPurchaseCompleted), 1)
	tt := h.stock(t)
	assert.Equal(t, 2, tt.Sold)
	assert.Equal(t, 0, tt.Held)

	// A later replay by external id alone is still ignored.
	r, err := h.rec.RecordGatewayEvent(context.Background(), approved("tx-1", uuid.Nil, "50.00"))
	require.NoError(t, err)
	assert.True(t, r.Ignored())
}

func TestRecordGatewayEvent_RejectionReleasesAndRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	res := h.buy(t, uuid.New(), domain.MethodGateway)

	r, err := h.rec.RecordGatewayEvent(ctx, payment.GatewayEvent{
		ExternalTxID: "tx-declined", PaymentRef: res.Payment.PaymentID, Amount: dec("50"), Outcome: payment.OutcomeRejected,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementApplied, r.Settlement)
	assert.Equal(t, domain.PaymentRejected, r.Payment.Status)
	assert.Equal(t, domain.PurchasePending, r.Purchase.Status)
	assert.Equal(t, 0, h.stock(t).Held)

	retry, err := h.rec.InitiateGatewayPayment(ctx, res.Purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, retry.Status)
	assert.Equal(t, 2, h.stock(t).Held)

	r, err = h.rec.RecordGatewayEvent(ctx, approved("tx-ok", retry.ID, "50"))
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementApplied, r.Settlement)
	assert.Len(t, h.ticketsOf(t, res.Purchase.ID), 2)
	assert.Equal(t, 2, h.stock(t).Sold)
	assert.Equal(t, 0, h.stock(t).Held)
}

func TestRecordGatewayEvent_FinalRejectionCancels(t *testing.T) {
	h := newHarness(t)
	res := h.buy(t, uuid.New(), domain.MethodGateway)

	r, err := h.rec.RecordGatewayEvent(context.Background(), payment.GatewayEvent{
		ExternalTxID: "tx-final", PaymentRef: res.Payment.PaymentID, Amount: dec("50"), Outcome: payment.OutcomeRejected, Final: true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PurchaseCancelled, r.Purchase.Status)
	assert.Equal(t, 0, h.stock(t).Held)
	assert.Len(t, h.store.EventsOfType(domain.EventPurchaseCancelled), 1)

	_, err = h.rec.InitiateGatewayPayment(context.Background(), res.Purchase.ID)
	assert.True(t, errors.Is(err, domain.ErrPurchaseTerminal))
}

func TestRecordGatewayEvent_LateApprovalIsRefunded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	res := h.buy(t, uuid.New(), domain.MethodGateway)

	_, err := h.rec.Cancel(ctx, res.Purchase.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 0, h.stock(t).Held)

	r, err := h.rec.RecordGatewayEvent(ctx, approved("tx-late", res.Payment.PaymentID, "50"))
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementLate, r.Settlement)
	assert.Equal(t, domain.PurchaseCancelled, r.Purchase.Status)

	refunds, err := h.rec.Refunds(ctx, res.Purchase.ID)
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, domain.RefundToGateway, refunds[0].Target)
	assert.True(t, dec("50").Equal(refunds[0].Amount))

	pay, err := h.store.GetPayment(ctx, res.Payment.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRefunded, pay.Status)
	assert.Empty(t, h.ticketsOf(t, res.Purchase.ID))

	r, err = h.rec.RecordGatewayEvent(ctx, approved("tx-late", uuid.Nil, "50"))
	require.NoError(t, err)
	assert.True(t, r.Ignored())
	refunds, err = h.rec.Refunds(ctx, res.Purchase.ID)
	require.NoError(t, err)
	assert.Len(t, refunds, 1)
}

func TestRecordGatewayEvent_SecondApprovedAttemptIsRefunded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	res := h.buy(t, uuid.New(), domain.MethodGateway)
	second, err := h.rec.InitiateGatewayPayment(ctx, res.Purchase.ID)
	require.NoError(t, err)

	r, err := h.rec.RecordGatewayEvent(ctx, approved("tx-a", res.Payment.PaymentID, "50"))
	require.NoError(t, err)
	require.Equal(t, domain.SettlementApplied, r.Settlement)

	r, err = h.rec.RecordGatewayEvent(ctx, approved("tx-b", second.ID, "50"))
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementLate, r.Settlement)
	assert.Equal(t, domain.PurchaseCompleted, r.Purchase.Status)
	assert.Equal(t, res.Payment.PaymentID, r.Purchase.PaymentID)

	refunds, err := h.rec.Refunds(ctx, res.Purchase.ID)
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, second.ID, refunds[0].PaymentID)
	// The purchase keeps its tickets.
	for _, tk := range h.ticketsOf(t, res.Purchase.ID) {
		assert.Equal(t, domain.TicketValid, tk.Status)
	}
}

func TestRecordGatewayEvent_Failures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	res := h.buy(t, uuid.New(), domain.MethodGateway)

	_, err := h.rec.RecordGatewayEvent(ctx, approved("tx-x", res.Payment.PaymentID, "49.99"))
	assert.Equal(t, domain.CodeAmountMismatch, domain.CodeOf(err))

	_, err = h.rec.RecordGatewayEvent(ctx, approved("tx-unknown", uuid.Nil, "50"))
	assert.Equal(t, domain.CodePurchaseNotFound, domain.CodeOf(err))

	_, err = h.rec.RecordGatewayEvent(ctx, approved("tx-unknown", uuid.New(), "50"))
	assert.Equal(t, domain.CodePurchaseNotFound, domain.CodeOf(err))

	_, err = h.rec.RecordGatewayEvent(ctx, approved(" ", res.Payment.PaymentID, "50"))
	assert.Equal(t, domain.CodeInvalidEvent, domain.CodeOf(err))

	_, err = h.rec.RecordGatewayEvent(ctx, payment.GatewayEvent{ExternalTxID: "tx-y", Amount: dec("50"), Outcome: "MAYBE"})
	assert.Equal(t, domain.CodeInvalidEvent, domain.CodeOf(err))

	p, err := h.rec.Purchase(ctx, res.Purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PurchasePending, p.Status)
}

func TestRecordWalletDebit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	user := uuid.New()
	_, err := h.ledger.Open(ctx, user)
	require.NoError(t, err)
	_, err = h.ledger.Credit(ctx, user, dec("50"), domain.ManualReference())
	require.NoError(t, err)

	res := h.buy(t, user, domain.MethodWallet)
	r, err := h.rec.RecordWalletDebit(ctx, res.Purchase.ID, res.Payment.Amount)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementApplied, r.Settlement)
	assert.Equal(t, domain.PaymentApproved, r.Payment.Status)
	assert.Equal(t, domain.MethodWallet, r.Payment.Method)
	assert.Len(t, h.ticketsOf(t, res.Purchase.ID), 2)

	balance, err := h.ledger.Balance(ctx, user)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	r, err = h.rec.RecordWalletDebit(ctx, res.Purchase.ID, res.Payment.Amount)
	require.NoError(t, err)
	assert.True(t, r.Ignored())
	balance, err = h.ledger.Balance(ctx, user)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	other := h.buy(t, user, domain.MethodWallet)
	_, err = h.rec.RecordWalletDebit(ctx, other.Purchase.ID, other.Payment.Amount)
	assert.Equal(t, domain.CodeInsufficientBalance, domain.CodeOf(err))
	p, err := h.rec.Purchase(ctx, other.Purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PurchasePending, p.Status)
	assert.Equal(t, 2, h.stock(t).Held)

	_, err = h.rec.RecordWalletDebit(ctx, other.Purchase.ID, dec("10"))
	assert.Equal(t, domain.CodeAmountMismatch, domain.CodeOf(err))
}

func TestRecordWalletDebit_GuestPurchase(t *testing.T) {
	h := newHarness(t)
	res, err := h.orch.Checkout(context.Background(), checkout.Cart{
		GuestEmail: "guest@example.com",
		Lines:      []checkout.CartLine{{Kind: domain.LineTicket, TicketTypeID: h.ga.ID, Quantity: 1}},
		Method:     domain.MethodGateway,
	})
	require.NoError(t, err)

	_, err = h.rec.RecordWalletDebit(context.Background(), res.Purchase.ID, dec("25"))
	assert.Equal(t, domain.CodeWalletRequiresUser, domain.CodeOf(err))
}

func TestRefund_CapAndFullReversal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	user := uuid.New()
	_, err := h.ledger.Open(ctx, user)
	require.NoError(t, err)
	_, err = h.ledger.Credit(ctx, user, dec("50"), domain.ManualReference())
	require.NoError(t, err)
	res := h.buy(t, user, domain.MethodWallet)
	_, err = h.rec.RecordWalletDebit(ctx, res.Purchase.ID, dec("50"))
	require.NoError(t, err)

	_, err = h.rec.Refund(ctx, payment.RefundRequest{PurchaseID: res.Purchase.ID, Amount: dec("20"), Target: domain.RefundToWallet})
	require.NoError(t, err)
	balance, err := h.ledger.Balance(ctx, user)
	require.NoError(t, err)
	assert.True(t, dec("20").Equal(balance))

	_, err = h.rec.Refund(ctx, payment.RefundRequest{PurchaseID: res.Purchase.ID, Amount: dec("40"), Target: domain.RefundToWallet})
	assert.Equal(t, domain.CodeRefundExceedsPayment, domain.CodeOf(err))
	for _, tk := range h.ticketsOf(t, res.Purchase.ID) {
		assert.Equal(t, domain.TicketValid, tk.Status)
	}

	_, err = h.rec.Refund(ctx, payment.RefundRequest{PurchaseID: res.Purchase.ID, Amount: dec("30"), Target: domain.RefundToWallet, Reason: "event moved"})
	require.NoError(t, err)

	for _, tk := range h.ticketsOf(t, res.Purchase.ID) {
		assert.Equal(t, domain.TicketVoided, tk.Status)
	}
	assert.Equal(t, 0, h.stock(t).Sold)
	balance, err = h.ledger.Balance(ctx, user)
	require.NoError(t, err)
	assert.True(t, dec("50").Equal(balance))
	assert.Len(t, h.store.EventsOfType(domain.EventRefundCreated), 2)

	_, err = h.rec.Refund(ctx, payment.RefundRequest{PurchaseID: res.Purchase.ID, Amount: dec("1"), Target: domain.RefundToGateway})
	assert.Equal(t, domain.CodeRefundExceedsPayment, domain.CodeOf(err))
}

func TestRefund_RequiresCompletedPurchase(t *testing.T) {
	h := newHarness(t)
	res := h.buy(t, uuid.New(), domain.MethodGateway)

	_, err := h.rec.Refund(context.Background(), payment.RefundRequest{PurchaseID: res.Purchase.ID, Amount: dec("5"), Target: domain.RefundToGateway})
	assert.Equal(t, domain.CodePurchaseNotCompleted, domain.CodeOf(err))

	_, err = h.rec.Refund(context.Background(), payment.RefundRequest{PurchaseID: res.Purchase.ID, Amount: dec("0"), Target: domain.RefundToGateway})
	assert.Equal(t, domain.CodeInvalidAmount, domain.CodeOf(err))
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	res := h.buy(t, uuid.New(), domain.MethodGateway)

	p, err := h.rec.Cancel(ctx, res.Purchase.ID, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, domain.PurchaseCancelled, p.Status)
	assert.Equal(t, "changed my mind", p.CancelReason)
	assert.Equal(t, 0, h.stock(t).Held)

	_, err = h.rec.Cancel(ctx, res.Purchase.ID, "")
	assert.True(t, errors.Is(err, domain.ErrPurchaseTerminal))
}

func TestRetryable(t *testing.T) {
	assert.True(t, payment.Retryable(errors.New("broker down")))
	assert.True(t, payment.Retryable(errors.Wrap(domain.ErrSerializationFailure, "tx")))
	assert.False(t, payment.Retryable(domain.ErrAmountMismatch))
	assert.False(t, payment.Retryable(errors.Wrap(domain.ErrPurchaseNotFound, "lookup")))
}

func TestHandleGatewayMessage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	res := h.buy(t, uuid.New(), domain.MethodGateway)

	err := h.rec.HandleGatewayMessage(ctx, []byte(`{"external_tx_id":`))
	require.Error(t, err)
	assert.Equal(t, domain.CodeInvalidEvent, domain.CodeOf(err))
	assert.False(t, payment.Retryable(err))

	body := `{"external_tx_id":"tx-q","payment_ref":"` + res.Payment.PaymentID.String() + `","amount":"50.00","outcome":"APPROVED"}`
	require.NoError(t, h.rec.HandleGatewayMessage(ctx, []byte(body)))
	require.NoError(t, h.rec.HandleGatewayMessage(ctx, []byte(body)))

	p, err := h.rec.Purchase(ctx, res.Purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PurchaseCompleted, p.Status)
	assert.Len(t, h.ticketsOf(t, p.ID), 2)
}

func TestRecordGatewayEvent_LostInventoryIsRefunded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	res := h.buy(t, uuid.New(), domain.MethodGateway)

	// The hold lapses and someone else takes all the stock before the
	// gateway answers.
	p, err := h.rec.Purchase(ctx, res.Purchase.ID)
	require.NoError(t, err)
	for _, line := range p.TicketLines() {
		_, _, err := h.store.TransitionReservation(ctx, line.ReservationID, domain.ReservationActive, domain.ReservationReleased)
		require.NoError(t, err)
	}
	_, err = h.orch.Checkout(ctx, checkout.Cart{
		UserID: uuid.New(),
		Lines:  []checkout.CartLine{{Kind: domain.LineTicket, TicketTypeID: h.ga.ID, Quantity: 4}},
		Method: domain.MethodGateway,
	})
	require.NoError(t, err)

	r, err := h.rec.RecordGatewayEvent(ctx, approved("tx-gone", res.Payment.PaymentID, "50"))
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementApplied, r.Settlement)

	refunds, err := h.rec.Refunds(ctx, res.Purchase.ID)
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, domain.RefundToGateway, refunds[0].Target)
	assert.True(t, dec("50").Equal(refunds[0].Amount))

	pay, err := h.store.GetPayment(ctx, res.Payment.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRefunded, pay.Status)
	assert.Empty(t, h.ticketsOf(t, res.Purchase.ID))
	assert.Len(t, h.store.EventsOfType(domain.EventFulfilmentFailed), 1)

	tt := h.stock(t)
	assert.Equal(t, 0, tt.Sold)
	assert.Equal(t, 4, tt.Held)

	// Replays and later sweeps leave the refunded purchase alone.
	_, err = h.rec.RecordGatewayEvent(ctx, approved("tx-gone", uuid.Nil, "50"))
	require.NoError(t, err)
	require.NoError(t, h.rec.Fulfil(ctx, res.Purchase.ID))
	refunds, err = h.rec.Refunds(ctx, res.Purchase.ID)
	require.NoError(t, err)
	assert.Len(t, refunds, 1)
	assert.Len(t, h.store.EventsOfType(domain.EventFulfilmentFailed), 1)
}
