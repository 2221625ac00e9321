package payment

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/robertarktes/ticketing-checkout/internal/domain"
	"github.com/robertarktes/ticketing-checkout/internal/inventory"
	"github.com/robertarktes/ticketing-checkout/internal/observability"
)

// Store owns purchases, payments and refunds. Every state-changing method
// is a single transaction on the purchase aggregate that also writes the
// matching outbox events.
type Store interface {
	GetPurchase(ctx context.Context, id uuid.UUID) (domain.Purchase, error)
	GetPayment(ctx context.Context, id uuid.UUID) (domain.Payment, error)
	FindPaymentByExternalID(ctx context.Context, externalTxID string) (domain.Payment, error)
	ListPayments(ctx context.Context, purchaseID uuid.UUID) ([]domain.Payment, error)
	ListRefunds(ctx context.Context, purchaseID uuid.UUID) ([]domain.Refund, error)

	// CreatePayment adds a PENDING attempt to a PENDING purchase.
	CreatePayment(ctx context.Context, p domain.Payment) error
	// BindExternalTxID sets the gateway id of a payment that has none. It
	// fails with domain.ErrPaymentNotPending when another id is bound and
	// with domain.ErrDuplicate when the id belongs to another payment.
	BindExternalTxID(ctx context.Context, paymentID uuid.UUID, externalTxID string) (domain.Payment, error)
	// ApprovePayment marks a gateway payment APPROVED and completes its
	// purchase when both were PENDING.
	ApprovePayment(ctx context.Context, paymentID uuid.UUID, now time.Time) (domain.Settlement, domain.Purchase, error)
	// RejectPayment marks a PENDING payment, and every other PENDING attempt
	// of the purchase, REJECTED. With final set a PENDING purchase is
	// cancelled too. changed is false when the payment was not PENDING.
	RejectPayment(ctx context.Context, paymentID uuid.UUID, final bool, reason string, now time.Time) (changed bool, p domain.Purchase, err error)
	// SettleWithWallet locks the buyer's wallet and then the purchase, debits
	// the wallet, stores pay and completes the purchase.
	SettleWithWallet(ctx context.Context, purchaseID uuid.UUID, pay domain.Payment, now time.Time) (domain.Settlement, domain.WalletMovement, domain.Purchase, error)
	CancelPurchase(ctx context.Context, purchaseID uuid.UUID, reason string, now time.Time) (domain.Purchase, error)
	// RecordRefund stores the refund if the payment's refunded total stays
	// within its amount, credits the buyer's wallet for WALLET refunds and
	// flips the payment to REFUNDED once fully refunded.
	RecordRefund(ctx context.Context, refund domain.Refund, now time.Time) (domain.Payment, error)
	RebindReservation(ctx context.Context, lineItemID, reservationID uuid.UUID) error
	AppendEvents(ctx context.Context, events ...domain.OutboxEvent) error
}

type Inventory interface {
	Reserve(ctx context.Context, ticketTypeID uuid.UUID, quantity int, pc inventory.PurchaseContext) (domain.Reservation, error)
	HoldSeat(ctx context.Context, seatID uuid.UUID, pc inventory.PurchaseContext) (domain.Reservation, error)
	Commit(ctx context.Context, token uuid.UUID) (domain.Reservation, error)
	Release(ctx context.Context, token uuid.UUID) error
	ReturnToStock(ctx context.Context, token uuid.UUID) error
	Reservation(ctx context.Context, token uuid.UUID) (domain.Reservation, error)
	ForPurchase(ctx context.Context, purchaseID uuid.UUID) ([]domain.Reservation, error)
}

type Issuer interface {
	IssueFromLineItem(ctx context.Context, purchase domain.Purchase, line domain.LineItem) ([]domain.IssuedTicket, error)
	VoidPurchase(ctx context.Context, purchaseID uuid.UUID) (int, error)
}

type Auditor interface {
	LogEvent(ctx context.Context, action string, actorID uuid.UUID, data map[string]interface{}) error
}

type Outcome string

const (
	OutcomeApproved Outcome = "APPROVED"
	OutcomeRejected Outcome = "REJECTED"
)

// GatewayEvent is one webhook delivery. PaymentRef is the payment id handed
// to the gateway at checkout; it binds ExternalTxID on first sight.
type GatewayEvent struct {
	ExternalTxID string          `json:"external_tx_id"`
	PaymentRef   uuid.UUID       `json:"payment_ref"`
	Amount       decimal.Decimal `json:"amount"`
	Outcome      Outcome         `json:"outcome"`
	Final        bool            `json:"final"`
}

type Result struct {
	Settlement domain.Settlement
	Purchase   domain.Purchase
	Payment    domain.Payment
}

// Ignored reports a replay that changed nothing.
func (r Result) Ignored() bool {
	return r.Settlement == domain.SettlementDuplicate
}

type Reconciler struct {
	store   Store
	inv     Inventory
	tickets Issuer
	audit   Auditor
	logger  observability.Logger
	now     func() time.Time
}

func NewReconciler(store Store, inv Inventory, tickets Issuer, audit Auditor, logger observability.Logger) *Reconciler {
	return &Reconciler{store: store, inv: inv, tickets: tickets, audit: audit, logger: logger, now: time.Now}
}

func (r *Reconciler) RecordGatewayEvent(ctx context.Context, ev GatewayEvent) (Result, error) {
	ctx, span := observability.StartSpan(ctx, "payment.RecordGatewayEvent")
	defer span.End()

	ev.ExternalTxID = strings.TrimSpace(ev.ExternalTxID)
	if ev.ExternalTxID == "" || (ev.Outcome != OutcomeApproved && ev.Outcome != OutcomeRejected) {
		return Result{}, domain.ErrInvalidEvent
	}

	pay, err := r.resolvePayment(ctx, ev)
	if err != nil {
		observability.ReconciliationsTotal.WithLabelValues("gateway", string(domain.CodeOf(err))).Inc()
		return Result{}, err
	}
	if !ev.Amount.Equal(pay.Amount) {
		observability.ReconciliationsTotal.WithLabelValues("gateway", string(domain.CodeAmountMismatch)).Inc()
		return Result{}, errors.Wrapf(domain.ErrAmountMismatch, "event %s for %s, payment expects %s", ev.ExternalTxID, ev.Amount, pay.Amount)
	}

	var res Result
	if ev.Outcome == OutcomeApproved {
		res, err = r.approve(ctx, pay)
	} else {
		res, err = r.reject(ctx, pay, ev.Final)
	}
	if err != nil {
		observability.ReconciliationsTotal.WithLabelValues("gateway", string(domain.CodeOf(err))).Inc()
		return res, err
	}
	observability.ReconciliationsTotal.WithLabelValues("gateway", string(res.Settlement)).Inc()
	return res, nil
}

func (r *Reconciler) resolvePayment(ctx context.Context, ev GatewayEvent) (domain.Payment, error) {
	pay, err := r.store.FindPaymentByExternalID(ctx, ev.ExternalTxID)
	if err == nil {
		return pay, nil
	}
	if !errors.Is(err, domain.ErrPaymentNotFound) {
		return domain.Payment{}, err
	}
	if ev.PaymentRef == uuid.Nil {
		return domain.Payment{}, errors.Wrapf(domain.ErrPurchaseNotFound, "no payment for %s", ev.ExternalTxID)
	}
	if _, err := r.store.GetPayment(ctx, ev.PaymentRef); err != nil {
		if errors.Is(err, domain.ErrPaymentNotFound) {
			return domain.Payment{}, errors.Wrapf(domain.ErrPurchaseNotFound, "unknown payment ref %s", ev.PaymentRef)
		}
		return domain.Payment{}, err
	}
	pay, err = r.store.BindExternalTxID(ctx, ev.PaymentRef, ev.ExternalTxID)
	if errors.Is(err, domain.ErrDuplicate) {
		return r.store.FindPaymentByExternalID(ctx, ev.ExternalTxID)
	}
	return pay, err
}

func (r *Reconciler) approve(ctx context.Context, pay domain.Payment) (Result, error) {
	settlement, p, err := r.store.ApprovePayment(ctx, pay.ID, r.now())
	if err != nil {
		return Result{}, err
	}
	if pay, err = r.store.GetPayment(ctx, pay.ID); err != nil {
		return Result{}, err
	}
	res := Result{Settlement: settlement, Purchase: p, Payment: pay}

	switch settlement {
	case domain.SettlementApplied:
		r.auditPurchase(ctx, "purchase.completed", p, pay)
		return res, r.fulfil(ctx, p)
	case domain.SettlementLate:
		r.logger.WithField("payment_id", pay.ID).WithField("purchase_id", p.ID).Warn("late approval, refunding")
		return res, r.refundRemaining(ctx, p, pay, "late approval")
	}

	// Replays run the idempotent follow-up steps again so a crash between
	// them heals on the gateway's next retry.
	switch {
	case p.Status == domain.PurchaseCompleted && p.PaymentID == pay.ID:
		return res, r.fulfil(ctx, p)
	case pay.Status == domain.PaymentApproved && p.PaymentID != pay.ID:
		return res, r.refundRemaining(ctx, p, pay, "late approval")
	}
	return res, nil
}

func (r *Reconciler) reject(ctx context.Context, pay domain.Payment, final bool) (Result, error) {
	changed, p, err := r.store.RejectPayment(ctx, pay.ID, final, "payment rejected", r.now())
	if err != nil {
		return Result{}, err
	}
	if pay, err = r.store.GetPayment(ctx, pay.ID); err != nil {
		return Result{}, err
	}
	if !changed {
		return Result{Settlement: domain.SettlementDuplicate, Purchase: p, Payment: pay}, nil
	}
	if p.Status != domain.PurchaseCompleted {
		if err := r.releasePurchase(ctx, p.ID); err != nil {
			return Result{}, err
		}
	}
	r.auditPurchase(ctx, "payment.rejected", p, pay)
	return Result{Settlement: domain.SettlementApplied, Purchase: p, Payment: pay}, nil
}

// RecordWalletDebit settles a purchase from the buyer's wallet. A purchase
// that is already COMPLETED is reported as a duplicate.
func (r *Reconciler) RecordWalletDebit(ctx context.Context, purchaseID uuid.UUID, amount decimal.Decimal) (Result, error) {
	ctx, span := observability.StartSpan(ctx, "payment.RecordWalletDebit")
	defer span.End()

	res, err := r.walletDebit(ctx, purchaseID, amount)
	if err != nil {
		observability.ReconciliationsTotal.WithLabelValues("wallet", string(domain.CodeOf(err))).Inc()
		return res, err
	}
	observability.ReconciliationsTotal.WithLabelValues("wallet", string(res.Settlement)).Inc()
	return res, nil
}

func (r *Reconciler) walletDebit(ctx context.Context, purchaseID uuid.UUID, amount decimal.Decimal) (Result, error) {
	if !amount.IsPositive() {
		return Result{}, domain.ErrInvalidAmount
	}
	p, err := r.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return Result{}, err
	}
	if !p.Owner.Registered() {
		return Result{}, domain.ErrWalletRequiresUser
	}
	if !amount.Equal(p.Total) {
		return Result{}, errors.Wrapf(domain.ErrAmountMismatch, "debit %s for total %s", amount, p.Total)
	}
	switch p.Status {
	case domain.PurchaseCompleted:
		return Result{Settlement: domain.SettlementDuplicate, Purchase: p}, r.fulfil(ctx, p)
	case domain.PurchaseCancelled:
		return Result{}, domain.ErrPurchaseTerminal
	}

	if err := r.ensureReserved(ctx, p); err != nil {
		return Result{}, err
	}

	now := r.now()
	pay := domain.Payment{
		ID:         uuid.New(),
		PurchaseID: p.ID,
		Amount:     amount,
		Status:     domain.PaymentApproved,
		Method:     domain.MethodWallet,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	settlement, movement, p, err := r.store.SettleWithWallet(ctx, p.ID, pay, now)
	if err != nil {
		return Result{}, errors.Wrapf(err, "settle purchase %s from wallet", purchaseID)
	}
	if settlement == domain.SettlementDuplicate {
		return Result{Settlement: settlement, Purchase: p}, r.fulfil(ctx, p)
	}

	if err := r.audit.LogEvent(ctx, "wallet.debit", p.Owner.UserID, map[string]interface{}{
		"movement_id":   movement.ID.String(),
		"amount":        movement.Amount.String(),
		"balance_after": movement.BalanceAfter.String(),
		"purchase_id":   p.ID.String(),
	}); err != nil {
		r.logger.WithField("purchase_id", p.ID).WithError(err).Warn("audit wallet debit")
	}
	r.auditPurchase(ctx, "purchase.completed", p, pay)
	return Result{Settlement: settlement, Purchase: p, Payment: pay}, r.fulfil(ctx, p)
}

// InitiateGatewayPayment opens a new gateway attempt for a PENDING purchase,
// reserving again whatever an earlier rejection released.
func (r *Reconciler) InitiateGatewayPayment(ctx context.Context, purchaseID uuid.UUID) (domain.Payment, error) {
	p, err := r.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return domain.Payment{}, err
	}
	if p.Status != domain.PurchasePending {
		return domain.Payment{}, domain.ErrPurchaseTerminal
	}
	if err := r.ensureReserved(ctx, p); err != nil {
		return domain.Payment{}, err
	}
	now := r.now()
	pay := domain.Payment{
		ID:         uuid.New(),
		PurchaseID: p.ID,
		Amount:     p.Total,
		Status:     domain.PaymentPending,
		Method:     domain.MethodGateway,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.store.CreatePayment(ctx, pay); err != nil {
		return domain.Payment{}, err
	}
	return pay, nil
}

// Cancel cancels a PENDING purchase and releases its inventory.
func (r *Reconciler) Cancel(ctx context.Context, purchaseID uuid.UUID, reason string) (domain.Purchase, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by buyer"
	}
	p, err := r.store.CancelPurchase(ctx, purchaseID, reason, r.now())
	if err != nil {
		return p, err
	}
	if err := r.releasePurchase(ctx, p.ID); err != nil {
		return p, err
	}
	r.auditPurchase(ctx, "purchase.cancelled", p, domain.Payment{})
	return p, nil
}

// Fulfil commits the reservations of a COMPLETED purchase and mints its
// tickets. It is safe to call any number of times.
func (r *Reconciler) Fulfil(ctx context.Context, purchaseID uuid.UUID) error {
	p, err := r.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return err
	}
	return r.fulfil(ctx, p)
}

func (r *Reconciler) fulfil(ctx context.Context, p domain.Purchase) error {
	if p.Status != domain.PurchaseCompleted {
		return nil
	}
	pay, err := r.store.GetPayment(ctx, p.PaymentID)
	if err != nil {
		return err
	}
	if pay.Status == domain.PaymentRefunded {
		return nil
	}
	for _, line := range p.TicketLines() {
		_, err := r.inv.Commit(ctx, line.ReservationID)
		if errors.Is(err, domain.ErrReservationReleased) || errors.Is(err, domain.ErrReservationNotFound) {
			var res domain.Reservation
			res, err = r.reacquire(ctx, p, line)
			if err == nil {
				_, err = r.inv.Commit(ctx, res.ID)
			} else if inventoryGone(err) {
				return r.abandon(ctx, p, pay, err)
			}
		}
		if err != nil {
			return errors.Wrapf(err, "commit line %s", line.ID)
		}
		if _, err := r.tickets.IssueFromLineItem(ctx, p, line); err != nil {
			return err
		}
	}
	return nil
}

// abandon gives the buyer their money back when a COMPLETED purchase can no
// longer get its inventory: the completing payment is refunded in full and
// whatever was already issued is voided and put back on sale.
func (r *Reconciler) abandon(ctx context.Context, p domain.Purchase, pay domain.Payment, cause error) error {
	r.logger.WithField("purchase_id", p.ID).WithError(cause).Error("fulfilment lost its inventory, refunding")
	if err := r.store.AppendEvents(ctx, domain.FulfilmentFailed(p.ID, string(domain.CodeOf(cause)))); err != nil {
		return err
	}
	if err := r.refundRemaining(ctx, p, pay, "inventory unavailable"); err != nil {
		return err
	}
	pay, err := r.store.GetPayment(ctx, pay.ID)
	if err != nil {
		return err
	}
	if pay.Status != domain.PaymentRefunded {
		return nil
	}
	return r.reverse(ctx, p, pay)
}

// inventoryGone reports a reacquire that will never succeed on retry.
func inventoryGone(err error) bool {
	return errors.Is(err, domain.ErrOutOfStock) ||
		errors.Is(err, domain.ErrSeatUnavailable) ||
		errors.Is(err, domain.ErrOverPurchaseLimit)
}

// ensureReserved re-reserves every ticket line whose reservation is gone,
// all or nothing.
func (r *Reconciler) ensureReserved(ctx context.Context, p domain.Purchase) error {
	var taken []uuid.UUID
	for _, line := range p.TicketLines() {
		res, err := r.inv.Reservation(ctx, line.ReservationID)
		if err != nil && !errors.Is(err, domain.ErrReservationNotFound) {
			return err
		}
		if err == nil && res.Status != domain.ReservationReleased {
			continue
		}
		res, err = r.reacquire(ctx, p, line)
		if err != nil {
			for _, token := range taken {
				if rerr := r.inv.Release(ctx, token); rerr != nil {
					r.logger.WithField("reservation_id", token).WithError(rerr).Error("compensating release failed")
				}
			}
			return err
		}
		taken = append(taken, res.ID)
	}
	return nil
}

func (r *Reconciler) reacquire(ctx context.Context, p domain.Purchase, line domain.LineItem) (domain.Reservation, error) {
	pc := inventory.PurchaseContext{PurchaseID: p.ID, Owner: p.Owner, Requested: inventory.RequestedFor(p.Lines)}
	var (
		res domain.Reservation
		err error
	)
	if line.SeatID != uuid.Nil {
		res, err = r.inv.HoldSeat(ctx, line.SeatID, pc)
	} else {
		res, err = r.inv.Reserve(ctx, line.TicketTypeID, line.Quantity, pc)
	}
	if err != nil {
		return domain.Reservation{}, err
	}
	if err := r.store.RebindReservation(ctx, line.ID, res.ID); err != nil {
		_ = r.inv.Release(ctx, res.ID)
		return domain.Reservation{}, err
	}
	return res, nil
}

func (r *Reconciler) releasePurchase(ctx context.Context, purchaseID uuid.UUID) error {
	reservations, err := r.inv.ForPurchase(ctx, purchaseID)
	if err != nil {
		return err
	}
	for _, res := range reservations {
		if res.Status != domain.ReservationActive {
			continue
		}
		if err := r.inv.Release(ctx, res.ID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) Purchase(ctx context.Context, id uuid.UUID) (domain.Purchase, error) {
	return r.store.GetPurchase(ctx, id)
}

func (r *Reconciler) Payments(ctx context.Context, purchaseID uuid.UUID) ([]domain.Payment, error) {
	return r.store.ListPayments(ctx, purchaseID)
}

func (r *Reconciler) Refunds(ctx context.Context, purchaseID uuid.UUID) ([]domain.Refund, error) {
	return r.store.ListRefunds(ctx, purchaseID)
}

func (r *Reconciler) auditPurchase(ctx context.Context, action string, p domain.Purchase, pay domain.Payment) {
	data := map[string]interface{}{
		"purchase_id": p.ID.String(),
		"status":      string(p.Status),
		"total":       p.Total.String(),
	}
	if pay.ID != uuid.Nil {
		data["payment_id"] = pay.ID.String()
		data["method"] = string(pay.Method)
		data["external_tx_id"] = pay.ExternalTxID
	}
	if err := r.audit.LogEvent(ctx, action, p.Owner.UserID, data); err != nil {
		r.logger.WithField("purchase_id", p.ID).WithError(err).Warn("audit " + action)
	}
}
