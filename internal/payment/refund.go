package payment

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/robertarktes/ticketing-checkout/internal/domain"
	"github.com/robertarktes/ticketing-checkout/internal/observability"
)

// RefundRequest targets the payment that completed the purchase unless
// PaymentID is set.
type RefundRequest struct {
	PurchaseID uuid.UUID
	PaymentID  uuid.UUID
	Amount     decimal.Decimal
	Target     domain.RefundTarget
	Reason     string
}

// Refund books a refund against an approved payment of a COMPLETED purchase.
// The refund that brings the payment's refunded total to its amount voids the
// purchase's VALID tickets and puts their inventory back on sale.
func (r *Reconciler) Refund(ctx context.Context, req RefundRequest) (domain.Refund, error) {
	ctx, span := observability.StartSpan(ctx, "payment.Refund")
	defer span.End()

	if !req.Amount.IsPositive() {
		return domain.Refund{}, domain.ErrInvalidAmount
	}
	if req.Target != domain.RefundToGateway && req.Target != domain.RefundToWallet {
		return domain.Refund{}, errors.Wrapf(domain.ErrInvalidMethod, "refund target %q", req.Target)
	}
	p, err := r.store.GetPurchase(ctx, req.PurchaseID)
	if err != nil {
		return domain.Refund{}, err
	}
	if p.Status != domain.PurchaseCompleted {
		return domain.Refund{}, domain.ErrPurchaseNotComplete
	}
	if req.Target == domain.RefundToWallet && !p.Owner.Registered() {
		return domain.Refund{}, domain.ErrWalletRequiresUser
	}
	if req.PaymentID == uuid.Nil {
		req.PaymentID = p.PaymentID
	}
	pay, err := r.store.GetPayment(ctx, req.PaymentID)
	if err != nil {
		return domain.Refund{}, err
	}
	if pay.PurchaseID != p.ID {
		return domain.Refund{}, errors.Wrapf(domain.ErrPaymentNotFound, "payment %s is not part of purchase %s", pay.ID, p.ID)
	}
	if pay.Status == domain.PaymentRefunded {
		// Already fully refunded; finish the reversal a crash may have cut short.
		if err := r.reverse(ctx, p, pay); err != nil {
			return domain.Refund{}, err
		}
		return domain.Refund{}, domain.ErrRefundExceeds
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "refund requested"
	}
	refund, pay, err := r.book(ctx, p, pay, req.Amount, req.Target, reason)
	if err != nil {
		return domain.Refund{}, err
	}
	if pay.Status == domain.PaymentRefunded {
		if err := r.reverse(ctx, p, pay); err != nil {
			return refund, err
		}
	}
	return refund, nil
}

// refundRemaining refunds whatever of an approved payment has not been
// refunded yet, back where the money came from.
func (r *Reconciler) refundRemaining(ctx context.Context, p domain.Purchase, pay domain.Payment, reason string) error {
	if pay.Status != domain.PaymentApproved {
		return nil
	}
	refunds, err := r.store.ListRefunds(ctx, p.ID)
	if err != nil {
		return err
	}
	remaining := pay.Amount
	for _, rf := range refunds {
		if rf.PaymentID == pay.ID {
			remaining = remaining.Sub(rf.Amount)
		}
	}
	if !remaining.IsPositive() {
		return nil
	}
	target := domain.RefundToGateway
	if pay.Method == domain.MethodWallet {
		target = domain.RefundToWallet
	}
	_, _, err = r.book(ctx, p, pay, remaining, target, reason)
	if errors.Is(err, domain.ErrRefundExceeds) || errors.Is(err, domain.ErrPaymentNotApproved) {
		// A concurrent replay booked it first.
		return nil
	}
	return err
}

func (r *Reconciler) book(ctx context.Context, p domain.Purchase, pay domain.Payment, amount decimal.Decimal, target domain.RefundTarget, reason string) (domain.Refund, domain.Payment, error) {
	now := r.now()
	refund := domain.Refund{
		ID:         uuid.New(),
		PurchaseID: p.ID,
		PaymentID:  pay.ID,
		Amount:     amount,
		Target:     target,
		Reason:     reason,
		CreatedAt:  now,
	}
	pay, err := r.store.RecordRefund(ctx, refund, now)
	if err != nil {
		observability.ReconciliationsTotal.WithLabelValues("refund", string(domain.CodeOf(err))).Inc()
		return domain.Refund{}, pay, err
	}
	observability.ReconciliationsTotal.WithLabelValues("refund", string(target)).Inc()

	if err := r.audit.LogEvent(ctx, "refund.created", p.Owner.UserID, map[string]interface{}{
		"refund_id":   refund.ID.String(),
		"purchase_id": p.ID.String(),
		"payment_id":  pay.ID.String(),
		"amount":      amount.String(),
		"target":      string(target),
		"reason":      reason,
	}); err != nil {
		r.logger.WithField("refund_id", refund.ID).WithError(err).Warn("audit refund")
	}
	return refund, pay, nil
}

// reverse undoes fulfilment once the payment that completed p is fully
// refunded. Both steps are idempotent.
func (r *Reconciler) reverse(ctx context.Context, p domain.Purchase, pay domain.Payment) error {
	if p.PaymentID != pay.ID {
		return nil
	}
	if _, err := r.tickets.VoidPurchase(ctx, p.ID); err != nil {
		return errors.Wrapf(err, "void tickets of %s", p.ID)
	}
	for _, line := range p.TicketLines() {
		err := r.inv.ReturnToStock(ctx, line.ReservationID)
		if err != nil && !errors.Is(err, domain.ErrReservationNotFound) {
			return errors.Wrapf(err, "return line %s to stock", line.ID)
		}
	}
	r.logger.WithField("purchase_id", p.ID).Info("purchase fully refunded")
	return nil
}

// Retryable reports failures worth redelivering: transient store errors and
// serialization conflicts. Everything else is a final answer.
func Retryable(err error) bool {
	switch domain.CodeOf(err) {
	case domain.CodeInternal, domain.CodeSerializationConflict:
		return true
	}
	return false
}
