package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/robertarktes/ticketing-checkout/internal/domain"
)

func (s *Store) CreatePurchase(ctx context.Context, p domain.Purchase, payment *domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.purchases[p.ID]; ok {
		return domain.ErrDuplicate
	}
	s.purchases[p.ID] = clonePurchase(p)
	for _, l := range p.Lines {
		s.lineOwner[l.ID] = p.ID
	}
	if payment != nil {
		s.payments[payment.ID] = *payment
	}
	s.appendEvent(domain.PurchaseCreated(p))
	return nil
}

func (s *Store) GetPurchase(ctx context.Context, id uuid.UUID) (domain.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[id]
	if !ok {
		return domain.Purchase{}, domain.ErrPurchaseNotFound
	}
	return clonePurchase(p), nil
}

func (s *Store) RebindReservation(ctx context.Context, lineItemID, reservationID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[s.lineOwner[lineItemID]]
	if !ok {
		return domain.ErrPurchaseNotFound
	}
	for i := range p.Lines {
		if p.Lines[i].ID == lineItemID {
			p.Lines[i].ReservationID = reservationID
		}
	}
	s.purchases[p.ID] = p
	return nil
}

func (s *Store) AppendEvents(ctx context.Context, events ...domain.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendEvent(events...)
	return nil
}

func (s *Store) GetPayment(ctx context.Context, id uuid.UUID) (domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pay, ok := s.payments[id]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return pay, nil
}

func (s *Store) FindPaymentByExternalID(ctx context.Context, externalTxID string) (domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.paymentsByExt[externalTxID]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return s.payments[id], nil
}

func (s *Store) ListPayments(ctx context.Context, purchaseID uuid.UUID) ([]domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Payment
	for _, pay := range s.payments {
		if pay.PurchaseID == purchaseID {
			out = append(out, pay)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListRefunds(ctx context.Context, purchaseID uuid.UUID) ([]domain.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Refund(nil), s.refunds[purchaseID]...), nil
}

func (s *Store) CreatePayment(ctx context.Context, pay domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[pay.PurchaseID]
	if !ok {
		return domain.ErrPurchaseNotFound
	}
	if p.Status != domain.PurchasePending {
		return domain.ErrPurchaseTerminal
	}
	s.payments[pay.ID] = pay
	return nil
}

func (s *Store) BindExternalTxID(ctx context.Context, paymentID uuid.UUID, externalTxID string) (domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pay, ok := s.payments[paymentID]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	if pay.ExternalTxID == externalTxID {
		return pay, nil
	}
	if pay.ExternalTxID != "" {
		return domain.Payment{}, domain.ErrPaymentNotPending
	}
	if _, taken := s.paymentsByExt[externalTxID]; taken {
		return domain.Payment{}, domain.ErrDuplicate
	}
	pay.ExternalTxID = externalTxID
	pay.UpdatedAt = s.now()
	s.payments[pay.ID] = pay
	s.paymentsByExt[externalTxID] = pay.ID
	return pay, nil
}

func (s *Store) ApprovePayment(ctx context.Context, paymentID uuid.UUID, now time.Time) (domain.Settlement, domain.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pay, ok := s.payments[paymentID]
	if !ok {
		return "", domain.Purchase{}, domain.ErrPaymentNotFound
	}
	p, ok := s.purchases[pay.PurchaseID]
	if !ok {
		return "", domain.Purchase{}, domain.ErrPurchaseNotFound
	}
	if pay.Status == domain.PaymentApproved || pay.Status == domain.PaymentRefunded || pay.Method != domain.MethodGateway {
		return domain.SettlementDuplicate, clonePurchase(p), nil
	}

	wasPending := pay.Status == domain.PaymentPending
	pay.Status = domain.PaymentApproved
	pay.UpdatedAt = now
	s.payments[pay.ID] = pay

	if !wasPending || p.Status != domain.PurchasePending {
		return domain.SettlementLate, clonePurchase(p), nil
	}
	p.Status = domain.PurchaseCompleted
	p.PaymentID = pay.ID
	p.UpdatedAt = now
	s.purchases[p.ID] = p
	s.appendEvent(domain.PurchaseCompletedEvent(p, pay.ID))
	return domain.SettlementApplied, clonePurchase(p), nil
}

func (s *Store) RejectPayment(ctx context.Context, paymentID uuid.UUID, final bool, reason string, now time.Time) (bool, domain.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pay, ok := s.payments[paymentID]
	if !ok {
		return false, domain.Purchase{}, domain.ErrPaymentNotFound
	}
	p, ok := s.purchases[pay.PurchaseID]
	if !ok {
		return false, domain.Purchase{}, domain.ErrPurchaseNotFound
	}
	if pay.Status != domain.PaymentPending {
		return false, clonePurchase(p), nil
	}

	// A rejection supersedes every other attempt still open on the purchase.
	for id, other := range s.payments {
		if other.PurchaseID == p.ID && other.Status == domain.PaymentPending {
			other.Status = domain.PaymentRejected
			other.UpdatedAt = now
			s.payments[id] = other
		}
	}
	pay.Status = domain.PaymentRejected
	s.appendEvent(domain.PaymentRejectedEvent(pay))

	if final && p.Status == domain.PurchasePending {
		p.Status = domain.PurchaseCancelled
		p.CancelReason = reason
		p.UpdatedAt = now
		s.purchases[p.ID] = p
		s.appendEvent(domain.PurchaseCancelledEvent(p.ID, reason))
	}
	return true, clonePurchase(p), nil
}

func (s *Store) CancelPurchase(ctx context.Context, purchaseID uuid.UUID, reason string, now time.Time) (domain.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[purchaseID]
	if !ok {
		return domain.Purchase{}, domain.ErrPurchaseNotFound
	}
	if p.Status != domain.PurchasePending {
		return clonePurchase(p), domain.ErrPurchaseTerminal
	}
	p.Status = domain.PurchaseCancelled
	p.CancelReason = reason
	p.UpdatedAt = now
	s.purchases[p.ID] = p
	s.appendEvent(domain.PurchaseCancelledEvent(p.ID, reason))
	return clonePurchase(p), nil
}

func (s *Store) SettleWithWallet(ctx context.Context, purchaseID uuid.UUID, pay domain.Payment, now time.Time) (domain.Settlement, domain.WalletMovement, domain.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[purchaseID]
	if !ok {
		return "", domain.WalletMovement{}, domain.Purchase{}, domain.ErrPurchaseNotFound
	}
	w, ok := s.wallets[p.Owner.UserID]
	if !ok {
		return "", domain.WalletMovement{}, domain.Purchase{}, domain.ErrWalletNotFound
	}
	switch p.Status {
	case domain.PurchaseCompleted:
		return domain.SettlementDuplicate, domain.WalletMovement{}, clonePurchase(p), nil
	case domain.PurchaseCancelled:
		return "", domain.WalletMovement{}, clonePurchase(p), domain.ErrPurchaseTerminal
	}

	w, m, err := w.Apply(pay.Amount.Neg(), domain.Reference{Kind: domain.RefPurchase, ID: p.ID}, now)
	if err != nil {
		return "", domain.WalletMovement{}, clonePurchase(p), err
	}
	s.wallets[w.ID] = w
	s.movements[w.ID] = append(s.movements[w.ID], m)

	s.payments[pay.ID] = pay
	p.Status = domain.PurchaseCompleted
	p.PaymentID = pay.ID
	p.UpdatedAt = now
	s.purchases[p.ID] = p
	s.appendEvent(domain.PurchaseCompletedEvent(p, pay.ID))
	return domain.SettlementApplied, m, clonePurchase(p), nil
}

func (s *Store) RecordRefund(ctx context.Context, refund domain.Refund, now time.Time) (domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pay, ok := s.payments[refund.PaymentID]
	if !ok || pay.PurchaseID != refund.PurchaseID {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	p := s.purchases[pay.PurchaseID]
	if pay.Status != domain.PaymentApproved {
		return pay, domain.ErrPaymentNotApproved
	}

	refunded := decimal.Zero
	for _, r := range s.refunds[p.ID] {
		if r.PaymentID == pay.ID {
			refunded = refunded.Add(r.Amount)
		}
	}
	refunded = refunded.Add(refund.Amount)
	if refunded.GreaterThan(pay.Amount) {
		return pay, domain.ErrRefundExceeds
	}

	if refund.Target == domain.RefundToWallet {
		if !p.Owner.Registered() {
			return pay, domain.ErrWalletRequiresUser
		}
		w, ok := s.wallets[p.Owner.UserID]
		if !ok {
			w = domain.NewWallet(p.Owner.UserID, now)
		}
		w, m, err := w.Apply(refund.Amount, domain.Reference{Kind: domain.RefRefund, ID: refund.ID}, now)
		if err != nil {
			return pay, err
		}
		s.wallets[w.ID] = w
		s.movements[w.ID] = append(s.movements[w.ID], m)
	}

	s.refunds[p.ID] = append(s.refunds[p.ID], refund)
	if refunded.Equal(pay.Amount) {
		pay.Status = domain.PaymentRefunded
		pay.UpdatedAt = now
		s.payments[pay.ID] = pay
	}
	s.appendEvent(domain.RefundCreated(refund))
	return pay, nil
}
