package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/robertarktes/ticketing-checkout/internal/domain"
)

const paymentColumns = `id, purchase_id, external_tx_id, amount, status, method, created_at, updated_at`

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *Repository) CreatePurchase(ctx context.Context, p domain.Purchase, payment *domain.Payment) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO purchases (id, owner_kind, user_id, guest_email, status, total, payment_id, cancel_reason, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NULL, '', $7, $8)
		`, p.ID, p.Owner.Kind, nullUUID(p.Owner.UserID), p.Owner.Email, p.Status, p.Total, p.CreatedAt, p.UpdatedAt)
		if isCode(err, UniqueViolationCode) {
			return domain.ErrDuplicate
		}
		if err != nil {
			return err
		}

		for _, l := range p.Lines {
			_, err := tx.Exec(ctx, `
				INSERT INTO line_items (id, purchase_id, position, kind, quantity, unit_price, donation_portion, ticket_type_id, seat_id, reservation_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			`, l.ID, p.ID, l.Position, l.Kind, l.Quantity, l.UnitPrice, l.DonationPortion,
				nullUUID(l.TicketTypeID), nullUUID(l.SeatID), nullUUID(l.ReservationID))
			if err != nil {
				return errors.Wrapf(err, "insert line %d", l.Position)
			}
		}
		for _, a := range p.Adjustments {
			_, err := tx.Exec(ctx, `
				INSERT INTO price_adjustments (id, purchase_id, line_item_id, code, delta, reason, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, a.ID, p.ID, nullUUID(a.LineItemID), a.Code, a.Delta, a.Reason, a.CreatedAt)
			if err != nil {
				return errors.Wrap(err, "insert adjustment")
			}
		}
		if payment != nil {
			if err := insertPayment(ctx, tx, *payment); err != nil {
				return err
			}
		}
		return insertEvents(ctx, tx, r.now(), domain.PurchaseCreated(p))
	})
}

func (r *Repository) GetPurchase(ctx context.Context, id uuid.UUID) (domain.Purchase, error) {
	return loadPurchase(ctx, r.pool, id, false)
}

func loadPurchase(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (domain.Purchase, error) {
	sql := `
		SELECT id, owner_kind, user_id, guest_email, status, total, payment_id, cancel_reason, created_at, updated_at
		FROM purchases WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var (
		p         domain.Purchase
		userID    uuid.NullUUID
		paymentID uuid.NullUUID
	)
	err := q.QueryRow(ctx, sql, id).Scan(&p.ID, &p.Owner.Kind, &userID, &p.Owner.Email, &p.Status, &p.Total,
		&paymentID, &p.CancelReason, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Purchase{}, domain.ErrPurchaseNotFound
	}
	if err != nil {
		return domain.Purchase{}, err
	}
	p.Owner.UserID = userID.UUID
	p.PaymentID = paymentID.UUID

	rows, err := q.Query(ctx, `
		SELECT id, position, kind, quantity, unit_price, donation_portion, ticket_type_id, seat_id, reservation_id
		FROM line_items WHERE purchase_id = $1 ORDER BY position
	`, id)
	if err != nil {
		return domain.Purchase{}, err
	}
	for rows.Next() {
		l := domain.LineItem{PurchaseID: id}
		var typeID, seatID, resID uuid.NullUUID
		if err := rows.Scan(&l.ID, &l.Position, &l.Kind, &l.Quantity, &l.UnitPrice, &l.DonationPortion, &typeID, &seatID, &resID); err != nil {
			rows.Close()
			return domain.Purchase{}, err
		}
		l.TicketTypeID, l.SeatID, l.ReservationID = typeID.UUID, seatID.UUID, resID.UUID
		p.Lines = append(p.Lines, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.Purchase{}, err
	}

	rows, err = q.Query(ctx, `
		SELECT id, line_item_id, code, delta, reason, created_at
		FROM price_adjustments WHERE purchase_id = $1 ORDER BY created_at, id
	`, id)
	if err != nil {
		return domain.Purchase{}, err
	}
	defer rows.Close()
	for rows.Next() {
		a := domain.PriceAdjustment{PurchaseID: id}
		var lineID uuid.NullUUID
		if err := rows.Scan(&a.ID, &lineID, &a.Code, &a.Delta, &a.Reason, &a.CreatedAt); err != nil {
			return domain.Purchase{}, err
		}
		a.LineItemID = lineID.UUID
		p.Adjustments = append(p.Adjustments, a)
	}
	return p, rows.Err()
}

func (r *Repository) RebindReservation(ctx context.Context, lineItemID, reservationID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `UPDATE line_items SET reservation_id = $2 WHERE id = $1`, lineItemID, reservationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPurchaseNotFound
	}
	return nil
}

func (r *Repository) AppendEvents(ctx context.Context, events ...domain.OutboxEvent) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		return insertEvents(ctx, tx, r.now(), events...)
	})
}

func insertPayment(ctx context.Context, tx pgx.Tx, pay domain.Payment) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, pay.ID, pay.PurchaseID, nullString(pay.ExternalTxID), pay.Amount, pay.Status, pay.Method, pay.CreatedAt, pay.UpdatedAt)
	return errors.Wrap(err, "insert payment")
}

func scanPayment(row pgx.Row) (domain.Payment, error) {
	var (
		pay domain.Payment
		ext *string
	)
	if err := row.Scan(&pay.ID, &pay.PurchaseID, &ext, &pay.Amount, &pay.Status, &pay.Method, &pay.CreatedAt, &pay.UpdatedAt); err != nil {
		return domain.Payment{}, err
	}
	if ext != nil {
		pay.ExternalTxID = *ext
	}
	return pay, nil
}

func getPayment(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (domain.Payment, error) {
	sql := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	pay, err := scanPayment(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return pay, err
}

func (r *Repository) GetPayment(ctx context.Context, id uuid.UUID) (domain.Payment, error) {
	return getPayment(ctx, r.pool, id, false)
}

func (r *Repository) FindPaymentByExternalID(ctx context.Context, externalTxID string) (domain.Payment, error) {
	pay, err := scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE external_tx_id = $1`, externalTxID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return pay, err
}

func (r *Repository) ListPayments(ctx context.Context, purchaseID uuid.UUID) ([]domain.Payment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE purchase_id = $1 ORDER BY created_at`, purchaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pay)
	}
	return out, rows.Err()
}

func (r *Repository) ListRefunds(ctx context.Context, purchaseID uuid.UUID) ([]domain.Refund, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, purchase_id, payment_id, amount, target, reason, created_at
		FROM refunds WHERE purchase_id = $1 ORDER BY created_at
	`, purchaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Refund
	for rows.Next() {
		var rf domain.Refund
		if err := rows.Scan(&rf.ID, &rf.PurchaseID, &rf.PaymentID, &rf.Amount, &rf.Target, &rf.Reason, &rf.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rf)
	}
	return out, rows.Err()
}

func (r *Repository) CreatePayment(ctx context.Context, pay domain.Payment) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		p, err := loadPurchase(ctx, tx, pay.PurchaseID, true)
		if err != nil {
			return err
		}
		if p.Status != domain.PurchasePending {
			return domain.ErrPurchaseTerminal
		}
		return insertPayment(ctx, tx, pay)
	})
}

func (r *Repository) BindExternalTxID(ctx context.Context, paymentID uuid.UUID, externalTxID string) (domain.Payment, error) {
	var pay domain.Payment
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		pay, err = getPayment(ctx, tx, paymentID, true)
		if err != nil {
			return err
		}
		if pay.ExternalTxID == externalTxID {
			return nil
		}
		if pay.ExternalTxID != "" {
			return domain.ErrPaymentNotPending
		}
		now := r.now()
		_, err = tx.Exec(ctx, `UPDATE payments SET external_tx_id = $2, updated_at = $3 WHERE id = $1`, paymentID, externalTxID, now)
		if isCode(err, UniqueViolationCode) {
			return domain.ErrDuplicate
		}
		if err != nil {
			return err
		}
		pay.ExternalTxID = externalTxID
		pay.UpdatedAt = now
		return nil
	})
	return pay, err
}

func setPaymentStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status domain.PaymentStatus, now time.Time) error {
	_, err := tx.Exec(ctx, `UPDATE payments SET status = $2, updated_at = $3 WHERE id = $1`, id, status, now)
	return err
}

func completePurchase(ctx context.Context, tx pgx.Tx, p *domain.Purchase, paymentID uuid.UUID, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE purchases SET status = 'COMPLETED', payment_id = $2, updated_at = $3 WHERE id = $1
	`, p.ID, paymentID, now)
	if err != nil {
		return err
	}
	p.Status = domain.PurchaseCompleted
	p.PaymentID = paymentID
	p.UpdatedAt = now
	return insertEvents(ctx, tx, now, domain.PurchaseCompletedEvent(*p, paymentID))
}

func cancelPurchase(ctx context.Context, tx pgx.Tx, p *domain.Purchase, reason string, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE purchases SET status = 'CANCELLED', cancel_reason = $2, updated_at = $3 WHERE id = $1
	`, p.ID, reason, now)
	if err != nil {
		return err
	}
	p.Status = domain.PurchaseCancelled
	p.CancelReason = reason
	p.UpdatedAt = now
	return insertEvents(ctx, tx, now, domain.PurchaseCancelledEvent(p.ID, reason))
}

func (r *Repository) ApprovePayment(ctx context.Context, paymentID uuid.UUID, now time.Time) (domain.Settlement, domain.Purchase, error) {
	var (
		settlement domain.Settlement
		p          domain.Purchase
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		pay, err := getPayment(ctx, tx, paymentID, false)
		if err != nil {
			return err
		}
		if p, err = loadPurchase(ctx, tx, pay.PurchaseID, true); err != nil {
			return err
		}
		if pay, err = getPayment(ctx, tx, paymentID, true); err != nil {
			return err
		}
		if pay.Status == domain.PaymentApproved || pay.Status == domain.PaymentRefunded || pay.Method != domain.MethodGateway {
			settlement = domain.SettlementDuplicate
			return nil
		}

		wasPending := pay.Status == domain.PaymentPending
		if err := setPaymentStatus(ctx, tx, pay.ID, domain.PaymentApproved, now); err != nil {
			return err
		}
		if !wasPending || p.Status != domain.PurchasePending {
			settlement = domain.SettlementLate
			return nil
		}
		settlement = domain.SettlementApplied
		return completePurchase(ctx, tx, &p, pay.ID, now)
	})
	return settlement, p, err
}

func (r *Repository) RejectPayment(ctx context.Context, paymentID uuid.UUID, final bool, reason string, now time.Time) (bool, domain.Purchase, error) {
	var (
		changed bool
		p       domain.Purchase
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		pay, err := getPayment(ctx, tx, paymentID, false)
		if err != nil {
			return err
		}
		if p, err = loadPurchase(ctx, tx, pay.PurchaseID, true); err != nil {
			return err
		}
		if pay, err = getPayment(ctx, tx, paymentID, true); err != nil {
			return err
		}
		changed = false
		if pay.Status != domain.PaymentPending {
			return nil
		}

		// A rejection supersedes every other attempt still open on the purchase.
		if _, err := tx.Exec(ctx, `
			UPDATE payments SET status = 'REJECTED', updated_at = $2
			WHERE purchase_id = $1 AND status = 'PENDING'
		`, p.ID, now); err != nil {
			return err
		}
		pay.Status = domain.PaymentRejected
		pay.UpdatedAt = now
		if err := insertEvents(ctx, tx, now, domain.PaymentRejectedEvent(pay)); err != nil {
			return err
		}
		changed = true
		if final && p.Status == domain.PurchasePending {
			return cancelPurchase(ctx, tx, &p, reason, now)
		}
		return nil
	})
	return changed, p, err
}

func (r *Repository) CancelPurchase(ctx context.Context, purchaseID uuid.UUID, reason string, now time.Time) (domain.Purchase, error) {
	var p domain.Purchase
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		if p, err = loadPurchase(ctx, tx, purchaseID, true); err != nil {
			return err
		}
		if p.Status != domain.PurchasePending {
			return domain.ErrPurchaseTerminal
		}
		return cancelPurchase(ctx, tx, &p, reason, now)
	})
	return p, err
}

// SettleWithWallet locks the wallet before the purchase, the same order
// RecordRefund uses.
func (r *Repository) SettleWithWallet(ctx context.Context, purchaseID uuid.UUID, pay domain.Payment, now time.Time) (domain.Settlement, domain.WalletMovement, domain.Purchase, error) {
	var (
		settlement domain.Settlement
		movement   domain.WalletMovement
		p          domain.Purchase
	)
	owner, err := r.GetPurchase(ctx, purchaseID)
	if err != nil {
		return "", movement, p, err
	}
	err = r.WithTx(ctx, func(tx pgx.Tx) error {
		w, err := lockWallet(ctx, tx, owner.Owner.UserID)
		if err != nil {
			return err
		}
		if p, err = loadPurchase(ctx, tx, purchaseID, true); err != nil {
			return err
		}
		switch p.Status {
		case domain.PurchaseCompleted:
			settlement = domain.SettlementDuplicate
			return nil
		case domain.PurchaseCancelled:
			return domain.ErrPurchaseTerminal
		}

		if movement, err = applyMovement(ctx, tx, w, pay.Amount.Neg(), domain.Reference{Kind: domain.RefPurchase, ID: p.ID}, now); err != nil {
			return err
		}
		if err := insertPayment(ctx, tx, pay); err != nil {
			return err
		}
		settlement = domain.SettlementApplied
		return completePurchase(ctx, tx, &p, pay.ID, now)
	})
	return settlement, movement, p, err
}

func (r *Repository) RecordRefund(ctx context.Context, refund domain.Refund, now time.Time) (domain.Payment, error) {
	owner, err := r.GetPurchase(ctx, refund.PurchaseID)
	if err != nil {
		return domain.Payment{}, err
	}
	var pay domain.Payment
	err = r.WithTx(ctx, func(tx pgx.Tx) error {
		var (
			w   domain.Wallet
			err error
		)
		if refund.Target == domain.RefundToWallet {
			if !owner.Owner.Registered() {
				return domain.ErrWalletRequiresUser
			}
			if w, err = lockOrCreateWallet(ctx, tx, owner.Owner.UserID, now); err != nil {
				return err
			}
		}
		if _, err := loadPurchase(ctx, tx, refund.PurchaseID, true); err != nil {
			return err
		}
		if pay, err = getPayment(ctx, tx, refund.PaymentID, true); err != nil {
			return err
		}
		if pay.PurchaseID != refund.PurchaseID {
			return domain.ErrPaymentNotFound
		}
		if pay.Status != domain.PaymentApproved {
			return domain.ErrPaymentNotApproved
		}

		var refunded decimal.Decimal
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(SUM(amount), 0) FROM refunds WHERE payment_id = $1
		`, pay.ID).Scan(&refunded); err != nil {
			return err
		}
		refunded = refunded.Add(refund.Amount)
		if refunded.GreaterThan(pay.Amount) {
			return domain.ErrRefundExceeds
		}

		if refund.Target == domain.RefundToWallet {
			if _, err := applyMovement(ctx, tx, w, refund.Amount, domain.Reference{Kind: domain.RefRefund, ID: refund.ID}, now); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO refunds (id, purchase_id, payment_id, amount, target, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, refund.ID, refund.PurchaseID, refund.PaymentID, refund.Amount, refund.Target, refund.Reason, refund.CreatedAt); err != nil {
			return err
		}
		if refunded.Equal(pay.Amount) {
			if err := setPaymentStatus(ctx, tx, pay.ID, domain.PaymentRefunded, now); err != nil {
				return err
			}
			pay.Status = domain.PaymentRefunded
			pay.UpdatedAt = now
		}
		return insertEvents(ctx, tx, now, domain.RefundCreated(refund))
	})
	return pay, err
}
