package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/robertarktes/ticketing-checkout/internal/domain"
)

const ticketColumns = `id, purchase_id, line_item_id, unit, ticket_type_id, seat_id, qr_token, status, issued_at, updated_at`

const validationColumns = `id, ticket_id, validator_id, outcome, reverted, reverted_at, created_at`

// IssueTickets inserts the units not yet issued for the line and returns the
// full set, so a repeated call converges on the same tickets.
func (r *Repository) IssueTickets(ctx context.Context, lineItemID uuid.UUID, tickets []domain.IssuedTicket) ([]domain.IssuedTicket, error) {
	var out []domain.IssuedTicket
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		for _, t := range tickets {
			tag, err := tx.Exec(ctx, `
				INSERT INTO issued_tickets (`+ticketColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (line_item_id, unit) DO NOTHING
			`, t.ID, t.PurchaseID, lineItemID, t.Unit, t.TicketTypeID, nullUUID(t.SeatID), t.QRToken, t.Status, t.IssuedAt, t.UpdatedAt)
			if isCode(err, UniqueViolationCode) {
				return domain.ErrDuplicate
			}
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 1 {
				if err := insertEvents(ctx, tx, t.IssuedAt, domain.TicketIssued(t)); err != nil {
					return err
				}
			}
		}
		var err error
		out, err = queryTickets(ctx, tx, `SELECT `+ticketColumns+` FROM issued_tickets WHERE line_item_id = $1 ORDER BY unit`, lineItemID)
		return err
	})
	return out, err
}

func scanTicket(row pgx.Row) (domain.IssuedTicket, error) {
	var (
		t      domain.IssuedTicket
		seatID uuid.NullUUID
	)
	if err := row.Scan(&t.ID, &t.PurchaseID, &t.LineItemID, &t.Unit, &t.TicketTypeID, &seatID, &t.QRToken, &t.Status, &t.IssuedAt, &t.UpdatedAt); err != nil {
		return domain.IssuedTicket{}, err
	}
	t.SeatID = seatID.UUID
	return t, nil
}

func queryTickets(ctx context.Context, q querier, sql string, args ...any) ([]domain.IssuedTicket, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.IssuedTicket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func findTicket(ctx context.Context, q querier, where string, arg any, forUpdate bool) (domain.IssuedTicket, error) {
	sql := `SELECT ` + ticketColumns + ` FROM issued_tickets WHERE ` + where + ` = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	t, err := scanTicket(q.QueryRow(ctx, sql, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.IssuedTicket{}, domain.ErrTicketNotFound
	}
	return t, err
}

func (r *Repository) GetTicket(ctx context.Context, id uuid.UUID) (domain.IssuedTicket, error) {
	return findTicket(ctx, r.pool, "id", id, false)
}

func (r *Repository) GetTicketByToken(ctx context.Context, token string) (domain.IssuedTicket, error) {
	return findTicket(ctx, r.pool, "qr_token", token, false)
}

func (r *Repository) ListPurchaseTickets(ctx context.Context, purchaseID uuid.UUID) ([]domain.IssuedTicket, error) {
	return queryTickets(ctx, r.pool, `
		SELECT `+ticketColumns+` FROM issued_tickets WHERE purchase_id = $1 ORDER BY issued_at, line_item_id, unit
	`, purchaseID)
}

func setTicketStatus(ctx context.Context, tx pgx.Tx, t *domain.IssuedTicket, status domain.TicketStatus, now time.Time) error {
	if _, err := tx.Exec(ctx, `UPDATE issued_tickets SET status = $2, updated_at = $3 WHERE id = $1`, t.ID, status, now); err != nil {
		return err
	}
	t.Status = status
	t.UpdatedAt = now
	return nil
}

// RecordScan locks the ticket so two gates scanning the same code serialize:
// exactly one of them sees ACCEPTED.
func (r *Repository) RecordScan(ctx context.Context, token, validatorID string, now time.Time) (domain.IssuedTicket, domain.ValidationRecord, error) {
	var (
		t   domain.IssuedTicket
		rec domain.ValidationRecord
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		if t, err = findTicket(ctx, tx, "qr_token", token, true); err != nil {
			return err
		}
		rec = domain.ValidationRecord{
			ID:          uuid.New(),
			TicketID:    t.ID,
			ValidatorID: validatorID,
			Outcome:     domain.OutcomeFor(t.Status),
			CreatedAt:   now,
		}
		if rec.Outcome == domain.OutcomeAccepted {
			if err := setTicketStatus(ctx, tx, &t, domain.TicketUsed, now); err != nil {
				return err
			}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO validation_records (`+validationColumns+`)
			VALUES ($1, $2, $3, $4, false, NULL, $5)
		`, rec.ID, rec.TicketID, rec.ValidatorID, rec.Outcome, rec.CreatedAt)
		return err
	})
	return t, rec, err
}

func scanValidation(row pgx.Row) (domain.ValidationRecord, error) {
	var rec domain.ValidationRecord
	err := row.Scan(&rec.ID, &rec.TicketID, &rec.ValidatorID, &rec.Outcome, &rec.Reverted, &rec.RevertedAt, &rec.CreatedAt)
	return rec, err
}

func (r *Repository) RevertScan(ctx context.Context, recordID uuid.UUID, now time.Time) (domain.IssuedTicket, domain.ValidationRecord, error) {
	var (
		t   domain.IssuedTicket
		rec domain.ValidationRecord
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		rec, err = scanValidation(tx.QueryRow(ctx, `SELECT `+validationColumns+` FROM validation_records WHERE id = $1 FOR UPDATE`, recordID))
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrValidationNotFound
		}
		if err != nil {
			return err
		}
		if rec.Reverted {
			return domain.ErrAlreadyReverted
		}
		if t, err = findTicket(ctx, tx, "id", rec.TicketID, true); err != nil {
			return err
		}
		if rec.Outcome != domain.OutcomeAccepted || t.Status != domain.TicketUsed {
			return domain.ErrTicketNotUsed
		}
		if err := setTicketStatus(ctx, tx, &t, domain.TicketValid, now); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE validation_records SET reverted = true, reverted_at = $2 WHERE id = $1`, rec.ID, now); err != nil {
			return err
		}
		rec.Reverted = true
		rec.RevertedAt = &now
		return nil
	})
	return t, rec, err
}

func (r *Repository) VoidTicket(ctx context.Context, ticketID uuid.UUID, now time.Time) (domain.IssuedTicket, bool, error) {
	var (
		t       domain.IssuedTicket
		changed bool
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		if t, err = findTicket(ctx, tx, "id", ticketID, true); err != nil {
			return err
		}
		changed = false
		switch t.Status {
		case domain.TicketVoided:
			return nil
		case domain.TicketUsed:
			return domain.ErrTicketAlreadyUsed
		}
		if err := setTicketStatus(ctx, tx, &t, domain.TicketVoided, now); err != nil {
			return err
		}
		changed = true
		return insertEvents(ctx, tx, now, domain.TicketVoidedEvent(t))
	})
	return t, changed, err
}

func (r *Repository) ListValidations(ctx context.Context, ticketID uuid.UUID) ([]domain.ValidationRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+validationColumns+` FROM validation_records WHERE ticket_id = $1 ORDER BY created_at
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ValidationRecord
	for rows.Next() {
		rec, err := scanValidation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
