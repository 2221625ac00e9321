package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/robertarktes/ticketing-checkout/internal/domain"
)

const reservationColumns = `id, purchase_id, ticket_type_id, seat_id, quantity, status, held_until, created_at`

func (r *Repository) PutTicketType(ctx context.Context, tt domain.TicketType) error {
	_, err := r.pool.Exec(ctx, `
		UPSERT INTO ticket_types (id, event_id, name, cost, implicit_donation, total, sold, held, purchase_limit, seated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, tt.ID, tt.EventID, tt.Name, tt.Cost, tt.ImplicitDonation, tt.Total, tt.Sold, tt.Held, tt.PurchaseLimit, tt.Seated)
	return err
}

func (r *Repository) PutSeat(ctx context.Context, seat domain.Seat) error {
	if seat.State == "" {
		seat.State = domain.SeatFree
	}
	_, err := r.pool.Exec(ctx, `
		UPSERT INTO seats (id, zone_id, ticket_type_id, label, state, reservation_id, held_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, seat.ID, seat.ZoneID, seat.TicketTypeID, seat.Label, seat.State, nullUUID(seat.ReservationID), nullTime(seat.HeldUntil))
	return err
}

func (r *Repository) GetTicketType(ctx context.Context, id uuid.UUID) (domain.TicketType, error) {
	var tt domain.TicketType
	err := r.pool.QueryRow(ctx, `
		SELECT id, event_id, name, cost, implicit_donation, total, sold, held, purchase_limit, seated
		FROM ticket_types WHERE id = $1
	`, id).Scan(&tt.ID, &tt.EventID, &tt.Name, &tt.Cost, &tt.ImplicitDonation, &tt.Total, &tt.Sold, &tt.Held, &tt.PurchaseLimit, &tt.Seated)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TicketType{}, domain.ErrTicketTypeNotFound
	}
	return tt, err
}

func (r *Repository) GetSeat(ctx context.Context, id uuid.UUID) (domain.Seat, error) {
	var (
		seat      domain.Seat
		resID     uuid.NullUUID
		heldUntil *time.Time
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, zone_id, ticket_type_id, label, state, reservation_id, held_until
		FROM seats WHERE id = $1
	`, id).Scan(&seat.ID, &seat.ZoneID, &seat.TicketTypeID, &seat.Label, &seat.State, &resID, &heldUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Seat{}, domain.ErrSeatNotFound
	}
	if err != nil {
		return domain.Seat{}, err
	}
	seat.ReservationID = resID.UUID
	if heldUntil != nil {
		seat.HeldUntil = *heldUntil
	}
	return seat, nil
}

// AcquireStock relies on a single conditional UPDATE so concurrent buyers
// never push sold+held past total.
func (r *Repository) AcquireStock(ctx context.Context, res domain.Reservation) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE ticket_types SET held = held + $2
			WHERE id = $1 AND sold + held + $2 <= total
		`, res.TicketTypeID, res.Quantity)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			if _, err := r.getTicketTypeTx(ctx, tx, res.TicketTypeID); err != nil {
				return err
			}
			return domain.ErrOutOfStock
		}
		return insertReservation(ctx, tx, res)
	})
}

func (r *Repository) AcquireSeat(ctx context.Context, res domain.Reservation) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE seats SET state = 'HELD', reservation_id = $2, held_until = $3
			WHERE id = $1 AND state = 'FREE'
		`, res.SeatID, res.ID, res.HeldUntil)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var one int
			err := tx.QueryRow(ctx, `SELECT 1 FROM seats WHERE id = $1`, res.SeatID).Scan(&one)
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrSeatNotFound
			}
			if err != nil {
				return err
			}
			return domain.ErrSeatUnavailable
		}
		return insertReservation(ctx, tx, res)
	})
}

func (r *Repository) getTicketTypeTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (domain.TicketType, error) {
	var tt domain.TicketType
	err := tx.QueryRow(ctx, `SELECT id, total, sold, held FROM ticket_types WHERE id = $1`, id).
		Scan(&tt.ID, &tt.Total, &tt.Sold, &tt.Held)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TicketType{}, domain.ErrTicketTypeNotFound
	}
	return tt, err
}

func insertReservation(ctx context.Context, tx pgx.Tx, res domain.Reservation) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, res.ID, res.PurchaseID, res.TicketTypeID, nullUUID(res.SeatID), res.Quantity, res.Status, res.HeldUntil, res.CreatedAt)
	return err
}

func scanReservation(row pgx.Row) (domain.Reservation, error) {
	var (
		res    domain.Reservation
		seatID uuid.NullUUID
	)
	if err := row.Scan(&res.ID, &res.PurchaseID, &res.TicketTypeID, &seatID, &res.Quantity, &res.Status, &res.HeldUntil, &res.CreatedAt); err != nil {
		return domain.Reservation{}, err
	}
	res.SeatID = seatID.UUID
	return res, nil
}

func (r *Repository) GetReservation(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	res, err := scanReservation(r.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	return res, err
}

func (r *Repository) TransitionReservation(ctx context.Context, id uuid.UUID, from, to domain.ReservationStatus) (domain.Reservation, bool, error) {
	var (
		res     domain.Reservation
		changed bool
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		res, err = scanReservation(tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrReservationNotFound
		}
		if err != nil {
			return err
		}
		changed = false
		if res.Status != from {
			return nil
		}

		if res.IsSeat() {
			if err := transitionSeat(ctx, tx, res, to); err != nil {
				return err
			}
		} else if err := transitionStock(ctx, tx, res, from, to); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `UPDATE reservations SET status = $2 WHERE id = $1`, id, to); err != nil {
			return err
		}
		res.Status = to
		changed = true
		return nil
	})
	return res, changed, err
}

func transitionSeat(ctx context.Context, tx pgx.Tx, res domain.Reservation, to domain.ReservationStatus) error {
	var err error
	switch to {
	case domain.ReservationCommitted:
		_, err = tx.Exec(ctx, `UPDATE seats SET state = 'SOLD' WHERE id = $1 AND reservation_id = $2`, res.SeatID, res.ID)
	case domain.ReservationReleased:
		_, err = tx.Exec(ctx, `
			UPDATE seats SET state = 'FREE', reservation_id = NULL, held_until = NULL
			WHERE id = $1 AND reservation_id = $2
		`, res.SeatID, res.ID)
	}
	return err
}

func transitionStock(ctx context.Context, tx pgx.Tx, res domain.Reservation, from, to domain.ReservationStatus) error {
	var q string
	switch {
	case from == domain.ReservationActive && to == domain.ReservationCommitted:
		q = `UPDATE ticket_types SET held = held - $2, sold = sold + $2 WHERE id = $1`
	case from == domain.ReservationActive && to == domain.ReservationReleased:
		q = `UPDATE ticket_types SET held = held - $2 WHERE id = $1`
	case from == domain.ReservationCommitted && to == domain.ReservationReleased:
		q = `UPDATE ticket_types SET sold = sold - $2 WHERE id = $1`
	default:
		return errors.Newf("unsupported reservation transition %s -> %s", from, to)
	}
	_, err := tx.Exec(ctx, q, res.TicketTypeID, res.Quantity)
	return err
}

func (r *Repository) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	return r.queryReservations(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE status = 'ACTIVE' AND held_until <= $1
		ORDER BY held_until ASC LIMIT $2
	`, now, limit)
}

func (r *Repository) ListPurchaseReservations(ctx context.Context, purchaseID uuid.UUID) ([]domain.Reservation, error) {
	return r.queryReservations(ctx, `
		SELECT `+reservationColumns+` FROM reservations WHERE purchase_id = $1 ORDER BY created_at ASC
	`, purchaseID)
}

func (r *Repository) queryReservations(ctx context.Context, q string, args ...interface{}) ([]domain.Reservation, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}
