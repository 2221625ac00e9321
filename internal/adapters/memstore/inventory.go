package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/robertarktes/ticketing-checkout/internal/domain"
)

func (s *Store) GetTicketType(ctx context.Context, id uuid.UUID) (domain.TicketType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tt, ok := s.ticketTypes[id]
	if !ok {
		return domain.TicketType{}, domain.ErrTicketTypeNotFound
	}
	return tt, nil
}

func (s *Store) GetSeat(ctx context.Context, id uuid.UUID) (domain.Seat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seat, ok := s.seats[id]
	if !ok {
		return domain.Seat{}, domain.ErrSeatNotFound
	}
	return seat, nil
}

func (s *Store) AcquireStock(ctx context.Context, res domain.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tt, ok := s.ticketTypes[res.TicketTypeID]
	if !ok {
		return domain.ErrTicketTypeNotFound
	}
	if tt.Sold+tt.Held+res.Quantity > tt.Total {
		return domain.ErrOutOfStock
	}
	tt.Held += res.Quantity
	s.ticketTypes[tt.ID] = tt
	s.reservations[res.ID] = res
	return nil
}

func (s *Store) AcquireSeat(ctx context.Context, res domain.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seat, ok := s.seats[res.SeatID]
	if !ok {
		return domain.ErrSeatNotFound
	}
	if seat.State != domain.SeatFree {
		return domain.ErrSeatUnavailable
	}
	seat.State = domain.SeatHeld
	seat.ReservationID = res.ID
	seat.HeldUntil = res.HeldUntil
	s.seats[seat.ID] = seat
	s.reservations[res.ID] = res
	return nil
}

func (s *Store) GetReservation(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	return res, nil
}

func (s *Store) TransitionReservation(ctx context.Context, id uuid.UUID, from, to domain.ReservationStatus) (domain.Reservation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok {
		return domain.Reservation{}, false, domain.ErrReservationNotFound
	}
	if res.Status != from {
		return res, false, nil
	}

	if res.IsSeat() {
		seat := s.seats[res.SeatID]
		if seat.ReservationID == res.ID {
			switch to {
			case domain.ReservationCommitted:
				seat.State = domain.SeatSold
			case domain.ReservationReleased:
				seat.State = domain.SeatFree
				seat.ReservationID = uuid.Nil
				seat.HeldUntil = time.Time{}
			}
			s.seats[seat.ID] = seat
		}
	} else {
		tt := s.ticketTypes[res.TicketTypeID]
		switch {
		case from == domain.ReservationActive && to == domain.ReservationCommitted:
			tt.Held -= res.Quantity
			tt.Sold += res.Quantity
		case from == domain.ReservationActive && to == domain.ReservationReleased:
			tt.Held -= res.Quantity
		case from == domain.ReservationCommitted && to == domain.ReservationReleased:
			tt.Sold -= res.Quantity
		}
		s.ticketTypes[tt.ID] = tt
	}

	res.Status = to
	s.reservations[id] = res
	return res, true, nil
}

func (s *Store) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Reservation
	for _, res := range s.reservations {
		if res.Status == domain.ReservationActive && !res.HeldUntil.After(now) {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HeldUntil.Before(out[j].HeldUntil) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListPurchaseReservations(ctx context.Context, purchaseID uuid.UUID) ([]domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Reservation
	for _, res := range s.reservations {
		if res.PurchaseID == purchaseID {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
