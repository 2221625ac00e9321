package domain

import (
	"time"

	"github.com/google/uuid"
)

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationCommitted ReservationStatus = "COMMITTED"
	ReservationReleased  ReservationStatus = "RELEASED"
)

// Reservation is a provisional hold on inventory. Its ID is the token handed
// back to the caller of Reserve/HoldSeat.
type Reservation struct {
	ID           uuid.UUID
	PurchaseID   uuid.UUID
	TicketTypeID uuid.UUID
	SeatID       uuid.UUID
	Quantity     int
	Status       ReservationStatus
	HeldUntil    time.Time
	CreatedAt    time.Time
}

func (r Reservation) IsSeat() bool {
	return r.SeatID != uuid.Nil
}

func NewReservation(purchaseID, ticketTypeID, seatID uuid.UUID, quantity int, now time.Time, ttl time.Duration) Reservation {
	return Reservation{
		ID:           uuid.New(),
		PurchaseID:   purchaseID,
		TicketTypeID: ticketTypeID,
		SeatID:       seatID,
		Quantity:     quantity,
		Status:       ReservationActive,
		HeldUntil:    now.Add(ttl),
		CreatedAt:    now,
	}
}
