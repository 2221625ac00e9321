package domain

import (
	"time"

	"github.com/google/uuid"
)

type TicketStatus string

const (
	TicketValid  TicketStatus = "VALID"
	TicketUsed   TicketStatus = "USED"
	TicketVoided TicketStatus = "VOIDED"
)

type IssuedTicket struct {
	ID           uuid.UUID
	PurchaseID   uuid.UUID
	LineItemID   uuid.UUID
	Unit         int
	TicketTypeID uuid.UUID
	SeatID       uuid.UUID
	QRToken      string
	Status       TicketStatus
	IssuedAt     time.Time
	UpdatedAt    time.Time
}

type ValidationOutcome string

const (
	OutcomeAccepted    ValidationOutcome = "ACCEPTED"
	OutcomeAlreadyUsed ValidationOutcome = "ALREADY_USED"
	OutcomeVoided      ValidationOutcome = "VOIDED"
	OutcomeNotFound    ValidationOutcome = "NOT_FOUND"
)

// OutcomeFor is the scan outcome for a ticket currently in status s.
func OutcomeFor(s TicketStatus) ValidationOutcome {
	switch s {
	case TicketValid:
		return OutcomeAccepted
	case TicketUsed:
		return OutcomeAlreadyUsed
	case TicketVoided:
		return OutcomeVoided
	}
	return OutcomeNotFound
}

type ValidationRecord struct {
	ID          uuid.UUID
	TicketID    uuid.UUID
	ValidatorID string
	Outcome     ValidationOutcome
	Reverted    bool
	RevertedAt  *time.Time
	CreatedAt   time.Time
}
