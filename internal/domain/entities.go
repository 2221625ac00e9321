package domain

import (
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TicketType is a priced allocation of an event. General-admission types are
// counted through Sold/Held; seated types are sold exclusively through Seats.
type TicketType struct {
	ID               uuid.UUID
	EventID          uuid.UUID
	Name             string
	Cost             decimal.Decimal
	ImplicitDonation decimal.Decimal
	Total            int
	Sold             int
	Held             int
	PurchaseLimit    int
	Seated           bool
}

// UnitPrice is what one ticket of this type costs the buyer before adjustments.
func (t TicketType) UnitPrice() decimal.Decimal {
	return t.Cost.Add(t.ImplicitDonation)
}

func (t TicketType) Available() int {
	return t.Total - t.Sold - t.Held
}

type SeatState string

const (
	SeatFree SeatState = "FREE"
	SeatHeld SeatState = "HELD"
	SeatSold SeatState = "SOLD"
)

type Seat struct {
	ID            uuid.UUID
	ZoneID        uuid.UUID
	TicketTypeID  uuid.UUID
	Label         string
	State         SeatState
	ReservationID uuid.UUID
	HeldUntil     time.Time
}

type OwnerKind string

const (
	OwnerRegistered OwnerKind = "REGISTERED"
	OwnerGuest      OwnerKind = "GUEST"
)

// Owner is the buyer of a Purchase: a registered user or a guest known only
// by email. Build it with RegisteredOwner or GuestOwner.
type Owner struct {
	Kind   OwnerKind
	UserID uuid.UUID
	Email  string
}

func RegisteredOwner(userID uuid.UUID) Owner {
	return Owner{Kind: OwnerRegistered, UserID: userID}
}

func GuestOwner(email string) Owner {
	return Owner{Kind: OwnerGuest, Email: strings.ToLower(strings.TrimSpace(email))}
}

func (o Owner) Registered() bool {
	return o.Kind == OwnerRegistered && o.UserID != uuid.Nil
}

// ResolveOwner picks the registered identity when present and falls back to
// the guest email.
func ResolveOwner(userID uuid.UUID, guestEmail string) (Owner, error) {
	if userID != uuid.Nil {
		return RegisteredOwner(userID), nil
	}
	guestEmail = strings.TrimSpace(guestEmail)
	if guestEmail == "" {
		return Owner{}, ErrInvalidBuyer
	}
	addr, err := mail.ParseAddress(guestEmail)
	if err != nil || addr.Address != guestEmail {
		return Owner{}, ErrInvalidBuyer
	}
	return GuestOwner(guestEmail), nil
}
