package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "PENDING"
	PurchaseCompleted PurchaseStatus = "COMPLETED"
	PurchaseCancelled PurchaseStatus = "CANCELLED"
)

func (s PurchaseStatus) Terminal() bool {
	return s == PurchaseCompleted || s == PurchaseCancelled
}

type LineKind string

const (
	LineTicket   LineKind = "TICKET"
	LineDonation LineKind = "DONATION"
)

// LineItem is a tagged variant: Kind decides which fields are meaningful.
// Ticket lines reference a TicketType (and optionally a Seat) plus the
// reservation backing them; donation lines carry only an amount.
type LineItem struct {
	ID              uuid.UUID
	PurchaseID      uuid.UUID
	Position        int
	Kind            LineKind
	Quantity        int
	UnitPrice       decimal.Decimal
	DonationPortion decimal.Decimal
	TicketTypeID    uuid.UUID
	SeatID          uuid.UUID
	ReservationID   uuid.UUID
}

func (l LineItem) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Donation is the part of the line that counts as a donation.
func (l LineItem) Donation() decimal.Decimal {
	switch l.Kind {
	case LineDonation:
		return l.Subtotal()
	case LineTicket:
		return l.DonationPortion.Mul(decimal.NewFromInt(int64(l.Quantity)))
	}
	return decimal.Zero
}

type AdjustmentCode string

const (
	AdjustmentPromoCode  AdjustmentCode = "PROMO_CODE"
	AdjustmentSubscriber AdjustmentCode = "SUBSCRIBER_DISCOUNT"
	AdjustmentServiceFee AdjustmentCode = "SERVICE_FEE"
)

// PriceAdjustment is an immutable audit entry. LineItemID is uuid.Nil when
// the adjustment applies to the purchase as a whole.
type PriceAdjustment struct {
	ID         uuid.UUID
	PurchaseID uuid.UUID
	LineItemID uuid.UUID
	Code       AdjustmentCode
	Delta      decimal.Decimal
	Reason     string
	CreatedAt  time.Time
}

// Purchase is the aggregate root of a checkout. PaymentID names the payment
// that completed it and stays uuid.Nil while PENDING.
type Purchase struct {
	ID           uuid.UUID
	Owner        Owner
	Status       PurchaseStatus
	Total        decimal.Decimal
	Lines        []LineItem
	Adjustments  []PriceAdjustment
	PaymentID    uuid.UUID
	CancelReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (p Purchase) Line(id uuid.UUID) (LineItem, bool) {
	for _, l := range p.Lines {
		if l.ID == id {
			return l, true
		}
	}
	return LineItem{}, false
}

func (p Purchase) TicketLines() []LineItem {
	var out []LineItem
	for _, l := range p.Lines {
		if l.Kind == LineTicket {
			out = append(out, l)
		}
	}
	return out
}

func (p Purchase) DonationTotal() decimal.Decimal {
	total := decimal.Zero
	for _, l := range p.Lines {
		total = total.Add(l.Donation())
	}
	return total
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentApproved PaymentStatus = "APPROVED"
	PaymentRejected PaymentStatus = "REJECTED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

type PaymentMethod string

const (
	MethodGateway PaymentMethod = "GATEWAY"
	MethodWallet  PaymentMethod = "WALLET"
)

// Payment is one settlement attempt. ExternalTxID stays empty until the
// gateway acknowledges the attempt.
type Payment struct {
	ID           uuid.UUID
	PurchaseID   uuid.UUID
	ExternalTxID string
	Amount       decimal.Decimal
	Status       PaymentStatus
	Method       PaymentMethod
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type RefundTarget string

const (
	RefundToGateway RefundTarget = "GATEWAY"
	RefundToWallet  RefundTarget = "WALLET"
)

type Refund struct {
	ID         uuid.UUID
	PurchaseID uuid.UUID
	PaymentID  uuid.UUID
	Amount     decimal.Decimal
	Target     RefundTarget
	Reason     string
	CreatedAt  time.Time
}

// Settlement is the outcome of binding an approval to a purchase.
type Settlement string

const (
	// SettlementApplied: the payment completed the purchase.
	SettlementApplied Settlement = "APPLIED"
	// SettlementDuplicate: the payment had already been processed.
	SettlementDuplicate Settlement = "DUPLICATE"
	// SettlementLate: the payment was approved but the purchase was already
	// terminal (cancelled, or completed by another payment).
	SettlementLate Settlement = "LATE"
)
