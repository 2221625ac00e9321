package http

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/robertarktes/ticketing-checkout/internal/checkout"
	"github.com/robertarktes/ticketing-checkout/internal/domain"
)

type lineView struct {
	ID              uuid.UUID       `json:"id"`
	Position        int             `json:"position"`
	Kind            domain.LineKind `json:"kind"`
	Quantity        int             `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	DonationPortion decimal.Decimal `json:"donation_portion"`
	TicketTypeID    *uuid.UUID      `json:"ticket_type_id,omitempty"`
	SeatID          *uuid.UUID      `json:"seat_id,omitempty"`
}

type adjustmentView struct {
	Code       domain.AdjustmentCode `json:"code"`
	Delta      decimal.Decimal       `json:"delta"`
	Reason     string                `json:"reason"`
	LineItemID *uuid.UUID            `json:"line_item_id,omitempty"`
}

type paymentView struct {
	ID           uuid.UUID            `json:"id"`
	Method       domain.PaymentMethod `json:"method"`
	Status       domain.PaymentStatus `json:"status"`
	Amount       decimal.Decimal      `json:"amount"`
	ExternalTxID string               `json:"external_tx_id,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
}

type refundView struct {
	ID        uuid.UUID           `json:"id"`
	PaymentID uuid.UUID           `json:"payment_id"`
	Amount    decimal.Decimal     `json:"amount"`
	Target    domain.RefundTarget `json:"target"`
	Reason    string              `json:"reason"`
	CreatedAt time.Time           `json:"created_at"`
}

type ticketView struct {
	ID           uuid.UUID           `json:"id"`
	LineItemID   uuid.UUID           `json:"line_item_id"`
	Unit         int                 `json:"unit"`
	TicketTypeID uuid.UUID           `json:"ticket_type_id"`
	SeatID       *uuid.UUID          `json:"seat_id,omitempty"`
	QRToken      string              `json:"qr_token"`
	Status       domain.TicketStatus `json:"status"`
}

type purchaseView struct {
	ID            uuid.UUID             `json:"id"`
	Status        domain.PurchaseStatus `json:"status"`
	OwnerKind     domain.OwnerKind      `json:"owner_kind"`
	UserID        *uuid.UUID            `json:"user_id,omitempty"`
	GuestEmail    string                `json:"guest_email,omitempty"`
	Total         decimal.Decimal       `json:"total"`
	DonationTotal decimal.Decimal       `json:"donation_total"`
	PaymentID     *uuid.UUID            `json:"payment_id,omitempty"`
	CancelReason  string                `json:"cancel_reason,omitempty"`
	Lines         []lineView            `json:"lines"`
	Adjustments   []adjustmentView      `json:"adjustments"`
	Payments      []paymentView         `json:"payments,omitempty"`
	Refunds       []refundView          `json:"refunds,omitempty"`
	Tickets       []ticketView          `json:"tickets,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

type checkoutView struct {
	Purchase purchaseView                `json:"purchase"`
	Payment  checkout.PaymentInstruction `json:"payment"`
}

type settlementView struct {
	Settlement     domain.Settlement     `json:"settlement"`
	PurchaseID     uuid.UUID             `json:"purchase_id"`
	PurchaseStatus domain.PurchaseStatus `json:"purchase_status"`
	PaymentID      uuid.UUID             `json:"payment_id"`
	PaymentStatus  domain.PaymentStatus  `json:"payment_status"`
}

type scanView struct {
	Outcome  domain.ValidationOutcome `json:"outcome"`
	TicketID *uuid.UUID               `json:"ticket_id,omitempty"`
	RecordID *uuid.UUID               `json:"record_id,omitempty"`
}

type validationView struct {
	ID          uuid.UUID                `json:"id"`
	TicketID    uuid.UUID                `json:"ticket_id"`
	ValidatorID string                   `json:"validator_id"`
	Outcome     domain.ValidationOutcome `json:"outcome"`
	Reverted    bool                     `json:"reverted"`
	RevertedAt  *time.Time               `json:"reverted_at,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
}

type movementView struct {
	ID           uuid.UUID            `json:"id"`
	Seq          int64                `json:"seq"`
	Amount       decimal.Decimal      `json:"amount"`
	BalanceAfter decimal.Decimal      `json:"balance_after"`
	RefKind      domain.ReferenceKind `json:"ref_kind"`
	RefID        uuid.UUID            `json:"ref_id"`
	CreatedAt    time.Time            `json:"created_at"`
}

type walletView struct {
	ID         uuid.UUID       `json:"id"`
	Balance    decimal.Decimal `json:"balance"`
	Version    int64           `json:"version"`
	Consistent *bool           `json:"consistent,omitempty"`
	Movements  []movementView  `json:"movements,omitempty"`
}

const (
	codeForbidden    domain.Code = "FORBIDDEN"
	codeUnauthorized domain.Code = "UNAUTHORIZED"
)

type errorView struct {
	Code    domain.Code `json:"code"`
	Message string      `json:"message"`
}

func optionalID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func newPurchaseView(p domain.Purchase) purchaseView {
	v := purchaseView{
		ID:            p.ID,
		Status:        p.Status,
		OwnerKind:     p.Owner.Kind,
		UserID:        optionalID(p.Owner.UserID),
		GuestEmail:    p.Owner.Email,
		Total:         p.Total,
		DonationTotal: p.DonationTotal(),
		PaymentID:     optionalID(p.PaymentID),
		CancelReason:  p.CancelReason,
		Lines:         make([]lineView, 0, len(p.Lines)),
		Adjustments:   make([]adjustmentView, 0, len(p.Adjustments)),
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
	for _, l := range p.Lines {
		v.Lines = append(v.Lines, lineView{
			ID:              l.ID,
			Position:        l.Position,
			Kind:            l.Kind,
			Quantity:        l.Quantity,
			UnitPrice:       l.UnitPrice,
			DonationPortion: l.DonationPortion,
			TicketTypeID:    optionalID(l.TicketTypeID),
			SeatID:          optionalID(l.SeatID),
		})
	}
	for _, a := range p.Adjustments {
		v.Adjustments = append(v.Adjustments, adjustmentView{
			Code:       a.Code,
			Delta:      a.Delta,
			Reason:     a.Reason,
			LineItemID: optionalID(a.LineItemID),
		})
	}
	return v
}

func newPaymentView(p domain.Payment) paymentView {
	return paymentView{
		ID:           p.ID,
		Method:       p.Method,
		Status:       p.Status,
		Amount:       p.Amount,
		ExternalTxID: p.ExternalTxID,
		CreatedAt:    p.CreatedAt,
	}
}

func newRefundView(r domain.Refund) refundView {
	return refundView{ID: r.ID, PaymentID: r.PaymentID, Amount: r.Amount, Target: r.Target, Reason: r.Reason, CreatedAt: r.CreatedAt}
}

func newTicketView(t domain.IssuedTicket) ticketView {
	return ticketView{
		ID:           t.ID,
		LineItemID:   t.LineItemID,
		Unit:         t.Unit,
		TicketTypeID: t.TicketTypeID,
		SeatID:       optionalID(t.SeatID),
		QRToken:      t.QRToken,
		Status:       t.Status,
	}
}

func newValidationView(r domain.ValidationRecord) validationView {
	return validationView{
		ID:          r.ID,
		TicketID:    r.TicketID,
		ValidatorID: r.ValidatorID,
		Outcome:     r.Outcome,
		Reverted:    r.Reverted,
		RevertedAt:  r.RevertedAt,
		CreatedAt:   r.CreatedAt,
	}
}

func newMovementView(m domain.WalletMovement) movementView {
	return movementView{
		ID:           m.ID,
		Seq:          m.Seq,
		Amount:       m.Amount,
		BalanceAfter: m.BalanceAfter,
		RefKind:      m.Reference.Kind,
		RefID:        m.Reference.ID,
		CreatedAt:    m.CreatedAt,
	}
}
