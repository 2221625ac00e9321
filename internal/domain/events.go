package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventPurchaseCreated   = "purchase.created"
	EventPurchaseCompleted = "purchase.completed"
	EventPurchaseCancelled = "purchase.cancelled"
	EventPaymentRejected   = "payment.rejected"
	EventTicketIssued      = "ticket.issued"
	EventTicketVoided      = "ticket.voided"
	EventRefundCreated     = "refund.created"
	EventFulfilmentFailed  = "purchase.fulfilment_failed"
)

// OutboxEvent is written in the same transaction as the state change it
// describes and relayed to the broker later.
type OutboxEvent struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       []byte
	DedupeKey     string
	CreatedAt     time.Time
}

// NewEvent builds an outbox event whose dedupe key is stable for the same
// aggregate and event type, so replays collapse on the consumer side.
func NewEvent(aggregateType string, aggregateID uuid.UUID, eventType string, payload map[string]interface{}) OutboxEvent {
	body, _ := json.Marshal(payload)
	return OutboxEvent{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       body,
		DedupeKey:     eventType + ":" + aggregateID.String(),
	}
}

func PurchaseCreated(p Purchase) OutboxEvent {
	return NewEvent("purchase", p.ID, EventPurchaseCreated, map[string]interface{}{
		"purchase_id": p.ID,
		"owner_kind":  p.Owner.Kind,
		"total":       p.Total.String(),
	})
}

func PurchaseCompletedEvent(p Purchase, paymentID uuid.UUID) OutboxEvent {
	return NewEvent("purchase", p.ID, EventPurchaseCompleted, map[string]interface{}{
		"purchase_id":    p.ID,
		"payment_id":     paymentID,
		"total":          p.Total.String(),
		"donation_total": p.DonationTotal().String(),
	})
}

func PurchaseCancelledEvent(purchaseID uuid.UUID, reason string) OutboxEvent {
	return NewEvent("purchase", purchaseID, EventPurchaseCancelled, map[string]interface{}{
		"purchase_id": purchaseID,
		"reason":      reason,
	})
}

func PaymentRejectedEvent(p Payment) OutboxEvent {
	return NewEvent("payment", p.ID, EventPaymentRejected, map[string]interface{}{
		"payment_id":     p.ID,
		"purchase_id":    p.PurchaseID,
		"external_tx_id": p.ExternalTxID,
	})
}

func TicketIssued(t IssuedTicket) OutboxEvent {
	return NewEvent("ticket", t.ID, EventTicketIssued, map[string]interface{}{
		"ticket_id":   t.ID,
		"purchase_id": t.PurchaseID,
		"qr_token":    t.QRToken,
	})
}

func TicketVoidedEvent(t IssuedTicket) OutboxEvent {
	return NewEvent("ticket", t.ID, EventTicketVoided, map[string]interface{}{
		"ticket_id":   t.ID,
		"purchase_id": t.PurchaseID,
	})
}

func RefundCreated(r Refund) OutboxEvent {
	return NewEvent("refund", r.ID, EventRefundCreated, map[string]interface{}{
		"refund_id":   r.ID,
		"purchase_id": r.PurchaseID,
		"payment_id":  r.PaymentID,
		"amount":      r.Amount.String(),
		"target":      r.Target,
	})
}

func FulfilmentFailed(purchaseID uuid.UUID, cause string) OutboxEvent {
	return NewEvent("purchase", purchaseID, EventFulfilmentFailed, map[string]interface{}{
		"purchase_id": purchaseID,
		"cause":       cause,
	})
}
