package pricing

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/robertarktes/ticketing-checkout/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// ticketSubtotal sums ticket lines, optionally restricted to one type.
// Donation lines never take part in discounts.
func ticketSubtotal(cart Cart, ticketTypeID uuid.UUID) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range cart.Lines {
		if l.Kind != domain.LineTicket {
			continue
		}
		if ticketTypeID != uuid.Nil && l.TicketTypeID != ticketTypeID {
			continue
		}
		sum = sum.Add(l.Subtotal())
	}
	return sum
}

func percentOf(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(hundred)
}

// PromoCodeRule takes either Percent or Amount off the ticket lines,
// scoped to TicketTypeID when set. A fixed amount never exceeds what it
// applies to.
type PromoCodeRule struct {
	PromoCode    string
	Percent      decimal.Decimal
	Amount       decimal.Decimal
	TicketTypeID uuid.UUID
}

func (r PromoCodeRule) Code() domain.AdjustmentCode { return domain.AdjustmentPromoCode }

func (r PromoCodeRule) Apply(cart Cart) (Adjustment, bool) {
	base := ticketSubtotal(cart, r.TicketTypeID)
	if !base.IsPositive() {
		return Adjustment{}, false
	}
	var off decimal.Decimal
	switch {
	case r.Percent.IsPositive():
		off = percentOf(base, decimal.Min(r.Percent, hundred))
	case r.Amount.IsPositive():
		off = decimal.Min(r.Amount, base)
	default:
		return Adjustment{}, false
	}
	return Adjustment{Delta: off.Neg(), Reason: "promo code " + r.PromoCode}, true
}

// SubscriberDiscountRule takes Percent off every ticket line.
type SubscriberDiscountRule struct {
	Percent decimal.Decimal
}

func (r SubscriberDiscountRule) Code() domain.AdjustmentCode { return domain.AdjustmentSubscriber }

func (r SubscriberDiscountRule) Apply(cart Cart) (Adjustment, bool) {
	base := ticketSubtotal(cart, uuid.Nil)
	if !base.IsPositive() || !r.Percent.IsPositive() {
		return Adjustment{}, false
	}
	off := percentOf(base, decimal.Min(r.Percent, hundred))
	return Adjustment{Delta: off.Neg(), Reason: fmt.Sprintf("subscriber discount %s%%", r.Percent)}, true
}

// ServiceFeeRule adds a fixed fee per ticket unit.
type ServiceFeeRule struct {
	PerTicket decimal.Decimal
}

func (r ServiceFeeRule) Code() domain.AdjustmentCode { return domain.AdjustmentServiceFee }

func (r ServiceFeeRule) Apply(cart Cart) (Adjustment, bool) {
	units := 0
	for _, l := range cart.Lines {
		if l.Kind == domain.LineTicket {
			units += l.Quantity
		}
	}
	if units == 0 || !r.PerTicket.IsPositive() {
		return Adjustment{}, false
	}
	fee := r.PerTicket.Mul(decimal.NewFromInt(int64(units)))
	return Adjustment{Delta: fee, Reason: fmt.Sprintf("service fee %s x %d", r.PerTicket, units)}, true
}
