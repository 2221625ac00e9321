package pricing

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/robertarktes/ticketing-checkout/internal/domain"
)

type Promotion struct {
	Code         string
	Percent      decimal.Decimal
	Amount       decimal.Decimal
	TicketTypeID uuid.UUID
	ValidFrom    time.Time
	ValidUntil   time.Time
	Active       bool
}

func (p Promotion) ValidAt(t time.Time) bool {
	if !p.Active {
		return false
	}
	if !p.ValidFrom.IsZero() && t.Before(p.ValidFrom) {
		return false
	}
	if !p.ValidUntil.IsZero() && !t.Before(p.ValidUntil) {
		return false
	}
	return true
}

// PromotionStore returns domain.ErrNotFound (possibly wrapped) for an
// unknown code.
type PromotionStore interface {
	FindPromotion(ctx context.Context, code string) (Promotion, error)
	IsSubscriber(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Catalog assembles the rules that apply to one buyer.
type Catalog struct {
	store         PromotionStore
	serviceFee    decimal.Decimal
	subscriberPct decimal.Decimal
	now           func() time.Time
}

func NewCatalog(store PromotionStore, serviceFee, subscriberPct decimal.Decimal) *Catalog {
	return &Catalog{store: store, serviceFee: serviceFee, subscriberPct: subscriberPct, now: time.Now}
}

// Rules applies discounts before the fee. Unknown or expired promo codes
// contribute nothing.
func (c *Catalog) Rules(ctx context.Context, owner domain.Owner, promoCode string) ([]Rule, error) {
	var rules []Rule

	if code := strings.ToUpper(strings.TrimSpace(promoCode)); code != "" {
		promo, err := c.store.FindPromotion(ctx, code)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			return nil, errors.Wrap(err, "load promotion")
		case promo.ValidAt(c.now()):
			rules = append(rules, PromoCodeRule{
				PromoCode:    promo.Code,
				Percent:      promo.Percent,
				Amount:       promo.Amount,
				TicketTypeID: promo.TicketTypeID,
			})
		}
	}

	if owner.Registered() && c.subscriberPct.IsPositive() {
		ok, err := c.store.IsSubscriber(ctx, owner.UserID)
		if err != nil {
			return nil, errors.Wrap(err, "load subscription")
		}
		if ok {
			rules = append(rules, SubscriberDiscountRule{Percent: c.subscriberPct})
		}
	}

	if c.serviceFee.IsPositive() {
		rules = append(rules, ServiceFeeRule{PerTicket: c.serviceFee})
	}
	return rules, nil
}
