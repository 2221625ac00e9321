package pricing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/robertarktes/ticketing-checkout/internal/domain"
)

// Cart is the input of Price: the purchase lines as they will be persisted.
type Cart struct {
	PurchaseID uuid.UUID
	Lines      []domain.LineItem
}

// Adjustment is what a rule asks for. LineItemID is uuid.Nil for a
// purchase-level adjustment.
type Adjustment struct {
	LineItemID uuid.UUID
	Delta      decimal.Decimal
	Reason     string
}

// Rule inspects the cart and returns at most one adjustment.
type Rule interface {
	Code() domain.AdjustmentCode
	Apply(cart Cart) (Adjustment, bool)
}

type PricedCart struct {
	Lines       []domain.LineItem
	Adjustments []domain.PriceAdjustment
	Subtotal    decimal.Decimal
	Total       decimal.Decimal
}

type Engine struct {
	scale int32
	now   func() time.Time
}

func NewEngine(scale int32) *Engine {
	return &Engine{scale: scale, now: time.Now}
}

// Price is a pure function of the cart and the rules. Line amounts and
// deltas are summed exactly; the total is clamped at zero and rounded once,
// half-up, to the currency scale.
func (e *Engine) Price(cart Cart, rules []Rule) PricedCart {
	subtotal := decimal.Zero
	for _, l := range cart.Lines {
		subtotal = subtotal.Add(l.Subtotal())
	}

	now := e.now()
	total := subtotal
	var adjustments []domain.PriceAdjustment
	for _, rule := range rules {
		adj, ok := rule.Apply(cart)
		if !ok || adj.Delta.IsZero() {
			continue
		}
		adjustments = append(adjustments, domain.PriceAdjustment{
			ID:         uuid.New(),
			PurchaseID: cart.PurchaseID,
			LineItemID: adj.LineItemID,
			Code:       rule.Code(),
			Delta:      adj.Delta,
			Reason:     adj.Reason,
			CreatedAt:  now,
		})
		total = total.Add(adj.Delta)
	}

	if total.IsNegative() {
		total = decimal.Zero
	}
	return PricedCart{
		Lines:       cart.Lines,
		Adjustments: adjustments,
		Subtotal:    subtotal,
		Total:       domain.RoundMoney(total, e.scale),
	}
}
