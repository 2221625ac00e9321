package checkout

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/robertarktes/ticketing-checkout/internal/domain"
	"github.com/robertarktes/ticketing-checkout/internal/inventory"
	"github.com/robertarktes/ticketing-checkout/internal/observability"
	"github.com/robertarktes/ticketing-checkout/internal/pricing"
)

type Store interface {
	// CreatePurchase persists the PENDING purchase with its lines,
	// adjustments, the optional gateway payment and a purchase.created
	// outbox event in one transaction.
	CreatePurchase(ctx context.Context, p domain.Purchase, payment *domain.Payment) error
}

type Inventory interface {
	TicketType(ctx context.Context, id uuid.UUID) (domain.TicketType, error)
	Seat(ctx context.Context, id uuid.UUID) (domain.Seat, error)
	Reserve(ctx context.Context, ticketTypeID uuid.UUID, quantity int, pc inventory.PurchaseContext) (domain.Reservation, error)
	HoldSeat(ctx context.Context, seatID uuid.UUID, pc inventory.PurchaseContext) (domain.Reservation, error)
	ReleaseAll(ctx context.Context, tokens []uuid.UUID) error
}

type RuleSource interface {
	Rules(ctx context.Context, owner domain.Owner, promoCode string) ([]pricing.Rule, error)
}

type Pricer interface {
	Price(cart pricing.Cart, rules []pricing.Rule) pricing.PricedCart
}

type CartLine struct {
	Kind         domain.LineKind `json:"kind"`
	TicketTypeID uuid.UUID       `json:"ticket_type_id,omitempty"`
	SeatID       uuid.UUID       `json:"seat_id,omitempty"`
	Quantity     int             `json:"quantity,omitempty"`
	Amount       decimal.Decimal `json:"amount,omitempty"`
}

type Cart struct {
	UserID     uuid.UUID            `json:"-"`
	GuestEmail string               `json:"guest_email,omitempty"`
	Lines      []CartLine           `json:"lines"`
	PromoCode  string               `json:"promo_code,omitempty"`
	Method     domain.PaymentMethod `json:"method"`
}

// PaymentInstruction tells the client how to pay. For GATEWAY, PaymentID is
// the reference to hand to the gateway; for WALLET, WalletID and Amount are
// what to debit.
type PaymentInstruction struct {
	Method    domain.PaymentMethod `json:"method"`
	PaymentID uuid.UUID            `json:"payment_id,omitempty"`
	WalletID  uuid.UUID            `json:"wallet_id,omitempty"`
	Amount    decimal.Decimal      `json:"amount"`
}

type Result struct {
	Purchase domain.Purchase
	Payment  PaymentInstruction
}

type Orchestrator struct {
	store  Store
	inv    Inventory
	rules  RuleSource
	pricer Pricer
	scale  int32
	logger observability.Logger
	now    func() time.Time
}

func NewOrchestrator(store Store, inv Inventory, rules RuleSource, pricer Pricer, scale int32, logger observability.Logger) *Orchestrator {
	return &Orchestrator{store: store, inv: inv, rules: rules, pricer: pricer, scale: scale, logger: logger, now: time.Now}
}

// Checkout validates the cart, reserves its inventory, prices it and
// persists a PENDING purchase. Any failure after the first reservation
// releases everything taken by this call.
func (o *Orchestrator) Checkout(ctx context.Context, cart Cart) (Result, error) {
	ctx, span := observability.StartSpan(ctx, "checkout.Checkout")
	defer span.End()

	res, err := o.checkout(ctx, cart)
	if err != nil {
		observability.CheckoutsTotal.WithLabelValues(string(domain.CodeOf(err))).Inc()
		return Result{}, err
	}
	observability.CheckoutsTotal.WithLabelValues("ok").Inc()
	return res, nil
}

func (o *Orchestrator) checkout(ctx context.Context, cart Cart) (Result, error) {
	owner, err := domain.ResolveOwner(cart.UserID, cart.GuestEmail)
	if err != nil {
		return Result{}, err
	}
	if err := o.validate(cart, owner); err != nil {
		return Result{}, err
	}

	purchaseID := uuid.New()
	lines, err := o.buildLines(ctx, purchaseID, cart)
	if err != nil {
		return Result{}, err
	}
	pc := inventory.PurchaseContext{PurchaseID: purchaseID, Owner: owner, Requested: inventory.RequestedFor(lines)}

	var tokens []uuid.UUID
	release := func() {
		if rerr := o.inv.ReleaseAll(context.WithoutCancel(ctx), tokens); rerr != nil {
			o.logger.WithField("purchase_id", purchaseID).WithError(rerr).Error("release after failed checkout")
		}
	}

	for i := range lines {
		if lines[i].Kind != domain.LineTicket {
			continue
		}
		var r domain.Reservation
		if lines[i].SeatID != uuid.Nil {
			r, err = o.inv.HoldSeat(ctx, lines[i].SeatID, pc)
		} else {
			r, err = o.inv.Reserve(ctx, lines[i].TicketTypeID, lines[i].Quantity, pc)
		}
		if err != nil {
			release()
			return Result{}, err
		}
		tokens = append(tokens, r.ID)
		lines[i].ReservationID = r.ID
	}

	rules, err := o.rules.Rules(ctx, owner, cart.PromoCode)
	if err != nil {
		release()
		return Result{}, errors.Wrap(err, "load pricing rules")
	}
	priced := o.pricer.Price(pricing.Cart{PurchaseID: purchaseID, Lines: lines}, rules)
	if !priced.Total.IsPositive() {
		release()
		return Result{}, domain.ErrEmptyTotal
	}

	now := o.now()
	p := domain.Purchase{
		ID:          purchaseID,
		Owner:       owner,
		Status:      domain.PurchasePending,
		Total:       priced.Total,
		Lines:       priced.Lines,
		Adjustments: priced.Adjustments,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	instr := PaymentInstruction{Method: cart.Method, Amount: p.Total}
	var pay *domain.Payment
	if cart.Method == domain.MethodGateway {
		pay = &domain.Payment{
			ID:         uuid.New(),
			PurchaseID: p.ID,
			Amount:     p.Total,
			Status:     domain.PaymentPending,
			Method:     domain.MethodGateway,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		instr.PaymentID = pay.ID
	} else {
		instr.WalletID = owner.UserID
	}

	if err := o.store.CreatePurchase(ctx, p, pay); err != nil {
		release()
		return Result{}, errors.Wrapf(err, "persist purchase %s", p.ID)
	}

	o.logger.WithField("purchase_id", p.ID).WithField("total", p.Total.String()).Info("purchase created")
	return Result{Purchase: p, Payment: instr}, nil
}

func (o *Orchestrator) validate(cart Cart, owner domain.Owner) error {
	if len(cart.Lines) == 0 {
		return domain.ErrEmptyCart
	}
	switch cart.Method {
	case domain.MethodGateway:
	case domain.MethodWallet:
		if !owner.Registered() {
			return domain.ErrWalletRequiresUser
		}
	default:
		return errors.Wrapf(domain.ErrInvalidMethod, "method %q", cart.Method)
	}

	seats := make(map[uuid.UUID]bool)
	for i, l := range cart.Lines {
		switch l.Kind {
		case domain.LineTicket:
			if l.TicketTypeID == uuid.Nil && l.SeatID == uuid.Nil {
				return errors.Wrapf(domain.ErrInvalidLine, "line %d has neither ticket type nor seat", i)
			}
			if l.Quantity <= 0 || (l.SeatID != uuid.Nil && l.Quantity != 1) {
				return errors.Wrapf(domain.ErrInvalidQuantity, "line %d", i)
			}
			if l.SeatID != uuid.Nil {
				if seats[l.SeatID] {
					return errors.Wrapf(domain.ErrInvalidLine, "seat %s listed twice", l.SeatID)
				}
				seats[l.SeatID] = true
			}
		case domain.LineDonation:
			if err := domain.ValidAmount(l.Amount, o.scale); err != nil {
				return errors.Wrapf(err, "donation on line %d", i)
			}
		default:
			return errors.Wrapf(domain.ErrInvalidLine, "line %d kind %q", i, strings.ToUpper(string(l.Kind)))
		}
	}
	return nil
}

// buildLines resolves prices from the catalogue. Seat lines take the ticket
// type of their seat.
func (o *Orchestrator) buildLines(ctx context.Context, purchaseID uuid.UUID, cart Cart) ([]domain.LineItem, error) {
	lines := make([]domain.LineItem, 0, len(cart.Lines))
	for i, cl := range cart.Lines {
		line := domain.LineItem{
			ID:         uuid.New(),
			PurchaseID: purchaseID,
			Position:   i,
			Kind:       cl.Kind,
			Quantity:   cl.Quantity,
		}
		if cl.Kind == domain.LineDonation {
			line.Quantity = 1
			line.UnitPrice = cl.Amount
			lines = append(lines, line)
			continue
		}

		typeID := cl.TicketTypeID
		if cl.SeatID != uuid.Nil {
			seat, err := o.inv.Seat(ctx, cl.SeatID)
			if err != nil {
				return nil, err
			}
			if typeID != uuid.Nil && typeID != seat.TicketTypeID {
				return nil, errors.Wrapf(domain.ErrInvalidLine, "seat %s is not of ticket type %s", seat.ID, typeID)
			}
			typeID = seat.TicketTypeID
			line.SeatID = seat.ID
		}
		tt, err := o.inv.TicketType(ctx, typeID)
		if err != nil {
			return nil, err
		}
		if tt.Seated && line.SeatID == uuid.Nil {
			return nil, domain.ErrSeatRequired
		}
		line.TicketTypeID = tt.ID
		line.UnitPrice = tt.UnitPrice()
		line.DonationPortion = tt.ImplicitDonation
		lines = append(lines, line)
	}
	return lines, nil
}
