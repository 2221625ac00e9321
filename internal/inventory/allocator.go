package inventory

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/robertarktes/ticketing-checkout/internal/domain"
	"github.com/robertarktes/ticketing-checkout/internal/observability"
)

// Store performs every check-and-set below as one atomic step on a single
// ticket type or seat row.
type Store interface {
	GetTicketType(ctx context.Context, id uuid.UUID) (domain.TicketType, error)
	GetSeat(ctx context.Context, id uuid.UUID) (domain.Seat, error)

	// AcquireStock records res and adds its quantity to the held count of its
	// ticket type, provided sold+held+quantity stays within total. It fails
	// with domain.ErrOutOfStock otherwise and records nothing.
	AcquireStock(ctx context.Context, res domain.Reservation) error
	// AcquireSeat records res and moves its seat FREE->HELD. It fails with
	// domain.ErrSeatUnavailable when the seat is not FREE.
	AcquireSeat(ctx context.Context, res domain.Reservation) error

	GetReservation(ctx context.Context, id uuid.UUID) (domain.Reservation, error)
	// TransitionReservation moves the reservation from one status to another
	// together with the matching counter or seat change. When the reservation
	// is not in status from, nothing changes and the stored reservation is
	// returned with changed=false.
	TransitionReservation(ctx context.Context, id uuid.UUID, from, to domain.ReservationStatus) (res domain.Reservation, changed bool, err error)
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)
	ListPurchaseReservations(ctx context.Context, purchaseID uuid.UUID) ([]domain.Reservation, error)
}

// PurchaseContext describes the checkout a reservation belongs to.
type PurchaseContext struct {
	PurchaseID uuid.UUID
	Owner      domain.Owner
	// Requested is the quantity asked for per ticket type across the whole
	// checkout; purchase limits are enforced against it.
	Requested map[uuid.UUID]int
}

type Allocator struct {
	store  Store
	ttl    time.Duration
	logger observability.Logger
	now    func() time.Time
}

type Option func(*Allocator)

func WithClock(now func() time.Time) Option {
	return func(a *Allocator) { a.now = now }
}

func NewAllocator(store Store, ttl time.Duration, logger observability.Logger, opts ...Option) *Allocator {
	a := &Allocator{store: store, ttl: ttl, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Allocator) TicketType(ctx context.Context, id uuid.UUID) (domain.TicketType, error) {
	return a.store.GetTicketType(ctx, id)
}

func (a *Allocator) Seat(ctx context.Context, id uuid.UUID) (domain.Seat, error) {
	return a.store.GetSeat(ctx, id)
}

func (a *Allocator) Reservation(ctx context.Context, token uuid.UUID) (domain.Reservation, error) {
	return a.store.GetReservation(ctx, token)
}

func (a *Allocator) ForPurchase(ctx context.Context, purchaseID uuid.UUID) ([]domain.Reservation, error) {
	return a.store.ListPurchaseReservations(ctx, purchaseID)
}

func (a *Allocator) Expired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	return a.store.ListExpiredReservations(ctx, now, limit)
}

// Reserve holds quantity units of a general-admission ticket type.
func (a *Allocator) Reserve(ctx context.Context, ticketTypeID uuid.UUID, quantity int, pc PurchaseContext) (domain.Reservation, error) {
	ctx, span := observability.StartSpan(ctx, "inventory.Reserve")
	defer span.End()

	if quantity <= 0 {
		return domain.Reservation{}, domain.ErrInvalidQuantity
	}
	tt, err := a.store.GetTicketType(ctx, ticketTypeID)
	if err != nil {
		return domain.Reservation{}, err
	}
	if tt.Seated {
		return domain.Reservation{}, domain.ErrSeatRequired
	}
	if err := checkLimit(tt, quantity, pc); err != nil {
		observability.ReservationsTotal.WithLabelValues("stock", string(domain.CodeOf(err))).Inc()
		return domain.Reservation{}, err
	}

	res := domain.NewReservation(pc.PurchaseID, tt.ID, uuid.Nil, quantity, a.now(), a.ttl)
	if err := a.store.AcquireStock(ctx, res); err != nil {
		observability.ReservationsTotal.WithLabelValues("stock", string(domain.CodeOf(err))).Inc()
		return domain.Reservation{}, errors.Wrapf(err, "reserve %d x %s", quantity, tt.ID)
	}
	observability.ReservationsTotal.WithLabelValues("stock", "ok").Inc()
	return res, nil
}

// HoldSeat holds a single seat for the purchase.
func (a *Allocator) HoldSeat(ctx context.Context, seatID uuid.UUID, pc PurchaseContext) (domain.Reservation, error) {
	ctx, span := observability.StartSpan(ctx, "inventory.HoldSeat")
	defer span.End()

	seat, err := a.store.GetSeat(ctx, seatID)
	if err != nil {
		return domain.Reservation{}, err
	}
	tt, err := a.store.GetTicketType(ctx, seat.TicketTypeID)
	if err != nil {
		return domain.Reservation{}, err
	}
	if err := checkLimit(tt, 1, pc); err != nil {
		observability.ReservationsTotal.WithLabelValues("seat", string(domain.CodeOf(err))).Inc()
		return domain.Reservation{}, err
	}

	res := domain.NewReservation(pc.PurchaseID, tt.ID, seat.ID, 1, a.now(), a.ttl)
	if err := a.store.AcquireSeat(ctx, res); err != nil {
		observability.ReservationsTotal.WithLabelValues("seat", string(domain.CodeOf(err))).Inc()
		return domain.Reservation{}, errors.Wrapf(err, "hold seat %s", seat.Label)
	}
	observability.ReservationsTotal.WithLabelValues("seat", "ok").Inc()
	return res, nil
}

// Commit turns a held reservation into sold inventory. Committing twice is
// fine; committing a released reservation is a state conflict.
func (a *Allocator) Commit(ctx context.Context, token uuid.UUID) (domain.Reservation, error) {
	res, changed, err := a.store.TransitionReservation(ctx, token, domain.ReservationActive, domain.ReservationCommitted)
	if err != nil {
		return domain.Reservation{}, err
	}
	if changed {
		observability.ReservationTransitions.WithLabelValues("commit").Inc()
		return res, nil
	}
	if res.Status == domain.ReservationReleased {
		return res, errors.Wrapf(domain.ErrReservationReleased, "commit %s", token)
	}
	return res, nil
}

// Release gives held inventory back. Unknown, released and committed tokens
// are left alone.
func (a *Allocator) Release(ctx context.Context, token uuid.UUID) error {
	_, changed, err := a.store.TransitionReservation(ctx, token, domain.ReservationActive, domain.ReservationReleased)
	if errors.Is(err, domain.ErrReservationNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if changed {
		observability.ReservationTransitions.WithLabelValues("release").Inc()
	}
	return nil
}

// ReleaseAll releases every token and returns the first error after trying
// them all.
func (a *Allocator) ReleaseAll(ctx context.Context, tokens []uuid.UUID) error {
	var first error
	for _, token := range tokens {
		if err := a.Release(ctx, token); err != nil {
			a.logger.WithField("reservation_id", token).WithError(err).Error("release failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// ReturnToStock puts committed inventory back on sale after a refund.
func (a *Allocator) ReturnToStock(ctx context.Context, token uuid.UUID) error {
	res, changed, err := a.store.TransitionReservation(ctx, token, domain.ReservationCommitted, domain.ReservationReleased)
	if err != nil {
		return err
	}
	if changed {
		observability.ReservationTransitions.WithLabelValues("return").Inc()
		return nil
	}
	if res.Status == domain.ReservationActive {
		return a.Release(ctx, token)
	}
	return nil
}

func checkLimit(tt domain.TicketType, quantity int, pc PurchaseContext) error {
	if tt.PurchaseLimit <= 0 {
		return nil
	}
	requested := pc.Requested[tt.ID]
	if requested < quantity {
		requested = quantity
	}
	if requested > tt.PurchaseLimit {
		return errors.Wrapf(domain.ErrOverPurchaseLimit, "%d requested, limit %d", requested, tt.PurchaseLimit)
	}
	return nil
}

// RequestedFor totals ticket quantities per ticket type, seat lines
// included.
func RequestedFor(lines []domain.LineItem) map[uuid.UUID]int {
	out := make(map[uuid.UUID]int)
	for _, l := range lines {
		if l.Kind == domain.LineTicket {
			out[l.TicketTypeID] += l.Quantity
		}
	}
	return out
}
