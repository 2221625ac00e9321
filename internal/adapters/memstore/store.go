// Package memstore keeps every aggregate in process memory. Each method runs
// as one critical section under the store mutex, which gives the same
// all-or-nothing behaviour the SQL repository gets from a transaction.
package memstore

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/robertarktes/ticketing-checkout/internal/domain"
	"github.com/robertarktes/ticketing-checkout/internal/pricing"
)

type outboxEntry struct {
	event       domain.OutboxEvent
	publishedAt *time.Time
}

type Store struct {
	mu  sync.Mutex
	now func() time.Time

	ticketTypes  map[uuid.UUID]domain.TicketType
	seats        map[uuid.UUID]domain.Seat
	reservations map[uuid.UUID]domain.Reservation

	purchases     map[uuid.UUID]domain.Purchase
	lineOwner     map[uuid.UUID]uuid.UUID
	payments      map[uuid.UUID]domain.Payment
	paymentsByExt map[string]uuid.UUID
	refunds       map[uuid.UUID][]domain.Refund

	wallets   map[uuid.UUID]domain.Wallet
	movements map[uuid.UUID][]domain.WalletMovement

	tickets        map[uuid.UUID]domain.IssuedTicket
	ticketsByToken map[string]uuid.UUID
	ticketsByLine  map[uuid.UUID][]uuid.UUID
	validations    map[uuid.UUID]domain.ValidationRecord
	scansByTicket  map[uuid.UUID][]uuid.UUID

	outbox []outboxEntry

	promotions  map[string]pricing.Promotion
	subscribers map[uuid.UUID]bool
}

func New() *Store {
	return &Store{
		now:            time.Now,
		ticketTypes:    make(map[uuid.UUID]domain.TicketType),
		seats:          make(map[uuid.UUID]domain.Seat),
		reservations:   make(map[uuid.UUID]domain.Reservation),
		purchases:      make(map[uuid.UUID]domain.Purchase),
		lineOwner:      make(map[uuid.UUID]uuid.UUID),
		payments:       make(map[uuid.UUID]domain.Payment),
		paymentsByExt:  make(map[string]uuid.UUID),
		refunds:        make(map[uuid.UUID][]domain.Refund),
		wallets:        make(map[uuid.UUID]domain.Wallet),
		movements:      make(map[uuid.UUID][]domain.WalletMovement),
		tickets:        make(map[uuid.UUID]domain.IssuedTicket),
		ticketsByToken: make(map[string]uuid.UUID),
		ticketsByLine:  make(map[uuid.UUID][]uuid.UUID),
		validations:    make(map[uuid.UUID]domain.ValidationRecord),
		scansByTicket:  make(map[uuid.UUID][]uuid.UUID),
		promotions:     make(map[string]pricing.Promotion),
		subscribers:    make(map[uuid.UUID]bool),
	}
}

// PutTicketType inserts or replaces a ticket type.
func (s *Store) PutTicketType(tt domain.TicketType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticketTypes[tt.ID] = tt
}

// PutSeat inserts or replaces a seat. A zero State means FREE.
func (s *Store) PutSeat(seat domain.Seat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seat.State == "" {
		seat.State = domain.SeatFree
	}
	s.seats[seat.ID] = seat
}

// appendEvent must be called with mu held.
func (s *Store) appendEvent(events ...domain.OutboxEvent) {
	now := s.now()
	for _, e := range events {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		s.outbox = append(s.outbox, outboxEntry{event: e})
	}
}

func clonePurchase(p domain.Purchase) domain.Purchase {
	p.Lines = append([]domain.LineItem(nil), p.Lines...)
	p.Adjustments = append([]domain.PriceAdjustment(nil), p.Adjustments...)
	return p
}
