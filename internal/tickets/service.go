package tickets

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/robertarktes/ticketing-checkout/internal/domain"
	"github.com/robertarktes/ticketing-checkout/internal/observability"
)

// tokenBytes gives 256 bits of entropy per QR token.
const tokenBytes = 32

type Store interface {
	// IssueTickets inserts the tickets whose (line, unit) pair is still free,
	// with a ticket.issued outbox event each, and returns every ticket of the
	// line ordered by unit.
	IssueTickets(ctx context.Context, lineItemID uuid.UUID, tickets []domain.IssuedTicket) ([]domain.IssuedTicket, error)
	GetTicket(ctx context.Context, id uuid.UUID) (domain.IssuedTicket, error)
	GetTicketByToken(ctx context.Context, token string) (domain.IssuedTicket, error)
	ListPurchaseTickets(ctx context.Context, purchaseID uuid.UUID) ([]domain.IssuedTicket, error)
	// RecordScan locks the ticket row, flips VALID->USED when the ticket is
	// VALID and appends a validation record with the resulting outcome, all
	// in one transaction.
	RecordScan(ctx context.Context, token, validatorID string, now time.Time) (domain.IssuedTicket, domain.ValidationRecord, error)
	RevertScan(ctx context.Context, recordID uuid.UUID, now time.Time) (domain.IssuedTicket, domain.ValidationRecord, error)
	VoidTicket(ctx context.Context, ticketID uuid.UUID, now time.Time) (domain.IssuedTicket, bool, error)
	ListValidations(ctx context.Context, ticketID uuid.UUID) ([]domain.ValidationRecord, error)
}

type Auditor interface {
	LogEvent(ctx context.Context, action string, actorID uuid.UUID, data map[string]interface{}) error
}

// Scan is the answer given to a gate scanner. Record is nil for tokens that
// match no ticket.
type Scan struct {
	Outcome domain.ValidationOutcome
	Ticket  domain.IssuedTicket
	Record  *domain.ValidationRecord
}

type Service struct {
	store  Store
	audit  Auditor
	logger observability.Logger
	now    func() time.Time
}

func NewService(store Store, audit Auditor, logger observability.Logger) *Service {
	return &Service{store: store, audit: audit, logger: logger, now: time.Now}
}

func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "read random token")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// IssueFromLineItem mints one ticket per unit of a paid ticket line.
// Calling it again for the same line returns the tickets already minted.
func (s *Service) IssueFromLineItem(ctx context.Context, purchase domain.Purchase, line domain.LineItem) ([]domain.IssuedTicket, error) {
	ctx, span := observability.StartSpan(ctx, "tickets.IssueFromLineItem")
	defer span.End()

	if line.Kind != domain.LineTicket || line.Quantity <= 0 {
		return nil, domain.ErrInvalidLine
	}
	if purchase.Status != domain.PurchaseCompleted {
		return nil, domain.ErrPurchaseNotComplete
	}

	now := s.now()
	minted := make([]domain.IssuedTicket, 0, line.Quantity)
	for unit := 1; unit <= line.Quantity; unit++ {
		token, err := NewToken()
		if err != nil {
			return nil, err
		}
		minted = append(minted, domain.IssuedTicket{
			ID:           uuid.New(),
			PurchaseID:   purchase.ID,
			LineItemID:   line.ID,
			Unit:         unit,
			TicketTypeID: line.TicketTypeID,
			SeatID:       line.SeatID,
			QRToken:      token,
			Status:       domain.TicketValid,
			IssuedAt:     now,
			UpdatedAt:    now,
		})
	}

	issued, err := s.store.IssueTickets(ctx, line.ID, minted)
	if err != nil {
		return nil, errors.Wrapf(err, "issue tickets for line %s", line.ID)
	}
	observability.TicketsIssuedTotal.Add(float64(countNew(issued, minted)))
	return issued, nil
}

func countNew(issued, minted []domain.IssuedTicket) int {
	fresh := make(map[uuid.UUID]bool, len(minted))
	for _, t := range minted {
		fresh[t.ID] = true
	}
	n := 0
	for _, t := range issued {
		if fresh[t.ID] {
			n++
		}
	}
	return n
}

// Validate consumes a ticket at the gate. Every attempt on a known token is
// logged, whatever the outcome.
func (s *Service) Validate(ctx context.Context, token, validatorID string) (Scan, error) {
	ctx, span := observability.StartSpan(ctx, "tickets.Validate")
	defer span.End()

	t, rec, err := s.store.RecordScan(ctx, token, validatorID, s.now())
	if errors.Is(err, domain.ErrTicketNotFound) {
		observability.ValidationsTotal.WithLabelValues(string(domain.OutcomeNotFound)).Inc()
		return Scan{Outcome: domain.OutcomeNotFound}, nil
	}
	if err != nil {
		return Scan{}, errors.Wrap(err, "record scan")
	}
	observability.ValidationsTotal.WithLabelValues(string(rec.Outcome)).Inc()
	s.auditScan(ctx, "ticket.scan", t, rec)
	return Scan{Outcome: rec.Outcome, Ticket: t, Record: &rec}, nil
}

// Revert undoes an accepted scan: the ticket goes back to VALID and the
// record is flagged, never deleted.
func (s *Service) Revert(ctx context.Context, recordID uuid.UUID) (domain.ValidationRecord, error) {
	t, rec, err := s.store.RevertScan(ctx, recordID, s.now())
	if err != nil {
		return domain.ValidationRecord{}, err
	}
	s.auditScan(ctx, "ticket.scan_reverted", t, rec)
	return rec, nil
}

// Void cancels a VALID ticket. Voiding twice is a no-op.
func (s *Service) Void(ctx context.Context, ticketID uuid.UUID) (domain.IssuedTicket, error) {
	t, changed, err := s.store.VoidTicket(ctx, ticketID, s.now())
	if err != nil {
		return domain.IssuedTicket{}, err
	}
	if changed {
		if err := s.audit.LogEvent(ctx, "ticket.voided", t.PurchaseID, map[string]interface{}{
			"ticket_id": t.ID.String(),
		}); err != nil {
			s.logger.WithField("ticket_id", t.ID).WithError(err).Warn("audit void")
		}
	}
	return t, nil
}

// VoidPurchase voids every VALID ticket of a purchase and reports how many
// changed. Used tickets stay USED.
func (s *Service) VoidPurchase(ctx context.Context, purchaseID uuid.UUID) (int, error) {
	tickets, err := s.store.ListPurchaseTickets(ctx, purchaseID)
	if err != nil {
		return 0, err
	}
	voided := 0
	for _, t := range tickets {
		if t.Status != domain.TicketValid {
			continue
		}
		if _, err := s.Void(ctx, t.ID); err != nil {
			if errors.Is(err, domain.ErrTicketAlreadyUsed) {
				continue
			}
			return voided, err
		}
		voided++
	}
	return voided, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (domain.IssuedTicket, error) {
	return s.store.GetTicket(ctx, id)
}

func (s *Service) ByToken(ctx context.Context, token string) (domain.IssuedTicket, error) {
	return s.store.GetTicketByToken(ctx, token)
}

func (s *Service) ForPurchase(ctx context.Context, purchaseID uuid.UUID) ([]domain.IssuedTicket, error) {
	return s.store.ListPurchaseTickets(ctx, purchaseID)
}

func (s *Service) History(ctx context.Context, ticketID uuid.UUID) ([]domain.ValidationRecord, error) {
	return s.store.ListValidations(ctx, ticketID)
}

func (s *Service) auditScan(ctx context.Context, action string, t domain.IssuedTicket, rec domain.ValidationRecord) {
	if err := s.audit.LogEvent(ctx, action, t.PurchaseID, map[string]interface{}{
		"ticket_id":    t.ID.String(),
		"record_id":    rec.ID.String(),
		"validator_id": rec.ValidatorID,
		"outcome":      string(rec.Outcome),
	}); err != nil {
		s.logger.WithField("record_id", rec.ID).WithError(err).Warn("audit scan")
	}
}
