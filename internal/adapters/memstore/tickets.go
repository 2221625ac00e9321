package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/robertarktes/ticketing-checkout/internal/domain"
)

func (s *Store) IssueTickets(ctx context.Context, lineItemID uuid.UUID, tickets []domain.IssuedTicket) ([]domain.IssuedTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	taken := make(map[int]bool)
	for _, id := range s.ticketsByLine[lineItemID] {
		taken[s.tickets[id].Unit] = true
	}
	for _, t := range tickets {
		if taken[t.Unit] {
			continue
		}
		if _, clash := s.ticketsByToken[t.QRToken]; clash {
			return nil, domain.ErrDuplicate
		}
		s.tickets[t.ID] = t
		s.ticketsByToken[t.QRToken] = t.ID
		s.ticketsByLine[lineItemID] = append(s.ticketsByLine[lineItemID], t.ID)
		taken[t.Unit] = true
		s.appendEvent(domain.TicketIssued(t))
	}

	out := make([]domain.IssuedTicket, 0, len(s.ticketsByLine[lineItemID]))
	for _, id := range s.ticketsByLine[lineItemID] {
		out = append(out, s.tickets[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Unit < out[j].Unit })
	return out, nil
}

func (s *Store) GetTicket(ctx context.Context, id uuid.UUID) (domain.IssuedTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return domain.IssuedTicket{}, domain.ErrTicketNotFound
	}
	return t, nil
}

func (s *Store) GetTicketByToken(ctx context.Context, token string) (domain.IssuedTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ticketsByToken[token]
	if !ok {
		return domain.IssuedTicket{}, domain.ErrTicketNotFound
	}
	return s.tickets[id], nil
}

func (s *Store) ListPurchaseTickets(ctx context.Context, purchaseID uuid.UUID) ([]domain.IssuedTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.IssuedTicket
	for _, t := range s.tickets {
		if t.PurchaseID == purchaseID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LineItemID != out[j].LineItemID {
			return out[i].IssuedAt.Before(out[j].IssuedAt)
		}
		return out[i].Unit < out[j].Unit
	})
	return out, nil
}

func (s *Store) RecordScan(ctx context.Context, token, validatorID string, now time.Time) (domain.IssuedTicket, domain.ValidationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ticketsByToken[token]
	if !ok {
		return domain.IssuedTicket{}, domain.ValidationRecord{}, domain.ErrTicketNotFound
	}
	t := s.tickets[id]
	rec := domain.ValidationRecord{
		ID:          uuid.New(),
		TicketID:    t.ID,
		ValidatorID: validatorID,
		Outcome:     domain.OutcomeFor(t.Status),
		CreatedAt:   now,
	}
	if rec.Outcome == domain.OutcomeAccepted {
		t.Status = domain.TicketUsed
		t.UpdatedAt = now
		s.tickets[t.ID] = t
	}
	s.validations[rec.ID] = rec
	s.scansByTicket[t.ID] = append(s.scansByTicket[t.ID], rec.ID)
	return t, rec, nil
}

func (s *Store) RevertScan(ctx context.Context, recordID uuid.UUID, now time.Time) (domain.IssuedTicket, domain.ValidationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.validations[recordID]
	if !ok {
		return domain.IssuedTicket{}, domain.ValidationRecord{}, domain.ErrValidationNotFound
	}
	if rec.Reverted {
		return domain.IssuedTicket{}, rec, domain.ErrAlreadyReverted
	}
	t := s.tickets[rec.TicketID]
	if rec.Outcome != domain.OutcomeAccepted || t.Status != domain.TicketUsed {
		return t, rec, domain.ErrTicketNotUsed
	}
	t.Status = domain.TicketValid
	t.UpdatedAt = now
	s.tickets[t.ID] = t
	rec.Reverted = true
	rec.RevertedAt = &now
	s.validations[rec.ID] = rec
	return t, rec, nil
}

func (s *Store) VoidTicket(ctx context.Context, ticketID uuid.UUID, now time.Time) (domain.IssuedTicket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[ticketID]
	if !ok {
		return domain.IssuedTicket{}, false, domain.ErrTicketNotFound
	}
	switch t.Status {
	case domain.TicketVoided:
		return t, false, nil
	case domain.TicketUsed:
		return t, false, domain.ErrTicketAlreadyUsed
	}
	t.Status = domain.TicketVoided
	t.UpdatedAt = now
	s.tickets[t.ID] = t
	s.appendEvent(domain.TicketVoidedEvent(t))
	return t, true, nil
}

func (s *Store) ListValidations(ctx context.Context, ticketID uuid.UUID) ([]domain.ValidationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ValidationRecord, 0, len(s.scansByTicket[ticketID]))
	for _, id := range s.scansByTicket[ticketID] {
		out = append(out, s.validations[id])
	}
	return out, nil
}
