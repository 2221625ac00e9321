package memstore

import (
	"context"

	"github.com/robertarktes/ticketing-checkout/internal/domain"
)

// DrainOutbox publishes unpublished events in insertion order and stops at
// the first publish failure.
func (s *Store) DrainOutbox(ctx context.Context, limit int, publish func(context.Context, domain.OutboxEvent) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sent := 0
	for i := range s.outbox {
		if limit > 0 && sent >= limit {
			break
		}
		if s.outbox[i].publishedAt != nil {
			continue
		}
		if err := publish(ctx, s.outbox[i].event); err != nil {
			return sent, err
		}
		now := s.now()
		s.outbox[i].publishedAt = &now
		sent++
	}
	return sent, nil
}

// Events returns every outbox event recorded so far, published or not.
func (s *Store) Events() []domain.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.OutboxEvent, 0, len(s.outbox))
	for _, e := range s.outbox {
		out = append(out, e.event)
	}
	return out
}

// EventsOfType filters Events by event type.
func (s *Store) EventsOfType(eventType string) []domain.OutboxEvent {
	var out []domain.OutboxEvent
	for _, e := range s.Events() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
