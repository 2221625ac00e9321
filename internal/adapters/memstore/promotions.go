package memstore

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/robertarktes/ticketing-checkout/internal/domain"
	"github.com/robertarktes/ticketing-checkout/internal/pricing"
)

func (s *Store) PutPromotion(p pricing.Promotion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Code = strings.ToUpper(p.Code)
	s.promotions[p.Code] = p
}

func (s *Store) SetSubscriber(userID uuid.UUID, subscribed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[userID] = subscribed
}

func (s *Store) FindPromotion(ctx context.Context, code string) (pricing.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.promotions[strings.ToUpper(code)]
	if !ok {
		return pricing.Promotion{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *Store) IsSubscriber(ctx context.Context, userID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribers[userID], nil
}
