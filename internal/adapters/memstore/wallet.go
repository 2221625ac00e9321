package memstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/robertarktes/ticketing-checkout/internal/domain"
)

func (s *Store) CreateWallet(ctx context.Context, w domain.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[w.ID]; ok {
		return domain.ErrDuplicate
	}
	s.wallets[w.ID] = w
	return nil
}

func (s *Store) GetWallet(ctx context.Context, id uuid.UUID) (domain.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[id]
	if !ok {
		return domain.Wallet{}, domain.ErrWalletNotFound
	}
	return w, nil
}

func (s *Store) ApplyMovement(ctx context.Context, walletID uuid.UUID, amount decimal.Decimal, ref domain.Reference, now time.Time) (domain.WalletMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[walletID]
	if !ok {
		return domain.WalletMovement{}, domain.ErrWalletNotFound
	}
	w, m, err := w.Apply(amount, ref, now)
	if err != nil {
		return domain.WalletMovement{}, err
	}
	s.wallets[w.ID] = w
	s.movements[w.ID] = append(s.movements[w.ID], m)
	return m, nil
}

func (s *Store) ListMovements(ctx context.Context, walletID uuid.UUID) ([]domain.WalletMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.WalletMovement(nil), s.movements[walletID]...), nil
}
