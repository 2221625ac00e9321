package wallet

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/robertarktes/ticketing-checkout/internal/domain"
	"github.com/robertarktes/ticketing-checkout/internal/observability"
)

type Store interface {
	// CreateWallet fails with domain.ErrDuplicate when the wallet exists.
	CreateWallet(ctx context.Context, w domain.Wallet) error
	GetWallet(ctx context.Context, id uuid.UUID) (domain.Wallet, error)
	// ApplyMovement locks the wallet row, books amount through
	// domain.Wallet.Apply and appends the movement in the same transaction.
	ApplyMovement(ctx context.Context, walletID uuid.UUID, amount decimal.Decimal, ref domain.Reference, now time.Time) (domain.WalletMovement, error)
	ListMovements(ctx context.Context, walletID uuid.UUID) ([]domain.WalletMovement, error)
}

type Auditor interface {
	LogEvent(ctx context.Context, action string, actorID uuid.UUID, data map[string]interface{}) error
}

type Ledger struct {
	store  Store
	audit  Auditor
	logger observability.Logger
	scale  int32
	now    func() time.Time
}

func NewLedger(store Store, audit Auditor, logger observability.Logger, scale int32) *Ledger {
	return &Ledger{store: store, audit: audit, logger: logger, scale: scale, now: time.Now}
}

// Open creates the wallet of a registered user. Opening an existing wallet
// returns it unchanged.
func (l *Ledger) Open(ctx context.Context, userID uuid.UUID) (domain.Wallet, error) {
	if userID == uuid.Nil {
		return domain.Wallet{}, domain.ErrWalletRequiresUser
	}
	err := l.store.CreateWallet(ctx, domain.NewWallet(userID, l.now()))
	if err != nil && !errors.Is(err, domain.ErrDuplicate) {
		return domain.Wallet{}, err
	}
	return l.store.GetWallet(ctx, userID)
}

func (l *Ledger) Credit(ctx context.Context, walletID uuid.UUID, amount decimal.Decimal, ref domain.Reference) (domain.WalletMovement, error) {
	return l.apply(ctx, "credit", walletID, amount, ref)
}

func (l *Ledger) Debit(ctx context.Context, walletID uuid.UUID, amount decimal.Decimal, ref domain.Reference) (domain.WalletMovement, error) {
	return l.apply(ctx, "debit", walletID, amount, ref)
}

func (l *Ledger) apply(ctx context.Context, direction string, walletID uuid.UUID, amount decimal.Decimal, ref domain.Reference) (domain.WalletMovement, error) {
	ctx, span := observability.StartSpan(ctx, "wallet."+direction)
	defer span.End()

	if err := domain.ValidAmount(amount, l.scale); err != nil {
		observability.WalletMovementsTotal.WithLabelValues(direction, string(domain.CodeOf(err))).Inc()
		return domain.WalletMovement{}, err
	}
	signed := amount
	if direction == "debit" {
		signed = amount.Neg()
	}

	m, err := l.store.ApplyMovement(ctx, walletID, signed, ref, l.now())
	if err != nil {
		observability.WalletMovementsTotal.WithLabelValues(direction, string(domain.CodeOf(err))).Inc()
		return domain.WalletMovement{}, errors.Wrapf(err, "%s wallet %s", direction, walletID)
	}
	observability.WalletMovementsTotal.WithLabelValues(direction, "ok").Inc()

	if err := l.audit.LogEvent(ctx, "wallet."+direction, walletID, map[string]interface{}{
		"movement_id":   m.ID.String(),
		"amount":        m.Amount.String(),
		"balance_after": m.BalanceAfter.String(),
		"reference":     string(ref.Kind) + ":" + ref.ID.String(),
	}); err != nil {
		l.logger.WithField("wallet_id", walletID).WithError(err).Warn("audit wallet movement")
	}
	return m, nil
}

func (l *Ledger) Balance(ctx context.Context, walletID uuid.UUID) (decimal.Decimal, error) {
	w, err := l.store.GetWallet(ctx, walletID)
	if err != nil {
		return decimal.Zero, err
	}
	return w.Balance, nil
}

func (l *Ledger) Movements(ctx context.Context, walletID uuid.UUID) ([]domain.WalletMovement, error) {
	if _, err := l.store.GetWallet(ctx, walletID); err != nil {
		return nil, err
	}
	return l.store.ListMovements(ctx, walletID)
}

// Verify replays the movement log and compares it with the cached balance.
func (l *Ledger) Verify(ctx context.Context, walletID uuid.UUID) (bool, error) {
	w, err := l.store.GetWallet(ctx, walletID)
	if err != nil {
		return false, err
	}
	movements, err := l.store.ListMovements(ctx, walletID)
	if err != nil {
		return false, err
	}
	replayed := domain.FoldMovements(movements)
	if !replayed.Equal(w.Balance) {
		l.logger.WithField("wallet_id", walletID).
			WithField("cached", w.Balance.String()).
			WithField("replayed", replayed.String()).
			Error("wallet balance diverges from ledger")
		return false, nil
	}
	return true, nil
}

