package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wallet is keyed by the owning user's id. Balance is a cache of the fold of
// its movements; Version is the Seq of the last movement applied.
type Wallet struct {
	ID        uuid.UUID
	Balance   decimal.Decimal
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewWallet(userID uuid.UUID, now time.Time) Wallet {
	return Wallet{ID: userID, Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now}
}

// Apply books a signed amount against w and returns the movement together
// with the updated wallet. It must run while the caller holds the wallet
// row; a debit larger than the balance fails with ErrInsufficientBalance.
func (w Wallet) Apply(amount decimal.Decimal, ref Reference, now time.Time) (Wallet, WalletMovement, error) {
	next := w.Balance.Add(amount)
	if next.IsNegative() {
		return w, WalletMovement{}, ErrInsufficientBalance
	}
	w.Balance = next
	w.Version++
	w.UpdatedAt = now
	return w, WalletMovement{
		ID:           uuid.New(),
		WalletID:     w.ID,
		Seq:          w.Version,
		Amount:       amount,
		BalanceAfter: next,
		Reference:    ref,
		CreatedAt:    now,
	}, nil
}

type ReferenceKind string

const (
	RefPurchase ReferenceKind = "PURCHASE"
	RefRefund   ReferenceKind = "REFUND"
	RefManual   ReferenceKind = "MANUAL"
)

type Reference struct {
	Kind ReferenceKind
	ID   uuid.UUID
}

func ManualReference() Reference {
	return Reference{Kind: RefManual, ID: uuid.New()}
}

type WalletMovement struct {
	ID           uuid.UUID
	WalletID     uuid.UUID
	Seq          int64
	Amount       decimal.Decimal
	BalanceAfter decimal.Decimal
	Reference    Reference
	CreatedAt    time.Time
}

// FoldMovements replays movements in timestamp order (ties broken by Seq)
// and returns the resulting balance.
func FoldMovements(movements []WalletMovement) decimal.Decimal {
	ordered := make([]WalletMovement, len(movements))
	copy(ordered, movements)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].Seq < ordered[j].Seq
	})
	balance := decimal.Zero
	for _, m := range ordered {
		balance = balance.Add(m.Amount)
	}
	return balance
}
