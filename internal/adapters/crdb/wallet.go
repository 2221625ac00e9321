package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/robertarktes/ticketing-checkout/internal/domain"
)

func (r *Repository) CreateWallet(ctx context.Context, w domain.Wallet) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO wallets (id, balance, version, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)
	`, w.ID, w.Balance, w.Version, w.CreatedAt, w.UpdatedAt)
	if isCode(err, UniqueViolationCode) {
		return domain.ErrDuplicate
	}
	return err
}

func (r *Repository) GetWallet(ctx context.Context, id uuid.UUID) (domain.Wallet, error) {
	return getWallet(ctx, r.pool, id, false)
}

func getWallet(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (domain.Wallet, error) {
	sql := `SELECT id, balance, version, created_at, updated_at FROM wallets WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var w domain.Wallet
	err := q.QueryRow(ctx, sql, id).Scan(&w.ID, &w.Balance, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Wallet{}, domain.ErrWalletNotFound
	}
	return w, err
}

func lockWallet(ctx context.Context, tx pgx.Tx, id uuid.UUID) (domain.Wallet, error) {
	return getWallet(ctx, tx, id, true)
}

// lockOrCreateWallet opens the wallet on first credit.
func lockOrCreateWallet(ctx context.Context, tx pgx.Tx, id uuid.UUID, now time.Time) (domain.Wallet, error) {
	w := domain.NewWallet(id, now)
	if _, err := tx.Exec(ctx, `
		INSERT INTO wallets (id, balance, version, created_at, updated_at) VALUES ($1, $2, 0, $3, $3)
		ON CONFLICT (id) DO NOTHING
	`, w.ID, w.Balance, now); err != nil {
		return domain.Wallet{}, err
	}
	return lockWallet(ctx, tx, id)
}

// applyMovement books amount against a wallet the caller has locked.
func applyMovement(ctx context.Context, tx pgx.Tx, w domain.Wallet, amount decimal.Decimal, ref domain.Reference, now time.Time) (domain.WalletMovement, error) {
	w, m, err := w.Apply(amount, ref, now)
	if err != nil {
		return domain.WalletMovement{}, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE wallets SET balance = $2, version = $3, updated_at = $4 WHERE id = $1
	`, w.ID, w.Balance, w.Version, w.UpdatedAt); err != nil {
		return domain.WalletMovement{}, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO wallet_movements (id, wallet_id, seq, amount, balance_after, ref_kind, ref_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, m.ID, m.WalletID, m.Seq, m.Amount, m.BalanceAfter, m.Reference.Kind, m.Reference.ID, m.CreatedAt)
	if err != nil {
		return domain.WalletMovement{}, errors.Wrap(err, "insert movement")
	}
	return m, nil
}

func (r *Repository) ApplyMovement(ctx context.Context, walletID uuid.UUID, amount decimal.Decimal, ref domain.Reference, now time.Time) (domain.WalletMovement, error) {
	var m domain.WalletMovement
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		w, err := lockWallet(ctx, tx, walletID)
		if err != nil {
			return err
		}
		m, err = applyMovement(ctx, tx, w, amount, ref, now)
		return err
	})
	return m, err
}

func (r *Repository) ListMovements(ctx context.Context, walletID uuid.UUID) ([]domain.WalletMovement, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, wallet_id, seq, amount, balance_after, ref_kind, ref_id, created_at
		FROM wallet_movements WHERE wallet_id = $1 ORDER BY seq
	`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.WalletMovement
	for rows.Next() {
		var m domain.WalletMovement
		if err := rows.Scan(&m.ID, &m.WalletID, &m.Seq, &m.Amount, &m.BalanceAfter, &m.Reference.Kind, &m.Reference.ID, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
