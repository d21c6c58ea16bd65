package accounting

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gridcredit/accounting/internal/database"
)

// PostgresStore persists wallets, reservations and the transaction log.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (r *PostgresStore) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	rows, err := r.pool.Query(ctx, `
		SELECT w.owner_type, w.owner_id, w.provider, w.category,
		       c.product_type, c.unit, c.hidden,
		       w.balance, w.allocated, w.used, w.reserved, w.locked, w.last_significant_update_at
		FROM wallets w
		JOIN product_categories c ON c.provider = w.provider AND c.name = w.category`)
	if err != nil {
		return nil, fmt.Errorf("querying wallets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var w Wallet
		if err := rows.Scan(
			&w.Owner.Type, &w.Owner.ID, &w.Category.Provider, &w.Category.Name,
			&w.Category.ProductType, &w.Category.Unit, &w.Category.Hidden,
			&w.Balance, &w.Allocated, &w.Used, &w.Reserved, &w.Locked, &w.LastSignificantUpdateAt,
		); err != nil {
			return nil, fmt.Errorf("scanning wallet: %w", err)
		}
		snap.Wallets = append(snap.Wallets, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating wallets: %w", err)
	}

	resRows, err := r.pool.Query(ctx, `
		SELECT job_id, owner_type, owner_id, provider, category, amount, product_id,
		       product_units, transaction_type, skip_limit_check, settled, expires_at, created_at
		FROM reservations`)
	if err != nil {
		return nil, fmt.Errorf("querying reservations: %w", err)
	}
	defer resRows.Close()

	for resRows.Next() {
		var (
			res       Reservation
			expiresAt *time.Time
		)
		if err := resRows.Scan(
			&res.JobID, &res.Wallet.Owner.Type, &res.Wallet.Owner.ID,
			&res.Wallet.Category.Provider, &res.Wallet.Category.Name,
			&res.Amount, &res.ProductID, &res.ProductUnits, &res.TransactionType,
			&res.SkipLimitCheck, &res.Settled, &expiresAt, &res.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning reservation: %w", err)
		}
		if expiresAt != nil {
			res.ExpiresAt = *expiresAt
		}
		snap.Reservations = append(snap.Reservations, res)
	}
	if err := resRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reservations: %w", err)
	}
	return snap, nil
}

// Commit writes the whole batch in one transaction.
func (r *PostgresStore) Commit(ctx context.Context, b *Batch) error {
	if b.empty() {
		return nil
	}
	return database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}

		for _, w := range b.Wallets {
			batch.Queue(`
				INSERT INTO wallets (owner_type, owner_id, provider, category, balance, allocated, used, reserved, locked, last_significant_update_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (owner_type, owner_id, provider, category) DO UPDATE SET
					balance = EXCLUDED.balance,
					allocated = EXCLUDED.allocated,
					used = EXCLUDED.used,
					reserved = EXCLUDED.reserved,
					locked = EXCLUDED.locked,
					last_significant_update_at = EXCLUDED.last_significant_update_at`,
				w.Owner.Type, w.Owner.ID, w.Category.Provider, w.Category.Name,
				w.Balance, w.Allocated, w.Used, w.Reserved, w.Locked, w.LastSignificantUpdateAt)
		}
		for _, res := range b.Reservations {
			var expiresAt *time.Time
			if !res.ExpiresAt.IsZero() {
				expiresAt = &res.ExpiresAt
			}
			batch.Queue(`
				INSERT INTO reservations (job_id, owner_type, owner_id, provider, category, amount, product_id,
				                          product_units, transaction_type, skip_limit_check, settled, expires_at, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
				ON CONFLICT (job_id) DO UPDATE SET
					amount = EXCLUDED.amount,
					product_units = EXCLUDED.product_units,
					settled = EXCLUDED.settled`,
				res.JobID, res.Wallet.Owner.Type, res.Wallet.Owner.ID,
				res.Wallet.Category.Provider, res.Wallet.Category.Name,
				res.Amount, res.ProductID, res.ProductUnits, res.TransactionType,
				res.SkipLimitCheck, res.Settled, expiresAt, res.CreatedAt)
		}
		if len(b.DeletedReservations) > 0 {
			batch.Queue(`DELETE FROM reservations WHERE job_id = ANY($1)`, b.DeletedReservations)
		}
		for _, t := range b.Transactions {
			batch.Queue(`
				INSERT INTO transactions (id, type, owner_type, owner_id, provider, category, change, reference, initiated_by, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				t.ID, t.Type, t.Wallet.Owner.Type, t.Wallet.Owner.ID,
				t.Wallet.Category.Provider, t.Wallet.Category.Name,
				t.Change, t.Reference, t.InitiatedBy, t.CreatedAt)
		}

		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("applying ledger batch: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("closing ledger batch: %w", err)
		}
		return nil
	})
}

// TransactionsForWallet returns the most recent transactions of one wallet,
// newest first.
func (r *PostgresStore) TransactionsForWallet(ctx context.Context, key WalletKey, limit int) ([]Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, type, change, reference, initiated_by, created_at
		FROM transactions
		WHERE owner_type = $1 AND owner_id = $2 AND provider = $3 AND category = $4
		ORDER BY created_at DESC
		LIMIT $5`,
		key.Owner.Type, key.Owner.ID, key.Category.Provider, key.Category.Name, limit)
	if err != nil {
		return nil, fmt.Errorf("querying transactions: %w", err)
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		t := Transaction{Wallet: key}
		if err := rows.Scan(&t.ID, &t.Type, &t.Change, &t.Reference, &t.InitiatedBy, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning transaction: %w", err)
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transactions: %w", err)
	}
	return txs, nil
}
