package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/degentalk/dgt-wallet/internal/txn"
)

// WithdrawalRepository persists withdrawal requests.
type WithdrawalRepository interface {
	Create(ctx context.Context, w Withdrawal) error
	Get(ctx context.Context, id string) (Withdrawal, error)
	// Update writes w only if the stored status still equals from, and
	// returns ErrInvalidTransition otherwise.
	Update(ctx context.Context, w Withdrawal, from WithdrawalStatus) error
	Stale(ctx context.Context, status WithdrawalStatus, before time.Time, limit int) ([]Withdrawal, error)
}

// AddressRepository persists issued deposit addresses.
type AddressRepository interface {
	Find(ctx context.Context, userID, currency, chain string) (DepositAddress, error)
	// Save stores a unless an address already exists for the same user,
	// currency and chain, and returns the stored one.
	Save(ctx context.Context, a DepositAddress) (DepositAddress, error)
}

// PostgresRepository stores withdrawals and deposit addresses in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const withdrawalColumns = `id, user_id, currency, chain, address, memo, amount, fee, status, provider,
        provider_ref, failure_reason, debit_entry_id, reversal_entry_id, created_at, updated_at`

func (r *PostgresRepository) Create(ctx context.Context, w Withdrawal) error {
	_, err := txn.Querier(ctx, r.db).Exec(ctx, `INSERT INTO withdrawals (`+withdrawalColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		w.ID, w.UserID, w.Currency, w.Chain, w.Address, w.Memo, w.Amount, w.Fee, string(w.Status), w.Provider,
		w.ProviderRef, w.FailureReason, w.DebitEntryID, w.ReversalEntryID, w.CreatedAt.UTC(), w.UpdatedAt.UTC())
	return err
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (Withdrawal, error) {
	row := txn.Querier(ctx, r.db).QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id)
	w, err := scanWithdrawal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Withdrawal{}, ErrWithdrawalNotFound
	}
	return w, err
}

func (r *PostgresRepository) Update(ctx context.Context, w Withdrawal, from WithdrawalStatus) error {
	tag, err := txn.Querier(ctx, r.db).Exec(ctx, `
        UPDATE withdrawals
        SET status = $3, provider_ref = $4, failure_reason = $5, reversal_entry_id = $6, updated_at = $7
        WHERE id = $1 AND status = $2`,
		w.ID, string(from), string(w.Status), w.ProviderRef, w.FailureReason, w.ReversalEntryID, w.UpdatedAt.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (r *PostgresRepository) Stale(ctx context.Context, status WithdrawalStatus, before time.Time, limit int) ([]Withdrawal, error) {
	rows, err := txn.Querier(ctx, r.db).Query(ctx, `SELECT `+withdrawalColumns+`
        FROM withdrawals WHERE status = $1 AND updated_at < $2
        ORDER BY updated_at LIMIT $3`, string(status), before.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWithdrawal(row pgx.Row) (Withdrawal, error) {
	var (
		w      Withdrawal
		status string
	)
	err := row.Scan(&w.ID, &w.UserID, &w.Currency, &w.Chain, &w.Address, &w.Memo, &w.Amount, &w.Fee, &status,
		&w.Provider, &w.ProviderRef, &w.FailureReason, &w.DebitEntryID, &w.ReversalEntryID, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return Withdrawal{}, err
	}
	w.Status = WithdrawalStatus(status)
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, nil
}

// PostgresAddresses stores deposit addresses in PostgreSQL.
type PostgresAddresses struct {
	db *pgxpool.Pool
}

// NewPostgresAddresses builds an address repository backed by PostgreSQL.
func NewPostgresAddresses(db *pgxpool.Pool) *PostgresAddresses {
	return &PostgresAddresses{db: db}
}

func (r *PostgresAddresses) Find(ctx context.Context, userID, currency, chain string) (DepositAddress, error) {
	var a DepositAddress
	err := txn.Querier(ctx, r.db).QueryRow(ctx, `
        SELECT user_id, currency, chain, address, memo, provider, created_at
        FROM deposit_addresses WHERE user_id = $1 AND currency = $2 AND chain = $3`,
		userID, currency, chain).
		Scan(&a.UserID, &a.Currency, &a.Chain, &a.Address, &a.Memo, &a.Provider, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return DepositAddress{}, ErrAddressNotFound
	}
	return a, err
}

func (r *PostgresAddresses) Save(ctx context.Context, a DepositAddress) (DepositAddress, error) {
	_, err := txn.Querier(ctx, r.db).Exec(ctx, `
        INSERT INTO deposit_addresses (user_id, currency, chain, address, memo, provider, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (user_id, currency, chain) DO NOTHING`,
		a.UserID, a.Currency, a.Chain, a.Address, a.Memo, a.Provider, a.CreatedAt.UTC())
	if err != nil {
		return DepositAddress{}, err
	}
	return r.Find(ctx, a.UserID, a.Currency, a.Chain)
}
