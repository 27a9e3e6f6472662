package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/degentalk/dgt-wallet/internal/txn"
)

const uniqueViolation = "23505"

// PostgresRepository stores accounts in ledger_accounts and entries in
// ledger_entries. Queries run on the transaction carried by ctx when present.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgres constructs a Postgres-backed repository.
func NewPostgres(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) EnsureAccount(ctx context.Context, userID string, now time.Time) (bool, error) {
	tag, err := txn.Querier(ctx, r.db).Exec(ctx, `
        INSERT INTO ledger_accounts (user_id, balance, created_at, updated_at)
        VALUES ($1, 0, $2, $2)
        ON CONFLICT (user_id) DO NOTHING`, userID, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) LockAccount(ctx context.Context, userID string) (Account, error) {
	return r.account(ctx, `
        SELECT user_id, balance, created_at, updated_at
        FROM ledger_accounts WHERE user_id = $1 FOR UPDATE`, userID)
}

func (r *PostgresRepository) AppendEntry(ctx context.Context, e Entry) error {
	var ref *string
	if e.ExternalRef != "" {
		ref = &e.ExternalRef
	}
	_, err := txn.Querier(ctx, r.db).Exec(ctx, `
        INSERT INTO ledger_entries (id, user_id, direction, amount, reason, external_ref, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.UserID, string(e.Direction), e.Amount, string(e.Reason), ref, e.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateRef
	}
	return err
}

func (r *PostgresRepository) SetBalance(ctx context.Context, userID string, balance int64, now time.Time) error {
	tag, err := txn.Querier(ctx, r.db).Exec(ctx,
		`UPDATE ledger_accounts SET balance = $2, updated_at = $3 WHERE user_id = $1`,
		userID, balance, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (r *PostgresRepository) Account(ctx context.Context, userID string) (Account, error) {
	return r.account(ctx, `
        SELECT user_id, balance, created_at, updated_at
        FROM ledger_accounts WHERE user_id = $1`, userID)
}

func (r *PostgresRepository) account(ctx context.Context, query, userID string) (Account, error) {
	var a Account
	err := txn.Querier(ctx, r.db).QueryRow(ctx, query, userID).
		Scan(&a.UserID, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return a, nil
}

func (r *PostgresRepository) SumEntries(ctx context.Context, userID string) (int64, error) {
	const query = `
        SELECT COALESCE(SUM(CASE WHEN direction = 'credit' THEN amount ELSE -amount END), 0)
        FROM ledger_entries WHERE user_id = $1`
	var sum int64
	if err := txn.Querier(ctx, r.db).QueryRow(ctx, query, userID).Scan(&sum); err != nil {
		return 0, err
	}
	return sum, nil
}

func (r *PostgresRepository) Entries(ctx context.Context, userID string, page Page) ([]Entry, error) {
	q := txn.Querier(ctx, r.db)

	var (
		rows pgx.Rows
		err  error
	)
	if page.Before == "" {
		rows, err = q.Query(ctx, `
            SELECT id, user_id, direction, amount, reason, COALESCE(external_ref, ''), created_at
            FROM ledger_entries WHERE user_id = $1
            ORDER BY seq DESC LIMIT $2`, userID, page.Limit)
	} else {
		rows, err = q.Query(ctx, `
            SELECT id, user_id, direction, amount, reason, COALESCE(external_ref, ''), created_at
            FROM ledger_entries
            WHERE user_id = $1 AND seq < (SELECT seq FROM ledger_entries WHERE id = $3)
            ORDER BY seq DESC LIMIT $2`, userID, page.Limit, page.Before)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0, page.Limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) EntryByRef(ctx context.Context, ref string) (Entry, error) {
	row := txn.Querier(ctx, r.db).QueryRow(ctx, `
        SELECT id, user_id, direction, amount, reason, COALESCE(external_ref, ''), created_at
        FROM ledger_entries WHERE external_ref = $1`, ref)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	return e, err
}

func (r *PostgresRepository) AccountIDs(ctx context.Context, after string, limit int) ([]string, error) {
	rows, err := txn.Querier(ctx, r.db).Query(ctx,
		`SELECT user_id FROM ledger_accounts WHERE user_id > $1 ORDER BY user_id LIMIT $2`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e         Entry
		direction string
		reason    string
	)
	if err := row.Scan(&e.ID, &e.UserID, &direction, &e.Amount, &reason, &e.ExternalRef, &e.CreatedAt); err != nil {
		return Entry{}, err
	}
	e.Direction = Direction(direction)
	e.Reason = Reason(reason)
	return e, nil
}
