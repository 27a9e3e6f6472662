package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/degentalk/dgt-wallet/internal/txn"
)

// Postgres persists reservations in idempotency_records. Called inside a
// txn.Postgres transaction, the claim is part of the same transaction as the
// ledger write it protects.
type Postgres struct {
	db  *pgxpool.Pool
	ttl time.Duration
	now func() time.Time
}

// NewPostgres builds a Postgres-backed store.
func NewPostgres(db *pgxpool.Pool, ttl time.Duration) *Postgres {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Postgres{db: db, ttl: ttl, now: time.Now}
}

func (p *Postgres) CheckAndReserve(ctx context.Context, ref string) (Reservation, error) {
	if ref == "" {
		return Reservation{}, ErrEmptyRef
	}

	q := txn.Querier(ctx, p.db)
	now := p.now().UTC()
	token := uuid.New()

	const claim = `
        INSERT INTO idempotency_records (external_ref, status, token, entry_id, reserved_until, updated_at)
        VALUES ($1, 'reserved', $2, NULL, $3, $4)
        ON CONFLICT (external_ref) DO UPDATE
            SET status = 'reserved',
                token = EXCLUDED.token,
                entry_id = NULL,
                reserved_until = EXCLUDED.reserved_until,
                updated_at = EXCLUDED.updated_at
            WHERE idempotency_records.status = 'failed'
               OR (idempotency_records.status = 'reserved' AND idempotency_records.reserved_until <= EXCLUDED.updated_at)
        RETURNING token`

	var claimed uuid.UUID
	err := q.QueryRow(ctx, claim, ref, token, now.Add(p.ttl), now).Scan(&claimed)
	if err == nil {
		return Reservation{Ref: ref, Token: claimed.String()}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, err
	}

	var (
		status  string
		entryID *string
	)
	if err := q.QueryRow(ctx, `SELECT status, entry_id FROM idempotency_records WHERE external_ref = $1`, ref).
		Scan(&status, &entryID); err != nil {
		return Reservation{}, err
	}

	res := Reservation{Ref: ref, AlreadyApplied: true, InFlight: Status(status) == StatusReserved}
	if entryID != nil {
		res.EntryID = *entryID
	}
	return res, nil
}

func (p *Postgres) Commit(ctx context.Context, res Reservation, entryID string) error {
	token, err := uuid.Parse(res.Token)
	if err != nil {
		return ErrReservationLost
	}
	cmd, err := txn.Querier(ctx, p.db).Exec(ctx, `
        UPDATE idempotency_records
        SET status = 'applied', entry_id = $3, updated_at = $4
        WHERE external_ref = $1 AND token = $2 AND status = 'reserved'`,
		res.Ref, token, entryID, p.now().UTC())
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrReservationLost
	}
	return nil
}

func (p *Postgres) Release(ctx context.Context, res Reservation) error {
	token, err := uuid.Parse(res.Token)
	if err != nil {
		return ErrReservationLost
	}
	now := p.now().UTC()
	cmd, err := txn.Querier(ctx, p.db).Exec(ctx, `
        UPDATE idempotency_records
        SET status = 'failed', reserved_until = $3, updated_at = $3
        WHERE external_ref = $1 AND token = $2 AND status = 'reserved'`,
		res.Ref, token, now)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrReservationLost
	}
	return nil
}
