package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/degentalk/dgt-wallet/internal/idempotency"
	"github.com/degentalk/dgt-wallet/internal/metrics"
	"github.com/degentalk/dgt-wallet/internal/txn"
)

// Posting describes a single credit or debit.
type Posting struct {
	UserID      string
	Amount      int64
	Reason      Reason
	ExternalRef string
}

// TransferInput describes a movement between two users. An empty Reason, or a
// transfer reason, books transfer_out/transfer_in; any other reason (tip,
// purchase) is used for both legs.
type TransferInput struct {
	FromUserID  string
	ToUserID    string
	Amount      int64
	Reason      Reason
	ExternalRef string
}

// TransferResult carries both legs of a transfer.
type TransferResult struct {
	Debit       Entry
	Credit      Entry
	FromBalance int64
	ToBalance   int64
}

// Core applies postings to the ledger. Every balance change is one entry
// written in the same transaction as the materialized balance and the
// idempotency claim for its external ref.
type Core struct {
	repo   Repository
	refs   idempotency.Store
	tx     txn.Transactor
	logger *slog.Logger
	now    func() time.Time
}

// NewCore builds the ledger core. refs must be transactional with tx
// (idempotency.Postgres with txn.Postgres, idempotency.Memory with txn.Memory).
func NewCore(repo Repository, refs idempotency.Store, tx txn.Transactor, logger *slog.Logger) *Core {
	return &Core{repo: repo, refs: refs, tx: tx, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// EnsureAccount creates the zero-balance anchor for userID if missing.
func (c *Core) EnsureAccount(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, ErrInvalidUser
	}
	var created bool
	err := c.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		created, err = c.repo.EnsureAccount(ctx, userID, c.now())
		return err
	})
	return created, err
}

// Credit adds amount to the user's balance.
func (c *Core) Credit(ctx context.Context, p Posting) (Entry, error) {
	entry, err := c.post(ctx, DirectionCredit, p)
	c.observe("credit", p.Reason, err)
	if err == nil {
		metrics.RecordPosting(string(DirectionCredit), string(entry.Reason))
	}
	return entry, err
}

// Debit subtracts amount from the user's balance, never below zero.
func (c *Core) Debit(ctx context.Context, p Posting) (Entry, error) {
	entry, err := c.post(ctx, DirectionDebit, p)
	c.observe("debit", p.Reason, err)
	if err == nil {
		metrics.RecordPosting(string(DirectionDebit), string(entry.Reason))
	}
	return entry, err
}

func (c *Core) post(ctx context.Context, dir Direction, p Posting) (Entry, error) {
	if p.UserID == "" {
		return Entry{}, ErrInvalidUser
	}
	if p.Amount <= 0 {
		return Entry{}, ErrInvalidAmount
	}
	if !p.Reason.Valid() {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidReason, p.Reason)
	}
	if !validRef(p.ExternalRef) {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidRef, p.ExternalRef)
	}

	var entry Entry
	err := c.tx.InTx(ctx, func(ctx context.Context) error {
		res, err := c.reserve(ctx, p.ExternalRef)
		if err != nil {
			return err
		}

		now := c.now()
		if _, err := c.repo.EnsureAccount(ctx, p.UserID, now); err != nil {
			return err
		}
		acct, err := c.repo.LockAccount(ctx, p.UserID)
		if err != nil {
			return err
		}

		next, err := apply(acct.Balance, dir, p.Amount)
		if err != nil {
			return err
		}

		entry = Entry{
			ID:          uuid.NewString(),
			UserID:      p.UserID,
			Direction:   dir,
			Amount:      p.Amount,
			Reason:      p.Reason,
			ExternalRef: p.ExternalRef,
			CreatedAt:   now,
		}
		if err := c.repo.AppendEntry(ctx, entry); err != nil {
			return err
		}
		if err := c.repo.SetBalance(ctx, p.UserID, next, now); err != nil {
			return err
		}
		return c.commit(ctx, res, entry.ID)
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Transfer moves amount from one user to another atomically.
func (c *Core) Transfer(ctx context.Context, in TransferInput) (TransferResult, error) {
	res, err := c.transfer(ctx, in)
	c.observe("transfer", in.Reason, err)
	if err == nil {
		metrics.RecordPosting(string(DirectionDebit), string(res.Debit.Reason))
		metrics.RecordPosting(string(DirectionCredit), string(res.Credit.Reason))
	}
	return res, err
}

func (c *Core) transfer(ctx context.Context, in TransferInput) (TransferResult, error) {
	if in.FromUserID == "" || in.ToUserID == "" {
		return TransferResult{}, ErrInvalidUser
	}
	if in.FromUserID == in.ToUserID {
		return TransferResult{}, ErrSelfTransferNotAllowed
	}
	if in.Amount <= 0 {
		return TransferResult{}, ErrInvalidAmount
	}
	outReason, inReason := transferReasons(in.Reason)
	if !outReason.Valid() {
		return TransferResult{}, fmt.Errorf("%w: %q", ErrInvalidReason, in.Reason)
	}
	if !validRef(in.ExternalRef) {
		return TransferResult{}, fmt.Errorf("%w: %q", ErrInvalidRef, in.ExternalRef)
	}

	var result TransferResult
	err := c.tx.InTx(ctx, func(ctx context.Context) error {
		res, err := c.reserve(ctx, in.ExternalRef)
		if err != nil {
			return err
		}
		var creditRef string
		if in.ExternalRef != "" {
			creditRef = in.ExternalRef + CreditLegSuffix
		}
		creditRes, err := c.reserve(ctx, creditRef)
		if err != nil {
			return err
		}

		now := c.now()
		if _, err := c.repo.EnsureAccount(ctx, in.FromUserID, now); err != nil {
			return err
		}
		if _, err := c.repo.EnsureAccount(ctx, in.ToUserID, now); err != nil {
			return err
		}

		// Lock in a stable order so opposite transfers cannot deadlock.
		first, second := in.FromUserID, in.ToUserID
		if second < first {
			first, second = second, first
		}
		locked := make(map[string]Account, 2)
		for _, id := range []string{first, second} {
			acct, err := c.repo.LockAccount(ctx, id)
			if err != nil {
				return err
			}
			locked[id] = acct
		}

		fromNext, err := apply(locked[in.FromUserID].Balance, DirectionDebit, in.Amount)
		if err != nil {
			return err
		}
		toNext, err := apply(locked[in.ToUserID].Balance, DirectionCredit, in.Amount)
		if err != nil {
			return err
		}

		debit := Entry{
			ID:          uuid.NewString(),
			UserID:      in.FromUserID,
			Direction:   DirectionDebit,
			Amount:      in.Amount,
			Reason:      outReason,
			ExternalRef: in.ExternalRef,
			CreatedAt:   now,
		}
		credit := Entry{
			ID:          uuid.NewString(),
			UserID:      in.ToUserID,
			Direction:   DirectionCredit,
			Amount:      in.Amount,
			Reason:      inReason,
			ExternalRef: creditRef,
			CreatedAt:   now,
		}

		for _, e := range []Entry{debit, credit} {
			if err := c.repo.AppendEntry(ctx, e); err != nil {
				return err
			}
		}
		if err := c.repo.SetBalance(ctx, in.FromUserID, fromNext, now); err != nil {
			return err
		}
		if err := c.repo.SetBalance(ctx, in.ToUserID, toNext, now); err != nil {
			return err
		}
		if err := c.commit(ctx, res, debit.ID); err != nil {
			return err
		}
		if err := c.commit(ctx, creditRes, credit.ID); err != nil {
			return err
		}

		result = TransferResult{Debit: debit, Credit: credit, FromBalance: fromNext, ToBalance: toNext}
		return nil
	})
	if err != nil {
		return TransferResult{}, err
	}
	return result, nil
}

// Balance returns the materialized balance. Users without an account have zero.
func (c *Core) Balance(ctx context.Context, userID string) (int64, error) {
	acct, err := c.repo.Account(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Replay recomputes the balance from the entry log.
func (c *Core) Replay(ctx context.Context, userID string) (int64, error) {
	return c.repo.SumEntries(ctx, userID)
}

// Entries returns the user's history, newest first.
func (c *Core) Entries(ctx context.Context, userID string, page Page) ([]Entry, error) {
	return c.repo.Entries(ctx, userID, page.normalized())
}

// EntryByRef looks up the entry produced by an external reference.
func (c *Core) EntryByRef(ctx context.Context, ref string) (Entry, error) {
	return c.repo.EntryByRef(ctx, ref)
}

func (c *Core) reserve(ctx context.Context, ref string) (*idempotency.Reservation, error) {
	if ref == "" {
		return nil, nil
	}
	res, err := c.refs.CheckAndReserve(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("reserve %s: %w", ref, err)
	}
	if res.AlreadyApplied {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRef, ref)
	}
	return &res, nil
}

func (c *Core) commit(ctx context.Context, res *idempotency.Reservation, entryID string) error {
	if res == nil {
		return nil
	}
	if err := c.refs.Commit(ctx, *res, entryID); err != nil {
		return fmt.Errorf("commit ref %s: %w", res.Ref, err)
	}
	return nil
}

func (c *Core) observe(op string, reason Reason, err error) {
	if err == nil {
		return
	}
	kind := "internal"
	switch {
	case errors.Is(err, ErrInvalidAmount):
		kind = "invalid_amount"
	case errors.Is(err, ErrInsufficientBalance):
		kind = "insufficient_balance"
	case errors.Is(err, ErrDuplicateRef):
		kind = "duplicate_ref"
	case errors.Is(err, ErrSelfTransferNotAllowed):
		kind = "self_transfer"
	case errors.Is(err, ErrInvalidReason), errors.Is(err, ErrInvalidUser), errors.Is(err, ErrInvalidRef):
		kind = "invalid_input"
	}
	metrics.RecordRejection(op, kind)
	if kind == "internal" && c.logger != nil {
		c.logger.Error("ledger operation failed", slog.String("op", op), slog.String("reason", string(reason)), slog.Any("error", err))
	}
}

func apply(balance int64, dir Direction, amount int64) (int64, error) {
	if dir == DirectionDebit {
		if balance < amount {
			return 0, ErrInsufficientBalance
		}
		return balance - amount, nil
	}
	if balance > math.MaxInt64-amount {
		return 0, ErrInvalidAmount
	}
	return balance + amount, nil
}

func transferReasons(r Reason) (Reason, Reason) {
	switch r {
	case "", ReasonTransferOut, ReasonTransferIn:
		return ReasonTransferOut, ReasonTransferIn
	default:
		return r, r
	}
}
