package ledger

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrInvalidAmount occurs when a posting amount is not strictly positive or
	// would overflow the running balance.
	ErrInvalidAmount = errors.New("ledger: invalid amount")

	// ErrInsufficientBalance occurs when a debit would drive a balance negative.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrDuplicateRef indicates the external reference already produced an entry.
	ErrDuplicateRef = errors.New("ledger: duplicate external ref")

	// ErrSelfTransferNotAllowed is returned when source and destination are the same user.
	ErrSelfTransferNotAllowed = errors.New("ledger: self transfer not allowed")

	// ErrInvalidReason is returned for reasons outside the known set.
	ErrInvalidReason = errors.New("ledger: invalid reason")

	// ErrAccountNotFound is the typed not-found outcome of account lookups.
	ErrAccountNotFound = errors.New("ledger: account not found")

	// ErrEntryNotFound is returned when no entry matches a lookup.
	ErrEntryNotFound = errors.New("ledger: entry not found")

	// ErrInvalidUser is returned when a posting carries no user id.
	ErrInvalidUser = errors.New("ledger: user id is required")

	// ErrInvalidRef is returned for external refs that end in the suffix
	// reserved for transfer credit legs.
	ErrInvalidRef = errors.New("ledger: invalid external ref")
)

// CreditLegSuffix is appended to a transfer's ref to key its credit leg.
const CreditLegSuffix = "#credit"

func validRef(ref string) bool {
	return !strings.HasSuffix(ref, CreditLegSuffix)
}

// Direction tells whether an entry adds to or subtracts from a balance.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// Reason classifies why a balance changed.
type Reason string

const (
	ReasonDeposit     Reason = "deposit"
	ReasonWithdrawal  Reason = "withdrawal"
	ReasonTransferIn  Reason = "transfer_in"
	ReasonTransferOut Reason = "transfer_out"
	ReasonTip         Reason = "tip"
	ReasonPurchase    Reason = "purchase"
	ReasonReward      Reason = "reward"
	ReasonAdjustment  Reason = "adjustment"
)

// Valid reports whether r is one of the known reasons.
func (r Reason) Valid() bool {
	switch r {
	case ReasonDeposit, ReasonWithdrawal, ReasonTransferIn, ReasonTransferOut,
		ReasonTip, ReasonPurchase, ReasonReward, ReasonAdjustment:
		return true
	}
	return false
}

// Entry is an immutable ledger record. Amount is in the smallest DGT unit and
// always positive; Direction carries the sign.
type Entry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Direction   Direction `json:"direction"`
	Amount      int64     `json:"amount"`
	Reason      Reason    `json:"reason"`
	ExternalRef string    `json:"externalRef,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Signed returns the amount with the sign implied by the direction.
func (e Entry) Signed() int64 {
	if e.Direction == DirectionDebit {
		return -e.Amount
	}
	return e.Amount
}

// Account is the per-user anchor holding the materialized balance.
type Account struct {
	UserID    string
	Balance   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Page selects a window of entries, newest first. Before is an entry id cursor.
type Page struct {
	Limit  int
	Before string
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

func (p Page) normalized() Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	return p
}

// Repository persists accounts and entries. Mutating methods are called inside
// a transaction opened by the Core; LockAccount serializes writers per user.
// Entries are append-only; the contract has no update or delete.
type Repository interface {
	EnsureAccount(ctx context.Context, userID string, now time.Time) (bool, error)
	LockAccount(ctx context.Context, userID string) (Account, error)
	AppendEntry(ctx context.Context, entry Entry) error
	SetBalance(ctx context.Context, userID string, balance int64, now time.Time) error

	Account(ctx context.Context, userID string) (Account, error)
	SumEntries(ctx context.Context, userID string) (int64, error)
	Entries(ctx context.Context, userID string, page Page) ([]Entry, error)
	EntryByRef(ctx context.Context, ref string) (Entry, error)
	AccountIDs(ctx context.Context, after string, limit int) ([]string, error)
}
