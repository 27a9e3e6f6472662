// Package idempotency guarantees that an external event is applied at most once.
//
// A caller claims an external reference with CheckAndReserve. The first caller
// receives a live reservation and must Commit it with the id of the ledger entry
// it produced, or Release it so the event can be retried. Reservations that are
// neither committed nor released expire after the store TTL, so a crashed worker
// never blocks an event permanently.
package idempotency

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEmptyRef is returned when no external reference is supplied.
	ErrEmptyRef = errors.New("idempotency: external ref is required")

	// ErrReservationLost means the reservation expired and was claimed by another
	// caller, or was already committed or released.
	ErrReservationLost = errors.New("idempotency: reservation lost")
)

// Status is the lifecycle state of an idempotency record.
type Status string

const (
	StatusReserved Status = "reserved"
	StatusApplied  Status = "applied"
	StatusFailed   Status = "failed"
)

// DefaultTTL bounds how long a reservation may stay unresolved.
const DefaultTTL = 2 * time.Minute

// Record is the stored state for one external reference.
type Record struct {
	Ref           string
	Status        Status
	Token         string
	EntryID       string
	ReservedUntil time.Time
	UpdatedAt     time.Time
}

// Reservation is the outcome of CheckAndReserve.
//
// When AlreadyApplied is true the caller must not perform the side effect.
// InFlight distinguishes a live reservation held by someone else from a
// completed one; EntryID is only set for completed ones.
type Reservation struct {
	Ref            string
	Token          string
	AlreadyApplied bool
	InFlight       bool
	EntryID        string
}

// Store is implemented by the memory, Postgres and Redis backends.
type Store interface {
	CheckAndReserve(ctx context.Context, ref string) (Reservation, error)
	Commit(ctx context.Context, res Reservation, entryID string) error
	Release(ctx context.Context, res Reservation) error
}
