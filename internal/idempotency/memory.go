package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/degentalk/dgt-wallet/internal/txn"
)

// Memory is a concurrency-safe in-memory store. Writes made inside a txn.Memory
// transaction are undone when that transaction rolls back.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	records map[string]Record
}

// NewMemory creates an in-memory store whose reservations expire after ttl.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, now: time.Now, records: make(map[string]Record)}
}

func (m *Memory) CheckAndReserve(ctx context.Context, ref string) (Reservation, error) {
	if ref == "" {
		return Reservation{}, ErrEmptyRef
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	prev, exists := m.records[ref]
	if exists {
		switch {
		case prev.Status == StatusApplied:
			return Reservation{Ref: ref, AlreadyApplied: true, EntryID: prev.EntryID}, nil
		case prev.Status == StatusReserved && now.Before(prev.ReservedUntil):
			return Reservation{Ref: ref, AlreadyApplied: true, InFlight: true}, nil
		}
	}

	rec := Record{
		Ref:           ref,
		Status:        StatusReserved,
		Token:         uuid.NewString(),
		ReservedUntil: now.Add(m.ttl),
		UpdatedAt:     now,
	}
	m.records[ref] = rec
	m.undo(ctx, ref, prev, exists)

	return Reservation{Ref: ref, Token: rec.Token}, nil
}

func (m *Memory) Commit(ctx context.Context, res Reservation, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.records[res.Ref]
	if !ok || prev.Token != res.Token || prev.Status != StatusReserved {
		return ErrReservationLost
	}

	rec := prev
	rec.Status = StatusApplied
	rec.EntryID = entryID
	rec.UpdatedAt = m.now()
	m.records[res.Ref] = rec
	m.undo(ctx, res.Ref, prev, true)
	return nil
}

func (m *Memory) Release(ctx context.Context, res Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.records[res.Ref]
	if !ok || prev.Token != res.Token || prev.Status != StatusReserved {
		return ErrReservationLost
	}

	now := m.now()
	rec := prev
	rec.Status = StatusFailed
	rec.ReservedUntil = now
	rec.UpdatedAt = now
	m.records[res.Ref] = rec
	m.undo(ctx, res.Ref, prev, true)
	return nil
}

// Get returns the stored record for ref.
func (m *Memory) Get(ref string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[ref]
	return rec, ok
}

// undo must be called with m.mu held; the closure runs after the lock is released.
func (m *Memory) undo(ctx context.Context, ref string, prev Record, existed bool) {
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if existed {
			m.records[ref] = prev
			return
		}
		delete(m.records, ref)
	})
}
