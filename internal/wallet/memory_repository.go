package wallet

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/degentalk/dgt-wallet/internal/txn"
)

type memoryRepository struct {
	mu          sync.RWMutex
	withdrawals map[string]Withdrawal
}

// NewMemoryRepository constructs an in-memory withdrawal repository for tests
// and development.
func NewMemoryRepository() WithdrawalRepository {
	return &memoryRepository{withdrawals: make(map[string]Withdrawal)}
}

func (r *memoryRepository) Create(ctx context.Context, w Withdrawal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.withdrawals[w.ID]; exists {
		return errors.New("withdrawal exists")
	}
	r.withdrawals[w.ID] = w
	txn.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.withdrawals, w.ID)
	})
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Withdrawal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.withdrawals[id]
	if !ok {
		return Withdrawal{}, ErrWithdrawalNotFound
	}
	return w, nil
}

func (r *memoryRepository) Update(ctx context.Context, w Withdrawal, from WithdrawalStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.withdrawals[w.ID]
	if !ok || prev.Status != from {
		return ErrInvalidTransition
	}
	next := prev
	next.Status = w.Status
	next.ProviderRef = w.ProviderRef
	next.FailureReason = w.FailureReason
	next.ReversalEntryID = w.ReversalEntryID
	next.UpdatedAt = w.UpdatedAt
	r.withdrawals[w.ID] = next
	txn.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.withdrawals[w.ID] = prev
	})
	return nil
}

func (r *memoryRepository) Stale(_ context.Context, status WithdrawalStatus, before time.Time, limit int) ([]Withdrawal, error) {
	r.mu.RLock()
	var out []Withdrawal
	for _, w := range r.withdrawals {
		if w.Status == status && w.UpdatedAt.Before(before) {
			out = append(out, w)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memoryAddresses struct {
	mu        sync.RWMutex
	addresses map[string]DepositAddress
}

// NewMemoryAddresses constructs an in-memory deposit address repository.
func NewMemoryAddresses() AddressRepository {
	return &memoryAddresses{addresses: make(map[string]DepositAddress)}
}

func addressKey(userID, currency, chain string) string {
	return userID + "|" + currency + "|" + chain
}

func (r *memoryAddresses) Find(_ context.Context, userID, currency, chain string) (DepositAddress, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.addresses[addressKey(userID, currency, chain)]
	if !ok {
		return DepositAddress{}, ErrAddressNotFound
	}
	return a, nil
}

func (r *memoryAddresses) Save(ctx context.Context, a DepositAddress) (DepositAddress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := addressKey(a.UserID, a.Currency, a.Chain)
	if existing, ok := r.addresses[key]; ok {
		return existing, nil
	}
	r.addresses[key] = a
	txn.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.addresses, key)
	})
	return a, nil
}
