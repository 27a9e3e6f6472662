package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/degentalk/dgt-wallet/internal/txn"
)

type inMemoryRepository struct {
	mu       sync.RWMutex
	accounts map[string]Account
	entries  []Entry
	byUser   map[string][]int
	byRef    map[string]int
}

// NewInMemory creates a concurrency-safe in-memory repository for tests and
// development. Pair it with txn.Memory so failed transactions are undone.
func NewInMemory() Repository {
	return &inMemoryRepository{
		accounts: make(map[string]Account),
		byUser:   make(map[string][]int),
		byRef:    make(map[string]int),
	}
}

func (r *inMemoryRepository) EnsureAccount(ctx context.Context, userID string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.accounts[userID]; exists {
		return false, nil
	}
	r.accounts[userID] = Account{UserID: userID, CreatedAt: now, UpdatedAt: now}
	txn.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.accounts, userID)
	})
	return true, nil
}

// LockAccount relies on txn.Memory serializing writers.
func (r *inMemoryRepository) LockAccount(_ context.Context, userID string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acct, ok := r.accounts[userID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acct, nil
}

func (r *inMemoryRepository) AppendEntry(ctx context.Context, entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.ExternalRef != "" {
		if _, exists := r.byRef[entry.ExternalRef]; exists {
			return ErrDuplicateRef
		}
	}

	idx := len(r.entries)
	r.entries = append(r.entries, entry)
	r.byUser[entry.UserID] = append(r.byUser[entry.UserID], idx)
	if entry.ExternalRef != "" {
		r.byRef[entry.ExternalRef] = idx
	}

	txn.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.entries = r.entries[:idx]
		list := r.byUser[entry.UserID]
		r.byUser[entry.UserID] = list[:len(list)-1]
		if entry.ExternalRef != "" {
			delete(r.byRef, entry.ExternalRef)
		}
	})
	return nil
}

func (r *inMemoryRepository) SetBalance(ctx context.Context, userID string, balance int64, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.accounts[userID]
	if !ok {
		return ErrAccountNotFound
	}
	next := prev
	next.Balance = balance
	next.UpdatedAt = now
	r.accounts[userID] = next
	txn.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.accounts[userID] = prev
	})
	return nil
}

func (r *inMemoryRepository) Account(_ context.Context, userID string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acct, ok := r.accounts[userID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acct, nil
}

func (r *inMemoryRepository) SumEntries(_ context.Context, userID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sum int64
	for _, idx := range r.byUser[userID] {
		sum += r.entries[idx].Signed()
	}
	return sum, nil
}

func (r *inMemoryRepository) Entries(_ context.Context, userID string, page Page) ([]Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.byUser[userID]
	end := len(list)
	if page.Before != "" {
		end = 0
		for i, idx := range list {
			if r.entries[idx].ID == page.Before {
				end = i
				break
			}
		}
	}

	out := make([]Entry, 0, page.Limit)
	for i := end - 1; i >= 0 && len(out) < page.Limit; i-- {
		out = append(out, r.entries[list[i]])
	}
	return out, nil
}

func (r *inMemoryRepository) EntryByRef(_ context.Context, ref string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byRef[ref]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return r.entries[idx], nil
}

func (r *inMemoryRepository) AccountIDs(_ context.Context, after string, limit int) ([]string, error) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.accounts))
	for id := range r.accounts {
		if id > after {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}
