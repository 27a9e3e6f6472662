package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/degentalk/dgt-wallet/internal/idempotency"
	"github.com/degentalk/dgt-wallet/internal/txn"
)

func newTestCore(t *testing.T) (*Core, Repository) {
	t.Helper()
	repo := NewInMemory()
	return NewCore(repo, idempotency.NewMemory(time.Minute), txn.NewMemory(), nil), repo
}

func mustCredit(t *testing.T, c *Core, userID string, amount int64, ref string) Entry {
	t.Helper()
	e, err := c.Credit(context.Background(), Posting{UserID: userID, Amount: amount, Reason: ReasonDeposit, ExternalRef: ref})
	if err != nil {
		t.Fatalf("credit %s: %v", userID, err)
	}
	return e
}

func TestCreditDebitUpdatesBalance(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()

	mustCredit(t, core, "u1", 1_000, "dep-1")
	if _, err := core.Debit(ctx, Posting{UserID: "u1", Amount: 400, Reason: ReasonPurchase}); err != nil {
		t.Fatalf("debit: %v", err)
	}

	bal, err := core.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 600 {
		t.Fatalf("expected 600, got %d", bal)
	}

	entries, err := core.Entries(ctx, "u1", Page{})
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 || entries[0].Direction != DirectionDebit || entries[1].Direction != DirectionCredit {
		t.Fatalf("expected debit then credit newest first, got %+v", entries)
	}
}

func TestBalanceOfUnknownUserIsZero(t *testing.T) {
	core, _ := newTestCore(t)
	bal, err := core.Balance(context.Background(), "ghost")
	if err != nil || bal != 0 {
		t.Fatalf("expected zero balance, got %d err=%v", bal, err)
	}
}

func TestEnsureAccountIsIdempotent(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()

	created, err := core.EnsureAccount(ctx, "u1")
	if err != nil || !created {
		t.Fatalf("first ensure: created=%v err=%v", created, err)
	}
	created, err = core.EnsureAccount(ctx, "u1")
	if err != nil || created {
		t.Fatalf("second ensure: created=%v err=%v", created, err)
	}
	if _, err := core.EnsureAccount(ctx, ""); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("expected ErrInvalidUser, got %v", err)
	}
}

func TestPostingValidation(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		p    Posting
		want error
	}{
		{"zero amount", Posting{UserID: "u1", Amount: 0, Reason: ReasonDeposit}, ErrInvalidAmount},
		{"negative amount", Posting{UserID: "u1", Amount: -5, Reason: ReasonDeposit}, ErrInvalidAmount},
		{"unknown reason", Posting{UserID: "u1", Amount: 5, Reason: "bribe"}, ErrInvalidReason},
		{"missing user", Posting{Amount: 5, Reason: ReasonDeposit}, ErrInvalidUser},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := core.Credit(ctx, tc.p); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestDebitRejectsOverdraw(t *testing.T) {
	core, repo := newTestCore(t)
	ctx := context.Background()
	mustCredit(t, core, "u1", 100, "")

	_, err := core.Debit(ctx, Posting{UserID: "u1", Amount: 101, Reason: ReasonWithdrawal, ExternalRef: "wd-1"})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	bal, _ := core.Balance(ctx, "u1")
	if bal != 100 {
		t.Fatalf("balance changed after rejected debit: %d", bal)
	}
	if _, err := repo.EntryByRef(ctx, "wd-1"); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("rejected debit left an entry: %v", err)
	}

	// The ref was rolled back with the transaction and can be reused.
	mustCredit(t, core, "u1", 1, "")
	if _, err := core.Debit(ctx, Posting{UserID: "u1", Amount: 101, Reason: ReasonWithdrawal, ExternalRef: "wd-1"}); err != nil {
		t.Fatalf("retry with same ref: %v", err)
	}
}

func TestCreditRejectsOverflow(t *testing.T) {
	core, _ := newTestCore(t)
	mustCredit(t, core, "u1", math.MaxInt64, "")

	_, err := core.Credit(context.Background(), Posting{UserID: "u1", Amount: 1, Reason: ReasonReward})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount on overflow, got %v", err)
	}
}

func TestDuplicateRefIsRejected(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()
	first := mustCredit(t, core, "u1", 500, "ccpayment:rec-1")

	_, err := core.Credit(ctx, Posting{UserID: "u1", Amount: 500, Reason: ReasonDeposit, ExternalRef: "ccpayment:rec-1"})
	if !errors.Is(err, ErrDuplicateRef) {
		t.Fatalf("expected ErrDuplicateRef, got %v", err)
	}

	bal, _ := core.Balance(ctx, "u1")
	if bal != 500 {
		t.Fatalf("duplicate changed balance: %d", bal)
	}
	got, err := core.EntryByRef(ctx, "ccpayment:rec-1")
	if err != nil || got.ID != first.ID {
		t.Fatalf("expected original entry, got %+v err=%v", got, err)
	}
}

func TestConcurrentDuplicateRefAppliesOnce(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()

	const workers = 32
	var (
		wg   sync.WaitGroup
		ok   atomic.Int32
		dups atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := core.Credit(ctx, Posting{UserID: "u1", Amount: 250, Reason: ReasonDeposit, ExternalRef: "same"})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrDuplicateRef):
				dups.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 || dups.Load() != workers-1 {
		t.Fatalf("expected 1 success and %d duplicates, got %d/%d", workers-1, ok.Load(), dups.Load())
	}
	bal, _ := core.Balance(ctx, "u1")
	if bal != 250 {
		t.Fatalf("expected 250, got %d", bal)
	}
}

func TestTransferMovesFunds(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()
	mustCredit(t, core, "alice", 10_000, "")

	res, err := core.Transfer(ctx, TransferInput{FromUserID: "alice", ToUserID: "bob", Amount: 1_500, ExternalRef: "t-1"})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.FromBalance != 8_500 || res.ToBalance != 1_500 {
		t.Fatalf("unexpected balances %d/%d", res.FromBalance, res.ToBalance)
	}
	if res.Debit.Reason != ReasonTransferOut || res.Credit.Reason != ReasonTransferIn {
		t.Fatalf("unexpected reasons %s/%s", res.Debit.Reason, res.Credit.Reason)
	}
	if res.Credit.ExternalRef != "t-1"+CreditLegSuffix {
		t.Fatalf("unexpected credit ref %q", res.Credit.ExternalRef)
	}

	if _, err := core.Transfer(ctx, TransferInput{FromUserID: "alice", ToUserID: "bob", Amount: 1_500, ExternalRef: "t-1"}); !errors.Is(err, ErrDuplicateRef) {
		t.Fatalf("expected ErrDuplicateRef, got %v", err)
	}
}

func TestTransferKeepsTipReasonOnBothLegs(t *testing.T) {
	core, _ := newTestCore(t)
	mustCredit(t, core, "alice", 100, "")

	res, err := core.Transfer(context.Background(), TransferInput{FromUserID: "alice", ToUserID: "bob", Amount: 10, Reason: ReasonTip, ExternalRef: "tip:p1:alice"})
	if err != nil {
		t.Fatalf("tip: %v", err)
	}
	if res.Debit.Reason != ReasonTip || res.Credit.Reason != ReasonTip {
		t.Fatalf("expected tip on both legs, got %s/%s", res.Debit.Reason, res.Credit.Reason)
	}
}

func TestTransferRejections(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()
	mustCredit(t, core, "alice", 100, "")

	if _, err := core.Transfer(ctx, TransferInput{FromUserID: "alice", ToUserID: "alice", Amount: 10}); !errors.Is(err, ErrSelfTransferNotAllowed) {
		t.Fatalf("expected ErrSelfTransferNotAllowed, got %v", err)
	}
	if _, err := core.Transfer(ctx, TransferInput{FromUserID: "alice", ToUserID: "bob", Amount: 101}); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if _, err := core.Transfer(ctx, TransferInput{FromUserID: "alice", ToUserID: "bob", Amount: 0}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	bob, _ := core.Balance(ctx, "bob")
	alice, _ := core.Balance(ctx, "alice")
	if alice != 100 || bob != 0 {
		t.Fatalf("rejected transfers changed balances: alice=%d bob=%d", alice, bob)
	}
}

func TestConcurrentTransfersConserveTotal(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()
	users := []string{"a", "b", "c", "d"}
	for _, u := range users {
		mustCredit(t, core, u, 10_000, "")
	}

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from := users[i%len(users)]
			to := users[(i+1+i/len(users))%len(users)]
			if from == to {
				to = users[(i+2)%len(users)]
			}
			_, err := core.Transfer(ctx, TransferInput{FromUserID: from, ToUserID: to, Amount: int64(1 + i%300), ExternalRef: fmt.Sprintf("x-%d", i)})
			if err != nil && !errors.Is(err, ErrInsufficientBalance) {
				t.Errorf("transfer %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	var total int64
	for _, u := range users {
		bal, _ := core.Balance(ctx, u)
		if bal < 0 {
			t.Fatalf("negative balance for %s: %d", u, bal)
		}
		total += bal
	}
	if total != 40_000 {
		t.Fatalf("transfers did not conserve value: total=%d", total)
	}
}

func TestReplayMatchesMaterializedBalance(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	users := []string{"u1", "u2", "u3"}

	for i := 0; i < 500; i++ {
		u := users[rng.Intn(len(users))]
		amount := int64(rng.Intn(1_000) + 1)
		var err error
		switch rng.Intn(3) {
		case 0:
			_, err = core.Credit(ctx, Posting{UserID: u, Amount: amount, Reason: ReasonDeposit})
		case 1:
			_, err = core.Debit(ctx, Posting{UserID: u, Amount: amount, Reason: ReasonPurchase})
		default:
			to := users[(rng.Intn(len(users)-1)+1+indexOf(users, u))%len(users)]
			_, err = core.Transfer(ctx, TransferInput{FromUserID: u, ToUserID: to, Amount: amount})
		}
		if err != nil && !errors.Is(err, ErrInsufficientBalance) {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	for _, u := range users {
		bal, _ := core.Balance(ctx, u)
		replayed, err := core.Replay(ctx, u)
		if err != nil {
			t.Fatalf("replay %s: %v", u, err)
		}
		if bal != replayed {
			t.Fatalf("replay mismatch for %s: materialized=%d replayed=%d", u, bal, replayed)
		}
	}
}

func TestEntriesPaginatesWithCursor(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, mustCredit(t, core, "u1", int64(i+1), "").ID)
	}

	first, _ := core.Entries(ctx, "u1", Page{Limit: 2})
	if len(first) != 2 || first[0].ID != ids[4] || first[1].ID != ids[3] {
		t.Fatalf("unexpected first page %+v", first)
	}
	next, _ := core.Entries(ctx, "u1", Page{Limit: 2, Before: first[1].ID})
	if len(next) != 2 || next[0].ID != ids[2] || next[1].ID != ids[1] {
		t.Fatalf("unexpected second page %+v", next)
	}
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

func TestTransferRefDoesNotCollideWithPostingRefs(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()
	mustCredit(t, core, "alice", 1_000, "")
	mustCredit(t, core, "bob", 10, "x:credit")

	res, err := core.Transfer(ctx, TransferInput{FromUserID: "alice", ToUserID: "bob", Amount: 100, ExternalRef: "x"})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got, err := core.EntryByRef(ctx, "x"+CreditLegSuffix); err != nil || got.ID != res.Credit.ID {
		t.Fatalf("credit leg lookup: %+v err=%v", got, err)
	}

	_, err = core.Credit(ctx, Posting{UserID: "bob", Amount: 1, Reason: ReasonReward, ExternalRef: "y" + CreditLegSuffix})
	if !errors.Is(err, ErrInvalidRef) {
		t.Fatalf("expected ErrInvalidRef for reserved suffix, got %v", err)
	}
	_, err = core.Transfer(ctx, TransferInput{FromUserID: "alice", ToUserID: "bob", Amount: 1, ExternalRef: "y" + CreditLegSuffix})
	if !errors.Is(err, ErrInvalidRef) {
		t.Fatalf("expected ErrInvalidRef on transfer, got %v", err)
	}
	if bal, _ := core.Balance(ctx, "bob"); bal != 110 {
		t.Fatalf("unexpected bob balance %d", bal)
	}
}
