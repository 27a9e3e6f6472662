package txn

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryRollsBackOnError(t *testing.T) {
	tr := NewMemory()
	ctx := context.Background()
	state := map[string]int{"a": 1}

	boom := errors.New("boom")
	err := tr.InTx(ctx, func(ctx context.Context) error {
		prev := state["a"]
		state["a"] = 5
		OnRollback(ctx, func() { state["a"] = prev })

		state["b"] = 7
		OnRollback(ctx, func() { delete(state, "b") })
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if state["a"] != 1 {
		t.Fatalf("expected a restored to 1, got %d", state["a"])
	}
	if _, ok := state["b"]; ok {
		t.Fatal("expected b removed on rollback")
	}
}

func TestMemoryNestedJoinsOuter(t *testing.T) {
	tr := NewMemory()
	ctx := context.Background()
	written := false

	err := tr.InTx(ctx, func(ctx context.Context) error {
		if err := tr.InTx(ctx, func(ctx context.Context) error {
			written = true
			OnRollback(ctx, func() { written = false })
			return nil
		}); err != nil {
			return err
		}
		return errors.New("outer failure")
	})
	if err == nil {
		t.Fatal("expected outer failure")
	}
	if written {
		t.Fatal("inner write should roll back with the outer transaction")
	}
}

func TestMemoryRollsBackOnPanic(t *testing.T) {
	tr := NewMemory()
	value := 0

	func() {
		defer func() { _ = recover() }()
		_ = tr.InTx(context.Background(), func(ctx context.Context) error {
			value = 9
			OnRollback(ctx, func() { value = 0 })
			panic("boom")
		})
	}()

	if value != 0 {
		t.Fatalf("expected rollback after panic, got %d", value)
	}
	// the lock must have been released
	if err := tr.InTx(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("second tx: %v", err)
	}
}

func TestOnRollbackOutsideTxIsNoop(t *testing.T) {
	called := false
	OnRollback(context.Background(), func() { called = true })
	if called || InMemoryTx(context.Background()) {
		t.Fatal("expected no transaction outside InTx")
	}
}
