package wallet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/degentalk/dgt-wallet/internal/feature"
	"github.com/degentalk/dgt-wallet/internal/idempotency"
	"github.com/degentalk/dgt-wallet/internal/ledger"
	"github.com/degentalk/dgt-wallet/internal/logging"
	"github.com/degentalk/dgt-wallet/internal/notification"
	"github.com/degentalk/dgt-wallet/internal/provider"
	"github.com/degentalk/dgt-wallet/internal/txn"
)

const testSecret = "whsec-test"

type fixture struct {
	svc         *Service
	core        *ledger.Core
	withdrawals WithdrawalRepository
	static      provider.Static
	deliveries  *idempotency.Memory
	sent        *recordingNotifier
}

type recordingNotifier struct {
	messages []notification.Message
}

func (r *recordingNotifier) Send(_ context.Context, m notification.Message) error {
	r.messages = append(r.messages, m)
	return nil
}

func (r *recordingNotifier) kinds() []string {
	out := make([]string, 0, len(r.messages))
	for _, m := range r.messages {
		out = append(out, m.Kind)
	}
	return out
}

// flakyAdapter fails every payout with err.
type flakyAdapter struct {
	provider.Static
	err error
}

func (f flakyAdapter) RequestPayout(context.Context, provider.PayoutRequest) (provider.PayoutResult, error) {
	return provider.PayoutResult{}, f.err
}

func testSettings() Settings {
	return Settings{
		MinWithdrawal: 100,
		MaxWithdrawal: 100_000,
		Provider:      "static",
		Currencies: map[string]Currency{
			"USDT": {Symbol: "USDT", Chains: []string{"TRX", "ETH"}, Rate: decimal.NewFromInt(100)},
		},
		WithdrawalTimeout: 24 * time.Hour,
	}
}

func newFixture(t *testing.T, adapter provider.Adapter, mutate func(*Settings)) *fixture {
	t.Helper()
	tx := txn.NewMemory()
	core := ledger.NewCore(ledger.NewInMemory(), idempotency.NewMemory(time.Minute), tx, logging.Discard())
	withdrawals := NewMemoryRepository()
	settings := testSettings()
	if mutate != nil {
		mutate(&settings)
	}
	static := provider.Static{Secret: testSecret}
	if adapter == nil {
		adapter = static
	}
	sent := &recordingNotifier{}
	deliveries := idempotency.NewMemory(time.Minute)
	svc := NewService(Deps{
		Ledger:      core,
		Tx:          tx,
		Withdrawals: withdrawals,
		Addresses:   NewMemoryAddresses(),
		Gate:        feature.NewGate(feature.DefaultRules()),
		Providers:   provider.NewRegistry(adapter),
		Deliveries:  deliveries,
		Notifier:    sent,
		Logger:      logging.Discard(),
	}, settings)
	return &fixture{svc: svc, core: core, withdrawals: withdrawals, static: static, deliveries: deliveries, sent: sent}
}

var trusted = feature.Subject{UserID: "u1", Level: 3}

func (f *fixture) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := f.core.Credit(context.Background(), ledger.Posting{
		UserID: userID, Amount: amount, Reason: ledger.ReasonDeposit, ExternalRef: "seed:" + userID,
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	b, err := f.svc.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func TestInitializeWalletCreditsWelcomeBonusOnce(t *testing.T) {
	f := newFixture(t, nil, func(s *Settings) { s.WelcomeBonus = 250 })
	ctx := context.Background()

	first, err := f.svc.InitializeWallet(ctx, "u1")
	require.NoError(t, err)
	require.True(t, first.Created)
	require.True(t, first.BonusCredited)
	require.EqualValues(t, 250, first.Balance)

	second, err := f.svc.InitializeWallet(ctx, "u1")
	require.NoError(t, err)
	require.False(t, second.Created)
	require.False(t, second.BonusCredited)
	require.EqualValues(t, 250, second.Balance)

	entries, err := f.svc.History(ctx, "u1", ledger.Page{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, ledger.ReasonReward, entries[0].Reason)
	require.Equal(t, "welcome:u1", entries[0].ExternalRef)
}

func TestInitializeWalletWithoutBonus(t *testing.T) {
	f := newFixture(t, nil, nil)
	res, err := f.svc.InitializeWallet(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, res.Created)
	require.False(t, res.BonusCredited)
	require.Zero(t, res.Balance)
}

func TestWithdrawalCompletesThroughWebhook(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	body := []byte(`{"type":"deposit","recordId":"tx1","userId":"u1","currency":"USDT","chain":"TRX","amount":"10"}`)
	res, err := f.svc.ProcessWebhook(ctx, "static", signed(f.static, body), body)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)
	require.EqualValues(t, 1000, f.balance(t, "u1"))

	res, err = f.svc.ProcessWebhook(ctx, "static", signed(f.static, body), body)
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, res.Outcome)
	require.EqualValues(t, 1000, f.balance(t, "u1"))

	w, err := f.svc.RequestWithdrawal(ctx, trusted, WithdrawalInput{
		Amount: 400, Currency: "USDT", Chain: "TRX", Address: "TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE",
	})
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, w.Status)
	require.NotEmpty(t, w.ProviderRef)
	require.NotEmpty(t, w.DebitEntryID)
	require.EqualValues(t, 600, f.balance(t, "u1"))

	done := []byte(`{"type":"withdrawal","recordId":"r-1","withdrawalId":"` + w.ID + `","status":"completed"}`)
	res, err = f.svc.ProcessWebhook(ctx, "static", signed(f.static, done), done)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)

	got, err := f.svc.Withdrawal(ctx, trusted, w.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.EqualValues(t, 600, f.balance(t, "u1"))

	replayed, err := f.svc.ProcessWebhook(ctx, "static", signed(f.static, done), done)
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, replayed.Outcome)
	require.Equal(t, []string{notification.KindDepositCredited, notification.KindWithdrawalCompleted}, f.sent.kinds())
}

func TestRejectedPayoutIsReversed(t *testing.T) {
	f := newFixture(t, provider.Static{Secret: testSecret, RejectPayouts: true}, nil)
	ctx := context.Background()
	f.fund(t, "u1", 1000)

	w, err := f.svc.RequestWithdrawal(ctx, trusted, WithdrawalInput{
		Amount: 400, Currency: "USDT", Chain: "TRX", Address: "TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE",
	})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, w.Status)
	require.NotEmpty(t, w.FailureReason)
	require.NotEmpty(t, w.ReversalEntryID)
	require.EqualValues(t, 1000, f.balance(t, "u1"))

	reversal, err := f.core.EntryByRef(ctx, "withdrawal-reversal:"+w.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.ReasonAdjustment, reversal.Reason)
	require.EqualValues(t, 400, reversal.Amount)

	replayed, err := f.core.Replay(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 1000, replayed)
}

func TestTransientPayoutStaysProcessing(t *testing.T) {
	transient := &provider.Error{Op: "payout", Kind: provider.ErrTransient, Status: 503}
	f := newFixture(t, flakyAdapter{Static: provider.Static{Secret: testSecret}, err: transient}, nil)
	ctx := context.Background()
	f.fund(t, "u1", 1000)

	w, err := f.svc.RequestWithdrawal(ctx, trusted, WithdrawalInput{
		Amount: 400, Currency: "USDT", Chain: "TRX", Address: "TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE",
	})
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, w.Status)
	require.EqualValues(t, 600, f.balance(t, "u1"))

	failed := []byte(`{"type":"withdrawal","recordId":"r-2","withdrawalId":"` + w.ID + `","status":"failed"}`)
	res, err := f.svc.ProcessWebhook(ctx, "static", signed(f.static, failed), failed)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)
	require.EqualValues(t, 1000, f.balance(t, "u1"))
}

func TestWithdrawalFeeIsDebited(t *testing.T) {
	f := newFixture(t, nil, func(s *Settings) {
		s.FeeFlat = 10
		s.FeeBps = 250
	})
	f.fund(t, "u1", 1000)

	w, err := f.svc.RequestWithdrawal(context.Background(), trusted, WithdrawalInput{
		Amount: 400, Currency: "USDT", Chain: "TRX", Address: "TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE",
	})
	require.NoError(t, err)
	require.EqualValues(t, 20, w.Fee)
	require.EqualValues(t, 580, f.balance(t, "u1"))
}

func TestWithdrawalRejections(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.fund(t, "u1", 1000)
	valid := WithdrawalInput{Amount: 400, Currency: "USDT", Chain: "TRX", Address: "TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE"}

	cases := []struct {
		name    string
		subject feature.Subject
		mutate  func(*WithdrawalInput)
		want    error
	}{
		{"level too low", feature.Subject{UserID: "u1"}, nil, ErrFeatureNotEnabled},
		{"below minimum", trusted, func(in *WithdrawalInput) { in.Amount = 50 }, ErrAmountOutOfRange},
		{"above maximum", trusted, func(in *WithdrawalInput) { in.Amount = 100_001 }, ErrAmountOutOfRange},
		{"zero", trusted, func(in *WithdrawalInput) { in.Amount = 0 }, ledger.ErrInvalidAmount},
		{"unknown currency", trusted, func(in *WithdrawalInput) { in.Currency = "DOGE" }, ErrUnsupportedCurrency},
		{"unknown chain", trusted, func(in *WithdrawalInput) { in.Chain = "SOL" }, ErrUnsupportedCurrency},
		{"bad address", trusted, func(in *WithdrawalInput) { in.Address = "short" }, ErrInvalidAddress},
		{"overdraw", trusted, func(in *WithdrawalInput) { in.Amount = 5000 }, ledger.ErrInsufficientBalance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := valid
			if tc.mutate != nil {
				tc.mutate(&in)
			}
			_, err := f.svc.RequestWithdrawal(context.Background(), tc.subject, in)
			require.ErrorIs(t, err, tc.want)
		})
	}
	require.EqualValues(t, 1000, f.balance(t, "u1"))
}

func TestWithdrawalIsOwnerScoped(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.fund(t, "u1", 1000)
	w, err := f.svc.RequestWithdrawal(context.Background(), trusted, WithdrawalInput{
		Amount: 400, Currency: "USDT", Chain: "TRX", Address: "TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE",
	})
	require.NoError(t, err)

	_, err = f.svc.Withdrawal(context.Background(), feature.Subject{UserID: "u2"}, w.ID)
	require.ErrorIs(t, err, ErrWithdrawalNotFound)
}

func TestExpireStaleWithdrawals(t *testing.T) {
	transient := &provider.Error{Op: "payout", Kind: provider.ErrTransient}
	f := newFixture(t, flakyAdapter{Static: provider.Static{Secret: testSecret}, err: transient}, nil)
	ctx := context.Background()
	f.fund(t, "u1", 1000)

	w, err := f.svc.RequestWithdrawal(ctx, trusted, WithdrawalInput{
		Amount: 400, Currency: "USDT", Chain: "TRX", Address: "TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE",
	})
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, w.Status)

	n, err := f.svc.ExpireStaleWithdrawals(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	later := time.Now().UTC().Add(25 * time.Hour)
	f.svc.now = func() time.Time { return later }

	n, err = f.svc.ExpireStaleWithdrawals(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.withdrawals.Get(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.EqualValues(t, 1000, f.balance(t, "u1"))

	n, err = f.svc.ExpireStaleWithdrawals(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestTransferAndTip(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	f.fund(t, "u1", 1000)

	res, err := f.svc.TransferDgt(ctx, trusted, TransferInput{ToUserID: "u2", Amount: 300, Kind: KindTransfer, ExternalRef: "transfer:u1:k1"})
	require.NoError(t, err)
	require.EqualValues(t, 700, res.FromBalance)
	require.EqualValues(t, 300, res.ToBalance)

	_, err = f.svc.TransferDgt(ctx, trusted, TransferInput{ToUserID: "u2", Amount: 300, Kind: KindTransfer, ExternalRef: "transfer:u1:k1"})
	require.ErrorIs(t, err, ledger.ErrDuplicateRef)

	tip, err := f.svc.TransferDgt(ctx, trusted, TransferInput{ToUserID: "u3", Amount: 50, Kind: KindTip, PostID: "p9"})
	require.NoError(t, err)
	require.Equal(t, "tip:p9:u1", tip.Debit.ExternalRef)
	require.Equal(t, ledger.ReasonTip, tip.Debit.Reason)
	require.Equal(t, ledger.ReasonTip, tip.Credit.Reason)

	_, err = f.svc.TransferDgt(ctx, trusted, TransferInput{ToUserID: "u3", Amount: 50, Kind: KindTip, PostID: "p9"})
	require.ErrorIs(t, err, ledger.ErrDuplicateRef)

	_, err = f.svc.TransferDgt(ctx, trusted, TransferInput{ToUserID: "u3", Amount: 50, Kind: KindTip})
	require.ErrorIs(t, err, ErrMissingPostID)

	_, err = f.svc.TransferDgt(ctx, trusted, TransferInput{ToUserID: "u1", Amount: 50, Kind: KindTransfer})
	require.ErrorIs(t, err, ErrSelfTransferNotAllowed)

	require.EqualValues(t, 650, f.balance(t, "u1"))
	require.Equal(t, []string{notification.KindTransferReceived, notification.KindTransferReceived}, f.sent.kinds())
}

func TestTransferGate(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.svc.gate = feature.NewGate(map[string]feature.Rule{feature.Transfers: {Enabled: false}})
	f.fund(t, "u1", 1000)

	_, err := f.svc.TransferDgt(context.Background(), trusted, TransferInput{ToUserID: "u2", Amount: 10, Kind: KindTransfer})
	require.ErrorIs(t, err, ErrFeatureNotEnabled)

	_, err = f.svc.TransferDgt(context.Background(), trusted, TransferInput{ToUserID: "u2", Amount: 10, Kind: KindTip, PostID: "p1"})
	require.ErrorIs(t, err, ErrFeatureNotEnabled)
	require.EqualValues(t, 1000, f.balance(t, "u1"))
}

func TestDepositAddressIsReused(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	first, err := f.svc.DepositAddress(ctx, trusted, "USDT", "TRX")
	require.NoError(t, err)
	require.NotEmpty(t, first.Address)
	require.Equal(t, "static", first.Provider)

	second, err := f.svc.DepositAddress(ctx, trusted, "USDT", "TRX")
	require.NoError(t, err)
	require.Equal(t, first, second)

	_, err = f.svc.DepositAddress(ctx, trusted, "USDT", "SOL")
	require.ErrorIs(t, err, ErrUnsupportedCurrency)
}

func TestUnknownProvider(t *testing.T) {
	f := newFixture(t, nil, func(s *Settings) { s.Provider = "ccpayment" })
	_, err := f.svc.DepositAddress(context.Background(), trusted, "USDT", "TRX")
	require.True(t, errors.Is(err, ErrUnknownProvider))
}

// interleavedWithdrawals runs a hook once, right after the wrapped read, to
// let another writer settle a request between read and update.
type interleavedWithdrawals struct {
	WithdrawalRepository
	afterStale func([]Withdrawal)
	afterGet   func(Withdrawal)
}

func (r *interleavedWithdrawals) Stale(ctx context.Context, status WithdrawalStatus, before time.Time, limit int) ([]Withdrawal, error) {
	list, err := r.WithdrawalRepository.Stale(ctx, status, before, limit)
	if hook := r.afterStale; hook != nil && err == nil && len(list) > 0 {
		r.afterStale = nil
		hook(list)
	}
	return list, err
}

func (r *interleavedWithdrawals) Get(ctx context.Context, id string) (Withdrawal, error) {
	w, err := r.WithdrawalRepository.Get(ctx, id)
	if hook := r.afterGet; hook != nil && err == nil {
		r.afterGet = nil
		hook(w)
	}
	return w, err
}

func (f *fixture) stuckWithdrawal(t *testing.T, amount int64) Withdrawal {
	t.Helper()
	w, err := f.svc.RequestWithdrawal(context.Background(), trusted, WithdrawalInput{
		Amount: amount, Currency: "USDT", Chain: "TRX", Address: "TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE",
	})
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, w.Status)
	return w
}

func TestSweepSkipsWithdrawalFailedConcurrently(t *testing.T) {
	transient := &provider.Error{Op: "payout", Kind: provider.ErrTransient}
	f := newFixture(t, flakyAdapter{Static: provider.Static{Secret: testSecret}, err: transient}, nil)
	ctx := context.Background()
	f.fund(t, "u1", 1000)

	w1 := f.stuckWithdrawal(t, 200)
	w2 := f.stuckWithdrawal(t, 300)

	repo := &interleavedWithdrawals{WithdrawalRepository: f.withdrawals}
	repo.afterStale = func(list []Withdrawal) {
		require.Len(t, list, 2)
		_, err := f.svc.fail(ctx, w1, "rejected by provider")
		require.NoError(t, err)
	}
	f.svc.withdrawals = repo
	later := time.Now().UTC().Add(25 * time.Hour)
	f.svc.now = func() time.Time { return later }

	n, err := f.svc.ExpireStaleWithdrawals(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	for _, id := range []string{w1.ID, w2.ID} {
		got, err := f.withdrawals.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, StatusFailed, got.Status)
	}
	require.EqualValues(t, 1000, f.balance(t, "u1"))
}

func TestFailOnStaleSnapshotIsInvalidTransition(t *testing.T) {
	transient := &provider.Error{Op: "payout", Kind: provider.ErrTransient}
	f := newFixture(t, flakyAdapter{Static: provider.Static{Secret: testSecret}, err: transient}, nil)
	ctx := context.Background()
	f.fund(t, "u1", 1000)

	w := f.stuckWithdrawal(t, 400)
	_, err := f.svc.fail(ctx, w, "timed out")
	require.NoError(t, err)

	_, err = f.svc.fail(ctx, w, "timed out")
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.EqualValues(t, 1000, f.balance(t, "u1"))
}
