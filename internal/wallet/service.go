package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/degentalk/dgt-wallet/internal/feature"
	"github.com/degentalk/dgt-wallet/internal/idempotency"
	"github.com/degentalk/dgt-wallet/internal/ledger"
	"github.com/degentalk/dgt-wallet/internal/logging"
	"github.com/degentalk/dgt-wallet/internal/metrics"
	"github.com/degentalk/dgt-wallet/internal/notification"
	"github.com/degentalk/dgt-wallet/internal/provider"
	"github.com/degentalk/dgt-wallet/internal/txn"
)

// Deps are the collaborators of the Service.
type Deps struct {
	Ledger      *ledger.Core
	Tx          txn.Transactor
	Withdrawals WithdrawalRepository
	Addresses   AddressRepository
	Gate        *feature.Gate
	Providers   provider.Registry
	// Deliveries guards webhook deliveries across instances.
	Deliveries idempotency.Store
	Notifier   notification.Notifier
	Logger     *slog.Logger
}

// Service sequences the feature gate, the provider adapter and the ledger.
type Service struct {
	ledger      *ledger.Core
	tx          txn.Transactor
	withdrawals WithdrawalRepository
	addresses   AddressRepository
	gate        *feature.Gate
	providers   provider.Registry
	deliveries  idempotency.Store
	notifier    notification.Notifier
	logger      *slog.Logger
	settings    Settings
	now         func() time.Time
}

// NewService builds the wallet orchestrator.
func NewService(deps Deps, settings Settings) *Service {
	if settings.WithdrawalTimeout <= 0 {
		settings.WithdrawalTimeout = 24 * time.Hour
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		ledger:      deps.Ledger,
		tx:          deps.Tx,
		withdrawals: deps.Withdrawals,
		addresses:   deps.Addresses,
		gate:        deps.Gate,
		providers:   deps.Providers,
		deliveries:  deps.Deliveries,
		notifier:    deps.Notifier,
		logger:      logger,
		settings:    settings,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// InitResult reports what InitializeWallet did.
type InitResult struct {
	Created       bool  `json:"created"`
	BonusCredited bool  `json:"bonusCredited"`
	Balance       int64 `json:"balance"`
}

// InitializeWallet creates the user's anchor and credits the welcome bonus
// once. Safe to call on every login.
func (s *Service) InitializeWallet(ctx context.Context, userID string) (InitResult, error) {
	created, err := s.ledger.EnsureAccount(ctx, userID)
	if err != nil {
		return InitResult{}, err
	}
	res := InitResult{Created: created}

	if s.settings.WelcomeBonus > 0 {
		_, err := s.ledger.Credit(ctx, ledger.Posting{
			UserID:      userID,
			Amount:      s.settings.WelcomeBonus,
			Reason:      ledger.ReasonReward,
			ExternalRef: "welcome:" + userID,
		})
		switch {
		case err == nil:
			res.BonusCredited = true
		case errors.Is(err, ledger.ErrDuplicateRef):
		default:
			return InitResult{}, err
		}
	}

	res.Balance, err = s.ledger.Balance(ctx, userID)
	return res, err
}

// Balance returns the user's DGT balance.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	return s.ledger.Balance(ctx, userID)
}

// History returns ledger entries, newest first.
func (s *Service) History(ctx context.Context, userID string, page ledger.Page) ([]ledger.Entry, error) {
	return s.ledger.Entries(ctx, userID, page)
}

// Features evaluates every gate for the subject.
func (s *Service) Features(subject feature.Subject) []feature.Decision {
	return s.gate.All(subject)
}

// Withdrawal returns one of the subject's withdrawals.
func (s *Service) Withdrawal(ctx context.Context, subject feature.Subject, id string) (Withdrawal, error) {
	w, err := s.withdrawals.Get(ctx, id)
	if err != nil {
		return Withdrawal{}, err
	}
	if w.UserID != subject.UserID {
		return Withdrawal{}, ErrWithdrawalNotFound
	}
	return w, nil
}

// DepositAddress returns the address for (user, currency, chain), issuing one
// through the provider the first time.
func (s *Service) DepositAddress(ctx context.Context, subject feature.Subject, currency, chain string) (DepositAddress, error) {
	if err := s.allow(feature.Deposits, subject); err != nil {
		return DepositAddress{}, err
	}
	if _, err := s.currency(currency, chain); err != nil {
		return DepositAddress{}, err
	}

	existing, err := s.addresses.Find(ctx, subject.UserID, currency, chain)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrAddressNotFound) {
		return DepositAddress{}, err
	}

	adapter, err := s.adapter(s.settings.Provider)
	if err != nil {
		return DepositAddress{}, err
	}
	info, err := adapter.CreateDepositAddress(ctx, provider.AddressRequest{UserID: subject.UserID, Currency: currency, Chain: chain})
	if err != nil {
		return DepositAddress{}, err
	}
	return s.addresses.Save(ctx, DepositAddress{
		UserID:    subject.UserID,
		Currency:  currency,
		Chain:     chain,
		Address:   info.Address,
		Memo:      info.Memo,
		Provider:  adapter.Name(),
		CreatedAt: s.now(),
	})
}

// WithdrawalInput is a user's payout request.
type WithdrawalInput struct {
	Amount   int64
	Currency string
	Chain    string
	Address  string
	Memo     string
}

// RequestWithdrawal debits amount plus fee, then hands the payout to the
// provider. A rejected payout is reversed and the request is returned with
// status failed and a nil error.
func (s *Service) RequestWithdrawal(ctx context.Context, subject feature.Subject, in WithdrawalInput) (Withdrawal, error) {
	if err := s.allow(feature.Withdrawals, subject); err != nil {
		return Withdrawal{}, err
	}
	if in.Amount <= 0 {
		return Withdrawal{}, ledger.ErrInvalidAmount
	}
	if in.Amount < s.settings.MinWithdrawal || (s.settings.MaxWithdrawal > 0 && in.Amount > s.settings.MaxWithdrawal) {
		return Withdrawal{}, fmt.Errorf("%w: %d not in [%d, %d]", ErrAmountOutOfRange, in.Amount, s.settings.MinWithdrawal, s.settings.MaxWithdrawal)
	}
	cur, err := s.currency(in.Currency, in.Chain)
	if err != nil {
		return Withdrawal{}, err
	}
	coinAmount, err := toCoin(in.Amount, cur)
	if err != nil || !coinAmount.IsPositive() {
		return Withdrawal{}, fmt.Errorf("%w: amount below one coin unit", ErrAmountOutOfRange)
	}
	adapter, err := s.adapter(s.settings.Provider)
	if err != nil {
		return Withdrawal{}, err
	}
	valid, err := adapter.ValidateAddress(ctx, in.Currency, in.Chain, in.Address)
	if err != nil {
		return Withdrawal{}, err
	}
	if !valid {
		return Withdrawal{}, ErrInvalidAddress
	}

	fee := s.settings.Fee(in.Amount)
	now := s.now()
	w := Withdrawal{
		ID:        uuid.NewString(),
		UserID:    subject.UserID,
		Currency:  in.Currency,
		Chain:     in.Chain,
		Address:   in.Address,
		Memo:      in.Memo,
		Amount:    in.Amount,
		Fee:       fee,
		Status:    StatusPending,
		Provider:  adapter.Name(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if w.Total() < w.Amount {
		return Withdrawal{}, ledger.ErrInvalidAmount
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		entry, err := s.ledger.Debit(ctx, ledger.Posting{
			UserID:      w.UserID,
			Amount:      w.Total(),
			Reason:      ledger.ReasonWithdrawal,
			ExternalRef: "withdrawal:" + w.ID,
		})
		if err != nil {
			return err
		}
		w.DebitEntryID = entry.ID
		return s.withdrawals.Create(ctx, w)
	})
	if err != nil {
		return Withdrawal{}, err
	}
	metrics.RecordWithdrawalTransition(string(StatusPending))

	if w, err = s.transition(ctx, w, StatusProcessing, nil); err != nil {
		return Withdrawal{}, err
	}

	result, err := adapter.RequestPayout(ctx, provider.PayoutRequest{
		WithdrawalID: w.ID,
		UserID:       w.UserID,
		Currency:     w.Currency,
		Chain:        w.Chain,
		Address:      w.Address,
		Memo:         w.Memo,
		Amount:       coinAmount,
	})
	switch {
	case err == nil:
		return s.recordProviderRef(ctx, w, result.ProviderRef)
	case provider.IsTransient(err):
		// The payout may have been accepted; a webhook or the timeout sweep settles it.
		s.logger.Warn("payout outcome unknown",
			slog.String("withdrawal_id", w.ID), slog.Any("error", err))
		return w, nil
	default:
		s.logger.Info("payout rejected",
			slog.String("withdrawal_id", w.ID), slog.Any("error", err))
		return s.fail(ctx, w, err.Error())
	}
}

func (s *Service) recordProviderRef(ctx context.Context, w Withdrawal, ref string) (Withdrawal, error) {
	if ref == "" {
		return w, nil
	}
	next := w
	next.ProviderRef = ref
	next.UpdatedAt = s.now()
	if err := s.withdrawals.Update(ctx, next, StatusProcessing); err != nil {
		// A webhook already settled the request.
		if errors.Is(err, ErrInvalidTransition) {
			return s.withdrawals.Get(ctx, w.ID)
		}
		return Withdrawal{}, err
	}
	return next, nil
}

// transition moves w to status with compare-and-set on the stored status.
// apply, when set, runs inside the same transaction before the update.
func (s *Service) transition(ctx context.Context, w Withdrawal, to WithdrawalStatus, apply func(ctx context.Context, next *Withdrawal) error) (Withdrawal, error) {
	if !CanTransition(w.Status, to) {
		return Withdrawal{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.Status, to)
	}
	next := w
	next.Status = to
	next.UpdatedAt = s.now()

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if apply != nil {
			if err := apply(ctx, &next); err != nil {
				return err
			}
		}
		return s.withdrawals.Update(ctx, next, w.Status)
	})
	if err != nil {
		return Withdrawal{}, err
	}
	metrics.RecordWithdrawalTransition(string(to))
	return next, nil
}

// fail moves a processing withdrawal to failed and credits back the debit.
func (s *Service) fail(ctx context.Context, w Withdrawal, reason string) (Withdrawal, error) {
	failed, err := s.transition(ctx, w, StatusFailed, func(ctx context.Context, next *Withdrawal) error {
		entry, err := s.ledger.Credit(ctx, ledger.Posting{
			UserID:      w.UserID,
			Amount:      w.Total(),
			Reason:      ledger.ReasonAdjustment,
			ExternalRef: "withdrawal-reversal:" + w.ID,
		})
		if errors.Is(err, ledger.ErrDuplicateRef) {
			// The reversal ref is consumed once per withdrawal, so another
			// caller already failed it.
			return fmt.Errorf("%w: %s already reversed", ErrInvalidTransition, w.ID)
		}
		if err != nil {
			return err
		}
		next.ReversalEntryID = entry.ID
		next.FailureReason = reason
		return nil
	})
	if err != nil {
		return Withdrawal{}, err
	}
	s.notify(ctx, notification.Message{
		Kind:   notification.KindWithdrawalFailed,
		UserID: failed.UserID,
		Amount: failed.Total(),
		Ref:    failed.ID,
		Attrs:  map[string]string{"reason": reason},
	})
	return failed, nil
}

func (s *Service) complete(ctx context.Context, w Withdrawal, providerRef string) (Withdrawal, error) {
	done, err := s.transition(ctx, w, StatusCompleted, func(_ context.Context, next *Withdrawal) error {
		if providerRef != "" && next.ProviderRef == "" {
			next.ProviderRef = providerRef
		}
		return nil
	})
	if err != nil {
		return Withdrawal{}, err
	}
	s.notify(ctx, notification.Message{
		Kind:   notification.KindWithdrawalCompleted,
		UserID: done.UserID,
		Amount: done.Amount,
		Ref:    done.ID,
	})
	return done, nil
}

// TransferKind selects the gate and reason of a transfer.
type TransferKind string

const (
	KindTransfer TransferKind = "transfer"
	KindTip      TransferKind = "tip"
)

// TransferInput moves DGT from the subject to another user.
type TransferInput struct {
	ToUserID    string
	Amount      int64
	Kind        TransferKind
	PostID      string
	ExternalRef string
}

// TransferDgt is a gated wrapper over the ledger transfer. Tips are keyed by
// post and sender so a user tips a post at most once.
func (s *Service) TransferDgt(ctx context.Context, subject feature.Subject, in TransferInput) (ledger.TransferResult, error) {
	var (
		gate   = feature.Transfers
		reason = ledger.ReasonTransferOut
		ref    = in.ExternalRef
	)
	if in.Kind == KindTip {
		if in.PostID == "" {
			return ledger.TransferResult{}, ErrMissingPostID
		}
		gate = feature.Tipping
		reason = ledger.ReasonTip
		ref = "tip:" + in.PostID + ":" + subject.UserID
	}
	if err := s.allow(gate, subject); err != nil {
		return ledger.TransferResult{}, err
	}
	if subject.UserID == in.ToUserID {
		return ledger.TransferResult{}, ErrSelfTransferNotAllowed
	}

	res, err := s.ledger.Transfer(ctx, ledger.TransferInput{
		FromUserID:  subject.UserID,
		ToUserID:    in.ToUserID,
		Amount:      in.Amount,
		Reason:      reason,
		ExternalRef: ref,
	})
	if err != nil {
		return ledger.TransferResult{}, err
	}
	s.notify(ctx, notification.Message{
		Kind:   notification.KindTransferReceived,
		UserID: in.ToUserID,
		Amount: in.Amount,
		Ref:    ref,
		Attrs:  map[string]string{"from": subject.UserID, "kind": string(reason)},
	})
	return res, nil
}

const sweepBatch = 100

// ExpireStaleWithdrawals fails, with reversal, requests that have not settled
// within the configured timeout. It returns how many were failed.
func (s *Service) ExpireStaleWithdrawals(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.settings.WithdrawalTimeout)
	expired := 0

	pending, err := s.withdrawals.Stale(ctx, StatusPending, cutoff, sweepBatch)
	if err != nil {
		return 0, err
	}
	for _, w := range pending {
		// Pending requests were never handed to the provider.
		processing, err := s.transition(ctx, w, StatusProcessing, nil)
		if errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return expired, err
		}
		if _, err := s.fail(ctx, processing, "expired before submission"); err != nil && !errors.Is(err, ErrInvalidTransition) {
			return expired, err
		}
		expired++
	}

	processing, err := s.withdrawals.Stale(ctx, StatusProcessing, cutoff, sweepBatch)
	if err != nil {
		return expired, err
	}
	for _, w := range processing {
		_, err := s.fail(ctx, w, "timed out")
		if errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
	}

	if expired > 0 {
		s.logger.Warn("expired stale withdrawals", slog.Int("count", expired))
	}
	return expired, nil
}

func (s *Service) allow(featureID string, subject feature.Subject) error {
	d := s.gate.Allow(featureID, subject)
	if !d.HasAccess {
		return fmt.Errorf("%w: %s (%s)", ErrFeatureNotEnabled, featureID, d.Reason)
	}
	return nil
}

func (s *Service) currency(symbol, chain string) (Currency, error) {
	c, ok := s.settings.Currencies[symbol]
	if !ok || !c.supports(chain) {
		return Currency{}, fmt.Errorf("%w: %s/%s", ErrUnsupportedCurrency, symbol, chain)
	}
	return c, nil
}

func (s *Service) adapter(name string) (provider.Adapter, error) {
	a, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return a, nil
}

func (s *Service) notify(ctx context.Context, msg notification.Message) {
	if s.notifier == nil {
		return
	}
	msg.At = s.now()
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.logger.Warn("notification failed", slog.String("kind", msg.Kind), slog.Any("error", err))
	}
}
