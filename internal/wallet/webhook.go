package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/degentalk/dgt-wallet/internal/idempotency"
	"github.com/degentalk/dgt-wallet/internal/ledger"
	"github.com/degentalk/dgt-wallet/internal/metrics"
	"github.com/degentalk/dgt-wallet/internal/notification"
	"github.com/degentalk/dgt-wallet/internal/provider"
)

// WebhookOutcome describes what a delivery did.
type WebhookOutcome string

const (
	OutcomeApplied     WebhookOutcome = "applied"
	OutcomeDuplicate   WebhookOutcome = "duplicate"
	OutcomeIgnored     WebhookOutcome = "ignored"
	OutcomeUnsupported WebhookOutcome = "unsupported"
	OutcomeConflict    WebhookOutcome = "conflict"
)

// WebhookResult is returned for every acknowledged delivery.
type WebhookResult struct {
	Kind    provider.EventKind `json:"kind"`
	Outcome WebhookOutcome     `json:"outcome"`
	EntryID string             `json:"entryId,omitempty"`
}

// ProcessWebhook verifies, parses and dispatches one provider delivery.
// Verification fails closed; nothing is parsed before the signature checks out.
func (s *Service) ProcessWebhook(ctx context.Context, providerName string, headers http.Header, body []byte) (WebhookResult, error) {
	adapter, err := s.adapter(providerName)
	if err != nil {
		return WebhookResult{}, err
	}

	if err := adapter.VerifyWebhookSignature(headers, body); err != nil {
		metrics.RecordWebhook(providerName, "unknown", "invalid_signature")
		s.logger.Warn("webhook signature rejected", slog.String("provider", providerName), slog.Any("error", err))
		return WebhookResult{}, provider.ErrInvalidSignature
	}

	event, err := adapter.ParseWebhook(body)
	if err != nil {
		metrics.RecordWebhook(providerName, "unknown", "malformed")
		if errors.Is(err, provider.ErrMalformedPayload) {
			return WebhookResult{}, err
		}
		return WebhookResult{}, fmt.Errorf("%w: %v", provider.ErrMalformedPayload, err)
	}

	result, err := s.dispatch(ctx, providerName, event)
	outcome := string(result.Outcome)
	if err != nil {
		outcome = "error"
	}
	metrics.RecordWebhook(providerName, string(event.Kind), outcome)
	return result, err
}

func (s *Service) dispatch(ctx context.Context, providerName string, event provider.Event) (WebhookResult, error) {
	if event.Kind == provider.EventIgnored {
		return WebhookResult{Kind: event.Kind, Outcome: OutcomeIgnored}, nil
	}

	res, err := s.deliveries.CheckAndReserve(ctx, "webhook:"+providerName+":"+event.DeliveryID())
	if err != nil {
		return WebhookResult{}, err
	}
	if res.AlreadyApplied {
		if res.InFlight {
			return WebhookResult{}, ErrDeliveryInFlight
		}
		return WebhookResult{Kind: event.Kind, Outcome: OutcomeDuplicate, EntryID: res.EntryID}, nil
	}

	var result WebhookResult
	switch event.Kind {
	case provider.EventDeposit:
		result, err = s.applyDeposit(ctx, providerName, *event.Deposit)
	case provider.EventWithdrawal:
		result, err = s.applyWithdrawalUpdate(ctx, *event.Withdrawal)
	default:
		err = provider.ErrMalformedPayload
	}
	result.Kind = event.Kind

	if err != nil || result.Outcome == OutcomeUnsupported {
		if relErr := s.deliveries.Release(ctx, res); relErr != nil && !errors.Is(relErr, idempotency.ErrReservationLost) {
			s.logger.Error("release webhook delivery", slog.Any("error", relErr))
		}
		return result, err
	}
	if err := s.deliveries.Commit(ctx, res, result.EntryID); err != nil {
		// The ledger ref still guards the write.
		s.logger.Warn("commit webhook delivery", slog.Any("error", err))
	}
	return result, nil
}

func (s *Service) applyDeposit(ctx context.Context, providerName string, d provider.DepositEvent) (WebhookResult, error) {
	ref := providerName + ":" + d.RecordID

	cur, ok := s.settings.Currencies[d.Currency]
	if !ok {
		s.logger.Error("deposit in unsupported currency",
			slog.String("alert", "critical"),
			slog.String("ref", ref),
			slog.String("currency", d.Currency),
			slog.String("amount", d.Amount.String()))
		return WebhookResult{Outcome: OutcomeUnsupported}, nil
	}
	units, err := toUnits(d.Amount, cur)
	if err != nil {
		s.logger.Error("deposit amount not convertible",
			slog.String("alert", "critical"),
			slog.String("ref", ref),
			slog.String("amount", d.Amount.String()))
		return WebhookResult{Outcome: OutcomeUnsupported}, nil
	}

	entry, err := s.ledger.Credit(ctx, ledger.Posting{
		UserID:      d.UserID,
		Amount:      units,
		Reason:      ledger.ReasonDeposit,
		ExternalRef: ref,
	})
	if errors.Is(err, ledger.ErrDuplicateRef) {
		existing, lookupErr := s.ledger.EntryByRef(ctx, ref)
		if lookupErr != nil {
			return WebhookResult{Outcome: OutcomeDuplicate}, nil
		}
		return WebhookResult{Outcome: OutcomeDuplicate, EntryID: existing.ID}, nil
	}
	if err != nil {
		return WebhookResult{}, err
	}

	s.notify(ctx, notification.Message{
		Kind:   notification.KindDepositCredited,
		UserID: d.UserID,
		Amount: units,
		Ref:    ref,
		Attrs:  map[string]string{"currency": d.Currency, "coinAmount": d.Amount.String()},
	})
	return WebhookResult{Outcome: OutcomeApplied, EntryID: entry.ID}, nil
}

func (s *Service) applyWithdrawalUpdate(ctx context.Context, u provider.WithdrawalUpdate) (WebhookResult, error) {
	w, err := s.withdrawals.Get(ctx, u.WithdrawalID)
	if errors.Is(err, ErrWithdrawalNotFound) {
		s.logger.Error("webhook for unknown withdrawal",
			slog.String("alert", "critical"),
			slog.String("withdrawal_id", u.WithdrawalID),
			slog.String("record_id", u.RecordID))
		return WebhookResult{Outcome: OutcomeConflict}, nil
	}
	if err != nil {
		return WebhookResult{}, err
	}

	target := StatusCompleted
	switch u.Outcome {
	case provider.WithdrawalProcessing:
		return WebhookResult{Outcome: OutcomeIgnored}, nil
	case provider.WithdrawalFailed:
		target = StatusFailed
	}

	if w.Status == target {
		return WebhookResult{Outcome: OutcomeDuplicate}, nil
	}
	if !CanTransition(w.Status, target) {
		s.logger.Error("webhook contradicts withdrawal state",
			slog.String("alert", "critical"),
			slog.String("withdrawal_id", w.ID),
			slog.String("status", string(w.Status)),
			slog.String("reported", string(u.Outcome)))
		return WebhookResult{Outcome: OutcomeConflict}, nil
	}

	if target == StatusFailed {
		reason := u.Reason
		if reason == "" {
			reason = "rejected by provider"
		}
		failed, err := s.fail(ctx, w, reason)
		if errors.Is(err, ErrInvalidTransition) {
			return s.settledConcurrently(ctx, w.ID, target)
		}
		if err != nil {
			return WebhookResult{}, err
		}
		return WebhookResult{Outcome: OutcomeApplied, EntryID: failed.ReversalEntryID}, nil
	}

	done, err := s.complete(ctx, w, u.RecordID)
	if errors.Is(err, ErrInvalidTransition) {
		return s.settledConcurrently(ctx, w.ID, target)
	}
	if err != nil {
		return WebhookResult{}, err
	}
	return WebhookResult{Outcome: OutcomeApplied, EntryID: done.DebitEntryID}, nil
}

// settledConcurrently classifies an update that lost the status
// compare-and-set to another writer, such as the timeout sweep.
func (s *Service) settledConcurrently(ctx context.Context, id string, target WithdrawalStatus) (WebhookResult, error) {
	w, err := s.withdrawals.Get(ctx, id)
	if err != nil {
		return WebhookResult{}, err
	}
	if w.Status == target {
		return WebhookResult{Outcome: OutcomeDuplicate}, nil
	}
	s.logger.Error("webhook contradicts withdrawal state",
		slog.String("alert", "critical"),
		slog.String("withdrawal_id", w.ID),
		slog.String("status", string(w.Status)),
		slog.String("reported", string(target)))
	return WebhookResult{Outcome: OutcomeConflict}, nil
}
