// Package postings is the internal API used by the forum, the shop and the
// missions service to move DGT with their own reason and external ref.
package postings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/degentalk/dgt-wallet/internal/ledger"
	"github.com/degentalk/dgt-wallet/internal/notification"
)

var (
	// ErrMissingRef is returned when a collaborator posts without an external ref.
	ErrMissingRef = errors.New("postings: external ref is required")

	// ErrReasonNotAllowed is returned for reasons owned by the wallet flows.
	ErrReasonNotAllowed = errors.New("postings: reason not allowed")
)

// Service wraps the ledger core for internal callers.
type Service struct {
	ledger   *ledger.Core
	notifier notification.Notifier
	logger   *slog.Logger
}

// NewService constructs a postings service. notifier may be nil.
func NewService(core *ledger.Core, notifier notification.Notifier, logger *slog.Logger) *Service {
	return &Service{ledger: core, notifier: notifier, logger: logger}
}

// PostingInput is one credit or debit requested by a collaborator.
type PostingInput struct {
	UserID      string
	Amount      int64
	Reason      ledger.Reason
	ExternalRef string
}

// TransferInput moves DGT between two users on behalf of a collaborator.
type TransferInput struct {
	FromUserID  string
	ToUserID    string
	Amount      int64
	Reason      ledger.Reason
	ExternalRef string
}

// Credit adds amount to the user's balance.
func (s *Service) Credit(ctx context.Context, in PostingInput) (ledger.Entry, error) {
	if err := checkPosting(in.Reason, in.ExternalRef); err != nil {
		return ledger.Entry{}, err
	}
	return s.ledger.Credit(ctx, ledger.Posting(in))
}

// Debit subtracts amount from the user's balance.
func (s *Service) Debit(ctx context.Context, in PostingInput) (ledger.Entry, error) {
	if err := checkPosting(in.Reason, in.ExternalRef); err != nil {
		return ledger.Entry{}, err
	}
	return s.ledger.Debit(ctx, ledger.Posting(in))
}

// Transfer moves amount between users. An empty reason books a plain transfer.
func (s *Service) Transfer(ctx context.Context, in TransferInput) (ledger.TransferResult, error) {
	if in.Reason != "" {
		if err := checkPosting(in.Reason, in.ExternalRef); err != nil {
			return ledger.TransferResult{}, err
		}
	} else if in.ExternalRef == "" {
		return ledger.TransferResult{}, ErrMissingRef
	}

	res, err := s.ledger.Transfer(ctx, ledger.TransferInput(in))
	if err != nil {
		return ledger.TransferResult{}, err
	}

	if s.notifier != nil {
		err := s.notifier.Send(ctx, notification.Message{
			Kind:   notification.KindTransferReceived,
			UserID: in.ToUserID,
			Amount: in.Amount,
			Ref:    in.ExternalRef,
			At:     res.Credit.CreatedAt,
			Attrs:  map[string]string{"from": in.FromUserID, "kind": string(res.Credit.Reason)},
		})
		if err != nil {
			s.logger.Warn("notification failed", slog.String("ref", in.ExternalRef), slog.Any("error", err))
		}
	}
	return res, nil
}

// Balance returns the user's current balance.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	return s.ledger.Balance(ctx, userID)
}

// checkPosting keeps deposit and withdrawal bookings with the wallet flows
// that own their refs.
func checkPosting(reason ledger.Reason, ref string) error {
	if ref == "" {
		return ErrMissingRef
	}
	switch reason {
	case ledger.ReasonDeposit, ledger.ReasonWithdrawal:
		return fmt.Errorf("%w: %s", ErrReasonNotAllowed, reason)
	}
	if !reason.Valid() {
		return fmt.Errorf("%w: %q", ledger.ErrInvalidReason, reason)
	}
	return nil
}
