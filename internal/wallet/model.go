package wallet

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/degentalk/dgt-wallet/internal/ledger"
)

var (
	ErrFeatureNotEnabled   = errors.New("wallet: feature not enabled")
	ErrAmountOutOfRange    = errors.New("wallet: amount out of range")
	ErrUnsupportedCurrency = errors.New("wallet: unsupported currency or chain")
	ErrInvalidAddress      = errors.New("wallet: invalid destination address")
	ErrUnknownProvider     = errors.New("wallet: unknown provider")
	ErrInvalidTransition   = errors.New("wallet: invalid withdrawal transition")
	ErrWithdrawalNotFound  = errors.New("wallet: withdrawal not found")
	ErrAddressNotFound     = errors.New("wallet: deposit address not found")
	ErrDeliveryInFlight    = errors.New("wallet: webhook delivery already in progress")
	ErrMissingPostID       = errors.New("wallet: tip requires a post id")

	// ErrSelfTransferNotAllowed is the ledger's error, re-exported for callers of the orchestrator.
	ErrSelfTransferNotAllowed = ledger.ErrSelfTransferNotAllowed
)

// WithdrawalStatus is a state of the withdrawal lifecycle.
type WithdrawalStatus string

const (
	StatusPending    WithdrawalStatus = "pending"
	StatusProcessing WithdrawalStatus = "processing"
	StatusCompleted  WithdrawalStatus = "completed"
	StatusFailed     WithdrawalStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s WithdrawalStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to WithdrawalStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// Withdrawal is a user's payout request. Amount and Fee are in DGT units; the
// ledger debit is Amount+Fee.
type Withdrawal struct {
	ID              string           `json:"id"`
	UserID          string           `json:"userId"`
	Currency        string           `json:"currency"`
	Chain           string           `json:"chain"`
	Address         string           `json:"destinationAddress"`
	Memo            string           `json:"memo,omitempty"`
	Amount          int64            `json:"amount"`
	Fee             int64            `json:"feeAmount"`
	Status          WithdrawalStatus `json:"status"`
	Provider        string           `json:"provider"`
	ProviderRef     string           `json:"providerRef,omitempty"`
	FailureReason   string           `json:"failureReason,omitempty"`
	DebitEntryID    string           `json:"debitEntryId,omitempty"`
	ReversalEntryID string           `json:"reversalEntryId,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// Total is the amount debited from the user.
func (w Withdrawal) Total() int64 { return w.Amount + w.Fee }

// DepositAddress is an issued address, immutable once stored.
type DepositAddress struct {
	UserID    string    `json:"userId"`
	Currency  string    `json:"currency"`
	Chain     string    `json:"chain"`
	Address   string    `json:"address"`
	Memo      string    `json:"memo,omitempty"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"createdAt"`
}

// Currency describes a supported coin. Rate is DGT units per one coin unit.
type Currency struct {
	Symbol string
	Chains []string
	Rate   decimal.Decimal
}

func (c Currency) supports(chain string) bool {
	for _, ch := range c.Chains {
		if ch == chain {
			return true
		}
	}
	return false
}

// Settings are the business parameters of the orchestrator.
type Settings struct {
	WelcomeBonus      int64
	MinWithdrawal     int64
	MaxWithdrawal     int64
	FeeFlat           int64
	FeeBps            int64
	Provider          string
	Currencies        map[string]Currency
	WithdrawalTimeout time.Duration
}

// Fee returns flat + amount*bps/10000, truncated.
func (s Settings) Fee(amount int64) int64 {
	return s.FeeFlat + amount/10_000*s.FeeBps + amount%10_000*s.FeeBps/10_000
}
