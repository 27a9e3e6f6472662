// Package provider defines the boundary to the external payment processor.
//
// Adapters translate processor-specific API calls and webhook payloads into the
// records below. Nothing outside an adapter sees a processor wire format.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

var (
	// ErrTransient marks failures worth retrying: timeouts, 5xx and 429 responses.
	ErrTransient = errors.New("provider: transient failure")

	// ErrRejected marks terminal failures: validation errors and business rejections.
	ErrRejected = errors.New("provider: rejected")

	// ErrInvalidSignature is returned for any webhook that fails verification.
	ErrInvalidSignature = errors.New("provider: invalid signature")

	// ErrMalformedPayload is returned for verified webhooks that cannot be parsed.
	ErrMalformedPayload = errors.New("provider: malformed payload")
)

// Error carries details of a failed processor call. It unwraps to its Kind.
type Error struct {
	Op      string
	Kind    error
	Status  int
	Code    int
	Message string
}

func (e *Error) Error() string {
	switch {
	case e.Code != 0:
		return fmt.Sprintf("%s: %v (code %d: %s)", e.Op, e.Kind, e.Code, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("%s: %v (http %d)", e.Op, e.Kind, e.Status)
	default:
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Kind }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// AddressRequest asks for a deposit address for a user.
type AddressRequest struct {
	UserID   string
	Currency string
	Chain    string
}

// AddressInfo is an issued deposit address.
type AddressInfo struct {
	Currency string
	Chain    string
	Address  string
	Memo     string
}

// PayoutRequest hands a withdrawal to the processor. Amount is in coin units.
type PayoutRequest struct {
	WithdrawalID string
	UserID       string
	Currency     string
	Chain        string
	Address      string
	Memo         string
	Amount       decimal.Decimal
}

// PayoutResult is the processor's acknowledgement of a payout.
type PayoutResult struct {
	ProviderRef string
}

// DepositEvent is a confirmed incoming transfer. Amount is in coin units.
type DepositEvent struct {
	RecordID string
	UserID   string
	Currency string
	Chain    string
	Amount   decimal.Decimal
}

// WithdrawalOutcome is the processor-reported state of a payout.
type WithdrawalOutcome string

const (
	WithdrawalCompleted  WithdrawalOutcome = "completed"
	WithdrawalFailed     WithdrawalOutcome = "failed"
	WithdrawalProcessing WithdrawalOutcome = "processing"
)

// WithdrawalUpdate reports progress of an earlier payout.
type WithdrawalUpdate struct {
	RecordID     string
	WithdrawalID string
	Outcome      WithdrawalOutcome
	Reason       string
}

// EventKind tells which field of an Event is set.
type EventKind string

const (
	EventDeposit    EventKind = "deposit"
	EventWithdrawal EventKind = "withdrawal"
	// EventIgnored is a verified delivery that needs only an acknowledgement,
	// such as a deposit that is not yet final.
	EventIgnored EventKind = "ignored"
)

// Event is a parsed webhook delivery.
type Event struct {
	Kind       EventKind
	Deposit    *DepositEvent
	Withdrawal *WithdrawalUpdate
}

// DeliveryID identifies the delivery for deduplication.
func (e Event) DeliveryID() string {
	switch {
	case e.Deposit != nil:
		return "deposit:" + e.Deposit.RecordID
	case e.Withdrawal != nil:
		return "withdrawal:" + e.Withdrawal.RecordID + ":" + string(e.Withdrawal.Outcome)
	}
	return ""
}

// Adapter is implemented once per processor.
type Adapter interface {
	Name() string
	CreateDepositAddress(ctx context.Context, req AddressRequest) (AddressInfo, error)
	RequestPayout(ctx context.Context, req PayoutRequest) (PayoutResult, error)
	ValidateAddress(ctx context.Context, currency, chain, address string) (bool, error)
	// VerifyWebhookSignature must fail closed: any doubt yields ErrInvalidSignature.
	VerifyWebhookSignature(headers http.Header, body []byte) error
	// ParseWebhook is only called with verified bodies.
	ParseWebhook(body []byte) (Event, error)
}

// Registry resolves adapters by name.
type Registry map[string]Adapter

// NewRegistry indexes adapters by Name.
func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[a.Name()] = a
	}
	return r
}
