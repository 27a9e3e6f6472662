package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StaticSignatureHeader carries hex(HMAC-SHA256(secret, body)) for Static webhooks.
const StaticSignatureHeader = "X-Static-Signature"

// Static is a deterministic processor for development and tests. Payouts are
// accepted unless RejectPayouts is set; webhooks are signed with Secret.
type Static struct {
	Secret        string
	RejectPayouts bool
}

func (Static) Name() string { return "static" }

// CreateDepositAddress derives a stable address from the user and chain.
func (s Static) CreateDepositAddress(_ context.Context, req AddressRequest) (AddressInfo, error) {
	sum := sha256.Sum256([]byte(req.UserID + "|" + req.Currency + "|" + req.Chain))
	return AddressInfo{
		Currency: req.Currency,
		Chain:    req.Chain,
		Address:  "static-" + hex.EncodeToString(sum[:16]),
	}, nil
}

func (s Static) RequestPayout(_ context.Context, req PayoutRequest) (PayoutResult, error) {
	if s.RejectPayouts {
		return PayoutResult{}, &Error{Op: "static.payout", Kind: ErrRejected, Message: "payouts disabled"}
	}
	return PayoutResult{ProviderRef: uuid.NewString()}, nil
}

func (Static) ValidateAddress(_ context.Context, _, _, address string) (bool, error) {
	return len(address) >= 8 && !strings.ContainsAny(address, " \t\n"), nil
}

// Sign returns the signature a Static webhook body must carry.
func (s Static) Sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(s.Secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s Static) VerifyWebhookSignature(headers http.Header, body []byte) error {
	if s.Secret == "" {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(headers.Get(StaticSignatureHeader))
	if err != nil || len(got) == 0 {
		return ErrInvalidSignature
	}
	want, _ := hex.DecodeString(s.Sign(body))
	if !hmac.Equal(got, want) {
		return ErrInvalidSignature
	}
	return nil
}

type staticWebhook struct {
	Type         string `json:"type"`
	RecordID     string `json:"recordId"`
	UserID       string `json:"userId"`
	Currency     string `json:"currency"`
	Chain        string `json:"chain"`
	Amount       string `json:"amount"`
	WithdrawalID string `json:"withdrawalId"`
	Status       string `json:"status"`
}

func (Static) ParseWebhook(body []byte) (Event, error) {
	var w staticWebhook
	if err := json.Unmarshal(body, &w); err != nil {
		return Event{}, ErrMalformedPayload
	}
	if w.RecordID == "" {
		return Event{}, ErrMalformedPayload
	}

	switch w.Type {
	case "deposit":
		amount, err := decimal.NewFromString(w.Amount)
		if err != nil || w.UserID == "" || !amount.IsPositive() {
			return Event{}, ErrMalformedPayload
		}
		return Event{Kind: EventDeposit, Deposit: &DepositEvent{
			RecordID: w.RecordID,
			UserID:   w.UserID,
			Currency: w.Currency,
			Chain:    w.Chain,
			Amount:   amount,
		}}, nil
	case "withdrawal":
		outcome := WithdrawalOutcome(w.Status)
		switch outcome {
		case WithdrawalCompleted, WithdrawalFailed, WithdrawalProcessing:
		default:
			return Event{}, ErrMalformedPayload
		}
		if w.WithdrawalID == "" {
			return Event{}, ErrMalformedPayload
		}
		return Event{Kind: EventWithdrawal, Withdrawal: &WithdrawalUpdate{
			RecordID:     w.RecordID,
			WithdrawalID: w.WithdrawalID,
			Outcome:      outcome,
		}}, nil
	}
	return Event{}, ErrMalformedPayload
}
