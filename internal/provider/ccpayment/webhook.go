package ccpayment

import (
	"crypto/hmac"
	"encoding/hex"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/degentalk/dgt-wallet/internal/provider"
)

const (
	webhookDirectDeposit = "DirectDeposit"
	webhookAPIWithdrawal = "ApiWithdrawal"

	statusSuccess = "Success"
	statusFailed  = "Failed"
)

// VerifyWebhookSignature checks Appid, Timestamp and Sign headers against the
// raw body. Every failure is reported as provider.ErrInvalidSignature.
func (c *Client) VerifyWebhookSignature(headers http.Header, body []byte) error {
	appID := headers.Get("Appid")
	ts := headers.Get("Timestamp")
	got, err := hex.DecodeString(headers.Get("Sign"))
	if c.cfg.AppSecret == "" || appID == "" || ts == "" || err != nil || len(got) == 0 {
		return provider.ErrInvalidSignature
	}
	if !hmac.Equal([]byte(appID), []byte(c.cfg.AppID)) {
		return provider.ErrInvalidSignature
	}
	if err := c.checkTimestamp(ts); err != nil {
		return err
	}
	want, _ := hex.DecodeString(sign(c.cfg.AppSecret, appID, ts, body))
	if !hmac.Equal(got, want) {
		return provider.ErrInvalidSignature
	}
	return nil
}

// ParseWebhook maps DirectDeposit and ApiWithdrawal notifications. Deposits
// that are not yet successful, and unknown types, are acknowledged and ignored.
func (c *Client) ParseWebhook(body []byte) (provider.Event, error) {
	if !gjson.ValidBytes(body) {
		return provider.Event{}, provider.ErrMalformedPayload
	}
	root := gjson.ParseBytes(body)
	msg := root.Get("msg")
	recordID := msg.Get("recordId").String()

	switch root.Get("type").String() {
	case webhookDirectDeposit:
		if recordID == "" {
			return provider.Event{}, provider.ErrMalformedPayload
		}
		if msg.Get("status").String() != statusSuccess || msg.Get("isFlaggedAsRisky").Bool() {
			return provider.Event{Kind: provider.EventIgnored}, nil
		}
		userID := msg.Get("referenceId").String()
		amount, err := decimal.NewFromString(msg.Get("amount").String())
		if userID == "" || err != nil || !amount.IsPositive() {
			return provider.Event{}, provider.ErrMalformedPayload
		}
		return provider.Event{Kind: provider.EventDeposit, Deposit: &provider.DepositEvent{
			RecordID: recordID,
			UserID:   userID,
			Currency: msg.Get("coinSymbol").String(),
			Chain:    msg.Get("chain").String(),
			Amount:   amount,
		}}, nil

	case webhookAPIWithdrawal:
		orderID := msg.Get("orderId").String()
		if recordID == "" || orderID == "" {
			return provider.Event{}, provider.ErrMalformedPayload
		}
		outcome := provider.WithdrawalProcessing
		switch msg.Get("status").String() {
		case statusSuccess:
			outcome = provider.WithdrawalCompleted
		case statusFailed:
			outcome = provider.WithdrawalFailed
		}
		return provider.Event{Kind: provider.EventWithdrawal, Withdrawal: &provider.WithdrawalUpdate{
			RecordID:     recordID,
			WithdrawalID: orderID,
			Outcome:      outcome,
			Reason:       msg.Get("failReason").String(),
		}}, nil
	}
	return provider.Event{Kind: provider.EventIgnored}, nil
}
