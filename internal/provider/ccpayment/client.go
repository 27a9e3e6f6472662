// Package ccpayment implements provider.Adapter for the CCPayment v2 API.
package ccpayment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/degentalk/dgt-wallet/internal/metrics"
	"github.com/degentalk/dgt-wallet/internal/provider"
)

const (
	Name = "ccpayment"

	// DefaultBaseURL is the production API root.
	DefaultBaseURL = "https://ccpayment.com/ccpayment/v2"

	codeSuccess = 10000
)

// Config configures the client. CoinIDs maps a currency symbol to the
// processor's numeric coin id, required for payouts.
type Config struct {
	AppID             string
	AppSecret         string
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	WebhookTolerance  time.Duration
	CoinIDs           map[string]int64
	Retry             provider.RetryPolicy
}

// Client talks to CCPayment over HTTPS.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a client with defaults applied.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.WebhookTolerance <= 0 {
		cfg.WebhookTolerance = 5 * time.Minute
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = provider.DefaultRetryPolicy()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  logger,
		now:     time.Now,
	}
}

func (c *Client) Name() string { return Name }

func (c *Client) CreateDepositAddress(ctx context.Context, req provider.AddressRequest) (provider.AddressInfo, error) {
	payload := map[string]any{"referenceId": req.UserID, "chain": req.Chain}
	data, err := c.call(ctx, "getOrCreateAppDepositAddress", payload)
	if err != nil {
		return provider.AddressInfo{}, err
	}
	address := data.Get("address").String()
	if address == "" {
		return provider.AddressInfo{}, &provider.Error{Op: "ccpayment.getOrCreateAppDepositAddress", Kind: provider.ErrRejected, Message: "empty address"}
	}
	return provider.AddressInfo{
		Currency: req.Currency,
		Chain:    req.Chain,
		Address:  address,
		Memo:     data.Get("memo").String(),
	}, nil
}

func (c *Client) RequestPayout(ctx context.Context, req provider.PayoutRequest) (provider.PayoutResult, error) {
	coinID, ok := c.cfg.CoinIDs[req.Currency]
	if !ok {
		return provider.PayoutResult{}, &provider.Error{Op: "ccpayment.applyAppWithdrawToNetwork", Kind: provider.ErrRejected, Message: "unknown coin " + req.Currency}
	}
	payload := map[string]any{
		"coinId":  coinID,
		"chain":   req.Chain,
		"address": req.Address,
		"memo":    req.Memo,
		"orderId": req.WithdrawalID,
		"amount":  req.Amount.String(),
	}
	data, err := c.call(ctx, "applyAppWithdrawToNetwork", payload)
	if err != nil {
		return provider.PayoutResult{}, err
	}
	return provider.PayoutResult{ProviderRef: data.Get("recordId").String()}, nil
}

func (c *Client) ValidateAddress(ctx context.Context, _, chain, address string) (bool, error) {
	data, err := c.call(ctx, "checkWithdrawalAddressValidity", map[string]any{"chain": chain, "address": address})
	if err != nil {
		return false, err
	}
	return data.Get("addrIsValid").Bool(), nil
}

// call posts a signed request with retries and returns the envelope's data.
func (c *Client) call(ctx context.Context, endpoint string, payload any) (gjson.Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return gjson.Result{}, err
	}

	op := "ccpayment." + endpoint
	start := time.Now()
	data, err := provider.Retry(ctx, c.cfg.Retry, func(ctx context.Context) (gjson.Result, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return gjson.Result{}, &provider.Error{Op: op, Kind: provider.ErrTransient, Message: err.Error()}
		}
		return c.do(ctx, op, endpoint, body)
	})

	outcome := "ok"
	switch {
	case provider.IsTransient(err):
		outcome = "transient"
	case err != nil:
		outcome = "rejected"
	}
	metrics.ObserveProviderCall(Name, endpoint, outcome, time.Since(start))
	if err != nil && c.logger != nil {
		c.logger.Warn("ccpayment call failed", slog.String("endpoint", endpoint), slog.Any("error", err))
	}
	return data, err
}

func (c *Client) do(ctx context.Context, op, endpoint string, body []byte) (gjson.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, err
	}
	ts := strconv.FormatInt(c.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Appid", c.cfg.AppID)
	req.Header.Set("Timestamp", ts)
	req.Header.Set("Sign", sign(c.cfg.AppSecret, c.cfg.AppID, ts, body))

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return gjson.Result{}, ctx.Err()
		}
		return gjson.Result{}, &provider.Error{Op: op, Kind: provider.ErrTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gjson.Result{}, &provider.Error{Op: op, Kind: provider.ErrTransient, Message: err.Error()}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return gjson.Result{}, &provider.Error{Op: op, Kind: provider.ErrTransient, Status: resp.StatusCode}
	case resp.StatusCode >= 400:
		return gjson.Result{}, &provider.Error{Op: op, Kind: provider.ErrRejected, Status: resp.StatusCode, Message: gjson.GetBytes(raw, "msg").String()}
	}

	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, &provider.Error{Op: op, Kind: provider.ErrTransient, Status: resp.StatusCode, Message: "invalid response body"}
	}
	envelope := gjson.ParseBytes(raw)
	if code := envelope.Get("code").Int(); code != codeSuccess {
		return gjson.Result{}, &provider.Error{Op: op, Kind: provider.ErrRejected, Code: int(code), Message: envelope.Get("msg").String()}
	}
	return envelope.Get("data"), nil
}

func sign(secret, appID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(appID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// errStale is wrapped into ErrInvalidSignature for logs only.
var errStale = errors.New("timestamp outside tolerance")

func (c *Client) checkTimestamp(ts string) error {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", provider.ErrInvalidSignature)
	}
	skew := c.now().Sub(time.Unix(sec, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > c.cfg.WebhookTolerance {
		return fmt.Errorf("%w: %v", provider.ErrInvalidSignature, errStale)
	}
	return nil
}
