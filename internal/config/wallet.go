package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/degentalk/dgt-wallet/internal/feature"
	"github.com/degentalk/dgt-wallet/internal/wallet"
)

//go:embed wallet.yaml
var defaultWalletYAML []byte

// Wallet is the business configuration document.
type Wallet struct {
	WelcomeBonus int64                   `yaml:"welcome_bonus"`
	Provider     string                  `yaml:"provider"`
	Withdrawal   WithdrawalLimits        `yaml:"withdrawal"`
	Features     map[string]feature.Rule `yaml:"features"`
	Currencies   map[string]CurrencySpec `yaml:"currencies"`
}

// WithdrawalLimits bound a single payout request.
type WithdrawalLimits struct {
	Min     int64 `yaml:"min"`
	Max     int64 `yaml:"max"`
	FeeFlat int64 `yaml:"fee_flat"`
	FeeBps  int64 `yaml:"fee_bps"`
}

// CurrencySpec describes a supported coin.
type CurrencySpec struct {
	Chains []string `yaml:"chains"`
	Rate   string   `yaml:"rate"`
	CoinID int64    `yaml:"coin_id"`
}

// LoadWallet reads the document at path, or the built-in defaults when path
// is empty.
func LoadWallet(path string) (Wallet, error) {
	data := defaultWalletYAML
	if path = strings.TrimSpace(path); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Wallet{}, fmt.Errorf("read wallet config: %w", err)
		}
		data = b
	}
	return ParseWallet(data)
}

// ParseWallet decodes and validates a wallet document.
func ParseWallet(data []byte) (Wallet, error) {
	var w Wallet
	if err := yaml.Unmarshal(data, &w); err != nil {
		return Wallet{}, fmt.Errorf("parse wallet config: %w", err)
	}
	if err := w.validate(); err != nil {
		return Wallet{}, fmt.Errorf("invalid wallet config: %w", err)
	}
	return w, nil
}

func (w Wallet) validate() error {
	if w.Provider == "" {
		return errors.New("provider is required")
	}
	if w.WelcomeBonus < 0 {
		return errors.New("welcome_bonus must not be negative")
	}
	l := w.Withdrawal
	if l.Min < 0 || l.Max < 0 || (l.Max > 0 && l.Min > l.Max) {
		return fmt.Errorf("withdrawal limits [%d, %d] are inconsistent", l.Min, l.Max)
	}
	if l.FeeFlat < 0 || l.FeeBps < 0 || l.FeeBps >= 10_000 {
		return errors.New("withdrawal fees out of range")
	}
	for id, r := range w.Features {
		if r.RolloutPercent < 0 || r.RolloutPercent > 100 {
			return fmt.Errorf("feature %s: rollout_percent must be within [0, 100]", id)
		}
	}
	if len(w.Currencies) == 0 {
		return errors.New("at least one currency is required")
	}
	for symbol, c := range w.Currencies {
		rate, err := decimal.NewFromString(c.Rate)
		if err != nil || !rate.IsPositive() {
			return fmt.Errorf("currency %s: rate must be a positive decimal", symbol)
		}
		if len(c.Chains) == 0 {
			return fmt.Errorf("currency %s: no chains", symbol)
		}
	}
	return nil
}

// GateRules returns the feature rules, falling back to the defaults when the
// document configures none.
func (w Wallet) GateRules() map[string]feature.Rule {
	if len(w.Features) == 0 {
		return feature.DefaultRules()
	}
	return w.Features
}

// Settings converts the document into orchestrator settings.
func (w Wallet) Settings(timeout time.Duration) wallet.Settings {
	currencies := make(map[string]wallet.Currency, len(w.Currencies))
	for symbol, c := range w.Currencies {
		// validate already parsed every rate.
		rate, _ := decimal.NewFromString(c.Rate)
		currencies[symbol] = wallet.Currency{Symbol: symbol, Chains: c.Chains, Rate: rate}
	}
	return wallet.Settings{
		WelcomeBonus:      w.WelcomeBonus,
		MinWithdrawal:     w.Withdrawal.Min,
		MaxWithdrawal:     w.Withdrawal.Max,
		FeeFlat:           w.Withdrawal.FeeFlat,
		FeeBps:            w.Withdrawal.FeeBps,
		Provider:          w.Provider,
		Currencies:        currencies,
		WithdrawalTimeout: timeout,
	}
}

// CoinIDs maps currency symbols to the processor's coin ids.
func (w Wallet) CoinIDs() map[string]int64 {
	ids := make(map[string]int64, len(w.Currencies))
	for symbol, c := range w.Currencies {
		if c.CoinID != 0 {
			ids[symbol] = c.CoinID
		}
	}
	return ids
}
