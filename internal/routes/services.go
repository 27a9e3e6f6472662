package routes

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/degentalk/dgt-wallet/internal/config"
	"github.com/degentalk/dgt-wallet/internal/feature"
	"github.com/degentalk/dgt-wallet/internal/idempotency"
	"github.com/degentalk/dgt-wallet/internal/ledger"
	"github.com/degentalk/dgt-wallet/internal/notification"
	"github.com/degentalk/dgt-wallet/internal/postings"
	"github.com/degentalk/dgt-wallet/internal/provider"
	"github.com/degentalk/dgt-wallet/internal/provider/ccpayment"
	"github.com/degentalk/dgt-wallet/internal/txn"
	"github.com/degentalk/dgt-wallet/internal/wallet"
)

// deliveryRetention keeps applied webhook deliveries long enough to outlast
// provider redelivery windows.
const deliveryRetention = 7 * 24 * time.Hour

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	Wallet config.Wallet
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
}

// Services is the wired service graph.
type Services struct {
	Ledger     *ledger.Core
	Wallet     *wallet.Service
	Postings   *postings.Service
	Reconciler *ledger.Reconciler
	Providers  provider.Registry
}

// NewServices builds the service graph on Postgres and Redis, or on memory
// backends when they are absent in development.
func NewServices(d Deps) (*Services, error) {
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	ttl := d.Cfg.ReservationTTL

	var (
		tx          txn.Transactor
		ledgerRepo  ledger.Repository
		refs        idempotency.Store
		withdrawals wallet.WithdrawalRepository
		addresses   wallet.AddressRepository
	)
	if d.DB != nil {
		tx = txn.NewPostgres(d.DB)
		ledgerRepo = ledger.NewPostgres(d.DB)
		refs = idempotency.NewPostgres(d.DB, ttl)
		withdrawals = wallet.NewPostgresRepository(d.DB)
		addresses = wallet.NewPostgresAddresses(d.DB)
	} else {
		tx = txn.NewMemory()
		ledgerRepo = ledger.NewInMemory()
		refs = idempotency.NewMemory(ttl)
		withdrawals = wallet.NewMemoryRepository()
		addresses = wallet.NewMemoryAddresses()
	}

	var deliveries idempotency.Store = idempotency.NewMemory(ttl)
	notifier := notification.Multi{notification.NewLoggerNotifier(d.Logger)}
	if d.Cache != nil {
		deliveries = idempotency.NewRedis(d.Cache, ttl, deliveryRetention)
		notifier = append(notifier, notification.NewStreamNotifier(d.Cache, notification.DefaultStream, 100_000))
	}

	providers, err := buildProviders(d)
	if err != nil {
		return nil, err
	}

	core := ledger.NewCore(ledgerRepo, refs, tx, d.Logger)
	walletSvc := wallet.NewService(wallet.Deps{
		Ledger:      core,
		Tx:          tx,
		Withdrawals: withdrawals,
		Addresses:   addresses,
		Gate:        feature.NewGate(d.Wallet.GateRules()),
		Providers:   providers,
		Deliveries:  deliveries,
		Notifier:    notifier,
		Logger:      d.Logger,
	}, d.Wallet.Settings(d.Cfg.WithdrawalTimeout))

	return &Services{
		Ledger:     core,
		Wallet:     walletSvc,
		Postings:   postings.NewService(core, notifier, d.Logger),
		Reconciler: ledger.NewReconciler(core, d.Logger, true),
		Providers:  providers,
	}, nil
}

func buildProviders(d Deps) (provider.Registry, error) {
	var adapters []provider.Adapter
	if d.Cfg.CCPayment.Enabled() {
		adapters = append(adapters, ccpayment.New(ccpayment.Config{
			AppID:     d.Cfg.CCPayment.AppID,
			AppSecret: d.Cfg.CCPayment.AppSecret,
			BaseURL:   d.Cfg.CCPayment.BaseURL,
			CoinIDs:   d.Wallet.CoinIDs(),
		}, d.Logger))
	}
	if d.Cfg.StaticWebhookSecret != "" || d.Cfg.IsDev() {
		secret := d.Cfg.StaticWebhookSecret
		if secret == "" {
			secret = "dev-static-secret"
		}
		adapters = append(adapters, provider.Static{Secret: secret})
	}

	registry := provider.NewRegistry(adapters...)
	if _, ok := registry[d.Wallet.Provider]; !ok && !d.Cfg.IsDev() {
		return nil, fmt.Errorf("payment provider %q is not configured", d.Wallet.Provider)
	}
	return registry, nil
}
