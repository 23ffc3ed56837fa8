// Package app assembles the escrow service from configuration. Both the API
// server and the operator CLI build the same graph so a sweep run from the
// CLI behaves exactly like the scheduled one.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"golang.org/x/time/rate"

	"github.com/taskup/backend/internal/auth"
	"github.com/taskup/backend/internal/automation"
	"github.com/taskup/backend/internal/config"
	"github.com/taskup/backend/internal/execution"
	"github.com/taskup/backend/internal/handlers"
	"github.com/taskup/backend/internal/idempotency"
	"github.com/taskup/backend/internal/ledger"
	"github.com/taskup/backend/internal/middleware"
	"github.com/taskup/backend/internal/notify"
	"github.com/taskup/backend/internal/provider"
	"github.com/taskup/backend/internal/provider/stripe"
	"github.com/taskup/backend/internal/provider/vipps"
	"github.com/taskup/backend/internal/repository"
	"github.com/taskup/backend/internal/router"
	"github.com/taskup/backend/internal/services"
)

// Compile-time checks that the Postgres repositories satisfy the service ports.
var (
	_ services.OrderStore       = (*repository.OrderRepo)(nil)
	_ services.TransferStore    = (*repository.TransferRepo)(nil)
	_ services.AccountStore     = (*repository.ConnectAccountRepo)(nil)
	_ services.AccountRegistry  = (*repository.ConnectAccountRepo)(nil)
	_ services.TaskStore        = (*repository.TaskRepo)(nil)
	_ services.OfferStore       = (*repository.OfferRepo)(nil)
	_ services.WalletStore      = (*repository.WalletRepo)(nil)
	_ services.AnomalyStore     = (*repository.AnomalyRepo)(nil)
	_ services.PayoutStore      = (*repository.PayoutRepo)(nil)
	_ idempotency.Store         = (*repository.IdempotencyRepo)(nil)
	_ automation.TransferReader = (*repository.TransferRepo)(nil)
	_ services.Outbox           = (*execution.Outbox)(nil)
)

type App struct {
	Config    *config.Config
	Pool      *pgxpool.Pool
	River     *river.Client[pgx.Tx]
	Escrow    *services.EscrowMachine
	Payouts   *services.PayoutService
	Accounts  *services.OnboardingService
	Scheduler *automation.Scheduler
	Anomalies *services.AnomalyQueue
	Keys      *idempotency.Ledger
	Auth      auth.Service
	Orders    *repository.OrderRepo
	Tasks     *repository.TaskRepo
	Ledger    *ledger.Repository
	Wallet    *repository.WalletRepo
	Routes    *router.Deps
	Logger    *slog.Logger
}

// Migrate applies the river schema and the escrow schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("river migrate up: %w", err)
	}
	logger.Info("River migrations applied")
	if err := repository.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("escrow schema: %w", err)
	}
	logger.Info("Escrow schema applied")
	return nil
}

// Providers builds the registry from the enabled provider sections. Every
// adapter is wrapped in the shared retry policy and outbound rate limit.
func Providers(cfg *config.Config, logger *slog.Logger) *provider.Registry {
	reg := provider.NewRegistry()
	policy := provider.DefaultRetryPolicy()
	policy.MaxRetries = cfg.ProviderMaxRetries
	limit := func() *rate.Limiter {
		if cfg.ProviderRatePerSecond <= 0 {
			return nil
		}
		burst := int(cfg.ProviderRatePerSecond)
		if burst < 1 {
			burst = 1
		}
		return rate.NewLimiter(rate.Limit(cfg.ProviderRatePerSecond), burst)
	}
	if cfg.Stripe.Enabled() {
		a := stripe.New(stripe.Config{APIKey: cfg.Stripe.APIKey, BaseURL: cfg.Stripe.BaseURL, Timeout: cfg.ProviderTimeout})
		reg.Register(provider.WithRetry(a, policy, limit(), logger), cfg.Stripe.WebhookSecret)
	}
	if cfg.Vipps.Enabled() {
		a := vipps.New(vipps.Config{
			ClientID:             cfg.Vipps.ClientID,
			ClientSecret:         cfg.Vipps.ClientSecret,
			SubscriptionKey:      cfg.Vipps.SubscriptionKey,
			MerchantSerialNumber: cfg.Vipps.MerchantSerialNumber,
			BaseURL:              cfg.Vipps.BaseURL,
			ReturnURL:            cfg.Vipps.ReturnURL,
			Timeout:              cfg.ProviderTimeout,
		})
		reg.Register(provider.WithRetry(a, policy, limit(), logger), cfg.Vipps.WebhookSecret)
	}
	return reg
}

// Options selects what New wires beyond the shared core.
type Options struct {
	// RunWorkers configures river queues and periodic sweeps. Without it the
	// river client only inserts jobs.
	RunWorkers bool
}

func New(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	orders := repository.NewOrderRepo(pool)
	transfers := repository.NewTransferRepo(pool)
	accounts := repository.NewConnectAccountRepo(pool)
	tasks := repository.NewTaskRepo(pool)
	entries := ledger.NewRepository(pool)
	offers := repository.NewOfferRepo(pool)
	wallet := repository.NewWalletRepo(pool)
	anomalies := repository.NewAnomalyRepo(pool)
	payouts := repository.NewPayoutRepo(pool)
	keyStore := repository.NewIdempotencyRepo(pool)

	keys := idempotency.New(keyStore, idempotency.Options{
		Retention:  cfg.IdempotencyRetention,
		StaleAfter: cfg.WebhookStaleAfter,
	}, logger)
	providers := Providers(cfg, logger)

	// The outbox needs the river client and the workers need the escrow
	// machine; the insert func is filled in once the client exists.
	var insertMu sync.Mutex
	var insertFn execution.InsertNotifyTxFunc
	outbox := execution.NewOutbox(func(ctx context.Context, tx pgx.Tx, args execution.NotifyArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			return fmt.Errorf("river insert not wired")
		}
		return fn(ctx, tx, args)
	})

	escrow := services.NewEscrowMachine(services.EscrowDeps{
		DB:        pool,
		Orders:    orders,
		Transfers: transfers,
		Accounts:  accounts,
		Tasks:     tasks,
		Offers:    offers,
		Wallet:    wallet,
		Anomalies: anomalies,
		Outbox:    outbox,
		Ledger:    ledger.NewService(entries),
		Providers: providers,
		Keys:      keys,
		Fees:      services.FeePolicy{FeeRate: cfg.FeeRate, CashbackRate: cfg.CashbackRate},
		Logger:    logger,
	})
	payoutSvc := services.NewPayoutService(pool, payouts, accounts, anomalies, outbox, providers, keys, logger)
	scheduler := automation.NewScheduler(escrow, orders, tasks, transfers, providers, automation.Config{
		GracePeriod:    cfg.AutoCompleteGracePeriod,
		UnpaidExpiry:   cfg.UnpaidExpiryTimeout,
		ReconcileAfter: cfg.ReconcileAfter,
		BatchSize:      cfg.SweepBatchSize,
	}, logger)

	var emitter notify.Emitter = notify.LogEmitter{Logger: logger}
	if cfg.NotifyURL != "" {
		emitter = notify.NewHTTPEmitter(cfg.NotifyURL, cfg.ProviderTimeout)
	}
	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewNotifyWorker(emitter, logger))
	river.AddWorker(workers, execution.NewSweepWorker(execution.Sweeps(scheduler), logger))
	river.AddWorker(workers, execution.NewPurgeWorker(keys))

	riverCfg := &river.Config{Workers: workers, Logger: logger}
	if opts.RunWorkers {
		riverCfg.Queues = map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		}
		riverCfg.PeriodicJobs = execution.PeriodicJobs(execution.Intervals{
			Completion: cfg.CompletionInterval,
			Expiry:     cfg.ExpiryInterval,
			Purge:      cfg.IdempotencyRetention / 4,
		})
	}
	riverClient, err := river.NewClient(riverpgxv5.New(pool), riverCfg)
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args execution.NotifyArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertMu.Unlock()

	validator, err := services.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("webhook schemas: %w", err)
	}
	authSvc := auth.NewService(cfg.OperatorJWTSecret)
	queue := services.NewAnomalyQueue(anomalies)
	onboarding := services.NewOnboardingService(accounts, providers, keys, cfg.ConnectRefreshURL, cfg.ConnectReturnURL, logger)

	dispatcher := &services.WebhookDispatcher{
		Providers: providers,
		Validator: validator,
		Events:    keys,
		Escrow:    escrow,
		Orders:    orders,
		Accounts:  accounts,
		Payouts:   payoutSvc,
		Anomalies: anomalies,
		Logger:    logger,
	}

	return &App{
		Config:    cfg,
		Pool:      pool,
		River:     riverClient,
		Escrow:    escrow,
		Payouts:   payoutSvc,
		Accounts:  onboarding,
		Scheduler: scheduler,
		Anomalies: queue,
		Keys:      keys,
		Auth:      authSvc,
		Orders:    orders,
		Tasks:     tasks,
		Ledger:    entries,
		Wallet:    wallet,
		Routes: &router.Deps{
			Webhooks: &handlers.WebhookHandler{Dispatcher: dispatcher, Logger: logger},
			Orders: &handlers.OrderHandler{
				Orders:   escrow,
				Canceler: scheduler,
				Chat:     services.NewChatGate(orders),
				Logger:   logger,
			},
			Payouts:    &handlers.PayoutHandler{Payouts: payoutSvc, Logger: logger},
			Accounts:   &handlers.AccountHandler{Accounts: onboarding, Logger: logger},
			Operator:   &handlers.OperatorHandler{Anomalies: queue, Logger: logger},
			Tokens:     authSvc,
			Inbound:    middleware.NewLimiter(50, 100),
			APILimits:  middleware.NewLimiter(10, 20),
			TrustProxy: cfg.TrustProxy,
		},
		Logger: logger,
	}, nil
}
