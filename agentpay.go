// Package agentpay is the public API for embedding the agentpay collection
// coordination server.
//
// Consumers import this package to construct and run the server without
// forking it:
//
//	app, err := agentpay.New(
//	    agentpay.WithVersion(version),
//	    agentpay.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: agentpay (root) imports
// internal/*, but internal/* never imports agentpay (root).
package agentpay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentpay-dev/agentpay/internal/auth"
	"github.com/agentpay-dev/agentpay/internal/config"
	"github.com/agentpay-dev/agentpay/internal/conversation"
	"github.com/agentpay-dev/agentpay/internal/directory"
	"github.com/agentpay-dev/agentpay/internal/model"
	"github.com/agentpay-dev/agentpay/internal/notify"
	"github.com/agentpay-dev/agentpay/internal/payments"
	"github.com/agentpay-dev/agentpay/internal/ratelimit"
	"github.com/agentpay-dev/agentpay/internal/reconciler"
	"github.com/agentpay-dev/agentpay/internal/registry"
	"github.com/agentpay-dev/agentpay/internal/server"
	"github.com/agentpay-dev/agentpay/internal/storage"
	"github.com/agentpay-dev/agentpay/internal/telemetry"
	"github.com/agentpay-dev/agentpay/migrations"
)

// App is the agentpay server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	registry     *registry.Registry
	directory    *directory.Directory
	engine       *conversation.Engine
	payments     *payments.Service
	reconciler   *reconciler.Reconciler
	limiter      ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the agentpay server. It connects to the database, runs
// migrations, seeds configured processors, and wires all subsystems. It does
// not start goroutines or accept connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("agentpay starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	reg := registry.New(db, logger)
	dir := directory.New(db, logger)
	engine := conversation.New(db, reg, dir, cfg.ServerSecret, cfg.ConversationWindow, logger)

	clients := buildProcessorClients(cfg)
	for t := range o.processorClients {
		clients[t] = o.processorClients[t]
	}
	if err := seedProcessors(context.Background(), db, clients, logger); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("seed processors: %w", err)
	}

	var notifier payments.OutcomeNotifier
	if !o.disableNotifier {
		notifier = notify.New(cfg.ServerSecret, cfg.NotifyMaxElapsed, logger)
	}
	paySvc := payments.New(db, reg, dir, clients, notifier, logger)
	rec := reconciler.New(db, clients, logger)

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitPerMinute > 0 {
		limiter = ratelimit.NewMemoryLimiter(float64(cfg.RateLimitPerMinute)/60.0, cfg.RateLimitPerMinute)
	}

	srv, err := server.New(cfg, server.Deps{
		DB:         db,
		Directory:  dir,
		Registry:   reg,
		Engine:     engine,
		Payments:   paySvc,
		Reconciler: rec,
		JWTManager: jwtMgr,
		Limiter:    limiter,
		Logger:     logger,
	})
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("server: %w", err)
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		registry:     reg,
		directory:    dir,
		engine:       engine,
		payments:     paySvc,
		reconciler:   rec,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// buildProcessorClients constructs a backend client for each processor with
// configured credentials.
func buildProcessorClients(cfg config.Config) map[model.ProcessorType]payments.ProcessorClient {
	clients := make(map[model.ProcessorType]payments.ProcessorClient)
	if cfg.StripeSecretKey != "" {
		clients[model.ProcessorStripe] = payments.NewStripeClient(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
	}
	if cfg.AdyenAPIKey != "" {
		clients[model.ProcessorAdyen] = payments.NewAdyenClient(cfg.AdyenEndpoint, cfg.AdyenAPIKey, cfg.AdyenMerchant)
	}
	if cfg.PlaidClientID != "" {
		clients[model.ProcessorPlaid] = payments.NewPlaidClient(cfg.PlaidEndpoint, cfg.PlaidClientID, cfg.PlaidSecret)
	}
	return clients
}

// seedProcessors upserts a processor row for every configured backend so
// selection and webhook routing can find them by name.
func seedProcessors(ctx context.Context, db *storage.DB, clients map[model.ProcessorType]payments.ProcessorClient, logger *slog.Logger) error {
	seeds := map[model.ProcessorType]model.PaymentProcessor{
		model.ProcessorStripe: {
			Name:                "stripe",
			Type:                model.ProcessorStripe,
			APIEndpoint:         "https://api.stripe.com",
			SupportedMethods:    []string{string(model.MethodACH), string(model.MethodCard)},
			SupportedCurrencies: []string{"USD", "EUR", "GBP"},
			Status:              model.ProcessorActive,
		},
		model.ProcessorAdyen: {
			Name:                "adyen",
			Type:                model.ProcessorAdyen,
			APIEndpoint:         "https://checkout-test.adyen.com",
			SupportedMethods:    []string{string(model.MethodACH), string(model.MethodCard)},
			SupportedCurrencies: []string{"USD", "EUR"},
			Status:              model.ProcessorActive,
		},
		model.ProcessorPlaid: {
			Name:                "plaid",
			Type:                model.ProcessorPlaid,
			APIEndpoint:         "https://sandbox.plaid.com",
			SupportedMethods:    []string{string(model.MethodACH)},
			SupportedCurrencies: []string{"USD"},
			Status:              model.ProcessorActive,
		},
	}

	for t, seed := range seeds {
		if _, ok := clients[t]; !ok {
			continue
		}
		proc, err := db.UpsertProcessor(ctx, seed)
		if err != nil {
			return err
		}
		logger.Info("processor registered", "name", proc.Name, "type", proc.Type)
	}
	return nil
}

// Run starts the background sweep loop and the HTTP server, then blocks
// until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	go a.sweepLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// sweepLoop periodically expires past-TTL grants and conversations. Lazy
// expiry on access keeps semantics correct without it; the sweep just keeps
// stored statuses from drifting stale.
func (a *App) sweepLoop(ctx context.Context) {
	interval := a.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.registry.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("grant sweep failed", "error", err)
			}
			if _, err := a.engine.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("conversation sweep failed", "error", err)
			}
		}
	}
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var firstErr error
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		firstErr = fmt.Errorf("server shutdown: %w", err)
	}
	if err := a.limiter.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("limiter close: %w", err)
	}
	a.db.Close()
	if a.otelShutdown != nil {
		if err := a.otelShutdown(shutdownCtx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("telemetry shutdown: %w", err)
		}
	}
	a.logger.Info("agentpay stopped")
	return firstErr
}
