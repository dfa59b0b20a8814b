package app

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"

	httpapi "github.com/havenchat/haven-auth/internal/auth/http"
	"github.com/havenchat/haven-auth/internal/auth/ratelimit"
	"github.com/havenchat/haven-auth/internal/auth/service"
	"github.com/havenchat/haven-auth/internal/auth/store"
	"github.com/havenchat/haven-auth/internal/auth/store/drivers/postgres"
	"github.com/havenchat/haven-auth/internal/auth/store/drivers/sqlite"
	"github.com/havenchat/haven-auth/pkg/cryptox"
	"github.com/havenchat/haven-auth/pkg/hashpool"
	"github.com/havenchat/haven-auth/pkg/jwtx"
	"github.com/havenchat/haven-auth/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Application wires every dependency of the auth service together and owns
// their lifecycle.
type Application struct {
	cfg    Config
	logger *slog.Logger

	db    store.Store
	redis redis.UniversalClient

	signer   jwtx.Signer
	verifier jwtx.Verifier

	authService         *service.AuthService
	mfaService          *service.MFAService
	oidcService         *service.OIDCService
	housekeepingService *service.HousekeepingService

	server *http.Server
	router *httpapi.Router

	sentryEnabled bool
}

// New creates an Application with all dependencies initialized.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "haven-auth",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	if err := cfg.ValidateOIDCProviders(); err != nil {
		return nil, err
	}

	if err := app.initObservability(); err != nil {
		return nil, err
	}

	cryptox.SetPepperPath(cfg.PepperFile)
	if cfg.ArgonMemoryKB > 0 || cfg.ArgonIterations > 0 || cfg.ArgonParallelism > 0 {
		p := cryptox.DefaultParams
		if cfg.ArgonMemoryKB > 0 {
			p.Memory = uint32(cfg.ArgonMemoryKB)
		}
		if cfg.ArgonIterations > 0 {
			p.Iterations = uint32(cfg.ArgonIterations)
		}
		if cfg.ArgonParallelism > 0 {
			p.Parallelism = uint8(cfg.ArgonParallelism)
		}
		cryptox.SetParams(p)
	}

	if err := app.initDatabase(); err != nil {
		return nil, err
	}
	if err := app.initRedis(); err != nil {
		return nil, err
	}
	if err := app.initSigning(); err != nil {
		return nil, err
	}

	app.initServices()
	app.initHTTP()

	return app, nil
}

// Run starts the application and blocks until shutdown is requested.
func (app *Application) Run() error {
	app.housekeepingService.Start()

	app.logger.Info("auth service starting", "port", app.cfg.Port, "version", BuildVersion)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)
		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown gracefully stops the server, workers and connections.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down auth service")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	app.housekeepingService.Stop()

	if err := app.redis.Close(); err != nil {
		app.logger.Error("error closing redis", "error", err)
	}
	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}

	if app.sentryEnabled {
		sentry.Flush(2 * time.Second)
	}

	app.logger.Info("auth service stopped")
	return nil
}

func (app *Application) initObservability() error {
	if app.cfg.SentryDSN == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         app.cfg.SentryDSN,
		Environment: app.cfg.Env,
		Release:     "haven-auth@" + BuildVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize sentry: %w", err)
	}
	app.sentryEnabled = true
	return nil
}

// initDatabase opens postgres when AUTH_DATABASE_URL is set, sqlite
// otherwise, and applies migrations.
func (app *Application) initDatabase() error {
	var (
		db  store.Store
		err error
	)
	if app.cfg.DatabaseURL != "" {
		db, err = postgres.NewStore(app.cfg.DatabaseURL)
	} else {
		dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", app.cfg.DatabaseFile)
		db, err = sqlite.NewStore(dsn)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied")
	return nil
}

func (app *Application) initRedis() error {
	client := redis.NewClient(&redis.Options{
		Addr:     app.cfg.RedisAddr,
		Password: app.cfg.RedisPassword,
		DB:       app.cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis at %s: %w", app.cfg.RedisAddr, err)
	}

	app.redis = client
	return nil
}

// initSigning builds the signer/verifier pair for the configured algorithm.
func (app *Application) initSigning() error {
	switch app.cfg.Algorithm {
	case "EdDSA", "":
		var (
			signer jwtx.Signer
			pub    ed25519.PublicKey
			err    error
		)
		if app.cfg.SigningKeyFile != "" {
			pemKey, readErr := os.ReadFile(app.cfg.SigningKeyFile)
			if readErr != nil {
				return fmt.Errorf("failed to read signing key: %w", readErr)
			}
			signer, err = jwtx.NewSignerEdDSA(pemKey)
			if err != nil {
				return err
			}
			pub = signer.(interface{ Public() ed25519.PublicKey }).Public()
		} else {
			signer, pub, err = jwtx.NewEphemeralSignerEdDSA()
			if err != nil {
				return err
			}
			app.logger.Warn("using ephemeral signing key, tokens die with this process")
		}
		app.signer = signer
		app.verifier = jwtx.NewVerifierEdDSA(pub, jwtx.VerifyOptions{Issuer: app.cfg.Issuer})

	case "HS256":
		signer, err := jwtx.NewSignerHS256([]byte(app.cfg.HS256Secret))
		if err != nil {
			return err
		}
		app.signer = signer
		app.verifier = jwtx.NewVerifierHS256([]byte(app.cfg.HS256Secret), jwtx.VerifyOptions{Issuer: app.cfg.Issuer})

	default:
		return fmt.Errorf("unsupported signing algorithm %q", app.cfg.Algorithm)
	}
	return nil
}

func (app *Application) initServices() {
	limiterCfg := ratelimit.DefaultConfig()
	limiterCfg.EscalationThreshold = app.cfg.EscalationThreshold
	limiterCfg.EscalationWindow = app.cfg.EscalationWindow
	limiterCfg.BlockDuration = app.cfg.BlockDuration
	limiterCfg.ResetOnSuccess = app.cfg.ResetOnSuccess
	limiter := ratelimit.New(app.redis, limiterCfg)

	app.mfaService = &service.MFAService{
		Store:  app.db,
		Issuer: app.cfg.Issuer,
	}
	app.oidcService = &service.OIDCService{
		Store:     app.db,
		Redis:     app.redis,
		Providers: app.cfg.OIDCProviders,
	}
	app.authService = &service.AuthService{
		Store:      app.db,
		Hashes:     hashpool.New(app.cfg.HashWorkers),
		Limiter:    limiter,
		MFA:        app.mfaService,
		OIDC:       app.oidcService,
		Signer:     app.signer,
		Issuer:     app.cfg.Issuer,
		AccessTTL:  app.cfg.AccessTTL,
		RefreshTTL: app.cfg.RefreshTTL,
	}

	app.housekeepingService = service.NewHousekeepingService(
		app.db,
		app.logger,
		app.cfg.HousekeepingInterval,
	)
}

func (app *Application) initHTTP() {
	app.router = httpapi.NewRouter(app.verifier, BuildVersion, app.db, app.redis, app.logger)
	app.router.AuthService = app.authService
	app.router.MFAService = app.mfaService
	app.router.OIDCService = app.oidcService
	app.router.ApplyRoutes()

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           app.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
