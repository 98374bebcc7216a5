package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/adapters/datasource"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/audit"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/config"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/crypto"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/database"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/handlers"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/logging"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/middleware"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/ratelimit"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/repositories"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("Gateway stopped with error", zap.String("error", logging.SanitizeError(err)))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.ConnectionString())),
		zap.String("redis_host", cfg.Redis.Host),
		zap.Bool("rate_limit_disabled", cfg.RateLimit.Disabled),
		zap.Bool("audit_disabled", cfg.Audit.Disabled),
		zap.Int("default_limit", cfg.Query.DefaultLimit),
		zap.Int("max_limit", cfg.Query.MaxLimit))

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to metadata store: %w", err)
	}
	defer db.Close()

	if err := migrate(cfg, logger); err != nil {
		return err
	}

	store, closeStore, err := counterStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	cipher, err := crypto.NewDSNCipher(cfg.DSNEncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to create DSN cipher: %w", err)
	}

	connManager := datasource.NewConnectionManager(datasource.ConnectionManagerConfig{
		TTLMinutes:               cfg.Datasource.PoolTTLMinutes,
		PoolMaxConns:             cfg.Datasource.PoolMaxConns,
		PoolMinConns:             cfg.Datasource.PoolMinConns,
		IdleTimeout:              time.Duration(cfg.Datasource.IdleTimeoutSeconds) * time.Second,
		StatementTimeout:         cfg.Datasource.StatementTimeout,
		IdleInTransactionTimeout: cfg.Datasource.IdleInTransactionTimeout,
	}, logger)
	defer func() {
		if err := connManager.Close(); err != nil {
			logger.Warn("Failed to close datasource pools", zap.String("error", logging.SanitizeError(err)))
		}
	}()

	// Repositories
	apiKeyRepo := repositories.NewAPIKeyRepository(db)
	datasourceRepo := repositories.NewDatasourceRepository(db)
	auditRepo := repositories.NewAuditRepository(db)

	// Services
	securityAuditor := audit.NewSecurityAuditor(logger)
	authenticator := services.NewAuthenticator(apiKeyRepo, cfg.APIKeyHashSalt, logger)
	router := services.NewDatasourceRouter(datasourceRepo, cipher, connManager, logger)
	queryService := services.NewQueryService(router, securityAuditor, logger)
	requestAudits := services.NewRequestAuditService(auditRepo, cfg.Audit.Disabled, logger)
	limiter := ratelimit.NewLimiter(store, logger, ratelimit.Disabled(cfg.RateLimit.Disabled))

	mux := http.NewServeMux()

	healthHandler := handlers.NewHealthHandler(cfg, connManager, logger)
	healthHandler.RegisterRoutes(mux)

	apiHandler := handlers.NewAPIHandler(authenticator, limiter, queryService, requestAudits, securityAuditor, cfg.Query, logger)
	apiHandler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestID(middleware.RequestLogger(logger)(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting sqlrest-gateway", zap.String("addr", server.Addr), zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

// migrate applies pending metadata store migrations.
func migrate(cfg *config.Config, logger *zap.Logger) error {
	sqlDB, err := database.OpenSQL(cfg.Database.ConnectionString())
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer sqlDB.Close()

	if err := database.RunMigrations(sqlDB, logger); err != nil {
		return err
	}
	return nil
}

// counterStore returns the Redis counter store, or the in-process store when
// Redis is not configured.
func counterStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ratelimit.CounterStore, func(), error) {
	client, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	if client == nil {
		logger.Warn("Redis not configured, rate limit counters are per-process")
		return ratelimit.NewMemoryStore(), func() {}, nil
	}

	logger.Info("Using Redis counter store", zap.String("addr", cfg.Redis.Addr()))
	return ratelimit.NewRedisStore(client), func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close Redis client", zap.String("error", logging.SanitizeError(err)))
		}
	}, nil
}
