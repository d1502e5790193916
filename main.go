package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"credit-ledger/config"
	"credit-ledger/internal/api"
	"credit-ledger/internal/auth"
	"credit-ledger/internal/cache"
	"credit-ledger/internal/database"
	"credit-ledger/internal/events"
	"credit-ledger/internal/ledger"
	"credit-ledger/internal/ledger/memstore"
	"credit-ledger/internal/logging"
	"credit-ledger/internal/vault"
)

// Used only outside production when no secret is configured
const developmentJWTSecret = "insecure-development-secret-change-me"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized")

	ctx := context.Background()

	// Secrets from Vault override env and file values
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Fatal("Failed to create vault client", "error", err)
	}
	if vaultClient.IsEnabled() {
		secrets, err := vaultClient.ReadSecrets(ctx)
		if err != nil {
			logger.Fatal("Failed to read secrets from vault", "error", err)
		}
		secrets.Apply(cfg)
		logger.Info("Service secrets loaded from vault", "path", cfg.VaultConfig.SecretPath)
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", "error", err)
	}
	if cfg.AuthConfig.JWTSecret == "" {
		logger.Warn("No JWT secret configured, using the development secret")
		cfg.AuthConfig.JWTSecret = developmentJWTSecret
	}

	var healthChecks []api.HealthCheck

	// Storage
	var store ledger.Store
	switch cfg.LedgerConfig.Store {
	case config.StoreMemory:
		logger.Warn("Using in-memory ledger store, balances are lost on restart")
		store = memstore.New()
	default:
		db, err := database.NewDB(database.Config{
			Host:     cfg.DatabaseConfig.Host,
			Port:     cfg.DatabaseConfig.Port,
			User:     cfg.DatabaseConfig.User,
			Password: cfg.DatabaseConfig.Password,
			Database: cfg.DatabaseConfig.Name,
			SSLMode:  cfg.DatabaseConfig.SSLMode,
			MaxConns: int32(cfg.DatabaseConfig.MaxConns),
			MinConns: int32(cfg.DatabaseConfig.MinConns),
		})
		if err != nil {
			logger.Fatal("Failed to connect to database", "error", err)
		}
		defer db.Close()

		if err := db.RunMigrations(ctx); err != nil {
			logger.Fatal("Failed to run migrations", "error", err)
		}

		resilience := database.DefaultResilienceConfig()
		resilience.MaxElapsedTime = cfg.LedgerConfig.RetryMaxElapsed
		resilience.FailureThreshold = uint32(cfg.LedgerConfig.BreakerThreshold)
		resilience.OpenTimeout = cfg.LedgerConfig.BreakerTimeout
		store = database.NewResilientStore(database.NewLedgerStore(db), resilience, logger.Zerolog())

		healthChecks = append(healthChecks, api.HealthCheck{Name: "database", Check: db.HealthCheck, Critical: true})
	}

	eventBus := events.NewEventBus()
	ledgerOpts := []ledger.Option{ledger.WithEventBus(eventBus)}
	var serverOpts []api.Option

	// Redis is optional; the ledger works without it
	if cfg.RedisConfig.Enabled {
		cacheService, err := cache.NewCacheService(cfg.RedisConfig)
		if err != nil {
			logger.Warn("Redis cache disabled", "error", err)
		} else {
			defer cacheService.Close()
			ledgerOpts = append(ledgerOpts, ledger.WithBalanceCache(cache.NewCreditsCache(cacheService, cfg.RedisConfig.BalanceTTL)))
			serverOpts = append(serverOpts, api.WithSharedRateLimit(cacheService))
			healthChecks = append(healthChecks, api.HealthCheck{Name: "redis", Check: cacheService.Ping})
		}
	}
	if vaultClient.IsEnabled() {
		healthChecks = append(healthChecks, api.HealthCheck{Name: "vault", Check: vaultClient.Health})
	}

	service := ledger.NewService(store, logger.Zerolog(), ledgerOpts...)
	jwtManager := auth.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.Issuer, cfg.AuthConfig.AccessTokenDuration)

	for _, hc := range healthChecks {
		serverOpts = append(serverOpts, api.WithHealthCheck(hc))
	}

	server := api.NewServer(api.ServerConfig{
		Port:            cfg.ServerConfig.Port,
		Host:            cfg.ServerConfig.Host,
		ProductionMode:  cfg.ServerConfig.Production,
		AllowedOrigins:  api.ParseOrigins(cfg.ServerConfig.AllowedOrigins),
		ReadTimeout:     time.Duration(cfg.ServerConfig.ReadTimeout) * time.Second,
		WriteTimeout:    time.Duration(cfg.ServerConfig.WriteTimeout) * time.Second,
		RedeemRateLimit: cfg.LedgerConfig.RedeemRateLimit,
	}, service, jwtManager, eventBus, logger, serverOpts...)

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("HTTP server failed", "error", err)
		}
	}()

	logger.Info("Credit ledger started",
		"port", cfg.ServerConfig.Port,
		"store", cfg.LedgerConfig.Store,
		"redis", cfg.RedisConfig.Enabled,
		"origins", strings.Join(api.ParseOrigins(cfg.ServerConfig.AllowedOrigins), ","))

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("Shutdown signal received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	logger.Info("Credit ledger stopped")
}
