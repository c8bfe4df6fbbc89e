package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mintbridge/internal/api"
	"mintbridge/internal/blockchain/evm"
	"mintbridge/internal/config"
	"mintbridge/internal/database"
	"mintbridge/internal/metrics"
	"mintbridge/internal/nonce"
	"mintbridge/internal/service"
	"mintbridge/internal/webhook"
	"mintbridge/internal/worker"
)

func main() {
	// Initialize logger
	logger, err := initLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting Mint Bridge Service")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("db_host", cfg.Database.Host),
		zap.String("mint_contract", cfg.Ledger.ContractAddress))

	// Register Prometheus collectors
	metrics.Register()

	// Connect to database
	db, err := database.Connect(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	logger.Info("Database connected successfully")

	// Run migrations
	migrationPath := "internal/database/migrations/001_schema.sql"
	if err := database.RunMigrations(db, migrationPath); err != nil {
		logger.Warn("Failed to run migrations (may already be applied)", zap.Error(err))
	} else {
		logger.Info("Database migrations applied successfully")
	}

	if err := db.Ping(); err != nil {
		logger.Fatal("Failed to ping database", zap.Error(err))
	}

	logger.Info("Database health check passed")

	// Connect to the chain
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	chain, err := evm.NewClient(startupCtx, cfg.Ledger.RPCEndpoint, logger)
	if err != nil {
		logger.Fatal("Failed to connect to RPC endpoint", zap.Error(err))
	}
	defer chain.Close()

	minter, err := evm.NewMinter(chain, cfg.Ledger.ContractAddress, logger)
	if err != nil {
		logger.Fatal("Failed to initialize mint gateway binding", zap.Error(err))
	}

	deployed, err := chain.IsContractDeployed(startupCtx, minter.ContractAddress())
	if err != nil {
		logger.Fatal("Failed to check mint contract deployment", zap.Error(err))
	}
	if !deployed {
		logger.Fatal("Mint contract has no code at configured address",
			zap.String("address", cfg.Ledger.ContractAddress))
	}

	signer, err := evm.NewLocalSigner(cfg.Ledger.MinterKey)
	if err != nil {
		logger.Fatal("Failed to load minter signing key", zap.Error(err))
	}

	logger.Info("Chain connection established",
		zap.String("chain_id", chain.ChainID().String()),
		zap.String("signing_key", signer.Address().Hex()))

	// Initialize services
	pricingService := service.NewPricingService(&cfg.Pricing, logger)
	ledger := nonce.NewLedger(db, logger)

	// Initialize workers
	workerManager, err := worker.NewManager(db, ledger, chain, minter, []evm.Signer{signer}, &cfg.Fulfill, logger)
	if err != nil {
		logger.Fatal("Failed to initialize worker manager", zap.Error(err))
	}

	// Rebuild in-flight nonce state from the store before accepting work
	if err := workerManager.Restore(startupCtx); err != nil {
		logger.Fatal("Failed to restore in-flight state", zap.Error(err))
	}

	// Initialize webhook ingress and API handlers
	ingress := webhook.NewIngress(&cfg.Webhook, db, workerManager, pricingService, logger)
	apiHandler := api.NewHandler(db, ingress, logger)
	router := api.SetupRouter(apiHandler, logger)

	// Create HTTP server
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start workers before the listener so restored work drains immediately
	workerManager.Start()
	logger.Info("Workers started")

	// Start HTTP server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server",
			zap.String("addr", serverAddr))
		serverErrors <- httpServer.ListenAndServe()
	}()

	logger.Info("Service initialized successfully",
		zap.String("status", "ready"),
		zap.Int("port", cfg.Server.Port))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Wait for interrupt signal or server error
	select {
	case err := <-serverErrors:
		logger.Fatal("HTTP server error", zap.Error(err))
	case sig := <-quit:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop the listener first so no new events are admitted mid-shutdown
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
		httpServer.Close()
	} else {
		logger.Info("HTTP server stopped gracefully")
	}

	if err := workerManager.Shutdown(10 * time.Second); err != nil {
		logger.Error("Worker shutdown error", zap.Error(err))
	}

	logger.Info("Service stopped successfully")
}

func initLogger() (*zap.Logger, error) {
	env := os.Getenv("ENV")
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
