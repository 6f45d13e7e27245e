package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"upibridge/internal/api"
	"upibridge/internal/config"
	"upibridge/internal/orchestrator"
	"upibridge/internal/payout"
	"upibridge/internal/publisher"
	"upibridge/internal/quote"
	"upibridge/internal/reconciler"
	"upibridge/internal/repository"
	"upibridge/internal/scanner"
)

func main() {
	// Initialize zap logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	// Load configuration from environment variables
	cfg := config.NewConfig()

	logger.Info("Starting application with configuration",
		zap.String("rpc_url", cfg.RpcURL),
		zap.String("kafka_broker", cfg.KafkaBroker),
		zap.String("kafka_topic", cfg.KafkaTopic),
		zap.String("token_address", cfg.TokenAddress.Hex()),
		zap.String("custody_address", cfg.CustodyAddress.Hex()),
		zap.Int("token_decimals", cfg.TokenDecimals),
		zap.String("fiat_currency", cfg.FiatCurrency),
		zap.Uint64("chunk_size", cfg.ChunkSize),
		zap.Uint64("finality_offset", cfg.FinalityOffset),
		zap.Duration("scan_interval", cfg.ScanInterval),
		zap.Duration("deposit_timeout", cfg.DepositTimeout),
		zap.Int("api_port", cfg.APIPort),
	)

	// Connect to database
	db, err := sql.Open("postgres", cfg.DbURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Initialize database tables
	if err := repository.InitMigration(db); err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	orderRepository := repository.NewOrderRepository(db, logger)
	outboxRepository := repository.NewOutboxRepository(db, logger)
	cursorRepository := repository.NewCursorRepository(db, logger)
	reconciliationRepository := repository.NewReconciliationRepository(db, logger)

	// Create event publisher
	eventPublisher, err := publisher.NewEventPublisher(cfg.KafkaBroker, cfg.KafkaTopic, logger, outboxRepository)
	if err != nil {
		logger.Fatal("Failed to create event publisher", zap.Error(err))
	}
	defer eventPublisher.Close()

	// Start event publisher in background
	go eventPublisher.StartPublishing()

	// Create reconciler
	paymentReconciler, err := reconciler.NewReconciler(cfg.KafkaBroker, cfg.KafkaTopic, logger, reconciliationRepository)
	if err != nil {
		logger.Fatal("Failed to create reconciler", zap.Error(err))
	}
	defer paymentReconciler.Close()

	// Start reconciler in background
	go func() {
		if err := paymentReconciler.Start(); err != nil {
			logger.Fatal("Reconciler failed", zap.Error(err))
		}
	}()

	// Connect to Ethereum client
	ethClient, err := ethclient.Dial(cfg.RpcURL)
	if err != nil {
		logger.Fatal("Failed to connect to Ethereum client", zap.Error(err))
	}
	defer ethClient.Close()

	// Resume the scan cursor from the database when one was persisted
	startBlock := cfg.StartBlock
	if persisted, err := cursorRepository.LoadCursor(); err != nil {
		logger.Error("Failed to load scan cursor, using configured start block", zap.Error(err))
	} else if persisted > startBlock {
		startBlock = persisted
		logger.Info("Resuming scan from persisted cursor", zap.Uint64("next_block", startBlock))
	}

	ledgerScanner := scanner.New(ethClient, cfg.TokenAddress, startBlock, cfg.ChunkSize, cfg.FinalityOffset, cursorRepository, logger)

	rateOracle := quote.NewOracle(cfg.PriceFeedURL, 5*time.Second, logger)
	payoutDispatcher := payout.NewDispatcher(cfg.PayoutURL, cfg.PayoutAPIKey, logger)

	// Create orchestrator
	orch := orchestrator.New(orchestrator.Config{
		CustodyAddress: cfg.CustodyAddress,
		TokenDecimals:  cfg.TokenDecimals,
		FiatCurrency:   cfg.FiatCurrency,
		ScanInterval:   cfg.ScanInterval,
		DepositTimeout: cfg.DepositTimeout,
	}, rateOracle, ledgerScanner, payoutDispatcher, orderRepository, outboxRepository, logger)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	// Start the scan loop in background
	go func() {
		if err := orch.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.Fatal("Orchestrator scan loop failed", zap.Error(err))
		}
	}()

	// Create and start API server
	apiServer := api.NewServer(cfg.APIPort, orch, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	<-sigChan
	logger.Info("Received shutdown signal, starting graceful shutdown...")

	cancelRun()

	// Create a context with timeout for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown API server gracefully
	if err := apiServer.Stop(ctx); err != nil {
		logger.Error("Error shutting down API server", zap.Error(err))
	}

	logger.Info("Application shutdown complete")
}
