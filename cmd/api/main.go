package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/obsidian-market/obsidian-backend/internal/api"
	"github.com/obsidian-market/obsidian-backend/internal/config"
	"github.com/obsidian-market/obsidian-backend/internal/jobs"
	"github.com/obsidian-market/obsidian-backend/internal/log"
	"github.com/obsidian-market/obsidian-backend/internal/metrics"
	"github.com/obsidian-market/obsidian-backend/internal/onchain"
	"github.com/obsidian-market/obsidian-backend/internal/repository"
	"github.com/obsidian-market/obsidian-backend/internal/store"
	"github.com/obsidian-market/obsidian-backend/internal/trading"
	"github.com/obsidian-market/obsidian-backend/internal/ws"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := log.NewSugarWithFile(cfg.Env, cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infow("Starting Obsidian Market API server",
		"env", cfg.Env,
		"addr", cfg.HTTPAddr,
		"network", cfg.Aleo.Network,
		"program", cfg.Aleo.ProgramID,
	)

	// Setup metrics
	metricsObj, metricsHandler, err := metrics.Setup("obsidian-api")
	if err != nil {
		logger.Fatalw("Failed to setup metrics", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Mirrored market store
	repo, err := repository.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatalw("Failed to open database", "driver", cfg.Database.Driver, "error", err)
	}
	defer repo.Close()
	logger.Infow("Database initialized", "driver", cfg.Database.Driver)

	// Setup Redis cache; falls back to memory when Redis is unreachable
	cache, err := store.NewCache(cfg.Cache.RedisAddr, logger, metricsObj)
	if err != nil {
		logger.Fatalw("Failed to setup cache", "error", err)
	}
	defer cache.Close()

	if err := cache.Ping(ctx); err != nil {
		logger.Fatalw("Cache ping failed", "error", err)
	}
	logger.Infow("Cache connection established", "in_memory", cache.IsInMemoryMode())

	// Chain access
	chainClient := onchain.NewClient(cfg.Aleo)
	txBuilder := onchain.NewTransactionBuilder(cfg.Aleo)

	reserveSvc := onchain.NewReserveService(chainClient, repo, cache, logger,
		onchain.WithBackoff(onchain.ConstantBackoff(cfg.Trading.QuoteRetries, cfg.Trading.QuoteBackoff)),
		onchain.WithCacheTTL(cfg.Cache.ReservesTTL),
		onchain.WithMetrics(metricsObj),
	)
	userSvc := onchain.NewUserService(chainClient, cache, logger)

	tradingCfg, err := trading.ConfigFrom(cfg.Trading, cfg.Aleo.Decimals)
	if err != nil {
		logger.Fatalw("Invalid trading config", "error", err)
	}
	tradingOpts := []trading.Option{trading.WithMetrics(metricsObj)}
	if cfg.Aleo.SignerURL != "" {
		// the bridge broadcasts, so it is also asked for confirmation
		signer := onchain.NewSignerClient(cfg.Aleo.SignerURL, cfg.Aleo.RequestTimeout)
		tradingOpts = append(tradingOpts, trading.WithSubmitter(signer), trading.WithStatusSource(signer))
		logger.Infow("Wallet signer configured", "url", cfg.Aleo.SignerURL)
	}
	tradingSvc := trading.NewService(tradingCfg, reserveSvc, txBuilder, repo, chainClient, cache, logger, tradingOpts...)

	// Setup WebSocket hub
	wsHub := ws.NewHub(cache, logger, metricsObj, cfg.Security.CORSAllowedOrigins)

	// Create context for background services
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	go wsHub.Run(bgCtx)

	if cfg.Sync.Enabled {
		reserveSync := jobs.NewReserveSync(reserveSvc, repo, logger, jobs.ReserveSyncConfig{Interval: cfg.Sync.Interval})
		go func() {
			if err := reserveSync.Start(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorw("Reserve sync error", "error", err)
			}
		}()
	}

	// Setup API handler and middleware
	handler := api.NewHandler(reserveSvc, repo, tradingSvc, userSvc, chainClient, txBuilder, wsHub, cache, cfg, logger)
	middleware := api.NewMiddleware(logger, metricsObj)
	router := handler.Routes(middleware, cfg.Security.CORSAllowedOrigins, cfg.Security.RateLimitRPM, metricsHandler)

	logger.Infow("CORS configured", "allowed_origins", cfg.Security.CORSAllowedOrigins)

	// Setup HTTP server
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Infow("API server starting", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatalw("Server startup failed", "error", err)
	case sig := <-shutdown:
		logger.Infow("Shutdown signal received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Errorw("Graceful shutdown failed", "error", err)
			server.Close()
		}
		bgCancel()

		// submitted bets are followed to a terminal state before exit
		logger.Infow("Waiting for pending confirmations")
		handler.Wait()

		logger.Infow("Server stopped")
	}
}
