package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcclellann/loanledger/pkg/cache"
	"github.com/mcclellann/loanledger/pkg/config"
	"github.com/mcclellann/loanledger/pkg/ledger"
	"github.com/mcclellann/loanledger/pkg/logging"
	"github.com/mcclellann/loanledger/pkg/metrics"
	"github.com/mcclellann/loanledger/pkg/store"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.LoadFromConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.New(cfg.Logging.Level)

	sqliteStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("Failed to initialize SQLite store: %v", err)
	}
	defer sqliteStore.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var listCache *cache.ListCache
	if cfg.Redis.Enabled {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		client, err := cache.Connect(pingCtx, &redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cancel()
		if err != nil {
			logger.WithError(err).Warn("redis unavailable, serving without list cache")
		} else {
			defer client.Close()
			listCache = cache.NewListCache(client, cfg.Redis.TTL, logger)
		}
	}

	server := NewServer(Deps{
		Storage: sqliteStore,
		Cache:   listCache,
		Metrics: metrics.NewCollector("loanledger"),
		Logger:  logger,
		Options: []ledger.Option{ledger.WithDefaults(ledger.Defaults{
			InterestRate: cfg.Loan.InterestRate(),
			PenaltyRate:  cfg.Loan.Penalty(),
		})},
	})

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Settlement.Cron, server.runSweep); err != nil {
		logger.Fatalf("Invalid settlement schedule %q: %v", cfg.Settlement.Cron, err)
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("server shutdown failed")
		}
	}()

	logger.WithFields(logrus.Fields{"addr": addr, "settlement_cron": cfg.Settlement.Cron}).Info("server starting")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("Server failed: %v", err)
	}
}
