package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/serverbox/serverbox/internal/api"
	"github.com/serverbox/serverbox/internal/config"
	"github.com/serverbox/serverbox/internal/daytona"
	"github.com/serverbox/serverbox/internal/instance"
	"github.com/serverbox/serverbox/internal/logging"
	"github.com/serverbox/serverbox/internal/metrics"
	"github.com/serverbox/serverbox/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("serverbox: failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("serverbox: failed to build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx := context.Background()

	var st store.Store
	if cfg.DatabaseURL != "" {
		st, err = store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to connect to postgres", zap.Error(err))
		}
		logger.Info("using postgres metadata store")
	} else {
		st, err = store.OpenSQLite(cfg.DBPath)
		if err != nil {
			logger.Fatal("failed to open sqlite store", zap.Error(err))
		}
		logger.Info("using sqlite metadata store", zap.String("path", cfg.DBPath))
	}
	defer st.Close()

	metrics.RegisterStateGauge(func() map[string]int {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		counts := make(map[string]int)
		instances, err := st.List(ctx)
		if err != nil {
			logger.Warn("state gauge scrape failed", zap.Error(err))
			return counts
		}
		for _, inst := range instances {
			counts[string(inst.State)]++
		}
		return counts
	})

	provider := daytona.NewClient(cfg.DaytonaAPIURL, cfg.DaytonaAPIKey, cfg.DaytonaTarget)
	logger.Info("daytona provider configured",
		zap.String("apiUrl", provider.BaseURL()),
		zap.String("target", cfg.DaytonaTarget))
	bootstrap := instance.NewOpencodeBootstrapper(provider, logger)

	mgr := instance.NewManager(st, provider, bootstrap, logger, instance.Options{
		DaytonaAPIKey:  cfg.DaytonaAPIKey,
		PasswordLength: cfg.PasswordLength,
		DefaultTimeout: time.Duration(cfg.HealthTimeoutMs) * time.Millisecond,
	})

	coordinator := instance.NewCoordinator(mgr, logger, cfg.AutoResume,
		time.Duration(cfg.ResumeTimeoutMs)*time.Millisecond)

	server := api.NewServer(mgr, coordinator, cfg, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	logger.Info("starting serverbox proxy",
		zap.String("addr", addr),
		zap.String("publicUrl", cfg.PublicURL),
		zap.Bool("autoResume", cfg.AutoResume))

	go func() {
		if err := server.Start(addr); err != nil {
			logger.Warn("server stopped", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown did not complete cleanly", zap.Error(err))
	}
}
