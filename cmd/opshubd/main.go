// Command opshubd runs the operations hub: bundler registry +
// supervisor, chain indexer, log hub, telemetry aggregator, and the
// HTTP API that fronts them (spec section 4.2), with graceful
// shutdown on SIGINT/SIGTERM (section 5 Cancellation).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blendle/zapdriver"
	"go.uber.org/zap"

	"github.com/t402-io/gasless-ops/chain"
	"github.com/t402-io/gasless-ops/config"
	"github.com/t402-io/gasless-ops/ops"
)

func main() {
	configPath := flag.String("config", "", "path to hub config JSON file")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "opshubd: -config is required")
		os.Exit(1)
	}

	driverCfg := zapdriver.NewProductionConfig()
	logger, err := driverCfg.Build(zapdriver.WrapCore())
	if err != nil {
		fmt.Fprintf(os.Stderr, "opshubd: build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.LoadHubFile(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter, err := chain.NewEthAdapter(ctx, cfg.ChainRPCURL)
	if err != nil {
		logger.Fatal("dial chain adapter", zap.Error(err))
	}

	registry := ops.NewRegistry()
	logStore := ops.NewLogStore(cfg.DataDir)
	if err := logStore.RehydrateFromDisk(recentDays(3)); err != nil {
		logger.Warn("log store rehydrate", zap.Error(err))
	}

	supervisor := ops.NewSupervisor(registry, logStore, cfg.DataDir, cfg.ChainRPCURL, cfg.PortRangeLow, cfg.PortRangeHigh, logger)
	telemetry := ops.NewTelemetry()
	analytics := ops.NewAnalytics(0)

	deployments := cfg.Deployments()
	indexer := ops.NewIndexer(ops.IndexerConfig{
		EntryPoint:     deployments.EntryPoint,
		Paymaster:      deployments.Paymaster,
		DataDir:        cfg.DataDir,
		LookbackBlocks: uint64(cfg.IndexerLookbackBlocks),
		MaxBlockRange:  uint64(cfg.IndexerMaxBlockRange),
		TickInterval:   time.Duration(cfg.IndexerTickSeconds) * time.Second,
	}, adapter, analytics, logger)
	if err := indexer.Start(ctx); err != nil {
		logger.Fatal("start indexer", zap.Error(err))
	}

	router := ops.NewRouter(ops.APIConfig{
		Registry:    registry,
		Supervisor:  supervisor,
		LogStore:    logStore,
		Telemetry:   telemetry,
		Analytics:   analytics,
		Adapter:     adapter,
		Deployments: deployments,
		AdminToken:  cfg.AdminToken,
		StartedAt:   time.Now(),
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: router,
	}

	go supervisor.RunHealthProbes(ctx)
	go indexer.Run(ctx)
	go func() {
		logger.Info("operations hub listening", zap.Int("port", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down operations hub")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}

// recentDays returns the last n day strings (today and the previous
// n-1 days), oldest first, for log-store rehydration at startup
// (section 4.2.3).
func recentDays(n int) []string {
	days := make([]string, n)
	now := time.Now()
	for i := 0; i < n; i++ {
		days[n-1-i] = now.AddDate(0, 0, -i).Format("2006-01-02")
	}
	return days
}
