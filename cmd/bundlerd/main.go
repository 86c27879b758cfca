// Command bundlerd runs one ERC-4337 bundler engine process: JSON-RPC
// server on /rpc, bundling loop, and graceful shutdown on SIGINT/
// SIGTERM (spec section 5 Cancellation).
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
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/t402-io/gasless-ops/bundler"
	"github.com/t402-io/gasless-ops/chain"
	"github.com/t402-io/gasless-ops/config"
	"github.com/t402-io/gasless-ops/jsonrpc"
)

func main() {
	configPath := flag.String("config", "", "path to bundler.config.json")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "bundlerd: -config is required")
		os.Exit(1)
	}

	driverCfg := zapdriver.NewProductionConfig()
	logger, err := driverCfg.Build(zapdriver.WrapCore())
	if err != nil {
		fmt.Fprintf(os.Stderr, "bundlerd: build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.LoadBundlerFile(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter, err := chain.NewEthAdapter(ctx, cfg.RPCURL)
	if err != nil {
		logger.Fatal("dial chain adapter", zap.Error(err))
	}

	engine := bundler.NewEngine(bundler.Config{
		ServiceName:         cfg.ServiceName,
		EntryPoint:          cfg.EntryPointAddress(),
		Paymaster:           cfg.PaymasterAddress(),
		ChainID:             cfg.ChainID,
		Policy:              cfg.Policy,
		BundleInterval:      durationOrDefault(cfg.BundleIntervalMs, 2*time.Second),
		MempoolSizeTrigger:  intOrDefault(cfg.MempoolSizeTrigger, 10),
		Beneficiary:         cfg.BeneficiaryAddress(),
		OwnWallet:           cfg.OwnWalletAddress(),
		BundleGasLimit:      uint64(intOrDefault(cfg.BundleGasLimit, 3_000_000)),
		ReceiptPollInterval: durationOrDefault(cfg.ReceiptPollIntervalMs, time.Second),
		ReceiptPollTimeout:  durationOrDefault(cfg.ReceiptPollTimeoutMs, time.Minute),
	}, adapter, logger, nil)

	rpcServer := jsonrpc.NewServer(bundler.ClassifyError)
	engine.RegisterRPC(rpcServer)

	router := gin.New()
	router.Use(gin.Recovery())
	router.POST("/rpc", rpcServer.ServeHTTP)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	engineErr := make(chan error, 1)
	go func() {
		engineErr <- engine.Start(ctx)
	}()

	go func() {
		logger.Info("bundler http listening", zap.Int("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down bundler")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	if err := <-engineErr; err != nil && !isContextCanceled(err) {
		logger.Warn("bundling loop exited with error", zap.Error(err))
	}
}

func durationOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func intOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func isContextCanceled(err error) bool {
	return err == context.Canceled || err == context.DeadlineExceeded
}
