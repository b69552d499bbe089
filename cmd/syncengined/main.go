// Command syncengined is a demo daemon embedding the sync engine: it loads
// configuration from the environment, opens the local store, starts
// serving and dialing peers, and exposes Prometheus metrics, following the
// teacher's cmd/acp-node wiring order (config → store/clock → peer
// transport → metrics http server → signal-driven graceful shutdown).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hlcsync/syncengine"
	"github.com/hlcsync/syncengine/internal/config"
	"github.com/hlcsync/syncengine/internal/merge"
	"github.com/hlcsync/syncengine/internal/metrics"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Info("starting sync engine",
		zap.String("user_id", cfg.UserID),
		zap.String("device_id", cfg.DeviceID),
		zap.String("store_path", cfg.StorePath),
		zap.Int("listen_port", cfg.ListenPort))

	m := metrics.New("syncengine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := syncengine.Open(ctx, cfg, merge.NewStructCodec("id"), logger, m)
	if err != nil {
		logger.Fatal("failed to open engine", zap.Error(err))
	}
	defer engine.Close()

	var peerAddrs []string
	if v := os.Getenv("PEER_ADDRESSES"); v != "" {
		for _, a := range strings.Split(v, ",") {
			peerAddrs = append(peerAddrs, strings.TrimSpace(a))
		}
	}

	if err := engine.StartSync(ctx, peerAddrs); err != nil {
		logger.Fatal("failed to start sync", zap.Error(err))
	}
	logger.Info("sync started", zap.String("listen_addr", engine.ListenAddr()), zap.Strings("peers", peerAddrs))

	http.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr}
	go func() {
		logger.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down gracefully")
	engine.StopSync()
	cancel()
	metricsServer.Close()
	logger.Info("shutdown complete")
}
