package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/outbox-engine/internal/app"
	"github.com/jmehdipour/outbox-engine/internal/config"
	"github.com/jmehdipour/outbox-engine/internal/logger"
	"github.com/jmehdipour/outbox-engine/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var metricsAddr string

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run the outbox dispatcher without the ops API",
	RunE:  runDispatch,
}

func init() {
	dispatchCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics on this address (disabled when empty)")
}

func runDispatch(cmd *cobra.Command, args []string) error {
	// 1) load config
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.Init(cfg.Log.Level, cfg.Log.Format)
	defer func() { _ = log.Sync() }()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	// 2) backends, handlers, dispatcher
	a, err := app.New(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if cfg.Store.Driver == "memory" {
		log.Warn("memory store: events published by other processes are not visible to this dispatcher")
	}

	var metricsSrv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server exited", zap.Error(err))
			}
		}()
	}

	// 3) graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("dispatch worker ready",
		zap.String("instance_id", a.InstanceID),
		zap.String("driver", cfg.Store.Driver),
		zap.Duration("poll_interval", cfg.Outbox.PollInterval),
		zap.Int("batch_size", cfg.Outbox.BatchSize),
		zap.Int("workers", cfg.Outbox.Workers),
		zap.Strings("events", a.Registry.EventNames()),
	)
	a.Dispatcher.Start(ctx)

	<-ctx.Done()
	log.Info("signal received, draining in-flight events")

	stopCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(stopCtx)
	}
	if err := a.Dispatcher.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop dispatcher: %w", err)
	}
	return nil
}
