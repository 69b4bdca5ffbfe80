package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/outbox-engine/internal/app"
	"github.com/jmehdipour/outbox-engine/internal/config"
	httpSrv "github.com/jmehdipour/outbox-engine/internal/http"
	"github.com/jmehdipour/outbox-engine/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var noDispatcher bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ops HTTP server with an embedded dispatcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log := logger.Init(cfg.Log.Level, cfg.Log.Format)
		defer func() { _ = log.Sync() }()

		a, err := app.New(cfg, log)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		var runner httpSrv.Runner
		if !noDispatcher {
			runner = a.Dispatcher
		}
		server := httpSrv.NewServer(httpSrv.Deps{
			Store:      a.Store,
			Audit:      a.Audit,
			Dispatcher: runner,
			Handlers:   a.Registry,
			AdminKey:   cfg.HTTP.AdminKey,
			LogLevel:   cfg.Log.Level,
			Log:        log.Named("http"),
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if !noDispatcher {
			a.Dispatcher.Start(ctx)
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		select {
		case <-ctx.Done():
			log.Info("signal received, shutting down")
		case err := <-errCh:
			if err != nil {
				log.Error("http server exited", zap.Error(err))
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)

		stopCtx, cancelStop := context.WithTimeout(context.Background(), app.ShutdownTimeout)
		defer cancelStop()
		if err := a.Dispatcher.Stop(stopCtx); err != nil {
			log.Warn("dispatcher did not stop in time", zap.Error(err))
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&noDispatcher, "no-dispatcher", false, "serve the ops API only; run `outbox worker dispatch` separately")
}
