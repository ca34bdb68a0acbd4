package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	httpServer "github.com/cartridge/learner/internal/http"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP control API",
	Long: `Serve exposes agent creation, training control, inference and policy
persistence over HTTP, with a progress monitor publishing status events.`,
	RunE: runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.String("addr", ":8080", "HTTP listen address")
	flags.String("policy-dir", "", "Directory that confines policy paths given over HTTP")

	bindFlags(flags, map[string]string{
		"addr":       "server.addr",
		"policy-dir": "server.policy_dir",
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()
	logger := app.logger

	go app.monitor.Start(ctx)

	h := httpServer.NewServer(app.manager, httpServer.Options{
		Defaults:  cfg.Training,
		PolicyDir: cfg.Server.PolicyDir,
		Metrics:   app.metrics,
	}, &logger)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("learner HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
			return err
		}
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	<-serveErr
	logger.Info().Msg("learner stopped")
	return nil
}
