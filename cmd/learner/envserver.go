package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/cartridge/learner/internal/remoteenv"
	"github.com/cartridge/learner/internal/targetenv"
)

var envServerCmd = &cobra.Command{
	Use:   "envserver",
	Short: "Serve the target environment over gRPC",
	Long: `Envserver exposes the built-in target-reaching environment as the
learner.env.v1.Environment gRPC service so agents in other processes can
train against it with --env remote.`,
	RunE: runEnvServer,
}

func init() {
	flags := envServerCmd.Flags()
	flags.String("listen", ":50061", "gRPC listen address")
	flags.Int64("env-seed", 7, "Seed for target and start positions")

	bindFlags(flags, map[string]string{
		"listen":   "server.env_server_addr",
		"env-seed": "environment.target.seed",
	})
}

func runEnvServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(os.Stdout, cfg.LogLevel)
	if err != nil {
		return err
	}

	server := grpc.NewServer(
		grpc.UnaryInterceptor(remoteenv.LoggingInterceptor(logger)),
	)
	remoteenv.RegisterEnvironmentServer(server, remoteenv.NewServer(targetenv.New(cfg.Environment.Target, logger), logger))

	// Enable reflection for development
	reflection.Register(server)

	lis, err := net.Listen("tcp", cfg.Server.EnvServerAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.EnvServerAddr, err)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", lis.Addr().String()).Msg("Environment service listening")
		serveErr <- server.Serve(lis)
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case err := <-serveErr:
		return fmt.Errorf("failed to serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-shutdownCtx.Done():
		logger.Warn().Msg("Shutdown timeout exceeded, forcing stop")
		server.Stop()
	case <-stopped:
		logger.Info().Msg("Server stopped gracefully")
	}
	return nil
}
