package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/spf13/cobra"

	"github.com/codelab/coderunner/pkg/config"
	"github.com/codelab/coderunner/pkg/log"
	"github.com/codelab/coderunner/pkg/network"
	"github.com/codelab/coderunner/pkg/orchestrator"
	"github.com/codelab/coderunner/pkg/pool"
	"github.com/codelab/coderunner/pkg/server"
	"github.com/codelab/coderunner/pkg/subnet"
)

var version = "dev"

func main() {
	var (
		logLevel string
		jsonLogs bool
	)

	rootCmd := &cobra.Command{
		Use:   "coderunner",
		Short: "Code execution backend for the programming lab",
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", true, "JSON log output")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the execution service",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: jsonLogs})
			return serve()
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer docker.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := docker.Ping(pingCtx); err != nil {
		return fmt.Errorf("docker unreachable: %w", err)
	}

	alloc := subnet.NewAllocator(cfg.SubnetPools, log.WithComponent("subnet"))
	networks := network.NewManager(docker, alloc, cfg.SessionNetworkPrefix, log.WithComponent("network"))

	// Adopt anything a previous process left behind before handing out leases.
	if err := networks.Reconcile(context.Background()); err != nil {
		return fmt.Errorf("reconcile networks: %w", err)
	}

	p := pool.New(docker, networks, cfg, log.WithComponent("pool"))
	backend := orchestrator.NewDockerBackend(docker, p, cfg, log.WithComponent("backend"))
	orch := orchestrator.New(cfg, backend, log.WithComponent("orchestrator"))
	orch.SetTeardown(func(sessionID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		p.DestroySession(ctx, sessionID)
	})

	srv := server.New(cfg, orch, p, networks, docker, log.WithComponent("server"))
	p.SetStreamChecker(srv.HasOpenStream)

	p.Start()
	orch.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	_ = srv.Shutdown(shutdownCtx)
	orch.Shutdown(shutdownCtx)
	p.Stop()
	p.Shutdown(shutdownCtx)

	log.Info("shutdown complete")
	return nil
}
