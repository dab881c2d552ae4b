package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"skippy/internal/config"
	"skippy/internal/metrics"
	"skippy/internal/server"
)

var serveFlags struct {
	listen string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Share the configured repository with other machines over HTTP",
	Long: `Serve the configured repository over HTTP. Builds on other machines use
it with repository.backend: http and repository.url pointing here.
Prometheus metrics are exposed on /metrics.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.listen, "listen", "", "Address to listen on (default: server.listen)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withRepo(cmd, func(_ context.Context, e *env) error {
		if e.cfg.Repository.Backend == config.BackendHTTP {
			return fmt.Errorf("serve needs a storage backend, not http")
		}
		addr := e.cfg.Server.Listen
		if serveFlags.listen != "" {
			addr = serveFlags.listen
		}

		m := metrics.New()
		router := server.NewRouter(e.repo.Backend(), &server.Config{
			Version:     version,
			BackendName: e.cfg.Repository.Backend,
			MaxBlobSize: e.cfg.Server.MaxBlobSize,
		}, e.log, m)
		handler := server.WithDefaults(router, e.log, m, e.cfg.Server.Timeout)

		e.log.Info("serving repository",
			"backend", e.cfg.Repository.Backend,
			"listen", addr,
			"maxBlobSize", e.cfg.Server.MaxBlobSize)
		return server.Serve(ctx, addr, handler, e.log)
	})
}
