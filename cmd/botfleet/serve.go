package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/botfleet/pkg/api"
	"github.com/cuemby/botfleet/pkg/controlplane"
	"github.com/cuemby/botfleet/pkg/log"
	"github.com/cuemby/botfleet/pkg/metrics"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	Long: `Run the control plane: the agent-facing gRPC API, the heartbeat
watchdog, recovery and the operational HTTP endpoints.

A read-only copy of the API is served on a unix socket in the data
directory for the inspect commands.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("http-addr", "", "Address for /health, /ready and /metrics, overrides the config file")
	serveCmd.Flags().String("grpc-addr", "", "Address for the gRPC API, overrides the config file")
	serveCmd.Flags().Bool("log-json", false, "Log JSON instead of console output")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("http-addr"); addr != "" {
		cfg.API.HTTPAddr = addr
	}
	if addr, _ := cmd.Flags().GetString("grpc-addr"); addr != "" {
		cfg.API.GRPCAddr = addr
	}
	if jsonOut, _ := cmd.Flags().GetBool("log-json"); jsonOut {
		cfg.Log.JSON = true
	}

	log.Init(log.Config{Level: log.ParseLevel(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	metrics.SetVersion(Version)
	logger := log.WithComponent("serve")

	cp, err := controlplane.New(cfg, controlplane.Options{})
	if err != nil {
		return fmt.Errorf("failed to create control plane: %w", err)
	}

	grpcLis, err := net.Listen("tcp", cfg.API.GRPCAddr)
	if err != nil {
		_ = cp.Stop()
		return fmt.Errorf("failed to listen on %s: %w", cfg.API.GRPCAddr, err)
	}
	sock := socketPath(cfg)
	_ = os.Remove(sock)
	sockLis, err := net.Listen("unix", sock)
	if err != nil {
		_ = grpcLis.Close()
		_ = cp.Stop()
		return fmt.Errorf("failed to listen on %s: %w", sock, err)
	}

	agentAPI := api.NewServer(cp)
	localAPI := api.NewServer(cp, api.ReadOnlyInterceptor())
	health := api.NewHealthServer(cfg.API.HTTPAddr)

	cp.Start()
	metrics.UpdateComponent("api", true, cfg.API.GRPCAddr)
	logger.Info().
		Str("grpc_addr", cfg.API.GRPCAddr).
		Str("http_addr", cfg.API.HTTPAddr).
		Str("socket", sock).
		Str("version", Version).
		Msg("botfleet is running")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return agentAPI.Serve(grpcLis) })
	g.Go(func() error { return localAPI.Serve(sockLis) })
	g.Go(health.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down")
		metrics.UpdateComponent("api", false, "shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		agentAPI.Stop()
		localAPI.Stop()
		return errors.Join(health.Shutdown(shutdownCtx), cp.Stop())
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}
