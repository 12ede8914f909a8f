package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/metorial/telemetry-hub/internal/collector"
	"github.com/metorial/telemetry-hub/internal/config"
	"github.com/metorial/telemetry-hub/internal/logging"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "collector",
		Short: "Telemetry collector: agent ingest, alerting and dashboard fan-out",
		Long: `collector accepts metric streams from agents over WebSocket or gRPC,
keeps the latest record and a short history per host, raises threshold
alerts and pushes every change to connected dashboards.

Settings come from an optional YAML file and COLLECTOR_* environment
variables, e.g. COLLECTOR_API_KEYS=key1,key2.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	return cmd
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	app, err := collector.NewApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	var httpLis, grpcLis net.Listener
	if cfg.Server.HTTPAddr != "" {
		if httpLis, err = net.Listen("tcp", cfg.Server.HTTPAddr); err != nil {
			return fmt.Errorf("listen http: %w", err)
		}
	}
	if cfg.Server.GRPCAddr != "" {
		if grpcLis, err = net.Listen("tcp", cfg.Server.GRPCAddr); err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
	}

	if cfg.Consul.Address != "" {
		registrar, err := collector.NewRegistrar(cfg.Consul.Address, cfg.Consul.ServiceName, cfg.Consul.AdvertiseAddr, logger)
		if err != nil {
			logger.Warn("consul unavailable, continuing without registration", "error", err)
		} else if err := registrar.Register(cfg.Server.HTTPAddr, cfg.Server.GRPCAddr); err != nil {
			logger.Warn("failed to register with consul", "error", err)
		} else {
			defer registrar.Deregister()
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("collector starting",
		"http", cfg.Server.HTTPAddr,
		"grpc", cfg.Server.GRPCAddr,
		"journal", cfg.Journal.Path,
		"apiKeys", len(cfg.Auth.APIKeys),
	)
	return app.Serve(ctx, httpLis, grpcLis)
}
