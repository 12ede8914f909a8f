package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/metorial/telemetry-hub/internal/agent"
	"github.com/metorial/telemetry-hub/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultRetryDelay = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "agent",
		Short:         "Sample host metrics and stream them to a telemetry collector",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := run(cmd.Context(), v); err != nil {
				fmt.Fprintln(os.Stderr, "Error:", err)
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("collector", "", "collector address (host:port or ws:// URL)")
	flags.String("consul", "", "consul address used to discover the collector")
	flags.String("service", agent.DefaultCollectorService, "collector service name in consul")
	flags.String("transport", "ws", "transport to the collector: ws or grpc")
	flags.String("api-key", "", "shared api key")
	flags.String("host-id", "", "host identity (defaults to the hostname)")
	flags.String("group", "", "host group")
	flags.Duration("interval", agent.DefaultInterval, "report interval")
	flags.String("log-level", "info", "log level")
	flags.String("log-format", "text", "log format: text or json")

	// Every flag can also come from AGENT_<FLAG>, e.g. AGENT_API_KEY.
	v.SetEnvPrefix("AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)

	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	logger := logging.New(v.GetString("log-level"), v.GetString("log-format"))

	apiKey := v.GetString("api-key")
	if apiKey == "" {
		return errors.New("an api key is required (--api-key or AGENT_API_KEY)")
	}

	collectorAddr := v.GetString("collector")
	consulAddr := v.GetString("consul")
	if collectorAddr == "" && consulAddr == "" {
		return errors.New("either --collector or --consul must be set")
	}

	transportName := v.GetString("transport")
	dial, err := agent.DialerFor(transportName)
	if err != nil {
		return err
	}

	sampler, err := agent.NewMetricsCollector()
	if err != nil {
		return fmt.Errorf("create metrics collector: %w", err)
	}

	hostID := v.GetString("host-id")
	if hostID == "" {
		hostID = sampler.Hostname()
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := agent.NewClient(agent.Config{
		Identity: agent.Identity{
			HostID: hostID,
			Group:  v.GetString("group"),
			APIKey: apiKey,
		},
		Interval: v.GetDuration("interval"),
	}, sampler, dial, logger)

	logger.Info("starting agent", "hostId", hostID, "transport", transportName)

	if collectorAddr != "" {
		logger.Info("using direct collector address", "addr", collectorAddr)
		return client.Run(ctx, agent.StaticAddress(collectorAddr))
	}

	tag := agent.TagWebSocket
	if transportName == "grpc" {
		tag = agent.TagGRPC
	}
	discovery, err := newDiscovery(ctx, consulAddr, v.GetString("service"), tag, logger)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("using consul service discovery", "consul", consulAddr)
	return client.Run(ctx, discovery.WatchCollector(ctx))
}

// newDiscovery retries until a consul client can be created or ctx ends.
func newDiscovery(ctx context.Context, addr, service, tag string, logger *slog.Logger) (*agent.ServiceDiscovery, error) {
	for {
		sd, err := agent.NewServiceDiscovery(addr, service, tag, logger)
		if err == nil {
			return sd, nil
		}
		logger.Warn("failed to create service discovery, retrying", "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(defaultRetryDelay):
		}
	}
}
