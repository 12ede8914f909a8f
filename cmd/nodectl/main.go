package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/metorial/telemetry-hub/internal/cli"
	"github.com/spf13/cobra"
)

var (
	serverURL    string
	outputJSON   bool
	outputFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nodectl",
	Short: "CLI for the telemetry collector",
	Long: `nodectl is a command-line interface for the telemetry collector REST API.

It lists hosts and their history, manages alerts, sends commands to agents
and reads the collector's audit journal.`,
	SilenceUsage: true,
}

func newClient() *cli.Client {
	return cli.NewClient(serverURL)
}

func printer() (*cli.Printer, error) {
	if outputJSON {
		return cli.NewPrinter(os.Stdout, cli.FormatJSON), nil
	}
	format, err := cli.ParseFormat(outputFormat)
	if err != nil {
		return nil, err
	}
	return cli.NewPrinter(os.Stdout, format), nil
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check collector service health",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := printer()
		if err != nil {
			return err
		}
		data, err := newClient().Health(cmd.Context())
		if err != nil {
			return err
		}
		return p.Print(data, cli.HealthTable(data))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show collector status counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := printer()
		if err != nil {
			return err
		}
		data, err := newClient().Status(cmd.Context())
		if err != nil {
			return err
		}
		return p.Print(data, cli.StatusTable(data))
	},
}

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "Query hosts",
}

var listHostsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all hosts",
	RunE: func(cmd *cobra.Command, args []string) error {
		group, _ := cmd.Flags().GetString("group")

		p, err := printer()
		if err != nil {
			return err
		}
		data, err := newClient().ListHosts(cmd.Context(), group)
		if err != nil {
			return err
		}
		return p.Print(data, cli.HostsTable(data))
	},
}

var getHostCmd = &cobra.Command{
	Use:   "get [hostId]",
	Short: "Get a host's latest record and alerts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := printer()
		if err != nil {
			return err
		}
		data, err := newClient().GetHost(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return p.Print(data, cli.HostDetailTable(data))
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [hostId]",
	Short: "Show a host's downsampled history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		window, _ := cmd.Flags().GetDuration("since")

		var since int64
		if window > 0 {
			since = time.Now().Add(-window).UnixMilli()
		}

		p, err := printer()
		if err != nil {
			return err
		}
		data, err := newClient().History(cmd.Context(), args[0], since)
		if err != nil {
			return err
		}
		return p.Print(data, cli.HistoryTable(data))
	},
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List and acknowledge alerts",
}

var listAlertsCmd = &cobra.Command{
	Use:   "list",
	Short: "List active alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		hostID, _ := cmd.Flags().GetString("host")

		p, err := printer()
		if err != nil {
			return err
		}
		data, err := newClient().ListAlerts(cmd.Context(), hostID)
		if err != nil {
			return err
		}
		return p.Print(data, cli.AlertsTable(data))
	},
}

var ackAlertCmd = &cobra.Command{
	Use:   "ack [alertId]",
	Short: "Acknowledge an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := printer()
		if err != nil {
			return err
		}
		data, err := newClient().AcknowledgeAlert(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return p.Print(data, cli.AckTable(data))
	},
}

var commandCmd = &cobra.Command{
	Use:   "command [hostId] [type]",
	Short: "Send a command to a host's agent",
	Long: `Send a command to the agent currently connected for a host.

The reference agent understands collect_now, update_config (with
--interval) and restart_agent. Other agents may accept other types;
--body supplies extra JSON fields.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, _ := cmd.Flags().GetString("body")
		interval, _ := cmd.Flags().GetDuration("interval")

		command := map[string]any{}
		if body != "" {
			if err := json.Unmarshal([]byte(body), &command); err != nil {
				return fmt.Errorf("parse --body: %w", err)
			}
		}
		command["type"] = args[1]
		if interval > 0 {
			command["intervalMs"] = interval.Milliseconds()
		}

		payload, err := json.Marshal(command)
		if err != nil {
			return err
		}

		p, err := printer()
		if err != nil {
			return err
		}
		data, err := newClient().SendCommand(cmd.Context(), args[0], payload)
		if err != nil {
			return err
		}
		return p.Print(data, cli.CommandTable(data))
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Read the collector's audit journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		hostID, _ := cmd.Flags().GetString("host")
		kind, _ := cmd.Flags().GetString("kind")
		limit, _ := cmd.Flags().GetInt("limit")

		p, err := printer()
		if err != nil {
			return err
		}
		data, err := newClient().Events(cmd.Context(), hostID, kind, limit)
		if err != nil {
			return err
		}
		return p.Print(data, cli.EventsTable(data))
	},
}

func init() {
	// Check for environment variable, fallback to default
	defaultServerURL := os.Getenv("COLLECTOR_URL")
	if defaultServerURL == "" {
		defaultServerURL = "http://localhost:8080"
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", defaultServerURL, "Collector server URL")
	rootCmd.PersistentFlags().BoolVarP(&outputJSON, "json", "j", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json or yaml")

	listHostsCmd.Flags().StringP("group", "g", "", "Only hosts in this group")
	historyCmd.Flags().Duration("since", 0, "Only points newer than this (e.g. 15m)")
	listAlertsCmd.Flags().String("host", "", "Only alerts for this host")
	commandCmd.Flags().String("body", "", "Extra command fields as a JSON object")
	commandCmd.Flags().Duration("interval", 0, "Report interval for update_config")
	eventsCmd.Flags().String("host", "", "Only events for this host")
	eventsCmd.Flags().String("kind", "", "Only events of this kind")
	eventsCmd.Flags().IntP("limit", "l", 50, "Number of events to show (max: 1000)")

	hostsCmd.AddCommand(listHostsCmd)
	hostsCmd.AddCommand(getHostCmd)
	alertsCmd.AddCommand(listAlertsCmd)
	alertsCmd.AddCommand(ackAlertCmd)

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(hostsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(alertsCmd)
	rootCmd.AddCommand(commandCmd)
	rootCmd.AddCommand(eventsCmd)
}
