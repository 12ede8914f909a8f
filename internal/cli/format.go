package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/metorial/telemetry-hub/internal/models"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "", FormatTable:
		return FormatTable, nil
	case FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want table, json or yaml)", s)
	}
}

// Printer renders API responses in the selected format.
type Printer struct {
	w      io.Writer
	format Format
}

func NewPrinter(w io.Writer, format Format) *Printer {
	return &Printer{w: w, format: format}
}

// Print writes data as JSON or YAML, or calls table for the table format.
func (p *Printer) Print(data any, table func(w io.Writer) error) error {
	switch p.format {
	case FormatJSON:
		encoder := json.NewEncoder(p.w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(data)
	case FormatYAML:
		return writeYAML(p.w, data)
	default:
		return table(p.w)
	}
}

// writeYAML goes through JSON first so keys keep their JSON names.
func writeYAML(w io.Writer, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func HealthTable(h *Health) func(io.Writer) error {
	return func(w io.Writer) error {
		fmt.Fprintf(w, "Status: %s\n", h.Status)
		fmt.Fprintf(w, "Journal: %s\n", h.Journal)
		return nil
	}
}

func StatusTable(s *Status) func(io.Writer) error {
	return func(w io.Writer) error {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "Uptime:\t%s\n", formatUptime(s.UptimeSeconds))
		fmt.Fprintf(tw, "Hosts:\t%d\n", s.HostCount)
		fmt.Fprintf(tw, "Connected:\t%d\n", s.ConnectedCount)
		fmt.Fprintf(tw, "Agent Sessions:\t%d\n", s.AgentCount)
		fmt.Fprintf(tw, "Dashboards:\t%d\n", s.DashboardCount)
		fmt.Fprintf(tw, "Active Alerts:\t%d\n", s.ActiveAlertCount)
		fmt.Fprintf(tw, "Dropped Batches:\t%d\n", s.DroppedBatches)
		return tw.Flush()
	}
}

func HostsTable(list *HostList) func(io.Writer) error {
	return func(w io.Writer) error {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "HOST\tGROUP\tSTATUS\tCPU %\tMEMORY %\tUPTIME\tLAST SEEN")

		for _, h := range list.Hosts {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				h.HostID,
				h.Group,
				formatConnected(h.Connected),
				formatPercentPtr(h.CPU),
				formatPercentPtr(h.Memory),
				formatUptime(int64(h.UptimeSeconds)),
				formatTime(h.LastSeenAt),
			)
		}
		return tw.Flush()
	}
}

func HostDetailTable(d *HostDetail) func(io.Writer) error {
	return func(w io.Writer) error {
		h := d.Host
		fmt.Fprintf(w, "Host: %s\n", h.HostID)
		fmt.Fprintf(w, "Group: %s\n", h.Group)
		fmt.Fprintf(w, "Status: %s\n", formatConnected(h.Connected))
		fmt.Fprintf(w, "Remote: %s\n", h.RemoteAddr)
		fmt.Fprintf(w, "First Seen: %s\n", formatTime(h.FirstSeenAt))
		fmt.Fprintf(w, "Last Seen: %s\n", formatTime(h.LastSeenAt))

		if rec := h.Latest; rec != nil {
			fmt.Fprintf(w, "\nLatest Record (%s):\n", formatMillis(rec.Timestamp))
			fmt.Fprintf(w, "  CPU: %.1f%%\n", rec.CPU.CurrentLoad)
			fmt.Fprintf(w, "  Memory: %.1f%% of %s\n", rec.Memory.UsedPercent, formatBytes(rec.Memory.TotalBytes))
			if rec.Disk != nil {
				for _, fs := range rec.Disk.Filesystems {
					fmt.Fprintf(w, "  Disk %s: %.1f%%\n", fs.Mount, fs.UsedPercent)
				}
			}
			if rec.System != nil {
				fmt.Fprintf(w, "  Uptime: %s\n", formatUptime(int64(rec.System.UptimeSeconds)))
			}
		} else {
			fmt.Fprintln(w, "\nNo metrics received yet")
		}

		fmt.Fprintln(w)
		if len(d.Alerts) == 0 {
			fmt.Fprintln(w, "No active alerts")
			return nil
		}
		fmt.Fprintf(w, "Active Alerts (%d):\n\n", len(d.Alerts))
		return AlertsTable(&AlertList{Alerts: d.Alerts, Count: len(d.Alerts)})(w)
	}
}

func HistoryTable(h *History) func(io.Writer) error {
	return func(w io.Writer) error {
		if len(h.Points) == 0 {
			fmt.Fprintf(w, "No history for %s\n", h.HostID)
			return nil
		}

		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TIMESTAMP\tCPU %\tMEMORY %\tDISK\tRX/s\tTX/s")
		for _, p := range h.Points {
			fmt.Fprintf(tw, "%s\t%.1f\t%.1f\t%s\t%s\t%s\n",
				formatMillis(p.Timestamp),
				p.CPULoad,
				p.MemoryUsedPercent,
				formatDisks(p.DiskByMount),
				formatBytes(uint64(p.Network.RxBytesPerSec)),
				formatBytes(uint64(p.Network.TxBytesPerSec)),
			)
		}
		return tw.Flush()
	}
}

func AlertsTable(list *AlertList) func(io.Writer) error {
	return func(w io.Writer) error {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tHOST\tMETRIC\tSEVERITY\tVALUE\tTHRESHOLD\tCREATED")
		for _, a := range list.Alerts {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.1f\t%.0f\t%s\n",
				a.ID,
				a.HostID,
				alertMetric(a),
				a.Severity,
				a.Value,
				a.Threshold,
				formatTime(a.CreatedAt),
			)
		}
		return tw.Flush()
	}
}

func AckTable(r *AckResult) func(io.Writer) error {
	return func(w io.Writer) error {
		fmt.Fprintf(w, "Acknowledged %s (%d alerts still active)\n", r.AlertID, len(r.ActiveAlerts))
		return nil
	}
}

func CommandTable(r *CommandResult) func(io.Writer) error {
	return func(w io.Writer) error {
		if r.Delivered {
			fmt.Fprintf(w, "Command delivered to %s\n", r.HostID)
		} else {
			fmt.Fprintf(w, "Command not delivered: %s has no active agent session\n", r.HostID)
		}
		return nil
	}
}

func EventsTable(list *EventList) func(io.Writer) error {
	return func(w io.Writer) error {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "AT\tKIND\tHOST\tDETAIL")
		for _, e := range list.Events {
			detail := ""
			if e.AlertID != "" {
				detail = fmt.Sprintf("%s %s %.1f (%s)", e.MetricKind, e.Severity, e.Value, e.AlertID)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", formatTime(e.At), e.Kind, e.HostID, detail)
		}
		return tw.Flush()
	}
}

func alertMetric(a models.Alert) string {
	if a.Mount != "" {
		return string(a.Kind) + ":" + a.Mount
	}
	return string(a.Kind)
}

func formatConnected(connected bool) string {
	if connected {
		return "connected"
	}
	return "disconnected"
}

func formatPercentPtr(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *v)
}

func formatDisks(disks map[string]float64) string {
	if len(disks) == 0 {
		return "-"
	}
	mounts := make([]string, 0, len(disks))
	for m := range disks {
		mounts = append(mounts, m)
	}
	sort.Strings(mounts)

	parts := make([]string, len(mounts))
	for i, m := range mounts {
		parts[i] = fmt.Sprintf("%s=%.0f%%", m, disks[m])
	}
	return strings.Join(parts, ",")
}

func formatBytes(bytes uint64) string {
	value := float64(bytes)
	units := []string{"B", "KB", "MB", "GB", "TB"}
	i := 0
	for value >= 1024 && i < len(units)-1 {
		value /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", value, units[i])
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatMillis(ms int64) string {
	return formatTime(time.UnixMilli(ms))
}

func formatUptime(seconds int64) string {
	days := seconds / 86400
	hours := (seconds % 86400) / 3600
	minutes := (seconds % 3600) / 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
