package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	agentsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_hub_agents_connected",
			Help: "Number of active agent sessions",
		},
	)

	recordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_hub_records_total",
			Help: "Metric records received from agents, by result",
		},
		[]string{"result"},
	)

	alertsFiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_hub_alerts_fired_total",
			Help: "Alerts created or superseded, by metric kind and severity",
		},
		[]string{"kind", "severity"},
	)

	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_hub_commands_total",
			Help: "Commands routed to agents, by result",
		},
		[]string{"result"},
	)

	authFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_hub_auth_failures_total",
			Help: "Agent connections refused for a bad credential",
		},
	)

	livenessTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_hub_liveness_timeouts_total",
			Help: "Agent sessions closed after missing liveness probes",
		},
	)
)
