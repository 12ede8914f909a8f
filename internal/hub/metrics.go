package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectedConsumers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_hub_dashboards_connected",
			Help: "Number of dashboards attached to the broadcast hub",
		},
	)

	droppedBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_hub_broadcast_dropped_total",
			Help: "Broadcast batches skipped because a dashboard buffer was full",
		},
	)
)
