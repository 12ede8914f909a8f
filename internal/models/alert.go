package models

import (
	"fmt"
	"time"
)

type MetricKind string

const (
	MetricCPU    MetricKind = "cpu"
	MetricMemory MetricKind = "memory"
	MetricDisk   MetricKind = "disk"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities; higher is more severe. Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// AlertRule holds the tier thresholds, in percent, for one metric kind.
type AlertRule struct {
	Kind   MetricKind `json:"kind" mapstructure:"kind"`
	Low    float64    `json:"low" mapstructure:"low"`
	Medium float64    `json:"medium" mapstructure:"medium"`
	High   float64    `json:"high" mapstructure:"high"`
}

// Tier returns the highest tier crossed by value and its threshold.
func (r AlertRule) Tier(value float64) (Severity, float64, bool) {
	switch {
	case value >= r.High:
		return SeverityHigh, r.High, true
	case value >= r.Medium:
		return SeverityMedium, r.Medium, true
	case value >= r.Low:
		return SeverityLow, r.Low, true
	default:
		return "", 0, false
	}
}

func (r AlertRule) Validate() error {
	switch r.Kind {
	case MetricCPU, MetricMemory, MetricDisk:
	default:
		return fmt.Errorf("unknown metric kind %q", r.Kind)
	}
	if r.Low <= 0 || r.High > 100 {
		return fmt.Errorf("%s thresholds must be within (0,100]", r.Kind)
	}
	if !(r.Low < r.Medium && r.Medium < r.High) {
		return fmt.Errorf("%s thresholds must satisfy low < medium < high", r.Kind)
	}
	return nil
}

type Alert struct {
	ID             string     `json:"id"`
	HostID         string     `json:"hostId"`
	Kind           MetricKind `json:"metricKind"`
	Severity       Severity   `json:"severity"`
	Value          float64    `json:"value"`
	Threshold      float64    `json:"threshold"`
	Mount          string     `json:"mount,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
}
