// Package protocol defines the JSON envelope and message payloads exchanged
// between the collector, its agents and its dashboards.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/metorial/telemetry-hub/internal/models"
)

// Agent <-> collector.
const (
	TypeMetrics = "metrics"
	TypePong    = "pong"
	TypePing    = "ping"
	TypeCommand = "command"
)

// Dashboard <-> collector.
const (
	TypeGetHistory        = "get_history"
	TypeAcknowledgeAlert  = "acknowledge_alert"
	TypeInitialData       = "initial_data"
	TypeHostStatusChanged = "host_status_changed"
	TypeMetricsUpdate     = "metrics_update"
	TypeAlertsUpdate      = "alerts_update"
	TypeHistoryData       = "history_data"
	TypeAlertAcknowledged = "alert_acknowledged"
	TypeCommandStatus     = "command_status"
	TypeError             = "error"
)

var ErrEmptyType = errors.New("envelope without type")

type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Message interface {
	MessageType() string
}

func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	return json.Marshal(Envelope{Type: m.MessageType(), Data: data})
}

// EncodeRaw wraps an already encoded payload, used for opaque commands.
func EncodeRaw(msgType string, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Data: data})
}

func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, ErrEmptyType
	}
	return env, nil
}

// DecodeData unmarshals the envelope payload into v.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: missing data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: %w", e.Type, err)
	}
	return nil
}

// Metrics is sent by agents; its payload is the record itself.
type Metrics struct {
	*models.MetricRecord
}

func (Metrics) MessageType() string { return TypeMetrics }

func (m Metrics) MarshalJSON() ([]byte, error) { return json.Marshal(m.MetricRecord) }

type Ping struct {
	Time int64 `json:"time"`
}

func (Ping) MessageType() string { return TypePing }

type Pong struct {
	Time int64 `json:"time"`
}

func (Pong) MessageType() string { return TypePong }

// Command types understood by the reference agent. The collector forwards
// any command verbatim without interpreting it.
const (
	CommandCollectNow   = "collect_now"
	CommandUpdateConfig = "update_config"
	CommandRestartAgent = "restart_agent"
)

type AgentCommand struct {
	Type       string `json:"type"`
	IntervalMs int64  `json:"intervalMs,omitempty"`
}

type GetHistory struct {
	HostID         string `json:"hostId"`
	SinceTimestamp *int64 `json:"sinceTimestamp,omitempty"`
}

func (GetHistory) MessageType() string { return TypeGetHistory }

type AcknowledgeAlert struct {
	AlertID string `json:"alertId"`
}

func (AcknowledgeAlert) MessageType() string { return TypeAcknowledgeAlert }

type CommandRequest struct {
	HostID  string          `json:"hostId"`
	Command json.RawMessage `json:"command"`
}

func (CommandRequest) MessageType() string { return TypeCommand }

type InitialData struct {
	Hosts        []models.HostEntry `json:"hosts"`
	ActiveAlerts []models.Alert     `json:"activeAlerts"`
}

func (InitialData) MessageType() string { return TypeInitialData }

type HostStatusChanged struct {
	HostID string              `json:"hostId"`
	Status models.HostStatus   `json:"status"`
	Host   *models.HostSummary `json:"host,omitempty"`
}

func (HostStatusChanged) MessageType() string { return TypeHostStatusChanged }

type MetricsUpdate struct {
	HostID       string               `json:"hostId"`
	Record       *models.MetricRecord `json:"record"`
	HistoryPoint *models.HistoryPoint `json:"historyPoint,omitempty"`
}

func (MetricsUpdate) MessageType() string { return TypeMetricsUpdate }

type AlertsUpdate struct {
	HostID       string         `json:"hostId"`
	NewAlerts    []models.Alert `json:"newAlerts"`
	ActiveAlerts []models.Alert `json:"activeAlerts"`
}

func (AlertsUpdate) MessageType() string { return TypeAlertsUpdate }

type HistoryData struct {
	HostID string                `json:"hostId"`
	Points []models.HistoryPoint `json:"points"`
}

func (HistoryData) MessageType() string { return TypeHistoryData }

type AlertAcknowledged struct {
	AlertID      string         `json:"alertId"`
	ActiveAlerts []models.Alert `json:"activeAlerts"`
}

func (AlertAcknowledged) MessageType() string { return TypeAlertAcknowledged }

type CommandStatus struct {
	HostID    string `json:"hostId"`
	Delivered bool   `json:"delivered"`
}

func (CommandStatus) MessageType() string { return TypeCommandStatus }

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Request string `json:"request,omitempty"`
}

func (Error) MessageType() string { return TypeError }
