package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/metorial/telemetry-hub/internal/models"
)

// APIError is a non-2xx answer from the collector.
type APIError struct {
	Status    int    `json:"-"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

type Health struct {
	Status  string `json:"status"`
	Journal string `json:"journal"`
}

type Status struct {
	UptimeSeconds    int64  `json:"uptimeSeconds"`
	HostCount        int    `json:"hostCount"`
	ConnectedCount   int    `json:"connectedCount"`
	AgentCount       int    `json:"agentCount"`
	DashboardCount   int    `json:"dashboardCount"`
	ActiveAlertCount int    `json:"activeAlertCount"`
	DroppedBatches   uint64 `json:"droppedBatches"`
}

type HostList struct {
	Hosts []models.HostSummary `json:"hosts"`
	Count int                  `json:"count"`
}

type HostDetail struct {
	Host         models.HostEntry `json:"host"`
	Alerts       []models.Alert   `json:"alerts"`
	Acknowledged []models.Alert   `json:"acknowledged"`
}

type History struct {
	HostID string                `json:"hostId"`
	Points []models.HistoryPoint `json:"points"`
}

type AlertList struct {
	Alerts []models.Alert `json:"alerts"`
	Count  int            `json:"count"`
}

type AckResult struct {
	AlertID      string         `json:"alertId"`
	ActiveAlerts []models.Alert `json:"activeAlerts"`
}

type CommandResult struct {
	HostID    string `json:"hostId"`
	Delivered bool   `json:"delivered"`
}

type Event struct {
	ID         int64     `json:"id"`
	At         time.Time `json:"at"`
	Kind       string    `json:"kind"`
	HostID     string    `json:"hostId"`
	AlertID    string    `json:"alertId,omitempty"`
	MetricKind string    `json:"metricKind,omitempty"`
	Severity   string    `json:"severity,omitempty"`
	Mount      string    `json:"mount,omitempty"`
	Value      float64   `json:"value,omitempty"`
}

type EventList struct {
	Events []Event `json:"events"`
	Count  int     `json:"count"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	return &out, c.do(ctx, http.MethodGet, "/api/v1/health", nil, nil, &out)
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	return &out, c.do(ctx, http.MethodGet, "/api/v1/status", nil, nil, &out)
}

func (c *Client) ListHosts(ctx context.Context, group string) (*HostList, error) {
	q := url.Values{}
	if group != "" {
		q.Set("group", group)
	}
	var out HostList
	return &out, c.do(ctx, http.MethodGet, "/api/v1/hosts", q, nil, &out)
}

func (c *Client) GetHost(ctx context.Context, hostID string) (*HostDetail, error) {
	var out HostDetail
	return &out, c.do(ctx, http.MethodGet, "/api/v1/hosts/"+url.PathEscape(hostID), nil, nil, &out)
}

// History fetches points at or after since (epoch ms); zero means all.
func (c *Client) History(ctx context.Context, hostID string, since int64) (*History, error) {
	q := url.Values{}
	if since > 0 {
		q.Set("since", strconv.FormatInt(since, 10))
	}
	var out History
	return &out, c.do(ctx, http.MethodGet, "/api/v1/hosts/"+url.PathEscape(hostID)+"/history", q, nil, &out)
}

func (c *Client) ListAlerts(ctx context.Context, hostID string) (*AlertList, error) {
	q := url.Values{}
	if hostID != "" {
		q.Set("hostId", hostID)
	}
	var out AlertList
	return &out, c.do(ctx, http.MethodGet, "/api/v1/alerts", q, nil, &out)
}

func (c *Client) AcknowledgeAlert(ctx context.Context, alertID string) (*AckResult, error) {
	var out AckResult
	return &out, c.do(ctx, http.MethodPost, "/api/v1/alerts/"+url.PathEscape(alertID)+"/acknowledge", nil, nil, &out)
}

// SendCommand posts command to the host's agent. command must be a JSON
// object with a type field.
func (c *Client) SendCommand(ctx context.Context, hostID string, command json.RawMessage) (*CommandResult, error) {
	var out CommandResult
	return &out, c.do(ctx, http.MethodPost, "/api/v1/hosts/"+url.PathEscape(hostID)+"/commands", nil, command, &out)
}

func (c *Client) Events(ctx context.Context, hostID, kind string, limit int) (*EventList, error) {
	q := url.Values{}
	if hostID != "" {
		q.Set("hostId", hostID)
	}
	if kind != "" {
		q.Set("kind", kind)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out EventList
	return &out, c.do(ctx, http.MethodGet, "/api/v1/events", q, nil, &out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
