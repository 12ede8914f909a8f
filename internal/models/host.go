package models

import "time"

// DefaultGroup is assigned to hosts whose agent did not announce a group.
const DefaultGroup = "default"

type HostStatus string

const (
	HostConnected    HostStatus = "connected"
	HostDisconnected HostStatus = "disconnected"
)

// HostEntry is the registry's record for one producer identity.
type HostEntry struct {
	HostID      string        `json:"hostId"`
	Group       string        `json:"group"`
	Connected   bool          `json:"connected"`
	RemoteAddr  string        `json:"remoteAddr,omitempty"`
	FirstSeenAt time.Time     `json:"firstSeenAt"`
	LastSeenAt  time.Time     `json:"lastSeenAt"`
	Latest      *MetricRecord `json:"latest,omitempty"`
}

func (h HostEntry) Status() HostStatus {
	if h.Connected {
		return HostConnected
	}
	return HostDisconnected
}

// HostSummary is the condensed view used by host listings.
type HostSummary struct {
	HostID        string    `json:"hostId"`
	Group         string    `json:"group"`
	Connected     bool      `json:"connected"`
	LastSeenAt    time.Time `json:"lastSeenAt"`
	LastTimestamp int64     `json:"lastTimestamp,omitempty"`
	CPU           *float64  `json:"cpu,omitempty"`
	Memory        *float64  `json:"memory,omitempty"`
	UptimeSeconds uint64    `json:"uptimeSeconds,omitempty"`
}

func (h HostEntry) Summary() HostSummary {
	s := HostSummary{
		HostID:     h.HostID,
		Group:      h.Group,
		Connected:  h.Connected,
		LastSeenAt: h.LastSeenAt,
	}
	if h.Latest == nil {
		return s
	}
	s.LastTimestamp = h.Latest.Timestamp
	if h.Latest.CPU != nil {
		cpu := h.Latest.CPU.CurrentLoad
		s.CPU = &cpu
	}
	if h.Latest.Memory != nil {
		mem := h.Latest.Memory.UsedPercent
		s.Memory = &mem
	}
	if h.Latest.System != nil {
		s.UptimeSeconds = h.Latest.System.UptimeSeconds
	}
	return s
}

// HistoryPoint is the downsampled form of a MetricRecord kept in history.
type HistoryPoint struct {
	Timestamp         int64              `json:"timestamp"`
	CPULoad           float64            `json:"cpuLoad"`
	MemoryUsedPercent float64            `json:"memoryUsedPercent"`
	DiskByMount       map[string]float64 `json:"diskByMount,omitempty"`
	Network           NetworkTotals      `json:"network"`
}

// NetworkTotals sums the per-interface rates of one record.
type NetworkTotals struct {
	RxBytesPerSec float64 `json:"rxBytesPerSec"`
	TxBytesPerSec float64 `json:"txBytesPerSec"`
}

// Downsample reduces a validated record to a HistoryPoint.
func Downsample(r *MetricRecord) HistoryPoint {
	p := HistoryPoint{
		Timestamp:         r.Timestamp,
		CPULoad:           r.CPU.CurrentLoad,
		MemoryUsedPercent: r.Memory.UsedPercent,
	}
	if r.Disk != nil && len(r.Disk.Filesystems) > 0 {
		p.DiskByMount = make(map[string]float64, len(r.Disk.Filesystems))
		for _, fs := range r.Disk.Filesystems {
			p.DiskByMount[fs.Mount] = fs.UsedPercent
		}
	}
	for _, n := range r.Network {
		p.Network.RxBytesPerSec += n.RxBytesPerSec
		p.Network.TxBytesPerSec += n.TxBytesPerSec
	}
	return p
}
