package models

import (
	"errors"
	"fmt"
	"math"
)

// MaxProcessTop is the number of processes an agent may report per record.
const MaxProcessTop = 5

// ErrMalformedRecord is returned by Validate for records that are missing
// required sections or carry out-of-domain values.
var ErrMalformedRecord = errors.New("malformed metrics record")

// MetricRecord is one host's resource snapshot at one instant. Timestamp is
// the producer-side epoch in milliseconds.
type MetricRecord struct {
	HostID     string             `json:"hostId"`
	Timestamp  int64              `json:"timestamp"`
	CPU        *CPUStats          `json:"cpu"`
	Memory     *MemoryStats       `json:"memory"`
	Disk       *DiskStats         `json:"disk,omitempty"`
	Network    []NetworkInterface `json:"network,omitempty"`
	ProcessTop []ProcessInfo      `json:"processTop,omitempty"`
	System     *SystemInfo        `json:"system,omitempty"`
}

type CPUStats struct {
	CurrentLoad float64   `json:"currentLoad"`
	PerCoreLoad []float64 `json:"perCoreLoad,omitempty"`
	LoadAverage []float64 `json:"loadAverage,omitempty"`
}

type MemoryStats struct {
	TotalBytes  uint64  `json:"totalBytes"`
	UsedBytes   uint64  `json:"usedBytes"`
	UsedPercent float64 `json:"usedPercent"`
}

type DiskStats struct {
	Filesystems []Filesystem `json:"filesystems"`
}

type Filesystem struct {
	Mount       string  `json:"mount"`
	Device      string  `json:"device,omitempty"`
	Type        string  `json:"type,omitempty"`
	SizeBytes   uint64  `json:"sizeBytes,omitempty"`
	UsedBytes   uint64  `json:"usedBytes,omitempty"`
	UsedPercent float64 `json:"usedPercent"`
}

type NetworkInterface struct {
	Interface     string  `json:"interface"`
	RxBytes       uint64  `json:"rxBytes,omitempty"`
	TxBytes       uint64  `json:"txBytes,omitempty"`
	RxBytesPerSec float64 `json:"rxBytesPerSec"`
	TxBytesPerSec float64 `json:"txBytesPerSec"`
}

type ProcessInfo struct {
	Name       string  `json:"name"`
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpuPercent"`
	MemPercent float64 `json:"memPercent"`
}

// SystemInfo is optional static-ish host information sent along with usage.
type SystemInfo struct {
	Platform      string `json:"platform,omitempty"`
	Distro        string `json:"distro,omitempty"`
	Release       string `json:"release,omitempty"`
	Arch          string `json:"arch,omitempty"`
	UptimeSeconds uint64 `json:"uptimeSeconds,omitempty"`
}

// Validate checks the record for required sections and values that cannot
// be clamped into range. It does not modify the record.
func (r *MetricRecord) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: empty payload", ErrMalformedRecord)
	}
	if r.Timestamp <= 0 {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedRecord)
	}
	if r.CPU == nil {
		return fmt.Errorf("%w: missing cpu", ErrMalformedRecord)
	}
	if r.Memory == nil {
		return fmt.Errorf("%w: missing memory", ErrMalformedRecord)
	}

	if err := checkPercent("cpu.currentLoad", r.CPU.CurrentLoad); err != nil {
		return err
	}
	for i, load := range r.CPU.PerCoreLoad {
		if err := checkPercent(fmt.Sprintf("cpu.perCoreLoad[%d]", i), load); err != nil {
			return err
		}
	}
	if err := checkPercent("memory.usedPercent", r.Memory.UsedPercent); err != nil {
		return err
	}
	if r.Disk != nil {
		for _, fs := range r.Disk.Filesystems {
			if fs.Mount == "" {
				return fmt.Errorf("%w: filesystem without mount", ErrMalformedRecord)
			}
			if err := checkPercent("disk["+fs.Mount+"].usedPercent", fs.UsedPercent); err != nil {
				return err
			}
		}
	}
	for _, n := range r.Network {
		if n.RxBytesPerSec < 0 || n.TxBytesPerSec < 0 || !finite(n.RxBytesPerSec) || !finite(n.TxBytesPerSec) {
			return fmt.Errorf("%w: network[%s] negative rate", ErrMalformedRecord, n.Interface)
		}
	}
	for _, p := range r.ProcessTop {
		if p.CPUPercent < 0 || p.MemPercent < 0 || !finite(p.CPUPercent) || !finite(p.MemPercent) {
			return fmt.Errorf("%w: process %q negative usage", ErrMalformedRecord, p.Name)
		}
	}

	return nil
}

// Normalize clamps percentages into [0,100] and truncates the process list.
// Call it only on records that passed Validate.
func (r *MetricRecord) Normalize() {
	r.CPU.CurrentLoad = clampPercent(r.CPU.CurrentLoad)
	for i := range r.CPU.PerCoreLoad {
		r.CPU.PerCoreLoad[i] = clampPercent(r.CPU.PerCoreLoad[i])
	}
	r.Memory.UsedPercent = clampPercent(r.Memory.UsedPercent)
	if r.Disk != nil {
		for i := range r.Disk.Filesystems {
			r.Disk.Filesystems[i].UsedPercent = clampPercent(r.Disk.Filesystems[i].UsedPercent)
		}
	}
	if len(r.ProcessTop) > MaxProcessTop {
		r.ProcessTop = r.ProcessTop[:MaxProcessTop]
	}
}

func checkPercent(field string, v float64) error {
	if !finite(v) {
		return fmt.Errorf("%w: %s is not a number", ErrMalformedRecord, field)
	}
	if v < 0 {
		return fmt.Errorf("%w: %s is negative (%.2f)", ErrMalformedRecord, field, v)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
