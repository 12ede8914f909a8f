package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/metorial/telemetry-hub/internal/models"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// Source produces one record per call.
type Source interface {
	Sample(ctx context.Context) (*models.MetricRecord, error)
}

// MetricsCollector samples the local host with gopsutil. CPU and memory
// are required; the other sections are best effort and left out when the
// platform cannot report them.
type MetricsCollector struct {
	hostname string

	mu       sync.Mutex
	lastNet  map[string]net.IOCountersStat
	lastTime time.Time
}

func NewMetricsCollector() (*MetricsCollector, error) {
	info, err := host.Info()
	if err != nil {
		return nil, fmt.Errorf("get host info: %w", err)
	}

	return &MetricsCollector{
		hostname: info.Hostname,
		lastNet:  make(map[string]net.IOCountersStat),
	}, nil
}

func (mc *MetricsCollector) Hostname() string {
	return mc.hostname
}

func (mc *MetricsCollector) Sample(ctx context.Context) (*models.MetricRecord, error) {
	cpuStats, err := mc.collectCPU(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect cpu: %w", err)
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("get memory usage: %w", err)
	}

	now := time.Now()
	return &models.MetricRecord{
		HostID:    mc.hostname,
		Timestamp: now.UnixMilli(),
		CPU:       cpuStats,
		Memory: &models.MemoryStats{
			TotalBytes:  memInfo.Total,
			UsedBytes:   memInfo.Used,
			UsedPercent: memInfo.UsedPercent,
		},
		Disk:       mc.collectDisk(ctx),
		Network:    mc.collectNetwork(ctx, now),
		ProcessTop: collectProcesses(ctx),
		System:     collectSystem(ctx),
	}, nil
}

func (mc *MetricsCollector) collectCPU(ctx context.Context) (*models.CPUStats, error) {
	total, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err != nil {
		return nil, fmt.Errorf("get cpu percent: %w", err)
	}

	stats := &models.CPUStats{}
	if len(total) > 0 {
		stats.CurrentLoad = total[0]
	}

	if perCore, err := cpu.PercentWithContext(ctx, 0, true); err == nil {
		stats.PerCoreLoad = perCore
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		stats.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	}
	return stats, nil
}

var pseudoFilesystems = map[string]bool{
	"proc": true, "sysfs": true, "devtmpfs": true, "devpts": true, "tmpfs": true,
	"cgroup": true, "cgroup2": true, "overlay": true, "squashfs": true, "autofs": true,
}

func (mc *MetricsCollector) collectDisk(ctx context.Context) *models.DiskStats {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil
	}

	stats := &models.DiskStats{}
	seen := make(map[string]bool)
	for _, p := range parts {
		if pseudoFilesystems[p.Fstype] || seen[p.Mountpoint] {
			continue
		}
		seen[p.Mountpoint] = true

		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil || usage.Total == 0 {
			continue
		}
		stats.Filesystems = append(stats.Filesystems, models.Filesystem{
			Mount:       p.Mountpoint,
			Device:      p.Device,
			Type:        p.Fstype,
			SizeBytes:   usage.Total,
			UsedBytes:   usage.Used,
			UsedPercent: usage.UsedPercent,
		})
	}
	if len(stats.Filesystems) == 0 {
		return nil
	}
	return stats
}

// collectNetwork reports per-interface byte rates since the previous call.
// The first call reports zero rates.
func (mc *MetricsCollector) collectNetwork(ctx context.Context, now time.Time) []models.NetworkInterface {
	counters, err := net.IOCountersWithContext(ctx, true)
	if err != nil {
		return nil
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	elapsed := now.Sub(mc.lastTime).Seconds()
	result := make([]models.NetworkInterface, 0, len(counters))
	next := make(map[string]net.IOCountersStat, len(counters))
	for _, c := range counters {
		if strings.HasPrefix(c.Name, "lo") {
			continue
		}
		next[c.Name] = c

		iface := models.NetworkInterface{
			Interface: c.Name,
			RxBytes:   c.BytesRecv,
			TxBytes:   c.BytesSent,
		}
		if prev, ok := mc.lastNet[c.Name]; ok && elapsed > 0 {
			iface.RxBytesPerSec = rate(prev.BytesRecv, c.BytesRecv, elapsed)
			iface.TxBytesPerSec = rate(prev.BytesSent, c.BytesSent, elapsed)
		}
		result = append(result, iface)
	}
	mc.lastNet = next
	mc.lastTime = now
	return result
}

func rate(prev, cur uint64, seconds float64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur-prev) / seconds
}

func collectProcesses(ctx context.Context) []models.ProcessInfo {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil
	}

	infos := make([]models.ProcessInfo, 0, len(procs))
	for _, p := range procs {
		cpuPct, err := p.CPUPercentWithContext(ctx)
		if err != nil {
			continue
		}
		name, _ := p.NameWithContext(ctx)
		memPct, _ := p.MemoryPercentWithContext(ctx)
		infos = append(infos, models.ProcessInfo{
			Name:       name,
			PID:        p.Pid,
			CPUPercent: cpuPct,
			MemPercent: float64(memPct),
		})
	}
	return topProcesses(infos, models.MaxProcessTop)
}

func topProcesses(infos []models.ProcessInfo, n int) []models.ProcessInfo {
	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].CPUPercent > infos[j].CPUPercent
	})
	if len(infos) > n {
		infos = infos[:n]
	}
	return infos
}

func collectSystem(ctx context.Context) *models.SystemInfo {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil
	}
	return &models.SystemInfo{
		Platform:      info.OS,
		Distro:        info.Platform,
		Release:       info.PlatformVersion,
		Arch:          info.KernelArch,
		UptimeSeconds: info.Uptime,
	}
}
