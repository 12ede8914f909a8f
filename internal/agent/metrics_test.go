package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/metorial/telemetry-hub/internal/models"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSample(t *testing.T) {
	mc, err := NewMetricsCollector()
	require.NoError(t, err)
	assert.NotEmpty(t, mc.Hostname())

	rec, err := mc.Sample(context.Background())
	if err != nil && strings.Contains(err.Error(), "not implemented yet") {
		t.Skip("cpu metrics not available on this platform")
	}
	require.NoError(t, err)

	assert.Equal(t, mc.Hostname(), rec.HostID)
	assert.Positive(t, rec.Timestamp)
	require.NoError(t, rec.Validate())
	assert.LessOrEqual(t, len(rec.ProcessTop), models.MaxProcessTop)
}

func TestTopProcesses(t *testing.T) {
	infos := []models.ProcessInfo{
		{Name: "a", CPUPercent: 1},
		{Name: "b", CPUPercent: 50},
		{Name: "c", CPUPercent: 10},
		{Name: "d", CPUPercent: 30},
	}

	top := topProcesses(infos, 2)
	require.Len(t, top, 2)
	assert.Equal(t, "b", top[0].Name)
	assert.Equal(t, "d", top[1].Name)
}

func TestRate(t *testing.T) {
	assert.Equal(t, 50.0, rate(100, 200, 2))
	assert.Equal(t, 0.0, rate(200, 100, 2), "counter reset")
}

func TestNetworkRatesUsePreviousSample(t *testing.T) {
	mc := &MetricsCollector{
		lastNet: map[string]net.IOCountersStat{
			"eth0": {Name: "eth0", BytesRecv: 1000, BytesSent: 500},
		},
		lastTime: time.Now().Add(-time.Second),
	}

	rec, err := mc.Sample(context.Background())
	if err != nil {
		t.Skipf("sampling unavailable: %v", err)
	}
	for _, iface := range rec.Network {
		assert.False(t, strings.HasPrefix(iface.Interface, "lo"))
		assert.GreaterOrEqual(t, iface.RxBytesPerSec, 0.0)
	}
}
