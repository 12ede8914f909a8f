package protocol

import (
	"encoding/json"
	"testing"

	"github.com/metorial/telemetry-hub/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeEnvelope(t *testing.T) {
	frame, err := Encode(Ping{Time: 42})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping","data":{"time":42}}`, string(frame))
}

func TestEncodeMetricsIsBareRecord(t *testing.T) {
	rec := &models.MetricRecord{
		HostID:    "host-A",
		Timestamp: 10,
		CPU:       &models.CPUStats{CurrentLoad: 92},
		Memory:    &models.MemoryStats{UsedPercent: 40},
	}
	frame, err := Encode(Metrics{rec})
	require.NoError(t, err)

	env, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, TypeMetrics, env.Type)

	var got models.MetricRecord
	require.NoError(t, env.DecodeData(&got))
	assert.Equal(t, "host-A", got.HostID)
	assert.Equal(t, 92.0, got.CPU.CurrentLoad)
}

func TestEncodeRawKeepsPayloadVerbatim(t *testing.T) {
	raw := json.RawMessage(`{"type":"update_config","intervalMs":2000,"extra":[1,2]}`)
	frame, err := EncodeRaw(TypeCommand, raw)
	require.NoError(t, err)

	env, err := Decode(frame)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(env.Data))

	var cmd AgentCommand
	require.NoError(t, env.DecodeData(&cmd))
	assert.Equal(t, CommandUpdateConfig, cmd.Type)
	assert.Equal(t, int64(2000), cmd.IntervalMs)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"data":{}}`))
	assert.ErrorIs(t, err, ErrEmptyType)

	env, err := Decode([]byte(`{"type":"get_history"}`))
	require.NoError(t, err)
	var req GetHistory
	assert.Error(t, env.DecodeData(&req))
}

func TestGetHistoryOptionalSince(t *testing.T) {
	env, err := Decode([]byte(`{"type":"get_history","data":{"hostId":"h"}}`))
	require.NoError(t, err)
	var req GetHistory
	require.NoError(t, env.DecodeData(&req))
	assert.Nil(t, req.SinceTimestamp)

	env, err = Decode([]byte(`{"type":"get_history","data":{"hostId":"h","sinceTimestamp":5}}`))
	require.NoError(t, err)
	require.NoError(t, env.DecodeData(&req))
	require.NotNil(t, req.SinceTimestamp)
	assert.Equal(t, int64(5), *req.SinceTimestamp)
}
