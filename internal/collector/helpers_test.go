package collector

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/metorial/telemetry-hub/internal/alerts"
	"github.com/metorial/telemetry-hub/internal/history"
	"github.com/metorial/telemetry-hub/internal/hub"
	"github.com/metorial/telemetry-hub/internal/logging"
	"github.com/metorial/telemetry-hub/internal/models"
	"github.com/metorial/telemetry-hub/internal/protocol"
	"github.com/metorial/telemetry-hub/internal/registry"
	"github.com/metorial/telemetry-hub/internal/session"
	"github.com/stretchr/testify/require"
)

const testKey = "test-key"

type testEnv struct {
	manager  *session.Manager
	registry *registry.Registry
	journal  *Journal
	server   *httptest.Server
}

func newTestManager(t *testing.T, journal session.Journal) (*session.Manager, *registry.Registry) {
	t.Helper()
	logger := logging.Discard()
	reg := registry.New()
	m := session.NewManager(session.Deps{
		Registry: reg,
		History:  history.New(history.DefaultMinInterval, history.DefaultCapacity),
		Alerts:   alerts.NewEngine(alerts.DefaultRules()),
		Hub:      hub.New(logger),
		Journal:  journal,
		Logger:   logger,
	}, session.Options{APIKeys: []string{testKey}})
	t.Cleanup(m.Close)
	return m, reg
}

// newTestEnv serves the REST API and both WebSocket endpoints. When
// withJournal is set a journal is opened in a temp directory.
func newTestEnv(t *testing.T, withJournal bool) *testEnv {
	t.Helper()
	logger := logging.Discard()

	var journal *Journal
	var sj session.Journal
	if withJournal {
		j, err := OpenJournal(t.TempDir()+"/journal.db", 64, logger)
		require.NoError(t, err)
		t.Cleanup(func() { _ = j.Close() })
		journal = j
		sj = j
	}

	m, reg := newTestManager(t, sj)

	router := mux.NewRouter()
	NewAPI(m, journal, logger, APIOptions{}).RegisterRoutes(router)
	NewWebSocketServer(m, logger, WebSocketOptions{}).RegisterRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testEnv{manager: m, registry: reg, journal: journal, server: srv}
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + path
}

func (e *testEnv) dialAgent(t *testing.T, hostID, key string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+key)
	return websocket.DefaultDialer.Dial(e.wsURL("/agents?hostId="+hostID+"&group=web"), header)
}

func (e *testEnv) connectAgent(t *testing.T, hostID string) *websocket.Conn {
	t.Helper()
	ws, _, err := e.dialAgent(t, hostID, testKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	require.Eventually(t, func() bool {
		entry, ok := e.registry.Get(hostID)
		return ok && entry.Connected
	}, 2*time.Second, 5*time.Millisecond)
	return ws
}

func (e *testEnv) connectDashboard(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(e.wsURL("/dashboard"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendMessage(t *testing.T, ws *websocket.Conn, msg protocol.Message) {
	t.Helper()
	frame, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

// readUntil returns the first frame of type msgType, skipping others.
func readUntil(t *testing.T, ws *websocket.Conn, msgType string, v any) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %s", msgType)
		env, err := protocol.Decode(data)
		require.NoError(t, err)
		if env.Type != msgType {
			continue
		}
		if v != nil {
			require.NoError(t, json.Unmarshal(env.Data, v))
		}
		return
	}
}

func metricsMessage(hostID string, ts int64, cpu, mem float64) protocol.Metrics {
	return protocol.Metrics{MetricRecord: &models.MetricRecord{
		HostID:    hostID,
		Timestamp: ts,
		CPU:       &models.CPUStats{CurrentLoad: cpu},
		Memory:    &models.MemoryStats{UsedPercent: mem},
	}}
}
