package collector

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	consul "github.com/hashicorp/consul/api"
	"github.com/metorial/telemetry-hub/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type consulRecorder struct {
	mu           sync.Mutex
	registered   []consul.AgentServiceRegistration
	deregistered []string
}

func (c *consulRecorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()

		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/v1/agent/service/register":
			var reg consul.AgentServiceRegistration
			require.NoError(t, json.NewDecoder(r.Body).Decode(&reg))
			c.registered = append(c.registered, reg)
		case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/v1/agent/service/deregister/"):
			c.deregistered = append(c.deregistered, strings.TrimPrefix(r.URL.Path, "/v1/agent/service/deregister/"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func TestRegistrar(t *testing.T) {
	rec := &consulRecorder{}
	server := httptest.NewServer(rec.handler(t))
	defer server.Close()

	r, err := NewRegistrar(strings.TrimPrefix(server.URL, "http://"), "telemetry-collector", "10.1.2.3", logging.Discard())
	require.NoError(t, err)

	require.NoError(t, r.Register(":8080", ":9090"))

	require.Len(t, rec.registered, 2)
	ws := rec.registered[0]
	assert.Equal(t, "telemetry-collector-ws", ws.ID)
	assert.Equal(t, "telemetry-collector", ws.Name)
	assert.Equal(t, 8080, ws.Port)
	assert.Equal(t, "10.1.2.3", ws.Address)
	assert.Contains(t, ws.Tags, TagWebSocket)
	assert.Equal(t, "http://10.1.2.3:8080/api/v1/health", ws.Check.HTTP)

	grpcReg := rec.registered[1]
	assert.Equal(t, "telemetry-collector-grpc", grpcReg.ID)
	assert.Equal(t, 9090, grpcReg.Port)
	assert.Contains(t, grpcReg.Tags, TagGRPC)
	assert.Equal(t, "10.1.2.3:9090", grpcReg.Check.GRPC)

	r.Deregister()
	assert.Equal(t, []string{"telemetry-collector-ws", "telemetry-collector-grpc"}, rec.deregistered)
}

func TestRegistrarSkipsEmptyAddr(t *testing.T) {
	rec := &consulRecorder{}
	server := httptest.NewServer(rec.handler(t))
	defer server.Close()

	r, err := NewRegistrar(strings.TrimPrefix(server.URL, "http://"), "svc", "", logging.Discard())
	require.NoError(t, err)
	require.NoError(t, r.Register(":8080", ""))
	require.Len(t, rec.registered, 1)
	assert.NotEmpty(t, rec.registered[0].Address)
}

func TestPortOf(t *testing.T) {
	port, err := portOf("0.0.0.0:7000")
	require.NoError(t, err)
	assert.Equal(t, 7000, port)

	_, err = portOf("7000")
	assert.Error(t, err)
}
