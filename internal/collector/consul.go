package collector

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"

	consul "github.com/hashicorp/consul/api"
)

// Service tags agents filter on when discovering the collector.
const (
	TagWebSocket = "ws"
	TagGRPC      = "grpc"
)

// Registrar registers the collector's agent endpoints in consul so agents
// can find them.
type Registrar struct {
	client  *consul.Client
	service string
	address string
	logger  *slog.Logger
	ids     []string
}

// NewRegistrar builds a registrar. advertise is the address agents should
// dial; when empty the first non-loopback IPv4 address is used.
func NewRegistrar(consulAddr, service, advertise string, logger *slog.Logger) (*Registrar, error) {
	config := consul.DefaultConfig()
	config.Address = consulAddr
	client, err := consul.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}

	if advertise == "" {
		advertise = localIP()
	}
	return &Registrar{
		client:  client,
		service: service,
		address: advertise,
		logger:  logger,
	}, nil
}

// Register announces the WebSocket endpoint on httpAddr and the gRPC
// endpoint on grpcAddr. Either may be empty.
func (r *Registrar) Register(httpAddr, grpcAddr string) error {
	if httpAddr != "" {
		port, err := portOf(httpAddr)
		if err != nil {
			return err
		}
		reg := &consul.AgentServiceRegistration{
			ID:      r.service + "-ws",
			Name:    r.service,
			Port:    port,
			Address: r.address,
			Check: &consul.AgentServiceCheck{
				HTTP:                           fmt.Sprintf("http://%s/api/v1/health", net.JoinHostPort(r.address, strconv.Itoa(port))),
				Interval:                       "10s",
				Timeout:                        "5s",
				DeregisterCriticalServiceAfter: "30s",
			},
			Tags: []string{"telemetry", "collector", TagWebSocket, "http", "api"},
		}
		if err := r.client.Agent().ServiceRegister(reg); err != nil {
			return fmt.Errorf("register %s: %w", reg.ID, err)
		}
		r.ids = append(r.ids, reg.ID)
	}

	if grpcAddr != "" {
		port, err := portOf(grpcAddr)
		if err != nil {
			return err
		}
		reg := &consul.AgentServiceRegistration{
			ID:      r.service + "-grpc",
			Name:    r.service,
			Port:    port,
			Address: r.address,
			Check: &consul.AgentServiceCheck{
				GRPC:                           net.JoinHostPort(r.address, strconv.Itoa(port)),
				Interval:                       "10s",
				Timeout:                        "5s",
				DeregisterCriticalServiceAfter: "30s",
			},
			Tags: []string{"telemetry", "collector", TagGRPC},
		}
		if err := r.client.Agent().ServiceRegister(reg); err != nil {
			return fmt.Errorf("register %s: %w", reg.ID, err)
		}
		r.ids = append(r.ids, reg.ID)
	}

	r.logger.Info("registered with consul", "service", r.service, "address", r.address, "ids", r.ids)
	return nil
}

// Deregister removes everything Register added. Errors are logged.
func (r *Registrar) Deregister() {
	for _, id := range r.ids {
		if err := r.client.Agent().ServiceDeregister(id); err != nil {
			r.logger.Warn("consul deregistration failed", "id", id, "error", err)
		}
	}
	r.ids = nil
}

func portOf(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("parse port in %q: %w", addr, err)
	}
	return port, nil
}

func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}

	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
