package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	consul "github.com/hashicorp/consul/api"
)

const DefaultCollectorService = "telemetry-collector"

// Service tags the collector registers its two agent ports under.
const (
	TagWebSocket = "ws"
	TagGRPC      = "grpc"
)

type ServiceDiscovery struct {
	client  *consul.Client
	service string
	tag     string
	logger  *slog.Logger

	retryDelay time.Duration
	pollDelay  time.Duration
}

// NewServiceDiscovery looks up healthy instances of service carrying tag.
func NewServiceDiscovery(consulAddr, service, tag string, logger *slog.Logger) (*ServiceDiscovery, error) {
	config := consul.DefaultConfig()
	config.Address = consulAddr

	client, err := consul.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}

	if service == "" {
		service = DefaultCollectorService
	}
	return &ServiceDiscovery{
		client:     client,
		service:    service,
		tag:        tag,
		logger:     logger,
		retryDelay: 5 * time.Second,
		pollDelay:  10 * time.Second,
	}, nil
}

func (sd *ServiceDiscovery) DiscoverCollector() (string, error) {
	services, _, err := sd.client.Health().Service(sd.service, sd.tag, true, nil)
	if err != nil {
		return "", fmt.Errorf("query consul: %w", err)
	}

	if len(services) == 0 {
		return "", fmt.Errorf("no healthy %s services found", sd.service)
	}

	service := services[0]
	addr := service.Service.Address
	if addr == "" {
		addr = service.Node.Address
	}

	return net.JoinHostPort(addr, strconv.Itoa(service.Service.Port)), nil
}

// WatchCollector polls consul and emits the collector address whenever it
// changes. The channel is closed when ctx is done.
func (sd *ServiceDiscovery) WatchCollector(ctx context.Context) <-chan string {
	addrChan := make(chan string, 1)

	go func() {
		defer close(addrChan)
		var lastAddr string
		for {
			delay := sd.pollDelay
			addr, err := sd.DiscoverCollector()
			if err != nil {
				sd.logger.Warn("collector discovery failed", "service", sd.service, "error", err)
				delay = sd.retryDelay
			} else if addr != lastAddr {
				sd.logger.Info("discovered collector", "addr", addr)
				select {
				case addrChan <- addr:
					lastAddr = addr
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}()

	return addrChan
}
