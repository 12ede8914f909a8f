package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/metorial/telemetry-hub/internal/alerts"
	"github.com/metorial/telemetry-hub/internal/config"
	"github.com/metorial/telemetry-hub/internal/history"
	"github.com/metorial/telemetry-hub/internal/hub"
	"github.com/metorial/telemetry-hub/internal/registry"
	"github.com/metorial/telemetry-hub/internal/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// App is a fully wired collector: state, HTTP surface, gRPC ingest and
// optional journal and consul registration.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	manager *session.Manager
	journal *Journal

	router     *mux.Router
	grpcServer *grpc.Server
	health     *health.Server
}

func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}

	var journal session.Journal
	if cfg.Journal.Enabled() {
		j, err := OpenJournal(cfg.Journal.Path, cfg.Journal.Buffer, logger.With("component", "journal"))
		if err != nil {
			return nil, fmt.Errorf("initialize journal: %w", err)
		}
		app.journal = j
		journal = j
	}

	engine := alerts.NewEngine(cfg.Alerts.Rules, alerts.WithAcknowledgedLimit(cfg.Alerts.AcknowledgedLimit))
	app.manager = session.NewManager(session.Deps{
		Registry: registry.New(),
		History:  history.New(cfg.History.MinInterval, cfg.History.Capacity),
		Alerts:   engine,
		Hub:      hub.New(logger.With("component", "hub")),
		Journal:  journal,
		Logger:   logger,
	}, cfg.SessionOptions())

	app.router = mux.NewRouter()
	NewAPI(app.manager, app.journal, logger.With("component", "api"), APIOptions{
		RateLimit: cfg.API.RateLimit,
		RateBurst: cfg.API.RateBurst,
	}).RegisterRoutes(app.router)
	NewWebSocketServer(app.manager, logger.With("component", "websocket"), WebSocketOptions{
		PingInterval: cfg.Session.ProbeInterval,
	}).RegisterRoutes(app.router)
	app.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	app.grpcServer = grpc.NewServer()
	NewServer(app.manager, logger.With("component", "grpc")).Register(app.grpcServer)
	app.health = health.NewServer()
	grpc_health_v1.RegisterHealthServer(app.grpcServer, app.health)

	return app, nil
}

func (a *App) Manager() *session.Manager { return a.manager }

func (a *App) Handler() http.Handler { return a.router }

// Serve runs the HTTP and gRPC servers on the given listeners until ctx is
// done, then shuts both down. Either listener may be nil.
func (a *App) Serve(ctx context.Context, httpLis, grpcLis net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if httpLis != nil {
		g.Go(func() error {
			a.logger.Info("HTTP server listening", "addr", httpLis.Addr().String())
			if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	if grpcLis != nil {
		a.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		g.Go(func() error {
			a.logger.Info("gRPC server listening", "addr", grpcLis.Addr().String())
			if err := a.grpcServer.Serve(grpcLis); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	if a.journal != nil {
		g.Go(func() error {
			a.journal.RunCleanup(ctx, a.cfg.Journal.CleanupInterval, a.cfg.Journal.Retention)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutting down")
		a.health.Shutdown()
		a.manager.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http shutdown", "error", err)
		}
		a.stopGRPC(shutdownCtx)
		return nil
	})

	return g.Wait()
}

// stopGRPC drains the gRPC server, forcing it closed when ctx expires.
func (a *App) stopGRPC(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		a.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.grpcServer.Stop()
	}
}

// Close releases the journal. Call it after Serve returns.
func (a *App) Close() error {
	if a.journal != nil {
		return a.journal.Close()
	}
	return nil
}
