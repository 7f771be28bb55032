// Package runtime assembles the voice daemon: telemetry, the generation
// pipeline, the HTTP API and the optional NATS gateway.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/gateway"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	pipeline      *Pipeline
	nats          *natsserver.EmbeddedServer
	bus           *bus.Client
	gateway       *gateway.Service
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the daemon until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	r.pipeline, err = BuildPipeline(ctx, r.cfg, r.logger)
	if err != nil {
		r.shutdown()
		return err
	}

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx); err != nil {
			r.shutdown()
			return err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metricsHandler)
			r.metricsServer = &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
			r.serve(r.metricsServer, "metrics")
		} else {
			mux.Handle("/metrics", metricsHandler)
		}
	}
	handlers := &api{speech: r.pipeline.Speech, logger: r.logger.With(slog.String("component", "http-api"))}
	handlers.register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	if r.cfg.HTTP.Enabled {
		r.httpServer = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.httpServer, "http")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.Bool("http", r.cfg.HTTP.Enabled), slog.Bool("bus", r.cfg.Bus.Enabled))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.nats = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.bus = client

	r.gateway = gateway.NewService(ctx, r.cfg.Output.Directory, client, r.pipeline.Speech, r.logger)
	if err := r.gateway.Start(); err != nil {
		return fmt.Errorf("start speech gateway: %w", err)
	}
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

// shutdown stops whatever Start managed to bring up, in reverse order.
func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.gateway != nil {
		r.gateway.Close()
	}
	r.bus.Close()
	r.nats.Shutdown()
	if err := r.pipeline.Close(); err != nil {
		r.logger.Error("pipeline close error", slog.String("error", err.Error()))
	}

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) healthy() bool {
	if r.cfg.Bus.Enabled {
		return r.bus.Healthy() && r.gateway != nil && r.gateway.Healthy()
	}
	return true
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !r.healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("degraded"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
