package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-espeak/internal/bus"
	"github.com/loqalabs/loqa-espeak/internal/config"
	"github.com/loqalabs/loqa-espeak/internal/coordinator"
	"github.com/loqalabs/loqa-espeak/internal/engine"
	"github.com/loqalabs/loqa-espeak/internal/engine/exec"
	"github.com/loqalabs/loqa-espeak/internal/engine/tone"
	"github.com/loqalabs/loqa-espeak/internal/engine/wasm"
	"github.com/loqalabs/loqa-espeak/internal/heap"
	"github.com/loqalabs/loqa-espeak/internal/journal"
	"github.com/loqalabs/loqa-espeak/internal/logging"
	"github.com/loqalabs/loqa-espeak/internal/natsserver"
	"github.com/loqalabs/loqa-espeak/internal/registry"
	"github.com/loqalabs/loqa-espeak/internal/relay"
	"github.com/loqalabs/loqa-espeak/internal/server"
	"github.com/loqalabs/loqa-espeak/internal/worker"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *journal.Store
	recorder *journal.Recorder
	registry *registry.Registry
	coord    *coordinator.Coordinator
	worker   *worker.Worker
	server   *server.Server
	closers  []func(context.Context) error

	started  chan struct{}
	httpAddr string
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		started: make(chan struct{}),
	}
}

// Start brings up the speech server and blocks until ctx is cancelled or a
// Shutdown message stops the server.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startServices(ctx); err != nil {
		r.stopServices(context.Background())
		r.closeTelemetry(context.Background())
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		r.stopServices(context.Background())
		r.closeTelemetry(context.Background())
		return fmt.Errorf("listen http: %w", err)
	}
	r.httpAddr = ln.Addr().String()
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, ln, "http")

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		if mln, err := net.Listen("tcp", r.cfg.Telemetry.PrometheusBind); err != nil {
			r.logger.Warn("metrics listener unavailable", slog.String("bind", r.cfg.Telemetry.PrometheusBind), logging.Error(err))
		} else {
			r.metricsSrv = &http.Server{Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
			r.serve(r.metricsSrv, mln, "metrics")
		}
	}

	r.ready.Store(true)
	close(r.started)
	r.logger.Info("runtime started",
		slog.String("addr", r.httpAddr),
		slog.String("subject", r.cfg.Server.Subject),
		slog.String("engine", r.cfg.Engine.Mode),
	)

	select {
	case <-ctx.Done():
		r.logger.Info("runtime stopping")
	case <-r.server.Done():
		r.logger.Info("shutdown message received")
		if !r.cfg.Server.ExitOnShutdownMsg {
			r.ready.Store(false)
			<-ctx.Done()
		}
	}
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.stopServices(shutdownCtx)
	r.closeTelemetry(shutdownCtx)
	return nil
}

// Started is closed once the runtime accepts requests.
func (r *Runtime) Started() <-chan struct{} { return r.started }

// BusURL is the URL of the embedded NATS server, if one is running.
func (r *Runtime) BusURL() string { return r.nats.ClientURL() }

// HTTPAddr is the bound health endpoint address. Valid after Started.
func (r *Runtime) HTTPAddr() string { return r.httpAddr }

func (r *Runtime) serve(srv *http.Server, ln net.Listener, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) startServices(ctx context.Context) error {
	cfg := r.cfg

	ns, err := natsserver.Start(cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.nats = ns

	busCfg := cfg.Bus
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}

	r.store, err = journal.Open(ctx, cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	r.recorder = journal.NewRecorder(r.store, cfg.Journal.QueueSize, r.logger)

	r.registry, err = registry.NewRegistry(ctx, cfg.Node, cfg.Server.Subject, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("start name registry: %w", err)
	}

	arena := heap.New(cfg.Engine.HeapLimitBytes, r.logger)
	console := logging.NewLineWriter(r.logger, "engine")
	eng, err := r.newEngine(ctx, engine.Host{Memory: arena, Console: console})
	if err != nil {
		return err
	}

	coord := coordinator.New()
	r.coord = coord
	r.worker = worker.New(worker.Config{
		Coordinator: coord,
		Arena:       arena,
		Engine:      eng,
		Relay:       relay.New(coord, r.bus, cfg.Server.DeliveryAttempts, r.logger),
		Journal:     r.recorder,
		Status:      r.bus,
		Options: worker.Options{
			SampleRate:    cfg.Engine.SampleRate,
			ChunkSamples:  cfg.Engine.ChunkSamples,
			Voice:         cfg.Engine.Voice,
			StatusSubject: cfg.Server.Subject + ".status",
		},
	}, r.logger)
	r.worker.Start()

	r.server = server.New(server.Config{
		Bus:         r.bus,
		Coordinator: coord,
		Worker:      r.worker,
		Journal:     r.recorder,
		Registry:    r.registry,
		Options: server.Options{
			Subject:         cfg.Server.Subject,
			PreemptTimeout:  time.Duration(cfg.Server.PreemptTimeout) * time.Millisecond,
			ShutdownTimeout: time.Duration(cfg.Server.ShutdownTimeout) * time.Millisecond,
		},
	}, r.logger)
	return r.server.Start()
}

func (r *Runtime) newEngine(ctx context.Context, host engine.Host) (engine.Engine, error) {
	ec := r.cfg.Engine
	switch strings.ToLower(ec.Mode) {
	case "", "tone":
		return tone.New(host, time.Duration(ec.PaceMS)*time.Millisecond), nil
	case "exec":
		eng, err := exec.New(host, ec.Command, exec.Format(ec.Format))
		if err != nil {
			return nil, fmt.Errorf("create exec engine: %w", err)
		}
		return eng, nil
	case "wasm":
		eng, err := wasm.Load(ctx, host, ec.Module)
		if err != nil {
			return nil, fmt.Errorf("load wasm engine: %w", err)
		}
		r.closers = append(r.closers, eng.Close)
		return eng, nil
	default:
		return nil, fmt.Errorf("unknown engine mode %q", ec.Mode)
	}
}

// stopServices tears down in reverse start order. Safe on a partially
// started runtime.
func (r *Runtime) stopServices(ctx context.Context) {
	if r.server != nil {
		r.server.Close()
	}
	if r.coord != nil {
		r.coord.RequestAbort()
	}
	if r.worker != nil {
		if err := r.worker.Stop(ctx); err != nil && !errors.Is(err, worker.ErrStopped) {
			r.logger.Warn("worker stop", logging.Error(err))
		}
	}
	for _, closeFn := range r.closers {
		if err := closeFn(ctx); err != nil {
			r.logger.Warn("engine close", logging.Error(err))
		}
	}
	if r.registry != nil {
		if err := r.registry.Withdraw(); err != nil {
			r.logger.Warn("name withdraw", logging.Error(err))
		}
		r.registry.Close()
	}
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("journal close", logging.Error(err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
}

func (r *Runtime) closeTelemetry(ctx context.Context) {
	if r.tracerClose == nil {
		return
	}
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if r.bus != nil && !r.bus.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus disconnected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.server != nil && r.server.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
