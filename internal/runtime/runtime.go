package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/jobstore"
	"github.com/loqalabs/loqa-scribe/internal/service"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	metrics     http.Handler
	ready       atomic.Bool
	wg          sync.WaitGroup

	store    *jobstore.Store
	pipeline *Pipeline
	natsSrv  *bus.EmbeddedServer
	bus      *bus.Client
	registry *capability.Registry
	service  *service.Service

	// addr is set once the HTTP listener is bound.
	addr atomic.Value
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every component, serves until ctx ends, then shuts down
// in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricsHandler
	defer r.shutdown()

	if err := r.startComponents(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/capabilities", r.handleCapabilities)
	mux.HandleFunc("GET /requests", r.handleRecentRequests)
	mux.HandleFunc("GET /requests/{id}", r.handleRequest)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.addr.Store(listener.Addr().String())
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", listener.Addr().String()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	return nil
}

// BusURL is the embedded NATS address, or "" when using external servers.
func (r *Runtime) BusURL() string {
	if r.Addr() == "" {
		return ""
	}
	return r.natsSrv.ClientURL()
}

// Addr is the bound HTTP address, or "" before Start has listened.
func (r *Runtime) Addr() string {
	v, _ := r.addr.Load().(string)
	return v
}

func (r *Runtime) startComponents(ctx context.Context) error {
	store, err := jobstore.Open(ctx, r.cfg.JobStore, r.logger)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	r.store = store

	pipeline, err := BuildPipeline(r.cfg, store, r.logger)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	r.pipeline = pipeline

	busCfg := r.cfg.Bus
	natsSrv, err := bus.StartEmbedded(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.natsSrv = natsSrv
	if natsSrv != nil {
		busCfg.Servers = []string{natsSrv.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.bus = client

	if r.cfg.Service.Enabled {
		svc := service.New(service.Options{
			NodeID:         r.cfg.Node.ID,
			Subject:        r.cfg.Service.Subject,
			QueueGroup:     r.cfg.Service.QueueGroup,
			MaxConcurrency: r.cfg.Service.MaxConcurrency,
			Defaults:       Defaults(r.cfg.Engine),
		}, client, pipeline.Assembler, r.logger)
		if err := svc.Start(ctx); err != nil {
			return err
		}
		r.service = svc
	}

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, capability.FromConfig(r.cfg.Engine, r.cfg.Downloader), r.nodeStatus, client, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	r.registry = registry
	return nil
}

// nodeStatus feeds heartbeats with the warm engine keys and in-flight count.
func (r *Runtime) nodeStatus() ([]string, int) {
	loaded := r.loadedEngines()
	inFlight := 0
	if r.service != nil {
		inFlight = r.service.InFlight()
	}
	return loaded, inFlight
}

func (r *Runtime) loadedEngines() []string {
	loaded := []string{}
	if r.pipeline != nil {
		for _, key := range r.pipeline.Cache.Keys() {
			loaded = append(loaded, key.String())
		}
	}
	return loaded
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.service != nil {
		r.service.Stop()
	}
	r.wg.Wait()
	if r.registry != nil {
		r.registry.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.natsSrv.Shutdown()
	r.pipeline.Close()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("job store close error", slog.String("error", err.Error()))
		}
	}

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("job store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type capabilitiesResponse struct {
	NodeID       string                `json:"node_id"`
	Nodes        []capability.NodeInfo `json:"nodes"`
	LoadedModels []string              `json:"loaded_models"`
	Preferred    string                `json:"preferred,omitempty"`
}

// handleCapabilities lists known nodes. ?model= narrows to nodes serving
// the model and names the preferred one; ?engine= narrows to nodes with
// that engine key loaded.
func (r *Runtime) handleCapabilities(w http.ResponseWriter, req *http.Request) {
	resp := capabilitiesResponse{NodeID: r.cfg.Node.ID, Nodes: []capability.NodeInfo{}, LoadedModels: r.loadedEngines()}
	if r.registry != nil {
		var filters []func(capability.NodeInfo) bool
		model := req.URL.Query().Get("model")
		engineKey := req.URL.Query().Get("engine")
		if model != "" {
			filters = append(filters, capability.ServesModel(model))
			if node, ok := r.registry.Pick(model, engineKey); ok {
				resp.Preferred = node.ID
			}
		}
		if engineKey != "" {
			filters = append(filters, capability.WithLoadedEngine(engineKey))
		}
		if nodes := r.registry.Query(filters...); nodes != nil {
			resp.Nodes = nodes
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Runtime) handleRecentRequests(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	recent, err := r.store.Recent(req.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if recent == nil {
		recent = []jobstore.Request{}
	}
	writeJSON(w, http.StatusOK, recent)
}

func (r *Runtime) handleRequest(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	state, err := r.store.Get(req.Context(), id)
	if errors.Is(err, jobstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	events, err := r.store.ListEvents(req.Context(), id, 0)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": state, "events": events})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
