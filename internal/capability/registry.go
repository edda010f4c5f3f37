package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	CapabilityTranscribe = "stt.transcribe"
	CapabilityDownload   = "media.download"
)

type Capability = protocol.Capability

// NodeInfo is the registry's view of one transcription node.
type NodeInfo struct {
	ID            string       `json:"id"`
	Role          string       `json:"role"`
	Capabilities  []Capability `json:"capabilities"`
	LoadedEngines []string     `json:"loaded_engines"`
	InFlight      int          `json:"in_flight"`
	LastSeen      time.Time    `json:"last_seen"`
	Healthy       bool         `json:"healthy"`
}

// Serves reports whether the node advertises transcription with model.
func (n NodeInfo) Serves(model string) bool {
	for _, c := range n.Capabilities {
		if c.Name == CapabilityTranscribe && c.Attributes["model"] == model {
			return true
		}
	}
	return false
}

// StatusFunc reports the local node's loaded engine keys and the number of
// requests it is working on. It is sampled for every heartbeat.
type StatusFunc func() (loaded []string, inFlight int)

// Registry announces this node, publishes heartbeats with its engine status
// and tracks every peer seen on the scribe.node subjects.
type Registry struct {
	cfg    config.NodeConfig
	local  []Capability
	status StatusFunc
	log    *slog.Logger
	bus    *bus.Client

	mu    sync.RWMutex
	nodes map[string]*NodeInfo

	cancel context.CancelFunc
	subs   []*nats.Subscription
}

// NewRegistry subscribes to peer traffic, announces local and starts the
// heartbeat loop. status may be nil.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, local []Capability, status StatusFunc, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	if status == nil {
		status = func() ([]string, int) { return nil, 0 }
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		local:  local,
		status: status,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	conn := busClient.Conn()
	for subject, handler := range map[string]nats.MsgHandler{
		protocol.SubjectNodeAnnounce:               r.handleAnnounce,
		protocol.SubjectNodeHeartbeatPrefix + ".*": r.handleHeartbeat,
	} {
		sub, err := conn.Subscribe(subject, handler)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	go r.loop(ctx)

	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.subs = nil
}

// loop publishes heartbeats and expires silent peers until ctx ends.
func (r *Registry) loop(ctx context.Context) {
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer heartbeat.Stop()
	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		case now := <-sweep.C:
			r.expire(now)
		}
	}
}

func (r *Registry) announce() error {
	msg := protocol.NodeAnnouncement{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.local,
		Timestamp:    time.Now().UTC(),
	}
	r.applyAnnouncement(msg)
	return r.bus.PublishJSON(protocol.SubjectNodeAnnounce, msg)
}

func (r *Registry) publishHeartbeat() error {
	loaded, inFlight := r.status()
	msg := protocol.NodeHeartbeat{
		NodeID:        r.cfg.ID,
		LoadedEngines: loaded,
		InFlight:      inFlight,
		Timestamp:     time.Now().UTC(),
	}
	r.applyHeartbeat(msg)
	return r.bus.PublishJSON(protocol.SubjectNodeHeartbeatPrefix+"."+r.cfg.ID, msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.NodeAnnouncement
	if err := json.Unmarshal(msg.Data, &announcement); err != nil || announcement.NodeID == "" {
		r.log.Warn("invalid announce message", slog.String("subject", msg.Subject))
		return
	}
	if announcement.NodeID == r.cfg.ID {
		return
	}
	if isNew := r.applyAnnouncement(announcement); isNew {
		// Answer a newcomer so it learns about this node without waiting
		// for a restart.
		r.log.Info("discovered node", slog.String("peer", announcement.NodeID))
		if err := r.announce(); err != nil {
			r.log.Warn("failed to announce node", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.NodeHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message", slog.String("subject", msg.Subject))
		return
	}
	if hb.NodeID == r.cfg.ID {
		return
	}
	r.applyHeartbeat(hb)
}

// applyAnnouncement records a node's capabilities and reports whether the
// node was unknown.
func (r *Registry) applyAnnouncement(msg protocol.NodeAnnouncement) bool {
	seen := msg.Timestamp
	if seen.IsZero() {
		seen = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[msg.NodeID]
	if !ok {
		node = &NodeInfo{ID: msg.NodeID}
		r.nodes[msg.NodeID] = node
	}
	node.Role = msg.Role
	node.Capabilities = msg.Capabilities
	node.LastSeen = seen
	node.Healthy = true
	return !ok
}

func (r *Registry) applyHeartbeat(msg protocol.NodeHeartbeat) {
	seen := msg.Timestamp
	if seen.IsZero() {
		seen = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[msg.NodeID]
	if !ok {
		node = &NodeInfo{ID: msg.NodeID}
		r.nodes[msg.NodeID] = node
	}
	node.LoadedEngines = msg.LoadedEngines
	node.InFlight = msg.InFlight
	node.LastSeen = seen
	node.Healthy = true
}

func (r *Registry) expire(now time.Time) {
	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, node := range r.nodes {
		if id == r.cfg.ID {
			continue
		}
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			r.log.Warn("node heartbeat timed out", slog.String("peer", id))
		}
	}
}

// Healthy reports whether this node has announced itself.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Query returns copies of the nodes accepted by every filter, ordered by id.
func (r *Registry) Query(filters ...func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		n.Capabilities = slices.Clone(node.Capabilities)
		n.LoadedEngines = slices.Clone(node.LoadedEngines)
		if acceptsAll(n, filters) {
			results = append(results, n)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

// Pick chooses the healthy node best suited to run key: one with the engine
// already loaded wins, then one serving the model, ties broken by the
// fewest requests in flight.
func (r *Registry) Pick(model, key string) (NodeInfo, bool) {
	candidates := r.Query(HealthyOnly, ServesModel(model))
	if len(candidates) == 0 {
		return NodeInfo{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		wi, wj := slices.Contains(candidates[i].LoadedEngines, key), slices.Contains(candidates[j].LoadedEngines, key)
		if wi != wj {
			return wi
		}
		return candidates[i].InFlight < candidates[j].InFlight
	})
	return candidates[0], true
}

func acceptsAll(node NodeInfo, filters []func(NodeInfo) bool) bool {
	for _, f := range filters {
		if f != nil && !f(node) {
			return false
		}
	}
	return true
}

func HealthyOnly(node NodeInfo) bool { return node.Healthy }

func ServesModel(model string) func(NodeInfo) bool {
	return func(node NodeInfo) bool { return node.Serves(model) }
}

func WithLoadedEngine(key string) func(NodeInfo) bool {
	return func(node NodeInfo) bool { return slices.Contains(node.LoadedEngines, key) }
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/capability")
	nodes, err := meter.Int64ObservableGauge("scribe.nodes", metric.WithDescription("Known transcription nodes by health"))
	if err != nil {
		return err
	}
	engines, err := meter.Int64ObservableGauge("scribe.engines.loaded", metric.WithDescription("Engines loaded across healthy nodes"))
	if err != nil {
		return err
	}
	healthyAttr := metric.WithAttributes(attribute.Bool("healthy", true))
	unhealthyAttr := metric.WithAttributes(attribute.Bool("healthy", false))
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var healthy, unhealthy, loaded int64
		for _, node := range r.Query() {
			if !node.Healthy {
				unhealthy++
				continue
			}
			healthy++
			loaded += int64(len(node.LoadedEngines))
		}
		obs.ObserveInt64(nodes, healthy, healthyAttr)
		obs.ObserveInt64(nodes, unhealthy, unhealthyAttr)
		obs.ObserveInt64(engines, loaded)
		return nil
	}, nodes, engines)
	return err
}

// FromConfig describes what this node can serve: one transcription
// capability per model, plus media download when a downloader is set.
func FromConfig(engineCfg config.EngineConfig, downloaderCfg config.DownloaderConfig) []Capability {
	tier := "mock"
	if engineCfg.Mode == "exec" {
		tier = "exec"
	}
	caps := make([]Capability, 0, len(engineCfg.Models)+1)
	for _, model := range engineCfg.Models {
		caps = append(caps, Capability{
			Name: CapabilityTranscribe,
			Tier: tier,
			Attributes: map[string]string{
				"model":      model,
				"devices":    strings.Join(engineCfg.Devices, ","),
				"precisions": strings.Join(engineCfg.Precisions, ","),
				"languages":  strings.Join(engineCfg.Languages, ","),
			},
		})
	}
	if downloaderCfg.Command != "" {
		caps = append(caps, Capability{
			Name:       CapabilityDownload,
			Attributes: map[string]string{"command": downloaderCfg.Command},
		})
	}
	return caps
}
