// Package mapper is the coordination engine of the traceroute mapper: it owns
// every component, the background loops, the ingress handler, and the egress
// path to the message router.
package mapper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshwatch/meshmap/internal/health"
	"github.com/meshwatch/meshmap/internal/mesh"
	"github.com/meshwatch/meshmap/internal/queue"
	"github.com/meshwatch/meshmap/internal/ratelimit"
	"github.com/meshwatch/meshmap/internal/state"
	"github.com/meshwatch/meshmap/internal/traceroute"
	"github.com/meshwatch/meshmap/internal/tracker"
)

// Enqueue reasons surfaced in logs and telemetry.
const (
	reasonInitialDiscovery = "initial_discovery"
	reasonNewIndirectNode  = "new_indirect_node"
	reasonNodeBackOnline   = "node_back_online"
	reasonPeriodicRecheck  = "periodic_recheck"
)

// Options provides the mapper's external dependencies.
type Options struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock // defaults to the real clock
	Router   mesh.Router
	Registry prometheus.Registerer // optional; nil skips metric registration
}

func (o *Options) validate() error {
	if o.Logger == nil {
		return errors.New("logger is required")
	}
	if o.Router == nil {
		return errors.New("router is required")
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return nil
}

// counters are the orchestrator-owned statistics, guarded by Mapper.mu.
type counters struct {
	sent                 uint64
	successful           uint64
	failed               uint64
	timeout              uint64
	directNodesSkipped   uint64
	filteredNodesSkipped uint64
	lastTraceroute       time.Time
}

// Mapper stitches the tracker, queue, limiter, manager, health monitor, and
// store together. One instance per gateway.
type Mapper struct {
	log    *slog.Logger
	cfg    *Config
	clock  clockwork.Clock
	router mesh.Router

	tracker *tracker.Tracker
	queue   *queue.Queue
	limiter *ratelimit.TokenBucket
	manager *traceroute.Manager
	health  *health.Monitor
	store   *state.Store // nil when persistence is disabled

	metrics *Metrics

	mu    sync.Mutex
	stats counters

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates the config and instantiates every component. No background
// work starts until Start.
func New(cfg *Config, opts Options) (*Mapper, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mapper: invalid config: %w", err)
	}
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("mapper: invalid options: %w", err)
	}

	trk, err := tracker.New(tracker.Config{
		Logger:          opts.Logger,
		Clock:           opts.Clock,
		SkipDirectNodes: cfg.SkipDirectNodes,
		Whitelist:       cfg.Whitelist,
		Blacklist:       cfg.Blacklist,
		ExcludeRoles:    cfg.ExcludeRoles,
		MinSNRThreshold: cfg.MinSNRThreshold,
		RecheckEnabled:  cfg.RecheckEnabled,
		RecheckInterval: cfg.RecheckInterval(),
	})
	if err != nil {
		return nil, fmt.Errorf("mapper: error creating tracker: %w", err)
	}

	q, err := queue.New(cfg.QueueMaxSize, cfg.QueueOverflowStrategy, opts.Clock)
	if err != nil {
		return nil, fmt.Errorf("mapper: error creating queue: %w", err)
	}

	limiter, err := ratelimit.NewTokenBucket(cfg.TraceroutesPerMinute, cfg.BurstMultiplier, opts.Clock)
	if err != nil {
		return nil, fmt.Errorf("mapper: error creating rate limiter: %w", err)
	}

	mgr, err := traceroute.New(traceroute.Config{
		Logger:                 opts.Logger,
		Clock:                  opts.Clock,
		MaxHops:                cfg.MaxHops,
		Timeout:                cfg.ProbeTimeout(),
		MaxRetries:             cfg.MaxRetries,
		RetryBackoffMultiplier: cfg.RetryBackoffMultiplier,
	})
	if err != nil {
		return nil, fmt.Errorf("mapper: error creating traceroute manager: %w", err)
	}

	hm, err := health.New(health.Config{
		Logger:        opts.Logger,
		Clock:         opts.Clock,
		QuietHours:    cfg.QuietHours,
		Congestion:    cfg.Congestion,
		EmergencyStop: cfg.EmergencyStop,
	})
	if err != nil {
		return nil, fmt.Errorf("mapper: error creating health monitor: %w", err)
	}

	var store *state.Store
	if cfg.StatePersistenceEnabled {
		store, err = state.New(state.Config{
			Logger:         opts.Logger,
			Clock:          opts.Clock,
			Path:           cfg.StateFilePath,
			HistoryPerNode: cfg.HistoryPerNode,
		})
		if err != nil {
			return nil, fmt.Errorf("mapper: error creating state store: %w", err)
		}
	}

	metrics := newMetrics()
	if opts.Registry != nil {
		if err := metrics.Register(opts.Registry); err != nil {
			return nil, fmt.Errorf("mapper: error registering metrics: %w", err)
		}
	}

	return &Mapper{
		log:     opts.Logger,
		cfg:     cfg,
		clock:   opts.Clock,
		router:  opts.Router,
		tracker: trk,
		queue:   q,
		limiter: limiter,
		manager: mgr,
		health:  hm,
		store:   store,
		metrics: metrics,
	}, nil
}

// Start loads persisted state, launches the background loops, and optionally
// enqueues every known indirect node for initial discovery. Idempotent.
func (m *Mapper) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if m.store != nil {
		nodes, _ := m.store.Load()
		if len(nodes) > 0 {
			m.tracker.Restore(nodes)
			m.log.Info("mapper: restored persisted state", "nodes", len(nodes))
		}
	}
	if m.cfg.ClearQueueOnStartup {
		m.queue.Clear()
	}

	m.spawn(ctx, "queue", m.runQueueLoop)
	m.spawn(ctx, "timeout", m.runTimeoutLoop)
	m.spawn(ctx, "recheck", m.runRecheckLoop)
	m.spawn(ctx, "persistence", m.runPersistenceLoop)
	if m.cfg.InitialDiscoveryEnabled {
		m.spawn(ctx, "initial-discovery", m.runInitialDiscovery)
	}

	m.log.Info("mapper: started",
		"rate_per_minute", m.cfg.TraceroutesPerMinute,
		"queue", m.queue.String(),
		"limiter", m.limiter.String())
	return nil
}

// Stop signals every loop, waits for them, and performs a final state save.
func (m *Mapper) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	if m.store != nil {
		if err := m.store.Save(m.tracker.Snapshot()); err != nil {
			m.log.Error("mapper: final state save failed", "error", err)
		}
	}
	m.log.Info("mapper: stopped")
}

// IsRunning reports whether Start was called and Stop has not completed.
func (m *Mapper) IsRunning() bool {
	return m.running.Load()
}

// HandleMessage is the ingress path, invoked by the router for every
// delivered packet.
func (m *Mapper) HandleMessage(ctx context.Context, msg *mesh.Message) error {
	if msg == nil || msg.SenderID == "" {
		return nil
	}

	res := m.tracker.Update(tracker.Observation{
		NodeID:   msg.SenderID,
		HopCount: msg.HopCount,
		SNR:      msg.SNR,
		RSSI:     msg.RSSI,
		Role:     msg.MetaString(mesh.MetaRole),
	})

	if msg.IsTracerouteResponse() {
		m.handleResponse(ctx, msg)
		m.refreshGauges()
		return nil
	}

	switch {
	case res.BecameDirect():
		// Indirect-to-direct transition: anything queued for this node is
		// now pointless.
		if m.queue.Remove(msg.SenderID) {
			m.log.Debug("mapper: canceled queued trace after direct transition", "node", msg.SenderID)
		}
		m.mu.Lock()
		m.stats.directNodesSkipped++
		m.mu.Unlock()
		m.metrics.DirectNodesSkipped.Inc()

	case res.IsDirect:
		// Nothing to trace.

	case res.WasOffline:
		m.enqueueIfTraceable(msg.SenderID, queue.PriorityBackOnline, reasonNodeBackOnline)

	case !res.Known || (res.PriorTraceCount == 0 && !res.WasDirect):
		m.enqueueIfTraceable(msg.SenderID, queue.PriorityNewIndirect, reasonNewIndirectNode)
	}

	m.refreshGauges()
	return nil
}

// enqueueIfTraceable applies the trace filters before queueing.
func (m *Mapper) enqueueIfTraceable(nodeID string, priority int, reason string) {
	if !m.tracker.ShouldTrace(nodeID) {
		m.mu.Lock()
		m.stats.filteredNodesSkipped++
		m.mu.Unlock()
		m.metrics.FilteredNodesSkipped.Inc()
		return
	}
	if m.queue.Enqueue(queue.Request{NodeID: nodeID, Priority: priority, Reason: reason}) {
		m.log.Debug("mapper: enqueued trace request", "node", nodeID, "priority", priority, "reason", reason)
	}
}

// handleResponse forwards the response downstream before any correlation
// side effects, so consumers always receive it even when matching fails.
func (m *Mapper) handleResponse(ctx context.Context, msg *mesh.Message) {
	if err := m.router.SendMessage(ctx, msg); err != nil {
		m.log.Error("mapper: error forwarding traceroute response", "id", msg.ID, "error", err)
	}

	result, ok := m.manager.HandleResponse(msg)
	if !ok {
		// Stale or someone else's probe; forwarded above, nothing more to do.
		m.log.Debug("mapper: unmatched traceroute response", "id", msg.ID)
		return
	}

	m.tracker.EnsureKnown(result.NodeID, false)
	m.health.RecordSuccess(&result.Duration)
	m.tracker.MarkTraced(result.NodeID, true, nil)

	m.mu.Lock()
	m.stats.successful++
	m.mu.Unlock()
	m.metrics.TraceroutesSuccessful.Inc()
	m.metrics.ResponseTime.Observe(result.Duration.Seconds())

	m.log.Info("mapper: traceroute completed",
		"node", result.NodeID, "hops", len(result.Route), "duration", result.Duration)

	if m.store != nil {
		entry := state.HistoryEntry{
			Timestamp:  m.clock.Now(),
			Success:    true,
			HopCount:   len(result.Route),
			Route:      result.Route,
			SNRValues:  result.SNRValues,
			RSSIValues: result.RSSIValues,
			DurationMS: float64(result.Duration) / float64(time.Millisecond),
		}
		if err := m.store.SaveHistory(result.NodeID, entry); err != nil {
			m.log.Error("mapper: error appending trace history", "node", result.NodeID, "error", err)
		}
	}
}

// sendTraceroute is the egress path for one dequeued request. A router
// rejection is a health failure but never consumes the retry budget; the
// correlation is aborted so it cannot time out later.
func (m *Mapper) sendTraceroute(ctx context.Context, req *queue.Request) {
	msg, pending := m.manager.Send(req.NodeID, req.Priority, req.RetryCount)
	if err := m.router.SendMessage(ctx, msg); err != nil {
		m.manager.Abort(pending.RequestID)
		m.health.RecordFailure(false)
		m.mu.Lock()
		m.stats.failed++
		m.mu.Unlock()
		m.metrics.TraceroutesFailed.Inc()
		m.log.Error("mapper: error sending probe", "node", req.NodeID, "error", err)
		return
	}

	m.mu.Lock()
	m.stats.sent++
	m.stats.lastTraceroute = m.clock.Now()
	m.mu.Unlock()
	m.metrics.TraceroutesSent.Inc()

	m.log.Debug("mapper: probe sent",
		"node", req.NodeID, "priority", req.Priority, "reason", req.Reason, "request_id", pending.RequestID)
}

// shouldProcessQueue gates the queue loop: a configured rate, no emergency
// stop, outside quiet hours, and overall health.
func (m *Mapper) shouldProcessQueue() bool {
	if m.cfg.TraceroutesPerMinute <= 0 {
		return false
	}
	if m.health.IsEmergencyStop() {
		return false
	}
	if m.health.IsQuietHours() {
		return false
	}
	return m.health.IsHealthy()
}

// refreshGauges pushes current component sizes and flags into prometheus.
func (m *Mapper) refreshGauges() {
	direct, indirect := m.tracker.Counts()
	m.metrics.NodesTracked.Set(float64(direct + indirect))
	m.metrics.NodesDirect.Set(float64(direct))
	m.metrics.NodesIndirect.Set(float64(indirect))
	m.metrics.QueueSize.Set(float64(m.queue.Len()))
	m.metrics.PendingProbes.Set(float64(m.manager.PendingCount()))
	m.metrics.EffectiveRate.Set(m.health.RecommendedRate(m.cfg.TraceroutesPerMinute))
	m.metrics.EmergencyStop.Set(boolGauge(m.health.IsEmergencyStop()))
	m.metrics.Congested.Set(boolGauge(m.health.IsCongested()))
	m.metrics.QuietHours.Set(boolGauge(m.health.IsQuietHours()))
}

// Status is the operator-facing health report.
type Status struct {
	NodesTracked          int        `json:"nodes_tracked"`
	DirectNodes           int        `json:"direct_nodes"`
	IndirectNodes         int        `json:"indirect_nodes"`
	QueueSize             int        `json:"queue_size"`
	PendingProbes         int        `json:"pending_probes"`
	TraceroutesSent       uint64     `json:"traceroutes_sent"`
	TraceroutesSuccessful uint64     `json:"traceroutes_successful"`
	TraceroutesFailed     uint64     `json:"traceroutes_failed"`
	TraceroutesTimeout    uint64     `json:"traceroutes_timeout"`
	DirectNodesSkipped    uint64     `json:"direct_nodes_skipped"`
	FilteredNodesSkipped  uint64     `json:"filtered_nodes_skipped"`
	SuccessRate           float64    `json:"success_rate"`
	EffectiveRate         float64    `json:"effective_rate"`
	IsCongested           bool       `json:"is_congested"`
	IsQuietHours          bool       `json:"is_quiet_hours"`
	IsEmergencyStop       bool       `json:"is_emergency_stop"`
	EmergencyStopReason   string     `json:"emergency_stop_reason,omitempty"`
	Healthy               bool       `json:"healthy"`
	LastTracerouteTime    *time.Time `json:"last_traceroute_time,omitempty"`
}

// Status returns a consistent snapshot of statistics and health flags.
func (m *Mapper) Status() Status {
	direct, indirect := m.tracker.Counts()
	hs := m.health.Stats()

	m.mu.Lock()
	stats := m.stats
	m.mu.Unlock()

	var last *time.Time
	if !stats.lastTraceroute.IsZero() {
		t := stats.lastTraceroute
		last = &t
	}
	return Status{
		NodesTracked:          direct + indirect,
		DirectNodes:           direct,
		IndirectNodes:         indirect,
		QueueSize:             m.queue.Len(),
		PendingProbes:         m.manager.PendingCount(),
		TraceroutesSent:       stats.sent,
		TraceroutesSuccessful: stats.successful,
		TraceroutesFailed:     stats.failed,
		TraceroutesTimeout:    stats.timeout,
		DirectNodesSkipped:    stats.directNodesSkipped,
		FilteredNodesSkipped:  stats.filteredNodesSkipped,
		SuccessRate:           hs.OverallSuccessRate,
		EffectiveRate:         m.health.RecommendedRate(m.cfg.TraceroutesPerMinute),
		IsCongested:           hs.IsCongested,
		IsQuietHours:          m.health.IsQuietHours(),
		IsEmergencyStop:       hs.IsEmergencyStop,
		EmergencyStopReason:   hs.EmergencyStopReason,
		Healthy:               m.health.IsHealthy(),
		LastTracerouteTime:    last,
	}
}

// ExitEmergencyStop clears the health latch manually.
func (m *Mapper) ExitEmergencyStop() {
	m.health.ExitEmergencyStop()
}
