// Package tracker maintains per-node state: classification, signal, timing,
// trace bookkeeping, and filter eligibility.
package tracker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// NodeState is the tracked record for one node. The JSON tags define the
// persisted snapshot schema.
type NodeState struct {
	NodeID           string     `json:"node_id"`
	IsDirect         bool       `json:"is_direct"`
	LastSeen         time.Time  `json:"last_seen"`
	LastTraced       *time.Time `json:"last_traced"`
	NextRecheck      *time.Time `json:"next_recheck"`
	LastTraceSuccess bool       `json:"last_trace_success"`
	TraceCount       int        `json:"trace_count"`
	FailureCount     int        `json:"failure_count"`
	SNR              *float64   `json:"snr"`
	RSSI             *int       `json:"rssi"`
	WasOffline       bool       `json:"was_offline"`
	Role             *string    `json:"role"`
}

// clone returns a deep copy so callers never alias tracker-owned state.
func (n *NodeState) clone() *NodeState {
	c := *n
	c.LastTraced = copyTime(n.LastTraced)
	c.NextRecheck = copyTime(n.NextRecheck)
	if n.SNR != nil {
		v := *n.SNR
		c.SNR = &v
	}
	if n.RSSI != nil {
		v := *n.RSSI
		c.RSSI = &v
	}
	if n.Role != nil {
		v := *n.Role
		c.Role = &v
	}
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Observation is one ingress data point for a node. Direct is the caller's
// explicit flag; it can promote a node to direct but never demote it below
// what the hop count implies.
type Observation struct {
	NodeID   string
	Direct   bool
	HopCount int
	SNR      *float64
	RSSI     *int
	Role     string
}

// UpdateResult exposes the prior state the orchestrator needs to drive side
// effects (enqueue on discovery, dequeue on direct transition).
type UpdateResult struct {
	Known           bool
	WasDirect       bool
	WasOffline      bool
	IsDirect        bool
	PriorTraceCount int
}

// BecameDirect reports an indirect-to-direct classification flip.
func (r UpdateResult) BecameDirect() bool {
	return r.Known && !r.WasDirect && r.IsDirect
}

// Config carries the tracker's dependencies and trace filters.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	SkipDirectNodes bool
	Whitelist       []string
	Blacklist       []string
	ExcludeRoles    []string
	MinSNRThreshold *float64

	RecheckEnabled  bool
	RecheckInterval time.Duration
}

// Validate verifies required fields.
func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		return errors.New("clock is required")
	}
	if cfg.RecheckInterval < 0 {
		return errors.New("recheck interval must be >= 0")
	}
	return nil
}

// Tracker owns all NodeState records behind one mutex.
type Tracker struct {
	log   *slog.Logger
	clock clockwork.Clock
	cfg   Config

	whitelist    map[string]struct{}
	blacklist    map[string]struct{}
	excludeRoles map[string]struct{}

	mu    sync.RWMutex
	nodes map[string]*NodeState
}

// New constructs an empty tracker.
func New(cfg Config) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tracker{
		log:          cfg.Logger,
		clock:        cfg.Clock,
		cfg:          cfg,
		whitelist:    toSet(cfg.Whitelist),
		blacklist:    toSet(cfg.Blacklist),
		excludeRoles: toSet(cfg.ExcludeRoles),
		nodes:        make(map[string]*NodeState),
	}, nil
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

// Update applies one ingress observation. A node is direct iff the caller's
// explicit flag is set or the hop count is <= 1; signal strength never
// promotes a node to direct. Clears was_offline.
func (t *Tracker) Update(obs Observation) UpdateResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	isDirect := obs.Direct || obs.HopCount <= 1

	res := UpdateResult{IsDirect: isDirect}

	n, ok := t.nodes[obs.NodeID]
	if !ok {
		n = &NodeState{NodeID: obs.NodeID}
		t.nodes[obs.NodeID] = n
	} else {
		res.Known = true
		res.WasDirect = n.IsDirect
		res.WasOffline = n.WasOffline
		res.PriorTraceCount = n.TraceCount
	}

	n.IsDirect = isDirect
	n.LastSeen = now
	n.WasOffline = false
	if obs.SNR != nil {
		v := *obs.SNR
		n.SNR = &v
	}
	if obs.RSSI != nil {
		v := *obs.RSSI
		n.RSSI = &v
	}
	if obs.Role != "" {
		v := obs.Role
		n.Role = &v
	}
	return res
}

// Get returns a copy of the node's state, or nil if unknown.
func (t *Tracker) Get(nodeID string) *NodeState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[nodeID]
	if !ok {
		return nil
	}
	return n.clone()
}

// EnsureKnown registers the node if absent, so trace results for nodes first
// seen via their response still have a record. Reports whether it was added.
func (t *Tracker) EnsureKnown(nodeID string, isDirect bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.nodes[nodeID]; ok {
		return false
	}
	t.nodes[nodeID] = &NodeState{
		NodeID:   nodeID,
		IsDirect: isDirect,
		LastSeen: t.clock.Now(),
	}
	return true
}

// ShouldTrace evaluates the filter chain for the node.
func (t *Tracker) ShouldTrace(nodeID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[nodeID]
	if !ok {
		return false
	}
	return t.shouldTraceLocked(n)
}

// shouldTraceLocked applies the rejection chain in fixed order: direct skip,
// whitelist, blacklist, role exclusion, SNR gate.
func (t *Tracker) shouldTraceLocked(n *NodeState) bool {
	if t.cfg.SkipDirectNodes && n.IsDirect {
		return false
	}
	if len(t.whitelist) > 0 {
		if _, ok := t.whitelist[n.NodeID]; !ok {
			return false
		}
	}
	if _, ok := t.blacklist[n.NodeID]; ok {
		return false
	}
	if n.Role != nil {
		if _, ok := t.excludeRoles[*n.Role]; ok {
			return false
		}
	}
	if t.cfg.MinSNRThreshold != nil {
		if n.SNR == nil || *n.SNR < *t.cfg.MinSNRThreshold {
			return false
		}
	}
	return true
}

// MarkTraced records a resolved trace attempt. On success the failure streak
// resets and the recheck timer is re-armed from now, regardless of any prior
// schedule. On failure next_recheck is left untouched; retries are the
// manager's job. Unknown nodes are a logged no-op.
func (t *Tracker) MarkTraced(nodeID string, success bool, nextRecheck *time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[nodeID]
	if !ok {
		t.log.Warn("tracker: mark traced for unknown node", "node", nodeID)
		return
	}
	now := t.clock.Now()
	n.LastTraced = &now
	n.TraceCount++
	n.LastTraceSuccess = success

	if success {
		n.FailureCount = 0
		switch {
		case nextRecheck != nil:
			n.NextRecheck = copyTime(nextRecheck)
		case t.cfg.RecheckEnabled && t.cfg.RecheckInterval > 0:
			due := now.Add(t.cfg.RecheckInterval)
			n.NextRecheck = &due
		}
	} else {
		n.FailureCount++
	}
}

// MarkOffline flags the node so its next packet triggers back-online
// handling. Unknown nodes are a logged no-op.
func (t *Tracker) MarkOffline(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[nodeID]
	if !ok {
		t.log.Warn("tracker: mark offline for unknown node", "node", nodeID)
		return
	}
	n.WasOffline = true
}

// IsDirect reports the node's classification; ok is false for unknown nodes.
func (t *Tracker) IsDirect(nodeID string) (direct bool, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, found := t.nodes[nodeID]
	if !found {
		return false, false
	}
	return n.IsDirect, true
}

// IsIndirect reports whether the node is known and multi-hop.
func (t *Tracker) IsIndirect(nodeID string) bool {
	direct, ok := t.IsDirect(nodeID)
	return ok && !direct
}

// NodesNeedingTrace returns every node that passes the filters and has never
// been traced or whose recheck is due.
func (t *Tracker) NodesNeedingTrace() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.clock.Now()
	var due []string
	for id, n := range t.nodes {
		if !t.shouldTraceLocked(n) {
			continue
		}
		if n.LastTraced == nil || (n.NextRecheck != nil && !n.NextRecheck.After(now)) {
			due = append(due, id)
		}
	}
	return due
}

// NodesBackOnline returns every node whose was_offline flag is set.
func (t *Tracker) NodesBackOnline() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var back []string
	for id, n := range t.nodes {
		if n.WasOffline {
			back = append(back, id)
		}
	}
	return back
}

// IndirectNodes returns every known node currently classified as indirect.
func (t *Tracker) IndirectNodes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for id, n := range t.nodes {
		if !n.IsDirect {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the number of tracked nodes.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Counts returns the number of direct and indirect nodes.
func (t *Tracker) Counts() (direct, indirect int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, n := range t.nodes {
		if n.IsDirect {
			direct++
		} else {
			indirect++
		}
	}
	return
}

// Snapshot returns a deep copy of every record, keyed by node id.
func (t *Tracker) Snapshot() map[string]*NodeState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]*NodeState, len(t.nodes))
	for id, n := range t.nodes {
		out[id] = n.clone()
	}
	return out
}

// Restore replaces the tracked set with the given records, deep-copied.
// Used when loading persisted state at startup.
func (t *Tracker) Restore(nodes map[string]*NodeState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes = make(map[string]*NodeState, len(nodes))
	for id, n := range nodes {
		if n == nil {
			continue
		}
		t.nodes[id] = n.clone()
	}
}

// Reset discards every record.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes = make(map[string]*NodeState)
}
