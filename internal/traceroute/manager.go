// Package traceroute builds probe frames and correlates responses to
// outstanding probes, enforcing per-probe timeouts and the retry budget.
package traceroute

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/meshwatch/meshmap/internal/mesh"
)

// Pending is one in-flight probe correlation, keyed by request id.
type Pending struct {
	RequestID  string
	NodeID     string
	Priority   int
	SentAt     time.Time
	TimeoutAt  time.Time
	RetryCount int
	MaxRetries int
}

// CanRetry reports whether the retry budget allows another attempt.
func (p *Pending) CanRetry() bool {
	return p.RetryCount < p.MaxRetries
}

// Result is a matched probe response.
type Result struct {
	RequestID  string
	NodeID     string
	Priority   int
	RetryCount int
	Route      []mesh.RouteHop
	SNRValues  []float64
	RSSIValues []float64
	Duration   time.Duration
}

// Config carries the manager's dependencies and probe parameters.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	MaxHops                int           // probe hop_limit
	Timeout                time.Duration // base per-probe timeout
	MaxRetries             int
	RetryBackoffMultiplier float64
}

// Validate verifies required fields.
func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		return errors.New("clock is required")
	}
	if cfg.MaxHops <= 0 {
		return errors.New("max hops must be > 0")
	}
	if cfg.Timeout <= 0 {
		return errors.New("timeout must be > 0")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	if cfg.RetryBackoffMultiplier < 1 {
		return errors.New("retry backoff multiplier must be >= 1")
	}
	return nil
}

// Manager owns the pending-correlation set.
type Manager struct {
	log   *slog.Logger
	clock clockwork.Clock
	cfg   Config

	mu      sync.Mutex
	pending map[string]*Pending
}

// New constructs a manager with no pending probes.
func New(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		log:     cfg.Logger,
		clock:   cfg.Clock,
		cfg:     cfg,
		pending: make(map[string]*Pending),
	}, nil
}

// Send synthesizes a probe frame for the node and records its correlation.
// The timeout grows geometrically with the retry count. The caller forwards
// the returned message to the router; on router failure it should call
// Abort so the correlation never times out.
func (m *Manager) Send(nodeID string, priority, retryCount int) (*mesh.Message, *Pending) {
	requestID := uuid.NewString()
	now := m.clock.Now()
	timeout := time.Duration(float64(m.cfg.Timeout) * math.Pow(m.cfg.RetryBackoffMultiplier, float64(retryCount)))

	msg := &mesh.Message{
		ID:          uuid.NewString(),
		RecipientID: nodeID,
		Type:        mesh.MessageTypeRouting,
		HopLimit:    m.cfg.MaxHops,
		Metadata: map[string]any{
			mesh.MetaWantResponse:   true,
			mesh.MetaRouteDiscovery: true,
			mesh.MetaTraceroute:     true,
			mesh.MetaRequestID:      requestID,
		},
	}

	p := &Pending{
		RequestID:  requestID,
		NodeID:     nodeID,
		Priority:   priority,
		SentAt:     now,
		TimeoutAt:  now.Add(timeout),
		RetryCount: retryCount,
		MaxRetries: m.cfg.MaxRetries,
	}

	m.mu.Lock()
	m.pending[requestID] = p
	m.mu.Unlock()

	m.log.Debug("traceroute: probe prepared",
		"node", nodeID, "request_id", requestID, "retry", retryCount, "timeout_at", p.TimeoutAt)
	return msg, p
}

// Abort drops a correlation that was never transmitted.
func (m *Manager) Abort(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, requestID)
}

// HandleResponse matches a response against the pending set. A response is
// matched exactly once; unknown request ids return ok=false and are not an
// error (stale, or someone else's probe).
func (m *Manager) HandleResponse(msg *mesh.Message) (*Result, bool) {
	requestID := msg.MetaString(mesh.MetaRequestID)
	if requestID == "" {
		return nil, false
	}

	m.mu.Lock()
	p, ok := m.pending[requestID]
	if ok {
		delete(m.pending, requestID)
	}
	m.mu.Unlock()
	if !ok {
		return nil, false
	}

	return &Result{
		RequestID:  requestID,
		NodeID:     p.NodeID,
		Priority:   p.Priority,
		RetryCount: p.RetryCount,
		Route:      msg.ResponseRoute(),
		SNRValues:  msg.SignalValues(mesh.MetaSNRValues),
		RSSIValues: msg.SignalValues(mesh.MetaRSSIValues),
		Duration:   m.clock.Now().Sub(p.SentAt),
	}, true
}

// CheckTimeouts removes and returns every correlation whose deadline has
// passed.
func (m *Manager) CheckTimeouts() []*Pending {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []*Pending
	for id, p := range m.pending {
		if !p.TimeoutAt.After(now) {
			expired = append(expired, p)
			delete(m.pending, id)
		}
	}
	return expired
}

// PendingCount returns the number of in-flight correlations.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Clear drops every pending correlation.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = make(map[string]*Pending)
}
