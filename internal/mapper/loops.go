package mapper

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/meshwatch/meshmap/internal/queue"
)

const (
	gatedIdleInterval = 60 * time.Second
	emptyIdleInterval = 10 * time.Second
	timeoutInterval   = 10 * time.Second
	recheckInterval   = 5 * time.Minute
)

// spawn runs a named loop in a goroutine. A loop that panics or returns while
// the context is still live is restarted after an exponential backoff, so a
// transient fault never kills the loop for good.
func (m *Mapper) spawn(ctx context.Context, name string, run func(context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Second
		bo.MaxInterval = time.Minute
		bo.MaxElapsedTime = 0
		for {
			err := m.runGuarded(ctx, run)
			if ctx.Err() != nil {
				m.log.Debug("mapper: loop stopped", "loop", name)
				return
			}
			if err == nil {
				// One-shot task finished cleanly.
				return
			}
			delay := bo.NextBackOff()
			m.log.Error("mapper: loop crashed, restarting", "loop", name, "error", err, "backoff", delay)
			if !m.sleep(ctx, delay) {
				return
			}
		}
	}()
}

func (m *Mapper) runGuarded(ctx context.Context, run func(context.Context)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	run(ctx)
	return nil
}

// sleep waits for d on the injected clock. Returns false when ctx was
// canceled first.
func (m *Mapper) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-m.clock.After(d):
		return true
	}
}

// runQueueLoop drains the request queue: after the one-time startup delay it
// dequeues in priority order, waits for a rate token, and emits the probe.
// While gated off (zero rate, emergency stop, quiet hours, unhealthy) it
// idles and rechecks.
func (m *Mapper) runQueueLoop(ctx context.Context) {
	if !m.sleep(ctx, m.cfg.StartupDelay()) {
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}
		if !m.shouldProcessQueue() {
			if !m.sleep(ctx, gatedIdleInterval) {
				return
			}
			continue
		}

		// Apply the health monitor's throttle before drawing a token.
		effective := m.health.RecommendedRate(m.cfg.TraceroutesPerMinute)
		if effective > 0 && effective != m.limiter.Rate() {
			if err := m.limiter.SetRate(effective); err != nil {
				m.log.Error("mapper: error updating rate", "rate", effective, "error", err)
			}
			m.metrics.EffectiveRate.Set(effective)
		}

		req := m.queue.Dequeue()
		if req == nil {
			if !m.sleep(ctx, emptyIdleInterval) {
				return
			}
			continue
		}
		if err := m.limiter.Acquire(ctx); err != nil {
			return
		}
		m.sendTraceroute(ctx, req)
		m.refreshGauges()
	}
}

// runTimeoutLoop sweeps expired correlations: records the failure, marks the
// node traced unsuccessfully, and re-enqueues at the original priority while
// the retry budget lasts.
func (m *Mapper) runTimeoutLoop(ctx context.Context) {
	for {
		if !m.sleep(ctx, timeoutInterval) {
			return
		}
		for _, p := range m.manager.CheckTimeouts() {
			m.health.RecordFailure(true)
			m.tracker.MarkTraced(p.NodeID, false, nil)

			m.mu.Lock()
			m.stats.failed++
			m.stats.timeout++
			m.mu.Unlock()
			m.metrics.TraceroutesFailed.Inc()
			m.metrics.TraceroutesTimeout.Inc()

			if p.CanRetry() {
				retry := p.RetryCount + 1
				accepted := m.queue.Enqueue(queue.Request{
					NodeID:     p.NodeID,
					Priority:   p.Priority,
					Reason:     fmt.Sprintf("retry_%d", retry),
					RetryCount: retry,
				})
				m.log.Warn("mapper: probe timed out, retrying",
					"node", p.NodeID, "retry", retry, "max_retries", p.MaxRetries, "queued", accepted)
			} else {
				m.log.Warn("mapper: probe timed out, retries exhausted",
					"node", p.NodeID, "retries", p.RetryCount)
			}
		}
		m.refreshGauges()
	}
}

// runRecheckLoop enqueues nodes whose periodic recheck is due.
func (m *Mapper) runRecheckLoop(ctx context.Context) {
	for {
		if !m.sleep(ctx, recheckInterval) {
			return
		}
		for _, nodeID := range m.tracker.NodesNeedingTrace() {
			if m.queue.Contains(nodeID) {
				continue
			}
			if m.queue.Enqueue(queue.Request{
				NodeID:   nodeID,
				Priority: queue.PriorityPeriodicRecheck,
				Reason:   reasonPeriodicRecheck,
			}) {
				m.log.Debug("mapper: enqueued periodic recheck", "node", nodeID)
			}
		}
		m.refreshGauges()
	}
}

// runPersistenceLoop snapshots tracker state at the configured cadence.
func (m *Mapper) runPersistenceLoop(ctx context.Context) {
	if m.store == nil {
		return
	}
	for {
		if !m.sleep(ctx, m.cfg.AutoSaveInterval()) {
			return
		}
		if err := m.store.Save(m.tracker.Snapshot()); err != nil {
			m.log.Error("mapper: periodic state save failed", "error", err)
		}
	}
}

// runInitialDiscovery enqueues every currently-known indirect node once.
func (m *Mapper) runInitialDiscovery(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	queued := 0
	for _, nodeID := range m.tracker.IndirectNodes() {
		if !m.tracker.ShouldTrace(nodeID) {
			continue
		}
		if m.queue.Enqueue(queue.Request{
			NodeID:   nodeID,
			Priority: queue.PriorityNewIndirect,
			Reason:   reasonInitialDiscovery,
		}) {
			queued++
		}
	}
	if queued > 0 {
		m.log.Info("mapper: initial discovery queued", "nodes", queued)
	}
	m.refreshGauges()
}
