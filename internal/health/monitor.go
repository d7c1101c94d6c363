// Package health decides whether probes should be sent at all, and at what
// rate: congestion throttling, quiet hours, and the emergency-stop latch.
package health

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	defaultWindowSize         = 20
	defaultResponseTimeWindow = 50
)

// QuietHoursConfig is an operator-configured clock interval during which no
// probes are emitted. Times are "HH:MM" wall-clock; an interval with
// start > end spans midnight.
type QuietHoursConfig struct {
	Enabled   bool   `yaml:"enabled"`
	StartTime string `yaml:"start_time"`
	EndTime   string `yaml:"end_time"`
}

// CongestionConfig derives a congested flag from the recent success rate.
type CongestionConfig struct {
	Enabled              bool    `yaml:"enabled"`
	SuccessRateThreshold float64 `yaml:"success_rate_threshold"`
	ThrottleMultiplier   float64 `yaml:"throttle_multiplier"`
}

// EmergencyStopConfig controls the latched full stop and its auto-recovery.
type EmergencyStopConfig struct {
	Enabled             bool    `yaml:"enabled"`
	FailureThreshold    float64 `yaml:"failure_threshold"`
	ConsecutiveFailures int     `yaml:"consecutive_failures"`
	AutoRecoveryMinutes int     `yaml:"auto_recovery_minutes"`
}

// Config carries the monitor's dependencies and policy knobs.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	WindowSize         int // sliding outcome window; defaulted if 0
	ResponseTimeWindow int // sliding response-time window; defaulted if 0

	QuietHours    QuietHoursConfig
	Congestion    CongestionConfig
	EmergencyStop EmergencyStopConfig
}

// Validate verifies required fields and applies defaults.
func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		return errors.New("clock is required")
	}
	if cfg.WindowSize < 0 || cfg.ResponseTimeWindow < 0 {
		return errors.New("window sizes must be >= 0")
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = defaultWindowSize
	}
	if cfg.ResponseTimeWindow == 0 {
		cfg.ResponseTimeWindow = defaultResponseTimeWindow
	}
	return nil
}

// Stats is a consistent snapshot of the monitor's counters and flags.
type Stats struct {
	TotalRequests       uint64
	Successful          uint64
	Failed              uint64
	Timeouts            uint64
	ConsecutiveFailures int
	RecentSuccessRate   float64
	OverallSuccessRate  float64
	AvgResponseTime     time.Duration
	IsCongested         bool
	IsEmergencyStop     bool
	EmergencyStopReason string
	EmergencyStopTime   time.Time
}

// Monitor tracks probe outcomes and derives send/throttle policy.
type Monitor struct {
	log   *slog.Logger
	clock clockwork.Clock
	cfg   Config

	mu                  sync.Mutex
	total               uint64
	successful          uint64
	failed              uint64
	timeouts            uint64
	window              []bool
	responseTimes       []time.Duration
	consecutiveFailures int
	congested           bool
	emergencyStop       bool
	emergencyStopTime   time.Time
	emergencyStopReason string
}

// New constructs a monitor with empty history.
func New(cfg Config) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Monitor{log: cfg.Logger, clock: cfg.Clock, cfg: cfg}, nil
}

// RecordSuccess appends a success to the window, resets the failure streak,
// and evaluates auto-recovery if the emergency stop is latched.
func (m *Monitor) RecordSuccess(responseTime *time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	m.successful++
	m.consecutiveFailures = 0
	m.appendOutcomeLocked(true)
	if responseTime != nil {
		m.responseTimes = append(m.responseTimes, *responseTime)
		if len(m.responseTimes) > m.cfg.ResponseTimeWindow {
			m.responseTimes = m.responseTimes[len(m.responseTimes)-m.cfg.ResponseTimeWindow:]
		}
	}
	m.updateCongestionLocked()
	if m.emergencyStop {
		m.checkAutoRecoveryLocked()
	}
}

// RecordFailure appends a failure, bumps counters, and evaluates the
// emergency-stop triggers in order.
func (m *Monitor) RecordFailure(isTimeout bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	m.failed++
	if isTimeout {
		m.timeouts++
	}
	m.consecutiveFailures++
	m.appendOutcomeLocked(false)
	m.updateCongestionLocked()
	m.checkEmergencyStopLocked()
}

func (m *Monitor) appendOutcomeLocked(ok bool) {
	m.window = append(m.window, ok)
	if len(m.window) > m.cfg.WindowSize {
		m.window = m.window[len(m.window)-m.cfg.WindowSize:]
	}
}

// recentSuccessRateLocked uses the sliding window; an empty window counts as
// fully healthy.
func (m *Monitor) recentSuccessRateLocked() float64 {
	if len(m.window) == 0 {
		return 1.0
	}
	ok := 0
	for _, v := range m.window {
		if v {
			ok++
		}
	}
	return float64(ok) / float64(len(m.window))
}

func (m *Monitor) overallSuccessRateLocked() float64 {
	if m.total == 0 {
		return 1.0
	}
	return float64(m.successful) / float64(m.total)
}

// updateCongestionLocked derives the flag strictly from the latest window;
// there is no hysteresis.
func (m *Monitor) updateCongestionLocked() {
	was := m.congested
	m.congested = m.cfg.Congestion.Enabled &&
		m.recentSuccessRateLocked() < m.cfg.Congestion.SuccessRateThreshold
	if m.congested != was {
		m.log.Info("health: congestion state changed",
			"congested", m.congested, "recent_success_rate", m.recentSuccessRateLocked())
	}
}

// checkEmergencyStopLocked evaluates triggers in order; first match wins.
// Entering the latch is idempotent.
func (m *Monitor) checkEmergencyStopLocked() {
	if !m.cfg.EmergencyStop.Enabled || m.emergencyStop {
		return
	}
	es := m.cfg.EmergencyStop
	if m.consecutiveFailures >= es.ConsecutiveFailures {
		m.enterEmergencyStopLocked(fmt.Sprintf("Consecutive failures: %d", m.consecutiveFailures))
		return
	}
	if m.total >= 20 && m.overallSuccessRateLocked() < es.FailureThreshold {
		m.enterEmergencyStopLocked(fmt.Sprintf("Success rate below threshold: %.2f", m.overallSuccessRateLocked()))
	}
}

func (m *Monitor) enterEmergencyStopLocked(reason string) {
	m.emergencyStop = true
	m.emergencyStopTime = m.clock.Now()
	m.emergencyStopReason = reason
	m.log.Error("health: emergency stop engaged", "reason", reason)
}

// checkAutoRecoveryLocked clears the latch once the recovery window has
// passed and the recent window looks comfortably healthy.
func (m *Monitor) checkAutoRecoveryLocked() {
	es := m.cfg.EmergencyStop
	elapsed := m.clock.Now().Sub(m.emergencyStopTime)
	if elapsed < time.Duration(es.AutoRecoveryMinutes)*time.Minute {
		return
	}
	if m.recentSuccessRateLocked() > es.FailureThreshold*1.5 {
		m.emergencyStop = false
		m.emergencyStopReason = ""
		m.log.Info("health: emergency stop auto-recovered", "elapsed", elapsed)
	}
}

// ExitEmergencyStop clears the latch manually.
func (m *Monitor) ExitEmergencyStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.emergencyStop {
		return
	}
	m.emergencyStop = false
	m.emergencyStopReason = ""
	m.log.Info("health: emergency stop cleared manually")
}

// IsEmergencyStop reports whether the latch is engaged.
func (m *Monitor) IsEmergencyStop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emergencyStop
}

// IsCongested reports the current congestion derivation.
func (m *Monitor) IsCongested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.congested
}

// RecommendedRate scales the base probe rate by current health: zero during
// emergency stop, throttled while congested, otherwise unchanged.
func (m *Monitor) RecommendedRate(baseRate float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.emergencyStop:
		return 0
	case m.congested:
		return baseRate * m.cfg.Congestion.ThrottleMultiplier
	default:
		return baseRate
	}
}

// IsQuietHours reports whether the current wall-clock time falls inside the
// configured interval, inclusive on both ends. An interval whose start is
// after its end spans midnight; equal endpoints cover exactly that minute.
func (m *Monitor) IsQuietHours() bool {
	qh := m.cfg.QuietHours
	if !qh.Enabled {
		return false
	}
	start, err := parseClockMinute(qh.StartTime)
	if err != nil {
		return false
	}
	end, err := parseClockMinute(qh.EndTime)
	if err != nil {
		return false
	}
	now := m.clock.Now()
	cur := now.Hour()*60 + now.Minute()
	if start <= end {
		return cur >= start && cur <= end
	}
	return cur >= start || cur <= end
}

func parseClockMinute(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// IsHealthy is the composite gate: no emergency stop, outside quiet hours,
// and an overall success rate at or above the failure threshold.
func (m *Monitor) IsHealthy() bool {
	if m.IsQuietHours() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.emergencyStop {
		return false
	}
	return m.overallSuccessRateLocked() >= m.cfg.EmergencyStop.FailureThreshold
}

// Stats returns a consistent snapshot.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var avg time.Duration
	if len(m.responseTimes) > 0 {
		var sum time.Duration
		for _, rt := range m.responseTimes {
			sum += rt
		}
		avg = sum / time.Duration(len(m.responseTimes))
	}
	return Stats{
		TotalRequests:       m.total,
		Successful:          m.successful,
		Failed:              m.failed,
		Timeouts:            m.timeouts,
		ConsecutiveFailures: m.consecutiveFailures,
		RecentSuccessRate:   m.recentSuccessRateLocked(),
		OverallSuccessRate:  m.overallSuccessRateLocked(),
		AvgResponseTime:     avg,
		IsCongested:         m.congested,
		IsEmergencyStop:     m.emergencyStop,
		EmergencyStopReason: m.emergencyStopReason,
		EmergencyStopTime:   m.emergencyStopTime,
	}
}
