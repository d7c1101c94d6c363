package health

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMonitor(t *testing.T, clock clockwork.Clock, mutate func(*Config)) *Monitor {
	t.Helper()
	cfg := Config{
		Logger: testLogger(),
		Clock:  clock,
		Congestion: CongestionConfig{
			Enabled:              true,
			SuccessRateThreshold: 0.5,
			ThrottleMultiplier:   0.5,
		},
		EmergencyStop: EmergencyStopConfig{
			Enabled:             true,
			FailureThreshold:    0.2,
			ConsecutiveFailures: 3,
			AutoRecoveryMinutes: 30,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	return m
}

func TestHealth_CongestionDerivation(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	m := newTestMonitor(t, clock, func(c *Config) {
		// Keep the failure streak below the emergency threshold.
		c.EmergencyStop.ConsecutiveFailures = 100
	})

	// Empty window counts as fully healthy.
	require.False(t, m.IsCongested())
	require.Equal(t, 1.0, m.Stats().RecentSuccessRate)

	m.RecordFailure(false)
	m.RecordFailure(false)
	m.RecordSuccess(nil)
	// 1/3 < 0.5: congested.
	require.True(t, m.IsCongested())
	require.Equal(t, 0.5, m.RecommendedRate(1.0))

	// No hysteresis: a single success lifting the window clears it.
	m.RecordSuccess(nil)
	require.False(t, m.IsCongested())
	require.Equal(t, 1.0, m.RecommendedRate(1.0))
}

func TestHealth_EmergencyStopConsecutiveFailures(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	m := newTestMonitor(t, clock, nil)

	m.RecordFailure(true)
	m.RecordFailure(true)
	require.False(t, m.IsEmergencyStop())

	m.RecordFailure(true)
	require.True(t, m.IsEmergencyStop())
	stats := m.Stats()
	require.Contains(t, stats.EmergencyStopReason, "Consecutive failures")
	require.Equal(t, clock.Now(), stats.EmergencyStopTime)
	require.Equal(t, uint64(3), stats.Timeouts)

	// Zeroed rate while latched.
	require.Equal(t, 0.0, m.RecommendedRate(5))
	require.False(t, m.IsHealthy())

	// Latching is idempotent: further failures keep the original trigger time.
	clock.Advance(time.Minute)
	m.RecordFailure(false)
	require.Equal(t, stats.EmergencyStopTime, m.Stats().EmergencyStopTime)
}

func TestHealth_EmergencyStopSuccessRateTrigger(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	m := newTestMonitor(t, clock, func(c *Config) {
		c.EmergencyStop.ConsecutiveFailures = 100
		c.EmergencyStop.FailureThreshold = 0.5
	})

	// Alternate so the streak never trips; the overall rate trigger only
	// arms at 20 total requests.
	for i := 0; i < 9; i++ {
		m.RecordSuccess(nil)
		m.RecordFailure(false)
	}
	require.False(t, m.IsEmergencyStop())

	m.RecordFailure(false)
	m.RecordFailure(false)
	// 20 total, 9/20 = 0.45 < 0.5.
	require.True(t, m.IsEmergencyStop())
	require.Contains(t, m.Stats().EmergencyStopReason, "Success rate below threshold")
}

func TestHealth_AutoRecovery(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	m := newTestMonitor(t, clock, nil)

	for i := 0; i < 3; i++ {
		m.RecordFailure(true)
	}
	require.True(t, m.IsEmergencyStop())

	// Successes before the recovery window do not clear the latch.
	m.RecordSuccess(nil)
	require.True(t, m.IsEmergencyStop())

	// After the window, a success with a healthy recent window clears it.
	clock.Advance(31 * time.Minute)
	m.RecordSuccess(nil)
	// Window is 3 fails + 2 successes = 0.4 > 0.2*1.5 = 0.3.
	require.False(t, m.IsEmergencyStop())
	require.Equal(t, "", m.Stats().EmergencyStopReason)
}

func TestHealth_ManualExit(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	m := newTestMonitor(t, clock, nil)

	m.ExitEmergencyStop() // no-op when not latched

	for i := 0; i < 3; i++ {
		m.RecordFailure(false)
	}
	require.True(t, m.IsEmergencyStop())
	m.ExitEmergencyStop()
	require.False(t, m.IsEmergencyStop())
}

func TestHealth_QuietHours(t *testing.T) {
	t.Parallel()

	at := func(hhmm string) clockwork.Clock {
		ts, err := time.Parse("2006-01-02 15:04", "2026-03-10 "+hhmm)
		require.NoError(t, err)
		return clockwork.NewFakeClockAt(ts)
	}

	cases := []struct {
		name       string
		start, end string
		now        string
		want       bool
	}{
		{"inside simple interval", "09:00", "17:00", "12:30", true},
		{"start boundary inclusive", "09:00", "17:00", "09:00", true},
		{"end boundary inclusive", "09:00", "17:00", "17:00", true},
		{"outside simple interval", "09:00", "17:00", "17:01", false},
		{"midnight wrap late evening", "22:00", "06:00", "23:30", true},
		{"midnight wrap early morning", "22:00", "06:00", "05:59", true},
		{"midnight wrap daytime", "22:00", "06:00", "12:00", false},
		{"equal endpoints exact minute", "13:45", "13:45", "13:45", true},
		{"equal endpoints other minute", "13:45", "13:45", "13:46", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMonitor(t, at(tc.now), func(c *Config) {
				c.QuietHours = QuietHoursConfig{Enabled: true, StartTime: tc.start, EndTime: tc.end}
			})
			require.Equal(t, tc.want, m.IsQuietHours())
		})
	}

	t.Run("disabled", func(t *testing.T) {
		m := newTestMonitor(t, at("23:30"), nil)
		require.False(t, m.IsQuietHours())
	})

	t.Run("unparseable endpoint means no quiet hours", func(t *testing.T) {
		m := newTestMonitor(t, at("23:30"), func(c *Config) {
			c.QuietHours = QuietHoursConfig{Enabled: true, StartTime: "22:00", EndTime: "bogus"}
		})
		require.False(t, m.IsQuietHours())
	})
}

func TestHealth_IsHealthyComposite(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	m := newTestMonitor(t, clock, func(c *Config) {
		c.EmergencyStop.ConsecutiveFailures = 100
		c.EmergencyStop.FailureThreshold = 0.5
	})
	require.True(t, m.IsHealthy())

	// Overall success rate below the failure threshold is unhealthy even
	// without the latch.
	for i := 0; i < 4; i++ {
		m.RecordFailure(false)
	}
	m.RecordSuccess(nil)
	require.False(t, m.IsEmergencyStop())
	require.False(t, m.IsHealthy())
}

func TestHealth_SlidingWindowBounds(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	m := newTestMonitor(t, clock, func(c *Config) {
		c.WindowSize = 5
		c.EmergencyStop.Enabled = false
	})

	for i := 0; i < 20; i++ {
		m.RecordFailure(false)
	}
	for i := 0; i < 5; i++ {
		m.RecordSuccess(nil)
	}
	// Window holds only the last 5 outcomes: all successes.
	require.Equal(t, 1.0, m.Stats().RecentSuccessRate)
	require.Equal(t, uint64(25), m.Stats().TotalRequests)

	rt := 2 * time.Second
	m.RecordSuccess(&rt)
	require.Equal(t, 2*time.Second, m.Stats().AvgResponseTime)
}
