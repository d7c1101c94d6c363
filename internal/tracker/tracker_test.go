package tracker

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

func newTestTracker(t *testing.T, clock clockwork.Clock, mutate func(*Config)) *Tracker {
	t.Helper()
	cfg := Config{
		Logger:          testLogger(),
		Clock:           clock,
		SkipDirectNodes: true,
		RecheckEnabled:  true,
		RecheckInterval: 6 * time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	trk, err := New(cfg)
	require.NoError(t, err)
	return trk
}

func floatPtr(v float64) *float64 { return &v }

func TestTracker_DirectClassification(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	trk := newTestTracker(t, clock, nil)

	trk.Update(Observation{NodeID: "!a", HopCount: 3})
	direct, ok := trk.IsDirect("!a")
	require.True(t, ok)
	require.False(t, direct)
	require.True(t, trk.IsIndirect("!a"))

	trk.Update(Observation{NodeID: "!b", HopCount: 1})
	direct, ok = trk.IsDirect("!b")
	require.True(t, ok)
	require.True(t, direct)

	// The explicit flag promotes to direct regardless of hop count.
	trk.Update(Observation{NodeID: "!c", HopCount: 5, Direct: true})
	direct, _ = trk.IsDirect("!c")
	require.True(t, direct)

	// Strong SNR alone never promotes: hop count rules.
	trk.Update(Observation{NodeID: "!d", HopCount: 4, SNR: floatPtr(12.5)})
	require.True(t, trk.IsIndirect("!d"))

	_, ok = trk.IsDirect("!unknown")
	require.False(t, ok)
}

func TestTracker_UpdateTransitions(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	trk := newTestTracker(t, clock, nil)

	res := trk.Update(Observation{NodeID: "!a", HopCount: 3})
	require.False(t, res.Known)
	require.False(t, res.IsDirect)
	require.False(t, res.BecameDirect())

	// Indirect-to-direct flip is observable.
	res = trk.Update(Observation{NodeID: "!a", HopCount: 1})
	require.True(t, res.Known)
	require.False(t, res.WasDirect)
	require.True(t, res.IsDirect)
	require.True(t, res.BecameDirect())

	// was_offline is reported once and cleared by the update.
	trk.Update(Observation{NodeID: "!b", HopCount: 2})
	trk.MarkOffline("!b")
	require.Equal(t, []string{"!b"}, trk.NodesBackOnline())
	res = trk.Update(Observation{NodeID: "!b", HopCount: 2})
	require.True(t, res.WasOffline)
	require.Empty(t, trk.NodesBackOnline())

	// Signal and role overwrite only when present.
	trk.Update(Observation{NodeID: "!b", HopCount: 2, SNR: floatPtr(-7), Role: "ROUTER"})
	n := trk.Get("!b")
	require.NotNil(t, n)
	require.NotNil(t, n.SNR)
	require.Equal(t, -7.0, *n.SNR)
	require.Equal(t, "ROUTER", *n.Role)
	trk.Update(Observation{NodeID: "!b", HopCount: 2})
	n = trk.Get("!b")
	require.Equal(t, -7.0, *n.SNR)
}

func TestTracker_ShouldTraceFilterChain(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()

	t.Run("unknown node rejected", func(t *testing.T) {
		trk := newTestTracker(t, clock, nil)
		require.False(t, trk.ShouldTrace("!nope"))
	})

	t.Run("direct skipped when configured", func(t *testing.T) {
		trk := newTestTracker(t, clock, nil)
		trk.Update(Observation{NodeID: "!a", HopCount: 1})
		require.False(t, trk.ShouldTrace("!a"))
	})

	t.Run("direct traced when skip disabled", func(t *testing.T) {
		trk := newTestTracker(t, clock, func(c *Config) { c.SkipDirectNodes = false })
		trk.Update(Observation{NodeID: "!a", HopCount: 1})
		require.True(t, trk.ShouldTrace("!a"))
	})

	t.Run("whitelist excludes others", func(t *testing.T) {
		trk := newTestTracker(t, clock, func(c *Config) { c.Whitelist = []string{"!a"} })
		trk.Update(Observation{NodeID: "!a", HopCount: 3})
		trk.Update(Observation{NodeID: "!b", HopCount: 3})
		require.True(t, trk.ShouldTrace("!a"))
		require.False(t, trk.ShouldTrace("!b"))
	})

	t.Run("blacklist dominates whitelist", func(t *testing.T) {
		trk := newTestTracker(t, clock, func(c *Config) {
			c.Whitelist = []string{"!a"}
			c.Blacklist = []string{"!a"}
		})
		trk.Update(Observation{NodeID: "!a", HopCount: 3})
		require.False(t, trk.ShouldTrace("!a"))
	})

	t.Run("excluded role rejected, missing role passes", func(t *testing.T) {
		trk := newTestTracker(t, clock, func(c *Config) { c.ExcludeRoles = []string{"CLIENT"} })
		trk.Update(Observation{NodeID: "!a", HopCount: 3, Role: "CLIENT"})
		trk.Update(Observation{NodeID: "!b", HopCount: 3})
		require.False(t, trk.ShouldTrace("!a"))
		require.True(t, trk.ShouldTrace("!b"))
	})

	t.Run("snr gate rejects null and weak", func(t *testing.T) {
		trk := newTestTracker(t, clock, func(c *Config) { c.MinSNRThreshold = floatPtr(-10) })
		trk.Update(Observation{NodeID: "!weak", HopCount: 3, SNR: floatPtr(-15)})
		trk.Update(Observation{NodeID: "!null", HopCount: 3})
		trk.Update(Observation{NodeID: "!good", HopCount: 3, SNR: floatPtr(-5)})
		require.False(t, trk.ShouldTrace("!weak"))
		require.False(t, trk.ShouldTrace("!null"))
		require.True(t, trk.ShouldTrace("!good"))
	})
}

func TestTracker_MarkTracedRecheckResetsFromNow(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	trk := newTestTracker(t, clock, nil)
	trk.Update(Observation{NodeID: "!a", HopCount: 3})

	trk.MarkTraced("!a", true, nil)
	n := trk.Get("!a")
	require.NotNil(t, n.LastTraced)
	require.NotNil(t, n.NextRecheck)
	require.Equal(t, clock.Now().Add(6*time.Hour), *n.NextRecheck)
	require.True(t, n.NextRecheck.After(*n.LastTraced))
	require.Equal(t, 1, n.TraceCount)
	require.Equal(t, 0, n.FailureCount)
	require.True(t, n.LastTraceSuccess)

	// Traced again well before the schedule: the timer re-arms from now.
	clock.Advance(time.Hour)
	trk.MarkTraced("!a", true, nil)
	n = trk.Get("!a")
	require.Equal(t, clock.Now().Add(6*time.Hour), *n.NextRecheck)

	// Failure bumps the streak and leaves next_recheck alone.
	prior := *n.NextRecheck
	clock.Advance(time.Minute)
	trk.MarkTraced("!a", false, nil)
	n = trk.Get("!a")
	require.Equal(t, 1, n.FailureCount)
	require.Equal(t, 3, n.TraceCount)
	require.Equal(t, prior, *n.NextRecheck)
	require.False(t, n.LastTraceSuccess)

	// Success resets the streak; trace_count = successes + failures.
	trk.MarkTraced("!a", true, nil)
	n = trk.Get("!a")
	require.Equal(t, 0, n.FailureCount)
	require.Equal(t, 4, n.TraceCount)

	// Explicit next_recheck wins over the configured interval.
	custom := clock.Now().Add(30 * time.Minute)
	trk.MarkTraced("!a", true, &custom)
	n = trk.Get("!a")
	require.Equal(t, custom, *n.NextRecheck)

	// Unknown nodes are a no-op.
	trk.MarkTraced("!nope", true, nil)
	trk.MarkOffline("!nope")
	require.Nil(t, trk.Get("!nope"))
}

func TestTracker_NodesNeedingTrace(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	trk := newTestTracker(t, clock, nil)

	trk.Update(Observation{NodeID: "!never", HopCount: 3})
	trk.Update(Observation{NodeID: "!due", HopCount: 3})
	trk.Update(Observation{NodeID: "!future", HopCount: 3})
	trk.Update(Observation{NodeID: "!direct", HopCount: 1})

	trk.MarkTraced("!due", true, nil)
	trk.MarkTraced("!future", true, nil)

	// !due's recheck elapses, !future's does not.
	clock.Advance(6*time.Hour + time.Minute)
	trk.MarkTraced("!future", true, nil)

	due := trk.NodesNeedingTrace()
	require.ElementsMatch(t, []string{"!never", "!due"}, due)
}

func TestTracker_SnapshotRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	trk := newTestTracker(t, clock, nil)

	trk.Update(Observation{NodeID: "!a", HopCount: 3, SNR: floatPtr(-8), Role: "ROUTER"})
	trk.Update(Observation{NodeID: "!b", HopCount: 1})
	trk.MarkTraced("!a", true, nil)

	snap := trk.Snapshot()
	require.Len(t, snap, 2)

	// Snapshot is a deep copy: mutating it does not touch tracker state.
	snap["!a"].TraceCount = 99
	require.Equal(t, 1, trk.Get("!a").TraceCount)
	snap["!a"].TraceCount = 1

	restored := newTestTracker(t, clock, nil)
	restored.Restore(snap)
	require.Equal(t, 2, restored.Len())
	a := restored.Get("!a")
	require.Equal(t, 1, a.TraceCount)
	require.Equal(t, -8.0, *a.SNR)
	require.Equal(t, "ROUTER", *a.Role)
	direct, _ := restored.IsDirect("!b")
	require.True(t, direct)

	direct1, indirect1 := restored.Counts()
	require.Equal(t, 1, direct1)
	require.Equal(t, 1, indirect1)

	restored.Reset()
	require.Equal(t, 0, restored.Len())
}
