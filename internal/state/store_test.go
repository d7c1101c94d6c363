package state

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/meshwatch/meshmap/internal/mesh"
	"github.com/meshwatch/meshmap/internal/tracker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, historyPerNode int) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := New(Config{
		Logger:         testLogger(),
		Clock:          clockwork.NewFakeClockAt(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)),
		Path:           path,
		HistoryPerNode: historyPerNode,
	})
	require.NoError(t, err)
	return s, path
}

func sampleNodes(now time.Time) map[string]*tracker.NodeState {
	snr := -7.5
	rssi := -92
	role := "ROUTER"
	traced := now.Add(-time.Hour)
	recheck := now.Add(5 * time.Hour)
	return map[string]*tracker.NodeState{
		"!a1b2": {
			NodeID:           "!a1b2",
			IsDirect:         false,
			LastSeen:         now,
			LastTraced:       &traced,
			NextRecheck:      &recheck,
			LastTraceSuccess: true,
			TraceCount:       4,
			FailureCount:     0,
			SNR:              &snr,
			RSSI:             &rssi,
			Role:             &role,
		},
		"!c3d4": {
			NodeID:     "!c3d4",
			IsDirect:   true,
			LastSeen:   now,
			WasOffline: true,
		},
	}
}

func TestState_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Clock: clockwork.NewFakeClock(), Path: "x", HistoryPerNode: 1})
	require.Error(t, err)
	_, err = New(Config{Logger: testLogger(), Clock: clockwork.NewFakeClock(), HistoryPerNode: 1})
	require.Error(t, err)
	_, err = New(Config{Logger: testLogger(), Clock: clockwork.NewFakeClock(), Path: "x"})
	require.Error(t, err)
}

func TestState_MissingFileLoadsEmpty(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, 10)
	nodes, history := s.Load()
	require.Empty(t, nodes)
	require.Empty(t, history)
}

func TestState_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	s, path := newTestStore(t, 10)
	now := time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC)
	saved := sampleNodes(now)
	require.NoError(t, s.Save(saved))

	// The write is atomic: no temp file remains.
	_, err := os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))

	nodes, _ := s.Load()
	require.Len(t, nodes, 2)
	a := nodes["!a1b2"]
	require.NotNil(t, a)
	require.Equal(t, saved["!a1b2"].TraceCount, a.TraceCount)
	require.Equal(t, *saved["!a1b2"].SNR, *a.SNR)
	require.Equal(t, *saved["!a1b2"].Role, *a.Role)
	require.WithinDuration(t, saved["!a1b2"].LastSeen, a.LastSeen, time.Second)
	require.WithinDuration(t, *saved["!a1b2"].LastTraced, *a.LastTraced, time.Second)
	require.WithinDuration(t, *saved["!a1b2"].NextRecheck, *a.NextRecheck, time.Second)
	c := nodes["!c3d4"]
	require.True(t, c.IsDirect)
	require.True(t, c.WasOffline)
	require.Nil(t, c.SNR)

	// The document carries the schema version and a last_saved stamp.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Equal(t, Version, doc["version"])
	require.NotEmpty(t, doc["last_saved"])
}

func TestState_CorruptFileBackedUp(t *testing.T) {
	t.Parallel()

	s, path := newTestStore(t, 10)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	nodes, history := s.Load()
	require.Empty(t, nodes)
	require.Empty(t, history)

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "state.corrupted.*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	backup, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	require.Equal(t, "{not json", string(backup))
}

func TestState_MalformedNodeSkipped(t *testing.T) {
	t.Parallel()

	s, path := newTestStore(t, 10)
	doc := `{
		"version": "1.0",
		"last_saved": "2026-08-24T12:00:00Z",
		"nodes": {
			"!good": {"node_id": "!good", "is_direct": false, "last_seen": "2026-08-24T11:00:00Z"},
			"!bad": {"node_id": "!bad", "trace_count": "not-a-number"}
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	nodes, _ := s.Load()
	require.Len(t, nodes, 1)
	require.NotNil(t, nodes["!good"])
}

func TestState_HistoryAppendAndCap(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, 3)
	for i := 0; i < 5; i++ {
		entry := HistoryEntry{
			Timestamp: time.Date(2026, 8, 24, 12, i, 0, 0, time.UTC),
			Success:   true,
			HopCount:  i,
			Route:     []mesh.RouteHop{{NodeID: "!gw"}, {NodeID: "!a"}},
		}
		require.NoError(t, s.SaveHistory("!a", entry))
	}

	_, history := s.Load()
	require.Len(t, history["!a"], 3)
	// Oldest entries evicted: hop counts 2, 3, 4 remain in order.
	require.Equal(t, 2, history["!a"][0].HopCount)
	require.Equal(t, 4, history["!a"][2].HopCount)
}

func TestState_SectionsPreserveEachOther(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, 10)
	now := time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(sampleNodes(now)))
	msg := "no response"
	require.NoError(t, s.SaveHistory("!a1b2", HistoryEntry{
		Timestamp:    now,
		Success:      false,
		ErrorMessage: &msg,
	}))

	// Saving nodes again must not lose the history section.
	require.NoError(t, s.Save(sampleNodes(now)))

	nodes, history := s.Load()
	require.Len(t, nodes, 2)
	require.Len(t, history["!a1b2"], 1)
	require.Equal(t, "no response", *history["!a1b2"][0].ErrorMessage)
}
