// Package state persists the tracker's node map and per-node trace history
// as a single atomic JSON snapshot.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/meshwatch/meshmap/internal/mesh"
	"github.com/meshwatch/meshmap/internal/tracker"
)

// Version identifies the snapshot schema. Mismatches on load are logged but
// not fatal.
const Version = "1.0"

const backupTimestampLayout = "20060102_150405"

// HistoryEntry is one bounded per-node trace outcome.
type HistoryEntry struct {
	Timestamp    time.Time       `json:"timestamp"`
	Success      bool            `json:"success"`
	HopCount     int             `json:"hop_count"`
	Route        []mesh.RouteHop `json:"route"`
	SNRValues    []float64       `json:"snr_values"`
	RSSIValues   []float64       `json:"rssi_values"`
	DurationMS   float64         `json:"duration_ms"`
	ErrorMessage *string         `json:"error_message"`
}

// document is the on-disk layout. Nodes are kept raw so one malformed record
// skips only itself on load.
type document struct {
	Version   string                     `json:"version"`
	LastSaved time.Time                  `json:"last_saved"`
	Nodes     map[string]json.RawMessage `json:"nodes"`
	History   map[string][]HistoryEntry  `json:"traceroute_history,omitempty"`
}

// Config carries the store's dependencies.
type Config struct {
	Logger         *slog.Logger
	Clock          clockwork.Clock
	Path           string
	HistoryPerNode int
}

// Validate verifies required fields.
func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		return errors.New("clock is required")
	}
	if cfg.Path == "" {
		return errors.New("path is required")
	}
	if cfg.HistoryPerNode <= 0 {
		return errors.New("history per node must be > 0")
	}
	return nil
}

// Store reads and writes snapshots. It owns no live state; the single writer
// plus atomic rename keeps readers and writers from interleaving.
type Store struct {
	log            *slog.Logger
	clock          clockwork.Clock
	path           string
	historyPerNode int
}

// New constructs a store for the given snapshot path.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log:            cfg.Logger,
		clock:          cfg.Clock,
		path:           cfg.Path,
		historyPerNode: cfg.HistoryPerNode,
	}, nil
}

// Load reads the snapshot. It never fails the caller: a missing file yields
// empty maps, a corrupt file is backed up and yields empty maps, and a
// malformed node record skips only that node.
func (s *Store) Load() (map[string]*tracker.NodeState, map[string][]HistoryEntry) {
	doc := s.loadDocument()
	nodes := make(map[string]*tracker.NodeState, len(doc.Nodes))
	for id, raw := range doc.Nodes {
		var n tracker.NodeState
		if err := json.Unmarshal(raw, &n); err != nil {
			s.log.Warn("state: skipping malformed node record", "node", id, "error", err)
			continue
		}
		nodes[id] = &n
	}
	history := doc.History
	if history == nil {
		history = make(map[string][]HistoryEntry)
	}
	return nodes, history
}

// Save writes the node map, preserving whatever history the file already
// holds. Returns an error without partial writes on I/O failure.
func (s *Store) Save(nodes map[string]*tracker.NodeState) error {
	doc := s.loadDocument()
	doc.Nodes = make(map[string]json.RawMessage, len(nodes))
	for id, n := range nodes {
		raw, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("state: error encoding node %s: %w", id, err)
		}
		doc.Nodes[id] = raw
	}
	return s.writeDocument(doc)
}

// SaveHistory appends one entry to the node's history, truncating to the
// most recent historyPerNode entries, and preserves the nodes section.
func (s *Store) SaveHistory(nodeID string, entry HistoryEntry) error {
	doc := s.loadDocument()
	if doc.History == nil {
		doc.History = make(map[string][]HistoryEntry)
	}
	entries := append(doc.History[nodeID], entry)
	if len(entries) > s.historyPerNode {
		entries = entries[len(entries)-s.historyPerNode:]
	}
	doc.History[nodeID] = entries
	return s.writeDocument(doc)
}

// loadDocument reads and parses the snapshot file, handling the missing and
// corrupt cases per the load contract.
func (s *Store) loadDocument() document {
	empty := document{Version: Version, Nodes: make(map[string]json.RawMessage)}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Error("state: error reading snapshot", "path", s.path, "error", err)
		}
		return empty
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		backup := s.backupPath()
		s.log.Error("state: snapshot is corrupt, backing up",
			"path", s.path, "backup", backup, "error", err)
		if werr := os.WriteFile(backup, data, 0644); werr != nil {
			s.log.Error("state: error writing corrupt backup", "path", backup, "error", werr)
		}
		return empty
	}
	if doc.Version != Version {
		s.log.Warn("state: snapshot version mismatch", "got", doc.Version, "want", Version)
	}
	if doc.Nodes == nil {
		doc.Nodes = make(map[string]json.RawMessage)
	}
	return doc
}

// writeDocument writes to a sibling .tmp path then renames over the
// destination so a crash never leaves a partial snapshot.
func (s *Store) writeDocument(doc document) error {
	doc.Version = Version
	doc.LastSaved = s.clock.Now().UTC()

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("state: error encoding snapshot: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("state: error creating snapshot directory: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("state: error writing temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("state: error renaming snapshot: %w", err)
	}
	return nil
}

func (s *Store) backupPath() string {
	base := strings.TrimSuffix(s.path, ".json")
	ts := s.clock.Now().UTC().Format(backupTimestampLayout)
	return fmt.Sprintf("%s.corrupted.%s.json", base, ts)
}
