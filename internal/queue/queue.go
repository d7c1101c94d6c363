// Package queue holds pending traceroute requests in priority order.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Priority-level convention used by callers. The queue itself does not
// interpret these; lower numbers dequeue first.
const (
	PriorityNewIndirect         = 1
	PriorityCritical            = 2
	PriorityBackOnline          = 4
	PriorityTopologyChange      = 6
	PriorityPeriodicRecheck     = 8
	PriorityBackgroundDiscovery = 10
)

// OverflowStrategy selects the behavior when the queue is at capacity.
type OverflowStrategy string

const (
	DropLowestPriority OverflowStrategy = "drop_lowest_priority"
	DropOldest         OverflowStrategy = "drop_oldest"
	DropNew            OverflowStrategy = "drop_new"
)

// Request is one queued probe intent. NodeID is the duplicate-suppression key.
type Request struct {
	RequestID  string
	NodeID     string
	Priority   int
	Reason     string
	QueuedAt   time.Time
	RetryCount int
}

func (r *Request) String() string {
	return fmt.Sprintf("Request{node: %s, priority: %d, reason: %s}", r.NodeID, r.Priority, r.Reason)
}

// Stats counts queue outcomes for telemetry.
type Stats struct {
	Enqueued           uint64
	Dequeued           uint64
	DuplicatesRejected uint64
	PriorityUpgrades   uint64
	Dropped            uint64
}

// Queue is a bounded container of requests ordered by (priority, queued_at)
// with at most one entry per node.
type Queue struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	maxSize  int
	strategy OverflowStrategy
	entries  map[string]*Request
	stats    Stats
}

// New constructs an empty queue.
func New(maxSize int, strategy OverflowStrategy, clock clockwork.Clock) (*Queue, error) {
	if maxSize <= 0 {
		return nil, errors.New("max size must be > 0")
	}
	switch strategy {
	case DropLowestPriority, DropOldest, DropNew:
	default:
		return nil, fmt.Errorf("unknown overflow strategy: %q", strategy)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Queue{
		clock:    clock,
		maxSize:  maxSize,
		strategy: strategy,
		entries:  make(map[string]*Request),
	}, nil
}

// String returns a descriptive name for the queue.
func (q *Queue) String() string {
	return fmt.Sprintf("Queue(maxSize=%d, strategy=%s)", q.maxSize, q.strategy)
}

// Enqueue inserts a request, applying duplicate suppression and the overflow
// strategy. A duplicate with a strictly more important (numerically lower)
// priority replaces the existing entry with a refreshed queued_at; any other
// duplicate is rejected. Returns whether the request was accepted.
func (q *Queue) Enqueue(req Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.entries[req.NodeID]; ok {
		if req.Priority < existing.Priority {
			req.QueuedAt = q.clock.Now()
			q.entries[req.NodeID] = &req
			q.stats.PriorityUpgrades++
			q.stats.Enqueued++
			return true
		}
		q.stats.DuplicatesRejected++
		return false
	}

	if len(q.entries) >= q.maxSize {
		if !q.evictLocked(&req) {
			q.stats.Dropped++
			return false
		}
		q.stats.Dropped++
	}

	req.QueuedAt = q.clock.Now()
	q.entries[req.NodeID] = &req
	q.stats.Enqueued++
	return true
}

// evictLocked makes room for req per the overflow strategy. Returns false if
// the new request should be rejected instead.
func (q *Queue) evictLocked(req *Request) bool {
	switch q.strategy {
	case DropLowestPriority:
		var victim *Request
		for _, e := range q.entries {
			if victim == nil || e.Priority > victim.Priority {
				victim = e
			}
		}
		if victim == nil || req.Priority >= victim.Priority {
			return false
		}
		delete(q.entries, victim.NodeID)
		return true

	case DropOldest:
		var victim *Request
		for _, e := range q.entries {
			if victim == nil || e.QueuedAt.Before(victim.QueuedAt) {
				victim = e
			}
		}
		if victim == nil {
			return false
		}
		delete(q.entries, victim.NodeID)
		return true

	default: // DropNew
		return false
	}
}

// Dequeue removes and returns the head: smallest (priority, queued_at).
// Returns nil when empty.
func (q *Queue) Dequeue() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	var head *Request
	for _, e := range q.entries {
		if head == nil {
			head = e
			continue
		}
		if e.Priority < head.Priority ||
			(e.Priority == head.Priority && e.QueuedAt.Before(head.QueuedAt)) {
			head = e
		}
	}
	if head == nil {
		return nil
	}
	delete(q.entries, head.NodeID)
	q.stats.Dequeued++
	return head
}

// Remove deletes any entry for the node. Idempotent; reports whether an
// entry existed.
func (q *Queue) Remove(nodeID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[nodeID]; !ok {
		return false
	}
	delete(q.entries, nodeID)
	return true
}

// Contains reports whether the node has a queued request.
func (q *Queue) Contains(nodeID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[nodeID]
	return ok
}

// Len returns the number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// IsFull reports whether the queue is at capacity.
func (q *Queue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) >= q.maxSize
}

// IsEmpty reports whether the queue has no entries.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) == 0
}

// Clear removes every entry.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = make(map[string]*Request)
}

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}
