// Package telemetry passively observes the other mesh components and
// serves read-only snapshots to external monitoring.
package telemetry

import (
	"sync"
	"time"

	"github.com/danmuck/meshd/internal/mesh"
	"github.com/danmuck/meshd/internal/observability"
)

const defaultEventDepth = 256

// NodeStats is the observed per-node slice of a snapshot.
type NodeStats struct {
	Load      float64         `json:"load"`
	LatencyMS int64           `json:"latency_ms"`
	Status    mesh.NodeStatus `json:"status"`
}

// Snapshot is the read-only telemetry export polled by monitoring.
type Snapshot struct {
	PerNode map[string]NodeStats `json:"per_node"`
	PerPath map[string]int       `json:"per_path"`
	TakenAt time.Time            `json:"taken_at"`
}

// Event is one recorded mesh occurrence kept in the bounded log.
type Event struct {
	Type    string            `json:"type"`
	Details map[string]string `json:"details"`
	At      time.Time         `json:"at"`
}

// Stats aggregates counters across the mesh lifetime.
type Stats struct {
	Heartbeats        uint64 `json:"heartbeats"`
	MissedHeartbeats  uint64 `json:"missed_heartbeats"`
	ReplicationsAcked uint64 `json:"replications_acked"`
	ReplicationsFail  uint64 `json:"replications_failed"`
	RoutingsPlaced    uint64 `json:"routings_placed"`
	RoutingsRejected  uint64 `json:"routings_rejected"`
}

// PendingFunc supplies non-terminal replication counts per path.
type PendingFunc func() map[string]int

// Collector is the telemetry store. All writers go through Record/
// Observe methods; readers only ever get copies.
type Collector struct {
	mu      sync.RWMutex
	nodes   map[string]NodeStats
	events  []Event
	stats   Stats
	pending PendingFunc
	depth   int
}

// NewCollector returns an empty collector.
func NewCollector(pending PendingFunc) *Collector {
	return &Collector{
		nodes:   make(map[string]NodeStats),
		events:  make([]Event, 0),
		pending: pending,
		depth:   defaultEventDepth,
	}
}

// ObserveNode records the latest load/latency/status for one node.
func (c *Collector) ObserveNode(nodeID string, load float64, latencyMS int64, status mesh.NodeStatus) {
	c.mu.Lock()
	c.nodes[nodeID] = NodeStats{Load: load, LatencyMS: latencyMS, Status: status}
	c.mu.Unlock()
	observability.RecordNodeGauges(nodeID, load, latencyMS)
}

// ForgetNode drops per-node stats after an explicit leave.
func (c *Collector) ForgetNode(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, nodeID)
}

// RecordHeartbeat counts one heartbeat poll outcome.
func (c *Collector) RecordHeartbeat(nodeID string, ok bool) {
	outcome := "ok"
	c.mu.Lock()
	if ok {
		c.stats.Heartbeats++
	} else {
		c.stats.MissedHeartbeats++
		outcome = "missed"
	}
	c.mu.Unlock()
	observability.RecordHeartbeat(nodeID, outcome)
}

// RecordReplication counts one terminal replication outcome.
func (c *Collector) RecordReplication(state string, duration time.Duration) {
	c.mu.Lock()
	switch state {
	case "acked":
		c.stats.ReplicationsAcked++
	case "failed":
		c.stats.ReplicationsFail++
	}
	c.mu.Unlock()
	observability.RecordReplication(state, duration)
}

// RecordRouting counts one routing decision.
func (c *Collector) RecordRouting(taskKind string, placed bool) {
	outcome := "placed"
	c.mu.Lock()
	if placed {
		c.stats.RoutingsPlaced++
	} else {
		c.stats.RoutingsRejected++
		outcome = "rejected"
	}
	c.mu.Unlock()
	observability.RecordRouting(taskKind, outcome)
}

// RecordEvent appends one occurrence to the bounded event log.
func (c *Collector) RecordEvent(eventType string, details map[string]string) {
	copied := make(map[string]string, len(details))
	for k, v := range details {
		copied[k] = v
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, Event{Type: eventType, Details: copied, At: time.Now()})
	if len(c.events) > c.depth {
		c.events = c.events[len(c.events)-c.depth:]
	}
}

// Snapshot returns the read-only export for external monitoring.
func (c *Collector) Snapshot() Snapshot {
	out := Snapshot{
		PerNode: make(map[string]NodeStats),
		PerPath: make(map[string]int),
		TakenAt: time.Now(),
	}
	c.mu.RLock()
	for nodeID, stats := range c.nodes {
		out.PerNode[nodeID] = stats
	}
	pending := c.pending
	c.mu.RUnlock()
	if pending != nil {
		for path, n := range pending() {
			out.PerPath[path] = n
		}
	}
	return out
}

// Stats returns lifetime aggregate counters.
func (c *Collector) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Events returns up to limit most recent events, oldest first.
func (c *Collector) Events(limit int) []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if limit <= 0 || len(c.events) <= limit {
		out := make([]Event, len(c.events))
		copy(out, c.events)
		return out
	}
	out := make([]Event, limit)
	copy(out, c.events[len(c.events)-limit:])
	return out
}
