package transport

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/meshd/internal/mesh"
)

// Config defines transport reliability defaults.
type Config struct {
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	Limits         mesh.Limits
	Backoff        BackoffConfig
}

// DefaultConfig returns contract-aligned transport defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
		SendTimeout:    5 * time.Second,
		Limits:         mesh.DefaultLimits(),
		Backoff:        DefaultBackoff(),
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	if c.Limits.MaxSenderBytes == 0 {
		c.Limits.MaxSenderBytes = def.Limits.MaxSenderBytes
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits.MaxPayloadBytes = def.Limits.MaxPayloadBytes
	}
	if c.Backoff.InitialDelay == 0 {
		c.Backoff = def.Backoff
	}
	return c
}

// SendResult is one per-node broadcast outcome.
type SendResult struct {
	NodeID string
	Ack    mesh.Envelope
	Err    error
}

// Transport delivers envelopes between mesh nodes. Connections are
// bidirectional and reused; a failed send is not retried here.
type Transport interface {
	Connect(ctx context.Context, node mesh.Node) error
	Send(ctx context.Context, nodeID string, env mesh.Envelope) (mesh.Envelope, error)
	Broadcast(ctx context.Context, nodeIDs []string, env mesh.Envelope) map[string]SendResult
	Table() *Table
}

// Link is one live connection table entry.
type Link struct {
	NodeID      string
	NodeType    mesh.NodeType
	ConnectedAt time.Time
	LastSendAt  time.Time
	LatencyMS   int64
	SendCount   uint64
}

// Table is the live connection table. Mutated only by the owning
// transport; any component may read snapshots.
type Table struct {
	mu    sync.RWMutex
	links map[string]*Link
}

// NewTable returns an empty connection table.
func NewTable() *Table {
	return &Table{links: make(map[string]*Link)}
}

// Upsert records a successful connection for one node.
func (t *Table) Upsert(node mesh.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	link, ok := t.links[node.NodeID]
	if !ok {
		link = &Link{NodeID: node.NodeID, ConnectedAt: time.Now()}
		t.links[node.NodeID] = link
	}
	link.NodeType = node.Type
}

// Remove drops one node's connection entry.
func (t *Table) Remove(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.links, nodeID)
}

// Connected reports whether one node has a prior successful connection.
func (t *Table) Connected(nodeID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.links[nodeID]
	return ok
}

// RecordSend updates send counters and the latency estimate for one link.
func (t *Table) RecordSend(nodeID string, rtt time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	link, ok := t.links[nodeID]
	if !ok {
		return
	}
	link.LastSendAt = time.Now()
	link.SendCount++
	link.LatencyMS = rtt.Milliseconds()
}

// Latency returns the last observed round-trip latency for one link.
func (t *Table) Latency(nodeID string) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	link, ok := t.links[nodeID]
	if !ok {
		return 0, false
	}
	return link.LatencyMS, true
}

// Snapshot returns a stable copy of all links ordered by node id.
func (t *Table) Snapshot() []Link {
	t.mu.RLock()
	out := make([]Link, 0, len(t.links))
	for _, link := range t.links {
		out = append(out, *link)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// withSendDeadline applies the default send timeout when the caller
// context carries no deadline.
func withSendDeadline(ctx context.Context, cfg Config) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, cfg.SendTimeout)
}
