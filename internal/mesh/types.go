package mesh

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// NodeType is the closed set of node placements in the mesh.
type NodeType string

const (
	NodeLocal  NodeType = "local"
	NodeRemote NodeType = "remote"
	NodeCloud  NodeType = "cloud"
)

// Rank orders node types by round-trip preference, lower is better.
func (t NodeType) Rank() int {
	switch t {
	case NodeLocal:
		return 0
	case NodeRemote:
		return 1
	case NodeCloud:
		return 2
	default:
		return 3
	}
}

// Valid reports whether the node type is a known placement.
func (t NodeType) Valid() bool {
	switch t {
	case NodeLocal, NodeRemote, NodeCloud:
		return true
	default:
		return false
	}
}

// ParseNodeType resolves config text into a closed node type.
func ParseNodeType(raw string) (NodeType, error) {
	t := NodeType(strings.ToLower(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidNodeType, raw)
	}
	return t, nil
}

// NodeStatus is the membership state owned exclusively by the coordinator.
type NodeStatus string

const (
	StatusJoining     NodeStatus = "joining"
	StatusHealthy     NodeStatus = "healthy"
	StatusDegraded    NodeStatus = "degraded"
	StatusUnreachable NodeStatus = "unreachable"
	StatusLeft        NodeStatus = "left"
)

// TaskKind names one kind of work a node can execute.
type TaskKind string

// CapabilitySet is the set of task kinds one node can execute.
type CapabilitySet map[TaskKind]struct{}

// NewCapabilitySet builds a capability set from task kind names.
func NewCapabilitySet(kinds ...TaskKind) CapabilitySet {
	out := make(CapabilitySet, len(kinds))
	for _, k := range kinds {
		out[k] = struct{}{}
	}
	return out
}

// Has reports whether the set contains one task kind.
func (c CapabilitySet) Has(kind TaskKind) bool {
	_, ok := c[kind]
	return ok
}

// List returns the contained task kinds in unspecified order.
func (c CapabilitySet) List() []TaskKind {
	out := make([]TaskKind, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	return out
}

// Clone returns a defensive copy of the capability set.
func (c CapabilitySet) Clone() CapabilitySet {
	out := make(CapabilitySet, len(c))
	for k := range c {
		out[k] = struct{}{}
	}
	return out
}

// MarshalJSON renders the set as a sorted list of task kinds.
func (c CapabilitySet) MarshalJSON() ([]byte, error) {
	kinds := c.List()
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return json.Marshal(kinds)
}

// UnmarshalJSON accepts a list of task kinds.
func (c *CapabilitySet) UnmarshalJSON(b []byte) error {
	var kinds []TaskKind
	if err := json.Unmarshal(b, &kinds); err != nil {
		return err
	}
	*c = NewCapabilitySet(kinds...)
	return nil
}

// Node is one mesh participant. Status is mutated only by the
// coordinator; LastHeartbeat only by the transport/guardian path.
type Node struct {
	NodeID        string        `json:"node_id"`
	Type          NodeType      `json:"node_type"`
	Capabilities  CapabilitySet `json:"capabilities"`
	Status        NodeStatus    `json:"status"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`

	// Load is the node's reported utilization in [0,1]; LatencyMS is the
	// observed round-trip latency from the coordinator's vantage.
	Load      float64 `json:"load"`
	LatencyMS int64   `json:"latency_ms"`
}

// Validate enforces required identity fields at join time.
func (n Node) Validate() error {
	if strings.TrimSpace(n.NodeID) == "" {
		return fmt.Errorf("%w: missing node_id", ErrInvalidNode)
	}
	if !n.Type.Valid() {
		return fmt.Errorf("%w: node_id=%q type=%q", ErrInvalidNodeType, n.NodeID, n.Type)
	}
	return nil
}

// Available reports whether the node can accept new work.
func (n Node) Available() bool {
	return n.Status == StatusHealthy && n.Load < 0.9
}

// Clone returns a defensive copy including the capability set.
func (n Node) Clone() Node {
	out := n
	out.Capabilities = n.Capabilities.Clone()
	return out
}

// FileRecord is one accepted version of a shared file.
type FileRecord struct {
	Path        string    `json:"path"`
	Version     uint64    `json:"version"`
	ContentHash string    `json:"content_hash"`
	OwnerNode   string    `json:"owner_node"`
	ProposedAt  time.Time `json:"proposed_at"`
}

// Validate enforces record fields required before replication dispatch.
func (r FileRecord) Validate() error {
	if strings.TrimSpace(r.Path) == "" {
		return fmt.Errorf("%w: missing path", ErrInvalidRecord)
	}
	if r.Version == 0 {
		return fmt.Errorf("%w: path=%q zero version", ErrInvalidRecord, r.Path)
	}
	if strings.TrimSpace(r.ContentHash) == "" {
		return fmt.Errorf("%w: path=%q missing content_hash", ErrInvalidRecord, r.Path)
	}
	if strings.TrimSpace(r.OwnerNode) == "" {
		return fmt.Errorf("%w: path=%q missing owner_node", ErrInvalidRecord, r.Path)
	}
	return nil
}

// HeartbeatRecord is one transient liveness sample for a node.
// Consumed by the coordinator's liveness tracker and discarded.
type HeartbeatRecord struct {
	NodeID  string
	Seq     uint64
	SentAt  time.Time
	Healthy bool

	// ReportedLoad piggybacks the node's utilization on the heartbeat ack.
	ReportedLoad float64
	LatencyMS    int64
}
