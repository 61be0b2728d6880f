package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/meshd/internal/mesh"
)

// NodeHost is the in-process peer side of one mesh node: it answers
// heartbeats with the node's reported load and applies replicated file
// versions to its replica set.
type NodeHost struct {
	nodeID string

	mu       sync.RWMutex
	replicas map[string]uint64
	load     float64
}

// NewNodeHost returns an idle host for one node.
func NewNodeHost(nodeID string) *NodeHost {
	return &NodeHost{
		nodeID:   nodeID,
		replicas: make(map[string]uint64),
	}
}

// SetLoad updates the utilization the host reports on heartbeats.
func (h *NodeHost) SetLoad(load float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.load = load
}

// Versions snapshots the host's replica versions; the rejoin handshake
// validates these against the file manager's canonical state.
func (h *NodeHost) Versions() map[string]uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]uint64, len(h.replicas))
	for path, version := range h.replicas {
		out[path] = version
	}
	return out
}

// ForceVersion overwrites one replica version, bypassing the monotonic
// apply rule. Used to simulate divergence in tests and recovery drills.
func (h *NodeHost) ForceVersion(path string, version uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.replicas[path] = version
}

// Handle answers one delivered envelope.
func (h *NodeHost) Handle(from string, env mesh.Envelope) (mesh.Envelope, error) {
	switch env.Type {
	case mesh.MsgHeartbeat:
		return h.handleHeartbeat(env)
	case mesh.MsgReplicate:
		return h.handleReplicate(env)
	default:
		return mesh.Envelope{}, fmt.Errorf("%w: %s to host %s", mesh.ErrBadMessageType, env.Type, h.nodeID)
	}
}

func (h *NodeHost) handleHeartbeat(env mesh.Envelope) (mesh.Envelope, error) {
	probe, err := mesh.DecodeHeartbeatPayload(env.Payload)
	if err != nil {
		return mesh.Envelope{}, err
	}
	h.mu.RLock()
	load := h.load
	h.mu.RUnlock()
	ack := mesh.HeartbeatRecord{
		NodeID:       h.nodeID,
		Seq:          probe.Seq,
		SentAt:       time.Now(),
		Healthy:      true,
		ReportedLoad: load,
	}
	return mesh.Envelope{
		Type:    mesh.MsgAck,
		Sender:  h.nodeID,
		Payload: mesh.EncodeHeartbeatPayload(ack),
	}, nil
}

func (h *NodeHost) handleReplicate(env mesh.Envelope) (mesh.Envelope, error) {
	record, err := mesh.DecodeReplicatePayload(env.Payload)
	if err != nil {
		return mesh.Envelope{}, err
	}

	h.mu.Lock()
	current := h.replicas[record.Path]
	accepted := record.Version > current
	if accepted {
		h.replicas[record.Path] = record.Version
	}
	h.mu.Unlock()

	detail := ""
	if !accepted {
		// Duplicate delivery of an already-applied version still acks the
		// exact version so retries converge.
		if record.Version == current {
			accepted = true
		} else {
			detail = fmt.Sprintf("replica at %d, refused older %d", current, record.Version)
		}
	}
	return mesh.Envelope{
		Type:   mesh.MsgAck,
		Sender: h.nodeID,
		Payload: mesh.EncodeAckPayload(mesh.AckPayload{
			Version:  record.Version,
			Accepted: accepted,
			Detail:   detail,
		}),
	}, nil
}
