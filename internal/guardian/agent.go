// Package guardian owns per-node liveness detection.
//
// Ownership boundary:
// - heartbeat polling for each monitored node
//
// - the HEALTHY -> DEGRADED -> UNREACHABLE watchdog state machine
//
// - the rejoin handshake that re-validates a recovered node's file
//   versions against the file manager before re-admission
//
// Guardians report status transitions; only the coordinator mutates
// authoritative Node.status from those reports.
package guardian

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/meshd/internal/mesh"
	"github.com/danmuck/meshd/internal/transport"
)

// Agent is one watchdog bound to one node.
type Agent struct {
	nodeID  string
	localID string
	tp      transport.Transport
	timeout time.Duration
	seq     uint64
}

// NewAgent binds a watchdog to one node over the given transport.
func NewAgent(nodeID, localID string, tp transport.Transport, timeout time.Duration) *Agent {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Agent{
		nodeID:  nodeID,
		localID: localID,
		tp:      tp,
		timeout: timeout,
	}
}

// NodeID returns the monitored node's identity.
func (a *Agent) NodeID() string {
	return a.nodeID
}

// Poll sends one HEARTBEAT envelope and parses the node's liveness ack.
// The returned record is transient; the caller consumes and discards it.
func (a *Agent) Poll(ctx context.Context) (mesh.HeartbeatRecord, error) {
	a.seq++
	probe := mesh.HeartbeatRecord{
		NodeID:  a.nodeID,
		Seq:     a.seq,
		SentAt:  time.Now(),
		Healthy: true,
	}
	env := mesh.Envelope{
		Type:    mesh.MsgHeartbeat,
		Sender:  a.localID,
		Payload: mesh.EncodeHeartbeatPayload(probe),
	}

	pollCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	ack, err := a.tp.Send(pollCtx, a.nodeID, env)
	if err != nil {
		return mesh.HeartbeatRecord{NodeID: a.nodeID, Seq: a.seq, SentAt: probe.SentAt}, err
	}
	record, err := mesh.DecodeHeartbeatPayload(ack.Payload)
	if err != nil {
		return mesh.HeartbeatRecord{NodeID: a.nodeID, Seq: a.seq, SentAt: probe.SentAt},
			fmt.Errorf("guardian: heartbeat ack from %s: %w", a.nodeID, err)
	}
	record.NodeID = a.nodeID
	record.Seq = a.seq
	record.Healthy = true
	record.LatencyMS = time.Since(start).Milliseconds()
	return record, nil
}
