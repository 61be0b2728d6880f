package transport

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/meshd/internal/mesh"
)

// Handler answers one delivered envelope with an ack envelope.
type Handler func(from string, env mesh.Envelope) (mesh.Envelope, error)

// Loopback is the in-process transport. Every envelope round-trips
// through the binary codec so the wire contract is exercised on every
// send, even without a network.
type Loopback struct {
	cfg   Config
	table *Table
	seq   atomic.Uint64

	mu       sync.RWMutex
	handlers map[string]Handler
	latency  map[string]time.Duration
	down     map[string]bool
	failNext map[string]int
}

// NewLoopback returns an in-process transport with no bound peers.
func NewLoopback(cfg Config) *Loopback {
	return &Loopback{
		cfg:      cfg.WithDefaults(),
		table:    NewTable(),
		handlers: make(map[string]Handler),
		latency:  make(map[string]time.Duration),
		down:     make(map[string]bool),
		failNext: make(map[string]int),
	}
}

// Bind attaches one node's inbound envelope handler.
func (l *Loopback) Bind(nodeID string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[nodeID] = h
}

// SetLatency injects artificial delivery latency for one node.
func (l *Loopback) SetLatency(nodeID string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.latency[nodeID] = d
}

// SetDown toggles hard unreachability for one node.
func (l *Loopback) SetDown(nodeID string, down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down[nodeID] = down
}

// FailSends makes the next n sends to one node time out.
func (l *Loopback) FailSends(nodeID string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext[nodeID] = n
}

// Table exposes the live connection table for membership snapshots.
func (l *Loopback) Table() *Table {
	return l.table
}

// Connect binds the node into the connection table when a handler is
// registered for it; unbound nodes are unreachable.
func (l *Loopback) Connect(ctx context.Context, node mesh.Node) error {
	if err := node.Validate(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: connect %s: %v", mesh.ErrTimeout, node.NodeID, ctx.Err())
	default:
	}

	l.mu.RLock()
	_, bound := l.handlers[node.NodeID]
	down := l.down[node.NodeID]
	l.mu.RUnlock()
	if !bound || down {
		return fmt.Errorf("%w: %s", mesh.ErrUnreachable, node.NodeID)
	}
	l.table.Upsert(node)
	return nil
}

// Send delivers one envelope and returns the peer's ack envelope.
func (l *Loopback) Send(ctx context.Context, nodeID string, env mesh.Envelope) (mesh.Envelope, error) {
	if !l.table.Connected(nodeID) {
		return mesh.Envelope{}, fmt.Errorf("%w: %s: no prior connection", mesh.ErrUnreachable, nodeID)
	}

	l.mu.Lock()
	handler := l.handlers[nodeID]
	delay := l.latency[nodeID]
	down := l.down[nodeID]
	failing := l.failNext[nodeID] > 0
	if failing {
		l.failNext[nodeID]--
	}
	l.mu.Unlock()

	if down || handler == nil {
		return mesh.Envelope{}, fmt.Errorf("%w: %s", mesh.ErrUnreachable, nodeID)
	}

	ctx, cancel := withSendDeadline(ctx, l.cfg)
	defer cancel()

	if failing {
		<-ctx.Done()
		return mesh.Envelope{}, fmt.Errorf("%w: send %s -> %s", mesh.ErrTimeout, env.Sender, nodeID)
	}

	start := time.Now()
	if env.Sequence == 0 {
		env.Sequence = l.seq.Add(1)
	}
	wire, err := l.roundTrip(env)
	if err != nil {
		return mesh.Envelope{}, err
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return mesh.Envelope{}, fmt.Errorf("%w: send %s -> %s", mesh.ErrTimeout, env.Sender, nodeID)
		case <-timer.C:
		}
	}

	ack, err := handler(env.Sender, wire)
	if err != nil {
		return mesh.Envelope{}, err
	}
	ack, err = l.roundTrip(ack)
	if err != nil {
		return mesh.Envelope{}, err
	}
	l.table.RecordSend(nodeID, time.Since(start))
	return ack, nil
}

// Broadcast fans one envelope out to all targets in parallel.
func (l *Loopback) Broadcast(ctx context.Context, nodeIDs []string, env mesh.Envelope) map[string]SendResult {
	results := make([]SendResult, len(nodeIDs))
	var wg sync.WaitGroup
	for i, nodeID := range nodeIDs {
		wg.Add(1)
		go func(i int, nodeID string) {
			defer wg.Done()
			ack, err := l.Send(ctx, nodeID, env)
			results[i] = SendResult{NodeID: nodeID, Ack: ack, Err: err}
		}(i, nodeID)
	}
	wg.Wait()

	out := make(map[string]SendResult, len(results))
	for _, res := range results {
		out[res.NodeID] = res
	}
	return out
}

// roundTrip encodes then decodes one envelope through the wire codec.
func (l *Loopback) roundTrip(env mesh.Envelope) (mesh.Envelope, error) {
	var buf bytes.Buffer
	if err := mesh.EncodeEnvelope(&buf, env, l.cfg.Limits); err != nil {
		return mesh.Envelope{}, err
	}
	return mesh.DecodeEnvelope(&buf, l.cfg.Limits)
}
