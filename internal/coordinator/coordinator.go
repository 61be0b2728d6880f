// Package coordinator owns mesh lifecycle and membership. It is the
// single writer of node status: guardian and replication surface reports
// over channels and the coordinator event loop applies them.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/meshd/internal/filestore"
	"github.com/danmuck/meshd/internal/guardian"
	"github.com/danmuck/meshd/internal/mesh"
	"github.com/danmuck/meshd/internal/observability"
	"github.com/danmuck/meshd/internal/replication"
	"github.com/danmuck/meshd/internal/router"
	"github.com/danmuck/meshd/internal/telemetry"
	"github.com/danmuck/meshd/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotActive   = errors.New("coordinator: mesh not active")
	ErrInitialized = errors.New("coordinator: already initialized")
	ErrNoNodes     = errors.New("coordinator: no nodes to initialize")
	ErrNotFound    = errors.New("coordinator: file not found")
)

// State is the coordinator lifecycle phase.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateActive       State = "ACTIVE"
	StateDraining     State = "DRAINING"
	StateStopped      State = "STOPPED"
)

// Config bounds mesh startup and replication policy.
type Config struct {
	LocalNodeID string

	// Quorum is the healthy-node count required before the mesh goes
	// ACTIVE. Zero means every initialized node must report healthy.
	Quorum      int
	InitTimeout time.Duration

	// ReplicaFactor is how many peers each accepted version fans out to;
	// RequiredAcks is the durability threshold within that fan-out.
	ReplicaFactor int
	RequiredAcks  int

	RetentionDepth int
	Bootstrap      []mesh.FileRecord

	Transport   transport.Config
	Guardian    guardian.Config
	Replication replication.Config
	Router      router.Config
}

// DefaultConfig returns coordinator policy defaults.
func DefaultConfig() Config {
	return Config{
		InitTimeout:   10 * time.Second,
		ReplicaFactor: 2,
		RequiredAcks:  2,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.InitTimeout <= 0 {
		c.InitTimeout = def.InitTimeout
	}
	if c.ReplicaFactor <= 0 {
		c.ReplicaFactor = def.ReplicaFactor
	}
	if c.RequiredAcks <= 0 {
		c.RequiredAcks = def.RequiredAcks
	}
	if c.RequiredAcks > c.ReplicaFactor {
		c.RequiredAcks = c.ReplicaFactor
	}
	return c
}

// Coordinator wires transport, file manager, replication, guardian
// monitoring, routing, and telemetry behind one lifecycle.
type Coordinator struct {
	cfg Config

	tp      *transport.Loopback
	store   *filestore.Store
	repl    *replication.Replicator
	monitor *guardian.Monitor
	router  *router.Router
	metrics *telemetry.Collector

	mu    sync.RWMutex
	state State
	nodes map[string]*mesh.Node
	hosts map[string]*NodeHost

	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup
}

// New builds an uninitialized coordinator. Call Initialize to bring the
// mesh up.
func New(cfg Config) *Coordinator {
	cfg = cfg.WithDefaults()

	store := filestore.NewStore(filestore.Config{RetentionDepth: cfg.RetentionDepth})
	tp := transport.NewLoopback(cfg.Transport)
	repl := replication.NewReplicator(cfg.Replication, tp, cfg.LocalNodeID, func(path string) (uint64, bool) {
		rec, ok := store.Latest(path)
		return rec.Version, ok
	})
	monitor := guardian.NewMonitor(cfg.Guardian, tp, cfg.LocalNodeID, store.VersionsByPath)

	c := &Coordinator{
		cfg:     cfg,
		tp:      tp,
		store:   store,
		repl:    repl,
		monitor: monitor,
		metrics: telemetry.NewCollector(repl.PendingByPath),
		state:   StateInitializing,
		nodes:   make(map[string]*mesh.Node),
		hosts:   make(map[string]*NodeHost),
	}
	c.router = router.NewRouter(cfg.Router, c.Membership)
	repl.SetAlternates(c.replicaCandidates)
	store.SetOnAccept(c.replicateAccepted)
	monitor.SetOnPoll(c.observePoll)
	return c
}

// Initialize connects every node, bootstraps file state, starts the
// guardian schedule, and blocks until the startup quorum reports
// healthy. mesh.ErrQuorumNotReached tears the mesh back down.
func (c *Coordinator) Initialize(ctx context.Context, nodes []mesh.Node) error {
	c.mu.Lock()
	if c.state != StateInitializing {
		c.mu.Unlock()
		return fmt.Errorf("%w: state=%s", ErrInitialized, c.state)
	}
	c.mu.Unlock()

	if len(nodes) == 0 {
		return ErrNoNodes
	}
	if len(c.cfg.Bootstrap) > 0 {
		if err := c.store.Bootstrap(c.cfg.Bootstrap); err != nil {
			return err
		}
	}
	for _, node := range nodes {
		if err := c.admit(ctx, node); err != nil {
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.loopCancel = cancel
	c.mu.Unlock()
	c.loopWG.Add(1)
	go c.eventLoop(loopCtx)
	c.monitor.Start(loopCtx)

	if err := c.awaitQuorum(ctx, len(nodes)); err != nil {
		c.teardown()
		return err
	}

	c.mu.Lock()
	c.state = StateActive
	c.mu.Unlock()
	log.Info().
		Int("nodes", len(nodes)).
		Str("local", c.cfg.LocalNodeID).
		Msg("mesh_active")
	c.metrics.RecordEvent("mesh_active", map[string]string{"nodes": fmt.Sprintf("%d", len(nodes))})
	return nil
}

// admit binds a host, connects the transport, and tracks the node.
func (c *Coordinator) admit(ctx context.Context, node mesh.Node) error {
	if err := node.Validate(); err != nil {
		return err
	}

	host := NewNodeHost(node.NodeID)
	host.SetLoad(node.Load)
	for path, version := range c.store.VersionsByPath() {
		host.ForceVersion(path, version)
	}
	handler := host.Handle
	if node.NodeID == c.cfg.LocalNodeID {
		// The coordinator's node additionally answers FILE_PROPOSAL
		// envelopes from peers.
		handler = c.localHandler(host)
	}
	c.tp.Bind(node.NodeID, handler)
	if err := c.tp.Connect(ctx, node); err != nil {
		return fmt.Errorf("connect %s: %w", node.NodeID, err)
	}

	entry := node.Clone()
	entry.Status = mesh.StatusJoining
	if node.NodeID == c.cfg.LocalNodeID {
		// The coordinator's own node never polls itself.
		entry.Status = mesh.StatusHealthy
	} else {
		c.monitor.Track(node.NodeID)
	}

	c.mu.Lock()
	c.nodes[node.NodeID] = &entry
	c.hosts[node.NodeID] = host
	c.mu.Unlock()

	c.metrics.ObserveNode(node.NodeID, entry.Load, entry.LatencyMS, entry.Status)
	log.Info().
		Str("node", node.NodeID).
		Str("type", string(node.Type)).
		Msg("mesh_node_admitted")
	return nil
}

// localHandler routes FILE_PROPOSAL envelopes into the file manager and
// everything else to the local node host.
func (c *Coordinator) localHandler(host *NodeHost) transport.Handler {
	return func(from string, env mesh.Envelope) (mesh.Envelope, error) {
		if env.Type != mesh.MsgFileProposal {
			return host.Handle(from, env)
		}
		proposal, err := mesh.DecodeProposalPayload(env.Payload)
		if err != nil {
			return mesh.Envelope{}, err
		}

		var result mesh.ProposalResultPayload
		record, err := c.store.Propose(proposal.Path, proposal.ParentVersion, proposal.ContentHash, proposal.OwnerNode)
		if err != nil {
			result.Detail = err.Error()
		} else {
			result.Accepted = true
			result.Version = record.Version
		}
		return mesh.Envelope{
			Type:    mesh.MsgFileProposalResult,
			Sender:  c.cfg.LocalNodeID,
			Payload: mesh.EncodeProposalResultPayload(result),
		}, nil
	}
}

// awaitQuorum polls guardian status until enough nodes are healthy.
func (c *Coordinator) awaitQuorum(ctx context.Context, total int) error {
	quorum := c.cfg.Quorum
	if quorum <= 0 || quorum > total {
		quorum = total
	}

	deadline := time.NewTimer(c.cfg.InitTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		healthy := c.syncStatuses()
		if healthy >= quorum {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: healthy=%d need=%d: %v", mesh.ErrQuorumNotReached, healthy, quorum, ctx.Err())
		case <-deadline.C:
			return fmt.Errorf("%w: healthy=%d need=%d after %s", mesh.ErrQuorumNotReached, healthy, quorum, c.cfg.InitTimeout)
		case <-tick.C:
		}
	}
}

// syncStatuses folds the guardian view into membership during startup,
// before the event loop owns transitions. Returns the healthy count.
func (c *Coordinator) syncStatuses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	healthy := 0
	for nodeID, node := range c.nodes {
		if nodeID != c.cfg.LocalNodeID {
			if status, ok := c.monitor.Status(nodeID); ok {
				node.Status = status
			}
		}
		if node.Status == mesh.StatusHealthy {
			healthy++
		}
	}
	return healthy
}

// eventLoop is the only writer of node status after startup.
func (c *Coordinator) eventLoop(ctx context.Context) {
	defer c.loopWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case rep := <-c.monitor.Reports():
			c.applyStatus(rep)
		case rep := <-c.repl.Reports():
			c.applyReplication(rep)
		}
	}
}

// applyStatus commits one guardian transition to membership and fans the
// consequences out to replication and telemetry.
func (c *Coordinator) applyStatus(rep guardian.StatusReport) {
	c.mu.Lock()
	node, ok := c.nodes[rep.NodeID]
	if !ok {
		c.mu.Unlock()
		return
	}
	node.Status = rep.Status
	load, latency := node.Load, node.LatencyMS
	c.mu.Unlock()

	observability.RecordStatusTransition(rep.NodeID, string(rep.Status))
	c.metrics.ObserveNode(rep.NodeID, load, latency, rep.Status)
	c.metrics.RecordEvent("node_status", map[string]string{
		"node":     rep.NodeID,
		"status":   string(rep.Status),
		"previous": string(rep.Previous),
	})

	switch rep.Status {
	case mesh.StatusUnreachable:
		c.repl.RedirectTargets(rep.NodeID)
		log.Warn().
			Str("node", rep.NodeID).
			Int("missed", rep.Missed).
			Msg("mesh_node_unreachable")
	case mesh.StatusHealthy:
		c.repl.Readmit(rep.NodeID)
		log.Info().
			Str("node", rep.NodeID).
			Str("previous", string(rep.Previous)).
			Msg("mesh_node_healthy")
	}
}

// applyReplication records one terminal replication outcome.
func (c *Coordinator) applyReplication(rep replication.Report) {
	c.metrics.RecordReplication(string(rep.State), rep.Elapsed)
	if rep.State == replication.TaskFailed {
		log.Warn().
			Err(rep.Err()).
			Str("task", rep.TaskID).
			Str("path", rep.FilePath).
			Uint64("version", rep.TargetVersion).
			Msg("mesh_replication_failed")
		c.metrics.RecordEvent("replication_failed", map[string]string{
			"path":   rep.FilePath,
			"reason": rep.Reason,
		})
	}
}

// observePoll folds per-poll heartbeat data into membership. Status is
// untouched here; transitions arrive through guardian reports.
func (c *Coordinator) observePoll(nodeID string, record mesh.HeartbeatRecord, err error) {
	c.metrics.RecordHeartbeat(nodeID, err == nil)
	if err != nil {
		return
	}
	c.mu.Lock()
	node, ok := c.nodes[nodeID]
	if !ok {
		c.mu.Unlock()
		return
	}
	node.LastHeartbeat = record.SentAt
	node.Load = record.ReportedLoad
	node.LatencyMS = record.LatencyMS
	load, latency, status := node.Load, node.LatencyMS, node.Status
	c.mu.Unlock()
	c.metrics.ObserveNode(nodeID, load, latency, status)
}

// replicateAccepted fans one accepted file version out to replica peers.
// Invoked by the file manager on every accept.
func (c *Coordinator) replicateAccepted(record mesh.FileRecord) {
	targets := c.replicaTargets(record.OwnerNode)
	if len(targets) == 0 {
		log.Warn().
			Str("path", record.Path).
			Uint64("version", record.Version).
			Msg("mesh_replication_skipped_no_peers")
		c.metrics.RecordEvent("replication_skipped", map[string]string{"path": record.Path})
		return
	}
	if len(targets) > c.cfg.ReplicaFactor {
		targets = targets[:c.cfg.ReplicaFactor]
	}
	required := c.cfg.RequiredAcks
	if required > len(targets) {
		required = len(targets)
	}
	if _, err := c.repl.Replicate(record, targets, required); err != nil {
		log.Error().
			Err(err).
			Str("path", record.Path).
			Uint64("version", record.Version).
			Msg("mesh_replication_enqueue_failed")
	}
}

// replicaTargets returns healthy peers excluding the owner, preferring
// local nodes, then remote, then cloud.
func (c *Coordinator) replicaTargets(ownerNode string) []string {
	c.mu.RLock()
	candidates := make([]*mesh.Node, 0, len(c.nodes))
	for _, node := range c.nodes {
		if node.NodeID == ownerNode || node.Status != mesh.StatusHealthy {
			continue
		}
		candidates = append(candidates, node)
	}
	c.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Type.Rank() != b.Type.Rank() {
			return a.Type.Rank() < b.Type.Rank()
		}
		return a.NodeID < b.NodeID
	})
	out := make([]string, len(candidates))
	for i, node := range candidates {
		out[i] = node.NodeID
	}
	return out
}

// replicaCandidates is the redirect provider handed to replication.
func (c *Coordinator) replicaCandidates(exclude map[string]struct{}) []string {
	out := make([]string, 0)
	for _, nodeID := range c.replicaTargets(c.cfg.LocalNodeID) {
		if _, skip := exclude[nodeID]; skip {
			continue
		}
		out = append(out, nodeID)
	}
	return out
}

// requireActive gates externally visible mesh operations.
func (c *Coordinator) requireActive() error {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()
	switch state {
	case StateActive:
		return nil
	case StateDraining, StateStopped:
		return fmt.Errorf("%w: state=%s", mesh.ErrDraining, state)
	default:
		return fmt.Errorf("%w: state=%s", ErrNotActive, state)
	}
}

// ProposeFile hashes content and proposes it as the next version of
// path, owned by the local node. The accepted record replicates
// asynchronously; pending counts surface through telemetry.
func (c *Coordinator) ProposeFile(path string, parentVersion uint64, content []byte) (mesh.FileRecord, error) {
	if err := c.requireActive(); err != nil {
		return mesh.FileRecord{}, err
	}
	return c.store.Propose(path, parentVersion, HashContent(content), c.cfg.LocalNodeID)
}

// ProposeHash proposes a pre-hashed version on behalf of ownerNode. Used
// when remote peers submit proposals through the coordinator.
func (c *Coordinator) ProposeHash(path string, parentVersion uint64, contentHash, ownerNode string) (mesh.FileRecord, error) {
	if err := c.requireActive(); err != nil {
		return mesh.FileRecord{}, err
	}
	c.mu.RLock()
	_, known := c.nodes[ownerNode]
	c.mu.RUnlock()
	if !known {
		return mesh.FileRecord{}, fmt.Errorf("%w: owner %s", mesh.ErrUnknownNode, ownerNode)
	}
	return c.store.Propose(path, parentVersion, contentHash, ownerNode)
}

// ReadFile returns one version of path; version 0 means latest.
func (c *Coordinator) ReadFile(path string, version uint64) (mesh.FileRecord, error) {
	path = strings.TrimSpace(path)
	if version == 0 {
		rec, ok := c.store.Latest(path)
		if !ok {
			return mesh.FileRecord{}, fmt.Errorf("%w: %q", ErrNotFound, path)
		}
		return rec, nil
	}
	rec, ok := c.store.Get(path, version)
	if !ok {
		return mesh.FileRecord{}, fmt.Errorf("%w: %q@%d", ErrNotFound, path, version)
	}
	return rec, nil
}

// History returns up to depth retained versions of path, most recent
// first. Depth 0 means all retained versions.
func (c *Coordinator) History(path string, depth int) []mesh.FileRecord {
	next := c.store.History(strings.TrimSpace(path), depth)
	out := make([]mesh.FileRecord, 0)
	for rec, ok := next(); ok; rec, ok = next() {
		out = append(out, rec)
	}
	return out
}

// Conflicts returns recorded losing proposals for path.
func (c *Coordinator) Conflicts(path string) []filestore.ConflictArtifact {
	return c.store.Conflicts(path)
}

// Submit routes one execution request across the current membership.
func (c *Coordinator) Submit(req router.ExecutionRequest) (router.ExecutionAssignment, error) {
	if err := c.requireActive(); err != nil {
		return router.ExecutionAssignment{}, err
	}
	assignment, err := c.router.Route(req)
	c.metrics.RecordRouting(string(req.TaskKind), err == nil)
	return assignment, err
}

// Rejoin runs the recovery handshake for an unreachable node, validating
// its replica versions against the file manager.
func (c *Coordinator) Rejoin(nodeID string) error {
	c.mu.RLock()
	host, ok := c.hosts[nodeID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", mesh.ErrUnknownNode, nodeID)
	}
	return c.monitor.Rejoin(nodeID, host.Versions())
}

// Join admits one node into an already-active mesh.
func (c *Coordinator) Join(ctx context.Context, node mesh.Node) error {
	if err := c.requireActive(); err != nil {
		return err
	}
	c.mu.RLock()
	_, exists := c.nodes[node.NodeID]
	c.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s already joined", mesh.ErrInvalidNode, node.NodeID)
	}
	if err := c.admit(ctx, node); err != nil {
		return err
	}
	c.metrics.RecordEvent("node_joined", map[string]string{"node": node.NodeID})
	return nil
}

// Leave removes one node from membership and excludes it from future
// replication fan-out.
func (c *Coordinator) Leave(nodeID string) error {
	c.mu.Lock()
	_, ok := c.nodes[nodeID]
	if ok {
		delete(c.nodes, nodeID)
		delete(c.hosts, nodeID)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", mesh.ErrUnknownNode, nodeID)
	}

	c.monitor.Forget(nodeID)
	c.repl.RedirectTargets(nodeID)
	c.tp.SetDown(nodeID, true)
	c.metrics.ForgetNode(nodeID)
	c.metrics.RecordEvent("node_left", map[string]string{"node": nodeID})
	log.Info().Str("node", nodeID).Msg("mesh_node_left")
	return nil
}

// Membership returns a cloned snapshot of all nodes.
func (c *Coordinator) Membership() []mesh.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]mesh.Node, 0, len(c.nodes))
	for _, node := range c.nodes {
		out = append(out, node.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Node returns a cloned view of one node.
func (c *Coordinator) Node(nodeID string) (mesh.Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	node, ok := c.nodes[nodeID]
	if !ok {
		return mesh.Node{}, false
	}
	return node.Clone(), true
}

// Host exposes the in-process peer side of one node, for load injection
// and recovery drills.
func (c *Coordinator) Host(nodeID string) (*NodeHost, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	host, ok := c.hosts[nodeID]
	return host, ok
}

// Transport exposes the loopback fabric, for link fault injection.
func (c *Coordinator) Transport() *transport.Loopback {
	return c.tp
}

// State returns the lifecycle phase.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Telemetry returns the monitoring snapshot.
func (c *Coordinator) Telemetry() telemetry.Snapshot {
	return c.metrics.Snapshot()
}

// Stats returns lifetime telemetry counters.
func (c *Coordinator) Stats() telemetry.Stats {
	return c.metrics.Stats()
}

// Events returns up to limit recent telemetry events, oldest first.
func (c *Coordinator) Events(limit int) []telemetry.Event {
	return c.metrics.Events(limit)
}

// CancelReplication abandons one in-flight replication task.
func (c *Coordinator) CancelReplication(taskID string) error {
	return c.repl.Cancel(taskID)
}

// CancelAssignment records that the caller abandoned an assignment.
// Advisory only: running work on the assigned node is never preempted.
func (c *Coordinator) CancelAssignment(assignment router.ExecutionAssignment) {
	c.metrics.RecordEvent("assignment_cancelled", map[string]string{
		"task_kind": string(assignment.TaskKind),
		"primary":   assignment.Primary,
	})
	log.Debug().
		Str("task_kind", string(assignment.TaskKind)).
		Str("primary", assignment.Primary).
		Msg("mesh_assignment_cancelled")
}

// Shutdown drains in-flight replication within the context deadline and
// stops the mesh. New operations are refused as soon as draining starts;
// a drain timeout still completes the stop and reports mesh.ErrTimeout.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateStopped:
		c.mu.Unlock()
		return nil
	case StateDraining:
		c.mu.Unlock()
		return fmt.Errorf("%w: shutdown in progress", mesh.ErrDraining)
	}
	c.state = StateDraining
	c.mu.Unlock()

	log.Info().Str("local", c.cfg.LocalNodeID).Msg("mesh_draining")
	c.metrics.RecordEvent("mesh_draining", nil)

	c.repl.Stop()
	drainErr := c.repl.Drain(ctx)
	c.teardown()

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	log.Info().Err(drainErr).Msg("mesh_stopped")
	c.metrics.RecordEvent("mesh_stopped", nil)
	return drainErr
}

// teardown stops the guardian schedule and the event loop.
func (c *Coordinator) teardown() {
	c.mu.Lock()
	cancel := c.loopCancel
	c.loopCancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.monitor.Wait()
	c.loopWG.Wait()
}

// HashContent derives the content hash proposals carry on the wire.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])[:16]
}
