package guardian

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/meshd/internal/mesh"
	"github.com/danmuck/meshd/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotTracked   = errors.New("guardian: node not tracked")
	ErrNotRecovered = errors.New("guardian: node not awaiting rejoin")
	ErrRejoinStale  = errors.New("guardian: rejoin rejected, stale file versions")
)

// Config bounds heartbeat scheduling and the miss threshold.
type Config struct {
	Interval     time.Duration
	PollTimeout  time.Duration
	MaxMisses    int
	ReportBuffer int
}

// DefaultConfig returns the watchdog reliability defaults.
func DefaultConfig() Config {
	return Config{
		Interval:     5 * time.Second,
		PollTimeout:  2 * time.Second,
		MaxMisses:    3,
		ReportBuffer: 64,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = def.PollTimeout
	}
	if c.MaxMisses <= 0 {
		c.MaxMisses = def.MaxMisses
	}
	if c.ReportBuffer <= 0 {
		c.ReportBuffer = def.ReportBuffer
	}
	return c
}

// StatusReport is one watchdog transition surfaced to the coordinator.
type StatusReport struct {
	NodeID    string
	Status    mesh.NodeStatus
	Previous  mesh.NodeStatus
	Missed    int
	Heartbeat mesh.HeartbeatRecord
	At        time.Time
}

// CanonicalVersions supplies the file manager's latest version per path
// for rejoin validation.
type CanonicalVersions func() map[string]uint64

// PollHook observes every poll outcome, transition or not. The
// coordinator uses it to fold reported load and latency into membership.
type PollHook func(nodeID string, record mesh.HeartbeatRecord, err error)

type nodeHealth struct {
	agent  *Agent
	status mesh.NodeStatus
	misses int
}

// Monitor schedules all guardian agents on a fixed interval and runs the
// per-node watchdog state machine.
type Monitor struct {
	cfg       Config
	tp        transport.Transport
	localID   string
	canonical CanonicalVersions

	mu     sync.RWMutex
	nodes  map[string]*nodeHealth
	onPoll PollHook

	reports chan StatusReport
	wg      sync.WaitGroup
}

// NewMonitor builds an idle monitor; Track nodes then Start it.
func NewMonitor(cfg Config, tp transport.Transport, localID string, canonical CanonicalVersions) *Monitor {
	cfg = cfg.WithDefaults()
	return &Monitor{
		cfg:       cfg,
		tp:        tp,
		localID:   localID,
		canonical: canonical,
		nodes:     make(map[string]*nodeHealth),
		reports:   make(chan StatusReport, cfg.ReportBuffer),
	}
}

// SetOnPoll binds the per-poll observer. Set before Start.
func (m *Monitor) SetOnPoll(hook PollHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPoll = hook
}

// Reports exposes watchdog transitions for the coordinator loop.
func (m *Monitor) Reports() <-chan StatusReport {
	return m.reports
}

// Track binds one agent per node. The node starts JOINING and turns
// HEALTHY on its first successful poll.
func (m *Monitor) Track(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[nodeID]; ok {
		return
	}
	m.nodes[nodeID] = &nodeHealth{
		agent:  NewAgent(nodeID, m.localID, m.tp, m.cfg.PollTimeout),
		status: mesh.StatusJoining,
	}
}

// Forget stops monitoring one node.
func (m *Monitor) Forget(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, nodeID)
}

// Status returns the watchdog view of one node.
func (m *Monitor) Status(nodeID string) (mesh.NodeStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	health, ok := m.nodes[nodeID]
	if !ok {
		return "", false
	}
	return health.status, true
}

// Start runs the heartbeat schedule until the context is cancelled.
// An immediate first sweep runs before the ticker settles.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.PollAll(ctx)
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("guardian_monitor_stopped")
				return
			case <-ticker.C:
				m.PollAll(ctx)
			}
		}
	}()
}

// Wait blocks until the schedule goroutine exits.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// PollAll runs one heartbeat sweep across all tracked nodes in parallel.
func (m *Monitor) PollAll(ctx context.Context) {
	m.mu.RLock()
	agents := make([]*Agent, 0, len(m.nodes))
	for _, health := range m.nodes {
		agents = append(agents, health.agent)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, agent := range agents {
		wg.Add(1)
		go func(agent *Agent) {
			defer wg.Done()
			record, err := agent.Poll(ctx)
			m.observe(agent.NodeID(), record, err)
		}(agent)
	}
	wg.Wait()
}

// observe applies one poll outcome to the watchdog state machine.
func (m *Monitor) observe(nodeID string, record mesh.HeartbeatRecord, err error) {
	m.mu.RLock()
	hook := m.onPoll
	m.mu.RUnlock()
	if hook != nil {
		hook(nodeID, record, err)
	}

	m.mu.Lock()
	health, ok := m.nodes[nodeID]
	if !ok {
		m.mu.Unlock()
		return
	}
	previous := health.status

	if err == nil {
		health.misses = 0
		if previous == mesh.StatusUnreachable {
			// Resumed heartbeats alone do not re-admit; the node stays
			// out until its rejoin handshake validates file versions.
			m.mu.Unlock()
			log.Debug().Str("node", nodeID).Msg("guardian_heartbeat_awaiting_rejoin")
			return
		}
		health.status = mesh.StatusHealthy
		m.mu.Unlock()
		if previous != mesh.StatusHealthy {
			m.report(StatusReport{
				NodeID:    nodeID,
				Status:    mesh.StatusHealthy,
				Previous:  previous,
				Heartbeat: record,
				At:        time.Now(),
			})
		}
		return
	}

	health.misses++
	missed := health.misses
	switch {
	case missed >= m.cfg.MaxMisses && previous != mesh.StatusUnreachable:
		health.status = mesh.StatusUnreachable
	case previous == mesh.StatusHealthy:
		health.status = mesh.StatusDegraded
	}
	status := health.status
	m.mu.Unlock()

	log.Warn().
		Str("node", nodeID).
		Int("missed", missed).
		Int("max", m.cfg.MaxMisses).
		Err(err).
		Msg("guardian_heartbeat_missed")
	if status != previous {
		m.report(StatusReport{
			NodeID:   nodeID,
			Status:   status,
			Previous: previous,
			Missed:   missed,
			At:       time.Now(),
		})
	}
}

// Rejoin re-admits an unreachable node only when every file version it
// reports matches the file manager's canonical state.
func (m *Monitor) Rejoin(nodeID string, versions map[string]uint64) error {
	m.mu.Lock()
	health, ok := m.nodes[nodeID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotTracked, nodeID)
	}
	if health.status != mesh.StatusUnreachable {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s status=%s", ErrNotRecovered, nodeID, health.status)
	}
	m.mu.Unlock()

	canonical := m.canonical()
	for path, version := range versions {
		want, ok := canonical[path]
		if !ok || want != version {
			return fmt.Errorf("%w: node=%s path=%q has=%d want=%d", ErrRejoinStale, nodeID, path, version, want)
		}
	}
	for path, want := range canonical {
		if _, ok := versions[path]; !ok {
			return fmt.Errorf("%w: node=%s missing path=%q want=%d", ErrRejoinStale, nodeID, path, want)
		}
	}

	m.mu.Lock()
	previous := health.status
	health.status = mesh.StatusHealthy
	health.misses = 0
	m.mu.Unlock()

	log.Info().Str("node", nodeID).Msg("guardian_rejoin_accepted")
	m.report(StatusReport{
		NodeID:   nodeID,
		Status:   mesh.StatusHealthy,
		Previous: previous,
		At:       time.Now(),
	})
	return nil
}

func (m *Monitor) report(rep StatusReport) {
	select {
	case m.reports <- rep:
	default:
		log.Warn().Str("node", rep.NodeID).Msg("guardian_report_dropped")
	}
}
