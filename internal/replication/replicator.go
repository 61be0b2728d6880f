// Package replication propagates accepted file versions to replica
// nodes with configurable durability.
//
// Ownership boundary:
// - replication tasks and their retry/redirect behavior
//
// - per-path causal dispatch order (version N+1 never dispatched before
//   version N is terminal for that path)
//
// Transient send failures are retried here within a fixed budget;
// exhausting the budget surfaces a FAILED report to the coordinator,
// never an unbounded retry loop.
package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/meshd/internal/mesh"
	"github.com/danmuck/meshd/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidTask   = errors.New("replication: invalid task")
	ErrUnknownTask   = errors.New("replication: unknown task")
	ErrStoppedWorker = errors.New("replication: replicator stopped")
)

// Config bounds replication retry and ack behavior.
type Config struct {
	AckWindow    time.Duration
	RetryBudget  int
	Backoff      transport.BackoffConfig
	QueueDepth   int
	ReportBuffer int
}

// DefaultConfig returns reliability defaults for replication fan-out.
func DefaultConfig() Config {
	return Config{
		AckWindow:    2 * time.Second,
		RetryBudget:  2,
		Backoff:      transport.DefaultBackoff(),
		QueueDepth:   64,
		ReportBuffer: 64,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.AckWindow <= 0 {
		c.AckWindow = def.AckWindow
	}
	if c.RetryBudget < 0 {
		c.RetryBudget = def.RetryBudget
	}
	if c.Backoff.InitialDelay == 0 {
		c.Backoff = def.Backoff
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = def.QueueDepth
	}
	if c.ReportBuffer <= 0 {
		c.ReportBuffer = def.ReportBuffer
	}
	return c
}

// LatestFunc reports the current latest accepted version for a path.
type LatestFunc func(path string) (uint64, bool)

// AlternateFunc returns healthy candidate nodes excluding the given set,
// best first. The coordinator provides membership-aware candidates.
type AlternateFunc func(exclude map[string]struct{}) []string

// Replicator owns all replication tasks and their dispatch order.
type Replicator struct {
	cfg     Config
	tp      transport.Transport
	localID string

	latest     LatestFunc
	alternates AlternateFunc

	reports chan Report
	seq     atomic.Uint64

	mu       sync.Mutex
	queues   map[string]chan *Task
	active   map[string]*Task
	byPath   map[string]int
	excluded map[string]struct{}
	stopped  bool

	tasksWG sync.WaitGroup
}

// NewReplicator wires the replicator against a transport and the file
// manager's latest-version view.
func NewReplicator(cfg Config, tp transport.Transport, localID string, latest LatestFunc) *Replicator {
	cfg = cfg.WithDefaults()
	return &Replicator{
		cfg:      cfg,
		tp:       tp,
		localID:  localID,
		latest:   latest,
		reports:  make(chan Report, cfg.ReportBuffer),
		queues:   make(map[string]chan *Task),
		active:   make(map[string]*Task),
		byPath:   make(map[string]int),
		excluded: make(map[string]struct{}),
	}
}

// SetAlternates binds the healthy-candidate provider used for redirects.
func (r *Replicator) SetAlternates(fn AlternateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alternates = fn
}

// Reports exposes terminal task outcomes for the coordinator loop.
func (r *Replicator) Reports() <-chan Report {
	return r.reports
}

// Replicate enqueues one fan-out task. Tasks for the same path dispatch
// in submission order; distinct paths are unordered.
func (r *Replicator) Replicate(rec mesh.FileRecord, targets []string, requiredAcks int) (*Task, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if requiredAcks < 1 {
		return nil, fmt.Errorf("%w: required_acks=%d", ErrInvalidTask, requiredAcks)
	}
	clean := make([]string, 0, len(targets))
	for _, target := range targets {
		if t := strings.TrimSpace(target); t != "" {
			clean = append(clean, t)
		}
	}
	if requiredAcks > len(clean) {
		return nil, fmt.Errorf("%w: required_acks=%d exceeds %d targets", ErrInvalidTask, requiredAcks, len(clean))
	}

	task := &Task{
		ID:            fmt.Sprintf("repl.%s.%d.%d", rec.Path, rec.Version, r.seq.Add(1)),
		FilePath:      rec.Path,
		TargetVersion: rec.Version,
		RequiredAcks:  requiredAcks,
		CreatedAt:     time.Now(),
		record:        rec,
		targets:       clean,
		acked:         make(map[string]struct{}),
		state:         TaskPending,
		done:          make(chan struct{}),
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, ErrStoppedWorker
	}
	queue, ok := r.queues[rec.Path]
	if !ok {
		queue = make(chan *Task, r.cfg.QueueDepth)
		r.queues[rec.Path] = queue
		go r.pathWorker(queue)
	}
	r.active[task.ID] = task
	r.byPath[rec.Path]++
	r.tasksWG.Add(1)
	r.mu.Unlock()

	queue <- task
	return task, nil
}

// Cancel transitions one task to FAILED with reason cancelled.
func (r *Replicator) Cancel(taskID string) error {
	r.mu.Lock()
	task, ok := r.active[taskID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if !task.setState(TaskFailed, "cancelled") {
		return nil
	}
	task.mu.Lock()
	cancel := task.cancel
	task.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// RedirectTargets excludes an unreachable node from all current and
// future dispatch; in-flight sends to it redirect to a healthy alternate
// preserving the durability threshold.
func (r *Replicator) RedirectTargets(nodeID string) {
	r.mu.Lock()
	r.excluded[nodeID] = struct{}{}
	r.mu.Unlock()
	log.Info().Str("node", nodeID).Msg("replication_exclude_node")
}

// Readmit clears an exclusion after a node rejoins healthy.
func (r *Replicator) Readmit(nodeID string) {
	r.mu.Lock()
	delete(r.excluded, nodeID)
	r.mu.Unlock()
}

// PendingByPath snapshots non-terminal task counts per path.
func (r *Replicator) PendingByPath() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.byPath))
	for path, n := range r.byPath {
		if n > 0 {
			out[path] = n
		}
	}
	return out
}

// Drain blocks until all in-flight tasks are terminal or the context
// deadline expires.
func (r *Replicator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.tasksWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: drain: %v", mesh.ErrTimeout, ctx.Err())
	}
}

// Stop refuses new tasks. In-flight tasks run to a terminal state.
func (r *Replicator) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

// pathWorker serializes task dispatch for one path.
func (r *Replicator) pathWorker(queue chan *Task) {
	for task := range queue {
		r.run(task)
	}
}

// run drives one task to a terminal state (or stale discard).
func (r *Replicator) run(task *Task) {
	defer r.finish(task)

	if task.State() == TaskFailed {
		// Cancelled while still queued.
		r.report(task)
		return
	}

	// A higher accepted version supersedes this task: stale, not failed.
	if latest, ok := r.latest(task.FilePath); ok && latest > task.TargetVersion {
		task.markDiscarded()
		log.Debug().
			Str("path", task.FilePath).
			Uint64("target_version", task.TargetVersion).
			Uint64("latest", latest).
			Msg("replication_stale_discard")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	task.mu.Lock()
	task.cancel = cancel
	targets := make([]string, len(task.targets))
	copy(targets, task.targets)
	task.mu.Unlock()

	if !task.setState(TaskInFlight, "") {
		r.report(task)
		return
	}

	results := make(chan targetResult, len(targets))
	for _, target := range targets {
		go r.replicateToTarget(ctx, task, target, results)
	}

	for range targets {
		res := <-results
		if task.State() == TaskFailed {
			// Cancelled mid-flight.
			break
		}
		if !res.acked {
			continue
		}
		if task.addAck(res.nodeID) >= task.RequiredAcks {
			task.setState(TaskAcked, "")
			cancel()
			break
		}
	}

	if task.State() == TaskInFlight {
		task.setState(TaskFailed, fmt.Sprintf("ack threshold unmet: got %d need %d", task.ackCount(), task.RequiredAcks))
	}
	r.report(task)
}

type targetResult struct {
	nodeID string
	acked  bool
}

// replicateToTarget sends one REPLICATE envelope with bounded retries,
// redirecting away from excluded nodes when an alternate exists.
func (r *Replicator) replicateToTarget(ctx context.Context, task *Task, nodeID string, results chan<- targetResult) {
	env := mesh.Envelope{
		Type:    mesh.MsgReplicate,
		Sender:  r.localID,
		Payload: mesh.EncodeReplicatePayload(task.record),
	}

	attempts := 1 + r.cfg.RetryBudget
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			results <- targetResult{nodeID: nodeID}
			return
		}
		if r.isExcluded(nodeID) {
			alt, ok := r.pickAlternate(task)
			if !ok {
				log.Warn().
					Str("task", task.ID).
					Str("node", nodeID).
					Msg("replication_no_alternate")
				results <- targetResult{nodeID: nodeID}
				return
			}
			task.swapTarget(nodeID, alt)
			log.Info().
				Str("task", task.ID).
				Str("from", nodeID).
				Str("to", alt).
				Msg("replication_redirect")
			nodeID = alt
		}

		sendCtx, cancel := context.WithTimeout(ctx, r.cfg.AckWindow)
		ack, err := r.tp.Send(sendCtx, nodeID, env)
		cancel()
		if err == nil {
			payload, decodeErr := mesh.DecodeAckPayload(ack.Payload)
			if decodeErr == nil && payload.Accepted && payload.Version == task.TargetVersion {
				results <- targetResult{nodeID: nodeID, acked: true}
				return
			}
			log.Warn().
				Str("task", task.ID).
				Str("node", nodeID).
				Uint64("want_version", task.TargetVersion).
				Msg("replication_bad_ack")
		} else if errors.Is(err, mesh.ErrUnreachable) {
			// Degraded for this task; try an alternate before burning
			// the remaining budget on a dead link.
			if alt, ok := r.pickAlternate(task); ok {
				task.swapTarget(nodeID, alt)
				log.Info().
					Str("task", task.ID).
					Str("from", nodeID).
					Str("to", alt).
					Msg("replication_redirect")
				nodeID = alt
			}
		}

		if attempt < attempts {
			if !r.sleepBackoff(ctx, attempt) {
				results <- targetResult{nodeID: nodeID}
				return
			}
		}
	}
	results <- targetResult{nodeID: nodeID}
}

func (r *Replicator) sleepBackoff(ctx context.Context, attempt int) bool {
	delay := transport.NextDelay(r.cfg.Backoff, attempt, nil)
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (r *Replicator) isExcluded(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.excluded[nodeID]
	return ok
}

// pickAlternate asks the membership provider for a healthy node not
// already targeted or excluded.
func (r *Replicator) pickAlternate(task *Task) (string, bool) {
	r.mu.Lock()
	provider := r.alternates
	exclude := make(map[string]struct{}, len(r.excluded))
	for nodeID := range r.excluded {
		exclude[nodeID] = struct{}{}
	}
	r.mu.Unlock()
	if provider == nil {
		return "", false
	}
	for _, nodeID := range task.Targets() {
		exclude[nodeID] = struct{}{}
	}
	candidates := provider(exclude)
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[0], true
}

func (r *Replicator) report(task *Task) {
	rep := Report{
		TaskID:        task.ID,
		FilePath:      task.FilePath,
		TargetVersion: task.TargetVersion,
		State:         task.State(),
		Reason:        task.Reason(),
		AckedBy:       task.AckedNodes(),
		Elapsed:       time.Since(task.CreatedAt),
	}
	select {
	case r.reports <- rep:
	default:
		log.Warn().Str("task", task.ID).Msg("replication_report_dropped")
	}
}

func (r *Replicator) finish(task *Task) {
	r.mu.Lock()
	delete(r.active, task.ID)
	if r.byPath[task.FilePath] > 0 {
		r.byPath[task.FilePath]--
	}
	r.mu.Unlock()
	close(task.done)
	r.tasksWG.Done()
}
