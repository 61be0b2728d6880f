package replication

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/meshd/internal/mesh"
	"github.com/danmuck/meshd/internal/testutil/testlog"
	"github.com/danmuck/meshd/internal/transport"
)

// replicaFabric is a loopback transport with ack-everything replica
// handlers, plus a per-target delivery log.
type replicaFabric struct {
	tp *transport.Loopback

	mu        sync.Mutex
	delivered map[string][]uint64
}

func newReplicaFabric(t *testing.T, cfg transport.Config, nodeIDs ...string) *replicaFabric {
	t.Helper()
	f := &replicaFabric{
		tp:        transport.NewLoopback(cfg),
		delivered: make(map[string][]uint64),
	}
	for _, nodeID := range nodeIDs {
		nodeID := nodeID
		f.tp.Bind(nodeID, func(from string, env mesh.Envelope) (mesh.Envelope, error) {
			record, err := mesh.DecodeReplicatePayload(env.Payload)
			if err != nil {
				return mesh.Envelope{}, err
			}
			f.mu.Lock()
			f.delivered[nodeID] = append(f.delivered[nodeID], record.Version)
			f.mu.Unlock()
			return mesh.Envelope{
				Type:   mesh.MsgAck,
				Sender: nodeID,
				Payload: mesh.EncodeAckPayload(mesh.AckPayload{
					Version:  record.Version,
					Accepted: true,
				}),
			}, nil
		})
		if err := f.tp.Connect(context.Background(), mesh.Node{
			NodeID: nodeID,
			Type:   mesh.NodeRemote,
		}); err != nil {
			t.Fatalf("connect %s: %v", nodeID, err)
		}
	}
	return f
}

func (f *replicaFabric) versions(nodeID string) []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.delivered[nodeID]))
	copy(out, f.delivered[nodeID])
	return out
}

func fastConfig() Config {
	return Config{
		AckWindow:   200 * time.Millisecond,
		RetryBudget: 1,
		Backoff: transport.BackoffConfig{
			InitialDelay: 5 * time.Millisecond,
			Multiplier:   1.0,
			MaxDelay:     10 * time.Millisecond,
		},
	}
}

func record(path string, version uint64) mesh.FileRecord {
	return mesh.FileRecord{
		Path:        path,
		Version:     version,
		ContentHash: "hash",
		OwnerNode:   "dev-local",
		ProposedAt:  time.Now(),
	}
}

func noLatest(string) (uint64, bool) { return 0, false }

func waitDone(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s did not finish", task.ID)
	}
}

func TestReplicateReachesRequiredAcks(t *testing.T) {
	testlog.Start(t)

	fabric := newReplicaFabric(t, transport.Config{}, "build-remote", "gpu-cloud")
	repl := NewReplicator(fastConfig(), fabric.tp, "dev-local", noLatest)

	task, err := repl.Replicate(record("src/main.cfg", 1), []string{"build-remote", "gpu-cloud"}, 2)
	if err != nil {
		t.Fatalf("replicate: %v", err)
	}
	waitDone(t, task)

	if task.State() != TaskAcked {
		t.Fatalf("expected ACKED, got %s (%s)", task.State(), task.Reason())
	}
	if got := len(task.AckedNodes()); got < 2 {
		t.Fatalf("expected 2 distinct acks, got %v", task.AckedNodes())
	}

	rep := <-repl.Reports()
	if rep.State != TaskAcked || rep.FilePath != "src/main.cfg" || rep.TargetVersion != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestReplicateRejectsBadDurability(t *testing.T) {
	testlog.Start(t)

	fabric := newReplicaFabric(t, transport.Config{}, "build-remote")
	repl := NewReplicator(fastConfig(), fabric.tp, "dev-local", noLatest)

	if _, err := repl.Replicate(record("src/main.cfg", 1), []string{"build-remote"}, 0); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("expected ErrInvalidTask for zero acks, got %v", err)
	}
	if _, err := repl.Replicate(record("src/main.cfg", 1), []string{"build-remote"}, 2); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("expected ErrInvalidTask for acks beyond targets, got %v", err)
	}
}

func TestReplicateSamePathDispatchesInOrder(t *testing.T) {
	testlog.Start(t)

	fabric := newReplicaFabric(t, transport.Config{}, "build-remote")
	repl := NewReplicator(fastConfig(), fabric.tp, "dev-local", noLatest)

	var tasks []*Task
	for v := uint64(1); v <= 3; v++ {
		task, err := repl.Replicate(record("src/main.cfg", v), []string{"build-remote"}, 1)
		if err != nil {
			t.Fatalf("replicate v%d: %v", v, err)
		}
		tasks = append(tasks, task)
	}
	for _, task := range tasks {
		waitDone(t, task)
	}

	got := fabric.versions("build-remote")
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("out-of-order delivery: %v", got)
	}
}

func TestReplicateRetryBudgetExhaustionFails(t *testing.T) {
	testlog.Start(t)

	fabric := newReplicaFabric(t, transport.Config{SendTimeout: 30 * time.Millisecond}, "build-remote")
	cfg := fastConfig()
	cfg.AckWindow = 30 * time.Millisecond
	repl := NewReplicator(cfg, fabric.tp, "dev-local", noLatest)

	// More faults than 1 + RetryBudget attempts can absorb.
	fabric.tp.FailSends("build-remote", 10)

	task, err := repl.Replicate(record("src/main.cfg", 1), []string{"build-remote"}, 1)
	if err != nil {
		t.Fatalf("replicate: %v", err)
	}
	waitDone(t, task)

	if task.State() != TaskFailed {
		t.Fatalf("expected FAILED, got %s", task.State())
	}
	if !strings.Contains(task.Reason(), "ack threshold unmet") {
		t.Fatalf("unexpected failure reason: %q", task.Reason())
	}

	select {
	case rep := <-repl.Reports():
		if !errors.Is(rep.Err(), mesh.ErrReplicationFailed) {
			t.Fatalf("expected ErrReplicationFailed, got %v", rep.Err())
		}
	default:
		t.Fatal("failed task must be reported")
	}
}

func TestReplicateRedirectsAwayFromExcludedNode(t *testing.T) {
	testlog.Start(t)

	fabric := newReplicaFabric(t, transport.Config{}, "build-remote", "gpu-cloud")
	repl := NewReplicator(fastConfig(), fabric.tp, "dev-local", noLatest)
	repl.SetAlternates(func(exclude map[string]struct{}) []string {
		out := make([]string, 0)
		for _, candidate := range []string{"build-remote", "gpu-cloud"} {
			if _, skip := exclude[candidate]; !skip {
				out = append(out, candidate)
			}
		}
		return out
	})

	repl.RedirectTargets("build-remote")

	task, err := repl.Replicate(record("src/main.cfg", 1), []string{"build-remote"}, 1)
	if err != nil {
		t.Fatalf("replicate: %v", err)
	}
	waitDone(t, task)

	if task.State() != TaskAcked {
		t.Fatalf("expected ACKED via redirect, got %s (%s)", task.State(), task.Reason())
	}
	if got := fabric.versions("gpu-cloud"); len(got) != 1 || got[0] != 1 {
		t.Fatalf("alternate never received the record: %v", got)
	}
	if got := fabric.versions("build-remote"); len(got) != 0 {
		t.Fatalf("excluded node still received sends: %v", got)
	}
}

func TestCancelAbandonsInFlightTask(t *testing.T) {
	testlog.Start(t)

	fabric := newReplicaFabric(t, transport.Config{SendTimeout: 2 * time.Second}, "build-remote")
	fabric.tp.SetLatency("build-remote", 500*time.Millisecond)
	cfg := fastConfig()
	cfg.AckWindow = 2 * time.Second
	repl := NewReplicator(cfg, fabric.tp, "dev-local", noLatest)

	task, err := repl.Replicate(record("src/main.cfg", 1), []string{"build-remote"}, 1)
	if err != nil {
		t.Fatalf("replicate: %v", err)
	}
	if err := repl.Cancel(task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitDone(t, task)

	if task.State() != TaskFailed || task.Reason() != "cancelled" {
		t.Fatalf("expected cancelled FAILED task, got %s (%s)", task.State(), task.Reason())
	}

	select {
	case rep := <-repl.Reports():
		if !errors.Is(rep.Err(), mesh.ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", rep.Err())
		}
	default:
		t.Fatal("cancelled task must be reported")
	}
}

func TestStaleTaskIsDiscardedWithoutReport(t *testing.T) {
	testlog.Start(t)

	fabric := newReplicaFabric(t, transport.Config{}, "build-remote")
	latest := func(string) (uint64, bool) { return 5, true }
	repl := NewReplicator(fastConfig(), fabric.tp, "dev-local", latest)

	task, err := repl.Replicate(record("src/main.cfg", 3), []string{"build-remote"}, 1)
	if err != nil {
		t.Fatalf("replicate: %v", err)
	}
	waitDone(t, task)

	if !task.Discarded() {
		t.Fatal("superseded task should be discarded")
	}
	if got := fabric.versions("build-remote"); len(got) != 0 {
		t.Fatalf("stale version must never dispatch: %v", got)
	}
	select {
	case rep := <-repl.Reports():
		t.Fatalf("stale discard must not report: %+v", rep)
	default:
	}
}

func TestDrainWaitsForInFlightTasks(t *testing.T) {
	testlog.Start(t)

	fabric := newReplicaFabric(t, transport.Config{}, "build-remote")
	fabric.tp.SetLatency("build-remote", 50*time.Millisecond)
	cfg := fastConfig()
	cfg.AckWindow = time.Second
	repl := NewReplicator(cfg, fabric.tp, "dev-local", noLatest)

	task, err := repl.Replicate(record("src/main.cfg", 1), []string{"build-remote"}, 1)
	if err != nil {
		t.Fatalf("replicate: %v", err)
	}

	repl.Stop()
	if _, err := repl.Replicate(record("src/main.cfg", 2), []string{"build-remote"}, 1); !errors.Is(err, ErrStoppedWorker) {
		t.Fatalf("expected ErrStoppedWorker after Stop, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := repl.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if task.State() != TaskAcked {
		t.Fatalf("expected in-flight task to finish during drain, got %s", task.State())
	}
}

func TestPendingByPathTracksQueuedWork(t *testing.T) {
	testlog.Start(t)

	fabric := newReplicaFabric(t, transport.Config{SendTimeout: 2 * time.Second}, "build-remote")
	fabric.tp.SetLatency("build-remote", 100*time.Millisecond)
	cfg := fastConfig()
	cfg.AckWindow = 2 * time.Second
	repl := NewReplicator(cfg, fabric.tp, "dev-local", noLatest)

	task, err := repl.Replicate(record("src/main.cfg", 1), []string{"build-remote"}, 1)
	if err != nil {
		t.Fatalf("replicate: %v", err)
	}

	pending := repl.PendingByPath()
	if pending["src/main.cfg"] != 1 {
		t.Fatalf("expected 1 pending for path, got %+v", pending)
	}

	waitDone(t, task)
	if pending := repl.PendingByPath(); len(pending) != 0 {
		t.Fatalf("expected no pending after completion, got %+v", pending)
	}
}
