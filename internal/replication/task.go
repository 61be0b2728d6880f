package replication

import (
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/meshd/internal/mesh"
)

// TaskState is the replication task lifecycle.
type TaskState string

const (
	TaskPending  TaskState = "pending"
	TaskInFlight TaskState = "in_flight"
	TaskAcked    TaskState = "acked"
	TaskFailed   TaskState = "failed"
)

// Task tracks one fan-out of a file version to its target nodes.
// Owned exclusively by the replicator; destroyed once terminal or
// discarded as stale.
type Task struct {
	ID            string
	FilePath      string
	TargetVersion uint64
	RequiredAcks  int
	CreatedAt     time.Time

	record mesh.FileRecord

	mu        sync.Mutex
	targets   []string
	acked     map[string]struct{}
	state     TaskState
	reason    string
	discarded bool
	cancel    func()
	done      chan struct{}
}

// State returns the task's current lifecycle state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Reason returns the terminal reason, if any.
func (t *Task) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Discarded reports whether the task was dropped as stale.
func (t *Task) Discarded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.discarded
}

// Targets returns the current target set, including redirects.
func (t *Task) Targets() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.targets))
	copy(out, t.targets)
	return out
}

// AckedNodes returns the distinct nodes that confirmed the exact
// target version.
func (t *Task) AckedNodes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.acked))
	for nodeID := range t.acked {
		out = append(out, nodeID)
	}
	return out
}

// Done is closed once the task reaches a terminal state or is discarded.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) addAck(nodeID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acked[nodeID] = struct{}{}
	return len(t.acked)
}

func (t *Task) ackCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.acked)
}

func (t *Task) setState(state TaskState, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TaskAcked || t.state == TaskFailed {
		return false
	}
	t.state = state
	t.reason = reason
	return true
}

func (t *Task) swapTarget(old, alt string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, nodeID := range t.targets {
		if nodeID == old {
			t.targets[i] = alt
			return
		}
	}
}

func (t *Task) markDiscarded() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discarded = true
}

// Report is one terminal replication outcome surfaced to the coordinator.
type Report struct {
	TaskID        string
	FilePath      string
	TargetVersion uint64
	State         TaskState
	Reason        string
	AckedBy       []string
	Elapsed       time.Duration
}

// Err maps a failed report onto the shared error taxonomy; nil unless
// the task failed.
func (r Report) Err() error {
	if r.State != TaskFailed {
		return nil
	}
	if r.Reason == "cancelled" {
		return fmt.Errorf("%w: task %s", mesh.ErrCancelled, r.TaskID)
	}
	return fmt.Errorf("%w: %s", mesh.ErrReplicationFailed, r.Reason)
}
