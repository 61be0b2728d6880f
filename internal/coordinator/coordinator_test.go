package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/meshd/internal/guardian"
	"github.com/danmuck/meshd/internal/mesh"
	"github.com/danmuck/meshd/internal/replication"
	"github.com/danmuck/meshd/internal/router"
	"github.com/danmuck/meshd/internal/testutil/testlog"
	"github.com/danmuck/meshd/internal/transport"
)

func testMeshNodes() []mesh.Node {
	return []mesh.Node{
		{NodeID: "dev-local", Type: mesh.NodeLocal, Capabilities: mesh.NewCapabilitySet("compile", "test", "lint"), Load: 0.2},
		{NodeID: "build-remote", Type: mesh.NodeRemote, Capabilities: mesh.NewCapabilitySet("compile", "test"), Load: 0.4},
		{NodeID: "gpu-cloud", Type: mesh.NodeCloud, Capabilities: mesh.NewCapabilitySet("compile", "test", "train"), Load: 0.6},
	}
}

func fastMeshConfig() Config {
	return Config{
		LocalNodeID:   "dev-local",
		InitTimeout:   3 * time.Second,
		ReplicaFactor: 2,
		RequiredAcks:  2,
		Transport:     transport.Config{ConnectTimeout: time.Second, SendTimeout: 300 * time.Millisecond},
		Guardian: guardian.Config{
			Interval:    50 * time.Millisecond,
			PollTimeout: 100 * time.Millisecond,
			MaxMisses:   3,
		},
		Replication: replication.Config{
			AckWindow:   300 * time.Millisecond,
			RetryBudget: 1,
			Backoff: transport.BackoffConfig{
				InitialDelay: 5 * time.Millisecond,
				Multiplier:   1.0,
				MaxDelay:     10 * time.Millisecond,
			},
		},
	}
}

func startMesh(t *testing.T) *Coordinator {
	t.Helper()
	coord := New(fastMeshConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := coord.Initialize(ctx, testMeshNodes()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = coord.Shutdown(shutdownCtx)
	})
	return coord
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestInitializeReachesQuorum(t *testing.T) {
	testlog.Start(t)

	coord := startMesh(t)
	if coord.State() != StateActive {
		t.Fatalf("expected ACTIVE, got %s", coord.State())
	}
	for _, node := range coord.Membership() {
		if node.Status != mesh.StatusHealthy {
			t.Fatalf("node %s not healthy after startup: %s", node.NodeID, node.Status)
		}
	}
}

func TestInitializeFailsQuorumWhenPeerIsDown(t *testing.T) {
	testlog.Start(t)

	cfg := fastMeshConfig()
	cfg.InitTimeout = 300 * time.Millisecond
	coord := New(cfg)
	coord.Transport().SetDown("gpu-cloud", true)

	err := coord.Initialize(context.Background(), testMeshNodes())
	if !errors.Is(err, mesh.ErrUnreachable) && !errors.Is(err, mesh.ErrQuorumNotReached) {
		t.Fatalf("expected connect or quorum failure, got %v", err)
	}
}

func TestOperationsRequireActiveMesh(t *testing.T) {
	testlog.Start(t)

	coord := New(fastMeshConfig())
	if _, err := coord.ProposeFile("src/main.cfg", 0, []byte("x")); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
	if _, err := coord.Submit(router.ExecutionRequest{TaskKind: "compile"}); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestProposeReplicatesToPeerHosts(t *testing.T) {
	testlog.Start(t)

	coord := startMesh(t)
	record, err := coord.ProposeFile("src/main.cfg", 0, []byte("content-v1"))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if record.Version != 1 || record.OwnerNode != "dev-local" {
		t.Fatalf("unexpected record: %+v", record)
	}

	for _, peer := range []string{"build-remote", "gpu-cloud"} {
		peer := peer
		waitFor(t, 3*time.Second, "replica on "+peer, func() bool {
			host, ok := coord.Host(peer)
			return ok && host.Versions()["src/main.cfg"] == 1
		})
	}

	read, err := coord.ReadFile("src/main.cfg", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if read.Version != 1 || read.ContentHash != record.ContentHash {
		t.Fatalf("read mismatch: %+v vs %+v", read, record)
	}

	waitFor(t, 3*time.Second, "replication ack counted", func() bool {
		return coord.Stats().ReplicationsAcked >= 1
	})
}

func TestConcurrentProposalsSameParentConflict(t *testing.T) {
	testlog.Start(t)

	coord := startMesh(t)
	if _, err := coord.ProposeFile("src/main.cfg", 0, []byte("winner")); err != nil {
		t.Fatalf("winner propose: %v", err)
	}

	_, err := coord.ProposeHash("src/main.cfg", 0, "loser-hash", "build-remote")
	if !errors.Is(err, mesh.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	artifacts := coord.Conflicts("src/main.cfg")
	if len(artifacts) != 1 || artifacts[0].OwnerNode != "build-remote" {
		t.Fatalf("unexpected conflict artifacts: %+v", artifacts)
	}
}

func TestRemoteProposalOverWire(t *testing.T) {
	testlog.Start(t)

	coord := startMesh(t)
	ack, err := coord.Transport().Send(context.Background(), "dev-local", mesh.Envelope{
		Type:   mesh.MsgFileProposal,
		Sender: "gpu-cloud",
		Payload: mesh.EncodeProposalPayload(mesh.ProposalPayload{
			Path:          "models/train.cfg",
			ParentVersion: 0,
			ContentHash:   "model-hash",
			OwnerNode:     "gpu-cloud",
		}),
	})
	if err != nil {
		t.Fatalf("send proposal: %v", err)
	}
	result, err := mesh.DecodeProposalResultPayload(ack.Payload)
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.Accepted || result.Version != 1 {
		t.Fatalf("unexpected proposal result: %+v", result)
	}

	record, err := coord.ReadFile("models/train.cfg", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if record.OwnerNode != "gpu-cloud" {
		t.Fatalf("owner lost over the wire: %+v", record)
	}
}

func TestUnreachablePeerIsQuarantinedAndRejoins(t *testing.T) {
	testlog.Start(t)

	coord := startMesh(t)
	coord.Transport().SetDown("gpu-cloud", true)

	waitFor(t, 5*time.Second, "gpu-cloud unreachable", func() bool {
		node, _ := coord.Node("gpu-cloud")
		return node.Status == mesh.StatusUnreachable
	})

	// A version accepted while the peer is out makes its replica stale.
	if _, err := coord.ProposeFile("src/main.cfg", 0, []byte("while-away")); err != nil {
		t.Fatalf("propose: %v", err)
	}
	waitFor(t, 3*time.Second, "replica on build-remote", func() bool {
		host, _ := coord.Host("build-remote")
		return host.Versions()["src/main.cfg"] == 1
	})

	coord.Transport().SetDown("gpu-cloud", false)

	// Resumed heartbeats alone must not re-admit.
	time.Sleep(200 * time.Millisecond)
	if node, _ := coord.Node("gpu-cloud"); node.Status != mesh.StatusUnreachable {
		t.Fatalf("peer re-admitted without rejoin: %s", node.Status)
	}

	if err := coord.Rejoin("gpu-cloud"); !errors.Is(err, guardian.ErrRejoinStale) {
		t.Fatalf("expected ErrRejoinStale for missing replica, got %v", err)
	}

	host, _ := coord.Host("gpu-cloud")
	host.ForceVersion("src/main.cfg", 1)
	if err := coord.Rejoin("gpu-cloud"); err != nil {
		t.Fatalf("rejoin after catch-up: %v", err)
	}
	waitFor(t, 3*time.Second, "gpu-cloud healthy", func() bool {
		node, _ := coord.Node("gpu-cloud")
		return node.Status == mesh.StatusHealthy
	})
}

func TestSubmitRoutesAroundMissingCapability(t *testing.T) {
	testlog.Start(t)

	coord := startMesh(t)
	assignment, err := coord.Submit(router.ExecutionRequest{TaskKind: "train"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if assignment.Primary != "gpu-cloud" {
		t.Fatalf("train must land on the capable node, got %s", assignment.Primary)
	}

	if _, err := coord.Submit(router.ExecutionRequest{TaskKind: "deploy"}); !errors.Is(err, mesh.ErrNoEligibleNode) {
		t.Fatalf("expected ErrNoEligibleNode, got %v", err)
	}

	// Abandoning the assignment is advisory and only recorded.
	coord.CancelAssignment(assignment)
	events := coord.Events(0)
	if len(events) == 0 || events[len(events)-1].Type != "assignment_cancelled" {
		t.Fatalf("cancellation not recorded: %+v", events)
	}
}

func TestJoinAndLeaveAdjustMembership(t *testing.T) {
	testlog.Start(t)

	coord := startMesh(t)
	err := coord.Join(context.Background(), mesh.Node{
		NodeID:       "spare-remote",
		Type:         mesh.NodeRemote,
		Capabilities: mesh.NewCapabilitySet("compile"),
	})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, 3*time.Second, "spare-remote healthy", func() bool {
		node, ok := coord.Node("spare-remote")
		return ok && node.Status == mesh.StatusHealthy
	})

	if err := coord.Leave("spare-remote"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if _, ok := coord.Node("spare-remote"); ok {
		t.Fatal("node still in membership after leave")
	}
	if err := coord.Leave("spare-remote"); !errors.Is(err, mesh.ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode on double leave, got %v", err)
	}
}

func TestShutdownDrainsAndRefusesNewWork(t *testing.T) {
	testlog.Start(t)

	coord := startMesh(t)
	if _, err := coord.ProposeFile("src/main.cfg", 0, []byte("last-write")); err != nil {
		t.Fatalf("propose: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := coord.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if coord.State() != StateStopped {
		t.Fatalf("expected STOPPED, got %s", coord.State())
	}

	if _, err := coord.ProposeFile("src/other.cfg", 0, []byte("late")); !errors.Is(err, mesh.ErrDraining) {
		t.Fatalf("expected ErrDraining after shutdown, got %v", err)
	}
	if _, err := coord.Submit(router.ExecutionRequest{TaskKind: "compile"}); !errors.Is(err, mesh.ErrDraining) {
		t.Fatalf("expected ErrDraining after shutdown, got %v", err)
	}
}
