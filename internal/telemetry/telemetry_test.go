package telemetry

import (
	"fmt"
	"testing"
	"time"

	"github.com/danmuck/meshd/internal/mesh"
	"github.com/danmuck/meshd/internal/testutil/testlog"
)

func TestSnapshotReportsPerNodeAndPerPath(t *testing.T) {
	testlog.Start(t)

	pending := func() map[string]int {
		return map[string]int{"src/main.cfg": 2}
	}
	collector := NewCollector(pending)
	collector.ObserveNode("dev-local", 0.2, 3, mesh.StatusHealthy)
	collector.ObserveNode("gpu-cloud", 0.7, 90, mesh.StatusDegraded)

	snapshot := collector.Snapshot()
	if len(snapshot.PerNode) != 2 {
		t.Fatalf("expected 2 nodes, got %+v", snapshot.PerNode)
	}
	if stats := snapshot.PerNode["gpu-cloud"]; stats.Load != 0.7 || stats.Status != mesh.StatusDegraded {
		t.Fatalf("unexpected node stats: %+v", stats)
	}
	if snapshot.PerPath["src/main.cfg"] != 2 {
		t.Fatalf("pending replication counts missing: %+v", snapshot.PerPath)
	}
	if snapshot.TakenAt.IsZero() {
		t.Fatal("snapshot must be timestamped")
	}
}

func TestForgetNodeDropsStats(t *testing.T) {
	testlog.Start(t)

	collector := NewCollector(nil)
	collector.ObserveNode("build-remote", 0.5, 20, mesh.StatusHealthy)
	collector.ForgetNode("build-remote")

	if snapshot := collector.Snapshot(); len(snapshot.PerNode) != 0 {
		t.Fatalf("forgotten node still present: %+v", snapshot.PerNode)
	}
}

func TestLifetimeCounters(t *testing.T) {
	testlog.Start(t)

	collector := NewCollector(nil)
	collector.RecordHeartbeat("build-remote", true)
	collector.RecordHeartbeat("build-remote", true)
	collector.RecordHeartbeat("build-remote", false)
	collector.RecordReplication("acked", 10*time.Millisecond)
	collector.RecordReplication("failed", 20*time.Millisecond)
	collector.RecordRouting("compile", true)
	collector.RecordRouting("train", false)

	stats := collector.Stats()
	if stats.Heartbeats != 2 || stats.MissedHeartbeats != 1 {
		t.Fatalf("unexpected heartbeat counters: %+v", stats)
	}
	if stats.ReplicationsAcked != 1 || stats.ReplicationsFail != 1 {
		t.Fatalf("unexpected replication counters: %+v", stats)
	}
	if stats.RoutingsPlaced != 1 || stats.RoutingsRejected != 1 {
		t.Fatalf("unexpected routing counters: %+v", stats)
	}
}

func TestEventLogIsBoundedAndOrdered(t *testing.T) {
	testlog.Start(t)

	collector := NewCollector(nil)
	for i := 0; i < 300; i++ {
		collector.RecordEvent("node_status", map[string]string{"seq": fmt.Sprintf("%d", i)})
	}

	all := collector.Events(0)
	if len(all) != 256 {
		t.Fatalf("expected bounded log of 256, got %d", len(all))
	}
	if all[len(all)-1].Details["seq"] != "299" {
		t.Fatalf("newest event missing: %+v", all[len(all)-1])
	}

	tail := collector.Events(5)
	if len(tail) != 5 || tail[4].Details["seq"] != "299" {
		t.Fatalf("unexpected tail: %+v", tail)
	}
}
