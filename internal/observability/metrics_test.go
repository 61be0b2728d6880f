package observability

import (
	"testing"
	"time"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHeartbeat("node-a", "ok")
	RecordStatusTransition("node-a", "degraded")
	RecordReplication("acked", 12*time.Millisecond)
	RecordRouting("compile", "placed")
	RecordNodeGauges("node-a", 0.4, 18)
	RecordHTTPRequest("node-a", "GET", "/health", 200, 12*time.Millisecond)
}
