package mesh

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/meshd/internal/testutil/testlog"
)

func TestHeartbeatPayloadRoundTrip(t *testing.T) {
	testlog.Start(t)

	in := HeartbeatRecord{
		NodeID:       "build-remote",
		Seq:          7,
		SentAt:       time.Now().Truncate(time.Millisecond),
		Healthy:      true,
		ReportedLoad: 0.42,
		LatencyMS:    18,
	}
	out, err := DecodeHeartbeatPayload(EncodeHeartbeatPayload(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.NodeID != in.NodeID || out.Seq != in.Seq || !out.Healthy {
		t.Fatalf("identity mismatch: %+v", out)
	}
	if out.ReportedLoad != in.ReportedLoad || out.LatencyMS != in.LatencyMS {
		t.Fatalf("load/latency mismatch: %+v", out)
	}
}

func TestReplicatePayloadRoundTrip(t *testing.T) {
	testlog.Start(t)

	in := FileRecord{
		Path:        "src/main.cfg",
		Version:     3,
		ContentHash: "deadbeef01234567",
		OwnerNode:   "dev-local",
		ProposedAt:  time.Now().Truncate(time.Millisecond),
	}
	out, err := DecodeReplicatePayload(EncodeReplicatePayload(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Path != in.Path || out.Version != in.Version || out.ContentHash != in.ContentHash || out.OwnerNode != in.OwnerNode {
		t.Fatalf("record mismatch: %+v vs %+v", out, in)
	}
}

func TestProposalPayloadRoundTrip(t *testing.T) {
	testlog.Start(t)

	in := ProposalPayload{
		Path:          "src/main.cfg",
		ParentVersion: 2,
		ContentHash:   "cafebabe",
		OwnerNode:     "gpu-cloud",
	}
	out, err := DecodeProposalPayload(EncodeProposalPayload(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("proposal mismatch: %+v vs %+v", out, in)
	}
}

func TestAckPayloadCarriesRejectionDetail(t *testing.T) {
	testlog.Start(t)

	in := AckPayload{Version: 5, Accepted: false, Detail: "replica at 6, refused older 5"}
	out, err := DecodeAckPayload(EncodeAckPayload(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("ack mismatch: %+v vs %+v", out, in)
	}
}

func TestDecodePayloadTruncated(t *testing.T) {
	testlog.Start(t)

	raw := EncodeReplicatePayload(FileRecord{
		Path:        "src/main.cfg",
		Version:     1,
		ContentHash: "abc",
		OwnerNode:   "dev-local",
	})
	if _, err := DecodeReplicatePayload(raw[:len(raw)-4]); !errors.Is(err, ErrShortPayload) {
		t.Fatalf("expected ErrShortPayload, got %v", err)
	}
}
