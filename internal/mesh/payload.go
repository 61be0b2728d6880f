package mesh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrShortPayload = errors.New("mesh: short payload")

// AckPayload confirms receipt of one replicated version.
type AckPayload struct {
	Version  uint64
	Accepted bool
	Detail   string
}

// ProposalPayload carries a remote file proposal to the file manager.
type ProposalPayload struct {
	Path          string
	ParentVersion uint64
	ContentHash   string
	OwnerNode     string
}

// ProposalResultPayload carries the file manager's verdict back.
type ProposalResultPayload struct {
	Accepted bool
	Version  uint64
	Detail   string
}

// EncodeHeartbeatPayload serializes one liveness sample.
func EncodeHeartbeatPayload(h HeartbeatRecord) []byte {
	buf := make([]byte, 0, 32+len(h.NodeID))
	buf = appendString(buf, h.NodeID)
	buf = binary.BigEndian.AppendUint64(buf, h.Seq)
	buf = binary.BigEndian.AppendUint64(buf, uint64(h.SentAt.UnixMilli()))
	buf = appendBool(buf, h.Healthy)
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(h.ReportedLoad))
	buf = binary.BigEndian.AppendUint64(buf, uint64(h.LatencyMS))
	return buf
}

// DecodeHeartbeatPayload parses one liveness sample.
func DecodeHeartbeatPayload(b []byte) (HeartbeatRecord, error) {
	var h HeartbeatRecord
	var err error
	h.NodeID, b, err = readString(b)
	if err != nil {
		return HeartbeatRecord{}, fmt.Errorf("heartbeat node_id: %w", err)
	}
	if h.Seq, b, err = readU64(b); err != nil {
		return HeartbeatRecord{}, fmt.Errorf("heartbeat seq: %w", err)
	}
	var sentMS uint64
	if sentMS, b, err = readU64(b); err != nil {
		return HeartbeatRecord{}, fmt.Errorf("heartbeat sent_at: %w", err)
	}
	h.SentAt = time.UnixMilli(int64(sentMS))
	if h.Healthy, b, err = readBool(b); err != nil {
		return HeartbeatRecord{}, fmt.Errorf("heartbeat healthy: %w", err)
	}
	var loadBits uint64
	if loadBits, b, err = readU64(b); err != nil {
		return HeartbeatRecord{}, fmt.Errorf("heartbeat load: %w", err)
	}
	h.ReportedLoad = math.Float64frombits(loadBits)
	var latency uint64
	if latency, _, err = readU64(b); err != nil {
		return HeartbeatRecord{}, fmt.Errorf("heartbeat latency: %w", err)
	}
	h.LatencyMS = int64(latency)
	return h, nil
}

// EncodeReplicatePayload serializes one file record for fan-out.
func EncodeReplicatePayload(r FileRecord) []byte {
	buf := make([]byte, 0, 32+len(r.Path)+len(r.ContentHash)+len(r.OwnerNode))
	buf = appendString(buf, r.Path)
	buf = binary.BigEndian.AppendUint64(buf, r.Version)
	buf = appendString(buf, r.ContentHash)
	buf = appendString(buf, r.OwnerNode)
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.ProposedAt.UnixMilli()))
	return buf
}

// DecodeReplicatePayload parses one replicated file record.
func DecodeReplicatePayload(b []byte) (FileRecord, error) {
	var r FileRecord
	var err error
	if r.Path, b, err = readString(b); err != nil {
		return FileRecord{}, fmt.Errorf("replicate path: %w", err)
	}
	if r.Version, b, err = readU64(b); err != nil {
		return FileRecord{}, fmt.Errorf("replicate version: %w", err)
	}
	if r.ContentHash, b, err = readString(b); err != nil {
		return FileRecord{}, fmt.Errorf("replicate content_hash: %w", err)
	}
	if r.OwnerNode, b, err = readString(b); err != nil {
		return FileRecord{}, fmt.Errorf("replicate owner_node: %w", err)
	}
	var proposedMS uint64
	if proposedMS, _, err = readU64(b); err != nil {
		return FileRecord{}, fmt.Errorf("replicate proposed_at: %w", err)
	}
	r.ProposedAt = time.UnixMilli(int64(proposedMS))
	return r, nil
}

// EncodeAckPayload serializes one replication ack.
func EncodeAckPayload(a AckPayload) []byte {
	buf := make([]byte, 0, 16+len(a.Detail))
	buf = binary.BigEndian.AppendUint64(buf, a.Version)
	buf = appendBool(buf, a.Accepted)
	buf = appendString(buf, a.Detail)
	return buf
}

// DecodeAckPayload parses one replication ack.
func DecodeAckPayload(b []byte) (AckPayload, error) {
	var a AckPayload
	var err error
	if a.Version, b, err = readU64(b); err != nil {
		return AckPayload{}, fmt.Errorf("ack version: %w", err)
	}
	if a.Accepted, b, err = readBool(b); err != nil {
		return AckPayload{}, fmt.Errorf("ack accepted: %w", err)
	}
	if a.Detail, _, err = readString(b); err != nil {
		return AckPayload{}, fmt.Errorf("ack detail: %w", err)
	}
	return a, nil
}

// EncodeProposalPayload serializes one remote file proposal.
func EncodeProposalPayload(p ProposalPayload) []byte {
	buf := make([]byte, 0, 24+len(p.Path)+len(p.ContentHash)+len(p.OwnerNode))
	buf = appendString(buf, p.Path)
	buf = binary.BigEndian.AppendUint64(buf, p.ParentVersion)
	buf = appendString(buf, p.ContentHash)
	buf = appendString(buf, p.OwnerNode)
	return buf
}

// DecodeProposalPayload parses one remote file proposal.
func DecodeProposalPayload(b []byte) (ProposalPayload, error) {
	var p ProposalPayload
	var err error
	if p.Path, b, err = readString(b); err != nil {
		return ProposalPayload{}, fmt.Errorf("proposal path: %w", err)
	}
	if p.ParentVersion, b, err = readU64(b); err != nil {
		return ProposalPayload{}, fmt.Errorf("proposal parent_version: %w", err)
	}
	if p.ContentHash, b, err = readString(b); err != nil {
		return ProposalPayload{}, fmt.Errorf("proposal content_hash: %w", err)
	}
	if p.OwnerNode, _, err = readString(b); err != nil {
		return ProposalPayload{}, fmt.Errorf("proposal owner_node: %w", err)
	}
	return p, nil
}

// EncodeProposalResultPayload serializes the file manager's verdict.
func EncodeProposalResultPayload(r ProposalResultPayload) []byte {
	buf := make([]byte, 0, 16+len(r.Detail))
	buf = appendBool(buf, r.Accepted)
	buf = binary.BigEndian.AppendUint64(buf, r.Version)
	buf = appendString(buf, r.Detail)
	return buf
}

// DecodeProposalResultPayload parses the file manager's verdict.
func DecodeProposalResultPayload(b []byte) (ProposalResultPayload, error) {
	var r ProposalResultPayload
	var err error
	if r.Accepted, b, err = readBool(b); err != nil {
		return ProposalResultPayload{}, fmt.Errorf("proposal_result accepted: %w", err)
	}
	if r.Version, b, err = readU64(b); err != nil {
		return ProposalResultPayload{}, fmt.Errorf("proposal_result version: %w", err)
	}
	if r.Detail, _, err = readString(b); err != nil {
		return ProposalResultPayload{}, fmt.Errorf("proposal_result detail: %w", err)
	}
	return r, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, ErrShortPayload
	}
	n := int(binary.BigEndian.Uint16(b[0:2]))
	b = b[2:]
	if len(b) < n {
		return "", nil, ErrShortPayload
	}
	return string(b[:n]), b[n:], nil
}

func readU64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, ErrShortPayload
	}
	return binary.BigEndian.Uint64(b[0:8]), b[8:], nil
}

func readBool(b []byte) (bool, []byte, error) {
	if len(b) < 1 {
		return false, nil, ErrShortPayload
	}
	return b[0] == 1, b[1:], nil
}
