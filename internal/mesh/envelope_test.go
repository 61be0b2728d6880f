package mesh

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/meshd/internal/testutil/testlog"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	testlog.Start(t)

	in := Envelope{
		Type:     MsgReplicate,
		Sender:   "dev-local",
		Sequence: 42,
		Payload:  []byte("payload-bytes"),
	}

	var buf bytes.Buffer
	if err := EncodeEnvelope(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeEnvelope(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if out.Type != in.Type || out.Sender != in.Sender || out.Sequence != in.Sequence {
		t.Fatalf("header mismatch: %+v vs %+v", out, in)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("payload mismatch: %q vs %q", out.Payload, in.Payload)
	}
}

func TestEnvelopeEmptyPayload(t *testing.T) {
	testlog.Start(t)

	in := Envelope{Type: MsgHeartbeat, Sender: "dev-local", Sequence: 1}
	var buf bytes.Buffer
	if err := EncodeEnvelope(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeEnvelope(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Payload) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(out.Payload))
	}
}

func TestEncodeEnvelopeRejectsMissingSender(t *testing.T) {
	testlog.Start(t)

	var buf bytes.Buffer
	err := EncodeEnvelope(&buf, Envelope{Type: MsgAck}, DefaultLimits())
	if !errors.Is(err, ErrMissingSender) {
		t.Fatalf("expected ErrMissingSender, got %v", err)
	}
}

func TestEncodeEnvelopeRejectsOversizedPayload(t *testing.T) {
	testlog.Start(t)

	limits := Limits{MaxSenderBytes: 64, MaxPayloadBytes: 8}
	var buf bytes.Buffer
	err := EncodeEnvelope(&buf, Envelope{
		Type:    MsgReplicate,
		Sender:  "dev-local",
		Payload: []byte("larger than eight"),
	}, limits)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestDecodeEnvelopeRejectsBadMagic(t *testing.T) {
	testlog.Start(t)

	var buf bytes.Buffer
	if err := EncodeEnvelope(&buf, Envelope{Type: MsgAck, Sender: "a"}, DefaultLimits()); err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw := buf.Bytes()
	raw[0] ^= 0xFF

	_, err := DecodeEnvelope(bytes.NewReader(raw), DefaultLimits())
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestDecodeEnvelopeRejectsUnknownType(t *testing.T) {
	testlog.Start(t)

	var buf bytes.Buffer
	if err := EncodeEnvelope(&buf, Envelope{Type: MsgAck, Sender: "a"}, DefaultLimits()); err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw := buf.Bytes()
	// Type lives after magic (4) and version (2).
	raw[6] = 0xFF
	raw[7] = 0xFF

	_, err := DecodeEnvelope(bytes.NewReader(raw), DefaultLimits())
	if !errors.Is(err, ErrBadMessageType) {
		t.Fatalf("expected ErrBadMessageType, got %v", err)
	}
}

func TestDecodeEnvelopeTruncatedInput(t *testing.T) {
	testlog.Start(t)

	var buf bytes.Buffer
	if err := EncodeEnvelope(&buf, Envelope{Type: MsgAck, Sender: "dev-local", Payload: []byte("abc")}, DefaultLimits()); err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw := buf.Bytes()

	if _, err := DecodeEnvelope(bytes.NewReader(raw[:len(raw)-2]), DefaultLimits()); err == nil {
		t.Fatal("expected error on truncated envelope")
	}
}
