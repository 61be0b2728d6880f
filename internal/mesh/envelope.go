package mesh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MessageType identifies one in-mesh envelope kind.
type MessageType uint16

const (
	MsgHeartbeat          MessageType = 1
	MsgReplicate          MessageType = 2
	MsgAck                MessageType = 3
	MsgFileProposal       MessageType = 4
	MsgFileProposalResult MessageType = 5
)

// String returns the wire contract name for the message type.
func (t MessageType) String() string {
	switch t {
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgReplicate:
		return "REPLICATE"
	case MsgAck:
		return "ACK"
	case MsgFileProposal:
		return "FILE_PROPOSAL"
	case MsgFileProposalResult:
		return "FILE_PROPOSAL_RESULT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(t))
	}
}

// Valid reports whether the message type is part of the wire contract.
func (t MessageType) Valid() bool {
	return t >= MsgHeartbeat && t <= MsgFileProposalResult
}

const (
	// EnvelopeMagic is "MESH" big-endian.
	EnvelopeMagic   uint32 = 0x4D455348
	EnvelopeVersion uint16 = 1

	envelopeHeaderLen = 22
)

var (
	ErrShortEnvelope   = errors.New("mesh: short envelope header")
	ErrBadMagic        = errors.New("mesh: bad envelope magic")
	ErrBadVersion      = errors.New("mesh: unsupported envelope version")
	ErrBadMessageType  = errors.New("mesh: unknown message type")
	ErrSenderTooLarge  = errors.New("mesh: sender too large")
	ErrPayloadTooLarge = errors.New("mesh: payload too large")
	ErrMissingSender   = errors.New("mesh: envelope missing sender")
)

// Envelope is one opaque in-mesh message.
type Envelope struct {
	Type     MessageType
	Sender   string
	Sequence uint64
	Payload  []byte
}

// Validate enforces envelope fields required before encode/dispatch.
func (e Envelope) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %d", ErrBadMessageType, uint16(e.Type))
	}
	if strings.TrimSpace(e.Sender) == "" {
		return ErrMissingSender
	}
	return nil
}

// Limits constrains envelope decode/encode memory use.
type Limits struct {
	MaxSenderBytes  uint32
	MaxPayloadBytes uint32
}

// DefaultLimits returns the wire contract decode limits.
func DefaultLimits() Limits {
	return Limits{
		MaxSenderBytes:  1024,
		MaxPayloadBytes: 8 * 1024 * 1024,
	}
}

// EncodeEnvelope writes one envelope in fixed-header binary form.
func EncodeEnvelope(w io.Writer, e Envelope, limits Limits) error {
	if err := e.Validate(); err != nil {
		return err
	}
	senderLen := uint32(len(e.Sender))
	payloadLen := uint32(len(e.Payload))
	if senderLen > limits.MaxSenderBytes {
		return ErrSenderTooLarge
	}
	if payloadLen > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	buf := make([]byte, envelopeHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], EnvelopeMagic)
	binary.BigEndian.PutUint16(buf[4:6], EnvelopeVersion)
	binary.BigEndian.PutUint16(buf[6:8], uint16(e.Type))
	binary.BigEndian.PutUint64(buf[8:16], e.Sequence)
	binary.BigEndian.PutUint16(buf[16:18], uint16(senderLen))
	binary.BigEndian.PutUint32(buf[18:22], payloadLen)

	if _, err := w.Write(buf); err != nil {
		return err
	}
	if _, err := io.WriteString(w, e.Sender); err != nil {
		return err
	}
	if payloadLen > 0 {
		if _, err := w.Write(e.Payload); err != nil {
			return err
		}
	}
	return nil
}

// DecodeEnvelope reads one envelope from the wire, enforcing limits.
func DecodeEnvelope(r io.Reader, limits Limits) (Envelope, error) {
	var fixed [envelopeHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Envelope{}, ErrShortEnvelope
		}
		return Envelope{}, err
	}

	if binary.BigEndian.Uint32(fixed[0:4]) != EnvelopeMagic {
		return Envelope{}, ErrBadMagic
	}
	if binary.BigEndian.Uint16(fixed[4:6]) != EnvelopeVersion {
		return Envelope{}, ErrBadVersion
	}
	msgType := MessageType(binary.BigEndian.Uint16(fixed[6:8]))
	if !msgType.Valid() {
		return Envelope{}, fmt.Errorf("%w: %d", ErrBadMessageType, uint16(msgType))
	}
	sequence := binary.BigEndian.Uint64(fixed[8:16])
	senderLen := uint32(binary.BigEndian.Uint16(fixed[16:18]))
	payloadLen := binary.BigEndian.Uint32(fixed[18:22])

	if senderLen == 0 {
		return Envelope{}, ErrMissingSender
	}
	if senderLen > limits.MaxSenderBytes {
		return Envelope{}, ErrSenderTooLarge
	}
	if payloadLen > limits.MaxPayloadBytes {
		return Envelope{}, ErrPayloadTooLarge
	}

	sender := make([]byte, senderLen)
	if _, err := io.ReadFull(r, sender); err != nil {
		return Envelope{}, err
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Envelope{}, err
		}
	}

	return Envelope{
		Type:     msgType,
		Sender:   string(sender),
		Sequence: sequence,
		Payload:  payload,
	}, nil
}
