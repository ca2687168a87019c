// Package transfer implements the JustSyncIt peer transfer protocol of
// spec §4.10: a hand-rolled binary frame format over TCP, with
// handshake/transfer/keepalive state machines layered on top.
package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame header layout (16 bytes, spec §4.10):
//
//	magic         (4 bytes, "JSTN")
//	version       (2 bytes, big-endian, current: 1)
//	type          (1 byte)
//	flags         (1 byte)
//	message id    (4 bytes, big-endian, correlates request/response)
//	payload len   (4 bytes, big-endian, <= MaxPayloadSize)
const (
	magic           = "JSTN"
	HeaderSize      = 16
	ProtocolVersion = 1

	// MaxPayloadSize bounds payload length so the header is validated
	// before any allocation proportional to it (spec §4.10).
	MaxPayloadSize = 1 << 30
)

// Type identifies a message's payload shape.
type Type byte

const (
	TypeHandshake         Type = 0x01
	TypeHandshakeResponse Type = 0x02
	TypeTransferRequest   Type = 0x10
	TypeTransferResponse  Type = 0x11
	TypeChunkData         Type = 0x12
	TypeChunkAck          Type = 0x13
	TypeTransferComplete  Type = 0x14
	TypeError             Type = 0x15
	TypeManifest          Type = 0x16
	TypePullRequest       Type = 0x17
	TypePing              Type = 0x20
	TypePong              Type = 0x21
)

func (t Type) String() string {
	switch t {
	case TypeHandshake:
		return "Handshake"
	case TypeHandshakeResponse:
		return "HandshakeResponse"
	case TypeTransferRequest:
		return "TransferRequest"
	case TypeTransferResponse:
		return "TransferResponse"
	case TypeChunkData:
		return "ChunkData"
	case TypeChunkAck:
		return "ChunkAck"
	case TypeTransferComplete:
		return "TransferComplete"
	case TypeError:
		return "Error"
	case TypeManifest:
		return "Manifest"
	case TypePullRequest:
		return "PullRequest"
	case TypePing:
		return "Ping"
	case TypePong:
		return "Pong"
	default:
		return fmt.Sprintf("Type(0x%02x)", byte(t))
	}
}

// ErrorCode values carried by a TypeError payload.
const (
	ErrorCodeVersionMismatch   uint32 = 1001
	ErrorCodeProtocolViolation uint32 = 1002
	ErrorCodeRejected          uint32 = 1003
)

var (
	ErrMagicMismatch    = errors.New("frame magic mismatch")
	ErrVersionMismatch  = errors.New("frame version mismatch")
	ErrPayloadTooLarge  = errors.New("frame payload exceeds maximum size")
	ErrPayloadLengthOff = errors.New("declared payload length does not match encoded body")
)

// FrameHeader is the decoded fixed-size frame prefix.
type FrameHeader struct {
	Version       uint16
	Type          Type
	Flags         byte
	MessageID     uint32
	PayloadLength uint32
}

// Encode serializes the header into a fresh HeaderSize-byte slice.
func (h FrameHeader) Encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	buf[6] = byte(h.Type)
	buf[7] = h.Flags
	binary.BigEndian.PutUint32(buf[8:12], h.MessageID)
	binary.BigEndian.PutUint32(buf[12:16], h.PayloadLength)
	return buf
}

// DecodeFrameHeader parses a HeaderSize-byte prefix, validating magic,
// version, and payload length bound (spec §4.10: "the magic+version+length
// header is validated before any allocation proportional to payload
// length").
func DecodeFrameHeader(buf []byte) (FrameHeader, error) {
	if len(buf) < HeaderSize {
		return FrameHeader{}, fmt.Errorf("frame header: %w", io.ErrUnexpectedEOF)
	}
	if string(buf[0:4]) != magic {
		return FrameHeader{}, ErrMagicMismatch
	}
	h := FrameHeader{
		Version:       binary.BigEndian.Uint16(buf[4:6]),
		Type:          Type(buf[6]),
		Flags:         buf[7],
		MessageID:     binary.BigEndian.Uint32(buf[8:12]),
		PayloadLength: binary.BigEndian.Uint32(buf[12:16]),
	}
	if h.Version != ProtocolVersion {
		return FrameHeader{}, ErrVersionMismatch
	}
	if h.PayloadLength > MaxPayloadSize {
		return FrameHeader{}, ErrPayloadTooLarge
	}
	return h, nil
}

// Frame is a decoded message: header plus raw payload bytes.
type Frame struct {
	Header  FrameHeader
	Payload []byte
}

// WriteFrame encodes and writes a complete frame.
func WriteFrame(w io.Writer, msgType Type, messageID uint32, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}
	header := FrameHeader{
		Version:       ProtocolVersion,
		Type:          msgType,
		MessageID:     messageID,
		PayloadLength: uint32(len(payload)),
	}
	if _, err := w.Write(header.Encode()); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads and validates one complete frame from r. The header is
// validated (including the payload-length bound) before the payload buffer
// is allocated.
func ReadFrame(r io.Reader) (Frame, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return Frame{}, err
	}
	header, err := DecodeFrameHeader(headerBuf)
	if err != nil {
		return Frame{}, err
	}

	payload := make([]byte, header.PayloadLength)
	if header.PayloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return Frame{Header: header, Payload: payload}, nil
}
