package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const (
	// HeaderSize is the fixed length of the frame header in bytes.
	HeaderSize = 128

	// Magic opens every frame ("LOFR" big-endian).
	Magic uint32 = 0x4C4F4652

	// Version is the wire protocol version this codec speaks.
	Version uint8 = 0x01

	// SignedRegionSize is the prefix of the encoded header covered by the
	// sender signature. The signature field itself is excluded.
	SignedRegionSize = 64

	// SignatureSize is the length of the detached ed25519 signature slot.
	SignatureSize = 64

	// DefaultMaxPayload bounds payload_size unless configured lower.
	DefaultMaxPayload uint32 = 16 << 20
)

// Frame flag bits.
const (
	// FlagServerOrigin marks frames forged by the hub itself, such as
	// moderation removals. Clients never set it; the hub strips it from
	// inbound frames.
	FlagServerOrigin uint8 = 1 << 0
)

// Header is the fixed-size preamble of every frame.
//
// Encoded layout (big-endian, 128 bytes):
//
//	[0:4)    magic
//	[4]      version
//	[5]      flags
//	[6:8)    opcode
//	[8:12)   request id
//	[12:16)  payload size
//	[16:32)  room id
//	[32:40)  sender id
//	[40:48)  context id (log index, or recipient for directed frames)
//	[48:56)  timestamp (hybrid logical clock, client-supplied)
//	[56:64)  epoch
//	[64:128) signature
type Header struct {
	Flags       uint8
	Opcode      Opcode
	RequestID   uint32
	PayloadSize uint32
	RoomID      uuid.UUID
	SenderID    uint64
	ContextID   uint64
	Timestamp   uint64
	Epoch       uint64
	Signature   [SignatureSize]byte
}

// Encode writes the header into a fresh HeaderSize buffer.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	buf[4] = Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Opcode))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.PayloadSize)
	copy(buf[16:32], h.RoomID[:])
	binary.BigEndian.PutUint64(buf[32:40], h.SenderID)
	binary.BigEndian.PutUint64(buf[40:48], h.ContextID)
	binary.BigEndian.PutUint64(buf[48:56], h.Timestamp)
	binary.BigEndian.PutUint64(buf[56:64], h.Epoch)
	copy(buf[64:128], h.Signature[:])
	return buf
}

// SigningBytes returns the signed prefix of the encoded header. Signatures
// cover everything up to but excluding the signature slot.
func (h *Header) SigningBytes() []byte {
	return h.Encode()[:SignedRegionSize]
}

// DecodeHeader parses and validates a header from buf.
//
// Validation order: length, magic, version, opcode, payload size. maxPayload
// of zero means DefaultMaxPayload.
func DecodeHeader(buf []byte, maxPayload uint32) (Header, error) {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, have %d", ErrTruncated, HeaderSize, len(buf))
	}
	if got := binary.BigEndian.Uint32(buf[0:4]); got != Magic {
		return Header{}, fmt.Errorf("%w: bad magic 0x%08x", ErrMalformed, got)
	}
	if buf[4] != Version {
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrMalformed, buf[4])
	}
	h := Header{
		Flags:       buf[5],
		Opcode:      Opcode(binary.BigEndian.Uint16(buf[6:8])),
		RequestID:   binary.BigEndian.Uint32(buf[8:12]),
		PayloadSize: binary.BigEndian.Uint32(buf[12:16]),
		SenderID:    binary.BigEndian.Uint64(buf[32:40]),
		ContextID:   binary.BigEndian.Uint64(buf[40:48]),
		Timestamp:   binary.BigEndian.Uint64(buf[48:56]),
		Epoch:       binary.BigEndian.Uint64(buf[56:64]),
	}
	copy(h.RoomID[:], buf[16:32])
	copy(h.Signature[:], buf[64:128])
	if !h.Opcode.Valid() {
		return Header{}, fmt.Errorf("%w: unknown opcode 0x%04x", ErrMalformed, uint16(h.Opcode))
	}
	if h.PayloadSize > maxPayload {
		return Header{}, fmt.Errorf("%w: payload_size %d > %d", ErrPayloadTooLarge, h.PayloadSize, maxPayload)
	}
	return h, nil
}
