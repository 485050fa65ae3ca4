package wire

import (
	"fmt"
	"io"
)

// Frame is a header plus its payload bytes. The payload is opaque to the
// codec; typed payloads are encoded and decoded separately.
type Frame struct {
	Header  Header
	Payload []byte
}

// NewFrame builds a frame for op and stamps the payload size.
func NewFrame(op Opcode, payload []byte) Frame {
	f := Frame{Payload: payload}
	f.Header.Opcode = op
	f.Header.PayloadSize = uint32(len(payload))
	return f
}

// Encode serializes the frame. PayloadSize is recomputed from the actual
// payload so the two can never disagree on the wire. maxPayload of zero
// means DefaultMaxPayload.
func (f *Frame) Encode(maxPayload uint32) ([]byte, error) {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	if uint64(len(f.Payload)) > uint64(maxPayload) {
		return nil, fmt.Errorf("%w: payload %d > %d", ErrPayloadTooLarge, len(f.Payload), maxPayload)
	}
	f.Header.PayloadSize = uint32(len(f.Payload))
	buf := make([]byte, 0, HeaderSize+len(f.Payload))
	buf = append(buf, f.Header.Encode()...)
	buf = append(buf, f.Payload...)
	return buf, nil
}

// Decode parses a single frame from buf, which must contain the complete
// frame. Trailing bytes after the payload are rejected as malformed; stream
// transports should use ReadFrame instead.
func Decode(buf []byte, maxPayload uint32) (Frame, error) {
	h, err := DecodeHeader(buf, maxPayload)
	if err != nil {
		return Frame{}, err
	}
	total := uint64(HeaderSize) + uint64(h.PayloadSize)
	if uint64(len(buf)) < total {
		return Frame{}, fmt.Errorf("%w: frame needs %d bytes, have %d", ErrTruncated, total, len(buf))
	}
	if uint64(len(buf)) > total {
		return Frame{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, uint64(len(buf))-total)
	}
	f := Frame{Header: h}
	if h.PayloadSize > 0 {
		f.Payload = append([]byte(nil), buf[HeaderSize:total]...)
	}
	return f, nil
}

// ReadFrame reads exactly one frame from an ordered byte stream. io.EOF is
// returned unwrapped when the stream ends cleanly on a frame boundary; a
// stream cut mid-frame yields ErrTruncated.
func ReadFrame(r io.Reader, maxPayload uint32) (Frame, error) {
	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	h, err := DecodeHeader(hdr, maxPayload)
	if err != nil {
		return Frame{}, err
	}
	f := Frame{Header: h}
	if h.PayloadSize > 0 {
		f.Payload = make([]byte, h.PayloadSize)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, fmt.Errorf("%w: payload: %v", ErrTruncated, err)
		}
	}
	return f, nil
}
