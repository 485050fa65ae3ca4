package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Typed payloads for control and sync opcodes. Join, Commit and Message
// payloads stay opaque byte blobs end to end; the hub never inspects them.

// Hello opens a session. The token is an opaque credential forwarded to the
// authenticator; it may be empty.
type Hello struct {
	ProtocolVersion uint16
	Token           []byte
}

// HelloReply acknowledges a Hello with the assigned session and the frame
// size limit the hub will enforce.
type HelloReply struct {
	SessionID    uint64
	MaxFrameSize uint32
}

// MaxString16 is the longest string a u16 length-prefixed field can carry.
// Goodbye reasons and error messages past it are truncated on encode rather
// than failing the frame; both are hub-generated diagnostics.
const MaxString16 = math.MaxUint16

// Goodbye announces an orderly disconnect. Reasons longer than MaxString16
// bytes are truncated on encode.
type Goodbye struct {
	Reason string
}

// SyncRequest asks for log entries in [FromIndex, FromIndex+Limit).
type SyncRequest struct {
	FromIndex uint64
	Limit     uint32
}

// SyncEntry is one replayed log record: the frame bytes exactly as
// originally broadcast, plus its assigned position.
type SyncEntry struct {
	Index uint64
	Epoch uint64
	Frame []byte
}

// SyncResponse carries a page of log entries. Complete is set when the page
// reaches the current log head.
type SyncResponse struct {
	Complete bool
	Entries  []SyncEntry
}

// ErrorInfo reports a rejected frame back to its sender. Messages longer
// than MaxString16 bytes are truncated on encode.
type ErrorInfo struct {
	Code       uint16
	Message    string
	RetryAfter uint32
}

func (p *Hello) Encode() []byte {
	buf := make([]byte, 0, 6+len(p.Token))
	buf = binary.BigEndian.AppendUint16(buf, p.ProtocolVersion)
	buf = appendBytes32(buf, p.Token)
	return buf
}

func (p *Hello) Decode(b []byte) error {
	d := payloadReader{buf: b}
	p.ProtocolVersion = d.uint16()
	p.Token = d.bytes32()
	return d.finish("hello")
}

func (p *HelloReply) Encode() []byte {
	buf := make([]byte, 0, 12)
	buf = binary.BigEndian.AppendUint64(buf, p.SessionID)
	buf = binary.BigEndian.AppendUint32(buf, p.MaxFrameSize)
	return buf
}

func (p *HelloReply) Decode(b []byte) error {
	d := payloadReader{buf: b}
	p.SessionID = d.uint64()
	p.MaxFrameSize = d.uint32()
	return d.finish("hello_reply")
}

func (p *Goodbye) Encode() []byte {
	return appendString16(nil, p.Reason)
}

func (p *Goodbye) Decode(b []byte) error {
	d := payloadReader{buf: b}
	p.Reason = d.string16()
	return d.finish("goodbye")
}

func (p *SyncRequest) Encode() []byte {
	buf := make([]byte, 0, 12)
	buf = binary.BigEndian.AppendUint64(buf, p.FromIndex)
	buf = binary.BigEndian.AppendUint32(buf, p.Limit)
	return buf
}

func (p *SyncRequest) Decode(b []byte) error {
	d := payloadReader{buf: b}
	p.FromIndex = d.uint64()
	p.Limit = d.uint32()
	return d.finish("sync_request")
}

func (p *SyncResponse) Encode() []byte {
	buf := make([]byte, 0, 5+len(p.Entries)*24)
	if p.Complete {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Entries)))
	for _, e := range p.Entries {
		buf = binary.BigEndian.AppendUint64(buf, e.Index)
		buf = binary.BigEndian.AppendUint64(buf, e.Epoch)
		buf = appendBytes32(buf, e.Frame)
	}
	return buf
}

func (p *SyncResponse) Decode(b []byte) error {
	d := payloadReader{buf: b}
	p.Complete = d.uint8() == 1
	count := d.uint32()
	if d.err == nil && uint64(count)*20 > uint64(len(d.buf)-d.off) {
		return fmt.Errorf("%w: sync_response entry count %d exceeds payload", ErrMalformed, count)
	}
	p.Entries = make([]SyncEntry, 0, count)
	for i := uint32(0); i < count && d.err == nil; i++ {
		var e SyncEntry
		e.Index = d.uint64()
		e.Epoch = d.uint64()
		e.Frame = d.bytes32()
		p.Entries = append(p.Entries, e)
	}
	return d.finish("sync_response")
}

func (p *ErrorInfo) Encode() []byte {
	buf := make([]byte, 0, 8+len(p.Message))
	buf = binary.BigEndian.AppendUint16(buf, p.Code)
	buf = appendString16(buf, p.Message)
	buf = binary.BigEndian.AppendUint32(buf, p.RetryAfter)
	return buf
}

func (p *ErrorInfo) Decode(b []byte) error {
	d := payloadReader{buf: b}
	p.Code = d.uint16()
	p.Message = d.string16()
	p.RetryAfter = d.uint32()
	return d.finish("error")
}

// appendString16 writes a u16 length prefix and the string, clamped to
// MaxString16 per the Goodbye and ErrorInfo field contracts.
func appendString16(buf []byte, s string) []byte {
	if len(s) > MaxString16 {
		s = s[:MaxString16]
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendBytes32(buf, b []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// payloadReader is a cursor over payload bytes. The first short read sticks
// in err; subsequent reads return zero values so decoders can stay linear.
type payloadReader struct {
	buf []byte
	off int
	err error
}

func (d *payloadReader) need(n int) bool {
	if d.err != nil {
		return false
	}
	if d.off+n > len(d.buf) {
		d.err = ErrTruncated
		return false
	}
	return true
}

func (d *payloadReader) uint8() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.buf[d.off]
	d.off++
	return v
}

func (d *payloadReader) uint16() uint16 {
	if !d.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v
}

func (d *payloadReader) uint32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *payloadReader) uint64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

func (d *payloadReader) string16() string {
	n := int(d.uint16())
	if !d.need(n) {
		return ""
	}
	v := string(d.buf[d.off : d.off+n])
	d.off += n
	return v
}

func (d *payloadReader) bytes32() []byte {
	n := int(d.uint32())
	if !d.need(n) {
		return nil
	}
	v := append([]byte(nil), d.buf[d.off:d.off+n]...)
	d.off += n
	return v
}

func (d *payloadReader) finish(what string) error {
	if d.err != nil {
		return fmt.Errorf("%w: %s payload", d.err, what)
	}
	if d.off != len(d.buf) {
		return fmt.Errorf("%w: %s payload has %d trailing bytes", ErrMalformed, what, len(d.buf)-d.off)
	}
	return nil
}
