package wire

import "errors"

// Codec errors. Truncated input and oversized payloads are distinguished
// from structurally invalid bytes so callers can decide whether to wait
// for more data or drop the connection.
var (
	ErrTruncated       = errors.New("wire: truncated frame")
	ErrPayloadTooLarge = errors.New("wire: payload exceeds limit")
	ErrMalformed       = errors.New("wire: malformed frame")
)

// Protocol error codes carried in Error payloads.
const (
	CodeNotMember        uint16 = 0x0001
	CodeEpochMismatch    uint16 = 0x0002
	CodeCommitRejected   uint16 = 0x0003
	CodeBusy             uint16 = 0x0004
	CodeOrderingOverflow uint16 = 0x0005
	CodeInvalidRange     uint16 = 0x0006
	CodeSessionNotFound  uint16 = 0x0007
	CodeInvalidPayload   uint16 = 0x0008
	CodeNotAuthenticated uint16 = 0x0009
	CodeInternal         uint16 = 0x00FF
)
