package wire

import "fmt"

// Opcode identifies the payload type carried by a frame.
type Opcode uint16

const (
	OpHello        Opcode = 0x0001
	OpHelloReply   Opcode = 0x0002
	OpGoodbye      Opcode = 0x0003
	OpPing         Opcode = 0x0004
	OpPong         Opcode = 0x0005
	OpSyncRequest  Opcode = 0x0006
	OpSyncResponse Opcode = 0x0007
	OpJoin         Opcode = 0x0010
	OpCommit       Opcode = 0x0011
	OpMessage      Opcode = 0x0020
	OpError        Opcode = 0x00FF
)

// Valid reports whether the opcode is one the protocol defines.
// Unknown opcodes are rejected at decode time rather than passed through.
func (op Opcode) Valid() bool {
	switch op {
	case OpHello, OpHelloReply, OpGoodbye, OpPing, OpPong,
		OpSyncRequest, OpSyncResponse, OpJoin, OpCommit, OpMessage, OpError:
		return true
	default:
		return false
	}
}

func (op Opcode) String() string {
	switch op {
	case OpHello:
		return "hello"
	case OpHelloReply:
		return "hello_reply"
	case OpGoodbye:
		return "goodbye"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	case OpSyncRequest:
		return "sync_request"
	case OpSyncResponse:
		return "sync_response"
	case OpJoin:
		return "join"
	case OpCommit:
		return "commit"
	case OpMessage:
		return "message"
	case OpError:
		return "error"
	default:
		return fmt.Sprintf("opcode(0x%04x)", uint16(op))
	}
}
