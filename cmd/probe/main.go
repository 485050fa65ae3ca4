// Command probe is a minimal wire-protocol client for poking a running
// hub: it completes the hello handshake, joins a room with a fresh
// signing identity, and then either sends messages, pulls history, or
// sits and prints what the room broadcasts.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/mitander/lockframe/internal/groupcap"
	"github.com/mitander/lockframe/internal/wire"
)

type probeConfig struct {
	hubAddr  string
	roomID   uuid.UUID
	identity uint64
	role     string
	payload  []byte
	count    int
	from     uint64
	limit    uint
	epoch    uint64
	timeout  time.Duration
}

func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("probe failed: %v", err)
	}
	log.Printf("probe role %s completed for room %s", cfg.role, cfg.roomID)
}

func parseConfig() probeConfig {
	var cfg probeConfig
	var roomRaw string
	var payload string
	flag.StringVar(&cfg.hubAddr, "hub", "127.0.0.1:7400", "TCP address of the hub")
	flag.StringVar(&roomRaw, "room", "8dbf42f1-6b67-4a3c-9f4e-2f53a1d0c001", "Room id to operate on")
	flag.Uint64Var(&cfg.identity, "identity", 0, "Member identity (0 picks one from the clock)")
	flag.StringVar(&cfg.role, "role", "listen", "Role for this probe (join|send|sync|listen)")
	flag.StringVar(&payload, "payload", "probe-payload", "Message payload to relay")
	flag.IntVar(&cfg.count, "count", 1, "Messages to send in the send role")
	flag.Uint64Var(&cfg.from, "from", 0, "Sync start index")
	flag.UintVar(&cfg.limit, "limit", 0, "Sync page limit (0 lets the hub choose)")
	flag.Uint64Var(&cfg.epoch, "epoch", 0, "Room epoch the join is proposed against")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "Overall timeout for the probe")
	flag.Parse()

	switch cfg.role {
	case "join", "send", "sync", "listen":
	default:
		log.Fatalf("unsupported role %s (expected join, send, sync or listen)", cfg.role)
	}

	room, err := uuid.Parse(roomRaw)
	if err != nil {
		log.Fatalf("invalid room id %q: %v", roomRaw, err)
	}
	cfg.roomID = room

	if cfg.identity == 0 {
		cfg.identity = uint64(time.Now().UnixNano())
	}
	cfg.payload = []byte(payload)
	return cfg
}

func run(cfg probeConfig) error {
	conn, err := net.DialTimeout("tcp", cfg.hubAddr, cfg.timeout)
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(cfg.timeout)
	_ = conn.SetDeadline(deadline)

	p := &probe{cfg: cfg, conn: conn, nextRequest: 1}
	if err := p.hello(); err != nil {
		return err
	}
	if err := p.join(); err != nil {
		return err
	}

	switch cfg.role {
	case "join":
		return nil
	case "send":
		return p.send()
	case "sync":
		return p.sync()
	default:
		return p.listen(deadline)
	}
}

type probe struct {
	cfg         probeConfig
	conn        net.Conn
	signer      groupcap.Signer
	nextRequest uint32
	maxFrame    uint32
}

// hello completes the handshake and records the negotiated frame limit.
func (p *probe) hello() error {
	hello := wire.Hello{ProtocolVersion: uint16(wire.Version)}
	f := wire.NewFrame(wire.OpHello, hello.Encode())
	f.Header.SenderID = p.cfg.identity
	if err := p.write(f); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	rf, err := p.read()
	if err != nil {
		return fmt.Errorf("recv hello reply: %w", err)
	}
	if rf.Header.Opcode == wire.OpError {
		return errorFrame(rf)
	}
	if rf.Header.Opcode != wire.OpHelloReply {
		return fmt.Errorf("expected hello reply, got %s", rf.Header.Opcode)
	}
	var reply wire.HelloReply
	if err := reply.Decode(rf.Payload); err != nil {
		return fmt.Errorf("decode hello reply: %w", err)
	}
	p.maxFrame = reply.MaxFrameSize
	log.Printf("authenticated as identity %d, session %d", p.cfg.identity, reply.SessionID)
	return nil
}

// join proposes membership with a fresh signing key and waits for the
// sequenced join to come back on the broadcast path.
func (p *probe) join() error {
	signer, err := groupcap.NewSigner(p.cfg.identity)
	if err != nil {
		return err
	}
	p.signer = signer

	f := wire.NewFrame(wire.OpJoin, signer.JoinBlob(p.cfg.roomID, p.cfg.epoch))
	f.Header.RoomID = p.cfg.roomID
	f.Header.SenderID = p.cfg.identity
	f.Header.Epoch = p.cfg.epoch
	if err := p.write(f); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	for {
		rf, err := p.read()
		if err != nil {
			return fmt.Errorf("recv join echo: %w", err)
		}
		switch rf.Header.Opcode {
		case wire.OpError:
			return errorFrame(rf)
		case wire.OpJoin:
			if rf.Header.SenderID == p.cfg.identity {
				log.Printf("joined room %s at index %d, epoch %d",
					p.cfg.roomID, rf.Header.ContextID, rf.Header.Epoch)
				return nil
			}
		}
	}
}

func (p *probe) send() error {
	epoch := p.cfg.epoch + 1
	for i := 0; i < p.cfg.count; i++ {
		f := wire.NewFrame(wire.OpMessage, p.cfg.payload)
		f.Header.RoomID = p.cfg.roomID
		f.Header.SenderID = p.cfg.identity
		f.Header.Epoch = epoch
		if err := p.write(f); err != nil {
			return fmt.Errorf("send message %d: %w", i, err)
		}
	}

	// Every accepted message comes back sequenced on the broadcast path.
	for acked := 0; acked < p.cfg.count; {
		rf, err := p.read()
		if err != nil {
			return fmt.Errorf("recv message echo: %w", err)
		}
		switch rf.Header.Opcode {
		case wire.OpError:
			return errorFrame(rf)
		case wire.OpMessage:
			if rf.Header.SenderID == p.cfg.identity {
				log.Printf("message sequenced at index %d", rf.Header.ContextID)
				acked++
			}
		}
	}
	return nil
}

func (p *probe) sync() error {
	req := wire.SyncRequest{FromIndex: p.cfg.from, Limit: uint32(p.cfg.limit)}
	f := wire.NewFrame(wire.OpSyncRequest, req.Encode())
	f.Header.RoomID = p.cfg.roomID
	f.Header.SenderID = p.cfg.identity
	f.Header.RequestID = p.nextRequest
	p.nextRequest++
	if err := p.write(f); err != nil {
		return fmt.Errorf("send sync request: %w", err)
	}

	for {
		rf, err := p.read()
		if err != nil {
			return fmt.Errorf("recv sync response: %w", err)
		}
		switch rf.Header.Opcode {
		case wire.OpError:
			return errorFrame(rf)
		case wire.OpSyncResponse:
			var resp wire.SyncResponse
			if err := resp.Decode(rf.Payload); err != nil {
				return fmt.Errorf("decode sync response: %w", err)
			}
			for _, e := range resp.Entries {
				inner, err := wire.Decode(e.Frame, 0)
				if err != nil {
					return fmt.Errorf("decode entry %d: %w", e.Index, err)
				}
				log.Printf("entry %d epoch %d op %s sender %d payload %d bytes",
					e.Index, e.Epoch, inner.Header.Opcode, inner.Header.SenderID, len(inner.Payload))
			}
			log.Printf("sync page done, complete=%v", resp.Complete)
			return nil
		}
	}
}

func (p *probe) listen(deadline time.Time) error {
	log.Printf("listening on room %s until %s", p.cfg.roomID, deadline.Format(time.RFC3339))
	for {
		rf, err := p.read()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil
			}
			return fmt.Errorf("recv broadcast: %w", err)
		}
		switch rf.Header.Opcode {
		case wire.OpError:
			return errorFrame(rf)
		default:
			log.Printf("frame op %s index %d epoch %d sender %d payload %d bytes",
				rf.Header.Opcode, rf.Header.ContextID, rf.Header.Epoch,
				rf.Header.SenderID, len(rf.Payload))
		}
	}
}

func (p *probe) write(f wire.Frame) error {
	buf, err := f.Encode(p.maxFrame)
	if err != nil {
		return err
	}
	_, err = p.conn.Write(buf)
	return err
}

func (p *probe) read() (wire.Frame, error) {
	return wire.ReadFrame(p.conn, p.maxFrame)
}

func errorFrame(f wire.Frame) error {
	var info wire.ErrorInfo
	if err := info.Decode(f.Payload); err != nil {
		return fmt.Errorf("error frame with undecodable payload: %w", err)
	}
	return fmt.Errorf("error frame: code 0x%04x %s", info.Code, info.Message)
}
