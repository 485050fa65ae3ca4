package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mitander/lockframe/internal/hub"
	"github.com/mitander/lockframe/internal/session"
	"github.com/mitander/lockframe/internal/wire"
)

const (
	sendBufferSize   = 32
	writeTimeout     = 10 * time.Second
	readBufferLength = 32 * 1024
)

var errBackpressure = errors.New("session send buffer full")

// link is one ordered frame stream. The TCP listener and the websocket
// endpoint both speak the same protocol through it.
type link interface {
	ReadFrame(maxPayload uint32) (wire.Frame, error)
	WriteFrame(f wire.Frame, maxPayload uint32) error
	Close() error
	RemoteAddr() string
}

// tcpLink frames the wire protocol directly over a byte stream.
type tcpLink struct {
	c  net.Conn
	br *bufio.Reader
}

func newTCPLink(c net.Conn) *tcpLink {
	return &tcpLink{c: c, br: bufio.NewReaderSize(c, readBufferLength)}
}

func (l *tcpLink) ReadFrame(maxPayload uint32) (wire.Frame, error) {
	return wire.ReadFrame(l.br, maxPayload)
}

func (l *tcpLink) WriteFrame(f wire.Frame, maxPayload uint32) error {
	buf, err := f.Encode(maxPayload)
	if err != nil {
		return err
	}
	if err := l.c.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err = l.c.Write(buf)
	return err
}

func (l *tcpLink) Close() error {
	return l.c.Close()
}

func (l *tcpLink) RemoteAddr() string {
	return l.c.RemoteAddr().String()
}

// conn couples one session id to its link. Frames are written only by the
// sender goroutine; everyone else goes through the bounded send channel, so
// a slow reader backs up into pushFrame instead of blocking dispatch.
type conn struct {
	id     session.ID
	link   link
	sendCh chan wire.Frame
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	reasonMu  sync.Mutex
	reason    string
}

func newConn(parent context.Context, id session.ID, l link) *conn {
	ctx, cancel := context.WithCancel(parent)
	return &conn{
		id:     id,
		link:   l,
		sendCh: make(chan wire.Frame, sendBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// shutdown begins teardown once; the first caller's reason wins and is
// what gets logged on exit. The link itself is closed by the sender after
// it flushes pending frames, so a fatal reject still delivers its error
// frame before the connection drops.
func (c *conn) shutdown(reason string) {
	c.closeOnce.Do(func() {
		c.reasonMu.Lock()
		c.reason = reason
		c.reasonMu.Unlock()
		c.cancel()
	})
}

func (c *conn) closeReason(fallback string) string {
	c.reasonMu.Lock()
	defer c.reasonMu.Unlock()
	if c.reason == "" {
		return fallback
	}
	return c.reason
}

// pushFrame enqueues a frame without blocking. A full buffer means the
// client stopped draining; the session is fatally congested.
func (c *conn) pushFrame(f wire.Frame) error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	case c.sendCh <- f:
		return nil
	default:
		return errBackpressure
	}
}

// sender is the single writer for the connection and owns the link's
// lifetime: closing the link here unblocks the read loop on teardown.
func (h *Host) sender(c *conn) {
	defer func() { _ = c.link.Close() }()
	for {
		select {
		case <-c.ctx.Done():
			c.flush(h.cfg.MaxFrameSize)
			return
		case f := <-c.sendCh:
			if err := c.link.WriteFrame(f, h.cfg.MaxFrameSize); err != nil {
				h.log.Warn("frame write failed",
					zap.Uint64("session_id", uint64(c.id)),
					zap.Error(err))
				c.shutdown("write failed")
				return
			}
		}
	}
}

// flush drains frames enqueued before the shutdown, best effort.
func (c *conn) flush(maxPayload uint32) {
	for {
		select {
		case f := <-c.sendCh:
			if err := c.link.WriteFrame(f, maxPayload); err != nil {
				return
			}
		default:
			return
		}
	}
}

// apply executes the driver's actions in order.
func (h *Host) apply(actions []hub.Action) {
	for _, a := range actions {
		switch act := a.(type) {
		case hub.SendFrame:
			h.deliver(act.Session, act.Frame)
		case hub.BroadcastFrame:
			for _, sid := range h.driver.Sessions().RoomSessions(act.Room) {
				if sid == act.Exclude && act.Exclude != 0 {
					continue
				}
				h.deliver(sid, act.Frame)
			}
		case hub.Disconnect:
			h.closeSession(act.Session, act.Reason)
		case hub.PersistLogEntry:
			h.metrics.recordLogEntry()
			h.log.Debug("log entry sequenced",
				zap.String("room_id", act.Entry.RoomID.String()),
				zap.Uint64("index", act.Entry.Index),
				zap.Uint64("epoch", act.Entry.Epoch))
		}
	}
}

func (h *Host) deliver(id session.ID, f wire.Frame) {
	h.mu.Lock()
	c := h.conns[id]
	h.mu.Unlock()
	if c == nil {
		return
	}
	if err := c.pushFrame(f); err != nil {
		if errors.Is(err, errBackpressure) {
			h.metrics.recordBackpressure()
			h.closeSession(id, "send buffer full")
		}
	}
}

func (h *Host) closeSession(id session.ID, reason string) {
	h.mu.Lock()
	c := h.conns[id]
	h.mu.Unlock()
	if c == nil {
		return
	}
	c.shutdown(reason)
}
