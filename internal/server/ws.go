package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mitander/lockframe/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  readBufferLength,
	WriteBufferSize: readBufferLength,
}

// wsLink adapts a websocket connection to the frame stream contract.
// Each binary message carries exactly one frame; the message boundary
// replaces the stream framing the TCP path relies on.
type wsLink struct {
	c *websocket.Conn
}

func (l *wsLink) ReadFrame(maxPayload uint32) (wire.Frame, error) {
	msgType, data, err := l.c.ReadMessage()
	if err != nil {
		return wire.Frame{}, err
	}
	if msgType != websocket.BinaryMessage {
		return wire.Frame{}, fmt.Errorf("%w: non-binary websocket message", wire.ErrMalformed)
	}
	return wire.Decode(data, maxPayload)
}

func (l *wsLink) WriteFrame(f wire.Frame, maxPayload uint32) error {
	buf, err := f.Encode(maxPayload)
	if err != nil {
		return err
	}
	if err := l.c.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return l.c.WriteMessage(websocket.BinaryMessage, buf)
}

func (l *wsLink) Close() error {
	return l.c.Close()
}

func (l *wsLink) RemoteAddr() string {
	return l.c.RemoteAddr().String()
}

// handleWS upgrades the request and serves the same protocol the TCP
// listener speaks. The handler blocks for the connection's lifetime; the
// request context dies when the handler returns, so the session runs
// under the host's context instead.
//
// The readiness check doubles as the WaitGroup guard: Shutdown flips ready
// before waiting, so no upgrade can add to the group once the wait starts.
func (h *Host) handleWS(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.wg.Add(1)
	defer h.wg.Done()
	h.serveLink(h.baseCtx, &wsLink{c: ws})
}
