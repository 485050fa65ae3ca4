package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mitander/lockframe/internal/banstore"
	"github.com/mitander/lockframe/internal/config"
	"github.com/mitander/lockframe/internal/groupcap"
	"github.com/mitander/lockframe/internal/hub"
	"github.com/mitander/lockframe/internal/keystore"
	"github.com/mitander/lockframe/internal/logstore"
	"github.com/mitander/lockframe/internal/room"
	"github.com/mitander/lockframe/internal/session"
	"github.com/mitander/lockframe/internal/wire"
)

// memLink is an in-process frame stream for exercising the connection
// machinery without sockets.
type memLink struct {
	in   chan wire.Frame
	out  chan wire.Frame
	done chan struct{}
	once sync.Once
}

func newMemLink() *memLink {
	return &memLink{
		in:   make(chan wire.Frame, 16),
		out:  make(chan wire.Frame, 64),
		done: make(chan struct{}),
	}
}

func (l *memLink) ReadFrame(uint32) (wire.Frame, error) {
	select {
	case f := <-l.in:
		return f, nil
	case <-l.done:
		return wire.Frame{}, io.EOF
	}
}

func (l *memLink) WriteFrame(f wire.Frame, _ uint32) error {
	select {
	case l.out <- f:
		return nil
	case <-l.done:
		return errors.New("link closed")
	}
}

func (l *memLink) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *memLink) RemoteAddr() string { return "mem" }

func waitFrame(t *testing.T, l *memLink) wire.Frame {
	t.Helper()
	select {
	case f := <-l.out:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return wire.Frame{}
	}
}

func newTestHost(t *testing.T) *Host {
	t.Helper()
	log := zaptest.NewLogger(t)

	ks := keystore.NewFileBackend(t.TempDir() + "/keystore.json")
	require.NoError(t, ks.Initialize(context.Background(), "test-passphrase"))
	bans, err := banstore.Open(context.Background(), ks)
	require.NoError(t, err)

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	store := logstore.NewMemory()
	rooms := room.NewManager(log, groupcap.NewSuite(priv), bans, store)
	driver := hub.New(log, hub.Config{MaxFrameSize: 1 << 16, SyncPageLimit: 10},
		session.NewInMemory(0), rooms, store)

	cfg := config.Config{MaxFrameSize: 1 << 16, SyncPageLimit: 10}
	h := NewHost(cfg, log, driver, bans)
	h.baseCtx = context.Background()
	return h
}

func helloFrame(identity uint64) wire.Frame {
	p := wire.Hello{ProtocolVersion: uint16(wire.Version)}
	f := wire.NewFrame(wire.OpHello, p.Encode())
	f.Header.SenderID = identity
	return f
}

func joinFrame(t *testing.T, roomID uuid.UUID, identity, epoch uint64) wire.Frame {
	t.Helper()
	signer, err := groupcap.NewSigner(identity)
	require.NoError(t, err)
	f := wire.NewFrame(wire.OpJoin, signer.JoinBlob(roomID, epoch))
	f.Header.RoomID = roomID
	f.Header.SenderID = identity
	f.Header.Epoch = epoch
	return f
}

func msgFrame(roomID uuid.UUID, sender, epoch uint64, body string) wire.Frame {
	f := wire.NewFrame(wire.OpMessage, []byte(body))
	f.Header.RoomID = roomID
	f.Header.SenderID = sender
	f.Header.Epoch = epoch
	return f
}

// startSession runs serveLink for a memLink and completes the handshake.
func startSession(t *testing.T, h *Host, identity uint64) *memLink {
	t.Helper()
	l := newMemLink()
	go h.serveLink(context.Background(), l)
	t.Cleanup(func() { _ = l.Close() })

	l.in <- helloFrame(identity)
	reply := waitFrame(t, l)
	require.Equal(t, wire.OpHelloReply, reply.Header.Opcode)
	return l
}

func TestServeLinkHandshakeJoinAndMessage(t *testing.T) {
	h := newTestHost(t)
	roomID := uuid.New()
	l := startSession(t, h, 42)

	l.in <- joinFrame(t, roomID, 42, 0)
	echo := waitFrame(t, l)
	require.Equal(t, wire.OpJoin, echo.Header.Opcode)
	require.Equal(t, uint64(0), echo.Header.ContextID)
	require.Equal(t, uint64(0), echo.Header.Epoch)

	l.in <- msgFrame(roomID, 42, 1, "hello room")
	seq := waitFrame(t, l)
	require.Equal(t, wire.OpMessage, seq.Header.Opcode)
	require.Equal(t, uint64(1), seq.Header.ContextID)
	require.Equal(t, []byte("hello room"), seq.Payload)
}

func TestBroadcastReachesEveryMember(t *testing.T) {
	h := newTestHost(t)
	roomID := uuid.New()

	la := startSession(t, h, 1)
	lb := startSession(t, h, 2)

	la.in <- joinFrame(t, roomID, 1, 0)
	require.Equal(t, wire.OpJoin, waitFrame(t, la).Header.Opcode)

	lb.in <- joinFrame(t, roomID, 2, 1)
	// Both members see the second join.
	require.Equal(t, wire.OpJoin, waitFrame(t, la).Header.Opcode)
	require.Equal(t, wire.OpJoin, waitFrame(t, lb).Header.Opcode)

	la.in <- msgFrame(roomID, 1, 2, "fan out")
	for _, l := range []*memLink{la, lb} {
		f := waitFrame(t, l)
		require.Equal(t, wire.OpMessage, f.Header.Opcode)
		require.Equal(t, []byte("fan out"), f.Payload)
	}
}

func TestRejectedFrameClosesLink(t *testing.T) {
	h := newTestHost(t)
	l := startSession(t, h, 7)

	// A second hello is a fatal protocol error; the error frame arrives
	// and then the link dies.
	l.in <- helloFrame(7)
	ef := waitFrame(t, l)
	require.Equal(t, wire.OpError, ef.Header.Opcode)

	select {
	case <-l.done:
	case <-time.After(2 * time.Second):
		t.Fatal("link was not closed after fatal reject")
	}
}

func TestBackpressureDisconnects(t *testing.T) {
	h := newTestHost(t)
	l := newMemLink()
	c := newConn(context.Background(), 9, l)
	h.mu.Lock()
	h.conns[9] = c
	h.mu.Unlock()

	// No sender goroutine is draining, so the buffer fills and the
	// overflowing frame kills the session.
	f := wire.NewFrame(wire.OpPong, nil)
	for i := 0; i < sendBufferSize; i++ {
		h.deliver(9, f)
	}
	select {
	case <-c.ctx.Done():
		t.Fatal("session closed before the buffer overflowed")
	default:
	}

	h.deliver(9, f)
	select {
	case <-c.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("session not closed on overflow")
	}
	require.Equal(t, "send buffer full", c.closeReason(""))
}

func TestAdminRoomListingAndModeration(t *testing.T) {
	h := newTestHost(t)
	roomID := uuid.New()
	l := startSession(t, h, 42)
	l.in <- joinFrame(t, roomID, 42, 0)
	require.Equal(t, wire.OpJoin, waitFrame(t, l).Header.Opcode)

	srv := httptest.NewServer(h.adminRouter(prometheus.NewRegistry()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/rooms")
	require.NoError(t, err)
	var listing []roomSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	resp.Body.Close()
	require.Len(t, listing, 1)
	require.Equal(t, roomID.String(), listing[0].ID)
	require.Equal(t, []uint64{42}, listing[0].Members)

	// Ban removes the member and records the exclusion.
	body := bytes.NewBufferString(`{"target":42}`)
	resp, err = http.Post(srv.URL+"/rooms/"+roomID.String()+"/ban", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The removed member receives the forged commit as its final frame.
	commit := waitFrame(t, l)
	require.Equal(t, wire.OpCommit, commit.Header.Opcode)
	require.Equal(t, groupcap.HubSignerID, commit.Header.SenderID)

	require.True(t, h.bans.IsBanned(roomID, 42))
	info, err := h.driver.Rooms().Snapshot(roomID)
	require.NoError(t, err)
	require.Empty(t, info.Members)

	resp, err = http.Get(srv.URL + "/rooms/" + roomID.String())
	require.NoError(t, err)
	var summary roomSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	resp.Body.Close()
	require.Equal(t, []uint64{42}, summary.Banned)

	// Unban clears the ledger entry.
	body = bytes.NewBufferString(`{"target":42}`)
	resp, err = http.Post(srv.URL+"/rooms/"+roomID.String()+"/unban", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.False(t, h.bans.IsBanned(roomID, 42))
}

func TestAdminKickUnknownRoom(t *testing.T) {
	h := newTestHost(t)
	srv := httptest.NewServer(h.adminRouter(prometheus.NewRegistry()))
	defer srv.Close()

	body := bytes.NewBufferString(`{"target":42}`)
	resp, err := http.Post(srv.URL+"/rooms/"+uuid.NewString()+"/kick", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminRejectsBadInput(t *testing.T) {
	h := newTestHost(t)
	srv := httptest.NewServer(h.adminRouter(prometheus.NewRegistry()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/rooms/not-a-uuid")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := bytes.NewBufferString(`{"target":0}`)
	resp, err = http.Post(srv.URL+"/rooms/"+uuid.NewString()+"/kick", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReadyzTracksState(t *testing.T) {
	h := newTestHost(t)
	srv := httptest.NewServer(h.adminRouter(prometheus.NewRegistry()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	h.ready.Store(true)
	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestShutdownClosesConnections(t *testing.T) {
	h := newTestHost(t)
	l := startSession(t, h, 42)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.Shutdown(ctx)

	select {
	case <-l.done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed on shutdown")
	}
	require.Eventually(t, func() bool {
		return h.driver.Sessions().Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTCPLinkEncodesFrames(t *testing.T) {
	client, server := pipePair(t)

	want := wire.NewFrame(wire.OpMessage, []byte("over the wire"))
	want.Header.RoomID = uuid.New()
	want.Header.SenderID = 42
	want.Header.Epoch = 3

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.WriteFrame(want, 1<<16)
	}()

	got, err := server.ReadFrame(1 << 16)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	require.Equal(t, want.Header.Opcode, got.Header.Opcode)
	require.Equal(t, want.Header.RoomID, got.Header.RoomID)
	require.Equal(t, want.Payload, got.Payload)
}

func pipePair(t *testing.T) (*tcpLink, *tcpLink) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return newTCPLink(a), newTCPLink(b)
}

func TestHostServesWebsocketTransport(t *testing.T) {
	h := newTestHost(t)
	h.ready.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(h.handleWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	hello := helloFrame(42)
	buf, err := hello.Encode(0)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, buf))

	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	reply, err := wire.Decode(data, 0)
	require.NoError(t, err)
	require.Equal(t, wire.OpHelloReply, reply.Header.Opcode)

	roomID := uuid.New()
	join := joinFrame(t, roomID, 42, 0)
	buf, err = join.Encode(0)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, buf))

	_, data, err = ws.ReadMessage()
	require.NoError(t, err)
	echo, err := wire.Decode(data, 0)
	require.NoError(t, err)
	require.Equal(t, wire.OpJoin, echo.Header.Opcode)
	require.True(t, h.driver.Rooms().IsMember(roomID, 42))
}

func TestWebsocketRefusedWhileNotReady(t *testing.T) {
	h := newTestHost(t)
	srv := httptest.NewServer(http.HandlerFunc(h.handleWS))
	defer srv.Close()

	// The host never went ready, as during startup or shutdown. The
	// upgrade must be refused before the connection WaitGroup is touched.
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.Nil(t, ws)
	require.NotNil(t, resp)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestObserveCountsRejects(t *testing.T) {
	h := newTestHost(t)
	reg := prometheus.NewRegistry()
	h.metrics = newHubMetrics(reg, nil)

	h.observe(wire.OpMessage, time.Now(), nil)
	h.observe(wire.OpCommit, time.Now(), &hub.Reject{Code: wire.CodeBusy, Msg: "busy"})
	h.observe(wire.OpMessage, time.Now(), errors.New("plain failure"))

	fams, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(fams))
	for _, f := range fams {
		names[f.GetName()] = true
	}
	require.True(t, names["lockframe_frame_errors_total"])
	require.True(t, names["lockframe_frame_latency_seconds"])
}
