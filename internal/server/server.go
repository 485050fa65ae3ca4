// Package server hosts the hub's transports: the TCP listener framing the
// wire protocol over ordered byte streams, the websocket endpoint carrying
// one frame per binary message, and the admin HTTP surface. The driver
// decides; this package only moves frames and enforces liveness.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/mitander/lockframe/internal/banstore"
	"github.com/mitander/lockframe/internal/config"
	"github.com/mitander/lockframe/internal/hub"
	"github.com/mitander/lockframe/internal/session"
	"github.com/mitander/lockframe/internal/wire"
)

// Host accepts connections and bridges them to the protocol driver.
type Host struct {
	cfg    config.Config
	log    *zap.Logger
	driver *hub.Driver
	bans   *banstore.Store

	metrics   *hubMetrics
	listener  net.Listener
	adminHTTP *http.Server
	ready     atomic.Bool
	baseCtx   context.Context

	mu     sync.Mutex
	conns  map[session.ID]*conn
	nextID atomic.Uint64
	wg     sync.WaitGroup
}

// NewHost wires the transport host. The ban store backs the operator ban
// endpoints; the driver owns everything else.
func NewHost(cfg config.Config, logger *zap.Logger, driver *hub.Driver, bans *banstore.Store) *Host {
	return &Host{
		cfg:    cfg,
		log:    logger,
		driver: driver,
		bans:   bans,
		conns:  make(map[session.ID]*conn),
	}
}

// Start boots the listeners and blocks until ctx is canceled and the
// accept loop has drained.
func (h *Host) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", h.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.cfg.ListenAddress, err)
	}
	h.listener = lis
	h.baseCtx = ctx

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	h.metrics = newHubMetrics(reg, func() float64 {
		return float64(len(h.driver.Rooms().Rooms()))
	})
	h.startAdminServer(reg)
	h.startHousekeeping(ctx)

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), h.cfg.ShutdownGracePeriod)
		defer cancel()
		h.Shutdown(stopCtx)
	}()

	h.log.Info("hub listening", zap.String("address", h.cfg.ListenAddress))
	h.ready.Store(true)

	for {
		c, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				h.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.serveLink(ctx, newTCPLink(c))
		}()
	}
}

// serveLink runs one connection to completion: register with the driver,
// start the sender, then pump inbound frames through dispatch.
func (h *Host) serveLink(ctx context.Context, l link) {
	id := session.ID(h.nextID.Add(1))
	c := newConn(ctx, id, l)

	h.mu.Lock()
	h.conns[id] = c
	h.mu.Unlock()
	h.metrics.incSession()

	h.log.Debug("connection accepted",
		zap.Uint64("session_id", uint64(id)),
		zap.String("remote", l.RemoteAddr()))

	h.apply(h.driver.Connect(id))
	go h.sender(c)

	reason := h.readLoop(c)

	c.shutdown(reason)
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()

	h.apply(h.driver.Disconnected(id, c.closeReason(reason)))
	h.metrics.decSession()
}

func (h *Host) readLoop(c *conn) string {
	for {
		f, err := c.link.ReadFrame(h.cfg.MaxFrameSize)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return "client closed"
			case c.ctx.Err() != nil:
				return "server closed"
			case errors.Is(err, wire.ErrPayloadTooLarge),
				errors.Is(err, wire.ErrMalformed),
				errors.Is(err, wire.ErrTruncated):
				return err.Error()
			default:
				return "read failed"
			}
		}

		start := time.Now()
		actions, herr := h.driver.HandleFrame(c.ctx, c.id, f)
		h.apply(actions)
		h.observe(f.Header.Opcode, start, herr)

		select {
		case <-c.ctx.Done():
			return c.closeReason("closed")
		default:
		}
	}
}

func (h *Host) observe(op wire.Opcode, start time.Time, err error) {
	h.metrics.observeLatency(op.String(), time.Since(start))
	if err == nil {
		return
	}
	var rej *hub.Reject
	if errors.As(err, &rej) {
		h.metrics.recordError(rej.Code)
		return
	}
	h.metrics.recordError(wire.CodeInternal)
}

// startHousekeeping sweeps idle sessions. The driver only records
// liveness; disconnecting stale connections is the host's job.
func (h *Host) startHousekeeping(ctx context.Context) {
	idle := h.cfg.Cleanup.SessionIdleTimeout
	interval := h.cfg.Cleanup.SweepInterval
	if idle <= 0 || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-idle)
				for _, id := range h.driver.Sessions().IdleBefore(cutoff) {
					h.metrics.recordIdleEviction()
					h.log.Info("evicting idle session", zap.Uint64("session_id", uint64(id)))
					h.closeSession(id, "idle timeout")
				}
			}
		}
	}()
}

// Shutdown stops the listeners, then closes every live connection.
func (h *Host) Shutdown(ctx context.Context) {
	h.ready.Store(false)

	if h.adminHTTP != nil {
		if err := h.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if h.listener != nil {
		_ = h.listener.Close()
	}

	h.mu.Lock()
	open := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		open = append(open, c)
	}
	h.mu.Unlock()
	for _, c := range open {
		c.shutdown("server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.log.Info("hub stopped")
	case <-ctx.Done():
		h.log.Warn("shutdown grace period elapsed with connections still draining")
	}
}
