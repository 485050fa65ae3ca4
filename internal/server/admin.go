package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mitander/lockframe/internal/room"
)

type roomSummary struct {
	ID        string   `json:"id"`
	Epoch     uint64   `json:"epoch"`
	Members   []uint64 `json:"members"`
	NextIndex uint64   `json:"next_index"`
	Pending   bool     `json:"pending_commit"`
	Failed    bool     `json:"failed"`
	Banned    []uint64 `json:"banned,omitempty"`
}

type moderationRequest struct {
	Target uint64 `json:"target"`
}

func (h *Host) startAdminServer(reg *prometheus.Registry) {
	if h.cfg.Admin.Address == "" {
		return
	}

	h.adminHTTP = &http.Server{
		Addr:              h.cfg.Admin.Address,
		Handler:           h.adminRouter(reg),
		ReadHeaderTimeout: h.cfg.Admin.ReadHeaderTimeout,
	}

	go func() {
		if err := h.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	h.log.Info("admin server listening", zap.String("address", h.cfg.Admin.Address))
}

func (h *Host) adminRouter(reg *prometheus.Registry) chi.Router {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if h.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})
	r.Get("/ws", h.handleWS)

	r.Route("/rooms", func(r chi.Router) {
		r.Get("/", h.handleListRooms)
		r.Get("/{roomID}", h.handleGetRoom)
		r.Post("/{roomID}/kick", h.handleKick)
		r.Post("/{roomID}/ban", h.handleBan)
		r.Post("/{roomID}/unban", h.handleUnban)
	})
	return r
}

func (h *Host) handleListRooms(w http.ResponseWriter, _ *http.Request) {
	rooms := h.driver.Rooms().Rooms()
	out := make([]roomSummary, 0, len(rooms))
	for _, id := range rooms {
		info, err := h.driver.Rooms().Snapshot(id)
		if err != nil {
			continue
		}
		out = append(out, summarize(info, nil))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Host) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	roomID, ok := parseRoomID(w, r)
	if !ok {
		return
	}
	info, err := h.driver.Rooms().Snapshot(roomID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "room not found"})
		return
	}
	writeJSON(w, http.StatusOK, summarize(info, h.bans.BannedIn(roomID)))
}

// handleKick forges a hub-signed removal without touching the ban ledger;
// the identity may rejoin.
func (h *Host) handleKick(w http.ResponseWriter, r *http.Request) {
	roomID, ok := parseRoomID(w, r)
	if !ok {
		return
	}
	req, ok := parseModeration(w, r)
	if !ok {
		return
	}

	actions, err := h.driver.Kick(r.Context(), roomID, req.Target)
	if err != nil {
		writeModerationError(w, err)
		return
	}
	h.apply(actions)
	writeJSON(w, http.StatusOK, map[string]any{"removed": req.Target})
}

// handleBan records the exclusion first, then removes the identity if it
// is currently a member. The order matters: once the ledger holds the
// identity, a racing rejoin is refused even if the removal below finds
// the member already gone.
func (h *Host) handleBan(w http.ResponseWriter, r *http.Request) {
	roomID, ok := parseRoomID(w, r)
	if !ok {
		return
	}
	req, ok := parseModeration(w, r)
	if !ok {
		return
	}

	if err := h.bans.Ban(r.Context(), roomID, req.Target); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	removed := true
	actions, err := h.driver.Kick(r.Context(), roomID, req.Target)
	switch {
	case err == nil:
		h.apply(actions)
	case errors.Is(err, room.ErrNotFound), errors.Is(err, room.ErrCommitRejected):
		removed = false
	default:
		writeModerationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"banned": req.Target, "removed": removed})
}

func (h *Host) handleUnban(w http.ResponseWriter, r *http.Request) {
	roomID, ok := parseRoomID(w, r)
	if !ok {
		return
	}
	req, ok := parseModeration(w, r)
	if !ok {
		return
	}
	if err := h.bans.Unban(r.Context(), roomID, req.Target); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unbanned": req.Target})
}

func summarize(info room.Info, banned []uint64) roomSummary {
	return roomSummary{
		ID:        info.ID.String(),
		Epoch:     info.Epoch,
		Members:   info.Members,
		NextIndex: info.NextIndex,
		Pending:   info.Pending,
		Failed:    info.Failed,
		Banned:    banned,
	}
}

func parseRoomID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "roomID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid room id"})
		return uuid.Nil, false
	}
	return id, true
}

func parseModeration(w http.ResponseWriter, r *http.Request) (moderationRequest, bool) {
	var req moderationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "target identity required"})
		return moderationRequest{}, false
	}
	return req, true
}

func writeModerationError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, room.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, room.ErrCommitRejected), errors.Is(err, room.ErrBusy):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
