package logstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Memory is the in-process log used by tests and single-node deployments
// that accept losing history on restart.
type Memory struct {
	mu   sync.RWMutex
	logs map[uuid.UUID][]Entry
}

// NewMemory creates an empty in-memory log.
func NewMemory() *Memory {
	return &Memory{logs: make(map[uuid.UUID][]Entry)}
}

func (m *Memory) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.logs[e.RoomID]
	if e.Index != uint64(len(log)) {
		return fmt.Errorf("%w: room %s index %d, length %d", ErrGap, e.RoomID, e.Index, len(log))
	}
	e.Frame = append([]byte(nil), e.Frame...)
	m.logs[e.RoomID] = append(log, e)
	return nil
}

func (m *Memory) Read(ctx context.Context, room uuid.UUID, from uint64, limit uint32) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.logs[room]
	length := uint64(len(log))
	if from > length {
		return nil, fmt.Errorf("%w: room %s from %d, length %d", ErrOutOfRange, room, from, length)
	}
	n := clampLimit(length, from, limit)
	out := make([]Entry, 0, n)
	for _, e := range log[from : from+n] {
		e.Frame = append([]byte(nil), e.Frame...)
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) Len(ctx context.Context, room uuid.UUID) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.logs[room])), nil
}

func (m *Memory) Rooms(ctx context.Context) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]uuid.UUID, 0, len(m.logs))
	for room, log := range m.logs {
		if len(log) > 0 {
			out = append(out, room)
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
