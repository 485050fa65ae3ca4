package logstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "log.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestStoreAppendGapless(t *testing.T) {
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			room := uuid.New()

			for i := uint64(0); i < 3; i++ {
				err := store.Append(ctx, Entry{RoomID: room, Index: i, Epoch: 1, Opcode: 0x20, Frame: []byte{byte(i)}})
				if err != nil {
					t.Fatalf("append %d: %v", i, err)
				}
			}

			// Skipping ahead and replaying both violate gaplessness.
			if err := store.Append(ctx, Entry{RoomID: room, Index: 5}); !errors.Is(err, ErrGap) {
				t.Fatalf("expected ErrGap for skip, got %v", err)
			}
			if err := store.Append(ctx, Entry{RoomID: room, Index: 1}); !errors.Is(err, ErrGap) {
				t.Fatalf("expected ErrGap for replay, got %v", err)
			}

			length, err := store.Len(ctx, room)
			if err != nil || length != 3 {
				t.Fatalf("expected length 3, got %d err=%v", length, err)
			}
		})
	}
}

func TestStoreReadClamping(t *testing.T) {
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			room := uuid.New()
			for i := uint64(0); i < 5; i++ {
				if err := store.Append(ctx, Entry{RoomID: room, Index: i, Epoch: 2, Opcode: 0x20, Frame: []byte{byte(i)}}); err != nil {
					t.Fatalf("append %d: %v", i, err)
				}
			}

			entries, err := store.Read(ctx, room, 3, 100)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if len(entries) != 2 || entries[0].Index != 3 || entries[1].Index != 4 {
				t.Fatalf("expected entries [3,4], got %+v", entries)
			}

			// from == length is the empty tail, not an error.
			entries, err = store.Read(ctx, room, 5, 10)
			if err != nil || len(entries) != 0 {
				t.Fatalf("expected empty tail, got %v err=%v", entries, err)
			}

			if _, err := store.Read(ctx, room, 6, 10); !errors.Is(err, ErrOutOfRange) {
				t.Fatalf("expected ErrOutOfRange, got %v", err)
			}

			// Unknown room reads as an empty log.
			other := uuid.New()
			entries, err = store.Read(ctx, other, 0, 10)
			if err != nil || len(entries) != 0 {
				t.Fatalf("expected empty log for unknown room, got %v err=%v", entries, err)
			}
		})
	}
}

func TestStoreRoomsIndependent(t *testing.T) {
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, b := uuid.New(), uuid.New()

			if err := store.Append(ctx, Entry{RoomID: a, Index: 0, Frame: []byte("a0")}); err != nil {
				t.Fatalf("append a0: %v", err)
			}
			if err := store.Append(ctx, Entry{RoomID: b, Index: 0, Frame: []byte("b0")}); err != nil {
				t.Fatalf("append b0: %v", err)
			}
			if err := store.Append(ctx, Entry{RoomID: a, Index: 1, Frame: []byte("a1")}); err != nil {
				t.Fatalf("append a1: %v", err)
			}

			rooms, err := store.Rooms(ctx)
			if err != nil {
				t.Fatalf("rooms: %v", err)
			}
			if len(rooms) != 2 {
				t.Fatalf("expected 2 rooms, got %v", rooms)
			}
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "log.db")
	room := uuid.New()

	store, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := uint64(0); i < 4; i++ {
		if err := store.Append(ctx, Entry{RoomID: room, Index: i, Epoch: 1, Opcode: 0x11, Frame: []byte{byte(i)}}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	length, err := reopened.Len(ctx, room)
	if err != nil || length != 4 {
		t.Fatalf("expected length 4 after reopen, got %d err=%v", length, err)
	}
	// Appends continue from the persisted head.
	if err := reopened.Append(ctx, Entry{RoomID: room, Index: 4, Frame: []byte("next")}); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if err := reopened.Append(ctx, Entry{RoomID: room, Index: 4}); !errors.Is(err, ErrGap) {
		t.Fatalf("expected ErrGap, got %v", err)
	}
}
