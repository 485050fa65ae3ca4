// Package banstore keeps the per-room ban ledger. Bans survive restarts:
// the ledger is persisted as a sealed keystore secret so identities on it
// stay excluded even after the room state is rebuilt from the log.
package banstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mitander/lockframe/internal/keystore"
)

const ledgerSecretID = "ban_ledger"

type ledgerFile struct {
	Rooms map[string][]uint64 `json:"rooms"`
}

// Store is the in-memory ban ledger backed by the keystore. Reads are
// lock-cheap; mutations persist before returning.
type Store struct {
	mu    sync.RWMutex
	ks    keystore.KeyBackend
	rooms map[uuid.UUID]map[uint64]struct{}
}

// Open loads the ledger from the keystore. A missing ledger secret means a
// fresh hub; it is created on the first ban.
func Open(ctx context.Context, ks keystore.KeyBackend) (*Store, error) {
	if ks == nil {
		return nil, errors.New("keystore is required for the ban ledger")
	}
	s := &Store{ks: ks, rooms: make(map[uuid.UUID]map[uint64]struct{})}

	raw, err := ks.LoadSecret(ctx, ledgerSecretID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("load ban ledger: %w", err)
	}

	var file ledgerFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode ban ledger: %w", err)
	}
	for roomRaw, ids := range file.Rooms {
		room, err := uuid.Parse(roomRaw)
		if err != nil {
			return nil, fmt.Errorf("ban ledger room %q: %w", roomRaw, err)
		}
		set := make(map[uint64]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		s.rooms[room] = set
	}
	return s, nil
}

// Ban adds member to the room's exclusion set and persists the ledger.
// Banning an already banned member is a no-op.
func (s *Store) Ban(ctx context.Context, room uuid.UUID, member uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.rooms[room]
	if set == nil {
		set = make(map[uint64]struct{})
		s.rooms[room] = set
	}
	if _, banned := set[member]; banned {
		return nil
	}
	set[member] = struct{}{}
	if err := s.persistLocked(ctx); err != nil {
		delete(set, member)
		return err
	}
	return nil
}

// Unban removes member from the room's exclusion set and persists.
func (s *Store) Unban(ctx context.Context, room uuid.UUID, member uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.rooms[room]
	if set == nil {
		return nil
	}
	if _, banned := set[member]; !banned {
		return nil
	}
	delete(set, member)
	if err := s.persistLocked(ctx); err != nil {
		set[member] = struct{}{}
		return err
	}
	return nil
}

// IsBanned reports whether member is excluded from room.
func (s *Store) IsBanned(room uuid.UUID, member uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.rooms[room]
	if set == nil {
		return false
	}
	_, banned := set[member]
	return banned
}

// BannedIn lists the room's excluded identities in ascending order.
func (s *Store) BannedIn(room uuid.UUID) []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.rooms[room]
	out := make([]uint64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Store) persistLocked(ctx context.Context) error {
	file := ledgerFile{Rooms: make(map[string][]uint64, len(s.rooms))}
	for room, set := range s.rooms {
		if len(set) == 0 {
			continue
		}
		ids := make([]uint64, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		file.Rooms[room.String()] = ids
	}
	raw, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode ban ledger: %w", err)
	}
	if err := s.ks.StoreSecret(ctx, ledgerSecretID, raw); err != nil {
		return fmt.Errorf("persist ban ledger: %w", err)
	}
	return nil
}
