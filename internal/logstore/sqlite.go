package logstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS room_log (
    room_id   TEXT    NOT NULL,
    log_index INTEGER NOT NULL,
    epoch     INTEGER NOT NULL,
    opcode    INTEGER NOT NULL,
    frame     BLOB    NOT NULL,
    PRIMARY KEY (room_id, log_index)
);`

// SQLite is the durable log backend. The gapless invariant is enforced
// inside a transaction so concurrent writers for distinct rooms never
// interleave badly and a crashed append leaves no partial entry.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed creates) the log database at path.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open log db: %w", err)
	}
	// modernc sqlite serializes writes; a single writer conn avoids
	// SQLITE_BUSY churn under concurrent room appends.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply log schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Append(ctx context.Context, e Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var length uint64
	row := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM room_log WHERE room_id = ?", e.RoomID.String())
	if err := row.Scan(&length); err != nil {
		return fmt.Errorf("read log length: %w", err)
	}
	if e.Index != length {
		return fmt.Errorf("%w: room %s index %d, length %d", ErrGap, e.RoomID, e.Index, length)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO room_log (room_id, log_index, epoch, opcode, frame) VALUES (?, ?, ?, ?, ?)",
		e.RoomID.String(), int64(e.Index), int64(e.Epoch), int64(e.Opcode), e.Frame,
	); err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (s *SQLite) Read(ctx context.Context, room uuid.UUID, from uint64, limit uint32) ([]Entry, error) {
	length, err := s.Len(ctx, room)
	if err != nil {
		return nil, err
	}
	if from > length {
		return nil, fmt.Errorf("%w: room %s from %d, length %d", ErrOutOfRange, room, from, length)
	}
	n := clampLimit(length, from, limit)
	if n == 0 {
		return []Entry{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT log_index, epoch, opcode, frame FROM room_log WHERE room_id = ? AND log_index >= ? ORDER BY log_index ASC LIMIT ?",
		room.String(), int64(from), int64(n))
	if err != nil {
		return nil, fmt.Errorf("query log entries: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, n)
	for rows.Next() {
		e := Entry{RoomID: room}
		var index, epoch, opcode int64
		if err := rows.Scan(&index, &epoch, &opcode, &e.Frame); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Index = uint64(index)
		e.Epoch = uint64(epoch)
		e.Opcode = uint16(opcode)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log entries: %w", err)
	}
	return out, nil
}

func (s *SQLite) Len(ctx context.Context, room uuid.UUID) (uint64, error) {
	var length uint64
	row := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM room_log WHERE room_id = ?", room.String())
	if err := row.Scan(&length); err != nil {
		return 0, fmt.Errorf("read log length: %w", err)
	}
	return length, nil
}

func (s *SQLite) Rooms(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT room_id FROM room_log ORDER BY room_id")
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan room id: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("room id %q: %w", raw, err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return out, nil
}

func (s *SQLite) Close() error {
	if err := s.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}
