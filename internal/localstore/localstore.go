// Package localstore persists the project bridge's pull cursor and build
// chunk sequence counters across restarts (spec §4.6, §4.7), grounded on
// the teacher's store/sqlite package: a single-connection modernc.org/sqlite
// handle, WAL journaling, and a migrate() that only ever adds statements.
package localstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB is the bridge daemon's local state store.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies
// migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// One writer at a time avoids SQLITE_BUSY; the bridge's loops are few
	// and infrequent enough that serialising writes costs nothing.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pull_cursors (
			session_id TEXT PRIMARY KEY,
			cursor     TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS build_chunk_sequences (
			build_id TEXT PRIMARY KEY,
			next_seq INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

// GetPullCursor returns the last-persisted pullChanges cursor for a
// session, or "" if none has been saved yet (spec §4.6's pull-poll loop).
func (s *DB) GetPullCursor(ctx context.Context, sessionID string) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx, `SELECT cursor FROM pull_cursors WHERE session_id = ?`, sessionID).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get pull cursor: %w", err)
	}
	return cursor, nil
}

// SavePullCursor upserts the pull cursor for a session.
func (s *DB) SavePullCursor(ctx context.Context, sessionID, cursor string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pull_cursors (session_id, cursor) VALUES (?, ?)
		ON CONFLICT(session_id) DO UPDATE SET cursor = excluded.cursor
	`, sessionID, cursor)
	if err != nil {
		return fmt.Errorf("save pull cursor: %w", err)
	}
	return nil
}

// NextChunkSeq returns the next chunk sequence number for a build (an int;
// the caller pads it) and persists the increment, so a daemon restart mid-build resumes
// numbering rather than restarting at 000000 (spec §3's Build Record
// invariant: chunk ids are zero-padded 6-digit serial numbers).
func (s *DB) NextChunkSeq(ctx context.Context, buildID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx, `SELECT next_seq FROM build_chunk_sequences WHERE build_id = ?`, buildID).Scan(&next)
	if err == sql.ErrNoRows {
		next = 0
		if _, err := tx.ExecContext(ctx, `INSERT INTO build_chunk_sequences (build_id, next_seq) VALUES (?, ?)`, buildID, next+1); err != nil {
			return 0, fmt.Errorf("insert chunk sequence: %w", err)
		}
	} else if err != nil {
		return 0, fmt.Errorf("get chunk sequence: %w", err)
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE build_chunk_sequences SET next_seq = ? WHERE build_id = ?`, next+1, buildID); err != nil {
			return 0, fmt.Errorf("update chunk sequence: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

// ForgetBuild drops a completed build's chunk sequence row; the bridge
// calls this once a build record reaches a terminal status so the table
// doesn't grow unbounded over a long-lived daemon's lifetime.
func (s *DB) ForgetBuild(ctx context.Context, buildID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM build_chunk_sequences WHERE build_id = ?`, buildID)
	if err != nil {
		return fmt.Errorf("forget build: %w", err)
	}
	return nil
}
