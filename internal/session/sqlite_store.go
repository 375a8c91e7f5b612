package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps turn logs in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	window int
}

var _ Store = &SQLiteStore{}

// NewSQLiteStore opens dsn and creates the schema if needed.
func NewSQLiteStore(dsn string, window int) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite session store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite session store: open: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	if window <= 0 {
		window = DefaultWindow
	}
	s := &SQLiteStore{db: db, window: window}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS intake_turns (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			turn_id TEXT NOT NULL,
			role TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			payload_json TEXT NOT NULL DEFAULT '{}',
			auxiliary_json TEXT,
			state_json TEXT,
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY (session_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS intake_turns_by_turn_id ON intake_turns(turn_id);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return fmt.Errorf("sqlite session store: migrate: %w", err)
		}
	}
	return nil
}

// Append inserts a turn with the next sequence number.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, turn Turn) (Turn, error) {
	if err := validateTurn(sessionID, turn); err != nil {
		return Turn{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Turn{}, fmt.Errorf("sqlite session store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM intake_turns WHERE session_id = ?`, sessionID,
	).Scan(&seq); err != nil {
		return Turn{}, fmt.Errorf("sqlite session store: next seq: %w", err)
	}

	turn = prepare(sessionID, turn, seq)
	row, err := encodeRow(turn)
	if err != nil {
		return Turn{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO intake_turns (session_id, seq, turn_id, role, stage, payload_json, auxiliary_json, state_json, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, row.seq, row.turnID, row.role, row.stage, row.payload, row.auxiliary, row.state, row.createdAtMs,
	); err != nil {
		return Turn{}, fmt.Errorf("sqlite session store: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Turn{}, fmt.Errorf("sqlite session store: commit: %w", err)
	}
	return turn, nil
}

// Resume loads the last window of turns and, when none of them carries
// state, the newest turn that does.
func (s *SQLiteStore) Resume(ctx context.Context, sessionID string) (*Snapshot, error) {
	recent, err := s.queryTurns(ctx, sessionID,
		`SELECT seq, turn_id, role, stage, payload_json, auxiliary_json, state_json, created_at_ms
		 FROM intake_turns WHERE session_id = ? ORDER BY seq DESC LIMIT ?`, sessionID, s.window)
	if err != nil {
		return nil, err
	}
	slices.Reverse(recent)

	state := latestState(recent)
	if state == nil && len(recent) > 0 {
		older, err := s.queryTurns(ctx, sessionID,
			`SELECT seq, turn_id, role, stage, payload_json, auxiliary_json, state_json, created_at_ms
			 FROM intake_turns WHERE session_id = ? AND state_json IS NOT NULL ORDER BY seq DESC LIMIT 1`, sessionID)
		if err != nil {
			return nil, err
		}
		state = latestState(older)
	}
	return snapshotOf(sessionID, recent, state)
}

func (s *SQLiteStore) queryTurns(ctx context.Context, sessionID, query string, args ...any) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite session store: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var turns []Turn
	for rows.Next() {
		var r turnRow
		if err := rows.Scan(&r.seq, &r.turnID, &r.role, &r.stage, &r.payload, &r.auxiliary, &r.state, &r.createdAtMs); err != nil {
			return nil, fmt.Errorf("sqlite session store: scan: %w", err)
		}
		t, err := r.decode(sessionID)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite session store: rows: %w", err)
	}
	return turns, nil
}
