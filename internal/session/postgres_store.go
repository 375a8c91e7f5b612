package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps turn logs in PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	window int
}

var _ Store = &PostgresStore{}

// NewPostgresStore connects to dsn and creates the schema if needed.
func NewPostgresStore(ctx context.Context, dsn string, window int) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres session store: empty dsn")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres session store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres session store: ping: %w", err)
	}
	if window <= 0 {
		window = DefaultWindow
	}
	s := &PostgresStore{pool: pool, window: window}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS intake_turns (
			session_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			turn_id TEXT NOT NULL,
			role TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			payload_json TEXT NOT NULL DEFAULT '{}',
			auxiliary_json TEXT,
			state_json TEXT,
			created_at_ms BIGINT NOT NULL,
			PRIMARY KEY (session_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS intake_turns_by_turn_id ON intake_turns(turn_id)`,
	}
	for _, st := range stmts {
		if _, err := s.pool.Exec(ctx, st); err != nil {
			return fmt.Errorf("postgres session store: migrate: %w", err)
		}
	}
	return nil
}

// Append inserts a turn with the next sequence number. The primary key
// rejects a concurrent writer that computed the same seq.
func (s *PostgresStore) Append(ctx context.Context, sessionID string, turn Turn) (Turn, error) {
	if err := validateTurn(sessionID, turn); err != nil {
		return Turn{}, err
	}

	var stored Turn
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var seq int64
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM intake_turns WHERE session_id = $1`, sessionID,
		).Scan(&seq); err != nil {
			return fmt.Errorf("postgres session store: next seq: %w", err)
		}

		t := prepare(sessionID, turn, seq)
		row, err := encodeRow(t)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO intake_turns (session_id, seq, turn_id, role, stage, payload_json, auxiliary_json, state_json, created_at_ms)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			sessionID, row.seq, row.turnID, row.role, row.stage, row.payload, row.auxiliary, row.state, row.createdAtMs,
		); err != nil {
			return fmt.Errorf("postgres session store: insert: %w", err)
		}
		stored = t
		return nil
	})
	if err != nil {
		return Turn{}, err
	}
	return stored, nil
}

// Resume loads the last window of turns and, when none of them carries
// state, the newest turn that does.
func (s *PostgresStore) Resume(ctx context.Context, sessionID string) (*Snapshot, error) {
	recent, err := s.queryTurns(ctx, sessionID,
		`SELECT seq, turn_id, role, stage, payload_json, auxiliary_json, state_json, created_at_ms
		 FROM intake_turns WHERE session_id = $1 ORDER BY seq DESC LIMIT $2`, sessionID, s.window)
	if err != nil {
		return nil, err
	}
	slices.Reverse(recent)

	state := latestState(recent)
	if state == nil && len(recent) > 0 {
		older, err := s.queryTurns(ctx, sessionID,
			`SELECT seq, turn_id, role, stage, payload_json, auxiliary_json, state_json, created_at_ms
			 FROM intake_turns WHERE session_id = $1 AND state_json IS NOT NULL ORDER BY seq DESC LIMIT 1`, sessionID)
		if err != nil {
			return nil, err
		}
		state = latestState(older)
	}
	return snapshotOf(sessionID, recent, state)
}

func (s *PostgresStore) queryTurns(ctx context.Context, sessionID, query string, args ...any) ([]Turn, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres session store: query: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var r turnRow
		if err := rows.Scan(&r.seq, &r.turnID, &r.role, &r.stage, &r.payload, &r.auxiliary, &r.state, &r.createdAtMs); err != nil {
			return nil, fmt.Errorf("postgres session store: scan: %w", err)
		}
		t, err := r.decode(sessionID)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres session store: rows: %w", err)
	}
	return turns, nil
}
