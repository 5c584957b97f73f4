package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists lifecycle records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meeting_lifecycle (
			meeting_id TEXT PRIMARY KEY,
			call_connection_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			participants JSONB NOT NULL DEFAULT '[]'::jsonb,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_meeting_lifecycle_state_updated ON meeting_lifecycle (state, updated_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	participants, err := json.Marshal(nonNilStrings(rec.Participants))
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO meeting_lifecycle (meeting_id, call_connection_id, state, participants, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7)
		 ON CONFLICT (meeting_id) DO UPDATE SET
			call_connection_id = EXCLUDED.call_connection_id,
			state = EXCLUDED.state,
			participants = EXCLUDED.participants,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at`,
		rec.MeetingID,
		rec.CallConnectionID,
		string(rec.State),
		string(participants),
		string(meta),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save lifecycle record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, meetingID string) (Record, error) {
	var (
		rec          Record
		state        string
		participants []byte
		meta         []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT meeting_id, call_connection_id, state, participants, metadata, created_at, updated_at
		 FROM meeting_lifecycle WHERE meeting_id=$1`,
		meetingID,
	).Scan(&rec.MeetingID, &rec.CallConnectionID, &state, &participants, &meta, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("load lifecycle record: %w", err)
	}
	rec.State = State(state)
	if err := json.Unmarshal(participants, &rec.Participants); err != nil {
		return Record{}, fmt.Errorf("decode participants: %w", err)
	}
	if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
		return Record{}, fmt.Errorf("decode metadata: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
