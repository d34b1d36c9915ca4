package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	persist BOOLEAN NOT NULL DEFAULT FALSE,
	config TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS commands (
	session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
	seq BIGINT NOT NULL,
	kind TEXT NOT NULL,
	issuer INTEGER NOT NULL,
	data BYTEA NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS snapshots (
	session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
	at_seq BIGINT NOT NULL,
	canvas BYTEA NOT NULL,
	acl BYTEA NOT NULL,
	undo BYTEA,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, at_seq)
);

ALTER TABLE snapshots ADD COLUMN IF NOT EXISTS undo BYTEA;
`

// PostgresStore is a PostgreSQL-backed implementation of Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Init(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) PutSession(ctx context.Context, session Session) error {
	if session.ID == "" {
		return errors.New("session id is required")
	}
	created := session.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (session_id, title, persist, config, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
			title = EXCLUDED.title,
			persist = EXCLUDED.persist,
			config = EXCLUDED.config
	`, session.ID, session.Title, session.Persist, string(session.Config), created)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, title, persist, config, created_at
		FROM sessions
		ORDER BY created_at ASC, session_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]Session, 0)
	for rows.Next() {
		var session Session
		var config string
		if err := rows.Scan(&session.ID, &session.Title, &session.Persist, &config, &session.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if config != "" {
			session.Config = []byte(config)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE session_id = $1", sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) InsertCommands(ctx context.Context, sessionID string, cmds []Command) error {
	if len(cmds) == 0 {
		return nil
	}
	for _, cmd := range cmds {
		if cmd.Seq <= 0 || cmd.Kind == "" {
			return fmt.Errorf("invalid command metadata: seq=%d kind=%q", cmd.Seq, cmd.Kind)
		}
	}
	batch := &pgx.Batch{}
	for _, cmd := range cmds {
		batch.Queue(`
			INSERT INTO commands (session_id, seq, kind, issuer, data)
			VALUES ($1, $2, $3, $4, $5)
		`, sessionID, cmd.Seq, cmd.Kind, cmd.Issuer, cmd.Data)
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("insert commands: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCommandsSince(ctx context.Context, sessionID string, since int64) ([]Command, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, kind, issuer, data
		FROM commands
		WHERE session_id = $1 AND seq > $2
		ORDER BY seq ASC
	`, sessionID, since)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer rows.Close()

	cmds := make([]Command, 0)
	for rows.Next() {
		var cmd Command
		if err := rows.Scan(&cmd.Seq, &cmd.Kind, &cmd.Issuer, &cmd.Data); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		cmds = append(cmds, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commands: %w", err)
	}
	return cmds, nil
}

func (s *PostgresStore) PutSnapshot(ctx context.Context, sessionID string, snapshot Snapshot, keep int) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := insertPostgresSnapshot(ctx, tx, sessionID, snapshot); err != nil {
			return err
		}
		if keep <= 0 {
			return nil
		}
		_, err := tx.Exec(ctx, `
			DELETE FROM snapshots
			WHERE session_id = $1 AND at_seq NOT IN (
				SELECT at_seq FROM snapshots WHERE session_id = $1
				ORDER BY at_seq DESC LIMIT $2
			)
		`, sessionID, keep)
		if err != nil {
			return fmt.Errorf("prune snapshots: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

func insertPostgresSnapshot(ctx context.Context, tx pgx.Tx, sessionID string, snapshot Snapshot) error {
	created := snapshot.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO snapshots (session_id, at_seq, canvas, acl, undo, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, at_seq) DO UPDATE SET
			canvas = EXCLUDED.canvas,
			acl = EXCLUDED.acl,
			undo = EXCLUDED.undo,
			created_at = EXCLUDED.created_at
	`, sessionID, snapshot.At, snapshot.Canvas, snapshot.ACL, snapshot.Undo, created)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetLatestSnapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	var snapshot Snapshot
	err := s.pool.QueryRow(ctx, `
		SELECT at_seq, canvas, acl, undo, created_at
		FROM snapshots
		WHERE session_id = $1
		ORDER BY at_seq DESC
		LIMIT 1
	`, sessionID).Scan(&snapshot.At, &snapshot.Canvas, &snapshot.ACL, &snapshot.Undo, &snapshot.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	return snapshot, nil
}

func (s *PostgresStore) TrimCommands(ctx context.Context, sessionID string, through int64, retained []int64) error {
	if retained == nil {
		retained = []int64{}
	}
	_, err := s.pool.Exec(ctx, `
		DELETE FROM commands
		WHERE session_id = $1 AND seq <= $2 AND NOT (seq = ANY($3))
	`, sessionID, through, retained)
	if err != nil {
		return fmt.Errorf("trim commands: %w", err)
	}
	return nil
}

func (s *PostgresStore) ResetHistory(ctx context.Context, sessionID string, base Snapshot) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "DELETE FROM commands WHERE session_id = $1", sessionID); err != nil {
			return fmt.Errorf("delete commands: %w", err)
		}
		if _, err := tx.Exec(ctx, "DELETE FROM snapshots WHERE session_id = $1", sessionID); err != nil {
			return fmt.Errorf("delete snapshots: %w", err)
		}
		return insertPostgresSnapshot(ctx, tx, sessionID, base)
	})
	if err != nil {
		return fmt.Errorf("reset history: %w", err)
	}
	return nil
}
