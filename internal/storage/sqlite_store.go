package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	persist INTEGER NOT NULL DEFAULT 0,
	config TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS commands (
	session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	kind TEXT NOT NULL,
	issuer INTEGER NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS snapshots (
	session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
	at_seq INTEGER NOT NULL,
	canvas BLOB NOT NULL,
	acl BLOB NOT NULL,
	undo BLOB,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, at_seq)
);
`

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return s.addColumn(ctx, "snapshots", "undo", "BLOB")
}

// addColumn upgrades tables created before column existed.
func (s *SQLiteStore) addColumn(ctx context.Context, table, column, typ string) error {
	var n int
	row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column)
	if err := row.Scan(&n); err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, typ)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) PutSession(ctx context.Context, session Session) error {
	if session.ID == "" {
		return errors.New("session id is required")
	}
	created := session.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, title, persist, config, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			title = excluded.title,
			persist = excluded.persist,
			config = excluded.config
	`, session.ID, session.Title, session.Persist, string(session.Config), created.UnixMilli())
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
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
		var created int64
		if err := rows.Scan(&session.ID, &session.Title, &session.Persist, &config, &created); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if config != "" {
			session.Config = []byte(config)
		}
		session.CreatedAt = time.UnixMilli(created)
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE session_id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) InsertCommands(ctx context.Context, sessionID string, cmds []Command) error {
	if len(cmds) == 0 {
		return nil
	}
	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := transaction.PrepareContext(ctx, `
		INSERT INTO commands (session_id, seq, kind, issuer, data)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, cmd := range cmds {
		if cmd.Seq <= 0 || cmd.Kind == "" {
			_ = transaction.Rollback()
			return fmt.Errorf("invalid command metadata: seq=%d kind=%q", cmd.Seq, cmd.Kind)
		}
		if _, err := stmt.ExecContext(ctx, sessionID, cmd.Seq, cmd.Kind, cmd.Issuer, cmd.Data); err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("insert command: %w", err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("commit commands: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCommandsSince(ctx context.Context, sessionID string, since int64) ([]Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, issuer, data
		FROM commands
		WHERE session_id = ? AND seq > ?
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

func (s *SQLiteStore) PutSnapshot(ctx context.Context, sessionID string, snapshot Snapshot, keep int) error {
	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := insertSnapshot(ctx, transaction, sessionID, snapshot); err != nil {
		_ = transaction.Rollback()
		return err
	}
	if keep > 0 {
		_, err = transaction.ExecContext(ctx, `
			DELETE FROM snapshots
			WHERE session_id = ? AND at_seq NOT IN (
				SELECT at_seq FROM snapshots WHERE session_id = ?
				ORDER BY at_seq DESC LIMIT ?
			)
		`, sessionID, sessionID, keep)
		if err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("prune snapshots: %w", err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

func insertSnapshot(ctx context.Context, transaction *sql.Tx, sessionID string, snapshot Snapshot) error {
	created := snapshot.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := transaction.ExecContext(ctx, `
		INSERT INTO snapshots (session_id, at_seq, canvas, acl, undo, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, at_seq) DO UPDATE SET
			canvas = excluded.canvas,
			acl = excluded.acl,
			undo = excluded.undo,
			created_at = excluded.created_at
	`, sessionID, snapshot.At, snapshot.Canvas, snapshot.ACL, snapshot.Undo, created.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetLatestSnapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	var snapshot Snapshot
	var created int64
	row := s.db.QueryRowContext(ctx, `
		SELECT at_seq, canvas, acl, undo, created_at
		FROM snapshots
		WHERE session_id = ?
		ORDER BY at_seq DESC
		LIMIT 1
	`, sessionID)
	if err := row.Scan(&snapshot.At, &snapshot.Canvas, &snapshot.ACL, &snapshot.Undo, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	snapshot.CreatedAt = time.UnixMilli(created)
	return snapshot, nil
}

func (s *SQLiteStore) TrimCommands(ctx context.Context, sessionID string, through int64, retained []int64) error {
	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := transaction.ExecContext(ctx, `
		CREATE TEMP TABLE IF NOT EXISTS retained_seqs (seq INTEGER PRIMARY KEY)
	`); err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("create retained table: %w", err)
	}
	if _, err := transaction.ExecContext(ctx, "DELETE FROM retained_seqs"); err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("clear retained table: %w", err)
	}
	for _, seq := range retained {
		if _, err := transaction.ExecContext(ctx, "INSERT OR IGNORE INTO retained_seqs (seq) VALUES (?)", seq); err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("insert retained seq: %w", err)
		}
	}
	_, err = transaction.ExecContext(ctx, `
		DELETE FROM commands
		WHERE session_id = ? AND seq <= ? AND seq NOT IN (SELECT seq FROM retained_seqs)
	`, sessionID, through)
	if err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("trim commands: %w", err)
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("commit trim: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ResetHistory(ctx context.Context, sessionID string, base Snapshot) error {
	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := transaction.ExecContext(ctx, "DELETE FROM commands WHERE session_id = ?", sessionID); err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("delete commands: %w", err)
	}
	if _, err := transaction.ExecContext(ctx, "DELETE FROM snapshots WHERE session_id = ?", sessionID); err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("delete snapshots: %w", err)
	}
	if err := insertSnapshot(ctx, transaction, sessionID, base); err != nil {
		_ = transaction.Rollback()
		return err
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("commit reset: %w", err)
	}
	return nil
}
