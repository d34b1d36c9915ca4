package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a session or snapshot does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the persistence contract for session history.
//
// Why this exists:
//   - The session sequencer should express ordering and reset behavior, not
//     SQL details.
//   - Trim and reset need the same semantics on every backend so a restored
//     session resumes exactly where it stopped.
//   - Tests can validate restore behavior via this abstraction.
type Store interface {
	// Init prepares schema/connection state needed before serving sessions.
	Init(ctx context.Context) error

	// Close releases resources held by the storage backend.
	Close() error

	// PutSession inserts or updates session metadata.
	//
	// Why: sessions that persist without users must be listed and restored
	// after a restart.
	PutSession(ctx context.Context, session Session) error

	// ListSessions returns all stored sessions ordered by creation time.
	ListSessions(ctx context.Context) ([]Session, error)

	// DeleteSession removes a session with its history and snapshots.
	DeleteSession(ctx context.Context, sessionID string) error

	// InsertCommands appends accepted commands. Sequence numbers are assigned
	// by the session authority and must be strictly increasing.
	//
	// Why: the store mirrors canonical history; it never assigns order.
	InsertCommands(ctx context.Context, sessionID string, cmds []Command) error

	// GetCommandsSince returns commands with seq > since in order.
	GetCommandsSince(ctx context.Context, sessionID string, since int64) ([]Command, error)

	// PutSnapshot stores a snapshot and prunes all but the newest keep
	// snapshots of the session.
	PutSnapshot(ctx context.Context, sessionID string, snapshot Snapshot, keep int) error

	// GetLatestSnapshot returns the newest snapshot or ErrNotFound.
	GetLatestSnapshot(ctx context.Context, sessionID string) (Snapshot, error)

	// TrimCommands deletes commands with seq <= through except the listed
	// retained ones.
	//
	// Why: autoreset drops history before the newest snapshot but keeps chat
	// verbatim.
	TrimCommands(ctx context.Context, sessionID string, through int64, retained []int64) error

	// ResetHistory atomically deletes all commands and snapshots of a session
	// and installs base as its only snapshot.
	//
	// Why: a manual reset must establish a clean boundary so old commands
	// cannot leak into the new document on restore.
	ResetHistory(ctx context.Context, sessionID string, base Snapshot) error
}
