// Package sessionstore defines the persistence port for review sessions.
package sessionstore

import (
	"context"

	"github.com/Strob0t/ReviewForge/internal/domain/session"
)

// Store persists sessions and their append-only stage outputs.
//
// Writes for one session are serialized by the implementation. Mutating calls
// take the version the caller last read and fail with domain.ErrConflict when
// it is stale. Outputs are written before the stage pointer moves, inside one
// transaction, so a reader never sees a pointer whose output is missing.
type Store interface {
	// Create inserts a new session with its initial output. The session's
	// Stage must equal the output's stage.
	Create(ctx context.Context, s *session.Session, initial session.StageOutput) error

	// Load returns the session with every output, oldest first.
	Load(ctx context.Context, id string) (*session.Session, error)

	// List returns sessions without outputs, newest first.
	List(ctx context.Context, includeArchived bool) ([]session.Session, error)

	// Save updates session metadata (name, fatal error, archived flag).
	// It never moves the stage pointer. On success s.Version is incremented.
	Save(ctx context.Context, s *session.Session) error

	// AppendStageOutput appends out without moving the stage pointer.
	// out.Seq is assigned by the store.
	AppendStageOutput(ctx context.Context, sessionID string, expectedVersion int, out *session.StageOutput) (newVersion int, err error)

	// Commit appends out and moves the pointer to next atomically.
	Commit(ctx context.Context, sessionID string, expectedVersion int, out *session.StageOutput, next session.Stage) (newVersion int, err error)

	// Close releases resources.
	Close() error
}
