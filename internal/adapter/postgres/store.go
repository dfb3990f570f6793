package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/ReviewForge/internal/domain"
	"github.com/Strob0t/ReviewForge/internal/domain/session"
)

// Store implements sessionstore.Store on PostgreSQL. Mutations lock the
// session row, so writes to one session serialize in the database.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const sessionColumns = `id, name, source_dir, checklist_id, stage, fatal_error, archived, version, created_at, updated_at`

func scanSession(row scannable) (session.Session, error) {
	var s session.Session
	var stage string
	err := row.Scan(&s.ID, &s.Name, &s.SourceDir, &s.ChecklistID, &stage, &s.FatalError,
		&s.Archived, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	s.Stage = session.Stage(stage)
	return s, err
}

func scanOutput(row scannable) (session.StageOutput, error) {
	var o session.StageOutput
	var stage, status string
	var counts []byte
	if err := row.Scan(&o.ID, &o.SessionID, &o.Seq, &stage, &status, &counts, &o.Error, &o.Payload, &o.CreatedAt); err != nil {
		return o, err
	}
	o.Stage = session.Stage(stage)
	o.Status = session.OutputStatus(status)
	if err := json.Unmarshal(counts, &o.Counts); err != nil {
		return o, fmt.Errorf("output %s counts: %w", o.ID, err)
	}
	return o, nil
}

func insertOutput(ctx context.Context, tx pgx.Tx, out *session.StageOutput) error {
	counts, err := json.Marshal(out.Counts)
	if err != nil {
		return fmt.Errorf("marshal counts: %w", err)
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO stage_outputs (id, session_id, seq, stage, status, counts, error, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		out.ID, out.SessionID, out.Seq, string(out.Stage), string(out.Status), counts, out.Error, []byte(out.Payload), out.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert %s output: %w", out.Stage, err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, sess *session.Session, initial session.StageOutput) error {
	if sess.ID == "" {
		return fmt.Errorf("session id is required: %w", domain.ErrValidation)
	}
	if initial.Stage != sess.Stage {
		return fmt.Errorf("initial output stage %s does not match session stage %s: %w", initial.Stage, sess.Stage, domain.ErrValidation)
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO sessions (id, name, source_dir, checklist_id, stage, fatal_error, archived, version, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)`,
			sess.ID, sess.Name, sess.SourceDir, sess.ChecklistID, string(sess.Stage), sess.FatalError, sess.Archived,
			sess.CreatedAt, sess.UpdatedAt)
		if err != nil {
			if uniqueViolation(err) {
				return fmt.Errorf("session %s already exists: %w", sess.ID, domain.ErrConflict)
			}
			return fmt.Errorf("insert session: %w", err)
		}
		initial.SessionID = sess.ID
		initial.Seq = 1
		return insertOutput(ctx, tx, &initial)
	})
	if err != nil {
		return err
	}
	sess.Version = 1
	return nil
}

func (s *Store) Load(ctx context.Context, id string) (*session.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "load session %s", id)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, seq, stage, status, counts, error, payload, created_at
		 FROM stage_outputs WHERE session_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load outputs %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		o, err := scanOutput(rows)
		if err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		sess.Outputs = append(sess.Outputs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) List(ctx context.Context, includeArchived bool) ([]session.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE $1 OR NOT archived ORDER BY created_at DESC, id`, includeArchived)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := []session.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// locked runs fn in a transaction holding the session row lock, after
// checking the caller's version.
func (s *Store) locked(ctx context.Context, id string, expectedVersion int, fn func(tx pgx.Tx, cur *session.Session) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := scanSession(tx.QueryRow(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return notFoundWrap(err, "lock session %s", id)
		}
		if cur.Version != expectedVersion {
			return fmt.Errorf("session %s version %d, expected %d: %w", id, cur.Version, expectedVersion, domain.ErrConflict)
		}
		return fn(tx, &cur)
	})
}

func (s *Store) Save(ctx context.Context, sess *session.Session) error {
	var version int
	err := s.locked(ctx, sess.ID, sess.Version, func(tx pgx.Tx, _ *session.Session) error {
		return tx.QueryRow(ctx,
			`UPDATE sessions SET name = $2, fatal_error = $3, archived = $4, version = version + 1, updated_at = now()
			 WHERE id = $1 RETURNING version`,
			sess.ID, sess.Name, sess.FatalError, sess.Archived).Scan(&version)
	})
	if err != nil {
		return err
	}
	sess.Version = version
	return nil
}

// appendLocked inserts out with the next seq and bumps the version,
// optionally moving the stage pointer.
func appendLocked(ctx context.Context, tx pgx.Tx, cur *session.Session, out *session.StageOutput, next session.Stage) (int, error) {
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM stage_outputs WHERE session_id = $1`, cur.ID).Scan(&out.Seq); err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	out.SessionID = cur.ID
	if err := insertOutput(ctx, tx, out); err != nil {
		return 0, err
	}
	var version int
	err := tx.QueryRow(ctx,
		`UPDATE sessions SET stage = $2, version = version + 1, updated_at = $3
		 WHERE id = $1 RETURNING version`,
		cur.ID, string(next), out.CreatedAt).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("update session %s: %w", cur.ID, err)
	}
	return version, nil
}

func (s *Store) AppendStageOutput(ctx context.Context, sessionID string, expectedVersion int, out *session.StageOutput) (int, error) {
	var version int
	err := s.locked(ctx, sessionID, expectedVersion, func(tx pgx.Tx, cur *session.Session) error {
		var err error
		version, err = appendLocked(ctx, tx, cur, out, cur.Stage)
		return err
	})
	return version, err
}

func (s *Store) Commit(ctx context.Context, sessionID string, expectedVersion int, out *session.StageOutput, next session.Stage) (int, error) {
	var version int
	err := s.locked(ctx, sessionID, expectedVersion, func(tx pgx.Tx, cur *session.Session) error {
		if !session.ValidTransition(cur.Stage, next) {
			return fmt.Errorf("session %s cannot move from %s to %s: %w", sessionID, cur.Stage, next, domain.ErrValidation)
		}
		var err error
		version, err = appendLocked(ctx, tx, cur, out, next)
		return err
	})
	return version, err
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
