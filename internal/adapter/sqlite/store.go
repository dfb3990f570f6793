// Package sqlite stores review sessions in a single SQLite file. It is the
// default backing for local use.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/Strob0t/ReviewForge/internal/domain"
	"github.com/Strob0t/ReviewForge/internal/domain/session"
)

//go:embed schema.sql
var schema string

// Store implements sessionstore.Store on SQLite. Writers in this process
// take mu; other processes are held off by busy_timeout and immediate
// transactions.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

// timeLayout has a fixed width so text order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

type scannable interface {
	Scan(dest ...any) error
}

const sessionColumns = `id, name, source_dir, checklist_id, stage, fatal_error, archived, version, created_at, updated_at`

func scanSession(row scannable) (session.Session, error) {
	var s session.Session
	var stage, created, updated string
	if err := row.Scan(&s.ID, &s.Name, &s.SourceDir, &s.ChecklistID, &stage, &s.FatalError,
		&s.Archived, &s.Version, &created, &updated); err != nil {
		return s, err
	}
	s.Stage = session.Stage(stage)
	var err error
	if s.CreatedAt, err = parseTime(created); err != nil {
		return s, fmt.Errorf("session %s created_at: %w", s.ID, err)
	}
	if s.UpdatedAt, err = parseTime(updated); err != nil {
		return s, fmt.Errorf("session %s updated_at: %w", s.ID, err)
	}
	return s, nil
}

func scanOutput(row scannable) (session.StageOutput, error) {
	var o session.StageOutput
	var stage, status, counts, payload, created string
	if err := row.Scan(&o.ID, &o.SessionID, &o.Seq, &stage, &status, &counts, &o.Error, &payload, &created); err != nil {
		return o, err
	}
	o.Stage = session.Stage(stage)
	o.Status = session.OutputStatus(status)
	o.Payload = json.RawMessage(payload)
	if err := json.Unmarshal([]byte(counts), &o.Counts); err != nil {
		return o, fmt.Errorf("output %s counts: %w", o.ID, err)
	}
	var err error
	if o.CreatedAt, err = parseTime(created); err != nil {
		return o, fmt.Errorf("output %s created_at: %w", o.ID, err)
	}
	return o, nil
}

func notFoundWrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func insertOutput(ctx context.Context, tx *sql.Tx, out *session.StageOutput) error {
	counts, err := json.Marshal(out.Counts)
	if err != nil {
		return fmt.Errorf("marshal counts: %w", err)
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO stage_outputs (id, session_id, seq, stage, status, counts, error, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.SessionID, out.Seq, string(out.Stage), string(out.Status), string(counts), out.Error,
		string(out.Payload), formatTime(out.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert %s output: %w", out.Stage, err)
	}
	return nil
}

// inTx runs fn in a write transaction.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
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

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, sess.ID).Scan(&n); err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("session %s already exists: %w", sess.ID, domain.ErrConflict)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, name, source_dir, checklist_id, stage, fatal_error, archived, version, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			sess.ID, sess.Name, sess.SourceDir, sess.ChecklistID, string(sess.Stage), sess.FatalError, sess.Archived,
			formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt))
		if err != nil {
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
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err != nil {
		return nil, notFoundWrap(err, "load session %s", id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, stage, status, counts, error, payload, created_at
		 FROM stage_outputs WHERE session_id = ? ORDER BY seq`, id)
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
	q := `SELECT ` + sessionColumns + ` FROM sessions`
	if !includeArchived {
		q += ` WHERE archived = 0`
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY created_at DESC, id`)
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

// locked loads the session inside a write transaction and checks the
// caller's version before running fn.
func (s *Store) locked(ctx context.Context, id string, expectedVersion int, fn func(tx *sql.Tx, cur *session.Session) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanSession(tx.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
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
	err := s.locked(ctx, sess.ID, sess.Version, func(tx *sql.Tx, _ *session.Session) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE sessions SET name = ?, fatal_error = ?, archived = ?, version = version + 1, updated_at = ?
			 WHERE id = ?`,
			sess.Name, sess.FatalError, sess.Archived, formatTime(time.Now()), sess.ID)
		return err
	})
	if err != nil {
		return err
	}
	sess.Version++
	return nil
}

func appendLocked(ctx context.Context, tx *sql.Tx, cur *session.Session, out *session.StageOutput, next session.Stage) (int, error) {
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM stage_outputs WHERE session_id = ?`, cur.ID).Scan(&out.Seq); err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	out.SessionID = cur.ID
	if err := insertOutput(ctx, tx, out); err != nil {
		return 0, err
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE sessions SET stage = ?, version = version + 1, updated_at = ? WHERE id = ?`,
		string(next), formatTime(out.CreatedAt), cur.ID)
	if err != nil {
		return 0, fmt.Errorf("update session %s: %w", cur.ID, err)
	}
	return cur.Version + 1, nil
}

func (s *Store) AppendStageOutput(ctx context.Context, sessionID string, expectedVersion int, out *session.StageOutput) (int, error) {
	var version int
	err := s.locked(ctx, sessionID, expectedVersion, func(tx *sql.Tx, cur *session.Session) error {
		var err error
		version, err = appendLocked(ctx, tx, cur, out, cur.Stage)
		return err
	})
	return version, err
}

func (s *Store) Commit(ctx context.Context, sessionID string, expectedVersion int, out *session.StageOutput, next session.Stage) (int, error) {
	var version int
	err := s.locked(ctx, sessionID, expectedVersion, func(tx *sql.Tx, cur *session.Session) error {
		if !session.ValidTransition(cur.Stage, next) {
			return fmt.Errorf("session %s cannot move from %s to %s: %w", sessionID, cur.Stage, next, domain.ErrValidation)
		}
		var err error
		version, err = appendLocked(ctx, tx, cur, out, next)
		return err
	})
	return version, err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
