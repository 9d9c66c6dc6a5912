package sqlstore

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/relay/internal/session"
)

// Repository implements session.Persister against a sqlx.DB, for either the
// sqlite3 or pgx driver. Column names match the Session struct's `db` tags
// directly (internal/session/types.go), so StructScan/NamedExec need no
// separate mapping layer — the same pattern a reference sqlite repository
// package uses for its flatter tables.
type Repository struct {
	db     *sqlx.DB
	driver string
}

func newRepository(db *sqlx.DB, driver string) (*Repository, error) {
	r := &Repository{db: db, driver: driver}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: initializing schema: %w", err)
	}
	return r, nil
}

// Close releases the underlying connection pool.
func (r *Repository) Close() error { return r.db.Close() }

func (r *Repository) initSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		directory TEXT NOT NULL DEFAULT '',
		adapter TEXT NOT NULL DEFAULT '',
		runner_session_id TEXT NOT NULL DEFAULT '',
		approval_mode TEXT NOT NULL DEFAULT 'interactive',
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		ended_at TIMESTAMP,
		last_activity_at TIMESTAMP NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		exit_code INTEGER,
		runner_header TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL DEFAULT '',
		platform_thread_id TEXT NOT NULL DEFAULT '',
		base_ref TEXT NOT NULL DEFAULT ''
	)`)
	if err != nil {
		return err
	}

	if _, err := r.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_runner_session_id
		ON sessions(runner_session_id) WHERE runner_session_id <> ''`); err != nil {
		// Older SQLite builds and some Postgres setups reject partial
		// indexes with this exact syntax; a non-unique fallback still
		// indexes the column, and uniqueness is already enforced in-memory
		// by session.Store before it ever reaches here.
		_, err = r.db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_runner_session_id ON sessions(runner_session_id)`)
		if err != nil {
			return err
		}
	}
	return nil
}

// Insert adds a new session row.
func (r *Repository) Insert(s *session.Session) error {
	_, err := r.db.NamedExec(`
		INSERT INTO sessions (
			id, state, directory, adapter, runner_session_id, approval_mode,
			created_at, started_at, ended_at, last_activity_at,
			name, summary, exit_code, runner_header, platform, platform_thread_id, base_ref
		) VALUES (
			:id, :state, :directory, :adapter, :runner_session_id, :approval_mode,
			:created_at, :started_at, :ended_at, :last_activity_at,
			:name, :summary, :exit_code, :runner_header, :platform, :platform_thread_id, :base_ref
		)`, s)
	return err
}

// Update overwrites an existing session row in full.
func (r *Repository) Update(s *session.Session) error {
	res, err := r.db.NamedExec(`
		UPDATE sessions SET
			state = :state,
			directory = :directory,
			adapter = :adapter,
			runner_session_id = :runner_session_id,
			approval_mode = :approval_mode,
			started_at = :started_at,
			ended_at = :ended_at,
			last_activity_at = :last_activity_at,
			name = :name,
			summary = :summary,
			exit_code = :exit_code,
			runner_header = :runner_header,
			platform = :platform,
			platform_thread_id = :platform_thread_id,
			base_ref = :base_ref
		WHERE id = :id`, s)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return session.ErrNotFound
	}
	return nil
}

// Delete removes a session row by id.
func (r *Repository) Delete(id string) error {
	_, err := r.db.Exec(r.db.Rebind(`DELETE FROM sessions WHERE id = ?`), id)
	return err
}

// Load returns every persisted session row, used to hydrate the in-memory
// Store on process startup.
func (r *Repository) Load() ([]*session.Session, error) {
	var rows []*session.Session
	if err := r.db.Select(&rows, `SELECT * FROM sessions ORDER BY created_at ASC`); err != nil {
		return nil, fmt.Errorf("sqlstore: loading sessions: %w", err)
	}
	return rows, nil
}

var _ session.Persister = (*Repository)(nil)
