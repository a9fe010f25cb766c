// sqlite.go implements Store on SQLite. One file, WAL mode, schema created
// at open. The integrations and job state columns hold JSON, mirroring the
// free-form bags they persist.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `yaml:"path"`
	JournalMode string `yaml:"journal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// SQLite implements Store backed by a local SQLite database.
type SQLite struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	email        TEXT NOT NULL DEFAULT '',
	name         TEXT NOT NULL DEFAULT '',
	integrations TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (user_id, id)
);
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	user_id     TEXT NOT NULL,
	spec        TEXT NOT NULL,
	body        TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL DEFAULT '{}',
	paused      INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL,
	last_run_at TEXT,
	last_error  TEXT NOT NULL DEFAULT '',
	run_count   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id);
`

// OpenSQLite opens or creates the database and bootstraps the schema.
func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		cfg.Path = "./data/ragpile.db"
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5000
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=ON",
		cfg.Path, cfg.JournalMode, cfg.BusyTimeout)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", cfg.Path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error { return s.db.Close() }

// ---------- Users ----------

// GetUser loads a user by id.
func (s *SQLite) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	var integrations string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, name, integrations FROM users WHERE id = ?", id).
		Scan(&u.ID, &u.Email, &u.Name, &integrations)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %q: %w", id, err)
	}
	if err := json.Unmarshal([]byte(integrations), &u.Integrations); err != nil {
		return nil, fmt.Errorf("decode integrations for user %q: %w", id, err)
	}
	if u.Integrations == nil {
		u.Integrations = Integrations{}
	}
	return &u, nil
}

// CreateUser inserts a user row (used by setup and tests).
func (s *SQLite) CreateUser(ctx context.Context, u *User) error {
	blob, err := json.Marshal(orEmpty(u.Integrations))
	if err != nil {
		return fmt.Errorf("encode integrations: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO users (id, email, name, integrations) VALUES (?, ?, ?, ?)",
		u.ID, u.Email, u.Name, string(blob))
	if err != nil {
		return fmt.Errorf("create user %q: %w", u.ID, err)
	}
	return nil
}

// FindUserByIntegration looks a user up by one integration key value, e.g.
// the Telegram account id recorded at /start time.
func (s *SQLite) FindUserByIntegration(ctx context.Context, integration, key, value string) (*User, error) {
	path := fmt.Sprintf("$.%s.%s", integration, key)
	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM users WHERE json_extract(integrations, ?) = ?", path, value).
		Scan(&id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user with %s.%s=%q: %w", integration, key, value, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find user by %s.%s: %w", integration, key, err)
	}
	return s.GetUser(ctx, id)
}

// UpdateUserIntegrations replaces the integrations column. Last writer wins.
func (s *SQLite) UpdateUserIntegrations(ctx context.Context, u *User) error {
	blob, err := json.Marshal(orEmpty(u.Integrations))
	if err != nil {
		return fmt.Errorf("encode integrations: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET integrations = ? WHERE id = ?", string(blob), u.ID)
	if err != nil {
		return fmt.Errorf("update integrations for user %q: %w", u.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %q: %w", u.ID, ErrNotFound)
	}
	return nil
}

func orEmpty(in Integrations) Integrations {
	if in == nil {
		return Integrations{}
	}
	return in
}

// ---------- Sessions ----------

// CreateSession inserts a session row.
func (s *SQLite) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, user_id, created_at) VALUES (?, ?, ?)",
		sess.ID, sess.UserID, sess.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("create session %q: %w", sess.ID, err)
	}
	return nil
}

// ---------- Jobs ----------

// CreateJob inserts a job row.
func (s *SQLite) CreateJob(ctx context.Context, j *Job) error {
	stateBlob, lastRunAt, err := encodeJob(j)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs
			(id, name, user_id, spec, body, state, paused,
			 created_at, last_run_at, last_error, run_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Name, j.UserID, j.Spec, j.Body, stateBlob, boolToInt(j.Paused),
		j.CreatedAt.UTC().Format(time.RFC3339), lastRunAt, j.LastError, j.RunCount)
	if err != nil {
		return fmt.Errorf("create job %q: %w", j.ID, err)
	}
	return nil
}

// UpdateJob replaces a job row, including the state snapshot.
func (s *SQLite) UpdateJob(ctx context.Context, j *Job) error {
	stateBlob, lastRunAt, err := encodeJob(j)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			name = ?, spec = ?, body = ?, state = ?, paused = ?,
			last_run_at = ?, last_error = ?, run_count = ?
		WHERE id = ?`,
		j.Name, j.Spec, j.Body, stateBlob, boolToInt(j.Paused),
		lastRunAt, j.LastError, j.RunCount, j.ID)
	if err != nil {
		return fmt.Errorf("update job %q: %w", j.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %q: %w", j.ID, ErrNotFound)
	}
	return nil
}

// DeleteJob removes a job row.
func (s *SQLite) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete job %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %q: %w", id, ErrNotFound)
	}
	return nil
}

// GetJob loads a single job.
func (s *SQLite) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+" WHERE id = ?", id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %q: %w", id, err)
	}
	return j, nil
}

// ListJobs returns all jobs owned by a user.
func (s *SQLite) ListJobs(ctx context.Context, userID string) ([]*Job, error) {
	return s.listJobs(ctx, jobSelect+" WHERE user_id = ? ORDER BY created_at", userID)
}

// ListAllJobs returns every persisted job.
func (s *SQLite) ListAllJobs(ctx context.Context) ([]*Job, error) {
	return s.listJobs(ctx, jobSelect+" ORDER BY created_at")
}

const jobSelect = `
	SELECT id, name, user_id, spec, body, state, paused,
	       created_at, last_run_at, last_error, run_count
	FROM jobs`

func (s *SQLite) listJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j         Job
		state     string
		paused    int
		createdAt string
		lastRunAt sql.NullString
	)
	if err := row.Scan(
		&j.ID, &j.Name, &j.UserID, &j.Spec, &j.Body, &state, &paused,
		&createdAt, &lastRunAt, &j.LastError, &j.RunCount,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(state), &j.State); err != nil {
		return nil, fmt.Errorf("decode state for job %q: %w", j.ID, err)
	}
	if j.State == nil {
		j.State = map[string]string{}
	}
	j.Paused = paused != 0
	j.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if lastRunAt.Valid {
		t, _ := time.Parse(time.RFC3339, lastRunAt.String)
		j.LastRunAt = &t
	}
	return &j, nil
}

func encodeJob(j *Job) (stateBlob string, lastRunAt sql.NullString, err error) {
	state := j.State
	if state == nil {
		state = map[string]string{}
	}
	blob, err := json.Marshal(state)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("encode state for job %q: %w", j.ID, err)
	}
	if j.LastRunAt != nil {
		lastRunAt = sql.NullString{String: j.LastRunAt.UTC().Format(time.RFC3339), Valid: true}
	}
	return string(blob), lastRunAt, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
