// Package store persists users, sessions, and scheduled jobs. The core
// treats it as a narrow collaborator: single-row reads and last-writer-wins
// updates, no multi-row transactions.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced user, session, or job does not
// exist. Callers surface it; nothing in the core silently defaults.
var ErrNotFound = errors.New("store: not found")

// Integrations maps an integration name (e.g. "telegram") to its free-form
// key/value settings: tokens, chat handle, current session id, last
// activity. Updated as a whole (last-writer-wins).
type Integrations map[string]map[string]string

// Get reads a single integration key, tolerating missing maps.
func (in Integrations) Get(integration, key string) string {
	if in == nil {
		return ""
	}
	return in[integration][key]
}

// Set writes a single integration key, allocating maps as needed.
func (in Integrations) Set(integration, key, value string) {
	m := in[integration]
	if m == nil {
		m = make(map[string]string)
		in[integration] = m
	}
	m[key] = value
}

// User is an identity with per-integration settings.
type User struct {
	ID           string
	Email        string
	Name         string
	Integrations Integrations
}

// Session is one bounded span of conversation. Immutable once created:
// a new session supersedes it, nothing mutates it.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
}

// Job is a persisted scheduled job. Spec is the cron expression exactly as
// the owner wrote it; State is the opaque bag replaced as a whole snapshot
// after each successful run.
type Job struct {
	ID        string
	Name      string
	UserID    string
	Spec      string
	Body      string
	State     map[string]string
	Paused    bool
	CreatedAt time.Time
	LastRunAt *time.Time
	LastError string
	RunCount  int
}

// Store is the persistence contract consumed by the core.
type Store interface {
	GetUser(ctx context.Context, id string) (*User, error)
	CreateUser(ctx context.Context, user *User) error
	// FindUserByIntegration looks a user up by one integration setting,
	// e.g. ("telegram", "account_id", "12345").
	FindUserByIntegration(ctx context.Context, integration, key, value string) (*User, error)
	// UpdateUserIntegrations replaces the user's integrations column.
	// Last writer wins; there is no optimistic locking.
	UpdateUserIntegrations(ctx context.Context, user *User) error

	CreateSession(ctx context.Context, s *Session) error

	CreateJob(ctx context.Context, j *Job) error
	UpdateJob(ctx context.Context, j *Job) error
	DeleteJob(ctx context.Context, id string) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, userID string) ([]*Job, error)
	// ListAllJobs returns every persisted job, for startup reload.
	ListAllJobs(ctx context.Context) ([]*Job, error)
}
