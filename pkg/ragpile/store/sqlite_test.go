package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUserRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	u := &User{
		ID:    "u1",
		Email: "someone@example.com",
		Name:  "Someone",
		Integrations: Integrations{
			"telegram": {"account_id": "42", "chat_id": "100"},
		},
	}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	got, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.Email != u.Email || got.Integrations.Get("telegram", "chat_id") != "100" {
		t.Errorf("GetUser = %+v", got)
	}
}

func TestGetUser_NotFound(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	if _, err := s.GetUser(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetUser = %v, want ErrNotFound", err)
	}
}

func TestUpdateUserIntegrations(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	u := &User{ID: "u1", Integrations: Integrations{}}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}

	u.Integrations.Set("telegram", "session_id", "abc")
	if err := s.UpdateUserIntegrations(ctx, u); err != nil {
		t.Fatalf("UpdateUserIntegrations: %v", err)
	}

	got, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Integrations.Get("telegram", "session_id") != "abc" {
		t.Errorf("integrations not persisted: %+v", got.Integrations)
	}

	// Updating a missing user surfaces not-found.
	ghost := &User{ID: "ghost", Integrations: Integrations{}}
	if err := s.UpdateUserIntegrations(ctx, ghost); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing user = %v, want ErrNotFound", err)
	}
}

func TestFindUserByIntegration(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	u := &User{
		ID:           "u1",
		Integrations: Integrations{"telegram": {"account_id": "42"}},
	}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}

	got, err := s.FindUserByIntegration(ctx, "telegram", "account_id", "42")
	if err != nil {
		t.Fatalf("FindUserByIntegration: %v", err)
	}
	if got.ID != "u1" {
		t.Errorf("found %q, want u1", got.ID)
	}

	if _, err := s.FindUserByIntegration(ctx, "telegram", "account_id", "999"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown account = %v, want ErrNotFound", err)
	}
}

func TestJobRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	j := &Job{
		ID:        "j1",
		Name:      "morning briefing",
		UserID:    "u1",
		Spec:      "0 9 * * *",
		Body:      "daily_digest",
		State:     map[string]string{"last_seen": "x"},
		CreatedAt: now,
	}
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Spec != "0 9 * * *" {
		t.Errorf("Spec = %q, want the verbatim expression", got.Spec)
	}
	if got.State["last_seen"] != "x" {
		t.Errorf("State = %v", got.State)
	}

	// Whole-snapshot state replacement.
	got.State = map[string]string{"cursor": "y"}
	got.RunCount = 1
	ranAt := now.Add(time.Minute)
	got.LastRunAt = &ranAt
	if err := s.UpdateJob(ctx, got); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	again, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if _, stale := again.State["last_seen"]; stale {
		t.Error("old state key survived a snapshot replacement")
	}
	if again.State["cursor"] != "y" || again.RunCount != 1 || again.LastRunAt == nil {
		t.Errorf("UpdateJob not persisted: %+v", again)
	}
}

func TestListJobs_ScopedToUser(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, j := range []*Job{
		{ID: "a", UserID: "u1", Spec: "@hourly", CreatedAt: now},
		{ID: "b", UserID: "u1", Spec: "@daily", CreatedAt: now.Add(time.Second)},
		{ID: "c", UserID: "u2", Spec: "@daily", CreatedAt: now},
	} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	jobs, err := s.ListJobs(ctx, "u1")
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("ListJobs(u1) returned %d jobs, want 2", len(jobs))
	}

	all, err := s.ListAllJobs(ctx)
	if err != nil {
		t.Fatalf("ListAllJobs: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListAllJobs returned %d jobs, want 3", len(all))
	}
}

func TestDeleteJob(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	j := &Job{ID: "j1", UserID: "u1", Spec: "@daily", CreatedAt: time.Now()}
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteJob(ctx, "j1"); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := s.GetJob(ctx, "j1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJob after delete = %v, want ErrNotFound", err)
	}
	if err := s.DeleteJob(ctx, "j1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete = %v, want ErrNotFound", err)
	}
}
