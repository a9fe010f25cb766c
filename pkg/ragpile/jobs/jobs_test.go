package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/ragpile/ragpile/pkg/ragpile/llm"
	"github.com/ragpile/ragpile/pkg/ragpile/store"
	"github.com/ragpile/ragpile/pkg/ragpile/tasks"
	"github.com/ragpile/ragpile/pkg/ragpile/tools"
)

type memStore struct {
	store.Store

	mu   sync.Mutex
	jobs map[string]*store.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*store.Job)}
}

func (m *memStore) CreateJob(_ context.Context, j *store.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j
	return nil
}

func (m *memStore) UpdateJob(_ context.Context, j *store.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j
	return nil
}

func (m *memStore) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *memStore) ListAllJobs(_ context.Context) ([]*store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out, nil
}

type stubTexter struct {
	reply    string
	err      error
	messages []llm.Message
}

func (s *stubTexter) Complete(_ context.Context, messages []llm.Message) (string, error) {
	s.messages = messages
	return s.reply, s.err
}

func newEngine(t *testing.T, c Texter) *tasks.Engine {
	t.Helper()
	e := tasks.NewEngine(newMemStore(), tools.NewRegistry(), tasks.Config{Workers: 1}, nil)
	if err := RegisterBodies(e, c, "you are a helpful assistant"); err != nil {
		t.Fatalf("RegisterBodies: %v", err)
	}
	return e
}

func TestRemindBody(t *testing.T) {
	tests := []struct {
		name    string
		state   map[string]string
		jobName string
		want    string
		wantErr bool
	}{
		{name: "stored text", state: map[string]string{"text": "drink water"}, want: "drink water"},
		{name: "falls back to job name", state: map[string]string{}, jobName: "standup", want: "standup"},
		{name: "nothing to say", state: map[string]string{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			rc := &tasks.RunContext{
				Job:   &store.Job{Name: tt.jobName},
				State: tt.state,
				Notify: func(_ context.Context, text string) error {
					got = text
					return nil
				},
			}
			err := remindBody(context.Background(), rc)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("remindBody: %v", err)
			}
			if got != tt.want {
				t.Fatalf("notified %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPromptBody(t *testing.T) {
	c := &stubTexter{reply: "here is your digest"}
	body := promptBody(c, "be brief")

	var got string
	rc := &tasks.RunContext{
		Job:   &store.Job{Name: "digest"},
		State: map[string]string{"prompt": "summarize my day"},
		Notify: func(_ context.Context, text string) error {
			got = text
			return nil
		},
	}
	if err := body(context.Background(), rc); err != nil {
		t.Fatalf("promptBody: %v", err)
	}
	if got != "here is your digest" {
		t.Fatalf("notified %q", got)
	}
	if rc.State["last_reply"] != "here is your digest" {
		t.Fatalf("last_reply = %q", rc.State["last_reply"])
	}
	if len(c.messages) != 2 || c.messages[0].Content != "be brief" || c.messages[1].Content != "summarize my day" {
		t.Fatalf("unexpected messages: %+v", c.messages)
	}
}

func TestPromptBodyErrors(t *testing.T) {
	body := promptBody(&stubTexter{err: errors.New("boom")}, "sys")

	rc := &tasks.RunContext{
		Job:    &store.Job{},
		State:  map[string]string{"prompt": "x"},
		Notify: func(context.Context, string) error { return nil },
	}
	if err := body(context.Background(), rc); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("want wrapped llm error, got %v", err)
	}

	rc.State = map[string]string{}
	if err := body(context.Background(), rc); err == nil {
		t.Fatal("empty prompt should error")
	}
}

func TestScheduleCreateTool(t *testing.T) {
	e := newEngine(t, &stubTexter{})
	reg := toolMap(t, e)

	out, err := reg["schedule_create"].Run(context.Background(), "alice", map[string]any{
		"name": "hydrate",
		"cron": "*/30 * * * *",
		"text": "drink water",
	})
	if err != nil {
		t.Fatalf("schedule_create: %v", err)
	}
	if !strings.Contains(out, "hydrate") {
		t.Fatalf("unexpected output %q", out)
	}

	jobs := e.List("alice")
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs", len(jobs))
	}
	if jobs[0].Body != BodyRemind || jobs[0].State["text"] != "drink water" {
		t.Fatalf("job = %+v", jobs[0])
	}
	if jobs[0].Spec != "*/30 * * * *" {
		t.Fatalf("spec stored as %q", jobs[0].Spec)
	}
}

func TestScheduleCreateToolValidation(t *testing.T) {
	e := newEngine(t, &stubTexter{})
	reg := toolMap(t, e)

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing cron", map[string]any{"text": "hi"}},
		{"bad cron", map[string]any{"cron": "not a cron", "text": "hi"}},
		{"no text or prompt", map[string]any{"cron": "@daily"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := reg["schedule_create"].Run(context.Background(), "alice", tt.args); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestScheduleCancelToolOwnership(t *testing.T) {
	e := newEngine(t, &stubTexter{})
	reg := toolMap(t, e)

	if _, err := reg["schedule_create"].Run(context.Background(), "alice", map[string]any{
		"cron": "@daily", "text": "hi",
	}); err != nil {
		t.Fatalf("schedule_create: %v", err)
	}
	id := e.List("alice")[0].ID

	if _, err := reg["schedule_cancel"].Run(context.Background(), "mallory", map[string]any{"id": id}); !errors.Is(err, tasks.ErrJobNotFound) {
		t.Fatalf("foreign cancel: %v", err)
	}
	if _, err := reg["schedule_cancel"].Run(context.Background(), "alice", map[string]any{"id": id}); err != nil {
		t.Fatalf("owner cancel: %v", err)
	}
	if len(e.List("alice")) != 0 {
		t.Fatal("job survived cancel")
	}
}

func TestScheduleListTool(t *testing.T) {
	e := newEngine(t, &stubTexter{})
	reg := toolMap(t, e)

	out, err := reg["schedule_list"].Run(context.Background(), "alice", nil)
	if err != nil {
		t.Fatalf("schedule_list: %v", err)
	}
	if out != "no scheduled jobs" {
		t.Fatalf("empty list = %q", out)
	}

	if _, err := reg["schedule_create"].Run(context.Background(), "alice", map[string]any{
		"name": "digest", "cron": "0 9 * * *", "prompt": "summarize",
	}); err != nil {
		t.Fatalf("schedule_create: %v", err)
	}
	out, err = reg["schedule_list"].Run(context.Background(), "alice", nil)
	if err != nil {
		t.Fatalf("schedule_list: %v", err)
	}
	if !strings.Contains(out, "digest") || !strings.Contains(out, "0 9 * * *") {
		t.Fatalf("list = %q", out)
	}
}

func toolMap(t *testing.T, e *tasks.Engine) map[string]tools.Tool {
	t.Helper()
	out := make(map[string]tools.Tool)
	for _, tool := range SchedulerTools(e) {
		out[tool.Name] = tool
	}
	return out
}
