// Package jobs ships the built-in scheduled job bodies and the
// scheduling tools the assistant can call on a user's behalf.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ragpile/ragpile/pkg/ragpile/llm"
	"github.com/ragpile/ragpile/pkg/ragpile/store"
	"github.com/ragpile/ragpile/pkg/ragpile/tasks"
	"github.com/ragpile/ragpile/pkg/ragpile/tools"
)

// Built-in body names. Jobs reference bodies by name, so these are part
// of the persisted format and must stay stable.
const (
	BodyRemind = "remind"
	BodyPrompt = "prompt"
)

// Texter is the slice of the LLM client the prompt body needs.
type Texter interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// RegisterBodies installs the built-in bodies on e. The prompt body
// runs its stored prompt through c and delivers the reply to the job's
// owner; pass a nil c to register the remind body only.
func RegisterBodies(e *tasks.Engine, c Texter, systemPrompt string) error {
	if err := e.RegisterBody(BodyRemind, remindBody); err != nil {
		return err
	}
	if c == nil {
		return nil
	}
	return e.RegisterBody(BodyPrompt, promptBody(c, systemPrompt))
}

// remindBody sends the job's stored text to its owner on every fire.
func remindBody(ctx context.Context, rc *tasks.RunContext) error {
	text := rc.State["text"]
	if text == "" {
		text = rc.Job.Name
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("reminder has no text")
	}
	return rc.Notify(ctx, text)
}

// promptBody runs the job's stored prompt through the model and
// forwards the reply. The last reply is kept in the state bag so a
// body can be inspected after the fact.
func promptBody(c Texter, systemPrompt string) tasks.Body {
	return func(ctx context.Context, rc *tasks.RunContext) error {
		prompt := rc.State["prompt"]
		if strings.TrimSpace(prompt) == "" {
			return errors.New("job has no prompt")
		}
		messages := []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		}
		reply, err := c.Complete(ctx, messages)
		if err != nil {
			return fmt.Errorf("run prompt: %w", err)
		}
		rc.State["last_reply"] = reply
		return rc.Notify(ctx, reply)
	}
}

// SchedulerTools returns the tools that let the assistant manage a
// user's scheduled jobs. Every call operates on jobs owned by the
// bound user only.
func SchedulerTools(e *tasks.Engine) []tools.Tool {
	return []tools.Tool{
		{
			Name:        "schedule_create",
			Description: "Create a recurring job. Args: name, cron (5-field cron expression or @every duration), and either text (a reminder to send) or prompt (instructions to run through the assistant).",
			Run: func(ctx context.Context, userID string, args map[string]any) (string, error) {
				return createJob(ctx, e, userID, args)
			},
		},
		{
			Name:        "schedule_list",
			Description: "List the user's scheduled jobs with their ids, cron expressions and last run.",
			Run: func(ctx context.Context, userID string, _ map[string]any) (string, error) {
				return listJobs(e, userID), nil
			},
		},
		{
			Name:        "schedule_cancel",
			Description: "Cancel a scheduled job by id.",
			Run: func(ctx context.Context, userID string, args map[string]any) (string, error) {
				return cancelJob(ctx, e, userID, args)
			},
		},
	}
}

func createJob(ctx context.Context, e *tasks.Engine, userID string, args map[string]any) (string, error) {
	name := stringArg(args, "name")
	spec := stringArg(args, "cron")
	if spec == "" {
		return "", errors.New("cron is required")
	}
	text := stringArg(args, "text")
	prompt := stringArg(args, "prompt")

	job := &store.Job{
		ID:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		Name:   name,
		UserID: userID,
		Spec:   spec,
		State:  make(map[string]string),
	}
	switch {
	case prompt != "":
		job.Body = BodyPrompt
		job.State["prompt"] = prompt
	case text != "":
		job.Body = BodyRemind
		job.State["text"] = text
	default:
		return "", errors.New("either text or prompt is required")
	}
	if job.Name == "" {
		job.Name = job.Body
	}

	if err := e.Create(ctx, job); err != nil {
		return "", err
	}
	return fmt.Sprintf("scheduled %q with id %s (%s)", job.Name, job.ID, job.Spec), nil
}

func listJobs(e *tasks.Engine, userID string) string {
	jobs := e.List(userID)
	if len(jobs) == 0 {
		return "no scheduled jobs"
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })

	var b strings.Builder
	for _, j := range jobs {
		fmt.Fprintf(&b, "%s  %q  %s", j.ID, j.Name, j.Spec)
		if j.Paused {
			b.WriteString("  [paused]")
		}
		if j.LastRunAt != nil {
			fmt.Fprintf(&b, "  last run %s", j.LastRunAt.UTC().Format(time.RFC3339))
		}
		if j.LastError != "" {
			fmt.Fprintf(&b, "  last error: %s", j.LastError)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func cancelJob(ctx context.Context, e *tasks.Engine, userID string, args map[string]any) (string, error) {
	id := stringArg(args, "id")
	if id == "" {
		return "", errors.New("id is required")
	}
	job, ok := e.Get(id)
	if !ok || job.UserID != userID {
		return "", fmt.Errorf("job %q: %w", id, tasks.ErrJobNotFound)
	}
	if err := e.Delete(ctx, id); err != nil {
		return "", err
	}
	return fmt.Sprintf("cancelled job %s", id), nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}
