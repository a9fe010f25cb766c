package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ragpile/ragpile/pkg/ragpile/config"
	"github.com/ragpile/ragpile/pkg/ragpile/jobs"
	"github.com/ragpile/ragpile/pkg/ragpile/store"
	"github.com/ragpile/ragpile/pkg/ragpile/tasks"
)

// newScheduleCmd creates the `ragpile schedule` command for managing
// scheduled jobs. The commands edit the job table directly; a running
// daemon picks the changes up on its next start.
func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage scheduled jobs",
		Long: `Manage scheduled jobs. Jobs fire while the daemon (or an
interactive chat session) is running.

Examples:
  ragpile schedule list
  ragpile schedule add "0 9 * * 1-5" "Stand-up in 15 minutes" --user <id>
  ragpile schedule add "@daily" --prompt "Summarize my open reminders" --user <id>
  ragpile schedule remove <id>
  ragpile schedule pause <id>`,
	}

	cmd.AddCommand(
		newScheduleListCmd(),
		newScheduleAddCmd(),
		newScheduleRemoveCmd(),
		newSchedulePauseCmd(),
		newScheduleResumeCmd(),
	)

	return cmd
}

// openScheduleStore opens the configured store for a schedule command.
func openScheduleStore(cmd *cobra.Command) (*store.SQLite, error) {
	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return nil, err
	}
	st, err := store.OpenSQLite(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func newScheduleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openScheduleStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := context.Background()
			userID, _ := cmd.Flags().GetString("user")
			var list []*store.Job
			if userID != "" {
				list, err = st.ListJobs(ctx, userID)
			} else {
				list, err = st.ListAllJobs(ctx)
			}
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No scheduled jobs.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tBODY\tUSER\tSTATUS\tLAST RUN")
			for _, j := range list {
				status := "active"
				if j.Paused {
					status = "paused"
				}
				lastRun := "-"
				if j.LastRunAt != nil {
					lastRun = j.LastRunAt.UTC().Format(time.RFC3339)
				}
				if j.LastError != "" {
					status = "failing"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					j.ID, j.Name, j.Spec, j.Body, j.UserID, status, lastRun)
			}
			return w.Flush()
		},
	}

	cmd.Flags().String("user", "", "only list jobs owned by this user id")
	return cmd
}

func newScheduleAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <schedule> [text]",
		Short: "Add a scheduled job",
		Long: `Add a scheduled job. The schedule is a 5-field cron expression,
a descriptor like @daily, or an @every interval. Pass reminder text as
the second argument, or --prompt to run instructions through the
assistant instead.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := args[0]
			if err := tasks.ValidateSpec(spec); err != nil {
				return fmt.Errorf("invalid schedule %q: %w", spec, err)
			}

			userID, _ := cmd.Flags().GetString("user")
			if userID == "" {
				return errors.New("--user is required")
			}
			name, _ := cmd.Flags().GetString("name")
			prompt, _ := cmd.Flags().GetString("prompt")

			var text string
			if len(args) == 2 {
				text = args[1]
			}
			if text == "" && prompt == "" {
				return errors.New("pass reminder text or --prompt")
			}

			job := &store.Job{
				ID:        strings.ReplaceAll(uuid.NewString(), "-", ""),
				Name:      name,
				UserID:    userID,
				Spec:      spec,
				State:     make(map[string]string),
				CreatedAt: time.Now().UTC(),
			}
			if prompt != "" {
				job.Body = jobs.BodyPrompt
				job.State["prompt"] = prompt
			} else {
				job.Body = jobs.BodyRemind
				job.State["text"] = text
			}
			if job.Name == "" {
				job.Name = job.Body
			}

			st, err := openScheduleStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.CreateJob(context.Background(), job); err != nil {
				return err
			}
			fmt.Printf("Scheduled %q with id %s (%s)\n", job.Name, job.ID, job.Spec)
			return nil
		},
	}

	cmd.Flags().String("user", "", "owner user id (required)")
	cmd.Flags().String("name", "", "job name")
	cmd.Flags().String("prompt", "", "instructions to run through the assistant")
	return cmd
}

func newScheduleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openScheduleStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.DeleteJob(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed job %s\n", args[0])
			return nil
		},
	}
}

func newSchedulePauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <id>",
		Short: "Pause a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setJobPaused(cmd, args[0], true)
		},
	}
}

func newScheduleResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a paused job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setJobPaused(cmd, args[0], false)
		},
	}
}

func setJobPaused(cmd *cobra.Command, id string, paused bool) error {
	st, err := openScheduleStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	job, err := st.GetJob(ctx, id)
	if err != nil {
		return err
	}
	job.Paused = paused
	if err := st.UpdateJob(ctx, job); err != nil {
		return err
	}
	if paused {
		fmt.Printf("Paused job %s\n", id)
	} else {
		fmt.Printf("Resumed job %s\n", id)
	}
	return nil
}
