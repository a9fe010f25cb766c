package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ragpile/ragpile/pkg/ragpile/agent"
	"github.com/ragpile/ragpile/pkg/ragpile/bus"
	"github.com/ragpile/ragpile/pkg/ragpile/channels"
	"github.com/ragpile/ragpile/pkg/ragpile/config"
	"github.com/ragpile/ragpile/pkg/ragpile/jobs"
	"github.com/ragpile/ragpile/pkg/ragpile/llm"
	"github.com/ragpile/ragpile/pkg/ragpile/session"
	"github.com/ragpile/ragpile/pkg/ragpile/store"
	"github.com/ragpile/ragpile/pkg/ragpile/tasks"
	"github.com/ragpile/ragpile/pkg/ragpile/tools"
)

// cliChannel is the bus channel name used for terminal conversations.
const cliChannel = "cli"

// newChatCmd creates the `ragpile chat` command for terminal conversations.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the assistant from the terminal",
		Long: `Talk to the assistant without a messaging channel. Pass a message
for a single reply, or no arguments for an interactive session.

Examples:
  ragpile chat "What do I have scheduled?"
  ragpile chat`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().StringP("model", "m", "", "override the configured model")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return err
	}
	if model, _ := cmd.Flags().GetString("model"); model != "" {
		cfg.LLM.Model = model
	}
	logger := buildLogger(cmd, cfg)
	config.ResolveAPIKey(cfg, logger)

	st, err := store.OpenSQLite(cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.New()
	if err := b.Register(cliChannel); err != nil {
		return err
	}

	registry := tools.NewRegistry()
	client := llm.NewClient(cfg.LLM, logger)
	sessions := session.NewManager(st, time.Duration(cfg.Session.WindowMinutes)*time.Minute, logger)

	// The task engine runs for the life of the session so @every jobs
	// fire while the terminal is open. Output lands on the cli queue.
	engine := tasks.NewEngine(st, registry, tasks.Config{
		Workers:    cfg.Tasks.Workers,
		RunTimeout: time.Duration(cfg.Tasks.RunTimeoutSeconds) * time.Second,
	}, logger)
	if err := jobs.RegisterBodies(engine, client, cfg.SystemPrompt); err != nil {
		return err
	}
	for _, tool := range jobs.SchedulerTools(engine) {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	if err := registry.Register(tools.ProfileTool(st)); err != nil {
		return err
	}
	engine.SetNotifier(func(_ context.Context, userID, text string) error {
		return b.Put(bus.Envelope{
			UserID:  userID,
			Payload: bus.Payload{Role: bus.RoleAssistant, Kind: bus.KindText, Content: text},
		})
	})
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start task engine: %w", err)
	}
	defer engine.Stop()

	assistant := agent.New(client, st, sessions, b, registry, cfg.SystemPrompt, logger)

	if len(args) > 0 {
		reply, err := chatTurn(ctx, assistant, b, args[0])
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	}

	return interactiveChat(ctx, assistant, b)
}

// chatTurn sends one message through the agent and collects the reply
// from the cli queue.
func chatTurn(ctx context.Context, assistant *agent.Agent, b *bus.Bus, text string) (string, error) {
	msg := &channels.IncomingMessage{
		ID:        strings.ReplaceAll(uuid.NewString(), "-", ""),
		Channel:   cliChannel,
		From:      "local",
		FromName:  "local",
		ChatID:    "local",
		Content:   text,
		Timestamp: time.Now(),
	}
	if err := assistant.HandleIncoming(ctx, msg); err != nil {
		// A failed turn may still have queued a failure notice; drop
		// it so it does not surface on the next turn.
		for b.Len(cliChannel) > 0 {
			if _, getErr := b.Get(ctx, cliChannel); getErr != nil {
				break
			}
		}
		return "", err
	}

	// The turn is synchronous, so the reply is already queued.
	var parts []string
	for {
		env, err := b.Get(ctx, cliChannel)
		if err != nil {
			return "", err
		}
		if env.Payload.Kind == bus.KindText && strings.TrimSpace(env.Payload.Content) != "" {
			parts = append(parts, env.Payload.Content)
		}
		if b.Len(cliChannel) == 0 {
			break
		}
	}
	return strings.Join(parts, "\n"), nil
}

func interactiveChat(ctx context.Context, assistant *agent.Agent, b *bus.Bus) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".ragpile_history"),
		HistoryLimit:    200,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("Interactive mode. Type 'exit' or Ctrl+D to leave.")

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Println("bye")
				return nil
			}
			return err
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("bye")
			return nil
		}

		reply, err := chatTurn(ctx, assistant, b, input)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Printf("\n%s\n\n", reply)
	}
}
