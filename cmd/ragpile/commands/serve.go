package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ragpile/ragpile/pkg/ragpile/agent"
	"github.com/ragpile/ragpile/pkg/ragpile/bus"
	"github.com/ragpile/ragpile/pkg/ragpile/channels"
	"github.com/ragpile/ragpile/pkg/ragpile/channels/discord"
	"github.com/ragpile/ragpile/pkg/ragpile/channels/telegram"
	"github.com/ragpile/ragpile/pkg/ragpile/config"
	"github.com/ragpile/ragpile/pkg/ragpile/delivery"
	"github.com/ragpile/ragpile/pkg/ragpile/jobs"
	"github.com/ragpile/ragpile/pkg/ragpile/llm"
	"github.com/ragpile/ragpile/pkg/ragpile/session"
	"github.com/ragpile/ragpile/pkg/ragpile/store"
	"github.com/ragpile/ragpile/pkg/ragpile/tasks"
	"github.com/ragpile/ragpile/pkg/ragpile/tools"
)

// newServeCmd creates the `ragpile serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon with messaging channels",
		Long: `Start ragpile as a daemon: connect the configured channels
(Telegram, Discord), process incoming messages, and run scheduled jobs.

Examples:
  ragpile serve
  ragpile serve --channel telegram
  ragpile serve --config ./config.yaml`,
		RunE: runServe,
	}

	cmd.Flags().StringSlice("channel", nil, "channels to enable (telegram, discord)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return err
	}
	logger := buildLogger(cmd, cfg)

	// Resolve the API key from keyring -> env -> config.
	config.ResolveAPIKey(cfg, logger)

	st, err := store.OpenSQLite(cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.New()
	registry := tools.NewRegistry()
	client := llm.NewClient(cfg.LLM, logger)
	sessions := session.NewManager(st, time.Duration(cfg.Session.WindowMinutes)*time.Minute, logger)

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
	// Job output rides the bus like any assistant reply, so every
	// connected channel delivers it.
	engine.SetNotifier(func(_ context.Context, userID, text string) error {
		return b.Put(bus.Envelope{
			UserID:  userID,
			Payload: bus.Payload{Role: bus.RoleAssistant, Kind: bus.KindText, Content: text},
		})
	})

	assistant := agent.New(client, st, sessions, b, registry, cfg.SystemPrompt, logger)

	channelFilter, _ := cmd.Flags().GetStringSlice("channel")
	var chans []channels.Channel
	if shouldEnable("telegram", channelFilter) && cfg.Telegram.Token != "" {
		chans = append(chans, telegram.New(cfg.Telegram, logger))
	}
	if shouldEnable("discord", channelFilter) && cfg.Discord.Token != "" {
		chans = append(chans, discord.New(cfg.Discord, logger))
	}
	if len(chans) == 0 {
		logger.Warn("no channels configured; run `ragpile setup` or set a bot token")
	}

	var agentWG, deliveryWG sync.WaitGroup
	var connected []channels.Channel
	for _, ch := range chans {
		if err := ch.Connect(ctx); err != nil {
			logger.Error("channel connect failed", "channel", ch.Name(), "error", err)
			continue
		}
		logger.Info("channel connected", "channel", ch.Name())
		connected = append(connected, ch)

		agentWG.Add(1)
		go func(ch channels.Channel) {
			defer agentWG.Done()
			assistant.Run(ctx, ch)
		}(ch)

		worker, err := delivery.NewWorker(b, st, ch, logger)
		if err != nil {
			return fmt.Errorf("start delivery for %s: %w", ch.Name(), err)
		}
		deliveryWG.Add(1)
		go func(ch channels.Channel) {
			defer deliveryWG.Done()
			if err := worker.Run(ctx); err != nil {
				logger.Error("delivery worker stopped", "channel", ch.Name(), "error", err)
			}
		}(ch)
	}

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start task engine: %w", err)
	}

	logger.Info("ragpile running, press Ctrl+C to stop",
		"channels", len(connected), "jobs", len(engine.List("")))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	// Graceful shutdown with timeout. Producers first, then the bus
	// drains, then the consumers go away.
	done := make(chan struct{})
	go func() {
		engine.Stop()
		b.Shutdown()
		deliveryWG.Wait()
		cancel()
		for _, ch := range connected {
			if err := ch.Disconnect(); err != nil {
				logger.Error("disconnect failed", "channel", ch.Name(), "error", err)
			}
		}
		agentWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(15 * time.Second):
		logger.Warn("shutdown timed out after 15s, forcing exit")
	}

	return nil
}

// shouldEnable reports whether a channel passes the --channel filter.
// An empty filter enables everything that is configured.
func shouldEnable(name string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == name {
			return true
		}
	}
	return false
}
