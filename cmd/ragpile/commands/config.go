package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ragpile/ragpile/pkg/ragpile/config"
)

// newConfigCmd creates the `ragpile config` command.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
		Long: `Manage the ragpile configuration.

Examples:
  ragpile config init
  ragpile config show
  ragpile config set llm.model gpt-4o
  ragpile config set-key`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
		newConfigSetCmd(),
		newConfigSetKeyCmd(),
	)

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath(cmd)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists; edit it or remove it first", path)
			}
			if err := config.Save(config.Default(), path); err != nil {
				return err
			}
			fmt.Printf("Configuration written to %s\n", path)
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath(cmd))
			if err != nil {
				return err
			}

			// Secrets stay out of the terminal.
			redacted := *cfg
			redacted.LLM.APIKey = redact(cfg.LLM.APIKey)
			redacted.Telegram.Token = redact(cfg.Telegram.Token)
			redacted.Discord.Token = redact(cfg.Discord.Token)

			out, err := yaml.Marshal(&redacted)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long: `Set a configuration value by dotted key.

Supported keys: system_prompt, log_level, log_format, llm.base_url,
llm.model, telegram.token, discord.token, database.path.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath(cmd)
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			key, value := args[0], args[1]
			switch key {
			case "system_prompt":
				cfg.SystemPrompt = value
			case "log_level":
				cfg.LogLevel = value
			case "log_format":
				cfg.LogFormat = value
			case "llm.base_url":
				cfg.LLM.BaseURL = value
			case "llm.model":
				cfg.LLM.Model = value
			case "telegram.token":
				cfg.Telegram.Token = value
			case "discord.token":
				cfg.Discord.Token = value
			case "database.path":
				cfg.Database.Path = value
			default:
				return fmt.Errorf("unknown configuration key %q", key)
			}

			if err := config.Save(cfg, path); err != nil {
				return err
			}
			fmt.Printf("Set %s\n", key)
			return nil
		},
	}
}

// newConfigSetKeyCmd stores the LLM API key in the OS keyring.
func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key",
		Short: "Store the API key in the OS keyring",
		RunE: func(_ *cobra.Command, _ []string) error {
			if !config.StdinIsTerminal() {
				return errors.New("set-key needs an interactive terminal")
			}
			key, err := config.ReadPassword("API key: ")
			if err != nil {
				return err
			}
			if strings.TrimSpace(key) == "" {
				return errors.New("empty key, nothing stored")
			}
			if !config.KeyringAvailable() {
				return errors.New("no OS keyring available; set OPENAI_API_KEY or llm.api_key instead")
			}
			if err := config.StoreKeyring(config.KeyringAPIKey, key); err != nil {
				return err
			}
			fmt.Println("API key stored in the OS keyring.")
			return nil
		},
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
