package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/ragpile/ragpile/pkg/ragpile/config"
)

// newSetupCmd creates the `ragpile setup` command for interactive
// configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard to create your config.yaml.
Asks for the API endpoint, model, bot tokens, and system prompt.
The API key is stored in the OS keyring when one is available,
never in the config file.

Examples:
  ragpile setup`,
		RunE: runSetup,
	}
}

func runSetup(cmd *cobra.Command, _ []string) error {
	path := configPath(cmd)

	// Start from the existing config so re-running setup edits rather
	// than resets.
	cfg, err := config.Load(path)
	if err != nil {
		cfg = config.Default()
	}

	var apiKey string
	if config.StdinIsTerminal() {
		err = setupForm(cfg, &apiKey)
	} else {
		err = setupPlain(cfg, &apiKey)
	}
	if err != nil {
		return err
	}

	if apiKey != "" {
		if config.KeyringAvailable() {
			if err := config.StoreKeyring(config.KeyringAPIKey, apiKey); err != nil {
				return fmt.Errorf("store API key in keyring: %w", err)
			}
			fmt.Println("API key stored in the OS keyring.")
		} else {
			cfg.LLM.APIKey = apiKey
			fmt.Println("No keyring available; API key written to the config file.")
		}
	}

	if err := config.Save(cfg, path); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s\n", path)
	fmt.Println("Run `ragpile serve` to start, or `ragpile chat` to talk from the terminal.")
	return nil
}

// setupForm collects the settings with a terminal form.
func setupForm(cfg *config.Config, apiKey *string) error {
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "https://api.openai.com/v1"
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("API base URL (OpenAI-compatible)").
				Value(&cfg.LLM.BaseURL),
			huh.NewInput().
				Title("Model").
				Value(&cfg.LLM.Model),
			huh.NewInput().
				Title("API key (blank to keep the current one)").
				EchoMode(huh.EchoModePassword).
				Value(apiKey),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token (blank to skip)").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.Telegram.Token),
			huh.NewInput().
				Title("Discord bot token (blank to skip)").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.Discord.Token),
			huh.NewInput().
				Title("System prompt").
				Value(&cfg.SystemPrompt),
		),
	)
	return form.Run()
}

// setupPlain is the fallback for pipes and dumb terminals.
func setupPlain(cfg *config.Config, apiKey *string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Printf("API base URL [%s]: ", cfg.LLM.BaseURL)
	if v := readLine(reader); v != "" {
		cfg.LLM.BaseURL = v
	}
	fmt.Printf("Model [%s]: ", cfg.LLM.Model)
	if v := readLine(reader); v != "" {
		cfg.LLM.Model = v
	}

	// No echo suppression off a terminal; read the key like any line.
	fmt.Print("API key (blank to keep the current one): ")
	*apiKey = readLine(reader)

	fmt.Print("Telegram bot token (blank to skip): ")
	if v := readLine(reader); v != "" {
		cfg.Telegram.Token = v
	}
	fmt.Print("Discord bot token (blank to skip): ")
	if v := readLine(reader); v != "" {
		cfg.Discord.Token = v
	}
	fmt.Printf("System prompt [%s]: ", cfg.SystemPrompt)
	if v := readLine(reader); v != "" {
		cfg.SystemPrompt = v
	}
	return nil
}

func readLine(reader *bufio.Reader) string {
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}
