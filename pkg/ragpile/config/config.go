// Package config handles loading configuration from YAML files with
// credential management via environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ragpile/ragpile/pkg/ragpile/channels/discord"
	"github.com/ragpile/ragpile/pkg/ragpile/channels/telegram"
	"github.com/ragpile/ragpile/pkg/ragpile/llm"
	"github.com/ragpile/ragpile/pkg/ragpile/store"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "config.yaml"

// Config is the root configuration for the ragpile daemon.
type Config struct {
	// SystemPrompt is prepended to every agent turn.
	SystemPrompt string `yaml:"system_prompt"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`

	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format"`

	LLM      llm.Config         `yaml:"llm"`
	Database store.SQLiteConfig `yaml:"database"`
	Telegram telegram.Config    `yaml:"telegram"`
	Discord  discord.Config     `yaml:"discord"`
	Session  SessionConfig      `yaml:"session"`
	Tasks    TasksConfig        `yaml:"tasks"`
}

// SessionConfig tunes conversation session rotation.
type SessionConfig struct {
	// WindowMinutes is the inactivity span before the next message
	// starts a fresh session. Zero uses the built-in default.
	WindowMinutes int `yaml:"window_minutes"`
}

// TasksConfig tunes the scheduled task engine.
type TasksConfig struct {
	// Workers is the size of the job execution pool.
	Workers int `yaml:"workers"`

	// RunTimeoutSeconds bounds a single job execution.
	RunTimeoutSeconds int `yaml:"run_timeout_seconds"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		SystemPrompt: "You are a helpful personal assistant.",
		LogLevel:     "info",
		LogFormat:    "text",
		LLM: llm.Config{
			Model: "gpt-4o-mini",
		},
		Telegram: telegram.DefaultConfig(),
		Tasks: TasksConfig{
			Workers:           4,
			RunTimeoutSeconds: 300,
		},
	}
}

// Load reads and parses a YAML configuration file. It loads .env files
// first and expands ${VAR} references in the YAML before parsing, so
// secrets can stay out of the config file. A missing file at the
// default path yields the defaults rather than an error.
func Load(path string) (*Config, error) {
	// Silently ignore a missing .env.
	_ = godotenv.Load()

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && path == DefaultPath {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// Save writes the config as YAML to path with owner-only permissions,
// since it may carry tokens.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// envVarPattern matches environment variable references in config
// values:
//   - ${VAR_NAME}           simple variable
//   - ${VAR_NAME:-default}  default value if not set
//   - ${VAR_NAME:?error}    error message if not set
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}`)

// expandEnvVars replaces ${VAR} references with their environment
// values. Returns an error if a ${VAR:?msg} variable is unset.
func expandEnvVars(input string) (string, error) {
	var missing []string

	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, modifier, arg := groups[1], groups[2], groups[3]

		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val
		}
		switch modifier {
		case "-":
			return arg
		case "?":
			msg := arg
			if msg == "" {
				msg = "required variable not set"
			}
			missing = append(missing, fmt.Sprintf("%s: %s", name, msg))
			return ""
		}
		return ""
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing required environment variables:\n  %s", strings.Join(missing, "\n  "))
	}
	return out, nil
}
