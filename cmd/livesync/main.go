package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/Prismer-AI/livesync"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.livesync/config.toml.
// Every field can be overridden by a LIVESYNC_<SECTION>_<FIELD> variable.
type Config struct {
	Default ConfigDefault      `toml:"default" envPrefix:"DEFAULT_"`
	Auth    ConfigAuth         `toml:"auth" envPrefix:"AUTH_"`
	Sync    ConfigSync         `toml:"sync" envPrefix:"SYNC_"`
	Storage ConfigStorage      `toml:"storage" envPrefix:"STORAGE_"`
	Log     livesync.LogConfig `toml:"log" envPrefix:"LOG_"`
	Notify  ConfigNotify       `toml:"notify" envPrefix:"NOTIFY_"`
	AI      ConfigAI           `toml:"ai" envPrefix:"AI_"`
}

// ConfigDefault holds the server location.
type ConfigDefault struct {
	ServerURL string `toml:"server_url" env:"SERVER_URL"`
}

// ConfigAuth holds the signed-in identity.
type ConfigAuth struct {
	Token        string `toml:"token" env:"TOKEN"`
	ActorID      string `toml:"actor_id" env:"ACTOR_ID"`
	DisplayName  string `toml:"display_name" env:"DISPLAY_NAME"`
	IsPrivileged bool   `toml:"is_privileged" env:"IS_PRIVILEGED"`
}

// ConfigSync holds cache and pipeline tuning. Durations use time.ParseDuration syntax.
type ConfigSync struct {
	TTL         string `toml:"ttl" env:"TTL"`
	Cooldown    string `toml:"cooldown" env:"COOLDOWN"`
	SendTimeout string `toml:"send_timeout" env:"SEND_TIMEOUT"`
	SweepSpec   string `toml:"sweep_spec" env:"SWEEP_SPEC"`
	IdleTimeout string `toml:"idle_timeout" env:"IDLE_TIMEOUT"`
	MaxKeys     int    `toml:"max_keys" env:"MAX_KEYS"`
}

// ConfigStorage selects the durable retry queue driver.
type ConfigStorage struct {
	// Driver is bolt, sqlite or memory.
	Driver string `toml:"driver" env:"DRIVER"`
	Path   string `toml:"path" env:"PATH"`
}

// ConfigNotify configures the webhook notifier.
type ConfigNotify struct {
	WebhookURL string `toml:"webhook_url" env:"WEBHOOK_URL"`
	Secret     string `toml:"secret" env:"SECRET"`
}

// ConfigAI configures the summary generator.
type ConfigAI struct {
	Endpoint  string `toml:"endpoint" env:"ENDPOINT"`
	APIKey    string `toml:"api_key" env:"API_KEY"`
	Model     string `toml:"model" env:"MODEL"`
	MaxTokens int    `toml:"max_tokens" env:"MAX_TOKENS"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.livesync, creating it if needed.
// LIVESYNC_HOME overrides the location.
func configDir() (string, error) {
	dir := os.Getenv("LIVESYNC_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".livesync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadEffectiveConfig is loadConfig with environment overrides applied.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "LIVESYNC_"}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.server_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.server_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "server_url":
			cfg.Default.ServerURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "actor_id":
			cfg.Auth.ActorID = value
		case "display_name":
			cfg.Auth.DisplayName = value
		case "is_privileged":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("auth.is_privileged: %w", err)
			}
			cfg.Auth.IsPrivileged = b
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "sync":
		switch field {
		case "ttl":
			cfg.Sync.TTL = value
		case "cooldown":
			cfg.Sync.Cooldown = value
		case "send_timeout":
			cfg.Sync.SendTimeout = value
		case "sweep_spec":
			cfg.Sync.SweepSpec = value
		case "idle_timeout":
			cfg.Sync.IdleTimeout = value
		case "max_keys":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("sync.max_keys: %w", err)
			}
			cfg.Sync.MaxKeys = n
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	case "storage":
		switch field {
		case "driver":
			cfg.Storage.Driver = value
		case "path":
			cfg.Storage.Path = value
		default:
			return fmt.Errorf("unknown field %q in section [storage]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "encoding":
			cfg.Log.Encoding = value
		case "output_paths":
			cfg.Log.OutputPaths = strings.Split(value, ",")
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	case "notify":
		switch field {
		case "webhook_url":
			cfg.Notify.WebhookURL = value
		case "secret":
			cfg.Notify.Secret = value
		default:
			return fmt.Errorf("unknown field %q in section [notify]", field)
		}
	case "ai":
		switch field {
		case "endpoint":
			cfg.AI.Endpoint = value
		case "api_key":
			cfg.AI.APIKey = value
		case "model":
			cfg.AI.Model = value
		case "max_tokens":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("ai.max_tokens: %w", err)
			}
			cfg.AI.MaxTokens = n
		default:
			return fmt.Errorf("unknown field %q in section [ai]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, sync, storage, log, notify, ai)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:          "livesync",
	Short:        "livesync CLI",
	Long:         "Command-line interface for the livesync synchronization core.\nWatch live streams, send messages and manage the retry queue.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
