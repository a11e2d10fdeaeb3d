// Package config loads runtime settings from layered TOML files. The home
// file provides user defaults and a project-local file overrides them.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultServerURL       = "wss://api.tickerwatch.dev/v1/stream"
	defaultAuthTokenEnv    = "TKW_AUTH_TOKEN"
	defaultDialTimeout     = 10 * time.Second
	defaultSendTimeout     = 5 * time.Second
	defaultLogMaxSizeBytes = 10 * 1024 * 1024
	defaultLogMaxFiles     = 5
)

func defaultAgents() []string {
	return []string{"fundamental", "technical", "sentiment", "risk"}
}

// Config stores runtime settings loaded from TOML files.
type Config struct {
	ServerURL       string
	AuthTokenEnv    string
	DialTimeout     time.Duration
	SendTimeout     time.Duration
	Agents          []string
	OTELEndpoint    string
	LogMaxSizeBytes int64
	LogMaxFiles     int
}

type fileConfig struct {
	ServerURL    *string  `toml:"server_url"`
	AuthTokenEnv *string  `toml:"auth_token_env"`
	DialTimeout  *string  `toml:"dial_timeout"`
	SendTimeout  *string  `toml:"send_timeout"`
	Agents       []string `toml:"agents"`
	OTELEndpoint *string  `toml:"otel_endpoint"`
	LogMaxSizeMB *int     `toml:"log_max_size_mb"`
	LogMaxFiles  *int     `toml:"log_max_files"`
}

// Load reads config from ~/.tkw/config.toml and overlays a project-local
// .tkw/config.toml.
func Load(ctx context.Context) (*Config, error) {
	cfg := defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, ".tkw", "config.toml"),
		filepath.Join(workingDir, ".tkw", "config.toml"),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	_ = ctx
	return &cfg, nil
}

// Token resolves the bearer token from the configured environment variable.
// An empty token means the channel dials without credentials.
func (c *Config) Token() string {
	if c == nil {
		return ""
	}
	key := strings.TrimSpace(c.AuthTokenEnv)
	if key == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(key))
}

func defaults() Config {
	return Config{
		ServerURL:       defaultServerURL,
		AuthTokenEnv:    defaultAuthTokenEnv,
		DialTimeout:     defaultDialTimeout,
		SendTimeout:     defaultSendTimeout,
		Agents:          defaultAgents(),
		LogMaxSizeBytes: defaultLogMaxSizeBytes,
		LogMaxFiles:     defaultLogMaxFiles,
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	if err := applyScalarOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyLogOverrides(cfg, decoded, path); err != nil {
		return err
	}

	return nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.ServerURL != nil {
		url := strings.TrimSpace(*decoded.ServerURL)
		if url == "" {
			return fmt.Errorf("parse server_url in %q: must not be empty", path)
		}
		cfg.ServerURL = url
	}
	if decoded.AuthTokenEnv != nil {
		cfg.AuthTokenEnv = strings.TrimSpace(*decoded.AuthTokenEnv)
	}
	if decoded.OTELEndpoint != nil {
		cfg.OTELEndpoint = strings.TrimSpace(*decoded.OTELEndpoint)
	}
	if decoded.Agents != nil {
		agents, err := normalizeAgents(decoded.Agents, path)
		if err != nil {
			return err
		}
		cfg.Agents = agents
	}
	return nil
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.DialTimeout != nil {
		value, err := parseDuration(*decoded.DialTimeout, "dial_timeout", path)
		if err != nil {
			return err
		}
		cfg.DialTimeout = value
	}
	if decoded.SendTimeout != nil {
		value, err := parseDuration(*decoded.SendTimeout, "send_timeout", path)
		if err != nil {
			return err
		}
		cfg.SendTimeout = value
	}
	return nil
}

func applyLogOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.LogMaxSizeMB != nil {
		if *decoded.LogMaxSizeMB <= 0 {
			return fmt.Errorf("parse log_max_size_mb in %q: must be > 0", path)
		}
		cfg.LogMaxSizeBytes = int64(*decoded.LogMaxSizeMB) * 1024 * 1024
	}
	if decoded.LogMaxFiles != nil {
		if *decoded.LogMaxFiles <= 0 {
			return fmt.Errorf("parse log_max_files in %q: must be > 0", path)
		}
		cfg.LogMaxFiles = *decoded.LogMaxFiles
	}
	return nil
}

// normalizeAgents trims, lowercases, and deduplicates the roster while
// preserving declaration order. Declaration order drives subtask seeding.
func normalizeAgents(agents []string, path string) ([]string, error) {
	seen := map[string]bool{}
	normalized := make([]string, 0, len(agents))
	for _, agent := range agents {
		key := strings.ToLower(strings.TrimSpace(agent))
		if key == "" {
			return nil, fmt.Errorf("parse agents in %q: entries must not be empty", path)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		normalized = append(normalized, key)
	}
	if len(normalized) == 0 {
		return nil, fmt.Errorf("parse agents in %q: at least one agent is required", path)
	}
	return normalized, nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s in %q: must be > 0", key, path)
	}
	return parsed, nil
}
