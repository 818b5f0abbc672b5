// Package config loads and saves application configuration from YAML,
// with .env loading, environment variable expansion, and API key
// resolution via the OS keyring.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ryabin/principled/pkg/principled/channels/telegram"
	"github.com/ryabin/principled/pkg/principled/empathy"
	"github.com/ryabin/principled/pkg/principled/scheduler"
)

// Config is the root application configuration.
type Config struct {
	Telegram  telegram.Config      `yaml:"telegram"`
	API       empathy.ClientConfig `yaml:"api"`
	Data      DataConfig           `yaml:"data"`
	Scheduler scheduler.Config     `yaml:"scheduler"`
	Logging   LoggingConfig        `yaml:"logging"`
}

// DataConfig locates the flat-file storage.
type DataConfig struct {
	// Dir holds the per-user JSON files.
	Dir string `yaml:"dir"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level"`

	// Format: text or json.
	Format string `yaml:"format"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Telegram: telegram.DefaultConfig(),
		API: empathy.ClientConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4.1",
		},
		Data: DataConfig{
			Dir: "data",
		},
		Scheduler: scheduler.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// envVarPattern matches ${VAR_NAME} or $VAR_NAME in config values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Z_][A-Z0-9_]*)`)

// Load reads and parses a YAML configuration file. Loads .env files
// first and expands environment variables before parsing.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse([]byte(expandEnvVars(string(data))))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	checkFilePermissions(path)

	return cfg, nil
}

// Parse parses YAML bytes over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// Save writes a Config as YAML with owner-only permissions. Secrets
// are replaced with environment variable references where possible.
func Save(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.API.APIKey = sanitizeSecret(cfg.API.APIKey, "PRINCIPLED_API_KEY")
	sanitized.Telegram.Token = sanitizeSecret(cfg.Telegram.Token, "BOT_TOKEN")

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"principled.yaml",
		"principled.yml",
		"configs/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Validate checks that the config is usable for serving.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" || IsEnvReference(c.Telegram.Token) {
		return fmt.Errorf("telegram token not configured. Set BOT_TOKEN or run 'principled setup'")
	}
	if c.Data.Dir == "" {
		return fmt.Errorf("data directory not configured")
	}
	return nil
}

// ---------- Internal ----------

func loadEnvFiles() {
	// godotenv.Load does NOT overwrite existing env vars.
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR} and $VAR references with environment
// variable values. Unset variables are left as-is.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// resolveSecrets fills in secrets from environment variables when the
// config value is empty or an unexpanded placeholder.
func resolveSecrets(cfg *Config) {
	if cfg.API.APIKey == "" || IsEnvReference(cfg.API.APIKey) {
		if key := os.Getenv("PRINCIPLED_API_KEY"); key != "" {
			cfg.API.APIKey = key
		} else if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			cfg.API.APIKey = key
		}
	}
	if cfg.Telegram.Token == "" || IsEnvReference(cfg.Telegram.Token) {
		if token := os.Getenv("BOT_TOKEN"); token != "" {
			cfg.Telegram.Token = token
		}
	}
}

// sanitizeSecret replaces a real secret with an env var reference for
// safe storage in config files.
func sanitizeSecret(value, envVar string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	if os.Getenv(envVar) == value {
		return "${" + envVar + "}"
	}
	return value
}

// IsEnvReference checks if a string is an environment variable reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") || strings.HasPrefix(s, "$")
}

// checkFilePermissions warns if the config file is world-readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
		)
	}
}
