// Package config loads the daemon configuration from YAML with environment
// variable expansion and .env support.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/channels/instagram"
	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/channels/whatsapp"
	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/gateway"
	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/llm"
	"github.com/jholhewres/zapfunnel/pkg/zapfunnel/sessions"
)

// Config aggregates the settings of every component.
type Config struct {
	// DataDir is where SQLite databases (the store and per-session
	// WhatsApp credentials) live.
	DataDir string `yaml:"data_dir"`

	Log LogConfig `yaml:"log"`

	Gateway   gateway.Config   `yaml:"gateway"`
	Sessions  sessions.Config  `yaml:"sessions"`
	WhatsApp  whatsapp.Config  `yaml:"whatsapp"`
	Instagram instagram.Config `yaml:"instagram"`
	LLM       llm.Config       `yaml:"llm"`

	Prompt PromptConfig `yaml:"prompt"`
}

// LogConfig selects the slog handler and level.
type LogConfig struct {
	// Format is "text" or "json".
	Format string `yaml:"format"`
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level"`
}

// PromptConfig holds prompt assembly tunables.
type PromptConfig struct {
	// MaxFileChars caps how much of each knowledge file is rendered.
	MaxFileChars int `yaml:"max_file_chars"`
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir:   "data",
		Log:       LogConfig{Format: "text", Level: "info"},
		Gateway:   gateway.Config{Address: ":8090"},
		Sessions:  sessions.DefaultConfig(),
		WhatsApp:  whatsapp.DefaultConfig(),
		Instagram: instagram.DefaultConfig(),
		LLM:       llm.DefaultConfig(),
		Prompt:    PromptConfig{MaxFileChars: 50000},
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} references in config
// values.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Load reads the YAML file at path, expands environment references, and
// overlays it onto the defaults. .env files are loaded first (without
// overriding already-set variables). An empty path returns the defaults.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	cfg := DefaultConfig()
	if path == "" {
		cfg.resolveSecrets()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	cfg.backfill()
	cfg.resolveSecrets()
	return cfg, nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"zapfunnel.yaml",
		"zapfunnel.yml",
		"config.yaml",
		"config.yml",
		"configs/zapfunnel.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// backfill restores defaults for fields the YAML zeroed out.
func (c *Config) backfill() {
	def := DefaultConfig()
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Gateway.Address == "" {
		c.Gateway.Address = def.Gateway.Address
	}
	if c.Sessions.PairingTimeout <= 0 {
		c.Sessions.PairingTimeout = def.Sessions.PairingTimeout
	}
	if c.Sessions.SweepSchedule == "" {
		c.Sessions.SweepSchedule = def.Sessions.SweepSchedule
	}
	if c.Sessions.SweepRetention <= 0 {
		c.Sessions.SweepRetention = def.Sessions.SweepRetention
	}
	if c.Instagram.PollInterval <= 0 {
		c.Instagram.PollInterval = def.Instagram.PollInterval
	}
	if c.Instagram.ThreadCount <= 0 {
		c.Instagram.ThreadCount = def.Instagram.ThreadCount
	}
	if c.Instagram.MaxConsecutiveErrors <= 0 {
		c.Instagram.MaxConsecutiveErrors = def.Instagram.MaxConsecutiveErrors
	}
	if c.Instagram.DedupWindow <= 0 {
		c.Instagram.DedupWindow = def.Instagram.DedupWindow
	}
	if c.WhatsApp.DedupWindow <= 0 {
		c.WhatsApp.DedupWindow = def.WhatsApp.DedupWindow
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = def.LLM.BaseURL
	}
	if c.LLM.Model == "" {
		c.LLM.Model = def.LLM.Model
	}
	if c.LLM.RequestTimeout <= 0 {
		c.LLM.RequestTimeout = def.LLM.RequestTimeout
	}
	if c.Prompt.MaxFileChars <= 0 {
		c.Prompt.MaxFileChars = def.Prompt.MaxFileChars
	}
}

// resolveSecrets fills secrets not present in the YAML: the LLM API key
// from keyring → env → config, and the gateway token from env.
func (c *Config) resolveSecrets() {
	if key := resolveAPIKey(c.LLM.APIKey); key != "" {
		c.LLM.APIKey = key
	}
	if c.Gateway.AuthToken == "" {
		c.Gateway.AuthToken = os.Getenv("ZAPFUNNEL_GATEWAY_TOKEN")
	}
}

// loadEnvFiles loads .env files from standard locations. godotenv does NOT
// overwrite existing env vars.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} references with their
// environment values. Unset variables without a default keep the
// placeholder.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, fallback := sub[1], sub[2]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if strings.Contains(match, ":-") {
			return fallback
		}
		return match
	})
}
