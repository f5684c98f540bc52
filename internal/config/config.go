package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// Scanner modes.
const (
	ScannerClassifier = "classifier"
	ScannerJudge      = "judge"
	ScannerOff        = "off"
)

// EnvPrefix is prepended to every key when read from the environment, so
// max_concurrent is IW_MAX_CONCURRENT.
const EnvPrefix = "IW"

type Config struct {
	MaxSpawnsPerMin    int     `yaml:"max_spawns_per_min" mapstructure:"max_spawns_per_min"`
	MaxConcurrent      int     `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	AuditDir           string  `yaml:"audit_dir" mapstructure:"audit_dir"`
	AuditRetentionDays int     `yaml:"audit_retention_days" mapstructure:"audit_retention_days"`
	MaxPromptLength    int     `yaml:"max_prompt_length" mapstructure:"max_prompt_length"`
	InjectionThreshold float64 `yaml:"injection_threshold" mapstructure:"injection_threshold"`
	RegistryFile       string  `yaml:"registry_file" mapstructure:"registry_file"`

	Scanner         string `yaml:"scanner" mapstructure:"scanner"`
	ScannerURL      string `yaml:"scanner_url" mapstructure:"scanner_url"`
	ScannerModel    string `yaml:"scanner_model" mapstructure:"scanner_model"`
	ScannerToken    string `yaml:"scanner_token" mapstructure:"scanner_token"`
	ScannerForceCPU bool   `yaml:"scanner_force_cpu" mapstructure:"scanner_force_cpu"`

	EventsURL string `yaml:"events_url" mapstructure:"events_url"`
	SourceApp string `yaml:"source_app" mapstructure:"source_app"`
	RedisURL  string `yaml:"redis_url" mapstructure:"redis_url"`

	// AgentCommand is split on whitespace; each field may hold {agent},
	// {task_id} or {prompt}.
	AgentCommand   string   `yaml:"agent_command" mapstructure:"agent_command"`
	ProtectedPaths []string `yaml:"protected_paths" mapstructure:"protected_paths"`
	ListenAddr     string   `yaml:"listen_addr" mapstructure:"listen_addr"`
	LogLevel       string   `yaml:"log_level" mapstructure:"log_level"`
}

var defaults = map[string]any{
	"max_spawns_per_min":   10,
	"max_concurrent":       5,
	"audit_dir":            filepath.Join("logs", "validation_audit"),
	"audit_retention_days": 90,
	"max_prompt_length":    10000,
	"injection_threshold":  0.7,
	"registry_file":        "",
	"scanner":              ScannerClassifier,
	"scanner_url":          "https://api-inference.huggingface.co/models/",
	"scanner_model":        "protectai/deberta-v3-base-prompt-injection-v2",
	"scanner_token":        "",
	"scanner_force_cpu":    true,
	"events_url":           "",
	"source_app":           "spawngate",
	"redis_url":            "",
	"agent_command":        "claude --print {prompt}",
	"protected_paths":      []string{".git/**", "**/.env", "**/*.pem", "**/id_rsa*"},
	"listen_addr":          "127.0.0.1:8787",
	"log_level":            "info",
}

var envVarRe = regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`)

func expandEnv(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "$")
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic("config: defaults do not decode: " + err.Error())
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the optional config file, then the IW_* environment. With an
// empty path, spawngate.yaml is looked up in the working directory and the
// user config directory; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("spawngate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			v.AddConfigPath(filepath.Join(xdg, "spawngate"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "spawngate"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	// Secrets and endpoints in the file may reference the environment.
	cfg.ScannerToken = expandEnv(cfg.ScannerToken)
	cfg.ScannerURL = expandEnv(cfg.ScannerURL)
	cfg.EventsURL = expandEnv(cfg.EventsURL)
	cfg.RedisURL = expandEnv(cfg.RedisURL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Command returns the agent argv template.
func (c *Config) Command() []string {
	return strings.Fields(c.AgentCommand)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.MaxSpawnsPerMin < 1 {
		return fmt.Errorf("config: max_spawns_per_min must be at least 1, got %d", c.MaxSpawnsPerMin)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("config: max_concurrent must be at least 1, got %d", c.MaxConcurrent)
	}
	if c.AuditRetentionDays < 1 {
		return fmt.Errorf("config: audit_retention_days must be at least 1, got %d", c.AuditRetentionDays)
	}
	if c.MaxPromptLength < 1 {
		return fmt.Errorf("config: max_prompt_length must be at least 1, got %d", c.MaxPromptLength)
	}
	if c.InjectionThreshold <= 0 || c.InjectionThreshold > 1 {
		return fmt.Errorf("config: injection_threshold must be in (0, 1], got %g", c.InjectionThreshold)
	}
	if c.AuditDir == "" {
		return fmt.Errorf("config: audit_dir is required")
	}
	switch c.Scanner {
	case ScannerClassifier, ScannerOff:
	case ScannerJudge:
		if c.ScannerURL == "" || c.ScannerModel == "" {
			return fmt.Errorf("config: scanner %q requires scanner_url and scanner_model", c.Scanner)
		}
	default:
		return fmt.Errorf("config: scanner %q is invalid (must be classifier, judge, or off)", c.Scanner)
	}
	if len(c.Command()) == 0 {
		return fmt.Errorf("config: agent_command is required")
	}
	return nil
}
