package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the tokenguard configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Guest    GuestConfig    `yaml:"guest"`
	Budget   BudgetConfig   `yaml:"budget"`
	LLM      LLMConfig      `yaml:"llm"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeoutSec  int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec int      `yaml:"write_timeout_sec"`
	ShutdownSec     int      `yaml:"shutdown_timeout_sec"`
	AllowedOrigins  []string `yaml:"allowed_origins"` // WebSocket origins; empty = same host only
}

// Database drivers.
const (
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
)

// DatabaseConfig holds member store settings.
type DatabaseConfig struct {
	Driver           string   `yaml:"driver"` // redis, sqlite (default: redis)
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	Path             string   `yaml:"path"` // sqlite file
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
	UsageLogMaxLen   int64    `yaml:"usage_log_max_len"` // redis stream cap
}

// Guest storage kinds.
const (
	GuestStorageMemory = "memory"
	GuestStorageBadger = "badger"
	GuestStorageRedis  = "redis"
)

// GuestConfig holds guest local storage settings.
type GuestConfig struct {
	Storage string `yaml:"storage"` // memory, badger, redis (default: memory)
	Path    string `yaml:"path"`    // badger directory
}

// BudgetConfig holds token accounting settings.
type BudgetConfig struct {
	EstimatedTokens   int64 `yaml:"estimated_tokens"`    // pre-flight estimate
	CacheGuestBudget  *bool `yaml:"cache_guest_budget"`  // default: true
	CacheMemberBudget bool  `yaml:"cache_member_budget"` // default: false
}

// PriceConfig is the cost of 1000 tokens of a model, in dollars.
type PriceConfig struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k"`
	CompletionPer1K float64 `yaml:"completion_per_1k"`
}

// LLMConfig holds the metered chat provider settings. Empty APIKey disables it.
type LLMConfig struct {
	APIKey  string                 `yaml:"api_key"`
	BaseURL string                 `yaml:"base_url"`
	Model   string                 `yaml:"model"`
	Pricing map[string]PriceConfig `yaml:"pricing"`
}

// CacheGuest reports whether the guest ceiling is cached.
func (b BudgetConfig) CacheGuest() bool {
	return b.CacheGuestBudget == nil || *b.CacheGuestBudget
}

// Load reads configuration from a YAML file by environment name (local, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 10
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverRedis
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}
	if c.Database.UsageLogMaxLen <= 0 {
		c.Database.UsageLogMaxLen = 100000
	}
	if c.Guest.Storage == "" {
		c.Guest.Storage = GuestStorageMemory
	}
	if c.Budget.EstimatedTokens <= 0 {
		c.Budget.EstimatedTokens = 5000
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	switch c.Database.Driver {
	case DriverRedis:
		if len(c.Database.Addrs) == 0 {
			return fmt.Errorf("database.addrs is required for driver %q", DriverRedis)
		}
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for driver %q", DriverSQLite)
		}
	default:
		return fmt.Errorf("database.driver must be \"redis\" or \"sqlite\", got %q", c.Database.Driver)
	}
	switch c.Guest.Storage {
	case GuestStorageMemory:
	case GuestStorageBadger:
		if c.Guest.Path == "" {
			return fmt.Errorf("guest.path is required for storage %q", GuestStorageBadger)
		}
	case GuestStorageRedis:
		if c.Database.Driver != DriverRedis {
			return fmt.Errorf("guest.storage %q requires database.driver %q", GuestStorageRedis, DriverRedis)
		}
	default:
		return fmt.Errorf("guest.storage must be \"memory\", \"badger\" or \"redis\", got %q", c.Guest.Storage)
	}
	if c.LLM.APIKey != "" && c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required when llm.api_key is set")
	}
	for model, p := range c.LLM.Pricing {
		if p.PromptPer1K < 0 || p.CompletionPer1K < 0 {
			return fmt.Errorf("llm.pricing.%s must not be negative", model)
		}
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
