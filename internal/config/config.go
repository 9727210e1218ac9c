package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"companionchat/internal/models"

	"github.com/spf13/viper"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig     `mapstructure:"basic_config"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Auth        AuthConfig      `mapstructure:"auth"`
	Credits     CreditConfig    `mapstructure:"credits"`
	Providers   ProvidersConfig `mapstructure:"providers"`
	Worker      WorkerConfig    `mapstructure:"worker"`
}

type BasicConfig struct {
	ServerAddress string `mapstructure:"server_address"`
	Environment   string `mapstructure:"environment"`
	LogLevel      string `mapstructure:"log_level"`
}

// DatabaseConfig selects the store. Driver "memory" keeps everything in process.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Params   string `mapstructure:"params"`
}

// RedisConfig is optional; an empty Addr disables every redis-backed feature.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwt_secret"`
	TokenTTLHours int    `mapstructure:"token_ttl_hours"`
	AdminKey      string `mapstructure:"admin_key"`
}

type CreditConfig struct {
	TokensPerMessage       int64 `mapstructure:"tokens_per_message"`
	DefaultStartingBalance int64 `mapstructure:"default_starting_balance"`
}

type ProviderConfig struct {
	// Kind picks the client implementation: openai (any compatible API), claude or gemini.
	Kind    string `mapstructure:"kind"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
}

type ProvidersConfig struct {
	UseUnrestricted       bool           `mapstructure:"use_unrestricted"`
	UsePermissive         bool           `mapstructure:"use_permissive"`
	UseModerated          bool           `mapstructure:"use_moderated"`
	TimeoutSeconds        int            `mapstructure:"timeout_seconds"`
	Moderated             ProviderConfig `mapstructure:"moderated"`
	Permissive            ProviderConfig `mapstructure:"permissive"`
	Unrestricted          ProviderConfig `mapstructure:"unrestricted"`
	UnrestrictedSecondary ProviderConfig `mapstructure:"unrestricted_secondary"`
}

type WorkerConfig struct {
	MinWorkers         int `mapstructure:"min_workers"`
	MaxWorkers         int `mapstructure:"max_workers"`
	QueueSize          int `mapstructure:"queue_size"`
	IdleTimeoutSeconds int `mapstructure:"idle_timeout_seconds"`
}

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string]string{
	"basic_config.server_address":               "SERVER_ADDRESS",
	"basic_config.environment":                  "APP_ENV",
	"basic_config.log_level":                    "LOG_LEVEL",
	"database.driver":                           "DB_DRIVER",
	"database.dsn":                              "DATABASE_DSN",
	"redis.addr":                                "REDIS_ADDR",
	"redis.password":                            "REDIS_PASSWORD",
	"auth.jwt_secret":                           "JWT_SECRET",
	"auth.token_ttl_hours":                      "TOKEN_TTL",
	"auth.admin_key":                            "ADMIN_KEY",
	"credits.tokens_per_message":                "TOKENS_PER_MESSAGE",
	"credits.default_starting_balance":          "DEFAULT_STARTING_BALANCE",
	"providers.use_unrestricted":                "USE_UNRESTRICTED_PROVIDER",
	"providers.use_permissive":                  "USE_PERMISSIVE_PROVIDER",
	"providers.use_moderated":                   "USE_MODERATED_PROVIDER",
	"providers.timeout_seconds":                 "PROVIDER_TIMEOUT_SECONDS",
	"providers.moderated.kind":                  "MODERATED_PROVIDER_KIND",
	"providers.moderated.api_key":               "MODERATED_API_KEY",
	"providers.moderated.base_url":              "MODERATED_API_BASE_URL",
	"providers.moderated.model":                 "MODERATED_MODEL",
	"providers.permissive.kind":                 "PERMISSIVE_PROVIDER_KIND",
	"providers.permissive.api_key":              "PERMISSIVE_API_KEY",
	"providers.permissive.base_url":             "PERMISSIVE_API_BASE_URL",
	"providers.permissive.model":                "PERMISSIVE_MODEL",
	"providers.unrestricted.kind":               "UNRESTRICTED_PROVIDER_KIND",
	"providers.unrestricted.api_key":            "UNRESTRICTED_API_KEY",
	"providers.unrestricted.base_url":           "UNRESTRICTED_API_BASE_URL",
	"providers.unrestricted.model":              "UNRESTRICTED_MODEL",
	"providers.unrestricted_secondary.api_key":  "UNRESTRICTED_SECONDARY_API_KEY",
	"providers.unrestricted_secondary.base_url": "UNRESTRICTED_SECONDARY_API_BASE_URL",
	"providers.unrestricted_secondary.model":    "UNRESTRICTED_SECONDARY_MODEL",
	"worker.min_workers":                        "WORKER_MIN",
	"worker.max_workers":                        "WORKER_MAX",
	"worker.queue_size":                         "WORKER_QUEUE_SIZE",
	"worker.idle_timeout_seconds":               "WORKER_IDLE_TIMEOUT_SECONDS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("basic_config.server_address", ":8090")
	v.SetDefault("basic_config.environment", "production")
	v.SetDefault("basic_config.log_level", "info")
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "file:companionchat.db?_foreign_keys=on")
	v.SetDefault("auth.token_ttl_hours", 24)
	v.SetDefault("credits.tokens_per_message", 10)
	v.SetDefault("credits.default_starting_balance", 1000)
	v.SetDefault("providers.timeout_seconds", 30)
	v.SetDefault("providers.moderated.kind", "openai")
	v.SetDefault("providers.moderated.base_url", "https://api.openai.com/v1")
	v.SetDefault("providers.moderated.model", "gpt-4o")
	v.SetDefault("providers.permissive.kind", "openai")
	v.SetDefault("providers.permissive.base_url", "https://api.openai.com/v1")
	v.SetDefault("providers.permissive.model", "gpt-4o")
	v.SetDefault("providers.unrestricted.kind", "openai")
	v.SetDefault("providers.unrestricted.base_url", "https://api.venice.ai/api/v1")
	v.SetDefault("providers.unrestricted.model", "venice-uncensored")
	v.SetDefault("providers.unrestricted_secondary.model", "gpt-4o")
	v.SetDefault("worker.min_workers", 2)
	v.SetDefault("worker.max_workers", 16)
	v.SetDefault("worker.queue_size", 256)
	v.SetDefault("worker.idle_timeout_seconds", 60)
}

// Load reads configuration from the optional JSON file at path and applies
// environment overrides on top of it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		v.SetConfigFile(absPath)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", absPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	sec := &c.Providers.UnrestrictedSecondary
	primary := c.Providers.Unrestricted
	// The secondary tier reuses the primary credential and endpoint unless told otherwise.
	if sec.APIKey == "" {
		sec.APIKey = primary.APIKey
	}
	if sec.BaseURL == "" {
		sec.BaseURL = primary.BaseURL
	}
	if sec.Kind == "" {
		sec.Kind = "openai"
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "sqlite3", "mysql", "memory":
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}
	if c.Credits.TokensPerMessage < 0 {
		return errors.New("tokens_per_message cannot be negative")
	}
	if c.Credits.DefaultStartingBalance < 0 {
		return errors.New("default_starting_balance cannot be negative")
	}
	for name, p := range map[string]ProviderConfig{
		"moderated":              c.Providers.Moderated,
		"permissive":             c.Providers.Permissive,
		"unrestricted":           c.Providers.Unrestricted,
		"unrestricted_secondary": c.Providers.UnrestrictedSecondary,
	} {
		switch strings.ToLower(p.Kind) {
		case "", "openai", "claude", "gemini":
		default:
			return fmt.Errorf("provider %s: unsupported kind %q", name, p.Kind)
		}
	}
	return nil
}

// Selection resolves the single active provider.
// Priority: unrestricted, then permissive, then moderated; none set means simulated.
func (p ProvidersConfig) Selection() models.ProviderKind {
	switch {
	case p.UseUnrestricted:
		return models.ProviderUnrestricted
	case p.UsePermissive:
		return models.ProviderPermissive
	case p.UseModerated:
		return models.ProviderModerated
	default:
		return models.ProviderSimulated
	}
}

// Timeout is the per-call deadline applied to upstream requests.
func (p ProvidersConfig) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// IsDevelopment reports whether raw error detail may be exposed to clients.
func (c *Config) IsDevelopment() bool {
	env := strings.ToLower(c.BasicConfig.Environment)
	return env == "development" || env == "dev"
}

// TokenTTL returns the auth token lifetime.
func (a AuthConfig) TokenTTL() time.Duration {
	if a.TokenTTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(a.TokenTTLHours) * time.Hour
}
