package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration loaded from environment variables or config files.
type Config struct {
	AppEnv          string        `mapstructure:"APP_ENV" validate:"required,oneof=development staging production test"`
	HTTPAddr        string        `mapstructure:"HTTP_ADDR" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" validate:"required"`
	MetricsAddr     string        `mapstructure:"METRICS_ADDR" validate:"omitempty,hostname_port"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS" validate:"gte=0"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST" validate:"gte=0"`
	CORSOrigins     []string      `mapstructure:"CORS_ALLOWED_ORIGINS"`

	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"required,oneof=json console"`

	// Required by the api and worker binaries; deployctl runs without them.
	DatabaseURL   string `mapstructure:"DATABASE_URL" validate:"omitempty,url|uri"`
	RedisAddr     string `mapstructure:"REDIS_ADDR" validate:"omitempty,hostname_port"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`

	AsynqConcurrency int `mapstructure:"ASYNQ_CONCURRENCY" validate:"gte=1,lte=1000"`

	GoMaxProcs int `mapstructure:"GOMAXPROCS" validate:"gte=0,lte=4096"`

	// Orchestration
	WorkingDir       string        `mapstructure:"WORKING_DIR" validate:"required"`
	TerraformBin     string        `mapstructure:"TERRAFORM_BIN" validate:"required"`
	StageTimeout     time.Duration `mapstructure:"STAGE_TIMEOUT" validate:"required"`
	TeardownTimeout  time.Duration `mapstructure:"TEARDOWN_TIMEOUT" validate:"required"`
	MaxRetries       int           `mapstructure:"MAX_RETRIES" validate:"gte=0,lte=100"`
	// TaskTimeout bounds a whole run on the queue. Zero derives it from
	// MaxRetries and the stage, teardown and repair timeouts.
	TaskTimeout      time.Duration `mapstructure:"TASK_TIMEOUT"`
	InventoryEnabled bool          `mapstructure:"INVENTORY_ENABLED"`
	StaleAfter       time.Duration `mapstructure:"STALE_AFTER"`
	CredentialProbe  bool          `mapstructure:"CREDENTIAL_PROBE"`
	MetricsEnabled   bool          `mapstructure:"METRICS_ENABLED"`

	// MCP sidecar
	MCPEnabled   bool          `mapstructure:"MCP_ENABLED"`
	MCPCommand   string        `mapstructure:"MCP_COMMAND" validate:"required_if=MCPEnabled true"`
	MCPTimeout   time.Duration `mapstructure:"MCP_TIMEOUT" validate:"required"`
	MCPHandshake bool          `mapstructure:"MCP_HANDSHAKE"`

	// Language model repair
	AIProvider      string        `mapstructure:"AI_PROVIDER" validate:"required,oneof=openai anthropic gemini"`
	AITimeout       time.Duration `mapstructure:"AI_TIMEOUT" validate:"required"`
	AITemperature   float64       `mapstructure:"AI_TEMPERATURE" validate:"gte=0,lte=2"`
	OpenAIAPIKey    string        `mapstructure:"OPENAI_API_KEY"`
	OpenAIBaseURL   string        `mapstructure:"OPENAI_API_BASE_URL" validate:"omitempty,url"`
	OpenAIModel     string        `mapstructure:"OPENAI_API_MODEL"`
	AnthropicAPIKey string        `mapstructure:"ANTHROPIC_API_KEY"`
	AnthropicURL    string        `mapstructure:"ANTHROPIC_API_BASE_URL" validate:"omitempty,url"`
	AnthropicModel  string        `mapstructure:"ANTHROPIC_API_MODEL"`
	GeminiAPIKey    string        `mapstructure:"GEMINI_API_KEY"`
	GeminiModel     string        `mapstructure:"GEMINI_MODEL"`
}

var (
	cfg      *Config
	validate = validator.New(validator.WithRequiredStructEnabled())
)

var durationKeys = []string{
	"SHUTDOWN_TIMEOUT",
	"STAGE_TIMEOUT",
	"TEARDOWN_TIMEOUT",
	"TASK_TIMEOUT",
	"STALE_AFTER",
	"MCP_TIMEOUT",
	"AI_TIMEOUT",
}

// Load initializes configuration using Viper. It loads from .env if present,
// applies defaults, binds env vars, and validates the result.
func Load() (*Config, error) {
	// Load .env if present (non-fatal)
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	defaults := map[string]any{
		"APP_ENV":                "development",
		"HTTP_ADDR":              "0.0.0.0:8080",
		"SHUTDOWN_TIMEOUT":       "15s",
		"METRICS_ADDR":           "0.0.0.0:9090",
		"RATE_LIMIT_RPS":         10,
		"RATE_LIMIT_BURST":       20,
		"CORS_ALLOWED_ORIGINS":   "*",
		"LOG_LEVEL":              "info",
		"LOG_FORMAT":             "json",
		"ASYNQ_CONCURRENCY":      10,
		"GOMAXPROCS":             0,
		"WORKING_DIR":            "./deployments",
		"TERRAFORM_BIN":          "terraform",
		"STAGE_TIMEOUT":          "30m",
		"TEARDOWN_TIMEOUT":       "20m",
		"MAX_RETRIES":            20,
		"INVENTORY_ENABLED":      true,
		"STALE_AFTER":            "6h",
		"CREDENTIAL_PROBE":       false,
		"METRICS_ENABLED":        true,
		"MCP_ENABLED":            false,
		"MCP_COMMAND":            "docker exec -i terraform-mcp-server terraform-mcp-server stdio",
		"MCP_TIMEOUT":            "60s",
		"MCP_HANDSHAKE":          true,
		"AI_PROVIDER":            "openai",
		"AI_TIMEOUT":             "120s",
		"AI_TEMPERATURE":         0.2,
		"OPENAI_API_BASE_URL":    "https://api.openai.com/v1",
		"OPENAI_API_MODEL":       "gpt-4o",
		"ANTHROPIC_API_BASE_URL": "https://api.anthropic.com/v1",
		"ANTHROPIC_API_MODEL":    "claude-3-5-sonnet-20241022",
		"GEMINI_MODEL":           "gemini-2.0-flash",
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	// Optional config file
	_ = v.ReadInConfig()

	keys := []string{
		"DATABASE_URL",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"TASK_TIMEOUT",
		"OPENAI_API_KEY",
		"ANTHROPIC_API_KEY",
		"GEMINI_API_KEY",
	}
	for k := range defaults {
		keys = append(keys, k)
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	// Duration values may arrive as plain strings from env or yaml.
	for _, key := range durationKeys {
		s := v.GetString(key)
		if s == "" {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		setDuration(&c, key, d)
	}

	if c.TaskTimeout <= 0 {
		c.TaskTimeout = RunBudget(c.MaxRetries, c.StageTimeout, c.TeardownTimeout, c.MCPTimeout+c.AITimeout)
	}

	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if c.GoMaxProcs > 0 {
		runtime.GOMAXPROCS(c.GoMaxProcs)
	}

	cfg = &c
	return cfg, nil
}

func setDuration(c *Config, key string, d time.Duration) {
	switch key {
	case "SHUTDOWN_TIMEOUT":
		c.ShutdownTimeout = d
	case "STAGE_TIMEOUT":
		c.StageTimeout = d
	case "TEARDOWN_TIMEOUT":
		c.TeardownTimeout = d
	case "TASK_TIMEOUT":
		c.TaskTimeout = d
	case "STALE_AFTER":
		c.StaleAfter = d
	case "MCP_TIMEOUT":
		c.MCPTimeout = d
	case "AI_TIMEOUT":
		c.AITimeout = d
	}
}

// stagesPerAttempt counts init, plan, apply, output and inventory.
const stagesPerAttempt = 5

// RunBudget is the longest a run may take when every attempt uses its full
// stage, teardown and repair time, plus the final teardown.
func RunBudget(maxRetries int, stage, teardown, repair time.Duration) time.Duration {
	if maxRetries < 0 {
		maxRetries = 0
	}
	attempts := time.Duration(maxRetries + 1)
	return attempts*(stagesPerAttempt*stage+teardown+repair) + teardown
}

// RequireServices reports an error when the database or redis settings needed
// by the long-running binaries are missing.
func (c *Config) RequireServices() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	return nil
}

// MustLoad loads configuration or exits the process on failure.
func MustLoad() *Config {
	c, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return c
}

// Get returns the loaded configuration. Panics if not loaded.
func Get() *Config {
	if cfg == nil {
		panic("config not loaded: call config.Load or config.MustLoad first")
	}
	return cfg
}
