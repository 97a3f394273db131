// =============================================================================
// Stageflow configuration loader
// =============================================================================
// Unified configuration loading: YAML file + environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("STAGEFLOW").
//	    Load()
//
// Precedence: defaults -> YAML file -> environment variables.
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	// Server holds HTTP server settings.
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Engine holds orchestration settings.
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Generation holds settings for the generation backend.
	Generation GenerationConfig `yaml:"generation" env:"GENERATION"`

	// Artifacts selects and configures the artifact store backend.
	Artifacts ArtifactStoreConfig `yaml:"artifacts" env:"ARTIFACTS"`

	// Interventions selects the intervention store backend.
	Interventions InterventionStoreConfig `yaml:"interventions" env:"INTERVENTIONS"`

	// Runs selects the run store backend.
	Runs RunStoreConfig `yaml:"runs" env:"RUNS"`

	// Redis holds shared redis connection settings.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database holds relational database settings.
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Auth holds API authentication settings.
	Auth AuthConfig `yaml:"auth" env:"AUTH"`

	// Log holds logging settings.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry holds tracing/metrics export settings.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// PipelinesPath is an optional YAML file with pipeline definitions.
	PipelinesPath string `yaml:"pipelines_path" env:"PIPELINES_PATH"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// RateLimitRPS caps inbound API requests per second. Zero disables.
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// RateLimitBurst is the burst size for the API rate limiter.
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// CORSAllowedOrigins lists origins allowed to call the API from a
	// browser. Empty disables cross-origin requests.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// EngineConfig holds orchestration settings.
type EngineConfig struct {
	// MaxAttempts is the default per-stage attempt ceiling. Stages may
	// override it downward or upward in their pipeline definition.
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// PerCallTimeout bounds a single generation call.
	PerCallTimeout time.Duration `yaml:"per_call_timeout" env:"PER_CALL_TIMEOUT"`
	// MaxConcurrentRuns caps runs executing simultaneously.
	MaxConcurrentRuns int64 `yaml:"max_concurrent_runs" env:"MAX_CONCURRENT_RUNS"`
}

// GenerationConfig holds settings for the generation backend.
type GenerationConfig struct {
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	APIKey  string        `yaml:"api_key" env:"API_KEY"`
	Model   string        `yaml:"model" env:"MODEL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// RequestsPerSecond rate-limits outbound generation calls. Zero disables.
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	Burst             int     `yaml:"burst" env:"BURST"`
	// TokenEncoding names the tiktoken encoding used for prompt accounting.
	TokenEncoding string `yaml:"token_encoding" env:"TOKEN_ENCODING"`
	Temperature   float64 `yaml:"temperature" env:"TEMPERATURE"`
	MaxTokens     int     `yaml:"max_tokens" env:"MAX_TOKENS"`
}

// ArtifactStoreConfig selects the artifact store backend.
type ArtifactStoreConfig struct {
	// Type: memory, file, redis
	Type string `yaml:"type" env:"TYPE"`
	// BaseDir is the root directory for the file backend.
	BaseDir string `yaml:"base_dir" env:"BASE_DIR"`
	// KeyPrefix namespaces keys for the redis backend.
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// InterventionStoreConfig selects the intervention store backend.
type InterventionStoreConfig struct {
	// Type: memory, redis
	Type string `yaml:"type" env:"TYPE"`
	// KeyPrefix namespaces keys for the redis backend.
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// RunStoreConfig selects the run store backend.
type RunStoreConfig struct {
	// Type: memory, database
	Type string `yaml:"type" env:"TYPE"`
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig holds relational database settings.
type DatabaseConfig struct {
	// Driver: postgres, sqlite
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	// Enabled turns API authentication on.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// APIKeys is the set of accepted static keys.
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// JWTSecret enables HS256 bearer tokens when set.
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// JWTIssuer, when set, is required in token claims.
	JWTIssuer string `yaml:"jwt_issuer" env:"JWT_ISSUER"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig holds tracing/metrics export settings.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader loads configuration using the builder pattern.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "STAGEFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the configuration file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a configuration validator.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads the configuration.
// Precedence: defaults -> YAML file -> environment variables.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file. A missing file is
// not an error; defaults apply.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv overrides configuration from environment variables.
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv recursively sets struct fields from the environment.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue sets a single field from its string representation.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// time.Duration needs ParseDuration, not ParseInt.
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// Comma-separated string slices.
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads configuration and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Engine.MaxAttempts <= 0 {
		errs = append(errs, "max_attempts must be positive")
	}
	if c.Engine.MaxConcurrentRuns <= 0 {
		errs = append(errs, "max_concurrent_runs must be positive")
	}
	if c.Engine.PerCallTimeout <= 0 {
		errs = append(errs, "per_call_timeout must be positive")
	}
	switch c.Artifacts.Type {
	case "memory", "file", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown artifact store type %q", c.Artifacts.Type))
	}
	if c.Artifacts.Type == "file" && c.Artifacts.BaseDir == "" {
		errs = append(errs, "file artifact store requires base_dir")
	}
	switch c.Interventions.Type {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown intervention store type %q", c.Interventions.Type))
	}
	switch c.Runs.Type {
	case "memory", "database":
	default:
		errs = append(errs, fmt.Sprintf("unknown run store type %q", c.Runs.Type))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the database connection string.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
