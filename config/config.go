package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServerConfig   ServerConfig   `json:"server"`
	AuthConfig     AuthConfig     `json:"auth"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	LedgerConfig   LedgerConfig   `json:"ledger"`
	LoggingConfig  LoggingConfig  `json:"logging"`
	VaultConfig    VaultConfig    `json:"vault"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // CORS allowed origins, comma separated
	Production      bool   `json:"production"`
	ReadTimeout     int    `json:"read_timeout"`     // Seconds
	WriteTimeout    int    `json:"write_timeout"`    // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// AuthConfig holds JWT verification settings. Token issuance lives in the
// identity service; this service only verifies.
type AuthConfig struct {
	JWTSecret           string        `json:"jwt_secret"`
	Issuer              string        `json:"issuer"`
	AccessTokenDuration time.Duration `json:"access_token_duration"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Name     string `json:"name"`
	SSLMode  string `json:"sslmode"`
	MaxConns int    `json:"max_conns"`
	MinConns int    `json:"min_conns"`
}

// RedisConfig holds Redis configuration for caching and rate limiting
type RedisConfig struct {
	Enabled    bool          `json:"enabled"`
	Address    string        `json:"address"`
	Password   string        `json:"password"`
	DB         int           `json:"db"`
	PoolSize   int           `json:"pool_size"`
	BalanceTTL time.Duration `json:"balance_ttl"`
}

// LedgerConfig tunes the credit ledger
type LedgerConfig struct {
	Store            string        `json:"store"` // postgres or memory
	RetryMaxElapsed  time.Duration `json:"retry_max_elapsed"`
	BreakerThreshold int           `json:"breaker_threshold"`
	BreakerTimeout   time.Duration `json:"breaker_timeout"`
	RedeemRateLimit  int           `json:"redeem_rate_limit"` // attempts per user per minute
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV v2 secrets engine mount path
	SecretPath string `json:"secret_path"` // Path of the service secrets
}

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Load reads config.json (or CONFIG_FILE) when present, then applies
// environment overrides.
func Load() (*Config, error) {
	path := getEnvOrDefault("CONFIG_FILE", "config.json")
	cfg, err := loadFromFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)
	cfg.ServerConfig.Production = getEnvBoolOrDefault("SERVER_PRODUCTION", cfg.ServerConfig.Production)
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", cfg.ServerConfig.ReadTimeout)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", cfg.ServerConfig.WriteTimeout)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", cfg.ServerConfig.ShutdownTimeout)

	// Auth config
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.Issuer = getEnvOrDefault("AUTH_ISSUER", cfg.AuthConfig.Issuer)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", cfg.AuthConfig.AccessTokenDuration)

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Name = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Name)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)
	cfg.DatabaseConfig.MaxConns = getEnvIntOrDefault("DB_MAX_CONNS", cfg.DatabaseConfig.MaxConns)
	cfg.DatabaseConfig.MinConns = getEnvIntOrDefault("DB_MIN_CONNS", cfg.DatabaseConfig.MinConns)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", cfg.RedisConfig.PoolSize)
	cfg.RedisConfig.BalanceTTL = getEnvDurationOrDefault("REDIS_BALANCE_TTL", cfg.RedisConfig.BalanceTTL)

	// Ledger config
	cfg.LedgerConfig.Store = strings.ToLower(getEnvOrDefault("LEDGER_STORE", cfg.LedgerConfig.Store))
	cfg.LedgerConfig.RetryMaxElapsed = getEnvDurationOrDefault("LEDGER_RETRY_MAX_ELAPSED", cfg.LedgerConfig.RetryMaxElapsed)
	cfg.LedgerConfig.BreakerThreshold = getEnvIntOrDefault("LEDGER_BREAKER_THRESHOLD", cfg.LedgerConfig.BreakerThreshold)
	cfg.LedgerConfig.BreakerTimeout = getEnvDurationOrDefault("LEDGER_BREAKER_TIMEOUT", cfg.LedgerConfig.BreakerTimeout)
	cfg.LedgerConfig.RedeemRateLimit = getEnvIntOrDefault("LEDGER_REDEEM_RATE_LIMIT", cfg.LedgerConfig.RedeemRateLimit)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
}

func applyDefaults(cfg *Config) {
	setDefault(&cfg.ServerConfig.Port, 8080)
	setDefault(&cfg.ServerConfig.Host, "0.0.0.0")
	setDefault(&cfg.ServerConfig.AllowedOrigins, "*")
	setDefault(&cfg.ServerConfig.ReadTimeout, 30)
	setDefault(&cfg.ServerConfig.WriteTimeout, 30)
	setDefault(&cfg.ServerConfig.ShutdownTimeout, 10)

	setDefault(&cfg.AuthConfig.Issuer, "credit-ledger")
	setDefault(&cfg.AuthConfig.AccessTokenDuration, 15*time.Minute)

	setDefault(&cfg.DatabaseConfig.Host, "localhost")
	setDefault(&cfg.DatabaseConfig.Port, 5432)
	setDefault(&cfg.DatabaseConfig.User, "ledger")
	setDefault(&cfg.DatabaseConfig.Name, "credits")
	setDefault(&cfg.DatabaseConfig.SSLMode, "disable")
	setDefault(&cfg.DatabaseConfig.MaxConns, 25)
	setDefault(&cfg.DatabaseConfig.MinConns, 2)

	setDefault(&cfg.RedisConfig.Address, "localhost:6379")
	setDefault(&cfg.RedisConfig.PoolSize, 10)
	setDefault(&cfg.RedisConfig.BalanceTTL, 5*time.Minute)

	setDefault(&cfg.LedgerConfig.Store, StorePostgres)
	setDefault(&cfg.LedgerConfig.RetryMaxElapsed, 2*time.Second)
	setDefault(&cfg.LedgerConfig.BreakerThreshold, 5)
	setDefault(&cfg.LedgerConfig.BreakerTimeout, 10*time.Second)
	setDefault(&cfg.LedgerConfig.RedeemRateLimit, 10)

	setDefault(&cfg.LoggingConfig.Level, "INFO")
	setDefault(&cfg.LoggingConfig.Output, "stdout")

	setDefault(&cfg.VaultConfig.Address, "http://localhost:8200")
	setDefault(&cfg.VaultConfig.MountPath, "secret")
	setDefault(&cfg.VaultConfig.SecretPath, "credit-ledger")
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// Validate rejects configurations the server cannot run with
func (c *Config) Validate() error {
	var problems []string

	if c.ServerConfig.Port <= 0 || c.ServerConfig.Port > 65535 {
		problems = append(problems, fmt.Sprintf("invalid server port %d", c.ServerConfig.Port))
	}
	if c.LedgerConfig.Store != StorePostgres && c.LedgerConfig.Store != StoreMemory {
		problems = append(problems, fmt.Sprintf("unknown ledger store %q", c.LedgerConfig.Store))
	}
	if c.ServerConfig.Production {
		if c.AuthConfig.JWTSecret == "" {
			problems = append(problems, "auth.jwt_secret is required in production")
		} else if len(c.AuthConfig.JWTSecret) < 32 {
			problems = append(problems, "auth.jwt_secret must be at least 32 characters in production")
		}
		if c.LedgerConfig.Store == StoreMemory {
			problems = append(problems, "the memory ledger store is not allowed in production")
		}
	}
	if c.LedgerConfig.RedeemRateLimit < 0 {
		problems = append(problems, "ledger.redeem_rate_limit must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := Config{}
	applyDefaults(&config)
	config.AuthConfig.JWTSecret = "change-me-to-a-long-random-secret"

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
