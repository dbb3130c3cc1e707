// Package config provides configuration management for the tag anchoring service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Chain    ChainConfig
	Pinning  PinningConfig
	Anchor   AnchorConfig
	Workers  WorkersConfig
	Logging  LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port              string
	Host              string
	RequestsPerSecond int // per client
	ShutdownTimeout   time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
	CacheTTL       time.Duration // anchor record cache, 0 disables it
}

// ChainConfig holds the tag contract deployment and signer settings
type ChainConfig struct {
	ChainID         int64
	RPCPrimary      string
	RPCSecondary    string
	ContractAddress string
	PrivateKey      string
	ReceiptTimeout  time.Duration
	PollInterval    time.Duration
	RequestsPerSec  int
	MintLockTTL     time.Duration
}

// PinningConfig holds content store settings
type PinningConfig struct {
	Endpoint string
	JWT      string
	Gateway  string
	Timeout  time.Duration
}

// AnchorConfig holds batch anchoring settings
type AnchorConfig struct {
	CodePrefix       string
	ChunkSize        int
	MaxBatchSize     int
	OptimisticVerify bool
}

// WorkersConfig holds background worker settings
type WorkersConfig struct {
	OutboxInterval      time.Duration
	OutboxMaxAttempts   int
	ReconcileInterval   time.Duration
	ReconcileLimit      int
	StaleAnchoringAfter time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:              getEnv("SERVER_PORT", "8080"),
			Host:              getEnv("SERVER_HOST", "0.0.0.0"),
			RequestsPerSecond: getEnvAsInt("API_RPS", 20),
			ShutdownTimeout:   getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "tag_anchor"),
				User:           getEnv("POSTGRES_USER", "tags"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", true),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "tag_anchor"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
				CacheTTL:       getEnvAsDuration("REDIS_CACHE_TTL", 24*time.Hour),
			},
		},
		Chain: ChainConfig{
			ChainID:         int64(getEnvAsInt("CHAIN_ID", 84532)),
			RPCPrimary:      getEnv("CHAIN_RPC_PRIMARY", ""),
			RPCSecondary:    getEnv("CHAIN_RPC_SECONDARY", ""),
			ContractAddress: getEnv("TAG_CONTRACT_ADDRESS", ""),
			PrivateKey:      getEnv("CHAIN_PRIVATE_KEY", ""),
			ReceiptTimeout:  getEnvAsDuration("CHAIN_RECEIPT_TIMEOUT", 45*time.Second),
			PollInterval:    getEnvAsDuration("CHAIN_POLL_INTERVAL", 2*time.Second),
			RequestsPerSec:  getEnvAsInt("CHAIN_RPC_RPS", 10),
			MintLockTTL:     getEnvAsDuration("MINT_LOCK_TTL", 2*time.Minute),
		},
		Pinning: PinningConfig{
			Endpoint: getEnv("PINNING_ENDPOINT", "https://api.pinata.cloud/pinning/pinJSONToIPFS"),
			JWT:      getEnv("PINNING_JWT", ""),
			Gateway:  getEnv("PINNING_GATEWAY", "ipfs://"),
			Timeout:  getEnvAsDuration("PINNING_TIMEOUT", 15*time.Second),
		},
		Anchor: AnchorConfig{
			CodePrefix:       getEnv("TAG_CODE_PREFIX", "TAG"),
			ChunkSize:        getEnvAsInt("ANCHOR_CHUNK_SIZE", 500),
			MaxBatchSize:     getEnvAsInt("ANCHOR_MAX_BATCH_SIZE", 10000),
			OptimisticVerify: getEnvAsBool("ANCHOR_OPTIMISTIC_VERIFY", true),
		},
		Workers: WorkersConfig{
			OutboxInterval:      getEnvAsDuration("OUTBOX_INTERVAL", 10*time.Second),
			OutboxMaxAttempts:   getEnvAsInt("OUTBOX_MAX_ATTEMPTS", 8),
			ReconcileInterval:   getEnvAsDuration("RECONCILE_INTERVAL", time.Minute),
			ReconcileLimit:      getEnvAsInt("RECONCILE_LIMIT", 100),
			StaleAnchoringAfter: getEnvAsDuration("RECONCILE_STALE_ANCHORING", 5*time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// Validate checks settings that would otherwise fail deep inside a protocol step
func (c *Config) Validate() error {
	var problems []string
	if c.Anchor.ChunkSize <= 0 {
		problems = append(problems, "ANCHOR_CHUNK_SIZE must be positive")
	}
	if c.Anchor.MaxBatchSize <= 0 {
		problems = append(problems, "ANCHOR_MAX_BATCH_SIZE must be positive")
	}
	if c.Chain.ReceiptTimeout <= 0 {
		problems = append(problems, "CHAIN_RECEIPT_TIMEOUT must be positive")
	}
	if c.Chain.RequestsPerSec <= 0 {
		problems = append(problems, "CHAIN_RPC_RPS must be positive")
	}
	if strings.TrimSpace(c.Anchor.CodePrefix) == "" {
		problems = append(problems, "TAG_CODE_PREFIX must not be empty")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// PostgresURL returns a connection URL suitable for pgx and golang-migrate
func (p PostgresConfig) PostgresURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		p.User, p.Password, p.Host, p.Port, p.Database)
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
