package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kombina-app/kombina/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Postgres      PostgresConfig
	Redis         RedisConfig
	Gateway       GatewayConfig
	Billing       BillingConfig
	Payouts       PayoutsConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// PostgresConfig holds database connection settings
type PostgresConfig struct {
	URL      string
	MaxConns int
	MinConns int
	Timeout  time.Duration
}

// RedisConfig holds the payment-instruction cache settings
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	PoolSize   int
	CacheTTL   time.Duration
	LocalItems int
}

// GatewayConfig holds payment-provider credentials and transport settings
type GatewayConfig struct {
	Provider     string
	BaseURL      string
	ClientID     string
	ClientSecret string

	// CertFile/KeyFile are the mTLS client certificate the provider
	// requires.
	CertFile string
	KeyFile  string

	// RecipientKey is the platform's collecting account key.
	RecipientKey string

	Timeout time.Duration
}

// BillingConfig holds the subscription lifecycle knobs
type BillingConfig struct {
	TrialDays                    int
	MinProRataCharge             float64
	CycleLengthDays              int
	RenewalCutoffDay             int
	InstructionExpirationSeconds int
	MaturityGraceDays            int
	SuspensionGraceDays          int
}

// PayoutsConfig holds platform fee and delivery settings
type PayoutsConfig struct {
	FeeRate          float64
	FeeFixed         float64
	ValidationAmount float64
	Workers          int
	TaskTimeout      time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Postgres:      loadPostgresConfig(),
		Redis:         loadRedisConfig(),
		Gateway:       loadGatewayConfig(),
		Billing:       loadBillingConfig(),
		Payouts:       loadPayoutsConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("KOMBINA_HOST", "0.0.0.0"),
		Port:            getEnv("KOMBINA_PORT", "8080"),
		ReadTimeout:     getEnvDuration("KOMBINA_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("KOMBINA_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("KOMBINA_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("KOMBINA_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("KOMBINA_HEALTH_PORT", "9090"),
	}
}

func loadPostgresConfig() PostgresConfig {
	return PostgresConfig{
		URL:      getEnv("KOMBINA_POSTGRES_URL", ""),
		MaxConns: getEnvInt("KOMBINA_POSTGRES_MAX_CONNS", 25),
		MinConns: getEnvInt("KOMBINA_POSTGRES_MIN_CONNS", 5),
		Timeout:  getEnvDuration("KOMBINA_POSTGRES_TIMEOUT", 5*time.Second),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:        getEnv("KOMBINA_REDIS_URL", ""),
		Password:   getEnv("KOMBINA_REDIS_PASSWORD", ""),
		DB:         getEnvInt("KOMBINA_REDIS_DB", 0),
		PoolSize:   getEnvInt("KOMBINA_REDIS_POOL_SIZE", 10),
		CacheTTL:   getEnvDuration("KOMBINA_INSTRUCTION_CACHE_TTL", time.Hour),
		LocalItems: getEnvInt("KOMBINA_INSTRUCTION_CACHE_LOCAL_ITEMS", 1024),
	}
}

func loadGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Provider:     getEnv("KOMBINA_GATEWAY_PROVIDER", "pix"),
		BaseURL:      getEnv("KOMBINA_GATEWAY_BASE_URL", ""),
		ClientID:     getEnv("KOMBINA_GATEWAY_CLIENT_ID", ""),
		ClientSecret: getEnv("KOMBINA_GATEWAY_CLIENT_SECRET", ""),
		CertFile:     getEnv("KOMBINA_GATEWAY_CERT_FILE", ""),
		KeyFile:      getEnv("KOMBINA_GATEWAY_KEY_FILE", ""),
		RecipientKey: getEnv("KOMBINA_GATEWAY_RECIPIENT_KEY", ""),
		Timeout:      getEnvDuration("KOMBINA_GATEWAY_TIMEOUT", 30*time.Second),
	}
}

func loadBillingConfig() BillingConfig {
	return BillingConfig{
		TrialDays:                    getEnvInt("KOMBINA_TRIAL_DAYS", 7),
		MinProRataCharge:             getEnvFloat("KOMBINA_MIN_PRO_RATA_CHARGE", 0.01),
		CycleLengthDays:              getEnvInt("KOMBINA_CYCLE_LENGTH_DAYS", 30),
		RenewalCutoffDay:             getEnvInt("KOMBINA_RENEWAL_CUTOFF_DAY", 25),
		InstructionExpirationSeconds: getEnvInt("KOMBINA_INSTRUCTION_EXPIRATION_SECONDS", 3600),
		MaturityGraceDays:            getEnvInt("KOMBINA_MATURITY_GRACE_DAYS", 30),
		SuspensionGraceDays:          getEnvInt("KOMBINA_SUSPENSION_GRACE_DAYS", 30),
	}
}

func loadPayoutsConfig() PayoutsConfig {
	return PayoutsConfig{
		FeeRate:          getEnvFloat("KOMBINA_PLATFORM_FEE_RATE", 0.01),
		FeeFixed:         getEnvFloat("KOMBINA_PLATFORM_FEE_FIXED", 0.40),
		ValidationAmount: getEnvFloat("KOMBINA_KEY_VALIDATION_AMOUNT", 0.01),
		Workers:          getEnvInt("KOMBINA_PAYOUT_WORKERS", 4),
		TaskTimeout:      getEnvDuration("KOMBINA_PAYOUT_TASK_TIMEOUT", 30*time.Second),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("KOMBINA_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("KOMBINA_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("KOMBINA_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("KOMBINA_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("KOMBINA_OTEL_SERVICE_NAME", "kombina-billing"),
		OTelServiceVersion: getEnv("KOMBINA_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("KOMBINA_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Postgres.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.Gateway.BaseURL != "" {
		if c.Gateway.ClientID == "" || c.Gateway.ClientSecret == "" {
			return fmt.Errorf("gateway client credentials are required")
		}
		if c.Gateway.RecipientKey == "" {
			return fmt.Errorf("gateway recipient key is required")
		}
	}

	if c.Billing.TrialDays < 0 {
		return fmt.Errorf("trial days must not be negative")
	}
	if c.Billing.CycleLengthDays <= 0 {
		return fmt.Errorf("cycle length days must be positive")
	}
	if c.Billing.RenewalCutoffDay < 1 || c.Billing.RenewalCutoffDay > 28 {
		return fmt.Errorf("renewal cutoff day must be between 1 and 28")
	}

	if c.Payouts.FeeRate < 0 || c.Payouts.FeeRate >= 1 {
		return fmt.Errorf("platform fee rate must be in [0, 1)")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
