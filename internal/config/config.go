package config

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// SchemaVersion tracks the configuration schema version for migrations
const SchemaVersion = "1.0"

// Config holds all application configuration
type Config struct {
	// Schema Version (for config migration tracking)
	SchemaVersion string `env:"CONFIG_SCHEMA_VERSION" envDefault:"1.0"`

	ProductionMode bool `env:"PRODUCTION_MODE" envDefault:"false"`

	// MCP transport configuration
	MCPPort        int           `env:"MCP_PORT" envDefault:"8080"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`

	// Graceful shutdown
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Ops HTTP surface (health/version/metrics), separate from the MCP transport
	OpsPort int `env:"OPS_PORT" envDefault:"8081"`

	// Health Check Configuration
	HealthCheckTimeout time.Duration `env:"HEALTH_CHECK_TIMEOUT" envDefault:"3s"`

	// Database Configuration
	DBHost            string        `env:"DB_HOST" envDefault:"localhost"`
	DBPort            int           `env:"DB_PORT" envDefault:"5432"`
	DBName            string        `env:"DB_NAME" envDefault:"guardrail"`
	DBUser            string        `env:"DB_USER,required"`
	DBPassword        string        `env:"DB_PASSWORD,required"`
	DBSSLMode         string        `env:"DB_SSLMODE" envDefault:"require"`
	DBConnectTimeout  time.Duration `env:"DB_CONNECT_TIMEOUT" envDefault:"10s"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
	DBConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"10m"`

	// Redis Configuration (distributed quota window)
	RedisHost         string        `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort         int           `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword     string        `env:"REDIS_PASSWORD"`
	RedisUseTLS       bool          `env:"REDIS_USE_TLS" envDefault:"false"`
	RedisDB           int           `env:"REDIS_DB" envDefault:"0"`
	RedisPoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	RedisMinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	RedisMaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	RedisDialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	RedisReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`

	// Circuit breaker configuration (internal/circuitbreaker.Manager)
	CircuitBreakerEnabled          bool          `env:"CIRCUIT_BREAKER_ENABLED" envDefault:"true"`
	CircuitBreakerFailureThreshold int           `env:"CIRCUIT_BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	CircuitBreakerMaxRequests      int           `env:"CIRCUIT_BREAKER_MAX_REQUESTS" envDefault:"3"`
	CircuitBreakerInterval         time.Duration `env:"CIRCUIT_BREAKER_INTERVAL" envDefault:"10s"`
	CircuitBreakerTimeout          time.Duration `env:"CIRCUIT_BREAKER_TIMEOUT" envDefault:"30s"`

	// Session identity — bound once at bootstrap, never per-request (spec.md §6)
	MCPSessionIdentity string `env:"MCP_SESSION_IDENTITY,required"`
	MCPSessionTenant   string `env:"MCP_SESSION_TENANT,required"`
	MCPCapabilities    string `env:"MCP_CAPABILITIES,required"` // raw JSON array of grants

	// Audit
	AuditSecret        string        `env:"AUDIT_SECRET,required"`
	AuditBufferSize    int           `env:"AUDIT_BUFFER_SIZE" envDefault:"1000"`
	AuditFlushInterval time.Duration `env:"AUDIT_FLUSH_INTERVAL" envDefault:"5s"`
	EnableAuditLogging bool          `env:"ENABLE_AUDIT_LOGGING" envDefault:"true"`

	// Quota defaults (spec.md §4.3 QuotaPolicy, resolved per tenant with a
	// per-session scope — see SPEC_FULL.md §4.3)
	QuotaWindow         time.Duration `env:"QUOTA_WINDOW" envDefault:"1m"`
	QuotaMaxRequests    int           `env:"QUOTA_MAX_REQUESTS" envDefault:"100"`
	QuotaMaxConcurrent  int           `env:"QUOTA_MAX_CONCURRENT" envDefault:"10"`
	QuotaMaxResultBytes int64         `env:"QUOTA_MAX_RESULT_BYTES" envDefault:"5242880"`
	QuotaMaxDuration    time.Duration `env:"QUOTA_MAX_DURATION" envDefault:"30s"`
	// Per-tenant overrides, raw JSON object of tenant -> partial QuotaPolicy
	QuotaTenantOverrides string `env:"QUOTA_TENANT_OVERRIDES" envDefault:"{}"`

	// Static SQL validator
	SQLValidatorRegexTimeout time.Duration `env:"SQL_VALIDATOR_REGEX_TIMEOUT" envDefault:"100ms"`
	SQLValidatorMaxQueryLen  int           `env:"SQL_VALIDATOR_MAX_QUERY_LEN" envDefault:"8192"`

	// query_read's tool-declared ORDER BY allowlist: comma-separated
	// schema.table.column entries. Never client-supplied (spec.md §4.4).
	QueryReadAllowedOrderByColumns string `env:"QUERY_READ_ALLOWED_ORDER_BY_COLUMNS" envDefault:""`

	// Feature flags (hot-reloadable)
	EnableMetrics bool `env:"ENABLE_METRICS" envDefault:"true"`
	EnableCache   bool `env:"ENABLE_CACHE" envDefault:"true"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	if err := ValidateAuditSecret(c.AuditSecret); err != nil {
		return fmt.Errorf("AUDIT_SECRET validation failed: %w", err)
	}

	if c.MCPSessionIdentity == "" {
		return fmt.Errorf("MCP_SESSION_IDENTITY must not be empty")
	}
	if c.MCPSessionTenant == "" {
		return fmt.Errorf("MCP_SESSION_TENANT must not be empty")
	}
	if !json.Valid([]byte(c.MCPCapabilities)) {
		return fmt.Errorf("MCP_CAPABILITIES must be valid JSON")
	}
	if !json.Valid([]byte(c.QuotaTenantOverrides)) {
		return fmt.Errorf("QUOTA_TENANT_OVERRIDES must be valid JSON")
	}

	if err := ValidateTimeout("SHUTDOWN_TIMEOUT", c.ShutdownTimeout, 5*time.Second, 5*time.Minute); err != nil {
		return err
	}
	if err := ValidateTimeout("REQUEST_TIMEOUT", c.RequestTimeout, 1*time.Second, 5*time.Minute); err != nil {
		return err
	}
	if err := ValidateTimeout("DB_CONNECT_TIMEOUT", c.DBConnectTimeout, 1*time.Second, 2*time.Minute); err != nil {
		return err
	}
	if err := ValidateTimeout("SQL_VALIDATOR_REGEX_TIMEOUT", c.SQLValidatorRegexTimeout, 1*time.Millisecond, 1*time.Second); err != nil {
		return err
	}

	if c.DBMaxOpenConns < 1 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be at least 1, got %d", c.DBMaxOpenConns)
	}
	if c.DBMaxOpenConns > 1000 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be at most 1000, got %d", c.DBMaxOpenConns)
	}
	if c.DBMaxIdleConns < 0 {
		return fmt.Errorf("DB_MAX_IDLE_CONNS must be non-negative, got %d", c.DBMaxIdleConns)
	}
	if c.DBMaxIdleConns > c.DBMaxOpenConns {
		return fmt.Errorf("DB_MAX_IDLE_CONNS (%d) cannot exceed DB_MAX_OPEN_CONNS (%d)",
			c.DBMaxIdleConns, c.DBMaxOpenConns)
	}

	if c.RedisPoolSize < 1 {
		return fmt.Errorf("REDIS_POOL_SIZE must be at least 1, got %d", c.RedisPoolSize)
	}
	if c.RedisPoolSize > 100 {
		return fmt.Errorf("REDIS_POOL_SIZE must be at most 100, got %d", c.RedisPoolSize)
	}
	if c.RedisMinIdleConns < 0 {
		return fmt.Errorf("REDIS_MIN_IDLE_CONNS must be non-negative, got %d", c.RedisMinIdleConns)
	}
	if c.RedisMinIdleConns > c.RedisPoolSize {
		return fmt.Errorf("REDIS_MIN_IDLE_CONNS (%d) cannot exceed REDIS_POOL_SIZE (%d)",
			c.RedisMinIdleConns, c.RedisPoolSize)
	}

	if c.QuotaMaxRequests < 1 {
		return fmt.Errorf("QUOTA_MAX_REQUESTS must be at least 1, got %d", c.QuotaMaxRequests)
	}
	if c.QuotaMaxConcurrent < 1 {
		return fmt.Errorf("QUOTA_MAX_CONCURRENT must be at least 1, got %d", c.QuotaMaxConcurrent)
	}
	if c.QuotaMaxResultBytes < 1 {
		return fmt.Errorf("QUOTA_MAX_RESULT_BYTES must be at least 1, got %d", c.QuotaMaxResultBytes)
	}

	if c.CircuitBreakerFailureThreshold < 1 {
		return fmt.Errorf("CIRCUIT_BREAKER_FAILURE_THRESHOLD must be at least 1, got %d", c.CircuitBreakerFailureThreshold)
	}
	if c.CircuitBreakerMaxRequests < 1 {
		return fmt.Errorf("CIRCUIT_BREAKER_MAX_REQUESTS must be at least 1, got %d", c.CircuitBreakerMaxRequests)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error, got %s", c.LogLevel)
	}

	validSSLModes := map[string]bool{"disable": true, "require": true, "prefer": true, "verify-ca": true, "verify-full": true}
	if !validSSLModes[c.DBSSLMode] {
		return fmt.Errorf("DB_SSLMODE must be one of: disable, require, prefer, verify-ca, verify-full, got %s", c.DBSSLMode)
	}

	if c.AuditBufferSize < 100 {
		return fmt.Errorf("AUDIT_BUFFER_SIZE must be at least 100, got %d", c.AuditBufferSize)
	}
	if c.AuditBufferSize > 10000 {
		return fmt.Errorf("AUDIT_BUFFER_SIZE must be at most 10000, got %d", c.AuditBufferSize)
	}

	return nil
}

// ValidateAuditSecret ensures the audit HMAC secret meets security requirements
func ValidateAuditSecret(secret string) error {
	if len(secret) < 32 {
		return fmt.Errorf("AUDIT_SECRET must be at least 32 bytes, got %d", len(secret))
	}

	var entropy float64
	for _, b := range []byte(secret) {
		entropy += float64(bits.OnesCount8(uint8(b)))
	}
	if entropy/float64(len(secret)) < 3.5 {
		return fmt.Errorf("AUDIT_SECRET has insufficient entropy (should be random, not human-readable)")
	}

	return nil
}

// ValidateAPIKey validates an API key meets minimum security requirements.
// Kept for callers that gate optional operator tooling with a bearer key.
func ValidateAPIKey(key, name string) error {
	if len(key) < 32 {
		return fmt.Errorf("%s must be at least 32 characters, got %d", name, len(key))
	}

	weakPatterns := []string{
		`^[a-zA-Z]+$`,
		`^[0-9]+$`,
		`^(password|secret|key)`,
	}

	for _, pattern := range weakPatterns {
		matched, err := regexp.MatchString(pattern, key)
		if err != nil {
			continue
		}
		if matched {
			return fmt.Errorf("%s appears to be weak (avoid only letters, only numbers, or common words)", name)
		}
	}

	var hasLower, hasUpper, hasDigit bool
	for _, c := range key {
		switch {
		case c >= 'a' && c <= 'z':
			hasLower = true
		case c >= 'A' && c <= 'Z':
			hasUpper = true
		case c >= '0' && c <= '9':
			hasDigit = true
		}
	}

	if !hasLower || !hasUpper || !hasDigit {
		return fmt.Errorf("%s should contain a mix of uppercase, lowercase, and digits", name)
	}

	return nil
}

// ValidateTimeout validates a timeout is within acceptable bounds
func ValidateTimeout(name string, value, min, max time.Duration) error {
	if value < min {
		return fmt.Errorf("%s must be at least %v, got %v", name, min, value)
	}
	if value > max {
		return fmt.Errorf("%s must be at most %v, got %v", name, max, value)
	}
	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=%s&connect_timeout=%d",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
		int(c.DBConnectTimeout.Seconds()))
}

// QueryReadAllowedOrderByColumnsSet parses QueryReadAllowedOrderByColumns
// into a set suitable for sqlguard.Validator.Validate.
func (c *Config) QueryReadAllowedOrderByColumnsSet() map[string]struct{} {
	set := make(map[string]struct{})
	for _, col := range strings.Split(c.QueryReadAllowedOrderByColumns, ",") {
		col = strings.TrimSpace(col)
		if col != "" {
			set[strings.ToLower(col)] = struct{}{}
		}
	}
	return set
}

// RedisAddr returns the Redis connection address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// IsHotReloadable returns true if the config key supports hot reloading
func IsHotReloadable(key string) bool {
	hotReloadable := map[string]bool{
		"LOG_LEVEL":            true,
		"QUOTA_MAX_REQUESTS":   true,
		"QUOTA_MAX_CONCURRENT": true,
		"QUOTA_WINDOW":         true,
		"ENABLE_METRICS":       true,
		"ENABLE_AUDIT_LOGGING": true,
		"ENABLE_CACHE":         true,
	}
	return hotReloadable[key]
}

// HotReloadableFields returns a list of all hot-reloadable configuration keys
func HotReloadableFields() []string {
	return []string{
		"LOG_LEVEL",
		"QUOTA_MAX_REQUESTS",
		"QUOTA_MAX_CONCURRENT",
		"QUOTA_WINDOW",
		"ENABLE_METRICS",
		"ENABLE_AUDIT_LOGGING",
		"ENABLE_CACHE",
	}
}

// Masked returns a copy of the config with sensitive values masked
func (c *Config) Masked() *Config {
	masked := *c
	masked.DBPassword = "***"
	masked.RedisPassword = "***"
	masked.AuditSecret = "***"
	masked.MCPCapabilities = "***"
	return &masked
}
