package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Development-only token secrets, used when none are configured and
// ENV=development.
const (
	devAccessSecret  = "medflow-dev-access-secret"
	devRefreshSecret = "medflow-dev-refresh-secret"
)

type Config struct {
	Port                      string        `mapstructure:"PORT"`
	Env                       string        `mapstructure:"ENV"`
	DatabaseURL               string        `mapstructure:"DATABASE_URL"`
	AdminDatabaseURL          string        `mapstructure:"ADMIN_DATABASE_URL"`
	TenantDatabaseURLTemplate string        `mapstructure:"TENANT_DATABASE_URL_TEMPLATE"`
	TenantDatabasePrefix      string        `mapstructure:"TENANT_DATABASE_PREFIX"`
	DBMaxConns                int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns                int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL                  string        `mapstructure:"REDIS_URL"`
	AccessTokenSecret         string        `mapstructure:"ACCESS_TOKEN_SECRET"`
	RefreshTokenSecret        string        `mapstructure:"REFRESH_TOKEN_SECRET"`
	AccessTokenTTL            time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`
	RefreshTokenTTL           time.Duration `mapstructure:"REFRESH_TOKEN_TTL"`
	AuthIssuer                string        `mapstructure:"AUTH_ISSUER"`
	BcryptCost                int           `mapstructure:"BCRYPT_COST"`
	HashWorkers               int           `mapstructure:"HASH_WORKERS"`
	MigrationTimeout          time.Duration `mapstructure:"MIGRATION_TIMEOUT"`
	TenantScanTimeout         time.Duration `mapstructure:"TENANT_SCAN_TIMEOUT"`
	TenantLocatorTTL          time.Duration `mapstructure:"TENANT_LOCATOR_TTL"`
	RegistrySweepInterval     time.Duration `mapstructure:"REGISTRY_SWEEP_INTERVAL"`
	LockoutMaxAttempts        int           `mapstructure:"LOCKOUT_MAX_ATTEMPTS"`
	LockoutDuration           time.Duration `mapstructure:"LOCKOUT_DURATION"`
	RequestTimeout            time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit                 string        `mapstructure:"BODY_LIMIT"`
	CORSOrigins               []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS              float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst            int           `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "ADMIN_DATABASE_URL", "TENANT_DATABASE_URL_TEMPLATE",
	"TENANT_DATABASE_PREFIX", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"ACCESS_TOKEN_SECRET", "REFRESH_TOKEN_SECRET", "ACCESS_TOKEN_TTL", "REFRESH_TOKEN_TTL",
	"AUTH_ISSUER", "BCRYPT_COST", "HASH_WORKERS", "MIGRATION_TIMEOUT", "TENANT_SCAN_TIMEOUT",
	"TENANT_LOCATOR_TTL", "REGISTRY_SWEEP_INTERVAL", "LOCKOUT_MAX_ATTEMPTS", "LOCKOUT_DURATION",
	"REQUEST_TIMEOUT", "BODY_LIMIT", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

// Load reads configuration from the environment and an optional .env file.
// It fills development defaults but does not validate; call Validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("TENANT_DATABASE_PREFIX", "medflow_tenant_")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("ACCESS_TOKEN_TTL", "15m")
	v.SetDefault("REFRESH_TOKEN_TTL", "168h")
	v.SetDefault("AUTH_ISSUER", "medflow")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("HASH_WORKERS", 0)
	v.SetDefault("MIGRATION_TIMEOUT", "2m")
	v.SetDefault("TENANT_SCAN_TIMEOUT", "3s")
	v.SetDefault("TENANT_LOCATOR_TTL", "10m")
	v.SetDefault("REGISTRY_SWEEP_INTERVAL", "1m")
	v.SetDefault("LOCKOUT_MAX_ATTEMPTS", 5)
	v.SetDefault("LOCKOUT_DURATION", "15m")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 10)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	if cfg.AdminDatabaseURL == "" {
		cfg.AdminDatabaseURL = cfg.DatabaseURL
	}
	if cfg.IsDev() {
		if cfg.AccessTokenSecret == "" {
			cfg.AccessTokenSecret = devAccessSecret
		}
		if cfg.RefreshTokenSecret == "" {
			cfg.RefreshTokenSecret = devRefreshSecret
		}
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesDevSecrets reports whether the built-in development token secrets are
// in effect.
func (c *Config) UsesDevSecrets() bool {
	return c.AccessTokenSecret == devAccessSecret || c.RefreshTokenSecret == devRefreshSecret
}

// Validate checks the configuration is safe to serve with.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.AccessTokenSecret == "" || c.RefreshTokenSecret == "" {
		return fmt.Errorf("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET are required outside development")
	}
	if c.AccessTokenSecret == c.RefreshTokenSecret {
		return fmt.Errorf("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must differ")
	}
	if !c.IsDev() && c.UsesDevSecrets() {
		return fmt.Errorf("development token secrets cannot be used with ENV=%q", c.Env)
	}
	if c.TenantDatabaseURLTemplate != "" && !strings.Contains(c.TenantDatabaseURLTemplate, "{database}") {
		return fmt.Errorf("TENANT_DATABASE_URL_TEMPLATE must contain {database}")
	}
	if c.TenantDatabasePrefix == "" || strings.Trim(c.TenantDatabasePrefix, "abcdefghijklmnopqrstuvwxyz0123456789_") != "" {
		return fmt.Errorf("TENANT_DATABASE_PREFIX must match [a-z0-9_]+, got %q", c.TenantDatabasePrefix)
	}
	if c.LockoutMaxAttempts < 1 {
		return fmt.Errorf("LOCKOUT_MAX_ATTEMPTS must be at least 1")
	}
	for name, d := range map[string]time.Duration{
		"ACCESS_TOKEN_TTL":        c.AccessTokenTTL,
		"REFRESH_TOKEN_TTL":       c.RefreshTokenTTL,
		"MIGRATION_TIMEOUT":       c.MigrationTimeout,
		"TENANT_SCAN_TIMEOUT":     c.TenantScanTimeout,
		"TENANT_LOCATOR_TTL":      c.TenantLocatorTTL,
		"REGISTRY_SWEEP_INTERVAL": c.RegistrySweepInterval,
		"LOCKOUT_DURATION":        c.LockoutDuration,
		"REQUEST_TIMEOUT":         c.RequestTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
