package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/calsyncd/calsyncd/internal/validator"
)

var (
	ErrMissingConfig     = errors.New("missing required configuration")
	ErrInvalidConfig     = errors.New("invalid configuration value")
	ErrSessionSecretSize = errors.New("session secret must be at least 32 characters")
	ErrValidationFailed  = errors.New("configuration validation failed")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	OIDC         OIDCConfig
	Google       GoogleConfig
	Security     SecurityConfig
	Database     DatabaseConfig
	Sync         SyncConfig
	Backup       BackupConfig
	Retention    RetentionConfig
	Alerts       AlertConfig
	Events       EventConfig
	RateLimiting RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        int
	BaseURL     string
	Environment Environment
}

// OIDCConfig holds OIDC authentication configuration for the operator UI.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// GoogleConfig holds the OAuth application used for calendar access.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	// WebhookBaseURL is the externally reachable base URL that push
	// notification channels point at. Defaults to BaseURL.
	WebhookBaseURL string
	// APIRPS bounds outgoing Calendar API calls per connected account.
	APIRPS float64
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	EncryptionKeyFile string
	SessionSecret     string
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string
}

// SyncConfig holds job scheduling configuration.
type SyncConfig struct {
	IntervalMinutes       int
	ConsistencyHours      int
	WebhookRenewalHours   int
	TokenRefreshMinutes   int
	AlertProcessMinutes   int
	FailureAlertThreshold int
}

// BackupConfig holds backup configuration.
type BackupConfig struct {
	Dir           string
	IntervalHours int
}

// RetentionConfig holds retention windows in days.
type RetentionConfig struct {
	EventDays        int
	LogDays          int
	DisconnectedDays int
	AlertDays        int
}

// AlertConfig holds outbound alert transport configuration.
type AlertConfig struct {
	DedupMinutes   int
	EmailEnabled   bool
	SMTPHost       string
	SMTPPort       int
	SMTPUsername   string
	SMTPPassword   string
	SMTPFrom       string
	SMTPTo         string
	SMTPTLS        bool
	WebhookEnabled bool
	WebhookURL     string
}

// EventConfig holds the naming of events this service creates.
type EventConfig struct {
	ManagedPrefix     string
	ClientBusyTitle   string
	PersonalBusyTitle string
}

// RateLimitConfig holds HTTP rate limiting configuration.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// Load loads configuration from environment variables.
// It attempts to load from .env file first, but continues if not found.
func Load() (*Config, error) {
	// Attempt to load .env file (ignore error if not found)
	_ = godotenv.Load() //nolint:errcheck // Intentionally ignore - .env file is optional

	cfg := &Config{}

	// Server configuration
	port, err := getEnvInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("%w: PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Server.Port = port
	cfg.Server.BaseURL = getEnvRequired("BASE_URL")
	cfg.Server.Environment = Environment(strings.ToLower(getEnv("ENVIRONMENT", "production")))

	// OIDC configuration
	cfg.OIDC.Issuer = getEnvRequired("OIDC_ISSUER")
	cfg.OIDC.ClientID = getEnvRequired("OIDC_CLIENT_ID")
	cfg.OIDC.ClientSecret = getEnvRequired("OIDC_CLIENT_SECRET")
	cfg.OIDC.RedirectURL = getEnvRequired("OIDC_REDIRECT_URL")

	// Google OAuth configuration
	cfg.Google.ClientID = getEnvRequired("GOOGLE_CLIENT_ID")
	cfg.Google.ClientSecret = getEnvRequired("GOOGLE_CLIENT_SECRET")
	cfg.Google.WebhookBaseURL = getEnv("WEBHOOK_BASE_URL", cfg.Server.BaseURL)
	apiRPS, err := getEnvFloat("GOOGLE_API_RPS", 5.0)
	if err != nil {
		return nil, fmt.Errorf("%w: GOOGLE_API_RPS: %w", ErrInvalidConfig, err)
	}
	cfg.Google.APIRPS = apiRPS

	// Security configuration
	cfg.Security.EncryptionKeyFile = getEnv("ENCRYPTION_KEY_FILE", "./data/encryption.key")
	cfg.Security.SessionSecret = getEnvRequired("SESSION_SECRET")
	if cfg.Security.SessionSecret != "" && len(cfg.Security.SessionSecret) < 32 {
		return nil, ErrSessionSecretSize
	}

	// Database configuration
	cfg.Database.Path = getEnv("DATABASE_PATH", "./data/calsyncd.db")

	// Job scheduling configuration
	if err := loadEnvInts(map[string]intSetting{
		"SYNC_INTERVAL_MINUTES":       {5, &cfg.Sync.IntervalMinutes},
		"CONSISTENCY_CHECK_HOURS":     {1, &cfg.Sync.ConsistencyHours},
		"WEBHOOK_RENEWAL_HOURS":       {6, &cfg.Sync.WebhookRenewalHours},
		"TOKEN_REFRESH_MINUTES":       {30, &cfg.Sync.TokenRefreshMinutes},
		"ALERT_PROCESS_MINUTES":       {1, &cfg.Sync.AlertProcessMinutes},
		"FAILURE_ALERT_THRESHOLD":     {5, &cfg.Sync.FailureAlertThreshold},
		"BACKUP_INTERVAL_HOURS":       {24, &cfg.Backup.IntervalHours},
		"RETENTION_EVENT_DAYS":        {30, &cfg.Retention.EventDays},
		"RETENTION_LOG_DAYS":          {30, &cfg.Retention.LogDays},
		"RETENTION_DISCONNECTED_DAYS": {30, &cfg.Retention.DisconnectedDays},
		"RETENTION_ALERT_DAYS":        {7, &cfg.Retention.AlertDays},
		"ALERT_DEDUP_MINUTES":         {60, &cfg.Alerts.DedupMinutes},
		"SMTP_PORT":                   {587, &cfg.Alerts.SMTPPort},
		"RATE_LIMIT_BURST":            {20, &cfg.RateLimiting.Burst},
	}); err != nil {
		return nil, err
	}

	// Backup configuration
	cfg.Backup.Dir = getEnv("BACKUP_DIR", "./data/backups")

	// Alert transport configuration
	cfg.Alerts.EmailEnabled = getEnvBool("ALERT_EMAIL_ENABLED", false)
	cfg.Alerts.SMTPHost = os.Getenv("SMTP_HOST")
	cfg.Alerts.SMTPUsername = os.Getenv("SMTP_USERNAME")
	cfg.Alerts.SMTPPassword = os.Getenv("SMTP_PASSWORD")
	cfg.Alerts.SMTPFrom = os.Getenv("SMTP_FROM")
	cfg.Alerts.SMTPTo = os.Getenv("SMTP_TO")
	cfg.Alerts.SMTPTLS = getEnvBool("SMTP_TLS", false)
	cfg.Alerts.WebhookEnabled = getEnvBool("ALERT_WEBHOOK_ENABLED", false)
	cfg.Alerts.WebhookURL = os.Getenv("ALERT_WEBHOOK_URL")

	// Event naming configuration
	cfg.Events.ManagedPrefix = getEnv("MANAGED_PREFIX", "[CalSyncd]")
	cfg.Events.ClientBusyTitle = getEnv("CLIENT_BUSY_TITLE", "Busy")
	cfg.Events.PersonalBusyTitle = getEnv("PERSONAL_BUSY_TITLE", "Busy (Personal)")

	// Rate limiting configuration
	rps, err := getEnvFloat("RATE_LIMIT_RPS", 10.0)
	if err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_RPS: %w", ErrInvalidConfig, err)
	}
	cfg.RateLimiting.RPS = rps

	// Check for missing required configuration
	missing := cfg.getMissingRequired()
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	return cfg, nil
}

// getMissingRequired returns a list of missing required configuration values.
func (c *Config) getMissingRequired() []string {
	var missing []string

	if c.Server.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}
	if c.OIDC.Issuer == "" {
		missing = append(missing, "OIDC_ISSUER")
	}
	if c.OIDC.ClientID == "" {
		missing = append(missing, "OIDC_CLIENT_ID")
	}
	if c.OIDC.ClientSecret == "" {
		missing = append(missing, "OIDC_CLIENT_SECRET")
	}
	if c.OIDC.RedirectURL == "" {
		missing = append(missing, "OIDC_REDIRECT_URL")
	}
	if c.Google.ClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}
	if c.Google.ClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}
	if c.Security.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	return missing
}

// Validate validates externally reachable URLs.
func (c *Config) Validate(ctx context.Context) error {
	v := validator.New()

	// Validate base URL format
	if err := v.ValidateURL(c.Server.BaseURL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: BASE_URL: %w", ErrValidationFailed, err)
	}

	// Validate OIDC issuer is reachable
	if err := v.ValidateOIDCIssuer(ctx, c.OIDC.Issuer); err != nil {
		return fmt.Errorf("%w: OIDC_ISSUER: %w", ErrValidationFailed, err)
	}

	// Validate OIDC redirect URL format
	if err := v.ValidateURL(c.OIDC.RedirectURL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: OIDC_REDIRECT_URL: %w", ErrValidationFailed, err)
	}

	// Push notification channels require an HTTPS endpoint in production
	if err := v.ValidateURL(c.Google.WebhookBaseURL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: WEBHOOK_BASE_URL: %w", ErrValidationFailed, err)
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

type intSetting struct {
	def int
	dst *int
}

func loadEnvInts(settings map[string]intSetting) error {
	for key, s := range settings {
		v, err := getEnvInt(key, s.def)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
		}
		*s.dst = v
	}
	return nil
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvRequired returns the value of an environment variable.
// Returns empty string if not set (caller should check for required values).
func getEnvRequired(key string) string {
	return os.Getenv(key)
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	return parsed, nil
}

// getEnvFloat returns the float value of an environment variable or a default.
func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float: %w", err)
	}
	return parsed, nil
}

// getEnvBool returns the boolean value of an environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	value := strings.ToLower(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value == "1" || value == "true" || value == "yes"
}
