// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultProofSecret = "change-me-proof-signing-secret"

type Config struct {
	Environment string
	Server      ServerConfig
	Database    DatabaseConfig
	JWT         JWTConfig
	AWS         AWSConfig
	Email       EmailConfig
	I18n        I18nConfig
	Frontend    FrontendConfig
	NATS        NATSConfig
	Licensing   LicensingConfig
	Sweep       SweepConfig
	Proof       ProofConfig
	Log         LogConfig
	PricingFile string
}

type FrontendConfig struct {
	BaseURL string
}

type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  int
	WriteTimeout int
	IdleTimeout  int
	CORSOrigins  []string

	// RateLimitRPS and RateLimitBurst bound requests per caller.
	RateLimitRPS   float64
	RateLimitBurst int
}

type DatabaseConfig struct {
	URL             string
	Host            string
	Port            string
	User            string
	Password        string
	Database        string
	SSLMode         string
	ApplicationName string
	ConnectTimeout  int
	MaxOpenConns    int
	MaxIdleConns    int
	MaxLifetime     int
	LogLevel        string
}

type JWTConfig struct {
	SecretKey      string
	AccessTokenTTL int // in hours
}

type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ProofBucket     string
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	FromEmail    string
	FromName     string
}

type I18nConfig struct {
	DefaultLocale string
}

// NATSConfig configures the JetStream event bus. An empty URL keeps events in process.
type NATSConfig struct {
	URL            string
	StreamName     string
	SubjectPrefix  string
	ConnectionName string
	MaxReconnects  int
	ReconnectWait  time.Duration
}

// LicensingConfig holds the lifecycle thresholds of the licensing core.
type LicensingConfig struct {
	UnverifiedBrandCapCents        int64
	VerifiedHighValueCents         int64
	AdminApprovalFeeCents          int64
	LegalDocsFeeCents              int64
	RevShareWarningBps             int
	LongTermWarningDays            int
	ExpiringSoonDays               int
	DraftInactivityDays            int
	ExtensionApprovalThresholdDays int
	MaxExtensionDays               int
	RenewalWindowBeforeDays        int
	RenewalGraceAfterDays          int
	AutoRenewWindowDays            int
	EarlyRenewalDays               int
	OfferValidityDays              int
	AmendmentDeadlineDays          int
	IdempotencyStaleAfter          time.Duration
}

type SweepConfig struct {
	Enabled        bool
	Interval       time.Duration
	OutboxInterval time.Duration
	WorkerPoolSize int
	BatchSize      int
}

type ProofConfig struct {
	SigningSecret  string
	KeyID          string
	ArchiveEnabled bool
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	godotenv.Load()

	config := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:           getEnv("SERVER_PORT", "8080"),
			Host:           getEnv("SERVER_HOST", "localhost"),
			ReadTimeout:    getEnvAsInt("SERVER_READ_TIMEOUT", 15),
			WriteTimeout:   getEnvAsInt("SERVER_WRITE_TIMEOUT", 15),
			IdleTimeout:    getEnvAsInt("SERVER_IDLE_TIMEOUT", 60),
			CORSOrigins:    getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			RateLimitRPS:   getEnvAsFloat("RATE_LIMIT_RPS", 10),
			RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DB_URL", ""),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "imi_licensing"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			ApplicationName: getEnv("DB_APPLICATION_NAME", DefaultApplicationName),
			ConnectTimeout:  getEnvAsInt("DB_CONNECT_TIMEOUT", 10),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:     getEnvAsInt("DB_MAX_LIFETIME", 300),
			LogLevel:        getEnv("DB_LOG_LEVEL", "warn"),
		},
		JWT: JWTConfig{
			SecretKey:      getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
			AccessTokenTTL: getEnvAsInt("JWT_ACCESS_TTL", 24),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ProofBucket:     getEnv("AWS_PROOF_BUCKET", "imi-license-proofs"),
		},
		Email: EmailConfig{
			SMTPHost:     getEnv("SMTP_HOST", ""),
			SMTPPort:     getEnv("SMTP_PORT", "587"),
			SMTPUsername: getEnv("SMTP_USERNAME", ""),
			SMTPPassword: getEnv("SMTP_PASSWORD", ""),
			FromEmail:    getEnv("FROM_EMAIL", "licensing@ipmarketplace.com"),
			FromName:     getEnv("FROM_NAME", "IP Marketplace Licensing"),
		},
		I18n: I18nConfig{
			DefaultLocale: getEnv("DEFAULT_LOCALE", "en"),
		},
		Frontend: FrontendConfig{
			BaseURL: getEnv("FRONTEND_BASE_URL", "http://localhost:3000"),
		},
		NATS: NATSConfig{
			URL:            getEnv("NATS_URL", ""),
			StreamName:     getEnv("NATS_STREAM", "LICENSING"),
			SubjectPrefix:  getEnv("NATS_SUBJECT_PREFIX", "licensing.events"),
			ConnectionName: getEnv("NATS_CONNECTION_NAME", "imi-licensing"),
			MaxReconnects:  getEnvAsInt("NATS_MAX_RECONNECTS", 10),
			ReconnectWait:  getEnvAsDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		},
		Licensing: LicensingConfig{
			UnverifiedBrandCapCents:        getEnvAsInt64("LICENSING_UNVERIFIED_BRAND_CAP_CENTS", 1_000_000),
			VerifiedHighValueCents:         getEnvAsInt64("LICENSING_VERIFIED_HIGH_VALUE_CENTS", 10_000_000),
			AdminApprovalFeeCents:          getEnvAsInt64("LICENSING_ADMIN_APPROVAL_FEE_CENTS", 1_000_000),
			LegalDocsFeeCents:              getEnvAsInt64("LICENSING_LEGAL_DOCS_FEE_CENTS", 500_000),
			RevShareWarningBps:             getEnvAsInt("LICENSING_REV_SHARE_WARNING_BPS", 8000),
			LongTermWarningDays:            getEnvAsInt("LICENSING_LONG_TERM_WARNING_DAYS", 365),
			ExpiringSoonDays:               getEnvAsInt("LICENSING_EXPIRING_SOON_DAYS", 30),
			DraftInactivityDays:            getEnvAsInt("LICENSING_DRAFT_INACTIVITY_DAYS", 90),
			ExtensionApprovalThresholdDays: getEnvAsInt("LICENSING_EXTENSION_APPROVAL_DAYS", 30),
			MaxExtensionDays:               getEnvAsInt("LICENSING_MAX_EXTENSION_DAYS", 365),
			RenewalWindowBeforeDays:        getEnvAsInt("LICENSING_RENEWAL_WINDOW_DAYS", 90),
			RenewalGraceAfterDays:          getEnvAsInt("LICENSING_RENEWAL_GRACE_DAYS", 30),
			AutoRenewWindowDays:            getEnvAsInt("LICENSING_AUTO_RENEW_WINDOW_DAYS", 60),
			EarlyRenewalDays:               getEnvAsInt("LICENSING_EARLY_RENEWAL_DAYS", 60),
			OfferValidityDays:              getEnvAsInt("LICENSING_OFFER_VALIDITY_DAYS", 30),
			AmendmentDeadlineDays:          getEnvAsInt("LICENSING_AMENDMENT_DEADLINE_DAYS", 14),
			IdempotencyStaleAfter:          getEnvAsDuration("LICENSING_IDEMPOTENCY_STALE_AFTER", 5*time.Minute),
		},
		Sweep: SweepConfig{
			Enabled:        getEnvAsBool("SWEEP_ENABLED", true),
			Interval:       getEnvAsDuration("SWEEP_INTERVAL", 15*time.Minute),
			OutboxInterval: getEnvAsDuration("SWEEP_OUTBOX_INTERVAL", 10*time.Second),
			WorkerPoolSize: getEnvAsInt("SWEEP_WORKER_POOL_SIZE", 8),
			BatchSize:      getEnvAsInt("SWEEP_BATCH_SIZE", 500),
		},
		Proof: ProofConfig{
			SigningSecret:  getEnv("PROOF_SIGNING_SECRET", defaultProofSecret),
			KeyID:          getEnv("PROOF_KEY_ID", "proof-key-1"),
			ArchiveEnabled: getEnvAsBool("PROOF_ARCHIVE_ENABLED", false),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", ""),
		},
		PricingFile: getEnv("PRICING_CONFIG_FILE", ""),
	}

	return config, config.Validate()
}

// DefaultLicensing returns the licensing thresholds with no environment overrides.
func DefaultLicensing() LicensingConfig {
	return LicensingConfig{
		UnverifiedBrandCapCents:        1_000_000,
		VerifiedHighValueCents:         10_000_000,
		AdminApprovalFeeCents:          1_000_000,
		LegalDocsFeeCents:              500_000,
		RevShareWarningBps:             8000,
		LongTermWarningDays:            365,
		ExpiringSoonDays:               30,
		DraftInactivityDays:            90,
		ExtensionApprovalThresholdDays: 30,
		MaxExtensionDays:               365,
		RenewalWindowBeforeDays:        90,
		RenewalGraceAfterDays:          30,
		AutoRenewWindowDays:            60,
		EarlyRenewalDays:               60,
		OfferValidityDays:              30,
		AmendmentDeadlineDays:          14,
		IdempotencyStaleAfter:          5 * time.Minute,
	}
}

func (c *Config) Validate() error {
	if c.JWT.SecretKey == "your-secret-key-change-in-production" && c.Environment == "production" {
		return fmt.Errorf("JWT secret key must be changed in production")
	}

	if c.Database.Password == "" && c.Environment == "production" {
		return fmt.Errorf("database password is required in production")
	}

	if c.Proof.SigningSecret == defaultProofSecret && c.Environment == "production" {
		return fmt.Errorf("proof signing secret must be changed in production")
	}

	if c.Licensing.MaxExtensionDays < 1 || c.Licensing.MaxExtensionDays > 365 {
		return fmt.Errorf("max extension days must be between 1 and 365, got %d", c.Licensing.MaxExtensionDays)
	}

	if c.Sweep.WorkerPoolSize < 1 {
		return fmt.Errorf("sweep worker pool size must be positive")
	}

	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(strings.ToLower(value)); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
