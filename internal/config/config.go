package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port                   string   `mapstructure:"PORT"`
	Env                    string   `mapstructure:"ENV"`
	LogLevel               string   `mapstructure:"LOG_LEVEL"`
	AuthMode               string   `mapstructure:"AUTH_MODE"`
	DatabaseURL            string   `mapstructure:"DATABASE_URL"`
	DBMaxConns             int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns             int32    `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir          string   `mapstructure:"MIGRATIONS_DIR"`
	RedisURL               string   `mapstructure:"REDIS_URL"`
	AuthIssuer             string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL            string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience           string   `mapstructure:"AUTH_AUDIENCE"`
	DevJWTSecret           string   `mapstructure:"DEV_JWT_SECRET"`
	DefaultClinic          string   `mapstructure:"DEFAULT_CLINIC"`
	CORSOrigins            []string `mapstructure:"CORS_ORIGINS"`
	FieldEncryptionKey     string   `mapstructure:"FIELD_ENCRYPTION_KEY"`
	RateLimitRPS           float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst         int      `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit              string   `mapstructure:"BODY_LIMIT"`
	WebhookBodyLimit       string   `mapstructure:"WEBHOOK_BODY_LIMIT"`
	RequestTimeoutSeconds  int      `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	VoiceAPIURL            string   `mapstructure:"VOICE_API_URL"`
	VoiceAPIKey            string   `mapstructure:"VOICE_API_KEY"`
	VoiceAgentID           string   `mapstructure:"VOICE_AGENT_ID"`
	VoiceWebhookSecret     string   `mapstructure:"VOICE_WEBHOOK_SECRET"`
	LLMAPIURL              string   `mapstructure:"LLM_API_URL"`
	LLMAPIKey              string   `mapstructure:"LLM_API_KEY"`
	LLMModel               string   `mapstructure:"LLM_MODEL"`
	SMTPHost               string   `mapstructure:"SMTP_HOST"`
	SMTPPort               int      `mapstructure:"SMTP_PORT"`
	SMTPUsername           string   `mapstructure:"SMTP_USERNAME"`
	SMTPPassword           string   `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom               string   `mapstructure:"SMTP_FROM"`
	SlackWebhookURL        string   `mapstructure:"SLACK_WEBHOOK_URL"`
	StripeWebhookSecret    string   `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	EmailWebhookToken      string   `mapstructure:"EMAIL_WEBHOOK_TOKEN"`
	LogShipURL             string   `mapstructure:"LOG_SHIP_URL"`
	LogShipAPIKey          string   `mapstructure:"LOG_SHIP_API_KEY"`
	LogShipBatchSize       int      `mapstructure:"LOG_SHIP_BATCH_SIZE"`
	LogShipFlushSeconds    int      `mapstructure:"LOG_SHIP_FLUSH_SECONDS"`
	MinioEndpoint          string   `mapstructure:"MINIO_ENDPOINT"`
	MinioAccessKey         string   `mapstructure:"MINIO_ACCESS_KEY"`
	MinioSecretKey         string   `mapstructure:"MINIO_SECRET_KEY"`
	MinioBucket            string   `mapstructure:"MINIO_BUCKET"`
	MinioUseSSL            bool     `mapstructure:"MINIO_USE_SSL"`
	MeiliURL               string   `mapstructure:"MEILI_URL"`
	MeiliAPIKey            string   `mapstructure:"MEILI_API_KEY"`
	AutoEmailDischarge     bool     `mapstructure:"AUTO_EMAIL_DISCHARGE"`
	AutoScheduleFollowup   bool     `mapstructure:"AUTO_SCHEDULE_FOLLOWUP"`
	FollowupDelayHours     int      `mapstructure:"FOLLOWUP_DELAY_HOURS"`
	FollowupDispatchSecond int      `mapstructure:"FOLLOWUP_DISPATCH_SECONDS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("DEFAULT_CLINIC", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("WEBHOOK_BODY_LIMIT", "5M")
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 30)
	v.SetDefault("LLM_API_URL", "https://api.openai.com/v1")
	v.SetDefault("LLM_MODEL", "gpt-4o-mini")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("LOG_SHIP_BATCH_SIZE", 50)
	v.SetDefault("LOG_SHIP_FLUSH_SECONDS", 5)
	v.SetDefault("MINIO_BUCKET", "vetdesk")
	v.SetDefault("AUTO_EMAIL_DISCHARGE", true)
	v.SetDefault("AUTO_SCHEDULE_FOLLOWUP", true)
	v.SetDefault("FOLLOWUP_DELAY_HOURS", 24)
	v.SetDefault("FOLLOWUP_DISPATCH_SECONDS", 60)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("AUTH_MODE")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("MIGRATIONS_DIR")
	v.BindEnv("REDIS_URL")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("DEV_JWT_SECRET")
	v.BindEnv("DEFAULT_CLINIC")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("FIELD_ENCRYPTION_KEY")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("BODY_LIMIT")
	v.BindEnv("WEBHOOK_BODY_LIMIT")
	v.BindEnv("REQUEST_TIMEOUT_SECONDS")
	v.BindEnv("VOICE_API_URL")
	v.BindEnv("VOICE_API_KEY")
	v.BindEnv("VOICE_AGENT_ID")
	v.BindEnv("VOICE_WEBHOOK_SECRET")
	v.BindEnv("LLM_API_URL")
	v.BindEnv("LLM_API_KEY")
	v.BindEnv("LLM_MODEL")
	v.BindEnv("SMTP_HOST")
	v.BindEnv("SMTP_PORT")
	v.BindEnv("SMTP_USERNAME")
	v.BindEnv("SMTP_PASSWORD")
	v.BindEnv("SMTP_FROM")
	v.BindEnv("SLACK_WEBHOOK_URL")
	v.BindEnv("STRIPE_WEBHOOK_SECRET")
	v.BindEnv("EMAIL_WEBHOOK_TOKEN")
	v.BindEnv("LOG_SHIP_URL")
	v.BindEnv("LOG_SHIP_API_KEY")
	v.BindEnv("LOG_SHIP_BATCH_SIZE")
	v.BindEnv("LOG_SHIP_FLUSH_SECONDS")
	v.BindEnv("MINIO_ENDPOINT")
	v.BindEnv("MINIO_ACCESS_KEY")
	v.BindEnv("MINIO_SECRET_KEY")
	v.BindEnv("MINIO_BUCKET")
	v.BindEnv("MINIO_USE_SSL")
	v.BindEnv("MEILI_URL")
	v.BindEnv("MEILI_API_KEY")
	v.BindEnv("AUTO_EMAIL_DISCHARGE")
	v.BindEnv("AUTO_SCHEDULE_FOLLOWUP")
	v.BindEnv("FOLLOWUP_DELAY_HOURS")
	v.BindEnv("FOLLOWUP_DISPATCH_SECONDS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active — all requests get admin access.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise, the mode is inferred:
//   - ENV=development → "development" (no auth, all requests get admin)
//   - Otherwise       → "jwt" (external identity provider via JWKS)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate checks that the configuration is safe to run. In non-development
// modes an identity provider (AUTH_ISSUER + AUTH_JWKS_URL) or a DEV_JWT_SECRET
// must be configured so that real authentication is enforced. In production,
// FIELD_ENCRYPTION_KEY is required and must be a valid 64-character hex string
// (32 bytes when decoded) since owner contact details are encrypted at rest.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "jwt" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}
	if mode == "jwt" && c.AuthJWKSURL == "" && c.DevJWTSecret == "" {
		return fmt.Errorf(
			"AUTH_JWKS_URL (or DEV_JWT_SECRET for HMAC-signed tokens) must be set when AUTH_MODE is \"jwt\" (current ENV=%q). "+
				"Refusing to start without authentication configuration", c.Env)
	}

	if c.IsProduction() && c.FieldEncryptionKey == "" {
		return fmt.Errorf("FIELD_ENCRYPTION_KEY is required in production")
	}
	if c.FieldEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.FieldEncryptionKey)
		if err != nil {
			return fmt.Errorf("FIELD_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("FIELD_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	if c.IsProduction() && c.VoiceAPIURL != "" && c.VoiceWebhookSecret == "" {
		return fmt.Errorf("VOICE_WEBHOOK_SECRET is required when the voice vendor is configured in production")
	}
	if c.IsProduction() && c.SMTPHost != "" && c.EmailWebhookToken == "" {
		return fmt.Errorf("EMAIL_WEBHOOK_TOKEN is required when outbound email is configured in production")
	}
	if c.IsProduction() && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
	}

	if c.FollowupDelayHours < 1 || c.FollowupDelayHours > 168 {
		return fmt.Errorf("FOLLOWUP_DELAY_HOURS must be between 1 and 168, got %d", c.FollowupDelayHours)
	}

	if c.LogShipURL != "" && c.LogShipBatchSize < 1 {
		return fmt.Errorf("LOG_SHIP_BATCH_SIZE must be at least 1, got %d", c.LogShipBatchSize)
	}

	return nil
}
