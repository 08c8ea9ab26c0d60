package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	AuthSecret string `mapstructure:"AUTH_SECRET"`

	DefaultTenant string `mapstructure:"DEFAULT_TENANT"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	// Real-time layer tuning.
	PresenceStaleAfter    time.Duration `mapstructure:"PRESENCE_STALE_AFTER"`
	SyncEventRetention    time.Duration `mapstructure:"SYNC_EVENT_RETENTION"`
	NotificationRetention time.Duration `mapstructure:"NOTIFICATION_RETENTION"`

	// Queue worker concurrency per queue.
	ClaimsWorkers       int `mapstructure:"CLAIMS_WORKERS"`
	InventoryWorkers    int `mapstructure:"INVENTORY_WORKERS"`
	NotificationWorkers int `mapstructure:"NOTIFICATION_WORKERS"`
	BackupWorkers       int `mapstructure:"BACKUP_WORKERS"`

	// Recurring job schedules (cron expressions).
	LowStockCron       string `mapstructure:"LOW_STOCK_CRON"`
	StockExpiryCron    string `mapstructure:"STOCK_EXPIRY_CRON"`
	ReconciliationCron string `mapstructure:"RECONCILIATION_CRON"`
	BackupCron         string `mapstructure:"BACKUP_CRON"`

	// Backup worker.
	BackupDir  string `mapstructure:"BACKUP_DIR"`
	PGDumpPath string `mapstructure:"PG_DUMP_PATH"`

	// Inventory alert recipient.
	AlertEmail string `mapstructure:"ALERT_EMAIL"`

	// Outbound notification transports. Unset hosts fall back to log-only
	// senders in development.
	SMTPHost      string `mapstructure:"SMTP_HOST"`
	SMTPPort      int    `mapstructure:"SMTP_PORT"`
	SMTPUser      string `mapstructure:"SMTP_USER"`
	SMTPPassword  string `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom      string `mapstructure:"SMTP_FROM"`
	SMSGatewayURL string `mapstructure:"SMS_GATEWAY_URL"`
	SMSAPIKey     string `mapstructure:"SMS_API_KEY"`

	// External gateways.
	SHAGatewayURL    string `mapstructure:"SHA_GATEWAY_URL"`
	SHAProviderCode  string `mapstructure:"SHA_PROVIDER_CODE"`
	SHAAPISecret     string `mapstructure:"SHA_API_SECRET"`
	MpesaAPIURL      string `mapstructure:"MPESA_API_URL"`
	MpesaShortcode   string `mapstructure:"MPESA_SHORTCODE"`
	MpesaConsumerKey string `mapstructure:"MPESA_CONSUMER_KEY"`
	MpesaSecret      string `mapstructure:"MPESA_SECRET"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("PRESENCE_STALE_AFTER", "5m")
	v.SetDefault("SYNC_EVENT_RETENTION", "24h")
	v.SetDefault("NOTIFICATION_RETENTION", "168h")
	v.SetDefault("CLAIMS_WORKERS", 2)
	v.SetDefault("INVENTORY_WORKERS", 1)
	v.SetDefault("NOTIFICATION_WORKERS", 4)
	v.SetDefault("BACKUP_WORKERS", 1)
	v.SetDefault("LOW_STOCK_CRON", "0 */6 * * *")
	v.SetDefault("STOCK_EXPIRY_CRON", "0 2 * * *")
	v.SetDefault("RECONCILIATION_CRON", "0 */4 * * *")
	v.SetDefault("BACKUP_CRON", "0 1 * * *")
	v.SetDefault("BACKUP_DIR", "./backups")
	v.SetDefault("PG_DUMP_PATH", "pg_dump")
	v.SetDefault("ALERT_EMAIL", "pharmacy@clinicore.local")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_FROM", "noreply@clinicore.local")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
		"AUTH_SECRET", "DEFAULT_TENANT", "CORS_ORIGINS",
		"PRESENCE_STALE_AFTER", "SYNC_EVENT_RETENTION", "NOTIFICATION_RETENTION",
		"CLAIMS_WORKERS", "INVENTORY_WORKERS", "NOTIFICATION_WORKERS", "BACKUP_WORKERS",
		"LOW_STOCK_CRON", "STOCK_EXPIRY_CRON", "RECONCILIATION_CRON", "BACKUP_CRON",
		"BACKUP_DIR", "PG_DUMP_PATH", "ALERT_EMAIL",
		"SMTP_HOST", "SMTP_PORT", "SMTP_USER", "SMTP_PASSWORD", "SMTP_FROM",
		"SMS_GATEWAY_URL", "SMS_API_KEY",
		"SHA_GATEWAY_URL", "SHA_PROVIDER_CODE", "SHA_API_SECRET",
		"MPESA_API_URL", "MPESA_SHORTCODE", "MPESA_CONSUMER_KEY", "MPESA_SECRET",
	} {
		v.BindEnv(key)
	}

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

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. In production the
// WebSocket layer refuses unauthenticated connections, so AUTH_SECRET must be
// set, and both payment/claims gateways need credentials.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.AuthSecret == "" {
			return fmt.Errorf("AUTH_SECRET is required in production")
		}
		if c.SHAGatewayURL == "" {
			return fmt.Errorf("SHA_GATEWAY_URL is required in production")
		}
		if c.MpesaAPIURL == "" {
			return fmt.Errorf("MPESA_API_URL is required in production")
		}
	}
	if c.PresenceStaleAfter <= 0 {
		return fmt.Errorf("PRESENCE_STALE_AFTER must be positive")
	}
	for name, n := range map[string]int{
		"CLAIMS_WORKERS":       c.ClaimsWorkers,
		"INVENTORY_WORKERS":    c.InventoryWorkers,
		"NOTIFICATION_WORKERS": c.NotificationWorkers,
		"BACKUP_WORKERS":       c.BackupWorkers,
	} {
		if n <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
