package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime configuration for the gflix service and the gflixctl tool.
type Config struct {
	// Port the HTTP server listens on. Defaults to "8080".
	Port string
	// DBPath is the SQLite database file. Defaults to "gflix.db".
	DBPath string
	// BaseURL is the public origin used for gateway callback and cancel URLs.
	BaseURL   string
	LogLevel  string
	LogFormat string

	JWTSecret string
	TokenTTL  time.Duration

	MaxDevices  int
	TrialPeriod time.Duration

	Currency           string
	YearlyPrice        int64
	DailyPrice         int64
	PremiumYearlyPrice int64

	// GatewayProvider selects the payment gateway: "apaym" or "stripe".
	GatewayProvider string
	GatewayTimeout  time.Duration

	ApaymAPIKey    string
	ApaymAPISecret string
	ApaymBaseURL   string
	// CallbackSecret signs gateway callbacks. Falls back to ApaymAPISecret.
	CallbackSecret string

	StripeSecretKey     string
	StripeWebhookSecret string

	PostmarkToken string
	FromEmail     string

	EntitlementCacheTTL  time.Duration
	EntitlementCacheSize int

	// Web Push is disabled unless both VAPID keys are set.
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string

	// Ledger snapshots are disabled unless BackupBucket is set.
	BackupEndpoint   string
	BackupBucket     string
	BackupRegion     string
	BackupAccessKey  string
	BackupSecretKey  string
	BackupPassphrase string
	BackupRetention  time.Duration
}

const (
	ProviderApaym  = "apaym"
	ProviderStripe = "stripe"
)

const (
	defaultPort                 = "8080"
	defaultDBPath               = "gflix.db"
	defaultTokenTTL             = 24 * time.Hour
	defaultMaxDevices           = 2
	defaultTrialPeriodHours     = 24
	defaultCurrency             = "XOF"
	defaultYearlyPrice          = 10000
	defaultDailyPrice           = 200
	defaultPremiumYearlyPrice   = 15000
	defaultGatewayTimeout       = 15 * time.Second
	defaultApaymBaseURL         = "https://api.apaym.com/v1"
	defaultEntitlementCacheTTL  = 30 * time.Second
	defaultEntitlementCacheSize = 10000
	defaultBackupRegion         = "us-east-1"
	defaultBackupRetention      = 30 * 24 * time.Hour
)

// Load reads configuration from environment variables, applies defaults and validates
// the result. Secrets the selected gateway depends on are required.
func Load() (Config, error) {
	cfg := Config{
		Port:                firstNonEmpty(os.Getenv("GFLIX_PORT"), defaultPort),
		DBPath:              firstNonEmpty(os.Getenv("GFLIX_DB_PATH"), defaultDBPath),
		LogLevel:            os.Getenv("GFLIX_LOG_LEVEL"),
		LogFormat:           os.Getenv("GFLIX_LOG_FORMAT"),
		JWTSecret:           os.Getenv("GFLIX_JWT_SECRET"),
		Currency:            strings.ToUpper(firstNonEmpty(os.Getenv("GFLIX_CURRENCY"), defaultCurrency)),
		GatewayProvider:     strings.ToLower(firstNonEmpty(os.Getenv("GATEWAY_PROVIDER"), ProviderApaym)),
		ApaymAPIKey:         os.Getenv("APAYM_API_KEY"),
		ApaymAPISecret:      os.Getenv("APAYM_API_SECRET"),
		ApaymBaseURL:        strings.TrimRight(firstNonEmpty(os.Getenv("APAYM_BASE_URL"), defaultApaymBaseURL), "/"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		PostmarkToken:       os.Getenv("POSTMARK_TOKEN"),
		FromEmail:           os.Getenv("GFLIX_FROM_EMAIL"),
		VAPIDPublicKey:      os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:     os.Getenv("VAPID_PRIVATE_KEY"),
		BackupEndpoint:      os.Getenv("BACKUP_S3_ENDPOINT"),
		BackupBucket:        os.Getenv("BACKUP_S3_BUCKET"),
		BackupRegion:        firstNonEmpty(os.Getenv("BACKUP_S3_REGION"), defaultBackupRegion),
		BackupAccessKey:     os.Getenv("BACKUP_S3_ACCESS_KEY"),
		BackupSecretKey:     os.Getenv("BACKUP_S3_SECRET_KEY"),
		BackupPassphrase:    os.Getenv("BACKUP_PASSPHRASE"),
	}
	cfg.BaseURL = strings.TrimRight(firstNonEmpty(os.Getenv("GFLIX_BASE_URL"), "http://localhost:"+cfg.Port), "/")
	cfg.CallbackSecret = firstNonEmpty(os.Getenv("CALLBACK_SECRET"), cfg.ApaymAPISecret)
	cfg.VAPIDSubject = firstNonEmpty(os.Getenv("VAPID_SUBJECT"), cfg.FromEmail, cfg.BaseURL)

	var err error
	if cfg.TokenTTL, err = durationEnv("GFLIX_TOKEN_TTL", defaultTokenTTL); err != nil {
		return Config{}, err
	}
	if cfg.GatewayTimeout, err = durationEnv("GATEWAY_TIMEOUT", defaultGatewayTimeout); err != nil {
		return Config{}, err
	}
	if cfg.EntitlementCacheTTL, err = durationEnv("ENTITLEMENT_CACHE_TTL", defaultEntitlementCacheTTL); err != nil {
		return Config{}, err
	}
	if cfg.BackupRetention, err = durationEnv("BACKUP_RETENTION", defaultBackupRetention); err != nil {
		return Config{}, err
	}
	if cfg.MaxDevices, err = intEnv("MAX_DEVICES_PER_USER", defaultMaxDevices); err != nil {
		return Config{}, err
	}
	if cfg.EntitlementCacheSize, err = intEnv("ENTITLEMENT_CACHE_SIZE", defaultEntitlementCacheSize); err != nil {
		return Config{}, err
	}
	trialHours, err := intEnv("TRIAL_PERIOD_HOURS", defaultTrialPeriodHours)
	if err != nil {
		return Config{}, err
	}
	cfg.TrialPeriod = time.Duration(trialHours) * time.Hour

	if cfg.YearlyPrice, err = priceEnv("YEARLY_SUBSCRIPTION_PRICE", defaultYearlyPrice); err != nil {
		return Config{}, err
	}
	if cfg.DailyPrice, err = priceEnv("DAILY_SUBSCRIPTION_PRICE", defaultDailyPrice); err != nil {
		return Config{}, err
	}
	if cfg.PremiumYearlyPrice, err = priceEnv("PREMIUM_YEARLY_PRICE", defaultPremiumYearlyPrice); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("GFLIX_JWT_SECRET is required")
	}
	if c.MaxDevices < 1 {
		return fmt.Errorf("MAX_DEVICES_PER_USER must be at least 1")
	}
	if c.TrialPeriod < 0 {
		return fmt.Errorf("TRIAL_PERIOD_HOURS must not be negative")
	}
	switch c.GatewayProvider {
	case ProviderApaym:
		if c.ApaymAPIKey == "" {
			return fmt.Errorf("APAYM_API_KEY is required for gateway %q", c.GatewayProvider)
		}
	case ProviderStripe:
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required for gateway %q", c.GatewayProvider)
		}
	default:
		return fmt.Errorf("unknown GATEWAY_PROVIDER %q", c.GatewayProvider)
	}
	if c.CallbackSecret == "" {
		return fmt.Errorf("CALLBACK_SECRET or APAYM_API_SECRET is required")
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}
	if c.BackupBucket != "" && c.BackupPassphrase == "" {
		return fmt.Errorf("BACKUP_PASSPHRASE is required when BACKUP_S3_BUCKET is set")
	}
	return nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func intEnv(key string, fallback int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func priceEnv(key string, fallback int64) (int64, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: price must be positive", key)
	}
	return n, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
