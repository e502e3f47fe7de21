package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	// StorageDriver is memory, postgres (lib/pq) or pgx (pgx stdlib).
	StorageDriver string
	AlertStream   bool

	LogLevel string
	LogJSON  bool

	// Source is mock, cargurus or httpjson.
	Source         string
	SourceBaseURL  string
	SourceAPIKey   string
	ChromeBin      string
	PagesToScrape  int
	ResultsPerPage int
	MaxRetries     int

	RateLimitRequests int
	RateLimitWindow   time.Duration
	MaxInFlight       int
	RateLimitMaxWait  time.Duration
	RequestTimeout    time.Duration

	DiscoveryInterval  time.Duration
	PriceCheckInterval time.Duration
	TickInterval       time.Duration
	WorkerPoolSize     int
	BackoffBase        time.Duration
	BlockedBackoffBase time.Duration
	BackoffCap         time.Duration
	BackoffJitter      float64
	DegradedAfter      int
	DelistAfterMisses  int
	TrendWindow        int

	AlertCooldown       time.Duration
	MaxAlertRetries     int
	NotifyPerMinute     int
	WebhookToken        string
	TwilioAccountSID    string
	TwilioAuthToken     string
	TwilioFromNumber    string
	TwilioBaseURL       string
	SMTPHost            string
	SMTPPort            int
	SMTPUser            string
	SMTPPassword        string
	SMTPFrom            string
	EnrichmentProviders []string
	EnrichmentTTL       time.Duration
	ProviderTimeout     time.Duration
	NHTSABaseURL        string
	RecallsBaseURL      string
	VinAPIURL           string
	VinAPIKey           string

	CriteriaFile string
	RawCSVPath   string
	APIAddr      string
}

// Load reads the .env file and returns a populated Config struct.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	return &Config{
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "tracker"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "tracker123"),
		PostgresDB:       getEnv("POSTGRES_DB", "porsche_tracker"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		StorageDriver:    getEnv("STORAGE_DRIVER", "memory"),
		AlertStream:      getEnvBool("ALERT_STREAM", false),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogJSON:  getEnvBool("LOG_JSON", false),

		Source:         getEnv("SOURCE", "mock"),
		SourceBaseURL:  getEnv("SOURCE_BASE_URL", "https://www.cargurus.com"),
		SourceAPIKey:   getEnv("SOURCE_API_KEY", ""),
		ChromeBin:      getEnv("CHROME_BIN", ""),
		PagesToScrape:  getEnvInt("PAGES_TO_SCRAPE", 2),
		ResultsPerPage: getEnvInt("RESULTS_PER_PAGE", 24),
		MaxRetries:     getEnvInt("MAX_RETRIES", 3),

		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 20),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		MaxInFlight:       getEnvInt("MAX_IN_FLIGHT", 2),
		RateLimitMaxWait:  getEnvDuration("RATE_LIMIT_MAX_WAIT", 30*time.Second),
		RequestTimeout:    getEnvDuration("REQUEST_TIMEOUT", 45*time.Second),

		DiscoveryInterval:  getEnvDuration("DISCOVERY_INTERVAL", 30*time.Minute),
		PriceCheckInterval: getEnvDuration("PRICE_CHECK_INTERVAL", time.Hour),
		TickInterval:       getEnvDuration("TICK_INTERVAL", 15*time.Second),
		WorkerPoolSize:     getEnvInt("WORKER_POOL_SIZE", 4),
		BackoffBase:        getEnvDuration("BACKOFF_BASE", time.Minute),
		BlockedBackoffBase: getEnvDuration("BLOCKED_BACKOFF_BASE", 5*time.Minute),
		BackoffCap:         getEnvDuration("BACKOFF_CAP", 30*time.Minute),
		BackoffJitter:      getEnvFloat("BACKOFF_JITTER", 0.2),
		DegradedAfter:      getEnvInt("DEGRADED_AFTER_FAILURES", 3),
		DelistAfterMisses:  getEnvInt("DELIST_AFTER_MISSES", 2),
		TrendWindow:        getEnvInt("TREND_WINDOW", 3),

		AlertCooldown:       getEnvDuration("ALERT_COOLDOWN", 24*time.Hour),
		MaxAlertRetries:     getEnvInt("MAX_ALERT_RETRIES", 5),
		NotifyPerMinute:     getEnvInt("NOTIFY_PER_MINUTE", 30),
		WebhookToken:        getEnv("WEBHOOK_TOKEN", ""),
		TwilioAccountSID:    getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:     getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber:    getEnv("TWILIO_FROM_NUMBER", ""),
		TwilioBaseURL:       getEnv("TWILIO_BASE_URL", "https://api.twilio.com"),
		SMTPHost:            getEnv("SMTP_HOST", ""),
		SMTPPort:            getEnvInt("SMTP_PORT", 587),
		SMTPUser:            getEnv("SMTP_USER", ""),
		SMTPPassword:        getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:            getEnv("SMTP_FROM", "alerts@porsche-tracker.local"),
		EnrichmentProviders: getEnvList("ENRICHMENT_PROVIDERS", []string{"nhtsa", "decoder", "recalls"}),
		EnrichmentTTL:       getEnvDuration("ENRICHMENT_TTL", 7*24*time.Hour),
		ProviderTimeout:     getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second),
		NHTSABaseURL:        getEnv("NHTSA_BASE_URL", "https://vpic.nhtsa.dot.gov"),
		RecallsBaseURL:      getEnv("RECALLS_BASE_URL", "https://api.nhtsa.gov"),
		VinAPIURL:           getEnv("VIN_API_URL", ""),
		VinAPIKey:           getEnv("VIN_API_KEY", ""),

		CriteriaFile: getEnv("CRITERIA_FILE", "./criteria.yaml"),
		RawCSVPath:   getEnv("RAW_CSV_PATH", ""),
		APIAddr:      getEnv("API_ADDR", ":8080"),
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]int64{
		"RATE_LIMIT_REQUESTS":  int64(c.RateLimitRequests),
		"RATE_LIMIT_WINDOW":    int64(c.RateLimitWindow),
		"DISCOVERY_INTERVAL":   int64(c.DiscoveryInterval),
		"PRICE_CHECK_INTERVAL": int64(c.PriceCheckInterval),
		"TICK_INTERVAL":        int64(c.TickInterval),
		"WORKER_POOL_SIZE":     int64(c.WorkerPoolSize),
		"BACKOFF_BASE":         int64(c.BackoffBase),
		"BACKOFF_CAP":          int64(c.BackoffCap),
		"REQUEST_TIMEOUT":      int64(c.RequestTimeout),
		"DELIST_AFTER_MISSES":  int64(c.DelistAfterMisses),
		"TREND_WINDOW":         int64(c.TrendWindow),
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		errs = append(errs, fmt.Errorf("BACKOFF_JITTER must be in [0,1), got %v", c.BackoffJitter))
	}
	switch c.StorageDriver {
	case "memory", "postgres", "pgx":
	default:
		errs = append(errs, fmt.Errorf("STORAGE_DRIVER %q is not one of memory, postgres, pgx", c.StorageDriver))
	}
	switch c.Source {
	case "mock", "cargurus", "httpjson":
	default:
		errs = append(errs, fmt.Errorf("SOURCE %q is not one of mock, cargurus, httpjson", c.Source))
	}
	for _, p := range c.EnrichmentProviders {
		switch p {
		case "nhtsa", "decoder", "recalls":
		case "vindb":
			if c.VinAPIURL == "" {
				errs = append(errs, errors.New("ENRICHMENT_PROVIDERS includes vindb but VIN_API_URL is empty"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown enrichment provider %q", p))
		}
	}
	if c.AlertStream && c.StorageDriver == "memory" {
		errs = append(errs, errors.New("ALERT_STREAM requires a postgres storage driver"))
	}
	return errors.Join(errs...)
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, p := range strings.Split(val, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
