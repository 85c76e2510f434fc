// Package config loads the service configuration from the environment,
// optionally seeded by a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
	StorageRedis    = "redis"

	BrokerRedis = "redis"
	BrokerDTM   = "dtm"
	BrokerNone  = "none"
)

type Database struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	// URL overrides the individual fields when set.
	URL string
}

// DSN returns the pgx connection string.
func (d Database) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable&pool_max_conns=25&pool_min_conns=5",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

type Provider struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration

	TermsURL        string
	CheckoutURL     string
	ConfirmationURL string
	PushURL         string
}

type Retry struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

type Breaker struct {
	FailureThreshold int
	Cooldown         time.Duration
}

type Idempotency struct {
	Store   string
	TTL     time.Duration
	Timeout time.Duration
}

type Broker struct {
	Kind        string
	TopicPrefix string
	DTMServer   string
	// Subscribers maps an event family to the URLs a DTM message is sent to.
	Subscribers   map[string][]string
	ConsumerGroup string
	ConsumerName  string
	// ConsumerMinIdle is how long a pending entry waits before another consumer claims it.
	ConsumerMinIdle time.Duration
}

type Config struct {
	Port          string
	ServiceName   string
	OTLPEndpoint  string
	LogFormat     string
	Storage       string
	Database      Database
	RedisAddr     string
	Idempotency   Idempotency
	Provider      Provider
	SessionTTL    time.Duration
	Country       string
	Locale        string
	Retry         Retry
	Breaker       Breaker
	Broker        Broker
	JWTSecret     string
	WebhookSecret string
	CatalogFile   string
}

// Load reads the given env files (".env" when none) and then the environment.
// A missing file is only logged.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
		slog.Warn("env file not found, using environment only")
	}

	p := &parser{}
	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		ServiceName:  getEnv("SERVICE_NAME", "storefront"),
		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		LogFormat:    getEnv("LOG_FORMAT", "json"),
		Storage:      getEnv("STORAGE", StoragePostgres),
		Database: Database{
			Host:     getEnv("DATABASE_HOST", "localhost"),
			Port:     getEnv("DATABASE_PORT", "5432"),
			User:     getEnv("DATABASE_USER", "root"),
			Password: getEnv("DATABASE_PASSWORD", "pass"),
			Name:     getEnv("DATABASE_NAME", "storefront_db"),
			URL:      os.Getenv("DATABASE_URL"),
		},
		RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
		Idempotency: Idempotency{
			Store:   getEnv("IDEMPOTENCY_STORE", StorageRedis),
			TTL:     p.duration("IDEMPOTENCY_TTL", 24*time.Hour),
			Timeout: p.duration("IDEMPOTENCY_TIMEOUT", 2*time.Second),
		},
		Provider: Provider{
			BaseURL:         getEnv("PROVIDER_BASE_URL", "https://api.playground.klarna.com"),
			Username:        os.Getenv("PROVIDER_USERNAME"),
			Password:        os.Getenv("PROVIDER_PASSWORD"),
			Timeout:         p.duration("PROVIDER_TIMEOUT", 10*time.Second),
			TermsURL:        getEnv("MERCHANT_TERMS_URL", "http://localhost:8080/terms"),
			CheckoutURL:     getEnv("MERCHANT_CHECKOUT_URL", "http://localhost:8080/checkout"),
			ConfirmationURL: getEnv("MERCHANT_CONFIRMATION_URL", "http://localhost:8080/confirmation"),
			PushURL:         getEnv("MERCHANT_PUSH_URL", "http://localhost:8080/api/webhooks/provider"),
		},
		SessionTTL: p.duration("SESSION_TTL", 30*time.Minute),
		Country:    getEnv("PURCHASE_COUNTRY", "SE"),
		Locale:     getEnv("PURCHASE_LOCALE", "en-SE"),
		Retry: Retry{
			MaxAttempts:  p.int("RETRY_MAX_ATTEMPTS", 3),
			InitialDelay: p.duration("RETRY_INITIAL_DELAY", 200*time.Millisecond),
			MaxDelay:     p.duration("RETRY_MAX_DELAY", 2*time.Second),
			Multiplier:   p.float("RETRY_MULTIPLIER", 2),
			Jitter:       p.float("RETRY_JITTER", 0.2),
		},
		Breaker: Breaker{
			FailureThreshold: p.int("BREAKER_FAILURE_THRESHOLD", 5),
			Cooldown:         p.duration("BREAKER_COOLDOWN", 30*time.Second),
		},
		Broker: Broker{
			Kind:        getEnv("BROKER", BrokerRedis),
			TopicPrefix: getEnv("BROKER_TOPIC_PREFIX", "storefront"),
			DTMServer:   getEnv("DTM_SERVER", "http://localhost:36789/api/dtmsvr"),
			Subscribers: map[string][]string{
				"orders":   splitList(os.Getenv("DTM_SUBSCRIBER_ORDERS_URL")),
				"payments": splitList(os.Getenv("DTM_SUBSCRIBER_PAYMENTS_URL")),
			},
			ConsumerGroup:   getEnv("CONSUMER_GROUP", "storefront"),
			ConsumerName:    getEnv("CONSUMER_NAME", hostname()),
			ConsumerMinIdle: p.duration("CONSUMER_MIN_IDLE", time.Minute),
		},
		JWTSecret:     os.Getenv("JWT_SECRET"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		CatalogFile:   getEnv("CATALOG_FILE", "catalog.json"),
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	switch c.Storage {
	case StoragePostgres, StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("STORAGE must be postgres or memory, got %q", c.Storage))
	}
	switch c.Idempotency.Store {
	case StorageRedis, StoragePostgres, StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("IDEMPOTENCY_STORE must be redis, postgres or memory, got %q", c.Idempotency.Store))
	}
	switch c.Broker.Kind {
	case BrokerRedis, BrokerDTM, BrokerNone:
	default:
		errs = append(errs, fmt.Errorf("BROKER must be redis, dtm or none, got %q", c.Broker.Kind))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be at least 1"))
	}
	return errors.Join(errs...)
}

// parser collects the first conversion error.
type parser struct {
	err error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}

func (p *parser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return f
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "storefront-1"
	}
	return h
}
