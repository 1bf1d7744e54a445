package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"zippcall/internal/model"
)

const EnvProduction = "production"

type Config struct {
	Env   string
	Store string

	DBUser  string
	DBPass  string
	DBHost  string
	DBPort  string
	DBName  string
	SSLMode string

	RedisHost string
	RedisPort string
	NatsHost  string
	NatsPort  string

	ApiPort        string
	ApiEnabled     string
	BusProvider    string
	GRPCHost       string
	GRPCPort       string
	GRPCListenPort string
	BusBufferSize  int
	WorkerProvider string
	GRPCToken      string

	MarkupPercent       decimal.Decimal
	MarkupOverrides     map[string]decimal.Decimal
	OverdraftLimitCents int64
	MaxCallSeconds      int64

	PaymentWebhookSecret   string
	TelephonyWebhookSecret string
	TelephonyAuthBypass    bool
	JWTSecret              string
	AdminToken             string

	EventTimeout        time.Duration
	ReservationTTL      time.Duration
	CompletedTTL        time.Duration
	RateRefreshInterval time.Duration
	BalanceCacheTTL     time.Duration
}

// New loads and validates configuration from environment variables.
// HTTP server is optional: if ZIPPCALL_API_ENABLED != "true", ApiAddr() returns an error
// and the HTTP server simply won't start. ZIPPCALL_STORE=memory runs without Postgres and Redis.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:                    getEnv("ZIPPCALL_ENV", "development"),
		Store:                  getEnv("ZIPPCALL_STORE", "postgres"),
		DBUser:                 os.Getenv("ZIPPCALL_POSTGRES_USER"),
		DBPass:                 os.Getenv("ZIPPCALL_POSTGRES_PASSWORD"),
		DBHost:                 os.Getenv("ZIPPCALL_POSTGRES_HOST"),
		DBPort:                 getEnv("ZIPPCALL_POSTGRES_PORT", "5432"),
		DBName:                 os.Getenv("ZIPPCALL_POSTGRES_DB"),
		SSLMode:                os.Getenv("ZIPPCALL_POSTGRES_SSLMODE"),
		RedisHost:              os.Getenv("ZIPPCALL_REDIS_HOST"),
		RedisPort:              os.Getenv("ZIPPCALL_REDIS_PORT"),
		NatsHost:               os.Getenv("ZIPPCALL_NATS_HOST"),
		NatsPort:               os.Getenv("ZIPPCALL_NATS_PORT"),
		GRPCHost:               os.Getenv("ZIPPCALL_GRPC_HOST"),
		GRPCPort:               os.Getenv("ZIPPCALL_GRPC_PORT"),
		GRPCListenPort:         getEnv("ZIPPCALL_GRPC_LISTEN_PORT", "50051"),
		BusProvider:            os.Getenv("ZIPPCALL_BUS_PROVIDER"),
		ApiPort:                os.Getenv("ZIPPCALL_API_PORT"),
		ApiEnabled:             os.Getenv("ZIPPCALL_API_ENABLED"),
		BusBufferSize:          getEnvInt("ZIPPCALL_BUS_BUFFER_SIZE", 1024),
		WorkerProvider:         os.Getenv("ZIPPCALL_WORKER_PROVIDER"),
		GRPCToken:              os.Getenv("ZIPPCALL_GRPC_TOKEN"),
		PaymentWebhookSecret:   os.Getenv("ZIPPCALL_PAYMENT_WEBHOOK_SECRET"),
		TelephonyWebhookSecret: os.Getenv("ZIPPCALL_TELEPHONY_WEBHOOK_SECRET"),
		TelephonyAuthBypass:    getEnvBool("ZIPPCALL_TELEPHONY_AUTH_BYPASS", false),
		JWTSecret:              os.Getenv("ZIPPCALL_JWT_SECRET"),
		AdminToken:             os.Getenv("ZIPPCALL_ADMIN_TOKEN"),
		EventTimeout:           getEnvDuration("ZIPPCALL_EVENT_TIMEOUT", 10*time.Second),
		ReservationTTL:         getEnvDuration("ZIPPCALL_RESERVATION_TTL", 30*time.Second),
		CompletedTTL:           getEnvDuration("ZIPPCALL_COMPLETED_TTL", 24*time.Hour),
		RateRefreshInterval:    getEnvDuration("ZIPPCALL_RATE_REFRESH_INTERVAL", time.Minute),
		BalanceCacheTTL:        getEnvDuration("ZIPPCALL_BALANCE_CACHE_TTL", 5*time.Minute),
	}

	// Balance policy keys are never defaulted silently: a typo would change who can overdraw.
	var err error
	if cfg.OverdraftLimitCents, err = parseEnvInt64("ZIPPCALL_OVERDRAFT_LIMIT_CENTS", 0); err != nil {
		return nil, err
	}
	if cfg.MaxCallSeconds, err = parseEnvInt64("ZIPPCALL_MAX_CALL_SECONDS", 4*60*60); err != nil {
		return nil, err
	}
	if cfg.MarkupPercent, err = decimal.NewFromString(getEnv("ZIPPCALL_MARKUP_PERCENT", "0")); err != nil {
		return nil, fmt.Errorf("invalid ZIPPCALL_MARKUP_PERCENT: %w", err)
	}
	if cfg.MarkupOverrides, err = parseOverrides(os.Getenv("ZIPPCALL_MARKUP_OVERRIDES")); err != nil {
		return nil, fmt.Errorf("invalid ZIPPCALL_MARKUP_OVERRIDES: %w", err)
	}
	if err := cfg.Markup().Validate(); err != nil {
		return nil, fmt.Errorf("invalid markup: %w", err)
	}
	if cfg.OverdraftLimitCents < 0 {
		return nil, fmt.Errorf("ZIPPCALL_OVERDRAFT_LIMIT_CENTS must be >= 0")
	}
	if cfg.MaxCallSeconds <= 0 {
		return nil, fmt.Errorf("ZIPPCALL_MAX_CALL_SECONDS must be > 0")
	}

	// Webhook authentication
	if cfg.TelephonyAuthBypass && cfg.Env == EnvProduction {
		return nil, fmt.Errorf("ZIPPCALL_TELEPHONY_AUTH_BYPASS cannot be enabled when ZIPPCALL_ENV=%s", EnvProduction)
	}
	if cfg.Env == EnvProduction && (cfg.PaymentWebhookSecret == "" || cfg.TelephonyWebhookSecret == "") {
		return nil, fmt.Errorf("missing required env in production: ZIPPCALL_PAYMENT_WEBHOOK_SECRET/TELEPHONY_WEBHOOK_SECRET")
	}

	switch cfg.Store {
	case "memory":
		if cfg.Env == EnvProduction {
			return nil, fmt.Errorf("ZIPPCALL_STORE=memory is not allowed when ZIPPCALL_ENV=%s", EnvProduction)
		}
	case "postgres":
		// Required: database
		if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" || cfg.SSLMode == "" {
			return nil, fmt.Errorf("missing required env for database: ZIPPCALL_POSTGRES_USER/HOST/DB/SSLMODE")
		}
		// Required: redis
		if cfg.RedisHost == "" || cfg.RedisPort == "" {
			return nil, fmt.Errorf("missing required env for redis: ZIPPCALL_REDIS_HOST/PORT")
		}
	default:
		return nil, fmt.Errorf("invalid store %q, must be 'postgres' or 'memory'", cfg.Store)
	}

	// Bus provider: "none" keeps transaction events in-process
	if cfg.BusProvider == "" {
		return nil, fmt.Errorf("missing required env: ZIPPCALL_BUS_PROVIDER (nats|grpc|none)")
	}
	if cfg.BusProvider != "nats" && cfg.BusProvider != "grpc" && cfg.BusProvider != "none" {
		return nil, fmt.Errorf("invalid bus provider %q, must be 'nats', 'grpc' or 'none'", cfg.BusProvider)
	}
	if cfg.WorkerProvider == "" {
		cfg.WorkerProvider = cfg.BusProvider
	}
	if cfg.WorkerProvider != cfg.BusProvider {
		return nil, fmt.Errorf("invalid worker provider %q, must match bus provider %q", cfg.WorkerProvider, cfg.BusProvider)
	}
	if cfg.BusProvider == "grpc" && (cfg.GRPCHost == "" || cfg.GRPCPort == "") {
		return nil, fmt.Errorf("missing required env for grpc bus: ZIPPCALL_GRPC_HOST/PORT")
	}
	if cfg.BusProvider == "nats" && (cfg.NatsHost == "" || cfg.NatsPort == "") {
		return nil, fmt.Errorf("missing required env for nats bus: ZIPPCALL_NATS_HOST/PORT")
	}

	if cfg.ApiEnabled == "true" && cfg.JWTSecret == "" {
		return nil, fmt.Errorf("ZIPPCALL_JWT_SECRET is required when ZIPPCALL_API_ENABLED=true")
	}

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

// GRPCAddr is the remote gRPC bus the service publishes to.
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf("%s:%s", c.GRPCHost, c.GRPCPort)
}

func (c *Config) GRPCListenAddr() string {
	return ":" + c.GRPCListenPort
}

// ApiAddr returns the HTTP listen address if the API is enabled.
// Returns an error if ZIPPCALL_API_ENABLED != "true"; callers then skip the HTTP server.
func (c *Config) ApiAddr() (string, error) {
	if c.ApiEnabled == "true" {
		if c.ApiPort == "" {
			return "", fmt.Errorf("ZIPPCALL_API_PORT is required when ZIPPCALL_API_ENABLED=true")
		}
		return ":" + c.ApiPort, nil
	}
	return "", fmt.Errorf("HTTP API is disabled (ZIPPCALL_API_ENABLED != true)")
}

func (c *Config) Markup() model.MarkupConfig {
	return model.MarkupConfig{DefaultPercent: c.MarkupPercent, Overrides: c.MarkupOverrides}
}

func (c *Config) Policy() model.BalancePolicy {
	return model.BalancePolicy{OverdraftLimitCents: c.OverdraftLimitCents}
}

func (c *Config) Production() bool {
	return c.Env == EnvProduction
}

// parseOverrides reads "US=10,GB=25" into a destination → percent map.
func parseOverrides(raw string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		dest, pct, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%q: expected DESTINATION=PERCENT", part)
		}
		dest = model.NormalizeDestination(dest)
		if dest == "" {
			return nil, fmt.Errorf("%q: empty destination", part)
		}
		d, err := decimal.NewFromString(strings.TrimSpace(pct))
		if err != nil {
			return nil, fmt.Errorf("%q: %w", part, err)
		}
		out[dest] = d
	}
	return out, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return defaultVal
	}
	return val
}

// parseEnvInt64 is getEnvInt for keys where a malformed value must stop startup.
func parseEnvInt64(key string, defaultVal int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal, nil
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: must be an integer", key, raw)
	}
	return val, nil
}

func getEnvBool(key string, defaultVal bool) bool {
	val, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val, err := time.ParseDuration(os.Getenv(key))
	if err != nil || val <= 0 {
		return defaultVal
	}
	return val
}
