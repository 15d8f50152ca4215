package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/honeynil/ZenLearnPayments/internal/models"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr     string
	PostgresDSN  string
	RedisAddr    string
	RedisPass    string
	RedisDB      int
	RedisPrefix  string
	KafkaBrokers []string
	JWTSecret    string
	OTLPEndpoint string
	LogLevel     string
	AutoMigrate  bool

	XenditBaseURL       string
	XenditSecretKey     string
	XenditCallbackToken string
	SuccessRedirectURL  string

	GatewayTimeout       time.Duration
	GatewayStatusTimeout time.Duration
	ExpirySweepInterval  time.Duration

	InvoicePrefix string
	PaymentTTL    map[models.PaymentMethod]time.Duration
}

var paymentMethods = []models.PaymentMethod{
	models.MethodBankTransfer,
	models.MethodVirtualAccount,
	models.MethodEWallet,
	models.MethodQRIS,
	models.MethodCreditCard,
	models.MethodManual,
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, using environment and defaults", "error", err)
	}

	cfg := &Config{
		HTTPAddr:     getEnv("HTTP_ADDR", ":8080"),
		PostgresDSN:  getEnv("POSTGRES_DSN", "host=localhost user=postgres password=postgres dbname=payments sslmode=disable"),
		RedisAddr:    getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPass:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:      getInt("REDIS_DB", 0),
		RedisPrefix:  os.Getenv("REDIS_KEY_PREFIX"),
		KafkaBrokers: splitList(getEnv("KAFKA_BROKER", "localhost:9092")),
		JWTSecret:    getEnv("JWT_SECRET", "supersecret"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		AutoMigrate:  getBool("AUTO_MIGRATE", false),

		XenditBaseURL:       getEnv("XENDIT_BASE_URL", "https://api.xendit.co"),
		XenditSecretKey:     os.Getenv("XENDIT_SECRET_KEY"),
		XenditCallbackToken: os.Getenv("XENDIT_CALLBACK_TOKEN"),
		SuccessRedirectURL:  os.Getenv("SUCCESS_REDIRECT_URL"),

		GatewayTimeout:       getDuration("GATEWAY_TIMEOUT", 10*time.Second),
		GatewayStatusTimeout: getDuration("GATEWAY_STATUS_TIMEOUT", 3*time.Second),
		ExpirySweepInterval:  getDuration("EXPIRY_SWEEP_INTERVAL", time.Minute),

		InvoicePrefix: getEnv("INVOICE_PREFIX", "ZL"),
		PaymentTTL:    map[models.PaymentMethod]time.Duration{},
	}

	for _, m := range paymentMethods {
		key := "PAYMENT_TTL_" + strings.ToUpper(string(m))
		if ttl := getDuration(key, 0); ttl > 0 {
			cfg.PaymentTTL[m] = ttl
		}
	}

	if cfg.XenditCallbackToken == "" {
		slog.Warn("XENDIT_CALLBACK_TOKEN is empty, all webhooks will be rejected")
	}

	slog.Info("config loaded",
		"http_addr", cfg.HTTPAddr,
		"redis_addr", cfg.RedisAddr,
		"kafka_brokers", cfg.KafkaBrokers,
		"xendit_base_url", cfg.XenditBaseURL,
		"auto_migrate", cfg.AutoMigrate,
		"payment_ttl_overrides", len(cfg.PaymentTTL),
	)
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func getBool(key string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func getDuration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		slog.Warn("invalid duration, using default", "key", key, "value", raw, "default", def)
		return def
	}
	return d
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
