package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the API process.
// Values are loaded from environment variables with defaults that let the
// binary run locally against the in-memory store.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool
	StoreTimeout  time.Duration
	// SeedUsersFile is a JSON array of user summaries loaded into the
	// in-memory store; ignored when PGDSN is set.
	SeedUsersFile string

	RedisAddr          string
	RedisPassword      string
	RedisChannelPrefix string

	KafkaBrokers []string
	KafkaTopic   string

	JWTSecret string
	JWTIssuer string

	OpsWebhookURL string

	BusBuffer            int
	MessagesDefaultLimit int
	MessagesMaxLimit     int

	CORSAllowedOrigins []string
	LogLevel           string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		StoreTimeout:         3 * time.Second,
		RedisChannelPrefix:   "rideshare:bus:",
		KafkaTopic:           "rideshare-admin-events",
		BusBuffer:            64,
		MessagesDefaultLimit: 50,
		MessagesMaxLimit:     100,
		CORSAllowedOrigins:   []string{"*"},
		LogLevel:             "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setDurationFromEnv(&cfg.StoreTimeout, "STORE_TIMEOUT", &errs)
	setStringFromEnv(&cfg.SeedUsersFile, "SEED_USERS_FILE")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisChannelPrefix, "REDIS_CHANNEL_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setStringFromEnv(&cfg.JWTIssuer, "JWT_ISSUER")

	setStringFromEnv(&cfg.OpsWebhookURL, "OPS_WEBHOOK_URL")

	setIntFromEnv(&cfg.BusBuffer, "BUS_BUFFER", &errs)
	setIntFromEnv(&cfg.MessagesDefaultLimit, "MESSAGES_DEFAULT_LIMIT", &errs)
	setIntFromEnv(&cfg.MessagesMaxLimit, "MESSAGES_MAX_LIMIT", &errs)

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		cfg.CORSAllowedOrigins = splitAndTrim(origins)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	if cfg.BusBuffer <= 0 {
		errs = append(errs, fmt.Errorf("BUS_BUFFER must be > 0"))
	}
	if cfg.MessagesDefaultLimit <= 0 || cfg.MessagesMaxLimit < cfg.MessagesDefaultLimit {
		errs = append(errs, fmt.Errorf("MESSAGES_DEFAULT_LIMIT must be > 0 and <= MESSAGES_MAX_LIMIT"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the admin-event projector.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	EntryTTL      time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "rideshare-admin-events",
		KafkaGroup:   "rideshare-admin-projector",
		RedisAddr:    "localhost:6379",
		EntryTTL:     7 * 24 * time.Hour,
		LogLevel:     "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setDurationFromEnv(&cfg.EntryTTL, "PROJECTION_TTL", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
