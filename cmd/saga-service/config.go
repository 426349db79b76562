package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	pkgaws "github.com/yashrajoria/order-saga/pkg/aws"
)

type Config struct {
	Port string
	Env  string

	BusDriver    string
	KafkaBrokers []string

	DedupDriver string
	DedupTTL    time.Duration
	RedisURL    string
	DynamoTable string

	DBDriver string

	MongoURI string
	MongoDB  string

	OTelEndpoint string

	StripeSecretKey     string
	StripePaymentMethod string
	PaymentRPS          float64
	PaymentBurst        int

	ReservationTTL time.Duration
	SweepInterval  time.Duration
	SweepBatch     int

	NotifyDriver    string
	NotifyRecipient string

	RequestTimeout time.Duration
}

func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port: getEnv("PORT", "8080"),
		Env:  getEnv("APP_ENV", "development"),

		BusDriver:    getEnv("BUS_DRIVER", "memory"),
		KafkaBrokers: splitList(os.Getenv("KAFKA_BROKERS")),

		DedupDriver: getEnv("DEDUP_DRIVER", "memory"),
		DedupTTL:    getDuration("DEDUP_TTL", 24*time.Hour),
		RedisURL:    os.Getenv("REDIS_URL"),
		DynamoTable: getEnv("DEDUP_DYNAMO_TABLE", "saga-dedup"),

		DBDriver: getEnv("DB_DRIVER", "memory"),

		MongoURI: os.Getenv("MONGO_URI"),
		MongoDB:  getEnv("MONGO_DB", "order_saga"),

		OTelEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripePaymentMethod: getEnv("STRIPE_PAYMENT_METHOD", "pm_card_visa"),
		PaymentRPS:          getFloat("PAYMENT_GATEWAY_RPS", 25),
		PaymentBurst:        getInt("PAYMENT_GATEWAY_BURST", 10),

		ReservationTTL: getDuration("RESERVATION_TTL", 15*time.Minute),
		SweepInterval:  getDuration("SWEEP_INTERVAL", time.Minute),
		SweepBatch:     getInt("SWEEP_BATCH", 100),

		NotifyDriver:    getEnv("NOTIFY_DRIVER", "log"),
		NotifyRecipient: getEnv("NOTIFY_RECIPIENT", "ops@localhost"),

		RequestTimeout: getDuration("REQUEST_TIMEOUT", 30*time.Second),
	}

	if os.Getenv("AWS_USE_SECRETS") == "true" {
		if awsCfg, err := pkgaws.LoadAWSConfig(context.Background()); err == nil {
			sm := pkgaws.NewSecretsClient(awsCfg)

			if v, err := sm.GetSecret(context.Background(), "saga/STRIPE_SECRET_KEY"); err == nil && v != "" {
				cfg.StripeSecretKey = v
			}

			// The database layer reads POSTGRES_* from the environment, so
			// secret values are exported there.
			if dbjson, err := sm.GetSecret(context.Background(), "saga/DB_CREDENTIALS"); err == nil && dbjson != "" {
				var m map[string]string
				if err := json.Unmarshal([]byte(dbjson), &m); err == nil {
					for _, key := range []string{"POSTGRES_USER", "POSTGRES_PASSWORD", "POSTGRES_DB", "POSTGRES_HOST", "POSTGRES_PORT"} {
						if v, ok := m[key]; ok && v != "" {
							os.Setenv(key, v)
						}
					}
				}
			}
		}
	}

	switch cfg.BusDriver {
	case "memory", "snssqs":
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("KAFKA_BROKERS is required when BUS_DRIVER=kafka")
		}
	default:
		return nil, fmt.Errorf("unknown BUS_DRIVER %q", cfg.BusDriver)
	}

	switch cfg.DedupDriver {
	case "memory", "dynamo":
	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required when DEDUP_DRIVER=redis")
		}
	default:
		return nil, fmt.Errorf("unknown DEDUP_DRIVER %q", cfg.DedupDriver)
	}

	switch cfg.DBDriver {
	case "memory", "postgres":
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
	}

	switch cfg.NotifyDriver {
	case "log", "smtp":
	default:
		return nil, fmt.Errorf("unknown NOTIFY_DRIVER %q", cfg.NotifyDriver)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(val string) []string {
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
