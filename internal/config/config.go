// Package config содержит логику чтения конфигурации аукционного сервиса.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации аукционного сервиса.
// Бизнес-параметры (ставки, шаги, сроки оплаты) хранятся в базе и сюда не входят.
type Config struct {
	RunAddress     string        `env:"RUN_ADDRESS"`
	DatabaseURI    string        `env:"DATABASE_URI"`
	RedisAddress   string        `env:"REDIS_ADDRESS"`
	KafkaBrokers   []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic     string        `env:"KAFKA_TOPIC"`
	WebhookURL     string        `env:"WEBHOOK_URL"`
	DriverInterval time.Duration `env:"DRIVER_INTERVAL"`
	LockTTL        time.Duration `env:"LOCK_TTL"`
	NotifyBuffer   int           `env:"NOTIFY_BUFFER"`
	AuthSecret     string        `env:"AUTH_SECRET"`
	AdminIDs       []int64       `env:"ADMIN_IDS" envSeparator:","`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory storage when empty")
	flag.StringVar(&cfg.RedisAddress, "r", "", "redis address for item locks and price cache")
	flag.Func("k", "comma-separated kafka brokers", func(v string) error {
		cfg.KafkaBrokers = splitList(v)
		return nil
	})
	flag.StringVar(&cfg.KafkaTopic, "t", "auction-events", "kafka topic for notifications")
	flag.StringVar(&cfg.WebhookURL, "w", "", "webhook URL for notifications")
	flag.DurationVar(&cfg.DriverInterval, "i", time.Second, "lifecycle driver tick interval")
	flag.DurationVar(&cfg.LockTTL, "l", 10*time.Second, "item lock lease")
	flag.IntVar(&cfg.NotifyBuffer, "b", 256, "notification queue size")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret for auth token signatures")
	flag.Func("admins", "comma-separated admin user ids", func(v string) error {
		ids, err := parseIDs(v)
		if err != nil {
			return err
		}
		cfg.AdminIDs = ids
		return nil
	})

	flag.Parse()

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.AuthSecret == "" {
		return nil, errors.New("auth secret is required")
	}
	if cfg.DriverInterval <= 0 {
		return nil, errors.New("driver interval must be positive")
	}
	if cfg.LockTTL <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}
	if cfg.NotifyBuffer <= 0 {
		return nil, errors.New("notify buffer must be positive")
	}

	return cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseIDs(v string) ([]int64, error) {
	var ids []int64
	for _, part := range splitList(v) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("admin id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
