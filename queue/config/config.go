// Package config provides Redis queue configuration from the
// environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// RedisConfig holds Redis connection and queue tuning parameters.
type RedisConfig struct {
	Host            string
	Port            int
	Password        string
	DB              int
	Workers         int
	RetryInterval   time.Duration
	MaxRetries      int
	QueuePriorities map[string]int
}

const (
	defaultHost          = "localhost"
	defaultPort          = 6379
	defaultDB            = 0
	defaultWorkers       = 10
	defaultRetryInterval = 5 * time.Second
	defaultMaxRetries    = 3

	minPort    = 1
	maxPort    = 65535
	minDB      = 0
	maxDB      = 15
	minWorkers = 1
	maxWorkers = 100
)

// DefaultQueuePriorities weights the task queues: webhook-driven event
// processing beats periodic full syncs, and backfills run last.
var DefaultQueuePriorities = map[string]int{
	"events":  6,
	"default": 3,
	"low":     1,
}

// NewRedisConfig reads the configuration from REDIS_* environment
// variables. REDIS_URL, when set, overrides host, port, password and DB.
func NewRedisConfig() (*RedisConfig, error) {
	cfg := &RedisConfig{
		Host:            getEnvOrDefault("REDIS_HOST", defaultHost),
		Password:        os.Getenv("REDIS_PASSWORD"),
		QueuePriorities: make(map[string]int),
	}

	for queue, priority := range DefaultQueuePriorities {
		cfg.QueuePriorities[queue] = priority
	}

	var err error

	cfg.Port, err = parseIntEnv("REDIS_PORT", defaultPort, minPort, maxPort)
	if err != nil {
		return nil, err
	}

	cfg.DB, err = parseIntEnv("REDIS_DB", defaultDB, minDB, maxDB)
	if err != nil {
		return nil, err
	}

	cfg.Workers, err = parseIntEnv("REDIS_WORKERS", defaultWorkers, minWorkers, maxWorkers)
	if err != nil {
		return nil, err
	}

	cfg.RetryInterval = defaultRetryInterval
	if raw := os.Getenv("REDIS_RETRY_INTERVAL"); raw != "" {
		cfg.RetryInterval, err = time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_RETRY_INTERVAL: %w", err)
		}
	}

	cfg.MaxRetries, err = parseIntEnv("REDIS_MAX_RETRIES", defaultMaxRetries, 0, 10)
	if err != nil {
		return nil, err
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		if err := cfg.applyURL(redisURL); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (c *RedisConfig) applyURL(redisURL string) error {
	parsed, err := url.Parse(redisURL)
	if err != nil {
		return fmt.Errorf("invalid Redis URL: %w", err)
	}

	if host := parsed.Hostname(); host != "" {
		c.Host = host
	}

	if port := parsed.Port(); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid port in Redis URL: %w", err)
		}

		c.Port = p
	}

	if password, ok := parsed.User.Password(); ok {
		c.Password = password
	}

	if path := strings.TrimPrefix(parsed.Path, "/"); path != "" {
		db, err := strconv.Atoi(path)
		if err != nil {
			return fmt.Errorf("invalid database number in Redis URL: %w", err)
		}

		c.DB = db
	}

	return nil
}

// GetRedisAddr returns the formatted Redis address.
func (c *RedisConfig) GetRedisAddr() string {
	host := c.Host
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}

	return fmt.Sprintf("%s:%d", host, c.Port)
}

func parseIntEnv(key string, defaultValue, minValue, maxValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}

	if v < minValue || v > maxValue {
		return 0, fmt.Errorf("%s must be between %d and %d", key, minValue, maxValue)
	}

	return v, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}
