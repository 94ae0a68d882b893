// Package config provides Redis configuration for the task queue.
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
	defaultWorkers       = 4
	defaultRetryInterval = 5 * time.Second
	defaultMaxRetries    = 3
	minPort              = 1
	maxPort              = 65535
	minDB                = 0
	maxDB                = 15
	minWorkers           = 1
	maxWorkers           = 100
)

// DefaultQueuePriorities defines the weight of each task queue. Webhook
// follow-up work outranks scheduled maintenance.
var DefaultQueuePriorities = map[string]int{
	"critical": 6,
	"default":  3,
	"low":      1,
}

// NewRedisConfig builds a Redis configuration from environment variables.
// REDIS_URL takes precedence over the individual REDIS_* variables.
func NewRedisConfig() (*RedisConfig, error) {
	cfg := &RedisConfig{
		Host:            getEnvOrDefault("REDIS_HOST", defaultHost),
		Password:        os.Getenv("REDIS_PASSWORD"),
		Workers:         defaultWorkers,
		RetryInterval:   defaultRetryInterval,
		MaxRetries:      defaultMaxRetries,
		QueuePriorities: make(map[string]int),
	}

	for queue, priority := range DefaultQueuePriorities {
		cfg.QueuePriorities[queue] = priority
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		if err := cfg.applyURL(redisURL); err != nil {
			return nil, err
		}
	} else if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if workers := os.Getenv("REDIS_WORKERS"); workers != "" {
		w, err := strconv.Atoi(workers)
		if err != nil || w < minWorkers || w > maxWorkers {
			return nil, fmt.Errorf("workers must be a number between %d and %d", minWorkers, maxWorkers)
		}

		cfg.Workers = w
	}

	if interval := os.Getenv("REDIS_RETRY_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid retry interval: %w", err)
		}

		cfg.RetryInterval = d
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

	c.Port = defaultPort

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

func (c *RedisConfig) applyEnv() error {
	port, err := strconv.Atoi(getEnvOrDefault("REDIS_PORT", strconv.Itoa(defaultPort)))
	if err != nil || port < minPort || port > maxPort {
		return fmt.Errorf("port must be a number between %d and %d", minPort, maxPort)
	}

	c.Port = port

	db, err := strconv.Atoi(getEnvOrDefault("REDIS_DB", strconv.Itoa(defaultDB)))
	if err != nil || db < minDB || db > maxDB {
		return fmt.Errorf("DB must be a number between %d and %d", minDB, maxDB)
	}

	c.DB = db

	return nil
}

// GetRedisAddr returns the host:port address, bracketing IPv6 hosts.
func (c *RedisConfig) GetRedisAddr() string {
	host := c.Host
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}

	return fmt.Sprintf("%s:%d", host, c.Port)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}
