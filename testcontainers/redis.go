package testcontainers

import (
	"context"
	"fmt"
	"strconv"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	redisImage = "redis:7-alpine"
	redisPort  = "6379"
)

// RedisConfig holds the connection parameters of a started container.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

// RedisContainer is a disposable Redis instance for integration tests.
// It runs without authentication.
type RedisContainer struct {
	testcontainers.Container
	Host     string
	Port     int
	Password string
}

// NewRedisContainer starts a Redis container and blocks until it accepts
// connections.
func NewRedisContainer(ctx context.Context) (*RedisContainer, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        redisImage,
			ExposedPorts: []string{redisPort + "/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start redis container: %w", err)
	}

	host, port, err := containerEndpoint(ctx, container, redisPort)
	if err != nil {
		return nil, err
	}

	return &RedisContainer{
		Container: container,
		Host:      host,
		Port:      port,
	}, nil
}

// GetAddress returns the host:port address of the container.
func (c *RedisContainer) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// containerEndpoint resolves the host and the mapped port of a running
// container.
func containerEndpoint(ctx context.Context, container testcontainers.Container, exposedPort string) (string, int, error) {
	host, err := container.Host(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("failed to resolve container host: %w", err)
	}

	mapped, err := container.MappedPort(ctx, nat.Port(exposedPort+"/tcp"))
	if err != nil {
		return "", 0, fmt.Errorf("failed to resolve mapped port: %w", err)
	}

	port, err := strconv.Atoi(mapped.Port())
	if err != nil {
		return "", 0, fmt.Errorf("unexpected mapped port %q: %w", mapped.Port(), err)
	}

	return host, port, nil
}
