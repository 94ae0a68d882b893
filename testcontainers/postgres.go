package testcontainers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	postgresImage    = "postgres:16-alpine"
	postgresPort     = "5432"
	postgresUser     = "syncengine"
	postgresPassword = "syncengine"
	postgresDatabase = "syncengine_test"
)

// PostgresConfig holds the connection parameters of a started container.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// PostgresContainer is a disposable Postgres instance for integration
// tests.
type PostgresContainer struct {
	testcontainers.Container
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// NewPostgresContainer starts a Postgres container and blocks until it
// accepts connections.
func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{postgresPort + "/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     postgresUser,
				"POSTGRES_PASSWORD": postgresPassword,
				"POSTGRES_DB":       postgresDatabase,
			},
			WaitingFor: wait.ForAll(
				// The init scripts restart the server once, so the log line
				// alone is not enough.
				wait.ForLog("database system is ready to accept connections"),
				wait.ForExposedPort(),
			),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	host, port, err := containerEndpoint(ctx, container, postgresPort)
	if err != nil {
		return nil, err
	}

	return &PostgresContainer{
		Container: container,
		Host:      host,
		Port:      port,
		User:      postgresUser,
		Password:  postgresPassword,
		Database:  postgresDatabase,
	}, nil
}

// GetDSN returns a DSN suitable for both the migration runner and
// database/sql.
func (c *PostgresContainer) GetDSN() string {
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}
