// Package testcontainers provides Docker-backed Postgres and Redis
// infrastructure for integration tests. A TestContext starts both
// containers, applies the schema migrations, and tears everything down
// when the test ends.
//
// Usage:
//
//	func TestMyFeature(t *testing.T) {
//	    testcontainers.WithTestContext(t, func(ctx *TestContext) {
//	        repo := postgres.NewCredentialRepository(ctx.DB)
//	        // ...
//	    })
//	}
//
// Docker must be installed and running.
package testcontainers

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/pulsemetrics/sync-engine/postgres"
)

const defaultTimeout = 60 * time.Second

// TestContext holds the running containers and ready-to-use clients.
type TestContext struct {
	t *testing.T

	ctx        context.Context
	cancelFunc context.CancelFunc
	cleanup    []func()

	redisContainer    *RedisContainer
	postgresContainer *PostgresContainer

	// Redis is a connected client against the Redis container.
	Redis *redis.Client
	// DB is a connection to the Postgres container with migrations applied.
	DB *sql.DB

	RedisConfig    *RedisConfig
	PostgresConfig *PostgresConfig
}

// NewTestContext starts both containers and fails the test if anything
// cannot be brought up.
func NewTestContext(t *testing.T) *TestContext {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	tc := &TestContext{
		t:          t,
		ctx:        ctx,
		cancelFunc: cancel,
	}

	if err := tc.initRedis(); err != nil {
		tc.Cleanup()
		t.Fatalf("Failed to initialize Redis: %v", err)
	}

	if err := tc.initPostgres(); err != nil {
		tc.Cleanup()
		t.Fatalf("Failed to initialize Postgres: %v", err)
	}

	return tc
}

// WithTestContext runs fn with a fresh test context and cleans up
// afterwards, panics included.
func WithTestContext(t *testing.T, fn func(*TestContext)) {
	t.Helper()

	ctx := NewTestContext(t)
	defer ctx.Cleanup()

	fn(ctx)
}

// Cleanup tears down clients and containers in reverse creation order.
func (tc *TestContext) Cleanup() {
	for i := len(tc.cleanup) - 1; i >= 0; i-- {
		tc.cleanup[i]()
	}

	tc.cancelFunc()
}

// Context returns the lifecycle context shared by the containers.
func (tc *TestContext) Context() context.Context {
	return tc.ctx
}

func (tc *TestContext) addCleanup(fn func()) {
	tc.cleanup = append(tc.cleanup, fn)
}

func (tc *TestContext) initRedis() error {
	container, err := NewRedisContainer(tc.ctx)
	if err != nil {
		return fmt.Errorf("failed to create Redis container: %w", err)
	}

	tc.redisContainer = container
	tc.addCleanup(func() {
		if err := container.Terminate(tc.ctx); err != nil {
			tc.t.Errorf("Failed to terminate Redis container: %v", err)
		}
	})

	tc.Redis = redis.NewClient(&redis.Options{
		Addr:     container.GetAddress(),
		Password: container.Password,
	})
	tc.addCleanup(func() {
		if err := tc.Redis.Close(); err != nil {
			tc.t.Errorf("Failed to close Redis client: %v", err)
		}
	})

	tc.RedisConfig = &RedisConfig{
		Host:     container.Host,
		Port:     container.Port,
		Password: container.Password,
	}

	return nil
}

func (tc *TestContext) initPostgres() error {
	container, err := NewPostgresContainer(tc.ctx)
	if err != nil {
		return fmt.Errorf("failed to create Postgres container: %w", err)
	}

	tc.postgresContainer = container
	tc.addCleanup(func() {
		if err := container.Terminate(tc.ctx); err != nil {
			tc.t.Errorf("Failed to terminate Postgres container: %v", err)
		}
	})

	if err := postgres.NewMigrationRunner(container.GetDSN()).RunMigrations(); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	db, err := sql.Open("pgx", container.GetDSN())
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}

	tc.DB = db
	tc.addCleanup(func() {
		if err := tc.DB.Close(); err != nil {
			tc.t.Errorf("Failed to close database connection: %v", err)
		}
	})

	tc.PostgresConfig = &PostgresConfig{
		Host:     container.Host,
		Port:     container.Port,
		User:     container.User,
		Password: container.Password,
		Database: container.Database,
	}

	return nil
}
