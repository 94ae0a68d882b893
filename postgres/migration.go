package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// MigrationRunner applies the schema migrations under scripts/migrations
// using golang-migrate. Files follow the {version}_{description}.up.sql /
// .down.sql convention; applied versions are tracked in schema_migrations.
type MigrationRunner struct {
	dsn           string
	migrationsDir string
	logger        *log.Logger
	timeout       time.Duration
}

func NewMigrationRunner(dsn string) *MigrationRunner {
	return &MigrationRunner{
		dsn:     dsn,
		logger:  log.New(os.Stdout, "[migrate] ", log.LstdFlags),
		timeout: 30 * time.Second,
	}
}

func (m *MigrationRunner) SetMigrationsDir(dir string) error {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("invalid directory path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("directory not accessible: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", absPath)
	}

	m.migrationsDir = absPath

	return nil
}

func (m *MigrationRunner) RunMigrations() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	migrationsDir, err := m.findMigrationsDir()
	if err != nil {
		return fmt.Errorf("failed to find migrations directory: %w", err)
	}

	m.logger.Printf("applying migrations from %s", migrationsDir)

	migrator, err := m.createMigrator(ctx, migrationsDir)
	if err != nil {
		return err
	}

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Println("schema already up to date")

			return nil
		}

		return fmt.Errorf("failed to run migrations: %w", err)
	}

	m.logger.Println("migrations applied")

	return nil
}

func (m *MigrationRunner) createMigrator(ctx context.Context, migrationsDir string) (*migrate.Migrate, error) {
	db, err := sql.Open("pgx", m.formatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Minute * 5)

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	dbInstance, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationsDir),
		"postgres",
		dbInstance,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}

	return migrator, nil
}

func (m *MigrationRunner) formatDSN() string {
	if strings.HasPrefix(m.dsn, "postgres://") || strings.HasPrefix(m.dsn, "postgresql://") {
		return m.dsn
	}

	return "postgres://" + m.dsn
}

func (m *MigrationRunner) findMigrationsDir() (string, error) {
	if m.migrationsDir != "" {
		if _, err := os.Stat(m.migrationsDir); err == nil {
			return m.migrationsDir, nil
		}

		return "", fmt.Errorf("specified migrations directory not found: %s", m.migrationsDir)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("unable to determine working directory: %w", err)
	}

	// Walk up from the working directory so tests in nested packages find
	// the repository's migrations.
	for dir := workingDir; ; dir = filepath.Dir(dir) {
		migrationsPath := filepath.Join(dir, "scripts", "migrations")
		if _, err := os.Stat(migrationsPath); err == nil {
			return migrationsPath, nil
		}

		if dir == filepath.Dir(dir) {
			break
		}
	}

	return "", fmt.Errorf("migrations directory not found under %s", workingDir)
}
