// Package runner holds the process configuration and the run-mode
// entry points.
package runner

import (
	"context"
	"errors"
	"flag"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/pulsemetrics/sync-engine/tlmt"
	"github.com/pulsemetrics/sync-engine/tlmt/gonoop"
	"github.com/pulsemetrics/sync-engine/tlmt/goposthog"
)

const (
	RunModeWeb = iota + 1
	RunModeWorker
	RunModeReconcile
	RunModeMigrate
)

var ErrInvalidRunMode = errors.New("invalid run mode")

type Runner interface {
	Run(context.Context) error
	Close(context.Context) error
}

type Config struct {
	Dsn              string
	Addr             string
	Debug            bool
	APIKey           string
	RunMode          int
	DisableTelemetry bool
	AwsAccessKey     string
	AwsSecretKey     string
	AwsRegion        string
	S3Bucket         string
	ReconcileSpec    string
	ArchiveSpec      string
}

func ParseConfig() *Config {
	cfg := Config{}

	var (
		workerMode    bool
		reconcileMode bool
		migrateMode   bool
	)

	flag.StringVar(&cfg.Dsn, "dsn", "", "postgres connection string [falls back to DATABASE_URL]")
	flag.StringVar(&cfg.Addr, "addr", ":8080", "address to listen on for the web server")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")
	flag.StringVar(&cfg.APIKey, "api-key", "", "bearer token for the admin API [falls back to API_KEY]")
	flag.BoolVar(&workerMode, "worker", false, "run the task queue worker")
	flag.BoolVar(&reconcileMode, "reconcile", false, "run a single reconciliation pass and exit")
	flag.BoolVar(&migrateMode, "migrate", false, "run database migrations and exit")
	flag.StringVar(&cfg.ReconcileSpec, "reconcile-spec", "@every 1h", "schedule for the reconciliation task")
	flag.StringVar(&cfg.ArchiveSpec, "archive-spec", "@every 24h", "schedule for the receipt archival task")
	flag.StringVar(&cfg.S3Bucket, "s3-bucket", "", "S3 bucket for receipt archives [falls back to S3_BUCKET]")

	flag.Parse()

	if cfg.Dsn == "" {
		cfg.Dsn = os.Getenv("DATABASE_URL")
	}

	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("API_KEY")
	}

	if cfg.S3Bucket == "" {
		cfg.S3Bucket = os.Getenv("S3_BUCKET")
	}

	cfg.AwsAccessKey = os.Getenv("MY_AWS_ACCESS_KEY")
	cfg.AwsSecretKey = os.Getenv("MY_AWS_SECRET_KEY")
	cfg.AwsRegion = os.Getenv("MY_AWS_REGION")
	cfg.DisableTelemetry = os.Getenv("DISABLE_TELEMETRY") == "1"

	if cfg.Dsn == "" {
		panic("a postgres DSN is required: pass -dsn or set DATABASE_URL")
	}

	switch {
	case migrateMode:
		cfg.RunMode = RunModeMigrate
	case reconcileMode:
		cfg.RunMode = RunModeReconcile
	case workerMode:
		cfg.RunMode = RunModeWorker
	default:
		cfg.RunMode = RunModeWeb
	}

	return &cfg
}

// NewLogger builds the process logger. Debug mode switches to the
// human-readable development encoder.
func NewLogger(debug bool) *zap.Logger {
	if debug {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return zap.NewNop()
		}

		return logger
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}

	return logger
}

var (
	telemetryOnce sync.Once
	telemetry     tlmt.Telemetry
)

// Telemetry returns the process-wide telemetry sink. Without a PostHog key
// (or with DISABLE_TELEMETRY=1) it is a no-op.
func Telemetry() tlmt.Telemetry {
	telemetryOnce.Do(func() {
		if os.Getenv("DISABLE_TELEMETRY") == "1" {
			telemetry = gonoop.New()

			return
		}

		apiKey := os.Getenv("POSTHOG_API_KEY")
		if apiKey == "" {
			telemetry = gonoop.New()

			return
		}

		val, err := goposthog.New(apiKey, "https://eu.i.posthog.com")
		if err != nil || val == nil {
			telemetry = gonoop.New()

			return
		}

		telemetry = val
	})

	return telemetry
}
