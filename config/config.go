// Package config provides access to runtime tunables stored in the
// system_config table. Values are cached for a short TTL; environment
// variables override stored values when present.
package config

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Keys understood by the sync engine.
const (
	KeyLookbackHours   = "sync.lookback_hours"
	KeyDrainBatchSize  = "sync.drain_batch_size"
	KeyResyncDelayMS   = "sync.resync_delay_ms"
	KeyRetentionDays   = "archive.retention_days"
)

// Defaults applied when a key is absent everywhere.
const (
	DefaultLookbackHours  = 24
	DefaultDrainBatchSize = 100
	DefaultResyncDelayMS  = 1000
	DefaultRetentionDays  = 30
)

type Service struct {
	db    *sql.DB
	mu    sync.RWMutex
	cache map[string]cachedEntry
}

type cachedEntry struct {
	value     string
	expiresAt time.Time
}

const defaultTTL = time.Minute

func New(db *sql.DB) *Service {
	return &Service{db: db, cache: make(map[string]cachedEntry)}
}

// GetString returns a string config value. The env var name is derived from
// the key by uppercasing and replacing dots with underscores.
func (s *Service) GetString(ctx context.Context, key string, defaultValue string) (string, error) {
	if v, ok := s.envOverride(key); ok {
		return v, nil
	}

	if v, ok := s.getFromCache(key); ok {
		return v, nil
	}

	const q = `SELECT value FROM system_config WHERE key = $1 LIMIT 1`

	var v string
	err := s.db.QueryRowContext(ctx, q, key).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return defaultValue, nil
		}

		return "", err
	}

	s.putInCache(key, v)

	return v, nil
}

// GetInt returns an integer config value, falling back to the default on
// unparseable values.
func (s *Service) GetInt(ctx context.Context, key string, defaultValue int) (int, error) {
	v, err := s.GetString(ctx, key, "")
	if err != nil {
		return 0, err
	}

	if v == "" {
		return defaultValue, nil
	}

	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return defaultValue, nil
	}

	return parsed, nil
}

// Upsert writes a configuration value and drops it from the cache.
func (s *Service) Upsert(ctx context.Context, key, value string) error {
	const q = `INSERT INTO system_config (key, value, updated_at)
	           VALUES ($1, $2, NOW())
	           ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`

	_, err := s.db.ExecContext(ctx, q, key, value)
	if err == nil {
		s.mu.Lock()
		delete(s.cache, key)
		s.mu.Unlock()
	}

	return err
}

func (s *Service) envOverride(key string) (string, bool) {
	envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	if v := os.Getenv(envKey); v != "" {
		return v, true
	}

	return "", false
}

func (s *Service) getFromCache(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}

	return entry.value, true
}

func (s *Service) putInCache(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache[key] = cachedEntry{value: value, expiresAt: time.Now().Add(defaultTTL)}
}
