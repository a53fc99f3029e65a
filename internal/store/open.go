package store

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendBadger   = "badger"
)

// Config selects and configures a backend.
type Config struct {
	Backend        string
	SQLitePath     string
	PostgresURL    string
	Pool           *PoolConfig
	RedisURL       string
	RedisPassword  string
	BadgerPath     string
	BadgerInMemory bool
}

// Open builds the configured backend and runs its migration. An empty
// backend name means memory.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch strings.ToLower(cfg.Backend) {
	case "", BackendMemory:
		s = NewMemory()
	case BackendSQLite:
		if cfg.SQLitePath == "" {
			return nil, eris.New("store: sqlite backend requires a path")
		}
		s, err = NewSQLite(cfg.SQLitePath)
	case BackendPostgres:
		if cfg.PostgresURL == "" {
			return nil, eris.New("store: postgres backend requires a url")
		}
		s, err = NewPostgres(ctx, cfg.PostgresURL, cfg.Pool)
	case BackendRedis:
		if cfg.RedisURL == "" {
			return nil, eris.New("store: redis backend requires a url")
		}
		s, err = NewRedis(ctx, cfg.RedisURL, cfg.RedisPassword)
	case BackendBadger:
		s, err = NewBadger(cfg.BadgerPath, cfg.BadgerInMemory)
	default:
		return nil, eris.Errorf("store: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}
