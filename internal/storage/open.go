package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "groupcast/pkg/logx"
)

// Config configures the store.
//
// Driver values:
//   - "file": one JSON file per document under Path plus audit.jsonl
//   - "sqlite": SQLite database at Path (modernc, no cgo)
//   - "redis": go-redis client (Redis.Addr)
//   - "postgres": pgx pool (DSN)
//   - "memory": process-local, for tests and dry runs
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
	DSN         string
	Table       string
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Open initializes the configured store. An empty driver means "file".
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "redis":
		return openRedis(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

func auditLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 1000
	}
	return limit
}
