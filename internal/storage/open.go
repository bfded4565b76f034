package storage

import (
	"context"
	"errors"
	"strings"

	logx "tasker/pkg/logx"
)

// Open initializes the configured store and applies its schema.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// connectContext layers the connect timeout under the caller's context.
func connectContext(ctx context.Context, cfg Config) (context.Context, context.CancelFunc) {
	d := cfg.ConnectTimeout
	if d <= 0 {
		d = ConnectTimeout
	}
	return context.WithTimeout(ctx, d)
}
