package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-reservation/internal/config"
	"ms-reservation/internal/logger"
)

const maxConnectAttempts = 5

// Open connects to the configured database, retrying while it comes up, and wraps it in bun
// with the matching dialect.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*bun.DB, error) {
	switch cfg.Driver {
	case "postgres", "":
		sqldb, err := connectWithRetry(ctx, "postgres", cfg.DSN, log)
		if err != nil {
			return nil, err
		}
		sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
		sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
		sqldb.SetConnMaxLifetime(cfg.MaxLifetime)
		log.Info("DATABASE", "✅ PostgreSQL connection successful")
		return bun.NewDB(sqldb, pgdialect.New()), nil
	case "sqlite":
		sqldb, err := connectWithRetry(ctx, sqliteshim.ShimName, cfg.DSN, log)
		if err != nil {
			return nil, err
		}
		// SQLite allows a single writer.
		sqldb.SetMaxOpenConns(1)
		log.Info("DATABASE", fmt.Sprintf("✅ SQLite database opened at %s", cfg.DSN))
		return bun.NewDB(sqldb, sqlitedialect.New()), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func connectWithRetry(ctx context.Context, driver, dsn string, log *logger.Logger) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%s dsn not set", driver)
	}

	var lastErr error
	for i := 0; i < maxConnectAttempts; i++ {
		log.Info("DATABASE", fmt.Sprintf("Attempting to connect to %s (attempt %d/%d)", driver, i+1, maxConnectAttempts))
		sqldb, err := sql.Open(driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", driver, err)
		}

		if err = sqldb.PingContext(ctx); err == nil {
			return sqldb, nil
		}
		sqldb.Close()
		lastErr = err
		log.Error("DATABASE", fmt.Sprintf("Failed to connect to %s: %v", driver, err))

		if i < maxConnectAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
	}
	return nil, fmt.Errorf("connect to %s after %d attempts: %w", driver, maxConnectAttempts, lastErr)
}

// IsUniqueViolation reports whether err is a unique-constraint failure on either driver.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
