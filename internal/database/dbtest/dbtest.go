// Package dbtest provides an in-memory SQLite database with the full schema for package tests.
package dbtest

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-reservation/internal/database"
)

// New opens a fresh in-memory database and closes it when the test ends.
func New(tb testing.TB) *bun.DB {
	tb.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		tb.Fatalf("Failed to open in-memory database: %v", err)
	}
	// One connection keeps the in-memory database alive and serializes writers.
	sqldb.SetMaxOpenConns(1)
	sqldb.SetConnMaxLifetime(0)

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	if err := database.CreateSchema(context.Background(), bunDB); err != nil {
		bunDB.Close()
		tb.Fatalf("Failed to create schema: %v", err)
	}

	tb.Cleanup(func() { bunDB.Close() })
	return bunDB
}
