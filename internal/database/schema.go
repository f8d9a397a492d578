package database

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"ms-reservation/internal/models"
)

var tables = []interface{}{
	(*models.Session)(nil),
	(*models.Player)(nil),
	(*models.Hold)(nil),
	(*models.DiscountCode)(nil),
	(*models.CodeUse)(nil),
	(*models.Payment)(nil),
}

// Indexes shared by the bun schema and the Postgres migrations.
var indexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_holds_session_state ON holds (session_id, state)`,
	`CREATE INDEX IF NOT EXISTS idx_holds_player_session ON holds (player_id, session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_holds_state_expires ON holds (state, expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_holds_discount_code ON holds (discount_code, state)`,
	// At most one pending hold per player and session.
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_holds_pending_player_session ON holds (player_id, session_id) WHERE state = 'pending'`,
	`CREATE INDEX IF NOT EXISTS idx_payments_hold ON payments (hold_id)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_status ON payments (status)`,
	// One in-flight or successful payment per hold.
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_payments_hold_live ON payments (hold_id) WHERE status IN ('processing', 'succeeded')`,
}

// CreateSchema creates every table and index from the bun models. Used for SQLite and tests;
// Postgres deployments run the migrations package instead.
func CreateSchema(ctx context.Context, db *bun.DB) error {
	for _, model := range tables {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}
	for _, stmt := range indexes {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// DropSchema removes every table. Used by the migrate tool's reset flag on SQLite.
func DropSchema(ctx context.Context, db *bun.DB) error {
	for i := len(tables) - 1; i >= 0; i-- {
		if _, err := db.NewDropTable().Model(tables[i]).IfExists().Exec(ctx); err != nil {
			return fmt.Errorf("drop table for %T: %w", tables[i], err)
		}
	}
	return nil
}
