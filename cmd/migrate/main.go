// Command migrate applies the database schema, optionally seeds demo data, and can mint a
// development bearer token for the demo tenant.
//
//	go run ./cmd/migrate            # schema only
//	go run ./cmd/migrate -seed      # schema and demo data
//	go run ./cmd/migrate -down      # roll everything back
//	go run ./cmd/migrate -token admin:demo-admin
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"ms-reservation/internal/auth"
	"ms-reservation/internal/config"
	"ms-reservation/internal/database"
	"ms-reservation/internal/database/migrations"
	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"
)

const demoTenant = "demo-club"

func main() {
	seed := flag.Bool("seed", false, "also apply the demo-data migrations")
	down := flag.Bool("down", false, "roll back every migration")
	to := flag.Int("to", -1, "migrate up or down to this version")
	token := flag.String("token", "", "print a dev token for role:id (parent:demo-parent, admin:demo-admin)")
	ttl := flag.Duration("token-ttl", 24*time.Hour, "lifetime of the printed token")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()
	// Logs go to stderr so -token output can be captured.
	log, _ := logger.New(logger.Options{Level: logger.ParseLevel(cfg.Log.Level), Out: os.Stderr})
	defer log.Close()

	if *token != "" {
		printToken(cfg.Auth, *token, *ttl, log)
		return
	}

	ctx := context.Background()
	bunDB, err := database.Open(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	defer bunDB.Close()

	if cfg.Database.Driver == "sqlite" {
		if *down {
			if err := database.DropSchema(ctx, bunDB); err != nil {
				log.Fatal("MIGRATE", err.Error())
			}
			log.Info("MIGRATE", "✅ SQLite schema dropped")
			return
		}
		if err := database.CreateSchema(ctx, bunDB); err != nil {
			log.Fatal("MIGRATE", err.Error())
		}
		log.Info("MIGRATE", "✅ SQLite schema created")
		return
	}

	runner := migrations.NewRunner(bunDB, migrations.MigrateOptions{SeedData: *seed}, log)
	defer runner.Close()

	switch {
	case *down:
		err = runner.MigrateDown()
	case *to >= 0:
		err = runner.MigrateTo(uint(*to))
	default:
		err = runner.RunMigrations()
	}
	if err != nil {
		log.Fatal("MIGRATE", err.Error())
	}

	version, dirty, err := runner.Version()
	if err != nil {
		log.Fatal("MIGRATE", err.Error())
	}
	log.Info("MIGRATE", fmt.Sprintf("✅ Done. Schema version %d (dirty=%t)", version, dirty))
}

func printToken(cfg config.AuthConfig, spec string, ttl time.Duration, log *logger.Logger) {
	role, id, ok := strings.Cut(spec, ":")
	if !ok || id == "" {
		log.Fatal("AUTH", fmt.Sprintf("token spec %q must be role:id", spec))
	}
	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.Issuer)
	if err != nil {
		log.Fatal("AUTH", err.Error())
	}
	signed, err := verifier.Issue(models.Actor{ID: id, TenantID: demoTenant, Role: models.Role(role)}, ttl)
	if err != nil {
		log.Fatal("AUTH", err.Error())
	}
	fmt.Fprintln(os.Stdout, signed)
}
