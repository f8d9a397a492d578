// Command reaper runs the expiry sweeper and payment reconciliation without the HTTP API.
// Run it when the API replicas are started with REAPER_ENABLED=false.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"ms-reservation/internal/codes"
	"ms-reservation/internal/config"
	"ms-reservation/internal/database"
	"ms-reservation/internal/logger"
	"ms-reservation/internal/notify"
	"ms-reservation/internal/payment"
	paymentdb "ms-reservation/internal/payment/db"
	"ms-reservation/internal/payment/gateway"
	"ms-reservation/internal/reaper"
	"ms-reservation/internal/reservation"
	reservationdb "ms-reservation/internal/reservation/db"
	rediswrap "ms-reservation/internal/reservation/redis"
	"ms-reservation/internal/telemetry"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, ".env file not found, using environment variables")
	}
	cfg := config.Load()

	log, err := logger.New(logger.Options{Dir: cfg.Log.Dir, Service: "reservation-reaper", Level: logger.ParseLevel(cfg.Log.Level)})
	if err != nil {
		log = logger.NewLogger()
		log.Warn("LOGGER", fmt.Sprintf("File logging disabled: %v", err))
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, cfg.Telemetry); err != nil {
		log.Warn("TELEMETRY", fmt.Sprintf("Tracing disabled: %v", err))
	}
	defer telemetry.Shutdown(context.Background())

	bunDB, err := database.Open(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	defer bunDB.Close()

	tenants, err := config.LoadTenants(cfg.TenantsFile, config.TenantConfig{Currency: cfg.Payment.DefaultCurrency, HoldTTL: cfg.Reservation.HoldTTL})
	if err != nil {
		log.Warn("CONFIG", fmt.Sprintf("Using default tenant settings: %v", err))
		tenants, _ = config.NewTenants(config.TenantConfig{Currency: cfg.Payment.DefaultCurrency, HoldTTL: cfg.Reservation.HoldTTL})
	}

	opts := reservation.Options{Config: cfg.Reservation, Tenants: tenants, Logger: log}
	var paymentEvents payment.Notifier = notify.Nop{}
	if cfg.Kafka.Enabled {
		publisher := notify.NewPublisher(cfg.Kafka, log)
		defer publisher.Close()
		opts.Notifier = publisher
		paymentEvents = publisher
	}

	holds := &reservationdb.DB{Bun: bunDB}
	var locks *rediswrap.Redis
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn("REDIS", fmt.Sprintf("Redis unavailable, relying on periodic sweeps: %v", err))
		} else {
			locks = rediswrap.NewRedis(client, log, cfg.Reservation.LockTTL, cfg.Reservation.LockWait)
			locks.EnableExpiryEvents(ctx)
			opts.Locker = locks
			opts.Markers = locks
		}
	}
	reservations := reservation.NewService(holds, codes.NewValidator(holds, log), opts)

	gateways, err := gateway.NewRegistryFromConfig(cfg.Payment, log)
	if err != nil {
		log.Fatal("PAYMENT", err.Error())
	}
	orchestrator := payment.NewOrchestrator(&paymentdb.DB{Bun: bunDB}, reservations, gateways, payment.Options{
		Tenants:  tenants,
		Currency: cfg.Payment.DefaultCurrency,
		Notifier: paymentEvents,
		Logger:   log,
	})

	r := reaper.New(reservations, orchestrator, cfg.Reaper, log)
	if err := r.Start(ctx); err != nil {
		log.Fatal("REAPER", err.Error())
	}
	var watcher *reaper.Watcher
	if locks != nil {
		watcher = reaper.NewWatcher(locks, reservations, log)
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("REAPER", fmt.Sprintf("Expiry watcher stopped: %v", err))
			}
		}()
	}

	log.Info("APP", "Reaper started, waiting for shutdown signal")
	<-ctx.Done()
	r.Stop()

	stats := r.GetStats()
	log.Info("REAPER", fmt.Sprintf("Shutdown: expired %d, lost %d, resolved %d, refunded %d",
		stats.TotalExpired, stats.TotalLost, stats.TotalResolved, stats.TotalRefunded))
	if watcher != nil {
		log.Info("REAPER", fmt.Sprintf("Watcher expired %d holds", watcher.Expired()))
	}
}
