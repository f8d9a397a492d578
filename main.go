package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/uptrace/bun"

	"ms-reservation/internal/api"
	"ms-reservation/internal/auth"
	"ms-reservation/internal/codes"
	"ms-reservation/internal/config"
	"ms-reservation/internal/database"
	"ms-reservation/internal/database/migrations"
	"ms-reservation/internal/logger"
	"ms-reservation/internal/notify"
	"ms-reservation/internal/pass"
	"ms-reservation/internal/payment"
	paymentdb "ms-reservation/internal/payment/db"
	"ms-reservation/internal/payment/gateway"
	"ms-reservation/internal/reaper"
	"ms-reservation/internal/reservation"
	reservationdb "ms-reservation/internal/reservation/db"
	rediswrap "ms-reservation/internal/reservation/redis"
	"ms-reservation/internal/sse"
	"ms-reservation/internal/telemetry"
)

// eventSink receives hold and payment events; *notify.Publisher or notify.Nop.
type eventSink interface {
	reservation.Notifier
	payment.Notifier
}

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, ".env file not found, using environment variables")
	}
	cfg := config.Load()

	log, err := logger.New(logger.Options{Dir: cfg.Log.Dir, Service: "reservation-service", Level: logger.ParseLevel(cfg.Log.Level)})
	if err != nil {
		log = logger.NewLogger()
		log.Warn("LOGGER", fmt.Sprintf("File logging disabled: %v", err))
	}
	defer log.Close()

	log.Info("APP", "Starting Reservation Service initialization")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, cfg.Telemetry); err != nil {
		log.Warn("TELEMETRY", fmt.Sprintf("Tracing disabled: %v", err))
	}

	bunDB, err := database.Open(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	defer bunDB.Close()
	prepareSchema(ctx, cfg.Database, bunDB, log)

	tenants := loadTenants(cfg, log)

	var events eventSink = notify.Nop{}
	if cfg.Kafka.Enabled {
		if err := notify.EnsureTopicsExist(cfg.Kafka.Brokers, notify.Topics(cfg.Kafka.TopicPrefix), log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		publisher := notify.NewPublisher(cfg.Kafka, log)
		defer publisher.Close()
		events = publisher
		log.Info("KAFKA", fmt.Sprintf("Publishing events to %v", cfg.Kafka.Brokers))
	}

	emitter := sse.NewHoldEventEmitter()
	holds := &reservationdb.DB{Bun: bunDB}
	opts := reservation.Options{
		Config:   cfg.Reservation,
		Tenants:  tenants,
		Notifier: notify.Fanout{Sink: events, Listeners: []notify.HoldListener{emitter}},
		Logger:   log,
	}

	var redisLocks *rediswrap.Redis
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn("REDIS", fmt.Sprintf("Redis unavailable at %s, using in-process session locks: %v", cfg.Redis.Addr, err))
		} else {
			redisLocks = rediswrap.NewRedis(client, log, cfg.Reservation.LockTTL, cfg.Reservation.LockWait)
			redisLocks.EnableExpiryEvents(ctx)
			opts.Locker = redisLocks
			opts.Markers = redisLocks
			log.Info("REDIS", fmt.Sprintf("✅ Redis connection successful to %s", cfg.Redis.Addr))
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
		Notifier: events,
		Logger:   log,
	})

	if cfg.Reaper.Enabled {
		r := reaper.New(reservations, orchestrator, cfg.Reaper, log)
		if err := r.Start(ctx); err != nil {
			log.Fatal("REAPER", err.Error())
		}
		defer r.Stop()
		if redisLocks != nil {
			go func() {
				if err := reaper.NewWatcher(redisLocks, reservations, log).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("REAPER", fmt.Sprintf("Expiry watcher stopped: %v", err))
				}
			}()
		}
	}

	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		log.Fatal("AUTH", err.Error())
	}
	passSecret := cfg.Auth.PassSecret
	if passSecret == "" {
		log.Warn("AUTH", "PASS_SECRET not set, deriving check-in pass key from JWT_SECRET")
		passSecret = cfg.Auth.JWTSecret
	}

	log.Info("HTTP", "Setting up router and middleware")
	router := api.NewRouter(
		&api.ReservationHandler{Reservations: reservations, Passes: pass.NewGenerator(passSecret), Events: emitter, Logger: log},
		api.NewPaymentHandler(orchestrator, gateways, log),
		verifier,
		cfg.Server.AllowedOrigins,
		log,
	)

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("🚀 Reservation Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		log.Info("HTTP", "✅ Reservation Service shutdown complete")
	}
	if dropped := emitter.Dropped(); dropped > 0 {
		log.Warn("SSE", fmt.Sprintf("%d hold events dropped for slow clients", dropped))
	}
	if err := telemetry.Shutdown(ctxShutdown); err != nil {
		log.Warn("TELEMETRY", fmt.Sprintf("Flushing spans failed: %v", err))
	}
}

// prepareSchema runs the embedded migrations on Postgres and creates the bun schema on SQLite.
func prepareSchema(ctx context.Context, cfg config.DatabaseConfig, bunDB *bun.DB, log *logger.Logger) {
	if !cfg.AutoMigrate {
		log.Info("DATABASE", "Auto migration disabled")
		return
	}
	if cfg.Driver == "sqlite" {
		if err := database.CreateSchema(ctx, bunDB); err != nil {
			log.Fatal("DATABASE", fmt.Sprintf("Failed to create schema: %v", err))
		}
		return
	}

	runner := migrations.NewRunner(bunDB, migrations.MigrateOptions{}, log)
	defer runner.Close()
	if err := runner.RunMigrations(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Migration failed: %v", err))
	}
}

func loadTenants(cfg *config.Config, log *logger.Logger) *config.Tenants {
	fallback := config.TenantConfig{
		Currency: cfg.Payment.DefaultCurrency,
		HoldTTL:  cfg.Reservation.HoldTTL,
	}
	tenants, err := config.LoadTenants(cfg.TenantsFile, fallback)
	if err == nil {
		log.Info("CONFIG", fmt.Sprintf("Loaded tenants from %s", cfg.TenantsFile))
		return tenants
	}
	if !errors.Is(err, os.ErrNotExist) {
		log.Fatal("CONFIG", err.Error())
	}
	log.Warn("CONFIG", fmt.Sprintf("Tenants file %s not found, using defaults for every tenant", cfg.TenantsFile))
	tenants, _ = config.NewTenants(fallback)
	return tenants
}
