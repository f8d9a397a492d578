package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOLD_TTL_MINUTES", "")
	t.Setenv("KAFKA_BROKERS", "")

	cfg := Load()
	assert.Equal(t, ":8084", cfg.Server.Port)
	assert.Equal(t, 60*time.Minute, cfg.Reservation.HoldTTL)
	assert.Equal(t, 2*time.Second, cfg.Reservation.LockWait)
	assert.Equal(t, 15*time.Second, cfg.Reaper.Interval)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HOLD_TTL_MINUTES", "30")
	t.Setenv("REAPER_INTERVAL", "5s")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("DB_MAX_OPEN_CONNS", "not-a-number")

	cfg := Load()
	assert.Equal(t, 30*time.Minute, cfg.Reservation.HoldTTL)
	assert.Equal(t, 5*time.Second, cfg.Reaper.Interval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
}

func TestLoadTenants(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tenants:
  - id: club-1
    name: Riverside FC
    timezone: America/Chicago
    currency: usd
    payment_provider: stripe
    hold_ttl: 45m
  - id: club-2
    name: Lakeside
    payment_provider: sandbox
    allow_manual_payments: true
`), 0o644))

	tenants, err := LoadTenants(path, TenantConfig{PaymentProvider: "sandbox", Currency: "usd"})
	require.NoError(t, err)

	club1 := tenants.Get("club-1")
	assert.Equal(t, "Riverside FC", club1.Name)
	assert.Equal(t, 45*time.Minute, club1.HoldTTL)
	assert.Equal(t, "America/Chicago", club1.Location().String())

	assert.True(t, tenants.Get("club-2").AllowManualPayments)

	unknown := tenants.Get("club-9")
	assert.Equal(t, "club-9", unknown.ID)
	assert.Equal(t, "sandbox", unknown.PaymentProvider)
	assert.Equal(t, "UTC", unknown.Location().String())
}

func TestLoadTenantsRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"bad timezone": "tenants:\n  - id: a\n    timezone: Mars/Olympus\n",
		"bad provider": "tenants:\n  - id: a\n    payment_provider: paypal\n",
		"short ttl":    "tenants:\n  - id: a\n    hold_ttl: 10s\n",
		"missing id":   "tenants:\n  - name: nobody\n",
		"duplicate":    "tenants:\n  - id: a\n  - id: a\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "tenants.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := LoadTenants(path, TenantConfig{})
			assert.Error(t, err)
		})
	}
}

func TestNilTenants(t *testing.T) {
	var tenants *Tenants
	assert.Equal(t, TenantConfig{}, tenants.Get("x"))
}
