package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

// TenantConfig is the per-tenant booking configuration. It replaces ad hoc settings maps:
// every field is explicit and checked by Validate when the file is loaded.
type TenantConfig struct {
	ID                  string        `mapstructure:"id"`
	Name                string        `mapstructure:"name"`
	Timezone            string        `mapstructure:"timezone"`
	Currency            string        `mapstructure:"currency"`
	PaymentProvider     string        `mapstructure:"payment_provider"`
	HoldTTL             time.Duration `mapstructure:"hold_ttl"`
	AllowManualPayments bool          `mapstructure:"allow_manual_payments"`
}

var knownProviders = map[string]bool{"stripe": true, "sandbox": true}

func (t TenantConfig) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("tenant id is required")
	}
	if t.Timezone != "" {
		if _, err := time.LoadLocation(t.Timezone); err != nil {
			return fmt.Errorf("tenant %s: invalid timezone %q: %w", t.ID, t.Timezone, err)
		}
	}
	if t.PaymentProvider != "" && !knownProviders[t.PaymentProvider] {
		return fmt.Errorf("tenant %s: unsupported payment provider %q", t.ID, t.PaymentProvider)
	}
	if t.HoldTTL < 0 {
		return fmt.Errorf("tenant %s: hold_ttl cannot be negative", t.ID)
	}
	if t.HoldTTL > 0 && t.HoldTTL < time.Minute {
		return fmt.Errorf("tenant %s: hold_ttl must be at least one minute", t.ID)
	}
	return nil
}

// Tenants is the validated tenant registry.
type Tenants struct {
	byID     map[string]TenantConfig
	fallback TenantConfig
}

// NewTenants validates and indexes the given tenants. fallback applies to unknown tenant ids.
func NewTenants(fallback TenantConfig, tenants ...TenantConfig) (*Tenants, error) {
	out := &Tenants{byID: make(map[string]TenantConfig, len(tenants)), fallback: fallback}
	for _, t := range tenants {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, dup := out.byID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate tenant id %q", t.ID)
		}
		out.byID[t.ID] = t
	}
	return out, nil
}

// LoadTenants reads a tenants file (yaml, json or toml, by extension) with viper.
func LoadTenants(path string, fallback TenantConfig) (*Tenants, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read tenants file %s: %w", path, err)
	}

	var file struct {
		Tenants []TenantConfig `mapstructure:"tenants"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("decode tenants file %s: %w", path, err)
	}
	return NewTenants(fallback, file.Tenants...)
}

// Get returns the tenant's configuration, or the fallback for unknown ids.
func (t *Tenants) Get(id string) TenantConfig {
	if t == nil {
		return TenantConfig{}
	}
	if cfg, ok := t.byID[id]; ok {
		return cfg
	}
	cfg := t.fallback
	cfg.ID = id
	return cfg
}

// Location returns the tenant's time zone, UTC when unset.
func (t TenantConfig) Location() *time.Location {
	if t.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
