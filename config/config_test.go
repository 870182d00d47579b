package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/ledger"
)

func TestFromViper_Defaults(t *testing.T) {
	cfg, err := FromViper(Defaults())
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, ":8080", cfg.HTTP.Addr())
	assert.False(t, cfg.Ledger.AllowNegativeStock)
	assert.False(t, cfg.Ledger.FallbackRate.Valid)
	assert.Equal(t, 5*time.Second, cfg.Ledger.LockTimeout)
	assert.Equal(t, ledger.DefaultMaxConflictRetries, cfg.Ledger.MaxConflictRetries)
	assert.Equal(t, ledger.DefaultRatePrecision, cfg.Ledger.Calculator().RatePrecision)
	assert.Equal(t, time.Hour, cfg.Verify.Interval)
	assert.False(t, cfg.Verify.AutoRepair)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestFromViper_LedgerSettings(t *testing.T) {
	v := Defaults()
	v.Set("LEDGER_ALLOW_NEGATIVE_STOCK", true)
	v.Set("LEDGER_FALLBACK_RATE", "2.5")
	v.Set("LEDGER_LOCK_TIMEOUT", "250ms")
	v.Set("negative_stock_overrides", []map[string]any{
		{"item": "WIDGET", "warehouse": "Main", "allow_negative": false},
		{"item": "GADGET", "warehouse": "East", "allow_negative": true, "fallback_rate": "4"},
	})

	cfg, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Ledger.LockTimeout)

	policies := cfg.Ledger.Policies()
	def := policies.Default()
	assert.True(t, def.AllowNegative)
	assert.Equal(t, "2.5", def.FallbackRate.Decimal.String())

	widget := policies.For(ledger.PartitionKey{Item: "WIDGET", Warehouse: "Main", BatchNo: "B-1"})
	assert.False(t, widget.AllowNegative)

	gadget := policies.For(ledger.PartitionKey{Item: "GADGET", Warehouse: "East"})
	assert.True(t, gadget.AllowNegative)
	assert.Equal(t, "4", gadget.FallbackRate.Decimal.String())
}

func TestFromViper_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value any
	}{
		{"unknown driver", "STORE_DRIVER", "oracle"},
		{"bad fallback rate", "LEDGER_FALLBACK_RATE", "abc"},
		{"negative precision", "LEDGER_RATE_PRECISION", -1},
		{"negative verify interval", "VERIFY_INTERVAL", "-1m"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Defaults()
			v.Set(tt.key, tt.value)
			_, err := FromViper(v)
			assert.Error(t, err)
		})
	}

	v := Defaults()
	v.Set("STORE_DRIVER", "postgres")
	_, err := FromViper(v)
	assert.ErrorContains(t, err, "DATABASE_URL")
}
