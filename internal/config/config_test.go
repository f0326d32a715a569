package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DEPOSIT_PERCENT", "")
	t.Setenv("PLATFORM_FEE_PERCENT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultDepositPercent, cfg.DepositPercent)
	assert.Equal(t, DefaultFeePercent, cfg.PlatformFeePercent)
	assert.Equal(t, DefaultOfferExpiryDays, cfg.OfferExpiryDays)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestValidateRejectsBadPercentages(t *testing.T) {
	cfg := &Config{Env: "development", DepositPercent: 0, PlatformFeePercent: 5, OfferExpiryDays: 7}
	assert.Error(t, cfg.Validate())

	cfg = &Config{Env: "development", DepositPercent: 10, PlatformFeePercent: 120, OfferExpiryDays: 7}
	assert.Error(t, cfg.Validate())

	cfg = &Config{Env: "development", DepositPercent: 10, PlatformFeePercent: 5, OfferExpiryDays: 0}
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresStripeInProduction(t *testing.T) {
	cfg := &Config{Env: "production", DepositPercent: 10, PlatformFeePercent: 5, OfferExpiryDays: 7}
	assert.Error(t, cfg.Validate())

	cfg.StripeSecretKey = "sk_live_x"
	assert.Error(t, cfg.Validate()) // still missing webhook secret

	cfg.StripeWebhookSecret = "whsec_x"
	assert.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ENV", "staging")
	t.Setenv("PORT", "9999")
	t.Setenv("DEPOSIT_PERCENT", "20")
	t.Setenv("LISTING_FEE_CENTS", "50000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, 20.0, cfg.DepositPercent)
	assert.Equal(t, int64(50000), cfg.ListingFeeCents)
}
