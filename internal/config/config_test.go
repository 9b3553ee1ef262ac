package config

import (
	"testing"
	"time"

	"promptgate/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FREE_PROMPT_LIMIT", "")
	cfg := Load()
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, 3, cfg.FreePromptLimit)
	assert.Equal(t, 100, cfg.MonthlyPromptLimit)
	assert.Equal(t, 1500, cfg.YearlyPromptLimit)
	assert.Equal(t, 30*24*time.Hour, cfg.UsageResetInterval())
}

func TestLoadGoogleProviderFromLegacyVars(t *testing.T) {
	t.Setenv("GOOGLE_CLIENT_ID", "id")
	t.Setenv("GOOGLE_CLIENT_SECRET", "secret")
	t.Setenv("GOOGLE_REDIRECT_URL", "http://localhost:8080/api/auth/oauth/google/callback")
	cfg := Load()
	google, ok := cfg.OAuthFor("google")
	assert.True(t, ok)
	assert.Equal(t, "id", google.ClientID)
	_, ok = cfg.OAuthFor("github")
	assert.False(t, ok)
}

func TestPriceTierMapping(t *testing.T) {
	cfg := Config{StripePriceMonthly: "price_m", StripePriceYearly: "price_y"}

	price, ok := cfg.StripePriceFor(models.PlanYearly)
	assert.True(t, ok)
	assert.Equal(t, "price_y", price)

	_, ok = cfg.StripePriceFor(models.PlanFree)
	assert.False(t, ok)

	tier, ok := cfg.TierForPrice("price_m")
	assert.True(t, ok)
	assert.Equal(t, models.PlanMonthly, tier)

	_, ok = cfg.TierForPrice("")
	assert.False(t, ok)
}

func TestEnvHelpersIgnoreMalformedValues(t *testing.T) {
	t.Setenv("X_INT", "nope")
	t.Setenv("X_BOOL", "maybe")
	t.Setenv("X_DUR", "soon")
	assert.Equal(t, 7, envInt("X_INT", 7))
	assert.True(t, envBool("X_BOOL", true))
	assert.Equal(t, time.Second, envDuration("X_DUR", time.Second))
}
