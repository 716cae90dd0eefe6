package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := parse()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "HS256", cfg.JWTAlgorithm)
	assert.Equal(t, 24, cfg.JWTExpirationHours)
	assert.Equal(t, "synckit:", cfg.RedisChannelPrefix)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.True(t, cfg.AuthRequired, "auth is opt-out, not opt-in")
	assert.Equal(t, DevJWTSecret, cfg.JWTSecret, "development falls back to the built-in secret")
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, 24*time.Hour, cfg.AccessTokenTTL())
}

func TestAccessTokenTTLFollowsExpirationHours(t *testing.T) {
	t.Setenv("JWT_EXPIRATION_HOURS", "2")

	cfg, err := parse()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.AccessTokenTTL())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("SYNCKIT_AUTH_REQUIRED", "false")
	t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := parse()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.False(t, cfg.AuthRequired)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestProductionRequiresRealSecret(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")

	_, err := parse()
	require.Error(t, err, "placeholder secret is fatal in production")

	t.Setenv("JWT_SECRET", "short")
	_, err = parse()
	require.Error(t, err, "short secret is fatal in production")

	t.Setenv("JWT_SECRET", strings.Repeat("s", 32))
	cfg, err := parse()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("JWT_ALGORITHM", "RS256")
	_, err := parse()
	assert.Error(t, err, "only HS256 is supported")
}

func TestRedisAndNATSMutuallyExclusive(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("NATS_URL", "nats://localhost:4222")
	_, err := parse()
	assert.Error(t, err)
}
