package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEnvDefaults(t *testing.T) {
	cfg, err := ValidateEnv()
	require.NoError(t, err)

	assert.Equal(t, "4321", cfg.Port)
	assert.Equal(t, "./data/yjs-docs", cfg.DataDir)
	assert.Equal(t, "*", cfg.CORSOrigin)
	assert.Equal(t, "30-M", cfg.RateLimitRooms)
	assert.False(t, cfg.RequireGitHubAuth)
	assert.False(t, cfg.TLSEnabled())
}

func TestValidateEnvBadPort(t *testing.T) {
	t.Setenv("PORT", "not-a-port")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
}

func TestValidateEnvTLSPairRequired(t *testing.T) {
	t.Setenv("TLS_CERT", "/tmp/cert.pem")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TLS_CERT and TLS_KEY")
}

func TestValidateEnvIdentityGateRequiresSecret(t *testing.T) {
	t.Setenv("REQUIRE_GITHUB_AUTH", "true")
	t.Setenv("GITHUB_CLIENT_ID", "id")
	t.Setenv("GITHUB_CLIENT_SECRET", "secret")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
}

func TestValidateEnvIdentityGateShortSecret(t *testing.T) {
	t.Setenv("REQUIRE_GITHUB_AUTH", "true")
	t.Setenv("GITHUB_CLIENT_ID", "id")
	t.Setenv("GITHUB_CLIENT_SECRET", "secret")
	t.Setenv("JWT_SECRET", "too-short")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 characters")
}

func TestValidateEnvIdentityGateComplete(t *testing.T) {
	t.Setenv("REQUIRE_GITHUB_AUTH", "true")
	t.Setenv("GITHUB_CLIENT_ID", "id")
	t.Setenv("GITHUB_CLIENT_SECRET", "secret")
	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.True(t, cfg.RequireGitHubAuth)
	assert.Equal(t, "id", cfg.GitHubClientID)
}

func TestValidateEnvTLSEnabled(t *testing.T) {
	t.Setenv("TLS_CERT", "/tmp/cert.pem")
	t.Setenv("TLS_KEY", "/tmp/key.pem")

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.True(t, cfg.TLSEnabled())
}
