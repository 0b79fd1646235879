package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/trust")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("TOTP_ENCRYPTION_KEY", "QkJCQkJCQkJCQkJCQkJCQkJCQkJCQkJCQkJCQkJCQkI=")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.TOTPSkewSteps)
	assert.Equal(t, 150*time.Millisecond, cfg.RevocationTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.AuditWriteTimeout)
	assert.Equal(t, 5*time.Minute, cfg.ChallengeTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.TrustedDeviceTTL)
	assert.Equal(t, 168*time.Hour, cfg.RefreshTokenTTL)
	assert.True(t, cfg.RevocationRebuildOnStartup)
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("TOTP_SKEW_STEPS", "0")
	t.Setenv("REVOCATION_TIMEOUT_MS", "80")
	t.Setenv("AUDIT_BUFFER_SIZE", "-4")
	t.Setenv("REVOCATION_REBUILD_ON_STARTUP", "off")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.TOTPSkewSteps, "zero skew is a valid choice")
	assert.Equal(t, 80*time.Millisecond, cfg.RevocationTimeout)
	assert.Equal(t, 1024, cfg.AuditBufferSize, "invalid values fall back")
	assert.False(t, cfg.RevocationRebuildOnStartup)
}

func TestLoadConfig_RequiresSecrets(t *testing.T) {
	for _, name := range []string{"DATABASE_URL", "REDIS_URL", "JWT_SECRET", "TOTP_ENCRYPTION_KEY"} {
		t.Run(name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(name, " ")

			_, err := LoadConfig()
			require.ErrorContains(t, err, name)
		})
	}
}
