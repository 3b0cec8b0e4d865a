package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLimitOverrides(t *testing.T) {
	cfg := &Config{
		RateOverrides: map[string]int{},
		QuotaSoftOver: map[string]int{},
		QuotaHardOver: map[string]int{},
	}
	parseLimitOverrides([]string{
		"RL_EXT_CALL_PER_MIN=30",
		"RL_EXT_CALL_PER_MIN_DEVELOPER=5",
		"RL_EMBED_PER_MIN_SECURITY=0",
		"QUOTA_EXT_CALL_SOFT=100",
		"QUOTA_EXT_CALL_HARD=200",
		"RL_MALFORMED=10",
		"QUOTA_EXT_CALL_SOFT=notanumber",
		"PATH=/usr/bin",
	}, cfg)

	limit, ok := cfg.RateOverrideFor("ext_call", "developer")
	require.True(t, ok)
	assert.Equal(t, 5, limit)

	limit, ok = cfg.RateOverrideFor("ext_call", "security")
	require.True(t, ok)
	assert.Equal(t, 30, limit)

	// A present zero is a hard deny, distinct from no override at all.
	limit, ok = cfg.RateOverrideFor("embed", "security")
	require.True(t, ok)
	assert.Zero(t, limit)

	_, ok = cfg.RateOverrideFor("embed", "developer")
	assert.False(t, ok)

	soft, hard := cfg.QuotaOverrideFor("ext_call", 500, 1000)
	assert.Equal(t, 100, soft)
	assert.Equal(t, 200, hard)

	soft, hard = cfg.QuotaOverrideFor("embed", 500, 1000)
	assert.Equal(t, 500, soft)
	assert.Equal(t, 1000, hard)
}

func TestLoad_EnvDefaultsAndOverrides(t *testing.T) {
	t.Setenv("GOVCP_CONFIG_FILE", "")
	t.Setenv("OS_HTTP_SECRET", "read-secret")
	t.Setenv("LIMITS_ENABLED", "false")
	t.Setenv("GOV_POLL_INTERVAL", "5s")
	t.Setenv("WORKER_DISPATCH_TIMEOUT", "15m")
	t.Setenv("BREAKER_OPEN_AFTER_FAILS", "5")
	t.Setenv("GOVCP_STRICT_MODE", "true")
	t.Setenv("RL_COCKPIT_WRITE_PER_MIN", "12")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "read-secret", cfg.OpsReadSecret)
	assert.False(t, cfg.LimitsEnabled)
	assert.Equal(t, 5*time.Second, cfg.DispatchPollInterval)
	assert.Equal(t, 15*time.Minute, cfg.WorkerDispatchTimeout)
	assert.Equal(t, 10*time.Second, cfg.ExtCallDeadline)
	assert.Equal(t, 5, cfg.BreakerOpenAfterFails)
	assert.Equal(t, defaultBreakerCooldownSec, cfg.BreakerCooldownSec)
	assert.True(t, cfg.StrictMode)

	limit, ok := cfg.RateOverrideFor("cockpit_write", "")
	require.True(t, ok)
	assert.Equal(t, 12, limit)
}

func TestLoad_YAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "govcp.yaml")
	overlay := `
gate_approvers:
  Security: security
  RevOps: revops
provider_grants:
  developer:
    tracker:
      access_level: 2
      denied_actions: [delete_board]
`
	require.NoError(t, os.WriteFile(path, []byte(overlay), 0600))
	t.Setenv("GOVCP_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "security", cfg.GateApprovers["Security"])
	require.Contains(t, cfg.ProviderGrants, "developer")
	grant := cfg.ProviderGrants["developer"]["tracker"]
	assert.Equal(t, 2, grant.AccessLevel)
	assert.Equal(t, []string{"delete_board"}, grant.DeniedActions)
}
