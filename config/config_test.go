package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 30*time.Minute, cfg.RuleCacheTTL)
	assert.True(t, cfg.ScanEnabled)
	assert.Equal(t, "0 2 * * *", cfg.ScanSchedule)
	assert.Equal(t, "ignore", cfg.GraceMode)
	assert.Equal(t, "single", cfg.TieredMode)
	assert.Equal(t, "newest", cfg.RuleOrder)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
}

func TestLoadConfig_ReadsPrefixedEnv(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("LATEFEE_PORT", "9090")
	t.Setenv("LATEFEE_RULE_CACHE_TTL", "5m")
	t.Setenv("LATEFEE_GRACE_MODE", "subtract")
	t.Setenv("LATEFEE_TIERED_MODE", "accrual")
	t.Setenv("LATEFEE_BATCH_WORKERS", "8")
	t.Setenv("LATEFEE_SCAN_ENABLED", "false")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 5*time.Minute, cfg.RuleCacheTTL)
	assert.Equal(t, "subtract", cfg.GraceMode)
	assert.Equal(t, "accrual", cfg.TieredMode)
	assert.Equal(t, 8, cfg.BatchWorkers)
	assert.False(t, cfg.ScanEnabled)
}

func TestLoadConfig_PostgresRequiresURL(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("LATEFEE_DB_DRIVER", "postgres")
	t.Setenv("LATEFEE_DATABASE_URL", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoadConfig_RejectsBadSchedule(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("LATEFEE_SCAN_SCHEDULE", "every tuesday")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCAN_SCHEDULE")
}

func TestValidate_RejectsUnknownModes(t *testing.T) {
	base := Config{DBDriver: "sqlite", GraceMode: "ignore", TieredMode: "single", RuleOrder: "newest", BatchWorkers: 1}

	bad := base
	bad.GraceMode = "halve"
	assert.Error(t, bad.Validate())

	bad = base
	bad.RuleOrder = "oldest"
	assert.Error(t, bad.Validate())

	bad = base
	bad.DBDriver = "mysql"
	assert.Error(t, bad.Validate())

	assert.NoError(t, base.Validate())
}
