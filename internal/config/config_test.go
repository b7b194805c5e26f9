package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadReadsSchedulerEnv(t *testing.T) {
	t.Setenv("SCHEDULER_POLL_INTERVAL", "2m")
	t.Setenv("SCHEDULER_SWEEP_INTERVAL", "not-a-duration")
	t.Setenv("QUOTA_BACKEND", "REDIS")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")

	cfg := Load()

	assert.Equal(t, 2*time.Minute, cfg.Scheduler.PollInterval)
	assert.Equal(t, time.Minute, cfg.Scheduler.SweepInterval)
	assert.Equal(t, "redis", cfg.Quota.Backend)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Events.KafkaBrokers)
}

func TestTuningHolderDefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	holder, err := NewTuningHolder(zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, DefaultTuning(), holder.Get())
}

func TestTuningHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	content := "tuning:\n  dailyQuotaUnits: 500\n  setTitleCost: 50\n  snapshotCost: 2\n  tokenRefreshSkew: 1m\n  callTimeout: 5s\n  refreshTimeout: 3s\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tuning.yml"), []byte(content), 0o600))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	holder, err := NewTuningHolder(zap.NewNop())
	require.NoError(t, err)

	got := holder.Get()
	assert.Equal(t, int64(500), got.DailyQuotaUnits)
	assert.Equal(t, int64(2), got.SnapshotCost)
	assert.Equal(t, time.Minute, got.TokenRefreshSkew)
	assert.Equal(t, 5*time.Second, got.CallTimeout)
}

func TestTuningSetRejectsInvalid(t *testing.T) {
	holder := NewStaticTuning(DefaultTuning())

	bad := DefaultTuning()
	bad.SetTitleCost = bad.DailyQuotaUnits + 1
	assert.Error(t, holder.Set(bad))
	assert.Equal(t, DefaultTuning(), holder.Get())
}
