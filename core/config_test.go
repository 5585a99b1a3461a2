package core

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearAIOSEnv(t *testing.T) {
	t.Helper()
	for _, v := range []string{
		"AIOS_ENV", "AIOS_EVENT_ROOT", "AIOS_WORKER_COUNT", "AIOS_HEARTBEAT_INTERVAL",
		"AIOS_ADDRESS", "AIOS_PORT", "AIOS_CB_THRESHOLD", "AIOS_CB_SLEEP_WINDOW",
		"AIOS_CB_QUARANTINE_AFTER", "AIOS_MAX_RETRIES", "AIOS_LOG_LEVEL", "AIOS_LOG_FORMAT",
		"AIOS_DEBUG", "AIOS_TELEMETRY_ENABLED", "AIOS_OTEL_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT",
		"AIOS_REDIS_ENABLED", "AIOS_REDIS_URL", "REDIS_URL", "KUBERNETES_SERVICE_HOST",
	} {
		os.Unsetenv(v)
	}
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, 5, cfg.WorkerCount)
}

func TestConfig_Validate_RejectsBadEnv(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Env = "staging"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfiguration)
}

func TestConfig_Validate_RejectsZeroWorkers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerCount = 0
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_RejectsEmptyEventRoot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventRoot = ""
	assert.ErrorIs(t, cfg.Validate(), ErrMissingConfiguration)
}

func TestConfig_LoadFromEnv_Overrides(t *testing.T) {
	clearAIOSEnv(t)
	defer clearAIOSEnv(t)

	os.Setenv("AIOS_ENV", "test")
	os.Setenv("AIOS_WORKER_COUNT", "12")
	os.Setenv("AIOS_HEARTBEAT_INTERVAL", "45s")
	os.Setenv("AIOS_CB_THRESHOLD", "7")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "test", cfg.Env)
	assert.Equal(t, 12, cfg.WorkerCount)
	assert.Equal(t, 45*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 7, cfg.Resilience.ErrorThreshold)
}

func TestConfig_LoadFromEnv_DebugForcesDebugLevel(t *testing.T) {
	clearAIOSEnv(t)
	defer clearAIOSEnv(t)

	os.Setenv("AIOS_DEBUG", "true")
	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.True(t, cfg.Logging.Debug)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestConfig_DetectEnvironment_Kubernetes(t *testing.T) {
	clearAIOSEnv(t)
	defer clearAIOSEnv(t)
	os.Setenv("KUBERNETES_SERVICE_HOST", "10.0.0.1")

	cfg := DefaultConfig()
	cfg.DetectEnvironment()

	assert.Equal(t, "0.0.0.0", cfg.HTTP.Address)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestNewConfig_AppliesOptionsAfterEnv(t *testing.T) {
	clearAIOSEnv(t)
	defer clearAIOSEnv(t)
	os.Setenv("AIOS_WORKER_COUNT", "9")

	cfg, err := NewConfig(WithWorkerCount(3), WithEnv("test"))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.WorkerCount, "functional options outrank env vars")
	assert.Equal(t, "test", cfg.Env)
	assert.NotNil(t, cfg.Logger())
}

func TestWithWorkerCount_RejectsNonPositive(t *testing.T) {
	clearAIOSEnv(t)
	defer clearAIOSEnv(t)
	_, err := NewConfig(WithWorkerCount(0))
	assert.Error(t, err)
}

func TestLoadFromFile_RejectsUnsupportedExtension(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.LoadFromFile("config.toml")
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestLoadFromFile_JSON(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.json"
	require.NoError(t, os.WriteFile(path, []byte(`{"env":"test","worker_count":9}`), 0o600))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromFile(path))
	assert.Equal(t, "test", cfg.Env)
	assert.Equal(t, 9, cfg.WorkerCount)
}
