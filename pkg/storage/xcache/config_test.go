package xcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.SingleFlight)
	assert.Equal(t, DefaultLoaderTimeout, cfg.LoaderTimeout)
	assert.Equal(t, DefaultKeyLockTimeout, cfg.KeyLockTimeout)
	assert.Equal(t, DefaultKeyLockCapacity, cfg.KeyLockCapacity)
	assert.Equal(t, uint(1), cfg.PutRetryAttempts)
	assert.False(t, cfg.Breaker.Enabled)

	// 缺少 Name 与 ExpireTime
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestConfig_KeyLockIdleTTL(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, time.Minute, cfg.keyLockIdleTTL())

	cfg.KeyLockIdleTTL = 5 * time.Second
	assert.Equal(t, 5*time.Second, cfg.keyLockIdleTTL())
}

func TestLoadConfig_YAML(t *testing.T) {
	data := []byte(`
name: user
expire_time: 10m
random_expire_time: 30s
empty_element_expire_time: 1m
loader_permits: 8
loader_timeout: 2s
key_lock_timeout: -1ns
put_retry_attempts: 3
put_retry_delay: 50ms
breaker:
  enabled: true
  consecutive_failures: 3
  timeout: 10s
`)

	cfg, err := LoadConfig(data, FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, "user", cfg.Name)
	assert.Equal(t, 10*time.Minute, cfg.ExpireTime)
	assert.Equal(t, 30*time.Second, cfg.RandomExpireTime)
	assert.Equal(t, time.Minute, cfg.EmptyElementExpireTime)
	assert.Equal(t, int64(8), cfg.LoaderPermits)
	assert.Equal(t, 2*time.Second, cfg.LoaderTimeout)
	assert.Equal(t, -time.Nanosecond, cfg.KeyLockTimeout)
	assert.Equal(t, uint(3), cfg.PutRetryAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.PutRetryDelay)
	assert.True(t, cfg.Breaker.Enabled)
	assert.Equal(t, uint32(3), cfg.Breaker.ConsecutiveFailures)
	assert.Equal(t, 10*time.Second, cfg.Breaker.Timeout)

	// 未出现的字段保留默认值
	assert.True(t, cfg.SingleFlight)
	assert.Equal(t, DefaultKeyLockCapacity, cfg.KeyLockCapacity)
	assert.Equal(t, uint32(1), cfg.Breaker.MaxRequests)
}

func TestLoadConfig_JSON(t *testing.T) {
	data := []byte(`{"name":"order","expire_time":"1h","single_flight":false,"key_lock_capacity":100}`)

	cfg, err := LoadConfig(data, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "order", cfg.Name)
	assert.Equal(t, time.Hour, cfg.ExpireTime)
	assert.False(t, cfg.SingleFlight)
	assert.Equal(t, 100, cfg.KeyLockCapacity)
	assert.Equal(t, DefaultLoaderTimeout, cfg.LoaderTimeout)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		format Format
	}{
		{"unsupported format", `name: x`, Format("toml")},
		{"malformed yaml", "name: [", FormatYAML},
		{"malformed json", `{"name":`, FormatJSON},
		{"bad duration", `{"name":"x","expire_time":"soon"}`, FormatJSON},
		{"fails validation", `name: x`, FormatYAML},
		{"empty data", ``, FormatYAML},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig([]byte(tt.data), tt.format)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "cache.yml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("name: a\nexpire_time: 1m\n"), 0o600))
	cfg, err := LoadConfigFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "a", cfg.Name)

	jsonPath := filepath.Join(dir, "cache.JSON")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"name":"b","expire_time":"2m"}`), 0o600))
	cfg, err = LoadConfigFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.ExpireTime)

	_, err = LoadConfigFile(filepath.Join(dir, "cache.toml"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = LoadConfigFile(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
