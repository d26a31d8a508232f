package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "castkit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalConfig = `
version: "1.0.0"
provider:
  endpoint: wss://tts.example.com/v1/stream
  app_id: app-123
  access_token: tok-456
  voices: [zh_female_1, zh_male_1]
`

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 5, cfg.Tasks.MaxConcurrentTasks)
	assert.Equal(t, 10, cfg.Tasks.MaxConcurrentSegments)
	assert.Equal(t, 2000, cfg.Tasks.LongTextThreshold)
	assert.Equal(t, 250, cfg.Tasks.MaxUtteranceChars)
	assert.Equal(t, 3, cfg.Tasks.SegmentMaxRetries)
	assert.Equal(t, "mp3", cfg.Provider.Codec)
	assert.Equal(t, []int{45000292}, cfg.Provider.TransientCodes)
	assert.Equal(t, [][2]int{{55000000, 56000000}}, cfg.Provider.TransientCodeRanges)
	assert.Equal(t, "code", cfg.Provider.StatusCodePath)
	assert.Equal(t, "castkit", cfg.Redis.KeyPrefix)
	assert.Equal(t, "file", cfg.Blob.Backend)
}

func TestLoadMinimal(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	// Explicit values applied.
	assert.Equal(t, "wss://tts.example.com/v1/stream", cfg.Provider.Endpoint)
	assert.Equal(t, []string{"zh_female_1", "zh_male_1"}, cfg.Provider.Voices)

	// Omitted keys keep defaults.
	assert.Equal(t, 1800, cfg.Tasks.TaskTimeoutSeconds)
	assert.Equal(t, 15, cfg.Stream.KeepaliveIntervalSeconds)
	assert.Equal(t, 24000, cfg.Provider.SampleRate)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
version: "1.2.3"
listen_addr: ":9000"
tasks:
  max_concurrent_tasks: 2
  long_text_threshold: 500
provider:
  voices: [v1]
  transient_codes: [45000292, 45000299]
  transient_code_ranges:
    - [55000000, 56000000]
    - [57000000, 57001000]
redis:
  addr: localhost:6379
  key_prefix: castkit_test
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 2, cfg.Tasks.MaxConcurrentTasks)
	assert.Equal(t, 500, cfg.Tasks.LongTextThreshold)
	assert.Equal(t, []int{45000292, 45000299}, cfg.Provider.TransientCodes)
	assert.Len(t, cfg.Provider.TransientCodeRanges, 2)
	assert.Equal(t, "castkit_test", cfg.Redis.KeyPrefix)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CASTKIT_PROVIDER_APP_ID", "env-app")
	t.Setenv("CASTKIT_PROVIDER_ACCESS_TOKEN", "env-token")
	t.Setenv("CASTKIT_REDIS_ADDR", "redis.internal:6379")

	path := writeConfig(t, minimalConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-app", cfg.Provider.AppID)
	assert.Equal(t, "env-token", cfg.Provider.AccessToken)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
version: "1.0.0"
provider:
  voices: [v1]
tasks:
  max_concurent_tasks: 5
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema")
}

func TestLoadRejectsWrongTypes(t *testing.T) {
	path := writeConfig(t, `
version: "1.0.0"
provider:
  voices: [v1]
tasks:
  max_concurrent_tasks: "five"
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnsupportedMajor(t *testing.T) {
	path := writeConfig(t, `
version: "2.0.0"
provider:
  voices: [v1]
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "major version")
}

func TestValidateRejectsEmptyVoices(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "voices")
}

func TestValidateRejectsEmptyCodeRange(t *testing.T) {
	cfg := Default()
	cfg.Provider.Voices = []string{"v1"}
	cfg.Provider.TransientCodeRanges = [][2]int{{100, 100}}

	err := cfg.Validate()
	require.Error(t, err)
}

func TestDurationAccessors(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 30*time.Minute, cfg.Tasks.TaskTimeout())
	assert.Equal(t, time.Minute, cfg.Tasks.SweepInterval())
	assert.Equal(t, 24*time.Hour, cfg.Tasks.IdempotencyTTL())
	assert.Equal(t, 30*time.Minute, cfg.Tasks.SlotTTL())
	assert.Equal(t, time.Second, cfg.Tasks.SegmentRetryBase())
	assert.Equal(t, 15*time.Second, cfg.Stream.KeepaliveInterval())
	assert.Equal(t, 10*time.Second, cfg.Provider.ConnectTimeout())
	assert.Equal(t, 2*time.Minute, cfg.Provider.TotalTimeout())
}
