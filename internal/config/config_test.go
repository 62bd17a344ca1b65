package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(n int) string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", n)))
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("CRED_ENC_KEY", key(32))

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, 8*time.Minute, cfg.RefreshInterval)
	assert.Equal(t, 5, cfg.PollMinSeconds)
	assert.Equal(t, 3, cfg.DailyFailureLimit)
	assert.Len(t, cfg.CredKey, 32)
	assert.Error(t, cfg.RequireCookieKeys())

	sc := cfg.Scheduler()
	assert.Equal(t, 3, sc.Retry.MaxAttempts)
	assert.Equal(t, time.Second, sc.Retry.BaseDelay)
	assert.Equal(t, 10*time.Second, sc.CallTimeout)
	require.NoError(t, sc.Validate())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CRED_ENC_KEY", key(32))
	t.Setenv("COOKIE_HASH_KEY", key(32))
	t.Setenv("COOKIE_BLOCK_KEY", key(16))
	t.Setenv("STORE", "Memory")
	t.Setenv("REFRESH_INTERVAL", "480s")
	t.Setenv("RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("RETRY_BASE_DELAY", "500ms")
	t.Setenv("RETRY_MAX_DELAY", "10s")
	t.Setenv("WEBREG_RPS", "0.5")
	t.Setenv("WEBHOOK_AVATAR_URL", "https://example.com/a.png")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 480*time.Second, cfg.RefreshInterval)
	assert.Equal(t, 5, cfg.RetryMaxAttempts)
	assert.InDelta(t, 0.5, cfg.WebReg().RequestsPerSecond, 1e-9)
	assert.Equal(t, "https://example.com/a.png", cfg.Delivery().WebhookAvatarURL)
	require.NoError(t, cfg.RequireCookieKeys())
}

func TestFromEnvRejects(t *testing.T) {
	t.Run("missing cred key", func(t *testing.T) {
		t.Setenv("CRED_ENC_KEY", "")
		_, err := FromEnv()
		assert.ErrorContains(t, err, "CRED_ENC_KEY")
	})
	t.Run("short cred key", func(t *testing.T) {
		t.Setenv("CRED_ENC_KEY", key(16))
		_, err := FromEnv()
		assert.ErrorContains(t, err, "32 bytes")
	})
	t.Run("bad store", func(t *testing.T) {
		t.Setenv("CRED_ENC_KEY", key(32))
		t.Setenv("STORE", "sqlite")
		_, err := FromEnv()
		assert.ErrorContains(t, err, "STORE")
	})
	t.Run("flat backoff", func(t *testing.T) {
		t.Setenv("CRED_ENC_KEY", key(32))
		t.Setenv("RETRY_MAX_ATTEMPTS", "8")
		t.Setenv("RETRY_BASE_DELAY", "1s")
		t.Setenv("RETRY_MAX_DELAY", "4s")
		_, err := FromEnv()
		assert.ErrorContains(t, err, "retry")
	})
}

func TestKeyFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cred.key")
	require.NoError(t, os.WriteFile(path, []byte(key(32)+"\n"), 0o600))
	t.Setenv("CRED_ENC_KEY", path)

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Len(t, cfg.CredKey, 32)
}
