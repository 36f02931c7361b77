package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadClient_Defaults(t *testing.T) {
	cfg := LoadClient()

	assert.Equal(t, int64(10*1024*1024), cfg.MaxImageSize)
	assert.Equal(t, int64(100*1024*1024), cfg.MaxVideoSize)
	assert.Equal(t, 2*time.Second, cfg.ModerationInterval)
	assert.Equal(t, 30, cfg.ModerationAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.AIPollInterval)
	assert.Equal(t, 150, cfg.AIPollAttempts)
	assert.Equal(t, 60*time.Second, cfg.AIWaitTimeout)
	assert.Equal(t, 65*time.Second, cfg.CompleteTimeout)
	assert.Equal(t, 30*time.Second, cfg.SlowAfter)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, time.Minute, cfg.IdleWarning)
	assert.Contains(t, cfg.AllowedImageTypes, "image/jpeg")
	assert.Contains(t, cfg.AllowedVideoTypes, "video/mp4")
}

func TestLoadClient_EnvOverrides(t *testing.T) {
	t.Setenv("ORIGIN_URL", "http://origin.test")
	t.Setenv("MAX_IMAGE_SIZE", "2048")
	t.Setenv("IDLE_TIMEOUT", "90s")
	t.Setenv("MODERATION_POLL_ATTEMPTS", "not-a-number")
	t.Setenv("ALLOWED_IMAGE_TYPES", "image/png, image/jpeg ,")

	cfg := LoadClient()

	assert.Equal(t, "http://origin.test", cfg.OriginURL)
	assert.Equal(t, int64(2048), cfg.MaxImageSize)
	assert.Equal(t, 90*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 30, cfg.ModerationAttempts, "invalid values fall back to defaults")
	assert.Equal(t, []string{"image/png", "image/jpeg"}, cfg.AllowedImageTypes)
}

func TestLoadOrigin_MaxSizeFor(t *testing.T) {
	t.Setenv("MAX_VIDEO_SIZE", "4096")
	cfg := LoadOrigin()

	assert.Equal(t, int64(4096), cfg.MaxSizeFor("video/mp4"))
	assert.Equal(t, cfg.MaxImageSize, cfg.MaxSizeFor("image/png"))
	assert.True(t, cfg.S3UsePathStyle)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("UPLOADER_DOTENV_PROBE=loaded\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("UPLOADER_DOTENV_PROBE") })

	assert.True(t, LoadDotEnv(path))
	assert.Equal(t, "loaded", os.Getenv("UPLOADER_DOTENV_PROBE"))
	assert.False(t, LoadDotEnv(filepath.Join(dir, "missing.env")))
}
