package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"tunedrop/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.MaxConcurrentDownloads)
	assert.Equal(t, 30*time.Second, cfg.ShutdownGracePeriod)
	assert.Equal(t, 24*time.Hour, cfg.CacheMaxAge)
	assert.Equal(t, time.Hour, cfg.ReclamationInterval)
	assert.Equal(t, time.Minute, cfg.ReclamationRetry)
	assert.Equal(t, types.DefaultQualities(), cfg.Qualities)
	assert.Equal(t, "HIGH", cfg.DefaultQuality)
	assert.Equal(t, BackendHTTP, cfg.FetchBackend)
	assert.Equal(t, "data/stats.db", cfg.StatsDB)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, defaultCORSOrigins, cfg.CORSOrigins)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_DOWNLOADS", "3")
	t.Setenv("PER_REQUESTER_LIMIT", "1")
	t.Setenv("JOB_TIMEOUT_SECONDS", "90")
	t.Setenv("CACHE_DIR", "/tmp/tunedrop")
	t.Setenv("QUALITY_OPTIONS", "lossless=1411, high=320")
	t.Setenv("DEFAULT_QUALITY", "high")
	t.Setenv("ADMIN_USERS", "1, 2")
	t.Setenv("AUTHORIZED_USERS", "42")
	t.Setenv("OPEN_ACCESS", "true")
	t.Setenv("FETCH_BACKEND", "YTDLP")
	t.Setenv("STATS_DB", "")
	t.Setenv("SERVER_HOST", "127.0.0.1")
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("CORS_ORIGINS", "*")
	t.Setenv("RECLAMATION_SCHEDULE", " @hourly ")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.MaxConcurrentDownloads)
	assert.Equal(t, 1, cfg.PerRequesterLimit)
	assert.Equal(t, 90*time.Second, cfg.JobTimeout)
	assert.Equal(t, "/tmp/tunedrop", cfg.CacheDir)
	assert.Equal(t, types.QualitySet{{Label: "LOSSLESS", Bitrate: 1411}, {Label: "HIGH", Bitrate: 320}}, cfg.Qualities)
	assert.Equal(t, "HIGH", cfg.DefaultQuality)
	assert.Equal(t, []int64{1, 2}, cfg.AdminUsers)
	assert.Equal(t, []int64{42}, cfg.AuthorizedUsers)
	assert.True(t, cfg.OpenAccess)
	assert.Equal(t, BackendYtDlp, cfg.FetchBackend)
	assert.Empty(t, cfg.StatsDB, "explicitly empty disables stats")
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr())
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, "@hourly", cfg.ReclamationSchedule)
}

func TestFromEnvErrors(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"non-integer", "MAX_CONCURRENT_DOWNLOADS", "many"},
		{"zero concurrency", "MAX_CONCURRENT_DOWNLOADS", "0"},
		{"negative per requester", "PER_REQUESTER_LIMIT", "-1"},
		{"bad bool", "OPEN_ACCESS", "maybe"},
		{"bad user id", "ADMIN_USERS", "1,abc"},
		{"unknown default quality", "DEFAULT_QUALITY", "ULTRA"},
		{"unknown backend", "FETCH_BACKEND", "ftp"},
		{"zero max age", "CACHE_MAX_AGE_SECONDS", "0"},
		{"bad qualities", "QUALITY_OPTIONS", "HIGH"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := FromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestParseQualities(t *testing.T) {
	set, err := ParseQualities(" HIGH=256 ,medium=128,, LOW = 64 ")
	require.NoError(t, err)
	assert.Equal(t, types.DefaultQualities(), set)

	for _, raw := range []string{"", "HIGH", "=128", "HIGH=abc", "HIGH=0", "HIGH=1,high=2"} {
		_, err := ParseQualities(raw)
		assert.Error(t, err, "raw %q", raw)
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("SERVER_PORT=7070\nMAX_CONCURRENT_DOWNLOADS=4\n"), 0644))

	// godotenv does not override variables already present
	t.Setenv("MAX_CONCURRENT_DOWNLOADS", "2")
	t.Setenv("SERVER_PORT", "")
	os.Unsetenv("SERVER_PORT")

	cfg, err := Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.ServerPort)
	assert.Equal(t, 2, cfg.MaxConcurrentDownloads)
}

func TestLoadMissingFileIsIgnored(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}
