package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/visa-rescheduler/internal/portal"
)

func required() Config {
	return Config{
		Username:    "jane@example.com",
		Password:    "secret",
		ScheduleID:  "42",
		CurrentDate: "2025-06-01",
		Locations:   []string{"94,95", " 96 "},
	}
}

func TestResolveAppliesDefaults(t *testing.T) {
	cfg, err := Layer(required())
	require.NoError(t, err)

	now := time.Date(2025, 1, 15, 18, 45, 0, 0, time.UTC)
	h, err := cfg.Resolve(now)
	require.NoError(t, err)

	assert.Equal(t, []string{"94", "95", "96"}, h.Locations)
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), h.CurrentDate)
	assert.Equal(t, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), h.MinDate)
	assert.Equal(t, 3*time.Second, h.Delay)
	assert.Equal(t, 10*time.Second, h.RateLimitDelay)
	assert.Equal(t, 4*time.Hour, h.BlockedCooldown)
	assert.Equal(t, "en-il", h.Locale)
	assert.Equal(t, "log.txt", h.LogFile)
	assert.Equal(t, ".", h.DiagDir)
	assert.Equal(t, slog.LevelDebug, h.LogLevel)
	assert.Equal(t, portal.ClaimRetrySlot, h.ClaimPolicy)
	assert.True(t, h.CloudflareBypass)
	assert.Equal(t, 587, h.SMTP.Port)
}

func TestValidateReportsEveryMissingOption(t *testing.T) {
	err := Config{Username: "jane"}.Validate()
	var missing *MissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"password", "schedule", "current date", "locations"}, missing.Fields)

	_, err = Config{}.Resolve(time.Now())
	require.ErrorAs(t, err, &missing)
}

func TestResolveRejectsBadValues(t *testing.T) {
	cfg := required()
	cfg.CurrentDate = "01/06/2025"
	cfg.Delay = "soon"
	cfg.ClaimPolicy = "yolo"
	cfg, err := Layer(cfg)
	require.NoError(t, err)

	_, err = cfg.Resolve(time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "current date")
	assert.Contains(t, err.Error(), "delay")
	assert.Contains(t, err.Error(), "claim policy")
}

func TestLayerPriority(t *testing.T) {
	file := required()
	file.Delay = "5s"
	file.Password = "from-file"
	env := Config{Password: "from-env", HistoryURL: "sqlite://history.db"}
	flags := Config{Delay: "7"}

	cfg, err := Layer(file, env, flags)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Password)
	assert.Equal(t, "7", cfg.Delay)
	assert.Equal(t, "sqlite://history.db", cfg.HistoryURL)
	assert.Equal(t, "10s", cfg.RateLimitDelay)

	h, err := cfg.Resolve(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, h.Delay)
}

func TestLayerLetsLaterLayersSetZeroValues(t *testing.T) {
	disable, rps := true, 2.5
	file := required()
	file.DisableCloudflareBypass = &disable
	file.RequestsPerSecond = &rps

	enable, unlimited := false, 0.0
	flags := Config{DisableCloudflareBypass: &enable, RequestsPerSecond: &unlimited}

	cfg, err := Layer(file, Config{}, flags)
	require.NoError(t, err)
	h, err := cfg.Resolve(time.Now())
	require.NoError(t, err)
	assert.True(t, h.CloudflareBypass)
	assert.Zero(t, h.RequestsPerSecond)

	// layering must not write through to an earlier layer's values
	assert.True(t, disable)
	assert.Equal(t, 2.5, rps)

	cfg, err = Layer(file)
	require.NoError(t, err)
	h, err = cfg.Resolve(time.Now())
	require.NoError(t, err)
	assert.False(t, h.CloudflareBypass)
	assert.Equal(t, 2.5, h.RequestsPerSecond)
}

func TestReadFileMergesLocalOverrides(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "visasched.json5")
	require.NoError(t, os.WriteFile(base, []byte(`{
		// shared settings
		username: "jane@example.com",
		schedule_id: "42",
		locations: ["94", "95"],
		delay: "4s",
		disable_cloudflare_bypass: true,
		smtp: {host: "smtp.example.com", to: ["jane@example.com"]},
	}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "visasched.local.json5"), []byte(`{
		password: "secret",
		delay: "6s",
		disable_cloudflare_bypass: false,
	}`), 0o600))

	cfg, err := ReadFile(base, nil)
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", cfg.Username)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, "6s", cfg.Delay)
	assert.Equal(t, []string{"94", "95"}, cfg.Locations)
	assert.True(t, cfg.SMTP.Enabled())
	require.NotNil(t, cfg.DisableCloudflareBypass)
	assert.False(t, *cfg.DisableCloudflareBypass)
}

func TestReadFileMissing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "nope.json5"), nil)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestFromEnv(t *testing.T) {
	env := map[string]string{
		"VISASCHED_PASSWORD":    "secret",
		"VISASCHED_HISTORY_URL": "postgres://localhost/visa",
		"VISASCHED_SMTP_TO":     "a@example.com, b@example.com",
		"VISASCHED_SMTP_PORT":   "2525",
	}
	cfg := FromEnv(func(k string) string { return env[k] })

	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, "postgres://localhost/visa", cfg.HistoryURL)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, cfg.SMTP.To)
	assert.Equal(t, 2525, cfg.SMTP.Port)
	assert.Empty(t, cfg.Username)
}

func TestParseDuration(t *testing.T) {
	for in, want := range map[string]time.Duration{
		"3":    3 * time.Second,
		"0.5":  500 * time.Millisecond,
		"90s":  90 * time.Second,
		" 4h ": 4 * time.Hour,
	} {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDuration("-1s")
	require.Error(t, err)
	_, err = ParseDuration("")
	require.Error(t, err)
}
