package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfigurationDefaults(t *testing.T) {
	cfg, err := ReadConfiguration("", nil)
	require.NoError(t, err)
	assert.Equal(t, defaultAddr, cfg.Addr)
	assert.Equal(t, PersistenceTypeBuntDB, cfg.PersistenceConfig.Type)
	assert.Equal(t, defaultAITimeout, cfg.AIConfig.Timeout)
	assert.Equal(t, defaultVoiceTokenTTL, cfg.VoiceConfig.TokenTTL)
	assert.Equal(t, defaultHistorySize, cfg.HistoryConfig.HistorySize)
	assert.Equal(t, defaultBannedTerms, cfg.ModerationConfig.BannedTerms)
	assert.False(t, cfg.VoiceEnabled())
}

func TestReadConfigurationFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	main := `addr = "0.0.0.0:9000"
log_level = "WARN"

[persistence]
type = "sqlite"
dsn = "file:sessions.db"

[ai]
model = "gpt-test"
timeout = "5s"
`
	voice := `[voice]
app_id = "app"
secret = "s3cret"
token_ttl = "10m"

[moderation]
banned_terms = ["badword", "very bad"]
rules = ["Length > 500"]

[[oidc]]
name = "google"
provider_url = "https://accounts.google.com"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.toml"), []byte(main), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "voice.toml"), []byte(voice), 0o600))
	t.Setenv("LSSESSION_AI_API_KEY", "key-from-env")

	cfg, err := ReadConfiguration(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr)
	assert.Equal(t, "WARN", cfg.LogLevel)
	assert.Equal(t, PersistenceTypeSQLite, cfg.PersistenceConfig.Type)
	assert.Equal(t, "gpt-test", cfg.AIConfig.Model)
	assert.Equal(t, 5*time.Second, cfg.AIConfig.Timeout)
	assert.Equal(t, "key-from-env", cfg.AIConfig.APIKey)
	assert.Equal(t, 10*time.Minute, cfg.VoiceConfig.TokenTTL)
	assert.True(t, cfg.VoiceEnabled())
	assert.Equal(t, []string{"badword", "very bad"}, cfg.ModerationConfig.BannedTerms)
	assert.Equal(t, []string{"Length > 500"}, cfg.ModerationConfig.Rules)
	require.Len(t, cfg.OIDCConfigs, 1)
	assert.Equal(t, "google", cfg.OIDCConfigs[0].Name)
}

func TestReadConfigurationFlags(t *testing.T) {
	flagSet := GetFlagSet()
	require.NoError(t, flagSet.Parse([]string{"--addr", "127.0.0.1:1234", "--log-level", "TRACE"}))
	cfg, err := ReadConfiguration("", flagSet)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1234", cfg.Addr)
	assert.Equal(t, "TRACE", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	cfg, err := ReadConfiguration("", nil)
	require.NoError(t, err)

	bad := *cfg
	bad.PersistenceConfig.Type = "mongodb"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.AIConfig.Timeout = 0
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.HistoryConfig.HistorySize = -1
	assert.Error(t, bad.Validate())
}

func TestReadConfigurationMissingPath(t *testing.T) {
	_, err := ReadConfiguration(filepath.Join(t.TempDir(), "nope.toml"), nil)
	assert.Error(t, err)
}
