package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/conexus/internal/models"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8085, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, "v62.0", cfg.Salesforce.APIVersion)
	assert.Equal(t, 30*time.Second, cfg.Salesforce.RequestTimeout)
	assert.Equal(t, string(models.PresetAIOptimized), cfg.Capture.Preset)
	assert.Equal(t, models.ConfidenceMinDefault, cfg.Correlation.MinConfidence)
	assert.True(t, cfg.Correlation.QueryPlatformJobs)
	assert.Equal(t, "medium", cfg.Redaction.MinSensitivity)
	assert.Equal(t, "./data/conexus", cfg.Storage.Badger.Path)

	require.NoError(t, cfg.Validate())
}

func TestLoadFromFilesPrecedence(t *testing.T) {
	dir := t.TempDir()
	base := writeConfig(t, dir, "base.toml", `
environment = "production"

[server]
port = 9000

[capture]
preset = "soql_analysis"
`)
	override := writeConfig(t, dir, "override.toml", `
[server]
port = 9001
`)

	cfg, err := LoadFromFiles(base, override)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, 9001, cfg.Server.Port, "later files win")
	assert.Equal(t, "soql_analysis", cfg.Capture.Preset, "earlier settings survive unless overridden")
	assert.Equal(t, "localhost", cfg.Server.Host, "defaults fill the gaps")
}

func TestLoadFromFilesEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "conexus.toml", `
[server]
port = 9000
`)

	t.Setenv("CONEXUS_SERVER_PORT", "9100")
	t.Setenv("CONEXUS_LOG_LEVEL", "DEBUG")

	cfg, err := LoadFromFiles(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port, "environment beats files")
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFromFilesMissingFile(t *testing.T) {
	_, err := LoadFromFiles(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absent.toml")
}

func TestValidateNormalizesZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Correlation.MaxTimeWindowMs = 0
	cfg.Correlation.MaxChildren = -1
	cfg.Salesforce.MaxParallelCalls = 0
	cfg.Salesforce.MaxIdleConns = 0
	cfg.Capture.DurationMinutes = 48 * 60 // beyond the platform cap

	require.NoError(t, cfg.Validate())

	assert.EqualValues(t, 3600000, cfg.Correlation.MaxTimeWindowMs)
	assert.Equal(t, 5, cfg.Correlation.MaxChildren)
	assert.Equal(t, 5, cfg.Salesforce.MaxParallelCalls)
	assert.Equal(t, 1, cfg.Salesforce.MaxIdleConns)
	assert.Equal(t, 30, cfg.Capture.DurationMinutes)
}

func TestValidateRejectsUnknownSensitivity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Redaction.MinSensitivity = "purple"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_sensitivity")
}

func TestValidateRejectsUnknownPreset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capture.Preset = "everything"

	require.Error(t, cfg.Validate())
}

func TestApplyFlagOverrides(t *testing.T) {
	cfg := DefaultConfig()

	ApplyFlagOverrides(cfg, 0, "")
	assert.Equal(t, 8085, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)

	ApplyFlagOverrides(cfg, 9200, "0.0.0.0")
	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
}
