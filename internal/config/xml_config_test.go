// xml_config_test.go - Tests for XML configuration loading and validation
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_CreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.xml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<LabIngest>")
	assert.Contains(t, string(data), "<MaxUploadSize>50MB</MaxUploadSize>")

	assert.Equal(t, 3, cfg.Processing.Workers)
	assert.Equal(t, filepath.Join(dir, "data/uploads"), cfg.GetUploadDir())
	assert.True(t, filepath.IsAbs(cfg.Storage.DatabasePath))

	size, err := cfg.MaxUploadBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(50_000_000), size)
}

func TestLoadConfig_ReadsFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.xml")
	xmlDoc := `<?xml version="1.0" encoding="UTF-8"?>
<LabIngest>
  <Server><Port>9000</Port><BindAddress>127.0.0.1</BindAddress><ReadTimeoutSeconds>5</ReadTimeoutSeconds><WriteTimeoutSeconds>5</WriteTimeoutSeconds><IdleTimeoutSeconds>5</IdleTimeoutSeconds></Server>
  <Storage><DataDirectory>/srv/lab</DataDirectory><UploadsDirectory>staging</UploadsDirectory><MaxUploadSize>10 MiB</MaxUploadSize></Storage>
  <Security><AllowedFileTypes>.csv</AllowedFileTypes></Security>
</LabIngest>`
	require.NoError(t, os.WriteFile(path, []byte(xmlDoc), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.GetServerAddr())
	assert.Equal(t, "/srv/lab", cfg.GetDataDir())
	assert.Equal(t, filepath.Join(dir, "staging"), cfg.GetUploadDir())
	assert.Equal(t, ".csv", cfg.Security.AllowedFileTypes)
	// untouched sections keep defaults
	assert.Equal(t, 32, cfg.Processing.QueueSize)
	assert.Equal(t, "rules", cfg.Analysis.Provider)

	size, err := cfg.MaxUploadBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(10<<20), size)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PORT", "7070")
	t.Setenv("DATA_DIR", filepath.Join(dir, "elsewhere"))
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("LABINGEST_AUTH_TOKEN", "token-env")
	t.Setenv("LABINGEST_DB_PATH", "")

	cfg, err := LoadConfig(filepath.Join(dir, "config.xml"))
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, filepath.Join(dir, "elsewhere", "uploads"), cfg.GetUploadDir())
	assert.Equal(t, "", cfg.Storage.DatabasePath)
	assert.Equal(t, "sk-env", cfg.Analysis.APIKey)
	assert.Equal(t, "token-env", cfg.Security.AuthToken)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
		errHas string
	}{
		{"defaults", func(*AppConfig) {}, ""},
		{"zero workers", func(c *AppConfig) { c.Processing.Workers = 0 }, "Workers"},
		{"zero queue", func(c *AppConfig) { c.Processing.QueueSize = 0 }, "QueueSize"},
		{"unknown provider", func(c *AppConfig) { c.Analysis.Provider = "oracle" }, "Provider"},
		{"openai without key", func(c *AppConfig) { c.Analysis.Provider = "openai" }, "APIKey"},
		{"auth without token", func(c *AppConfig) { c.Security.RequireAuth = true }, "AuthToken"},
		{"bad log level", func(c *AppConfig) { c.Advanced.LogLevel = "loud" }, "LogLevel"},
		{"bad size", func(c *AppConfig) { c.Storage.MaxUploadSize = "lots" }, "MaxUploadSize"},
		{"zero size", func(c *AppConfig) { c.Storage.MaxUploadSize = "0B" }, "MaxUploadSize"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errHas == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.errHas), err.Error())
		})
	}
}

func TestDurations(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 60*time.Second, cfg.AnalysisTimeout())
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval())
	assert.Equal(t, time.Hour, cfg.StagedFileMaxAge())
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Storage.DataDirectory = filepath.Join(dir, "data")
	cfg.Storage.UploadsDirectory = filepath.Join(dir, "data", "uploads")

	require.NoError(t, cfg.EnsureDirectories())
	info, err := os.Stat(cfg.Storage.UploadsDirectory)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}
