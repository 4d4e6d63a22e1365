package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom_DefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	base := `
store:
  driver: memory
pipeline:
  interval: 2m
capability:
  classifier_url: http://classifier
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.yaml"), []byte(base), 0o600))
	t.Setenv("PIPELINE_BATCH_SIZE", "7")
	t.Setenv("RETENTION_WINDOW", "48h")
	t.Setenv("SUMMARIZER_URL", "http://summarizer")

	cfg, err := LoadFrom("test", dir)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 2*time.Minute, cfg.Pipeline.Interval)
	assert.Equal(t, 7, cfg.Pipeline.BatchSize)
	assert.Equal(t, 48*time.Hour, cfg.Retention.Window)
	assert.Equal(t, "http://classifier", cfg.Capability.ClassifierURL)
	assert.Equal(t, "http://summarizer", cfg.Capability.SummarizerURL)
	// untouched defaults
	assert.Equal(t, 0.5, cfg.Capability.UnwantedThreshold)
	assert.Equal(t, "@hourly", cfg.Retention.Schedule)
	assert.Equal(t, "INBOX", cfg.Mail.IMAP.Folder)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Store.Driver = "sqlite"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Pipeline.BatchSize = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Mail.Provider = "pop3"
	assert.Error(t, cfg.Validate())
}
